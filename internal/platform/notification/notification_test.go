package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func sampleAlert(level string) SupervisorAlert {
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	return SupervisorAlert{
		RequestID:      "req-1",
		SupervisorID:   "sup-9",
		UserID:         "clin-3",
		AccessType:     "crisis_intervention",
		EmergencyLevel: level,
		RiskScore:      95,
		ExpiresAt:      created.Add(4 * time.Hour),
		ReviewBy:       created.Add(time.Hour),
		CreatedAt:      created,
	}
}

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "test-tpl",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your code is {{code}}.",
	})

	subject, body, err := eng.Render("test-tpl", map[string]string{"name": "Alice", "code": "1234"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q", body)
	}

	if _, _, err := eng.Render("nonexistent", nil); err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestTemplateEngine_EveryLevelRenders(t *testing.T) {
	eng := NewTemplateEngine()
	for _, level := range []string{"low", "moderate", "high", "critical"} {
		subject, body, err := eng.RenderAlert(sampleAlert(level))
		if err != nil {
			t.Fatalf("level %s: %v", level, err)
		}
		if strings.Contains(subject+body, "{{") {
			t.Errorf("level %s left placeholders: %q / %q", level, subject, body)
		}
		if !strings.Contains(subject, "req-1") {
			t.Errorf("level %s subject should name the request: %q", level, subject)
		}
	}
	if _, _, err := eng.RenderAlert(sampleAlert("extreme")); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestTemplateData_DefaultsSupervisor(t *testing.T) {
	a := sampleAlert("critical")
	a.SupervisorID = ""
	a.ReviewBy = time.Time{}
	data := a.TemplateData()
	if data["supervisor"] != "on-call supervisor" {
		t.Errorf("supervisor = %q", data["supervisor"])
	}
	if data["review_by"] != "" {
		t.Errorf("review_by = %q, want empty", data["review_by"])
	}
	if data["risk_score"] != "95" {
		t.Errorf("risk_score = %q", data["risk_score"])
	}
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(testLogger(), NewTemplateEngine())
	if err := n.Notify(context.Background(), sampleAlert("high")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := n.Notify(context.Background(), sampleAlert("bogus")); err == nil {
		t.Error("expected template error")
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewKafkaNotifier_Validation(t *testing.T) {
	if _, err := NewKafkaNotifier(KafkaConfig{Brokers: []string{" ", ""}, Topic: "t"}, NewTemplateEngine()); err == nil {
		t.Error("expected error for empty brokers")
	}
	if _, err := NewKafkaNotifier(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: " "}, NewTemplateEngine()); err == nil {
		t.Error("expected error for empty topic")
	}
	n, err := NewKafkaNotifier(KafkaConfig{Brokers: []string{" localhost:9092 "}, Topic: "alerts"}, NewTemplateEngine())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestKafkaNotifier_Publishes(t *testing.T) {
	w := &fakeWriter{}
	n := &KafkaNotifier{writer: w, templates: NewTemplateEngine()}

	if err := n.Notify(context.Background(), sampleAlert("critical")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "req-1" {
		t.Errorf("key = %q, want req-1", msg.Key)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["emergency_level"] != "critical" || decoded["request_id"] != "req-1" {
		t.Errorf("unexpected payload %v", decoded)
	}
	if s, _ := decoded["subject"].(string); !strings.HasPrefix(s, "CRITICAL") {
		t.Errorf("subject = %q", s)
	}

	w.err = errors.New("broker down")
	if err := n.Notify(context.Background(), sampleAlert("critical")); err == nil {
		t.Error("expected publish error")
	}

	if err := n.Close(); err != nil || !w.closed {
		t.Error("expected writer to be closed")
	}

	var nilNotifier *KafkaNotifier
	if err := nilNotifier.Notify(context.Background(), sampleAlert("high")); err == nil {
		t.Error("expected error from nil notifier")
	}
}

func TestDispatcher_FanOut(t *testing.T) {
	a, b := &RecordingNotifier{}, &RecordingNotifier{}
	d := NewDispatcher(time.Second, testLogger(), a, b)

	if err := d.Notify(context.Background(), sampleAlert("high")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.Alerts()) != 1 || len(b.Alerts()) != 1 {
		t.Errorf("expected both sinks to receive the alert")
	}
	if got := a.Alerts()[0].ID; got == "" {
		t.Error("dispatcher should assign an alert id")
	}
	stats := d.Stats()
	if stats[StatusSent] != 1 || stats[StatusFailed] != 0 {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestDispatcher_FailureIsReported(t *testing.T) {
	ok := &RecordingNotifier{}
	bad := &RecordingNotifier{Err: errors.New("pager offline")}
	d := NewDispatcher(time.Second, testLogger(), ok, bad)

	err := d.Notify(context.Background(), sampleAlert("critical"))
	if err == nil || !strings.Contains(err.Error(), "pager offline") {
		t.Fatalf("expected pager error, got %v", err)
	}
	if len(ok.Alerts()) != 1 {
		t.Error("healthy sink should still be notified")
	}
	list := d.ListBySupervisor("sup-9", 10)
	if len(list) != 1 || list[0].Status != StatusFailed || list[0].SentAt != nil {
		t.Errorf("unexpected deliveries %+v", list)
	}
}

func TestDispatcher_Timeout(t *testing.T) {
	slow := &RecordingNotifier{Delay: time.Second}
	d := NewDispatcher(20*time.Millisecond, testLogger(), slow)

	start := time.Now()
	err := d.Notify(context.Background(), sampleAlert("high"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("notify should be bounded by the dispatcher timeout")
	}
}

func TestDispatcher_SinksShareDeadlineConcurrently(t *testing.T) {
	kafkaLike := &RecordingNotifier{Delay: 150 * time.Millisecond}
	logLike := &RecordingNotifier{Delay: 150 * time.Millisecond}
	d := NewDispatcher(250*time.Millisecond, testLogger(), kafkaLike, logLike)

	if err := d.Notify(context.Background(), sampleAlert("critical")); err != nil {
		t.Fatalf("expected both sinks to finish within the deadline, got %v", err)
	}
	if len(kafkaLike.Alerts()) != 1 || len(logLike.Alerts()) != 1 {
		t.Error("expected both sinks to receive the alert")
	}
}

func TestDispatcher_NoSinks(t *testing.T) {
	d := NewDispatcher(0, testLogger())
	if err := d.Notify(context.Background(), sampleAlert("high")); err == nil {
		t.Error("expected error without sinks")
	}
}

func TestDispatcher_HistoryBounded(t *testing.T) {
	d := NewDispatcher(time.Second, testLogger(), &RecordingNotifier{})
	d.maxHistory = 3
	for i := 0; i < 5; i++ {
		d.Notify(context.Background(), sampleAlert("low"))
	}
	if got := len(d.ListBySupervisor("sup-9", 10)); got != 3 {
		t.Errorf("expected 3 retained deliveries, got %d", got)
	}
}

func TestHandler(t *testing.T) {
	d := NewDispatcher(time.Second, testLogger(), &RecordingNotifier{})
	d.Notify(context.Background(), sampleAlert("high"))
	h := NewHandler(d)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?supervisor_id=sup-9", nil), rec)
	if err := h.HandleList(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 1 {
		t.Errorf("expected 1 delivery, got %d", body.Total)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := h.HandleList(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/stats", nil), rec)
	if err := h.HandleStats(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"sent":1`) {
		t.Errorf("unexpected stats body %s", rec.Body.String())
	}
}
