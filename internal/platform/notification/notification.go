// Package notification delivers supervisor alerts for emergency access grants.
// Alerts carry identifiers only, never PHI content.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SupervisorAlert asks a supervisor to review an emergency access grant.
type SupervisorAlert struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	SupervisorID   string    `json:"supervisor_id,omitempty"`
	UserID         string    `json:"user_id"`
	AccessType     string    `json:"access_type"`
	EmergencyLevel string    `json:"emergency_level"`
	RiskScore      int       `json:"risk_score"`
	ExpiresAt      time.Time `json:"expires_at"`
	ReviewBy       time.Time `json:"review_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TemplateData flattens the alert into placeholder values.
func (a SupervisorAlert) TemplateData() map[string]string {
	supervisor := a.SupervisorID
	if supervisor == "" {
		supervisor = "on-call supervisor"
	}
	data := map[string]string{
		"request_id":      a.RequestID,
		"supervisor":      supervisor,
		"user_id":         a.UserID,
		"access_type":     a.AccessType,
		"emergency_level": a.EmergencyLevel,
		"risk_score":      fmt.Sprintf("%d", a.RiskScore),
		"expires_at":      a.ExpiresAt.UTC().Format(time.RFC3339),
		"review_by":       "",
	}
	if !a.ReviewBy.IsZero() {
		data["review_by"] = a.ReviewBy.UTC().Format(time.RFC3339)
	}
	return data
}

// Notifier delivers a supervisor alert to one channel.
type Notifier interface {
	Notify(ctx context.Context, alert SupervisorAlert) error
}

// Template defines a reusable alert template keyed by emergency level.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages alert templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with one template per emergency level.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      "emergency-access-critical",
			Subject: "CRITICAL emergency access {{request_id}} needs review by {{review_by}}",
			Body:    "{{supervisor}}: {{user_id}} was granted critical {{access_type}} access (risk {{risk_score}}). Review before {{review_by}}. Grant expires {{expires_at}}.",
		},
		{
			ID:      "emergency-access-high",
			Subject: "High emergency access {{request_id}} needs review by {{review_by}}",
			Body:    "{{supervisor}}: {{user_id}} was granted high {{access_type}} access (risk {{risk_score}}). Review before {{review_by}}. Grant expires {{expires_at}}.",
		},
		{
			ID:      "emergency-access-moderate",
			Subject: "Emergency access {{request_id}} granted",
			Body:    "{{supervisor}}: {{user_id}} was granted moderate {{access_type}} access (risk {{risk_score}}). Review before {{review_by}}.",
		},
		{
			ID:      "emergency-access-low",
			Subject: "Emergency access {{request_id}} granted",
			Body:    "{{supervisor}}: {{user_id}} was granted low {{access_type}} access (risk {{risk_score}}). Supervisor approval is required before PHI use.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// RenderAlert renders the template for the alert's emergency level.
func (e *TemplateEngine) RenderAlert(a SupervisorAlert) (subject, body string, err error) {
	return e.Render("emergency-access-"+a.EmergencyLevel, a.TemplateData())
}
