package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Delivery statuses.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Delivery records one attempt to notify a supervisor across all sinks.
type Delivery struct {
	ID        string          `json:"id"`
	Alert     SupervisorAlert `json:"alert"`
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// Dispatcher fans an alert out to every configured sink under a shared
// deadline and keeps a bounded history of recent deliveries.
type Dispatcher struct {
	sinks      []Notifier
	timeout    time.Duration
	logger     zerolog.Logger
	maxHistory int

	mu         sync.RWMutex
	deliveries []*Delivery
}

func NewDispatcher(timeout time.Duration, logger zerolog.Logger, sinks ...Notifier) *Dispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Dispatcher{
		sinks:      sinks,
		timeout:    timeout,
		logger:     logger.With().Str("component", "notification-dispatcher").Logger(),
		maxHistory: 1000,
	}
}

// Notify delivers a to every sink. It returns an error if any sink failed or
// the deadline passed; callers treat that as degraded, not fatal.
func (d *Dispatcher) Notify(ctx context.Context, a SupervisorAlert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	del := &Delivery{ID: a.ID, Alert: a, Status: StatusSent, CreatedAt: a.CreatedAt}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// Sinks run concurrently so a slow one cannot use up the deadline of the
	// others; a failing sink does not cancel the rest.
	errs := make([]error, len(d.sinks))
	var g errgroup.Group
	for i, s := range d.sinks {
		g.Go(func() error {
			errs[i] = s.Notify(ctx, a)
			return nil
		})
	}
	_ = g.Wait()
	if len(d.sinks) == 0 {
		errs = append(errs, errors.New("no notification sinks configured"))
	}
	sendErr := errors.Join(errs...)

	if sendErr != nil {
		del.Status = StatusFailed
		del.Error = sendErr.Error()
		d.logger.Warn().Err(sendErr).
			Str("request_id", a.RequestID).
			Str("supervisor_id", a.SupervisorID).
			Msg("supervisor notification degraded")
	} else {
		sentAt := time.Now().UTC()
		del.SentAt = &sentAt
	}
	d.record(del)

	if sendErr != nil {
		return fmt.Errorf("notify supervisor for %s: %w", a.RequestID, sendErr)
	}
	return nil
}

func (d *Dispatcher) record(del *Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, del)
	if over := len(d.deliveries) - d.maxHistory; over > 0 {
		d.deliveries = append([]*Delivery(nil), d.deliveries[over:]...)
	}
}

// ListBySupervisor returns recent deliveries addressed to supervisorID, newest
// first, up to limit.
func (d *Dispatcher) ListBySupervisor(supervisorID string, limit int) []*Delivery {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []*Delivery
	for i := len(d.deliveries) - 1; i >= 0 && len(result) < limit; i-- {
		if d.deliveries[i].Alert.SupervisorID == supervisorID {
			result = append(result, d.deliveries[i])
		}
	}
	return result
}

// Stats returns counts of recent deliveries grouped by status.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := map[string]int{StatusSent: 0, StatusFailed: 0}
	for _, del := range d.deliveries {
		stats[del.Status]++
	}
	return stats
}

// RecordingNotifier is an in-memory sink used by tests and local runs.
type RecordingNotifier struct {
	mu     sync.Mutex
	alerts []SupervisorAlert
	Err    error
	Delay  time.Duration
}

func (r *RecordingNotifier) Notify(ctx context.Context, a SupervisorAlert) error {
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.Err
}

// Alerts returns a copy of the recorded alerts.
func (r *RecordingNotifier) Alerts() []SupervisorAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SupervisorAlert, len(r.alerts))
	copy(out, r.alerts)
	return out
}
