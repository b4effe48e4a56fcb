package policy

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/phiaccess/internal/platform/cache"
	"github.com/ehr/phiaccess/internal/platform/hipaa"
	"github.com/ehr/phiaccess/internal/platform/metrics"
)

const rateWindow = time.Hour

// EngineOptions wires the engine's collaborators. Oracle and Limiter may be nil.
type EngineOptions struct {
	Oracle        RelationshipOracle
	OracleTimeout time.Duration
	Limiter       cache.Limiter
	MaxPerHour    int
	Classifier    *hipaa.PHIClassifier
	Metrics       *metrics.Collector
}

// Engine gathers the facts for a request and decides it.
type Engine struct {
	cfg    Config
	opts   EngineOptions
	logger zerolog.Logger
}

func NewEngine(cfg Config, opts EngineOptions, logger zerolog.Logger) *Engine {
	if opts.Classifier == nil {
		opts.Classifier = hipaa.NewPHIClassifier(hipaa.DefaultPHIResources())
	}
	if opts.OracleTimeout <= 0 {
		opts.OracleTimeout = 2 * time.Second
	}
	if opts.MaxPerHour <= 0 {
		opts.MaxPerHour = 10
	}
	return &Engine{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With().Str("component", "policy").Logger(),
	}
}

// Config returns the decision thresholds in use.
func (e *Engine) Config() Config { return e.cfg }

// IsPHI reports whether resource references PHI.
func (e *Engine) IsPHI(resource string) bool {
	return e.opts.Classifier.IsPHI(resource)
}

// Evaluate validates req and decides it. Only structural problems return an
// error; every policy outcome, including rejections, is a Decision.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	facts := Facts{PHIAccessed: e.IsPHI(req.ResourceAccessed)}
	if e.opts.Limiter != nil {
		facts.RateLimited = !e.opts.Limiter.Allow(ctx, "emergency:"+req.UserID, e.opts.MaxPerHour, rateWindow)
	}
	if req.PatientID != "" && !facts.RateLimited {
		facts.Relationship = e.lookup(ctx, req.UserID, req.PatientID)
	}

	d := Decide(e.cfg, req, facts)
	e.opts.Metrics.RecordDecision(string(req.AccessType), string(req.EmergencyLevel),
		string(d.ComplianceStatus), d.PHIAccessed, d.Granted)
	return d, nil
}

// lookup consults the oracle within the oracle timeout. Any failure leaves
// the relationship unvalidated.
func (e *Engine) lookup(ctx context.Context, relatedPersonID, patientID string) *RelationshipInfo {
	if e.opts.Oracle == nil {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.opts.OracleTimeout)
	defer cancel()

	info, err := e.opts.Oracle.Lookup(callCtx, relatedPersonID, patientID)
	if err != nil {
		e.opts.Metrics.RecordDependencyFailure("relationship_oracle")
		e.logger.Warn().Err(err).
			Str("user_id", relatedPersonID).
			Str("patient_id", patientID).
			Msg("relationship oracle unavailable, treating relationship as unvalidated")
		return nil
	}
	return &info
}
