package emergency

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phiaccess/internal/domain/audit"
	"github.com/ehr/phiaccess/internal/domain/policy"
	"github.com/ehr/phiaccess/internal/platform/apperr"
	"github.com/ehr/phiaccess/internal/platform/cache"
	"github.com/ehr/phiaccess/internal/platform/metrics"
	"github.com/ehr/phiaccess/internal/platform/middleware"
	"github.com/ehr/phiaccess/internal/platform/notification"
)

// TxFunc runs fn so that session and audit writes commit together.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// Options wires optional collaborators.
type Options struct {
	Locker   cache.Locker
	Notifier notification.Notifier
	Metrics  *metrics.Collector
	Tx       TxFunc
	Now      func() time.Time
}

// Service manages emergency access sessions.
type Service struct {
	repo     Repository
	engine   *policy.Engine
	audit    audit.Recorder
	locker   cache.Locker
	notifier notification.Notifier
	metrics  *metrics.Collector
	tx       TxFunc
	now      func() time.Time
	logger   zerolog.Logger
}

func NewService(repo Repository, engine *policy.Engine, rec audit.Recorder, logger zerolog.Logger, opts Options) *Service {
	s := &Service{
		repo:     repo,
		engine:   engine,
		audit:    rec,
		locker:   opts.Locker,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		tx:       opts.Tx,
		now:      opts.Now,
		logger:   logger.With().Str("component", "emergency").Logger(),
	}
	if s.locker == nil {
		s.locker = cache.NewLocalLocker()
	}
	if s.tx == nil {
		s.tx = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate access token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *Service) lock(ctx context.Context, requestID string) (func(), error) {
	unlock, err := s.locker.Lock(ctx, "emergency:"+requestID)
	if err != nil {
		if errors.Is(err, cache.ErrLockTimeout) {
			return nil, apperr.Unavailable("emergency access request %s is busy", requestID)
		}
		return nil, apperr.FromContext(err)
	}
	return unlock, nil
}

func decisionEntry(req policy.Request, d *policy.Decision, src audit.Source, now time.Time) *audit.Entry {
	e := &audit.Entry{
		Service:             audit.ServiceEmergencyAccess,
		EventType:           audit.EventAccessDecision,
		RequestID:           req.RequestID,
		RelationshipID:      d.RelationshipID,
		PatientID:           req.PatientID,
		UserID:              req.UserID,
		AccessType:          string(req.AccessType),
		EmergencyLevel:      string(req.EmergencyLevel),
		ComplianceStatus:    string(d.ComplianceStatus),
		ResourceAccessed:    req.ResourceAccessed,
		Justification:       req.Justification,
		Timestamp:           now,
		PHIAccessed:         d.PHIAccessed,
		DataSensitivity:     d.DataSensitivity,
		ComplianceViolation: d.ComplianceViolation,
		RiskScore:           d.RiskScore,
		ReviewRequired:      d.ReviewRequired,
		Severity:            audit.SeverityWarning,
	}
	if d.ComplianceViolation {
		e.Severity = audit.SeverityError
	}
	return src.Apply(e)
}

// RequestAccess evaluates req and, when granted, opens a session and returns
// its token. Every decision writes exactly one audit entry. A rejection is a
// Grant with AccessGranted=false, not an error.
func (s *Service) RequestAccess(ctx context.Context, req policy.Request, src audit.Source) (*Grant, error) {
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.repo.Get(ctx, req.RequestID); err == nil {
		return nil, apperr.Conflict("emergency access request %s already exists", req.RequestID)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	d, err := s.engine.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	entry := decisionEntry(req, d, src, now)
	grant := &Grant{
		RequestID:             req.RequestID,
		AccessGranted:         d.Granted,
		Restrictions:          d.Restrictions,
		RiskScore:             d.RiskScore,
		ReviewRequired:        d.ReviewRequired,
		RelationshipValidated: d.RelationshipValidated,
		PermissionLevel:       d.PermissionLevel,
		ComplianceStatus:      d.ComplianceStatus,
		Reason:                d.Reason,
	}

	if !d.Granted {
		entry.Action = audit.ActionAccessDenied
		entry.Description = fmt.Sprintf("emergency access denied: %s", d.Reason)
		stored, err := s.audit.Record(ctx, entry)
		if err != nil {
			return nil, err
		}
		grant.AuditTrailID = stored.AuditID
		s.logger.Warn().
			Str("request_id", req.RequestID).
			Str("user_id", req.UserID).
			Str("access_type", string(req.AccessType)).
			Str("emergency_level", string(req.EmergencyLevel)).
			Str("compliance_status", string(d.ComplianceStatus)).
			Int("risk_score", d.RiskScore).
			Msg("emergency access denied")
		return grant, nil
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	expiresAt := now.Add(d.TTL)
	var deadline *time.Time
	if d.ReviewRequired && d.ReviewWindow > 0 {
		t := now.Add(d.ReviewWindow)
		deadline = &t
	}
	entry.Action = audit.ActionAccessGranted
	entry.Description = fmt.Sprintf("emergency access granted at %s level, token generated, expires %s",
		req.EmergencyLevel, expiresAt.Format(time.RFC3339))
	entry.ReviewDeadline = deadline

	sess := &Session{
		RequestID:             req.RequestID,
		UserID:                req.UserID,
		RequestedBy:           req.RequestedBy,
		AccessType:            req.AccessType,
		EmergencyLevel:        req.EmergencyLevel,
		Justification:         req.Justification,
		PatientID:             req.PatientID,
		ResourceAccessed:      req.ResourceAccessed,
		SupervisorID:          req.SupervisorID,
		TokenHash:             hashToken(token),
		Restrictions:          d.Restrictions,
		RiskScore:             d.RiskScore,
		RelationshipValidated: d.RelationshipValidated,
		RelationshipID:        d.RelationshipID,
		PermissionLevel:       d.PermissionLevel,
		PHIAccessed:           d.PHIAccessed,
		ReviewRequired:        d.ReviewRequired,
		SupervisorNotified:    d.NotifySupervisor,
		ComplianceStatus:      d.ComplianceStatus,
		CreatedAt:             now,
		ExpiresAt:             expiresAt,
	}

	err = s.tx(ctx, func(ctx context.Context) error {
		stored, err := s.audit.Record(ctx, entry)
		if err != nil {
			return err
		}
		sess.AuditTrailID = stored.AuditID
		sess.ReviewDeadline = stored.ReviewDeadline
		return s.repo.Create(ctx, sess)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Warn().
		Str("request_id", req.RequestID).
		Str("user_id", req.UserID).
		Str("access_type", string(req.AccessType)).
		Str("emergency_level", string(req.EmergencyLevel)).
		Int("risk_score", d.RiskScore).
		Time("expires_at", expiresAt).
		Msg("emergency access granted")

	grant.AccessToken = token
	grant.ExpiresAt = &sess.ExpiresAt
	grant.ReviewDeadline = sess.ReviewDeadline
	grant.AuditTrailID = sess.AuditTrailID
	grant.SupervisorNotified = d.NotifySupervisor
	if d.NotifySupervisor {
		grant.NotificationDegraded = !s.notify(ctx, sess)
	}
	return grant, nil
}

// notify alerts the supervisor and reports whether delivery succeeded. A
// failure never fails the grant.
func (s *Service) notify(ctx context.Context, sess *Session) bool {
	var err error
	if s.notifier == nil {
		err = errors.New("no supervisor notifier configured")
	} else {
		alert := notification.SupervisorAlert{
			RequestID:      sess.RequestID,
			SupervisorID:   sess.SupervisorID,
			UserID:         sess.UserID,
			AccessType:     string(sess.AccessType),
			EmergencyLevel: string(sess.EmergencyLevel),
			RiskScore:      sess.RiskScore,
			ExpiresAt:      sess.ExpiresAt,
			CreatedAt:      sess.CreatedAt,
		}
		if sess.ReviewDeadline != nil {
			alert.ReviewBy = *sess.ReviewDeadline
		}
		err = s.notifier.Notify(ctx, alert)
	}
	if err == nil {
		return true
	}

	s.metrics.RecordDependencyFailure("supervisor_notification")
	s.logger.Warn().Err(err).
		Str("request_id", sess.RequestID).
		Str("supervisor_id", sess.SupervisorID).
		Bool("notification_degraded", true).
		Msg("supervisor notification failed, grant stands")
	if err := s.repo.MarkNotificationDegraded(ctx, sess.RequestID); err != nil {
		s.logger.Error().Err(err).Str("request_id", sess.RequestID).Msg("could not flag degraded notification")
	}
	return false
}

// Status reports the state of a session. Revoked or purged sessions are not found.
func (s *Service) Status(ctx context.Context, requestID string) (*StatusView, error) {
	sess, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return newStatusView(sess, s.now().UTC()), nil
}

// Revoke closes a live session. Revoking twice, or revoking an expired
// session, is NotFound.
func (s *Service) Revoke(ctx context.Context, requestID string, rev Revocation, src audit.Source) error {
	if strings.TrimSpace(rev.RevokedBy) == "" {
		return apperr.Validation("revoked_by is required")
	}
	unlock, err := s.lock(ctx, requestID)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if !sess.Active(now) {
		return apperr.NotFound("emergency access session %s has expired", requestID)
	}
	if !rev.Overseer && rev.RevokedBy != sess.UserID {
		return apperr.Forbidden("only the session user or a supervisor may revoke %s", requestID)
	}

	reason := rev.Reason
	if reason == "" {
		reason = "revoked before expiry"
	}
	err = s.tx(ctx, func(ctx context.Context) error {
		if err := s.repo.Delete(ctx, requestID); err != nil {
			return err
		}
		_, err := s.audit.Record(ctx, src.Apply(&audit.Entry{
			Service:          audit.ServiceEmergencyAccess,
			EventType:        audit.EventSessionLifecycle,
			Action:           audit.ActionAccessRevoked,
			Description:      fmt.Sprintf("emergency access revoked by %s: %s", rev.RevokedBy, reason),
			Severity:         audit.SeverityWarning,
			RequestID:        requestID,
			PatientID:        sess.PatientID,
			UserID:           rev.RevokedBy,
			AccessType:       string(sess.AccessType),
			EmergencyLevel:   string(sess.EmergencyLevel),
			ResourceAccessed: sess.ResourceAccessed,
			Justification:    rev.Reason,
			Timestamp:        now,
		}))
		return err
	})
	if err != nil {
		return err
	}
	s.metrics.RecordSessionClosed("revoked", 1)
	s.logger.Warn().
		Str("request_id", requestID).
		Str("revoked_by", rev.RevokedBy).
		Dur("remaining", sess.ExpiresAt.Sub(now)).
		Msg("emergency access revoked")
	return nil
}

// Review records a supervisor's review of a session, closing its review window.
func (s *Service) Review(ctx context.Context, requestID string, rv Review, src audit.Source) (*StatusView, error) {
	if strings.TrimSpace(rv.ReviewedBy) == "" {
		return nil, apperr.Validation("reviewed_by is required")
	}
	unlock, err := s.lock(ctx, requestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if sess.UserID == rv.ReviewedBy {
		return nil, apperr.Forbidden("emergency access may not be reviewed by its own user")
	}

	now := s.now().UTC()
	late := sess.ReviewDeadline != nil && now.After(*sess.ReviewDeadline)
	severity := audit.SeverityInfo
	if late {
		severity = audit.SeverityWarning
	}
	err = s.tx(ctx, func(ctx context.Context) error {
		if err := s.repo.MarkReviewed(ctx, requestID, rv.ReviewedBy, rv.Notes, now); err != nil {
			return err
		}
		desc := fmt.Sprintf("emergency access reviewed by %s", rv.ReviewedBy)
		if late {
			desc += " after the review deadline"
		}
		_, err := s.audit.Record(ctx, src.Apply(&audit.Entry{
			Service:        audit.ServiceEmergencyAccess,
			EventType:      audit.EventSessionLifecycle,
			Action:         audit.ActionAccessReviewed,
			Description:    desc,
			Severity:       severity,
			RequestID:      requestID,
			PatientID:      sess.PatientID,
			UserID:         rv.ReviewedBy,
			AccessType:     string(sess.AccessType),
			EmergencyLevel: string(sess.EmergencyLevel),
			Justification:  rv.Notes,
			Timestamp:      now,
		}))
		return err
	})
	if err != nil {
		return nil, err
	}
	sess.ReviewedAt = &now
	sess.ReviewedBy = rv.ReviewedBy
	return newStatusView(sess, now), nil
}

// Resolve returns the live session behind a raw token.
func (s *Service) Resolve(ctx context.Context, token string) (*Session, error) {
	if strings.TrimSpace(token) == "" {
		return nil, apperr.Validation("token is required")
	}
	sess, err := s.repo.GetByTokenHash(ctx, hashToken(token))
	if err != nil {
		return nil, err
	}
	if !sess.Active(s.now().UTC()) {
		return nil, apperr.NotFound("emergency access token has expired")
	}
	return sess, nil
}

// TokenResolver adapts Resolve for the emergency-token middleware.
func (s *Service) TokenResolver() middleware.TokenResolverFunc {
	return func(ctx context.Context, token string) (*middleware.EmergencyGrant, error) {
		sess, err := s.Resolve(ctx, token)
		if err != nil {
			return nil, err
		}
		return &middleware.EmergencyGrant{
			RequestID:      sess.RequestID,
			UserID:         sess.UserID,
			PatientID:      sess.PatientID,
			AccessType:     string(sess.AccessType),
			EmergencyLevel: string(sess.EmergencyLevel),
			Restrictions:   append([]string{}, sess.Restrictions...),
			ExpiresAt:      sess.ExpiresAt,
		}, nil
	}
}

// ListActive returns every live session.
func (s *Service) ListActive(ctx context.Context) ([]*Session, error) {
	return s.repo.ListActive(ctx, s.now().UTC())
}

// Count returns the number of stored sessions, live or awaiting purge.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// Sweep purges expired sessions and writes one access_expired entry for each.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	var purged []*Session
	err := s.tx(ctx, func(ctx context.Context) error {
		var err error
		purged, err = s.repo.DeleteExpired(ctx, now)
		if err != nil {
			return err
		}
		for _, sess := range purged {
			if _, err := s.audit.Record(ctx, &audit.Entry{
				Service:        audit.ServiceEmergencyAccess,
				EventType:      audit.EventSessionLifecycle,
				Action:         audit.ActionAccessExpired,
				Description:    fmt.Sprintf("emergency access expired at %s", sess.ExpiresAt.Format(time.RFC3339)),
				RequestID:      sess.RequestID,
				PatientID:      sess.PatientID,
				UserID:         sess.UserID,
				AccessType:     string(sess.AccessType),
				EmergencyLevel: string(sess.EmergencyLevel),
				Timestamp:      now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(purged) > 0 {
		s.metrics.RecordSessionClosed("expired", len(purged))
		s.logger.Info().Int("purged", len(purged)).Msg("expired emergency sessions purged")
	}
	return len(purged), nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("emergency session sweep failed")
			}
		}
	}
}
