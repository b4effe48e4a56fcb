package notification

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes alerts to the structured log. It is the default sink
// when no broker is configured.
type LogNotifier struct {
	logger    zerolog.Logger
	templates *TemplateEngine
}

func NewLogNotifier(logger zerolog.Logger, templates *TemplateEngine) *LogNotifier {
	return &LogNotifier{
		logger:    logger.With().Str("component", "supervisor-notifier").Logger(),
		templates: templates,
	}
}

func (n *LogNotifier) Notify(_ context.Context, a SupervisorAlert) error {
	subject, _, err := n.templates.RenderAlert(a)
	if err != nil {
		return err
	}
	n.logger.Warn().
		Str("request_id", a.RequestID).
		Str("supervisor_id", a.SupervisorID).
		Str("user_id", a.UserID).
		Str("emergency_level", a.EmergencyLevel).
		Int("risk_score", a.RiskScore).
		Msg(subject)
	return nil
}
