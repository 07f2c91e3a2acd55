// Package mail defines the outbound mail contract consumed by the
// credential service. Actual delivery is an external concern; the service
// only depends on these two calls.
package mail

import (
	"context"

	"storegate/internal/observability"
)

type Mailer interface {
	SendVerification(ctx context.Context, email, token string) error
	SendPasswordReset(ctx context.Context, email, token string) error
}

// LogMailer writes outbound mail to the structured log instead of
// delivering it. Used in development and as the default when no delivery
// backend is configured. Raw tokens never appear in the log.
type LogMailer struct {
	logger *observability.Logger
}

func NewLogMailer(logger *observability.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendVerification(_ context.Context, email, token string) error {
	m.logger.Info("mail_verification_dispatched", map[string]any{
		"email":     email,
		"token_len": len(token),
	})
	return nil
}

func (m *LogMailer) SendPasswordReset(_ context.Context, email, token string) error {
	m.logger.Info("mail_password_reset_dispatched", map[string]any{
		"email":     email,
		"token_len": len(token),
	})
	return nil
}
