package pipeline

import (
	"context"
	"log/slog"
)

// Mail is one outgoing report e-mail.
type Mail struct {
	DiagnosisID string
	To          string
	Subject     string
	Body        string
}

// Mailer delivers report e-mails.
type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// LogMailer logs mails instead of sending them.
type LogMailer struct {
	Logger *slog.Logger
}

func (l LogMailer) Send(ctx context.Context, m Mail) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "report mail",
		"diagnosis_id", m.DiagnosisID, "to", m.To, "subject", m.Subject, "body_bytes", len(m.Body))
	return nil
}
