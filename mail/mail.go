// Package mail provides email transports usable as emailauth.SendEmailFunc:
// SMTP delivery, publishing to a RabbitMQ queue for an external mailer, and
// logging for development.
package mail

import (
	"context"
	"log/slog"
	"time"

	"github.com/icza/emailauth"
)

// Message is an outgoing email.
type Message struct {
	From    string    `json:"from,omitempty"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Created time.Time `json:"created"`
}

// Log returns a SendEmailFunc that only logs emails, body included.
// Meant for development: login codes and verification links end up in the log.
func Log(logger *slog.Logger) emailauth.SendEmailFunc {
	return func(ctx context.Context, to, subject, body string) error {
		logger.InfoContext(ctx, "email", "to", to, "subject", subject, "body", body)
		return nil
	}
}
