// Package notify delivers ingestion outcome messages to link owners.
//
// Notifications are best-effort: the pipeline records delivery failures
// but never fails a run because an email could not be sent.
package notify

import (
	"context"
	"log/slog"
)

// Message is a single owner-facing notification.
type Message struct {
	To       string
	Subject  string
	TextBody string
	HTMLBody string
}

// Notifier delivers a message to its recipient.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes notifications to the structured log instead of
// delivering them. Used when no email transport is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.logger.Info("notify: delivery (log mode, email not configured)",
		"to", msg.To,
		"subject", msg.Subject,
		"body", msg.TextBody,
	)
	return nil
}
