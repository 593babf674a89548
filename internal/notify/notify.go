// Package notify sends run summaries to Slack and the desktop.
package notify

import (
	"github.com/cockroachdb/errors"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

// NotificationType represents the severity of a notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	Kind    domain.JobKind // Optional job reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send delivers to every notifier and combines their errors
func (m *MultiNotifier) Send(n Notification) error {
	var errs error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
