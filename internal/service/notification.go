// Package service contains application services.
package service

import (
	"context"
	"log/slog"

	"github.com/Strob0t/AgentPR/internal/port/notifier"
)

// NotificationService dispatches notifications to all registered notifiers.
type NotificationService struct {
	notifiers    []notifier.Notifier
	enabledKinds map[notifier.Kind]bool
	log          *slog.Logger
}

// NewNotificationService creates a NotificationService with the given notifiers
// and list of enabled kinds (e.g., "gate_request", "escalation").
// If enabledKinds is nil or empty, all kinds are enabled.
func NewNotificationService(notifiers []notifier.Notifier, enabledKinds []notifier.Kind, log *slog.Logger) *NotificationService {
	enabled := make(map[notifier.Kind]bool, len(enabledKinds))
	for _, k := range enabledKinds {
		enabled[k] = true
	}
	if log == nil {
		log = slog.Default()
	}
	return &NotificationService{
		notifiers:    notifiers,
		enabledKinds: enabled,
		log:          log,
	}
}

// Notify sends a notification to all registered notifiers.
// Errors are logged but do not interrupt delivery to other notifiers.
// A nil service is a no-op.
func (s *NotificationService) Notify(ctx context.Context, n notifier.Notification) {
	if s == nil {
		return
	}
	if len(s.enabledKinds) > 0 && !s.enabledKinds[n.Kind] {
		return
	}

	for _, provider := range s.notifiers {
		if err := provider.Send(ctx, n); err != nil {
			s.log.Warn("notification send failed",
				"provider", provider.Name(),
				"run_id", n.RunID,
				"kind", n.Kind,
				"error", err,
			)
			continue
		}
		s.log.Debug("notification sent", "provider", provider.Name(), "run_id", n.RunID, "kind", n.Kind)
	}
}

// NotifierCount returns the number of registered notifiers.
func (s *NotificationService) NotifierCount() int {
	if s == nil {
		return 0
	}
	return len(s.notifiers)
}
