// Package notifier defines the notification port (interface) and capabilities.
package notifier

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a notifier is not properly configured.
var ErrNotConfigured = errors.New("notifier: not configured")

// Kind classifies what the operator is being told.
type Kind string

const (
	KindGateRequest  Kind = "gate_request"
	KindEscalation   Kind = "escalation"
	KindFailureLimit Kind = "failure_limit"
	KindGateBypass   Kind = "gate_bypass"
	KindRunFinished  Kind = "run_finished"
)

// Field is one labelled value rendered alongside the message.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Notification is the payload sent through a Notifier.
type Notification struct {
	RunID   string  `json:"run_id"`
	Kind    Kind    `json:"kind"`
	Title   string  `json:"title"`
	Message string  `json:"message"`
	Level   string  `json:"level"` // "info", "success", "warning", "error"
	Fields  []Field `json:"fields,omitempty"`
	// Command is a shell command the operator can run to act on this
	// notification, such as an approve invocation.
	Command string `json:"command,omitempty"`
}

// Capabilities declares which features a notifier supports.
type Capabilities struct {
	RichFormatting bool `json:"rich_formatting"`
	Fields         bool `json:"fields"`
}

// Notifier is the port interface for sending notifications.
type Notifier interface {
	// Name returns the unique identifier for this notifier (e.g. "slack").
	Name() string

	// Capabilities returns what this notifier supports.
	Capabilities() Capabilities

	// Send delivers a notification.
	Send(ctx context.Context, notification Notification) error
}
