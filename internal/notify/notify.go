// Package notify delivers user-facing notifications produced by workflow
// transitions. Delivery is best effort: dispatch failures are logged and
// counted, never returned to the code that triggered them.
package notify

import (
	"context"
	"time"

	"github.com/valinor-ai/docflow/internal/auth"
)

// Type names the event a notification reports.
type Type string

const (
	TypeApprovalRequired  Type = "approval_required"
	TypeWorkflowApproved  Type = "workflow_approved"
	TypeWorkflowRejected  Type = "workflow_rejected"
	TypeWorkflowCancelled Type = "workflow_cancelled"
)

// Notification is addressed to a single actor.
type Notification struct {
	UserID          string        `json:"user_id"`
	UserType        auth.UserType `json:"user_type"`
	Type            Type          `json:"type"`
	Title           string        `json:"title"`
	Message         string        `json:"message"`
	RelatedEntityID string        `json:"related_entity_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Recipient returns the actor the notification is addressed to.
func (n Notification) Recipient() auth.Actor {
	return auth.Actor{ID: n.UserID, Type: n.UserType}
}

// Dispatcher performs one delivery attempt.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
	Name() string
}

// Notifier is what producers hold. Notify never blocks on delivery and
// never fails.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NopNotifier drops everything.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) {}
