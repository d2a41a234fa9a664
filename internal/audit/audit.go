package audit

import (
	"context"
	"time"

	"github.com/valinor-ai/docflow/internal/auth"
)

// Event represents a single administrative action worth keeping. Workflow
// transitions have their own history; this log covers configuration changes
// to roles, permissions and workflow definitions.
type Event struct {
	ActorID      string // empty for system events
	ActorType    auth.UserType
	Action       string // e.g. "role.created", "definition.updated"
	ResourceType string // e.g. "role", "permission", "workflow_definition"
	ResourceID   string
	Metadata     map[string]any
	Source       string // "api", "seed", "system"
	OccurredAt   time.Time
}

const (
	ActionRoleCreated       = "role.created"
	ActionRoleRenamed       = "role.renamed"
	ActionRoleDeleted       = "role.deleted"
	ActionPermissionCreated = "permission.created"

	ActionRolePermissionGranted = "role_permission.granted"
	ActionRolePermissionRevoked = "role_permission.revoked"

	ActionUserRoleAssigned = "user_role.assigned"
	ActionUserRoleRevoked  = "user_role.revoked"

	ActionDefinitionCreated     = "definition.created"
	ActionDefinitionUpdated     = "definition.updated"
	ActionDefinitionDeactivated = "definition.deactivated"

	ActionAccessDenied = "access.denied"
)

const (
	SourceAPI    = "api"
	SourceSeed   = "seed"
	SourceSystem = "system"
)

// Logger is the audit logging interface. Log is fire-and-forget.
type Logger interface {
	Log(ctx context.Context, event Event)
	Close() error
}

// NopLogger is a no-op audit logger for testing and when audit is disabled.
type NopLogger struct{}

func (NopLogger) Log(context.Context, Event) {}
func (NopLogger) Close() error               { return nil }

// ActorEvent starts an event attributed to actor.
func ActorEvent(actor auth.Actor, action, resourceType, resourceID string) Event {
	return Event{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Source:       SourceAPI,
	}
}
