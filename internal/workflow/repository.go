package workflow

import (
	"context"

	"github.com/valinor-ai/docflow/internal/auth"
)

// DefinitionRepository persists definitions.
type DefinitionRepository interface {
	CreateDefinition(ctx context.Context, def *Definition) error
	// UpdateDefinition writes def if the stored version is def.Version-1 and
	// returns ErrDefinitionModified otherwise.
	UpdateDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string) (*Definition, error)
	// FindDefault returns the default definition for entityType, active or not.
	FindDefault(ctx context.Context, entityType string) (*Definition, error)
	// ListDefinitions filters by entityType unless it is empty.
	ListDefinitions(ctx context.Context, entityType string) ([]Definition, error)
}

// InstanceRepository persists instances.
type InstanceRepository interface {
	// CreateInstance fails with ErrActiveInstanceExists when the entity
	// already has a Pending or InProgress instance.
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	// LockInstance reads an instance and holds a row lock on it for the rest
	// of the enclosing Atomic call, where the backend supports that.
	LockInstance(ctx context.Context, id string) (*Instance, error)
	// UpdateInstance writes inst if the stored version equals inst.Version,
	// then increments inst.Version. A mismatch returns ErrInstanceModified.
	UpdateInstance(ctx context.Context, inst *Instance) error
	FindActiveInstance(ctx context.Context, entity EntityRef) (*Instance, error)
}

// ApprovalRepository persists approval tasks. Only the task manager calls it.
type ApprovalRepository interface {
	// CreateApprovals inserts tasks and fills their ID and Seq.
	CreateApprovals(ctx context.Context, tasks []*Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	UpdateApproval(ctx context.Context, task *Approval) error
	// ListApprovals returns an instance's tasks ordered by stage then Seq.
	ListApprovals(ctx context.Context, instanceID string) ([]Approval, error)
	// ListOpenApprovals returns Pending tasks that are either assigned to
	// actor or unassigned, ordered by stage then Seq.
	ListOpenApprovals(ctx context.Context, actor auth.Actor) ([]Approval, error)
}

// HistoryRepository is append-only: there is no update or delete.
type HistoryRepository interface {
	// AppendHistory fails with ErrDuplicateHistorySeq if (instance, seq)
	// was already written.
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	// ListHistory returns entries ordered by Seq.
	ListHistory(ctx context.Context, instanceID string) ([]HistoryEntry, error)
}

// Repository is the persistence contract the engine depends on.
type Repository interface {
	DefinitionRepository
	InstanceRepository
	ApprovalRepository
	HistoryRepository

	// Atomic runs fn with a repository whose writes commit together when fn
	// returns nil and are discarded otherwise.
	Atomic(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}
