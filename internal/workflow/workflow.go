// Package workflow implements the document approval engine: versioned
// definitions of ordered, permission- or role-gated stages, the instances
// that run through them, the approval tasks actors decide, and an
// append-only history of every transition.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/valinor-ai/docflow/internal/auth"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusApproved   Status = "Approved"
	StatusRejected   Status = "Rejected"
	StatusCancelled  Status = "Cancelled"
)

// Terminal reports whether no further work can happen on an instance.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// Active is the complement of Terminal for known statuses.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// TaskDecision is the state of a single approval task.
type TaskDecision string

const (
	TaskPending  TaskDecision = "Pending"
	TaskApproved TaskDecision = "Approved"
	TaskRejected TaskDecision = "Rejected"
	// TaskWithdrawn marks work that became moot because the instance ended.
	TaskWithdrawn TaskDecision = "Withdrawn"
)

// Verdict is what an actor submits to decide.
type Verdict string

const (
	Approve Verdict = "Approve"
	Reject  Verdict = "Reject"
)

func ParseVerdict(s string) (Verdict, error) {
	switch Verdict(s) {
	case Approve, Reject:
		return Verdict(s), nil
	default:
		return "", fmt.Errorf("%w: unknown decision %q", ErrInvalidInput, s)
	}
}

// Action labels a history entry.
type Action string

const (
	ActionStarted          Action = "Started"
	ActionApprovalRecorded Action = "ApprovalRecorded"
	ActionAdvanced         Action = "Advanced"
	ActionApproved         Action = "Approved"
	ActionRejected         Action = "Rejected"
	ActionCancelled        Action = "Cancelled"
	ActionReassigned       Action = "Reassigned"
)

// Terminal reports whether the action ends an instance.
func (a Action) Terminal() bool {
	return a == ActionApproved || a == ActionRejected || a == ActionCancelled
}

// PolicyKind selects how many approvals satisfy a stage.
type PolicyKind string

const (
	PolicySingle PolicyKind = "single"
	PolicyQuorum PolicyKind = "quorum"
	PolicyAny    PolicyKind = "any"
)

// Policy is the approval rule of one stage. N is only meaningful for quorum.
type Policy struct {
	Kind PolicyKind `json:"kind"`
	N    int        `json:"n,omitempty"`
}

func Single() Policy { return Policy{Kind: PolicySingle} }

func Any() Policy { return Policy{Kind: PolicyAny} }

func Quorum(n int) Policy { return Policy{Kind: PolicyQuorum, N: n} }

// Required returns the number of approvals that satisfy the stage.
func (p Policy) Required() int {
	if p.Kind == PolicyQuorum {
		return p.N
	}
	return 1
}

// Tasks returns how many approval tasks a stage with this policy gets.
func (p Policy) Tasks() int {
	return p.Required()
}

func (p Policy) String() string {
	if p.Kind == PolicyQuorum {
		return fmt.Sprintf("quorum(%d)", p.N)
	}
	return string(p.Kind)
}

// Stage is one ordered step of a definition. Exactly one of Permission and
// Role is set.
type Stage struct {
	Index      int         `json:"index"`
	Name       string      `json:"name,omitempty"`
	Permission string      `json:"permission,omitempty"`
	Role       string      `json:"role,omitempty"`
	Policy     Policy      `json:"policy"`
	Assignee   *auth.Actor `json:"assignee,omitempty"`
}

// Requirement names what the stage demands of a decider.
func (s Stage) Requirement() string {
	if s.Permission != "" {
		return "permission " + s.Permission
	}
	return "role " + s.Role
}

// Definition is a named, versioned template of stages for one entity type.
type Definition struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	EntityType string    `json:"entity_type"`
	Stages     []Stage   `json:"stages"`
	IsDefault  bool      `json:"is_default"`
	Version    int       `json:"version"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EntityRef addresses the document an instance governs.
type EntityRef struct {
	ID   string `json:"entity_id"`
	Type string `json:"entity_type"`
}

func (e EntityRef) key() string {
	return e.Type + "/" + e.ID
}

// Instance is one run of a definition against an entity. Stages is a
// snapshot taken at start, so later edits to the definition do not reach
// in-flight instances.
type Instance struct {
	ID                string      `json:"id"`
	DefinitionID      string      `json:"definition_id"`
	DefinitionVersion int         `json:"definition_version"`
	Entity            EntityRef   `json:"entity"`
	Stages            []Stage     `json:"stages"`
	StageCount        int         `json:"stage_count"`
	CurrentStage      int         `json:"current_stage"`
	Status            Status      `json:"status"`
	Initiator         *auth.Actor `json:"initiator,omitempty"`
	// HistorySeq is the sequence number of the last history entry allocated.
	HistorySeq int64      `json:"-"`
	Version    int64      `json:"version"`
	IsActive   bool       `json:"is_active"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Stage returns the snapshot of the current stage.
func (i *Instance) Stage() Stage {
	return i.Stages[i.CurrentStage]
}

// Approval is one unit of decision work for a stage.
type Approval struct {
	ID                 string       `json:"id"`
	Seq                int64        `json:"seq"`
	InstanceID         string       `json:"instance_id"`
	StageIndex         int          `json:"stage_index"`
	RequiredPermission string       `json:"required_permission,omitempty"`
	RequiredRole       string       `json:"required_role,omitempty"`
	Assignee           *auth.Actor  `json:"assignee,omitempty"`
	Decision           TaskDecision `json:"decision"`
	DecidedBy          *auth.Actor  `json:"decided_by,omitempty"`
	DecidedAt          *time.Time   `json:"decided_at,omitempty"`
	Comment            string       `json:"comment,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// AssignedTo reports whether the task is reserved for actor.
func (a *Approval) AssignedTo(actor auth.Actor) bool {
	return a.Assignee != nil && *a.Assignee == actor
}

// HistoryDetail is the typed payload of a history entry. Fields irrelevant
// to an action stay empty.
type HistoryDetail struct {
	SchemaVersion     int         `json:"v"`
	DefinitionID      string      `json:"definition_id,omitempty"`
	DefinitionVersion int         `json:"definition_version,omitempty"`
	TaskID            string      `json:"task_id,omitempty"`
	Decision          Verdict     `json:"decision,omitempty"`
	Comment           string      `json:"comment,omitempty"`
	Policy            string      `json:"policy,omitempty"`
	Approvals         int         `json:"approvals,omitempty"`
	Required          int         `json:"required,omitempty"`
	Withdrawn         int         `json:"withdrawn,omitempty"`
	PreviousAssignee  *auth.Actor `json:"previous_assignee,omitempty"`
	Assignee          *auth.Actor `json:"assignee,omitempty"`
	Reason            string      `json:"reason,omitempty"`
}

const historySchemaVersion = 1

// HistoryEntry is an immutable audit record. Entries of one instance are
// ordered by Seq, never by timestamp.
type HistoryEntry struct {
	ID         string        `json:"id"`
	InstanceID string        `json:"instance_id"`
	Seq        int64         `json:"seq"`
	Actor      auth.Actor    `json:"actor"`
	FromStage  int           `json:"from_stage"`
	ToStage    int           `json:"to_stage"`
	Action     Action        `json:"action"`
	Detail     HistoryDetail `json:"detail"`
	CreatedAt  time.Time     `json:"created_at"`
}

// SystemActor is recorded when a transition has no human initiator.
var SystemActor = auth.Actor{ID: "system", Type: auth.UserTypeAdmin}

func marshalStages(stages []Stage) ([]byte, error) {
	b, err := json.Marshal(stages)
	if err != nil {
		return nil, fmt.Errorf("marshaling stages: %w", err)
	}
	return b, nil
}

func unmarshalStages(b []byte) ([]Stage, error) {
	var stages []Stage
	if err := json.Unmarshal(b, &stages); err != nil {
		return nil, fmt.Errorf("unmarshaling stages: %w", err)
	}
	return stages, nil
}

func cloneStages(stages []Stage) []Stage {
	out := make([]Stage, len(stages))
	for i, s := range stages {
		out[i] = s
		if s.Assignee != nil {
			a := *s.Assignee
			out[i].Assignee = &a
		}
	}
	return out
}
