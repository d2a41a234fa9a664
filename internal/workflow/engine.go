package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valinor-ai/docflow/internal/auth"
	"github.com/valinor-ai/docflow/internal/notify"
	"github.com/valinor-ai/docflow/internal/platform/errs"
)

// Config carries the engine settings read from configuration.
type Config struct {
	// OverridePermission lets its holders cancel instances and reassign
	// tasks they are not assigned to.
	OverridePermission string
}

// Metrics receives engine observations. *telemetry.Metrics satisfies it.
type Metrics interface {
	ObserveTransition(action string)
	ObserveDecision(decision, outcome string, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTransition(string)                      {}
func (nopMetrics) ObserveDecision(string, string, time.Duration) {}

// Engine drives instances through their stages. Every mutation of one
// instance runs under that instance's lock and inside one repository
// transaction; history and notifications are written after the
// transaction commits and the lock is released.
type Engine struct {
	repo     Repository
	tasks    *TaskManager
	history  *Recorder
	notifier notify.Notifier
	metrics  Metrics
	logger   *slog.Logger
	locks    *keyedMutex
	cfg      Config
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithNotifier(n notify.Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(repo Repository, authz Authorizer, cfg Config, opts ...EngineOption) *Engine {
	if cfg.OverridePermission == "" {
		cfg.OverridePermission = "workflows.override"
	}
	e := &Engine{
		repo:     repo,
		notifier: notify.NopNotifier{},
		metrics:  nopMetrics{},
		logger:   slog.Default(),
		locks:    newKeyedMutex(),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tasks = NewTaskManager(repo, authz)
	e.tasks.now = e.now
	e.history = NewRecorder(repo)
	e.history.now = e.now
	return e
}

// StartRequest names the entity to put under approval. DefinitionID is
// optional; without it the entity type's default definition is used.
type StartRequest struct {
	EntityID     string     `json:"entity_id"`
	EntityType   string     `json:"entity_type"`
	DefinitionID string     `json:"definition_id,omitempty"`
	Initiator    auth.Actor `json:"-"`
}

// DecideRequest is one actor's verdict on a stage.
type DecideRequest struct {
	InstanceID string     `json:"-"`
	StageIndex int        `json:"stage_index"`
	Actor      auth.Actor `json:"-"`
	Decision   Verdict    `json:"decision"`
	Comment    string     `json:"comment,omitempty"`
}

func (e *Engine) Start(ctx context.Context, req StartRequest) (*Instance, error) {
	entity := EntityRef{ID: strings.TrimSpace(req.EntityID), Type: strings.TrimSpace(req.EntityType)}
	if entity.ID == "" || entity.Type == "" {
		return nil, fmt.Errorf("%w: entity id and type are required", ErrInvalidInput)
	}

	historyActor := SystemActor
	var initiator *auth.Actor
	if req.Initiator != (auth.Actor{}) {
		if err := req.Initiator.Validate(); err != nil {
			return nil, fmt.Errorf("%w: initiator: %v", ErrInvalidInput, err)
		}
		historyActor = req.Initiator
		initiator = cloneActor(&req.Initiator)
	}

	inst, fx, err := e.start(ctx, entity, req.DefinitionID, initiator, historyActor)
	if err != nil {
		return nil, err
	}
	e.apply(ctx, fx)
	return inst, nil
}

func (e *Engine) start(ctx context.Context, entity EntityRef, definitionID string, initiator *auth.Actor, actor auth.Actor) (*Instance, *effects, error) {
	unlock := e.locks.Lock("entity/" + entity.key())
	defer unlock()

	var out *Instance
	fx := &effects{}
	err := e.repo.Atomic(ctx, func(ctx context.Context, repo Repository) error {
		def, err := resolveDefinition(ctx, repo, entity.Type, definitionID)
		if err != nil {
			return err
		}
		if _, err := repo.FindActiveInstance(ctx, entity); err == nil {
			return fmt.Errorf("%w: %s %s", ErrActiveInstanceExists, entity.Type, entity.ID)
		} else if !errors.Is(err, ErrInstanceNotFound) {
			return fmt.Errorf("checking active instance: %w", err)
		}

		now := e.now().UTC()
		inst := &Instance{
			DefinitionID:      def.ID,
			DefinitionVersion: def.Version,
			Entity:            entity,
			Stages:            cloneStages(def.Stages),
			StageCount:        len(def.Stages),
			CurrentStage:      0,
			Status:            StatusPending,
			Initiator:         initiator,
			HistorySeq:        1,
			StartedAt:         now,
		}
		if err := repo.CreateInstance(ctx, inst); err != nil {
			return err
		}
		created, err := e.tasks.createForStage(ctx, repo, inst)
		if err != nil {
			return err
		}

		stage := inst.Stage()
		fx.add(HistoryEntry{
			InstanceID: inst.ID,
			Seq:        1,
			Actor:      actor,
			FromStage:  0,
			ToStage:    0,
			Action:     ActionStarted,
			Detail: HistoryDetail{
				DefinitionID:      def.ID,
				DefinitionVersion: def.Version,
				Policy:            stage.Policy.String(),
				Required:          stage.Policy.Required(),
			},
			CreatedAt: now,
		})
		fx.notifyAssignees(inst, created)
		out = inst
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, fx, nil
}

func resolveDefinition(ctx context.Context, repo DefinitionRepository, entityType, id string) (*Definition, error) {
	var (
		def *Definition
		err error
	)
	if id != "" {
		def, err = repo.GetDefinition(ctx, id)
		if errors.Is(err, ErrDefinitionNotFound) {
			return nil, fmt.Errorf("%w: definition %s does not exist", ErrNoDefinitionFound, id)
		}
		if err != nil {
			return nil, err
		}
		if def.EntityType != entityType {
			return nil, fmt.Errorf("%w: definition %s applies to %q, not %q", ErrInvalidInput, id, def.EntityType, entityType)
		}
	} else {
		def, err = repo.FindDefault(ctx, entityType)
		if errors.Is(err, ErrDefinitionNotFound) {
			return nil, fmt.Errorf("%w: no default for %q", ErrNoDefinitionFound, entityType)
		}
		if err != nil {
			return nil, err
		}
	}
	if !def.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionInactive, def.ID)
	}
	return def, nil
}

// Decide records req.Actor's verdict on the instance's current stage.
func (e *Engine) Decide(ctx context.Context, req DecideRequest) (*Instance, error) {
	started := e.now()
	inst, fx, err := e.decide(ctx, req)
	outcome := errs.Kind(err)
	if outcome == "" {
		outcome = "ok"
	}
	e.metrics.ObserveDecision(string(req.Decision), outcome, e.now().Sub(started))
	if err != nil {
		return nil, err
	}
	e.apply(ctx, fx)
	return inst, nil
}

func (e *Engine) decide(ctx context.Context, req DecideRequest) (*Instance, *effects, error) {
	if err := req.Actor.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: actor: %v", ErrInvalidInput, err)
	}
	verdict, err := ParseVerdict(string(req.Decision))
	if err != nil {
		return nil, nil, err
	}

	unlock := e.locks.Lock("instance/" + req.InstanceID)
	defer unlock()

	var out *Instance
	fx := &effects{}
	err = e.repo.Atomic(ctx, func(ctx context.Context, repo Repository) error {
		inst, err := repo.LockInstance(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		if inst.Status.Terminal() {
			return fmt.Errorf("%w: instance %s is %s", ErrInstanceTerminal, inst.ID, inst.Status)
		}
		tasks, err := e.tasks.stageTasks(ctx, repo, inst.ID, req.StageIndex)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return fmt.Errorf("%w: instance %s has no stage %d tasks", ErrTaskNotFound, inst.ID, req.StageIndex)
		}
		if req.StageIndex < inst.CurrentStage {
			return fmt.Errorf("%w: decided stage %d, current stage is %d", ErrStageSatisfied, req.StageIndex, inst.CurrentStage)
		}
		if req.StageIndex != inst.CurrentStage {
			return fmt.Errorf("%w: decided stage %d, current stage is %d", ErrStaleStage, req.StageIndex, inst.CurrentStage)
		}

		stage := inst.Stage()
		ok, err := e.tasks.meets(ctx, req.Actor, stage.Permission, stage.Role)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: stage %d requires %s", ErrNotQualified, stage.Index, stage.Requirement())
		}
		if decidedBy(tasks, req.Actor) {
			return fmt.Errorf("%w: %s in stage %d", ErrAlreadyDecided, req.Actor, stage.Index)
		}
		task, err := pick(tasks, req.Actor)
		if err != nil {
			return err
		}

		from := inst.CurrentStage
		detail := HistoryDetail{
			TaskID:   task.ID,
			Decision: verdict,
			Comment:  req.Comment,
			Policy:   stage.Policy.String(),
			Required: stage.Policy.Required(),
		}

		if verdict == Reject {
			if err := e.tasks.resolve(ctx, repo, task, req.Actor, TaskRejected, req.Comment); err != nil {
				return err
			}
			detail.Approvals = countDecision(tasks, TaskApproved)
			if detail.Withdrawn, err = e.tasks.withdraw(ctx, repo, inst.ID); err != nil {
				return err
			}
			e.finish(inst, StatusRejected)
			fx.record(inst, req.Actor, from, from, ActionRejected, detail, e.now().UTC())
			if err := repo.UpdateInstance(ctx, inst); err != nil {
				return err
			}
			fx.notifyInitiator(inst, notify.TypeWorkflowRejected, "Workflow rejected",
				fmt.Sprintf("%s %s was rejected at stage %d", inst.Entity.Type, inst.Entity.ID, from))
			out = inst
			return nil
		}

		if err := e.tasks.resolve(ctx, repo, task, req.Actor, TaskApproved, req.Comment); err != nil {
			return err
		}
		detail.Approvals = countDecision(tasks, TaskApproved)

		switch {
		case detail.Approvals < detail.Required:
			inst.Status = StatusInProgress
			fx.record(inst, req.Actor, from, from, ActionApprovalRecorded, detail, e.now().UTC())
			if err := repo.UpdateInstance(ctx, inst); err != nil {
				return err
			}

		case from+1 < inst.StageCount:
			inst.CurrentStage++
			inst.Status = StatusInProgress
			fx.record(inst, req.Actor, from, inst.CurrentStage, ActionAdvanced, detail, e.now().UTC())
			if err := repo.UpdateInstance(ctx, inst); err != nil {
				return err
			}
			created, err := e.tasks.createForStage(ctx, repo, inst)
			if err != nil {
				return err
			}
			fx.notifyAssignees(inst, created)

		default:
			e.finish(inst, StatusApproved)
			fx.record(inst, req.Actor, from, from, ActionApproved, detail, e.now().UTC())
			if err := repo.UpdateInstance(ctx, inst); err != nil {
				return err
			}
			fx.notifyInitiator(inst, notify.TypeWorkflowApproved, "Workflow approved",
				fmt.Sprintf("%s %s was approved", inst.Entity.Type, inst.Entity.ID))
		}
		out = inst
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, fx, nil
}

// Cancel ends an active instance. Only holders of the override permission
// may cancel; pending tasks are withdrawn.
func (e *Engine) Cancel(ctx context.Context, instanceID string, actor auth.Actor, reason string) (*Instance, error) {
	if err := actor.Validate(); err != nil {
		return nil, fmt.Errorf("%w: actor: %v", ErrInvalidInput, err)
	}

	inst, fx, err := e.cancel(ctx, instanceID, actor, strings.TrimSpace(reason))
	if err != nil {
		return nil, err
	}
	e.apply(ctx, fx)
	return inst, nil
}

func (e *Engine) cancel(ctx context.Context, instanceID string, actor auth.Actor, reason string) (*Instance, *effects, error) {
	unlock := e.locks.Lock("instance/" + instanceID)
	defer unlock()

	var out *Instance
	fx := &effects{}
	err := e.repo.Atomic(ctx, func(ctx context.Context, repo Repository) error {
		inst, err := repo.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if err := e.requireOverride(ctx, actor); err != nil {
			return err
		}
		if inst.Status.Terminal() {
			return fmt.Errorf("%w: instance %s is %s", ErrInstanceTerminal, inst.ID, inst.Status)
		}

		withdrawn, err := e.tasks.withdraw(ctx, repo, inst.ID)
		if err != nil {
			return err
		}
		e.finish(inst, StatusCancelled)
		stage := inst.CurrentStage
		fx.record(inst, actor, stage, stage, ActionCancelled, HistoryDetail{Withdrawn: withdrawn, Reason: reason}, e.now().UTC())
		if err := repo.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		fx.notifyInitiator(inst, notify.TypeWorkflowCancelled, "Workflow cancelled",
			fmt.Sprintf("%s %s was cancelled", inst.Entity.Type, inst.Entity.ID))
		out = inst
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, fx, nil
}

// Reassign hands a pending task of the current stage to another qualified
// actor. The current assignee and override holders may reassign.
func (e *Engine) Reassign(ctx context.Context, taskID string, actor, to auth.Actor) (*Approval, error) {
	if err := actor.Validate(); err != nil {
		return nil, fmt.Errorf("%w: actor: %v", ErrInvalidInput, err)
	}
	if err := to.Validate(); err != nil {
		return nil, fmt.Errorf("%w: new assignee: %v", ErrInvalidInput, err)
	}
	task, err := e.repo.GetApproval(ctx, taskID)
	if err != nil {
		return nil, err
	}

	out, fx, err := e.reassign(ctx, task.InstanceID, taskID, actor, to)
	if err != nil {
		return nil, err
	}
	e.apply(ctx, fx)
	return out, nil
}

func (e *Engine) reassign(ctx context.Context, instanceID, taskID string, actor, to auth.Actor) (*Approval, *effects, error) {
	unlock := e.locks.Lock("instance/" + instanceID)
	defer unlock()

	var out *Approval
	fx := &effects{}
	err := e.repo.Atomic(ctx, func(ctx context.Context, repo Repository) error {
		inst, err := repo.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status.Terminal() {
			return fmt.Errorf("%w: instance %s is %s", ErrInstanceTerminal, inst.ID, inst.Status)
		}
		task, err := repo.GetApproval(ctx, taskID)
		if err != nil {
			return err
		}
		if task.StageIndex != inst.CurrentStage || task.Decision != TaskPending {
			return fmt.Errorf("%w: task %s is %s in stage %d", ErrTaskNotReassignable, task.ID, task.Decision, task.StageIndex)
		}
		if !task.AssignedTo(actor) {
			if err := e.requireOverride(ctx, actor); err != nil {
				return err
			}
		}
		if task.AssignedTo(to) {
			return fmt.Errorf("%w: task is already assigned to %s", ErrInvalidInput, to)
		}
		ok, err := e.tasks.Qualified(ctx, to, task)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s does not meet %s", ErrInvalidInput, to, inst.Stage().Requirement())
		}
		stageTasks, err := e.tasks.stageTasks(ctx, repo, inst.ID, task.StageIndex)
		if err != nil {
			return err
		}
		if decidedBy(stageTasks, to) {
			return fmt.Errorf("%w: %s already decided stage %d", ErrInvalidInput, to, task.StageIndex)
		}
		if holdsPending(stageTasks, to) {
			return fmt.Errorf("%w: %s already holds a pending task in stage %d", ErrInvalidInput, to, task.StageIndex)
		}

		previous := cloneActor(task.Assignee)
		if err := e.tasks.reassign(ctx, repo, task, to); err != nil {
			return err
		}
		stage := inst.CurrentStage
		fx.record(inst, actor, stage, stage, ActionReassigned, HistoryDetail{
			TaskID:           task.ID,
			PreviousAssignee: previous,
			Assignee:         cloneActor(&to),
		}, e.now().UTC())
		if err := repo.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		fx.notifyAssignees(inst, []Approval{*task})
		out = task
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, fx, nil
}

func (e *Engine) Get(ctx context.Context, instanceID string) (*Instance, error) {
	return e.repo.GetInstance(ctx, instanceID)
}

// ActiveFor returns the entity's Pending or InProgress instance.
func (e *Engine) ActiveFor(ctx context.Context, entity EntityRef) (*Instance, error) {
	return e.repo.FindActiveInstance(ctx, entity)
}

func (e *Engine) History(ctx context.Context, instanceID string) ([]HistoryEntry, error) {
	if _, err := e.repo.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.history.ListForInstance(ctx, instanceID)
}

func (e *Engine) ListPending(ctx context.Context, actor auth.Actor) ([]Approval, error) {
	if err := actor.Validate(); err != nil {
		return nil, fmt.Errorf("%w: actor: %v", ErrInvalidInput, err)
	}
	return e.tasks.ListPending(ctx, actor)
}

func (e *Engine) ListForInstance(ctx context.Context, instanceID string) ([]Approval, error) {
	if _, err := e.repo.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.tasks.ListForInstance(ctx, instanceID)
}

func (e *Engine) requireOverride(ctx context.Context, actor auth.Actor) error {
	ok, err := e.tasks.authz.HasPermission(ctx, actor, e.cfg.OverridePermission)
	if err != nil {
		return fmt.Errorf("checking override permission: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s lacks %s", ErrOverrideDenied, actor, e.cfg.OverridePermission)
	}
	return nil
}

func (e *Engine) finish(inst *Instance, status Status) {
	now := e.now().UTC()
	inst.Status = status
	inst.FinishedAt = &now
}

// apply runs the post-commit side effects. Failures are logged only: the
// transition they describe has already happened.
func (e *Engine) apply(ctx context.Context, fx *effects) {
	ctx = context.WithoutCancel(ctx)
	for i := range fx.history {
		entry := fx.history[i]
		if _, err := e.history.Append(ctx, &entry); err != nil {
			e.logger.Error("appending workflow history",
				"instance_id", entry.InstanceID,
				"seq", entry.Seq,
				"action", entry.Action,
				"error", err,
			)
		}
		e.metrics.ObserveTransition(string(entry.Action))
	}
	for _, n := range fx.notes {
		e.notifier.Notify(ctx, n)
	}
}

// effects collects what a transaction wants done once it has committed.
type effects struct {
	history []HistoryEntry
	notes   []notify.Notification
}

func (fx *effects) add(entry HistoryEntry) {
	fx.history = append(fx.history, entry)
}

// record allocates the instance's next history sequence number. The caller
// must persist inst afterwards so the allocation survives.
func (fx *effects) record(inst *Instance, actor auth.Actor, from, to int, action Action, detail HistoryDetail, at time.Time) {
	inst.HistorySeq++
	fx.add(HistoryEntry{
		InstanceID: inst.ID,
		Seq:        inst.HistorySeq,
		Actor:      actor,
		FromStage:  from,
		ToStage:    to,
		Action:     action,
		Detail:     detail,
		CreatedAt:  at,
	})
}

func (fx *effects) notifyAssignees(inst *Instance, tasks []Approval) {
	for _, t := range tasks {
		if t.Assignee == nil {
			continue
		}
		stage := inst.Stages[t.StageIndex]
		label := stage.Name
		if label == "" {
			label = fmt.Sprintf("stage %d", stage.Index)
		}
		fx.notes = append(fx.notes, notify.Notification{
			UserID:          t.Assignee.ID,
			UserType:        t.Assignee.Type,
			Type:            notify.TypeApprovalRequired,
			Title:           "Approval required",
			Message:         fmt.Sprintf("%s %s is waiting for your decision at %s", inst.Entity.Type, inst.Entity.ID, label),
			RelatedEntityID: inst.Entity.ID,
		})
	}
}

func (fx *effects) notifyInitiator(inst *Instance, typ notify.Type, title, message string) {
	if inst.Initiator == nil {
		return
	}
	fx.notes = append(fx.notes, notify.Notification{
		UserID:          inst.Initiator.ID,
		UserType:        inst.Initiator.Type,
		Type:            typ,
		Title:           title,
		Message:         message,
		RelatedEntityID: inst.Entity.ID,
	})
}
