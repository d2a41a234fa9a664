package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valinor-ai/docflow/internal/auth"
)

// MemoryRepository keeps everything in process. Atomic is implemented with
// an undo log, so a failed fn leaves no partial writes behind.
type MemoryRepository struct {
	mu          sync.RWMutex
	definitions map[string]Definition
	instances   map[string]Instance
	approvals   map[string]Approval
	history     map[string][]HistoryEntry
	approvalSeq int64
	now         func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		definitions: make(map[string]Definition),
		instances:   make(map[string]Instance),
		approvals:   make(map[string]Approval),
		history:     make(map[string][]HistoryEntry),
		now:         time.Now,
	}
}

func (m *MemoryRepository) stamp() time.Time {
	return m.now().UTC()
}

func (m *MemoryRepository) CreateDefinition(_ context.Context, def *Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if def.IsDefault {
		if _, ok := m.findDefaultLocked(def.EntityType, ""); ok {
			return ErrDefaultExists
		}
	}
	now := m.stamp()
	def.ID = uuid.NewString()
	def.Version = 1
	def.IsActive = true
	def.CreatedAt, def.UpdatedAt = now, now
	m.definitions[def.ID] = copyDefinition(*def)
	return nil
}

func (m *MemoryRepository) UpdateDefinition(_ context.Context, def *Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.definitions[def.ID]
	if !ok {
		return ErrDefinitionNotFound
	}
	if stored.Version != def.Version-1 {
		return ErrDefinitionModified
	}
	if def.IsDefault {
		if _, ok := m.findDefaultLocked(def.EntityType, def.ID); ok {
			return ErrDefaultExists
		}
	}
	def.CreatedAt = stored.CreatedAt
	def.UpdatedAt = m.stamp()
	m.definitions[def.ID] = copyDefinition(*def)
	return nil
}

func (m *MemoryRepository) GetDefinition(_ context.Context, id string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[id]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	out := copyDefinition(def)
	return &out, nil
}

func (m *MemoryRepository) FindDefault(_ context.Context, entityType string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.findDefaultLocked(entityType, "")
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	out := copyDefinition(def)
	return &out, nil
}

func (m *MemoryRepository) findDefaultLocked(entityType, exceptID string) (Definition, bool) {
	for id, def := range m.definitions {
		if id != exceptID && def.IsDefault && def.EntityType == entityType {
			return def, true
		}
	}
	return Definition{}, false
}

func (m *MemoryRepository) ListDefinitions(_ context.Context, entityType string) ([]Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var defs []Definition
	for _, def := range m.definitions {
		if entityType == "" || def.EntityType == entityType {
			defs = append(defs, copyDefinition(def))
		}
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].EntityType != defs[j].EntityType {
			return defs[i].EntityType < defs[j].EntityType
		}
		return defs[i].Name < defs[j].Name
	})
	return defs, nil
}

func (m *MemoryRepository) CreateInstance(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.instances {
		if existing.Entity == inst.Entity && existing.Status.Active() {
			return ErrActiveInstanceExists
		}
	}
	now := m.stamp()
	inst.ID = uuid.NewString()
	inst.Version = 1
	inst.IsActive = true
	inst.CreatedAt, inst.UpdatedAt = now, now
	m.instances[inst.ID] = copyInstance(*inst)
	return nil
}

func (m *MemoryRepository) GetInstance(_ context.Context, id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	out := copyInstance(inst)
	return &out, nil
}

// LockInstance is a plain read; callers serialize through the engine's
// per-instance lock.
func (m *MemoryRepository) LockInstance(ctx context.Context, id string) (*Instance, error) {
	return m.GetInstance(ctx, id)
}

func (m *MemoryRepository) UpdateInstance(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.instances[inst.ID]
	if !ok {
		return ErrInstanceNotFound
	}
	if stored.Version != inst.Version {
		return ErrInstanceModified
	}
	inst.Version++
	inst.UpdatedAt = m.stamp()
	m.instances[inst.ID] = copyInstance(*inst)
	return nil
}

func (m *MemoryRepository) FindActiveInstance(_ context.Context, entity EntityRef) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inst := range m.instances {
		if inst.Entity == entity && inst.Status.Active() {
			out := copyInstance(inst)
			return &out, nil
		}
	}
	return nil, ErrInstanceNotFound
}

func (m *MemoryRepository) CreateApprovals(_ context.Context, tasks []*Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.stamp()
	for _, t := range tasks {
		m.approvalSeq++
		t.ID = uuid.NewString()
		t.Seq = m.approvalSeq
		t.CreatedAt, t.UpdatedAt = now, now
		m.approvals[t.ID] = copyApproval(*t)
	}
	return nil
}

func (m *MemoryRepository) GetApproval(_ context.Context, id string) (*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.approvals[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	out := copyApproval(t)
	return &out, nil
}

func (m *MemoryRepository) UpdateApproval(_ context.Context, task *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[task.ID]; !ok {
		return ErrTaskNotFound
	}
	task.UpdatedAt = m.stamp()
	m.approvals[task.ID] = copyApproval(*task)
	return nil
}

func (m *MemoryRepository) ListApprovals(_ context.Context, instanceID string) ([]Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Approval
	for _, t := range m.approvals {
		if t.InstanceID == instanceID {
			out = append(out, copyApproval(t))
		}
	}
	sortApprovals(out)
	return out, nil
}

func (m *MemoryRepository) ListOpenApprovals(_ context.Context, actor auth.Actor) ([]Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Approval
	for _, t := range m.approvals {
		if t.Decision != TaskPending {
			continue
		}
		if t.Assignee == nil || *t.Assignee == actor {
			out = append(out, copyApproval(t))
		}
	}
	sortApprovals(out)
	return out, nil
}

func (m *MemoryRepository) AppendHistory(_ context.Context, entry *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.history[entry.InstanceID]
	for _, e := range entries {
		if e.Seq == entry.Seq {
			return ErrDuplicateHistorySeq
		}
	}
	entry.ID = uuid.NewString()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.stamp()
	}
	m.history[entry.InstanceID] = append(entries, *entry)
	return nil
}

func (m *MemoryRepository) ListHistory(_ context.Context, instanceID string) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]HistoryEntry(nil), m.history[instanceID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryRepository) Atomic(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	tx := &memoryTx{MemoryRepository: m}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// memoryTx records how to reverse each write it forwards.
type memoryTx struct {
	*MemoryRepository
	undo []func()
}

func (tx *memoryTx) rollback() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) Atomic(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	return fn(ctx, tx)
}

func (tx *memoryTx) CreateDefinition(ctx context.Context, def *Definition) error {
	if err := tx.MemoryRepository.CreateDefinition(ctx, def); err != nil {
		return err
	}
	id := def.ID
	tx.undo = append(tx.undo, func() { delete(tx.definitions, id) })
	return nil
}

func (tx *memoryTx) UpdateDefinition(ctx context.Context, def *Definition) error {
	prev, err := tx.MemoryRepository.GetDefinition(ctx, def.ID)
	if err != nil {
		return err
	}
	if err := tx.MemoryRepository.UpdateDefinition(ctx, def); err != nil {
		return err
	}
	tx.undo = append(tx.undo, func() { tx.definitions[prev.ID] = *prev })
	return nil
}

func (tx *memoryTx) CreateInstance(ctx context.Context, inst *Instance) error {
	if err := tx.MemoryRepository.CreateInstance(ctx, inst); err != nil {
		return err
	}
	id := inst.ID
	tx.undo = append(tx.undo, func() { delete(tx.instances, id) })
	return nil
}

func (tx *memoryTx) UpdateInstance(ctx context.Context, inst *Instance) error {
	prev, err := tx.MemoryRepository.GetInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	if err := tx.MemoryRepository.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	tx.undo = append(tx.undo, func() { tx.instances[prev.ID] = *prev })
	return nil
}

func (tx *memoryTx) CreateApprovals(ctx context.Context, tasks []*Approval) error {
	if err := tx.MemoryRepository.CreateApprovals(ctx, tasks); err != nil {
		return err
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	tx.undo = append(tx.undo, func() {
		for _, id := range ids {
			delete(tx.approvals, id)
		}
	})
	return nil
}

func (tx *memoryTx) UpdateApproval(ctx context.Context, task *Approval) error {
	prev, err := tx.MemoryRepository.GetApproval(ctx, task.ID)
	if err != nil {
		return err
	}
	if err := tx.MemoryRepository.UpdateApproval(ctx, task); err != nil {
		return err
	}
	tx.undo = append(tx.undo, func() { tx.approvals[prev.ID] = *prev })
	return nil
}

func (tx *memoryTx) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	if err := tx.MemoryRepository.AppendHistory(ctx, entry); err != nil {
		return err
	}
	instanceID, seq := entry.InstanceID, entry.Seq
	tx.undo = append(tx.undo, func() {
		entries := tx.history[instanceID]
		for i, e := range entries {
			if e.Seq == seq {
				tx.history[instanceID] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	})
	return nil
}

func sortApprovals(tasks []Approval) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].StageIndex != tasks[j].StageIndex {
			return tasks[i].StageIndex < tasks[j].StageIndex
		}
		return tasks[i].Seq < tasks[j].Seq
	})
}

func copyDefinition(d Definition) Definition {
	d.Stages = cloneStages(d.Stages)
	return d
}

func copyInstance(i Instance) Instance {
	i.Stages = cloneStages(i.Stages)
	i.Initiator = cloneActor(i.Initiator)
	if i.FinishedAt != nil {
		t := *i.FinishedAt
		i.FinishedAt = &t
	}
	return i
}

func copyApproval(a Approval) Approval {
	a.Assignee = cloneActor(a.Assignee)
	a.DecidedBy = cloneActor(a.DecidedBy)
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		a.DecidedAt = &t
	}
	return a
}

func cloneActor(a *auth.Actor) *auth.Actor {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}
