package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/valinor-ai/docflow/internal/auth"
	"github.com/valinor-ai/docflow/internal/platform/database"
)

// PGRepository persists workflows in Postgres. The partial unique indexes
// of the workflow migration back the one-default and one-active-instance
// rules; their violations are mapped to the matching sentinels.
type PGRepository struct {
	db   database.Querier
	pool *pgxpool.Pool
}

// NewPGRepository creates a repository on the pool. Atomic opens a
// transaction on it.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: pool, pool: pool}
}

// Atomic runs fn in a transaction. Inside fn, LockInstance holds the
// instance row with SELECT ... FOR UPDATE until commit.
func (r *PGRepository) Atomic(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	if r.pool == nil {
		return fn(ctx, r)
	}
	return database.WithTx(ctx, r.pool, func(ctx context.Context, q database.Querier) error {
		return fn(ctx, &PGRepository{db: q})
	})
}

// validID keeps malformed ids from reaching a uuid column, where they
// would fail with a cast error instead of matching nothing.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

const definitionColumns = `id, name, entity_type, stages, is_default, version, is_active, created_at, updated_at`

func scanDefinition(row pgx.Row) (*Definition, error) {
	var (
		d      Definition
		stages []byte
	)
	if err := row.Scan(&d.ID, &d.Name, &d.EntityType, &stages, &d.IsDefault, &d.Version, &d.IsActive, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if d.Stages, err = unmarshalStages(stages); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *PGRepository) CreateDefinition(ctx context.Context, def *Definition) error {
	stages, err := marshalStages(def.Stages)
	if err != nil {
		return err
	}
	err = r.db.QueryRow(ctx,
		`INSERT INTO workflow_definitions (name, entity_type, stages, is_default)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, version, is_active, created_at, updated_at`,
		def.Name, def.EntityType, stages, def.IsDefault,
	).Scan(&def.ID, &def.Version, &def.IsActive, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err, "workflow_definitions_default_key") {
			return fmt.Errorf("%w: %s", ErrDefaultExists, def.EntityType)
		}
		return fmt.Errorf("creating definition: %w", err)
	}
	return nil
}

func (r *PGRepository) UpdateDefinition(ctx context.Context, def *Definition) error {
	if !validID(def.ID) {
		return ErrDefinitionNotFound
	}
	stages, err := marshalStages(def.Stages)
	if err != nil {
		return err
	}
	err = r.db.QueryRow(ctx,
		`UPDATE workflow_definitions
		 SET name = $2, entity_type = $3, stages = $4, is_default = $5, is_active = $6,
		     version = $7, updated_at = now()
		 WHERE id = $1 AND version = $7 - 1
		 RETURNING created_at, updated_at`,
		def.ID, def.Name, def.EntityType, stages, def.IsDefault, def.IsActive, def.Version,
	).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err == nil {
		return nil
	}
	if database.IsUniqueViolation(err, "workflow_definitions_default_key") {
		return fmt.Errorf("%w: %s", ErrDefaultExists, def.EntityType)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("updating definition: %w", err)
	}
	if _, getErr := r.GetDefinition(ctx, def.ID); getErr != nil {
		return getErr
	}
	return ErrDefinitionModified
}

func (r *PGRepository) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	if !validID(id) {
		return nil, ErrDefinitionNotFound
	}
	def, err := scanDefinition(r.db.QueryRow(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("getting definition: %w", err)
	}
	return def, nil
}

func (r *PGRepository) FindDefault(ctx context.Context, entityType string) (*Definition, error) {
	def, err := scanDefinition(r.db.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE entity_type = $1 AND is_default`, entityType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("finding default definition: %w", err)
	}
	return def, nil
}

func (r *PGRepository) ListDefinitions(ctx context.Context, entityType string) ([]Definition, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions
		 WHERE $1 = '' OR entity_type = $1
		 ORDER BY entity_type, name`, entityType)
	if err != nil {
		return nil, fmt.Errorf("listing definitions: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning definition: %w", err)
		}
		defs = append(defs, *d)
	}
	return defs, rows.Err()
}

const instanceColumns = `id, definition_id, definition_version, entity_id, entity_type, stages, stage_count,
	current_stage, status, initiator_id, initiator_type, history_seq, version, is_active,
	started_at, finished_at, created_at, updated_at`

func scanInstance(row pgx.Row) (*Instance, error) {
	var (
		inst          Instance
		stages        []byte
		status        string
		initiatorID   *string
		initiatorType *string
	)
	err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &inst.Entity.ID, &inst.Entity.Type,
		&stages, &inst.StageCount, &inst.CurrentStage, &status, &initiatorID, &initiatorType,
		&inst.HistorySeq, &inst.Version, &inst.IsActive, &inst.StartedAt, &inst.FinishedAt,
		&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.Status = Status(status)
	inst.Initiator = actorFromColumns(initiatorID, initiatorType)
	if inst.Stages, err = unmarshalStages(stages); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *PGRepository) CreateInstance(ctx context.Context, inst *Instance) error {
	stages, err := marshalStages(inst.Stages)
	if err != nil {
		return err
	}
	initiatorID, initiatorType := actorColumns(inst.Initiator)
	err = r.db.QueryRow(ctx,
		`INSERT INTO workflow_instances
		   (definition_id, definition_version, entity_id, entity_type, stages, stage_count,
		    current_stage, status, initiator_id, initiator_type, history_seq, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, version, is_active, created_at, updated_at`,
		inst.DefinitionID, inst.DefinitionVersion, inst.Entity.ID, inst.Entity.Type, stages, inst.StageCount,
		inst.CurrentStage, string(inst.Status), initiatorID, initiatorType, inst.HistorySeq, inst.StartedAt,
	).Scan(&inst.ID, &inst.Version, &inst.IsActive, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err, "workflow_instances_active_key") {
			return fmt.Errorf("%w: %s %s", ErrActiveInstanceExists, inst.Entity.Type, inst.Entity.ID)
		}
		return fmt.Errorf("creating instance: %w", err)
	}
	return nil
}

func (r *PGRepository) GetInstance(ctx context.Context, id string) (*Instance, error) {
	return r.getInstance(ctx, id, "")
}

func (r *PGRepository) LockInstance(ctx context.Context, id string) (*Instance, error) {
	return r.getInstance(ctx, id, " FOR UPDATE")
}

func (r *PGRepository) getInstance(ctx context.Context, id, suffix string) (*Instance, error) {
	if !validID(id) {
		return nil, ErrInstanceNotFound
	}
	inst, err := scanInstance(r.db.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`+suffix, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("getting instance: %w", err)
	}
	return inst, nil
}

func (r *PGRepository) UpdateInstance(ctx context.Context, inst *Instance) error {
	if !validID(inst.ID) {
		return ErrInstanceNotFound
	}
	err := r.db.QueryRow(ctx,
		`UPDATE workflow_instances
		 SET current_stage = $2, status = $3, history_seq = $4, finished_at = $5,
		     version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $6
		 RETURNING version, updated_at`,
		inst.ID, inst.CurrentStage, string(inst.Status), inst.HistorySeq, inst.FinishedAt, inst.Version,
	).Scan(&inst.Version, &inst.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("updating instance: %w", err)
	}
	if _, getErr := r.GetInstance(ctx, inst.ID); getErr != nil {
		return getErr
	}
	return ErrInstanceModified
}

func (r *PGRepository) FindActiveInstance(ctx context.Context, entity EntityRef) (*Instance, error) {
	inst, err := scanInstance(r.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances
		 WHERE entity_id = $1 AND entity_type = $2 AND status IN ('Pending', 'InProgress')`,
		entity.ID, entity.Type))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("finding active instance: %w", err)
	}
	return inst, nil
}

const approvalColumns = `id, seq, instance_id, stage_index, required_permission, required_role,
	assignee_id, assignee_type, decision, decided_by_id, decided_by_type, decided_at, comment,
	created_at, updated_at`

func scanApproval(row pgx.Row) (*Approval, error) {
	var (
		a                         Approval
		permission, role, comment *string
		assigneeID, assigneeType  *string
		deciderID, deciderType    *string
		decision                  string
	)
	err := row.Scan(&a.ID, &a.Seq, &a.InstanceID, &a.StageIndex, &permission, &role,
		&assigneeID, &assigneeType, &decision, &deciderID, &deciderType, &a.DecidedAt, &comment,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.RequiredPermission = deref(permission)
	a.RequiredRole = deref(role)
	a.Comment = deref(comment)
	a.Decision = TaskDecision(decision)
	a.Assignee = actorFromColumns(assigneeID, assigneeType)
	a.DecidedBy = actorFromColumns(deciderID, deciderType)
	return &a, nil
}

func (r *PGRepository) CreateApprovals(ctx context.Context, tasks []*Approval) error {
	for _, t := range tasks {
		assigneeID, assigneeType := actorColumns(t.Assignee)
		err := r.db.QueryRow(ctx,
			`INSERT INTO workflow_approvals
			   (instance_id, stage_index, required_permission, required_role, assignee_id, assignee_type, decision)
			 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
			 RETURNING id, seq, created_at, updated_at`,
			t.InstanceID, t.StageIndex, t.RequiredPermission, t.RequiredRole, assigneeID, assigneeType, string(t.Decision),
		).Scan(&t.ID, &t.Seq, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("creating approval: %w", err)
		}
	}
	return nil
}

func (r *PGRepository) GetApproval(ctx context.Context, id string) (*Approval, error) {
	if !validID(id) {
		return nil, ErrTaskNotFound
	}
	a, err := scanApproval(r.db.QueryRow(ctx, `SELECT `+approvalColumns+` FROM workflow_approvals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("getting approval: %w", err)
	}
	return a, nil
}

func (r *PGRepository) UpdateApproval(ctx context.Context, task *Approval) error {
	if !validID(task.ID) {
		return ErrTaskNotFound
	}
	assigneeID, assigneeType := actorColumns(task.Assignee)
	deciderID, deciderType := actorColumns(task.DecidedBy)
	err := r.db.QueryRow(ctx,
		`UPDATE workflow_approvals
		 SET assignee_id = $2, assignee_type = $3, decision = $4, decided_by_id = $5,
		     decided_by_type = $6, decided_at = $7, comment = NULLIF($8, ''), updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		task.ID, assigneeID, assigneeType, string(task.Decision), deciderID, deciderType, task.DecidedAt, task.Comment,
	).Scan(&task.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("updating approval: %w", err)
	}
	return nil
}

func (r *PGRepository) ListApprovals(ctx context.Context, instanceID string) ([]Approval, error) {
	if !validID(instanceID) {
		return nil, nil
	}
	return r.queryApprovals(ctx,
		`SELECT `+approvalColumns+` FROM workflow_approvals
		 WHERE instance_id = $1
		 ORDER BY stage_index, seq`, instanceID)
}

func (r *PGRepository) ListOpenApprovals(ctx context.Context, actor auth.Actor) ([]Approval, error) {
	return r.queryApprovals(ctx,
		`SELECT `+approvalColumns+` FROM workflow_approvals
		 WHERE decision = 'Pending'
		   AND (assignee_id IS NULL OR (assignee_id = $1 AND assignee_type = $2))
		 ORDER BY stage_index, seq`, actor.ID, string(actor.Type))
}

func (r *PGRepository) queryApprovals(ctx context.Context, sql string, args ...any) ([]Approval, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning approval: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *PGRepository) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("marshaling history detail: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	err = r.db.QueryRow(ctx,
		`INSERT INTO workflow_history
		   (instance_id, seq, actor_id, actor_type, from_stage, to_stage, action, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		entry.InstanceID, entry.Seq, entry.Actor.ID, string(entry.Actor.Type), entry.FromStage, entry.ToStage,
		string(entry.Action), detail, createdAt,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err, "workflow_history_seq_key") {
			return fmt.Errorf("%w: instance %s seq %d", ErrDuplicateHistorySeq, entry.InstanceID, entry.Seq)
		}
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

func (r *PGRepository) ListHistory(ctx context.Context, instanceID string) ([]HistoryEntry, error) {
	if !validID(instanceID) {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, instance_id, seq, actor_id, actor_type, from_stage, to_stage, action, detail, created_at
		 FROM workflow_history
		 WHERE instance_id = $1
		 ORDER BY seq`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			e         HistoryEntry
			actorType string
			action    string
			detail    []byte
		)
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Seq, &e.Actor.ID, &actorType, &e.FromStage, &e.ToStage,
			&action, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		e.Actor.Type = auth.UserType(actorType)
		e.Action = Action(action)
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			return nil, fmt.Errorf("unmarshaling history detail: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func actorColumns(a *auth.Actor) (id, typ *string) {
	if a == nil {
		return nil, nil
	}
	t := string(a.Type)
	return &a.ID, &t
}

func actorFromColumns(id, typ *string) *auth.Actor {
	if id == nil || typ == nil {
		return nil
	}
	return &auth.Actor{ID: *id, Type: auth.UserType(*typ)}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
