package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valinor-ai/docflow/internal/auth"
	"github.com/valinor-ai/docflow/internal/platform/database"
)

// Store handles audit event persistence.
type Store struct{}

// NewStore creates an audit Store.
func NewStore() *Store {
	return &Store{}
}

// Record is a persisted audit event.
type Record struct {
	ID           string          `json:"id"`
	ActorID      *string         `json:"actor_id"`
	ActorType    *string         `json:"actor_type"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   *string         `json:"resource_id"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Source       string          `json:"source"`
	CreatedAt    time.Time       `json:"created_at"`
}

// InsertBatch writes a batch of events to the database.
func (s *Store) InsertBatch(ctx context.Context, db database.Querier, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	sql, args, err := buildBatchInsert(events)
	if err != nil {
		return fmt.Errorf("building batch insert: %w", err)
	}
	_, err = db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("inserting audit events: %w", err)
	}
	return nil
}

// buildBatchInsert constructs a multi-row INSERT statement.
func buildBatchInsert(events []Event) (string, []any, error) {
	const cols = "(actor_id, actor_type, action, resource_type, resource_id, metadata, source, created_at)"
	var placeholders []string
	var args []any

	for i, e := range events {
		base := i * 8
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))

		var metaJSON []byte
		var err error
		if e.Metadata != nil {
			metaJSON, err = json.Marshal(e.Metadata)
			if err != nil {
				return "", nil, fmt.Errorf("marshaling metadata: %w", err)
			}
		}

		args = append(args,
			nullable(e.ActorID), nullable(string(e.ActorType)),
			e.Action, e.ResourceType, nullable(e.ResourceID), metaJSON, e.Source,
			occurredAt(e),
		)
	}

	sql := fmt.Sprintf("INSERT INTO audit_events %s VALUES %s", cols, strings.Join(placeholders, ", "))
	return sql, args, nil
}

func occurredAt(e Event) time.Time {
	if e.OccurredAt.IsZero() {
		return time.Now().UTC()
	}
	return e.OccurredAt.UTC()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ListEventsParams defines filters for querying audit events.
type ListEventsParams struct {
	Action       *string
	ResourceType *string
	ResourceID   *string
	ActorID      *string
	ActorType    *auth.UserType
	After        *time.Time
	Before       *time.Time
	Limit        int
}

// List returns audit events matching p, newest first.
func (s *Store) List(ctx context.Context, db database.Querier, p ListEventsParams) ([]Record, error) {
	sql, args := buildListQuery(p)
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.ActorID, &r.ActorType, &r.Action, &r.ResourceType, &r.ResourceID, &r.Metadata, &r.Source, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// buildListQuery constructs a parameterized SELECT for audit events.
func buildListQuery(p ListEventsParams) (string, []any) {
	var conditions []string
	var args []any
	argN := 1

	add := func(clause string, v any) {
		conditions = append(conditions, fmt.Sprintf(clause, argN))
		args = append(args, v)
		argN++
	}

	if p.Action != nil {
		add("action = $%d", *p.Action)
	}
	if p.ResourceType != nil {
		add("resource_type = $%d", *p.ResourceType)
	}
	if p.ResourceID != nil {
		add("resource_id = $%d", *p.ResourceID)
	}
	if p.ActorID != nil {
		add("actor_id = $%d", *p.ActorID)
	}
	if p.ActorType != nil {
		add("actor_type = $%d", string(*p.ActorType))
	}
	if p.After != nil {
		add("created_at > $%d", *p.After)
	}
	if p.Before != nil {
		add("created_at < $%d", *p.Before)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	sql := fmt.Sprintf(
		`SELECT id, actor_id, actor_type, action, resource_type, resource_id, metadata, source, created_at
		FROM audit_events
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`,
		where, argN,
	)
	args = append(args, p.Limit)

	return sql, args
}
