package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/valinor-ai/docflow/internal/audit"
	"github.com/valinor-ai/docflow/internal/auth"
	"github.com/valinor-ai/docflow/internal/rbac"
)

// Limits bound what a definition may declare.
type Limits struct {
	MaxStages int
	MaxQuorum int
}

func (l Limits) withDefaults() Limits {
	if l.MaxStages <= 0 {
		l.MaxStages = 20
	}
	if l.MaxQuorum <= 0 {
		l.MaxQuorum = 10
	}
	return l
}

// DefinitionSpec is the editable part of a definition.
type DefinitionSpec struct {
	Name       string  `json:"name"`
	EntityType string  `json:"entity_type"`
	Stages     []Stage `json:"stages"`
	IsDefault  bool    `json:"is_default"`
}

// DefinitionStore validates and persists definitions. Malformed stage lists
// are rejected here so the engine never meets one at runtime.
type DefinitionStore struct {
	repo   DefinitionRepository
	audit  audit.Logger
	limits Limits
}

func NewDefinitionStore(repo DefinitionRepository, auditLog audit.Logger, limits Limits) *DefinitionStore {
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	return &DefinitionStore{repo: repo, audit: auditLog, limits: limits.withDefaults()}
}

func (s *DefinitionStore) Create(ctx context.Context, actor auth.Actor, spec DefinitionSpec) (*Definition, error) {
	spec, err := s.Validate(spec)
	if err != nil {
		return nil, err
	}
	def := &Definition{
		Name:       spec.Name,
		EntityType: spec.EntityType,
		Stages:     spec.Stages,
		IsDefault:  spec.IsDefault,
	}
	if err := s.repo.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}

	s.audit.Log(ctx, definitionEvent(actor, audit.ActionDefinitionCreated, def))
	return def, nil
}

// Update replaces the editable fields and bumps the version. When
// expectedVersion is positive it must match the stored version.
func (s *DefinitionStore) Update(ctx context.Context, actor auth.Actor, id string, spec DefinitionSpec, expectedVersion int) (*Definition, error) {
	spec, err := s.Validate(spec)
	if err != nil {
		return nil, err
	}
	def, err := s.repo.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && def.Version != expectedVersion {
		return nil, fmt.Errorf("%w: at version %d, not %d", ErrDefinitionModified, def.Version, expectedVersion)
	}

	def.Name = spec.Name
	def.EntityType = spec.EntityType
	def.Stages = spec.Stages
	def.IsDefault = spec.IsDefault
	def.Version++
	if err := s.repo.UpdateDefinition(ctx, def); err != nil {
		return nil, err
	}

	s.audit.Log(ctx, definitionEvent(actor, audit.ActionDefinitionUpdated, def))
	return def, nil
}

// Deactivate stops a definition from starting new instances. Running
// instances are unaffected since they carry their own stage snapshot.
// Deactivating an inactive definition is a no-op.
func (s *DefinitionStore) Deactivate(ctx context.Context, actor auth.Actor, id string) (*Definition, error) {
	def, err := s.repo.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return def, nil
	}
	def.IsActive = false
	def.Version++
	if err := s.repo.UpdateDefinition(ctx, def); err != nil {
		return nil, err
	}

	s.audit.Log(ctx, definitionEvent(actor, audit.ActionDefinitionDeactivated, def))
	return def, nil
}

func (s *DefinitionStore) Get(ctx context.Context, id string) (*Definition, error) {
	return s.repo.GetDefinition(ctx, id)
}

// GetDefault returns the default definition of entityType, or
// ErrNoDefinitionFound when there is none.
func (s *DefinitionStore) GetDefault(ctx context.Context, entityType string) (*Definition, error) {
	def, err := s.repo.FindDefault(ctx, entityType)
	if errors.Is(err, ErrDefinitionNotFound) {
		return nil, fmt.Errorf("%w: no default for %q", ErrNoDefinitionFound, entityType)
	}
	return def, err
}

func (s *DefinitionStore) List(ctx context.Context, entityType string) ([]Definition, error) {
	return s.repo.ListDefinitions(ctx, entityType)
}

// Validate normalizes spec and checks it. The returned copy has trimmed
// names and stages sorted by index.
func (s *DefinitionStore) Validate(spec DefinitionSpec) (DefinitionSpec, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	spec.EntityType = strings.TrimSpace(spec.EntityType)
	if spec.Name == "" {
		return spec, fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if spec.EntityType == "" {
		return spec, fmt.Errorf("%w: entity type is required", ErrInvalidDefinition)
	}
	if len(spec.Stages) == 0 {
		return spec, fmt.Errorf("%w: at least one stage is required", ErrInvalidDefinition)
	}
	if len(spec.Stages) > s.limits.MaxStages {
		return spec, fmt.Errorf("%w: %d stages exceeds the limit of %d", ErrInvalidDefinition, len(spec.Stages), s.limits.MaxStages)
	}

	stages := cloneStages(spec.Stages)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Index < stages[j].Index })
	for i := range stages {
		if err := s.validateStage(i, &stages[i]); err != nil {
			return spec, err
		}
	}
	spec.Stages = stages
	return spec, nil
}

func (s *DefinitionStore) validateStage(want int, st *Stage) error {
	if st.Index != want {
		return fmt.Errorf("%w: stage indices must run 0..n-1 without gaps, found %d at position %d", ErrInvalidDefinition, st.Index, want)
	}
	st.Name = strings.TrimSpace(st.Name)
	st.Permission = strings.TrimSpace(st.Permission)
	st.Role = strings.TrimSpace(st.Role)

	switch {
	case st.Permission != "" && st.Role != "":
		return fmt.Errorf("%w: stage %d names both a permission and a role", ErrInvalidDefinition, st.Index)
	case st.Permission == "" && st.Role == "":
		return fmt.Errorf("%w: stage %d needs a permission or a role", ErrInvalidDefinition, st.Index)
	case st.Permission != "":
		if _, _, err := rbac.ParsePermissionName(st.Permission); err != nil {
			return fmt.Errorf("%w: stage %d: %v", ErrInvalidDefinition, st.Index, err)
		}
	}

	switch st.Policy.Kind {
	case PolicySingle, PolicyAny:
		st.Policy.N = 0
	case PolicyQuorum:
		if st.Policy.N < 1 || st.Policy.N > s.limits.MaxQuorum {
			return fmt.Errorf("%w: stage %d quorum must be between 1 and %d", ErrInvalidDefinition, st.Index, s.limits.MaxQuorum)
		}
	case "":
		return fmt.Errorf("%w: stage %d has no approval policy", ErrInvalidDefinition, st.Index)
	default:
		return fmt.Errorf("%w: stage %d has unknown policy %q", ErrInvalidDefinition, st.Index, st.Policy.Kind)
	}

	if st.Assignee != nil {
		if st.Policy.Kind == PolicyQuorum {
			return fmt.Errorf("%w: stage %d cannot fix an assignee under a quorum", ErrInvalidDefinition, st.Index)
		}
		if err := st.Assignee.Validate(); err != nil {
			return fmt.Errorf("%w: stage %d assignee: %v", ErrInvalidDefinition, st.Index, err)
		}
	}
	return nil
}

func definitionEvent(actor auth.Actor, action string, def *Definition) audit.Event {
	evt := audit.ActorEvent(actor, action, "workflow_definition", def.ID)
	evt.Metadata = map[string]any{
		"name":        def.Name,
		"entity_type": def.EntityType,
		"version":     def.Version,
		"is_default":  def.IsDefault,
	}
	return evt
}
