package workflow

import (
	"fmt"

	"github.com/valinor-ai/docflow/internal/platform/errs"
)

var (
	ErrDefinitionNotFound = fmt.Errorf("workflow definition %w", errs.ErrNotFound)
	ErrNoDefinitionFound  = fmt.Errorf("%w: no workflow definition for entity", errs.ErrNotFound)
	ErrInstanceNotFound   = fmt.Errorf("workflow instance %w", errs.ErrNotFound)
	ErrTaskNotFound       = fmt.Errorf("approval task %w", errs.ErrNotFound)

	ErrActiveInstanceExists = fmt.Errorf("%w: entity already has an active workflow", errs.ErrConflict)
	ErrDefaultExists        = fmt.Errorf("%w: entity type already has a default definition", errs.ErrConflict)
	ErrDefinitionModified   = fmt.Errorf("%w: definition was modified concurrently", errs.ErrConflict)
	ErrDuplicateHistorySeq  = fmt.Errorf("%w: history sequence already written", errs.ErrConflict)

	ErrInstanceTerminal    = fmt.Errorf("%w: workflow instance is terminal", errs.ErrInvalidState)
	ErrTaskResolved        = fmt.Errorf("%w: no pending approval task left in stage", errs.ErrInvalidState)
	ErrAlreadyDecided      = fmt.Errorf("%w: actor already decided this stage", errs.ErrInvalidState)
	ErrDefinitionInactive  = fmt.Errorf("%w: workflow definition is inactive", errs.ErrInvalidState)
	ErrTaskNotReassignable = fmt.Errorf("%w: only pending tasks of the current stage can be reassigned", errs.ErrInvalidState)

	ErrStaleStage = fmt.Errorf("%w: stage is no longer current", errs.ErrStaleStage)

	// ErrStageSatisfied is returned for decisions on a stage the instance
	// already advanced past. It is both a StaleStage and an InvalidState.
	ErrStageSatisfied = fmt.Errorf("%w: %w: stage was already satisfied", errs.ErrStaleStage, errs.ErrInvalidState)

	// ErrInstanceModified means an optimistic version check lost a race.
	ErrInstanceModified = fmt.Errorf("%w: instance was modified concurrently", errs.ErrStaleStage)

	ErrNotQualified   = fmt.Errorf("%w: actor does not meet the stage requirement", errs.ErrForbidden)
	ErrNotAssignee    = fmt.Errorf("%w: pending tasks are assigned to other actors", errs.ErrForbidden)
	ErrOverrideDenied = fmt.Errorf("%w: override permission required", errs.ErrForbidden)

	ErrInvalidDefinition = fmt.Errorf("%w: invalid workflow definition", errs.ErrValidation)
	ErrInvalidInput      = fmt.Errorf("%w: invalid input", errs.ErrValidation)
)
