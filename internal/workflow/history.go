package workflow

import (
	"context"
	"fmt"
	"time"
)

// Recorder writes and reads the append-only transition history.
type Recorder struct {
	repo HistoryRepository
	now  func() time.Time
}

func NewRecorder(repo HistoryRepository) *Recorder {
	return &Recorder{repo: repo, now: time.Now}
}

// Append writes entry and returns its ID. Entry.Seq must already be set;
// the engine allocates it while it holds the instance.
func (r *Recorder) Append(ctx context.Context, entry *HistoryEntry) (string, error) {
	if entry.InstanceID == "" || entry.Seq <= 0 {
		return "", fmt.Errorf("%w: history entry needs an instance and a positive seq", ErrInvalidInput)
	}
	if !actionKnown(entry.Action) {
		return "", fmt.Errorf("%w: unknown history action %q", ErrInvalidInput, entry.Action)
	}
	entry.Detail.SchemaVersion = historySchemaVersion
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}
	if err := r.repo.AppendHistory(ctx, entry); err != nil {
		return "", fmt.Errorf("appending history for %s: %w", entry.InstanceID, err)
	}
	return entry.ID, nil
}

// ListForInstance returns entries in append order.
func (r *Recorder) ListForInstance(ctx context.Context, instanceID string) ([]HistoryEntry, error) {
	return r.repo.ListHistory(ctx, instanceID)
}

func actionKnown(a Action) bool {
	switch a {
	case ActionStarted, ActionApprovalRecorded, ActionAdvanced, ActionReassigned,
		ActionApproved, ActionRejected, ActionCancelled:
		return true
	}
	return false
}
