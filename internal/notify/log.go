package notify

import (
	"context"
	"log/slog"
)

// LogDispatcher writes notifications to a slog logger. It is the default
// driver when no bus is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Name() string { return "log" }

func (d *LogDispatcher) Dispatch(ctx context.Context, n Notification) error {
	d.logger.InfoContext(ctx, "notification",
		"user_id", n.UserID,
		"user_type", n.UserType,
		"type", n.Type,
		"title", n.Title,
		"related_entity_id", n.RelatedEntityID,
	)
	return nil
}
