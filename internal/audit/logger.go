package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valinor-ai/docflow/internal/platform/database"
)

// Flush outcomes reported to an Observer.
const (
	ResultWritten = "written"
	ResultDropped = "dropped"
	ResultFailed  = "failed"
)

// Observer counts audit events by outcome. telemetry.Metrics implements it.
type Observer interface {
	ObserveAudit(result string, n int)
}

type nopObserver struct{}

func (nopObserver) ObserveAudit(string, int) {}

// LoggerConfig configures the async audit logger.
type LoggerConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	FlushTimeout  time.Duration

	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
}

type batchWriter interface {
	InsertBatch(ctx context.Context, db database.Querier, events []Event) error
}

// AsyncLogger queues admin events and writes them in batches from a single
// worker. Log never blocks: a full queue or a closed logger drops the event.
type AsyncLogger struct {
	queue  chan Event
	store  batchWriter
	db     database.Querier
	cfg    LoggerConfig
	closed atomic.Bool
	once   sync.Once
	wg     sync.WaitGroup
	stop   context.CancelFunc
}

// NewAsyncLogger starts the batch worker. Close must be called to flush.
func NewAsyncLogger(db database.Querier, store batchWriter, cfg LoggerConfig) *AsyncLogger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, stop := context.WithCancel(context.Background())
	l := &AsyncLogger{
		queue: make(chan Event, cfg.BufferSize),
		store: store,
		db:    db,
		cfg:   cfg,
		stop:  stop,
	}
	l.wg.Add(1)
	go l.run(ctx)
	return l
}

// Log stamps event with its occurrence time and queues it.
func (l *AsyncLogger) Log(_ context.Context, event Event) {
	if l.closed.Load() {
		l.drop(event, "audit logger closed, dropping event")
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = l.cfg.Now().UTC()
	}
	select {
	case l.queue <- event:
	default:
		l.drop(event, "audit queue full, dropping event")
	}
}

// Close stops the worker after it has written everything already queued.
// It is safe to call more than once.
func (l *AsyncLogger) Close() error {
	l.once.Do(func() {
		l.closed.Store(true)
		l.stop()
		l.wg.Wait()
		// A Log racing with Close can enqueue after the worker's last drain.
		l.write(l.pending())
	})
	return nil
}

func (l *AsyncLogger) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, l.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			l.write(append(batch, l.pending()...))
			return
		case e := <-l.queue:
			batch = append(batch, e)
			if len(batch) >= l.cfg.BatchSize {
				l.write(batch)
				batch = make([]Event, 0, l.cfg.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.write(batch)
				batch = make([]Event, 0, l.cfg.BatchSize)
			}
		}
	}
}

func (l *AsyncLogger) write(events []Event) {
	if len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.FlushTimeout)
	defer cancel()

	if err := l.store.InsertBatch(ctx, l.db, events); err != nil {
		l.cfg.Logger.Error("audit write failed",
			"error", err,
			"count", len(events),
			"first_action", events[0].Action,
		)
		l.cfg.Observer.ObserveAudit(ResultFailed, len(events))
		return
	}
	l.cfg.Observer.ObserveAudit(ResultWritten, len(events))
	l.cfg.Logger.Debug("audit events written", "count", len(events))
}

// pending empties the queue without blocking.
func (l *AsyncLogger) pending() []Event {
	var events []Event
	for {
		select {
		case e := <-l.queue:
			events = append(events, e)
		default:
			return events
		}
	}
}

func (l *AsyncLogger) drop(event Event, msg string) {
	l.cfg.Logger.Warn(msg,
		"action", event.Action,
		"resource_type", event.ResourceType,
		"resource_id", event.ResourceID,
		"actor_id", event.ActorID,
	)
	l.cfg.Observer.ObserveAudit(ResultDropped, 1)
}
