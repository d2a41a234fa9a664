package notify

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// DispatchObserver receives one result per dispatch attempt.
// *telemetry.Metrics satisfies it.
type DispatchObserver interface {
	ObserveDispatch(driver, result string)
}

// Dispatch results reported to the observer.
const (
	ResultSent    = "sent"
	ResultRetry   = "retry"
	ResultFailed  = "failed"
	ResultDropped = "dropped"
)

// QueueConfig configures the async notifier.
type QueueConfig struct {
	Size            int
	MaxAttempts     int
	BaseRetryDelay  time.Duration
	MaxRetryDelay   time.Duration
	DispatchTimeout time.Duration
}

// AsyncNotifier implements Notifier with a bounded channel and a single
// background worker. Notify never blocks: when the queue is full the
// notification is dropped with a warning.
type AsyncNotifier struct {
	dispatcher Dispatcher
	observer   DispatchObserver
	cfg        QueueConfig
	now        func() time.Time

	mu     sync.RWMutex
	closed bool
	ch     chan Notification
	stop   context.CancelFunc
	done   chan struct{}
}

// NewAsyncNotifier creates and starts the notifier. observer may be nil.
func NewAsyncNotifier(d Dispatcher, observer DispatchObserver, cfg QueueConfig) *AsyncNotifier {
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 200 * time.Millisecond
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 5 * time.Second
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &AsyncNotifier{
		dispatcher: d,
		observer:   observer,
		cfg:        cfg,
		now:        time.Now,
		ch:         make(chan Notification, cfg.Size),
		stop:       cancel,
		done:       make(chan struct{}),
	}
	go q.worker(ctx)
	return q
}

func (q *AsyncNotifier) Notify(_ context.Context, n Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = q.now().UTC()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		slog.Warn("notifier closed, dropping notification", "type", n.Type, "user_id", n.UserID)
		q.observe(ResultDropped)
		return
	}
	select {
	case q.ch <- n:
	default:
		slog.Warn("notification queue full, dropping notification", "type", n.Type, "user_id", n.UserID)
		q.observe(ResultDropped)
	}
}

// Close stops accepting notifications, delivers what is already queued
// without further retries, and waits for the worker to exit.
func (q *AsyncNotifier) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	q.stop()
	<-q.done
	return nil
}

func (q *AsyncNotifier) worker(ctx context.Context) {
	defer close(q.done)
	for n := range q.ch {
		q.deliver(ctx, n)
	}
}

func (q *AsyncNotifier) deliver(ctx context.Context, n Notification) {
	for attempt := 1; ; attempt++ {
		err := q.attempt(n)
		if err == nil {
			q.observe(ResultSent)
			return
		}

		if IsPermanentError(err) || attempt >= q.cfg.MaxAttempts || ctx.Err() != nil {
			slog.Error("notification dispatch failed",
				"driver", q.dispatcher.Name(),
				"type", n.Type,
				"user_id", n.UserID,
				"attempts", attempt,
				"error", err,
			)
			q.observe(ResultFailed)
			return
		}

		q.observe(ResultRetry)
		timer := time.NewTimer(q.retryDelay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
}

func (q *AsyncNotifier) attempt(n Notification) error {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.DispatchTimeout)
	defer cancel()
	return q.dispatcher.Dispatch(ctx, n)
}

func (q *AsyncNotifier) retryDelay(attempt int) time.Duration {
	delay := time.Duration(float64(q.cfg.BaseRetryDelay) * math.Pow(2, float64(attempt-1)))
	if delay > q.cfg.MaxRetryDelay {
		return q.cfg.MaxRetryDelay
	}
	return delay
}

func (q *AsyncNotifier) observe(result string) {
	if q.observer != nil {
		q.observer.ObserveDispatch(q.dispatcher.Name(), result)
	}
}
