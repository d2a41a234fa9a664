package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker around a dispatcher.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive transient failures that
	// opens the circuit.
	MaxFailures int
	// OpenTimeout is how long the circuit stays open before a probe.
	OpenTimeout time.Duration
}

// BreakerDispatcher stops calling an unhealthy backend until OpenTimeout
// has passed. While open, Dispatch fails fast with gobreaker.ErrOpenState.
type BreakerDispatcher struct {
	next Dispatcher
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerDispatcher(next Dispatcher, cfg BreakerConfig) *BreakerDispatcher {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	maxFailures := uint32(cfg.MaxFailures) // #nosec G115 -- positive, checked above

	settings := gobreaker.Settings{
		Name:        "notify-" + next.Name(),
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("notification circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		// Permanent errors do not count toward tripping.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanentError(err)
		},
	}
	return &BreakerDispatcher{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (d *BreakerDispatcher) Name() string { return d.next.Name() }

func (d *BreakerDispatcher) State() gobreaker.State { return d.cb.State() }

func (d *BreakerDispatcher) Dispatch(ctx context.Context, n Notification) error {
	_, err := d.cb.Execute(func() (interface{}, error) {
		return nil, d.next.Dispatch(ctx, n)
	})
	if err != nil {
		return fmt.Errorf("%s dispatch: %w", d.next.Name(), err)
	}
	return nil
}
