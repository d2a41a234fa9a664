package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"github.com/valinor-ai/docflow/internal/notify"
	"github.com/valinor-ai/docflow/internal/platform/config"
)

// notifications is the wired notification pipeline: a transport dispatcher
// behind a circuit breaker, fed by the async queue the engine calls.
type notifications struct {
	notify.Notifier
	driver  string
	breaker *notify.BreakerDispatcher
	closers []func() error
	probe   time.Duration
}

func buildNotifier(ctx context.Context, cfg config.NotifyConfig, logger *slog.Logger, observer notify.DispatchObserver) (*notifications, error) {
	if !cfg.Enabled {
		return &notifications{Notifier: notify.NopNotifier{}, driver: "none"}, nil
	}

	n := &notifications{driver: cfg.Driver, probe: 30 * time.Second}
	var dispatcher notify.Dispatcher
	switch cfg.Driver {
	case "", "log":
		n.driver = "log"
		dispatcher = notify.NewLogDispatcher(logger)
	case "nats":
		conn, err := notify.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, conn.Drain)
		dispatcher = notify.NewNATSDispatcher(conn, cfg.NATS.SubjectPrefix)
	case "redis":
		client, err := notify.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, client.Close)
		dispatcher = notify.NewRedisStreamDispatcher(client, cfg.Redis.Stream, cfg.Redis.MaxLen)
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}

	n.breaker = notify.NewBreakerDispatcher(dispatcher, notify.BreakerConfig{
		MaxFailures: cfg.Breaker.MaxFailures,
		OpenTimeout: time.Duration(cfg.Breaker.OpenTimeoutSecs) * time.Second,
	})
	queue := notify.NewAsyncNotifier(n.breaker, observer, notify.QueueConfig{Size: cfg.QueueSize})
	n.Notifier = queue
	// The queue drains before its transport goes away.
	n.closers = append([]func() error{queue.Close}, n.closers...)

	slog.Info("notifications enabled", "driver", n.driver)
	return n, nil
}

func (n *notifications) Driver() string { return n.driver }

// Run warns periodically while the breaker keeps the backend cut off.
func (n *notifications) Run(ctx context.Context) error {
	if n.breaker == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(n.probe)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if state := n.breaker.State(); state != gobreaker.StateClosed {
				slog.Warn("notification backend unavailable", "driver", n.driver, "breaker", state.String())
			}
		}
	}
}

// Close drains the queue and then releases the transport.
func (n *notifications) Close() error {
	var errs []error
	for _, c := range n.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
