package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeDispatcher fails the first failN calls with err and records every
// notification it accepts.
type fakeDispatcher struct {
	mu        sync.Mutex
	failN     int
	err       error
	calls     int
	delivered []Notification
	block     chan struct{}
}

func (f *fakeDispatcher) Name() string { return "fake" }

func (f *fakeDispatcher) Dispatch(_ context.Context, n Notification) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		if f.err != nil {
			return f.err
		}
		return errors.New("backend unavailable")
	}
	f.delivered = append(f.delivered, n)
	return nil
}

func (f *fakeDispatcher) snapshot() (int, []Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]Notification(nil), f.delivered...)
}

type countingObserver struct {
	mu      sync.Mutex
	results map[string]int
}

func (c *countingObserver) ObserveDispatch(_, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = make(map[string]int)
	}
	c.results[result]++
}

func (c *countingObserver) count(result string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[result]
}

func sample(t Type) Notification {
	return Notification{
		UserID:          "u-1",
		UserType:        "Employee",
		Type:            t,
		Title:           "Approval required",
		Message:         "Invoice INV-7 is waiting for you",
		RelatedEntityID: "INV-7",
		CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}
