// Package events delivers domain events after successful mutations. Emit
// schedules delivery and returns at once; delivery failures are logged
// and counted, never returned to the caller.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Name builds an event name such as "crm/person.created".
func Name(entity, action string) string {
	return "crm/" + entity + "." + action
}

type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type Event struct {
	Name      string    `json:"name"`
	Data      any       `json:"data"`
	Actor     Actor     `json:"actor"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Transport sends one event. Implementations must honor ctx.
type Transport interface {
	Send(ctx context.Context, event Event) error
}

// Observer sees the outcome of every delivery; err is nil on success.
type Observer func(event Event, err error)

type Option func(*Emitter)

func WithObserver(o Observer) Option {
	return func(e *Emitter) { e.observe = o }
}

func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

type Emitter struct {
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration
	observe   Observer
	now       func() time.Time
	inflight  sync.WaitGroup
}

func NewEmitter(transport Transport, logger *slog.Logger, timeout time.Duration, opts ...Option) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	e := &Emitter{
		transport: transport,
		logger:    logger,
		timeout:   timeout,
		observe:   func(Event, error) {},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit schedules delivery of event and returns without waiting. Delivery
// runs on its own context so a cancelled request does not retract it.
func (e *Emitter) Emit(event Event) {
	if e == nil || e.transport == nil {
		return
	}
	if event.EmittedAt.IsZero() {
		event.EmittedAt = e.now().UTC()
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		err := e.send(event)
		if err != nil {
			e.logger.Error("event emission failed",
				"event", event.Name,
				"actor_id", event.Actor.ID,
				"error", err,
			)
		} else {
			e.logger.Debug("event emitted", "event", event.Name, "actor_id", event.Actor.ID)
		}
		e.observe(event, err)
	}()
}

func (e *Emitter) send(event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	return e.transport.Send(ctx, event)
}

// Wait blocks until scheduled deliveries finish or ctx is done.
func (e *Emitter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
