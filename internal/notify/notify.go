// Package notify delivers IdentityAppeared events to the outside world.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andresmejia3/facewatch/internal/types"
	"go.uber.org/zap"
)

// ErrClosed is returned by notifiers used after Close.
var ErrClosed = errors.New("notifier closed")

// Notifier receives appearance events from a detection session.
type Notifier interface {
	Notify(ctx context.Context, event types.IdentityAppeared) error
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(ctx context.Context, event types.IdentityAppeared) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, event types.IdentityAppeared) error {
	return f(ctx, event)
}

// Console prints one line per event, in the same style as the rest of the CLI.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole creates a Console notifier writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Notify writes the event to the console.
func (c *Console) Notify(_ context.Context, event types.IdentityAppeared) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "👤 %s  %s appeared (confidence %.2f)\n",
		event.EmittedAt.Local().Format("15:04:05"), event.Name, event.Confidence)
	return err
}

// Multi fans an event out to several notifiers. A failing sink is logged and
// does not prevent delivery to the others.
type Multi struct {
	sinks  []Notifier
	logger *zap.Logger
}

// NewMulti creates a fan-out notifier. nil sinks are ignored.
func NewMulti(logger *zap.Logger, sinks ...Notifier) *Multi {
	m := &Multi{logger: logger}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Notify delivers event to every sink and joins their errors.
func (m *Multi) Notify(ctx context.Context, event types.IdentityAppeared) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notify(ctx, event); err != nil {
			m.logger.Warn("notifier failed",
				zap.String("identity", event.Name),
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
