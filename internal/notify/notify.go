// Package notify publishes change events for successful mutating requests.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wallflowercc/wallflower-atto/internal/schema"
)

type Event struct {
	ID      uuid.UUID      `json:"id"`
	Op      string         `json:"op"`
	Level   string         `json:"level"`
	IDs     []string       `json:"ids"`
	At      string         `json:"at"`
	Message map[string]any `json:"message"`
}

func NewEvent(op, level string, ids []string, at time.Time, message map[string]any) Event {
	return Event{
		ID:      uuid.New(),
		Op:      op,
		Level:   level,
		IDs:     append([]string(nil), ids...),
		At:      schema.FormatTime(at),
		Message: message,
	}
}

// Key is the dotted id path of the entity the event is about.
func (e Event) Key() string {
	return strings.Join(e.IDs, ".")
}

type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi fans an event out to every sink. All sinks are tried; their errors
// are joined.
type Multi struct {
	log   *slog.Logger
	sinks []Notifier
}

func NewMulti(log *slog.Logger, sinks ...Notifier) *Multi {
	m := &Multi{log: log}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			m.log.Warn("notify: failed to publish event", "event", ev.ID, "key", ev.Key(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
