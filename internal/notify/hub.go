// Package notify delivers notifications to processes and fans lifecycle
// events out to subscribers and the journal.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pmd/pmd/internal/events"
	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/store"
	"github.com/pmd/pmd/pkg/types"
)

// Hub implements the process manager's Notifier and EventSink.
type Hub struct {
	mb      kernel.Mailbox
	broker  *events.Broker
	journal store.EventStore
	logger  *slog.Logger
}

type Option func(*Hub)

// WithJournal appends every event to j. Append errors are logged.
func WithJournal(j store.EventStore) Option {
	return func(h *Hub) { h.journal = j }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func New(mb kernel.Mailbox, broker *events.Broker, opts ...Option) *Hub {
	h := &Hub{mb: mb, broker: broker, logger: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// PublishToProcess posts id to the process behind handle. It reports
// kernel.ErrNotFound when the process does not listen for notifications.
func (h *Hub) PublishToProcess(id uint32, handle kernel.Handle) error {
	if err := h.mb.Deliver(handle, id); err != nil {
		h.logger.Debug("notify: delivery failed", "notification", fmt.Sprintf("0x%X", id), "handle", handle, "error", err)
		return err
	}
	return nil
}

// PublishToSubscribers broadcasts id to every notification subscriber.
func (h *Hub) PublishToSubscribers(id uint32) {
	h.Emit(context.Background(), types.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      types.EventNotification,
		Fields:    map[string]any{"notification": id},
	})
}

func (h *Hub) Emit(ctx context.Context, ev types.Event) {
	if h.journal != nil {
		if err := h.journal.AppendEvent(ctx, ev); err != nil {
			h.logger.Warn("notify: journal append failed", "type", ev.Type, "event_id", ev.ID, "error", err)
		}
	}
	if h.broker != nil {
		h.broker.Publish(ev)
	}
}

// NotificationID extracts the id carried by a notification event.
func NotificationID(ev types.Event) (uint32, bool) {
	if ev.Type != types.EventNotification {
		return 0, false
	}
	switch v := ev.Fields["notification"].(type) {
	case uint32:
		return v, true
	case float64:
		// Events decoded from JSON.
		return uint32(v), true
	case int:
		return uint32(v), true
	}
	return 0, false
}
