package metrics

import (
	"context"

	"github.com/pmd/pmd/internal/store"
	"github.com/pmd/pmd/pkg/types"
)

type wrappedEventStore struct {
	inner store.EventStore
	c     *Collector
}

// WrapEventStore counts every appended event and every append failure.
func WrapEventStore(inner store.EventStore, c *Collector) store.EventStore {
	if inner == nil {
		return nil
	}
	if c == nil {
		c = New()
	}
	return &wrappedEventStore{inner: inner, c: c}
}

func (w *wrappedEventStore) AppendEvent(ctx context.Context, ev types.Event) error {
	w.c.Observe(ev)
	err := w.inner.AppendEvent(ctx, ev)
	if err != nil {
		w.c.IncJournalError()
	}
	return err
}

func (w *wrappedEventStore) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	return w.inner.QueryEvents(ctx, q)
}

func (w *wrappedEventStore) Close() error { return w.inner.Close() }
