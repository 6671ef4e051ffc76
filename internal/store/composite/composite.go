// Package composite fans lifecycle events out to several journals.
package composite

import (
	"context"
	"fmt"

	"github.com/pmd/pmd/internal/store"
	"github.com/pmd/pmd/pkg/types"
)

// Store appends to every journal and queries the primary one.
type Store struct {
	primary store.EventStore
	others  []store.EventStore
}

func New(primary store.EventStore, others ...store.EventStore) *Store {
	return &Store{primary: primary, others: others}
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	var firstErr error
	if s.primary != nil {
		if err := s.primary.AppendEvent(ctx, ev); err != nil {
			firstErr = err
		}
	}
	for _, o := range s.others {
		if err := o.AppendEvent(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	if s.primary == nil {
		return nil, fmt.Errorf("no queryable journal configured")
	}
	return s.primary.QueryEvents(ctx, q)
}

func (s *Store) Close() error {
	var firstErr error
	if s.primary != nil {
		firstErr = s.primary.Close()
	}
	for _, o := range s.others {
		if err := o.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
