// Package store defines the lifecycle journal. Journals are append-only
// observability sinks; the supervisor never reads them back to rebuild
// state.
package store

import (
	"context"

	"github.com/pmd/pmd/pkg/types"
)

type EventStore interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error)
	Close() error
}

// Matches reports whether ev satisfies the filters of q. Limit, Offset and
// ordering are left to the caller.
func Matches(ev types.Event, q types.EventQuery) bool {
	if len(q.Types) > 0 {
		ok := false
		for _, t := range q.Types {
			if t == ev.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if q.PID != nil && *q.PID != ev.PID {
		return false
	}
	if q.TitleID != nil && *q.TitleID&^0xFF != ev.TitleID&^0xFF {
		return false
	}
	if q.Since != nil && ev.Timestamp.Before(*q.Since) {
		return false
	}
	if q.Until != nil && ev.Timestamp.After(*q.Until) {
		return false
	}
	return true
}
