// Package api exposes the process manager to callers outside the supervisor:
// a gRPC control service and the pm:app / pm:dbg dispatcher services. Both
// surfaces run the same command table.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pmd/pmd/internal/events"
	"github.com/pmd/pmd/internal/pm"
	"github.com/pmd/pmd/internal/result"
	"github.com/pmd/pmd/internal/store"
)

// App binds the command table to a running Manager.
type App struct {
	mgr     *pm.Manager
	broker  *events.Broker
	journal store.EventStore
	logger  *slog.Logger
}

// Option configures an App.
type Option func(*App)

// WithJournal enables query_events against the lifecycle journal.
func WithJournal(j store.EventStore) Option {
	return func(a *App) { a.journal = j }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewApp returns an App serving mgr. broker feeds EventsTail and may be nil.
func NewApp(mgr *pm.Manager, broker *events.Broker, opts ...Option) *App {
	a := &App{mgr: mgr, broker: broker, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Execute runs the named command. Unknown commands and malformed arguments
// fail with result.ErrInvalidCommand.
func (a *App) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	c, ok := commandsByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %q", result.ErrInvalidCommand, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	start := time.Now()
	out, err := c.run(ctx, a, args)
	if err != nil {
		lvl := slog.LevelInfo
		if result.FromError(err, 0) == 0 {
			lvl = slog.LevelWarn
		}
		a.logger.Log(ctx, lvl, "api: command failed", "command", name, "error", err)
		return nil, err
	}
	a.logger.Debug("api: command", "command", name, "elapsed", time.Since(start))
	return out, nil
}

// errNoJournal is reported by query_events when no journal is configured.
var errNoJournal = errors.New("api: lifecycle journal not configured")
