package api

import (
	"context"
	"fmt"

	"github.com/pmd/pmd/internal/dispatch"
	"github.com/pmd/pmd/internal/result"
)

// DefaultMaxSessions is used for services without a configured limit.
const DefaultMaxSessions = 4

// Services returns the pm:app and pm:dbg dispatcher services. maxSessions
// overrides the per-service session limit.
func (a *App) Services(maxSessions map[string]int) []dispatch.Service {
	limit := func(name string) int {
		if n := maxSessions[name]; n > 0 {
			return n
		}
		return DefaultMaxSessions
	}
	return []dispatch.Service{
		{Name: ServiceApp, MaxSessions: limit(ServiceApp), Handler: a.serviceHandler(ServiceApp)},
		{Name: ServiceDebug, MaxSessions: limit(ServiceDebug), Handler: a.serviceHandler(ServiceDebug)},
	}
}

func (a *App) serviceHandler(service string) dispatch.Handler {
	return func(ctx context.Context, s *dispatch.Session, req *dispatch.Request) *dispatch.Reply {
		reply := &dispatch.Reply{ID: req.ID}
		c, ok := commandsByName[req.Command]
		if !ok || !contains(c.services, service) {
			a.logger.Debug("api: command not served", "service", service, "session", s.ID, "command", req.Command)
			return failReply(reply, fmt.Errorf("%w: %q not served on %s", result.ErrInvalidCommand, req.Command, service))
		}
		out, err := a.Execute(ctx, req.Command, req.Args.AsMap())
		if err != nil {
			return failReply(reply, err)
		}
		data, err := jsonToProto(out)
		if err != nil {
			return failReply(reply, err)
		}
		reply.Data = data
		return reply
	}
}

func failReply(r *dispatch.Reply, err error) *dispatch.Reply {
	r.Result = result.FromError(err, result.ErrInternal)
	r.Error = err.Error()
	return r
}
