package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pmd/pmd/internal/dispatch"
	"github.com/pmd/pmd/internal/result"
)

func serviceByName(t *testing.T, svcs []dispatch.Service, name string) dispatch.Service {
	t.Helper()
	for _, s := range svcs {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no service %s", name)
	return dispatch.Service{}
}

func TestServicesLimits(t *testing.T) {
	env := newTestEnv(t)
	svcs := env.app.Services(map[string]int{ServiceDebug: 1})
	require.Len(t, svcs, 2)
	assert.Equal(t, DefaultMaxSessions, serviceByName(t, svcs, ServiceApp).MaxSessions)
	assert.Equal(t, 1, serviceByName(t, svcs, ServiceDebug).MaxSessions)
}

func TestServiceHandlerServesOwnCommands(t *testing.T) {
	env := newTestEnv(t)
	svcs := env.app.Services(nil)
	dbg := serviceByName(t, svcs, ServiceDebug).Handler
	sess := &dispatch.Session{ID: 1, Service: ServiceDebug}
	ctx := context.Background()

	args, err := structpb.NewStruct(map[string]any{"title_id": "0004000000030000"})
	require.NoError(t, err)
	reply := dbg(ctx, sess, &dispatch.Request{ID: "1", Command: "launch_app_debug", Args: args})
	require.Equal(t, result.Success, reply.Result, reply.Error)
	assert.Equal(t, "1", reply.ID)
	assert.NotZero(t, reply.Data.Fields["pid"].GetNumberValue())

	reply = dbg(ctx, sess, &dispatch.Request{ID: "2", Command: "launch_app_debug", Args: args})
	assert.Equal(t, result.ErrDebugAlreadyQueued, reply.Result)

	reply = dbg(ctx, sess, &dispatch.Request{ID: "3", Command: "run_queued_process"})
	require.Equal(t, result.Success, reply.Result, reply.Error)
	assert.NotZero(t, reply.Data.Fields["debug_handle"].GetNumberValue())

	reply = dbg(ctx, sess, &dispatch.Request{ID: "4", Command: "run_queued_process"})
	assert.Equal(t, result.ErrDebugNotQueued, reply.Result)
}

func TestServiceHandlerRejectsForeignCommands(t *testing.T) {
	env := newTestEnv(t)
	dbg := serviceByName(t, env.app.Services(nil), ServiceDebug).Handler

	reply := dbg(context.Background(), &dispatch.Session{ID: 7}, &dispatch.Request{ID: "x", Command: "terminate_application"})
	assert.Equal(t, result.ErrInvalidCommand, reply.Result)
	assert.Contains(t, reply.Error, "not served on pm:dbg")
	assert.Nil(t, reply.Data)
}

func TestServiceHandlerMapsUncodedErrors(t *testing.T) {
	env := newTestEnv(t)
	app := serviceByName(t, env.app.Services(nil), ServiceApp).Handler

	// The manifest has no such title, so the loader fails without a code.
	args, err := structpb.NewStruct(map[string]any{"title_id": "0004013000009902"})
	require.NoError(t, err)
	reply := app(context.Background(), &dispatch.Session{ID: 1}, &dispatch.Request{Command: "launch_title", Args: args})
	assert.Equal(t, result.ErrInternal, reply.Result)
	assert.NotEmpty(t, reply.Error)
}
