// Package client talks to a running pmd over its gRPC control service.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pmd/pmd/internal/api"
	"github.com/pmd/pmd/internal/pm"
	"github.com/pmd/pmd/internal/program"
	"github.com/pmd/pmd/internal/result"
	"github.com/pmd/pmd/pkg/types"
)

const methodPrefix = "/pmd.v1.ProcessManager/"

// Error is a failed call. Result is zero when the server reported no result
// code.
type Error struct {
	Code    codes.Code
	Result  result.Code
	Message string
}

func (e *Error) Error() string {
	if e.Result != result.Success {
		return fmt.Sprintf("%s (result 0x%08X)", e.Message, uint32(e.Result))
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e.Result != result.Success {
		return e.Result
	}
	return nil
}

type GRPCClient struct {
	addr string
	conn *grpc.ClientConn
}

// NewGRPC connects lazily to addr (host:port, optionally with a scheme).
func NewGRPC(addr string) (*GRPCClient, error) {
	a := strings.TrimSpace(addr)
	if strings.Contains(a, "://") {
		if u, err := url.Parse(a); err == nil && u.Host != "" {
			a = u.Host
		}
	}
	if a == "" {
		return nil, fmt.Errorf("grpc addr is empty")
	}
	conn, err := grpc.NewClient(a, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &GRPCClient{addr: a, conn: conn}, nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(conn *grpc.ClientConn) *GRPCClient {
	return &GRPCClient{addr: conn.Target(), conn: conn}
}

func (c *GRPCClient) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func programBody(prog program.Info, prefix string, body map[string]any) {
	body[prefix+"title_id"] = program.FormatTitleID(prog.ProgramID)
	body[prefix+"media"] = prog.Media.String()
}

func (c *GRPCClient) launch(ctx context.Context, method string, prog program.Info, update *program.Info, flags pm.LaunchFlags) (uint32, error) {
	body := map[string]any{"flags": flags.String()}
	programBody(prog, "", body)
	if update != nil {
		programBody(*update, "update_", body)
	}
	var out struct {
		PID uint32 `json:"pid"`
	}
	if err := c.call(ctx, method, body, &out); err != nil {
		return 0, err
	}
	return out.PID, nil
}

// LaunchTitle returns the pid, or uint32(pm.PIDUnknown) for an application
// launched in the background.
func (c *GRPCClient) LaunchTitle(ctx context.Context, prog program.Info, flags pm.LaunchFlags) (uint32, error) {
	return c.launch(ctx, "LaunchTitle", prog, nil, flags)
}

func (c *GRPCClient) LaunchTitleUpdate(ctx context.Context, prog, update program.Info, flags pm.LaunchFlags) (uint32, error) {
	return c.launch(ctx, "LaunchTitleUpdate", prog, &update, flags)
}

func (c *GRPCClient) LaunchApp(ctx context.Context, prog program.Info, flags pm.LaunchFlags) (uint32, error) {
	return c.launch(ctx, "LaunchApp", prog, nil, flags)
}

func (c *GRPCClient) LaunchAppDebug(ctx context.Context, prog program.Info, flags pm.LaunchFlags) (uint32, error) {
	return c.launch(ctx, "LaunchAppDebug", prog, nil, flags)
}

func (c *GRPCClient) RunQueuedProcess(ctx context.Context) (uint64, error) {
	var out struct {
		DebugHandle uint64 `json:"debug_handle"`
	}
	if err := c.call(ctx, "RunQueuedProcess", nil, &out); err != nil {
		return 0, err
	}
	return out.DebugHandle, nil
}

func (c *GRPCClient) CPUTime(ctx context.Context) (types.CPUTimeInfo, error) {
	var out struct {
		Value uint32 `json:"value"`
		Max   uint8  `json:"max"`
		Base  uint8  `json:"base"`
	}
	if err := c.call(ctx, "GetAppCPUTimeLimit", nil, &out); err != nil {
		return types.CPUTimeInfo{}, err
	}
	return types.CPUTimeInfo{Current: out.Value, Max: out.Max, Base: out.Base}, nil
}

func (c *GRPCClient) SetAppCPUTimeLimit(ctx context.Context, v uint32) error {
	return c.call(ctx, "SetAppCPUTimeLimit", map[string]any{"value": v}, nil)
}

func (c *GRPCClient) UnregisterProcess(ctx context.Context, titleID uint64) error {
	return c.call(ctx, "UnregisterProcess", map[string]any{"title_id": program.FormatTitleID(titleID)}, nil)
}

func timeoutBody(timeout time.Duration, body map[string]any) map[string]any {
	if timeout > 0 {
		body["timeout_ms"] = timeout.Milliseconds()
	}
	return body
}

func (c *GRPCClient) TerminateApplication(ctx context.Context, timeout time.Duration) error {
	return c.call(ctx, "TerminateApplication", timeoutBody(timeout, map[string]any{}), nil)
}

func (c *GRPCClient) TerminateTitle(ctx context.Context, titleID uint64, timeout time.Duration) error {
	return c.call(ctx, "TerminateTitle", timeoutBody(timeout, map[string]any{"title_id": program.FormatTitleID(titleID)}), nil)
}

func (c *GRPCClient) TerminateProcess(ctx context.Context, pid uint32, timeout time.Duration) error {
	return c.call(ctx, "TerminateProcess", timeoutBody(timeout, map[string]any{"pid": pid}), nil)
}

func (c *GRPCClient) PrepareForReboot(ctx context.Context, callerPID uint32, timeout time.Duration) error {
	return c.call(ctx, "PrepareForReboot", timeoutBody(timeout, map[string]any{"caller_pid": callerPID}), nil)
}

// ProgramFlags is what GetProgramFlags reports.
type ProgramFlags struct {
	Core      program.CoreInfo    `json:"core"`
	Flags     program.SystemFlags `json:"flags"`
	FlagNames []string            `json:"flag_names"`
}

func (c *GRPCClient) GetProgramFlags(ctx context.Context, prog program.Info) (ProgramFlags, error) {
	body := map[string]any{}
	programBody(prog, "", body)
	var out ProgramFlags
	err := c.call(ctx, "GetProgramFlags", body, &out)
	return out, err
}

type wireProcess struct {
	PID           uint32    `json:"pid"`
	TitleID       string    `json:"title_id"`
	ProgramHandle uint64    `json:"program_handle"`
	Flags         []string  `json:"flags"`
	Status        string    `json:"status"`
	RefCount      uint8     `json:"refcount"`
	Foreground    bool      `json:"foreground"`
	DebugQueued   bool      `json:"debug_queued"`
	Created       time.Time `json:"created"`
}

func (w wireProcess) info() (types.ProcessInfo, error) {
	id, err := program.ParseTitleID(w.TitleID)
	if err != nil {
		return types.ProcessInfo{}, err
	}
	return types.ProcessInfo{
		PID:           w.PID,
		TitleID:       id,
		ProgramHandle: w.ProgramHandle,
		Flags:         w.Flags,
		Status:        w.Status,
		RefCount:      w.RefCount,
		Foreground:    w.Foreground,
		DebugQueued:   w.DebugQueued,
		Created:       w.Created,
	}, nil
}

func (c *GRPCClient) ListProcesses(ctx context.Context) ([]types.ProcessInfo, error) {
	var out struct {
		Processes []wireProcess `json:"processes"`
	}
	if err := c.call(ctx, "ListProcesses", nil, &out); err != nil {
		return nil, err
	}
	procs := make([]types.ProcessInfo, 0, len(out.Processes))
	for _, w := range out.Processes {
		p, err := w.info()
		if err != nil {
			return nil, err
		}
		procs = append(procs, p)
	}
	return procs, nil
}

// Foreground returns the foreground application; ok is false when none runs.
func (c *GRPCClient) Foreground(ctx context.Context) (info types.ProcessInfo, ok bool, err error) {
	var out struct {
		Running bool        `json:"running"`
		Process wireProcess `json:"process"`
	}
	if err := c.call(ctx, "Foreground", nil, &out); err != nil {
		return types.ProcessInfo{}, false, err
	}
	if !out.Running {
		return types.ProcessInfo{}, false, nil
	}
	info, err = out.Process.info()
	return info, err == nil, err
}

type wireEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	PID       uint32         `json:"pid"`
	TitleID   string         `json:"title_id"`
	Result    string         `json:"result"`
	Fields    map[string]any `json:"fields"`
}

func (w wireEvent) event() (types.Event, error) {
	ev := types.Event{ID: w.ID, Timestamp: w.Timestamp, Type: w.Type, PID: w.PID, Fields: w.Fields}
	if w.TitleID != "" {
		id, err := program.ParseTitleID(w.TitleID)
		if err != nil {
			return ev, err
		}
		ev.TitleID = id
	}
	if w.Result != "" {
		r, err := strconv.ParseUint(w.Result, 0, 32)
		if err != nil {
			return ev, fmt.Errorf("parse result %q: %w", w.Result, err)
		}
		ev.Result = uint32(r)
	}
	return ev, nil
}

func (c *GRPCClient) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	body := map[string]any{}
	if len(q.Types) > 0 {
		body["types"] = strings.Join(q.Types, ",")
	}
	if q.PID != nil {
		body["pid"] = *q.PID
	}
	if q.TitleID != nil {
		body["title_id"] = program.FormatTitleID(*q.TitleID)
	}
	if q.Since != nil {
		body["since"] = q.Since.Format(time.RFC3339Nano)
	}
	if q.Until != nil {
		body["until"] = q.Until.Format(time.RFC3339Nano)
	}
	if q.Limit > 0 {
		body["limit"] = q.Limit
	}
	if q.Offset > 0 {
		body["offset"] = q.Offset
	}
	if q.Asc {
		body["order"] = "asc"
	}
	var out struct {
		Events []wireEvent `json:"events"`
	}
	if err := c.call(ctx, "QueryEvents", body, &out); err != nil {
		return nil, err
	}
	evs := make([]types.Event, 0, len(out.Events))
	for _, w := range out.Events {
		ev, err := w.event()
		if err != nil {
			return nil, err
		}
		evs = append(evs, ev)
	}
	return evs, nil
}

// TailEvents streams live events of topic to fn until ctx is done, the
// server ends the stream or fn returns an error.
func (c *GRPCClient) TailEvents(ctx context.Context, topic string, fn func(types.Event) error) error {
	in, err := jsonToStruct(map[string]any{"topic": topic})
	if err != nil {
		return err
	}
	stream, err := c.newServerStream(ctx, methodPrefix+"EventsTail", in)
	if err != nil {
		return wrapError(err, nil)
	}
	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return wrapError(err, nil)
		}
		if _, ready := msg.Fields["event"]; ready {
			continue
		}
		var w wireEvent
		if err := decodeStruct(msg, &w); err != nil {
			return err
		}
		ev, err := w.event()
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *GRPCClient) call(ctx context.Context, method string, body map[string]any, out any) error {
	if body == nil {
		body = map[string]any{}
	}
	in, err := jsonToStruct(body)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := c.invokeUnary(ctx, methodPrefix+method, in, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeStruct(resp, out)
}

func (c *GRPCClient) invokeUnary(ctx context.Context, method string, in *structpb.Struct, out *structpb.Struct) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("grpc client not initialized")
	}
	var trailer metadata.MD
	if err := c.conn.Invoke(ctx, method, in, out, grpc.Trailer(&trailer)); err != nil {
		return wrapError(err, trailer)
	}
	return nil
}

func (c *GRPCClient) newServerStream(ctx context.Context, method string, in *structpb.Struct) (grpc.ClientStream, error) {
	if c == nil || c.conn == nil {
		return nil, fmt.Errorf("grpc client not initialized")
	}
	desc := &grpc.StreamDesc{ServerStreams: true, ClientStreams: false}
	cs, err := c.conn.NewStream(ctx, desc, method)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(in); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return cs, nil
}

// wrapError turns a status error into *Error, picking the result code from
// the trailer.
func wrapError(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	e := &Error{Code: st.Code(), Message: st.Message()}
	if vals := trailer.Get(api.ResultMetadataKey); len(vals) > 0 {
		if v, perr := strconv.ParseUint(vals[0], 0, 32); perr == nil {
			e.Result = result.Code(v)
		}
	}
	return e
}

func jsonToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeStruct(in *structpb.Struct, out any) error {
	b, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
