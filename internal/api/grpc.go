package api

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pmd/pmd/internal/events"
	"github.com/pmd/pmd/internal/result"
)

// GRPCServiceName is the fully qualified control service name.
const GRPCServiceName = grpcServiceName

const (
	grpcServiceName                = "pmd.v1.ProcessManager"
	grpcMethodLaunchTitle          = "/pmd.v1.ProcessManager/LaunchTitle"
	grpcMethodLaunchTitleUpdate    = "/pmd.v1.ProcessManager/LaunchTitleUpdate"
	grpcMethodLaunchApp            = "/pmd.v1.ProcessManager/LaunchApp"
	grpcMethodLaunchAppDebug       = "/pmd.v1.ProcessManager/LaunchAppDebug"
	grpcMethodRunQueuedProcess     = "/pmd.v1.ProcessManager/RunQueuedProcess"
	grpcMethodGetAppCPUTimeLimit   = "/pmd.v1.ProcessManager/GetAppCPUTimeLimit"
	grpcMethodSetAppCPUTimeLimit   = "/pmd.v1.ProcessManager/SetAppCPUTimeLimit"
	grpcMethodUnregisterProcess    = "/pmd.v1.ProcessManager/UnregisterProcess"
	grpcMethodTerminateApplication = "/pmd.v1.ProcessManager/TerminateApplication"
	grpcMethodTerminateTitle       = "/pmd.v1.ProcessManager/TerminateTitle"
	grpcMethodTerminateProcess     = "/pmd.v1.ProcessManager/TerminateProcess"
	grpcMethodPrepareForReboot     = "/pmd.v1.ProcessManager/PrepareForReboot"
	grpcMethodGetProgramFlags      = "/pmd.v1.ProcessManager/GetProgramFlags"
	grpcMethodListProcesses        = "/pmd.v1.ProcessManager/ListProcesses"
	grpcMethodForeground           = "/pmd.v1.ProcessManager/Foreground"
	grpcMethodQueryEvents          = "/pmd.v1.ProcessManager/QueryEvents"
	grpcMethodEventsTail           = "/pmd.v1.ProcessManager/EventsTail"

	// ResultMetadataKey carries the wire result code of a failed call in the
	// response trailer.
	ResultMetadataKey = "pmd-result"
)

type grpcServer struct {
	app *App
}

type ProcessManagerGRPCServer interface {
	// Launch
	LaunchTitle(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LaunchTitleUpdate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LaunchApp(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LaunchAppDebug(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunQueuedProcess(context.Context, *structpb.Struct) (*structpb.Struct, error)

	// CPU time
	GetAppCPUTimeLimit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetAppCPUTimeLimit(context.Context, *structpb.Struct) (*structpb.Struct, error)

	// Termination
	UnregisterProcess(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TerminateApplication(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TerminateTitle(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TerminateProcess(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PrepareForReboot(context.Context, *structpb.Struct) (*structpb.Struct, error)

	// Queries
	GetProgramFlags(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListProcesses(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Foreground(context.Context, *structpb.Struct) (*structpb.Struct, error)

	// Events
	QueryEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EventsTail(*structpb.Struct, grpc.ServerStream) error
}

func RegisterGRPC(s *grpc.Server, app *App) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: grpcServiceName,
		HandlerType: (*ProcessManagerGRPCServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "LaunchTitle", Handler: grpcUnaryHandler(grpcMethodLaunchTitle, (*grpcServer).LaunchTitle)},
			{MethodName: "LaunchTitleUpdate", Handler: grpcUnaryHandler(grpcMethodLaunchTitleUpdate, (*grpcServer).LaunchTitleUpdate)},
			{MethodName: "LaunchApp", Handler: grpcUnaryHandler(grpcMethodLaunchApp, (*grpcServer).LaunchApp)},
			{MethodName: "LaunchAppDebug", Handler: grpcUnaryHandler(grpcMethodLaunchAppDebug, (*grpcServer).LaunchAppDebug)},
			{MethodName: "RunQueuedProcess", Handler: grpcUnaryHandler(grpcMethodRunQueuedProcess, (*grpcServer).RunQueuedProcess)},
			{MethodName: "GetAppCPUTimeLimit", Handler: grpcUnaryHandler(grpcMethodGetAppCPUTimeLimit, (*grpcServer).GetAppCPUTimeLimit)},
			{MethodName: "SetAppCPUTimeLimit", Handler: grpcUnaryHandler(grpcMethodSetAppCPUTimeLimit, (*grpcServer).SetAppCPUTimeLimit)},
			{MethodName: "UnregisterProcess", Handler: grpcUnaryHandler(grpcMethodUnregisterProcess, (*grpcServer).UnregisterProcess)},
			{MethodName: "TerminateApplication", Handler: grpcUnaryHandler(grpcMethodTerminateApplication, (*grpcServer).TerminateApplication)},
			{MethodName: "TerminateTitle", Handler: grpcUnaryHandler(grpcMethodTerminateTitle, (*grpcServer).TerminateTitle)},
			{MethodName: "TerminateProcess", Handler: grpcUnaryHandler(grpcMethodTerminateProcess, (*grpcServer).TerminateProcess)},
			{MethodName: "PrepareForReboot", Handler: grpcUnaryHandler(grpcMethodPrepareForReboot, (*grpcServer).PrepareForReboot)},
			{MethodName: "GetProgramFlags", Handler: grpcUnaryHandler(grpcMethodGetProgramFlags, (*grpcServer).GetProgramFlags)},
			{MethodName: "ListProcesses", Handler: grpcUnaryHandler(grpcMethodListProcesses, (*grpcServer).ListProcesses)},
			{MethodName: "Foreground", Handler: grpcUnaryHandler(grpcMethodForeground, (*grpcServer).Foreground)},
			{MethodName: "QueryEvents", Handler: grpcUnaryHandler(grpcMethodQueryEvents, (*grpcServer).QueryEvents)},
		},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "EventsTail",
				Handler:       grpcHandleEventsTail,
				ServerStreams: true,
			},
		},
		Metadata: "proto/pmd/v1/pmd.proto",
	}, &grpcServer{app: app})
}

func grpcHandleEventsTail(srv any, stream grpc.ServerStream) error {
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*grpcServer).EventsTail(in, stream)
}

// grpcUnaryHandler creates a standard unary handler for a given method.
func grpcUnaryHandler(method string, fn func(*grpcServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		base := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(*grpcServer), ctx, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return base(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, base)
	}
}

func (s *grpcServer) call(ctx context.Context, name string, in *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.app == nil {
		return nil, status.Error(codes.Internal, "server not initialized")
	}
	out, err := s.app.Execute(ctx, name, in.AsMap())
	if err != nil {
		return nil, grpcError(ctx, err)
	}
	return jsonToProto(out)
}

func (s *grpcServer) LaunchTitle(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, "launch_title", in)
}

func (s *grpcServer) LaunchTitleUpdate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, "launch_title_update", in)
}

func (s *grpcServer) LaunchApp(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, "launch_app", in)
}

func (s *grpcServer) LaunchAppDebug(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, "launch_app_debug", in)
}

func (s *grpcServer) RunQueuedProcess(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, "run_queued_process", in)
}

func (s *grpcServer) GetAppCPUTimeLimit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, "get_app_cpu_time_limit", in)
}

func (s *grpcServer) SetAppCPUTimeLimit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, "set_app_cpu_time_limit", in)
}

func (s *grpcServer) UnregisterProcess(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, "unregister_process", in)
}

func (s *grpcServer) TerminateApplication(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, "terminate_application", in)
}

func (s *grpcServer) TerminateTitle(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, "terminate_title", in)
}

func (s *grpcServer) TerminateProcess(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, "terminate_process", in)
}

func (s *grpcServer) PrepareForReboot(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, "prepare_for_reboot", in)
}

func (s *grpcServer) GetProgramFlags(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, "get_program_flags", in)
}

func (s *grpcServer) ListProcesses(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, "list_processes", in)
}

func (s *grpcServer) Foreground(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, "foreground", in)
}

func (s *grpcServer) QueryEvents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.call(ctx, "query_events", in)
}

// EventsTail streams live events of a topic (an event type, a category or
// "*"). The first message is {"event":"ready"}.
func (s *grpcServer) EventsTail(in *structpb.Struct, stream grpc.ServerStream) error {
	if s == nil || s.app == nil {
		return status.Error(codes.Internal, "server not initialized")
	}
	if s.app.broker == nil {
		return status.Error(codes.Unavailable, "event broker not configured")
	}
	topic, _ := in.AsMap()["topic"].(string)
	if topic == "" {
		topic = events.AllTopics
	}
	if !events.ValidTopic(topic) {
		return status.Errorf(codes.InvalidArgument, "unknown topic %q", topic)
	}

	ch := s.app.broker.Subscribe(topic, 200)
	defer s.app.broker.Unsubscribe(topic, ch)

	ready := &structpb.Struct{}
	_ = protojson.Unmarshal([]byte(`{"event":"ready"}`), ready)
	if err := stream.SendMsg(ready); err != nil {
		return err
	}

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			out, err := jsonToProto(newEventView(ev))
			if err != nil {
				return err
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

// grpcError maps err onto a status and reports its result code in the
// trailer.
func grpcError(ctx context.Context, err error) error {
	code := result.FromError(err, 0)
	if code != result.Success {
		_ = grpc.SetTrailer(ctx, metadata.Pairs(ResultMetadataKey, formatResult(uint32(code))))
	}
	return status.Error(grpcCode(code, err), err.Error())
}

func grpcCode(code result.Code, err error) codes.Code {
	switch code {
	case result.ErrInvalidCommand:
		return codes.InvalidArgument
	case result.ErrProcessNotFound:
		return codes.NotFound
	case result.ErrAlreadyRunning, result.ErrDebugAlreadyQueued:
		return codes.AlreadyExists
	case result.ErrPreparingForReboot, result.ErrRequireBatchUpdate, result.ErrDebugNotQueued, result.ErrIncompatibleKernel:
		return codes.FailedPrecondition
	case result.ErrInvalidCPUTime:
		return codes.OutOfRange
	case result.ErrOutOfSessions:
		return codes.ResourceExhausted
	}
	switch {
	case errors.Is(err, errNoJournal):
		return codes.Unimplemented
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Internal
}

// jsonToProto converts any JSON-serializable value to structpb.Struct.
func jsonToProto(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "marshal response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, "marshal response")
	}
	return out, nil
}
