package grpc_control

import (
	"context"
	"errors"
	"net"

	"market-feeder/src/logger"
	"market-feeder/src/server"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "marketfeeder.control.v1.Control"

// ControlServer is the operator-facing control surface. Payloads are
// google.protobuf.Struct so no generated stubs are needed.
type ControlServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListSessions(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListSubscriptions(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GCIdle(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ControlService implements ControlServer on top of a StatusReporter.
type ControlService struct {
	Reporter *server.StatusReporter
	Logger   *logger.Logger
}

func NewControlService(reporter *server.StatusReporter, log *logger.Logger) *ControlService {
	return &ControlService{
		Reporter: reporter,
		Logger:   log,
	}
}

// -----------------------------------------------------------------------------

// toStruct converts any JSON-encodable value through its JSON object form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "decode: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "struct: %v", err)
	}
	return s, nil
}

// -----------------------------------------------------------------------------

func (s *ControlService) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.Reporter.Status())
}

// -----------------------------------------------------------------------------

func (s *ControlService) ListSessions(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(map[string]any{"sessions": s.Reporter.Sessions()})
}

// -----------------------------------------------------------------------------

func (s *ControlService) ListSubscriptions(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.Reporter.Status()
	return toStruct(map[string]any{"feeds": st.Feeds, "channels": st.Channels})
}

// -----------------------------------------------------------------------------

func (s *ControlService) GCIdle(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	n := s.Reporter.GCIdle()
	s.Logger.Info("gRPC: GCIdle removed %d channels", n)
	return toStruct(map[string]any{"removed": n})
}

// -----------------------------------------------------------------------------
// Registration
// -----------------------------------------------------------------------------

func unaryHandler(call func(ControlServer, context.Context, *emptypb.Empty) (*structpb.Struct, error), method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: unaryHandler(ControlServer.Status, "Status")},
		{MethodName: "ListSessions", Handler: unaryHandler(ControlServer.ListSessions, "ListSessions")},
		{MethodName: "ListSubscriptions", Handler: unaryHandler(ControlServer.ListSubscriptions, "ListSubscriptions")},
		{MethodName: "GCIdle", Handler: unaryHandler(ControlServer.GCIdle, "GCIdle")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketfeeder/control/v1/control.proto",
}

func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

// -----------------------------------------------------------------------------
// Serving
// -----------------------------------------------------------------------------

// Serve runs a gRPC server with the control service on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener, svc ControlServer, log *logger.Logger, opts ...grpc.ServerOption) error {
	opts = append(opts, grpc.ChainUnaryInterceptor(loggingInterceptor(log)))
	gs := grpc.NewServer(opts...)
	RegisterControlServer(gs, svc)

	stop := context.AfterFunc(ctx, gs.GracefulStop)
	defer stop()

	log.Info("Starting gRPC control on %s", ln.Addr())
	if err := gs.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func loggingInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			log.Warning("gRPC %s failed: %v", info.FullMethod, err)
		} else {
			log.Debug("gRPC %s ok", info.FullMethod)
		}
		return resp, err
	}
}
