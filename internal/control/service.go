// ============================================================================
// Device Cache Control Service
// ============================================================================
//
// Package: internal/control
// File: service.go
//
// Every executor serves a small gRPC service so a driver can mark or evict
// a dataset on all executors at once:
//
//   /gpuoffload.control.v1.DeviceCache/MarkCacheable  StringValue -> Empty
//   /gpuoffload.control.v1.DeviceCache/Evict          StringValue -> Empty
//   /gpuoffload.control.v1.DeviceCache/Stats          Empty -> Struct
//
// Requests carry the hex plan identity. Messages are protobuf well-known
// types, so no generated code is needed.
//
// ============================================================================

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/ChuLiYu/gpu-offload/internal/devcache"
	"github.com/ChuLiYu/gpu-offload/internal/engine"
	"github.com/ChuLiYu/gpu-offload/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var log = slog.Default()

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gpuoffload.control.v1.DeviceCache"

const (
	markMethod  = "/" + ServiceName + "/MarkCacheable"
	evictMethod = "/" + ServiceName + "/Evict"
	statsMethod = "/" + ServiceName + "/Stats"
)

// Backend is the executor side of the service.
type Backend interface {
	MarkCacheable(id types.PlanIdentity) error
	Evict(id types.PlanIdentity)
	GetStatus() engine.Status
}

// DeviceCacheServer is the server API of the control service.
type DeviceCacheServer interface {
	MarkCacheable(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Evict(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// Server implements DeviceCacheServer over a Backend.
type Server struct {
	backend Backend
}

// NewServer creates a control server for backend.
func NewServer(backend Backend) *Server {
	return &Server{backend: backend}
}

func parseID(req *wrapperspb.StringValue) (types.PlanIdentity, error) {
	id, err := types.ParsePlanIdentity(req.GetValue())
	if err != nil {
		return id, status.Error(codes.InvalidArgument, err.Error())
	}
	return id, nil
}

// MarkCacheable marks the requested plan cache-eligible.
func (s *Server) MarkCacheable(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	id, err := parseID(req)
	if err != nil {
		return nil, err
	}
	if err := s.backend.MarkCacheable(id); err != nil {
		if errors.Is(err, devcache.ErrClosed) {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	log.Info("Plan marked cacheable", "plan", id.Short())
	return &emptypb.Empty{}, nil
}

// Evict releases the requested plan's buffers.
func (s *Server) Evict(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	id, err := parseID(req)
	if err != nil {
		return nil, err
	}
	s.backend.Evict(id)
	log.Info("Plan evicted", "plan", id.Short())
	return &emptypb.Empty{}, nil
}

// Stats reports the executor's cache and device counters.
func (s *Server) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.backend.GetStatus()
	out, err := structpb.NewStruct(map[string]any{
		"uptime_seconds":   st.Uptime.Seconds(),
		"workers":          st.Workers,
		"cacheable_plans":  st.Cache.CacheablePlans,
		"partitions":       st.Cache.Partitions,
		"resident_buffers": st.Cache.ResidentBuffers,
		"pinned_buffers":   st.Cache.PinnedBuffers,
		"device_buffers":   st.Device.Buffers,
		"device_bytes":     st.Device.UsedBytes,
		"uploads":          st.Device.Uploads,
		"downloads":        st.Device.Downloads,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func unaryHandler[Req any](call func(DeviceCacheServer, context.Context, *Req) (any, error), method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		impl := srv.(DeviceCacheServer)
		if interceptor == nil {
			return call(impl, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(impl, ctx, req.(*Req))
		})
	}
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DeviceCacheServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "MarkCacheable",
			Handler: unaryHandler(func(s DeviceCacheServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
				return s.MarkCacheable(ctx, in)
			}, markMethod),
		},
		{
			MethodName: "Evict",
			Handler: unaryHandler(func(s DeviceCacheServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
				return s.Evict(ctx, in)
			}, evictMethod),
		},
		{
			MethodName: "Stats",
			Handler: unaryHandler(func(s DeviceCacheServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.Stats(ctx, in)
			}, statsMethod),
		},
	},
	Metadata: "gpuoffload/control/v1/device_cache.proto",
}

// Register adds the control service for backend to s.
func Register(s *grpc.Server, backend Backend) {
	s.RegisterService(&ServiceDesc, NewServer(backend))
}

// Serve listens on addr and serves the control service until ctx is done.
func Serve(ctx context.Context, addr string, backend Backend) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	Register(srv, backend)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	log.Info("Control service listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
