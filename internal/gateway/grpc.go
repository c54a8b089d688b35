// ABOUTME: BridgeControl gRPC service for starting, stopping and inspecting the bridge
// ABOUTME: Uses well-known protobuf types so no generated code is needed

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/toolgate/internal/bridge"
)

// BridgeControlService is the full gRPC service name.
const BridgeControlService = "toolgate.v1.BridgeControl"

// BridgeControlServer is the server API for the BridgeControl service.
// Every method returns the bridge status as a Struct shaped like the
// /api/bridge/status JSON body, plus "failed" when endpoints did not start.
type BridgeControlServer interface {
	Start(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Stop(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Restart(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// controller is the slice of the bridge the service drives.
type controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() bridge.Status
}

// bridgeControlServer implements BridgeControlServer.
type bridgeControlServer struct {
	bridge controller
	logger *slog.Logger
}

func newBridgeControlServer(b controller, logger *slog.Logger) *bridgeControlServer {
	return &bridgeControlServer{bridge: b, logger: logger}
}

func (s *bridgeControlServer) Start(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.result(s.bridge.Start(ctx))
}

func (s *bridgeControlServer) Stop(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.result(s.bridge.Stop(ctx))
}

func (s *bridgeControlServer) Restart(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.result(s.bridge.Restart(ctx))
}

func (s *bridgeControlServer) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return s.result(nil)
}

func (s *bridgeControlServer) result(err error) (*structpb.Struct, error) {
	resp := BridgeResponse{Status: s.bridge.Status()}
	var startErr *bridge.StartError
	switch {
	case err == nil:
	case errors.As(err, &startErr):
		for _, f := range startErr.Failed {
			resp.Failed = append(resp.Failed, FailedEndpoint{ServerID: f.ServerID, Name: f.Name, Error: f.Err.Error()})
		}
	default:
		s.logger.Error("bridge control failed", "error", err)
		return nil, status.Error(codes.Internal, "bridge control failed")
	}

	out, err := toStruct(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding status: %v", err)
	}
	return out, nil
}

// toStruct converts a JSON-encodable value to a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func unaryHandler(method string, call func(BridgeControlServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + BridgeControlService + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(emptypb.Empty)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(BridgeControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(BridgeControlServer), ctx, req.(*emptypb.Empty))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var bridgeControlServiceDesc = grpc.ServiceDesc{
	ServiceName: BridgeControlService,
	HandlerType: (*BridgeControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Start", BridgeControlServer.Start),
		unaryHandler("Stop", BridgeControlServer.Stop),
		unaryHandler("Restart", BridgeControlServer.Restart),
		unaryHandler("Status", BridgeControlServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "toolgate/v1/bridge_control.proto",
}

func registerBridgeControl(s grpc.ServiceRegistrar, srv BridgeControlServer) {
	s.RegisterService(&bridgeControlServiceDesc, srv)
}

// BridgeControlClient calls the BridgeControl service.
type BridgeControlClient struct {
	cc grpc.ClientConnInterface
}

// NewBridgeControlClient creates a client on an existing connection.
func NewBridgeControlClient(cc grpc.ClientConnInterface) *BridgeControlClient {
	return &BridgeControlClient{cc: cc}
}

// Call invokes method ("Start", "Stop", "Restart" or "Status") and returns
// the status struct as plain Go values.
func (c *BridgeControlClient) Call(ctx context.Context, method string, opts ...grpc.CallOption) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+BridgeControlService+"/"+method, new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
