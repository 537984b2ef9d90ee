package grpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Fully qualified names of the admin service and its methods.
const (
	ServiceName        = "showsync.admin.v1.StateAdmin"
	GetRoomStateMethod = "/" + ServiceName + "/GetRoomState"
	WatchRoomMethod    = "/" + ServiceName + "/WatchRoom"
)

// StateAdminServer is implemented by Service. Requests and responses are
// google.protobuf.Struct documents so no generated code is required.
type StateAdminServer interface {
	GetRoomState(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	WatchRoom(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

// ServiceDesc describes StateAdmin for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StateAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetRoomState", Handler: getRoomStateHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchRoom", Handler: watchRoomHandler, ServerStreams: true},
	},
	Metadata: "showsync/admin/v1/state_admin.proto",
}

// RegisterStateAdminServer attaches srv to registrar.
func RegisterStateAdminServer(registrar grpc.ServiceRegistrar, srv StateAdminServer) {
	registrar.RegisterService(&ServiceDesc, srv)
}

func getRoomStateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StateAdminServer).GetRoomState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetRoomStateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StateAdminServer).GetRoomState(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchRoomHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(StateAdminServer).WatchRoom(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// AdminClient calls StateAdmin over an established connection.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

// NewAdminClient wraps cc.
func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

// GetRoomState returns the converged state document for roomID.
func (c *AdminClient) GetRoomState(ctx context.Context, roomID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{"roomId": roomID})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetRoomStateMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchRoom opens a stream of entry documents for roomID.
func (c *AdminClient) WatchRoom(ctx context.Context, roomID string, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	req, err := structpb.NewStruct(map[string]any{"roomId": roomID})
	if err != nil {
		return nil, err
	}
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], WatchRoomMethod, opts...)
	if err != nil {
		return nil, err
	}
	client := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	//1.- io.EOF means the server already ended the stream; Recv reports the status.
	if err := client.SendMsg(req); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := client.CloseSend(); err != nil {
		return nil, err
	}
	return client, nil
}
