// Package hedgepb is the gRPC client/server scaffolding for the
// HedgeFeed service defined in proto/hedge/hedgefeed.proto, hand-written
// in protoc-gen-go-grpc's own generated shape (ServiceDesc + stream
// wrapper types) rather than checked in as protoc output. The wire
// messages are google.protobuf.Struct/Empty, both well-known types the
// protobuf runtime already ships compiled, so this package needs no
// generated message descriptors of its own.
//
// Grounded on the teacher's internal/strategy/grpc_client.go, whose
// pb.StrategyServiceClient/OnTick direction this adapts from
// "client calls out to a Python worker" to "server streams fills to an
// out-of-process hedger" (SPEC_FULL §2/K).
package hedgepb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// HedgeFeedServer is the service this execution core implements;
// internal/hedge.Bridge satisfies it.
type HedgeFeedServer interface {
	Stream(*emptypb.Empty, HedgeFeed_StreamServer) error
}

// UnimplementedHedgeFeedServer can be embedded for forward compatibility.
type UnimplementedHedgeFeedServer struct{}

func (UnimplementedHedgeFeedServer) Stream(*emptypb.Empty, HedgeFeed_StreamServer) error {
	return status.Errorf(codes.Unimplemented, "method Stream not implemented")
}

// HedgeFeed_StreamServer is the server-side handle for one subscriber's
// stream.
type HedgeFeed_StreamServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type hedgeFeedStreamServer struct {
	grpc.ServerStream
}

func (x *hedgeFeedStreamServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func _HedgeFeed_Stream_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(HedgeFeedServer).Stream(m, &hedgeFeedStreamServer{stream})
}

// HedgeFeed_ServiceDesc is the service descriptor grpc.Server.RegisterService
// consumes, in the exact shape protoc-gen-go-grpc emits.
var HedgeFeed_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "hedge.HedgeFeed",
	HandlerType: (*HedgeFeedServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _HedgeFeed_Stream_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "hedge/hedgefeed.proto",
}

// RegisterHedgeFeedServer registers srv on s.
func RegisterHedgeFeedServer(s grpc.ServiceRegistrar, srv HedgeFeedServer) {
	s.RegisterService(&HedgeFeed_ServiceDesc, srv)
}

// HedgeFeedClient is the hedger-side stub. internal/hedge's tests use it
// against an in-memory bufconn listener; the real out-of-process hedger
// generates its own equivalent from proto/hedge/hedgefeed.proto.
type HedgeFeedClient interface {
	Stream(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (HedgeFeed_StreamClient, error)
}

type hedgeFeedClient struct {
	cc grpc.ClientConnInterface
}

// NewHedgeFeedClient constructs a client over an existing connection.
func NewHedgeFeedClient(cc grpc.ClientConnInterface) HedgeFeedClient {
	return &hedgeFeedClient{cc: cc}
}

func (c *hedgeFeedClient) Stream(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (HedgeFeed_StreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &HedgeFeed_ServiceDesc.Streams[0], "/hedge.HedgeFeed/Stream", opts...)
	if err != nil {
		return nil, err
	}
	x := &hedgeFeedStreamClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// HedgeFeed_StreamClient is the client-side handle for the stream.
type HedgeFeed_StreamClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type hedgeFeedStreamClient struct {
	grpc.ClientStream
}

func (x *hedgeFeedStreamClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
