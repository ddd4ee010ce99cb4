// Package rpc serves the chat orchestrator over gRPC. Messages are the same
// JSON objects the HTTP API uses, framed by gRPC.
package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/abdhe/mirage/pkg/chat"
	"github.com/abdhe/mirage/pkg/stream"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mirage.v1.ChatService"

const (
	chatMethod       = "/" + ServiceName + "/Chat"
	chatStreamMethod = "/" + ServiceName + "/ChatStream"
)

// ChatServer is the server API for ChatService.
type ChatServer interface {
	Chat(context.Context, *chat.Request) (*chat.Result, error)
	ChatStream(*chat.Request, ChatStreamServer) error
}

// ChatStreamServer is the server side of a ChatStream call.
type ChatStreamServer interface {
	Send(*stream.Event) error
	grpc.ServerStream
}

type chatStreamServer struct {
	grpc.ServerStream
}

func (x *chatStreamServer) Send(m *stream.Event) error {
	return x.ServerStream.SendMsg(m)
}

func chatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(chat.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChatServer).Chat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: chatMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChatServer).Chat(ctx, req.(*chat.Request))
	}
	return interceptor(ctx, in, info, handler)
}

func chatStreamHandler(srv any, s grpc.ServerStream) error {
	m := new(chat.Request)
	if err := s.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ChatServer).ChatStream(m, &chatStreamServer{s})
}

// ChatServiceDesc describes ChatService for grpc.Server.RegisterService.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Chat",
			Handler:    chatHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ChatStream",
			Handler:       chatStreamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "mirage/v1/chat",
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ChatServiceDesc, srv)
}

// Client is the client API for ChatService.
type Client struct {
	cc   grpc.ClientConnInterface
	opts []grpc.CallOption
}

// NewClient wraps cc. Every call is sent with the JSON codec.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc, opts: []grpc.CallOption{grpc.ForceCodec(jsonCodec{})}}
}

// Chat runs a unary turn.
func (c *Client) Chat(ctx context.Context, in *chat.Request, opts ...grpc.CallOption) (*chat.Result, error) {
	out := new(chat.Result)
	if err := c.cc.Invoke(ctx, chatMethod, in, out, append(c.opts, opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

// ChatStreamClient receives the events of a ChatStream call.
type ChatStreamClient interface {
	Recv() (*stream.Event, error)
	grpc.ClientStream
}

type chatStreamClient struct {
	grpc.ClientStream
}

func (x *chatStreamClient) Recv() (*stream.Event, error) {
	m := new(stream.Event)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ChatStream runs a streaming turn.
func (c *Client) ChatStream(ctx context.Context, in *chat.Request, opts ...grpc.CallOption) (ChatStreamClient, error) {
	s, err := c.cc.NewStream(ctx, &ChatServiceDesc.Streams[0], chatStreamMethod, append(c.opts, opts...)...)
	if err != nil {
		return nil, err
	}
	x := &chatStreamClient{s}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
