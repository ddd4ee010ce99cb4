package rpc

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/abdhe/mirage/pkg/chat"
	"github.com/abdhe/mirage/pkg/stream"
)

// ChatService is the orchestrator surface served over gRPC.
type ChatService interface {
	Chat(ctx context.Context, req chat.Request) (chat.Result, error)
	ChatStream(ctx context.Context, req chat.Request) (<-chan stream.Event, error)
}

// Handler implements ChatServer on top of a ChatService.
type Handler struct {
	service ChatService
	logger  *zap.Logger
}

// NewHandler creates a new gRPC handler.
func NewHandler(service ChatService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger.Named("grpc")}
}

// Chat handles a unary turn.
func (h *Handler) Chat(ctx context.Context, req *chat.Request) (*chat.Result, error) {
	res, err := h.service.Chat(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

// ChatStream handles a streaming turn.
func (h *Handler) ChatStream(req *chat.Request, s ChatStreamServer) error {
	events, err := h.service.ChatStream(s.Context(), *req)
	if err != nil {
		return toStatus(err)
	}

	for ev := range events {
		if err := s.Send(&ev); err != nil {
			h.logger.Debug("stream client went away", zap.Error(err))
			return err
		}
	}
	return nil
}

func toStatus(err error) error {
	if errors.Is(err, chat.ErrInvalidRequest) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, chat.ErrInternal.Error())
}

// NewServer builds a gRPC server with the JSON codec and logging
// interceptors, with h registered.
func NewServer(h *Handler, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.MaxRecvMsgSize(4 * 1024 * 1024),  // 4MB
		grpc.MaxSendMsgSize(16 * 1024 * 1024), // 16MB
		grpc.ChainUnaryInterceptor(unaryLogger(h.logger)),
		grpc.ChainStreamInterceptor(streamLogger(h.logger)),
	}, opts...)

	s := grpc.NewServer(opts...)
	RegisterChatServer(s, h)
	return s
}

func unaryLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("rpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}

func streamLogger(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logger.Info("rpc stream",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return err
	}
}
