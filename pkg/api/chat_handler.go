package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abdhe/mirage/pkg/chat"
	"github.com/abdhe/mirage/pkg/orchestrator"
	"github.com/abdhe/mirage/pkg/stream"
)

// ChatHandler serves chat turns.
type ChatHandler struct {
	service       ChatService
	compareModels []string
	upgrader      websocket.Upgrader
	logger        *zap.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(service ChatService, compareModels, allowOrigins []string, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		service:       service,
		compareModels: compareModels,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowOrigins),
		},
		logger: logger,
	}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("", h.Chat)
	r.POST("/compare", h.Compare)
	r.GET("/ws", h.WebSocket)
}

// Chat answers one turn as JSON, or as server-sent events when the request
// sets stream.
func (h *ChatHandler) Chat(c *gin.Context) {
	var req chat.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, chat.Failure(chat.ErrInvalidRequest))
		return
	}

	if req.Stream {
		h.chatStream(c, req)
		return
	}

	res, err := h.service.Chat(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *ChatHandler) chatStream(c *gin.Context, req chat.Request) {
	events, err := h.service.ChatStream(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), chat.Failure(publicError(err)))
		return
	}

	setSSEHeaders(c)
	c.Status(http.StatusOK)
	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		if err := writeSSE(w, ev); err != nil {
			h.logger.Warn("failed to write event", zap.Error(err))
			return false
		}
		return !ev.Terminal()
	})
}

type compareRequest struct {
	Message      string    `json:"message"`
	Models       []string  `json:"models"`
	Mode         chat.Mode `json:"mode"`
	UseWebSearch *bool     `json:"useWebSearch"`
}

// Compare asks several models the same question concurrently.
func (h *ChatHandler) Compare(c *gin.Context) {
	var body compareRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, chat.Failure(chat.ErrInvalidRequest))
		return
	}

	req := chat.NewRequest(body.Message, "")
	if body.Mode != "" {
		req.Mode = body.Mode
	}
	if body.UseWebSearch != nil {
		req.UseWebSearch = *body.UseWebSearch
	}
	models := body.Models
	if len(models) == 0 {
		models = h.compareModels
	}

	results, err := h.service.Compare(c.Request.Context(), req, models)
	if err != nil {
		c.JSON(statusFor(err), chat.Failure(publicError(err)))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "results": results})
}

// WebSocket streams one turn over a WebSocket. The client sends a single
// request object and receives events until the terminal one.
func (h *ChatHandler) WebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var req chat.Request
	if err := conn.ReadJSON(&req); err != nil {
		conn.WriteJSON(stream.Error(chat.ErrInvalidRequest.Error()))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The client is not expected to send more; a read error means it left.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	events, err := h.service.ChatStream(ctx, req)
	if err != nil {
		conn.WriteJSON(stream.Error(publicError(err).Error()))
		return
	}

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			h.logger.Debug("websocket client went away", zap.Error(err))
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrInvalidRequest), errors.Is(err, orchestrator.ErrNoModels):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// publicError hides everything but the request errors from clients.
func publicError(err error) error {
	if statusFor(err) == http.StatusBadRequest {
		return err
	}
	return chat.ErrInternal
}

func originChecker(allowOrigins []string) func(*http.Request) bool {
	if len(allowOrigins) == 0 || allowsAll(allowOrigins) {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowOrigins {
			if o == origin {
				return true
			}
		}
		return false
	}
}
