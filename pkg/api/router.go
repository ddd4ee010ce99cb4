// Package api exposes the chat orchestrator and the web search chain over
// HTTP: JSON, server-sent events and WebSocket.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/abdhe/mirage/pkg/chat"
	"github.com/abdhe/mirage/pkg/orchestrator"
	"github.com/abdhe/mirage/pkg/stream"
)

// ChatService is the orchestrator surface the handlers need.
type ChatService interface {
	Chat(ctx context.Context, req chat.Request) (chat.Result, error)
	ChatStream(ctx context.Context, req chat.Request) (<-chan stream.Event, error)
	Compare(ctx context.Context, req chat.Request, models []string) ([]chat.Result, error)
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	AllowOrigins  []string
	CompareModels []string // used when a compare request names no models
	Logger        *zap.Logger
}

// SetupRouter sets up the Gin router.
func SetupRouter(chatService ChatService, searcher orchestrator.Searcher, cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(AccessLog(logger))
	r.Use(cors.New(corsConfig(cfg.AllowOrigins)))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	chatHandler := NewChatHandler(chatService, cfg.CompareModels, cfg.AllowOrigins, logger)
	chatHandler.RegisterRoutes(r.Group("/api/chat"))

	searchHandler := NewSearchHandler(searcher, logger)
	searchHandler.RegisterRoutes(r.Group("/api/websearch"))

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || allowsAll(origins) {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func allowsAll(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
