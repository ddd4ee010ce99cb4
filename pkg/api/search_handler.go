package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/abdhe/mirage/pkg/orchestrator"
	"github.com/abdhe/mirage/pkg/search"
)

// SearchHandler exposes the web search chain directly.
type SearchHandler struct {
	searcher orchestrator.Searcher
	logger   *zap.Logger
}

// NewSearchHandler creates a new search handler.
func NewSearchHandler(searcher orchestrator.Searcher, logger *zap.Logger) *SearchHandler {
	return &SearchHandler{searcher: searcher, logger: logger}
}

// RegisterRoutes registers search routes.
func (h *SearchHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("", h.Search)
	r.POST("/stream", h.SearchStream)
}

type searchRequest struct {
	Query string `json:"query"`
}

func (h *SearchHandler) bind(c *gin.Context) (string, bool) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Search query is required"})
		return "", false
	}
	return req.Query, true
}

// Search runs the chain and returns its outcome.
func (h *SearchHandler) Search(c *gin.Context) {
	query, ok := h.bind(c)
	if !ok {
		return
	}

	out := h.searcher.Search(c.Request.Context(), query)
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"query":      query,
		"results":    out.Results,
		"searchInfo": out.Info,
		"provider":   out.Provider,
	})
}

// SearchStream runs the chain and streams its progress as server-sent
// events, ending with search_complete.
func (h *SearchHandler) SearchStream(c *gin.Context) {
	query, ok := h.bind(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	progress := make(chan search.Progress, 16)
	go func() {
		defer close(progress)
		h.searcher.SearchWithProgress(ctx, query, func(p search.Progress) {
			select {
			case progress <- p:
			case <-ctx.Done():
			}
		})
	}()

	setSSEHeaders(c)
	c.Status(http.StatusOK)
	c.Stream(func(w io.Writer) bool {
		p, ok := <-progress
		if !ok {
			return false
		}
		if err := writeSSE(w, p); err != nil {
			h.logger.Warn("failed to write search progress", zap.Error(err))
			return false
		}
		return true
	})
}
