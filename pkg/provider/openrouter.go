package provider

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const (
	openRouterBaseURL      = "https://openrouter.ai/api/v1"
	openRouterDefaultModel = "openai/gpt-oss-20b:free"
)

// DefaultOpenRouterModels maps the logical models routed to OpenRouter.
var DefaultOpenRouterModels = map[string]string{
	"gpt-5":    "deepseek/deepseek-r1:free",
	"claude-4": "z-ai/glm-4.5-air:free",
}

// OpenRouter implements Provider over OpenRouter's OpenAI-compatible API and
// streams real deltas over SSE.
type OpenRouter struct {
	backend
	api chatCompletions
}

// NewOpenRouter creates an OpenRouter adapter. Replies are labelled with the
// logical model id, e.g. "gpt-5 Response: ...".
func NewOpenRouter(cfg Config) *OpenRouter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = openRouterBaseURL
	}
	if cfg.Models == nil {
		cfg.Models = DefaultOpenRouterModels
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openRouterDefaultModel
	}
	headers := map[string]string{
		"HTTP-Referer": "http://localhost:3000",
		"X-Title":      "Mirage AI",
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	b := newBackend("openrouter", "", "OPENROUTER_API_KEY", cfg)
	return &OpenRouter{
		backend: b,
		api: chatCompletions{
			provider: "openrouter",
			client:   b.cfg.HTTPClient,
			url:      strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
			headers:  headers,
		},
	}
}

// Infer performs a unary completion.
func (o *OpenRouter) Infer(ctx context.Context, req Request) Reply {
	if !o.configured() {
		return o.simulate(ctx, req)
	}

	body := o.api.body(o.upstreamModel(req.ModelID), req.Prompt, o.cfg, false)

	var reply Reply
	err := o.call(ctx, func(ctx context.Context, apiKey string) error {
		r, err := o.api.complete(ctx, apiKey, body)
		if err != nil {
			return err
		}
		reply = r
		return nil
	})
	if err != nil {
		return o.degrade(ctx, req, err)
	}

	o.record(req, reply)
	return reply
}

// InferStream opens an SSE completion. If the stream cannot be opened the
// degraded reply is returned as a complete stream instead.
func (o *OpenRouter) InferStream(ctx context.Context, req Request) Stream {
	if !o.configured() {
		return Complete(o.simulate(ctx, req))
	}

	body := o.api.body(o.upstreamModel(req.ModelID), req.Prompt, o.cfg, true)

	var httpResp *http.Response
	err := o.call(ctx, func(ctx context.Context, apiKey string) error {
		r, err := o.api.post(ctx, apiKey, body)
		if err != nil {
			return err
		}
		httpResp = r
		return nil
	})
	if err != nil {
		return Complete(o.degrade(ctx, req, err))
	}

	o.logger.Debug("stream opened",
		zap.String("model", req.ModelID),
		zap.String("upstream_model", body.Model),
	)
	return Live(readSSE(ctx, o.name, httpResp.Body, o.logger, func(end StreamChunk, seen bool) {
		o.settle(req, end, seen)
	}))
}
