package provider

import (
	"context"
	"strings"
)

const (
	mistralBaseURL      = "https://api.mistral.ai/v1"
	mistralDefaultModel = "mistral-large-latest"
)

// Mistral implements Provider over Mistral's chat completions API. It has no
// live streaming: InferStream returns the unary answer for pacing.
type Mistral struct {
	backend
	api chatCompletions
}

// NewMistral creates a Mistral adapter. Every logical model maps to the
// configured default upstream model unless overridden.
func NewMistral(cfg Config) *Mistral {
	if cfg.BaseURL == "" {
		cfg.BaseURL = mistralBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = mistralDefaultModel
	}

	b := newBackend("mistral", "Mistral AI", "MISTRAL_API_KEY", cfg)
	return &Mistral{
		backend: b,
		api: chatCompletions{
			provider: "mistral",
			client:   b.cfg.HTTPClient,
			url:      strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
			headers:  cfg.Headers,
		},
	}
}

// Infer performs a unary completion.
func (m *Mistral) Infer(ctx context.Context, req Request) Reply {
	if !m.configured() {
		return m.simulate(ctx, req)
	}

	body := m.api.body(m.upstreamModel(req.ModelID), req.Prompt, m.cfg, false)

	var reply Reply
	err := m.call(ctx, func(ctx context.Context, apiKey string) error {
		r, err := m.api.complete(ctx, apiKey, body)
		if err != nil {
			return err
		}
		reply = r
		return nil
	})
	if err != nil {
		return m.degrade(ctx, req, err)
	}

	m.record(req, reply)
	return reply
}

// InferStream returns the unary answer as a complete stream.
func (m *Mistral) InferStream(ctx context.Context, req Request) Stream {
	return Complete(m.Infer(ctx, req))
}
