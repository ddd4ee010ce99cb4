// Package orchestrator runs chat turns: optional web search, prompt
// construction, provider dispatch and, for streaming turns, normalization of
// the provider output into client events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/abdhe/mirage/pkg/chat"
	"github.com/abdhe/mirage/pkg/metrics"
	"github.com/abdhe/mirage/pkg/prompt"
	"github.com/abdhe/mirage/pkg/provider"
	"github.com/abdhe/mirage/pkg/search"
	"github.com/abdhe/mirage/pkg/stream"
)

// DefaultRoutes sends the OpenRouter-backed models there; everything else
// goes to the default provider.
var DefaultRoutes = map[string]string{
	"gpt-5":    "openrouter",
	"claude-4": "openrouter",
}

// DefaultProvider serves models without a route.
const DefaultProvider = "mistral"

// Searcher is the part of search.Chain the orchestrator needs.
type Searcher interface {
	Search(ctx context.Context, query string) search.Outcome
	SearchWithProgress(ctx context.Context, query string, emit func(search.Progress)) search.Outcome
}

// Config holds the orchestrator dependencies.
type Config struct {
	Providers       map[string]provider.Provider // provider name → adapter
	Routes          map[string]string            // model → provider name
	DefaultProvider string

	Searcher   Searcher          // nil disables web search
	Trigger    func(string) bool // decides whether a message needs search
	Normalizer *stream.Normalizer

	RequestTimeout time.Duration // upstream deadline per turn
	Logger         *zap.Logger
}

// Orchestrator runs chat turns.
type Orchestrator struct {
	providers       map[string]provider.Provider
	routes          map[string]string
	defaultProvider string
	searcher        Searcher
	trigger         func(string) bool
	normalizer      *stream.Normalizer
	requestTimeout  time.Duration
	logger          *zap.Logger
}

// New creates an Orchestrator. The default provider must be registered.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = DefaultProvider
	}
	if _, ok := cfg.Providers[cfg.DefaultProvider]; !ok {
		return nil, fmt.Errorf("orchestrator: default provider %q is not registered", cfg.DefaultProvider)
	}
	if cfg.Routes == nil {
		cfg.Routes = DefaultRoutes
	}
	if cfg.Trigger == nil {
		cfg.Trigger = search.NeedsWebSearch
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = stream.NewNormalizer(stream.DefaultPacing, cfg.Logger)
	}

	return &Orchestrator{
		providers:       cfg.Providers,
		routes:          cfg.Routes,
		defaultProvider: cfg.DefaultProvider,
		searcher:        cfg.Searcher,
		trigger:         cfg.Trigger,
		normalizer:      cfg.Normalizer,
		requestTimeout:  cfg.RequestTimeout,
		logger:          cfg.Logger.Named("orchestrator"),
	}, nil
}

// Route returns the provider serving model.
func (o *Orchestrator) Route(model string) provider.Provider {
	if name, ok := o.routes[model]; ok {
		if p, ok := o.providers[name]; ok {
			return p
		}
		o.logger.Warn("route points at an unknown provider, using default",
			zap.String("model", model),
			zap.String("provider", name),
		)
	}
	return o.providers[o.defaultProvider]
}

// Chat runs a unary turn. Upstream failures come back as a successful result
// carrying fallback text; only invalid requests and unexpected failures
// return an error.
func (o *Orchestrator) Chat(ctx context.Context, req chat.Request) (res chat.Result, err error) {
	start := time.Now()
	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	if err := req.Validate(); err != nil {
		metrics.RequestsTotal.WithLabelValues("invalid").Inc()
		return chat.Failure(err), err
	}

	logger := o.logger.With(
		zap.String("turn_id", uuid.NewString()),
		zap.String("model", req.Model),
		zap.String("mode", string(req.Mode)),
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("chat turn panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			metrics.RequestsTotal.WithLabelValues("error").Inc()
			res, err = chat.Failure(chat.ErrInternal), chat.ErrInternal
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	outcome := o.search(ctx, req, nil, logger)
	p := o.Route(req.Model)
	text := prompt.Build(req.Model, req.Message, req.Mode, outcome)

	reply := p.Infer(ctx, provider.Request{ModelID: req.Model, Prompt: text})
	if strings.TrimSpace(reply.Text) == "" {
		logger.Warn("provider returned empty text, using fallback", zap.String("provider", p.Name()))
		reply.Text = stream.FallbackText(req.Model)
	}

	status := "success"
	if reply.Degraded() {
		status = "degraded"
	}
	metrics.RequestsTotal.WithLabelValues(status).Inc()
	metrics.RequestLatency.WithLabelValues(p.Name(), req.Model, "unary").Observe(time.Since(start).Seconds())

	logger.Info("chat turn complete",
		zap.String("provider", p.Name()),
		zap.String("outcome", string(reply.Outcome)),
		zap.Bool("searched", outcome != nil),
		zap.Duration("latency", time.Since(start)),
	)

	return chat.Result{
		Success:  true,
		Response: reply.Text,
		Model:    req.Model,
		Mode:     req.Mode,
		Outcome:  string(reply.Outcome),
		Searched: outcome != nil,
	}, nil
}

// ChatStream runs a streaming turn. Search progress, if any, is emitted
// before model content. The channel carries exactly one terminal event
// unless ctx is cancelled first, and is always closed.
func (o *Orchestrator) ChatStream(ctx context.Context, req chat.Request) (<-chan stream.Event, error) {
	if err := req.Validate(); err != nil {
		metrics.RequestsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	out := make(chan stream.Event, 16)
	logger := o.logger.With(
		zap.String("turn_id", uuid.NewString()),
		zap.String("model", req.Model),
		zap.String("mode", string(req.Mode)),
	)

	go func() {
		start := time.Now()
		metrics.ActiveRequests.Inc()
		defer metrics.ActiveRequests.Dec()
		defer close(out)

		terminated := false
		send := func(ev stream.Event) bool {
			select {
			case out <- ev:
				terminated = ev.Terminal()
				return true
			case <-ctx.Done():
				return false
			}
		}

		defer func() {
			if r := recover(); r != nil {
				logger.Error("stream turn panicked",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				metrics.RequestsTotal.WithLabelValues("error").Inc()
				if !terminated {
					send(stream.Error(chat.ErrInternal.Error()))
				}
			}
		}()

		upCtx, cancel := context.WithTimeout(ctx, o.requestTimeout)
		defer cancel()

		outcome := o.search(upCtx, req, func(p search.Progress) { send(stream.Search(p)) }, logger)
		p := o.Route(req.Model)
		text := prompt.Build(req.Model, req.Message, req.Mode, outcome)

		s := p.InferStream(upCtx, provider.Request{ModelID: req.Model, Prompt: text})
		status := "success"
		if s.Kind == provider.StreamComplete && s.Reply.Degraded() {
			status = "degraded"
		}

		for ev := range o.normalizer.Normalize(ctx, req.Model, s) {
			if !send(ev) {
				logger.Debug("client went away mid-stream")
				return
			}
		}

		metrics.RequestsTotal.WithLabelValues(status).Inc()
		metrics.RequestLatency.WithLabelValues(p.Name(), req.Model, "stream").Observe(time.Since(start).Seconds())
		logger.Info("stream turn complete",
			zap.String("provider", p.Name()),
			zap.String("stream", s.Kind.String()),
			zap.Bool("searched", outcome != nil),
			zap.Duration("latency", time.Since(start)),
		)
	}()

	return out, nil
}

// ErrNoModels is returned by Compare when no model is named.
var ErrNoModels = errors.New("at least one model is required")

// Compare runs one unary turn per model concurrently. Results are returned
// in the order of models; a model whose turn fails gets an unsuccessful
// result instead of failing the comparison.
func (o *Orchestrator) Compare(ctx context.Context, req chat.Request, models []string) ([]chat.Result, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, chat.ErrInvalidRequest
	}
	if len(models) == 0 {
		return nil, ErrNoModels
	}

	results := make([]chat.Result, len(models))
	var wg conc.WaitGroup
	for i, model := range models {
		i, model := i, model
		wg.Go(func() {
			turn := req
			turn.Model = model
			res, err := o.Chat(ctx, turn)
			if err != nil {
				res = chat.Failure(err)
				res.Model = model
			}
			results[i] = res
		})
	}
	wg.Wait()
	return results, nil
}

// search runs the web search when the request asks for it and the trigger
// fires. emit is nil for unary turns.
func (o *Orchestrator) search(ctx context.Context, req chat.Request, emit func(search.Progress), logger *zap.Logger) *search.Outcome {
	if !req.UseWebSearch || o.searcher == nil || !o.trigger(req.Message) {
		return nil
	}

	var out search.Outcome
	if emit != nil {
		out = o.searcher.SearchWithProgress(ctx, req.Message, emit)
	} else {
		out = o.searcher.Search(ctx, req.Message)
	}

	logger.Debug("web search attached",
		zap.String("search_provider", out.Provider),
		zap.Int("results", len(out.Results)),
	)
	return &out
}
