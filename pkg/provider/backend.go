package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/mirage/pkg/metrics"
	"github.com/abdhe/mirage/pkg/resilience"
)

// SimulatedMarker appears in every reply produced without a credential.
const SimulatedMarker = "This is a simulated response."

// Config holds the settings shared by every adapter. Zero delays disable the
// corresponding artificial latency.
type Config struct {
	Keys         *resilience.KeyPool
	BaseURL      string
	Models       map[string]string // logical model → upstream model
	DefaultModel string            // used for models missing from Models
	Temperature  float32
	MaxTokens    int32
	Headers      map[string]string // extra request headers

	Pacer             *resilience.Pacer // nil: calls are not paced
	Breaker           *resilience.CircuitBreaker
	Retry             resilience.RetryConfig
	RateLimitCooldown time.Duration // how long a 429'd key is benched

	SimulatedDelay  time.Duration // base latency of simulated replies
	SimulatedJitter time.Duration // random extra latency of simulated replies
	FailureDelay    time.Duration // latency added before a degraded reply

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// backend carries the configuration gate, resilience wiring and degraded
// reply templates common to all adapters.
type backend struct {
	name   string
	label  string // reply prefix; empty means "use the model id"
	keyEnv string
	cfg    Config
	logger *zap.Logger
	rnd    func() float64
}

func newBackend(name, label, keyEnv string, cfg Config) backend {
	if cfg.Keys == nil {
		cfg.Keys = resilience.NewKeyPool(nil)
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.RateLimitCooldown == 0 {
		cfg.RateLimitCooldown = time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return backend{
		name:   name,
		label:  label,
		keyEnv: keyEnv,
		cfg:    cfg,
		logger: logger.Named(name),
		rnd:    rand.Float64,
	}
}

func (b *backend) Name() string { return b.name }

func (b *backend) configured() bool { return b.cfg.Keys.Size() > 0 }

func (b *backend) displayName(modelID string) string {
	if b.label != "" {
		return b.label
	}
	return modelID
}

func (b *backend) upstreamModel(modelID string) string {
	if m, ok := b.cfg.Models[modelID]; ok && m != "" {
		return m
	}
	return b.cfg.DefaultModel
}

// call runs fn under the shared pacer, the circuit breaker and the retry
// policy, with a key taken from the pool. A 429 benches the key.
func (b *backend) call(ctx context.Context, fn func(ctx context.Context, apiKey string) error) error {
	apiKey, err := b.cfg.Keys.Next()
	if err != nil {
		return err
	}

	if b.cfg.Pacer != nil {
		start := time.Now()
		b.cfg.Pacer.Wait(ctx)
		metrics.PacerWaitSeconds.Observe(time.Since(start).Seconds())
	}

	run := func() error {
		return resilience.Retry(ctx, b.cfg.Retry, func(ctx context.Context) error {
			return fn(ctx, apiKey)
		})
	}

	if b.cfg.Breaker == nil {
		err = run()
	} else {
		err = b.cfg.Breaker.Execute(run)
		metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(b.cfg.Breaker.State()))
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		b.cfg.Keys.MarkRateLimited(apiKey, time.Now().Add(b.cfg.RateLimitCooldown))
	}
	return err
}

// simulate produces the no-credential reply after an imitation delay.
func (b *backend) simulate(ctx context.Context, req Request) Reply {
	delay := b.cfg.SimulatedDelay
	if b.cfg.SimulatedJitter > 0 {
		delay += time.Duration(b.rnd() * float64(b.cfg.SimulatedJitter))
	}
	pause(ctx, delay)

	b.logger.Debug("no API key configured, simulating reply",
		zap.String("model", req.ModelID),
		zap.String("env", b.keyEnv),
	)
	metrics.ProviderOutcomes.WithLabelValues(b.name, string(OutcomeSimulated)).Inc()

	return Reply{
		Text: fmt.Sprintf("%s Response: %s\n\n(%s Add your %s to environment variables for real API calls.)",
			b.displayName(req.ModelID), req.Prompt, SimulatedMarker, b.keyEnv),
		Outcome: OutcomeSimulated,
	}
}

// degrade turns an upstream failure into fallback text.
func (b *backend) degrade(ctx context.Context, req Request, err error) Reply {
	outcome := Classify(err)
	b.logger.Warn("upstream call failed, degrading to fallback text",
		zap.String("model", req.ModelID),
		zap.String("upstream_model", b.upstreamModel(req.ModelID)),
		zap.String("outcome", string(outcome)),
		zap.Error(err),
	)
	metrics.ProviderOutcomes.WithLabelValues(b.name, string(outcome)).Inc()

	pause(ctx, b.cfg.FailureDelay)

	return Reply{Text: fallbackText(outcome, b.displayName(req.ModelID), req.Prompt, err), Outcome: outcome}
}

// record accounts for a successful upstream reply.
func (b *backend) record(req Request, r Reply) {
	metrics.ProviderOutcomes.WithLabelValues(b.name, string(OutcomeContent)).Inc()
	upstream := b.upstreamModel(req.ModelID)
	metrics.TokenUsageTotal.WithLabelValues(b.name, upstream, "input").Add(float64(r.PromptTokens))
	metrics.TokenUsageTotal.WithLabelValues(b.name, upstream, "output").Add(float64(r.OutputTokens))
}

// settle accounts for a live stream once it has ended. Only a stream that
// delivered text and ended cleanly counts as content.
func (b *backend) settle(req Request, end StreamChunk, seen bool) {
	switch {
	case end.Err != nil:
		outcome := Classify(end.Err)
		b.logger.Warn("stream ended with error",
			zap.String("model", req.ModelID),
			zap.String("outcome", string(outcome)),
			zap.Bool("partial", seen),
			zap.Error(end.Err),
		)
		metrics.ProviderOutcomes.WithLabelValues(b.name, string(outcome)).Inc()
	case !seen:
		b.logger.Warn("stream ended without content", zap.String("model", req.ModelID))
		metrics.ProviderOutcomes.WithLabelValues(b.name, string(OutcomeFailed)).Inc()
	default:
		b.record(req, Reply{PromptTokens: end.PromptTokens, OutputTokens: end.OutputTokens})
	}
}

// Classify maps an upstream failure onto a degraded Outcome. A status-bearing
// APIError is classified by its status alone; other errors by their message.
func Classify(err error) Outcome {
	if errors.Is(err, resilience.ErrKeysExhausted) {
		return OutcomeRateLimited
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return OutcomeRateLimited
		case http.StatusNotFound:
			return OutcomeUnavailable
		default:
			return OutcomeFailed
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"):
		return OutcomeRateLimited
	case strings.Contains(msg, "404"), strings.Contains(strings.ToLower(msg), "not found"):
		return OutcomeUnavailable
	default:
		return OutcomeFailed
	}
}

func fallbackText(outcome Outcome, label, prompt string, err error) string {
	switch outcome {
	case OutcomeRateLimited:
		return label + " Response: I'm currently experiencing high demand. Please try again in a moment.\n\n" +
			"(Rate limit reached - this is a temporary limitation from the API provider.)"
	case OutcomeUnavailable:
		return label + " Response: The requested model is currently unavailable. Please try again later.\n\n" +
			"(Model not found error - the API provider may be updating their models.)"
	default:
		return fmt.Sprintf("%s Response: %s\n\n(API call failed: %s. Showing simulated response.)", label, prompt, err)
	}
}

func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
