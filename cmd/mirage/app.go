package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/mirage/pkg/cache"
	"github.com/abdhe/mirage/pkg/config"
	"github.com/abdhe/mirage/pkg/orchestrator"
	"github.com/abdhe/mirage/pkg/provider"
	"github.com/abdhe/mirage/pkg/resilience"
	"github.com/abdhe/mirage/pkg/search"
	"github.com/abdhe/mirage/pkg/stream"
)

// app holds the wired service.
type app struct {
	orchestrator *orchestrator.Orchestrator
	search       *search.Chain
	keyPools     map[string]*resilience.KeyPool
	cache        *cache.RedisCache // nil when disabled or unreachable
	logger       *zap.Logger
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}
	return zc.Build()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		keyPools: make(map[string]*resilience.KeyPool),
		logger:   logger,
	}

	// -------------------------------------------------------------------------
	// Providers: key pools, one shared pacer, a breaker each
	// -------------------------------------------------------------------------
	res := cfg.Resilience
	pacer := resilience.NewPacer(res.PacerInterval)
	logger.Debug("shared pacer ready", zap.Duration("interval", pacer.Interval()))
	retryCfg := resilience.RetryConfig{
		MaxRetries: res.MaxRetries,
		BaseDelay:  res.RetryBaseDelay,
		MaxDelay:   res.RetryMaxDelay,
	}
	cbCfg := resilience.CircuitBreakerConfig{
		FailureThreshold: res.BreakerThreshold,
		Cooldown:         res.BreakerCooldown,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			logger.Warn("circuit breaker state changed",
				zap.String("provider", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	}

	providerConfig := func(name string, pc config.ProviderConfig) provider.Config {
		keys := pc.Keys()
		pool := resilience.NewKeyPool(keys)
		a.keyPools[name] = pool
		if len(keys) > 0 {
			logger.Info("provider configured", zap.String("provider", name), zap.Int("keys", len(keys)))
		} else {
			logger.Warn("no API keys, replies will be simulated", zap.String("provider", name))
		}

		breakerCfg := cbCfg
		breakerCfg.Name = name

		out := provider.Config{
			Keys:              pool,
			BaseURL:           pc.BaseURL,
			Models:            pc.ModelMap(),
			DefaultModel:      pc.DefaultModel,
			Temperature:       pc.Temperature,
			MaxTokens:         pc.MaxTokens,
			Breaker:           resilience.NewCircuitBreaker(breakerCfg),
			Retry:             retryCfg,
			RateLimitCooldown: res.RateLimitCooldown,
			SimulatedDelay:    res.SimulatedDelay,
			SimulatedJitter:   res.SimulatedJitter,
			FailureDelay:      res.FailureDelay,
			HTTPClient:        &http.Client{Timeout: pc.Timeout},
			Logger:            logger,
		}
		if pc.Paced {
			out.Pacer = pacer
		}
		return out
	}

	providers := map[string]provider.Provider{
		"openrouter": provider.NewOpenRouter(providerConfig("openrouter", cfg.Providers.OpenRouter)),
		"mistral":    provider.NewMistral(providerConfig("mistral", cfg.Providers.Mistral)),
		"gemini":     provider.NewGemini(providerConfig("gemini", cfg.Providers.Gemini)),
	}

	// -------------------------------------------------------------------------
	// Search chain with the optional Redis cache
	// -------------------------------------------------------------------------
	var store search.Store
	if cc := cfg.Search.Cache; cc.Enabled {
		rc := cache.NewRedisCache(cc.Addr, cc.Password, cc.DB, cc.TTL)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rc.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Warn("redis connection failed, search cache disabled", zap.String("addr", cc.Addr), zap.Error(err))
			rc.Close()
		} else {
			a.cache = rc
			store = rc
			logger.Info("search cache enabled", zap.String("addr", cc.Addr), zap.Duration("ttl", cc.TTL))
		}
	}

	searchClient := &http.Client{Timeout: cfg.Search.Timeout}
	a.search = search.NewChain(logger, store,
		search.NewSerper(cfg.Search.SerperAPIKey, cfg.Search.SerperURL, searchClient),
		search.NewBing(cfg.Search.BingAPIKey, cfg.Search.BingURL, searchClient),
	)
	logger.Info("search chain ready", zap.Strings("providers", a.search.Providers()))

	// -------------------------------------------------------------------------
	// Orchestrator
	// -------------------------------------------------------------------------
	orch, err := orchestrator.New(orchestrator.Config{
		Providers:       providers,
		Routes:          cfg.Chat.RouteMap(),
		DefaultProvider: cfg.Chat.DefaultProvider,
		Searcher:        a.search,
		Normalizer: stream.NewNormalizer(stream.Pacing{
			Min:    cfg.Chat.PacingMin,
			Jitter: cfg.Chat.PacingJitter,
		}, logger),
		RequestTimeout: cfg.Chat.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orchestrator = orch
	return a, nil
}

// reloadKeys swaps the provider key pools for the ones in cfg. Keys still
// cooling down after a 429 stay benched.
func (a *app) reloadKeys(cfg *config.Config) {
	for name, pc := range map[string]config.ProviderConfig{
		"openrouter": cfg.Providers.OpenRouter,
		"mistral":    cfg.Providers.Mistral,
		"gemini":     cfg.Providers.Gemini,
	} {
		pool, ok := a.keyPools[name]
		if !ok {
			continue
		}
		keys := pc.Keys()
		pool.Reset(keys)
		a.logger.Info("provider keys reloaded", zap.String("provider", name), zap.Int("keys", len(keys)))
	}
}

func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("closing redis", zap.Error(err))
		}
	}
}
