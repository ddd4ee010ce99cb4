package search

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/mirage/pkg/metrics"
)

// Chain tries providers in order until one answers. The last link is always
// a Stub, so a search never fails.
type Chain struct {
	providers []Provider
	store     Store
	logger    *zap.Logger
}

// NewChain builds a chain over providers, appending a Stub if the list does
// not already end with one. store may be nil.
func NewChain(logger *zap.Logger, store Store, providers ...Provider) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(providers) == 0 {
		providers = []Provider{Stub{}}
	} else if _, ok := providers[len(providers)-1].(Stub); !ok {
		providers = append(providers, Stub{})
	}
	return &Chain{
		providers: providers,
		store:     store,
		logger:    logger.Named("search"),
	}
}

// Providers returns the chain order.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Search resolves query through the cache and the provider chain.
func (c *Chain) Search(ctx context.Context, query string) Outcome {
	return c.run(ctx, query, nil)
}

// SearchWithProgress is Search, reporting each step to emit before the
// outcome is returned.
func (c *Chain) SearchWithProgress(ctx context.Context, query string, emit func(Progress)) Outcome {
	emit(Progress{Kind: ProgressStart, Query: query, Message: "Searching the web for: " + query})

	out := c.run(ctx, query, emit)

	for i := range out.Results {
		emit(Progress{Kind: ProgressResult, Result: &out.Results[i], Index: i, Total: len(out.Results)})
	}
	emit(Progress{Kind: ProgressComplete, Info: out.Info, TotalResults: len(out.Results)})
	return out
}

func (c *Chain) run(ctx context.Context, query string, emit func(Progress)) Outcome {
	start := time.Now()

	if c.store != nil {
		cached, err := c.store.Get(ctx, query)
		if err != nil {
			c.logger.Warn("search cache lookup failed", zap.Error(err))
		}
		metrics.RecordCacheLookup(cached != nil)
		if cached != nil {
			c.logger.Debug("search cache hit", zap.String("query", query))
			if emit != nil {
				emit(Progress{Kind: ProgressUpdate, Message: "Using cached results"})
			}
			cached.Elapsed = time.Since(start)
			return *cached
		}
	}

	for _, p := range c.providers {
		if !p.Configured() {
			metrics.SearchRequestsTotal.WithLabelValues(p.Name(), "skipped").Inc()
			continue
		}
		if emit != nil {
			emit(Progress{Kind: ProgressUpdate, Message: "Searching with " + p.Name()})
		}

		out, err := p.Search(ctx, query)
		if err != nil {
			metrics.SearchRequestsTotal.WithLabelValues(p.Name(), "error").Inc()
			c.logger.Warn("search provider failed, trying next",
				zap.String("provider", p.Name()),
				zap.Error(err),
			)
			continue
		}
		metrics.SearchRequestsTotal.WithLabelValues(p.Name(), "success").Inc()

		if out.Provider == "" {
			out.Provider = p.Name()
		}
		out.Elapsed = time.Since(start)

		if _, stub := p.(Stub); !stub && c.store != nil {
			if err := c.store.Set(ctx, query, out); err != nil {
				c.logger.Warn("search cache write failed", zap.Error(err))
			}
		}

		c.logger.Debug("search complete",
			zap.String("provider", out.Provider),
			zap.Int("results", len(out.Results)),
			zap.Duration("elapsed", out.Elapsed),
		)
		return out
	}

	// Unreachable while the chain ends with a Stub.
	out, _ := Stub{}.Search(ctx, query)
	out.Elapsed = time.Since(start)
	return out
}
