// Package search implements the web-search provider chain used to enrich
// prompts with fresh context, plus the keyword trigger that decides when a
// message needs it.
package search

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// Result is one web hit.
type Result struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Link    string `json:"link"`
	Source  string `json:"source"`
}

// Info is the metadata a provider reports about a search.
type Info struct {
	TotalResults int     `json:"totalResults"`
	SearchTime   float64 `json:"searchTime"`
}

// Outcome is the uniform result of one search attempt.
type Outcome struct {
	Results  []Result      `json:"results"`
	Info     Info          `json:"searchInfo"`
	Provider string        `json:"provider"`
	Elapsed  time.Duration `json:"-"`
}

// Provider is one backend in the chain.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// Configured reports whether the provider has the credential it needs.
	Configured() bool
	// Search runs the query against the backend.
	Search(ctx context.Context, query string) (Outcome, error)
}

// Store caches outcomes between identical queries.
type Store interface {
	Get(ctx context.Context, query string) (*Outcome, error)
	Set(ctx context.Context, query string, outcome Outcome) error
}

// flexInt decodes counts that upstreams send either as numbers or strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var n json.Number
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n = json.Number(s)
	} else {
		n = json.Number(data)
	}
	if i, err := n.Int64(); err == nil {
		*f = flexInt(i)
		return nil
	}
	fl, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(fl)
	return nil
}
