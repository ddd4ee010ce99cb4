package search

import "context"

// Stub is the terminal link of the chain. It always succeeds with one
// placeholder result explaining that real search needs credentials.
type Stub struct{}

func (Stub) Name() string { return "stub" }

func (Stub) Configured() bool { return true }

func (Stub) Search(_ context.Context, query string) (Outcome, error) {
	return Outcome{
		Results: []Result{{
			Title:   "Search results for: " + query,
			Snippet: "Web search functionality is available but requires API keys for full functionality. Please add SERPER_API_KEY or BING_API_KEY to your environment variables.",
			Link:    "https://example.com",
			Source:  "Fallback Search",
		}},
		Info:     Info{TotalResults: 1, SearchTime: 0.1},
		Provider: "stub",
	}, nil
}
