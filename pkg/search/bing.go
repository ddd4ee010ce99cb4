package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const bingURL = "https://api.bing.microsoft.com/v7.0/search"

// Bing queries the Bing Web Search API.
type Bing struct {
	apiKey string
	url    string
	client *http.Client
}

// NewBing creates a Bing provider. An empty endpoint selects the public one.
func NewBing(apiKey, endpoint string, client *http.Client) *Bing {
	if endpoint == "" {
		endpoint = bingURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Bing{apiKey: apiKey, url: endpoint, client: client}
}

func (b *Bing) Name() string { return "bing" }

func (b *Bing) Configured() bool { return b.apiKey != "" }

type bingResponse struct {
	WebPages struct {
		TotalEstimatedMatches flexInt `json:"totalEstimatedMatches"`
		Value                 []struct {
			Name    string `json:"name"`
			Snippet string `json:"snippet"`
			URL     string `json:"url"`
		} `json:"value"`
	} `json:"webPages"`
}

// Search runs a GET query and maps web page results.
func (b *Bing) Search(ctx context.Context, query string) (Outcome, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", "5")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url+"?"+q.Encode(), nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("bing: create request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("bing: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Outcome{}, fmt.Errorf("bing: API error: %d", resp.StatusCode)
	}

	var data bingResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Outcome{}, fmt.Errorf("bing: decode response: %w", err)
	}

	results := make([]Result, 0, len(data.WebPages.Value))
	for _, v := range data.WebPages.Value {
		results = append(results, Result{Title: v.Name, Snippet: v.Snippet, Link: v.URL, Source: "Bing Search"})
	}
	return Outcome{
		Results:  results,
		Info:     Info{TotalResults: int(data.WebPages.TotalEstimatedMatches), SearchTime: 0.1},
		Provider: b.Name(),
	}, nil
}
