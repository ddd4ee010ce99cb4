package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const serperURL = "https://google.serper.dev/search"

// Serper queries Google through the Serper API.
type Serper struct {
	apiKey string
	url    string
	client *http.Client
}

// NewSerper creates a Serper provider. An empty url selects the public
// endpoint.
func NewSerper(apiKey, url string, client *http.Client) *Serper {
	if url == "" {
		url = serperURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Serper{apiKey: apiKey, url: url, client: client}
}

func (s *Serper) Name() string { return "serper" }

func (s *Serper) Configured() bool { return s.apiKey != "" }

type serperRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
	GL  string `json:"gl"`
	HL  string `json:"hl"`
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
		Link    string `json:"link"`
	} `json:"organic"`
	SearchInformation struct {
		TotalResults flexInt `json:"totalResults"`
		SearchTime   float64 `json:"searchTime"`
	} `json:"searchInformation"`
}

// Search posts the query and maps organic results.
func (s *Serper) Search(ctx context.Context, query string) (Outcome, error) {
	body, err := json.Marshal(serperRequest{Q: query, Num: 5, GL: "us", HL: "en"})
	if err != nil {
		return Outcome{}, fmt.Errorf("serper: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("serper: create request: %w", err)
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("serper: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Outcome{}, fmt.Errorf("serper: API error: %d", resp.StatusCode)
	}

	var data serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Outcome{}, fmt.Errorf("serper: decode response: %w", err)
	}

	results := make([]Result, 0, len(data.Organic))
	for _, o := range data.Organic {
		results = append(results, Result{Title: o.Title, Snippet: o.Snippet, Link: o.Link, Source: "Google Search"})
	}
	return Outcome{
		Results: results,
		Info: Info{
			TotalResults: int(data.SearchInformation.TotalResults),
			SearchTime:   data.SearchInformation.SearchTime,
		},
		Provider: s.Name(),
	}, nil
}
