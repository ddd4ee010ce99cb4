package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	geminiBaseURL      = "https://generativelanguage.googleapis.com/v1beta"
	geminiDefaultModel = "gemini-2.0-flash"
)

// DefaultGeminiModels maps the logical models Gemini can serve.
var DefaultGeminiModels = map[string]string{
	"gemini-2.5": "gemini-2.5-flash",
}

// Gemini implements Provider for Google's Gemini API. Its stream is a single
// JSON array whose elements arrive incrementally, one candidate delta each.
type Gemini struct {
	backend
	baseURL string
}

// NewGemini creates a Gemini adapter.
func NewGemini(cfg Config) *Gemini {
	if cfg.BaseURL == "" {
		cfg.BaseURL = geminiBaseURL
	}
	if cfg.Models == nil {
		cfg.Models = DefaultGeminiModels
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = geminiDefaultModel
	}
	return &Gemini{
		backend: newBackend("gemini", "Gemini", "GEMINI_API_KEY", cfg),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// geminiRequest is the Gemini API request body.
type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int32   `json:"maxOutputTokens,omitempty"`
}

// geminiResponse is one Gemini response object (or one stream element).
type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int32 `json:"promptTokenCount"`
		CandidatesTokenCount int32 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r geminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func (g *Gemini) post(ctx context.Context, apiKey, method string, req Request) (*http.Response, error) {
	url := fmt.Sprintf("%s/models/%s:%s", g.baseURL, g.upstreamModel(req.ModelID), method)

	body := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}},
		},
		GenerationConfig: &geminiGenConfig{
			Temperature:     g.cfg.Temperature,
			MaxOutputTokens: g.cfg.MaxTokens,
		},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)
	for k, v := range g.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := g.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		httpResp.Body.Close()
		return nil, &APIError{Provider: "gemini", StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}
	return httpResp, nil
}

// Infer performs a unary generateContent call.
func (g *Gemini) Infer(ctx context.Context, req Request) Reply {
	if !g.configured() {
		return g.simulate(ctx, req)
	}

	var reply Reply
	err := g.call(ctx, func(ctx context.Context, apiKey string) error {
		httpResp, err := g.post(ctx, apiKey, "generateContent", req)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()

		var gemResp geminiResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&gemResp); err != nil {
			return fmt.Errorf("gemini: decode response: %w", err)
		}

		reply = Reply{
			Text:         gemResp.text(),
			Outcome:      OutcomeContent,
			PromptTokens: gemResp.UsageMetadata.PromptTokenCount,
			OutputTokens: gemResp.UsageMetadata.CandidatesTokenCount,
		}
		return nil
	})
	if err != nil {
		return g.degrade(ctx, req, err)
	}

	g.record(req, reply)
	return reply
}

// InferStream performs a streamGenerateContent call.
func (g *Gemini) InferStream(ctx context.Context, req Request) Stream {
	if !g.configured() {
		return Complete(g.simulate(ctx, req))
	}

	var httpResp *http.Response
	err := g.call(ctx, func(ctx context.Context, apiKey string) error {
		r, err := g.post(ctx, apiKey, "streamGenerateContent", req)
		if err != nil {
			return err
		}
		httpResp = r
		return nil
	})
	if err != nil {
		return Complete(g.degrade(ctx, req, err))
	}

	return Live(g.readArray(ctx, httpResp.Body, func(end StreamChunk, seen bool) {
		g.settle(req, end, seen)
	}))
}

// readArray decodes the streamed JSON array element by element.
func (g *Gemini) readArray(ctx context.Context, body io.ReadCloser, settle settleFunc) <-chan StreamChunk {
	ch := make(chan StreamChunk, 16)

	go func() {
		t := &tally{ch: ch}
		defer close(ch)
		defer t.settle(settle)
		defer body.Close()

		decoder := json.NewDecoder(body)
		tok, err := decoder.Token()
		if err != nil {
			t.finish(ctx, StreamChunk{Err: fmt.Errorf("gemini: stream open: %w", err)})
			return
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			t.finish(ctx, StreamChunk{Err: fmt.Errorf("gemini: unexpected stream token %v", tok)})
			return
		}

		var promptTokens, outputTokens int32
		for decoder.More() {
			if ctx.Err() != nil {
				t.finish(ctx, StreamChunk{Err: ctx.Err()})
				return
			}

			var gemResp geminiResponse
			if err := decoder.Decode(&gemResp); err != nil {
				t.finish(ctx, StreamChunk{Err: fmt.Errorf("gemini: stream decode: %w", err)})
				return
			}
			if gemResp.Error != nil {
				t.finish(ctx, StreamChunk{Err: fmt.Errorf("gemini: stream error %d: %s", gemResp.Error.Code, gemResp.Error.Message)})
				return
			}

			promptTokens = gemResp.UsageMetadata.PromptTokenCount
			outputTokens = gemResp.UsageMetadata.CandidatesTokenCount

			if text := gemResp.text(); text != "" {
				if !t.send(ctx, StreamChunk{Text: text}) {
					return
				}
			}
		}

		t.finish(ctx, StreamChunk{Done: true, PromptTokens: promptTokens, OutputTokens: outputTokens})
	}()

	return ch
}
