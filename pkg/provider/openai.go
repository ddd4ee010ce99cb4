package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// OpenAI-compatible Chat Completions wire types (OpenRouter, Mistral)
// ---------------------------------------------------------------------------

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int32         `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int32 `json:"prompt_tokens"`
	CompletionTokens int32 `json:"completion_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// maxErrorBody bounds how much of a failed response is kept for diagnostics.
const maxErrorBody = 4 << 10

// chatCompletions talks to one OpenAI-compatible /chat/completions endpoint.
type chatCompletions struct {
	provider string
	client   *http.Client
	url      string
	headers  map[string]string
}

func (c *chatCompletions) body(model, prompt string, cfg Config, stream bool) chatRequest {
	return chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Stream:      stream,
	}
}

// post sends the request and returns the response only for a 200.
func (c *chatCompletions) post(ctx context.Context, apiKey string, body chatRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.provider, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.provider, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		httpResp.Body.Close()
		return nil, &APIError{Provider: c.provider, StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}
	return httpResp, nil
}

// complete performs a unary call and extracts the first choice.
func (c *chatCompletions) complete(ctx context.Context, apiKey string, body chatRequest) (Reply, error) {
	httpResp, err := c.post(ctx, apiKey, body)
	if err != nil {
		return Reply{}, err
	}
	defer httpResp.Body.Close()

	var resp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return Reply{}, fmt.Errorf("%s: decode response: %w", c.provider, err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, fmt.Errorf("%s: response has no choices", c.provider)
	}

	return Reply{
		Text:         resp.Choices[0].Message.Content,
		Outcome:      OutcomeContent,
		PromptTokens: resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// readSSE decodes an OpenAI-style SSE body ("data: {...}" lines terminated by
// "data: [DONE]") into StreamChunks. Lines that are not valid JSON are
// skipped; an embedded error object ends the stream with Err. settle, if set,
// runs once before the channel closes.
func readSSE(ctx context.Context, provider string, body io.ReadCloser, logger *zap.Logger, settle settleFunc) <-chan StreamChunk {
	ch := make(chan StreamChunk, 16)

	go func() {
		t := &tally{ch: ch}
		defer close(ch)
		defer t.settle(settle)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var usage chatUsage

		for scanner.Scan() {
			if ctx.Err() != nil {
				t.finish(ctx, StreamChunk{Err: ctx.Err()})
				return
			}

			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			if data == "[DONE]" {
				t.finish(ctx, StreamChunk{
					Done:         true,
					PromptTokens: usage.PromptTokens,
					OutputTokens: usage.CompletionTokens,
				})
				return
			}

			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				logger.Debug("skipping undecodable stream line", zap.String("data", data), zap.Error(err))
				continue
			}

			if chunk.Error != nil {
				t.finish(ctx, StreamChunk{Err: fmt.Errorf("%s: stream error: %s", provider, chunk.Error.Message)})
				return
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if !t.send(ctx, StreamChunk{Text: chunk.Choices[0].Delta.Content}) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			t.finish(ctx, StreamChunk{Err: fmt.Errorf("%s: stream scan: %w", provider, err)})
		}
	}()

	return ch
}

// settleFunc receives the terminal chunk of a live stream (zero if the
// stream was abandoned) and whether any text was delivered.
type settleFunc func(end StreamChunk, seen bool)

// tally is the sending side of a live stream.
type tally struct {
	ch   chan<- StreamChunk
	seen bool
	end  StreamChunk
}

// send delivers c unless the consumer has gone away.
func (t *tally) send(ctx context.Context, c StreamChunk) bool {
	select {
	case t.ch <- c:
		if c.Text != "" {
			t.seen = true
		}
		return true
	case <-ctx.Done():
		return false
	}
}

// finish delivers the terminal chunk. The upstream context is often already
// done at this point, so buffer space wins over cancellation.
func (t *tally) finish(ctx context.Context, c StreamChunk) {
	t.end = c
	select {
	case t.ch <- c:
		return
	default:
	}
	t.send(ctx, c)
}

func (t *tally) settle(fn settleFunc) {
	if fn != nil {
		fn(t.end, t.seen)
	}
}
