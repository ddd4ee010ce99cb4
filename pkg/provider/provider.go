// Package provider defines the upstream model adapters and the degraded-reply
// contract they share: an adapter never returns an error, it returns text.
package provider

import (
	"context"
	"fmt"
)

// Request represents one prompt dispatched to an upstream model.
type Request struct {
	ModelID string // logical model name, e.g. "gpt-5"
	Prompt  string
}

// Outcome classifies how a Reply was produced.
type Outcome string

const (
	OutcomeContent     Outcome = "content"      // real upstream content
	OutcomeSimulated   Outcome = "simulated"    // no credential configured
	OutcomeRateLimited Outcome = "rate_limited" // upstream 429 or key pool exhausted
	OutcomeUnavailable Outcome = "unavailable"  // upstream 404 / model not found
	OutcomeFailed      Outcome = "failed"       // any other upstream failure
)

// Reply is a complete answer, real or degraded. Degraded replies carry
// fallback text that callers render exactly like real content.
type Reply struct {
	Text         string
	Outcome      Outcome
	PromptTokens int32
	OutputTokens int32
}

// Degraded reports whether the reply is a stand-in for upstream content.
func (r Reply) Degraded() bool { return r.Outcome != OutcomeContent }

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Text         string
	Done         bool
	PromptTokens int32 // Set on final chunk when the upstream reports usage
	OutputTokens int32 // Set on final chunk when the upstream reports usage
	Err          error // Non-nil if the stream encountered an error
}

// StreamKind tags the shape of a Stream.
type StreamKind int

const (
	// StreamComplete carries a finished Reply that still has to be paced out.
	StreamComplete StreamKind = iota
	// StreamLive carries decoded upstream deltas as they arrive.
	StreamLive
)

func (k StreamKind) String() string {
	switch k {
	case StreamComplete:
		return "complete"
	case StreamLive:
		return "live"
	default:
		return fmt.Sprintf("StreamKind(%d)", int(k))
	}
}

// Stream is the result of a streaming call. Exactly one of Reply (for
// StreamComplete) or Chunks (for StreamLive) is meaningful. Chunks is closed
// by the adapter when the upstream finishes or the context is cancelled.
type Stream struct {
	Kind   StreamKind
	Reply  Reply
	Chunks <-chan StreamChunk
}

// Complete wraps a finished reply as a stream.
func Complete(r Reply) Stream { return Stream{Kind: StreamComplete, Reply: r} }

// Live wraps an open delta channel as a stream.
func Live(ch <-chan StreamChunk) Stream { return Stream{Kind: StreamLive, Chunks: ch} }

// Provider is the interface that all model backends implement.
type Provider interface {
	// Name returns the identifier used in routing and metrics (e.g. "openrouter").
	Name() string

	// Infer performs a unary call. It never fails: missing credentials and
	// upstream errors come back as a degraded Reply.
	Infer(ctx context.Context, req Request) Reply

	// InferStream performs a streaming call. Like Infer it never fails; when
	// no live stream can be opened it returns a StreamComplete fallback.
	InferStream(ctx context.Context, req Request) Stream
}

// APIError is a non-2xx answer from an upstream API.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus exposes the status code to resilience classification.
func (e *APIError) HTTPStatus() int { return e.StatusCode }
