// Package chat defines the request and result types of a chat turn.
package chat

import (
	"encoding/json"
	"errors"
	"strings"
)

// Mode selects the response style instruction added to the prompt.
type Mode string

const (
	ModeDetailed Mode = "detailed"
	ModeConcise  Mode = "concise"
	ModeCreative Mode = "creative"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeDetailed, ModeConcise, ModeCreative:
		return true
	}
	return false
}

var (
	// ErrInvalidRequest is returned when message or model is missing.
	ErrInvalidRequest = errors.New("Message and model are required")
	// ErrInternal is returned when a turn fails unexpectedly. It carries no
	// detail on purpose.
	ErrInternal = errors.New("Internal server error")
)

// Request is one user turn.
type Request struct {
	Message      string `json:"message"`
	Model        string `json:"model"`
	Mode         Mode   `json:"mode"`
	Stream       bool   `json:"stream"`
	UseWebSearch bool   `json:"useWebSearch"`
}

// NewRequest returns a request with the default mode and web search enabled.
func NewRequest(message, model string) Request {
	return Request{
		Message:      message,
		Model:        model,
		Mode:         ModeDetailed,
		UseWebSearch: true,
	}
}

// UnmarshalJSON applies the defaults for fields absent from the payload.
func (r *Request) UnmarshalJSON(data []byte) error {
	type alias Request
	req := alias{Mode: ModeDetailed, UseWebSearch: true}
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	if req.Mode == "" {
		req.Mode = ModeDetailed
	}
	*r = Request(req)
	return nil
}

// Validate checks the required fields.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Message) == "" || strings.TrimSpace(r.Model) == "" {
		return ErrInvalidRequest
	}
	return nil
}

// Result is the answer to a unary turn.
type Result struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Model    string `json:"model,omitempty"`
	Mode     Mode   `json:"mode,omitempty"`
	Error    string `json:"error,omitempty"`

	// Outcome tells how the response was produced (content, simulated,
	// rate_limited, unavailable, failed).
	Outcome string `json:"outcome,omitempty"`
	// Searched is set when web search results were added to the prompt.
	Searched bool `json:"searched,omitempty"`
}

// Failure builds the unsuccessful result for err.
func Failure(err error) Result {
	return Result{Success: false, Error: err.Error()}
}
