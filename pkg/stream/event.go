// Package stream turns provider output of any shape into the uniform event
// sequence sent to clients.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/abdhe/mirage/pkg/search"
)

// Kind tags an Event.
type Kind int

const (
	KindChunk Kind = iota
	KindDone
	KindError
	KindSearch
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	case KindSearch:
		return "search"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is one unit pushed to the caller. Done and Error events are
// terminal: nothing follows them.
type Event struct {
	Kind   Kind
	Chunk  string
	Err    string
	Search *search.Progress
}

func Chunk(text string) Event { return Event{Kind: KindChunk, Chunk: text} }

func Done() Event { return Event{Kind: KindDone} }

func Error(msg string) Event { return Event{Kind: KindError, Err: msg} }

func Search(p search.Progress) Event { return Event{Kind: KindSearch, Search: &p} }

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool { return e.Kind == KindDone || e.Kind == KindError }

type chunkWire struct {
	Chunk string `json:"chunk"`
	Done  bool   `json:"done"`
}

type errorWire struct {
	Error string `json:"error"`
	Done  bool   `json:"done"`
}

// MarshalJSON renders the wire frames {chunk,done:false}, {chunk:"",done:true},
// {error,done:true}, or a search progress object.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindChunk:
		return json.Marshal(chunkWire{Chunk: e.Chunk})
	case KindDone:
		return json.Marshal(chunkWire{Done: true})
	case KindError:
		return json.Marshal(errorWire{Error: e.Err, Done: true})
	case KindSearch:
		if e.Search == nil {
			return nil, fmt.Errorf("stream: search event without progress")
		}
		return json.Marshal(e.Search)
	default:
		return nil, fmt.Errorf("stream: unknown event kind %v", e.Kind)
	}
}

// UnmarshalJSON decodes any frame produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type  string  `json:"type"`
		Chunk string  `json:"chunk"`
		Done  bool    `json:"done"`
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	switch {
	case strings.HasPrefix(probe.Type, "search_"):
		var p search.Progress
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*e = Search(p)
	case probe.Error != nil:
		*e = Error(*probe.Error)
	case probe.Done:
		*e = Done()
	default:
		*e = Chunk(probe.Chunk)
	}
	return nil
}
