package search

import (
	"encoding/json"
	"fmt"
)

// ProgressKind names a search progress event.
type ProgressKind string

const (
	ProgressStart    ProgressKind = "search_start"
	ProgressUpdate   ProgressKind = "search_progress"
	ProgressResult   ProgressKind = "search_result"
	ProgressComplete ProgressKind = "search_complete"
)

// Progress is one event emitted while a streamed search runs. Which fields
// are meaningful depends on Kind.
type Progress struct {
	Kind    ProgressKind
	Query   string // start
	Message string // start, progress

	Result *Result // result
	Index  int     // result, zero-based
	Total  int     // result

	Info         Info // complete
	TotalResults int  // complete
}

type progressWire struct {
	Type         ProgressKind `json:"type"`
	Query        string       `json:"query,omitempty"`
	Message      string       `json:"message,omitempty"`
	Result       *Result      `json:"result,omitempty"`
	Index        *int         `json:"index,omitempty"`
	Total        *int         `json:"total,omitempty"`
	SearchInfo   *Info        `json:"searchInfo,omitempty"`
	TotalResults *int         `json:"totalResults,omitempty"`
}

// MarshalJSON renders only the fields belonging to the event kind.
func (p Progress) MarshalJSON() ([]byte, error) {
	w := progressWire{Type: p.Kind}
	switch p.Kind {
	case ProgressStart:
		w.Query = p.Query
		w.Message = p.Message
	case ProgressUpdate:
		w.Message = p.Message
	case ProgressResult:
		w.Result = p.Result
		w.Index = &p.Index
		w.Total = &p.Total
	case ProgressComplete:
		w.SearchInfo = &p.Info
		w.TotalResults = &p.TotalResults
	default:
		return nil, fmt.Errorf("search: unknown progress kind %q", p.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes any progress event.
func (p *Progress) UnmarshalJSON(data []byte) error {
	var w progressWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = Progress{Kind: w.Type, Query: w.Query, Message: w.Message, Result: w.Result}
	if w.Index != nil {
		p.Index = *w.Index
	}
	if w.Total != nil {
		p.Total = *w.Total
	}
	if w.SearchInfo != nil {
		p.Info = *w.SearchInfo
	}
	if w.TotalResults != nil {
		p.TotalResults = *w.TotalResults
	}
	return nil
}
