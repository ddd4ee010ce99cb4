package prompt

import (
	"strings"
	"testing"

	"github.com/abdhe/mirage/pkg/chat"
	"github.com/abdhe/mirage/pkg/search"
)

func TestBuild_Persona(t *testing.T) {
	got := Build("gpt-5", "hello", chat.ModeDetailed, nil)
	want := "You are GPT-5, the most advanced AI model from OpenAI. " +
		"Provide comprehensive, detailed explanations with examples, context, and thorough analysis. " +
		"Use your vast knowledge to give well-reasoned responses and consider multiple perspectives." +
		"\n\nQuestion: hello"
	if got != want {
		t.Fatalf("prompt mismatch:\n got: %q\nwant: %q", got, want)
	}
}

func TestBuild_GenericPersona(t *testing.T) {
	got := Build("llama-9", "hi", chat.ModeConcise, nil)
	want := "You are an AI assistant. Give brief, direct answers that focus on key points without unnecessary elaboration.\n\nQuestion: hi"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuild_UnknownModeFallsBackToDetailed(t *testing.T) {
	got := Build("claude-4", "hi", chat.Mode("poetic"), nil)
	if !strings.Contains(got, Instruction(chat.ModeDetailed)) {
		t.Fatalf("prompt %q lacks the detailed instruction", got)
	}
}

func TestBuild_SearchResults(t *testing.T) {
	outcome := &search.Outcome{Results: []search.Result{
		{Title: "First", Snippet: "snippet one", Link: "https://a.example"},
		{Title: "Second", Snippet: "snippet two", Link: "https://b.example"},
	}}

	got := Build("gemini-2.5", "latest news on X", chat.ModeCreative, outcome)

	wantTail := "\n\nQuestion: latest news on X\n\nWeb Search Results:\n" +
		"1. First\n   snippet one\n   Source: https://a.example\n\n" +
		"2. Second\n   snippet two\n   Source: https://b.example\n\n" +
		citeInstruction
	if !strings.HasSuffix(got, wantTail) {
		t.Fatalf("unexpected prompt tail:\n%s", got)
	}
	if !strings.HasPrefix(got, "You are Gemini 2.5 from Google. Respond with creativity") {
		t.Errorf("unexpected persona: %q", got)
	}
}

func TestBuild_EmptyOutcomeAddsNothing(t *testing.T) {
	plain := Build("gpt-5", "q", chat.ModeDetailed, nil)
	empty := Build("gpt-5", "q", chat.ModeDetailed, &search.Outcome{})
	if plain != empty {
		t.Fatalf("empty outcome changed the prompt: %q", empty)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	outcome := &search.Outcome{Results: []search.Result{{Title: "t", Snippet: "s", Link: "l"}}}
	a := Build("claude-4", "who is X", chat.ModeConcise, outcome)
	b := Build("claude-4", "who is X", chat.ModeConcise, outcome)
	if a != b {
		t.Fatal("Build is not deterministic")
	}
}
