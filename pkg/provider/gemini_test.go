package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGemini_Infer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.5-flash:generateContent" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "gk" {
			t.Errorf("unexpected key header: %q", got)
		}
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"Hi "},{"text":"there"}]}}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2}}`)
	}))
	defer server.Close()

	p := NewGemini(testConfig(t, server.URL, "gk"))
	reply := p.Infer(context.Background(), Request{ModelID: "gemini-2.5", Prompt: "p"})

	if reply.Text != "Hi there" || reply.Outcome != OutcomeContent {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.PromptTokens != 5 || reply.OutputTokens != 2 {
		t.Errorf("unexpected usage: %+v", reply)
	}
}

func TestGemini_StreamArray(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.0-flash:streamGenerateContent" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `[{"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`)
		flusher.Flush()
		fmt.Fprint(w, ",\r\n"+`{"candidates":[{"content":{"parts":[{"text":"lo"}]}}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2}}`)
		fmt.Fprint(w, "]")
	}))
	defer server.Close()

	p := NewGemini(testConfig(t, server.URL, "gk"))
	chunks := collect(t, p.InferStream(context.Background(), Request{ModelID: "unknown", Prompt: "p"}))

	if len(chunks) != 3 {
		t.Fatalf("chunks = %+v, want 3", chunks)
	}
	if chunks[0].Text != "Hel" || chunks[1].Text != "lo" {
		t.Errorf("unexpected texts: %+v", chunks)
	}
	if !chunks[2].Done || chunks[2].OutputTokens != 2 {
		t.Errorf("unexpected final chunk: %+v", chunks[2])
	}
}

func TestGemini_StreamMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"not":"an array"}`)
	}))
	defer server.Close()

	p := NewGemini(testConfig(t, server.URL, "gk"))
	chunks := collect(t, p.InferStream(context.Background(), Request{ModelID: "gemini-2.5", Prompt: "p"}))

	if len(chunks) != 1 || chunks[0].Err == nil {
		t.Fatalf("expected a single error chunk, got %+v", chunks)
	}
}
