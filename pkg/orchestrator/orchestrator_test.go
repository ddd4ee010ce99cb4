package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/abdhe/mirage/pkg/chat"
	"github.com/abdhe/mirage/pkg/provider"
	"github.com/abdhe/mirage/pkg/resilience"
	"github.com/abdhe/mirage/pkg/search"
	"github.com/abdhe/mirage/pkg/stream"
)

// fakeProvider records prompts and answers with a fixed reply or stream.
type fakeProvider struct {
	name   string
	reply  provider.Reply
	stream func(ctx context.Context) provider.Stream
	panics bool

	mu      sync.Mutex
	prompts []string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Infer(_ context.Context, req provider.Request) provider.Reply {
	f.record(req)
	if f.panics {
		panic("adapter bug")
	}
	return f.reply
}

func (f *fakeProvider) InferStream(ctx context.Context, req provider.Request) provider.Stream {
	f.record(req)
	if f.panics {
		panic("adapter bug")
	}
	if f.stream != nil {
		return f.stream(ctx)
	}
	return provider.Complete(f.reply)
}

func (f *fakeProvider) record(req provider.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, req.Prompt)
}

func (f *fakeProvider) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

type fakeSearcher struct {
	outcome search.Outcome

	mu    sync.Mutex
	count int
}

func (f *fakeSearcher) Search(_ context.Context, _ string) search.Outcome {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
	return f.outcome
}

func (f *fakeSearcher) SearchWithProgress(ctx context.Context, q string, emit func(search.Progress)) search.Outcome {
	emit(search.Progress{Kind: search.ProgressStart, Query: q})
	out := f.Search(ctx, q)
	for i := range out.Results {
		emit(search.Progress{Kind: search.ProgressResult, Result: &out.Results[i], Index: i, Total: len(out.Results)})
	}
	emit(search.Progress{Kind: search.ProgressComplete, Info: out.Info, TotalResults: len(out.Results)})
	return out
}

func (f *fakeSearcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type fixture struct {
	orch       *Orchestrator
	openrouter *fakeProvider
	mistral    *fakeProvider
	searcher   *fakeSearcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		openrouter: &fakeProvider{name: "openrouter", reply: provider.Reply{Text: "from openrouter", Outcome: provider.OutcomeContent}},
		mistral:    &fakeProvider{name: "mistral", reply: provider.Reply{Text: "from mistral", Outcome: provider.OutcomeContent}},
		searcher: &fakeSearcher{outcome: search.Outcome{
			Results: []search.Result{
				{Title: "First", Snippet: "snippet one", Link: "https://a.example"},
				{Title: "Second", Snippet: "snippet two", Link: "https://b.example"},
			},
			Provider: "serper",
		}},
	}
	orch, err := New(Config{
		Providers:  map[string]provider.Provider{"openrouter": f.openrouter, "mistral": f.mistral},
		Searcher:   f.searcher,
		Normalizer: stream.NewNormalizer(stream.Pacing{}, zaptest.NewLogger(t)),
		Logger:     zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.orch = orch
	return f
}

func collect(t *testing.T, ch <-chan stream.Event) []stream.Event {
	t.Helper()
	var events []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func singleTerminal(t *testing.T, events []stream.Event) stream.Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	for i, ev := range events[:len(events)-1] {
		if ev.Terminal() {
			t.Fatalf("event %d is terminal but not last: %+v", i, ev)
		}
	}
	last := events[len(events)-1]
	if !last.Terminal() {
		t.Fatalf("stream ended without a terminal event: %+v", last)
	}
	return last
}

func content(events []stream.Event) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Kind == stream.KindChunk {
			sb.WriteString(ev.Chunk)
		}
	}
	return sb.String()
}

func TestNew_RequiresDefaultProvider(t *testing.T) {
	_, err := New(Config{Providers: map[string]provider.Provider{"openrouter": &fakeProvider{name: "openrouter"}}})
	if err == nil {
		t.Fatal("expected an error without the default provider")
	}
}

func TestChat_InvalidRequestMakesNoCalls(t *testing.T) {
	f := newFixture(t)
	for _, req := range []chat.Request{
		chat.NewRequest("", "gpt-5"),
		chat.NewRequest("latest news", ""),
	} {
		res, err := f.orch.Chat(context.Background(), req)
		if !errors.Is(err, chat.ErrInvalidRequest) {
			t.Fatalf("err = %v, want ErrInvalidRequest", err)
		}
		if res.Success || res.Error != "Message and model are required" {
			t.Errorf("unexpected result: %+v", res)
		}

		if _, err := f.orch.ChatStream(context.Background(), req); !errors.Is(err, chat.ErrInvalidRequest) {
			t.Fatalf("stream err = %v, want ErrInvalidRequest", err)
		}
	}

	if n := len(f.openrouter.calls()) + len(f.mistral.calls()); n != 0 {
		t.Errorf("provider calls = %d, want 0", n)
	}
	if f.searcher.calls() != 0 {
		t.Errorf("search calls = %d, want 0", f.searcher.calls())
	}
}

func TestChat_SearchOnlyWhenRequestedAndTriggered(t *testing.T) {
	cases := []struct {
		message   string
		useSearch bool
		want      bool
	}{
		{"latest news on Go", true, true},
		{"latest news on Go", false, false},
		{"explain closures", true, false},
		{"explain closures", false, false},
	}
	for _, tc := range cases {
		f := newFixture(t)
		req := chat.NewRequest(tc.message, "gpt-5")
		req.UseWebSearch = tc.useSearch

		res, err := f.orch.Chat(context.Background(), req)
		if err != nil {
			t.Fatalf("Chat(%q): %v", tc.message, err)
		}
		if got := f.searcher.calls() == 1; got != tc.want {
			t.Errorf("%q useWebSearch=%v: searched=%v, want %v", tc.message, tc.useSearch, got, tc.want)
		}
		if res.Searched != tc.want {
			t.Errorf("%q: result.Searched = %v, want %v", tc.message, res.Searched, tc.want)
		}
	}
}

func TestChat_SearchResultsReachPrompt(t *testing.T) {
	f := newFixture(t)
	req := chat.NewRequest("latest news on X", "gpt-5")

	if _, err := f.orch.Chat(context.Background(), req); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	prompts := f.openrouter.calls()
	if len(prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(prompts))
	}
	for _, want := range []string{"snippet one", "snippet two", "Cite the sources when relevant."} {
		if !strings.Contains(prompts[0], want) {
			t.Errorf("prompt missing %q:\n%s", want, prompts[0])
		}
	}
}

func TestChat_Routing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, _ := f.orch.Chat(ctx, chat.NewRequest("hi", "claude-4"))
	if res.Response != "from openrouter" {
		t.Errorf("claude-4 served by %q", res.Response)
	}
	res, _ = f.orch.Chat(ctx, chat.NewRequest("hi", "gemini-2.5"))
	if res.Response != "from mistral" {
		t.Errorf("gemini-2.5 served by %q", res.Response)
	}
}

func TestRoute_UnknownProviderFallsBack(t *testing.T) {
	mistral := &fakeProvider{name: "mistral"}
	orch, err := New(Config{
		Providers: map[string]provider.Provider{"mistral": mistral},
		Routes:    map[string]string{"gemini-2.5": "gemini"},
		Logger:    zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p := orch.Route("gemini-2.5"); p != mistral {
		t.Fatalf("route = %v, want mistral", p.Name())
	}
}

func TestChat_EmptyReplyGetsFallback(t *testing.T) {
	f := newFixture(t)
	f.mistral.reply = provider.Reply{Outcome: provider.OutcomeContent}

	res, err := f.orch.Chat(context.Background(), chat.NewRequest("hi", "other"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Response != stream.FallbackText("other") {
		t.Fatalf("response = %q", res.Response)
	}
}

func TestChat_PanicBecomesInternalError(t *testing.T) {
	f := newFixture(t)
	f.openrouter.panics = true

	res, err := f.orch.Chat(context.Background(), chat.NewRequest("hi", "gpt-5"))
	if !errors.Is(err, chat.ErrInternal) {
		t.Fatalf("err = %v, want ErrInternal", err)
	}
	if res.Success || res.Error != "Internal server error" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestChatStream_SearchProgressPrecedesContent(t *testing.T) {
	f := newFixture(t)
	req := chat.NewRequest("latest news on X", "gpt-5")
	req.Stream = true

	ch, err := f.orch.ChatStream(context.Background(), req)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	events := collect(t, ch)

	if last := singleTerminal(t, events); last.Kind != stream.KindDone {
		t.Fatalf("last = %+v, want done", last)
	}

	firstChunk := -1
	lastSearch := -1
	for i, ev := range events {
		switch ev.Kind {
		case stream.KindSearch:
			lastSearch = i
		case stream.KindChunk:
			if firstChunk < 0 {
				firstChunk = i
			}
		}
	}
	if lastSearch < 0 || firstChunk < 0 || lastSearch > firstChunk {
		t.Fatalf("search events must precede content: search=%d chunk=%d", lastSearch, firstChunk)
	}
	if events[0].Search.Kind != search.ProgressStart {
		t.Errorf("first event = %+v, want search_start", events[0])
	}
	if content(events) != "from openrouter" {
		t.Errorf("content = %q", content(events))
	}
}

func TestChatStream_ErrorBeforeContentFallsBack(t *testing.T) {
	f := newFixture(t)
	f.openrouter.stream = func(context.Context) provider.Stream {
		ch := make(chan provider.StreamChunk, 1)
		ch <- provider.StreamChunk{Err: errors.New("socket closed")}
		close(ch)
		return provider.Live(ch)
	}

	ch, _ := f.orch.ChatStream(context.Background(), chat.NewRequest("hi", "gpt-5"))
	events := collect(t, ch)

	if last := singleTerminal(t, events); last.Kind != stream.KindDone {
		t.Fatalf("last = %+v, want done", last)
	}
	if content(events) != stream.FallbackText("gpt-5") {
		t.Fatalf("content = %q", content(events))
	}
}

func TestChatStream_TimeoutStillTerminates(t *testing.T) {
	f := newFixture(t)
	f.openrouter.stream = func(ctx context.Context) provider.Stream {
		ch := make(chan provider.StreamChunk)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return provider.Live(ch)
	}
	orch, err := New(Config{
		Providers:      map[string]provider.Provider{"openrouter": f.openrouter, "mistral": f.mistral},
		Normalizer:     stream.NewNormalizer(stream.Pacing{}, zaptest.NewLogger(t)),
		RequestTimeout: 50 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, _ := orch.ChatStream(context.Background(), chat.NewRequest("hi", "gpt-5"))
	events := collect(t, ch)

	if last := singleTerminal(t, events); last.Kind != stream.KindDone {
		t.Fatalf("last = %+v, want done", last)
	}
	if content(events) != stream.FallbackText("gpt-5") {
		t.Fatalf("content = %q", content(events))
	}
}

func TestChatStream_PanicEndsWithError(t *testing.T) {
	f := newFixture(t)
	f.openrouter.panics = true

	ch, err := f.orch.ChatStream(context.Background(), chat.NewRequest("hi", "gpt-5"))
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	events := collect(t, ch)

	last := singleTerminal(t, events)
	if last.Kind != stream.KindError || last.Err != "Internal server error" {
		t.Fatalf("last = %+v", last)
	}
}

func TestCompare_PreservesOrder(t *testing.T) {
	f := newFixture(t)
	models := []string{"gpt-5", "gemini-2.5", "claude-4"}

	results, err := f.orch.Compare(context.Background(), chat.NewRequest("hi", ""), models)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}

	want := []string{"from openrouter", "from mistral", "from openrouter"}
	for i, res := range results {
		if res.Model != models[i] || res.Response != want[i] || !res.Success {
			t.Errorf("result %d = %+v", i, res)
		}
	}
}

func TestCompare_Validation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.Compare(context.Background(), chat.NewRequest("", ""), []string{"gpt-5"}); !errors.Is(err, chat.ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
	if _, err := f.orch.Compare(context.Background(), chat.NewRequest("hi", ""), nil); !errors.Is(err, ErrNoModels) {
		t.Errorf("err = %v, want ErrNoModels", err)
	}
}

// The scenarios below run real adapters against test servers.

func realOrchestrator(t *testing.T, openrouter provider.Provider) *Orchestrator {
	t.Helper()
	orch, err := New(Config{
		Providers: map[string]provider.Provider{
			"openrouter": openrouter,
			"mistral":    provider.NewMistral(provider.Config{Logger: zaptest.NewLogger(t)}),
		},
		Normalizer: stream.NewNormalizer(stream.Pacing{}, zaptest.NewLogger(t)),
		Logger:     zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return orch
}

func TestScenario_NoCredentialsSimulated(t *testing.T) {
	orch := realOrchestrator(t, provider.NewOpenRouter(provider.Config{Logger: zaptest.NewLogger(t)}))

	res, err := orch.Chat(context.Background(), chat.Request{Message: "hello", Model: "gpt-5", Mode: chat.ModeDetailed})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !res.Success {
		t.Fatalf("unexpected failure: %+v", res)
	}
	if !strings.Contains(res.Response, provider.SimulatedMarker) {
		t.Errorf("response lacks the simulated marker: %q", res.Response)
	}
	if !strings.Contains(res.Response, "Question: hello") {
		t.Errorf("response does not echo the prompt: %q", res.Response)
	}
	if res.Outcome != string(provider.OutcomeSimulated) {
		t.Errorf("outcome = %q", res.Outcome)
	}
}

func TestScenario_RateLimitedIsStillSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	openrouter := provider.NewOpenRouter(provider.Config{
		Keys:    resilience.NewKeyPool([]string{"k"}),
		BaseURL: server.URL,
		Logger:  zaptest.NewLogger(t),
	})
	orch := realOrchestrator(t, openrouter)

	res, err := orch.Chat(context.Background(), chat.NewRequest("hi", "gpt-5"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !res.Success {
		t.Fatalf("rate limiting must not fail the turn: %+v", res)
	}
	if !strings.HasPrefix(res.Response, "gpt-5 Response: I'm currently experiencing high demand.") {
		t.Errorf("unexpected response: %q", res.Response)
	}
	if res.Outcome != string(provider.OutcomeRateLimited) {
		t.Errorf("outcome = %q", res.Outcome)
	}
}

func TestScenario_DeadlineAfterContentEndsWithError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Partial\"}}]}\n\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	openrouter := provider.NewOpenRouter(provider.Config{
		Keys:    resilience.NewKeyPool([]string{"k"}),
		BaseURL: server.URL,
		Logger:  zaptest.NewLogger(t),
	})
	orch, err := New(Config{
		Providers: map[string]provider.Provider{
			"openrouter": openrouter,
			"mistral":    provider.NewMistral(provider.Config{Logger: zaptest.NewLogger(t)}),
		},
		Normalizer:     stream.NewNormalizer(stream.Pacing{}, zaptest.NewLogger(t)),
		RequestTimeout: 100 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 10; i++ {
		ch, err := orch.ChatStream(context.Background(), chat.NewRequest("hi", "gpt-5"))
		if err != nil {
			t.Fatalf("ChatStream: %v", err)
		}
		events := collect(t, ch)

		if last := singleTerminal(t, events); last.Kind != stream.KindError {
			t.Fatalf("turn %d: last = %+v, want error", i, last)
		}
		if content(events) != "Partial" {
			t.Fatalf("turn %d: content = %q", i, content(events))
		}
	}
}
