package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/abdhe/mirage/pkg/chat"
	"github.com/abdhe/mirage/pkg/orchestrator"
	"github.com/abdhe/mirage/pkg/provider"
	"github.com/abdhe/mirage/pkg/search"
	"github.com/abdhe/mirage/pkg/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeChat struct {
	mu       sync.Mutex
	requests []chat.Request
	models   []string
	events   []stream.Event
	err      error
}

func (f *fakeChat) Chat(_ context.Context, req chat.Request) (chat.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if err := req.Validate(); err != nil {
		return chat.Failure(err), err
	}
	if f.err != nil {
		return chat.Failure(chat.ErrInternal), f.err
	}
	return chat.Result{Success: true, Response: "echo: " + req.Message, Model: req.Model, Mode: req.Mode}, nil
}

func (f *fakeChat) ChatStream(_ context.Context, req chat.Request) (<-chan stream.Event, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ch := make(chan stream.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeChat) Compare(_ context.Context, req chat.Request, models []string) ([]chat.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.models = models
	f.mu.Unlock()
	if len(models) == 0 {
		return nil, orchestrator.ErrNoModels
	}
	out := make([]chat.Result, len(models))
	for i, m := range models {
		out[i] = chat.Result{Success: true, Response: m + " says hi", Model: m, Mode: req.Mode}
	}
	return out, nil
}

func (f *fakeChat) last() chat.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestRouter(t *testing.T, svc ChatService) *gin.Engine {
	t.Helper()
	chain := search.NewChain(zaptest.NewLogger(t), nil)
	return SetupRouter(svc, chain, RouterConfig{
		AllowOrigins:  []string{"*"},
		CompareModels: []string{"gpt-5", "claude-4"},
		Logger:        zaptest.NewLogger(t),
	})
}

// closeNotifyingRecorder lets gin's Stream run against a recorder.
type closeNotifyingRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *closeNotifyingRecorder) CloseNotify() <-chan bool { return r.closed }

func post(t *testing.T, r http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := &closeNotifyingRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
	r.ServeHTTP(w, req)
	return w.ResponseRecorder
}

// sseEvents splits an SSE body into its data payloads.
func sseEvents(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	for _, frame := range strings.Split(body, "\n\n") {
		if frame == "" {
			continue
		}
		if !strings.HasPrefix(frame, "data: ") {
			t.Fatalf("unexpected frame %q", frame)
		}
		out = append(out, strings.TrimPrefix(frame, "data: "))
	}
	return out
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t, &fakeChat{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("health = %d %s", w.Code, w.Body.String())
	}
}

func TestRequestID(t *testing.T) {
	r := newTestRouter(t, &fakeChat{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("request id = %q, want propagated", got)
	}
}

func TestCORS(t *testing.T) {
	r := newTestRouter(t, &fakeChat{})
	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("missing CORS headers: %v", w.Header())
	}
}

func TestChat_Unary(t *testing.T) {
	svc := &fakeChat{}
	r := newTestRouter(t, svc)

	w := post(t, r, "/api/chat", `{"message":"hello","model":"gpt-5"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var res chat.Result
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Success || res.Response != "echo: hello" || res.Mode != chat.ModeDetailed {
		t.Errorf("unexpected result: %+v", res)
	}
	if !svc.last().UseWebSearch {
		t.Error("useWebSearch should default to true")
	}
}

func TestChat_Validation(t *testing.T) {
	r := newTestRouter(t, &fakeChat{})
	for _, body := range []string{`{"model":"gpt-5"}`, `{"message":"hi"}`, `not json`} {
		w := post(t, r, "/api/chat", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, w.Code)
		}
		want := `{"success":false,"error":"Message and model are required"}`
		if strings.TrimSpace(w.Body.String()) != want {
			t.Errorf("%s: body = %s", body, w.Body.String())
		}
	}

	w := post(t, r, "/api/chat", `{"message":"hi","stream":true}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("stream validation status = %d", w.Code)
	}
}

func TestChat_InternalError(t *testing.T) {
	r := newTestRouter(t, &fakeChat{err: chat.ErrInternal})
	w := post(t, r, "/api/chat", `{"message":"hi","model":"gpt-5"}`)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Internal server error") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestChat_SSE(t *testing.T) {
	svc := &fakeChat{events: []stream.Event{
		stream.Search(search.Progress{Kind: search.ProgressStart, Query: "q"}),
		stream.Chunk("Hel"),
		stream.Chunk("lo"),
		stream.Done(),
	}}
	r := newTestRouter(t, svc)

	w := post(t, r, "/api/chat", `{"message":"hi","model":"gpt-5","stream":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	got := sseEvents(t, w.Body.String())
	want := []string{
		`{"type":"search_start","query":"q"}`,
		`{"chunk":"Hel","done":false}`,
		`{"chunk":"lo","done":false}`,
		`{"chunk":"","done":true}`,
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("events:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestCompare(t *testing.T) {
	svc := &fakeChat{}
	r := newTestRouter(t, svc)

	w := post(t, r, "/api/chat/compare", `{"message":"hi","models":["a","b"],"mode":"concise","useWebSearch":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		Success bool          `json:"success"`
		Results []chat.Result `json:"results"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if !body.Success || len(body.Results) != 2 || body.Results[1].Response != "b says hi" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if req := svc.last(); req.Mode != chat.ModeConcise || req.UseWebSearch {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestCompare_DefaultModels(t *testing.T) {
	svc := &fakeChat{}
	r := newTestRouter(t, svc)

	post(t, r, "/api/chat/compare", `{"message":"hi"}`)
	if strings.Join(svc.models, ",") != "gpt-5,claude-4" {
		t.Fatalf("models = %v", svc.models)
	}
}

func TestWebSocket(t *testing.T) {
	svc := &fakeChat{events: []stream.Event{stream.Chunk("a"), stream.Chunk(" b"), stream.Done()}}
	server := httptest.NewServer(newTestRouter(t, svc))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"message": "hi", "model": "gpt-5"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var events []stream.Event
	for {
		var ev stream.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		events = append(events, ev)
		if ev.Terminal() {
			break
		}
	}

	if len(events) != 3 || events[0].Chunk != "a" || events[2].Kind != stream.KindDone {
		t.Fatalf("events = %+v", events)
	}
}

func TestWebSocket_InvalidRequest(t *testing.T) {
	server := httptest.NewServer(newTestRouter(t, &fakeChat{}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.WriteJSON(map[string]any{"message": "hi"})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev stream.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Kind != stream.KindError || ev.Err != "Message and model are required" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestWebSearch(t *testing.T) {
	r := newTestRouter(t, &fakeChat{})

	w := post(t, r, "/api/websearch", `{"query":"go news"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body struct {
		Success    bool            `json:"success"`
		Query      string          `json:"query"`
		Results    []search.Result `json:"results"`
		SearchInfo search.Info     `json:"searchInfo"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if !body.Success || body.Query != "go news" || len(body.Results) != 1 || body.SearchInfo.TotalResults != 1 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.Results[0].Source != "Fallback Search" {
		t.Errorf("source = %q", body.Results[0].Source)
	}
}

func TestWebSearch_BlankQuery(t *testing.T) {
	r := newTestRouter(t, &fakeChat{})
	for _, path := range []string{"/api/websearch", "/api/websearch/stream"} {
		w := post(t, r, path, `{"query":"   "}`)
		if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "Search query is required") {
			t.Errorf("%s: %d %s", path, w.Code, w.Body.String())
		}
	}
}

func TestWebSearchStream(t *testing.T) {
	r := newTestRouter(t, &fakeChat{})
	w := post(t, r, "/api/websearch/stream", `{"query":"go news"}`)

	frames := sseEvents(t, w.Body.String())
	var kinds []string
	for _, f := range frames {
		var p search.Progress
		if err := json.Unmarshal([]byte(f), &p); err != nil {
			t.Fatalf("decode %s: %v", f, err)
		}
		kinds = append(kinds, string(p.Kind))
	}
	want := "search_start,search_progress,search_result,search_complete"
	if strings.Join(kinds, ",") != want {
		t.Fatalf("kinds = %v, want %s", kinds, want)
	}
}

// TestChat_EndToEnd drives the real orchestrator with a keyless adapter.
func TestChat_EndToEnd(t *testing.T) {
	logger := zaptest.NewLogger(t)
	orch, err := orchestrator.New(orchestrator.Config{
		Providers: map[string]provider.Provider{
			"openrouter": provider.NewOpenRouter(provider.Config{Logger: logger}),
			"mistral":    provider.NewMistral(provider.Config{Logger: logger}),
		},
		Searcher:   search.NewChain(logger, nil),
		Normalizer: stream.NewNormalizer(stream.Pacing{}, logger),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := SetupRouter(orch, search.NewChain(logger, nil), RouterConfig{Logger: logger})

	w := post(t, r, "/api/chat", `{"message":"latest news","model":"claude-4","stream":true}`)
	frames := sseEvents(t, w.Body.String())

	var events []stream.Event
	for _, f := range frames {
		var ev stream.Event
		if err := json.Unmarshal([]byte(f), &ev); err != nil {
			t.Fatalf("decode %s: %v", f, err)
		}
		events = append(events, ev)
	}
	if events[0].Kind != stream.KindSearch {
		t.Errorf("first event = %+v, want search progress", events[0])
	}
	if !events[len(events)-1].Terminal() || events[len(events)-1].Kind != stream.KindDone {
		t.Fatalf("last event = %+v", events[len(events)-1])
	}

	var text bytes.Buffer
	for _, ev := range events {
		text.WriteString(ev.Chunk)
	}
	if !strings.HasPrefix(text.String(), "claude-4 Response: You are Claude 4") ||
		!strings.Contains(text.String(), provider.SimulatedMarker) {
		t.Errorf("unexpected text: %q", text.String())
	}
}
