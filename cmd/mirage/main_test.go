package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/abdhe/mirage/pkg/provider"
	"github.com/abdhe/mirage/pkg/search"
	"github.com/abdhe/mirage/pkg/stream"
	"github.com/abdhe/mirage/pkg/version"
)

const testConfig = `
log:
  level: error
chat:
  pacing_min: 0s
  pacing_jitter: 0s
resilience:
  simulated_delay: 0s
  simulated_jitter: 0s
  failure_delay: 0s
  pacer_interval: 0s
`

func writeConfig(t *testing.T) string {
	t.Helper()
	for _, env := range []string{"OPENROUTER_API_KEY", "MISTRAL_API_KEY", "GEMINI_API_KEY", "SERPER_API_KEY", "BING_API_KEY"} {
		t.Setenv(env, "")
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("mirage %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestAsk_Simulated(t *testing.T) {
	path := writeConfig(t)

	out := run(t, "--config", path, "ask", "--model", "gpt-5", "--no-search", "hello", "there")
	if !strings.HasPrefix(out, "gpt-5 Response:") {
		t.Errorf("output = %q, want gpt-5 label", out)
	}
	if !strings.Contains(out, "hello there") {
		t.Errorf("output = %q, want the question echoed", out)
	}
	if !strings.Contains(out, provider.SimulatedMarker) {
		t.Errorf("output = %q, want simulated marker", out)
	}
}

func TestAsk_StreamDefaultProvider(t *testing.T) {
	path := writeConfig(t)

	out := run(t, "--config", path, "ask", "--model", "some-model", "--stream", "--no-search", "hi")
	if !strings.HasPrefix(out, "Mistral AI Response:") {
		t.Errorf("output = %q, want Mistral label", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Errorf("output = %q, want trailing newline after done", out)
	}
}

func TestAsk_StreamWithSearch(t *testing.T) {
	path := writeConfig(t)

	out := run(t, "--config", path, "ask", "--stream", "what is the latest news")
	if !strings.Contains(out, "[") {
		t.Errorf("output = %q, want search progress lines", out)
	}
	if !strings.Contains(out, "gpt-5 Response:") {
		t.Errorf("output = %q, want answer", out)
	}
}

func TestPrintEvents(t *testing.T) {
	ch := make(chan stream.Event, 4)
	ch <- stream.Search(search.Progress{Kind: search.ProgressStart, Message: "Searching the web..."})
	ch <- stream.Chunk("Hello")
	ch <- stream.Chunk(" world")
	ch <- stream.Done()
	close(ch)

	var out bytes.Buffer
	if err := printEvents(&out, ch); err != nil {
		t.Fatalf("printEvents: %v", err)
	}
	if got, want := out.String(), "[Searching the web...]\nHello world\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestPrintEvents_Error(t *testing.T) {
	ch := make(chan stream.Event, 2)
	ch <- stream.Chunk("partial")
	ch <- stream.Error("upstream broke")
	close(ch)

	var out bytes.Buffer
	err := printEvents(&out, ch)
	if err == nil || !strings.Contains(err.Error(), "upstream broke") {
		t.Errorf("err = %v, want stream error", err)
	}
}

func TestVersion(t *testing.T) {
	if got := strings.TrimSpace(run(t, "version", "-o", "short")); got != version.Get().String() {
		t.Errorf("version = %q, want %q", got, version.Get().String())
	}
	if got := run(t, "version", "-o", "json"); !strings.Contains(got, `"gitVersion"`) {
		t.Errorf("json version = %q", got)
	}
}
