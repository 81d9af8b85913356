package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/kalambet/tellus/internal/classify"
	"github.com/kalambet/tellus/internal/config"
	"github.com/kalambet/tellus/internal/routing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"model not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestRouteQuery(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/route": `{"pattern":"router_based","models":["anthropic/claude-sonnet-4"],"primary_model":"anthropic/claude-sonnet-4","requires_synthesis":false,"matches":[{"domain":"meteorology","confidence":0.33,"matched_keywords":["forecast"]}],"complexity":"low"}`,
	})

	d, err := routeQuery(ctx, ts.client(), "what is the forecast")
	if err != nil {
		t.Fatalf("routeQuery: %v", err)
	}
	if d.Pattern != routing.RouterBased || d.PrimaryModel != "anthropic/claude-sonnet-4" {
		t.Errorf("decision = %+v", d)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["query"] != "what is the forecast" {
		t.Errorf("body.query = %v", body["query"])
	}
}

func TestFetchStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /distillation/status": `{"is_running":false,"available_models":["hydrology-specialist"],"interaction_count":12,"last_outcome":"deployed"}`,
	})

	st, err := fetchStatus(ctx, ts.client())
	if err != nil {
		t.Fatalf("fetchStatus: %v", err)
	}
	if st.InteractionCount != 12 || len(st.AvailableModels) != 1 || st.LastOutcome != "deployed" {
		t.Errorf("status = %+v", st)
	}
}

func TestDecodeJSON_APIErrorMessage(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	resp, err := ts.client().get(ctx, "/models/ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = decodeJSON(resp, &struct{}{})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "model not found") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestClient_ServerStopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestClient_PatchSendsBody(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PATCH /interactions/abc/feedback": `{"id":"abc","quality_score":0.9,"feedback":"positive"}`,
	})

	resp, err := ts.client().patch(ctx, "/interactions/abc/feedback", map[string]any{"feedback": "positive"})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	var rec struct {
		QualityScore float64 `json:"quality_score"`
	}
	if err := decodeJSON(resp, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.QualityScore != 0.9 {
		t.Errorf("quality = %v", rec.QualityScore)
	}
	if got := ts.requests[0].Body; got != `{"feedback":"positive"}` {
		t.Errorf("body = %s", got)
	}
}

func newIngestCmd(t *testing.T, flags map[string]string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{}
	for _, name := range []string{"domain", "text", "url", "file", "title"} {
		cmd.Flags().String(name, "", "")
	}
	for k, v := range flags {
		if err := cmd.Flags().Set(k, v); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}
	return cmd
}

func TestIngestRequest(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.md")
	os.WriteFile(notes, []byte("Wetlands store carbon."), 0o644)
	report := filepath.Join(dir, "survey.PDF")
	os.WriteFile(report, []byte("%PDF-1.4 fake"), 0o644)

	tests := []struct {
		name  string
		flags map[string]string
		want  map[string]any
	}{
		{
			name:  "text",
			flags: map[string]string{"domain": "ecology", "text": "hello"},
			want:  map[string]any{"domain": "ecology", "source": "cli", "type": "text", "content": "hello"},
		},
		{
			name:  "url with title",
			flags: map[string]string{"domain": "air_quality", "url": "https://example.org/ozone", "title": "Ozone"},
			want:  map[string]any{"domain": "air_quality", "source": "cli", "type": "url", "url": "https://example.org/ozone", "title": "Ozone"},
		},
		{
			name:  "text file",
			flags: map[string]string{"domain": "ecology", "file": notes},
			want:  map[string]any{"domain": "ecology", "source": "cli", "type": "text", "content": "Wetlands store carbon.", "title": "notes.md"},
		},
		{
			name:  "pdf file",
			flags: map[string]string{"domain": "ecology", "file": report},
			want: map[string]any{"domain": "ecology", "source": "cli", "type": "pdf", "title": "survey.PDF",
				"content": base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 fake"))},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ingestRequest(newIngestCmd(t, tt.flags))
			if err != nil {
				t.Fatalf("ingestRequest: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("request mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIngestRequest_Errors(t *testing.T) {
	if _, err := ingestRequest(newIngestCmd(t, map[string]string{"text": "x"})); err == nil || !strings.Contains(err.Error(), "--domain") {
		t.Errorf("missing domain error = %v", err)
	}
	if _, err := ingestRequest(newIngestCmd(t, map[string]string{"domain": "ecology"})); err == nil || !strings.Contains(err.Error(), "required") {
		t.Errorf("missing content error = %v", err)
	}
	if _, err := ingestRequest(newIngestCmd(t, map[string]string{"domain": "ecology", "file": "/does/not/exist"})); err == nil {
		t.Error("unreadable file should fail")
	}
}

func TestRootCommand_ArgValidation(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	tests := [][]string{
		{"route"},
		{"models", "rate", "hydrology-specialist"},
		{"interactions", "show"},
		{"config", "set", "server.port"},
	}
	for _, args := range tests {
		rootCmd.SetArgs(args)
		if err := rootCmd.Execute(); err == nil {
			t.Errorf("%v: expected argument error", args)
		}
	}
}

func TestEnsureToken(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	calls := 0
	gen := func() string {
		calls++
		return "generated-token"
	}

	tok, err := ensureToken(dir, gen)
	if err != nil {
		t.Fatalf("ensureToken: %v", err)
	}
	if tok != "generated-token" {
		t.Errorf("token = %q", tok)
	}

	again, err := ensureToken(dir, gen)
	if err != nil {
		t.Fatalf("second ensureToken: %v", err)
	}
	if again != tok || calls != 1 {
		t.Errorf("token regenerated: %q, calls = %d", again, calls)
	}

	info, err := os.Stat(tokenPath(dir))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}
}

func TestReadToken_Empty(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(tokenPath(dir), []byte("  \n"), 0o600)
	if _, err := readToken(dir); err == nil {
		t.Error("empty token file should be an error")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLocalModels(t *testing.T) {
	var cfg config.Config
	cfg.Ollama.BaseModel = "llama3.2"
	cfg.Routing.FallbackModel = "qwen2.5"
	domains := []classify.Domain{
		{Name: "meteorology", TeacherModels: []string{"anthropic/claude-sonnet-4", "llama3.2"}},
		{Name: "ecology", TeacherModels: []string{"mistral"}},
	}

	want := []string{"llama3.2", "qwen2.5", "anthropic/claude-sonnet-4", "llama3.2", "mistral"}
	if diff := cmp.Diff(want, localModels(cfg, domains)); diff != "" {
		t.Errorf("localModels mismatch (-want +got):\n%s", diff)
	}
}

func TestTruncateAndShortID(t *testing.T) {
	if got := truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestRunInBackground_StopWaitsForReturn(t *testing.T) {
	var finished atomic.Bool
	started := make(chan struct{})
	stop := runInBackground(context.Background(), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		// an attempt still committing its stage after cancellation
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})
	<-started

	stop()
	if !finished.Load() {
		t.Error("stop returned before the background run finished")
	}
}

func TestRunInBackground_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	stop := runInBackground(ctx, func(ctx context.Context) {
		<-ctx.Done()
		close(exited)
	})
	cancel()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("background run ignored parent cancellation")
	}
	stop()
}
