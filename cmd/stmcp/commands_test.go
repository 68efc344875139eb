package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pianzhu/smartthings-mcp/internal/config"
	"github.com/pianzhu/smartthings-mcp/internal/fallback"
	"github.com/pianzhu/smartthings-mcp/internal/hub"
	"github.com/pianzhu/smartthings-mcp/internal/storage"
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
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error"}}`))
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

// useTestServer points the CLI commands at ts for the rest of the test.
func useTestServer(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	oldColor := noColor
	noColor = true
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		noColor = oldColor
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Server.Port = 4100
	cfg.Hub.Token = "hub-token"
	cfg.Hub.RateLimit = 10
	cfg.Batch.Concurrency = 2
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Search.Limit = 5
	return cfg
}

func useConfig(t *testing.T, cfg config.Config) {
	t.Helper()
	old := loadConfig
	loadConfig = func() (config.Config, error) { return cfg, nil }
	t.Cleanup(func() { loadConfig = old })
}

type stubRegistry struct {
	devices []hub.Device
	queries []string
}

func (s *stubRegistry) Search(ctx context.Context, query string, limit int) ([]hub.Device, error) {
	s.queries = append(s.queries, query)
	var out []hub.Device
	for _, d := range s.devices {
		if strings.Contains(strings.ToLower(d.Name), strings.ToLower(query)) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *stubRegistry) Status(ctx context.Context, id string) (hub.Status, error) {
	return hub.Status{}, hub.ErrDeviceNotFound
}

func (s *stubRegistry) ApplyCommands(ctx context.Context, id string, cmds []hub.Command) (hub.CommandResult, error) {
	return hub.CommandResult{}, nil
}

func (s *stubRegistry) Commands(ctx context.Context, id, capability string) (hub.CommandInfo, error) {
	return hub.CommandInfo{}, nil
}

func (s *stubRegistry) Summary(ctx context.Context) (hub.Summary, error) {
	return hub.Summary{}, nil
}

func (s *stubRegistry) History(ctx context.Context, q hub.HistoryQuery) ([]hub.Event, error) {
	return nil, nil
}

var ctx = context.Background()

func TestTurnCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/conversations/living room/turns": `{"conversation_id":"living room","turn":1,
			"workflow":{"intent":"CONTROL","steps":[],"requires_confirmation":true,"description":"Control device"},
			"steps":[{"index":0,"operation":"search_devices","description":"Search devices","status":"ok"}],
			"multi_device":false,"estimated_device_count":1,"prefer_batch":false,"user_message":"done"}`,
	})
	useTestServer(t, ts)

	out, err := runCLI(t, "turn", "living room", "turn", "on", "the", "lamp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "living room turn 1, CONTROL") || !strings.Contains(out, "✓ 1. Search devices") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "done") {
		t.Errorf("user message missing from %q", out)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Path != "/v1/conversations/living%20room/turns" {
		t.Errorf("path = %q", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", r.Auth)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["text"] != "turn on the lamp" || body["confirm"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestTurnCommand_MissingArgs(t *testing.T) {
	_, err := runCLI(t, "turn", "only-conversation")
	if err == nil {
		t.Fatal("expected error for missing text")
	}
	if !strings.Contains(err.Error(), "requires at least 2 arg") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestContextCommand_Reset(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /v1/conversations/c1": `{"status":"deleted"}`,
	})
	useTestServer(t, ts)

	if _, err := runCLI(t, "context", "c1", "--reset"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	contextCmd.Flags().Set("reset", "false")

	if len(ts.requests) != 1 || ts.requests[0].Method != http.MethodDelete {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestContextCommand_UnknownConversation(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	useTestServer(t, ts)

	_, err := runCLI(t, "context", "missing")
	if err == nil || !strings.Contains(err.Error(), "404: not found") {
		t.Errorf("err = %v", err)
	}
}

func TestJournalList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/journal": `[{"id":"j1","created_at":"2026-01-01T08:00:00Z","device_id":"d1","device_name":"Lamp",
			"commands":"[{\"capability\":\"switch\",\"command\":\"on\"}]","status":"success","source":"turn"}]`,
	})
	useTestServer(t, ts)

	out, err := runCLI(t, "journal", "list", "--limit", "5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Lamp") || !strings.Contains(out, "success") {
		t.Errorf("output = %q", out)
	}
	if ts.requests[0].Path != "/v1/journal?limit=5" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestJournalList_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /v1/journal": `[]`})
	useTestServer(t, ts)

	out, err := runCLI(t, "journal", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No commands recorded.") {
		t.Errorf("output = %q", out)
	}
}

func TestPlanCommand(t *testing.T) {
	useConfig(t, testConfig())

	out, err := runCLI(t, "plan", "turn on the living room lamp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var plan struct {
		Workflow struct {
			Intent string `json:"intent"`
			Steps  []struct {
				Operation string `json:"operation"`
			} `json:"steps"`
		} `json:"workflow"`
	}
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		t.Fatalf("plan output is not JSON: %v\n%s", err, out)
	}
	if plan.Workflow.Intent != "CONTROL" || len(plan.Workflow.Steps) == 0 {
		t.Fatalf("plan = %+v", plan.Workflow)
	}
	if plan.Workflow.Steps[0].Operation != "search_devices" {
		t.Errorf("first step = %s", plan.Workflow.Steps[0].Operation)
	}
}

func TestClassifyCommand(t *testing.T) {
	out, err := runCLI(t, "classify", "if the temperature is above 28 then turn on the fan")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Intent: CONDITIONAL_CONTROL", "Condition:", "> 28", "Action:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSearchCommand(t *testing.T) {
	useConfig(t, testConfig())
	reg := &stubRegistry{devices: []hub.Device{
		{ID: "1", FullID: "lamp-1", Name: "Desk Lamp", Room: "Study", Capabilities: []string{"switch"}, Score: 42},
	}}
	old := newRegistry
	newRegistry = func(config.Config) hub.Registry { return reg }
	t.Cleanup(func() { newRegistry = old })

	out, err := runCLI(t, "search", "lamp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "lamp-1") || !strings.Contains(out, "Desk Lamp") {
		t.Errorf("output = %q", out)
	}
}

func TestSearchCommand_RequiresToken(t *testing.T) {
	cfg := testConfig()
	cfg.Hub.Token = ""
	useConfig(t, cfg)

	_, err := runCLI(t, "search", "lamp")
	if err == nil || !strings.Contains(err.Error(), "SmartThings token") {
		t.Errorf("err = %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "stmcp "+version {
		t.Errorf("output = %q", out)
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	resp, err := ts.client().get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
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

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"invalid or missing bearer token","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "bad-token", httpClient: ts.Client()}
	resp, err := client.get(ctx, "/v1/journal")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if err.Error() != "server returned 401: invalid or missing bearer token" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
		w.Write([]byte("bad gateway"))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, httpClient: ts.Client()}
	resp, err := client.get(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	var result any
	if err := decodeJSON(resp, &result); err == nil || !strings.Contains(err.Error(), "502: bad gateway") {
		t.Errorf("err = %v", err)
	}
}

func TestErrorRecorder(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	rec := errorRecorder{store: store}
	err = rec.RecordError(fallback.Record{
		Kind:      fallback.PermissionDenied,
		Message:   "device offline",
		Context:   fallback.ErrorContext{OperationID: "op-1", Operation: "execute_commands", DeviceID: "lamp-1"},
		Timestamp: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RecordError: %v", err)
	}

	entries, err := store.RecentErrors(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	e := entries[0]
	if e.Kind != "PERMISSION_DENIED" || e.DeviceID != "lamp-1" || e.OperationID != "op-1" {
		t.Errorf("entry = %+v", e)
	}
	if !strings.Contains(e.ContextJSON, `"operation":"execute_commands"`) {
		t.Errorf("context = %s", e.ContextJSON)
	}
}

func TestLoadMapper(t *testing.T) {
	m, err := loadMapper("")
	if err != nil || m == nil {
		t.Fatalf("embedded mapper: %v", err)
	}

	_, err = loadMapper(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "loading intent mapping") {
		t.Errorf("err = %v", err)
	}
}

func TestBuildStack_WiresJournal(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	reg := &stubRegistry{}
	st, err := buildStack(testConfig(), reg, store)
	if err != nil {
		t.Fatal(err)
	}
	res := st.sessions.Session("c1").Execute(ctx, "lamp-1", []hub.Command{{Capability: "switch", Command: "on"}}, "cli")
	if res.Status != "ok" {
		t.Fatalf("Execute = %+v", res)
	}
	entries, err := store.RecentCommands(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Source != "cli" {
		t.Errorf("journal = %+v", entries)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatal(err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still readable after removal")
	}
}

func TestReadToken(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"abc-123\n", "abc-123", false},
		{"  padded  ", "padded", false},
		{"\n", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := readToken(strings.NewReader(tt.input))
		if (err != nil) != tt.wantErr {
			t.Errorf("readToken(%q) err = %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("readToken(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFormatJournalEntry(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	e := storage.CommandEntry{
		CreatedAt:    time.Date(2026, 1, 1, 8, 0, 0, 0, time.Local),
		DeviceID:     "lamp-1",
		CommandsJSON: `[{"capability":"switch","command":"on"}]`,
		Status:       storage.CommandFailed,
		Source:       "mcp",
		Error:        "device offline",
	}
	got := formatJournalEntry(e)
	for _, want := range []string{"2026-01-01 08:00:00", "failed", "lamp-1", "(device offline)"} {
		if !strings.Contains(got, want) {
			t.Errorf("formatJournalEntry missing %q: %q", want, got)
		}
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{5, 100, "5"},
		{0, 100, "0"},
		{100, 100, "100+"},
		{150, 100, "150+"},
	}
	for _, tt := range tests {
		if got := countLabel(tt.count, tt.limit); got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}
