package fallback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pianzhu/smartthings-mcp/internal/hub"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Unknown},
		{"typed", NewError(CommandNotSupported, "nope"), CommandNotSupported},
		{"typed wrapped", fmt.Errorf("step 1: %w", Wrap(ParameterInvalid, errors.New("x"))), ParameterInvalid},
		{"sentinel not found", fmt.Errorf("status: %w", hub.ErrDeviceNotFound), DeviceNotFound},
		{"sentinel bad id", hub.ErrInvalidDeviceID, DeviceNotFound},
		{"401", &hub.StatusError{Code: 401}, PermissionDenied},
		{"403", &hub.StatusError{Code: 403}, PermissionDenied},
		{"404", &hub.StatusError{Code: 404}, DeviceNotFound},
		{"422", &hub.StatusError{Code: 422}, ParameterInvalid},
		{"408", &hub.StatusError{Code: 408}, Timeout},
		{"429", &hub.StatusError{Code: 429}, APIError},
		{"503", &hub.StatusError{Code: 503}, APIError},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), Timeout},
		{"net timeout", timeoutErr{}, Timeout},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, NetworkError},
		{"message not found", errors.New("No device called lamp"), DeviceNotFound},
		{"message unsupported", errors.New("command is not supported"), CommandNotSupported},
		{"message invalid value", errors.New("Invalid value for level"), ParameterInvalid},
		{"message timeout", errors.New("request timeout"), Timeout},
		{"message permission", errors.New("Unauthorized"), PermissionDenied},
		{"message connection", errors.New("connection reset"), NetworkError},
		{"message other", errors.New("boom"), Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestSelectFallback(t *testing.T) {
	tests := []struct {
		kind     Kind
		strategy string
		retries  int
	}{
		{DeviceNotFound, "broaden_search", 0},
		{CommandNotSupported, "get_supported_commands", 0},
		{ParameterInvalid, "validate_parameters", 0},
		{NetworkError, "retry", 3},
		{Timeout, "retry", 3},
		{APIError, "retry", 3},
		{PermissionDenied, "inform_user", 0},
		{Unknown, "ask_user", 0},
	}
	for _, tt := range tests {
		fb := SelectFallback(tt.kind)
		if fb.Strategy != tt.strategy || fb.MaxRetries != tt.retries || fb.Action == "" {
			t.Errorf("SelectFallback(%s) = %+v", tt.kind, fb)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	for _, k := range []Kind{NetworkError, Timeout, APIError} {
		if !ShouldRetry(k) {
			t.Errorf("ShouldRetry(%s) = false", k)
		}
	}
	for _, k := range []Kind{DeviceNotFound, CommandNotSupported, ParameterInvalid, PermissionDenied, Unknown} {
		if ShouldRetry(k) {
			t.Errorf("ShouldRetry(%s) = true", k)
		}
	}
}

type memRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (m *memRecorder) RecordError(r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func TestHandleError_Messages(t *testing.T) {
	h := NewHandler(Options{})
	tests := []struct {
		err  error
		ec   ErrorContext
		want string
	}{
		{hub.ErrDeviceNotFound, ErrorContext{Query: "客厅 灯"}, "I couldn't find a device matching '客厅 灯'."},
		{NewError(CommandNotSupported, "x"), ErrorContext{Command: "setColor"}, "doesn't support setColor."},
		{NewError(CommandNotSupported, "x"), ErrorContext{}, "doesn't support that command."},
		{NewError(ParameterInvalid, "x"), ErrorContext{Parameter: "level"}, "The value for level is invalid."},
		{NewError(ParameterInvalid, "x"), ErrorContext{}, "The value for the parameter is invalid."},
		{context.DeadlineExceeded, ErrorContext{}, "trouble connecting"},
		{&hub.StatusError{Code: 403}, ErrorContext{}, "don't have permission"},
		{errors.New("boom"), ErrorContext{}, "unexpected error"},
	}
	for _, tt := range tests {
		resp := h.HandleError(tt.err, tt.ec)
		if !strings.Contains(resp.UserMessage, tt.want) {
			t.Errorf("HandleError(%v).UserMessage = %q, want containing %q", tt.err, resp.UserMessage, tt.want)
		}
	}
}

func TestHandleError_RecordsHistory(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	rec := &memRecorder{}
	h := NewHandler(Options{HistoryLimit: 3, Recorder: rec, Now: func() time.Time { return now }})

	for i := 0; i < 5; i++ {
		h.HandleError(fmt.Errorf("err %d: timeout", i), ErrorContext{OperationID: fmt.Sprintf("op-%d", i%2)})
	}

	hist := h.History()
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	want := []string{"err 2: timeout", "err 3: timeout", "err 4: timeout"}
	got := []string{hist[0].Message, hist[1].Message, hist[2].Message}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}
	if !hist[0].Timestamp.Equal(now) || hist[0].Kind != Timeout {
		t.Errorf("record = %+v", hist[0])
	}
	if len(rec.records) != 5 {
		t.Errorf("recorder got %d records, want 5", len(rec.records))
	}

	// Retained: op-0 (err 2, err 4), op-1 (err 3).
	if n := h.RetryCount("op-0"); n != 2 {
		t.Errorf("RetryCount(op-0) = %d", n)
	}
	if n := h.RetryCount("missing"); n != 0 {
		t.Errorf("RetryCount(missing) = %d", n)
	}
}

func TestHandleError_HistoryIsCopy(t *testing.T) {
	h := NewHandler(Options{})
	h.HandleError(errors.New("a"), ErrorContext{})
	hist := h.History()
	hist[0].Message = "mutated"
	if h.History()[0].Message != "a" {
		t.Fatal("history mutated through returned slice")
	}
}

func TestBroadenQueries(t *testing.T) {
	tests := []struct {
		query string
		want  []string
	}{
		{"客厅 灯", []string{"灯", "灯"}},
		{"kitchen light", []string{"light", "light"}},
		{"台灯", []string{"灯"}},
		{"客厅", nil},
		{"fan", nil},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, BroadenQueries(tt.query)); diff != "" {
			t.Errorf("BroadenQueries(%q) (-want +got):\n%s", tt.query, diff)
		}
	}
}

func TestBroadenSearch(t *testing.T) {
	var tried []string
	search := func(ctx context.Context, q string) ([]hub.Device, error) {
		tried = append(tried, q)
		switch q {
		case "空调":
			return nil, errors.New("connection reset")
		case "传感器":
			return []hub.Device{{ID: "s1", Name: "温度传感器"}}, nil
		}
		return nil, nil
	}

	devices, used, err := BroadenSearch(context.Background(), "卧室 空调 传感器", search)
	if err != nil {
		t.Fatalf("BroadenSearch: %v", err)
	}
	if used != "传感器" || len(devices) != 1 {
		t.Errorf("used %q, devices %v", used, devices)
	}
	if diff := cmp.Diff([]string{"空调 传感器", "空调", "传感器"}, tried); diff != "" {
		t.Errorf("tried (-want +got):\n%s", diff)
	}

	_, _, err = BroadenSearch(context.Background(), "fan", search)
	if !errors.Is(err, ErrNoCandidates) {
		t.Errorf("err = %v, want ErrNoCandidates", err)
	}
}

func TestSupportedCommands(t *testing.T) {
	lookup := func(ctx context.Context, id, capability string) (hub.CommandInfo, error) {
		switch capability {
		case "switch":
			return hub.CommandInfo{Capability: "switch", Commands: []string{"on", "off"}}, nil
		case "missing":
			return hub.CommandInfo{Error: "Capability missing not found"}, nil
		}
		return hub.CommandInfo{}, errors.New("network down")
	}

	cmds, ok := SupportedCommands(context.Background(), "d1", "switch", lookup)
	if !ok || len(cmds) != 2 {
		t.Errorf("switch: %v, %v", cmds, ok)
	}
	if _, ok := SupportedCommands(context.Background(), "d1", "missing", lookup); ok {
		t.Error("missing capability should report false")
	}
	if _, ok := SupportedCommands(context.Background(), "d1", "broken", lookup); ok {
		t.Error("lookup error should report false")
	}
}

func TestClampParameter(t *testing.T) {
	r := &Range{Min: 16, Max: 30}
	tests := []struct {
		in   any
		want any
	}{
		{10, 16},
		{35, 30},
		{20, 20},
		{31.5, 30.0},
		{"warm", "warm"},
	}
	for _, tt := range tests {
		if got := ClampParameter("temperature", tt.in, r); got != tt.want {
			t.Errorf("ClampParameter(%v) = %v (%T), want %v (%T)", tt.in, got, got, tt.want, tt.want)
		}
	}
	if got := ClampParameter("x", 500, nil); got != 500 {
		t.Errorf("nil range changed value to %v", got)
	}
}

var fastPolicy = Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}

func TestRetry_RecoversFromTransientFailure(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), fastPolicy, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &hub.StatusError{Code: 503}
		}
		return "ok", nil
	})
	if err != nil || v != "ok" || calls != 3 {
		t.Errorf("Retry = %q, %v after %d calls", v, err, calls)
	}
}

func TestRetry_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("connection refused")
	})
	if err == nil || calls != 3 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
	if Classify(err) != NetworkError {
		t.Errorf("final error kind = %s", Classify(err))
	}
}

func TestRetry_PermanentKindIsNotRetried(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy, func(ctx context.Context) (int, error) {
		calls++
		return 0, hub.ErrDeviceNotFound
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, hub.ErrDeviceNotFound) {
		t.Errorf("err = %v, want ErrDeviceNotFound", err)
	}
}

func TestWithFallback(t *testing.T) {
	primaryCalls := 0
	primary := func(ctx context.Context) (string, error) {
		primaryCalls++
		return "", errors.New("fail")
	}
	secondary := func(ctx context.Context) (string, error) { return "fallback", nil }

	v, err := WithFallback(context.Background(), primary, secondary, 0)
	if err != nil || v != "fallback" || primaryCalls != 2 {
		t.Errorf("WithFallback = %q, %v after %d primary calls", v, err, primaryCalls)
	}

	ok := func(ctx context.Context) (string, error) { return "primary", nil }
	if v, _ := WithFallback(context.Background(), ok, secondary, 2); v != "primary" {
		t.Errorf("WithFallback = %q, want primary", v)
	}
}
