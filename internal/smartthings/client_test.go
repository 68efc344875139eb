package smartthings

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/go-cmp/cmp"

	"github.com/pianzhu/smartthings-mcp/internal/hub"
)

const (
	lampID   = "6f1c1d2e-0000-4000-8000-000000000001"
	sensorID = "6f1c1d2e-0000-4000-8000-000000000002"
	plugID   = "6f1c1d2e-0000-4000-8000-000000000003"
	roomLiv  = "11111111-0000-4000-8000-000000000001"
)

const devicesJSON = `{"items":[
 {"deviceId":"` + lampID + `","label":"客厅 主灯","roomId":"` + roomLiv + `","components":[
   {"id":"main","capabilities":[
     {"id":"switch","version":1,"status":{"switch":{"value":"on"}}},
     {"id":"switchLevel","version":1,"status":{"level":{"value":80,"unit":"%"},"supportedLevels":{"value":[0,100]}}},
     {"id":"healthCheck","version":1}]}]},
 {"deviceId":"` + sensorID + `","label":"温湿度计","roomId":"` + roomLiv + `","components":[
   {"id":"main","capabilities":[{"id":"temperatureMeasurement","version":1},{"id":"relativeHumidityMeasurement","version":1}]}]},
 {"deviceId":"` + plugID + `","name":"Smart Plug","components":[
   {"id":"main","capabilities":[{"id":"switch","version":1},{"id":"custom.disabledCapabilities","version":1}]}]}
]}`

// fakeHub serves a minimal SmartThings API and records requests.
type fakeHub struct {
	t        *testing.T
	requests atomic.Int32
	lastBody atomic.Value
	handlers map[string]http.HandlerFunc
}

func newFakeHub(t *testing.T, extra map[string]http.HandlerFunc) (*fakeHub, *Client) {
	t.Helper()
	f := &fakeHub{t: t, handlers: map[string]http.HandlerFunc{
		"GET /v1/locations": func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"items":[{"locationId":"loc-1","name":"Home"}]}`)
		},
		"GET /v1/locations/loc-1": func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"locationId":"loc-1","timeZoneId":"Asia/Shanghai"}`)
		},
		"GET /v1/locations/loc-1/rooms": func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"items":[{"roomId":"`+roomLiv+`","name":"客厅"}]}`)
		},
		"GET /v1/devices": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("locationId") != "loc-1" {
				t.Errorf("devices locationId = %q", r.URL.Query().Get("locationId"))
			}
			io.WriteString(w, devicesJSON)
		},
	}}
	for k, h := range extra {
		f.handlers[k] = h
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Accept"); got != acceptHeader {
			t.Errorf("Accept = %q", got)
		}
		if r.Body != nil {
			b, _ := io.ReadAll(r.Body)
			f.lastBody.Store(string(b))
		}
		h, ok := f.handlers[r.Method+" "+r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	c := New(Options{BaseURL: srv.URL, Token: "tok", RateLimit: 1000})
	return f, c
}

func TestSearch_RanksAndCompresses(t *testing.T) {
	f, c := newFakeHub(t, nil)

	got, err := c.Search(context.Background(), "客厅 主灯", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("no results")
	}
	want := hub.Device{
		ID:           lampID[:8],
		FullID:       lampID,
		Name:         "客厅 主灯",
		Room:         "客厅",
		Type:         "switch",
		Capabilities: []string{"switch", "switchLevel", "healthCheck"},
		Score:        got[0].Score,
	}
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Errorf("top result (-want +got):\n%s", diff)
	}
	if got[0].Score <= got[len(got)-1].Score && len(got) > 1 {
		t.Errorf("results not ordered by score: %+v", got)
	}

	// Rooms are cached across calls.
	before := f.requests.Load()
	if _, err := c.Search(context.Background(), "plug", 5); err != nil {
		t.Fatal(err)
	}
	if delta := f.requests.Load() - before; delta != 1 {
		t.Errorf("second search made %d requests, want 1 (devices only)", delta)
	}
}

func TestSearch_LabelFallsBackToName(t *testing.T) {
	_, c := newFakeHub(t, nil)
	got, err := c.Search(context.Background(), "plug", 5)
	if err != nil {
		t.Fatal(err)
	}
	// The plug matches on its name; roomed devices pass the threshold on
	// the room bonus alone and keep their listing order.
	type hit struct {
		Name  string
		Room  string
		Score float64
	}
	var hits []hit
	for _, d := range got {
		hits = append(hits, hit{d.Name, d.Room, d.Score})
	}
	want := []hit{
		{"Smart Plug", "", 12},
		{"客厅 主灯", "客厅", 1},
		{"温湿度计", "客厅", 1},
	}
	if diff := cmp.Diff(want, hits); diff != "" {
		t.Errorf("results (-want +got):\n%s", diff)
	}
}

func TestSearch_EmptyQueryMakesNoRequests(t *testing.T) {
	f, c := newFakeHub(t, nil)
	got, err := c.Search(context.Background(), "   ", 5)
	if err != nil || len(got) != 0 {
		t.Fatalf("Search = %v, %v", got, err)
	}
	if f.requests.Load() != 0 {
		t.Errorf("requests = %d, want 0", f.requests.Load())
	}
}

func TestStatus(t *testing.T) {
	_, c := newFakeHub(t, map[string]http.HandlerFunc{
		"GET /v1/devices/" + sensorID + "/status": func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"components":{"main":{"temperatureMeasurement":{"temperature":{"value":26.5,"unit":"C"}}}}}`)
		},
	})

	st, err := c.Status(context.Background(), sensorID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.DeviceID != sensorID {
		t.Errorf("DeviceID = %q", st.DeviceID)
	}
	if v, ok := st.FirstFloat("temperatureMeasurement"); !ok || v != 26.5 {
		t.Errorf("temperature = %v, %v", v, ok)
	}
}

func TestStatus_Errors(t *testing.T) {
	_, c := newFakeHub(t, map[string]http.HandlerFunc{
		"GET /v1/devices/" + plugID + "/status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		},
		"GET /v1/devices/" + lampID + "/status": func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"components":`)
		},
	})
	ctx := context.Background()

	if _, err := c.Status(ctx, "not-a-uuid"); !errors.Is(err, hub.ErrInvalidDeviceID) {
		t.Errorf("bad id err = %v", err)
	}
	if _, err := c.Status(ctx, sensorID); !errors.Is(err, hub.ErrDeviceNotFound) {
		t.Errorf("404 err = %v", err)
	}
	var se *hub.StatusError
	if _, err := c.Status(ctx, plugID); !errors.As(err, &se) || se.Code != http.StatusForbidden {
		t.Errorf("403 err = %v", err)
	}
	if _, err := c.Status(ctx, lampID); err == nil || !strings.Contains(err.Error(), "decoding") {
		t.Errorf("malformed body err = %v", err)
	}
}

func TestApplyCommands(t *testing.T) {
	tests := []struct {
		name       string
		ack        string
		wantStatus string
	}{
		{"accepted", "ACCEPTED", hub.StatusAccepted},
		{"failed", "FAILED", hub.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, c := newFakeHub(t, map[string]http.HandlerFunc{
				"POST /v1/devices/" + lampID + "/commands": func(w http.ResponseWriter, r *http.Request) {
					io.WriteString(w, `{"results":[{"id":"c1","status":"`+tt.ack+`"}]}`)
				},
			})
			res, err := c.ApplyCommands(context.Background(), lampID, []hub.Command{
				{Capability: "switchLevel", Command: "setLevel", Arguments: []any{60}},
			})
			if err != nil {
				t.Fatalf("ApplyCommands: %v", err)
			}
			if res.Status != tt.wantStatus || len(res.Results) != 1 {
				t.Errorf("result = %+v", res)
			}

			var body struct {
				Commands []hub.Command `json:"commands"`
			}
			if err := json.Unmarshal([]byte(f.lastBody.Load().(string)), &body); err != nil {
				t.Fatalf("request body: %v", err)
			}
			if len(body.Commands) != 1 || body.Commands[0].Component != "main" {
				t.Errorf("sent commands = %+v", body.Commands)
			}
		})
	}
}

func TestCommands(t *testing.T) {
	_, c := newFakeHub(t, nil)
	ctx := context.Background()

	info, err := c.Commands(ctx, lampID, "switchLevel")
	if err != nil {
		t.Fatalf("Commands: %v", err)
	}
	if diff := cmp.Diff([]string{"setLevel"}, info.Commands); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
	if _, ok := info.Attributes["supportedLevels"]; ok {
		t.Error("supported* attribute not skipped")
	}
	if a := info.Attributes["level"]; a.CurrentValue != float64(80) || a.Unit != "%" || a.Type != "int" {
		t.Errorf("level attribute = %+v", a)
	}

	missing, err := c.Commands(ctx, lampID, "lock")
	if err != nil {
		t.Fatalf("Commands(lock): %v", err)
	}
	if missing.Error == "" || len(missing.AvailableCapabilities) != 3 {
		t.Errorf("missing capability info = %+v", missing)
	}

	if _, err := c.Commands(ctx, "6f1c1d2e-0000-4000-8000-0000000000ff", "switch"); !errors.Is(err, hub.ErrDeviceNotFound) {
		t.Errorf("unknown device err = %v", err)
	}
}

func TestSummary(t *testing.T) {
	_, c := newFakeHub(t, nil)
	c.now = func() time.Time { return time.Date(2026, 5, 1, 2, 0, 0, 0, time.UTC) }

	sum, err := c.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.HubTime != "2026-05-01 10:00:00 Asia/Shanghai" {
		t.Errorf("HubTime = %q", sum.HubTime)
	}
	if sum.Statistics.TotalDevices != 3 || sum.Statistics.ByType["switch"] != 2 {
		t.Errorf("statistics = %+v", sum.Statistics)
	}
	if _, ok := sum.Statistics.ByType["healthCheck"]; ok {
		t.Error("ignored capability counted")
	}
	if _, ok := sum.Statistics.ByType["custom.disabledCapabilities"]; ok {
		t.Error("namespaced capability counted")
	}
	if sum.Rooms["客厅"].DeviceCount != 2 || sum.Rooms["unassigned"].DeviceCount != 1 {
		t.Errorf("rooms = %+v", sum.Rooms)
	}
}

func TestHistory_FiltersAndPages(t *testing.T) {
	var query atomic.Value
	_, c := newFakeHub(t, map[string]http.HandlerFunc{
		"GET /v1/history/devices": func(w http.ResponseWriter, r *http.Request) {
			query.Store(r.URL.Query())
			io.WriteString(w, `{"items":[
				{"deviceId":"`+sensorID+`","time":"2026-05-01T01:00:00Z","component":"main","capability":"temperatureMeasurement","attribute":"temperature","value":25,"unit":"C"},
				{"deviceId":"`+sensorID+`","time":"2026-05-01T00:30:00Z","component":"main","capability":"relativeHumidityMeasurement","attribute":"humidity","value":40,"unit":"%"}]}`)
		},
	})
	now := time.Date(2026, 5, 1, 2, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	events, err := c.History(context.Background(), hub.HistoryQuery{
		DeviceID:  sensorID,
		Attribute: "temperature",
		Since:     time.Hour,
	})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(events) != 1 || events[0].Value != float64(25) {
		t.Errorf("events = %+v", events)
	}

	q := query.Load().(url.Values)
	if q["deviceId"][0] != sensorID || q["limit"][0] != "500" {
		t.Errorf("query = %v", q)
	}
	if q["pagingAfterEpoch"][0] != "1777597200000" {
		t.Errorf("pagingAfterEpoch = %v", q["pagingAfterEpoch"])
	}
}

func TestConfiguredLocationSkipsLookup(t *testing.T) {
	var listed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/locations" {
			listed.Store(true)
		}
		io.WriteString(w, `{"items":[]}`)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Token: "tok", LocationID: "loc-9"})
	if _, err := c.Search(context.Background(), "lamp", 5); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if listed.Load() {
		t.Error("configured location still listed locations")
	}
}
