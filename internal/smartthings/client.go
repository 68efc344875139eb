// Package smartthings implements hub.Registry against the SmartThings REST API.
package smartthings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pianzhu/smartthings-mcp/internal/hub"
	"github.com/pianzhu/smartthings-mcp/internal/metrics"
	"github.com/pianzhu/smartthings-mcp/internal/search"
)

const (
	DefaultBaseURL = "https://api.smartthings.com"
	acceptHeader   = "application/vnd.smartthings+json;v=20170916"

	defaultRateLimit   = 10
	rateBurst          = 5
	defaultTimeout     = 15 * time.Second
	defaultHistorySize = 500
	maxErrorBody       = 512
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	LocationID string
	// RateLimit is the sustained requests per second.
	RateLimit float64
	// Timeout bounds each individual request.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to one SmartThings location.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu         sync.Mutex
	locationID string
	tzName     string
	tz         *time.Location
	rooms      map[string]string
}

var _ hub.Registry = (*Client)(nil)

// New creates a Client. The location is resolved lazily on first use.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		httpClient: opts.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(opts.RateLimit), rateBurst),
		timeout:    opts.Timeout,
		logger:     slog.Default(),
		now:        time.Now,
		locationID: opts.LocationID,
	}
}

// do sends one request and decodes a JSON response into out (if non-nil).
// endpoint is the metrics label, path is relative to the base URL.
func (c *Client) do(ctx context.Context, method, endpoint, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: waiting for rate limiter: %w", endpoint, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", endpoint, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, rd)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", acceptHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordHubRequest(endpoint, 0, time.Since(start))
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	metrics.RecordHubRequest(endpoint, resp.StatusCode, time.Since(start))

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", endpoint, hub.ErrDeviceNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &hub.StatusError{Op: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", endpoint, err)
	}
	return nil
}

func validateID(id string) (string, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%q: %w", id, hub.ErrInvalidDeviceID)
	}
	return u.String(), nil
}

// --- location and rooms ---

type locationList struct {
	Items []struct {
		LocationID string `json:"locationId"`
		Name       string `json:"name"`
	} `json:"items"`
}

type locationDetail struct {
	LocationID string `json:"locationId"`
	TimeZoneID string `json:"timeZoneId"`
}

type roomList struct {
	Items []struct {
		RoomID string `json:"roomId"`
		Name   string `json:"name"`
	} `json:"items"`
}

// Location returns the location id in use, resolving the first available
// location when none was configured.
func (c *Client) Location(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.locationID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}

	var list locationList
	if err := c.do(ctx, http.MethodGet, "locations", "v1/locations", nil, &list); err != nil {
		return "", err
	}
	if len(list.Items) == 0 {
		return "", fmt.Errorf("locations: account has no locations")
	}
	id = list.Items[0].LocationID

	c.mu.Lock()
	if c.locationID == "" {
		c.locationID = id
	}
	id = c.locationID
	c.mu.Unlock()
	c.logger.Info("using location", "location_id", id, "name", list.Items[0].Name)
	return id, nil
}

func (c *Client) timezone(ctx context.Context) (*time.Location, string, error) {
	c.mu.Lock()
	tz, name := c.tz, c.tzName
	c.mu.Unlock()
	if tz != nil {
		return tz, name, nil
	}

	loc, err := c.Location(ctx)
	if err != nil {
		return nil, "", err
	}
	var detail locationDetail
	if err := c.do(ctx, http.MethodGet, "location", "v1/locations/"+url.PathEscape(loc), nil, &detail); err != nil {
		return nil, "", err
	}
	name = detail.TimeZoneID
	tz, err = time.LoadLocation(name)
	if err != nil || name == "" {
		c.logger.Warn("unknown location timezone, using UTC", "timezone", name)
		tz, name = time.UTC, "UTC"
	}

	c.mu.Lock()
	c.tz, c.tzName = tz, name
	c.mu.Unlock()
	return tz, name, nil
}

// Rooms returns room id -> name. The result is cached for the client lifetime.
func (c *Client) Rooms(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	rooms := c.rooms
	c.mu.Unlock()
	if rooms != nil {
		return rooms, nil
	}

	loc, err := c.Location(ctx)
	if err != nil {
		return nil, err
	}
	var list roomList
	if err := c.do(ctx, http.MethodGet, "rooms", "v1/locations/"+url.PathEscape(loc)+"/rooms", nil, &list); err != nil {
		return nil, err
	}
	rooms = make(map[string]string, len(list.Items))
	for _, r := range list.Items {
		rooms[r.RoomID] = r.Name
	}

	c.mu.Lock()
	c.rooms = rooms
	c.mu.Unlock()
	return rooms, nil
}

// --- devices ---

type deviceList struct {
	Items []deviceItem `json:"items"`
}

type deviceItem struct {
	DeviceID   string          `json:"deviceId"`
	Name       string          `json:"name"`
	Label      string          `json:"label"`
	RoomID     string          `json:"roomId"`
	Components []componentItem `json:"components"`
}

type componentItem struct {
	ID           string           `json:"id"`
	Capabilities []capabilityItem `json:"capabilities"`
}

type capabilityItem struct {
	ID      string          `json:"id"`
	Version int             `json:"version"`
	Status  *hub.Attributes `json:"status,omitempty"`
}

func (d deviceItem) label() string {
	if d.Label != "" {
		return d.Label
	}
	return d.Name
}

// capabilities returns the distinct capability ids across all components.
func (d deviceItem) capabilities() []string {
	seen := make(map[string]bool)
	var out []string
	for _, comp := range d.Components {
		for _, cp := range comp.Capabilities {
			if !seen[cp.ID] {
				seen[cp.ID] = true
				out = append(out, cp.ID)
			}
		}
	}
	return out
}

func (c *Client) devices(ctx context.Context, includeStatus bool) ([]deviceItem, error) {
	loc, err := c.Location(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{"locationId": {loc}}
	if includeStatus {
		q.Set("includeStatus", "true")
	}
	var list deviceList
	if err := c.do(ctx, http.MethodGet, "devices", "v1/devices?"+q.Encode(), nil, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// Search ranks the location's devices against query and returns the top
// limit matches in compressed form.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]hub.Device, error) {
	if len(search.Keywords(query)) == 0 {
		return []hub.Device{}, nil
	}
	items, err := c.devices(ctx, false)
	if err != nil {
		return nil, err
	}
	rooms, err := c.Rooms(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]search.Candidate, len(items))
	for i, d := range items {
		candidates[i] = search.Candidate{
			Label:        d.label(),
			Room:         rooms[d.RoomID],
			Capabilities: d.capabilities(),
			HasRoom:      d.RoomID != "",
		}
	}

	ranked := search.Rank(candidates, query, limit)
	out := make([]hub.Device, 0, len(ranked))
	for _, r := range ranked {
		d := items[r.Index]
		caps := candidates[r.Index].Capabilities
		typ := "unknown"
		if len(caps) > 0 {
			typ = caps[0]
		}
		short := d.DeviceID
		if len(short) > 8 {
			short = short[:8]
		}
		out = append(out, hub.Device{
			ID:           short,
			FullID:       d.DeviceID,
			Name:         d.label(),
			Room:         rooms[d.RoomID],
			Type:         typ,
			Capabilities: caps,
			Score:        math.Round(r.Score*100) / 100,
		})
	}
	c.logger.Debug("device search", "query", query, "candidates", len(items), "matches", len(out))
	return out, nil
}

// Status returns the full status of one device.
func (c *Client) Status(ctx context.Context, deviceID string) (hub.Status, error) {
	id, err := validateID(deviceID)
	if err != nil {
		return hub.Status{}, err
	}
	var st hub.Status
	if err := c.do(ctx, http.MethodGet, "status", "v1/devices/"+id+"/status", nil, &st); err != nil {
		return hub.Status{}, err
	}
	st.DeviceID = id
	return st, nil
}

type commandsRequest struct {
	Commands []hub.Command `json:"commands"`
}

type commandsResponse struct {
	Results []hub.CommandAck `json:"results"`
}

// ApplyCommands sends cmds to one device. A FAILED acknowledgement yields a
// CommandResult with StatusFailed rather than an error.
func (c *Client) ApplyCommands(ctx context.Context, deviceID string, cmds []hub.Command) (hub.CommandResult, error) {
	id, err := validateID(deviceID)
	if err != nil {
		return hub.CommandResult{}, err
	}
	norm := make([]hub.Command, len(cmds))
	for i, cmd := range cmds {
		norm[i] = cmd.Normalize()
	}

	var resp commandsResponse
	if err := c.do(ctx, http.MethodPost, "commands", "v1/devices/"+id+"/commands", commandsRequest{Commands: norm}, &resp); err != nil {
		return hub.CommandResult{}, err
	}

	res := hub.CommandResult{Status: hub.StatusAccepted, Results: resp.Results}
	for _, ack := range resp.Results {
		if ack.Status == hub.StatusFailed {
			res.Status = hub.StatusFailed
			res.Error = fmt.Sprintf("command %s failed on device", ack.ID)
			break
		}
	}
	c.logger.Info("commands applied", "device_id", id, "count", len(norm), "status", res.Status)
	return res, nil
}

// Commands describes what capability accepts on a device, with the current
// attribute values. A capability the device lacks is reported in the
// result's Error field.
func (c *Client) Commands(ctx context.Context, deviceID, capability string) (hub.CommandInfo, error) {
	id, err := validateID(deviceID)
	if err != nil {
		return hub.CommandInfo{}, err
	}
	items, err := c.devices(ctx, true)
	if err != nil {
		return hub.CommandInfo{}, err
	}

	var dev *deviceItem
	for i := range items {
		if strings.EqualFold(items[i].DeviceID, id) {
			dev = &items[i]
			break
		}
	}
	if dev == nil {
		return hub.CommandInfo{}, fmt.Errorf("device %s: %w", id, hub.ErrDeviceNotFound)
	}

	for _, comp := range dev.Components {
		for _, cp := range comp.Capabilities {
			if cp.ID != capability {
				continue
			}
			info := hub.CommandInfo{
				Component:  comp.ID,
				Capability: cp.ID,
				Version:    cp.Version,
				Commands:   hub.CapabilityCommands[capability],
				Attributes: map[string]hub.AttributeInfo{},
			}
			if info.Commands == nil {
				info.Commands = []string{}
			}
			cp.Status.Each(func(name string, st hub.AttributeState) bool {
				if strings.HasPrefix(name, "supported") || name == "numberOfButtons" || name == "" {
					return true
				}
				info.Attributes[name] = hub.AttributeInfo{
					Type:         valueType(st.Value),
					CurrentValue: st.Value,
					Unit:         st.Unit,
				}
				return true
			})
			return info, nil
		}
	}

	return hub.CommandInfo{
		Error:                 fmt.Sprintf("Capability '%s' not found on device %s", capability, id),
		AvailableCapabilities: dev.capabilities(),
	}, nil
}

func valueType(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64:
		if n == math.Trunc(n) {
			return "int"
		}
		return "float"
	case string:
		return "str"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	}
	return fmt.Sprintf("%T", v)
}

// Summary groups the location's devices by room and counts their
// user-facing capabilities.
func (c *Client) Summary(ctx context.Context) (hub.Summary, error) {
	items, err := c.devices(ctx, false)
	if err != nil {
		return hub.Summary{}, err
	}
	rooms, err := c.Rooms(ctx)
	if err != nil {
		return hub.Summary{}, err
	}
	tz, tzName, err := c.timezone(ctx)
	if err != nil {
		return hub.Summary{}, err
	}

	sum := hub.Summary{
		Rooms:      map[string]hub.RoomSummary{},
		Statistics: hub.Statistics{TotalDevices: len(items), ByType: map[string]int{}},
	}
	types := map[string]map[string]bool{}
	for _, d := range items {
		room := "unassigned"
		if d.RoomID != "" {
			room = rooms[d.RoomID]
			if room == "" {
				room = "unknown"
			}
		}
		rs := sum.Rooms[room]
		rs.DeviceCount++
		if types[room] == nil {
			types[room] = map[string]bool{}
		}
		for _, comp := range d.Components {
			for _, cp := range comp.Capabilities {
				if hub.Ignored(cp.ID) {
					continue
				}
				if !types[room][cp.ID] {
					types[room][cp.ID] = true
					rs.Types = append(rs.Types, cp.ID)
				}
				sum.Statistics.ByType[cp.ID]++
			}
		}
		if rs.Types == nil {
			rs.Types = []string{}
		}
		sum.Rooms[room] = rs
	}

	sum.HubTime = c.now().In(tz).Format("2006-01-02 15:04:05") + " " + tzName
	return sum, nil
}

type historyResponse struct {
	Items []struct {
		DeviceID   string    `json:"deviceId"`
		Time       time.Time `json:"time"`
		Component  string    `json:"component"`
		Capability string    `json:"capability"`
		Attribute  string    `json:"attribute"`
		Value      any       `json:"value"`
		Unit       string    `json:"unit"`
	} `json:"items"`
}

// History returns raw device events, newest first, filtered by capability
// and attribute when set.
func (c *Client) History(ctx context.Context, q hub.HistoryQuery) ([]hub.Event, error) {
	loc, err := c.Location(ctx)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistorySize
	}
	v := url.Values{
		"locationId": {loc},
		"limit":      {strconv.Itoa(limit)},
	}
	if q.DeviceID != "" {
		id, err := validateID(q.DeviceID)
		if err != nil {
			return nil, err
		}
		v.Set("deviceId", id)
	}
	if q.Since > 0 {
		v.Set("pagingAfterEpoch", strconv.FormatInt(c.now().Add(-q.Since).UnixMilli(), 10))
	}

	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, "history", "v1/history/devices?"+v.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	events := make([]hub.Event, 0, len(resp.Items))
	for _, it := range resp.Items {
		if q.Capability != "" && it.Capability != q.Capability {
			continue
		}
		if q.Attribute != "" && it.Attribute != q.Attribute {
			continue
		}
		events = append(events, hub.Event{
			DeviceID:   it.DeviceID,
			Time:       it.Time,
			Component:  it.Component,
			Capability: it.Capability,
			Attribute:  it.Attribute,
			Value:      it.Value,
			Unit:       it.Unit,
		})
	}
	return events, nil
}
