// Package memory keeps the short-term, per-conversation memory of devices
// the user has talked about: who they are, where they are and what state
// they were last seen in.
package memory

import (
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pianzhu/smartthings-mcp/internal/hub"
	"github.com/pianzhu/smartthings-mcp/internal/vocab"
)

// DefaultStatusTTL is how long a remembered status may stand in for a
// registry call.
const DefaultStatusTTL = 300 * time.Second

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// DeviceMemory is one remembered device.
type DeviceMemory struct {
	DeviceID          string      `json:"device_id"`
	Name              string      `json:"name"`
	Room              string      `json:"room,omitempty"`
	DeviceType        string      `json:"device_type,omitempty"`
	Capabilities      []string    `json:"capabilities,omitempty"`
	LastMentionedTurn int         `json:"last_mentioned_turn"`
	LastStatus        *hub.Status `json:"last_status,omitempty"`
	LastStatusTime    time.Time   `json:"last_status_time,omitzero"`
}

// IsStatusFresh reports whether the remembered status is younger than ttl.
func (d DeviceMemory) IsStatusFresh(now time.Time, ttl time.Duration) bool {
	if d.LastStatus == nil {
		return false
	}
	return now.Sub(d.LastStatusTime) < ttl
}

func (d *DeviceMemory) clone() DeviceMemory {
	out := *d
	out.Capabilities = slices.Clone(d.Capabilities)
	if d.LastStatus != nil {
		st := d.LastStatus.Clone()
		out.LastStatus = &st
	}
	return out
}

// Mention is the identity information supplied when a device comes up.
type Mention struct {
	ID           string
	Name         string
	Room         string
	Type         string
	Capabilities []string
}

// PendingAction is an action held back until the user confirms it.
type PendingAction struct {
	DeviceID    string        `json:"device_id"`
	Commands    []hub.Command `json:"commands"`
	Description string        `json:"description"`
	Turn        int           `json:"turn"`
}

// Context is the conversation memory. All methods are safe for concurrent use.
type Context struct {
	clock Clock
	ttl   time.Duration

	mu          sync.Mutex
	devices     map[string]*DeviceMemory
	currentTurn int
	currentRoom string
	lastIntent  string
	pending     []PendingAction
}

// New creates a Context with the given status TTL. A non-positive ttl
// selects DefaultStatusTTL.
func New(ttl time.Duration) *Context {
	return NewWithClock(realClock{}, ttl)
}

// NewWithClock creates a Context with a custom clock (for testing).
func NewWithClock(clock Clock, ttl time.Duration) *Context {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &Context{
		clock:   clock,
		ttl:     ttl,
		devices: make(map[string]*DeviceMemory),
	}
}

// StatusTTL returns the freshness window used by FreshStatus.
func (c *Context) StatusTTL() time.Duration { return c.ttl }

// NextTurn advances the turn counter and returns the new turn.
func (c *Context) NextTurn() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTurn++
	return c.currentTurn
}

func (c *Context) CurrentTurn() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTurn
}

func (c *Context) CurrentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentRoom
}

func (c *Context) SetCurrentRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentRoom = room
}

func (c *Context) SetIntent(intent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastIntent = intent
}

func (c *Context) LastIntent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastIntent
}

// AddOrUpdateDevice records a mention of a device. Name is always
// overwritten; room and type only when non-empty; capabilities only when a
// non-empty list is given. The device is stamped with the current turn.
func (c *Context) AddOrUpdateDevice(m Mention) DeviceMemory {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.devices[m.ID]
	if !ok {
		d = &DeviceMemory{DeviceID: m.ID}
		c.devices[m.ID] = d
	}
	d.Name = m.Name
	if m.Room != "" {
		d.Room = m.Room
	}
	if m.Type != "" {
		d.DeviceType = m.Type
	}
	if len(m.Capabilities) > 0 {
		d.Capabilities = slices.Clone(m.Capabilities)
	}
	d.LastMentionedTurn = c.currentTurn

	if m.Room != "" {
		c.currentRoom = m.Room
	}
	return d.clone()
}

// UpdateStatus stores a fresh status for a known device. Unknown ids are ignored.
func (c *Context) UpdateStatus(id string, status hub.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.devices[id]
	if !ok {
		return
	}
	st := status.Clone()
	d.LastStatus = &st
	d.LastStatusTime = c.clock.Now()
}

// FreshStatus returns the remembered status of id if it is within the
// context's TTL.
func (c *Context) FreshStatus(id string) (hub.Status, bool) {
	return c.FreshStatusWithin(id, c.ttl)
}

// FreshStatusWithin is FreshStatus with an explicit TTL.
func (c *Context) FreshStatusWithin(id string, ttl time.Duration) (hub.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.devices[id]
	if !ok || !d.IsStatusFresh(c.clock.Now(), ttl) {
		return hub.Status{}, false
	}
	return d.LastStatus.Clone(), true
}

// Device returns a copy of the remembered device.
func (c *Context) Device(id string) (DeviceMemory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[id]
	if !ok {
		return DeviceMemory{}, false
	}
	return d.clone(), true
}

// Devices returns copies of all remembered devices ordered by id.
func (c *Context) Devices() []DeviceMemory {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeviceMemory, 0, len(c.devices))
	for _, id := range c.sortedIDs() {
		out = append(out, c.devices[id].clone())
	}
	return out
}

// ResolveReference maps a referring expression to a remembered device.
//
// Pronouns resolve to the most recently mentioned device, lowest id first
// on a tie. Otherwise devices in the current room are tried before all
// devices; a device matches when every word of text, stop words aside,
// occurs in its name, room or type. Latin words must start a word there.
// Candidates are visited in ascending id order.
func (c *Context) ResolveReference(text string) (DeviceMemory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.devices) == 0 {
		return DeviceMemory{}, false
	}
	ids := c.sortedIDs()

	if vocab.IsPronoun(text) {
		var best *DeviceMemory
		for _, id := range ids {
			d := c.devices[id]
			if best == nil || d.LastMentionedTurn > best.LastMentionedTurn {
				best = d
			}
		}
		return best.clone(), true
	}

	var words []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if !vocab.IsStopWord(w) {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return DeviceMemory{}, false
	}

	if c.currentRoom != "" {
		for _, id := range ids {
			d := c.devices[id]
			if d.Room == c.currentRoom && matches(d, words) {
				return d.clone(), true
			}
		}
	}
	for _, id := range ids {
		d := c.devices[id]
		if matches(d, words) {
			return d.clone(), true
		}
	}
	return DeviceMemory{}, false
}

func matches(d *DeviceMemory, words []string) bool {
	hay := strings.ToLower(d.Name + " " + d.Room + " " + d.DeviceType)
	fields := strings.Fields(hay)
	for _, w := range words {
		if !containsWord(hay, fields, w) {
			return false
		}
	}
	return true
}

// containsWord reports whether w occurs in hay. CJK text has no word
// breaks, so non-Latin words match as substrings.
func containsWord(hay string, fields []string, w string) bool {
	if utf8.RuneCountInString(w) != len(w) {
		return strings.Contains(hay, w)
	}
	for _, f := range fields {
		if strings.HasPrefix(f, w) {
			return true
		}
	}
	return false
}

// EvictStale forgets devices not mentioned for more than threshold turns
// and returns how many were removed.
func (c *Context) EvictStale(threshold int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, d := range c.devices {
		if c.currentTurn-d.LastMentionedTurn > threshold {
			delete(c.devices, id)
			removed++
		}
	}
	return removed
}

// InferRoom returns the canonical room named in text.
func InferRoom(text string) (string, bool) {
	return vocab.InferRoom(text)
}

// NoteRoom infers a room from text and, if found, makes it the current room.
func (c *Context) NoteRoom(text string) (string, bool) {
	room, ok := vocab.InferRoom(text)
	if ok {
		c.SetCurrentRoom(room)
	}
	return room, ok
}

func (c *Context) AddPendingAction(a PendingAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a.Turn = c.currentTurn
	c.pending = append(c.pending, a)
}

// PendingActions returns the queued actions in insertion order.
func (c *Context) PendingActions() []PendingAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.pending)
}

func (c *Context) ClearPendingActions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
}

// Reset forgets everything, including the turn counter.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = make(map[string]*DeviceMemory)
	c.currentTurn = 0
	c.currentRoom = ""
	c.lastIntent = ""
	c.pending = nil
}

// DeviceSummary is the short form of a device used in Summary.
type DeviceSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Room     string `json:"room,omitempty"`
	LastTurn int    `json:"last_turn"`
}

// Summary is a debugging view of the context.
type Summary struct {
	CurrentTurn     int             `json:"current_turn"`
	CurrentRoom     string          `json:"current_room,omitempty"`
	LastIntent      string          `json:"last_intent,omitempty"`
	DevicesInMemory int             `json:"devices_in_memory"`
	Devices         []DeviceSummary `json:"device_list"`
	PendingActions  int             `json:"pending_actions"`
}

func (c *Context) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		CurrentTurn:     c.currentTurn,
		CurrentRoom:     c.currentRoom,
		LastIntent:      c.lastIntent,
		DevicesInMemory: len(c.devices),
		Devices:         make([]DeviceSummary, 0, len(c.devices)),
		PendingActions:  len(c.pending),
	}
	for _, id := range c.sortedIDs() {
		d := c.devices[id]
		s.Devices = append(s.Devices, DeviceSummary{ID: d.DeviceID, Name: d.Name, Room: d.Room, LastTurn: d.LastMentionedTurn})
	}
	return s
}

// sortedIDs must be called with mu held.
func (c *Context) sortedIDs() []string {
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
