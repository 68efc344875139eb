// Package agent runs conversation turns: it plans an utterance, executes the
// workflow against the device registry in dependency order and keeps the
// per-conversation memory up to date.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pianzhu/smartthings-mcp/internal/fallback"
	"github.com/pianzhu/smartthings-mcp/internal/hub"
	"github.com/pianzhu/smartthings-mcp/internal/intent"
	"github.com/pianzhu/smartthings-mcp/internal/memory"
	"github.com/pianzhu/smartthings-mcp/internal/metrics"
	"github.com/pianzhu/smartthings-mcp/internal/storage"
)

const (
	DefaultEvictAfterTurn = 20
	DefaultEvictThreshold = 10
	defaultHistoryWindow  = 24 * time.Hour
)

// Journal persists commands sent or queued for devices.
type Journal interface {
	RecordCommand(e storage.CommandEntry) error
}

// Options carries the shared dependencies of every session.
type Options struct {
	Registry hub.Registry
	Planner  *intent.Planner
	Mapper   *intent.Mapper
	Handler  *fallback.Handler
	// Journal is optional.
	Journal Journal
	Retry   fallback.Policy

	StatusTTL      time.Duration
	EvictAfterTurn int
	EvictThreshold int
	// Clock drives status freshness. Nil means wall time.
	Clock memory.Clock
}

func (o Options) withDefaults() Options {
	if o.Planner == nil {
		o.Planner = intent.NewPlanner(intent.Options{})
	}
	if o.Mapper == nil {
		o.Mapper = intent.NewMapper()
	}
	if o.Handler == nil {
		o.Handler = fallback.NewHandler(fallback.Options{})
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = fallback.DefaultPolicy.MaxAttempts
	}
	if o.Retry.InitialDelay <= 0 {
		o.Retry.InitialDelay = fallback.DefaultPolicy.InitialDelay
	}
	if o.EvictAfterTurn <= 0 {
		o.EvictAfterTurn = DefaultEvictAfterTurn
	}
	if o.EvictThreshold <= 0 {
		o.EvictThreshold = DefaultEvictThreshold
	}
	return o
}

// Step outcomes.
const (
	StepOK      = "ok"
	StepCached  = "cached"
	StepFailed  = "failed"
	StepSkipped = "skipped"
	StepPending = "pending"
)

// StepResult is the outcome of one workflow step.
type StepResult struct {
	Index       int                `json:"index"`
	Operation   intent.Operation   `json:"operation"`
	Description string             `json:"description"`
	Status      string             `json:"status"`
	Query       string             `json:"query,omitempty"`
	Devices     []hub.Device       `json:"devices,omitempty"`
	DeviceID    string             `json:"device_id,omitempty"`
	DeviceState *hub.Status        `json:"device_status,omitempty"`
	Commands    []hub.Command      `json:"commands,omitempty"`
	Result      *hub.CommandResult `json:"result,omitempty"`
	Events      []hub.Event        `json:"events,omitempty"`
	Context     *memory.Summary    `json:"context,omitempty"`
	Supported   []string           `json:"supported_commands,omitempty"`
	Note        string             `json:"note,omitempty"`
	Error       *fallback.Response `json:"error,omitempty"`
}

// TurnResult is everything a turn produced.
type TurnResult struct {
	ConversationID string                 `json:"conversation_id"`
	Turn           int                    `json:"turn"`
	Workflow       intent.Workflow        `json:"workflow"`
	Steps          []StepResult           `json:"steps"`
	Cached         *memory.DeviceMemory   `json:"cached_device,omitempty"`
	ConditionMet   *bool                  `json:"condition_met,omitempty"`
	Pending        []memory.PendingAction `json:"pending_actions,omitempty"`
	MultiDevice    bool                   `json:"multi_device"`
	DeviceCount    int                    `json:"estimated_device_count"`
	PreferBatch    bool                   `json:"prefer_batch"`
	Evicted        int                    `json:"evicted,omitempty"`
	UserMessage    string                 `json:"user_message,omitempty"`
}

// Plan is a workflow produced without executing it.
type Plan struct {
	Workflow    intent.Workflow `json:"workflow"`
	MultiDevice bool            `json:"multi_device"`
	DeviceCount int             `json:"estimated_device_count"`
	PreferBatch bool            `json:"prefer_batch"`
}

// Session is one conversation. Turns on a session are serialized.
type Session struct {
	id     string
	opts   Options
	mem    *memory.Context
	logger *slog.Logger

	now        func() time.Time
	lastActive atomic.Int64

	mu sync.Mutex
}

func newSession(id string, opts Options, now func() time.Time) *Session {
	var mem *memory.Context
	if opts.Clock != nil {
		mem = memory.NewWithClock(opts.Clock, opts.StatusTTL)
	} else {
		mem = memory.New(opts.StatusTTL)
	}
	s := &Session{
		id:     id,
		opts:   opts,
		mem:    mem,
		logger: slog.Default().With("conversation_id", id),
		now:    now,
	}
	s.touch()
	return s
}

// NewSession creates a standalone session outside any Manager.
func NewSession(id string, opts Options) *Session {
	return newSession(id, opts.withDefaults(), time.Now)
}

func (s *Session) ID() string { return s.id }

// Memory exposes the conversation memory.
func (s *Session) Memory() *memory.Context { return s.mem }

// LastActive is when the session last started a turn or confirmation.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch() { s.lastActive.Store(s.now().UnixNano()) }

// snapshot resolves the device text refers to against memory. Only the
// reference phrase is matched, so verbs and filler never pick a device.
func (s *Session) snapshot(text string) intent.Snapshot {
	ref := intent.ExtractReference(text)
	if ref == "" {
		return intent.Snapshot{}
	}
	d, ok := s.mem.ResolveReference(ref)
	if !ok {
		return intent.Snapshot{}
	}
	_, fresh := s.mem.FreshStatus(d.DeviceID)
	return intent.Snapshot{
		CachedDevice:   &intent.CachedDevice{ID: d.DeviceID, Name: d.Name},
		HasFreshStatus: fresh,
	}
}

// Plan builds the workflow for text against the current memory without
// advancing the turn or touching the registry.
func (s *Session) Plan(text string) Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf := s.opts.Planner.Plan(text, s.snapshot(text))
	multi, count := intent.DetectMultiDevice(text)
	return Plan{Workflow: wf, MultiDevice: multi, DeviceCount: count, PreferBatch: intent.ShouldBatch(count)}
}

// Turn processes one utterance. Actions of a workflow that requires
// confirmation are queued as pending unless confirm is set.
func (s *Session) Turn(ctx context.Context, text string, confirm bool) TurnResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	turn := s.mem.NextTurn()
	s.mem.NoteRoom(text)

	snap := s.snapshot(text)
	wf := s.opts.Planner.Plan(text, snap)
	s.mem.SetIntent(string(wf.Intent))
	metrics.RecordTurn(string(wf.Intent))

	multi, count := intent.DetectMultiDevice(text)
	res := TurnResult{
		ConversationID: s.id,
		Turn:           turn,
		Workflow:       wf,
		MultiDevice:    multi,
		DeviceCount:    count,
		PreferBatch:    intent.ShouldBatch(count),
	}

	if len(wf.Steps) == 0 && snap.CachedDevice != nil {
		if d, ok := s.mem.Device(snap.CachedDevice.ID); ok {
			res.Cached = &d
		}
	}

	r := &run{s: s, wf: wf, text: text, confirm: confirm}
	res.Steps = r.execute(ctx)
	res.ConditionMet = r.conditionMet
	res.Pending = s.mem.PendingActions()
	for _, st := range res.Steps {
		if st.Error != nil {
			res.UserMessage = st.Error.UserMessage
			break
		}
	}

	if turn > s.opts.EvictAfterTurn {
		res.Evicted = s.mem.EvictStale(s.opts.EvictThreshold)
		if res.Evicted > 0 {
			s.logger.Info("evicted stale devices", "count", res.Evicted, "turn", turn)
		}
	}

	s.logger.Info("turn complete", "turn", turn, "intent", wf.Intent, "steps", len(res.Steps))
	return res
}

// ConfirmPending executes every queued action and clears the queue.
func (s *Session) ConfirmPending(ctx context.Context) []StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	pending := s.mem.PendingActions()
	s.mem.ClearPendingActions()

	r := &run{s: s, confirm: true}
	out := make([]StepResult, len(pending))
	for i, pa := range pending {
		out[i] = r.apply(ctx, StepResult{
			Index:       i,
			Operation:   intent.OpExecuteCommands,
			Description: pa.Description,
			DeviceID:    pa.DeviceID,
		}, pa.DeviceID, pa.Commands, "confirm")
	}
	return out
}

// DeviceStatus reads a device status through the registry and remembers it.
func (s *Session) DeviceStatus(ctx context.Context, deviceID string) (hub.Status, error) {
	st, err := fallback.Retry(ctx, s.opts.Retry, func(ctx context.Context) (hub.Status, error) {
		return s.opts.Registry.Status(ctx, deviceID)
	})
	if err != nil {
		return hub.Status{}, err
	}
	if _, ok := s.mem.Device(deviceID); !ok {
		s.mem.AddOrUpdateDevice(memory.Mention{ID: deviceID, Name: deviceID})
	}
	s.mem.UpdateStatus(deviceID, st)
	return st, nil
}

// Reset forgets the conversation.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.Reset()
}

func (s *Session) journal(deviceID string, cmds []hub.Command, status, errMsg, source string) {
	if s.opts.Journal == nil {
		return
	}
	raw, err := json.Marshal(cmds)
	if err != nil {
		raw = []byte("[]")
	}
	name := ""
	if d, ok := s.mem.Device(deviceID); ok {
		name = d.Name
	}
	err = s.opts.Journal.RecordCommand(storage.CommandEntry{
		ConversationID: s.id,
		DeviceID:       deviceID,
		DeviceName:     name,
		CommandsJSON:   string(raw),
		Status:         status,
		Error:          errMsg,
		Source:         source,
	})
	if err != nil {
		s.logger.Warn("failed to journal command", "device_id", deviceID, "error", err)
	}
}
