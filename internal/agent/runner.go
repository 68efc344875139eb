package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pianzhu/smartthings-mcp/internal/fallback"
	"github.com/pianzhu/smartthings-mcp/internal/hub"
	"github.com/pianzhu/smartthings-mcp/internal/intent"
	"github.com/pianzhu/smartthings-mcp/internal/memory"
	"github.com/pianzhu/smartthings-mcp/internal/metrics"
	"github.com/pianzhu/smartthings-mcp/internal/storage"
)

// run executes one workflow. Steps whose dependencies have completed run
// together in a wave; a failed or skipped dependency skips its dependents.
type run struct {
	s       *Session
	wf      intent.Workflow
	text    string
	confirm bool
	// since overrides the history window when positive.
	since time.Duration

	results      []StepResult
	conditionMet *bool
}

func (r *run) execute(ctx context.Context) []StepResult {
	n := len(r.wf.Steps)
	r.results = make([]StepResult, n)

	for {
		progress := false
		var ready []int
		for i := range r.wf.Steps {
			if r.results[i].Status != "" {
				continue
			}
			blocked, failed := false, -1
			for _, d := range r.deps(i) {
				switch r.results[d].Status {
				case "":
					blocked = true
				case StepOK, StepCached:
				default:
					failed = d
				}
			}
			if failed >= 0 {
				r.results[i] = r.skip(i, fmt.Sprintf("step %d did not complete", failed))
				progress = true
				continue
			}
			if !blocked {
				ready = append(ready, i)
			}
		}

		if len(ready) > 0 {
			var g errgroup.Group
			for _, i := range ready {
				g.Go(func() error {
					r.results[i] = r.step(ctx, i)
					metrics.RecordStep(string(r.wf.Steps[i].Operation), r.results[i].Status)
					return nil
				})
			}
			_ = g.Wait()
			progress = true
		}

		if !progress {
			break
		}
	}

	// Anything left waits on a dependency that can never complete.
	for i := range r.results {
		if r.results[i].Status == "" {
			r.results[i] = r.skip(i, "unresolvable dependency")
		}
	}
	return r.results
}

// deps returns the indices step i waits for. A conditional action also
// waits for every status read before it, since the condition is evaluated
// against them.
func (r *run) deps(i int) []int {
	st := r.wf.Steps[i]
	var out []int
	if st.DependsOn != nil {
		d := *st.DependsOn
		if d < 0 || d >= len(r.wf.Steps) || d == i {
			return []int{i}
		}
		out = append(out, d)
	}
	if r.wf.Intent == intent.ConditionalControl && st.Operation == intent.OpExecuteCommands {
		for j := 0; j < i; j++ {
			if r.wf.Steps[j].Operation == intent.OpDeviceStatus {
				out = append(out, j)
			}
		}
	}
	return out
}

func (r *run) base(i int) StepResult {
	st := r.wf.Steps[i]
	return StepResult{Index: i, Operation: st.Operation, Description: st.Description}
}

func (r *run) skip(i int, note string) StepResult {
	res := r.base(i)
	res.Status = StepSkipped
	res.Note = note
	return res
}

func (r *run) step(ctx context.Context, i int) StepResult {
	if err := ctx.Err(); err != nil {
		res := r.base(i)
		return r.fail(res, err, fallback.ErrorContext{Operation: string(res.Operation)})
	}
	switch r.wf.Steps[i].Operation {
	case intent.OpSearchDevices:
		return r.search(ctx, i)
	case intent.OpDeviceStatus:
		return r.status(ctx, i)
	case intent.OpExecuteCommands:
		return r.executeCommands(ctx, i)
	case intent.OpDeviceHistory:
		return r.history(ctx, i)
	case intent.OpContextSummary:
		res := r.base(i)
		sum := r.s.mem.Summary()
		res.Context = &sum
		res.Status = StepOK
		return res
	}
	res := r.base(i)
	return r.fail(res, fallback.NewError(fallback.Unknown, "unsupported operation "+string(res.Operation)), fallback.ErrorContext{})
}

// resolveDevice substitutes a <from_step_N> placeholder with the first
// device that step produced.
func (r *run) resolveDevice(ref string) (string, error) {
	n, ok := intent.StepRef(ref)
	if !ok {
		if ref == "" {
			return "", fallback.NewError(fallback.ParameterInvalid, "invalid parameter: step has no device")
		}
		return ref, nil
	}
	if n < 0 || n >= len(r.results) {
		return "", fallback.NewError(fallback.ParameterInvalid, fmt.Sprintf("invalid parameter: no step %d", n))
	}
	prev := r.results[n]
	if len(prev.Devices) > 0 {
		return prev.Devices[0].FullID, nil
	}
	if prev.DeviceID != "" {
		return prev.DeviceID, nil
	}
	return "", fallback.NewError(fallback.DeviceNotFound, fmt.Sprintf("step %d found no device", n))
}

// policy returns the retry policy for an operation, reduced to a single
// attempt once the operation id has failed often enough.
func (r *run) policy(opID string) fallback.Policy {
	p := r.s.opts.Retry
	if r.s.opts.Handler.RetryCount(opID) >= p.MaxAttempts {
		p.MaxAttempts = 1
	}
	return p
}

func (r *run) fail(res StepResult, err error, ec fallback.ErrorContext) StepResult {
	resp := r.s.opts.Handler.HandleError(err, ec)
	res.Status = StepFailed
	res.Error = &resp
	return res
}

func (r *run) search(ctx context.Context, i int) StepResult {
	res := r.base(i)
	p := r.wf.Steps[i].Params
	res.Query = p.Query
	ec := fallback.ErrorContext{
		Operation:   string(intent.OpSearchDevices),
		OperationID: "search:" + p.Query,
		Query:       p.Query,
	}

	if p.Query == "" || p.Query == intent.SensorQueryPlaceholder || p.Query == intent.ActuatorQueryPlaceholder {
		return r.fail(res, fallback.NewError(fallback.ParameterInvalid, "invalid parameter: no device named in request"), ec)
	}

	limit := p.Limit
	searchFn := func(ctx context.Context, q string) ([]hub.Device, error) {
		return fallback.Retry(ctx, r.policy(ec.OperationID), func(ctx context.Context) ([]hub.Device, error) {
			return r.s.opts.Registry.Search(ctx, q, limit)
		})
	}

	devices, err := searchFn(ctx, p.Query)
	if err != nil {
		return r.fail(res, err, ec)
	}
	if len(devices) == 0 {
		resp := r.s.opts.Handler.HandleError(fallback.NewError(fallback.DeviceNotFound, "no device matches "+p.Query), ec)
		broad, q, berr := fallback.BroadenSearch(ctx, p.Query, searchFn)
		if berr != nil {
			res.Status = StepFailed
			res.Error = &resp
			return res
		}
		devices = broad
		res.Query = q
		res.Note = fmt.Sprintf("no match for '%s', broadened to '%s'", p.Query, q)
	}

	top := devices[0]
	r.s.mem.AddOrUpdateDevice(memory.Mention{
		ID:           top.FullID,
		Name:         top.Name,
		Room:         top.Room,
		Type:         top.Type,
		Capabilities: top.Capabilities,
	})
	res.Devices = devices
	res.DeviceID = top.FullID
	res.Status = StepOK
	return res
}

func (r *run) status(ctx context.Context, i int) StepResult {
	res := r.base(i)
	id, err := r.resolveDevice(r.wf.Steps[i].Params.DeviceID)
	ec := fallback.ErrorContext{Operation: string(intent.OpDeviceStatus)}
	if err != nil {
		return r.fail(res, err, ec)
	}
	res.DeviceID = id
	ec.DeviceID = id
	ec.OperationID = "status:" + id

	if st, ok := r.s.mem.FreshStatus(id); ok {
		res.DeviceState = &st
		res.Status = StepCached
		return res
	}

	st, err := fallback.Retry(ctx, r.policy(ec.OperationID), func(ctx context.Context) (hub.Status, error) {
		return r.s.opts.Registry.Status(ctx, id)
	})
	if err != nil {
		return r.fail(res, err, ec)
	}
	if _, ok := r.s.mem.Device(id); !ok {
		r.s.mem.AddOrUpdateDevice(memory.Mention{ID: id, Name: id})
	}
	r.s.mem.UpdateStatus(id, st)
	res.DeviceState = &st
	res.Status = StepOK
	return res
}

func (r *run) history(ctx context.Context, i int) StepResult {
	res := r.base(i)
	p := r.wf.Steps[i].Params
	id, err := r.resolveDevice(p.DeviceID)
	ec := fallback.ErrorContext{Operation: string(intent.OpDeviceHistory)}
	if err != nil {
		return r.fail(res, err, ec)
	}
	res.DeviceID = id
	ec.DeviceID = id
	ec.OperationID = "history:" + id

	q := hub.HistoryQuery{DeviceID: id, Capability: p.Capability, Attribute: p.Attribute, Since: defaultHistoryWindow}
	if r.since > 0 {
		q.Since = r.since
	}
	if q.Capability == intent.InferFromDevice {
		q.Capability = ""
		if d, ok := r.s.mem.Device(id); ok {
			if c, a, ok := hub.InferSeries(d.Capabilities); ok {
				q.Capability, q.Attribute = c, a
			}
		}
	}
	ec.Capability = q.Capability

	events, err := fallback.Retry(ctx, r.policy(ec.OperationID), func(ctx context.Context) ([]hub.Event, error) {
		return r.s.opts.Registry.History(ctx, q)
	})
	if err != nil {
		return r.fail(res, err, ec)
	}
	res.Events = events
	res.Status = StepOK
	return res
}

// actionText is the part of the utterance that names the action.
func (r *run) actionText() string {
	if r.wf.Intent == intent.ConditionalControl {
		if _, action, ok := intent.SplitConditional(r.text); ok {
			return action
		}
	}
	return r.text
}

// checkCondition evaluates the workflow condition against the first numeric
// reading of the status steps. It reports whether the action may proceed.
func (r *run) checkCondition() (bool, string) {
	c := r.wf.Condition
	if c == nil || !c.HasThreshold {
		return true, ""
	}
	for j, st := range r.wf.Steps {
		if st.Operation != intent.OpDeviceStatus || r.results[j].DeviceState == nil {
			continue
		}
		v, ok := r.results[j].DeviceState.FirstFloat("")
		if !ok {
			continue
		}
		met := c.Holds(v)
		r.conditionMet = &met
		if !met {
			return false, fmt.Sprintf("condition not met: reading %g is not %s %g", v, c.Operator, c.Threshold)
		}
		return true, ""
	}
	return false, "condition could not be evaluated: sensor reported no numeric value"
}

func (r *run) executeCommands(ctx context.Context, i int) StepResult {
	res := r.base(i)
	p := r.wf.Steps[i].Params
	ec := fallback.ErrorContext{Operation: string(intent.OpExecuteCommands)}

	id, err := r.resolveDevice(p.DeviceID)
	if err != nil {
		return r.fail(res, err, ec)
	}
	res.DeviceID = id
	ec.DeviceID = id

	if ok, note := r.checkCondition(); !ok {
		res.Status = StepSkipped
		res.Note = note
		return res
	}

	cmds := p.Commands
	if len(cmds) == 0 {
		cmds, err = r.inferCommands(ctx, id)
		if err != nil {
			return r.fail(res, err, ec)
		}
	}
	res.Commands = cmds

	if r.wf.RequiresConfirmation && !r.confirm {
		r.s.mem.AddPendingAction(memory.PendingAction{
			DeviceID:    id,
			Commands:    cmds,
			Description: r.wf.Steps[i].Description,
		})
		r.s.journal(id, cmds, storage.CommandPending, "", "turn")
		res.Status = StepPending
		res.Note = "awaiting confirmation"
		return res
	}
	return r.apply(ctx, res, id, cmds, "turn")
}

// inferCommands maps the utterance onto the device's capabilities. Relative
// adjustments read the current status first.
func (r *run) inferCommands(ctx context.Context, id string) ([]hub.Command, error) {
	d, _ := r.s.mem.Device(id)
	text := r.actionText()

	var current *hub.Status
	if st, ok := r.s.mem.FreshStatus(id); ok {
		current = &st
	}
	sug, ok := r.s.opts.Mapper.Map(text, d.Capabilities, current)
	if !ok {
		return nil, fallback.NewError(fallback.CommandNotSupported, fmt.Sprintf("no supported command matches %q on this device", text))
	}
	if sug.NeedsCurrentState && current == nil {
		st, err := r.s.opts.Registry.Status(ctx, id)
		if err == nil {
			r.s.mem.UpdateStatus(id, st)
			if again, ok := r.s.opts.Mapper.Map(text, d.Capabilities, &st); ok {
				sug = again
			}
		} else {
			r.s.logger.Warn("could not read current state, using default", "device_id", id, "error", err)
		}
	}
	return []hub.Command{sug.HubCommand()}, nil
}

// apply sends cmds with retry and runs the automatic remediations for
// unsupported commands and out-of-range parameters.
func (r *run) apply(ctx context.Context, res StepResult, id string, cmds []hub.Command, source string) StepResult {
	res.DeviceID = id
	res.Commands = cmds
	ec := fallback.ErrorContext{
		Operation:   string(intent.OpExecuteCommands),
		OperationID: "commands:" + id,
		DeviceID:    id,
	}
	if len(cmds) > 0 {
		ec.Capability = cmds[0].Capability
		ec.Command = cmds[0].Command
	}

	send := func(ctx context.Context, cmds []hub.Command) (hub.CommandResult, error) {
		return fallback.Retry(ctx, r.policy(ec.OperationID), func(ctx context.Context) (hub.CommandResult, error) {
			return r.s.opts.Registry.ApplyCommands(ctx, id, cmds)
		})
	}

	cr, err := send(ctx, cmds)
	if err != nil {
		resp := r.s.opts.Handler.HandleError(err, ec)
		switch resp.Kind {
		case fallback.ParameterInvalid:
			if clamped, changed := r.clamp(cmds); changed {
				ec.Parameter = "arguments"
				if cr2, err2 := r.s.opts.Registry.ApplyCommands(ctx, id, clamped); err2 == nil {
					cmds, cr, err = clamped, cr2, nil
					res.Commands = clamped
					res.Note = "parameter clamped to valid range"
				}
			}
		case fallback.CommandNotSupported:
			if ec.Capability != "" {
				res.Supported, _ = fallback.SupportedCommands(ctx, id, ec.Capability, r.s.opts.Registry.Commands)
			}
		}
		if err != nil {
			r.s.journal(id, cmds, storage.CommandFailed, err.Error(), source)
			res.Status = StepFailed
			res.Error = &resp
			return res
		}
	}

	res.Result = &cr
	if cr.Status == hub.StatusFailed {
		msg := cr.Error
		if msg == "" {
			msg = "command execution failed"
		}
		resp := r.s.opts.Handler.HandleError(errors.New(msg), ec)
		r.s.journal(id, cmds, storage.CommandFailed, msg, source)
		res.Status = StepFailed
		res.Error = &resp
		return res
	}
	r.s.journal(id, cmds, storage.CommandSuccess, "", source)
	res.Status = StepOK
	return res
}

// clamp pulls the first argument of each command into its known range.
func (r *run) clamp(cmds []hub.Command) ([]hub.Command, bool) {
	out := make([]hub.Command, len(cmds))
	changed := false
	for i, c := range cmds {
		out[i] = c
		if len(c.Arguments) == 0 {
			continue
		}
		switch c.Arguments[0].(type) {
		case int, int64, float32, float64:
		default:
			continue
		}
		lo, hi, ok := r.s.opts.Mapper.RangeForCommand(c.Capability, c.Command)
		if !ok {
			continue
		}
		v := fallback.ClampParameter(strings.ToLower(c.Command), c.Arguments[0], &fallback.Range{Min: lo, Max: hi})
		if v != c.Arguments[0] {
			out[i].Arguments = append([]any{v}, c.Arguments[1:]...)
			changed = true
		}
	}
	return out, changed
}
