package agent

import (
	"context"
	"time"

	"github.com/pianzhu/smartthings-mcp/internal/fallback"
	"github.com/pianzhu/smartthings-mcp/internal/hub"
	"github.com/pianzhu/smartthings-mcp/internal/intent"
	"github.com/pianzhu/smartthings-mcp/internal/memory"
)

// Direct operations run as one-step workflows, so they share retries,
// remediation, journaling and memory updates with full turns.

func (s *Session) single(st intent.Step) *run {
	return &run{s: s, wf: intent.Workflow{Steps: []intent.Step{st}}, confirm: true}
}

// Search looks devices up by free text. An empty result broadens the query
// once; the top match is remembered.
func (s *Session) Search(ctx context.Context, query string, limit int) StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	r := s.single(intent.Step{
		Operation:   intent.OpSearchDevices,
		Description: "Search devices",
		Params:      intent.Params{Query: query, Limit: limit},
	})
	return r.search(ctx, 0)
}

// Status reads a device's status. A fresh remembered status is returned
// without calling the registry.
func (s *Session) Status(ctx context.Context, deviceID string) StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	r := s.single(intent.Step{
		Operation:   intent.OpDeviceStatus,
		Description: "Get device status",
		Params:      intent.Params{DeviceID: deviceID},
	})
	return r.status(ctx, 0)
}

// History returns raw events for a device over the last since (one day
// when zero). An empty capability is inferred from remembered capabilities.
func (s *Session) History(ctx context.Context, deviceID, capability, attribute string, since time.Duration) StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	if capability == "" {
		capability = intent.InferFromDevice
	}
	r := s.single(intent.Step{
		Operation:   intent.OpDeviceHistory,
		Description: "Get device history",
		Params:      intent.Params{DeviceID: deviceID, Capability: capability, Attribute: attribute},
	})
	r.since = since
	return r.history(ctx, 0)
}

// Execute sends cmds to one device and journals the outcome under source.
func (s *Session) Execute(ctx context.Context, deviceID string, cmds []hub.Command, source string) StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	res := StepResult{Operation: intent.OpExecuteCommands, Description: "Execute commands"}
	if deviceID == "" || len(cmds) == 0 {
		resp := s.opts.Handler.HandleError(
			fallback.NewError(fallback.ParameterInvalid, "invalid parameter: device_id and commands are required"),
			fallback.ErrorContext{Operation: string(intent.OpExecuteCommands), DeviceID: deviceID, Parameter: "commands"},
		)
		res.DeviceID = deviceID
		res.Status = StepFailed
		res.Error = &resp
		return res
	}
	for i := range cmds {
		cmds[i] = cmds[i].Normalize()
	}
	return s.single(intent.Step{Operation: intent.OpExecuteCommands}).apply(ctx, res, deviceID, cmds, source)
}

// Commands describes what a capability on a device accepts.
func (s *Session) Commands(ctx context.Context, deviceID, capability string) (hub.CommandInfo, *fallback.Response) {
	s.touch()
	ec := fallback.ErrorContext{
		Operation:   "get_device_commands",
		OperationID: "commands-info:" + deviceID,
		DeviceID:    deviceID,
		Capability:  capability,
	}
	info, err := fallback.Retry(ctx, s.opts.Retry, func(ctx context.Context) (hub.CommandInfo, error) {
		return s.opts.Registry.Commands(ctx, deviceID, capability)
	})
	if err != nil {
		resp := s.opts.Handler.HandleError(err, ec)
		return hub.CommandInfo{}, &resp
	}
	return info, nil
}

// LocationSummary is the room and device overview of the location.
func (s *Session) LocationSummary(ctx context.Context) (hub.Summary, *fallback.Response) {
	s.touch()
	sum, err := fallback.Retry(ctx, s.opts.Retry, func(ctx context.Context) (hub.Summary, error) {
		return s.opts.Registry.Summary(ctx)
	})
	if err != nil {
		resp := s.opts.Handler.HandleError(err, fallback.ErrorContext{Operation: "get_location_summary", OperationID: "summary"})
		return hub.Summary{}, &resp
	}
	return sum, nil
}

// Resolve maps a reference such as "it" or "the lamp" to a remembered device.
func (s *Session) Resolve(text string) (memory.DeviceMemory, bool) {
	return s.mem.ResolveReference(text)
}
