package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pianzhu/smartthings-mcp/internal/agent"
	"github.com/pianzhu/smartthings-mcp/internal/batch"
	"github.com/pianzhu/smartthings-mcp/internal/hub"
	"github.com/pianzhu/smartthings-mcp/internal/memory"
	"github.com/pianzhu/smartthings-mcp/internal/storage"
)

// DefaultConversation is the session used by tool calls that name none.
const DefaultConversation = "mcp"

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 50
	recentJournalSize  = 20
)

// Journal is the command journal the API appends to and reads back.
type Journal interface {
	RecordCommand(e storage.CommandEntry) error
	RecentCommands(limit int) ([]storage.CommandEntry, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Sessions *agent.Manager
	Batch    *batch.Executor
	Journal  Journal // optional; journal://recent is empty without it
	// SearchLimit is the default search_devices limit.
	SearchLimit int
	Version     string
}

const instructions = `smartthings-mcp controls SmartThings devices through natural language.
Prefer handle_turn for whole requests; it plans, resolves references such as "it" and runs the steps.
Use plan_request to preview a workflow. The single-purpose tools are for explicit device work.
Failed tools return JSON with error_kind, fallback and user_message; relay user_message to the user.`

// NewMCPServer creates an MCP server with all device tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	if deps.SearchLimit <= 0 {
		deps.SearchLimit = defaultSearchLimit
	}

	s := server.NewMCPServer(
		"smartthings-mcp",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions(instructions),
		server.WithRecovery(),
	)

	conversation := mcp.WithString("conversation_id", mcp.Description("Conversation to use (default \"mcp\")"))

	// Tools
	s.AddTool(
		mcp.NewTool("search_devices",
			mcp.WithDescription("Find devices by name, room or type. Results are ranked by relevance; the top match is remembered for follow-up references."),
			mcp.WithString("query", mcp.Description("Free text such as \"living room light\""), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			conversation,
		),
		mcpSearchDevices(deps),
	)

	s.AddTool(
		mcp.NewTool("get_device_status",
			mcp.WithDescription("Read the current state of a device. A recently read state is served from memory."),
			mcp.WithString("device_id", mcp.Description("Full device id"), mcp.Required()),
			conversation,
		),
		mcpDeviceStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("execute_commands",
			mcp.WithDescription("Send capability commands to a device."),
			mcp.WithString("device_id", mcp.Description("Full device id"), mcp.Required()),
			mcp.WithString("commands", mcp.Description(`JSON array of {component, capability, command, arguments}, e.g. [{"capability":"switch","command":"on"}]`), mcp.Required()),
			conversation,
		),
		mcpExecuteCommands(deps),
	)

	s.AddTool(
		mcp.NewTool("get_device_commands",
			mcp.WithDescription("List the commands and attributes a capability on a device supports."),
			mcp.WithString("device_id", mcp.Description("Full device id"), mcp.Required()),
			mcp.WithString("capability", mcp.Description("Capability id such as switchLevel"), mcp.Required()),
			conversation,
		),
		mcpDeviceCommands(deps),
	)

	s.AddTool(
		mcp.NewTool("get_context_summary",
			mcp.WithDescription("Summarize the conversation memory and the rooms and devices of the location."),
			conversation,
		),
		mcpContextSummary(deps),
	)

	s.AddTool(
		mcp.NewTool("get_device_history",
			mcp.WithDescription("Return raw attribute events for a device."),
			mcp.WithString("device_id", mcp.Description("Full device id"), mcp.Required()),
			mcp.WithString("capability", mcp.Description("Capability to filter on; inferred from the device when omitted")),
			mcp.WithString("attribute", mcp.Description("Attribute to filter on")),
			mcp.WithString("since", mcp.Description("How far back to look, as a duration such as 6h (default 24h)")),
			conversation,
		),
		mcpDeviceHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("batch_execute_commands",
			mcp.WithDescription("Send commands to many devices at once. Each device succeeds or fails independently."),
			mcp.WithString("operations", mcp.Description(`JSON array of {device_id, commands}`), mcp.Required()),
		),
		mcpBatchExecute(deps),
	)

	s.AddTool(
		mcp.NewTool("plan_request",
			mcp.WithDescription("Plan the workflow for a request without running it."),
			mcp.WithString("text", mcp.Description("The user's request"), mcp.Required()),
			conversation,
		),
		mcpPlanRequest(deps),
	)

	s.AddTool(
		mcp.NewTool("handle_turn",
			mcp.WithDescription("Process one user utterance end to end: plan, execute and remember."),
			mcp.WithString("text", mcp.Description("The user's request"), mcp.Required()),
			mcp.WithBoolean("confirm", mcp.Description("Run actions that need confirmation instead of queueing them")),
			conversation,
		),
		mcpHandleTurn(deps),
	)

	s.AddTool(
		mcp.NewTool("confirm_pending_actions",
			mcp.WithDescription("Run the actions queued by an earlier conditional request."),
			conversation,
		),
		mcpConfirmPending(deps),
	)

	s.AddTool(
		mcp.NewTool("resolve_reference",
			mcp.WithDescription("Resolve a reference such as \"it\" or \"the lamp\" to a remembered device."),
			mcp.WithString("text", mcp.Description("Text containing the reference"), mcp.Required()),
			conversation,
		),
		mcpResolveReference(deps),
	)

	s.AddTool(
		mcp.NewTool("reset_context",
			mcp.WithDescription("Forget the conversation memory."),
			conversation,
		),
		mcpResetContext(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"context://conversation",
			"Conversation Context",
			mcp.WithResourceDescription("Memory summary of the default conversation"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceConversation(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"journal://recent",
			"Recent Commands",
			mcp.WithResourceDescription("Last 20 commands sent to devices"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceJournal(deps),
	)

	return s
}

func session(deps MCPDeps, req mcp.CallToolRequest) *agent.Session {
	id := strings.TrimSpace(req.GetString("conversation_id", ""))
	if id == "" {
		id = DefaultConversation
	}
	return deps.Sessions.Session(id)
}

func mcpSearchDevices(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcpFailure(invalidParam("query is required"), nil), nil
		}

		limit := req.GetInt("limit", deps.SearchLimit)
		if limit <= 0 {
			limit = deps.SearchLimit
		}
		if limit > maxSearchLimit {
			limit = maxSearchLimit
		}

		res := session(deps, req).Search(ctx, query, limit)
		if res.Error != nil {
			return mcpFailure(res.Error, nil), nil
		}
		return mcpJSON(map[string]any{
			"query":   res.Query,
			"devices": res.Devices,
			"note":    res.Note,
		}), nil
	}
}

func mcpDeviceStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("device_id")
		if err != nil || id == "" {
			return mcpFailure(invalidParam("device_id is required"), nil), nil
		}

		res := session(deps, req).Status(ctx, id)
		if res.Error != nil {
			return mcpFailure(res.Error, nil), nil
		}
		return mcpJSON(map[string]any{
			"device_id": res.DeviceID,
			"cached":    res.Status == agent.StepCached,
			"status":    res.DeviceState,
		}), nil
	}
}

func mcpExecuteCommands(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("device_id")
		if err != nil || id == "" {
			return mcpFailure(invalidParam("device_id is required"), nil), nil
		}
		raw, err := req.RequireString("commands")
		if err != nil {
			return mcpFailure(invalidParam("commands is required"), nil), nil
		}
		var cmds []hub.Command
		if err := json.Unmarshal([]byte(raw), &cmds); err != nil {
			return mcpFailure(invalidParam(fmt.Sprintf("commands must be a JSON array of commands: %v", err)), nil), nil
		}

		res := session(deps, req).Execute(ctx, id, cmds, "mcp")
		if res.Error != nil {
			return mcpFailure(res.Error, res.Supported), nil
		}
		return mcpJSON(map[string]any{
			"device_id": res.DeviceID,
			"commands":  res.Commands,
			"result":    res.Result,
			"note":      res.Note,
		}), nil
	}
}

func mcpDeviceCommands(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("device_id")
		if err != nil || id == "" {
			return mcpFailure(invalidParam("device_id is required"), nil), nil
		}
		capability, err := req.RequireString("capability")
		if err != nil || capability == "" {
			return mcpFailure(invalidParam("capability is required"), nil), nil
		}

		info, resp := session(deps, req).Commands(ctx, id, capability)
		if resp != nil {
			return mcpFailure(resp, nil), nil
		}
		return mcpJSON(info), nil
	}
}

func mcpContextSummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess := session(deps, req)
		out := map[string]any{"conversation": sess.Memory().Summary()}

		loc, resp := sess.LocationSummary(ctx)
		if resp != nil {
			out["location_error"] = resp.UserMessage
		} else {
			out["location"] = loc
		}
		return mcpJSON(out), nil
	}
}

func mcpDeviceHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("device_id")
		if err != nil || id == "" {
			return mcpFailure(invalidParam("device_id is required"), nil), nil
		}

		var since time.Duration
		if s := req.GetString("since", ""); s != "" {
			since, err = time.ParseDuration(s)
			if err != nil || since <= 0 {
				return mcpFailure(invalidParam(fmt.Sprintf("since must be a positive duration such as 6h, got %q", s)), nil), nil
			}
		}

		res := session(deps, req).History(ctx, id, req.GetString("capability", ""), req.GetString("attribute", ""), since)
		if res.Error != nil {
			return mcpFailure(res.Error, nil), nil
		}
		events := res.Events
		if events == nil {
			events = []hub.Event{}
		}
		return mcpJSON(map[string]any{
			"device_id": res.DeviceID,
			"events":    events,
		}), nil
	}
}

func mcpBatchExecute(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("operations")
		if err != nil {
			return mcpFailure(invalidParam("operations is required"), nil), nil
		}
		var ops []batch.Operation
		if err := json.Unmarshal([]byte(raw), &ops); err != nil {
			return mcpFailure(invalidParam(fmt.Sprintf("operations must be a JSON array of {device_id, commands}: %v", err)), nil), nil
		}
		if len(ops) == 0 {
			return mcpFailure(invalidParam("operations must not be empty"), nil), nil
		}

		rep := deps.Batch.Execute(ctx, ops)
		journalBatch(deps.Journal, ops, rep, "mcp")
		return mcpJSON(rep), nil
	}
}

func mcpPlanRequest(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil || strings.TrimSpace(text) == "" {
			return mcpFailure(invalidParam("text is required"), nil), nil
		}
		return mcpJSON(session(deps, req).Plan(text)), nil
	}
}

func mcpHandleTurn(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil || strings.TrimSpace(text) == "" {
			return mcpFailure(invalidParam("text is required"), nil), nil
		}
		res := session(deps, req).Turn(ctx, text, req.GetBool("confirm", false))
		return mcpJSON(res), nil
	}
}

func mcpConfirmPending(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		results := session(deps, req).ConfirmPending(ctx)
		if len(results) == 0 {
			return mcpText("No pending actions"), nil
		}
		return mcpJSON(results), nil
	}
}

func mcpResolveReference(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpFailure(invalidParam("text is required"), nil), nil
		}
		d, ok := session(deps, req).Resolve(text)
		if !ok {
			return mcpJSON(map[string]any{"resolved": false}), nil
		}
		return mcpJSON(struct {
			Resolved bool                `json:"resolved"`
			Device   memory.DeviceMemory `json:"device"`
		}{true, d}), nil
	}
}

func mcpResetContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess := session(deps, req)
		sess.Reset()
		return mcpText(fmt.Sprintf("Context for conversation %s cleared", sess.ID())), nil
	}
}

func mcpResourceConversation(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sum := deps.Sessions.Session(DefaultConversation).Memory().Summary()
		b, err := json.Marshal(sum)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal context summary: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceJournal(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		entries := []storage.CommandEntry{}
		if deps.Journal != nil {
			recent, err := deps.Journal.RecentCommands(recentJournalSize)
			if err != nil {
				return nil, fmt.Errorf("failed to get recent commands: %w", err)
			}
			if recent != nil {
				entries = recent
			}
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal journal: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// journalBatch records each batch item. Journal failures are logged only.
func journalBatch(j Journal, ops []batch.Operation, rep batch.Report, source string) {
	if j == nil {
		return
	}
	for _, r := range rep.Results {
		if r.Index < 0 || r.Index >= len(ops) {
			continue
		}
		raw, err := json.Marshal(ops[r.Index].Commands)
		if err != nil {
			raw = []byte("[]")
		}
		status := storage.CommandSuccess
		if r.Status != batch.StatusSuccess {
			status = storage.CommandFailed
		}
		err = j.RecordCommand(storage.CommandEntry{
			DeviceID:     r.DeviceID,
			CommandsJSON: string(raw),
			Status:       status,
			Error:        r.Error,
			Source:       source,
		})
		if err != nil {
			slog.Warn("failed to journal batch item", "device_id", r.DeviceID, "error", err)
		}
	}
}
