package fallback

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pianzhu/smartthings-mcp/internal/metrics"
)

// DefaultHistoryLimit bounds the in-memory error history.
const DefaultHistoryLimit = 256

// ErrorContext describes the operation that failed.
type ErrorContext struct {
	OperationID string `json:"operation_id,omitempty"`
	Operation   string `json:"operation,omitempty"`
	Query       string `json:"query,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	Capability  string `json:"capability,omitempty"`
	Command     string `json:"command,omitempty"`
	Parameter   string `json:"parameter,omitempty"`
}

// Record is one handled failure. Records are never mutated once stored.
type Record struct {
	Kind      Kind         `json:"kind"`
	Message   string       `json:"message"`
	Context   ErrorContext `json:"context"`
	Timestamp time.Time    `json:"timestamp"`
}

// Fallback is the remediation chosen for a kind.
type Fallback struct {
	Strategy   string `json:"strategy"`
	Action     string `json:"action"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// Response is what callers surface instead of the raw error.
type Response struct {
	Kind        Kind     `json:"error_kind"`
	Fallback    Fallback `json:"fallback"`
	UserMessage string   `json:"user_message"`
	Record      Record   `json:"-"`
}

// Recorder persists handled failures.
type Recorder interface {
	RecordError(r Record) error
}

// SelectFallback returns the remediation for kind.
func SelectFallback(kind Kind) Fallback {
	switch kind {
	case DeviceNotFound:
		return Fallback{Strategy: "broaden_search", Action: "Try removing room constraint or using device type only"}
	case CommandNotSupported:
		return Fallback{Strategy: "get_supported_commands", Action: "Call get_device_commands to see what's available"}
	case ParameterInvalid:
		return Fallback{Strategy: "validate_parameters", Action: "Check valid range or use default value"}
	case NetworkError, Timeout, APIError:
		return Fallback{Strategy: "retry", Action: "Retry the operation after brief delay", MaxRetries: 3}
	case PermissionDenied:
		return Fallback{Strategy: "inform_user", Action: "Ask user to check permissions"}
	}
	return Fallback{Strategy: "ask_user", Action: "Ask user for clarification"}
}

func userMessage(kind Kind, ec ErrorContext) string {
	switch kind {
	case DeviceNotFound:
		return fmt.Sprintf("I couldn't find a device matching '%s'. Let me try a broader search, or you can be more specific about the device name.", ec.Query)
	case CommandNotSupported:
		cmd := ec.Command
		if cmd == "" {
			cmd = "that command"
		}
		return fmt.Sprintf("This device doesn't support %s. Let me check what commands are available.", cmd)
	case ParameterInvalid:
		param := ec.Parameter
		if param == "" {
			param = "the parameter"
		}
		return fmt.Sprintf("The value for %s is invalid. Let me try to correct it.", param)
	case NetworkError, Timeout:
		return "I'm having trouble connecting to the SmartThings service. Let me try again."
	case PermissionDenied:
		return "I don't have permission to perform this action. Please check your SmartThings app permissions."
	}
	return "I encountered an unexpected error. Could you try rephrasing your request?"
}

// Options configures a Handler.
type Options struct {
	HistoryLimit int
	Recorder     Recorder
	Now          func() time.Time
}

// Handler classifies, records and explains failures. It is safe for
// concurrent use.
type Handler struct {
	limit    int
	recorder Recorder
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	history []Record
}

func NewHandler(opts Options) *Handler {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		limit:    opts.HistoryLimit,
		recorder: opts.Recorder,
		now:      opts.Now,
		logger:   slog.Default(),
	}
}

// HandleError classifies err, appends it to the history and returns the
// remediation and user-facing message.
func (h *Handler) HandleError(err error, ec ErrorContext) Response {
	kind := Classify(err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	rec := Record{Kind: kind, Message: msg, Context: ec, Timestamp: h.now().UTC()}

	h.mu.Lock()
	if len(h.history) == h.limit {
		copy(h.history, h.history[1:])
		h.history[len(h.history)-1] = rec
	} else {
		h.history = append(h.history, rec)
	}
	h.mu.Unlock()

	metrics.RecordError(string(kind))
	h.logger.Error("operation failed",
		"kind", kind,
		"operation", ec.Operation,
		"operation_id", ec.OperationID,
		"device_id", ec.DeviceID,
		"error", msg,
	)
	if h.recorder != nil {
		if rerr := h.recorder.RecordError(rec); rerr != nil {
			h.logger.Warn("failed to persist error record", "error", rerr)
		}
	}

	return Response{
		Kind:        kind,
		Fallback:    SelectFallback(kind),
		UserMessage: userMessage(kind, ec),
		Record:      rec,
	}
}

// RetryCount returns how many retained failures carry operationID.
func (h *Handler) RetryCount(operationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.history {
		if r.Context.OperationID == operationID {
			n++
		}
	}
	return n
}

// History returns the retained records, oldest first.
func (h *Handler) History() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.history)
}

func (h *Handler) ShouldRetry(kind Kind) bool { return ShouldRetry(kind) }
