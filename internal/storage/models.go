package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Command journal statuses.
const (
	CommandSuccess = "success"
	CommandFailed  = "failed"
	CommandPending = "pending"
)

// CommandEntry is one command sent (or queued) for a device.
type CommandEntry struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	ConversationID string    `json:"conversation_id,omitempty"`
	DeviceID       string    `json:"device_id"`
	DeviceName     string    `json:"device_name,omitempty"`
	CommandsJSON   string    `json:"commands"` // JSON array stored as text
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	Source         string    `json:"source,omitempty"` // "turn", "mcp", "batch", "http"
}

// ErrorEntry is one handled failure.
type ErrorEntry struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Operation   string    `json:"operation,omitempty"`
	OperationID string    `json:"operation_id,omitempty"`
	DeviceID    string    `json:"device_id,omitempty"`
	ContextJSON string    `json:"context"`
}
