// Package hub defines the device registry contract the conversation layer
// talks to, and the value types that cross it.
package hub

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDeviceNotFound is returned when the registry has no such device.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrInvalidDeviceID is returned when a device id is not a valid UUID.
	ErrInvalidDeviceID = errors.New("invalid device id")
)

// StatusError is a non-2xx registry response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: registry returned status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: registry returned status %d: %s", e.Op, e.Code, e.Body)
}

// Device is the compressed search result shape.
type Device struct {
	ID           string   `json:"id"`
	FullID       string   `json:"fullId"`
	Name         string   `json:"name"`
	Room         string   `json:"room,omitempty"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
	Score        float64  `json:"relevance_score"`
}

// Command is a single capability command.
type Command struct {
	Component  string `json:"component"`
	Capability string `json:"capability"`
	Command    string `json:"command"`
	Arguments  []any  `json:"arguments,omitempty"`
}

// Normalize fills in the default component.
func (c Command) Normalize() Command {
	if c.Component == "" {
		c.Component = "main"
	}
	return c
}

const (
	StatusAccepted = "ACCEPTED"
	StatusFailed   = "FAILED"
)

// CommandAck is the registry's per-command acknowledgement.
type CommandAck struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CommandResult is the outcome of ApplyCommands.
type CommandResult struct {
	Status  string       `json:"status"`
	Error   string       `json:"error,omitempty"`
	Results []CommandAck `json:"results,omitempty"`
}

// AttributeInfo describes an attribute reported by GetCommands.
type AttributeInfo struct {
	Type         string `json:"type"`
	CurrentValue any    `json:"current_value"`
	Unit         string `json:"unit,omitempty"`
}

// CommandInfo describes what a capability on a device accepts.
type CommandInfo struct {
	Component             string                   `json:"component,omitempty"`
	Capability            string                   `json:"capability,omitempty"`
	Version               int                      `json:"version,omitempty"`
	Commands              []string                 `json:"commands,omitempty"`
	Attributes            map[string]AttributeInfo `json:"attributes,omitempty"`
	Error                 string                   `json:"error,omitempty"`
	AvailableCapabilities []string                 `json:"available_capabilities,omitempty"`
}

// RoomSummary aggregates the devices in one room.
type RoomSummary struct {
	DeviceCount int      `json:"device_count"`
	Types       []string `json:"types"`
}

// Statistics counts devices across the location.
type Statistics struct {
	TotalDevices int            `json:"total_devices"`
	ByType       map[string]int `json:"by_type"`
}

// Summary is the location overview.
type Summary struct {
	Rooms      map[string]RoomSummary `json:"rooms"`
	Statistics Statistics             `json:"statistics"`
	HubTime    string                 `json:"hub_time"`
}

// HistoryQuery selects raw device events.
type HistoryQuery struct {
	DeviceID   string
	Capability string
	Attribute  string
	Since      time.Duration
	Limit      int
}

// Event is one raw history entry.
type Event struct {
	DeviceID   string    `json:"deviceId"`
	Time       time.Time `json:"time"`
	Component  string    `json:"component"`
	Capability string    `json:"capability"`
	Attribute  string    `json:"attribute"`
	Value      any       `json:"value"`
	Unit       string    `json:"unit,omitempty"`
}

// CommandApplier applies commands to one device.
type CommandApplier interface {
	ApplyCommands(ctx context.Context, deviceID string, cmds []Command) (CommandResult, error)
}

// Registry is the device registry the conversation layer depends on.
type Registry interface {
	CommandApplier
	Search(ctx context.Context, query string, limit int) ([]Device, error)
	Status(ctx context.Context, deviceID string) (Status, error)
	Commands(ctx context.Context, deviceID, capability string) (CommandInfo, error)
	Summary(ctx context.Context) (Summary, error)
	History(ctx context.Context, q HistoryQuery) ([]Event, error)
}
