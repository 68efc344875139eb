// Package fallback classifies registry failures into a closed taxonomy,
// chooses a remediation for each kind and implements the remediations.
package fallback

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/pianzhu/smartthings-mcp/internal/hub"
)

// Kind is the class of a failure.
type Kind string

const (
	DeviceNotFound      Kind = "DEVICE_NOT_FOUND"
	CommandNotSupported Kind = "COMMAND_NOT_SUPPORTED"
	ParameterInvalid    Kind = "PARAMETER_INVALID"
	APIError            Kind = "API_ERROR"
	NetworkError        Kind = "NETWORK_ERROR"
	Timeout             Kind = "TIMEOUT"
	PermissionDenied    Kind = "PERMISSION_DENIED"
	Unknown             Kind = "UNKNOWN"
)

// Error is a failure that already knows its kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// NewError returns an Error of the given kind.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap attaches a kind to err.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return strings.ToLower(string(e.Kind))
}

func (e *Error) Unwrap() error { return e.Err }

var messageRules = []struct {
	kind  Kind
	words []string
}{
	{DeviceNotFound, []string{"not found", "no device"}},
	{CommandNotSupported, []string{"not supported", "invalid command"}},
	{ParameterInvalid, []string{"invalid parameter", "invalid value"}},
	{Timeout, []string{"timeout"}},
	{PermissionDenied, []string{"permission", "unauthorized"}},
	{NetworkError, []string{"network", "connection"}},
}

// Classify maps err to a Kind. Typed errors are checked before the message
// text; a nil error is Unknown.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, hub.ErrDeviceNotFound) || errors.Is(err, hub.ErrInvalidDeviceID) {
		return DeviceNotFound
	}

	var se *hub.StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == 401 || se.Code == 403:
			return PermissionDenied
		case se.Code == 404:
			return DeviceNotFound
		case se.Code == 400 || se.Code == 422:
			return ParameterInvalid
		case se.Code == 408:
			return Timeout
		case se.Code == 429 || se.Code >= 500:
			return APIError
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return NetworkError
	}

	msg := strings.ToLower(err.Error())
	for _, r := range messageRules {
		for _, w := range r.words {
			if strings.Contains(msg, w) {
				return r.kind
			}
		}
	}
	return Unknown
}

// ShouldRetry reports whether a failure of kind is transient.
func ShouldRetry(kind Kind) bool {
	switch kind {
	case NetworkError, Timeout, APIError:
		return true
	}
	return false
}
