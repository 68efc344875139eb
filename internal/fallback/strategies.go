package fallback

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/pianzhu/smartthings-mcp/internal/hub"
	"github.com/pianzhu/smartthings-mcp/internal/metrics"
	"github.com/pianzhu/smartthings-mcp/internal/vocab"
)

// ErrNoCandidates is returned when no broadened query finds a device.
var ErrNoCandidates = errors.New("no broadened query found a device")

// SearchFunc runs a registry search.
type SearchFunc func(ctx context.Context, query string) ([]hub.Device, error)

// CommandsFunc looks up the commands of one capability of a device.
type CommandsFunc func(ctx context.Context, deviceID, capability string) (hub.CommandInfo, error)

// BroadenQueries returns the relaxed queries to try after query found
// nothing: the query without room words (if that changed it), then each
// device-type word it contains.
func BroadenQueries(query string) []string {
	var out []string
	stripped := query
	for _, room := range vocab.BroadenRoomTokens {
		stripped = strings.TrimSpace(strings.ReplaceAll(stripped, room, ""))
	}
	if stripped != query && stripped != "" {
		out = append(out, stripped)
	}
	for _, w := range vocab.DeviceTypeWords {
		if strings.Contains(query, w) {
			out = append(out, w)
		}
	}
	return out
}

// BroadenSearch tries each broadened query in turn and returns the first
// non-empty result with the query that produced it. Search errors are
// logged and skipped.
func BroadenSearch(ctx context.Context, query string, search SearchFunc) ([]hub.Device, string, error) {
	for _, q := range BroadenQueries(query) {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		slog.Info("trying broadened search", "query", q, "original", query)
		devices, err := search(ctx, q)
		if err != nil {
			slog.Warn("broadened search failed", "query", q, "error", err)
			continue
		}
		if len(devices) > 0 {
			return devices, q, nil
		}
	}
	return nil, "", ErrNoCandidates
}

// SupportedCommands returns the commands the device offers for capability.
func SupportedCommands(ctx context.Context, deviceID, capability string, lookup CommandsFunc) ([]string, bool) {
	info, err := lookup(ctx, deviceID, capability)
	if err != nil {
		slog.Error("failed to get supported commands", "device_id", deviceID, "capability", capability, "error", err)
		return nil, false
	}
	if info.Error != "" || info.Commands == nil {
		return nil, false
	}
	return info.Commands, true
}

// Range is an inclusive numeric bound.
type Range struct {
	Min float64
	Max float64
}

// ClampParameter pulls a numeric value into r. Non-numeric values, values
// already in range and a nil range are returned unchanged. Integer inputs
// stay integers.
func ClampParameter(name string, value any, r *Range) any {
	if r == nil {
		return value
	}
	var v float64
	isInt := false
	switch n := value.(type) {
	case int:
		v, isInt = float64(n), true
	case int64:
		v, isInt = float64(n), true
	case float64:
		v = n
	case float32:
		v = float64(n)
	default:
		return value
	}

	bound := v
	switch {
	case v < r.Min:
		bound = r.Min
		slog.Warn("parameter too low, clamping", "parameter", name, "value", v, "min", r.Min)
	case v > r.Max:
		bound = r.Max
		slog.Warn("parameter too high, clamping", "parameter", name, "value", v, "max", r.Max)
	default:
		return value
	}
	if isInt {
		return int(bound)
	}
	return bound
}

// Policy bounds Retry.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

// DefaultPolicy is three attempts starting at half a second.
var DefaultPolicy = Policy{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond}

// Retry runs op with exponential backoff while it fails with a retryable
// kind, for at most p.MaxAttempts attempts.
func Retry[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultPolicy.InitialDelay
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !ShouldRetry(Classify(err)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.RecordRetry()
			slog.Debug("retrying after transient failure", "error", err, "next", next)
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return v, err
}

// WithFallback calls primary up to maxAttempts times and, if every attempt
// fails, returns the result of secondary.
func WithFallback[T any](ctx context.Context, primary, secondary func(context.Context) (T, error), maxAttempts int) (T, error) {
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		v, err := primary(ctx)
		if err == nil {
			return v, nil
		}
		slog.Warn("attempt failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	slog.Info("using fallback")
	return secondary(ctx)
}
