// Package batch applies commands to many devices at once with bounded
// concurrency and per-item error isolation.
package batch

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/pianzhu/smartthings-mcp/internal/fallback"
	"github.com/pianzhu/smartthings-mcp/internal/hub"
	"github.com/pianzhu/smartthings-mcp/internal/metrics"
)

// DefaultConcurrency bounds in-flight operations when Options leaves it unset.
const DefaultConcurrency = 4

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var (
	errNoDevice   = errors.New("invalid parameter: device_id is required")
	errNoCommands = errors.New("invalid parameter: commands must not be empty")
)

// Operation is the commands to send to one device.
type Operation struct {
	DeviceID string        `json:"device_id"`
	Commands []hub.Command `json:"commands"`
}

// Result is the outcome of one operation, at the operation's input index.
type Result struct {
	Index       int                `json:"index"`
	DeviceID    string             `json:"device_id"`
	Status      string             `json:"status"`
	Details     *hub.CommandResult `json:"details,omitempty"`
	Error       string             `json:"error,omitempty"`
	ErrorKind   fallback.Kind      `json:"error_kind,omitempty"`
	UserMessage string             `json:"user_message,omitempty"`
}

// Report summarizes a batch. Success+Failed always equals Total.
type Report struct {
	Total   int      `json:"total"`
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Results []Result `json:"results"`
}

// Options configures an Executor.
type Options struct {
	Concurrency int
	// Handler, when set, classifies failures and supplies user messages.
	Handler *fallback.Handler
	// Retry, when set, retries transient failures of each item.
	Retry *fallback.Policy
}

// Executor runs batches against a CommandApplier.
type Executor struct {
	applier     hub.CommandApplier
	concurrency int
	handler     *fallback.Handler
	retry       *fallback.Policy
	logger      *slog.Logger
}

func NewExecutor(applier hub.CommandApplier, opts Options) *Executor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Executor{
		applier:     applier,
		concurrency: opts.Concurrency,
		handler:     opts.Handler,
		retry:       opts.Retry,
		logger:      slog.Default(),
	}
}

// Execute runs every operation and reports each outcome in input order.
// One item's failure never affects another. If ctx is cancelled, items
// that already finished keep their result and the rest are reported
// failed with the context error.
func (e *Executor) Execute(ctx context.Context, ops []Operation) Report {
	results := make([]Result, len(ops))
	var g errgroup.Group
	g.SetLimit(e.concurrency)

	for i, op := range ops {
		g.Go(func() error {
			results[i] = e.run(ctx, i, op)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Total: len(ops), Results: results}
	for _, r := range results {
		if r.Status == StatusSuccess {
			rep.Success++
		} else {
			rep.Failed++
		}
		metrics.RecordBatchItem(r.Status)
	}
	e.logger.Info("batch complete", "total", rep.Total, "success", rep.Success, "failed", rep.Failed)
	return rep
}

func (e *Executor) run(ctx context.Context, index int, op Operation) Result {
	res := Result{Index: index, DeviceID: op.DeviceID}

	if err := ctx.Err(); err != nil {
		return e.fail(res, op, err)
	}
	if op.DeviceID == "" {
		return e.fail(res, op, errNoDevice)
	}
	if len(op.Commands) == 0 {
		return e.fail(res, op, errNoCommands)
	}

	cmds := make([]hub.Command, len(op.Commands))
	for i, c := range op.Commands {
		cmds[i] = c.Normalize()
	}

	apply := func(ctx context.Context) (hub.CommandResult, error) {
		return e.applier.ApplyCommands(ctx, op.DeviceID, cmds)
	}
	var (
		cr  hub.CommandResult
		err error
	)
	if e.retry != nil {
		cr, err = fallback.Retry(ctx, *e.retry, apply)
	} else {
		cr, err = apply(ctx)
	}
	if err != nil {
		return e.fail(res, op, err)
	}

	res.Details = &cr
	if cr.Status == hub.StatusFailed {
		msg := cr.Error
		if msg == "" {
			msg = "command execution failed"
		}
		return e.fail(res, op, errors.New(msg))
	}
	res.Status = StatusSuccess
	return res
}

func (e *Executor) fail(res Result, op Operation, err error) Result {
	res.Status = StatusFailed
	res.Error = err.Error()
	if e.handler == nil {
		res.ErrorKind = fallback.Classify(err)
		return res
	}
	ec := fallback.ErrorContext{Operation: "batch_execute_commands", DeviceID: op.DeviceID}
	if len(op.Commands) > 0 {
		ec.Capability = op.Commands[0].Capability
		ec.Command = op.Commands[0].Command
	}
	resp := e.handler.HandleError(err, ec)
	res.ErrorKind = resp.Kind
	res.UserMessage = resp.UserMessage
	return res
}
