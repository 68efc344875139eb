// Package sweep runs the periodic housekeeping of a running server.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultPoll      = time.Minute
	DefaultIdle      = 30 * time.Minute
	DefaultRetention = 720 * time.Hour
)

// SessionEvictor drops conversations idle for longer than maxIdle.
type SessionEvictor interface {
	EvictIdle(maxIdle time.Duration) int
}

// JournalPruner deletes journal rows older than cutoff.
type JournalPruner interface {
	PruneBefore(cutoff time.Time) (int64, error)
}

// Options configures a Worker. Zero values select the defaults.
type Options struct {
	Poll      time.Duration
	Idle      time.Duration
	Retention time.Duration
}

// Worker evicts idle sessions and prunes the journal on a poll loop.
type Worker struct {
	sessions  SessionEvictor
	journal   JournalPruner
	poll      time.Duration
	idle      time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewWorker creates a Worker. journal may be nil when no journal is open.
func NewWorker(sessions SessionEvictor, journal JournalPruner, opts Options) *Worker {
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.Idle <= 0 {
		opts.Idle = DefaultIdle
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &Worker{
		sessions:  sessions,
		journal:   journal,
		poll:      opts.Poll,
		idle:      opts.Idle,
		retention: opts.Retention,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// Run sweeps until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error("sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce performs a single sweep. It reports whether anything was removed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	removed := false
	if w.sessions != nil {
		if n := w.sessions.EvictIdle(w.idle); n > 0 {
			removed = true
		}
	}
	if w.journal == nil {
		return removed, nil
	}

	cutoff := w.now().Add(-w.retention)
	n, err := w.journal.PruneBefore(cutoff)
	if err != nil {
		return removed, fmt.Errorf("pruning journal: %w", err)
	}
	if n > 0 {
		w.logger.Info("pruned journal", "rows", n, "cutoff", cutoff.Format(time.RFC3339))
		removed = true
	}
	return removed, nil
}
