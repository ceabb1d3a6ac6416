// Package maintenance runs the snippet retention job.
//
// Retention is deliberately kept off the hot path: a cron-scheduled job
// prunes old snippets by age and caps each tenant's snippet count. Both
// thresholds are optional; with neither set the job is disabled entirely.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reverie-ai/reverie/pkg/memory"
)

// RetentionConfig controls the pruning job.
type RetentionConfig struct {
	// Schedule is a five-field cron expression. Empty disables the job.
	Schedule string

	// MaxSnippetAge prunes snippets older than this. Zero disables
	// age-based pruning.
	MaxSnippetAge time.Duration

	// MaxSnippetsPerTenant caps each tenant's snippet count, keeping the
	// newest. Zero disables count-based pruning.
	MaxSnippetsPerTenant int
}

// Enabled reports whether the configuration asks for any pruning at all.
func (c RetentionConfig) Enabled() bool {
	return c.Schedule != "" && (c.MaxSnippetAge > 0 || c.MaxSnippetsPerTenant > 0)
}

// Retention is the scheduled pruning job over a snippet index.
type Retention struct {
	index  memory.SnippetIndex
	cfg    RetentionConfig
	logger *slog.Logger

	cron    *cron.Cron
	running sync.Mutex

	// now is swapped in tests.
	now func() time.Time
}

// Option is a functional option for Retention.
type Option func(*Retention)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retention) {
		r.logger = l
	}
}

// NewRetention constructs the retention job. The config may be disabled; the
// caller checks [RetentionConfig.Enabled] before calling Start.
func NewRetention(index memory.SnippetIndex, cfg RetentionConfig, opts ...Option) (*Retention, error) {
	if index == nil {
		return nil, fmt.Errorf("maintenance: snippet index must not be nil")
	}
	r := &Retention{
		index:  index,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Start schedules the job. It fails on an invalid cron expression and is a
// no-op for a disabled config.
func (r *Retention) Start() error {
	if !r.cfg.Enabled() {
		r.logger.Info("snippet retention disabled")
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	r.cron = cron.New(cron.WithParser(parser))

	_, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		// Skip the tick when the previous run is still going.
		if !r.running.TryLock() {
			r.logger.Warn("retention run still in progress, skipping tick")
			return
		}
		defer r.running.Unlock()

		if _, err := r.RunOnce(context.Background()); err != nil {
			r.logger.Error("retention run failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("maintenance: invalid retention schedule %q: %w", r.cfg.Schedule, err)
	}

	r.cron.Start()
	r.logger.Info("snippet retention scheduled",
		"schedule", r.cfg.Schedule,
		"max_age", r.cfg.MaxSnippetAge,
		"max_per_tenant", r.cfg.MaxSnippetsPerTenant)
	return nil
}

// Stop halts the schedule and waits for an in-flight run.
func (r *Retention) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
		r.logger.Info("snippet retention stopped")
	}
}

// RunOnce executes one pruning pass and returns the number of snippets
// removed. A failing tenant does not stop the pass; all errors are joined.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	var (
		pruned int64
		errs   []error
	)

	if r.cfg.MaxSnippetAge > 0 {
		cutoff := r.now().Add(-r.cfg.MaxSnippetAge)
		n, err := r.index.PruneByAge(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("maintenance: prune by age: %w", err))
		} else {
			pruned += n
		}
	}

	if r.cfg.MaxSnippetsPerTenant > 0 {
		tenants, err := r.index.Tenants(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("maintenance: list tenants: %w", err))
		} else {
			for _, t := range tenants {
				n, err := r.index.PruneByCount(ctx, t.UserID, t.CharacterID, r.cfg.MaxSnippetsPerTenant)
				if err != nil {
					errs = append(errs, fmt.Errorf("maintenance: prune tenant %s/%s: %w",
						t.UserID, t.CharacterID, err))
					continue
				}
				pruned += n
			}
		}
	}

	if pruned > 0 {
		r.logger.Info("snippets pruned", "count", pruned)
	}
	return pruned, errors.Join(errs...)
}
