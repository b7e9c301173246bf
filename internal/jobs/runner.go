// Package jobs runs periodic background maintenance for the audit trail.
package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"clinicalai/internal/config"
)

// Runner periodically applies audit retention.
type Runner struct {
	cfg    config.AuditConfig
	store  EventDeleter
	logger zerolog.Logger
	now    func() time.Time
}

func NewRunner(cfg config.AuditConfig, st EventDeleter, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		store:  st,
		logger: logger.With().Str("component", "retention").Logger(),
		now:    time.Now,
	}
}

// Start runs cleanup once, then on every interval until ctx ends. Callers
// typically run this in its own goroutine.
func (r *Runner) Start(ctx context.Context) {
	if r.cfg.RetentionDays <= 0 {
		return
	}

	interval := time.Duration(r.cfg.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_ = CleanupExpiredEvents(ctx, r.cfg, r.store, r.logger, r.now())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
