package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"clinicalai/internal/config"
	"clinicalai/internal/metrics"
)

// EventDeleter removes audit events older than a cutoff.
type EventDeleter interface {
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionStats captures the number of records deleted by TTL cleanup.
type RetentionStats struct {
	EventsDeleted int64     `json:"eventsDeleted"`
	Cutoff        time.Time `json:"cutoff"`
}

// CleanupExpiredEvents deletes audit events older than the configured
// retention so that the table does not grow without bound.
func CleanupExpiredEvents(ctx context.Context, cfg config.AuditConfig, st EventDeleter, logger zerolog.Logger, now time.Time) RetentionStats {
	if cfg.RetentionDays <= 0 {
		return RetentionStats{}
	}

	stats := RetentionStats{Cutoff: now.UTC().AddDate(0, 0, -cfg.RetentionDays)}
	n, err := st.DeleteEventsBefore(ctx, stats.Cutoff)
	if err != nil {
		logger.Warn().Err(err).Time("cutoff", stats.Cutoff).Msg("audit retention cleanup failed")
		return stats
	}
	if n > 0 {
		stats.EventsDeleted = n
		metrics.RecordAuditRetention(n)
		logger.Info().Int64("deleted", n).Time("cutoff", stats.Cutoff).Msg("expired audit events removed")
	}
	return stats
}
