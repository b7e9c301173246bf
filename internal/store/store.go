package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/sqlc-dev/pqtype"

	"clinicalai/internal/extract"
	"clinicalai/internal/metrics"
)

const (
	eventsTable      = "extraction_events"
	writeTimeout     = 2 * time.Second
	maxErrorTextSize = 512
)

var eventColumns = []any{
	"id", "request_id", "operation", "outcome", "model", "prompt_version",
	"input_chars", "duration_ms", "dropped_fields", "error", "created_at",
}

// Store writes extraction audit events to Postgres. It only ever sees
// request metadata, never clinical text or results.
type Store struct {
	DB     *sql.DB
	q      *goqu.Database
	logger zerolog.Logger
}

// Open connects with the pgx stdlib driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// New creates a new Store that uses a shared *sql.DB with pooling.
func New(database *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		DB:     database,
		q:      goqu.New("postgres", database),
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// EventRow is one row of extraction_events.
type EventRow struct {
	ID            uuid.UUID
	RequestID     string
	Operation     string
	Outcome       string
	Model         string
	PromptVersion string
	InputChars    int
	DurationMs    int64
	DroppedFields pqtype.NullRawMessage
	Error         sql.NullString
	CreatedAt     time.Time
}

// InsertEvent stores row, assigning an id and timestamp when missing.
func (s *Store) InsertEvent(ctx context.Context, row EventRow) error {
	if row.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		row.ID = id
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	query, args, err := s.q.Insert(eventsTable).Prepared(true).Rows(goqu.Record{
		"id":             row.ID,
		"request_id":     row.RequestID,
		"operation":      row.Operation,
		"outcome":        row.Outcome,
		"model":          row.Model,
		"prompt_version": row.PromptVersion,
		"input_chars":    row.InputChars,
		"duration_ms":    row.DurationMs,
		"dropped_fields": row.DroppedFields,
		"error":          row.Error,
		"created_at":     row.CreatedAt,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert extraction event: %w", err)
	}
	return nil
}

// ListRecent returns up to limit events, newest first. operation filters
// when non-empty.
func (s *Store) ListRecent(ctx context.Context, operation string, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 20
	}

	ds := s.q.From(eventsTable).Prepared(true).
		Select(eventColumns...).
		Order(goqu.C("created_at").Desc()).
		Limit(uint(limit))
	if operation != "" {
		ds = ds.Where(goqu.Ex{"operation": operation})
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list extraction events: %w", err)
	}
	defer rows.Close()

	out := make([]EventRow, 0, limit)
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(
			&r.ID,
			&r.RequestID,
			&r.Operation,
			&r.Outcome,
			&r.Model,
			&r.PromptVersion,
			&r.InputChars,
			&r.DurationMs,
			&r.DroppedFields,
			&r.Error,
			&r.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteEventsBefore removes events created before cutoff and returns how
// many were deleted.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := s.q.Delete(eventsTable).Prepared(true).
		Where(goqu.C("created_at").Lt(cutoff.UTC())).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}

	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired events: %w", err)
	}
	return res.RowsAffected()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store not configured")
	}
	return s.DB.PingContext(ctx)
}

// RecordEvent implements extract.EventRecorder. The write is detached
// from request cancellation and failures are only logged.
func (s *Store) RecordEvent(ctx context.Context, ev extract.Event) {
	row, err := rowFromEvent(ev)
	if err != nil {
		s.logger.Warn().Err(err).Msg("encode extraction event")
		metrics.RecordAuditWriteFailed()
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := s.InsertEvent(wctx, row); err != nil {
		s.logger.Warn().Err(err).
			Str("operation", row.Operation).
			Str("request_id", row.RequestID).
			Msg("audit write failed")
		metrics.RecordAuditWriteFailed()
	}
}

func rowFromEvent(ev extract.Event) (EventRow, error) {
	row := EventRow{
		RequestID:     ev.RequestID,
		Operation:     string(ev.Operation),
		Outcome:       ev.Outcome,
		Model:         ev.Model,
		PromptVersion: ev.PromptVersion,
		InputChars:    ev.InputChars,
		DurationMs:    ev.Duration.Milliseconds(),
	}
	if len(ev.Dropped) > 0 {
		data, err := json.Marshal(ev.Dropped)
		if err != nil {
			return EventRow{}, err
		}
		row.DroppedFields = pqtype.NullRawMessage{RawMessage: data, Valid: true}
	}
	if ev.Err != nil {
		// Postgres rejects invalid UTF-8 in text columns.
		msg := strings.ToValidUTF8(ev.Err.Error(), "\uFFFD")
		if len(msg) > maxErrorTextSize {
			cut := maxErrorTextSize
			for cut > 0 && !utf8.RuneStart(msg[cut]) {
				cut--
			}
			msg = msg[:cut]
		}
		row.Error = sql.NullString{String: msg, Valid: true}
	}
	return row, nil
}
