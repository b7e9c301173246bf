package extract

import (
	"context"
	"time"

	"clinicalai/internal/prompt"
)

// Outcome labels carried by Event.
const (
	OutcomeMapped    = "mapped"
	OutcomeDegraded  = "degraded"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
	OutcomeInvalid   = "invalid"
)

// Event is the metadata of one extraction request. It never carries the
// clinical text or the result.
type Event struct {
	RequestID     string
	Operation     prompt.Kind
	Outcome       string
	Model         string
	PromptVersion string
	InputChars    int
	Duration      time.Duration
	Dropped       []DroppedField
	Err           error
}

// EventRecorder receives one Event per request. Implementations must not
// fail the request; they log and move on.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev Event)
}
