// Package extract turns free clinical text into structured results: it
// builds the prompt, calls the completion service once, and parses the
// reply into typed results, falling back to defaults on unusable output.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"clinicalai/internal/config"
	"clinicalai/internal/llm"
	"clinicalai/internal/logging"
	"clinicalai/internal/metrics"
	"clinicalai/internal/normalize"
	"clinicalai/internal/prompt"
)

const (
	autoCompleteLimit = 3
	terminologyLimit  = 5
	treatmentLimit    = 5

	defaultMaxEHRChars = 10000
)

// Service runs the six extraction operations. It holds no per-request
// state and is safe for concurrent use.
type Service struct {
	prompts   *prompt.Registry
	completer llm.Completer
	validator *Validator
	recorders []EventRecorder
	model     string
	cfg       config.ExtractionConfig
	logger    zerolog.Logger
}

// NewService wires the pipeline. completer is usually *llm.Client; any
// Completer works. Recorders are called once per request.
func NewService(prompts *prompt.Registry, completer llm.Completer, cfg config.ExtractionConfig, logger zerolog.Logger, recorders ...EventRecorder) (*Service, error) {
	if prompts == nil {
		return nil, errors.New("prompt registry is required")
	}
	if completer == nil {
		return nil, errors.New("completer is required")
	}
	if cfg.MaxEHRChars <= 0 {
		cfg.MaxEHRChars = defaultMaxEHRChars
	}

	s := &Service{
		prompts:   prompts,
		completer: completer,
		recorders: recorders,
		cfg:       cfg,
		logger:    logger.With().Str("component", "extract").Logger(),
	}
	if m, ok := completer.(interface{ Model() string }); ok {
		s.model = m.Model()
	}
	if cfg.ValidateDomain {
		v, err := NewValidator()
		if err != nil {
			return nil, err
		}
		s.validator = v
	}
	return s, nil
}

// AutoComplete suggests up to three completions of a partial note.
func (s *Service) AutoComplete(ctx context.Context, partialText, noteContext string) (Outcome[[]string], error) {
	if isBlank(partialText) {
		return Outcome[[]string]{}, s.reject(ctx, prompt.KindAutoComplete, partialText, "partial text is required")
	}
	return run(ctx, s, prompt.KindAutoComplete, partialText, noteContext, func(raw string) Outcome[[]string] {
		return Outcome[[]string]{Result: ParseLines(raw, autoCompleteLimit, nil)}
	})
}

// Terminology suggests up to five dental terms matching partialTerm.
func (s *Service) Terminology(ctx context.Context, partialTerm string) (Outcome[[]string], error) {
	if isBlank(partialTerm) {
		return Outcome[[]string]{}, s.reject(ctx, prompt.KindTerminology, partialTerm, "partial term is required")
	}
	return run(ctx, s, prompt.KindTerminology, partialTerm, "", func(raw string) Outcome[[]string] {
		return Outcome[[]string]{Result: ParseLines(raw, terminologyLimit, nil)}
	})
}

// GenerateNotes expands bullet points into a clinical note.
func (s *Service) GenerateNotes(ctx context.Context, bulletPoints, patientContext string) (Outcome[string], error) {
	if isBlank(bulletPoints) {
		return Outcome[string]{}, s.reject(ctx, prompt.KindNoteGeneration, bulletPoints, "bullet points are required")
	}
	return run(ctx, s, prompt.KindNoteGeneration, bulletPoints, patientContext, func(raw string) Outcome[string] {
		return Outcome[string]{Result: strings.TrimSpace(raw)}
	})
}

// SuggestTreatments returns "name - rationale" lines for a diagnosis.
// Lines without a separator are dropped.
func (s *Service) SuggestTreatments(ctx context.Context, diagnosis, patientHistory string) (Outcome[[]string], error) {
	if isBlank(diagnosis) {
		return Outcome[[]string]{}, s.reject(ctx, prompt.KindTreatmentSuggestion, diagnosis, "diagnosis is required")
	}
	return run(ctx, s, prompt.KindTreatmentSuggestion, diagnosis, patientHistory, func(raw string) Outcome[[]string] {
		return Outcome[[]string]{Result: ParseLines(raw, treatmentLimit, hasTreatmentSeparator)}
	})
}

// ExtractFields pulls diagnosis, symptoms, treatments, medications and
// affected teeth out of free text.
func (s *Service) ExtractFields(ctx context.Context, freeText string) (Outcome[FieldExtraction], error) {
	if isBlank(freeText) {
		return Outcome[FieldExtraction]{}, s.reject(ctx, prompt.KindFieldExtraction, freeText, "free text is required")
	}
	return run(ctx, s, prompt.KindFieldExtraction, freeText, "", func(raw string) Outcome[FieldExtraction] {
		return ParseFieldExtraction(raw, s.validator)
	})
}

// ExtractEHR parses a doctor's notes into every EHR field. Text longer
// than the configured limit is rejected before any network call.
func (s *Service) ExtractEHR(ctx context.Context, text, patientContext string) (Outcome[EHRFields], error) {
	if isBlank(text) {
		return Outcome[EHRFields]{}, s.reject(ctx, prompt.KindEHRExtraction, text, "text is required")
	}
	if n := utf8.RuneCountInString(text); n > s.cfg.MaxEHRChars {
		return Outcome[EHRFields]{}, s.reject(ctx, prompt.KindEHRExtraction, text,
			fmt.Sprintf("text exceeds maximum allowed length of %d characters (got %d)", s.cfg.MaxEHRChars, n))
	}
	return run(ctx, s, prompt.KindEHRExtraction, text, patientContext, func(raw string) Outcome[EHRFields] {
		return ParseEHR(raw, s.validator)
	})
}

// MaxEHRChars is the effective input limit for ExtractEHR.
func (s *Service) MaxEHRChars() int { return s.cfg.MaxEHRChars }

// run is the shared Building -> AwaitingCompletion -> Parsing sequence.
// Only the completion call observes ctx; parsing always runs to the end
// once a completion is in hand.
func run[T any](ctx context.Context, s *Service, kind prompt.Kind, text, extra string, parse func(string) Outcome[T]) (Outcome[T], error) {
	start := time.Now()
	ev := s.newEvent(ctx, kind, text)

	clean := normalize.Text(text)
	if clean == "" {
		return Outcome[T]{}, s.reject(ctx, kind, text, "text is empty after normalization")
	}

	p, err := s.prompts.Build(kind, clean, normalize.Text(extra))
	if err != nil {
		ev.Outcome = OutcomeFailed
		ev.Err = err
		s.emit(ctx, ev, start)
		return Outcome[T]{}, err
	}
	ev.PromptVersion = p.Version

	raw, err := s.completer.Complete(ctx, p.Text, p.MaxTokens)
	if err != nil {
		err = s.classify(ctx, err)
		ev.Outcome = OutcomeFailed
		if errors.Is(err, ErrCancelled) {
			ev.Outcome = OutcomeCancelled
		}
		ev.Err = err
		s.emit(ctx, ev, start)
		return Outcome[T]{}, err
	}

	out := parse(raw)
	ev.Outcome = OutcomeMapped
	if out.Fault != nil {
		ev.Outcome = OutcomeDegraded
		ev.Err = out.Fault
	}
	ev.Dropped = out.Dropped
	s.emit(ctx, ev, start)
	return out, nil
}

// classify keeps the error taxonomy intact for any Completer: cancellation
// becomes ErrCancelled, everything else a *llm.CompletionError.
func (s *Service) classify(ctx context.Context, err error) error {
	if errors.Is(err, ErrCancelled) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	var ce *llm.CompletionError
	if errors.As(err, &ce) {
		return err
	}
	return &llm.CompletionError{Err: err}
}

func (s *Service) newEvent(ctx context.Context, kind prompt.Kind, text string) Event {
	return Event{
		RequestID:  logging.RequestID(ctx),
		Operation:  kind,
		Model:      s.model,
		InputChars: utf8.RuneCountInString(text),
	}
}

func (s *Service) reject(ctx context.Context, kind prompt.Kind, text, msg string) error {
	err := invalidArgument("%s", msg)
	ev := s.newEvent(ctx, kind, text)
	ev.Outcome = OutcomeInvalid
	ev.Err = err
	s.emit(ctx, ev, time.Now())
	return err
}

func (s *Service) emit(ctx context.Context, ev Event, start time.Time) {
	ev.Duration = time.Since(start)

	metrics.RecordExtraction(string(ev.Operation), ev.Outcome)
	metrics.RecordDroppedFields(string(ev.Operation), len(ev.Dropped))

	logger := logging.FromContext(ctx, s.logger)
	logger.Debug().
		Str("operation", string(ev.Operation)).
		Str("outcome", ev.Outcome).
		Str("prompt_version", ev.PromptVersion).
		Int("input_chars", ev.InputChars).
		Int64("latency_ms", ev.Duration.Milliseconds()).
		Msg("extraction finished")

	switch {
	case ev.Outcome == OutcomeDegraded:
		logger.Warn().Err(ev.Err).Str("operation", string(ev.Operation)).Msg("model output unusable, returning empty result")
	case ev.Outcome == OutcomeFailed:
		logger.Error().Err(ev.Err).Str("operation", string(ev.Operation)).Msg("completion failed")
	case len(ev.Dropped) > 0:
		logger.Warn().Str("operation", string(ev.Operation)).Int("dropped", len(ev.Dropped)).Msg("dropped out-of-domain values")
	}

	for _, r := range s.recorders {
		r.RecordEvent(ctx, ev)
	}
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// hasTreatmentSeparator accepts a hyphen or the dashes models substitute
// for it.
func hasTreatmentSeparator(line string) bool {
	return strings.ContainsAny(line, "-–—")
}
