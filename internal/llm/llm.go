// Package llm talks to the Ollama-compatible completion service: one
// non-streaming /api/generate call per request, plus a startup probe of
// /api/tags.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"clinicalai/internal/config"
	"clinicalai/internal/metrics"
)

const (
	maxErrorBodyBytes = 4 << 10
	maxResponseBytes  = 8 << 20
)

// Completer is the abstraction the extraction service depends on.
type Completer interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Options mirrors the "options" object of an Ollama generate request.
type Options struct {
	Temperature   float64  `json:"temperature"`
	NumPredict    int      `json:"num_predict"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	NumCtx        int      `json:"num_ctx"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	NumGPU        int      `json:"num_gpu"`
	Stop          []string `json:"stop"`
}

type generateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  bool    `json:"stream"`
	Options Options `json:"options"`
}

// generateResponse keeps only the field we consume; everything else the
// service sends is ignored.
type generateResponse struct {
	Response *string `json:"response"`
}

// Client implements Completer against a single configured endpoint.
type Client struct {
	endpoint string
	model    string
	options  Options
	http     *http.Client
	retry    config.RetryConfig
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewClient builds a Client from the process configuration. The transport
// timeout bounds each attempt independently of the caller's context.
func NewClient(cfg config.LLMConfig, rc config.RetryConfig, logger zerolog.Logger) *Client {
	stop := make([]string, len(cfg.Stop))
	copy(stop, cfg.Stop)

	return &Client{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		options: Options{
			Temperature:   cfg.Temperature,
			NumPredict:    cfg.MaxTokens,
			TopP:          cfg.TopP,
			TopK:          cfg.TopK,
			NumCtx:        cfg.ContextLength,
			RepeatPenalty: cfg.RepeatPenalty,
			NumGPU:        cfg.GPULayers,
			Stop:          stop,
		},
		http:   &http.Client{Timeout: cfg.Timeout()},
		retry:  rc,
		logger: logger.With().Str("component", "llm").Logger(),
		tracer: otel.Tracer("clinicalai/internal/llm"),
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Complete sends prompt to the generate endpoint and returns the raw
// completion text. maxTokens <= 0 falls back to the configured default.
// Errors are either ErrCancelled or *CompletionError.
func (c *Client) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	opts := c.options
	if maxTokens > 0 {
		opts.NumPredict = maxTokens
	}

	payload, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: opts,
	})
	if err != nil {
		return "", &CompletionError{Err: fmt.Errorf("encode request: %w", err)}
	}

	ctx, span := c.tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("llm.model", c.model),
		attribute.Int("llm.max_tokens", opts.NumPredict),
		attribute.Int("llm.prompt_chars", len(prompt)),
	))
	defer span.End()

	start := time.Now()
	attempts := 0
	var text string

	attempt := func(ctx context.Context) error {
		attempts++
		out, err := c.send(ctx, payload)
		if err != nil {
			if c.retry.MaxRetries > 0 && retryable(ctx, err) {
				c.logger.Warn().Err(err).Int("attempt", attempts).Msg("completion attempt failed, retrying")
				return retry.RetryableError(err)
			}
			return err
		}
		text = out
		return nil
	}

	if c.retry.MaxRetries > 0 {
		err = retry.Do(ctx, c.backoff(), attempt)
	} else {
		err = attempt(ctx)
	}

	latency := time.Since(start)
	span.SetAttributes(attribute.Int("llm.attempts", attempts))

	if err != nil {
		err = classify(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		outcome := "failed"
		if errors.Is(err, ErrCancelled) {
			outcome = "cancelled"
		}
		var ce *CompletionError
		if errors.As(err, &ce) && ce.StatusCode != 0 {
			span.SetAttributes(attribute.Int("http.status_code", ce.StatusCode))
		}
		metrics.RecordCompletion(c.model, outcome, latency.Milliseconds())
		return "", err
	}

	span.SetStatus(codes.Ok, "")
	metrics.RecordCompletion(c.model, "success", latency.Milliseconds())
	return text, nil
}

func (c *Client) backoff() retry.Backoff {
	base := time.Duration(c.retry.BaseDelayMs) * time.Millisecond
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	b := retry.NewExponential(base)
	if c.retry.JitterPercent > 0 {
		b = retry.WithJitterPercent(uint64(c.retry.JitterPercent), b)
	}
	return retry.WithMaxRetries(uint64(c.retry.MaxRetries), b)
}

func (c *Client) send(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &CompletionError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &CompletionError{
			StatusCode: resp.StatusCode,
			Body:       truncate(strings.TrimSpace(string(data)), maxErrorBodyBytes),
		}
	}

	var parsed generateResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &CompletionError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(data), maxErrorBodyBytes),
			Err:        fmt.Errorf("decode completion response: %w", err),
		}
	}
	if parsed.Response == nil {
		return "", &CompletionError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(data), maxErrorBodyBytes),
			Err:        errors.New("completion response has no \"response\" field"),
		}
	}

	return *parsed.Response, nil
}

// truncate caps text at limit bytes without splitting a rune. Invalid
// UTF-8 from the upstream body is replaced.
func truncate(text string, limit int) string {
	text = strings.ToValidUTF8(text, "\uFFFD")
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
