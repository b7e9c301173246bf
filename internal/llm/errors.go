package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrCancelled is returned when the caller's context ends or the transport
// deadline fires before the completion service answers. Callers cannot
// tell the two apart.
var ErrCancelled = errors.New("completion cancelled")

// CompletionError reports a failed round trip to the completion service.
// StatusCode is zero for transport faults, in which case Err holds the
// cause.
type CompletionError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *CompletionError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("llm api transport error: %v", e.Err)
	}
	msg := fmt.Sprintf("llm api error: %d %s - %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// classify folds any error from a completion attempt into ErrCancelled or
// a *CompletionError.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCancelled) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce
	}
	return &CompletionError{Err: err}
}

// retryable reports whether another attempt could succeed. Cancellation is
// never retried.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	classified := classify(ctx, err)
	if errors.Is(classified, ErrCancelled) {
		return false
	}
	var ce *CompletionError
	if !errors.As(classified, &ce) {
		return false
	}
	return ce.StatusCode == 0 || ce.StatusCode >= http.StatusInternalServerError
}
