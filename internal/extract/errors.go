package extract

import (
	"errors"
	"fmt"

	"clinicalai/internal/llm"
)

var (
	// ErrInvalidArgument is returned before any network call when caller
	// input breaks a precondition.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMalformedResponse marks a completion that could not be turned into
	// the expected shape. It is only ever carried in Outcome.Fault.
	ErrMalformedResponse = errors.New("malformed model response")

	// ErrCancelled is the completion client's cancellation error, re-exported
	// so callers of this package need not import llm.
	ErrCancelled = llm.ErrCancelled
)

// ParseFault describes why a completion was unusable.
type ParseFault struct {
	Reason string
	Err    error
}

func (f *ParseFault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrMalformedResponse, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", ErrMalformedResponse, f.Reason)
}

func (f *ParseFault) Is(target error) bool { return target == ErrMalformedResponse }

func (f *ParseFault) Unwrap() error { return f.Err }

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
