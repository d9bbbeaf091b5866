package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed marks a record that matches no known schema.
	ErrMalformed = errors.New("malformed record")

	// ErrUnsupportedKind marks a well-formed record of a kind the pipeline
	// does not materialize.
	ErrUnsupportedKind = errors.New("unsupported record kind")

	// ErrStreamGap marks a stream that can no longer resume from the stored
	// cursor. The subscription must be backfilled.
	ErrStreamGap = errors.New("stream gap detected")

	// ErrInconsistent marks an event whose domain effect could not be
	// applied against the current state.
	ErrInconsistent = errors.New("inconsistent event")

	// ErrStoreUnavailable marks a store failure that may succeed on retry.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConstraintViolation marks a write rejected by a store constraint.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrTransientNetwork marks a connection or request failure that is
	// retried with backoff.
	ErrTransientNetwork = errors.New("transient network error")
)

// DecodeErrorKind classifies a decode failure.
type DecodeErrorKind int

const (
	DecodeMalformed DecodeErrorKind = iota
	DecodeUnsupported
	DecodeStreamGap
)

func (k DecodeErrorKind) String() string {
	switch k {
	case DecodeMalformed:
		return "malformed"
	case DecodeUnsupported:
		return "unsupported"
	case DecodeStreamGap:
		return "stream_gap"
	default:
		return "unknown"
	}
}

// DecodeError is returned by the decoder. Position is the stream position of
// the offending record when it could be determined, so the cursor can still
// move past it.
type DecodeError struct {
	Kind     DecodeErrorKind
	Position int64
	Reason   string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Kind, e.Reason)
}

func (e *DecodeError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case DecodeMalformed:
		sentinel = ErrMalformed
	case DecodeUnsupported:
		sentinel = ErrUnsupportedKind
	case DecodeStreamGap:
		sentinel = ErrStreamGap
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// Malformed builds a DecodeError of kind DecodeMalformed.
func Malformed(pos int64, reason string, err error) *DecodeError {
	return &DecodeError{Kind: DecodeMalformed, Position: pos, Reason: reason, Err: err}
}

// Unsupported builds a DecodeError of kind DecodeUnsupported.
func Unsupported(pos int64, reason string) *DecodeError {
	return &DecodeError{Kind: DecodeUnsupported, Position: pos, Reason: reason}
}

// ApplyError reports an event whose domain effect was skipped. The ledger
// entry and cursor advance were still committed.
type ApplyError struct {
	Key    EventKey
	Kind   EventKind
	Reason string
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s %s: %s", e.Kind, e.Key, e.Reason)
}

func (e *ApplyError) Unwrap() error { return ErrInconsistent }
