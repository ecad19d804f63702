package conversation

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel error kinds. Every error returned by this package wraps exactly one of them.
var (
	ErrValidation     = errors.New("validation error")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not found")
	ErrInvalidState   = errors.New("invalid state")
	ErrAlreadyClaimed = errors.New("already claimed")
	ErrUnavailable    = errors.New("unavailable")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
//   - Kind is one of the sentinel kinds above.
//   - Msg may include human-readable context; never secrets or tokens.
//   - Err is the underlying driver error, if any.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// unavailable wraps a storage failure. Errors that already carry a kind pass through.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe OpError
	if errors.As(err, &oe) {
		return err
	}
	return OpError{Op: op, Kind: ErrUnavailable, Err: err}
}

// Wire codes (stable, shared by the WebSocket and REST surfaces).
const (
	CodeValidation     = "validation_error"
	CodeUnauthorized   = "unauthorized"
	CodeNotFound       = "not_found"
	CodeInvalidState   = "invalid_state"
	CodeAlreadyClaimed = "already_claimed"
	CodeUnavailable    = "unavailable"
)

// Code maps err to its stable wire code. Unknown errors map to CodeUnavailable.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrAlreadyClaimed):
		return CodeAlreadyClaimed
	default:
		return CodeUnavailable
	}
}

// ErrorMessage returns a caller-safe description of err.
func ErrorMessage(err error) string {
	var oe OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	switch {
	case errors.Is(err, ErrAlreadyClaimed):
		return "this conversation was just claimed by another agent"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "operation timed out, retry"
	case err != nil:
		return "temporarily unavailable, retry"
	default:
		return ""
	}
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidState reports whether err represents ErrInvalidState.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsAlreadyClaimed reports whether err represents ErrAlreadyClaimed.
func IsAlreadyClaimed(err error) bool { return errors.Is(err, ErrAlreadyClaimed) }
