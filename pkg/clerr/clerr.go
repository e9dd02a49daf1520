// Package clerr implements the error taxonomy every orchestrator component
// classifies its failures into before publishing them on the event bus.
package clerr

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Kind classifies an error the way the rest of the orchestrator needs to
// react to it: retry locally, surface a guided dialog, or give up silently.
type Kind int

const (
	// EnvironmentBlocker means no container engine, an OS below minimum, or a
	// hard resource-gate failure. Surfaced as a guided dialog; the
	// orchestrator continues in a degraded mode where possible.
	EnvironmentBlocker Kind = iota
	// TransientServiceError is recovered locally (Watchdog / MCPSupervisor)
	// up to their retry limits.
	TransientServiceError
	// PermanentServiceError means retries are exhausted; awaits manual
	// intervention.
	PermanentServiceError
	// NetworkError covers HTTP timeouts, 5xx, and rate limiting.
	NetworkError
	// ValidationError covers malformed release data or incomplete update
	// packages. Never retried automatically.
	ValidationError
	// ConcurrencyGuard is returned immediately with no side effects, e.g.
	// "update already in progress".
	ConcurrencyGuard
)

func (k Kind) String() string {
	switch k {
	case EnvironmentBlocker:
		return "EnvironmentBlocker"
	case TransientServiceError:
		return "TransientServiceError"
	case PermanentServiceError:
		return "PermanentServiceError"
	case NetworkError:
		return "NetworkError"
	case ValidationError:
		return "ValidationError"
	case ConcurrencyGuard:
		return "ConcurrencyGuard"
	default:
		return "Unknown"
	}
}

// DialogAction is one button of a guided dialog surfaced for an
// EnvironmentBlocker (spec §7: "install/upgrade", "view release notes",
// "later").
type DialogAction struct {
	Label  string
	Action string
}

// Error is the concrete error type every component constructs before
// publishing a bus event. It carries a code the way the teacher's
// ComplexError does, via an xerrors.Frame, so a %+v print still yields a
// useful stack.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Dialog  []DialogAction
	frame   xerrors.Frame
}

// New constructs a classified error, capturing the call site for later
// formatting.
func New(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
		frame:   xerrors.Caller(1),
	}
}

// Blocker is a convenience constructor for EnvironmentBlocker errors that
// carry guided-dialog actions.
func Blocker(message string, actions ...DialogAction) *Error {
	return &Error{
		Kind:    EnvironmentBlocker,
		Message: message,
		Dialog:  actions,
		frame:   xerrors.Caller(1),
	}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) FormatError(p xerrors.Printer) error {
	p.Printf("%s %s", e.Kind, e.Message)
	e.frame.Format(p)
	return e.Cause
}

func (e *Error) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

// AsKind reports the Kind of the first *Error in err's chain. errors.Is
// cannot match on Kind, since Kind is a plain int and not itself an error.
func AsKind(err error) (Kind, bool) {
	var ce *Error
	if xerrors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// Stack wraps any error for the sake of showing a full stack trace at the
// top level, mirroring the teacher's WrapError, which never returns nil for
// a non-nil error and returns nil for a nil one.
func Stack(err error) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, 1)
}
