package errors

import "errors"

// Kind enumerates the error taxonomy of design §7. Every category
// surfaces as a distinct, programmatically dispatchable variant; Code
// gives callers a stable numeric value suitable for wire encoding.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindCircuitOpen
	KindThrottled
	KindTimeout
	KindGuardrailBlock
	KindBudgetExceeded
	KindCancelled
	KindCorruption
)

// Code returns the stable numeric code for a Kind, per spec.md §6/§7.
func (k Kind) Code() int {
	switch k {
	case KindValidation:
		return 1
	case KindNotFound:
		return 2
	case KindConflict:
		return 3
	case KindCircuitOpen:
		return 4
	case KindThrottled:
		return 5
	case KindTimeout:
		return 6
	case KindGuardrailBlock:
		return 7
	case KindBudgetExceeded:
		return 8
	case KindCancelled:
		return 9
	case KindCorruption:
		return 10
	default:
		return 0
	}
}

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "Validation"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindCircuitOpen:
		return "CircuitOpen"
	case KindThrottled:
		return "Throttled"
	case KindTimeout:
		return "Timeout"
	case KindGuardrailBlock:
		return "GuardrailBlock"
	case KindBudgetExceeded:
		return "BudgetExceeded"
	case KindCancelled:
		return "Cancelled"
	case KindCorruption:
		return "Corruption"
	default:
		return "Internal"
	}
}

// TypedError is a Kind-tagged error carrying an optional cause.
type TypedError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *TypedError) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *TypedError) Unwrap() error { return e.Cause }

// New builds a TypedError of the given kind.
func New(kind Kind, message string) error {
	return &TypedError{Kind: kind, Message: message}
}

// Wrap builds a TypedError of the given kind around cause.
func Wrap(kind Kind, message string, cause error) error {
	return &TypedError{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to KindInternal when err
// is not (or does not wrap) a *TypedError.
func KindOf(err error) Kind {
	var te *TypedError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// Is reports whether err is, or wraps, a TypedError of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

var (
	ErrCircuitOpen        = New(KindCircuitOpen, "circuit breaker is open")
	ErrDeadlineExceeded   = New(KindTimeout, "deadline exceeded")
	ErrConflict           = New(KindConflict, "optimistic concurrency conflict")
	ErrCorruption         = New(KindCorruption, "content hash mismatch")
	ErrBudgetExceeded     = New(KindBudgetExceeded, "provider budget exceeded")
	ErrCancelled          = New(KindCancelled, "operation cancelled")
	ErrNotFound           = New(KindNotFound, "not found")
)
