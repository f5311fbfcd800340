package busmsg

import "fmt"

// ErrorKind is the closed error taxonomy observable on result messages
// and surfaced to callers of registry operations.
type ErrorKind uint8

const (
	ErrNone ErrorKind = iota

	// Numeric error codes fixed by the external interface (spec §6):
	// these map 1:1 onto ErrCode on a Message.
	ErrMessageBus       // 1
	ErrMessageTimeout   // 2
	ErrService          // 3
	ErrConnectionError  // 4
	ErrConnectionBreak  // 5
	ErrConnectionTimeout // 6
	ErrExecutionTimeout // 7

	// Propagation-policy categories (not part of the fixed numeric set,
	// but still part of the closed taxonomy processed internally).
	ErrParseError
	ErrBinderLocked
	ErrSchemaViolation
	ErrUnknownSubject
	ErrDuplicateProvider
	ErrDuplicateService
	ErrDuplicateListener
	ErrInvalidCallback
	ErrServiceError
)

// Code returns the fixed numeric error code for the kinds spec §6
// defines codes for, or 0 for categories that have no numeric code.
func (k ErrorKind) Code() int {
	switch k {
	case ErrMessageBus:
		return 1
	case ErrMessageTimeout:
		return 2
	case ErrService:
		return 3
	case ErrConnectionError:
		return 4
	case ErrConnectionBreak:
		return 5
	case ErrConnectionTimeout:
		return 6
	case ErrExecutionTimeout:
		return 7
	default:
		return 0
	}
}

func (k ErrorKind) String() string {
	switch k {
	case ErrNone:
		return "none"
	case ErrMessageBus:
		return "MessageBus"
	case ErrMessageTimeout:
		return "MessageTimeout"
	case ErrService:
		return "Service"
	case ErrConnectionError:
		return "ConnectionError"
	case ErrConnectionBreak:
		return "ConnectionBreak"
	case ErrConnectionTimeout:
		return "ConnectionTimeout"
	case ErrExecutionTimeout:
		return "ExecutionTimeout"
	case ErrParseError:
		return "ParseError"
	case ErrBinderLocked:
		return "BinderLocked"
	case ErrSchemaViolation:
		return "SchemaViolation"
	case ErrUnknownSubject:
		return "UnknownSubject"
	case ErrDuplicateProvider:
		return "DuplicateProvider"
	case ErrDuplicateService:
		return "DuplicateService"
	case ErrDuplicateListener:
		return "DuplicateListener"
	case ErrInvalidCallback:
		return "InvalidCallback"
	case ErrServiceError:
		return "ServiceError"
	default:
		return "Unknown"
	}
}

// Error is a typed registry-time error; dispatch-time failures do not use
// this type directly, they are folded into a Message via SetError so the
// worker never aborts on a single failed message.
type Error struct {
	Kind   ErrorKind
	Desc   string
	Line   int // set for ErrParseError
	Column int // set for ErrParseError
}

func (e *Error) Error() string {
	if e.Kind == ErrParseError {
		return fmt.Sprintf("%s at line %d, column %d: %s", e.Kind, e.Line, e.Column, e.Desc)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Desc)
}

// NewError builds an *Error with the given kind and description.
func NewError(kind ErrorKind, desc string) *Error {
	return &Error{Kind: kind, Desc: desc}
}

// NewParseError builds an *Error of kind ErrParseError with the failing
// line and column.
func NewParseError(line, column int, desc string) *Error {
	return &Error{Kind: ErrParseError, Desc: desc, Line: line, Column: column}
}
