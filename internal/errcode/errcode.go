// ============================================================================
// bulkop error codes
// ============================================================================
//
// Package: internal/errcode
// File: errcode.go
// Purpose: Coded domain errors. Every failure that crosses an operation or
//          item boundary is reduced to a (code, message) pair.
//
// Taxonomy:
//   - construction errors (connection pool build/refresh)  -> SysConnPoolErr
//   - per-item errors (a job failed)                        -> job's own code
//   - protocol errors (malformed command document)          -> SysInvalidInputParam
//   - anything else                                         -> SysUnknownError
//
// ============================================================================

package errcode

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ChuLiYu/bulkop/pkg/types"
)

// Codes shared with the storage servers, same values as their error table.
const (
	SysNotSupported      = -66000
	SysInvalidInputParam = -130000
	SysInternalErr       = -154000
	SysUnknownError      = -165000
	UserFileDoesNotExist = -310000
	UserChksumMismatch   = -314000
	CatNoRowsFound       = -808000
)

// Engine-local codes. The server table allocates nothing in -4,000,000 to
// -4,099,000.
const (
	SysOperationCancelled = -4000000
	SysConnPoolErr        = -4001000
)

const (
	unknownErrorMessage      = "unknown error"
	defaultCodeDescription   = "error"
	cancelledMessageFallback = "operation cancelled"
)

var names = map[int]string{
	SysUnknownError:       "SYS_UNKNOWN_ERROR",
	SysInvalidInputParam:  "SYS_INVALID_INPUT_PARAM",
	SysInternalErr:        "SYS_INTERNAL_ERR",
	SysNotSupported:       "SYS_NOT_SUPPORTED",
	UserFileDoesNotExist:  "USER_FILE_DOES_NOT_EXIST",
	UserChksumMismatch:    "USER_CHKSUM_MISMATCH",
	CatNoRowsFound:        "CAT_NO_ROWS_FOUND",
	SysOperationCancelled: "SYS_OPERATION_CANCELLED",
	SysConnPoolErr:        "SYS_CONN_POOL_ERR",
}

// Name returns the symbolic name of a code.
func Name(code int) string {
	if n, ok := names[code]; ok {
		return n
	}
	return defaultCodeDescription
}

// Error is a domain error carrying a numeric code.
type Error struct {
	Code    int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", Name(e.Code), e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", Name(e.Code), e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Cause lets github.com/pkg/errors walk through coded errors.
func (e *Error) Cause() error { return e.cause }

// New returns a coded error.
func New(code int, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Newf returns a coded error with a formatted message.
func Newf(code int, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to cause. A nil cause yields nil.
func Wrap(cause error, code int, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, cause: errors.WithStack(cause)}
}

// As returns the outermost coded error in err's chain.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Code extracts the code of err; 0 for nil, SysUnknownError when err carries no code.
func Code(err error) int {
	if err == nil {
		return 0
	}
	if ce, ok := As(err); ok {
		return ce.Code
	}
	return SysUnknownError
}

// Outcome reduces err to an outcome record. Coded errors keep their code and
// message; everything else is downgraded to SysUnknownError with the error text.
func Outcome(err error) types.Outcome {
	if err == nil {
		return types.Outcome{}
	}
	if ce, ok := As(err); ok {
		msg := ce.Message
		if ce.cause != nil {
			msg = errors.WithMessage(errors.Cause(ce.cause), ce.Message).Error()
		}
		return types.Outcome{Code: ce.Code, Message: msg}
	}
	msg := err.Error()
	if msg == "" {
		msg = unknownErrorMessage
	}
	return types.Outcome{Code: SysUnknownError, Message: msg}
}

// FromPanic converts a recovered panic value into an outcome.
func FromPanic(r any) types.Outcome {
	if err, ok := r.(error); ok {
		return types.Outcome{Code: SysUnknownError, Message: err.Error()}
	}
	return types.Outcome{Code: SysUnknownError, Message: fmt.Sprint(r)}
}

// Cancelled is the outcome recorded for work abandoned because of a cancel.
func Cancelled(cause error) types.Outcome {
	msg := cancelledMessageFallback
	if cause != nil {
		msg = cause.Error()
	}
	return types.Outcome{Code: SysOperationCancelled, Message: msg}
}
