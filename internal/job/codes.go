package job

import (
	"errors"
	"fmt"
)

// Code is a canonical result code reported in the "value" field of a reply.
// Values match the bouncer's error_codes.h where the tool defines them.
type Code int

const (
	CodeOK                      Code = 0
	CodeToolCrash               Code = 12
	CodeParameterReadFailure    Code = 13
	CodeBundleGenerationFailure Code = 14
	CodeUnknownCommand          Code = 17
	CodeTimeout                 Code = 29

	// CodeUnknownError is used when the platform reports no exit code at all.
	CodeUnknownError Code = -1
)

// DefaultSoftFailCodes are tool exit codes that still allow follow-on steps.
var DefaultSoftFailCodes = []int{7, 10, 15}

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeToolCrash:
		return "tool_crash"
	case CodeParameterReadFailure:
		return "parameter_read_failure"
	case CodeBundleGenerationFailure:
		return "bundle_generation_failure"
	case CodeUnknownCommand:
		return "unknown_command"
	case CodeTimeout:
		return "timeout"
	case CodeUnknownError:
		return "unknown_error"
	default:
		return fmt.Sprintf("tool_code_%d", int(c))
	}
}

var (
	ErrParamRead      = errors.New("parameter read failure")
	ErrUnknownCommand = errors.New("unknown command")
)

// CodeError carries a canonical code alongside the underlying cause.
type CodeError struct {
	Code Code
	Err  error
}

func (e *CodeError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodeError) Unwrap() error { return e.Err }

// Errorf builds a CodeError. The sentinel matching code is wrapped so callers
// can use errors.Is(err, ErrParamRead).
func Errorf(code Code, format string, args ...any) error {
	cause := fmt.Errorf(format, args...)
	switch code {
	case CodeParameterReadFailure:
		cause = fmt.Errorf("%w: %w", ErrParamRead, cause)
	case CodeUnknownCommand:
		cause = fmt.Errorf("%w: %w", ErrUnknownCommand, cause)
	}
	return &CodeError{Code: code, Err: cause}
}

// CodeOf extracts the canonical code from err. Errors without one map to
// CodeToolCrash.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeToolCrash
}
