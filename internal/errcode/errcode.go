// Package errcode defines the fixed error taxonomy shared by every
// top-level operation. Each failure carries a Code that doubles as the
// process exit status, so callers can match with errors.As and the CLI
// can report a machine-readable result.
package errcode

import (
	"errors"
	"fmt"
)

// Code identifies one failure kind. The numeric value is the process
// exit status for that failure.
type Code int

const (
	// InvalidOption is returned for unusable command-line input.
	InvalidOption Code = 1
	// MissingConfigFile means the identity config file does not exist.
	MissingConfigFile Code = 2
	// MissingConfig means a required configuration field is absent or empty.
	MissingConfig Code = 3
	// MissingCerts means the identity cert or key file is absent or empty.
	MissingCerts Code = 4
	// MissingCertUpdateEndpoint means the server response carried no
	// certificate-update endpoint element.
	MissingCertUpdateEndpoint Code = 5
	// ErrorExtractingAttributes means a response element was present but
	// could not be fully extracted.
	ErrorExtractingAttributes Code = 6
	// ErrorGeneratingCerts means writing the new identity pair failed.
	ErrorGeneratingCerts Code = 7
	// ErrorSendingHTTP means the request never produced an HTTP response.
	ErrorSendingHTTP Code = 8
	// HTTPNon200 means the server answered with a non-200 status.
	HTTPNon200 Code = 9
	// ErrorWritingToFile means a requested output file could not be written.
	ErrorWritingToFile Code = 10
	// NonPrivilegedUser means the invoking user lacks the required privilege.
	NonPrivilegedUser Code = 77
)

func (c Code) String() string {
	switch c {
	case InvalidOption:
		return "invalid option"
	case MissingConfigFile:
		return "missing config file"
	case MissingConfig:
		return "missing config"
	case MissingCerts:
		return "missing certs"
	case MissingCertUpdateEndpoint:
		return "missing cert update endpoint"
	case ErrorExtractingAttributes:
		return "error extracting attributes"
	case ErrorGeneratingCerts:
		return "error generating certs"
	case ErrorSendingHTTP:
		return "error sending http"
	case HTTPNon200:
		return "http non-200"
	case ErrorWritingToFile:
		return "error writing to file"
	case NonPrivilegedUser:
		return "non-privileged user"
	default:
		return fmt.Sprintf("code %d", int(c))
	}
}

// Error is a taxonomy failure. It optionally wraps the underlying cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return e.Code.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a taxonomy error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns a taxonomy error wrapping cause. A nil cause is allowed.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// CodeOf extracts the taxonomy code from err. Returns ok=false when err
// carries no code (including nil).
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// ExitCode maps err to the process exit status: 0 for nil, the embedded
// code when present, and 1 for anything uncoded.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := CodeOf(err); ok {
		return int(code)
	}
	return 1
}

// Is reports whether err carries exactly the given code.
func Is(err error, code Code) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}
