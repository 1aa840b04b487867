// Package apperr implements a status taxonomy: every mutating operation
// reports a single status, and the caller maps it to whatever client
// protocol it serves.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies one error class.
type Code string

const (
	// CodeExists: conflict, name already taken for (kind, owner).
	CodeExists Code = "1 exists"
	// CodeHostsInvalid: malformed hosts expression.
	CodeHostsInvalid Code = "2 hosts invalid"
	// CodeTooManyHosts: hosts expression resolves to too many addresses.
	CodeTooManyHosts Code = "3 too many hosts"
	// CodeInUse: delete of a referenced entity.
	CodeInUse Code = "4 in use"
	// CodeInvalidUUID: malformed or unknown UUID reference.
	CodeInvalidUUID Code = "5 invalid uuid"
	// CodeInvalidEnum: unknown enum value.
	CodeInvalidEnum Code = "6 invalid enum"
	// CodeOutOfRange: out-of-range numeric value.
	CodeOutOfRange Code = "7 out of range"

	// CodeProgrammingError: malformed SQL or a missing required row.
	// This must never occur in correct code; it is returned rather than
	// aborting the process, letting the caller decide fatality.
	CodeProgrammingError Code = "programming error"
	// CodeExternalTool: gpg/sendmail/wget/report-format generate failure.
	CodeExternalTool Code = "external tool failure"
	// CodeTrust: signature verification failure (maps trust to unknown).
	CodeTrust Code = "trust error"
)

// Error is a structured status carrying a Code, a human message, and an
// optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error wrapping an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Exists reports a name-uniqueness conflict.
func Exists(kind, name string) *Error {
	return New(CodeExists, fmt.Sprintf("%s %q already exists", kind, name))
}

// InUse reports that a delete target is referenced elsewhere.
func InUse(kind, id string) *Error {
	return New(CodeInUse, fmt.Sprintf("%s %q is in use", kind, id))
}

// HostsInvalid reports a malformed hosts expression.
func HostsInvalid(expr string) *Error {
	return New(CodeHostsInvalid, fmt.Sprintf("invalid hosts expression %q", expr))
}

// TooManyHosts reports a hosts expression that exceeds the allowed count.
func TooManyHosts(count, max int) *Error {
	return New(CodeTooManyHosts, fmt.Sprintf("hosts expression resolves to %d addresses, max %d", count, max))
}

// InvalidUUID reports a malformed or unresolvable UUID reference.
func InvalidUUID(uuid string) *Error {
	return New(CodeInvalidUUID, fmt.Sprintf("invalid or unknown uuid %q", uuid))
}

// InvalidEnum reports an unknown enum value for a field.
func InvalidEnum(field, value string) *Error {
	return New(CodeInvalidEnum, fmt.Sprintf("invalid value %q for %s", value, field))
}

// OutOfRange reports a numeric value outside its accepted range.
func OutOfRange(field string, value int) *Error {
	return New(CodeOutOfRange, fmt.Sprintf("value %d out of range for %s", value, field))
}

// ProgrammingError wraps a condition that must never occur in correct
// code (malformed SQL, a missing required row).
func ProgrammingError(op string, err error) *Error {
	return Wrap(CodeProgrammingError, fmt.Sprintf("programming error in %s", op), err)
}

// ExternalTool reports a subprocess failure (gpg, sendmail, wget,
// report-format generate).
func ExternalTool(tool string, err error) *Error {
	return Wrap(CodeExternalTool, fmt.Sprintf("external tool %s failed", tool), err)
}

// TrustError reports a signature-verification failure; callers must map
// the affected trust column to "unknown", never to an automatic "yes".
func TrustError(resource string, err error) *Error {
	return Wrap(CodeTrust, fmt.Sprintf("signature verification failed for %s", resource), err)
}

// As extracts an *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Is reports whether err's chain contains an *Error with the given code.
func Is(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
