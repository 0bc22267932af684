package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failure of a single radio operation.
type ErrorKind string

const (
	AdapterUnavailable ErrorKind = "adapter_unavailable"
	AdapterDisabled    ErrorKind = "adapter_disabled"
	InvalidIdentity    ErrorKind = "invalid_identity"
	PermissionDenied   ErrorKind = "permission_denied"
	ConnectionFailed   ErrorKind = "connection_failed"
	NotConnected       ErrorKind = "not_connected"
	Disconnected       ErrorKind = "disconnected"
)

// Error represents any failure raised by the connection core.
// Errors are terminal for the operation that raised them; nothing is retried internally.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error // underlying transport error, if any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

// Unwrap exposes the underlying transport error
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind
var (
	ErrAdapterUnavailable = &Error{Kind: AdapterUnavailable}
	ErrAdapterDisabled    = &Error{Kind: AdapterDisabled}
	ErrInvalidIdentity    = &Error{Kind: InvalidIdentity}
	ErrPermissionDenied   = &Error{Kind: PermissionDenied}
	ErrConnectionFailed   = &Error{Kind: ConnectionFailed}
	ErrNotConnected       = &Error{Kind: NotConnected}
	ErrDisconnected       = &Error{Kind: Disconnected}
)

// ErrUnsupported is returned by transports on platforms without a Bluetooth stack binding.
var ErrUnsupported = errors.New("unsupported")

// NewError builds an Error of the given kind wrapping cause.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// IsKind reports whether err is an Error with the given kind
func IsKind(err error, kind ErrorKind) bool {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or an empty kind when err is not an Error.
func KindOf(err error) ErrorKind {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return ""
}

// NormalizeError maps known BlueZ / kernel error strings to structured Error kinds.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	var derr *Error
	if errors.As(err, &derr) {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "org.bluez.Error.NotReady"),
		containsIgnoreCase(msg, "resource not ready"):
		return fmt.Errorf("%w: %v", ErrAdapterDisabled, err)
	case containsIgnoreCase(msg, "org.freedesktop.DBus.Error.AccessDenied"),
		containsIgnoreCase(msg, "operation not permitted"),
		containsIgnoreCase(msg, "permission denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case containsIgnoreCase(msg, "org.freedesktop.DBus.Error.UnknownObject"),
		containsIgnoreCase(msg, "org.bluez.Error.DoesNotExist"):
		return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	case containsIgnoreCase(msg, "org.bluez.Error.NotConnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
