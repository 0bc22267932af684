package dispatch

import (
	"errors"
	"fmt"

	"github.com/srg/btspp/internal/device"
	"github.com/srg/btspp/internal/permission"
)

// Wire error codes returned to the host
const (
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeConnectionFailed  = "CONNECTION_FAILED"
	CodeNotConnected      = "NOT_CONNECTED"
	CodeWriteFailed       = "WRITE_FAILED"
	CodeNotImplemented    = "NOT_IMPLEMENTED"
	CodeAlreadyRequesting = "ALREADY_REQUESTING_PERMISSION"
	CodeInternal          = "INTERNAL"
)

// CallError is the error reply for a failed call.
type CallError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newCallError(code, msg string) *CallError {
	return &CallError{Code: code, Message: msg}
}

// toCallError maps err to its wire form. fallback is the method's code for
// failures that have no more specific mapping.
func toCallError(err error, fallback string) *CallError {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr
	}

	if errors.Is(err, permission.ErrRequestInProgress) {
		return newCallError(CodeAlreadyRequesting, "Another permission request is already in progress")
	}

	msg := err.Error()
	var derr *device.Error
	if errors.As(err, &derr) && derr.Msg != "" {
		msg = derr.Msg
	}

	switch device.KindOf(err) {
	case device.InvalidIdentity:
		return newCallError(CodeInvalidArgument, msg)
	case device.PermissionDenied:
		return newCallError(CodePermissionDenied, msg)
	case device.NotConnected:
		return newCallError(CodeNotConnected, msg)
	}

	return newCallError(fallback, msg)
}
