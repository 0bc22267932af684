package main

import (
	"errors"
	"fmt"

	"github.com/srg/btspp/internal/dispatch"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the peripheral dropped the link while a command was using it.
	ErrConnectionLost = errors.New("connection lost")

	// ErrAdapterUnavailable is returned when no usable adapter is present.
	ErrAdapterUnavailable = errors.New("bluetooth adapter is not available")
)

// FormatUserError turns a command error into a single line for the terminal.
func FormatUserError(err error) string {
	if errors.Is(err, ErrConnectionLost) {
		return "connection lost: the device closed the link"
	}

	var callErr *dispatch.CallError
	if !errors.As(err, &callErr) {
		return err.Error()
	}

	switch callErr.Code {
	case dispatch.CodePermissionDenied:
		return fmt.Sprintf("%s (join the bluetooth group or set assume_permissions in the config)", callErr.Message)
	case dispatch.CodeInvalidArgument:
		return "invalid argument: " + callErr.Message
	case dispatch.CodeConnectionFailed:
		return "connection failed: " + callErr.Message
	default:
		return callErr.Message
	}
}
