package hostws

import (
	"encoding/json"
	"errors"

	"github.com/srg/btspp/internal/dispatch"
)

// Request is an inbound call frame: {"id": ..., "method": "...", "args": {...}}.
// The id is echoed back verbatim and may be any JSON value.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Args   dispatch.Args   `json:"args"`
}

// Reply answers exactly one Request. Result and Error are mutually exclusive.
type Reply struct {
	ID     json.RawMessage     `json:"id"`
	Result json.RawMessage     `json:"result,omitempty"`
	Error  *dispatch.CallError `json:"error,omitempty"`
}

// Event is an unsolicited frame broadcast to every client
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

func encodeReply(id json.RawMessage, result interface{}, err error) []byte {
	r := Reply{ID: id}
	if err != nil {
		r.Error = asCallError(err)
	} else if raw, mErr := json.Marshal(result); mErr != nil {
		r.Error = &dispatch.CallError{Code: dispatch.CodeInternal, Message: mErr.Error()}
	} else {
		r.Result = raw
	}

	data, _ := json.Marshal(r)
	return data
}

func asCallError(err error) *dispatch.CallError {
	var callErr *dispatch.CallError
	if errors.As(err, &callErr) {
		return callErr
	}
	return &dispatch.CallError{Code: dispatch.CodeInternal, Message: err.Error()}
}
