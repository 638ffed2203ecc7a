package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the unit on the wire. A request carries Method and Params; a
// response carries exactly one of Result or Error. Stream marks a response
// that is not terminal: the server may emit more envelopes for the same id.
type Envelope struct {
	ID     string          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Stream bool            `json:"stream,omitempty"`
}

// MethodCancel is the control method a client sends to abort an in-flight
// request or stream. It reuses the id of the call being cancelled and never
// receives a response.
const MethodCancel = "rpc_cancel"

// IsRequest reports whether the envelope is a request (carries a method and
// neither result nor error).
func (e *Envelope) IsRequest() bool {
	return e.Method != "" && e.Result == nil && e.Error == nil
}

// IsResponse reports whether the envelope carries a result or an error.
func (e *Envelope) IsResponse() bool {
	return e.Result != nil || e.Error != nil
}

// DecodeEnvelopes parses a raw wire frame. A frame is either a single
// envelope object or a batch array of envelopes.
func DecodeEnvelopes(data []byte) ([]Envelope, error) {
	trimmed := firstNonSpace(data)
	if trimmed == '[' {
		var batch []Envelope
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("decode envelope batch: %w", err)
		}
		return batch, nil
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return []Envelope{env}, nil
}

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b
	}
	return 0
}

// Error codes. -32600..-32603 follow the JSON-RPC 2.0 reserved range; the
// -3200x block is protocol-specific.
const (
	CodeServerError    = -32000
	CodeConfigError    = -32001
	CodeNotConnected   = -32002
	CodeUserRejected   = -32003
	CodeClientAborted  = -32004
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is the machine-readable protocol error carried in envelopes.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError builds a protocol error with the given code.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a protocol error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError converts an arbitrary handler error into a protocol error. Errors
// that already are (or wrap) an *Error keep their code; anything else becomes
// a server error carrying the original message.
func AsError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: CodeServerError, Message: err.Error()}
}

// IsCode reports whether err is a protocol error with the given code.
func IsCode(err error, code int) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}
