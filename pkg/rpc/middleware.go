package rpc

import "encoding/json"

// Middleware transforms envelope payloads on their way to and from the wire.
// Outbound runs before a payload is sent, Inbound after one is received; a
// pair is expected to be symmetric (compress on send, decompress on receive).
//
// Clients apply Outbound to request params and Inbound to response results;
// servers apply Inbound to request params and Outbound to response results.
type Middleware interface {
	Outbound(payload json.RawMessage) (json.RawMessage, error)
	Inbound(payload json.RawMessage) (json.RawMessage, error)
}

// applyOutbound runs the middleware chain in order. A nil payload is passed
// through untouched (no params / empty result).
func applyOutbound(chain []Middleware, payload json.RawMessage) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	var err error
	for _, mw := range chain {
		payload, err = mw.Outbound(payload)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// applyInbound runs the middleware chain in reverse order, undoing the
// outbound transformations layer by layer.
func applyInbound(chain []Middleware, payload json.RawMessage) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	var err error
	for i := len(chain) - 1; i >= 0; i-- {
		payload, err = chain[i].Inbound(payload)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}
