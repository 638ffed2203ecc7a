package rpc

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// DefaultCompressionThreshold is the payload size below which compression is
// skipped: small payloads grow under gzip and are not worth the round-trip.
const DefaultCompressionThreshold = 1024

// CompressionMiddleware gzips payloads above a size threshold and wraps them
// in a base64 JSON string. Inbound payloads that are not compressed pass
// through untouched, so mixed traffic (old SDKs, small payloads) keeps
// working.
type CompressionMiddleware struct {
	Threshold int
}

// NewCompressionMiddleware returns a compression middleware with the default
// threshold.
func NewCompressionMiddleware() *CompressionMiddleware {
	return &CompressionMiddleware{Threshold: DefaultCompressionThreshold}
}

func (m *CompressionMiddleware) Outbound(payload json.RawMessage) (json.RawMessage, error) {
	threshold := m.Threshold
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	if len(payload) < threshold {
		return payload, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}

	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("encode compressed payload: %w", err)
	}
	return encoded, nil
}

func (m *CompressionMiddleware) Inbound(payload json.RawMessage) (json.RawMessage, error) {
	raw, ok := compressedBytes(payload)
	if !ok {
		return payload, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	defer zr.Close()

	decompressed, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	if !json.Valid(decompressed) {
		return nil, fmt.Errorf("decompress payload: result is not valid JSON")
	}
	return decompressed, nil
}

// compressedBytes reports whether the payload is a base64 JSON string whose
// decoded bytes start with the gzip magic number, returning the decoded
// bytes when it is.
func compressedBytes(payload json.RawMessage) ([]byte, bool) {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return nil, false
	}
	return raw, true
}
