package workerpool

import (
	"encoding/json"
	"fmt"
)

// Wire format: newline-delimited JSON in both directions. The request id
// must round-trip; a mismatched id means the worker has desynchronized.

// Request is one IPC call to a worker.
type Request struct {
	ID     string                 `json:"id"`
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params"`
}

// Response is the worker's reply. Exactly one of Result or Error is set.
type Response struct {
	ID     string                 `json:"id"`
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// MaxRequestBytes caps the serialized request size. Both the pool and the
// worker enforce it.
const MaxRequestBytes = 256 * 1024

// EncodeRequest serializes req as a single newline-terminated line,
// rejecting oversized payloads before they reach a worker.
func EncodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if len(data) > MaxRequestBytes {
		return nil, fmt.Errorf("request exceeds %d bytes (%d)", MaxRequestBytes, len(data))
	}
	return append(data, '\n'), nil
}

// DecodeResponse parses one response line. An empty line is an error: the
// worker wrote nothing useful and must be restarted.
func DecodeResponse(line []byte) (Response, error) {
	if len(line) == 0 {
		return Response{}, fmt.Errorf("empty response line")
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("parse response: %w", err)
	}
	return resp, nil
}
