package remote

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/optisync/internal/snapshot"
	"github.com/roach88/optisync/internal/store"
)

// Op names a frame type.
type Op string

const (
	OpRead    Op = "read"
	OpCAS     Op = "cas"
	OpSet     Op = "set"
	OpWatch   Op = "watch"
	OpUnwatch Op = "unwatch"
	// OpEvent frames are pushed by the server for an active watch.
	OpEvent Op = "event"
)

// Error codes carried in Frame.Code so sentinel errors survive the wire.
const (
	codeInvalidPath = "invalid_path"
	codeClosed      = "closed"
)

// Frame is the single message shape in both directions.
type Frame struct {
	ID      uint64          `json:"id,omitempty"`
	Op      Op              `json:"op"`
	Path    string          `json:"path,omitempty"`
	Sub     uint64          `json:"sub,omitempty"`
	Version int64           `json:"version,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

func encodeValue(v snapshot.Value) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := snapshot.MarshalCanonical(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return b, nil
}

func decodeValue(raw json.RawMessage) (snapshot.Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	v, err := snapshot.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// errorFrame fills the error fields of a response.
func errorFrame(resp Frame, err error) Frame {
	resp.OK = false
	resp.Error = err.Error()
	switch {
	case errors.Is(err, store.ErrInvalidPath):
		resp.Code = codeInvalidPath
	case errors.Is(err, store.ErrClosed):
		resp.Code = codeClosed
	}
	return resp
}

// RemoteError is a failure reported by the server.
type RemoteError struct {
	Op      Op
	Path    string
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s %s: %s", e.Op, e.Path, e.Message)
}

// Unwrap maps wire codes back to store sentinels.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case codeInvalidPath:
		return store.ErrInvalidPath
	case codeClosed:
		return store.ErrClosed
	}
	return nil
}

func frameError(f Frame) error {
	if f.Error == "" {
		return nil
	}
	return &RemoteError{Op: f.Op, Path: f.Path, Message: f.Error, Code: f.Code}
}
