// Package dispatch delivers task payloads to the remote participant and
// classifies what comes back.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Payload is the body of a remote task call. Fields are sent as a flat
// JSON object under Method.
type Payload struct {
	Method string
	Fields map[string]string
}

// Encode renders the fields as JSON. Keys are emitted in sorted order.
func (p Payload) Encode() (string, error) {
	if p.Method == "" {
		return "", errors.New("dispatch: payload has no method")
	}
	fields := p.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("dispatch: encode payload: %w", err)
	}
	return string(b), nil
}

// Kind classifies a failed dispatch.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindTransport Kind = "transport"
	KindRejected  Kind = "rejected"
	KindAbandoned Kind = "abandoned"
)

// ErrTimeout is returned by transports when no response arrived in time.
var ErrTimeout = errors.New("dispatch: response timeout")

// RemoteError is returned by transports when the remote handler refused the call.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Failure describes why a dispatch produced no value.
type Failure struct {
	Kind   Kind
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error { return f.Err }

// Result is the outcome of one dispatch. Exactly one of Value or Failure is meaningful.
type Result struct {
	Method   string
	Value    string
	Failure  *Failure
	Duration time.Duration
}

// OK reports whether the remote side answered successfully.
func (r Result) OK() bool { return r.Failure == nil }

// Outcome is a short label for logs and metrics.
func (r Result) Outcome() string {
	if r.Failure == nil {
		return "success"
	}
	return string(r.Failure.Kind)
}

// RemoteCaller performs one request/response exchange with a participant.
// Implementations must honor ctx and return ErrTimeout or a *RemoteError
// where they can tell.
type RemoteCaller interface {
	PerformRemoteCall(ctx context.Context, destination, method, payload string, timeout time.Duration) (string, error)
}
