// Package dispatch routes inbound frames to backend targets without ever
// inspecting the payload bytes.
package dispatch

import (
	"context"
	"fmt"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/edge-gateway/pkg/commsutil"
)

// Backend is the dispatch boundary: opaque payload in, opaque payload
// out. Implementations must never fabricate a success payload on failure.
type Backend interface {
	Dispatch(ctx context.Context, service, method string, payload []byte) ([]byte, error)
}

// DispatchError is a structured failure from the backend boundary.
type DispatchError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *DispatchError) Error() string {
	return e.Code + ": " + e.Message
}

// Dispatch error codes.
const (
	CodeDispatchFailed  = "DISPATCH_FAILED"
	CodeDispatchTimeout = "DISPATCH_TIMEOUT"
)

// CommsBackend dispatches calls as COMMS requests on per-target subjects.
type CommsBackend struct {
	nc      *comms.Conn
	timeout time.Duration
}

// NewCommsBackend creates a CommsBackend. timeout bounds each dispatch
// when the caller's context carries no earlier deadline.
func NewCommsBackend(nc *comms.Conn, timeout time.Duration) *CommsBackend {
	return &CommsBackend{nc: nc, timeout: timeout}
}

// Dispatch sends the unmodified payload to svc.{service}.{method} and
// returns the unmodified reply payload.
func (b *CommsBackend) Dispatch(ctx context.Context, service, method string, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	subject := commsutil.BuildDispatchSubject(service, method)
	msg, err := b.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &DispatchError{Code: CodeDispatchTimeout, Message: fmt.Sprintf("dispatch to %s timed out", subject), Retryable: true}
		}
		return nil, &DispatchError{Code: CodeDispatchFailed, Message: fmt.Sprintf("dispatch to %s: %v", subject, err), Retryable: true}
	}
	return msg.Data, nil
}
