package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/morezero/edge-gateway/pkg/routing"
	"github.com/morezero/edge-gateway/pkg/wire"
)

const logPrefix = "dispatch:dispatcher"

// ErrorBody is the JSON payload carried by error response frames, so
// every failure path yields a well-defined envelope instead of a hang.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// CodeUnknownRoutingID marks an identifier absent from the connection's
// current table. Expected when a client replays a superseded manifest;
// benign, never a security incident by itself.
const CodeUnknownRoutingID = "UNKNOWN_ROUTING_ID"

// Envelope codes for frames rejected before reaching the backend.
const (
	CodeTooManyRequests = "TOO_MANY_REQUESTS"
	CodeRequestTooLarge = "REQUEST_TOO_LARGE"
)

// Dispatcher is the hot path: decode header, resolve against the
// connection's table, forward the unexamined payload.
type Dispatcher struct {
	backend Backend
}

// NewDispatcher creates a Dispatcher forwarding to the given backend.
func NewDispatcher(backend Backend) *Dispatcher {
	return &Dispatcher{backend: backend}
}

// HandleFrame processes one inbound frame against the connection's
// current routing table and returns the response frame to write back.
//
// A MalformedHeader error means the frame must be dropped with no
// response; every other outcome, including unknown identifiers and
// backend failures, produces a response frame echoing the request's
// channel, sequence and message id.
func (d *Dispatcher) HandleFrame(ctx context.Context, table *routing.Table, frame []byte) ([]byte, error) {
	header, err := wire.DecodeRequestHeader(frame)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - dropping malformed frame (%d bytes): %v", logPrefix, len(frame), err))
		return nil, err
	}
	payload := frame[wire.RequestHeaderSize:]

	target, ok := table.Resolve(header.RoutingID)
	if !ok {
		// Replay of a superseded identifier; reject, never misroute.
		slog.Debug(fmt.Sprintf("%s - unknown routing id %s (table version %d)", logPrefix, header.RoutingID, table.Version()))
		return ErrorFrame(header, wire.CodeServiceNotFound, &ErrorBody{
			Code:    CodeUnknownRoutingID,
			Message: "capability not available",
		}), nil
	}

	respPayload, err := d.backend.Dispatch(ctx, target.Service, target.Method, payload)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - dispatch %s -> %s/%s failed: %v", logPrefix, target.Operation, target.Service, target.Method, err))
		body := &ErrorBody{Code: CodeDispatchFailed, Message: "backend dispatch failed", Retryable: true}
		if derr, ok := err.(*DispatchError); ok {
			body.Code = derr.Code
			body.Retryable = derr.Retryable
		}
		return ErrorFrame(header, wire.CodeServiceInternalError, body), nil
	}

	return responseFrame(header, wire.CodeOK, respPayload), nil
}

// responseFrame builds a response whose header echoes the request's
// channel, sequence and message id. The payload is placed after the
// header with a single copy, the minimum the transport requires.
func responseFrame(req wire.RequestHeader, code wire.ResponseCode, payload []byte) []byte {
	h := wire.ResponseHeader{
		Flags:     wire.FlagResponse,
		Channel:   req.Channel,
		Sequence:  req.Sequence,
		MessageID: req.MessageID,
		Code:      code,
	}
	out := make([]byte, wire.ResponseHeaderSize+len(payload))
	h.EncodeTo(out)
	copy(out[wire.ResponseHeaderSize:], payload)
	return out
}

// ErrorFrame builds an error response envelope echoing the request's
// channel, sequence and message id. Rejection paths outside the
// dispatcher (backlog, size limits) use it so clients always get a
// response instead of a hang.
func ErrorFrame(req wire.RequestHeader, code wire.ResponseCode, body *ErrorBody) []byte {
	payload, err := json.Marshal(body)
	if err != nil {
		payload = nil
	}
	return responseFrame(req, code, payload)
}
