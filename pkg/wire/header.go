// Package wire implements the fixed-size binary routing headers exchanged
// with clients. Payload bytes following a header are never inspected here.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Header sizes in bytes.
const (
	RequestHeaderSize  = 31
	ResponseHeaderSize = 16
)

// ErrMalformedHeader is returned when a buffer is too short to hold a header.
var ErrMalformedHeader = errors.New("malformed header")

// RoutingID is the 16-byte connection-scoped routing identifier a client
// presents in place of an operation name.
type RoutingID [16]byte

// String renders the routing identifier as lowercase hex.
func (id RoutingID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// RequestHeader is the 31-byte header prefixed to every inbound frame.
//
// Layout (big-endian):
//
//	offset 0  size 1   flags
//	offset 1  size 2   channel
//	offset 3  size 4   sequence
//	offset 7  size 16  routing identifier
//	offset 23 size 8   message id
type RequestHeader struct {
	Flags     Flags
	Channel   uint16
	Sequence  uint32
	RoutingID RoutingID
	MessageID uint64
}

// EncodeTo writes the header into buf, which must hold at least
// RequestHeaderSize bytes. No allocation beyond the caller's buffer.
func (h *RequestHeader) EncodeTo(buf []byte) error {
	if len(buf) < RequestHeaderSize {
		return fmt.Errorf("wire: encode buffer too short (%d < %d): %w", len(buf), RequestHeaderSize, ErrMalformedHeader)
	}
	buf[0] = byte(h.Flags)
	binary.BigEndian.PutUint16(buf[1:3], h.Channel)
	binary.BigEndian.PutUint32(buf[3:7], h.Sequence)
	copy(buf[7:23], h.RoutingID[:])
	binary.BigEndian.PutUint64(buf[23:31], h.MessageID)
	return nil
}

// Encode returns the header as a fixed 31-byte array.
func (h *RequestHeader) Encode() [RequestHeaderSize]byte {
	var buf [RequestHeaderSize]byte
	h.EncodeTo(buf[:])
	return buf
}

// DecodeRequestHeader parses the first RequestHeaderSize bytes of data.
// Unknown flag bits are preserved, not rejected.
func DecodeRequestHeader(data []byte) (RequestHeader, error) {
	var h RequestHeader
	if len(data) < RequestHeaderSize {
		return h, fmt.Errorf("wire: frame too short for request header (%d < %d): %w", len(data), RequestHeaderSize, ErrMalformedHeader)
	}
	h.Flags = Flags(data[0])
	h.Channel = binary.BigEndian.Uint16(data[1:3])
	h.Sequence = binary.BigEndian.Uint32(data[3:7])
	copy(h.RoutingID[:], data[7:23])
	h.MessageID = binary.BigEndian.Uint64(data[23:31])
	return h, nil
}

// ResponseHeader is the 16-byte header prefixed to every outbound frame.
//
// Layout (big-endian):
//
//	offset 0  size 1  flags
//	offset 1  size 2  channel
//	offset 3  size 4  sequence
//	offset 7  size 8  message id
//	offset 15 size 1  response code
type ResponseHeader struct {
	Flags     Flags
	Channel   uint16
	Sequence  uint32
	MessageID uint64
	Code      ResponseCode
}

// EncodeTo writes the header into buf, which must hold at least
// ResponseHeaderSize bytes.
func (h *ResponseHeader) EncodeTo(buf []byte) error {
	if len(buf) < ResponseHeaderSize {
		return fmt.Errorf("wire: encode buffer too short (%d < %d): %w", len(buf), ResponseHeaderSize, ErrMalformedHeader)
	}
	buf[0] = byte(h.Flags)
	binary.BigEndian.PutUint16(buf[1:3], h.Channel)
	binary.BigEndian.PutUint32(buf[3:7], h.Sequence)
	binary.BigEndian.PutUint64(buf[7:15], h.MessageID)
	buf[15] = byte(h.Code)
	return nil
}

// Encode returns the header as a fixed 16-byte array.
func (h *ResponseHeader) Encode() [ResponseHeaderSize]byte {
	var buf [ResponseHeaderSize]byte
	h.EncodeTo(buf[:])
	return buf
}

// DecodeResponseHeader parses the first ResponseHeaderSize bytes of data.
func DecodeResponseHeader(data []byte) (ResponseHeader, error) {
	var h ResponseHeader
	if len(data) < ResponseHeaderSize {
		return h, fmt.Errorf("wire: frame too short for response header (%d < %d): %w", len(data), ResponseHeaderSize, ErrMalformedHeader)
	}
	h.Flags = Flags(data[0])
	h.Channel = binary.BigEndian.Uint16(data[1:3])
	h.Sequence = binary.BigEndian.Uint32(data[3:7])
	h.MessageID = binary.BigEndian.Uint64(data[7:15])
	h.Code = ResponseCode(data[15])
	return h, nil
}
