package wire

// Flags is the bit-flag field at offset 0 of both header layouts.
type Flags uint8

// Message flag bits. Decoders must preserve bits they do not recognize.
const (
	FlagNone         Flags = 0x00
	FlagBinary       Flags = 0x01
	FlagEncrypted    Flags = 0x02
	FlagCompressed   Flags = 0x04
	FlagHighPriority Flags = 0x08
	FlagEvent        Flags = 0x10
	FlagClient       Flags = 0x20
	FlagResponse     Flags = 0x40
	FlagMeta         Flags = 0x80
)

// Has reports whether all bits in f2 are set on f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// ResponseCode is the status byte at offset 15 of the response header.
type ResponseCode uint8

// Response codes surfaced to clients.
const (
	CodeOK                    ResponseCode = 0
	CodeRequestError          ResponseCode = 10
	CodeRequestTooLarge       ResponseCode = 11
	CodeTooManyRequests       ResponseCode = 12
	CodeInvalidRequestChannel ResponseCode = 13
	CodeUnauthorized          ResponseCode = 20
	CodeServiceNotFound       ResponseCode = 30
	CodeClientNotFound        ResponseCode = 31
	CodeMessageNotFound       ResponseCode = 32
	CodeBroadcastNotAllowed   ResponseCode = 40
	CodeServiceBadRequest     ResponseCode = 50
	CodeServiceMissing        ResponseCode = 51
	CodeServiceUnauthorized   ResponseCode = 52
	CodeServiceConflict       ResponseCode = 53
	CodeServiceInternalError  ResponseCode = 60
)

// String returns a short name for known codes, or the numeric value.
func (c ResponseCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeRequestError:
		return "request_error"
	case CodeRequestTooLarge:
		return "request_too_large"
	case CodeTooManyRequests:
		return "too_many_requests"
	case CodeInvalidRequestChannel:
		return "invalid_request_channel"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeServiceNotFound:
		return "service_not_found"
	case CodeClientNotFound:
		return "client_not_found"
	case CodeMessageNotFound:
		return "message_not_found"
	case CodeBroadcastNotAllowed:
		return "broadcast_not_allowed"
	case CodeServiceBadRequest:
		return "service_bad_request"
	case CodeServiceMissing:
		return "service_missing"
	case CodeServiceUnauthorized:
		return "service_unauthorized"
	case CodeServiceConflict:
		return "service_conflict"
	case CodeServiceInternalError:
		return "service_internal_error"
	}
	return "code_" + itoa(uint8(c))
}

func itoa(v uint8) string {
	if v == 0 {
		return "0"
	}
	var buf [3]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = '0' + v%10
		v /= 10
	}
	return string(buf[i:])
}
