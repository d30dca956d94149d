package stomp

import (
	"bytes"
	"errors"
	"strconv"
)

// ErrMalformedFrame is returned by Parse when the input is not a
// well-formed STOMP 1.2 frame.
var ErrMalformedFrame = errors.New("stomp: malformed frame")

// ErrUnterminatedFrame is returned when a frame has no terminating NUL
// byte within the declared or implied body length.
var ErrUnterminatedFrame = errors.New("stomp: frame not NUL-terminated")

// Parse decodes one STOMP frame from raw. An empty raw input (zero
// bytes) is a client heart-beat, not a frame, and is reported via the
// heartbeat=true return so callers can answer with a single
// "\n" without constructing a Message (spec.md §4.1, §8 boundary case).
func Parse(raw []byte) (msg Message, heartbeat bool, err error) {
	if len(raw) == 0 {
		return Message{}, true, nil
	}

	lineEnd := bytes.IndexByte(raw, '\n')
	if lineEnd < 0 {
		return Message{}, false, ErrMalformedFrame
	}
	command := string(raw[:lineEnd])
	if command == "" {
		return Message{}, true, nil
	}

	rest := raw[lineEnd+1:]
	headers := Headers{}
	contentLength := -1

	for {
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			return Message{}, false, ErrMalformedFrame
		}
		line := rest[:nl]
		rest = rest[nl+1:]
		if len(line) == 0 {
			break // blank line ends the header block
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return Message{}, false, ErrMalformedFrame
		}
		key := decodeHeaderToken(line[:colon])
		val := decodeHeaderToken(line[colon+1:])
		headers = append(headers, key, val)
		if key == HdrContentLength {
			n, convErr := strconv.Atoi(val)
			if convErr == nil && n >= 0 {
				contentLength = n
			}
		}
	}

	var body []byte
	if contentLength >= 0 {
		if contentLength > len(rest) {
			return Message{}, false, ErrUnterminatedFrame
		}
		body = rest[:contentLength]
	} else {
		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			return Message{}, false, ErrUnterminatedFrame
		}
		body = rest[:nul]
	}

	return Message{Command: command, Headers: headers, Body: append([]byte(nil), body...)}, false, nil
}

// Serialize encodes msg back to wire format. Serialize(Parse(x)) == x for
// any well-formed input (spec.md §8, round-trip property). A stored
// content-length header keeps its position but its value is recomputed
// from Body; one is added only when the headers lack it and Body holds
// a NUL byte, which Parse could not otherwise delimit.
func Serialize(msg Message) []byte {
	var buf bytes.Buffer
	buf.WriteString(msg.Command)
	buf.WriteByte('\n')

	for i := 0; i+1 < len(msg.Headers); i += 2 {
		key, val := msg.Headers[i], msg.Headers[i+1]
		if key == HdrContentLength {
			val = strconv.Itoa(len(msg.Body))
		}
		buf.WriteString(encodeHeaderToken(key))
		buf.WriteByte(':')
		buf.WriteString(encodeHeaderToken(val))
		buf.WriteByte('\n')
	}
	if !hadContentLength(msg.Headers) && bytes.IndexByte(msg.Body, 0) >= 0 {
		buf.WriteString(HdrContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(msg.Body)))
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')
	buf.Write(msg.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

func hadContentLength(h Headers) bool {
	_, ok := h.Get(HdrContentLength)
	return ok
}

// decodeHeaderToken reverses the STOMP escape sequences \n \r \c \\ per
// spec.md §4.1.
func decodeHeaderToken(b []byte) string {
	if !bytes.ContainsRune(b, '\\') {
		return string(b)
	}
	var out bytes.Buffer
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 >= len(b) {
			out.WriteByte(b[i])
			continue
		}
		switch b[i+1] {
		case 'n':
			out.WriteByte('\n')
		case 'r':
			out.WriteByte('\r')
		case 'c':
			out.WriteByte(':')
		case '\\':
			out.WriteByte('\\')
		default:
			out.WriteByte(b[i])
			out.WriteByte(b[i+1])
		}
		i++
	}
	return out.String()
}

// encodeHeaderToken applies the STOMP escape sequences to a raw header
// key or value. Order matters: backslash must be escaped first.
func encodeHeaderToken(s string) string {
	b := []byte(s)
	b = bytes.ReplaceAll(b, []byte("\\"), []byte("\\\\"))
	b = bytes.ReplaceAll(b, []byte("\n"), []byte("\\n"))
	b = bytes.ReplaceAll(b, []byte("\r"), []byte("\\r"))
	b = bytes.ReplaceAll(b, []byte(":"), []byte("\\c"))
	return string(b)
}

// NewError builds an ERROR frame per spec.md §4.4 sendError: a short
// "message" header, optional receipt-id mirrored from the request, and
// the longer human-readable detail as the body.
func NewError(message, receiptID, detail string) Message {
	h := Headers{HdrMessage, message}
	if receiptID != "" {
		h = h.Set(HdrReceiptID, receiptID)
	}
	return Message{Command: CmdError, Headers: h, Body: []byte(detail)}
}

// NewReceipt builds a RECEIPT frame acknowledging receiptID.
func NewReceipt(receiptID string) Message {
	return Message{Command: CmdReceipt, Headers: Headers{HdrReceiptID, receiptID}}
}

// NewConnected builds the CONNECTED response for a successful CONNECT,
// including connection metadata flattened under the
// "connectionMetadata-" prefix (spec.md §4.4).
func NewConnected(sessionID, host, heartBeat string, metadata map[string]string) Message {
	h := Headers{
		HdrVersion, protocolVersion,
		HdrHeartBeat, heartBeat,
		HdrServer, serverName,
		HdrSession, sessionID,
		HdrHost, host,
	}
	for k, v := range metadata {
		h = h.Set(HdrConnMetadataPrefix+k, v)
	}
	return Message{Command: CmdConnected, Headers: h}
}

// NewMessageFrame builds a MESSAGE frame for delivery to a channel-backed
// subscriber. login/passcode headers are never copied onto MESSAGE
// frames (spec.md §8, invariant 7); callers must build headers fresh
// here rather than cloning the inbound SEND headers wholesale.
func NewMessageFrame(destination, subscriptionID, messageID string, body []byte, extra Headers) Message {
	h := Headers{
		HdrDestination, destination,
		HdrMessageID, messageID,
		HdrSubscription, subscriptionID,
	}
	for i := 0; i+1 < len(extra); i += 2 {
		if extra[i] == HdrLogin || extra[i] == HdrPasscode {
			continue
		}
		h = h.Set(extra[i], extra[i+1])
	}
	return Message{Command: CmdMessage, Headers: h, Body: body}
}

// HeartbeatReply is the single "\n" byte answered to an empty inbound
// frame (spec.md §8, boundary behavior).
var HeartbeatReply = []byte{'\n'}
