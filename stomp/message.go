// Package stomp implements the STOMP 1.2 frame format: parsing, header
// encode/decode, and serialization. It has no knowledge of transports,
// exchanges, or clustering.
package stomp

// Client commands.
const (
	CmdConnect     = "CONNECT"
	CmdStomp       = "STOMP"
	CmdDisconnect  = "DISCONNECT"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdAck         = "ACK"
	CmdNack        = "NACK"
	CmdBegin       = "BEGIN"
	CmdCommit      = "COMMIT"
	CmdAbort       = "ABORT"
)

// Server commands.
const (
	CmdConnected = "CONNECTED"
	CmdMessage   = "MESSAGE"
	CmdReceipt   = "RECEIPT"
	CmdError     = "ERROR"
)

// Header keys used by this broker.
const (
	HdrAcceptVersion       = "accept-version"
	HdrAck                 = "ack"
	HdrContentLength       = "content-length"
	HdrDestination         = "destination"
	HdrHeartBeat           = "heart-beat"
	HdrHost                = "host"
	HdrID                  = "id"
	HdrLogin               = "login"
	HdrMessage             = "message"
	HdrMessageID           = "message-id"
	HdrPasscode            = "passcode"
	HdrReceipt             = "receipt"
	HdrReceiptID           = "receipt-id"
	HdrSession             = "session"
	HdrServer              = "server"
	HdrSubscription        = "subscription"
	HdrTransaction         = "transaction"
	HdrVersion             = "version"
	HdrPublisherID        = "publisher-id"
	HdrConnMetadataPrefix = "connectionMetadata-"
)

// Ack modes recognized on SUBSCRIBE; no redelivery is implemented for any
// of them (spec.md §9, Open Question c).
const (
	AckAuto             = "auto"
	AckClient           = "client"
	AckClientIndividual = "client-individual"
)

const protocolVersion = "1.2"

const serverName = "socketbox/1.2"

// Headers is an ordered list of STOMP header key/value pairs. Duplicate
// keys keep the first occurrence per the STOMP 1.2 spec; Get reflects
// that by returning on first match.
type Headers []string

// Get returns the first value for key, and whether it was present.
func (h Headers) Get(key string) (string, bool) {
	for i := 0; i+1 < len(h); i += 2 {
		if h[i] == key {
			return h[i+1], true
		}
	}
	return "", false
}

// Set appends a header, or rewrites the first existing occurrence of key.
func (h Headers) Set(key, value string) Headers {
	for i := 0; i+1 < len(h); i += 2 {
		if h[i] == key {
			h[i+1] = value
			return h
		}
	}
	return append(h, key, value)
}

// Without returns a copy of h with every occurrence of key removed.
func (h Headers) Without(key string) Headers {
	out := make(Headers, 0, len(h))
	for i := 0; i+1 < len(h); i += 2 {
		if h[i] == key {
			continue
		}
		out = append(out, h[i], h[i+1])
	}
	return out
}

// Clone returns an independent copy of h.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Message is a parsed STOMP frame. It is treated as immutable once handed
// to an exchange; routing code clones it before rewriting headers for a
// particular subscriber (spec.md §3, Message).
type Message struct {
	Command string
	Headers Headers
	Body    []byte

	// SourceChannelID identifies the transport the message arrived on.
	// cmd/socketbox sets it on every inbound frame; routing does not read
	// it (publisher-id comes from the Channel passed to Broker.Handle).
	// Empty for messages synthesized server-side (e.g. by the kafka bridge).
	SourceChannelID string
}

// Clone returns a deep copy of m so routing can rewrite per-subscriber
// headers without mutating the original.
func (m Message) Clone() Message {
	return Message{
		Command:         m.Command,
		Headers:         m.Headers.Clone(),
		Body:            append([]byte(nil), m.Body...),
		SourceChannelID: m.SourceChannelID,
	}
}
