package broker

import "github.com/coldbox-modules/socketbox/stomp"

// Channel abstracts one connected transport (a WebSocket upgraded to
// STOMP). The transport itself — accept, frame decode, ping/pong — is
// out of scope for this module (spec.md §1); the broker only needs to
// be able to identify a channel and hand it an outbound frame.
type Channel interface {
	// ID is a stable identifier for this channel, used as a connection's
	// sessionID and as the ChannelID half of a subscription key
	// (spec.md §3, Connection: sessionID = hash(channel)).
	ID() string

	// Send serializes and writes msg to the transport. Implementations
	// must serialize concurrent Send calls themselves (spec.md §5,
	// per-link mutex).
	Send(msg stomp.Message) error
}
