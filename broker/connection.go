package broker

import "time"

// Connection is the broker-level state for one authenticated channel
// (spec.md §3, Connection). It is created after authenticate succeeds
// and destroyed on DISCONNECT, transport close, or a detected dead
// channel.
type Connection struct {
	Channel     Channel
	Login       string
	ConnectDate time.Time
	SessionID   string
	Metadata    map[string]string
}
