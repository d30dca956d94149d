// Package cluster implements the optional multi-node broker mesh:
// cache-backed peer discovery, a weak leader election, classified inbound
// links, rebroadcast, and request/response RPC between nodes (spec.md
// §4.5-§4.7). None of it runs unless cluster.enable is set; a disabled
// Manager has no peers, so its cluster-only calls find none.
package cluster

import (
	"errors"
	"time"

	"github.com/coldbox-modules/socketbox/stomp"
)

// ErrClusterDisabled is the error value for a cluster-only API called
// while clustering is off (spec.md §7, ClusterDisabled). No call in
// this package returns it.
var ErrClusterDisabled = errors.New("cluster: disabled")

// ErrPeerNotFound is returned by RPCRequest when the named peer has no
// live link and no defaultValue was supplied (spec.md §4.7).
var ErrPeerNotFound = errors.New("cluster: peer not found")

// ErrRPCTimeout is returned by RPCRequest when no response for a
// correlation id arrives within the deadline and no defaultValue was
// supplied (spec.md §4.7).
var ErrRPCTimeout = errors.New("cluster: rpc timeout")

// BrokerSink is the narrow surface the Cluster Manager needs from the
// Broker: re-entering the exchange graph for an inbound rebroadcast,
// with further cluster fan-out disabled (spec.md §9 Design Notes,
// mirrors broker.Broadcaster for the opposite direction of the same
// cyclic collaboration).
type BrokerSink interface {
	ReceiveRebroadcast(destination string, headers stomp.Headers, body []byte) error
}

// InboundLink is a single accepted WebSocket classified by the Manager
// as self, management, or a regular STOMP client (spec.md §4.5, Peer
// classification). It is deliberately narrower than broker.Channel: the
// Manager only ever needs to push raw text, never a parsed stomp.Message,
// since rebroadcast envelopes are opaque payloads on the wire.
type InboundLink interface {
	ID() string
	SendText(text string) error
}

// ChannelClass names which of the three disjoint buckets an inbound
// link was classified into (spec.md §8, invariant 3: pairwise disjoint
// by channelHash).
type ChannelClass int

const (
	// ClassRegular is an ordinary STOMP client: no management header
	// presented, delivered to by broadcastMessage.
	ClassRegular ChannelClass = iota
	// ClassManagement is a peer's inbound connection to us: the secret
	// matched and the advertised name differs from our own.
	ClassManagement
	// ClassSelf is our own advertised URL routing back to us: the
	// secret matched and the advertised name equals our own. Messages
	// on a self link are ignored entirely to prevent loops.
	ClassSelf
)

// ClassifyChannel inspects the upgrade headers of an accepted peer
// connection and decides which of the three buckets it belongs to
// (spec.md §4.5, Peer classification (inbound); §6, Cluster upgrade
// headers). peerName is only meaningful when class is ClassManagement.
func ClassifyChannel(managementHeader, nameHeader, secretKey, myName string) (class ChannelClass, peerName string) {
	if managementHeader == "" || managementHeader != secretKey {
		return ClassRegular, ""
	}
	if nameHeader == myName {
		return ClassSelf, ""
	}
	return ClassManagement, nameHeader
}

// Peer records what the Manager knows about one named peer: its
// outbound link (nil until connected) and when it last proved liveness.
type Peer struct {
	Name     string
	Link     *PeerLink
	LastSeen time.Time
}

// Connected reports whether the outbound peer link is currently usable.
func (p *Peer) Connected() bool {
	return p != nil && p.Link != nil && p.Link.IsConnectionOpen()
}
