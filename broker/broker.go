package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coldbox-modules/socketbox/stomp"
)

// AuthenticateFunc is the application-supplied hook run on CONNECT/STOMP.
// metadataOut is populated by the hook and flattened onto CONNECTED as
// "connectionMetadata-*" headers on success (spec.md §1, §4.4 — an
// external collaborator, not implemented by this module).
type AuthenticateFunc func(login, passcode, host string, channel Channel, metadataOut map[string]string) bool

// AuthorizeFunc is the application-supplied hook run on SEND/SUBSCRIBE.
// action is "write" or "read" (spec.md §4.4).
type AuthorizeFunc func(login, exchangeName, tail, action string, channel Channel, metadata map[string]string) bool

// Broadcaster is the narrow surface the Broker needs from the cluster
// layer: whether clustering is enabled, and how to wrap+fan a SEND out
// to every peer (spec.md §9 Design Notes: break the Broker<->
// ClusterManager cycle with a narrow interface). A nil Broadcaster
// behaves as permanently disabled.
type Broadcaster interface {
	Enabled() bool
	BroadcastSTOMP(destination string, headers stomp.Headers, body []byte)
}

// Config holds the broker-level settings recognized from spec.md §6.
type Config struct {
	HeartBeatMS int
	ClusterName string // used as the "host" header on CONNECTED; "<unknown>" if empty
}

// Broker owns connections, the subscription table, and the exchange
// graph. It implements the STOMP command dispatcher (spec.md §4.4).
type Broker struct {
	cfg Config
	log zerolog.Logger

	authenticate AuthenticateFunc
	authorize    AuthorizeFunc
	broadcaster  Broadcaster

	mu        sync.RWMutex
	exchanges map[string]Exchange

	subs        *SubscriptionTable
	connections sync.Map // channelID -> *Connection
}

// New builds a Broker with the default "direct" exchange always present
// (spec.md §6: "A default direct exchange always exists even if
// omitted.").
func New(cfg Config, authenticate AuthenticateFunc, authorize AuthorizeFunc, log zerolog.Logger) *Broker {
	b := &Broker{
		cfg:          cfg,
		log:          log,
		authenticate: authenticate,
		authorize:    authorize,
		exchanges:    make(map[string]Exchange),
		subs:         NewSubscriptionTable(),
	}
	b.exchanges[string(ClassDirect)] = NewDirectExchange(string(ClassDirect), nil)
	return b
}

// SetBroadcaster wires the cluster layer in after construction, breaking
// the Broker<->ClusterManager constructor cycle (spec.md §9).
func (b *Broker) SetBroadcaster(bc Broadcaster) {
	b.broadcaster = bc
}

// RegisterExchange adds or replaces an exchange by name. Used at
// configure time and by Reconfigure (spec.md §9: debug-mode reload
// preserves subscriptions/connections).
func (b *Broker) RegisterExchange(ex Exchange) {
	b.mu.Lock()
	b.exchanges[ex.Name()] = ex
	b.mu.Unlock()
}

// RegisterInternal adds a server-side subscription invoked in place of
// a MESSAGE frame delivery (spec.md §3, §9). destination is keyed the
// same way DeliverLocal looks subscribers up: by the exchange-stripped
// tail, so an internal subscription on "direct/metrics" matches a SEND
// to "direct/metrics" exactly like a channel subscription would.
func (b *Broker) RegisterInternal(destination, id string, cb InternalCallback) {
	_, tail := ParseDestination(destination)
	b.subs.Add(tail, Subscription{
		Kind:           SubscriptionInternal,
		SubscriptionID: "internal-" + id,
		Callback:       cb,
	})
}

func (b *Broker) exchangeFor(name string) (Exchange, bool) {
	b.mu.RLock()
	ex, ok := b.exchanges[name]
	b.mu.RUnlock()
	return ex, ok
}

// --- Frame dispatch -----------------------------------------------------

// Handle dispatches one inbound STOMP frame from channel. A rejected
// frame is answered with an ERROR frame; Handle returns only the error,
// if any, from writing a reply frame, and never closes the transport.
func (b *Broker) Handle(channel Channel, msg stomp.Message) error {
	switch msg.Command {
	case stomp.CmdConnect, stomp.CmdStomp:
		return b.handleConnect(channel, msg)
	case stomp.CmdSend:
		return b.handleSend(channel, msg)
	case stomp.CmdSubscribe:
		return b.handleSubscribe(channel, msg)
	case stomp.CmdUnsubscribe:
		return b.handleUnsubscribe(channel, msg)
	case stomp.CmdDisconnect:
		return b.handleDisconnect(channel, msg)
	case stomp.CmdAck, stomp.CmdNack, stomp.CmdBegin, stomp.CmdCommit, stomp.CmdAbort:
		return b.handleNoopAcknowledged(channel, msg)
	default:
		return b.sendError(channel, "unsupported command", "", "command "+msg.Command+" is not recognized")
	}
}

func (b *Broker) handleConnect(channel Channel, msg stomp.Message) error {
	login, _ := msg.Headers.Get(stomp.HdrLogin)
	passcode, _ := msg.Headers.Get(stomp.HdrPasscode)
	host, _ := msg.Headers.Get(stomp.HdrHost)

	metadata := make(map[string]string)
	ok := true
	if b.authenticate != nil {
		ok = b.authenticate(login, passcode, host, channel, metadata)
	}
	if !ok {
		return b.sendError(channel, "authentication failed", "", "CONNECT rejected")
	}

	conn := &Connection{
		Channel:     channel,
		Login:       login,
		ConnectDate: time.Now(),
		SessionID:   channel.ID(),
		Metadata:    metadata,
	}
	b.connections.Store(channel.ID(), conn)

	heartBeat := fmt.Sprintf("%d,%d", b.cfg.HeartBeatMS, b.cfg.HeartBeatMS)
	clusterHost := b.cfg.ClusterName
	if clusterHost == "" {
		clusterHost = "<unknown>"
	}
	return channel.Send(stomp.NewConnected(conn.SessionID, clusterHost, heartBeat, metadata))
}

func (b *Broker) connectionFor(channel Channel) (*Connection, bool) {
	v, ok := b.connections.Load(channel.ID())
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

func (b *Broker) handleSend(channel Channel, msg stomp.Message) error {
	dest, ok := msg.Headers.Get(stomp.HdrDestination)
	if !ok {
		return b.sendError(channel, "destination required", receiptOf(msg), "SEND requires a destination header")
	}
	exchangeName, tail := ParseDestination(dest)

	conn, _ := b.connectionFor(channel)
	login, metadata := "", map[string]string(nil)
	if conn != nil {
		login, metadata = conn.Login, conn.Metadata
	}
	if b.authorize != nil && !b.authorize(login, exchangeName, tail, "write", channel, metadata) {
		return b.sendError(channel, "authorization failed", receiptOf(msg), "not authorized to write to "+dest)
	}

	headers := toRoutedHeaders(msg.Headers)
	headers[stomp.HdrPublisherID] = channel.ID()

	routed := RoutedMessage{
		Command:     stomp.CmdSend,
		Headers:     headers,
		Body:        msg.Body,
		PublisherID: channel.ID(),
	}
	if err := b.RouteMessage(dest, routed, 0); err != nil {
		b.log.Warn().Err(err).Str("destination", dest).Msg("routing failed")
	}
	if b.broadcaster != nil && b.broadcaster.Enabled() {
		b.broadcaster.BroadcastSTOMP(dest, msg.Headers.Clone(), msg.Body)
	}

	if receipt, ok := msg.Headers.Get(stomp.HdrReceipt); ok {
		return channel.Send(stomp.NewReceipt(receipt))
	}
	return nil
}

func (b *Broker) handleSubscribe(channel Channel, msg stomp.Message) error {
	id, ok := msg.Headers.Get(stomp.HdrID)
	if !ok {
		return b.sendError(channel, "id required", receiptOf(msg), "SUBSCRIBE requires an id header")
	}
	dest, ok := msg.Headers.Get(stomp.HdrDestination)
	if !ok {
		return b.sendError(channel, "destination required", receiptOf(msg), "SUBSCRIBE requires a destination header")
	}
	ack, ok := msg.Headers.Get(stomp.HdrAck)
	if !ok {
		ack = stomp.AckAuto
	}

	exchangeName, tail := ParseDestination(dest)
	conn, _ := b.connectionFor(channel)
	login, metadata := "", map[string]string(nil)
	if conn != nil {
		login, metadata = conn.Login, conn.Metadata
	}
	if b.authorize != nil && !b.authorize(login, exchangeName, tail, "read", channel, metadata) {
		return b.sendError(channel, "authorization failed", receiptOf(msg), "not authorized to read from "+dest)
	}

	// Keyed by tail, not the full dest: once a message re-enters the
	// exchange graph, RouteMessage/DeliverLocal only ever see the
	// exchange-stripped tail, so the Subscription Table has to agree on
	// the same key or a "direct/room" subscription would never match a
	// delivery to "room".
	b.subs.Add(tail, Subscription{
		Kind:           SubscriptionChannel,
		Channel:        channel,
		ChannelID:      channel.ID(),
		SubscriptionID: id,
		Ack:            ack,
	})

	if receipt, ok := msg.Headers.Get(stomp.HdrReceipt); ok {
		return channel.Send(stomp.NewReceipt(receipt))
	}
	return nil
}

func (b *Broker) handleUnsubscribe(channel Channel, msg stomp.Message) error {
	id, ok := msg.Headers.Get(stomp.HdrID)
	if ok {
		// Unsubscribe only needs the destination to find the bucket; a
		// client might not send it, so fall back to scanning is not
		// attempted here — STOMP 1.2 clients are expected to send the
		// destination on UNSUBSCRIBE. When absent, this is a no-op
		// (idempotent, spec.md §8).
		if dest, ok := msg.Headers.Get(stomp.HdrDestination); ok {
			_, tail := ParseDestination(dest)
			b.subs.Remove(tail, channel.ID()+":"+id)
		}
	}
	if receipt, ok := msg.Headers.Get(stomp.HdrReceipt); ok {
		return channel.Send(stomp.NewReceipt(receipt))
	}
	return nil
}

func (b *Broker) handleDisconnect(channel Channel, msg stomp.Message) error {
	b.Disconnect(channel)
	if receipt, ok := msg.Headers.Get(stomp.HdrReceipt); ok {
		return channel.Send(stomp.NewReceipt(receipt))
	}
	return nil
}

// ReceiveRebroadcast re-enters the exchange graph for a message received
// from a peer, with rebroadcasting disabled so cluster traffic can never
// loop back out again (spec.md §4.4, routeMessage rebroadcast=false;
// §4.5, incoming __STOMP_message_rebroadcast__).
func (b *Broker) ReceiveRebroadcast(destination string, headers stomp.Headers, body []byte) error {
	routed := RoutedMessage{Command: stomp.CmdSend, Headers: toRoutedHeaders(headers), Body: body}
	return b.RouteMessage(destination, routed, 0)
}

// IngestExternal re-enters the exchange graph for a message that did not
// arrive over a STOMP connection (records fed in by the kafka bridge),
// treating it exactly like a SEND: routed locally and,
// if clustering is enabled, rebroadcast to every peer so the record is
// not re-consumed per node (spec.md §4.9).
func (b *Broker) IngestExternal(destination string, headers map[string]string, body []byte) error {
	routed := RoutedMessage{Command: stomp.CmdSend, Headers: headers, Body: body}
	err := b.RouteMessage(destination, routed, 0)
	if b.broadcaster != nil && b.broadcaster.Enabled() {
		hdrs := make(stomp.Headers, 0, len(headers)*2)
		for k, v := range headers {
			hdrs = hdrs.Set(k, v)
		}
		b.broadcaster.BroadcastSTOMP(destination, hdrs, body)
	}
	return err
}

// Disconnect removes every subscription and connection record for
// channel (spec.md §4.4, used both for DISCONNECT and transport close).
func (b *Broker) Disconnect(channel Channel) {
	b.subs.RemoveByChannel(channel.ID())
	b.connections.Delete(channel.ID())
}

// ACK/NACK/BEGIN/COMMIT/ABORT are parsed and RECEIPTed with no
// redelivery or transaction semantics (spec.md §4.4, §9 Open Question c).
func (b *Broker) handleNoopAcknowledged(channel Channel, msg stomp.Message) error {
	if receipt, ok := msg.Headers.Get(stomp.HdrReceipt); ok {
		return channel.Send(stomp.NewReceipt(receipt))
	}
	return nil
}

func receiptOf(msg stomp.Message) string {
	v, _ := msg.Headers.Get(stomp.HdrReceipt)
	return v
}

func toRoutedHeaders(h stomp.Headers) map[string]string {
	m := make(map[string]string, len(h)/2)
	for i := 0; i+1 < len(h); i += 2 {
		m[h[i]] = h[i+1]
	}
	return m
}

// sendError emits an ERROR frame and returns the error, if any, from
// writing it (spec.md §4.4). It neither pauses nor closes the
// transport, and the caller in cmd/socketbox does not close it after an
// ERROR frame either: the connection stays open until the client or the
// transport ends it.
func (b *Broker) sendError(channel Channel, message, receiptID, detail string) error {
	return channel.Send(stomp.NewError(message, receiptID, detail))
}

// --- Router implementation (spec.md §4.2, exchange re-entry) -----------

// RouteMessage parses destination and re-enters the matching exchange.
// hop is the current re-entry depth; exceeding HopLimit drops the
// message and logs an error instead of recursing further (spec.md §4.2,
// re-entry safety).
func (b *Broker) RouteMessage(destination string, msg RoutedMessage, hop int) error {
	if hop > HopLimit {
		b.log.Error().Str("destination", destination).Int("hop", hop).Msg("exchange hop limit exceeded, dropping message")
		return ErrHopLimitExceeded
	}
	exchangeName, tail := ParseDestination(destination)
	ex, ok := b.exchangeFor(exchangeName)
	if !ok {
		// Re-entry on an undefined exchange is silently dropped
		// (spec.md §8, boundary behavior).
		return nil
	}
	return ex.Route(hopRouter{b, hop + 1}, tail, msg)
}

// hopRouter adapts Broker to the Router interface exchanges see, closing
// over the current hop depth so every re-entry increments it.
type hopRouter struct {
	b   *Broker
	hop int
}

func (r hopRouter) DeliverLocal(destination string, msg RoutedMessage) {
	r.b.DeliverLocal(destination, msg)
}

func (r hopRouter) RouteMessage(destination string, msg RoutedMessage) error {
	return r.b.RouteMessage(destination, msg, r.hop)
}

// DeliverLocal sends msg to every live subscriber of destination: a
// MESSAGE frame for channel-backed subscriptions, a synchronous
// callback invocation for internal ones (spec.md §4.2, Direct step 1).
// Errors delivering to one subscriber are logged and swallowed so a
// single bad channel never blocks delivery to the rest (spec.md §7,
// propagation policy).
func (b *Broker) DeliverLocal(destination string, msg RoutedMessage) {
	b.subs.Each(destination, func(sub Subscription) {
		switch sub.Kind {
		case SubscriptionInternal:
			if sub.Callback != nil {
				sub.Callback(routedToMessage(destination, msg))
			}
		case SubscriptionChannel:
			frame := stomp.NewMessageFrame(destination, sub.SubscriptionID, uuid.NewString(), msg.Body, routedHeadersToStomp(msg.Headers))
			if err := sub.Channel.Send(frame); err != nil {
				b.log.Warn().Err(err).Str("destination", destination).Str("channel", sub.ChannelID).Msg("failed to deliver MESSAGE frame")
			}
		}
	})
}

func routedToMessage(destination string, msg RoutedMessage) stomp.Message {
	return stomp.Message{
		Command: msg.Command,
		Headers: routedHeadersToStomp(msg.Headers),
		Body:    msg.Body,
	}
}

func routedHeadersToStomp(h map[string]string) stomp.Headers {
	out := make(stomp.Headers, 0, len(h)*2)
	for k, v := range h {
		out = append(out, k, v)
	}
	return out
}
