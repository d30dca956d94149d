package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coldbox-modules/socketbox/cache"
	"github.com/coldbox-modules/socketbox/stomp"
)

// Management envelope tags recognized on peer links (spec.md §6).
const (
	EnvelopeMessageRebroadcast      = "__message_rebroadcast__"
	EnvelopeSTOMPMessageRebroadcast = "__STOMP_message_rebroadcast__"
	EnvelopePeerDiscovered          = "__peer_discovered__"
)

// Config holds the cluster.* settings recognized from spec.md §6.
type Config struct {
	Enable                       bool
	Name                         string // self-URL; identity and self-link detection
	SecretKey                    string
	Peers                        []string
	CachePrefix                  string
	PeerConnectionTimeoutSeconds int
	PeerIdleTimeoutSeconds       int
	DefaultRPCTimeoutSeconds     int
}

func (c Config) peerConnectionTimeout() time.Duration {
	if c.PeerConnectionTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.PeerConnectionTimeoutSeconds) * time.Second
}

func (c Config) peerIdleTimeout() time.Duration {
	if c.PeerIdleTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.PeerIdleTimeoutSeconds) * time.Second
}

func (c Config) defaultRPCTimeout() time.Duration {
	if c.DefaultRPCTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.DefaultRPCTimeoutSeconds) * time.Second
}

type stompRebroadcastWire struct {
	Destination string            `json:"destination"`
	MessageData string            `json:"messageData"`
	Headers     map[string]string `json:"headers"`
}

// Manager is the Cluster Manager (spec.md §4.5): cache-backed discovery,
// adaptive scheduling, weak leader election, peer classification,
// rebroadcast, and the RPC Coordinator wired to the same peer links.
type Manager struct {
	cfg   Config
	cache cache.Provider
	sink  BrokerSink
	log   zerolog.Logger
	RPC   *RPCCoordinator

	peersMu sync.RWMutex
	peers   map[string]*Peer // peerConnections, keyed by peer URL/name

	selfChannels       sync.Map // channelHash -> InboundLink
	managementChannels sync.Map // channelHash -> InboundLink
	channels           sync.Map // channelHash -> InboundLink

	stateMu    sync.Mutex
	lastChange time.Time
	isManager  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a disabled-by-default Manager. Call Start to run the
// discovery loop; every method is safe to call on a disabled Manager.
// No method returns ErrClusterDisabled: a disabled Manager has no
// peers, so RPC requests fail with ErrPeerNotFound (or return their
// defaultValue) and RPCClusterRequest returns an empty map.
func New(cfg Config, cacheProvider cache.Provider, sink BrokerSink, log zerolog.Logger) *Manager {
	m := &Manager{
		cfg:        cfg,
		cache:      cacheProvider,
		sink:       sink,
		log:        log.With().Str("component", "cluster").Logger(),
		peers:      make(map[string]*Peer),
		lastChange: time.Now(),
	}
	m.RPC = NewRPCCoordinator(cfg.Name, m, func() int { return m.connectionCount() }, nil, log)
	return m
}

// Enabled implements broker.Broadcaster.
func (m *Manager) Enabled() bool { return m.cfg.Enable }

// BroadcastSTOMP implements broker.Broadcaster: wraps a routed SEND as a
// __STOMP_message_rebroadcast__ envelope and fans it to every peer
// (spec.md §4.5, Rebroadcast).
func (m *Manager) BroadcastSTOMP(destination string, headers stomp.Headers, body []byte) {
	if !m.cfg.Enable {
		return
	}
	hdrs := make(map[string]string, len(headers)/2)
	for i := 0; i+1 < len(headers); i += 2 {
		hdrs[headers[i]] = headers[i+1]
	}
	payload, err := json.Marshal(stompRebroadcastWire{Destination: destination, MessageData: string(body), Headers: hdrs})
	if err != nil {
		m.log.Warn().Err(err).Msg("encode stomp rebroadcast envelope")
		return
	}
	m.broadcastManagementMessage(EnvelopeSTOMPMessageRebroadcast+string(payload), "")
}

// Start launches the periodic discovery loop. A no-op when clustering
// is disabled.
func (m *Manager) Start(ctx context.Context) {
	if !m.cfg.Enable {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.runLoop()
	for _, p := range m.cfg.Peers {
		m.ensurePeer(p)
	}
}

// Shutdown flips the manager key empty, best-effort removes this node
// from the peer list, and closes every peer link, swallowing errors
// individually (spec.md §4.5, Shutdown).
func (m *Manager) Shutdown() {
	if !m.cfg.Enable {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	_ = m.cache.Set(context.Background(), m.managerKey(), "")
	for attempt := 0; attempt < 2; attempt++ {
		if m.removeSelfFromPeerList(context.Background()) == nil {
			break
		}
	}

	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	for name, p := range m.peers {
		if p.Link != nil {
			if err := p.Link.Close(); err != nil {
				m.log.Warn().Err(err).Str("peer", name).Msg("close peer link during shutdown")
			}
		}
	}
}

func (m *Manager) runLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	nextOuterRun := time.Now()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			if err := m.cache.Set(m.ctx, m.checkinKey(m.cfg.Name), strconv.FormatInt(now.Unix(), 10)); err != nil {
				m.log.Warn().Err(err).Msg("cluster checkin write failed")
			}
			if now.Before(nextOuterRun) {
				continue
			}
			m.runOuterTick()
			nextOuterRun = now.Add(m.currentDelay())
		}
	}
}

// runOuterTick implements one outer-delay cycle (spec.md §4.5,
// Discovery via shared cache: steps a-d).
func (m *Manager) runOuterTick() {
	if err := m.ensureSelfInPeerList(); err != nil {
		m.log.Warn().Err(err).Msg("ensure self in peer list")
	}
	m.reapStalePeers()
	m.reconcilePeers()
	m.electLeader()
}

// currentDelay implements adaptive scheduling: the outer delay resets
// to ~2s on any change and grows to 5/10/30/60s as the cluster
// stabilizes (spec.md §4.5, Adaptive scheduling).
func (m *Manager) currentDelay() time.Duration {
	m.stateMu.Lock()
	since := time.Since(m.lastChange)
	m.stateMu.Unlock()

	switch {
	case since < 10*time.Second:
		return 2*time.Second + time.Duration(rand.Intn(2001))*time.Millisecond
	case since < 30*time.Second:
		return 5 * time.Second
	case since < 60*time.Second:
		return 10 * time.Second
	case since < 300*time.Second:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}

// clusterUpdated marks that something changed (connect, disconnect,
// error), resetting the adaptive delay back to its fast regime.
func (m *Manager) clusterUpdated() {
	m.stateMu.Lock()
	m.lastChange = time.Now()
	m.stateMu.Unlock()
}

// --- Cache-backed peer list -------------------------------------------

func (m *Manager) peersListKey() string  { return m.cfg.CachePrefix + "socketbox-cluster-peers" }
func (m *Manager) checkinKey(name string) string {
	return m.cfg.CachePrefix + "socketbox-cluster-peers-" + name
}
func (m *Manager) managerKey() string { return m.cfg.CachePrefix + "socketbox-cluster-peers-manager" }

func (m *Manager) readPeerList() ([]string, error) {
	raw, found, err := m.cache.Get(context.Background(), m.peersListKey())
	if err != nil || !found || raw == "" {
		return nil, err
	}
	return strings.Split(raw, "\n"), nil
}

func (m *Manager) writePeerList(names []string) error {
	return m.cache.Set(context.Background(), m.peersListKey(), strings.Join(names, "\n"))
}

// ensureSelfInPeerList performs a read-modify-write with retries and
// jittered backoff, tolerating non-atomic cache writes (spec.md §4.5
// step a; §5, cache provider writes are non-atomic).
func (m *Manager) ensureSelfInPeerList() error {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		names, err := m.readPeerList()
		if err != nil {
			return err
		}
		if containsString(names, m.cfg.Name) {
			return nil
		}
		if err := m.writePeerList(append(names, m.cfg.Name)); err != nil {
			return err
		}
		names, err = m.readPeerList()
		if err == nil && containsString(names, m.cfg.Name) {
			return nil
		}
		time.Sleep(time.Duration(1000+rand.Intn(2000)) * time.Millisecond)
	}
	return fmt.Errorf("cluster: could not converge self into peer list after %d attempts", maxAttempts)
}

func (m *Manager) removeSelfFromPeerList(ctx context.Context) error {
	names, err := m.readPeerList()
	if err != nil {
		return err
	}
	out := names[:0]
	for _, n := range names {
		if n != m.cfg.Name {
			out = append(out, n)
		}
	}
	return m.writePeerList(out)
}

// reapStalePeers drops any peer whose checkin is older than
// peerIdleTimeoutSeconds from the shared cache list (spec.md §4.5 step b).
func (m *Manager) reapStalePeers() {
	names, err := m.readPeerList()
	if err != nil {
		m.log.Warn().Err(err).Msg("read peer list for reaping")
		return
	}
	idle := m.cfg.peerIdleTimeout()
	now := time.Now()
	kept := names[:0]
	for _, name := range names {
		raw, found, err := m.cache.Get(context.Background(), m.checkinKey(name))
		if err != nil || !found {
			continue
		}
		epoch, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if now.Sub(time.Unix(epoch, 0)) > idle {
			_ = m.cache.Clear(context.Background(), m.checkinKey(name))
			m.clusterUpdated()
			continue
		}
		kept = append(kept, name)
	}
	if len(kept) != len(names) {
		if err := m.writePeerList(kept); err != nil {
			m.log.Warn().Err(err).Msg("write reaped peer list")
		}
	}
}

// reconcilePeers unions the static config peer list with the cache's
// discovered list, strips self, and diffs against peerConnections:
// connect what's missing, disconnect what's no longer desired, reap
// links that report closed (spec.md §4.5 step c).
func (m *Manager) reconcilePeers() {
	discovered, err := m.readPeerList()
	if err != nil {
		m.log.Warn().Err(err).Msg("read peer list for reconciliation")
		discovered = nil
	}
	desired := make(map[string]struct{})
	for _, n := range append(append([]string{}, m.cfg.Peers...), discovered...) {
		if n != "" && n != m.cfg.Name {
			desired[n] = struct{}{}
		}
	}

	m.peersMu.RLock()
	var toDisconnect []string
	for name, p := range m.peers {
		if _, want := desired[name]; !want {
			toDisconnect = append(toDisconnect, name)
			continue
		}
		if !p.Connected() {
			toDisconnect = append(toDisconnect, name)
		}
	}
	var toConnect []string
	for name := range desired {
		if _, have := m.peers[name]; !have {
			toConnect = append(toConnect, name)
		}
	}
	m.peersMu.RUnlock()

	for _, name := range toDisconnect {
		m.dropPeer(name)
	}
	for _, name := range toConnect {
		m.ensurePeer(name)
	}
}

// ensurePeer connects to name if we have no live link to it yet.
// Triggered both by reconciliation and by an incoming
// __peer_discovered__ envelope (spec.md §4.5, §6).
func (m *Manager) ensurePeer(name string) {
	if name == "" || name == m.cfg.Name {
		return
	}
	m.peersMu.Lock()
	if p, ok := m.peers[name]; ok && p.Connected() {
		m.peersMu.Unlock()
		return
	}
	m.peers[name] = &Peer{Name: name}
	m.peersMu.Unlock()

	go m.connectPeer(name)
}

func (m *Manager) connectPeer(name string) {
	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	link, err := DialPeer(ctx, name, m.cfg.Name, m.cfg.SecretKey, m.cfg.peerConnectionTimeout(), m.log)
	if err != nil {
		m.log.Info().Err(err).Str("peer", name).Msg("peer connect failed, will retry on next tick")
		m.clusterUpdated()
		return
	}

	m.peersMu.Lock()
	m.peers[name] = &Peer{Name: name, Link: link, LastSeen: time.Now()}
	m.peersMu.Unlock()
	m.clusterUpdated()

	link.readLoop(ctx, func(text string) {
		m.handlePeerText(name, text)
	}, func() {
		m.dropPeer(name)
	})
}

func (m *Manager) dropPeer(name string) {
	m.peersMu.Lock()
	p, ok := m.peers[name]
	delete(m.peers, name)
	m.peersMu.Unlock()
	if ok && p.Link != nil {
		_ = p.Link.Close()
	}
	m.clusterUpdated()
}

// electLeader implements the weak leader election (spec.md §4.5, Leader
// election): the first reader of the manager key claims it if it is
// empty or names a peer we are not connected to and that is not self.
func (m *Manager) electLeader() {
	value, found, err := m.cache.Get(context.Background(), m.managerKey())
	if err != nil {
		m.log.Warn().Err(err).Msg("read manager key")
		return
	}
	shouldClaim := !found || value == ""
	if !shouldClaim && value != m.cfg.Name {
		shouldClaim = !m.PeerConnected(value)
	}
	if !shouldClaim {
		m.stateMu.Lock()
		m.isManager = value == m.cfg.Name
		m.stateMu.Unlock()
		return
	}
	if err := m.cache.Set(context.Background(), m.managerKey(), m.cfg.Name); err != nil {
		m.log.Warn().Err(err).Msg("claim manager key")
		return
	}
	m.stateMu.Lock()
	m.isManager = true
	m.stateMu.Unlock()
}

// IsManager reports whether this node currently believes it holds the
// weak-elected manager role.
func (m *Manager) IsManager() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.isManager
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// --- PeerSender (for RPCCoordinator) -----------------------------------

func (m *Manager) SendToPeer(peerName, text string) error {
	m.peersMu.RLock()
	p, ok := m.peers[peerName]
	m.peersMu.RUnlock()
	if !ok || !p.Connected() {
		return ErrPeerNotFound
	}
	return p.Link.SendText(text)
}

func (m *Manager) PeerConnected(peerName string) bool {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	p, ok := m.peers[peerName]
	return ok && p.Connected()
}

// connectedPeerNames lists every peer with a currently usable link, for
// RPCClusterRequest fan-out and broadcastManagementMessage.
func (m *Manager) connectedPeerNames() []string {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	names := make([]string, 0, len(m.peers))
	for name, p := range m.peers {
		if p.Connected() {
			names = append(names, name)
		}
	}
	return names
}

func (m *Manager) connectionCount() int {
	count := 0
	m.channels.Range(func(_, _ interface{}) bool { count++; return true })
	return count
}

// --- Inbound classification --------------------------------------------

// ClassifyAndRegister classifies an accepted connection by its upgrade
// headers and registers it in the matching bucket (spec.md §4.5, Peer
// classification (inbound); §8, invariant 3: the three maps are
// pairwise disjoint by channelHash, enforced here since a link is
// stored in exactly one of the three syncMaps).
func (m *Manager) ClassifyAndRegister(link InboundLink, managementHeader, nameHeader string) ChannelClass {
	class, _ := ClassifyChannel(managementHeader, nameHeader, m.cfg.SecretKey, m.cfg.Name)
	switch class {
	case ClassSelf:
		m.selfChannels.Store(link.ID(), link)
	case ClassManagement:
		m.managementChannels.Store(link.ID(), link)
	default:
		m.channels.Store(link.ID(), link)
	}
	return class
}

// Unregister removes an inbound link from whichever bucket it is in,
// called when its transport closes.
func (m *Manager) Unregister(channelID string) {
	m.selfChannels.Delete(channelID)
	m.managementChannels.Delete(channelID)
	m.channels.Delete(channelID)
}

// --- Rebroadcast ---------------------------------------------------------

// broadcastManagementMessage sends text over every connected peer link
// except excludePeer (spec.md §4.5, Rebroadcast). Self-links never
// appear in peerConnections (reconcilePeers strips self), so no
// separate exclusion is needed for them.
func (m *Manager) broadcastManagementMessage(text, excludePeer string) {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	for name, p := range m.peers {
		if name == excludePeer || !p.Connected() {
			continue
		}
		if err := p.Link.SendText(text); err != nil {
			m.log.Warn().Err(err).Str("peer", name).Msg("broadcast management message")
		}
	}
}

// BroadcastMessage sends text to every local regular channel; when
// rebroadcast is true it additionally wraps and fans the message out
// cluster-wide (spec.md §4.5, Rebroadcast).
func (m *Manager) BroadcastMessage(text string, rebroadcast bool) {
	m.channels.Range(func(_, v interface{}) bool {
		link := v.(InboundLink)
		if err := link.SendText(text); err != nil {
			m.log.Warn().Err(err).Str("channel", link.ID()).Msg("local broadcast send")
		}
		return true
	})
	if rebroadcast {
		m.broadcastManagementMessage(EnvelopeMessageRebroadcast+text, "")
	}
}

// HandleInboundText dispatches one text frame received on an accepted
// management-class connection (a peer dialing into us, rather than a
// link we dialed out). Regular and self-class connections never call
// this; the accept loop routes regular frames to the Broker and
// discards self-class traffic entirely (spec.md §4.5, Peer
// classification: "messages on a self link are ignored entirely").
func (m *Manager) HandleInboundText(fromPeer, text string) {
	m.handlePeerText(fromPeer, text)
}

// handlePeerText dispatches one text frame received on a peer link by
// its envelope tag (spec.md §6, Management envelope tags).
func (m *Manager) handlePeerText(fromPeer, text string) {
	switch {
	case strings.HasPrefix(text, EnvelopeMessageRebroadcast):
		m.BroadcastMessage(strings.TrimPrefix(text, EnvelopeMessageRebroadcast), false)
	case strings.HasPrefix(text, EnvelopeSTOMPMessageRebroadcast):
		m.handleSTOMPRebroadcast(strings.TrimPrefix(text, EnvelopeSTOMPMessageRebroadcast))
	case strings.HasPrefix(text, EnvelopePeerDiscovered):
		m.ensurePeer(strings.TrimPrefix(text, EnvelopePeerDiscovered))
	case strings.HasPrefix(text, EnvelopeRPCRequest):
		m.RPC.HandleRequestEnvelope(strings.TrimPrefix(text, EnvelopeRPCRequest))
	case strings.HasPrefix(text, EnvelopeRPCResponse):
		m.RPC.HandleResponseEnvelope(strings.TrimPrefix(text, EnvelopeRPCResponse))
	default:
		m.log.Debug().Str("peer", fromPeer).Msg("unrecognized management envelope, ignored")
	}
}

func (m *Manager) handleSTOMPRebroadcast(body string) {
	var wire stompRebroadcastWire
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		m.log.Warn().Err(err).Msg("malformed stomp rebroadcast envelope")
		return
	}
	headers := stomp.Headers{}
	for k, v := range wire.Headers {
		headers = headers.Set(k, v)
	}
	if err := m.sink.ReceiveRebroadcast(wire.Destination, headers, []byte(wire.MessageData)); err != nil {
		m.log.Warn().Err(err).Str("destination", wire.Destination).Msg("apply stomp rebroadcast")
	}
}

// RPCClusterRequest issues operation to every connected peer
// concurrently (spec.md §4.7).
func (m *Manager) RPCClusterRequest(operation string, args map[string]interface{}, timeout time.Duration, defaultValue interface{}) map[string]RPCResult {
	return m.RPC.RPCClusterRequest(m.connectedPeerNames(), operation, args, timeout, defaultValue)
}
