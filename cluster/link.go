package cluster

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// PeerLink wraps one outbound WebSocket to a named peer (spec.md §4.6).
// Concurrent senders are serialized by mu, mirroring the single-writer
// requirement the teacher's own connection handling observes for the
// accept-side socket (server.go's per-client write path).
type PeerLink struct {
	peerName string
	conn     net.Conn
	log      zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// DialPeer opens an outbound WebSocket to url, presenting the cluster
// management headers so the remote node classifies this link correctly
// (spec.md §4.5, Peer connection (outbound); §6, Cluster upgrade
// headers). The attempt is bounded by timeout.
func DialPeer(ctx context.Context, url, myPeerName, secretKey string, timeout time.Duration, log zerolog.Logger) (*PeerLink, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	header.Set("socketbox-management", secretKey)
	header.Set("socketbox-management-name", myPeerName)

	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(header),
	}
	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("cluster: dial peer %q: %w", url, err)
	}
	return &PeerLink{
		peerName: url,
		conn:     conn,
		log:      log.With().Str("peer", url).Str("url", url).Logger(),
	}, nil
}

// SendText writes a UTF-8 text frame, serialized against concurrent
// senders (spec.md §5, Shared-resource policy: peer link outbound writes
// serialized under a per-link mutex).
func (l *PeerLink) SendText(text string) error {
	return l.write(ws.OpText, []byte(text))
}

// SendBinary writes a binary frame.
func (l *PeerLink) SendBinary(data []byte) error {
	return l.write(ws.OpBinary, data)
}

func (l *PeerLink) write(op ws.OpCode, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("cluster: write to closed link")
	}
	if err := wsutil.WriteClientMessage(l.conn, op, payload); err != nil {
		l.log.Warn().Err(err).Msg("peer link write failed, next scheduler tick will prune")
		return err
	}
	return nil
}

// Close closes the underlying transport. Safe to call more than once.
func (l *PeerLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.conn.Close()
}

// IsConnectionOpen reports whether the link has not been closed locally.
// It does not probe the transport; remote-side closes are discovered by
// the read loop, which notifies the owning Manager to drop the entry.
func (l *PeerLink) IsConnectionOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// readLoop drains frames from the peer until the connection closes or
// ctx is done, handing each text payload to onText. It mirrors the
// client-role counterpart of the accept-side read loop (server.go's
// wsutil.ReadClientData over c.conn), reading with wsutil.ReadServerData
// since this link is the client end of the handshake.
func (l *PeerLink) readLoop(ctx context.Context, onText func(string), onClose func()) {
	defer onClose()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := wsutil.ReadServerData(l.conn)
		if err != nil {
			l.log.Info().Err(err).Msg("peer link closed")
			return
		}
		if msg.OpCode == ws.OpText {
			onText(string(msg.Payload))
		}
	}
}
