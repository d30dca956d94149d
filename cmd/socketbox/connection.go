package main

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coldbox-modules/socketbox/stomp"
)

// Timeouts mirror the teacher's server.go: a shorter write deadline
// than read, a pong wait comfortably above the ping period.
const (
	writeWait      = 5 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// wsConn adapts one accepted WebSocket into both broker.Channel (STOMP
// frames) and cluster.InboundLink (raw management text) — a connection
// only ever plays one of those roles, decided once at accept time by
// its upgrade headers. Grounded on the teacher's Client/readPump/
// writePump split: a single writer goroutine drains a buffered
// outbound channel, so concurrent Send calls never touch the socket
// directly (spec.md §5, per-link mutex via single-writer channel).
type wsConn struct {
	id   string
	conn net.Conn
	log  zerolog.Logger

	send      chan []byte
	closeOnce sync.Once
	closed    atomic.Bool
}

func newWSConn(conn net.Conn, log zerolog.Logger) *wsConn {
	return &wsConn{
		id:   uuid.NewString(),
		conn: conn,
		log:  log,
		send: make(chan []byte, sendBufferSize),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send implements broker.Channel.
func (c *wsConn) Send(msg stomp.Message) error {
	return c.enqueue(stomp.Serialize(msg))
}

// SendText implements cluster.InboundLink.
func (c *wsConn) SendText(text string) error {
	return c.enqueue([]byte(text))
}

func (c *wsConn) enqueue(payload []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.log.Warn().Str("channel", c.id).Msg("outbound buffer full, dropping frame")
		return nil
	}
}

// close shuts the connection down exactly once; safe to call from both
// the read and write loops racing each other (spec.md §5).
func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
		c.conn.Close()
	})
}

// writePump drains the outbound buffer and sends periodic pings,
// mirroring the teacher's writePump.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// readLoop reads frames until the transport errors or closes, handing
// each text frame's payload to onText. Returns when the loop ends so
// the caller can run its own disconnect bookkeeping.
func (c *wsConn) readLoop(onText func(payload []byte)) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		raw, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpClose:
			return
		case ws.OpText:
			onText(raw)
		}
	}
}
