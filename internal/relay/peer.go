package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from an app.
	pongWait = 60 * time.Second

	// Send pings to apps with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Outbound frames buffered per connection before sends are dropped.
	sendBuffer = 256
)

// peer is the write side shared by both transports. All writes go through
// the send channel and a single writePump goroutine.
type peer struct {
	conn      *websocket.Conn // nil for detached peers
	send      chan []byte
	closeOnce sync.Once
	closed    atomic.Bool
}

func newPeer(conn *websocket.Conn) *peer {
	return &peer{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

// SafeSend queues data for the peer without blocking. It reports false when
// the peer is closed or its buffer is full.
func (p *peer) SafeSend(data []byte) (sent bool) {
	// Close may run between the closed check and the send.
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if p.closed.Load() {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// Writable reports whether the peer still accepts frames.
func (p *peer) Writable() bool {
	return !p.closed.Load()
}

// Close closes the send channel exactly once. The writePump then sends a
// close frame and exits.
func (p *peer) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.send)
	})
}

// forceClose drops the underlying transport without a close handshake.
func (p *peer) forceClose() {
	p.Close()
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// writePump pumps queued frames to the connection. When ping is set it also
// keeps the link alive with websocket pings.
func (p *peer) writePump(ping bool) {
	var tick <-chan time.Time
	if ping {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer func() {
		_ = p.conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed by Close
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				p.closed.Store(true)
				return
			}

		case <-tick:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.closed.Store(true)
				return
			}
		}
	}
}
