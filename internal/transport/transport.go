// Package transport accepts agent connections over WebSocket and moves
// length-delimited UTF-8 JSON frames in both directions. It has no knowledge
// of agent identity; callers observe frames and close events through
// callbacks.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sendQueueSize is the per-connection outbound queue. Large enough to absorb
// bursts (broadcast fan-out, heartbeat probes interleaved with traffic),
// small enough that a stalled peer hits the write timeout instead of eating
// memory.
const sendQueueSize = 256

// ErrConnClosed is returned by Send once the connection is closed.
var ErrConnClosed = errors.New("transport: connection closed")

// FrameHandler receives each decoded-enough inbound frame. The raw bytes are
// the full frame; decoding beyond the header is the caller's job.
type FrameHandler func(c *Conn, raw []byte)

// CloseHandler is invoked exactly once when a connection dies, whether from
// peer close, read error, malformed traffic, or write backpressure timeout.
type CloseHandler func(c *Conn)

// Options configures the transport endpoint.
type Options struct {
	// MaxFrameSize bounds a single inbound frame in bytes.
	MaxFrameSize int64
	// WriteTimeout bounds both queueing onto a full send queue and the
	// network write itself. Exceeding it counts as a lost connection.
	WriteTimeout time.Duration
}

// Handler upgrades HTTP requests to WebSocket connections and runs their
// read/write pumps. It implements http.Handler.
type Handler struct {
	opts    Options
	onFrame FrameHandler
	onClose CloseHandler
	log     *slog.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*Conn]struct{}
	done  bool
}

// NewHandler creates a transport endpoint. Both callbacks are required.
func NewHandler(opts Options, onFrame FrameHandler, onClose CloseHandler, log *slog.Logger) *Handler {
	return &Handler{
		opts:    opts,
		onFrame: onFrame,
		onClose: onClose,
		log:     log.With("component", "transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; origin checks add nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the connection until it dies.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &Conn{
		ws:           ws,
		send:         make(chan []byte, sendQueueSize),
		closed:       make(chan struct{}),
		writeTimeout: h.opts.WriteTimeout,
		log:          h.log,
	}

	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		ws.Close()
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.log.Debug("connection accepted", "remote", ws.RemoteAddr().String())

	go c.writePump()
	go h.readPump(c)
}

// readPump reads frames until the connection dies, then fires the close
// handler and removes the connection.
func (h *Handler) readPump(c *Conn) {
	defer func() {
		c.Close()
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		h.onClose(c)
	}()

	if h.opts.MaxFrameSize > 0 {
		c.ws.SetReadLimit(h.opts.MaxFrameSize)
	}

	for {
		kind, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("read error", "remote", c.RemoteAddr(), "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			h.log.Warn("non-text frame, dropping connection", "remote", c.RemoteAddr())
			return
		}
		if !json.Valid(raw) {
			h.log.Warn("malformed JSON frame, dropping connection", "remote", c.RemoteAddr())
			return
		}
		h.onFrame(c, raw)
	}
}

// CloseAll tears down every active connection. Used on shutdown after the
// HTTP listener stops accepting.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	h.done = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Conn is one live agent connection. All writes are serialized through a
// single writer goroutine draining the send queue, so concurrent senders
// (router, dispatcher, heartbeat, mods) never interleave frames.
type Conn struct {
	ws           *websocket.Conn
	send         chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	log          *slog.Logger
}

// Send marshals v to JSON and enqueues it. If the queue stays full past the
// write timeout the connection is considered lost and torn down.
func (c *Conn) Send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.SendRaw(raw)
}

// SendRaw enqueues an already-encoded frame verbatim.
func (c *Conn) SendRaw(frame []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	case c.send <- frame:
		return nil
	default:
	}

	// Queue full: block up to the write timeout, then give up on the peer.
	t := time.NewTimer(c.writeTimeout)
	defer t.Stop()
	select {
	case <-c.closed:
		return ErrConnClosed
	case c.send <- frame:
		return nil
	case <-t.C:
		c.log.Warn("send queue full past write timeout, closing", "remote", c.RemoteAddr())
		c.Close()
		return fmt.Errorf("%w: write backpressure timeout", ErrConnClosed)
	}
}

// Close tears the connection down. Idempotent and safe from any goroutine.
// The writer flushes already-queued frames opportunistically before the
// socket closes, so a response enqueued just before Close still goes out.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

// RemoteAddr describes the peer for logging.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// writePump drains the send queue onto the wire and owns the socket close.
// On shutdown it flushes whatever is already queued (bounded by the write
// deadline per frame), then closes the socket, which also unblocks the
// reader.
func (c *Conn) writePump() {
	defer c.ws.Close()

	for {
		select {
		case frame := <-c.send:
			if !c.write(frame) {
				return
			}
		case <-c.closed:
			for {
				select {
				case frame := <-c.send:
					if !c.write(frame) {
						return
					}
				default:
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

// write puts one frame on the wire under the write deadline.
func (c *Conn) write(frame []byte) bool {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.log.Debug("write failed", "remote", c.RemoteAddr(), "error", err)
		c.Close()
		return false
	}
	return true
}
