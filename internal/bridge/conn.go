// ABOUTME: Wraps a single client websocket with an outbound queue and writer goroutine.
// ABOUTME: Isolates slow or broken peers so one stalled send never blocks dispatch.

package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds a single outbound frame write.
const writeTimeout = 10 * time.Second

// outboundQueueSize is the per-peer buffer before frames are dropped.
const outboundQueueSize = 64

// Peer is the transport handle for one live instance. Sends are
// fire-and-forget: a failed or dropped frame is the sender's loss,
// never the dispatcher's problem.
type Peer interface {
	Send(frame []byte) error
}

// Conn is a live websocket connection to one client instance.
// Frames queue on an outbound channel drained by a single writer
// goroutine, preserving per-target ordering.
type Conn struct {
	instanceID string
	ws         *websocket.Conn
	logger     *slog.Logger

	outbound chan []byte
	done     chan struct{}
	once     sync.Once
}

// newConn creates a Conn and starts its writer goroutine.
func newConn(instanceID string, ws *websocket.Conn, logger *slog.Logger) *Conn {
	c := &Conn{
		instanceID: instanceID,
		ws:         ws,
		logger:     logger,
		outbound:   make(chan []byte, outboundQueueSize),
		done:       make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send enqueues a frame for delivery. If the peer's queue is full the
// frame is dropped and logged; delivery here is best-effort at-most-once.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return websocket.CloseError{Code: websocket.StatusGoingAway}
	case c.outbound <- frame:
		return nil
	default:
		c.logger.Warn("outbound queue full, dropping frame", "instance_id", c.instanceID)
		return nil
	}
}

// writeLoop drains the outbound queue onto the websocket.
// The websocket library tracks its own connection state, so writes use a
// background context bounded by a per-frame timeout.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outbound:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.logger.Debug("websocket write failed", "instance_id", c.instanceID, "error", err)
			}
		}
	}
}

// close stops the writer goroutine. The websocket itself is closed by the
// read loop that owns it.
func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// shutdown stops the writer and closes the underlying websocket so the
// owning read loop unblocks. Used when the bridge itself is stopping.
func (c *Conn) shutdown() {
	c.close()
	_ = c.ws.Close(websocket.StatusGoingAway, "bridge shutting down")
}
