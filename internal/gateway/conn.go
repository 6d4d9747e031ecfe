package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds a single outbound WebSocket write.
const writeTimeout = 5 * time.Second

// sendBuffer is the per-client outbound queue depth. Audio deltas arrive in
// bursts; when a client cannot keep up, new messages are dropped rather than
// stalling the hub's fan-out.
const sendBuffer = 64

var errSendQueueFull = errors.New("gateway: send queue full")

// outMsg is one queued outbound message.
type outMsg struct {
	typ  websocket.MessageType
	data []byte
}

// wsConn adapts a WebSocket connection to the hub's ClientConn. All sends
// go through a buffered channel drained by one writer goroutine, so hub
// fan-out never blocks on a slow client.
type wsConn struct {
	c      *websocket.Conn
	out    chan outMsg
	closed chan struct{}
	once   sync.Once
}

func newWSConn(c *websocket.Conn) *wsConn {
	w := &wsConn{
		c:      c,
		out:    make(chan outMsg, sendBuffer),
		closed: make(chan struct{}),
	}
	go w.writeLoop()
	return w
}

// writeLoop drains the send queue until the connection closes.
func (w *wsConn) writeLoop() {
	for {
		select {
		case <-w.closed:
			return
		case msg := <-w.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := w.c.Write(ctx, msg.typ, msg.data)
			cancel()
			if err != nil {
				slog.Debug("gateway: write failed, closing writer", "err", err)
				w.shutdown()
				return
			}
		}
	}
}

// enqueue queues a message without blocking. Full queue means the client is
// too slow; the message is dropped.
func (w *wsConn) enqueue(typ websocket.MessageType, data []byte) error {
	select {
	case <-w.closed:
		return errors.New("gateway: connection closed")
	default:
	}
	select {
	case w.out <- outMsg{typ: typ, data: data}:
		return nil
	default:
		return errSendQueueFull
	}
}

// SendBinary implements hub.ClientConn.
func (w *wsConn) SendBinary(data []byte) error {
	return w.enqueue(websocket.MessageBinary, data)
}

// SendJSON implements hub.ClientConn.
func (w *wsConn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.enqueue(websocket.MessageText, data)
}

// Close implements hub.ClientConn.
func (w *wsConn) Close() error {
	w.shutdown()
	return w.c.Close(websocket.StatusNormalClosure, "")
}

func (w *wsConn) shutdown() {
	w.once.Do(func() { close(w.closed) })
}
