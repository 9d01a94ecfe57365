package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var ErrConnClosed = errors.New("connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn is the telephony side of one call. The receive loop owns reads;
// writes from the session writer and the ping ticker are serialized here.
type wsConn struct {
	ws  *websocket.Conn
	id  string
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newWSConn(ws *websocket.Conn, log *slog.Logger) *wsConn {
	id := uuid.NewString()
	return &wsConn{
		ws:   ws,
		id:   id,
		log:  log.With("conn_id", id),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith sends a close frame with the given code before tearing the
// socket down. Only the first close has any effect.
func (c *wsConn) CloseWith(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	msg := websocket.FormatCloseMessage(code, text)
	err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	return multierr.Append(err, c.ws.Close())
}

func (c *wsConn) prepareRead() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				c.log.Debug("ping failed", "error", err)
				return
			}
		}
	}
}
