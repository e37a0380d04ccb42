package relayserver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const writeDeadline = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn is one client's event stream. The relay only ever writes;
// reads exist to detect the peer going away.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (h *Hub) handleWS(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relayserver").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "relayserver").Str("token", token).Msg("event stream connected")

	conn := &wsConn{conn: ws, send: make(chan []byte, 32)}
	h.Bind(token, conn)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		h.writePump(ctx, conn)
		cancel()
	}()
	h.readPump(ctx, token, conn)
	cancel()
}

func (h *Hub) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "relayserver").Msg("ws set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().Err(err).Str("module", "relayserver").Msg("ws write")
				return
			}
		}
	}
}

// readPump discards inbound data; clients talk to the relay over HTTP.
// A read error means the socket is gone.
func (h *Hub) readPump(ctx context.Context, token string, c *wsConn) {
	defer func() {
		h.Unbind(token, c)
		c.Close()
		log.Info().Str("module", "relayserver").Str("token", token).Msg("event stream closed")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
