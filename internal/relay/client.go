package relay

import (
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"golang.org/x/time/rate"
)

// client is one websocket connection held by the relay.
type client struct {
	ws      *websocket.Conn
	uid     string
	send    chan []byte
	limiter *rate.Limiter
	closed  chan struct{}
	once    sync.Once
}

// newClient constructs a client. rps = inbound frames per second allowed.
func newClient(conn *websocket.Conn, uid string, rps int) *client {
	return &client{
		ws:      conn,
		uid:     uid,
		send:    make(chan []byte, 256),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		closed:  make(chan struct{}),
	}
}

func (c *client) enqueue(b []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *client) writePump(ping, deadline time.Duration) {
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.ws.Close()
	}()
	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(deadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(deadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(deadline))
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.closed) })
}
