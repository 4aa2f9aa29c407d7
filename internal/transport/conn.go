package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fathima-sithara/chatsync/internal/apperr"
)

const sendBufSize = 256

// conn is one live socket plus its outbound queue.
type conn struct {
	ws        *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:     ws,
		send:   make(chan []byte, sendBufSize),
		closed: make(chan struct{}),
	}
}

func (c *conn) enqueue(b []byte) error {
	select {
	case <-c.closed:
		return apperr.ErrNotConnected
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.closed:
		return apperr.ErrNotConnected
	default:
		// slow writer
		return apperr.ErrRateLimited
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}
