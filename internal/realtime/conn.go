package realtime

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskboard/api/internal/board"
)

const (
	writeWait      = 10 * time.Second
	sendQueueDepth = 64
)

// Heartbeat cadence. Package vars so liveness tests can compress the
// timeline; pingPeriod must stay under pongWait.
var (
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// Conn is one live realtime connection. Events are queued on a bounded
// channel; the hub treats a full or closed queue as a stale handle and
// prunes the connection instead of blocking.
type Conn struct {
	ID       string
	UserID   int64
	Username string
	Email    string

	sock      *websocket.Conn
	send      chan board.Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps a websocket. sock may be nil in tests; queued events are
// then read straight from Events().
func NewConn(sock *websocket.Conn, id string, userID int64, username, email string) *Conn {
	return &Conn{
		ID:       id,
		UserID:   userID,
		Username: username,
		Email:    email,
		sock:     sock,
		send:     make(chan board.Event, sendQueueDepth),
		done:     make(chan struct{}),
	}
}

// Events exposes the outbound queue for tests.
func (c *Conn) Events() <-chan board.Event { return c.send }

func (c *Conn) trySend(event board.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

// Close is idempotent and safe from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.sock != nil {
			_ = c.sock.Close()
		}
	})
}

// writePump serializes all writes to the socket: queued events plus pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.sock.WriteMessage(websocket.CloseMessage, nil)
			return
		case event := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteJSON(event); err != nil {
				log.Printf("realtime: write to %s failed: %v", c.ID, err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
