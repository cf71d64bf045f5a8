package gateway

import (
	"errors"
	"sync"
	"time"

	"twinlink/internal/event"

	"github.com/google/uuid"
)

var ErrSlowConsumer = errors.New("outbound buffer full, connection dropped")

// outboundBuffer bounds the per-connection send queue. A client that cannot
// drain it in time is disconnected rather than backpressuring the gateway.
const outboundBuffer = 256

// Connection is the gateway-side state for one transport session. Identity
// and room are attached metadata keyed by the generated connection id; the
// transport object itself is never mutated.
type Connection struct {
	id        string
	userID    string
	userName  string
	deviceID  string
	createdAt time.Time

	mu   sync.RWMutex
	room string

	out       chan event.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(userID, userName, deviceID string) *Connection {
	return &Connection{
		id:        uuid.New().String(),
		userID:    userID,
		userName:  userName,
		deviceID:  deviceID,
		createdAt: time.Now(),
		out:       make(chan event.Event, outboundBuffer),
		done:      make(chan struct{}),
	}
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) UserID() string   { return c.userID }
func (c *Connection) UserName() string { return c.userName }
func (c *Connection) DeviceID() string { return c.deviceID }

// Room returns the connection's current room, or "" when it holds none.
func (c *Connection) Room() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Connection) setRoom(room string) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

// Events is drained by the transport's write pump.
func (c *Connection) Events() <-chan event.Event {
	return c.out
}

// Done is closed when the connection is torn down; closing it is how every
// pending consumer learns the session ended.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// push enqueues an outbound event without ever blocking the caller.
func (c *Connection) push(ev event.Event) error {
	select {
	case <-c.done:
		return ErrSlowConsumer
	default:
	}

	select {
	case c.out <- ev:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
