// ABOUTME: Transport-independent live connection with a bounded outbound queue
// ABOUTME: TrySend never blocks; a full queue drops the frame and reports false

package realtime

import "sync"

// State is the lifecycle position of a connection.
type State int

// Connection states.
const (
	StateConnected State = iota
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Conn is one live client. Frames queued with TrySend are drained by the
// transport writer through Outbound.
type Conn struct {
	id   string
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewConn creates a connection with room for buffer queued frames.
func NewConn(id string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	return &Conn{
		id:   id,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// TrySend queues an encoded frame without blocking.
func (c *Conn) TrySend(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Outbound yields queued frames.
func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the connection is disconnected.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// closeDone marks the connection terminal. Safe to call more than once.
func (c *Conn) closeDone() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
