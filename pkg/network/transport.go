// Package network carries protocol frames between nodes.
//
// Every transport delivers whole frames (header plus payload) to a Handler
// and accepts whole frames through Conn.Send.
package network

import (
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZentaChain/entitysync/pkg/protocol"
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrServerClosed = errors.New("server closed")
	ErrNoRouting    = errors.New("peer has no known address and routing is disabled")
)

// DeliveryMethod tells the transport what guarantees a frame needs
type DeliveryMethod uint8

const (
	// Unreliable frames may be dropped, duplicated or reordered
	Unreliable DeliveryMethod = iota
	// ReliableOrdered frames arrive once and in send order
	ReliableOrdered
)

func (m DeliveryMethod) String() string {
	if m == ReliableOrdered {
		return "reliable_ordered"
	}
	return "unreliable"
}

// Conn is one end of a connection
type Conn interface {
	ID() string
	RemoteAddr() string
	Send(frame []byte, method DeliveryMethod) error
	Close() error
}

// Handler receives connection events. Calls for one connection never
// overlap, but calls for different connections may run concurrently.
type Handler interface {
	OnConnect(conn Conn)
	OnPacket(conn Conn, frame []byte)
	OnDisconnect(conn Conn, err error)
}

// streamConn adapts any byte stream to Conn. Stream transports are always
// reliable and ordered, so the delivery method is ignored.
type streamConn struct {
	id     string
	remote string
	rw     io.ReadWriteCloser

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func newStreamConn(remote string, rw io.ReadWriteCloser) *streamConn {
	return &streamConn{
		id:     uuid.NewString(),
		remote: remote,
		rw:     rw,
		closed: make(chan struct{}),
	}
}

func (c *streamConn) ID() string         { return c.id }
func (c *streamConn) RemoteAddr() string { return c.remote }

func (c *streamConn) Send(frame []byte, _ DeliveryMethod) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rw.Write(frame); err != nil {
		return err
	}
	return nil
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.rw.Close()
	})
	return c.closeErr
}

func (c *streamConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// serveStream reads frames until the stream fails, then reports the
// disconnect. A clean EOF or a local Close is reported as a nil error.
func serveStream(c *streamConn, handler Handler, logger *zap.Logger) {
	handler.OnConnect(c)

	var err error
	for {
		var frame []byte
		frame, err = protocol.ReadFrame(c.rw)
		if err != nil {
			break
		}
		handler.OnPacket(c, frame)
	}

	if errors.Is(err, io.EOF) || c.isClosed() {
		err = nil
	} else {
		logger.Debug("connection read failed", zap.String("conn", c.id), zap.String("remote", c.remote), zap.Error(err))
	}
	c.Close()
	handler.OnDisconnect(c, err)
}
