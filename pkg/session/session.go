// Package session runs the replication protocol over network connections.
//
// A Host owns the authoritative entities and serves many peers from one
// shared outbound queue. A Client connects to one host. Both exchange Data
// packets made of segments: an ack of the last event applied, an optional
// mid-round sync header, and an event batch.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ZentaChain/entitysync/pkg/bitmsg"
	"github.com/ZentaChain/entitysync/pkg/entity"
	"github.com/ZentaChain/entitysync/pkg/events"
	"github.com/ZentaChain/entitysync/pkg/network"
	"github.com/ZentaChain/entitysync/pkg/protocol"
	"github.com/ZentaChain/entitysync/pkg/storage"
)

var (
	ErrNotConnected    = errors.New("session is not connected")
	ErrUnknownSegment  = errors.New("unknown segment tag")
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// Recorder stores desync reports. *storage.DesyncLog satisfies it.
type Recorder interface {
	Record(r storage.DesyncReport) error
}

// Options configures a Host or Client
type Options struct {
	// Name is sent in the handshake and used in logs
	Name string

	Events events.Config

	// MaxPacketSize caps the Data payload built each tick
	MaxPacketSize int

	// CompressionThreshold is the payload size above which packets are
	// deflated
	CompressionThreshold int

	// PingInterval is how often round-trip time is sampled
	PingInterval time.Duration

	// StrictPeers makes a host disconnect a peer that sends an event for an
	// entity the host does not know. By default such events are skipped.
	StrictPeers bool

	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *events.Metrics
	Recorder Recorder
}

// DefaultOptions returns options for a node called name
func DefaultOptions(name string) Options {
	return Options{
		Name:                 name,
		Events:               events.DefaultConfig(),
		MaxPacketSize:        bitmsg.MaxPacketSize,
		CompressionThreshold: bitmsg.CompressionThreshold,
		PingInterval:         time.Second,
	}
}

func (o *Options) normalize() error {
	if err := o.Events.Validate(); err != nil {
		return err
	}
	if o.MaxPacketSize <= 0 {
		o.MaxPacketSize = bitmsg.MaxPacketSize
	}
	if o.MaxPacketSize > protocol.MaxFrameSize {
		return fmt.Errorf("max packet size %d exceeds frame limit %d", o.MaxPacketSize, protocol.MaxFrameSize)
	}
	if o.CompressionThreshold <= 0 {
		o.CompressionThreshold = bitmsg.CompressionThreshold
	}
	if o.PingInterval <= 0 {
		o.PingInterval = time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return nil
}

// World is the state handed to Update callbacks. It is only valid inside
// the callback.
type World struct {
	Registry *entity.Registry
	queue    *events.Queue
}

// CreateEvent queues a change to e for replication
func (w *World) CreateEvent(e *entity.Entity, data entity.Data) (*events.Event, error) {
	return w.queue.CreateEvent(e, data)
}

// outgoing is a frame built under the lock and sent after it is released
type outgoing struct {
	conn   network.Conn
	frame  []byte
	method network.DeliveryMethod
}

// core holds what Host and Client share: the registry, the outbound queue
// and the lock guarding both.
type core struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	registry *entity.Registry
	queue    *events.Queue
	writer   *bitmsg.Writer
}

func newCore(reg *entity.Registry, opts Options, queueLabel string) core {
	q := events.NewQueue(opts.Events, opts.Clock, opts.Logger)
	q.AttachMetrics(opts.Metrics, queueLabel)
	return core{
		opts:     opts,
		logger:   opts.Logger,
		registry: reg,
		queue:    q,
		writer:   bitmsg.NewWriter(opts.MaxPacketSize),
	}
}

// Update runs fn with exclusive access to the entities and the queue
func (c *core) Update(fn func(w *World) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(&World{Registry: c.registry, queue: c.queue})
}

// CreateEvent queues a change to e for replication
func (c *core) CreateEvent(e *entity.Entity, data entity.Data) (*events.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.CreateEvent(e, data)
}

// QueueStats returns a snapshot of the outbound queue
func (c *core) QueueStats() events.QueueStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Stats()
}

// buildData writes one Data packet for peer: an ack when ackDirty, the
// queue's sync header and batch, then the end tag. It returns nil when
// there is nothing to send.
func (c *core) buildData(peer events.PeerID, ack protocol.EventID, ackDirty bool) ([]byte, network.DeliveryMethod, error) {
	w := c.writer
	w.Reset()

	if ackDirty {
		w.WriteUint8(protocol.SegmentAck)
		w.WriteUint16(uint16(ack))
	}

	before := w.LengthBits()
	n, err := c.queue.Flush(peer, w)
	if err != nil {
		return nil, network.Unreliable, err
	}
	carriesEvents := n > 0 || w.LengthBits() > before

	if !ackDirty && !carriesEvents {
		return nil, network.Unreliable, nil
	}
	w.WriteUint8(protocol.SegmentEnd)
	if err := w.Err(); err != nil {
		return nil, network.Unreliable, fmt.Errorf("failed to build data packet: %w", err)
	}

	method := network.Unreliable
	if carriesEvents {
		method = network.ReliableOrdered
	}
	frame, err := c.frame(protocol.MsgTypeData, w.Bytes(), method)
	return frame, method, err
}

// frame wraps payload in a header, deflating large payloads
func (c *core) frame(msgType uint16, payload []byte, method network.DeliveryMethod) ([]byte, error) {
	data, compressed, err := bitmsg.Compress(payload, c.opts.CompressionThreshold)
	if err != nil {
		return nil, err
	}

	pkt := protocol.NewPacket(msgType, data)
	if compressed {
		pkt.Header.SetFlag(protocol.FlagCompressed)
	}
	if method == network.ReliableOrdered {
		pkt.Header.SetFlag(protocol.FlagReliable)
	}
	return pkt.Encode(), nil
}

// decode parses a frame and inflates its payload if needed
func decode(frame []byte) (*protocol.Packet, error) {
	pkt, err := protocol.DecodePacket(frame)
	if err != nil {
		return nil, err
	}
	if pkt.Header.HasFlag(protocol.FlagCompressed) {
		payload, err := bitmsg.Decompress(pkt.Payload, protocol.MaxFrameSize)
		if err != nil {
			return nil, err
		}
		pkt.Payload = payload
	}
	return pkt, nil
}

// readSegments applies the segments of a Data payload. onAck receives ack
// segments; events go to stream. It stops at the end tag or at the first
// error.
func readSegments(payload []byte, stream *events.Stream, sentAt time.Time, onAck func(protocol.EventID) error) (gotBatch bool, err error) {
	r := bitmsg.NewReader(payload)
	for {
		tag := r.ReadUint8()
		if r.Err() != nil {
			// a payload without an end tag is still complete
			return gotBatch, nil
		}

		switch tag {
		case protocol.SegmentEnd:
			return gotBatch, nil
		case protocol.SegmentAck:
			ack := protocol.EventID(r.ReadUint16())
			if err := r.Err(); err != nil {
				return gotBatch, fmt.Errorf("%w: ack segment: %v", events.ErrMalformedBatch, err)
			}
			if err := onAck(ack); err != nil {
				return gotBatch, err
			}
		case protocol.SegmentEntityEventInitial:
			if err := stream.ReadInitial(r); err != nil {
				return gotBatch, err
			}
		case protocol.SegmentEntityEvent:
			gotBatch = true
			if err := stream.Read(r, sentAt); err != nil {
				return gotBatch, err
			}
		default:
			return gotBatch, fmt.Errorf("%w: %d", ErrUnknownSegment, tag)
		}
	}
}

func pingFrame(msgType uint16, ts int64) []byte {
	return protocol.NewPacket(msgType, (&protocol.Ping{Timestamp: ts}).Encode()).Encode()
}

func disconnectFrame(reason uint8, message string) []byte {
	return protocol.NewPacket(protocol.MsgTypeDisconnect, (&protocol.Disconnect{Reason: reason, Message: message}).Encode()).Encode()
}

func send(out []outgoing, logger *zap.Logger) {
	for _, o := range out {
		if err := o.conn.Send(o.frame, o.method); err != nil {
			logger.Debug("send failed", zap.String("conn", o.conn.ID()), zap.Error(err))
		}
	}
}

func desyncReason(r events.DesyncReason) uint8 {
	switch r {
	case events.DesyncRemovedEvent:
		return protocol.ReasonDesyncRemovedEvent
	case events.DesyncOldEvent:
		return protocol.ReasonDesyncOldEvent
	default:
		return protocol.ReasonDesyncSyncTimeout
	}
}
