package session

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ZentaChain/entitysync/pkg/entity"
	"github.com/ZentaChain/entitysync/pkg/events"
	"github.com/ZentaChain/entitysync/pkg/network"
	"github.com/ZentaChain/entitysync/pkg/protocol"
	"github.com/ZentaChain/entitysync/pkg/storage"
)

// HostPeer is the ID a client's queue uses for its host
const HostPeer events.PeerID = 0

// Client mirrors a host's entities and sends its own changes back. It
// implements network.Handler for a single connection at a time.
type Client struct {
	core

	stream *events.Stream
	lost   chan error

	conn      network.Conn
	connected bool
	peerID    uint16
	sessionID string
	ackDirty  bool
	rtt       time.Duration
	lastPing  time.Time

	lastHandshake time.Time
}

// NewClient creates a client mirroring the entities in reg
func NewClient(reg *entity.Registry, opts Options) (*Client, error) {
	if err := opts.normalize(); err != nil {
		return nil, fmt.Errorf("invalid client options: %w", err)
	}
	opts.Logger = opts.Logger.Named("client")

	c := &Client{
		core: newCore(reg, opts, "peer_to_host"),
		lost: make(chan error, 1),
	}
	c.stream = events.NewStream(opts.Events, reg, c.logger)
	c.stream.AttachMetrics(opts.Metrics, "host_to_peer")
	if err := c.queue.AddPeer(HostPeer); err != nil {
		return nil, err
	}
	return c, nil
}

// Connected reports whether the handshake with the host has completed
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// PeerID returns the ID the host assigned in the last handshake
func (c *Client) PeerID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// SessionID returns the host session the client last joined
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastReceived returns the last host event applied
func (c *Client) LastReceived() protocol.EventID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.LastReceived()
}

// Lost delivers the error (nil for a clean close) each time the connection
// to the host goes away.
func (c *Client) Lost() <-chan error {
	return c.lost
}

// OnConnect starts the handshake
func (c *Client) OnConnect(conn network.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = false
	c.lastHandshake = c.opts.Clock.Now()
	c.mu.Unlock()

	if err := conn.Send(c.handshakeFrame(), network.ReliableOrdered); err != nil {
		c.logger.Warn("failed to send handshake", zap.Error(err))
	}
}

func (c *Client) handshakeFrame() []byte {
	hs := &protocol.Handshake{Version: protocol.ProtocolVersion, Name: c.opts.Name}
	return protocol.NewPacket(protocol.MsgTypeHandshake, hs.Encode()).Encode()
}

// OnDisconnect marks the client offline and reports it on Lost
func (c *Client) OnDisconnect(conn network.Conn, err error) {
	c.mu.Lock()
	if c.conn != nil && c.conn.ID() != conn.ID() {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	c.logger.Info("disconnected from host", zap.Error(err))
	select {
	case c.lost <- err:
	default:
	}
}

// OnPacket handles one frame from the host
func (c *Client) OnPacket(conn network.Conn, frame []byte) {
	pkt, err := decode(frame)
	if err != nil {
		c.logger.Warn("dropping bad frame", zap.Error(err))
		return
	}

	var out []outgoing
	closeConn := false

	c.mu.Lock()
	switch pkt.Header.Type {
	case protocol.MsgTypeHandshakeAck:
		c.handleHandshakeAck(pkt.Payload)
	case protocol.MsgTypePing:
		out = append(out, outgoing{conn, pingEcho(pkt.Payload), network.Unreliable})
	case protocol.MsgTypePong:
		c.handlePong(pkt.Payload)
	case protocol.MsgTypeData:
		if c.connected {
			c.handleData(pkt.Payload)
		}
	case protocol.MsgTypeRoundStart:
		c.clear()
		c.logger.Info("host started a new round")
		out = append(out, outgoing{conn, frame, network.ReliableOrdered})
	case protocol.MsgTypeDisconnect:
		var msg protocol.Disconnect
		if err := msg.Decode(pkt.Payload); err == nil {
			c.logger.Warn("host closed the session",
				zap.String("reason", protocol.ReasonName(msg.Reason)),
				zap.String("message", msg.Message))
		}
		closeConn = true
	default:
		c.logger.Debug("ignoring packet", zap.String("type", protocol.TypeName(pkt.Header.Type)))
	}
	c.mu.Unlock()

	send(out, c.logger)
	if closeConn {
		conn.Close()
	}
}

func (c *Client) handleHandshakeAck(payload []byte) {
	var ack protocol.HandshakeAck
	if err := ack.Decode(payload); err != nil {
		c.logger.Warn("bad handshake ack", zap.Error(err))
		return
	}

	if c.sessionID != "" {
		// the host treats us as a new peer, so our history is worthless
		c.clear()
	}
	c.peerID = ack.PeerID
	c.sessionID = ack.SessionID
	c.connected = true
	c.logger.Info("joined host session",
		zap.Uint16("peer", ack.PeerID),
		zap.String("session", ack.SessionID))
}

func (c *Client) handlePong(payload []byte) {
	var pong protocol.Ping
	if err := pong.Decode(payload); err != nil {
		return
	}
	rtt := c.opts.Clock.Now().Sub(time.Unix(0, pong.Timestamp))
	if rtt < 0 {
		return
	}
	c.rtt = rtt
	_ = c.queue.SetRoundTrip(HostPeer, rtt)
}

func (c *Client) handleData(payload []byte) {
	sentAt := c.opts.Clock.Now().Add(-c.rtt / 2)
	gotBatch, err := readSegments(payload, c.stream, sentAt, func(ack protocol.EventID) error {
		return c.queue.Acknowledge(HostPeer, ack)
	})
	if gotBatch {
		c.ackDirty = true
	}

	var missing *events.MissingEntityError
	switch {
	case err == nil:
	case errors.As(err, &missing):
		// the host resends it; it applies once the entity exists here
		c.logger.Debug("waiting for entity",
			zap.Uint16("event_id", uint16(missing.EventID)),
			zap.Uint16("entity_id", uint16(missing.EntityID)))
	default:
		c.logger.Warn("malformed data from host", zap.Error(err))
	}
}

// Clear drops every queued event and resets the inbound stream, as at the
// start of a round.
func (c *Client) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clear()
}

func (c *Client) clear() {
	c.queue.Clear()
	c.stream.Clear()
	c.ackDirty = false
}

// Tick sends the host an ack and any due events. The queue is audited
// first; if the host can no longer be kept in sync the connection is
// closed.
func (c *Client) Tick() error {
	var out []outgoing
	var drop network.Conn
	var errs error

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	if !c.connected {
		// the handshake may have been lost
		now := c.opts.Clock.Now()
		resend := now.Sub(c.lastHandshake) >= c.opts.PingInterval
		if resend {
			c.lastHandshake = now
		}
		c.mu.Unlock()
		if resend {
			_ = conn.Send(c.handshakeFrame(), network.ReliableOrdered)
		}
		return ErrNotConnected
	}

	if desyncs := c.queue.Audit(); len(desyncs) > 0 {
		d := desyncs[0]
		c.record(d)
		out = append(out, outgoing{conn, disconnectFrame(desyncReason(d.Reason), d.String()), network.ReliableOrdered})
		drop = conn
		c.connected = false
	} else {
		frame, method, err := c.buildData(HostPeer, c.stream.LastReceived(), c.ackDirty)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else if frame != nil {
			out = append(out, outgoing{conn, frame, method})
			c.ackDirty = false
		}

		now := c.opts.Clock.Now()
		if now.Sub(c.lastPing) >= c.opts.PingInterval {
			c.lastPing = now
			out = append(out, outgoing{conn, pingFrame(protocol.MsgTypePing, now.UnixNano()), network.Unreliable})
		}
	}
	c.mu.Unlock()

	send(out, c.logger)
	if drop != nil {
		errs = multierr.Append(errs, drop.Close())
	}
	return errs
}

func (c *Client) record(d events.Desync) {
	c.logger.Error("host fell out of sync", zap.Stringer("desync", d))
	if c.opts.Recorder == nil {
		return
	}
	err := c.opts.Recorder.Record(storage.DesyncReport{
		SessionID: c.sessionID,
		Peer:      c.peerID,
		PeerName:  c.opts.Name,
		Kind:      d.Reason.String(),
		EventID:   uint16(d.EventID),
		EntityID:  uint16(d.EntityID),
		Detail:    d.String(),
	})
	if err != nil {
		c.logger.Warn("failed to record desync", zap.Error(err))
	}
}

// Close says goodbye to the host and closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	_ = conn.Send(disconnectFrame(protocol.ReasonShutdown, "client shutting down"), network.ReliableOrdered)
	return conn.Close()
}
