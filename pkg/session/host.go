package session

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ZentaChain/entitysync/pkg/entity"
	"github.com/ZentaChain/entitysync/pkg/events"
	"github.com/ZentaChain/entitysync/pkg/network"
	"github.com/ZentaChain/entitysync/pkg/protocol"
	"github.com/ZentaChain/entitysync/pkg/storage"
)

// remotePeer is the host's view of one connected client
type remotePeer struct {
	id     events.PeerID
	name   string
	conn   network.Conn
	stream *events.Stream

	ackDirty bool
	// set after StartRound until the peer echoes it
	roundPending bool
	rtt          time.Duration
	lastPing     time.Time
}

// PeerInfo describes a connected peer
type PeerInfo struct {
	ID           events.PeerID    `json:"id"`
	Name         string           `json:"name"`
	RemoteAddr   string           `json:"remote_addr"`
	RoundTrip    time.Duration    `json:"round_trip_ns"`
	LastReceived protocol.EventID `json:"last_received"`
	Queue        events.PeerStats `json:"queue"`
}

// Host serves the authoritative entity state to any number of peers. It
// implements network.Handler.
type Host struct {
	core

	sessionID string
	peers     map[events.PeerID]*remotePeer
	byConn    map[string]*remotePeer
	nextPeer  events.PeerID
}

// NewHost creates a host replicating the entities in reg
func NewHost(reg *entity.Registry, opts Options) (*Host, error) {
	if err := opts.normalize(); err != nil {
		return nil, fmt.Errorf("invalid host options: %w", err)
	}
	opts.Logger = opts.Logger.Named("host")

	h := &Host{
		core:      newCore(reg, opts, "host_to_peer"),
		sessionID: uuid.NewString(),
		peers:     make(map[events.PeerID]*remotePeer),
		byConn:    make(map[string]*remotePeer),
		nextPeer:  1,
	}
	h.logger.Info("host session started", zap.String("session", h.sessionID))
	return h, nil
}

// SessionID returns the ID handed to every peer in its handshake ack
func (h *Host) SessionID() string {
	return h.sessionID
}

// OnConnect waits for the peer's handshake
func (h *Host) OnConnect(conn network.Conn) {
	h.logger.Debug("connection opened", zap.String("conn", conn.ID()), zap.String("remote", conn.RemoteAddr()))
}

// OnDisconnect forgets the peer behind conn
func (h *Host) OnDisconnect(conn network.Conn, err error) {
	h.mu.Lock()
	p, ok := h.byConn[conn.ID()]
	if ok {
		h.removePeer(p)
	}
	h.mu.Unlock()

	if ok {
		h.logger.Info("peer disconnected", zap.Uint16("peer", uint16(p.id)), zap.String("name", p.name), zap.Error(err))
	}
}

func (h *Host) removePeer(p *remotePeer) {
	delete(h.peers, p.id)
	delete(h.byConn, p.conn.ID())
	h.queue.RemovePeer(p.id)
}

// OnPacket handles one frame from a peer
func (h *Host) OnPacket(conn network.Conn, frame []byte) {
	pkt, err := decode(frame)
	if err != nil {
		h.logger.Warn("dropping bad frame", zap.String("conn", conn.ID()), zap.Error(err))
		return
	}

	var out []outgoing
	var drop []network.Conn

	h.mu.Lock()
	p := h.byConn[conn.ID()]
	switch pkt.Header.Type {
	case protocol.MsgTypeHandshake:
		out, drop = h.handleHandshake(conn, p, pkt.Payload)
	case protocol.MsgTypePing:
		out = append(out, outgoing{conn, pingEcho(pkt.Payload), network.Unreliable})
	case protocol.MsgTypePong:
		if p != nil {
			h.handlePong(p, pkt.Payload)
		}
	case protocol.MsgTypeRoundStart:
		if p != nil && p.roundPending {
			p.roundPending = false
			p.stream.Clear()
		}
	case protocol.MsgTypeData:
		if p == nil {
			h.logger.Warn("data before handshake", zap.String("conn", conn.ID()))
			drop = append(drop, conn)
			break
		}
		if !p.roundPending {
			out, drop = h.handleData(p, pkt.Payload)
		}
	case protocol.MsgTypeDisconnect:
		var msg protocol.Disconnect
		if err := msg.Decode(pkt.Payload); err == nil {
			h.logger.Info("peer leaving", zap.String("conn", conn.ID()), zap.String("reason", protocol.ReasonName(msg.Reason)))
		}
		drop = append(drop, conn)
	default:
		h.logger.Debug("ignoring packet", zap.String("type", protocol.TypeName(pkt.Header.Type)))
	}
	h.mu.Unlock()

	send(out, h.logger)
	for _, c := range drop {
		c.Close()
	}
}

func (h *Host) handleHandshake(conn network.Conn, existing *remotePeer, payload []byte) ([]outgoing, []network.Conn) {
	var hs protocol.Handshake
	if err := hs.Decode(payload); err != nil {
		h.logger.Warn("bad handshake", zap.String("conn", conn.ID()), zap.Error(err))
		return []outgoing{{conn, disconnectFrame(protocol.ReasonProtocolError, err.Error()), network.ReliableOrdered}},
			[]network.Conn{conn}
	}
	if hs.Version != protocol.ProtocolVersion {
		h.logger.Warn("rejecting peer", zap.String("name", hs.Name), zap.Uint16("version", hs.Version), zap.Error(ErrVersionMismatch))
		return []outgoing{{conn, disconnectFrame(protocol.ReasonVersionMismatch, ErrVersionMismatch.Error()), network.ReliableOrdered}},
			[]network.Conn{conn}
	}
	if existing != nil {
		// a repeated handshake gets the same answer
		return []outgoing{{conn, h.handshakeAck(existing), network.ReliableOrdered}}, nil
	}

	id, err := h.allocatePeerID()
	if err != nil {
		return []outgoing{{conn, disconnectFrame(protocol.ReasonProtocolError, err.Error()), network.ReliableOrdered}},
			[]network.Conn{conn}
	}
	if err := h.queue.AddPeer(id); err != nil {
		h.logger.Error("failed to add peer", zap.Error(err))
		return nil, []network.Conn{conn}
	}
	// a no-op until the round has events
	if err := h.queue.BeginFastForward(id); err != nil {
		h.logger.Error("failed to start mid-round sync", zap.Error(err))
	}

	cfg := h.opts.Events
	cfg.TolerateMissing = !h.opts.StrictPeers
	stream := events.NewStream(cfg, h.registry, h.logger.With(zap.Uint16("peer", uint16(id))))
	stream.AttachMetrics(h.opts.Metrics, "peer_to_host")

	p := &remotePeer{id: id, name: hs.Name, conn: conn, stream: stream}
	h.peers[id] = p
	h.byConn[conn.ID()] = p

	h.logger.Info("peer joined",
		zap.Uint16("peer", uint16(id)),
		zap.String("name", hs.Name),
		zap.String("remote", conn.RemoteAddr()))
	return []outgoing{{conn, h.handshakeAck(p), network.ReliableOrdered}}, nil
}

func (h *Host) allocatePeerID() (events.PeerID, error) {
	for n := 0; n < 1<<16; n++ {
		id := h.nextPeer
		h.nextPeer++
		if h.nextPeer == 0 {
			h.nextPeer = 1
		}
		if _, used := h.peers[id]; !used && id != 0 {
			return id, nil
		}
	}
	return 0, errors.New("no free peer IDs")
}

func (h *Host) handshakeAck(p *remotePeer) []byte {
	ack := &protocol.HandshakeAck{PeerID: uint16(p.id), SessionID: h.sessionID}
	return protocol.NewPacket(protocol.MsgTypeHandshakeAck, ack.Encode()).Encode()
}

func (h *Host) handlePong(p *remotePeer, payload []byte) {
	var pong protocol.Ping
	if err := pong.Decode(payload); err != nil {
		return
	}
	rtt := h.opts.Clock.Now().Sub(time.Unix(0, pong.Timestamp))
	if rtt < 0 {
		return
	}
	p.rtt = rtt
	if err := h.queue.SetRoundTrip(p.id, rtt); err != nil {
		h.logger.Debug("failed to set round trip", zap.Error(err))
	}
}

func (h *Host) handleData(p *remotePeer, payload []byte) ([]outgoing, []network.Conn) {
	sentAt := h.opts.Clock.Now().Add(-p.rtt / 2)
	gotBatch, err := readSegments(payload, p.stream, sentAt, func(ack protocol.EventID) error {
		return h.queue.Acknowledge(p.id, ack)
	})
	if gotBatch {
		p.ackDirty = true
	}
	if err == nil {
		return nil, nil
	}

	var missing *events.MissingEntityError
	if errors.As(err, &missing) {
		h.logger.Error("peer sent event for unknown entity",
			zap.Uint16("peer", uint16(p.id)),
			zap.Uint16("event_id", uint16(missing.EventID)),
			zap.Uint16("entity_id", uint16(missing.EntityID)))
		h.record(p, "missing_entity", missing.EventID, missing.EntityID, err.Error())
		return []outgoing{{p.conn, disconnectFrame(protocol.ReasonMissingEntity, err.Error()), network.ReliableOrdered}},
			[]network.Conn{p.conn}
	}

	h.logger.Warn("malformed data from peer", zap.Uint16("peer", uint16(p.id)), zap.Error(err))
	return nil, nil
}

func (h *Host) record(p *remotePeer, kind string, eventID protocol.EventID, entityID entity.ID, detail string) {
	if h.opts.Recorder == nil {
		return
	}
	report := storage.DesyncReport{
		SessionID: h.sessionID,
		Peer:      uint16(p.id),
		PeerName:  p.name,
		Kind:      kind,
		EventID:   uint16(eventID),
		EntityID:  uint16(entityID),
		Detail:    detail,
	}
	if err := h.opts.Recorder.Record(report); err != nil {
		h.logger.Warn("failed to record desync", zap.Error(err))
	}
}

// Tick audits every peer, drops the ones that fell out of sync and sends
// each remaining peer its acks and due events.
func (h *Host) Tick() error {
	var out []outgoing
	var drop []network.Conn
	var errs error

	h.mu.Lock()
	for _, d := range h.queue.Audit() {
		p, ok := h.peers[d.Peer]
		if !ok {
			continue
		}
		h.record(p, d.Reason.String(), d.EventID, d.EntityID, d.String())
		out = append(out, outgoing{p.conn, disconnectFrame(desyncReason(d.Reason), d.String()), network.ReliableOrdered})
		drop = append(drop, p.conn)
		h.removePeer(p)
	}

	now := h.opts.Clock.Now()
	for _, id := range h.peerIDs() {
		p := h.peers[id]
		if p.roundPending {
			continue
		}

		frame, method, err := h.buildData(p.id, p.stream.LastReceived(), p.ackDirty)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("peer %d: %w", p.id, err))
			continue
		}
		if frame != nil {
			out = append(out, outgoing{p.conn, frame, method})
			p.ackDirty = false
		}

		if now.Sub(p.lastPing) >= h.opts.PingInterval {
			p.lastPing = now
			out = append(out, outgoing{p.conn, pingFrame(protocol.MsgTypePing, now.UnixNano()), network.Unreliable})
		}
	}
	h.mu.Unlock()

	send(out, h.logger)
	for _, c := range drop {
		errs = multierr.Append(errs, c.Close())
	}
	return errs
}

// StartRound clears every queue and stream so a new round starts from
// event ID 1. Peers ignore data until they confirm the restart.
func (h *Host) StartRound() {
	var out []outgoing

	h.mu.Lock()
	h.queue.Clear()
	frame := protocol.NewPacket(protocol.MsgTypeRoundStart, nil).Encode()
	for _, p := range h.peers {
		p.stream.Clear()
		p.ackDirty = false
		p.roundPending = true
		out = append(out, outgoing{p.conn, frame, network.ReliableOrdered})
	}
	h.mu.Unlock()

	h.logger.Info("round started", zap.Int("peers", len(out)))
	send(out, h.logger)
}

// Peers returns a snapshot of every connected peer, ordered by ID
func (h *Host) Peers() []PeerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	infos := make([]PeerInfo, 0, len(h.peers))
	for _, id := range h.peerIDs() {
		p := h.peers[id]
		stats, _ := h.queue.Peer(id)
		infos = append(infos, PeerInfo{
			ID:           id,
			Name:         p.name,
			RemoteAddr:   p.conn.RemoteAddr(),
			RoundTrip:    p.rtt,
			LastReceived: p.stream.LastReceived(),
			Queue:        stats,
		})
	}
	return infos
}

// Close tells every peer the host is going away and closes their
// connections.
func (h *Host) Close() error {
	h.mu.Lock()
	conns := make([]network.Conn, 0, len(h.peers))
	for _, p := range h.peers {
		conns = append(conns, p.conn)
	}
	h.mu.Unlock()

	frame := disconnectFrame(protocol.ReasonShutdown, "host shutting down")
	var err error
	for _, c := range conns {
		_ = c.Send(frame, network.ReliableOrdered)
		err = multierr.Append(err, c.Close())
	}
	return err
}

func (h *Host) peerIDs() []events.PeerID {
	ids := make([]events.PeerID, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// pingEcho turns a ping payload into a pong frame
func pingEcho(payload []byte) []byte {
	return protocol.NewPacket(protocol.MsgTypePong, payload).Encode()
}
