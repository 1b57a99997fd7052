package events

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ZentaChain/entitysync/pkg/bitmsg"
	"github.com/ZentaChain/entitysync/pkg/entity"
	"github.com/ZentaChain/entitysync/pkg/protocol"
)

// batchOverhead is the segment tag plus the batch's first ID and count
const batchOverhead = 1 + 2 + 1

// maxCatchUp keeps a catch-up inside the half of the ID space that compares
// as older than the first live event.
const maxCatchUp = math.MaxInt16

// Queue holds the events one node still owes its peers. A single queue
// serves every peer of a direction: events leave it once all peers have
// acknowledged them.
//
// Queue is not safe for concurrent use.
type Queue struct {
	cfg     Config
	clock   clock.Clock
	logger  *zap.Logger
	metrics direction

	lastID  protocol.EventID
	created uint64
	events  []*Event
	peers   map[PeerID]*PeerState
	scratch *bitmsg.Writer

	// entities with events this round, in order of their first event
	touched   []*entity.Entity
	isTouched map[*entity.Entity]struct{}

	lastLagWarning time.Time
	lagWarned      bool
}

// NewQueue creates an empty outbound queue. A nil clock uses the wall clock
// and a nil logger discards output.
func NewQueue(cfg Config, clk clock.Clock, logger *zap.Logger) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:       cfg,
		clock:     clk,
		logger:    logger.Named("outbound"),
		peers:     make(map[PeerID]*PeerState),
		scratch:   bitmsg.NewWriter(cfg.MaxEventPayload),
		isTouched: make(map[*entity.Entity]struct{}),
	}
}

// AttachMetrics reports queue activity under the given direction label
func (q *Queue) AttachMetrics(m *Metrics, label string) {
	q.metrics = direction{m: m, label: label}
}

// CreateEvent queues a change for e. A request equal to an event that has
// not been sent yet is folded into it and that event is returned; no new ID
// is used.
func (q *Queue) CreateEvent(e *entity.Entity, data entity.Data) (*Event, error) {
	if e == nil || !e.Available() {
		q.logger.Error("cannot create event for unavailable entity", zap.Stringer("entity", e))
		return nil, ErrEntityUnavailable
	}

	candidate := &Event{Entity: e, Data: data}
	for i := len(q.events) - 1; i >= 0; i-- {
		ev := q.events[i]
		// unsent events always form the tail of the queue
		if ev.sent {
			break
		}
		if ev.IsDuplicate(candidate) {
			q.metrics.inc(deduplicated)
			return ev, nil
		}
	}

	payload, err := q.encode(e, data)
	if err != nil {
		return nil, err
	}

	q.lastID++
	q.created++
	ev := &Event{
		ID:        q.lastID,
		Entity:    e,
		Data:      data,
		Payload:   payload,
		CreatedAt: q.clock.Now(),
	}
	q.events = append(q.events, ev)
	if _, ok := q.isTouched[e]; !ok {
		q.isTouched[e] = struct{}{}
		q.touched = append(q.touched, e)
	}

	q.metrics.inc(created)
	q.metrics.setPending(len(q.events))
	return ev, nil
}

func (q *Queue) encode(e *entity.Entity, data entity.Data) ([]byte, error) {
	codec := e.Codec()
	if codec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCodec, e)
	}

	q.scratch.Reset()
	err := codec.Encode(e, q.scratch, data)
	overflow := errors.Is(err, bitmsg.ErrOverflow) || errors.Is(q.scratch.Err(), bitmsg.ErrOverflow)
	if overflow || q.scratch.LengthBytes() > q.cfg.MaxEventPayload {
		tooLarge := fmt.Errorf("%w: %s event is over %d bytes", ErrPayloadTooLarge, codec.Name, q.cfg.MaxEventPayload)
		if q.cfg.Debug {
			panic(tooLarge)
		}
		q.logger.Error("event payload too large", zap.Stringer("entity", e), zap.Error(tooLarge))
		return nil, tooLarge
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", codec.Name, err)
	}
	return q.scratch.Bytes(), nil
}

// AddPeer starts tracking a peer that expects every event from the start of
// the round.
func (q *Queue) AddPeer(id PeerID) error {
	if _, exists := q.peers[id]; exists {
		return fmt.Errorf("%w: %d", ErrPeerExists, id)
	}
	q.peers[id] = newPeerState(id, q.clock.Now())
	return nil
}

// RemovePeer drops a peer and everything the queue tracked for it
func (q *Queue) RemovePeer(id PeerID) {
	if _, ok := q.peers[id]; !ok {
		return
	}
	delete(q.peers, id)
	q.trim()
}

// BeginFastForward lets a peer that joins mid-round skip the history it
// never saw. Instead of the history the peer gets one catch-up event per live
// entity changed this round, carrying that entity's current state. The
// catch-up takes the IDs just before the next ID the queue allocates, so the
// peer's cursor lands on the live stream once it has applied all of them.
// The peer counts as having acknowledged every real event before that ID.
func (q *Queue) BeginFastForward(id PeerID) error {
	peer, ok := q.peers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	if q.created == 0 {
		return nil
	}

	now := q.clock.Now()
	firstNew := q.lastID + 1
	catchUp := q.snapshot(firstNew, now)

	peer.fastForward = true
	peer.firstNewID = firstNew
	peer.unreceived = uint16(len(catchUp))
	peer.catchUp = catchUp
	peer.catchUpAcked = firstNew - 1 - protocol.EventID(len(catchUp))
	peer.LastAcknowledged = q.lastID
	peer.syncDeadline = now.Add(q.cfg.FastForwardTimeout)
	clear(peer.lastSent)

	q.logger.Info("peer joining mid-round",
		zap.Uint16("peer", uint16(id)),
		zap.Uint16("first_new_id", uint16(peer.firstNewID)),
		zap.Uint16("unreceived", peer.unreceived))
	return nil
}

// snapshot encodes the current state of every live entity changed this round
// and numbers the events so the last one sits just before firstNew. Entities
// whose codec cannot encode their current state are left out.
func (q *Queue) snapshot(firstNew protocol.EventID, now time.Time) []*Event {
	live := q.touched[:0]
	for _, e := range q.touched {
		if e.Available() {
			live = append(live, e)
		} else {
			delete(q.isTouched, e)
		}
	}
	clear(q.touched[len(live):])
	q.touched = live

	out := make([]*Event, 0, len(live))
	for _, e := range live {
		payload, err := q.encode(e, nil)
		if err != nil {
			q.logger.Debug("entity left out of catch-up", zap.Stringer("entity", e), zap.Error(err))
			continue
		}
		out = append(out, &Event{Entity: e, Payload: payload, CreatedAt: now})
	}
	if len(out) > maxCatchUp {
		q.logger.Error("catch-up truncated",
			zap.Int("entities", len(out)),
			zap.Int("max", maxCatchUp))
		out = out[len(out)-maxCatchUp:]
	}

	base := firstNew - protocol.EventID(len(out))
	for i, ev := range out {
		ev.ID = base + protocol.EventID(i)
	}
	return out
}

// Acknowledge records that a peer has applied every event up to ack
func (q *Queue) Acknowledge(id PeerID, ack protocol.EventID) error {
	peer, ok := q.peers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}

	if protocol.IDMoreRecent(ack, q.lastID) {
		q.logger.Warn("peer acknowledged an event that was never created",
			zap.Uint16("peer", uint16(id)),
			zap.Uint16("ack", uint16(ack)),
			zap.Uint16("last_id", uint16(q.lastID)))
		return nil
	}

	if peer.fastForward {
		if ack != peer.firstNewID-1 && !protocol.IDMoreRecent(ack, peer.firstNewID-1) {
			// still working through its catch-up, or acking its pre-sync cursor
			if protocol.IDMoreRecent(ack, peer.catchUpAcked) && protocol.IDMoreRecent(peer.firstNewID, ack) {
				peer.catchUpAcked = ack
				peer.forget(ack)
			}
			return nil
		}
		peer.fastForward = false
		peer.catchUp = nil
		peer.forget(ack)
		q.logger.Debug("peer finished mid-round sync", zap.Uint16("peer", uint16(id)))
	}

	if protocol.IDMoreRecent(ack, peer.LastAcknowledged) {
		peer.LastAcknowledged = ack
		peer.forget(ack)
		q.trim()
	}
	return nil
}

// SetRoundTrip updates the round-trip estimate used for resend backoff
func (q *Queue) SetRoundTrip(id PeerID, rtt time.Duration) error {
	peer, ok := q.peers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	peer.RoundTrip = rtt
	return nil
}

// Flush writes the events due for a peer into w and returns how many were
// written. Zero means no batch segment was emitted. A pending sync header is
// written ahead of the batch until the peer acknowledges it; while it is
// pending the batch carries the peer's catch-up instead of live events.
func (q *Queue) Flush(id PeerID, w *bitmsg.Writer) (int, error) {
	peer, ok := q.peers[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}

	q.trim()
	now := q.clock.Now()

	pending, acked := q.events, peer.acked
	if peer.fastForward {
		w.WriteUint8(protocol.SegmentEntityEventInitial)
		w.WriteUint16(peer.unreceived)
		w.WriteUint16(uint16(peer.firstNewID))
		if len(peer.catchUp) > 0 {
			pending, acked = peer.catchUp, peer.caughtUp
		}
	}

	interval := q.resendInterval(peer)
	first := -1
	for i, ev := range pending {
		if acked(ev.ID) {
			continue
		}
		sentAt, wasSent := peer.lastSent[ev.ID]
		if !wasSent || now.Sub(sentAt) > interval {
			first = i
			break
		}
	}
	if first < 0 {
		q.writeEmptyBatch(peer, w)
		return 0, w.Err()
	}

	budget := w.RemainingBytes() - batchOverhead
	end := first
	for end < len(pending) && end-first < q.cfg.MaxEventsPerBatch {
		size := pending[end].wireSize()
		if size > budget {
			break
		}
		budget -= size
		end++
	}
	if end == first {
		q.logger.Debug("no room for event batch", zap.Int("remaining", w.RemainingBytes()))
		q.writeEmptyBatch(peer, w)
		return 0, w.Err()
	}

	batch := pending[first:end]
	w.WriteUint8(protocol.SegmentEntityEvent)
	w.WriteUint16(uint16(batch[0].ID))
	w.WriteUint8(uint8(len(batch)))
	for _, ev := range batch {
		if ev.placeholder() {
			w.WriteUint16(uint16(entity.NullID))
			q.metrics.inc(placeholders)
		} else {
			w.WriteUint16(uint16(ev.Entity.ID()))
			w.WriteUint8(uint8(len(ev.Payload)))
			w.WriteBytes(ev.Payload)
		}
		w.WritePadBits()

		if _, again := peer.lastSent[ev.ID]; again {
			q.metrics.inc(resent)
		} else {
			q.metrics.inc(sent)
		}
		peer.lastSent[ev.ID] = now
		ev.sent = true
	}

	if err := w.Err(); err != nil {
		return 0, fmt.Errorf("failed to write event batch: %w", err)
	}
	return len(batch), nil
}

// writeEmptyBatch gives a syncing peer a batch to apply its jump on when
// there is nothing else to send.
func (q *Queue) writeEmptyBatch(peer *PeerState, w *bitmsg.Writer) {
	if !peer.fastForward {
		return
	}
	w.WriteUint8(protocol.SegmentEntityEvent)
	w.WriteUint16(uint16(peer.firstNewID))
	w.WriteUint8(0)
}

func (q *Queue) resendInterval(peer *PeerState) time.Duration {
	return max(q.cfg.ResendFloor, peer.RoundTrip)
}

// trim drops the prefix every peer has acknowledged
func (q *Queue) trim() {
	if len(q.peers) == 0 || len(q.events) == 0 {
		return
	}

	n := 0
	for n < len(q.events) {
		id := q.events[n].ID
		ackedByAll := true
		for _, p := range q.peers {
			if !p.acked(id) {
				ackedByAll = false
				break
			}
		}
		if !ackedByAll {
			break
		}
		n++
	}
	if n == 0 {
		return
	}

	for _, p := range q.peers {
		p.forget(q.events[n-1].ID)
	}
	q.events = slices.Delete(q.events, 0, n)
	q.metrics.setPending(len(q.events))
}

// indexOf returns the position of id in the queue or -1
func (q *Queue) indexOf(id protocol.EventID) int {
	if len(q.events) == 0 {
		return -1
	}
	off := int(id - q.events[0].ID)
	if off < len(q.events) {
		return off
	}
	return -1
}

// Clear forgets every event and resets all peers to the start of a new
// round.
func (q *Queue) Clear() {
	q.lastID = 0
	q.created = 0
	q.events = nil
	q.touched = nil
	clear(q.isTouched)
	q.lagWarned = false
	for _, p := range q.peers {
		p.LastAcknowledged = 0
		p.fastForward = false
		p.catchUp = nil
		clear(p.lastSent)
	}
	q.metrics.setPending(0)
}

// LastID returns the most recently allocated event ID
func (q *Queue) LastID() protocol.EventID {
	return q.lastID
}

// Len returns the number of events still held
func (q *Queue) Len() int {
	return len(q.events)
}

// Contains reports whether the event with id is still held
func (q *Queue) Contains(id protocol.EventID) bool {
	return q.indexOf(id) >= 0
}

// Peer returns a snapshot of one peer
func (q *Queue) Peer(id PeerID) (PeerStats, bool) {
	p, ok := q.peers[id]
	if !ok {
		return PeerStats{}, false
	}
	return p.stats(), true
}

// QueueStats is a snapshot of the queue for diagnostics
type QueueStats struct {
	LastID  protocol.EventID `json:"last_id"`
	Created uint64           `json:"created"`
	Pending int              `json:"pending"`
	Unsent  int              `json:"unsent"`
	Peers   []PeerStats      `json:"peers"`
}

// Stats returns a snapshot of the queue
func (q *Queue) Stats() QueueStats {
	s := QueueStats{
		LastID:  q.lastID,
		Created: q.created,
		Pending: len(q.events),
		Peers:   make([]PeerStats, 0, len(q.peers)),
	}
	for _, ev := range q.events {
		if !ev.sent {
			s.Unsent++
		}
	}
	for _, id := range q.peerIDs() {
		s.Peers = append(s.Peers, q.peers[id].stats())
	}
	return s
}

func (q *Queue) peerIDs() []PeerID {
	ids := make([]PeerID, 0, len(q.peers))
	for id := range q.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
