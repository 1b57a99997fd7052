package events

import (
	"time"

	"github.com/ZentaChain/entitysync/pkg/protocol"
)

// PeerID identifies a remote peer within one queue
type PeerID uint16

// PeerState is the queue's view of one remote peer
type PeerState struct {
	ID               PeerID
	LastAcknowledged protocol.EventID
	RoundTrip        time.Duration
	JoinedAt         time.Time

	// last time each event was written to this peer; absence means never
	lastSent map[protocol.EventID]time.Time

	fastForward  bool
	firstNewID   protocol.EventID
	unreceived   uint16
	syncDeadline time.Time

	// catch-up events owed before the peer reaches firstNewID
	catchUp      []*Event
	catchUpAcked protocol.EventID
}

func newPeerState(id PeerID, now time.Time) *PeerState {
	return &PeerState{
		ID:       id,
		JoinedAt: now,
		lastSent: make(map[protocol.EventID]time.Time),
	}
}

// FastForwarding reports whether the peer still has to acknowledge its
// initial sync header.
func (p *PeerState) FastForwarding() bool {
	return p.fastForward
}

// acked reports whether the peer has acknowledged id
func (p *PeerState) acked(id protocol.EventID) bool {
	return !protocol.IDMoreRecent(id, p.LastAcknowledged)
}

// caughtUp reports whether the peer has acknowledged catch-up event id
func (p *PeerState) caughtUp(id protocol.EventID) bool {
	return !protocol.IDMoreRecent(id, p.catchUpAcked)
}

func (p *PeerState) forget(upTo protocol.EventID) {
	for id := range p.lastSent {
		if !protocol.IDMoreRecent(id, upTo) {
			delete(p.lastSent, id)
		}
	}
}

// PeerStats is a snapshot of one peer for diagnostics
type PeerStats struct {
	ID               PeerID           `json:"id"`
	LastAcknowledged protocol.EventID `json:"last_acknowledged"`
	RoundTrip        time.Duration    `json:"round_trip_ns"`
	InFlight         int              `json:"in_flight"`
	FastForward      bool             `json:"fast_forward"`
	FirstNewID       protocol.EventID `json:"first_new_id,omitempty"`
	Unreceived       uint16           `json:"unreceived,omitempty"`
}

func (p *PeerState) stats() PeerStats {
	s := PeerStats{
		ID:               p.ID,
		LastAcknowledged: p.LastAcknowledged,
		RoundTrip:        p.RoundTrip,
		InFlight:         len(p.lastSent),
		FastForward:      p.fastForward,
	}
	if p.fastForward {
		s.FirstNewID = p.firstNewID
		s.Unreceived = p.unreceived
	}
	return s
}
