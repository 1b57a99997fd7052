package events

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/entitysync/pkg/entity"
	"github.com/ZentaChain/entitysync/pkg/protocol"
)

// DesyncReason says why a peer can no longer be kept in sync
type DesyncReason uint8

const (
	// DesyncRemovedEvent: the peer expects an event the queue already dropped
	DesyncRemovedEvent DesyncReason = iota + 1
	// DesyncOldEvent: the peer has left an event unacknowledged too long
	DesyncOldEvent
	// DesyncSyncTimeout: the peer never acknowledged its mid-round sync
	DesyncSyncTimeout
)

func (r DesyncReason) String() string {
	switch r {
	case DesyncRemovedEvent:
		return "removed_event"
	case DesyncOldEvent:
		return "old_event"
	case DesyncSyncTimeout:
		return "sync_timeout"
	default:
		return "unknown"
	}
}

// Desync describes a peer that should be disconnected
type Desync struct {
	Peer     PeerID
	Reason   DesyncReason
	EventID  protocol.EventID
	EntityID entity.ID
	Age      time.Duration
}

func (d Desync) String() string {
	return fmt.Sprintf("peer %d %s at event %d (entity %d, %s)",
		d.Peer, d.Reason, d.EventID, d.EntityID, d.Age.Round(time.Millisecond))
}

// Audit reports peers the queue can no longer bring up to date. It does not
// change any state; the caller decides what to do with the peers.
func (q *Queue) Audit() []Desync {
	now := q.clock.Now()
	var out []Desync

	for _, id := range q.peerIDs() {
		peer := q.peers[id]

		if peer.fastForward {
			if now.After(peer.syncDeadline) {
				out = append(out, Desync{
					Peer:    id,
					Reason:  DesyncSyncTimeout,
					EventID: peer.firstNewID,
					Age:     now.Sub(peer.JoinedAt),
				})
			}
			continue
		}

		expected := peer.LastAcknowledged + 1
		idx := q.indexOf(expected)
		if idx < 0 {
			if len(q.events) > 0 && protocol.IDMoreRecent(q.events[0].ID, expected) {
				out = append(out, Desync{
					Peer:    id,
					Reason:  DesyncRemovedEvent,
					EventID: expected,
				})
			}
			continue
		}

		ev := q.events[idx]
		if age := now.Sub(ev.CreatedAt); age > q.cfg.OldEventTimeout {
			out = append(out, Desync{
				Peer:     id,
				Reason:   DesyncOldEvent,
				EventID:  ev.ID,
				EntityID: ev.Entity.ID(),
				Age:      age,
			})
		}
	}

	q.warnIfLagging(now)

	for _, d := range out {
		q.logger.Warn("peer out of sync", zap.Stringer("desync", d))
	}
	return out
}

func (q *Queue) warnIfLagging(now time.Time) {
	if len(q.events) == 0 {
		return
	}
	head := q.events[0]
	age := now.Sub(head.CreatedAt)
	if age <= q.cfg.LagWarningInterval {
		return
	}
	if q.lagWarned && now.Sub(q.lastLagWarning) < q.cfg.LagWarningInterval {
		return
	}

	for _, p := range q.peers {
		if !p.acked(head.ID) {
			q.lagWarned = true
			q.lastLagWarning = now
			q.logger.Warn("outbound events lagging behind",
				zap.Uint16("oldest_event", uint16(head.ID)),
				zap.Duration("age", age),
				zap.Int("pending", len(q.events)))
			return
		}
	}
}
