package events

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/entitysync/pkg/bitmsg"
	"github.com/ZentaChain/entitysync/pkg/entity"
	"github.com/ZentaChain/entitysync/pkg/protocol"
)

// Stream applies the events received from one peer exactly once and in ID
// order.
//
// Stream is not safe for concurrent use.
type Stream struct {
	cfg      Config
	resolver entity.Resolver
	logger   *zap.Logger
	metrics  direction

	lastReceived protocol.EventID
	started      bool
	target       protocol.EventID
	unreceived   uint16
	hasTarget    bool
}

// NewStream creates a stream resolving entities through resolver
func NewStream(cfg Config, resolver entity.Resolver, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger.Named("inbound"),
	}
}

// AttachMetrics reports stream activity under the given direction label
func (s *Stream) AttachMetrics(m *Metrics, label string) {
	s.metrics = direction{m: m, label: label}
}

// LastReceived returns the ID of the last event consumed
func (s *Stream) LastReceived() protocol.EventID {
	return s.lastReceived
}

// PendingFastForward returns the ID the stream will jump to on the next
// batch, if a sync header is waiting.
func (s *Stream) PendingFastForward() (protocol.EventID, bool) {
	return s.target, s.hasTarget
}

// Clear resets the stream for a new round
func (s *Stream) Clear() {
	s.lastReceived = 0
	s.started = false
	s.target = 0
	s.unreceived = 0
	s.hasTarget = false
}

// ReadInitial reads a mid-round sync header. The jump happens on the next
// Read and puts the cursor just before the unreceived catch-up events that
// precede firstNew. A header that would move the cursor backwards is
// ignored.
func (s *Stream) ReadInitial(r *bitmsg.Reader) error {
	unreceived := r.ReadUint16()
	firstNew := protocol.EventID(r.ReadUint16())
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: sync header: %v", ErrMalformedBatch, err)
	}

	if s.started && !protocol.IDMoreRecent(jumpTo(firstNew, unreceived), s.lastReceived) {
		s.logger.Debug("ignoring stale sync header",
			zap.Uint16("first_new_id", uint16(firstNew)),
			zap.Uint16("last_received", uint16(s.lastReceived)))
		return nil
	}

	if !s.hasTarget || s.target != firstNew {
		s.logger.Info("mid-round sync",
			zap.Uint16("first_new_id", uint16(firstNew)),
			zap.Uint16("unreceived", unreceived))
	}
	s.target = firstNew
	s.unreceived = unreceived
	s.hasTarget = true
	return nil
}

// jumpTo is the cursor a sync header moves the stream to
func jumpTo(firstNew protocol.EventID, unreceived uint16) protocol.EventID {
	return firstNew - 1 - protocol.EventID(unreceived)
}

// Read consumes one event batch. sentAt is handed to each codec's Decode.
//
// If the next expected event targets an entity that cannot be resolved, Read
// stops and returns a *MissingEntityError without consuming that event,
// unless the stream tolerates missing entities.
func (s *Stream) Read(r *bitmsg.Reader, sentAt time.Time) error {
	if s.hasTarget {
		s.lastReceived = jumpTo(s.target, s.unreceived)
		s.hasTarget = false
		s.started = true
	}

	firstID := protocol.EventID(r.ReadUint16())
	count := int(r.ReadUint8())
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: batch header: %v", ErrMalformedBatch, err)
	}

	for i := 0; i < count; i++ {
		id := firstID + protocol.EventID(i)
		entityID := entity.ID(r.ReadUint16())
		if err := r.Err(); err != nil {
			return fmt.Errorf("%w: event %d: %v", ErrMalformedBatch, id, err)
		}

		if entityID == entity.NullID {
			if id == s.lastReceived+1 {
				s.lastReceived++
				s.started = true
				s.metrics.inc(placeholders)
			}
			r.ReadPadBits()
			continue
		}

		length := int(r.ReadUint8())
		start := r.BitPosition()
		end := start + length*8
		if r.Err() != nil || end > r.LengthBits() {
			return fmt.Errorf("%w: event %d declares %d bytes past the end", ErrMalformedBatch, id, length)
		}

		if id != s.lastReceived+1 {
			s.logger.Debug("skipping event",
				zap.Uint16("event_id", uint16(id)),
				zap.Uint16("last_received", uint16(s.lastReceived)))
			s.metrics.inc(skipped)
			r.SeekBit(end)
			r.ReadPadBits()
			continue
		}

		target, ok := s.resolver.Resolve(entityID)
		if !ok {
			if !s.cfg.TolerateMissing {
				r.SeekBit(start)
				return &MissingEntityError{EventID: id, EntityID: entityID}
			}
			s.logger.Warn("skipping event for unknown entity",
				zap.Uint16("event_id", uint16(id)),
				zap.Uint16("entity_id", uint16(entityID)))
			s.lastReceived++
			s.started = true
			s.metrics.inc(skipped)
			r.SeekBit(end)
			r.ReadPadBits()
			continue
		}

		s.lastReceived++
		s.started = true
		payload := r.ReadBytes(length)
		if err := s.dispatch(target, payload, sentAt); err != nil {
			s.logger.Warn("failed to apply event",
				zap.Uint16("event_id", uint16(id)),
				zap.Stringer("entity", target),
				zap.Error(err))
			s.metrics.inc(decodeFailed)
		} else {
			s.metrics.inc(applied)
		}
		r.SeekBit(end)
		r.ReadPadBits()
	}
	return nil
}

func (s *Stream) dispatch(target *entity.Entity, payload []byte, sentAt time.Time) (err error) {
	codec := target.Codec()
	if codec == nil || codec.Decode == nil {
		return fmt.Errorf("%w: %s", ErrNoCodec, target)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", ErrDecodeFailed, rec)
		}
	}()

	pr := bitmsg.NewReader(payload)
	if err := codec.Decode(target, pr, sentAt); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if err := pr.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return nil
}
