package events

import (
	"time"

	"github.com/ZentaChain/entitysync/pkg/entity"
	"github.com/ZentaChain/entitysync/pkg/protocol"
)

// Event is one pending state change for an entity
type Event struct {
	ID        protocol.EventID
	Entity    *entity.Entity
	Data      entity.Data
	Payload   []byte
	CreatedAt time.Time

	sent bool
}

// Sent reports whether the event has been written to any peer
func (ev *Event) Sent() bool {
	return ev.sent
}

// IsDuplicate reports whether other carries the same change for the same
// entity.
func (ev *Event) IsDuplicate(other *Event) bool {
	if ev.Entity != other.Entity {
		return false
	}
	codec := ev.Entity.Codec()
	if codec == nil || codec.IsDuplicate == nil {
		return false
	}
	return codec.IsDuplicate(ev.Data, other.Data)
}

// placeholder events go out as the null sentinel so the receiver's cursor
// still advances while a reused ID is never fed a stale payload.
func (ev *Event) placeholder() bool {
	return ev.Entity.IDFreed()
}

func (ev *Event) wireSize() int {
	if ev.placeholder() {
		return 2
	}
	return 3 + len(ev.Payload)
}
