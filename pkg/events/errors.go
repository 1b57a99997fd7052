package events

import (
	"errors"
	"fmt"

	"github.com/ZentaChain/entitysync/pkg/entity"
	"github.com/ZentaChain/entitysync/pkg/protocol"
)

var (
	ErrEntityUnavailable = errors.New("entity is removed or its ID was freed")
	ErrPayloadTooLarge   = errors.New("event payload exceeds size cap")
	ErrNoCodec           = errors.New("entity has no event codec")
	ErrMissingEntity     = errors.New("event targets an unknown entity")
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrPeerExists        = errors.New("peer already registered")
	ErrDecodeFailed      = errors.New("event decode failed")
	ErrMalformedBatch    = errors.New("malformed event batch")
)

// MissingEntityError reports the in-sequence event whose target could not be
// resolved. The stream does not advance past it.
type MissingEntityError struct {
	EventID  protocol.EventID
	EntityID entity.ID
}

func (e *MissingEntityError) Error() string {
	return fmt.Sprintf("event %d targets unknown entity %d", e.EventID, e.EntityID)
}

func (e *MissingEntityError) Unwrap() error {
	return ErrMissingEntity
}
