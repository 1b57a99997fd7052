package entity

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ZentaChain/entitysync/pkg/bitmsg"
)

// ID identifies an entity on both ends of a connection
type ID uint16

const (
	// NullID is never handed out. On the wire it marks an event whose
	// target no longer exists.
	NullID ID = 0

	// MaxID is the largest assignable ID
	MaxID ID = math.MaxUint16
)

// Kind tags an entity with the codec that encodes its events
type Kind uint8

// Data describes what an event should replicate. Its concrete type is
// defined by the kind's codec.
type Data any

var (
	ErrKindRegistered = errors.New("entity kind already registered")
	ErrInvalidCodec   = errors.New("codec must provide Encode and Decode")
	ErrUnknownKind    = errors.New("unknown entity kind")
	ErrIDInUse        = errors.New("entity ID already in use")
	ErrRegistryFull   = errors.New("no free entity IDs")
)

// Codec encodes and applies events for one kind of entity
type Codec struct {
	Name string

	// Encode writes the event payload for data. A nil data writes e's
	// current state; peers joining mid-round are caught up with it.
	Encode func(e *Entity, w *bitmsg.Writer, data Data) error

	// Decode applies a received payload to e
	Decode func(e *Entity, r *bitmsg.Reader, sentAt time.Time) error

	// IsDuplicate reports whether two pending events carry the same
	// information. Nil means events are never duplicates.
	IsDuplicate func(a, b Data) bool
}

// Entity is a replicated object referenced by events
type Entity struct {
	id      ID
	kind    Kind
	codec   *Codec
	removed bool
	idFreed bool

	// State holds the kind-specific state mutated by the codec
	State any
}

// New creates a detached entity. Registries use it internally; tests use it
// to build entities without a registry.
func New(id ID, kind Kind, codec *Codec, state any) *Entity {
	return &Entity{id: id, kind: kind, codec: codec, State: state}
}

// ID returns the entity's ID
func (e *Entity) ID() ID { return e.id }

// Kind returns the entity's kind
func (e *Entity) Kind() Kind { return e.kind }

// Codec returns the codec resolved when the entity was created
func (e *Entity) Codec() *Codec { return e.codec }

// Removed reports whether the entity has been removed from the world
func (e *Entity) Removed() bool { return e.removed }

// IDFreed reports whether the entity's ID has been released for reuse
func (e *Entity) IDFreed() bool { return e.idFreed }

// Available reports whether events may still be created for the entity
func (e *Entity) Available() bool { return !e.removed && !e.idFreed }

func (e *Entity) String() string {
	if e == nil {
		return "<nil>"
	}
	name := "?"
	if e.codec != nil {
		name = e.codec.Name
	}
	return fmt.Sprintf("%s#%d", name, e.id)
}

// Resolver looks up live entities by ID
type Resolver interface {
	Resolve(id ID) (*Entity, bool)
}

// Kinds is the closed set of entity kinds known to a node
type Kinds struct {
	codecs map[Kind]*Codec
}

// NewKinds creates an empty kind table
func NewKinds() *Kinds {
	return &Kinds{codecs: make(map[Kind]*Codec)}
}

// Register adds a codec for kind
func (k *Kinds) Register(kind Kind, codec Codec) error {
	if _, exists := k.codecs[kind]; exists {
		return fmt.Errorf("%w: %d", ErrKindRegistered, kind)
	}
	if codec.Encode == nil || codec.Decode == nil {
		return fmt.Errorf("%w: %s", ErrInvalidCodec, codec.Name)
	}
	c := codec
	k.codecs[kind] = &c
	return nil
}

// Lookup returns the codec registered for kind
func (k *Kinds) Lookup(kind Kind) (*Codec, bool) {
	c, ok := k.codecs[kind]
	return c, ok
}
