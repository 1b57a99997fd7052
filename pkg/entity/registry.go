package entity

import (
	"fmt"
)

// Registry owns the entities of one node and hands out their IDs
type Registry struct {
	kinds  *Kinds
	byID   map[ID]*Entity
	nextID ID
}

// NewRegistry creates a registry for the given kinds
func NewRegistry(kinds *Kinds) *Registry {
	return &Registry{
		kinds:  kinds,
		byID:   make(map[ID]*Entity),
		nextID: 1,
	}
}

// Kinds returns the kind table the registry spawns from
func (r *Registry) Kinds() *Kinds {
	return r.kinds
}

// Spawn creates an entity under the lowest free ID at or after the
// allocation cursor, wrapping around and skipping NullID.
func (r *Registry) Spawn(kind Kind, state any) (*Entity, error) {
	codec, ok := r.kinds.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	if len(r.byID) >= int(MaxID) {
		return nil, ErrRegistryFull
	}

	id := r.nextID
	for {
		if id != NullID {
			if _, used := r.byID[id]; !used {
				break
			}
		}
		id++
	}
	r.nextID = id + 1

	e := New(id, kind, codec, state)
	r.byID[id] = e
	return e, nil
}

// SpawnWithID creates an entity under a fixed ID, as a peer does when it
// mirrors an entity announced by the host.
func (r *Registry) SpawnWithID(id ID, kind Kind, state any) (*Entity, error) {
	if id == NullID {
		return nil, fmt.Errorf("%w: %d", ErrIDInUse, id)
	}
	codec, ok := r.kinds.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	if _, used := r.byID[id]; used {
		return nil, fmt.Errorf("%w: %d", ErrIDInUse, id)
	}

	e := New(id, kind, codec, state)
	r.byID[id] = e
	return e, nil
}

// Remove marks e removed and frees its ID for reuse
func (r *Registry) Remove(e *Entity) {
	e.removed = true
	e.idFreed = true
	if current, ok := r.byID[e.id]; ok && current == e {
		delete(r.byID, e.id)
	}
}

// Resolve returns the live entity holding id
func (r *Registry) Resolve(id ID) (*Entity, bool) {
	if id == NullID {
		return nil, false
	}
	e, ok := r.byID[id]
	return e, ok
}

// Len returns the number of live entities
func (r *Registry) Len() int {
	return len(r.byID)
}

// Each calls fn for every live entity in no particular order
func (r *Registry) Each(fn func(*Entity)) {
	for _, e := range r.byID {
		fn(e)
	}
}
