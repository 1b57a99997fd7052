// Package kinds provides sample entity kinds used by the demo node and tests.
package kinds

import (
	"errors"
	"fmt"
	"time"

	"github.com/ZentaChain/entitysync/pkg/bitmsg"
	"github.com/ZentaChain/entitysync/pkg/entity"
)

const (
	KindDoor entity.Kind = 1
	KindItem entity.Kind = 2
)

const (
	MaxLockLevel   = 15
	MaxCondition   = 100
	MaxLabelLength = 48
)

var ErrBadData = errors.New("event data does not match entity kind")

// DoorState is the replicated state of a door
type DoorState struct {
	Open      bool
	Lock      int
	ChangedAt time.Time
}

// DoorData requests a door state change
type DoorData struct {
	Open bool
	Lock int
}

// ItemState is the replicated state of an item
type ItemState struct {
	Condition int
	Label     string
	ChangedAt time.Time
}

// ItemData requests an item state change
type ItemData struct {
	Condition int
	Label     string
}

// Register adds the sample kinds to k
func Register(k *entity.Kinds) error {
	if err := k.Register(KindDoor, Door()); err != nil {
		return err
	}
	return k.Register(KindItem, Item())
}

// Door returns the door codec
func Door() entity.Codec {
	return entity.Codec{
		Name: "door",
		Encode: func(e *entity.Entity, w *bitmsg.Writer, data entity.Data) error {
			d, err := doorData(e, data)
			if err != nil {
				return err
			}
			w.WriteBool(d.Open)
			w.WriteRangedInt(d.Lock, 0, MaxLockLevel)
			return w.Err()
		},
		Decode: func(e *entity.Entity, r *bitmsg.Reader, sentAt time.Time) error {
			open := r.ReadBool()
			lock := r.ReadRangedInt(0, MaxLockLevel)
			if err := r.Err(); err != nil {
				return err
			}
			state, ok := e.State.(*DoorState)
			if !ok {
				return fmt.Errorf("%w: %s has state %T", ErrBadData, e, e.State)
			}
			state.Open = open
			state.Lock = lock
			state.ChangedAt = sentAt
			return nil
		},
		IsDuplicate: func(a, b entity.Data) bool {
			da, okA := a.(DoorData)
			db, okB := b.(DoorData)
			return okA && okB && da == db
		},
	}
}

// a nil data descriptor replicates the current state
func doorData(e *entity.Entity, data entity.Data) (DoorData, error) {
	switch d := data.(type) {
	case DoorData:
		return d, nil
	case nil:
		if s, ok := e.State.(*DoorState); ok {
			return DoorData{Open: s.Open, Lock: s.Lock}, nil
		}
	}
	return DoorData{}, fmt.Errorf("%w: %s got %T", ErrBadData, e, data)
}

// Item returns the item codec
func Item() entity.Codec {
	return entity.Codec{
		Name: "item",
		Encode: func(e *entity.Entity, w *bitmsg.Writer, data entity.Data) error {
			d, ok := data.(ItemData)
			if !ok {
				s, isState := e.State.(*ItemState)
				if data != nil || !isState {
					return fmt.Errorf("%w: %s got %T", ErrBadData, e, data)
				}
				d = ItemData{Condition: s.Condition, Label: s.Label}
			}
			if len(d.Label) > MaxLabelLength {
				return fmt.Errorf("item label is %d bytes, max %d", len(d.Label), MaxLabelLength)
			}
			w.WriteRangedInt(d.Condition, 0, MaxCondition)
			w.WriteString(d.Label)
			return w.Err()
		},
		Decode: func(e *entity.Entity, r *bitmsg.Reader, sentAt time.Time) error {
			condition := r.ReadRangedInt(0, MaxCondition)
			label := r.ReadString()
			if err := r.Err(); err != nil {
				return err
			}
			state, ok := e.State.(*ItemState)
			if !ok {
				return fmt.Errorf("%w: %s has state %T", ErrBadData, e, e.State)
			}
			state.Condition = condition
			state.Label = label
			state.ChangedAt = sentAt
			return nil
		},
		// item events carry deltas the receiver must see in order
		IsDuplicate: nil,
	}
}
