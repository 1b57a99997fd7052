package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ZentaChain/entitysync/pkg/entity"
	"github.com/ZentaChain/entitysync/pkg/entity/kinds"
	"github.com/ZentaChain/entitysync/pkg/session"
)

var labels = []string{"crate", "barrel", "lantern", "rope", "key", "map"}

// buildRegistry spawns n sample entities, alternating doors and items. Host
// and clients build the same registry so their entity IDs line up.
func buildRegistry(n int) (*entity.Registry, error) {
	k := entity.NewKinds()
	if err := kinds.Register(k); err != nil {
		return nil, err
	}
	reg := entity.NewRegistry(k)
	for i := 0; i < n; i++ {
		var err error
		if i%2 == 0 {
			_, err = reg.Spawn(kinds.KindDoor, &kinds.DoorState{})
		} else {
			_, err = reg.Spawn(kinds.KindItem, &kinds.ItemState{Condition: kinds.MaxCondition})
		}
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// runDemo changes a random entity every interval
func runDemo(ctx context.Context, n node, reg *entity.Registry, interval time.Duration, clk clock.Clock, logger *zap.Logger) {
	if reg.Len() == 0 {
		return
	}
	var ids []entity.ID
	reg.Each(func(e *entity.Entity) { ids = append(ids, e.ID()) })

	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id := ids[rand.Intn(len(ids))]
			if err := n.Update(func(w *session.World) error { return mutate(w, id) }); err != nil {
				logger.Debug("demo change not queued", zap.Uint16("entity", uint16(id)), zap.Error(err))
			}
		}
	}
}

func mutate(w *session.World, id entity.ID) error {
	e, ok := w.Registry.Resolve(id)
	if !ok {
		return fmt.Errorf("entity %d is gone", id)
	}

	var data entity.Data
	switch s := e.State.(type) {
	case *kinds.DoorState:
		d := kinds.DoorData{Open: !s.Open, Lock: rand.Intn(kinds.MaxLockLevel + 1)}
		s.Open, s.Lock = d.Open, d.Lock
		data = d
	case *kinds.ItemState:
		condition := s.Condition - rand.Intn(10)
		if condition <= 0 {
			condition = kinds.MaxCondition
		}
		d := kinds.ItemData{
			Condition: condition,
			Label:     fmt.Sprintf("%s-%d", labels[rand.Intn(len(labels))], rand.Intn(100)),
		}
		s.Condition, s.Label = d.Condition, d.Label
		data = d
	default:
		return fmt.Errorf("entity %d has unexpected state %T", id, e.State)
	}

	_, err := w.CreateEvent(e, data)
	return err
}
