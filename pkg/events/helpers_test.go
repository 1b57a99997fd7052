package events

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZentaChain/entitysync/pkg/bitmsg"
	"github.com/ZentaChain/entitysync/pkg/entity"
	"github.com/ZentaChain/entitysync/pkg/protocol"
)

const (
	kindCounter entity.Kind = 1
	kindBulky   entity.Kind = 2

	failValue  uint8 = 0xEE
	panicValue uint8 = 0xFF
)

type counterState struct {
	values []uint8
}

type counterData struct {
	Value uint8
	Key   string
}

func testKinds(t *testing.T) *entity.Kinds {
	t.Helper()
	k := entity.NewKinds()
	require.NoError(t, k.Register(kindCounter, entity.Codec{
		Name: "counter",
		Encode: func(e *entity.Entity, w *bitmsg.Writer, data entity.Data) error {
			if data == nil {
				// current state is the last value applied
				st := e.State.(*counterState)
				if len(st.values) == 0 {
					return errors.New("no state to encode")
				}
				w.WriteUint8(st.values[len(st.values)-1])
				return w.Err()
			}
			w.WriteUint8(data.(counterData).Value)
			return w.Err()
		},
		Decode: func(e *entity.Entity, r *bitmsg.Reader, _ time.Time) error {
			v := r.ReadUint8()
			if err := r.Err(); err != nil {
				return err
			}
			switch v {
			case failValue:
				return errors.New("rejected value")
			case panicValue:
				panic("codec exploded")
			}
			st := e.State.(*counterState)
			st.values = append(st.values, v)
			return nil
		},
		IsDuplicate: func(a, b entity.Data) bool {
			da, db := a.(counterData), b.(counterData)
			return da.Key != "" && da == db
		},
	}))
	require.NoError(t, k.Register(kindBulky, entity.Codec{
		Name: "bulky",
		// writes as many bytes as asked and ignores overflow on purpose
		Encode: func(_ *entity.Entity, w *bitmsg.Writer, data entity.Data) error {
			n, _ := data.(int)
			for i := 0; i < n; i++ {
				w.WriteUint8(uint8(i))
			}
			return nil
		},
		Decode: func(*entity.Entity, *bitmsg.Reader, time.Time) error { return nil },
	}))
	return k
}

// world is a host queue feeding one mirrored peer stream
type world struct {
	host   *entity.Registry
	peer   *entity.Registry
	clock  *clock.Mock
	cfg    Config
	queue  *Queue
	stream *Stream
}

func newWorld(t *testing.T, cfg Config) *world {
	t.Helper()
	kinds := testKinds(t)
	w := &world{
		host:  entity.NewRegistry(kinds),
		peer:  entity.NewRegistry(kinds),
		clock: clock.NewMock(),
		cfg:   cfg,
	}
	logger := zaptest.NewLogger(t)
	w.queue = NewQueue(cfg, w.clock, logger)
	w.stream = NewStream(cfg, w.peer, logger)
	require.NoError(t, w.queue.AddPeer(1))
	return w
}

// spawn creates an entity on the host and its mirror on the peer
func (w *world) spawn(t *testing.T, id entity.ID) (*entity.Entity, *counterState) {
	t.Helper()
	e, err := w.host.SpawnWithID(id, kindCounter, &counterState{})
	require.NoError(t, err)
	mirror := &counterState{}
	_, err = w.peer.SpawnWithID(id, kindCounter, mirror)
	require.NoError(t, err)
	return e, mirror
}

func (w *world) create(t *testing.T, e *entity.Entity, v uint8) *Event {
	t.Helper()
	ev, err := w.queue.CreateEvent(e, counterData{Value: v})
	require.NoError(t, err)
	return ev
}

func (w *world) flush(t *testing.T, peer PeerID) ([]byte, int) {
	t.Helper()
	buf := bitmsg.NewWriter(bitmsg.MaxPacketSize)
	n, err := w.queue.Flush(peer, buf)
	require.NoError(t, err)
	return buf.Bytes(), n
}

// deliver feeds every segment of a flushed buffer into s
func deliver(t *testing.T, s *Stream, packet []byte) error {
	t.Helper()
	r := bitmsg.NewReader(packet)
	for r.RemainingBits() >= 8 {
		switch tag := r.ReadUint8(); tag {
		case protocol.SegmentEntityEventInitial:
			if err := s.ReadInitial(r); err != nil {
				return err
			}
		case protocol.SegmentEntityEvent:
			if err := s.Read(r, time.Time{}); err != nil {
				return err
			}
		default:
			t.Fatalf("unexpected segment tag %d", tag)
		}
	}
	return nil
}
