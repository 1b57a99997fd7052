package session

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZentaChain/entitysync/pkg/entity"
	"github.com/ZentaChain/entitysync/pkg/entity/kinds"
	"github.com/ZentaChain/entitysync/pkg/network"
	"github.com/ZentaChain/entitysync/pkg/protocol"
	"github.com/ZentaChain/entitysync/pkg/storage"
)

type memRecorder struct {
	mu      sync.Mutex
	reports []storage.DesyncReport
}

func (m *memRecorder) Record(r storage.DesyncReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func (m *memRecorder) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.reports))
	for _, r := range m.reports {
		out = append(out, r.Kind)
	}
	return out
}

// fixture is a host and one client joined by a MemPipe. Both registries
// hold the same doors (IDs 1-3) and items (IDs 4-5).
type fixture struct {
	t        *testing.T
	clk      *clock.Mock
	recorder *memRecorder

	hostReg   *entity.Registry
	clientReg *entity.Registry
	host      *Host
	client    *Client
	pipe      *network.MemPipe
}

func newRegistry(t *testing.T, doors, items int) *entity.Registry {
	t.Helper()
	k := entity.NewKinds()
	require.NoError(t, kinds.Register(k))
	reg := entity.NewRegistry(k)
	for i := 0; i < doors; i++ {
		_, err := reg.Spawn(kinds.KindDoor, &kinds.DoorState{})
		require.NoError(t, err)
	}
	for i := 0; i < items; i++ {
		_, err := reg.Spawn(kinds.KindItem, &kinds.ItemState{})
		require.NoError(t, err)
	}
	return reg
}

func testOptions(t *testing.T, name string, clk clock.Clock, rec Recorder) Options {
	opts := DefaultOptions(name)
	opts.Clock = clk
	opts.Logger = zaptest.NewLogger(t)
	opts.Recorder = rec
	return opts
}

func newFixture(t *testing.T, mem network.MemOptions, tweak func(host, client *Options)) *fixture {
	t.Helper()
	f := &fixture{t: t, clk: clock.NewMock(), recorder: &memRecorder{}}
	f.clk.Set(time.Date(2025, 1, 27, 14, 0, 0, 0, time.UTC))

	f.hostReg = newRegistry(t, 3, 2)
	f.clientReg = newRegistry(t, 3, 2)

	hostOpts := testOptions(t, "host", f.clk, f.recorder)
	clientOpts := testOptions(t, "client", f.clk, f.recorder)
	if tweak != nil {
		tweak(&hostOpts, &clientOpts)
	}

	var err error
	f.host, err = NewHost(f.hostReg, hostOpts)
	require.NoError(t, err)
	f.client, err = NewClient(f.clientReg, clientOpts)
	require.NoError(t, err)

	f.pipe = network.NewMemPipe(f.host, f.client, mem)
	return f
}

func (f *fixture) connect() {
	f.t.Helper()
	f.pipe.Connect()
	f.pipe.Pump()
	require.True(f.t, f.client.Connected())
}

func (f *fixture) entity(reg *entity.Registry, id entity.ID) *entity.Entity {
	f.t.Helper()
	e, ok := reg.Resolve(id)
	require.True(f.t, ok, "entity %d", id)
	return e
}

// hostEvent changes a host entity and queues the change
func (f *fixture) hostEvent(id entity.ID, data entity.Data) {
	f.t.Helper()
	err := f.host.Update(func(w *World) error {
		e, _ := w.Registry.Resolve(id)
		switch d := data.(type) {
		case kinds.DoorData:
			s := e.State.(*kinds.DoorState)
			s.Open, s.Lock = d.Open, d.Lock
		case kinds.ItemData:
			s := e.State.(*kinds.ItemState)
			s.Condition, s.Label = d.Condition, d.Label
		}
		_, err := w.CreateEvent(e, data)
		return err
	})
	require.NoError(f.t, err)
}

// round advances the clock, ticks both sides and delivers everything
func (f *fixture) round(d time.Duration) {
	f.clk.Add(d)
	_ = f.host.Tick()
	_ = f.client.Tick()
	f.pipe.Pump()
}

func doorState(e *entity.Entity) kinds.DoorState {
	return *e.State.(*kinds.DoorState)
}

// assertConverged compares every door and item between host and client
func (f *fixture) assertConverged() {
	f.t.Helper()
	for id := entity.ID(1); id <= 3; id++ {
		want := doorState(f.entity(f.hostReg, id))
		got := doorState(f.entity(f.clientReg, id))
		assert.Equal(f.t, want.Open, got.Open, "door %d", id)
		assert.Equal(f.t, want.Lock, got.Lock, "door %d", id)
	}
	for id := entity.ID(4); id <= 5; id++ {
		want := f.entity(f.hostReg, id).State.(*kinds.ItemState)
		got := f.entity(f.clientReg, id).State.(*kinds.ItemState)
		assert.Equal(f.t, want.Condition, got.Condition, "item %d", id)
		assert.Equal(f.t, want.Label, got.Label, "item %d", id)
	}
}

func TestHandshake(t *testing.T) {
	f := newFixture(t, network.MemOptions{}, nil)
	f.connect()

	assert.Equal(t, uint16(1), f.client.PeerID())
	assert.Equal(t, f.host.SessionID(), f.client.SessionID())

	peers := f.host.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "client", peers[0].Name)
	assert.Equal(t, "mem-b", peers[0].RemoteAddr)
}

func TestTickBeforeHandshake(t *testing.T) {
	f := newFixture(t, network.MemOptions{}, nil)
	assert.ErrorIs(t, f.client.Tick(), ErrNotConnected)
}

func TestHostToClient(t *testing.T) {
	f := newFixture(t, network.MemOptions{}, nil)
	f.connect()

	f.hostEvent(1, kinds.DoorData{Open: true, Lock: 3})
	f.hostEvent(2, kinds.DoorData{Lock: 15})

	f.round(50 * time.Millisecond)

	assert.Equal(t, protocol.EventID(2), f.client.LastReceived())
	first := doorState(f.entity(f.clientReg, 1))
	assert.True(t, first.Open)
	assert.Equal(t, 3, first.Lock)
	assert.Equal(t, 15, doorState(f.entity(f.clientReg, 2)).Lock)

	// the client acks on its next tick
	f.round(50 * time.Millisecond)
	stats := f.host.QueueStats()
	assert.Zero(t, stats.Pending)
	require.Len(t, stats.Peers, 1)
	assert.Equal(t, protocol.EventID(2), stats.Peers[0].LastAcknowledged)
}

func TestClientToHost(t *testing.T) {
	f := newFixture(t, network.MemOptions{}, nil)
	f.connect()

	err := f.client.Update(func(w *World) error {
		e, _ := w.Registry.Resolve(4)
		_, err := w.CreateEvent(e, kinds.ItemData{Condition: 42, Label: "lantern"})
		return err
	})
	require.NoError(t, err)

	f.round(50 * time.Millisecond)
	item := f.entity(f.hostReg, 4).State.(*kinds.ItemState)
	assert.Equal(t, 42, item.Condition)
	assert.Equal(t, "lantern", item.Label)

	f.round(50 * time.Millisecond)
	assert.Zero(t, f.client.QueueStats().Pending)
	assert.Equal(t, protocol.EventID(1), f.host.Peers()[0].LastReceived)
}

// A peer joining mid-round skips the history but receives the current state
// of every entity the round has changed.
func TestLateJoinerCatchesUp(t *testing.T) {
	f := newFixture(t, network.MemOptions{}, nil)
	for i := 0; i < 5; i++ {
		f.hostEvent(1, kinds.DoorData{Lock: i + 1})
		f.round(10 * time.Millisecond)
	}
	f.hostEvent(3, kinds.DoorData{Open: true, Lock: 2})
	f.hostEvent(4, kinds.ItemData{Condition: 61, Label: "crowbar"})
	require.Equal(t, protocol.EventID(7), f.host.QueueStats().LastID)

	f.connect()
	peers := f.host.Peers()
	require.Len(t, peers, 1)
	assert.True(t, peers[0].Queue.FastForward)
	assert.Equal(t, protocol.EventID(8), peers[0].Queue.FirstNewID)
	assert.Equal(t, uint16(3), peers[0].Queue.Unreceived)

	f.round(50 * time.Millisecond)
	assert.Equal(t, protocol.EventID(7), f.client.LastReceived())
	assert.Equal(t, 5, doorState(f.entity(f.clientReg, 1)).Lock)
	assert.Equal(t, "crowbar", f.entity(f.clientReg, 4).State.(*kinds.ItemState).Label)
	f.assertConverged()

	f.round(50 * time.Millisecond)
	assert.False(t, f.host.Peers()[0].Queue.FastForward)

	f.hostEvent(1, kinds.DoorData{Open: true, Lock: 9})
	f.round(50 * time.Millisecond)
	assert.Equal(t, protocol.EventID(8), f.client.LastReceived())
	assert.Equal(t, 9, doorState(f.entity(f.clientReg, 1)).Lock)
	f.assertConverged()
}

func TestLateJoinerCatchesUpOverFaultyNetwork(t *testing.T) {
	mem := network.MemOptions{LossRate: 0.3, DuplicateRate: 0.2, Reorder: true, FaultReliable: true, Seed: 11}
	f := newFixture(t, mem, func(host, client *Options) {
		host.Events.OldEventTimeout = time.Minute
		host.Events.FastForwardTimeout = time.Minute
		client.Events.OldEventTimeout = time.Minute
	})

	for i := 0; i < 20; i++ {
		f.hostEvent(entity.ID(i%3+1), kinds.DoorData{Open: i%3 == 0, Lock: i % 16})
		f.hostEvent(entity.ID(i%2+4), kinds.ItemData{Condition: i * 5, Label: "shelf"})
	}

	f.pipe.Connect()
	for i := 0; i < 50 && !f.client.Connected(); i++ {
		f.round(time.Second)
	}
	require.True(t, f.client.Connected())

	for i := 0; i < 10; i++ {
		f.hostEvent(2, kinds.DoorData{Lock: i})
		f.round(50 * time.Millisecond)
	}

	for i := 0; i < 400; i++ {
		if f.host.QueueStats().Pending == 0 && f.client.LastReceived() == f.host.QueueStats().LastID {
			break
		}
		f.round(250 * time.Millisecond)
	}

	assert.Zero(t, f.host.QueueStats().Pending)
	assert.Equal(t, f.host.QueueStats().LastID, f.client.LastReceived())
	f.assertConverged()
	assert.Empty(t, f.recorder.kinds())
}

func TestConvergesOverFaultyNetwork(t *testing.T) {
	mem := network.MemOptions{LossRate: 0.3, DuplicateRate: 0.2, Reorder: true, FaultReliable: true, Seed: 7}
	f := newFixture(t, mem, func(host, client *Options) {
		host.Events.OldEventTimeout = time.Minute
		client.Events.OldEventTimeout = time.Minute
	})

	f.pipe.Connect()
	for i := 0; i < 50 && !f.client.Connected(); i++ {
		f.round(time.Second)
	}
	require.True(t, f.client.Connected())

	for i := 0; i < 60; i++ {
		id := entity.ID(i%3 + 1)
		f.hostEvent(id, kinds.DoorData{Open: i%2 == 0, Lock: i % 16})
		if i%10 == 0 {
			f.hostEvent(5, kinds.ItemData{Condition: i, Label: "crate"})
		}
		f.round(50 * time.Millisecond)
	}

	for i := 0; i < 400; i++ {
		if f.host.QueueStats().Pending == 0 && f.client.LastReceived() == f.host.QueueStats().LastID {
			break
		}
		f.round(250 * time.Millisecond)
	}

	assert.Zero(t, f.host.QueueStats().Pending)
	assert.Equal(t, f.host.QueueStats().LastID, f.client.LastReceived())
	f.assertConverged()
	assert.Equal(t, 50, f.entity(f.clientReg, 5).State.(*kinds.ItemState).Condition)
	assert.Empty(t, f.recorder.kinds())
}

func TestAuditDropsStalePeer(t *testing.T) {
	f := newFixture(t, network.MemOptions{}, nil)
	f.connect()

	f.hostEvent(1, kinds.DoorData{Open: true})
	require.NoError(t, f.host.Tick())
	// the client never acknowledges
	f.pipe.Pump()

	f.clk.Add(11 * time.Second)
	require.NoError(t, f.host.Tick())
	assert.Empty(t, f.host.Peers())
	assert.Equal(t, []string{"old_event"}, f.recorder.kinds())

	f.pipe.Pump()
	assert.False(t, f.client.Connected())
	select {
	case err := <-f.client.Lost():
		assert.NoError(t, err)
	default:
		t.Fatal("client was not told about the disconnect")
	}
}

func TestTolerantHostSkipsUnknownEntity(t *testing.T) {
	f := newFixture(t, network.MemOptions{}, nil)
	f.connect()

	extra, err := f.clientReg.SpawnWithID(40, kinds.KindDoor, &kinds.DoorState{})
	require.NoError(t, err)
	_, err = f.client.CreateEvent(extra, kinds.DoorData{Open: true})
	require.NoError(t, err)

	f.round(50 * time.Millisecond)
	peers := f.host.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, protocol.EventID(1), peers[0].LastReceived)
	assert.Empty(t, f.recorder.kinds())
}

func TestStrictHostDropsPeerOnUnknownEntity(t *testing.T) {
	f := newFixture(t, network.MemOptions{}, func(host, _ *Options) {
		host.StrictPeers = true
	})
	f.connect()

	extra, err := f.clientReg.SpawnWithID(40, kinds.KindDoor, &kinds.DoorState{})
	require.NoError(t, err)
	_, err = f.client.CreateEvent(extra, kinds.DoorData{Open: true})
	require.NoError(t, err)

	f.round(50 * time.Millisecond)
	assert.Empty(t, f.host.Peers())
	assert.Equal(t, []string{"missing_entity"}, f.recorder.kinds())
	assert.False(t, f.client.Connected())
}

func TestClientWaitsForMissingEntity(t *testing.T) {
	f := newFixture(t, network.MemOptions{}, nil)
	f.connect()

	late, err := f.hostReg.Spawn(kinds.KindDoor, &kinds.DoorState{})
	require.NoError(t, err)
	f.hostEvent(late.ID(), kinds.DoorData{Lock: 7})

	f.round(50 * time.Millisecond)
	assert.Zero(t, f.client.LastReceived())

	err = f.client.Update(func(w *World) error {
		_, err := w.Registry.SpawnWithID(late.ID(), kinds.KindDoor, &kinds.DoorState{})
		return err
	})
	require.NoError(t, err)

	f.round(300 * time.Millisecond)
	assert.Equal(t, protocol.EventID(1), f.client.LastReceived())
	assert.Equal(t, 7, doorState(f.entity(f.clientReg, late.ID())).Lock)
}

func TestStartRound(t *testing.T) {
	f := newFixture(t, network.MemOptions{}, nil)
	f.connect()

	for i := 0; i < 3; i++ {
		f.hostEvent(2, kinds.DoorData{Lock: i + 1})
	}
	f.round(50 * time.Millisecond)
	require.Equal(t, protocol.EventID(3), f.client.LastReceived())

	f.host.StartRound()
	f.pipe.Pump()
	assert.Zero(t, f.client.LastReceived())
	assert.Zero(t, f.host.QueueStats().LastID)

	f.hostEvent(2, kinds.DoorData{Open: true, Lock: 1})
	f.round(50 * time.Millisecond)
	assert.Equal(t, protocol.EventID(1), f.client.LastReceived())
	assert.True(t, doorState(f.entity(f.clientReg, 2)).Open)
}

func TestReconnectStartsFresh(t *testing.T) {
	f := newFixture(t, network.MemOptions{}, nil)
	f.connect()

	f.hostEvent(1, kinds.DoorData{Lock: 2})
	f.round(50 * time.Millisecond)
	require.Equal(t, protocol.EventID(1), f.client.LastReceived())

	f.pipe.Disconnect(nil)
	assert.False(t, f.client.Connected())
	assert.Empty(t, f.host.Peers())

	f.hostEvent(1, kinds.DoorData{Lock: 4})
	f.pipe = network.NewMemPipe(f.host, f.client, network.MemOptions{})
	f.connect()
	assert.Equal(t, uint16(2), f.client.PeerID())

	f.round(50 * time.Millisecond)
	assert.Equal(t, protocol.EventID(2), f.client.LastReceived())

	f.hostEvent(1, kinds.DoorData{Lock: 5})
	f.round(50 * time.Millisecond)
	assert.Equal(t, protocol.EventID(3), f.client.LastReceived())
	assert.Equal(t, 5, doorState(f.entity(f.clientReg, 1)).Lock)
}

func TestVersionMismatchRejected(t *testing.T) {
	f := newFixture(t, network.MemOptions{}, nil)
	raw := &rawPeer{}
	pipe := network.NewMemPipe(f.host, raw, network.MemOptions{})

	hs := &protocol.Handshake{Version: 0x0200, Name: "future"}
	require.NoError(t, pipe.B().Send(protocol.NewPacket(protocol.MsgTypeHandshake, hs.Encode()).Encode(), network.ReliableOrdered))
	pipe.Pump()

	require.Len(t, raw.frames, 1)
	pkt, err := protocol.DecodePacket(raw.frames[0])
	require.NoError(t, err)
	require.Equal(t, protocol.MsgTypeDisconnect, pkt.Header.Type)
	var msg protocol.Disconnect
	require.NoError(t, msg.Decode(pkt.Payload))
	assert.Equal(t, protocol.ReasonVersionMismatch, msg.Reason)
	assert.True(t, raw.closed)
	assert.Empty(t, f.host.Peers())
}

func TestLargePacketsAreCompressed(t *testing.T) {
	f := newFixture(t, network.MemOptions{}, nil)
	payload := bytes.Repeat([]byte{0xAB}, 1100)

	frame, err := f.host.frame(protocol.MsgTypeData, payload, network.ReliableOrdered)
	require.NoError(t, err)
	assert.Less(t, len(frame), len(payload))

	pkt, err := decode(frame)
	require.NoError(t, err)
	assert.True(t, pkt.Header.HasFlag(protocol.FlagCompressed))
	assert.True(t, pkt.Header.HasFlag(protocol.FlagReliable))
	assert.Equal(t, payload, pkt.Payload)

	small, err := f.host.frame(protocol.MsgTypeData, payload[:10], network.Unreliable)
	require.NoError(t, err)
	pkt, err = decode(small)
	require.NoError(t, err)
	assert.False(t, pkt.Header.HasFlag(protocol.FlagCompressed))
}

func TestAckOnlyPacketsAreUnreliable(t *testing.T) {
	f := newFixture(t, network.MemOptions{}, nil)
	f.connect()

	f.hostEvent(1, kinds.DoorData{Open: true})
	require.NoError(t, f.host.Tick())
	f.pipe.Pump()

	f.client.mu.Lock()
	frame, method, err := f.client.buildData(HostPeer, f.client.stream.LastReceived(), f.client.ackDirty)
	f.client.mu.Unlock()
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, network.Unreliable, method)

	f.hostEvent(2, kinds.DoorData{Open: true})
	f.host.mu.Lock()
	frame, method, err = f.host.buildData(1, 0, false)
	f.host.mu.Unlock()
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, network.ReliableOrdered, method)
}

func TestPingMeasuresRoundTrip(t *testing.T) {
	f := newFixture(t, network.MemOptions{}, nil)
	f.connect()

	require.NoError(t, f.host.Tick())
	f.clk.Add(80 * time.Millisecond)
	f.pipe.Pump()

	peers := f.host.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, 80*time.Millisecond, peers[0].RoundTrip)
	assert.Equal(t, 80*time.Millisecond, peers[0].Queue.RoundTrip)
}

// rawPeer records frames without speaking the protocol
type rawPeer struct {
	frames [][]byte
	closed bool
}

func (r *rawPeer) OnConnect(network.Conn)            {}
func (r *rawPeer) OnPacket(_ network.Conn, f []byte) { r.frames = append(r.frames, f) }
func (r *rawPeer) OnDisconnect(network.Conn, error)  { r.closed = true }
