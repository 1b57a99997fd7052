package network

import (
	"fmt"
	"math/rand"
	"sync"
)

// MemOptions configures the faults a MemPipe injects
type MemOptions struct {
	// LossRate is the probability a frame is dropped
	LossRate float64
	// DuplicateRate is the probability a frame is delivered twice
	DuplicateRate float64
	// Reorder shuffles the frames delivered in each pump round
	Reorder bool
	// FaultReliable applies faults to ReliableOrdered frames too
	FaultReliable bool
	Seed          int64
}

// MemPipe connects two handlers in memory. Frames are queued on Send and
// delivered by Pump, which makes tests deterministic.
type MemPipe struct {
	a, b *memConn
	opts MemOptions

	mu      sync.Mutex
	rng     *rand.Rand
	queue   []memFrame
	dropped int
	// set by Close; the disconnect is reported once queued frames are out
	closing bool
	down    bool
}

type memFrame struct {
	to   *memConn
	data []byte
}

type memConn struct {
	pipe    *MemPipe
	name    string
	handler Handler
	peer    *memConn
}

// NewMemPipe creates a pipe between a and b
func NewMemPipe(a, b Handler, opts MemOptions) *MemPipe {
	p := &MemPipe{opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}
	p.a = &memConn{pipe: p, name: "mem-a", handler: a}
	p.b = &memConn{pipe: p, name: "mem-b", handler: b}
	p.a.peer = p.b
	p.b.peer = p.a
	return p
}

// A returns the connection owned by the first handler
func (p *MemPipe) A() Conn { return p.a }

// B returns the connection owned by the second handler
func (p *MemPipe) B() Conn { return p.b }

// Connect reports the connection to both handlers
func (p *MemPipe) Connect() {
	p.b.handler.OnConnect(p.b)
	p.a.handler.OnConnect(p.a)
}

// Pump delivers queued frames, including any sent in response, until the
// pipe is idle. A pending Close is reported after the frames sent before
// it. It returns the number of frames delivered.
func (p *MemPipe) Pump() int {
	delivered := 0
	for round := 0; round < 1000; round++ {
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		if p.opts.Reorder {
			p.rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
		}
		closing := p.closing && !p.down
		p.mu.Unlock()

		if len(batch) == 0 {
			if closing {
				p.Disconnect(nil)
			}
			return delivered
		}
		for _, f := range batch {
			if p.isDown() {
				break
			}
			f.to.handler.OnPacket(f.to, f.data)
			delivered++
		}
	}
	return delivered
}

// Dropped returns the number of frames lost so far
func (p *MemPipe) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Disconnect breaks the pipe at once, losing queued frames, and reports it
// to both handlers.
func (p *MemPipe) Disconnect(err error) {
	p.mu.Lock()
	wasUp := !p.down
	p.down = true
	p.closing = true
	p.queue = nil
	p.mu.Unlock()

	if wasUp {
		p.a.handler.OnDisconnect(p.a, err)
		p.b.handler.OnDisconnect(p.b, err)
	}
}

func (p *MemPipe) isDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.down
}

func (c *memConn) ID() string         { return c.name }
func (c *memConn) RemoteAddr() string { return c.peer.name }

func (c *memConn) Send(frame []byte, method DeliveryMethod) error {
	p := c.pipe
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		return fmt.Errorf("%w: %s", ErrConnClosed, c.name)
	}

	data := append([]byte(nil), frame...)
	faulty := method == Unreliable || p.opts.FaultReliable
	if faulty && p.opts.LossRate > 0 && p.rng.Float64() < p.opts.LossRate {
		p.dropped++
		return nil
	}
	p.queue = append(p.queue, memFrame{to: c.peer, data: data})
	if faulty && p.opts.DuplicateRate > 0 && p.rng.Float64() < p.opts.DuplicateRate {
		p.queue = append(p.queue, memFrame{to: c.peer, data: data})
	}
	return nil
}

// Close closes the whole pipe. Frames already sent are still delivered by
// the next Pump, which then reports the disconnect to both sides.
func (c *memConn) Close() error {
	c.pipe.mu.Lock()
	c.pipe.closing = true
	c.pipe.mu.Unlock()
	return nil
}
