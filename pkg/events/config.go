package events

import (
	"fmt"
	"math"
	"time"
)

// Config tunes one direction of event replication
type Config struct {
	// ResendFloor is the minimum wait before an unacknowledged event is
	// sent again. The peer's round-trip time is used when it is larger.
	ResendFloor time.Duration

	// MaxEventsPerBatch caps the events written into one packet
	MaxEventsPerBatch int

	// MaxEventPayload caps the encoded size of a single event in bytes
	MaxEventPayload int

	// OldEventTimeout is how long a peer may leave an event unacknowledged
	// before Audit reports it.
	OldEventTimeout time.Duration

	// FastForwardTimeout is how long a late joiner may take to acknowledge
	// its initial sync header.
	FastForwardTimeout time.Duration

	// LagWarningInterval rate-limits the lagging-behind warning
	LagWarningInterval time.Duration

	// TolerateMissing makes the inbound stream skip events for entities it
	// cannot resolve instead of stopping.
	TolerateMissing bool

	// Debug panics on conditions that are otherwise returned as errors
	Debug bool
}

// DefaultConfig returns the default replication settings
func DefaultConfig() Config {
	return Config{
		ResendFloor:        200 * time.Millisecond,
		MaxEventsPerBatch:  128,
		MaxEventPayload:    128,
		OldEventTimeout:    10 * time.Second,
		FastForwardTimeout: 10 * time.Second,
		LagWarningInterval: 5 * time.Second,
	}
}

// Validate checks the settings against wire format limits
func (c Config) Validate() error {
	if c.MaxEventsPerBatch <= 0 || c.MaxEventsPerBatch > math.MaxUint8 {
		return fmt.Errorf("max events per batch must be in 1..%d, got %d", math.MaxUint8, c.MaxEventsPerBatch)
	}
	if c.MaxEventPayload <= 0 || c.MaxEventPayload > math.MaxUint8 {
		return fmt.Errorf("max event payload must be in 1..%d, got %d", math.MaxUint8, c.MaxEventPayload)
	}
	if c.ResendFloor < 0 {
		return fmt.Errorf("resend floor must not be negative, got %s", c.ResendFloor)
	}
	return nil
}
