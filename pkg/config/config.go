// Package config loads node settings from ENTITYSYNC_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ZentaChain/entitysync/pkg/events"
)

const (
	RoleHost   = "host"
	RoleClient = "client"

	TransportTCP = "tcp"
	TransportWS  = "ws"
	TransportP2P = "p2p"
)

// Config holds everything cmd/syncnode needs to run a node
type Config struct {
	Role      string `env:"ENTITYSYNC_ROLE" envDefault:"host"`
	Name      string `env:"ENTITYSYNC_NAME" envDefault:"syncnode"`
	Transport string `env:"ENTITYSYNC_TRANSPORT" envDefault:"tcp"`

	// Listen is the host's bind address (tcp, ws) or port (p2p)
	Listen string `env:"ENTITYSYNC_LISTEN" envDefault:":7777"`
	// Connect is the host address a client dials: host:port, a ws:// URL, or
	// a multiaddr / peer ID for p2p
	Connect string `env:"ENTITYSYNC_CONNECT"`

	BootstrapPeers []string `env:"ENTITYSYNC_BOOTSTRAP_PEERS" envSeparator:","`
	EnableDHT      bool     `env:"ENTITYSYNC_ENABLE_DHT"`
	// KeyPath holds the p2p identity, generated on first start
	KeyPath string `env:"ENTITYSYNC_KEY" envDefault:"./keys/node.key"`

	TickInterval time.Duration `env:"ENTITYSYNC_TICK_INTERVAL" envDefault:"50ms"`
	PingInterval time.Duration `env:"ENTITYSYNC_PING_INTERVAL" envDefault:"1s"`

	// APIPort serves diagnostics; 0 disables the API
	APIPort int `env:"ENTITYSYNC_API_PORT" envDefault:"8090"`

	DesyncDB  string        `env:"ENTITYSYNC_DESYNC_DB" envDefault:"./data/desync.db"`
	DesyncTTL time.Duration `env:"ENTITYSYNC_DESYNC_TTL" envDefault:"168h"`

	LogLevel string `env:"ENTITYSYNC_LOG_LEVEL" envDefault:"info"`

	// Demo drives random changes to the sample entities
	Demo         bool `env:"ENTITYSYNC_DEMO" envDefault:"true"`
	DemoEntities int  `env:"ENTITYSYNC_DEMO_ENTITIES" envDefault:"16"`

	ResendFloor        time.Duration `env:"ENTITYSYNC_RESEND_FLOOR" envDefault:"200ms"`
	MaxEventsPerBatch  int           `env:"ENTITYSYNC_MAX_EVENTS_PER_BATCH" envDefault:"128"`
	MaxEventPayload    int           `env:"ENTITYSYNC_MAX_EVENT_PAYLOAD" envDefault:"128"`
	OldEventTimeout    time.Duration `env:"ENTITYSYNC_OLD_EVENT_TIMEOUT" envDefault:"10s"`
	FastForwardTimeout time.Duration `env:"ENTITYSYNC_FAST_FORWARD_TIMEOUT" envDefault:"10s"`
	StrictPeers        bool          `env:"ENTITYSYNC_STRICT_PEERS"`

	MaxPacketSize        int `env:"ENTITYSYNC_MAX_PACKET_SIZE" envDefault:"1200"`
	CompressionThreshold int `env:"ENTITYSYNC_COMPRESSION_THRESHOLD" envDefault:"1000"`
}

// Load parses the environment on top of the defaults
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings that can be checked without starting anything
func (c *Config) Validate() error {
	c.Role = strings.ToLower(c.Role)
	c.Transport = strings.ToLower(c.Transport)

	switch c.Role {
	case RoleHost:
	case RoleClient:
		if c.Connect == "" {
			return fmt.Errorf("client role needs a host address to connect to")
		}
	default:
		return fmt.Errorf("unknown role %q (want %s or %s)", c.Role, RoleHost, RoleClient)
	}

	switch c.Transport {
	case TransportTCP, TransportWS, TransportP2P:
	default:
		return fmt.Errorf("unknown transport %q (want tcp, ws or p2p)", c.Transport)
	}

	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API port %d", c.APIPort)
	}
	if c.MaxPacketSize <= 0 || c.MaxPacketSize > 64*1024 {
		return fmt.Errorf("max packet size must be in 1..65536, got %d", c.MaxPacketSize)
	}
	if c.DemoEntities < 0 {
		return fmt.Errorf("demo entity count must not be negative, got %d", c.DemoEntities)
	}
	return c.Events().Validate()
}

// Events returns the replication settings
func (c *Config) Events() events.Config {
	cfg := events.DefaultConfig()
	cfg.ResendFloor = c.ResendFloor
	cfg.MaxEventsPerBatch = c.MaxEventsPerBatch
	cfg.MaxEventPayload = c.MaxEventPayload
	cfg.OldEventTimeout = c.OldEventTimeout
	cfg.FastForwardTimeout = c.FastForwardTimeout
	cfg.Debug = strings.EqualFold(c.LogLevel, "debug")
	return cfg
}
