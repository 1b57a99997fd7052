package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ZentaChain/entitysync/pkg/api"
	"github.com/ZentaChain/entitysync/pkg/config"
	"github.com/ZentaChain/entitysync/pkg/events"
	"github.com/ZentaChain/entitysync/pkg/network"
	"github.com/ZentaChain/entitysync/pkg/session"
	"github.com/ZentaChain/entitysync/pkg/storage"
)

const heartbeatInterval = time.Minute

// node is what the main loop drives, a Host or a Client
type node interface {
	network.Handler
	Tick() error
	QueueStats() events.QueueStats
	Update(fn func(w *session.World) error) error
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	parseFlags(cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("node stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("goodbye")
}

// parseFlags lets command-line flags override the environment
func parseFlags(cfg *config.Config) {
	flag.StringVar(&cfg.Role, "role", cfg.Role, "Node role: host or client")
	flag.StringVar(&cfg.Name, "name", cfg.Name, "Node name sent in the handshake")
	flag.StringVar(&cfg.Transport, "transport", cfg.Transport, "Transport: tcp, ws or p2p")
	flag.StringVar(&cfg.Listen, "listen", cfg.Listen, "Host listen address")
	flag.StringVar(&cfg.Connect, "connect", cfg.Connect, "Host address to connect to (client)")
	flag.StringVar(&cfg.KeyPath, "key", cfg.KeyPath, "Path to the p2p identity key")
	flag.BoolVar(&cfg.EnableDHT, "dht", cfg.EnableDHT, "Enable the Kademlia DHT for p2p peer lookup")
	flag.DurationVar(&cfg.TickInterval, "tick", cfg.TickInterval, "Tick interval")
	flag.IntVar(&cfg.APIPort, "api-port", cfg.APIPort, "Diagnostics API port (0 disables)")
	flag.StringVar(&cfg.DesyncDB, "desync-db", cfg.DesyncDB, "Desync log database path (empty disables)")
	flag.BoolVar(&cfg.Demo, "demo", cfg.Demo, "Drive random changes to the sample entities")
	flag.IntVar(&cfg.DemoEntities, "entities", cfg.DemoEntities, "Number of sample entities")
	flag.BoolVar(&cfg.StrictPeers, "strict", cfg.StrictPeers, "Drop peers that send events for unknown entities")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	zcfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func printBanner(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║            EntitySync Replication Node            ║")
	fmt.Println("║       Reliable entity events over any link        ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Printf("   Role: %s   Transport: %s   Name: %s\n", cfg.Role, cfg.Transport, cfg.Name)
	fmt.Println()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	clk := clock.New()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	world, err := buildRegistry(cfg.DemoEntities)
	if err != nil {
		return fmt.Errorf("failed to build entity registry: %w", err)
	}

	opts := session.DefaultOptions(cfg.Name)
	opts.Events = cfg.Events()
	opts.MaxPacketSize = cfg.MaxPacketSize
	opts.CompressionThreshold = cfg.CompressionThreshold
	opts.PingInterval = cfg.PingInterval
	opts.StrictPeers = cfg.StrictPeers
	opts.Clock = clk
	opts.Logger = logger
	opts.Metrics = events.NewMetrics(reg)

	var desyncs *storage.DesyncLog
	if cfg.DesyncDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DesyncDB), 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		desyncs, err = storage.NewDesyncLog(cfg.DesyncDB, cfg.DesyncTTL, clk, logger)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, desyncs.Close()) }()
		opts.Recorder = desyncs
		logger.Info("desync log ready", zap.String("path", cfg.DesyncDB), zap.Duration("ttl", cfg.DesyncTTL))
	}

	sources := api.Sources{Gatherer: reg}
	if desyncs != nil {
		sources.Desyncs = desyncs
	}

	var n node
	var stopTransport func() error
	switch cfg.Role {
	case config.RoleHost:
		host, err := session.NewHost(world, opts)
		if err != nil {
			return err
		}
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "entitysync",
			Name:      "peers",
			Help:      "Peers connected to this host.",
		}, func() float64 { return float64(len(host.Peers())) }))

		stopTransport, err = listen(ctx, cfg, host, logger)
		if err != nil {
			return err
		}
		sources.Peers = host
		n = host

	case config.RoleClient:
		client, err := session.NewClient(world, opts)
		if err != nil {
			return err
		}

		dial, closeDialer, err := dialer(ctx, cfg, client, logger)
		if err != nil {
			return err
		}
		stopTransport = closeDialer
		n = client
		go keepConnected(ctx, client, dial, clk, logger)
	}
	sources.Queue = n

	if cfg.APIPort > 0 {
		apiCfg := api.DefaultConfig()
		apiCfg.Port = cfg.APIPort
		apiCfg.Role = cfg.Role
		apiCfg.Name = cfg.Name
		server, err := api.NewServer(sources, apiCfg, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("diagnostics API failed", zap.Error(err))
			}
		}()
	}

	if cfg.Demo {
		go runDemo(ctx, n, world, demoInterval(cfg.Role), clk, logger)
	}

	runLoop(ctx, cfg, n, clk, logger)

	logger.Info("shutting down gracefully")
	return multierr.Combine(n.Close(), stopTransport())
}

// runLoop ticks the node until ctx is cancelled
func runLoop(ctx context.Context, cfg *config.Config, n node, clk clock.Clock, logger *zap.Logger) {
	ticker := clk.Ticker(cfg.TickInterval)
	defer ticker.Stop()
	heartbeat := clk.Ticker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.Tick(); err != nil && !errors.Is(err, session.ErrNotConnected) {
				logger.Warn("tick failed", zap.Error(err))
			}
		case <-heartbeat.C:
			logHeartbeat(n, logger)
		}
	}
}

func logHeartbeat(n node, logger *zap.Logger) {
	stats := n.QueueStats()
	fields := []zap.Field{
		zap.Uint16("last_event", uint16(stats.LastID)),
		zap.Uint64("created", stats.Created),
		zap.Int("pending", stats.Pending),
		zap.Int("unsent", stats.Unsent),
	}
	switch v := n.(type) {
	case *session.Host:
		fields = append(fields, zap.Int("peers", len(v.Peers())))
	case *session.Client:
		fields = append(fields, zap.Bool("connected", v.Connected()), zap.Uint16("last_received", uint16(v.LastReceived())))
	}
	logger.Info("heartbeat", fields...)
}

// keepConnected dials the host and redials whenever the connection drops
func keepConnected(ctx context.Context, client *session.Client, dial network.DialFunc, clk clock.Clock, logger *zap.Logger) {
	for {
		conn, err := network.DialWithRetry(ctx, dial, network.DefaultBackoff(), clk, logger)
		if err != nil {
			logger.Info("stopped dialing host", zap.Error(err))
			return
		}
		logger.Info("connected to host", zap.String("remote", conn.RemoteAddr()))

		select {
		case <-ctx.Done():
			return
		case err := <-client.Lost():
			logger.Warn("lost connection to host, redialing", zap.Error(err))
		}
	}
}

func demoInterval(role string) time.Duration {
	if role == config.RoleHost {
		return 250 * time.Millisecond
	}
	return 2 * time.Second
}

var (
	_ node = (*session.Host)(nil)
	_ node = (*session.Client)(nil)
)
