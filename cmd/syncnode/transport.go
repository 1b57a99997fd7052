package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/ZentaChain/entitysync/pkg/config"
	"github.com/ZentaChain/entitysync/pkg/network"
)

// listen starts the host side of the configured transport and returns a
// function that stops it
func listen(ctx context.Context, cfg *config.Config, h network.Handler, logger *zap.Logger) (func() error, error) {
	switch cfg.Transport {
	case config.TransportTCP:
		server := network.NewTCPServer(cfg.Listen, h, logger)
		if err := server.Start(); err != nil {
			return nil, err
		}
		logger.Info("listening", zap.String("transport", "tcp"), zap.String("addr", server.Addr()))
		return server.Stop, nil

	case config.TransportWS:
		server := network.NewWSServer(h, logger)
		if err := server.Start(cfg.Listen); err != nil {
			return nil, err
		}
		logger.Info("listening", zap.String("transport", "ws"), zap.String("addr", cfg.Listen), zap.String("path", network.WSPath))
		return func() error { return server.Stop(context.Background()) }, nil

	case config.TransportP2P:
		p2p, err := newP2PNode(ctx, cfg, h, logger)
		if err != nil {
			return nil, err
		}
		for _, addr := range p2p.Addrs() {
			logger.Info("listening", zap.String("transport", "p2p"), zap.String("addr", addr))
		}
		return p2p.Close, nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

// dialer builds the client side of the configured transport
func dialer(ctx context.Context, cfg *config.Config, h network.Handler, logger *zap.Logger) (network.DialFunc, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Transport {
	case config.TransportTCP:
		return func(ctx context.Context) (network.Conn, error) {
			return network.DialTCP(ctx, cfg.Connect, h, logger)
		}, noop, nil

	case config.TransportWS:
		return func(ctx context.Context) (network.Conn, error) {
			return network.DialWS(ctx, cfg.Connect, h, logger)
		}, noop, nil

	case config.TransportP2P:
		// clients do not accept streams, any free port will do
		clientCfg := *cfg
		clientCfg.Listen = ":0"
		p2p, err := newP2PNode(ctx, &clientCfg, h, logger)
		if err != nil {
			return nil, nil, err
		}
		return func(ctx context.Context) (network.Conn, error) {
			return p2p.Dial(ctx, cfg.Connect)
		}, p2p.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func newP2PNode(ctx context.Context, cfg *config.Config, h network.Handler, logger *zap.Logger) (*network.P2PNode, error) {
	host, portStr, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", cfg.Listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}

	key, err := loadOrGenerateKey(cfg.KeyPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load p2p identity: %w", err)
	}

	return network.NewP2PNode(ctx, &network.P2PConfig{
		ListenHost:     host,
		Port:           port,
		PrivateKey:     key,
		BootstrapPeers: cfg.BootstrapPeers,
		EnableDHT:      cfg.EnableDHT,
	}, h, logger)
}
