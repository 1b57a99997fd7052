package network

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	p2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	p2pproto "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SyncProtocolID names the libp2p stream protocol carrying frames
const SyncProtocolID = p2pproto.ID("/entitysync/1.0.0")

// P2PConfig contains configuration for creating a libp2p node
type P2PConfig struct {
	ListenHost     string
	Port           int
	PrivateKey     crypto.PrivKey // Optional: provide your own key
	BootstrapPeers []string

	// EnableDHT lets Dial find peers known only by their ID
	EnableDHT bool
}

// P2PNode carries frames over libp2p streams
type P2PNode struct {
	host    host.Host
	dht     *dht.IpfsDHT
	handler Handler
	logger  *zap.Logger

	conns map[string]*streamConn
	mu    sync.Mutex
	wg    sync.WaitGroup
}

// NewP2PNode starts a libp2p host that serves SyncProtocolID
func NewP2PNode(ctx context.Context, config *P2PConfig, handler Handler, logger *zap.Logger) (*P2PNode, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	priv := config.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
	}

	listenHost := config.ListenHost
	if listenHost == "" {
		listenHost = "0.0.0.0"
	}
	listenAddr := fmt.Sprintf("/ip4/%s/tcp/%d", listenHost, config.Port)

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	n := &P2PNode{
		host:    h,
		handler: handler,
		logger:  logger.Named("p2p"),
		conns:   make(map[string]*streamConn),
	}
	h.SetStreamHandler(SyncProtocolID, n.handleStream)

	for _, addr := range config.BootstrapPeers {
		if err := n.connect(ctx, addr); err != nil {
			n.logger.Warn("bootstrap peer unreachable", zap.String("addr", addr), zap.Error(err))
		}
	}

	if config.EnableDHT {
		d, err := dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to create DHT: %w", err)
		}
		if err := d.Bootstrap(ctx); err != nil {
			d.Close()
			h.Close()
			return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
		}
		n.dht = d
	}

	n.logger.Info("p2p node started", zap.String("id", h.ID().String()), zap.Strings("addrs", n.Addrs()))
	return n, nil
}

// ID returns the node's peer ID
func (n *P2PNode) ID() string {
	return n.host.ID().String()
}

// Addrs returns dialable addresses including the /p2p component
func (n *P2PNode) Addrs() []string {
	out := make([]string, 0, len(n.host.Addrs()))
	for _, a := range n.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return out
}

func (n *P2PNode) handleStream(s p2pnet.Stream) {
	c := newStreamConn(s.Conn().RemotePeer().String(), s)
	n.track(c)
	n.serve(c)
}

func (n *P2PNode) track(c *streamConn) {
	n.mu.Lock()
	n.conns[c.id] = c
	n.mu.Unlock()
	n.wg.Add(1)
}

func (n *P2PNode) serve(c *streamConn) {
	defer func() {
		n.mu.Lock()
		delete(n.conns, c.id)
		n.mu.Unlock()
		n.wg.Done()
	}()
	serveStream(c, n.handler, n.logger)
}

// Dial opens a frame stream to target, which is either a full multiaddr
// ending in /p2p/<id> or, with the DHT enabled, a bare peer ID.
func (n *P2PNode) Dial(ctx context.Context, target string) (Conn, error) {
	info, err := n.resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	if err := n.host.Connect(ctx, *info); err != nil {
		return nil, fmt.Errorf("failed to connect to peer: %w", err)
	}

	s, err := n.host.NewStream(ctx, info.ID, SyncProtocolID)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	c := newStreamConn(info.ID.String(), s)
	n.track(c)
	go n.serve(c)
	return c, nil
}

func (n *P2PNode) connect(ctx context.Context, addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid peer address: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("failed to parse peer info: %w", err)
	}
	return n.host.Connect(ctx, *info)
}

func (n *P2PNode) resolve(ctx context.Context, target string) (*peer.AddrInfo, error) {
	var id peer.ID
	if maddr, err := multiaddr.NewMultiaddr(target); err == nil {
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse peer info: %w", err)
		}
		if len(info.Addrs) > 0 {
			return info, nil
		}
		id = info.ID
	} else {
		id, err = peer.Decode(target)
		if err != nil {
			return nil, fmt.Errorf("invalid peer address %q: %w", target, err)
		}
	}

	if n.dht == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRouting, id)
	}
	info, err := n.dht.FindPeer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find peer %s: %w", id, err)
	}
	return &info, nil
}

// Close stops the node and every stream
func (n *P2PNode) Close() error {
	n.host.RemoveStreamHandler(SyncProtocolID)

	n.mu.Lock()
	conns := make([]*streamConn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	n.wg.Wait()

	if n.dht != nil {
		err = multierr.Append(err, n.dht.Close())
	}
	return multierr.Append(err, n.host.Close())
}
