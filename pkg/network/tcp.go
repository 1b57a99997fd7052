package network

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TCPServer accepts framed connections over TCP
type TCPServer struct {
	addr    string
	handler Handler
	logger  *zap.Logger

	listener net.Listener
	conns    map[string]*streamConn
	mu       sync.Mutex
	wg       sync.WaitGroup
	closed   bool
}

// NewTCPServer creates a server that will listen on addr
func NewTCPServer(addr string, handler Handler, logger *zap.Logger) *TCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPServer{
		addr:    addr,
		handler: handler,
		logger:  logger.Named("tcp"),
		conns:   make(map[string]*streamConn),
	}
}

// Start starts listening and accepting connections
func (s *TCPServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.listener = listener
	s.logger.Info("listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound address once started
func (s *TCPServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// acceptLoop accepts incoming connections
func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Error("accept failed", zap.Error(err))
			}
			return
		}

		c := newStreamConn(conn.RemoteAddr().String(), conn)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[c.id] = c
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(c)
	}
}

// handleConnection serves one connection until it closes
func (s *TCPServer) handleConnection(c *streamConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
	}()

	s.logger.Debug("new connection", zap.String("remote", c.remote))
	serveStream(c, s.handler, s.logger)
}

// Stop closes the listener and every open connection
func (s *TCPServer) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*streamConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = multierr.Append(err, s.listener.Close())
	}
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	s.wg.Wait()
	return err
}

// DialTCP connects to a TCP server and serves the connection in the
// background.
func DialTCP(ctx context.Context, addr string, handler Handler, logger *zap.Logger) (Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	c := newStreamConn(conn.RemoteAddr().String(), conn)
	go serveStream(c, handler, logger.Named("tcp"))
	return c, nil
}
