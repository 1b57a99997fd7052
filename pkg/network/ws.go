package network

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSPath is where WSServer upgrades connections
const WSPath = "/sync"

// wsConn sends each frame as one binary websocket message
type wsConn struct {
	id     string
	remote string
	conn   *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		id:     uuid.NewString(),
		remote: conn.RemoteAddr().String(),
		conn:   conn,
		closed: make(chan struct{}),
	}
}

func (c *wsConn) ID() string         { return c.id }
func (c *wsConn) RemoteAddr() string { return c.remote }

func (c *wsConn) Send(frame []byte, _ DeliveryMethod) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) serve(handler Handler, logger *zap.Logger) {
	handler.OnConnect(c)

	var err error
	for {
		var kind int
		var frame []byte
		kind, frame, err = c.conn.ReadMessage()
		if err != nil {
			break
		}
		if kind != websocket.BinaryMessage {
			logger.Debug("ignoring non-binary message", zap.String("conn", c.id))
			continue
		}
		handler.OnPacket(c, frame)
	}

	select {
	case <-c.closed:
		err = nil
	default:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			err = nil
		} else {
			logger.Debug("connection read failed", zap.String("conn", c.id), zap.Error(err))
		}
	}
	c.Close()
	handler.OnDisconnect(c, err)
}

// WSServer accepts connections over websocket. It is an http.Handler so it
// can be mounted on any mux; Start runs it on its own listener.
type WSServer struct {
	handler  Handler
	logger   *zap.Logger
	upgrader websocket.Upgrader

	server *http.Server
	conns  map[string]*wsConn
	mu     sync.Mutex
	wg     sync.WaitGroup
}

// NewWSServer creates a websocket server for handler
func NewWSServer(handler Handler, logger *zap.Logger) *WSServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSServer{
		handler: handler,
		logger:  logger.Named("ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newWSConn(conn)
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.wg.Add(1)

	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		s.wg.Done()
	}()

	c.serve(s.handler, s.logger)
}

// Start serves WSPath on addr in the background
func (s *WSServer) Start(addr string) error {
	mux := http.NewServeMux()
	mux.Handle(WSPath, s)
	s.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("websocket server failed", zap.Error(err))
		}
	}()
	s.logger.Info("listening", zap.String("addr", addr), zap.String("path", WSPath))
	return nil
}

// Stop closes every connection and the listener
func (s *WSServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()

	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// DialWS connects to a websocket server at url and serves the connection in
// the background.
func DialWS(ctx context.Context, url string, handler Handler, logger *zap.Logger) (Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := newWSConn(conn)
	go c.serve(handler, logger.Named("ws"))
	return c, nil
}
