package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"geofenced/internal/dispatch"
	"geofenced/internal/metrics"
	"geofenced/internal/permission"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Lifecycle is the dispatcher lifecycle the server binds to its subscribers.
type Lifecycle interface {
	Init() error
	UnInit()
	IsInitialized() bool
}

// Server accepts consumer connections, serves calls and pushes events to
// subscribers. It implements dispatch.Sink.
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	cfg         ServerConfig
	handler     Handler
	lifecycle   Lifecycle
	clients     map[string]*Client
	subscribers map[string]*subscription
	startedAt   time.Time
	log         *slog.Logger
	metrics     *metrics.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32
}

var _ dispatch.Sink = (*Server)(nil)

// Client represents a connected client
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Permission   PermissionLevel
	Credentials  *PeerCredentials
	Version      string
	Name         string
	ConnectedAt  time.Time
	LastActivity time.Time

	writeMu sync.Mutex
}

type subscription struct {
	clientID string
	types    map[dispatch.Type]bool
}

func (s *subscription) wants(t dispatch.Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	SocketMode     os.FileMode
	Version        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(dir string) ServerConfig {
	return ServerConfig{
		SocketPath:     filepath.Join(dir, "geofenced.sock"),
		SocketMode:     0600,
		Version:        "dev",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Second,
		MaxConnections: 16,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler, logger *slog.Logger, m *metrics.Metrics) *Server {
	def := DefaultServerConfig(filepath.Dir(cfg.SocketPath))
	if cfg.SocketMode == 0 {
		cfg.SocketMode = def.SocketMode
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		handler:     handler,
		clients:     make(map[string]*Client),
		subscribers: make(map[string]*subscription),
		log:         logger,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// BindLifecycle makes the first subscriber initialize l and the last
// subscriber to leave uninitialize it.
func (s *Server) BindLifecycle(l Lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle = l
}

// Start begins listening for connections
func (s *Server) Start() error {
	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("socket %s is already served by another process", s.cfg.SocketPath)
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := SetSocketPermissions(s.cfg.SocketPath, s.cfg.SocketMode); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("ipc server listening", "socket", s.cfg.SocketPath)
	return nil
}

// Serve starts the server and stops it when ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("ipc server shutdown timed out")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// StartedAt returns when the server started listening.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// SubscriberCount returns the number of clients subscribed to events.
func (s *Server) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Deliver pushes ev to every interested subscriber, in call order. It
// returns dispatch.ErrUnavailable when nobody is listening.
func (s *Server) Deliver(ctx context.Context, ev dispatch.Event) error {
	payload, err := Encode(Notification{Method: ev.Type.Method(), Params: ev})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	s.mu.RLock()
	var targets []*Client
	for id, sub := range s.subscribers {
		if !sub.wants(ev.Type) {
			continue
		}
		if c, ok := s.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		return dispatch.ErrUnavailable
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.cfg.WriteTimeout)
	}

	var delivered int
	for _, c := range targets {
		msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
		if err := s.sendMessageBy(c, msg, deadline); err != nil {
			s.log.Warn("event push failed, dropping client", "client_id", c.ID, "error", err)
			c.conn.Close()
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("push %s to %d subscribers failed", ev.Type.Method(), len(targets))
	}
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.mu.RLock()
		count := len(s.clients)
		s.mu.RUnlock()

		if count >= s.cfg.MaxConnections {
			s.log.Warn("connection limit reached, rejecting client", "limit", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		now := time.Now()
		client := &Client{
			ID:           uuid.NewString(),
			conn:         conn,
			Permission:   PermReadOnly,
			ConnectedAt:  now,
			LastActivity: now,
		}
		s.authorize(client)

		s.mu.Lock()
		s.clients[client.ID] = client
		n := len(s.clients)
		s.mu.Unlock()
		s.metrics.SetIPCClients(n)

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

// authorize grants read-write access to peers running as the daemon's user
// or as root. Everything else, including peers whose credentials cannot be
// read, is read-only.
func (s *Server) authorize(client *Client) {
	cred, err := GetPeerCredentials(client.conn)
	if err != nil {
		s.log.Debug("peer credentials unavailable", "client_id", client.ID, "error", err)
		return
	}
	client.Credentials = cred
	if cred.UID == os.Getuid() || cred.UID == 0 {
		client.Permission = PermReadWrite
	}
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer s.disconnect(client)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		client.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		msg, err := ReadMessage(client.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if s.sendPing(client) != nil {
					return
				}
				continue
			}
			s.log.Debug("read failed", "client_id", client.ID, "error", err)
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}
		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

func (s *Server) disconnect(client *Client) {
	s.mu.Lock()
	delete(s.clients, client.ID)
	last := s.dropSubscriberLocked(client.ID)
	n := len(s.clients)
	lc := s.lifecycle
	s.mu.Unlock()

	client.conn.Close()
	s.metrics.SetIPCClients(n)
	if last && lc != nil {
		lc.UnInit()
	}
}

// dropSubscriberLocked reports whether id was the last subscriber.
func (s *Server) dropSubscriberLocked(id string) bool {
	if _, ok := s.subscribers[id]; !ok {
		return false
	}
	delete(s.subscribers, id)
	return len(s.subscribers) == 0
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgPong:
		return nil, nil

	case MsgHandshake:
		return s.handleHandshake(client, msg)

	case MsgSubscribe:
		return s.handleSubscribe(client, msg)

	case MsgUnsubscribe:
		return s.handleUnsubscribe(client, msg)

	case MsgCall:
		if s.handler != nil {
			return s.handler.HandleMessage(s.ctx, client, msg)
		}
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %#04x", uint16(msg.Header.Type))), nil
	}
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	client.mu.Unlock()

	s.log.Debug("client connected",
		"client_id", client.ID,
		"name", req.ClientName,
		"permission", client.Permission.String(),
	)

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        client.ID,
		Permission:      client.Permission,
	})
}

func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
		}
	}

	sub := &subscription{clientID: client.ID, types: make(map[dispatch.Type]bool)}
	for _, t := range req.Types {
		sub.types[t] = true
	}

	s.mu.Lock()
	first := len(s.subscribers) == 0
	s.subscribers[client.ID] = sub
	lc := s.lifecycle
	s.mu.Unlock()

	initialized := false
	if lc != nil {
		if first && !lc.IsInitialized() {
			if err := lc.Init(); err != nil {
				s.log.Info("subscriber attached but monitoring not started", "error", err)
			}
		}
		initialized = lc.IsInitialized()
	}

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		SubscriptionID: client.ID,
		Initialized:    initialized,
	})
}

// PermissionChanged retries initialization when access is granted while
// clients are subscribed, since their subscribe found it denied.
func (s *Server) PermissionChanged(from, to permission.State) {
	if !to.Granted() {
		return
	}
	s.mu.Lock()
	waiting := len(s.subscribers) > 0
	lc := s.lifecycle
	s.mu.Unlock()

	if !waiting || lc == nil || lc.IsInitialized() {
		return
	}
	if err := lc.Init(); err != nil {
		s.log.Warn("initialize after permission grant failed", "error", err)
		return
	}
	s.log.Info("monitoring started after permission grant", "permission", to.String())
}

func (s *Server) handleUnsubscribe(client *Client, msg *Message) (*Message, error) {
	s.mu.Lock()
	last := s.dropSubscriberLocked(client.ID)
	lc := s.lifecycle
	s.mu.Unlock()

	if last && lc != nil {
		lc.UnInit()
	}
	return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	return s.sendMessageBy(client, msg, time.Now().Add(s.cfg.WriteTimeout))
}

func (s *Server) sendMessageBy(client *Client, msg *Message, deadline time.Time) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(deadline)
	return msg.Write(client.conn)
}

func (s *Server) sendPing(client *Client) error {
	return s.sendMessage(client, NewMessage(MsgPing, s.nextRequestID.Add(1), nil))
}
