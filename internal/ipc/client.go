package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"geofenced/internal/dispatch"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// RemoteError is an error reported by the daemon.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// IPCClient is the client for communicating with the geofenced daemon
type IPCClient struct {
	mu         sync.RWMutex
	conn       net.Conn
	clientID   string
	version    string
	permission PermissionLevel

	connected atomic.Bool
	dialed    atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32
	writeMu   sync.Mutex

	events chan Notification

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	EventBuffer    int
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(dir string) ClientConfig {
	return ClientConfig{
		SocketPath:     filepath.Join(dir, "geofenced.sock"),
		ClientName:     "geofencectl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		EventBuffer:    128,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 128
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IPCClient{
		pending: make(map[uint32]chan *Message),
		events:  make(chan Notification, cfg.EventBuffer),
		ctx:     ctx,
		cancel:  cancel,
		config:  cfg,
	}
}

// Connect dials the daemon and performs the handshake. A client connects
// at most once; create a new client to reconnect.
func (c *IPCClient) Connect() error {
	if c.connected.Load() {
		return nil
	}
	if c.dialed.Load() {
		return ErrConnectionLost
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.config.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.dialed.Store(true)
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(); err != nil {
		c.close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close closes the connection to the daemon. The Events channel is closed
// once the reader has exited.
func (c *IPCClient) Close() error {
	c.cancel()
	c.close()
	c.wg.Wait()
	return nil
}

func (c *IPCClient) close() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the id assigned by the server
func (c *IPCClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Permission returns the access level granted by the server.
func (c *IPCClient) Permission() PermissionLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permission
}

// ServerVersion returns the daemon version reported in the handshake.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Events returns pushed notifications. It is closed when the connection
// ends.
func (c *IPCClient) Events() <-chan Notification {
	return c.events
}

func (c *IPCClient) handshake() error {
	var ack HandshakeResponse
	if err := c.exchange(context.Background(), MsgHandshake, MsgHandshakeAck, &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	c.version = ack.ServerVersion
	c.permission = ack.Permission
	c.mu.Unlock()
	return nil
}

// Call invokes method with params and decodes the result into result,
// which may be nil.
func (c *IPCClient) Call(ctx context.Context, method string, params, result any) error {
	req := CallRequest{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		req.Params = raw
	}
	return c.exchange(ctx, MsgCall, MsgResult, req, result)
}

func (c *IPCClient) exchange(ctx context.Context, msgType, want MessageType, payload, result any) error {
	resp, err := c.request(ctx, msgType, payload)
	if err != nil {
		return err
	}

	switch resp.Header.Type {
	case want:
	case MsgError:
		var er ErrorResponse
		if err := Decode(resp.Payload, &er); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &RemoteError{Code: er.Code, Message: er.Message}
	default:
		return fmt.Errorf("unexpected response type: %#04x", uint16(resp.Header.Type))
	}

	if result == nil || len(resp.Payload) == 0 {
		return nil
	}
	return Decode(resp.Payload, result)
}

func (c *IPCClient) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(NewMessage(msgType, reqID, data)); err != nil {
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *IPCClient) send(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(conn)
}

func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.events)

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			c.close()
			return
		}
		c.handleMessage(msg)
	}
}

func (c *IPCClient) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		c.send(NewMessage(MsgPong, msg.Header.RequestID, nil))

	case MsgEvent:
		var n Notification
		if err := Decode(msg.Payload, &n); err != nil {
			return
		}
		select {
		case c.events <- n:
		case <-c.ctx.Done():
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// Ping checks that the daemon answers.
func (c *IPCClient) Ping(ctx context.Context) error {
	return c.exchange(ctx, MsgPing, MsgPong, nil, nil)
}

// Subscribe starts event delivery for the given types, or all types when
// none are given.
func (c *IPCClient) Subscribe(ctx context.Context, types ...dispatch.Type) (*SubscribeResponse, error) {
	var resp SubscribeResponse
	if err := c.exchange(ctx, MsgSubscribe, MsgSubscribeResp, &SubscribeRequest{Types: types}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Unsubscribe stops event delivery.
func (c *IPCClient) Unsubscribe(ctx context.Context) error {
	return c.exchange(ctx, MsgUnsubscribe, MsgUnsubscribeResp, nil, nil)
}

// Status returns the daemon status.
func (c *IPCClient) Status(ctx context.Context) (*StatusResult, error) {
	var res StatusResult
	if err := c.Call(ctx, MethodDaemonStatus, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Init starts monitoring.
func (c *IPCClient) Init(ctx context.Context) (bool, error) {
	var res InitResult
	err := c.Call(ctx, MethodInit, nil, &res)
	return res.Initialized, err
}

// UnInit stops monitoring.
func (c *IPCClient) UnInit(ctx context.Context) error {
	return c.Call(ctx, MethodUnInit, nil, nil)
}

// IsInitialized reports whether monitoring is active.
func (c *IPCClient) IsInitialized(ctx context.Context) (bool, error) {
	var res InitResult
	err := c.Call(ctx, MethodIsInitialized, nil, &res)
	return res.Initialized, err
}

// Register sends raw region JSON: one definition or an array.
func (c *IPCClient) Register(ctx context.Context, definitions json.RawMessage) ([]string, error) {
	var res RegisterResult
	if err := c.Call(ctx, MethodRegister, definitions, &res); err != nil {
		return nil, err
	}
	return res.Registered, nil
}

// Unregister removes a region.
func (c *IPCClient) Unregister(ctx context.Context, id string) (bool, error) {
	var res UnregisterResult
	err := c.Call(ctx, MethodUnregister, UnregisterParams{ID: id}, &res)
	return res.Removed, err
}

// List returns the registered regions with their occupancy.
func (c *IPCClient) List(ctx context.Context) ([]RegionInfo, error) {
	var res ListResult
	if err := c.Call(ctx, MethodList, nil, &res); err != nil {
		return nil, err
	}
	return res.Regions, nil
}

// PermissionStatus returns the location permission state.
func (c *IPCClient) PermissionStatus(ctx context.Context) (string, error) {
	var res PermissionResult
	err := c.Call(ctx, MethodPermissionStatus, nil, &res)
	return res.State, err
}

// RequestPermission asks the daemon to prompt for location access.
func (c *IPCClient) RequestPermission(ctx context.Context) (string, error) {
	var res PermissionResult
	err := c.Call(ctx, MethodRequestPermission, nil, &res)
	return res.State, err
}

// EventHistory returns logged events, newest first.
func (c *IPCClient) EventHistory(ctx context.Context, regionID string, limit int) (*EventHistoryResult, error) {
	var res EventHistoryResult
	if err := c.Call(ctx, MethodHistory, HistoryParams{RegionID: regionID, Limit: limit}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PermissionHistory returns logged permission changes, newest first.
func (c *IPCClient) PermissionHistory(ctx context.Context, limit int) (*PermissionHistoryResult, error) {
	var res PermissionHistoryResult
	if err := c.Call(ctx, MethodPermissionHistory, HistoryParams{Limit: limit}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
