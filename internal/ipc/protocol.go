// Package ipc carries geofenced calls and events between the daemon and its
// consumers over a Unix socket.
//
// Every frame is a fixed 16-byte header followed by a JSON payload. Calls
// are routed by dotted method names such as "geoFence.register" or
// "locationServices.status"; events are pushed to subscribers as
// "geoFence.<type>" notifications.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"geofenced/internal/dispatch"
	"geofenced/internal/region"
	"geofenced/internal/store"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x47464E43 // "GFNC"
)

// MaxPayload bounds a single frame's payload.
const MaxPayload = 4 * 1024 * 1024

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Method calls (0x01xx)
	MsgCall   MessageType = 0x0100
	MsgResult MessageType = 0x0101

	// Event streaming (0x05xx)
	MsgSubscribe       MessageType = 0x0500
	MsgSubscribeResp   MessageType = 0x0501
	MsgUnsubscribe     MessageType = 0x0502
	MsgUnsubscribeResp MessageType = 0x0503
	MsgEvent           MessageType = 0x0504
)

// PermissionLevel defines client access levels
type PermissionLevel uint8

const (
	PermReadOnly  PermissionLevel = 0x01
	PermReadWrite PermissionLevel = 0x02
)

func (p PermissionLevel) String() string {
	switch p {
	case PermReadOnly:
		return "read-only"
	case PermReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("permission(%d)", uint8(p))
	}
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON uint8 = 0x04
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	h.put(buf)
	_, err := w.Write(buf)
	return err
}

func (h *Header) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes header and payload with a single Write call.
func (m *Message) Write(w io.Writer) error {
	m.Header.Length = uint32(len(m.Payload))
	frame := make([]byte, HeaderSize+len(m.Payload))
	m.Header.put(frame)
	copy(frame[HeaderSize:], m.Payload)
	_, err := w.Write(frame)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Method namespaces.
const (
	NamespaceGeoFence         = "geoFence"
	NamespaceLocationServices = "locationServices"
)

// Methods served by the daemon.
const (
	MethodInit          = "geoFence.init"
	MethodUnInit        = "geoFence.unInit"
	MethodIsInitialized = "geoFence.isInitialized"
	MethodRegister      = "geoFence.register"
	MethodUnregister    = "geoFence.unregister"
	MethodList          = "geoFence.list"
	MethodHistory       = "geoFence.history"
	MethodDaemonStatus  = "geoFence.status"

	MethodPermissionStatus  = "locationServices.status"
	MethodRequestPermission = "locationServices.requestPermission"
	MethodPermissionHistory = "locationServices.history"
)

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string          `json:"server_version"`
	ProtocolVersion uint8           `json:"protocol_version"`
	ClientID        string          `json:"client_id"`
	Permission      PermissionLevel `json:"permission"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrMethodNotFound   = 6
	ErrNotInitialized   = 7
	ErrInvalidRegion    = 8
	ErrUnauthorized     = 9
)

// CallRequest invokes a method.
type CallRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// UnregisterParams names the region to remove.
type UnregisterParams struct {
	ID string `json:"id"`
}

// RegisterResult lists the ids accepted by geoFence.register.
type RegisterResult struct {
	Registered []string `json:"registered"`
}

// UnregisterResult reports whether the region existed.
type UnregisterResult struct {
	Removed bool `json:"removed"`
}

// InitResult reports the dispatcher state after init or unInit.
type InitResult struct {
	Initialized bool `json:"initialized"`
}

// RegionInfo is one entry of geoFence.list.
type RegionInfo struct {
	Definition region.Definition `json:"definition"`
	State      string            `json:"state"`
	Since      time.Time         `json:"since"`
}

// ListResult is returned by geoFence.list.
type ListResult struct {
	Regions []RegionInfo `json:"regions"`
}

// PermissionResult carries a permission state name.
type PermissionResult struct {
	State string `json:"state"`
}

// HistoryParams filters geoFence.history and locationServices.history.
type HistoryParams struct {
	RegionID string `json:"region_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// EventHistoryResult is returned by geoFence.history.
type EventHistoryResult struct {
	Events []store.EventRecord `json:"events"`
}

// PermissionHistoryResult is returned by locationServices.history.
type PermissionHistoryResult struct {
	Changes []store.PermissionRecord `json:"changes"`
}

// StatusResult contains daemon status
type StatusResult struct {
	Version       string         `json:"version"`
	StartedAt     time.Time      `json:"started_at"`
	Uptime        string         `json:"uptime"`
	Initialized   bool           `json:"initialized"`
	Permission    string         `json:"permission"`
	Regions       int            `json:"regions"`
	PendingTimers int            `json:"pending_timers"`
	QueueDepth    int            `json:"queue_depth"`
	Dispatch      dispatch.Stats `json:"dispatch"`
	Clients       int            `json:"clients"`
	Subscribers   int            `json:"subscribers"`
}

// SubscribeRequest requests event subscription. Types filters by event
// type ("enter", "exit", "dwell", "ranging"); empty means all.
type SubscribeRequest struct {
	Types []dispatch.Type `json:"types,omitempty"`
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	SubscriptionID string `json:"subscription_id"`
	Initialized    bool   `json:"initialized"`
}

// Notification is a pushed event.
type Notification struct {
	Method string         `json:"method"`
	Params dispatch.Event `json:"params"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
