package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"geofenced/internal/dispatch"
	"geofenced/internal/monitor"
	"geofenced/internal/permission"
	"geofenced/internal/region"
	"geofenced/internal/store"
)

// Backend is the engine surface exposed over IPC.
type Backend interface {
	Lifecycle

	Register(ctx context.Context, def region.Definition) (region.Region, error)
	Unregister(ctx context.Context, id string) (bool, error)
	List() []monitor.RegionState
	PendingTimers() int

	PermissionState() permission.State
	RequestForegroundAccess(ctx context.Context) (permission.State, error)

	DispatchStats() dispatch.Stats
	QueueDepth() int

	RecentEvents(regionID string, limit int) ([]store.EventRecord, error)
	PermissionHistory(limit int) ([]store.PermissionRecord, error)
}

// StatusSource reports connection counts for status calls.
type StatusSource interface {
	ClientCount() int
	SubscriberCount() int
	StartedAt() time.Time
}

type method struct {
	write bool
	call  func(ctx context.Context, params json.RawMessage) (any, error)
}

// DaemonHandler routes dotted method calls to the backend. The first
// component of the method name selects the namespace.
type DaemonHandler struct {
	backend Backend
	version string
	status  StatusSource
	routes  map[string]map[string]method
}

// NewDaemonHandler creates a handler over backend.
func NewDaemonHandler(backend Backend, version string) *DaemonHandler {
	h := &DaemonHandler{backend: backend, version: version}
	h.routes = map[string]map[string]method{
		NamespaceGeoFence: {
			"init":          {write: true, call: h.initialize},
			"unInit":        {write: true, call: h.uninitialize},
			"isInitialized": {call: h.isInitialized},
			"register":      {write: true, call: h.register},
			"unregister":    {write: true, call: h.unregister},
			"list":          {call: h.list},
			"history":       {call: h.history},
			"status":        {call: h.daemonStatus},
		},
		NamespaceLocationServices: {
			"status":            {call: h.permissionStatus},
			"requestPermission": {write: true, call: h.requestPermission},
			"history":           {call: h.permissionHistory},
		},
	}
	return h
}

// SetStatusSource attaches the server whose counters appear in status.
func (h *DaemonHandler) SetStatusSource(s StatusSource) {
	h.status = s
}

// HandleMessage implements Handler.
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	id := msg.Header.RequestID
	if msg.Header.Type != MsgCall {
		return NewErrorMessage(id, ErrInvalidRequest,
			fmt.Sprintf("unexpected message type: %#04x", uint16(msg.Header.Type))), nil
	}

	var req CallRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(id, ErrInvalidRequest, "invalid call payload"), nil
	}

	m, ok := h.route(req.Method)
	if !ok {
		return NewErrorMessage(id, ErrMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method)), nil
	}
	if m.write && client != nil && client.Permission < PermReadWrite {
		return NewErrorMessage(id, ErrUnauthorized, fmt.Sprintf("%s requires read-write access", req.Method)), nil
	}

	result, err := m.call(ctx, req.Params)
	if err != nil {
		return NewErrorMessage(id, errorCode(err), err.Error()), nil
	}
	return NewResponse(MsgResult, id, result)
}

func (h *DaemonHandler) route(name string) (method, bool) {
	ns, op, ok := strings.Cut(name, ".")
	if !ok {
		return method{}, false
	}
	m, ok := h.routes[ns][op]
	return m, ok
}

type paramError struct{ err error }

func (e *paramError) Error() string { return "invalid params: " + e.err.Error() }
func (e *paramError) Unwrap() error { return e.err }

// errorCode maps engine errors onto protocol error codes.
func errorCode(err error) int {
	var pe *paramError
	switch {
	case errors.Is(err, region.ErrInvalid):
		return ErrInvalidRegion
	case errors.Is(err, permission.ErrDenied):
		return ErrPermissionDenied
	case errors.Is(err, dispatch.ErrNotInitialized):
		return ErrNotInitialized
	case errors.As(err, &pe):
		return ErrInvalidRequest
	default:
		return ErrInternalError
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &paramError{err: err}
	}
	return nil
}

func (h *DaemonHandler) initialize(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := h.backend.Init(); err != nil {
		return nil, err
	}
	return InitResult{Initialized: h.backend.IsInitialized()}, nil
}

func (h *DaemonHandler) uninitialize(ctx context.Context, _ json.RawMessage) (any, error) {
	h.backend.UnInit()
	return InitResult{Initialized: h.backend.IsInitialized()}, nil
}

func (h *DaemonHandler) isInitialized(ctx context.Context, _ json.RawMessage) (any, error) {
	return InitResult{Initialized: h.backend.IsInitialized()}, nil
}

// register accepts one definition or an array. Definitions are applied in
// order and the call stops at the first invalid one.
func (h *DaemonHandler) register(ctx context.Context, params json.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, &paramError{err: errors.New("region definition required")}
	}
	defs, err := region.ParseDefinitions(params)
	if err != nil {
		return nil, err
	}

	res := RegisterResult{Registered: []string{}}
	for _, def := range defs {
		r, err := h.backend.Register(ctx, def)
		if err != nil {
			return nil, fmt.Errorf("register %q: %w", def.ID, err)
		}
		res.Registered = append(res.Registered, r.ID)
	}
	return res, nil
}

func (h *DaemonHandler) unregister(ctx context.Context, params json.RawMessage) (any, error) {
	var p UnregisterParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, &paramError{err: errors.New("id is required")}
	}
	removed, err := h.backend.Unregister(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return UnregisterResult{Removed: removed}, nil
}

func (h *DaemonHandler) list(ctx context.Context, _ json.RawMessage) (any, error) {
	states := h.backend.List()
	res := ListResult{Regions: make([]RegionInfo, 0, len(states))}
	for _, st := range states {
		res.Regions = append(res.Regions, RegionInfo{
			Definition: region.DefinitionOf(st.Region),
			State:      st.State.String(),
			Since:      st.Since,
		})
	}
	return res, nil
}

func (h *DaemonHandler) history(ctx context.Context, params json.RawMessage) (any, error) {
	var p HistoryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	events, err := h.backend.RecentEvents(p.RegionID, p.Limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []store.EventRecord{}
	}
	return EventHistoryResult{Events: events}, nil
}

func (h *DaemonHandler) daemonStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	res := StatusResult{
		Version:       h.version,
		Initialized:   h.backend.IsInitialized(),
		Permission:    h.backend.PermissionState().String(),
		Regions:       len(h.backend.List()),
		PendingTimers: h.backend.PendingTimers(),
		QueueDepth:    h.backend.QueueDepth(),
		Dispatch:      h.backend.DispatchStats(),
	}
	if h.status != nil {
		res.StartedAt = h.status.StartedAt()
		res.Uptime = time.Since(res.StartedAt).Round(time.Second).String()
		res.Clients = h.status.ClientCount()
		res.Subscribers = h.status.SubscriberCount()
	}
	return res, nil
}

func (h *DaemonHandler) permissionStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	return PermissionResult{State: h.backend.PermissionState().String()}, nil
}

func (h *DaemonHandler) requestPermission(ctx context.Context, _ json.RawMessage) (any, error) {
	state, err := h.backend.RequestForegroundAccess(ctx)
	if err != nil {
		return nil, err
	}
	return PermissionResult{State: state.String()}, nil
}

func (h *DaemonHandler) permissionHistory(ctx context.Context, params json.RawMessage) (any, error) {
	var p HistoryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	changes, err := h.backend.PermissionHistory(p.Limit)
	if err != nil {
		return nil, err
	}
	if changes == nil {
		changes = []store.PermissionRecord{}
	}
	return PermissionHistoryResult{Changes: changes}, nil
}
