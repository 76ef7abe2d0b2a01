package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Host is the platform collaborator that owns the real location grant.
type Host interface {
	// Check reports the current capability without prompting the user.
	Check(ctx context.Context) (State, error)

	// Request starts a user prompt. The outcome is reported later through
	// Gate.OnHostPermissionResult carrying the same requestID.
	Request(ctx context.Context, requestID string) error
}

// ResultFunc delivers the outcome of a prompt started by Host.Request.
type ResultFunc func(requestID string, granted, background bool) error

// Listener is called from the gate goroutine after every state change.
type Listener func(from, to State)

type update struct {
	requestID string
	state     State
	solicited bool
	applied   chan struct{}
}

// Gate owns the process-wide PermissionState. Every change funnels through
// one goroutine; concurrent access requests share one host prompt.
type Gate struct {
	host Host
	log  *slog.Logger

	mu        sync.RWMutex
	state     State
	pendingID string
	waiter    chan State
	listeners []Listener
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	updates chan update
	flight  singleflight.Group
}

// NewGate creates a gate in the not_determined state.
func NewGate(host Host, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		host:    host,
		log:     logger,
		state:   NotDetermined,
		updates: make(chan update, 16),
	}
}

// OnChange registers a listener for state changes. Listeners run on the
// gate goroutine, in registration order, before any waiting requester is
// released.
func (g *Gate) OnChange(l Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, l)
}

// Start launches the gate goroutine and seeds the state from the host.
func (g *Gate) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	g.ctx, g.cancel, g.done = runCtx, cancel, done
	g.running = true
	g.mu.Unlock()

	go g.run(runCtx, done)

	state, err := g.host.Check(runCtx)
	if err != nil {
		g.log.Warn("host permission check failed", "error", err)
		return nil
	}
	return g.submit(update{state: state})
}

// Stop terminates the gate goroutine. Pending requests fail with ErrNotRunning.
func (g *Gate) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	g.pendingID = ""
	g.waiter = nil
	cancel, done := g.cancel, g.done
	g.mu.Unlock()

	cancel()
	<-done
}

// CurrentState returns the last applied state.
func (g *Gate) CurrentState() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// RequestForegroundAccess asks the host for location access. Callers that
// arrive while a prompt is outstanding wait for that same prompt. A host
// that reports the capability as restricted yields Denied without a prompt.
func (g *Gate) RequestForegroundAccess(ctx context.Context) (State, error) {
	cur := g.CurrentState()
	if cur.Granted() {
		return cur, nil
	}
	if cur == Restricted {
		return Denied, nil
	}

	ch := g.flight.DoChan("foreground", func() (any, error) {
		return g.prompt()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return g.CurrentState(), res.Err
		}
		return res.Val.(State), nil
	case <-ctx.Done():
		return g.CurrentState(), ctx.Err()
	}
}

// OnHostPermissionResult reports the outcome of the prompt identified by
// requestID. Results for any other request id are ignored. It returns once
// the new state has been applied.
func (g *Gate) OnHostPermissionResult(requestID string, granted, background bool) error {
	return g.submit(update{
		requestID: requestID,
		state:     FromResult(granted, background),
		solicited: true,
	})
}

// SetHostState applies a change the host made on its own, such as the user
// revoking access from the system settings.
func (g *Gate) SetHostState(state State) error {
	return g.submit(update{state: state})
}

// Pending reports whether a host prompt is outstanding.
func (g *Gate) Pending() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pendingID != ""
}

func (g *Gate) prompt() (State, error) {
	g.mu.RLock()
	running, ctx := g.running, g.ctx
	g.mu.RUnlock()
	if !running {
		return g.CurrentState(), ErrNotRunning
	}

	hostState, err := g.host.Check(ctx)
	if err == nil {
		switch {
		case hostState == Restricted:
			if err := g.submit(update{state: Restricted}); err != nil {
				return Denied, err
			}
			return Denied, nil
		case hostState.Granted():
			if err := g.submit(update{state: hostState}); err != nil {
				return hostState, err
			}
			return hostState, nil
		}
	} else {
		g.log.Debug("host permission check failed before prompt", "error", err)
	}

	id := uuid.NewString()
	waiter := make(chan State, 1)

	g.mu.Lock()
	g.pendingID = id
	g.waiter = waiter
	g.mu.Unlock()

	g.log.Info("requesting location permission", "request_id", id)
	if err := g.host.Request(ctx, id); err != nil {
		g.mu.Lock()
		if g.pendingID == id {
			g.pendingID = ""
			g.waiter = nil
		}
		g.mu.Unlock()
		return g.CurrentState(), fmt.Errorf("request permission: %w", err)
	}

	select {
	case s := <-waiter:
		return s, nil
	case <-ctx.Done():
		return g.CurrentState(), ErrNotRunning
	}
}

func (g *Gate) submit(u update) error {
	g.mu.RLock()
	running, ctx := g.running, g.ctx
	g.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	u.applied = make(chan struct{})
	select {
	case g.updates <- u:
	case <-ctx.Done():
		return ErrNotRunning
	}

	select {
	case <-u.applied:
		return nil
	case <-ctx.Done():
		return ErrNotRunning
	}
}

func (g *Gate) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-g.updates:
			g.apply(u)
			close(u.applied)
		}
	}
}

func (g *Gate) apply(u update) {
	g.mu.Lock()
	if u.solicited && (g.pendingID == "" || u.requestID != g.pendingID) {
		g.mu.Unlock()
		g.log.Debug("ignoring stale permission result", "request_id", u.requestID)
		return
	}

	from := g.state
	g.state = u.state

	var waiter chan State
	if u.solicited {
		waiter = g.waiter
		g.waiter = nil
		g.pendingID = ""
	}
	listeners := append([]Listener(nil), g.listeners...)
	g.mu.Unlock()

	if from != u.state {
		g.log.Info("permission state changed", "from", from.String(), "to", u.state.String())
		for _, l := range listeners {
			l(from, u.state)
		}
	}

	if waiter != nil {
		waiter <- u.state
	}
}
