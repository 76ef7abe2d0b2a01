package permission

import (
	"context"
	"sync"
)

// StaticHost is a Host whose capability is fixed by configuration. Prompts
// are answered immediately, with the configured state unless SetPromptResult
// chose a different answer. It backs replayed sensor input and platforms
// without a permission service.
type StaticHost struct {
	mu        sync.Mutex
	state     State
	answer    State
	hasAnswer bool
	onResult  ResultFunc
	prompts   int
	lastID    string
}

// NewStaticHost creates a host that reports state.
func NewStaticHost(state State) *StaticHost {
	return &StaticHost{state: state}
}

// SetResultHandler wires the prompt outcome back into a gate.
func (h *StaticHost) SetResultHandler(fn ResultFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onResult = fn
}

// SetState changes what the host reports for subsequent checks and prompts.
func (h *StaticHost) SetState(state State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
}

// SetPromptResult makes the next prompts resolve to state. The answer also
// becomes what Check reports afterwards, as a user's choice would.
func (h *StaticHost) SetPromptResult(state State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.answer, h.hasAnswer = state, true
}

// Check implements Host.
func (h *StaticHost) Check(ctx context.Context) (State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, nil
}

// Request implements Host.
func (h *StaticHost) Request(ctx context.Context, requestID string) error {
	h.mu.Lock()
	h.prompts++
	h.lastID = requestID
	if h.hasAnswer {
		h.state = h.answer
	}
	state, fn := h.state, h.onResult
	h.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(requestID, state.Granted(), state == GrantedBackground)
}

// Prompts returns how many prompts the host has been asked to show.
func (h *StaticHost) Prompts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.prompts
}

// LastRequestID returns the id of the most recent prompt.
func (h *StaticHost) LastRequestID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastID
}
