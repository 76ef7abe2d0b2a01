package permission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// promptHost records prompts and leaves them unanswered until the test
// reports a result.
type promptHost struct {
	mu       sync.Mutex
	state    State
	checkErr error
	requests []string
	asked    chan string
}

func newPromptHost(state State) *promptHost {
	return &promptHost{state: state, asked: make(chan string, 8)}
}

func (h *promptHost) Check(ctx context.Context) (State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.checkErr
}

func (h *promptHost) Request(ctx context.Context, id string) error {
	h.mu.Lock()
	h.requests = append(h.requests, id)
	h.mu.Unlock()
	h.asked <- id
	return nil
}

func (h *promptHost) requestCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

func startGate(t *testing.T, host Host) *Gate {
	t.Helper()
	g := NewGate(host, nil)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(g.Stop)
	return g
}

func waitPrompt(t *testing.T, h *promptHost) string {
	t.Helper()
	select {
	case id := <-h.asked:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("host was never prompted")
		return ""
	}
}

func TestGateSeedsFromHost(t *testing.T) {
	g := startGate(t, NewStaticHost(GrantedBackground))
	assert.Equal(t, GrantedBackground, g.CurrentState())
}

func TestGateStartTwice(t *testing.T) {
	g := startGate(t, NewStaticHost(NotDetermined))
	assert.ErrorIs(t, g.Start(context.Background()), ErrAlreadyRunning)
}

func TestGateCoalescesConcurrentRequests(t *testing.T) {
	host := newPromptHost(NotDetermined)
	g := startGate(t, host)

	const callers = 8
	results := make(chan State, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := g.RequestForegroundAccess(context.Background())
			assert.NoError(t, err)
			results <- s
		}()
	}

	id := waitPrompt(t, host)
	// Give the remaining callers time to join the in-flight prompt.
	require.Eventually(t, g.Pending, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, g.OnHostPermissionResult(id, true, false))
	wg.Wait()
	close(results)

	for s := range results {
		assert.Equal(t, GrantedForeground, s)
	}
	assert.Equal(t, 1, host.requestCount())
	assert.Equal(t, GrantedForeground, g.CurrentState())
	assert.False(t, g.Pending())
}

func TestGateRestrictedDoesNotPrompt(t *testing.T) {
	host := newPromptHost(Restricted)
	g := startGate(t, host)

	for i := 0; i < 3; i++ {
		s, err := g.RequestForegroundAccess(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Denied, s)
	}
	assert.Equal(t, 0, host.requestCount())
	assert.Equal(t, Restricted, g.CurrentState())
}

func TestGateRestrictedDiscoveredAtPrompt(t *testing.T) {
	host := newPromptHost(NotDetermined)
	g := startGate(t, host)

	host.mu.Lock()
	host.state = Restricted
	host.mu.Unlock()

	s, err := g.RequestForegroundAccess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Denied, s)
	assert.Equal(t, 0, host.requestCount())
}

func TestGateGrantedSkipsPrompt(t *testing.T) {
	host := newPromptHost(GrantedForeground)
	g := startGate(t, host)

	s, err := g.RequestForegroundAccess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GrantedForeground, s)
	assert.Equal(t, 0, host.requestCount())
}

func TestGateIgnoresStaleResult(t *testing.T) {
	host := newPromptHost(NotDetermined)
	g := startGate(t, host)

	done := make(chan State, 1)
	go func() {
		s, _ := g.RequestForegroundAccess(context.Background())
		done <- s
	}()
	id := waitPrompt(t, host)

	require.NoError(t, g.OnHostPermissionResult("some-other-request", true, true))
	assert.Equal(t, NotDetermined, g.CurrentState())
	assert.True(t, g.Pending())

	require.NoError(t, g.OnHostPermissionResult(id, false, false))
	assert.Equal(t, Denied, <-done)
	assert.Equal(t, Denied, g.CurrentState())
}

func TestGateListenersSeeTransitions(t *testing.T) {
	host := NewStaticHost(GrantedForeground)
	g := NewGate(host, nil)

	type change struct{ from, to State }
	var changes []change
	g.OnChange(func(from, to State) {
		changes = append(changes, change{from, to})
	})

	require.NoError(t, g.Start(context.Background()))
	defer g.Stop()

	require.NoError(t, g.SetHostState(Denied))
	require.NoError(t, g.SetHostState(Denied))
	require.NoError(t, g.SetHostState(GrantedBackground))

	assert.Equal(t, []change{
		{NotDetermined, GrantedForeground},
		{GrantedForeground, Denied},
		{Denied, GrantedBackground},
	}, changes)
}

func TestGateStaticHostAnswersPrompt(t *testing.T) {
	host := NewStaticHost(NotDetermined)
	g := startGate(t, host)
	host.SetResultHandler(g.OnHostPermissionResult)

	host.SetState(GrantedBackground)
	// The gate still holds not_determined but the host check short-circuits.
	s, err := g.RequestForegroundAccess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GrantedBackground, s)
	assert.Equal(t, 0, host.Prompts(), "granted host state short-circuits the prompt")

	require.NoError(t, g.SetHostState(Denied))
	host.SetState(Denied)
	s, err = g.RequestForegroundAccess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Denied, s)
	assert.Equal(t, 1, host.Prompts())
}

func TestGateStaticHostPromptResult(t *testing.T) {
	host := NewStaticHost(NotDetermined)
	g := startGate(t, host)
	host.SetResultHandler(g.OnHostPermissionResult)
	host.SetPromptResult(GrantedForeground)

	s, err := g.RequestForegroundAccess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GrantedForeground, s)
	assert.Equal(t, 1, host.Prompts())
	assert.NotEmpty(t, host.LastRequestID())

	// A late answer for the same prompt changes nothing.
	require.NoError(t, g.OnHostPermissionResult(host.LastRequestID(), false, false))
	assert.Equal(t, GrantedForeground, g.CurrentState())

	checked, err := host.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GrantedForeground, checked)
}

func TestGateRequestContextCancelled(t *testing.T) {
	host := newPromptHost(NotDetermined)
	g := startGate(t, host)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.RequestForegroundAccess(ctx)
		done <- err
	}()
	waitPrompt(t, host)
	cancel()

	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestGateNotRunning(t *testing.T) {
	g := NewGate(NewStaticHost(NotDetermined), nil)
	assert.ErrorIs(t, g.SetHostState(Denied), ErrNotRunning)
	assert.ErrorIs(t, g.OnHostPermissionResult("x", true, false), ErrNotRunning)

	_, err := g.RequestForegroundAccess(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestParseState(t *testing.T) {
	for s, name := range stateNames {
		got, err := ParseState(name)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("maybe")
	assert.Error(t, err)
}

func TestFromResult(t *testing.T) {
	assert.Equal(t, GrantedBackground, FromResult(true, true))
	assert.Equal(t, GrantedForeground, FromResult(true, false))
	assert.Equal(t, Denied, FromResult(false, true))
	assert.True(t, Denied.Revoked())
	assert.True(t, Restricted.Revoked())
	assert.False(t, NotDetermined.Revoked())
}
