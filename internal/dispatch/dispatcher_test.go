package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geofenced/internal/permission"
)

type fixedPerms struct {
	mu    sync.Mutex
	state permission.State
}

func (p *fixedPerms) CurrentState() permission.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	err    error
}

func (s *recordingSink) Deliver(ctx context.Context, ev Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) received() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func granted() *fixedPerms {
	return &fixedPerms{state: permission.GrantedForeground}
}

func ev(region string, n int) Event {
	return NewEvent(TypeRanging, region, time.Unix(int64(n), 0), n)
}

func TestInitRequiresPermission(t *testing.T) {
	tests := []struct {
		state   permission.State
		wantErr bool
	}{
		{permission.NotDetermined, true},
		{permission.Denied, true},
		{permission.Restricted, true},
		{permission.GrantedForeground, false},
		{permission.GrantedBackground, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			d := New(DefaultConfig(), &fixedPerms{state: tt.state}, nil, nil, nil)
			err := d.Init()
			if tt.wantErr {
				assert.ErrorIs(t, err, permission.ErrDenied)
				assert.False(t, d.IsInitialized())
				return
			}
			require.NoError(t, err)
			assert.True(t, d.IsInitialized())
			require.NoError(t, d.Init(), "init is idempotent")
		})
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	d := New(DefaultConfig(), granted(), sink, nil, nil)
	require.NoError(t, d.Init())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	for i := 0; i < 50; i++ {
		region := fmt.Sprintf("r%d", i%3)
		d.Publish(ev(region, i))
	}

	require.Eventually(t, func() bool { return len(sink.received()) == 50 }, 2*time.Second, time.Millisecond)

	last := map[string]int{}
	for _, e := range sink.received() {
		n := e.Payload.(int)
		if prev, ok := last[e.RegionID]; ok {
			assert.Greater(t, n, prev, "events for %s reordered", e.RegionID)
		}
		last[e.RegionID] = n
	}
	assert.Equal(t, uint64(50), d.Stats().Delivered)
}

func TestPublishDropsOldestOnOverflow(t *testing.T) {
	sink := &recordingSink{}
	d := New(Config{QueueSize: 3}, granted(), sink, nil, nil)
	require.NoError(t, d.Init())

	// Not started: events accumulate in the queue.
	for i := 1; i <= 5; i++ {
		d.Publish(ev("r1", i))
	}
	assert.Equal(t, 3, d.Pending())
	assert.Equal(t, uint64(2), d.Stats().Overflow)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool { return len(sink.received()) == 3 }, 2*time.Second, time.Millisecond)
	var got []int
	for _, e := range sink.received() {
		got = append(got, e.Payload.(int))
	}
	assert.Equal(t, []int{3, 4, 5}, got)
}

func TestPublishBeforeInitIsDropped(t *testing.T) {
	sink := &recordingSink{}
	d := New(DefaultConfig(), granted(), sink, nil, nil)
	d.Publish(ev("r1", 1))

	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, uint64(1), d.Stats().Rejected)
}

func TestUnInitDiscardsAndRunsHooks(t *testing.T) {
	sink := &recordingSink{}
	d := New(DefaultConfig(), granted(), sink, nil, nil)

	hookCalls := 0
	d.OnUnInit(func() { hookCalls++ })

	require.NoError(t, d.Init())
	d.Publish(ev("r1", 1))
	d.Publish(ev("r1", 2))

	d.UnInit()
	assert.False(t, d.IsInitialized())
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, uint64(2), d.Stats().Discarded)
	assert.Equal(t, 1, hookCalls)

	d.UnInit()
	assert.Equal(t, 1, hookCalls, "uninit on an inactive dispatcher is a no-op")

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()
	require.NoError(t, d.Init())
	d.Publish(ev("r1", 3))

	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 3, sink.received()[0].Payload.(int))
}

func TestUnavailableConsumerDropsEvents(t *testing.T) {
	sink := &recordingSink{err: fmt.Errorf("no window: %w", ErrUnavailable)}
	d := New(DefaultConfig(), granted(), sink, nil, nil)
	require.NoError(t, d.Init())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	d.Publish(ev("r1", 1))
	d.Publish(ev("r1", 2))

	require.Eventually(t, func() bool { return d.Stats().Unavailable == 2 }, 2*time.Second, time.Millisecond)
	assert.Empty(t, sink.received())
	assert.Equal(t, 0, d.Pending(), "dropped events are not requeued")
}

func TestNilSinkIsUnavailable(t *testing.T) {
	d := New(DefaultConfig(), granted(), nil, nil, nil)
	require.NoError(t, d.Init())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	d.Publish(ev("r1", 1))
	require.Eventually(t, func() bool { return d.Stats().Unavailable == 1 }, 2*time.Second, time.Millisecond)

	sink := &recordingSink{}
	d.SetSink(sink)
	d.Publish(ev("r1", 2))
	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, 2*time.Second, time.Millisecond)
}

func TestPublishDoesNotBlockOnSlowSink(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := New(Config{QueueSize: 4}, granted(), sink, nil, nil)
	require.NoError(t, d.Init())
	require.NoError(t, d.Start(context.Background()))

	published := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Publish(ev("r1", i))
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stalled consumer")
	}

	close(sink.block)
	d.Stop()
	assert.LessOrEqual(t, d.Pending(), 4)
}

func TestStartTwice(t *testing.T) {
	d := New(DefaultConfig(), granted(), nil, nil, nil)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()
	assert.ErrorIs(t, d.Start(context.Background()), ErrAlreadyRunning)
}

func TestEventMethod(t *testing.T) {
	assert.Equal(t, "geoFence.enter", TypeEnter.Method())
	assert.Equal(t, "geoFence.ranging", TypeRanging.Method())
	assert.NotEmpty(t, NewEvent(TypeExit, "r1", time.Now(), nil).ID)
}
