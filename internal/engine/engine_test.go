package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geofenced/internal/dispatch"
	"geofenced/internal/monitor"
	"geofenced/internal/permission"
	"geofenced/internal/region"
	"geofenced/internal/store"
	"geofenced/internal/timeutil"
)

var (
	epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	home  = region.Coordinate{Latitude: 40.1, Longitude: -88.2}
	away  = region.Coordinate{Latitude: 41.1, Longitude: -88.2}
)

type sink struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (s *sink) Deliver(ctx context.Context, ev dispatch.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sink) types() []dispatch.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.Type, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func circle(id string) region.Definition {
	return region.Definition{
		ID:              id,
		Kind:            string(region.KindGeoCircle),
		Latitude:        ptr(home.Latitude),
		Longitude:       ptr(home.Longitude),
		Radius:          ptr(100.0),
		DwellSeconds:    ptr(0.0),
		DebounceSeconds: ptr(0.0),
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "geofenced.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type fixture struct {
	engine *Engine
	host   *permission.StaticHost
	clock  *timeutil.MockClock
	sink   *sink
}

func start(t *testing.T, state permission.State, st *store.Store, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		host:  permission.NewStaticHost(state),
		clock: timeutil.NewMockClock(epoch),
		sink:  &sink{},
	}
	f.engine = New(cfg, f.host, st, WithClock(f.clock), WithSink(f.sink))
	require.NoError(t, f.engine.Start(context.Background()))
	t.Cleanup(f.engine.Stop)
	return f
}

func (f *fixture) fix(c region.Coordinate) {
	f.engine.IngestLocation(monitor.Fix{Coordinate: c, Accuracy: 5, Timestamp: f.clock.Now()})
}

func TestStartTwice(t *testing.T) {
	f := start(t, permission.GrantedForeground, nil, Config{})
	assert.ErrorIs(t, f.engine.Start(context.Background()), ErrAlreadyRunning)
}

func TestEnterDeliveredAndLogged(t *testing.T) {
	st := openStore(t)
	f := start(t, permission.GrantedForeground, st, Config{EventLog: true})
	require.NoError(t, f.engine.Init())

	_, err := f.engine.Register(context.Background(), circle("home"))
	require.NoError(t, err)

	f.fix(away)
	f.fix(home)

	require.Eventually(t, func() bool {
		return len(f.sink.types()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []dispatch.Type{dispatch.TypeEnter}, f.sink.types())

	require.Eventually(t, func() bool {
		recs, err := f.engine.RecentEvents("home", 0)
		return err == nil && len(recs) == 1
	}, time.Second, 5*time.Millisecond)

	recs, err := f.engine.RecentEvents("", 10)
	require.NoError(t, err)
	assert.Equal(t, "enter", recs[0].Type)
	assert.Equal(t, store.OutcomeDelivered, recs[0].Outcome)
	assert.Equal(t, uint64(1), f.engine.DispatchStats().Delivered)
}

func TestUnavailableConsumerLogged(t *testing.T) {
	st := openStore(t)
	f := start(t, permission.GrantedForeground, st, Config{EventLog: true})
	f.engine.SetSink(nil)
	require.NoError(t, f.engine.Init())

	_, err := f.engine.Register(context.Background(), circle("home"))
	require.NoError(t, err)
	f.fix(away)
	f.fix(home)

	require.Eventually(t, func() bool {
		return f.engine.DispatchStats().Unavailable == 1
	}, time.Second, 5*time.Millisecond)

	recs, err := f.engine.RecentEvents("home", 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, store.OutcomeUnavailable, recs[0].Outcome)
}

func TestInitRequiresPermission(t *testing.T) {
	st := openStore(t)
	f := start(t, permission.NotDetermined, st, Config{})

	assert.ErrorIs(t, f.engine.Init(), permission.ErrDenied)
	assert.False(t, f.engine.IsInitialized())

	f.host.SetPromptResult(permission.GrantedForeground)
	state, err := f.engine.RequestForegroundAccess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, permission.GrantedForeground, state)
	assert.Equal(t, 1, f.host.Prompts())
	assert.NotEmpty(t, f.host.LastRequestID())
	assert.Equal(t, permission.GrantedForeground, f.engine.PermissionState())

	// Already granted, so no second prompt.
	_, err = f.engine.RequestForegroundAccess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.host.Prompts())

	require.NoError(t, f.engine.Init())
	assert.True(t, f.engine.IsInitialized())

	history, err := f.engine.PermissionHistory(0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "not_determined", history[0].From)
	assert.Equal(t, "granted_foreground", history[0].To)
}

func TestRevokeResetsWithoutEvents(t *testing.T) {
	f := start(t, permission.GrantedForeground, nil, Config{})
	require.NoError(t, f.engine.Init())
	_, err := f.engine.Register(context.Background(), circle("home"))
	require.NoError(t, err)

	f.fix(away)
	f.fix(home)
	require.Eventually(t, func() bool { return len(f.sink.types()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.engine.SetHostState(permission.Denied))
	state, ok := f.engine.State("home")
	require.True(t, ok)
	assert.Equal(t, monitor.Unknown, state)

	// samples are ignored until access comes back
	f.fix(away)
	f.clock.Advance(time.Minute)
	assert.Equal(t, []dispatch.Type{dispatch.TypeEnter}, f.sink.types())
	assert.Equal(t, 0, f.engine.PendingTimers())
}

func TestUnInitResetsOccupancy(t *testing.T) {
	f := start(t, permission.GrantedForeground, nil, Config{})
	require.NoError(t, f.engine.Init())
	_, err := f.engine.Register(context.Background(), circle("home"))
	require.NoError(t, err)

	f.fix(home)
	state, _ := f.engine.State("home")
	assert.Equal(t, monitor.Inside, state)

	f.engine.UnInit()
	assert.False(t, f.engine.IsInitialized())
	state, _ = f.engine.State("home")
	assert.Equal(t, monitor.Unknown, state)
}

func TestRegionsRestoredInOrder(t *testing.T) {
	st := openStore(t)

	first := New(Config{}, permission.NewStaticHost(permission.GrantedForeground), st)
	require.NoError(t, first.Start(context.Background()))
	for _, id := range []string{"b", "a", "c"} {
		_, err := first.Register(context.Background(), circle(id))
		require.NoError(t, err)
	}
	_, err := first.Register(context.Background(), circle("b"))
	require.NoError(t, err)
	removed, err := first.Unregister(context.Background(), "c")
	require.NoError(t, err)
	assert.True(t, removed)
	first.Stop()

	second := New(Config{}, permission.NewStaticHost(permission.GrantedForeground), st)
	require.NoError(t, second.Start(context.Background()))
	defer second.Stop()

	var ids []string
	for _, rs := range second.List() {
		ids = append(ids, rs.Region.ID)
		assert.Equal(t, monitor.Unknown, rs.State)
	}
	assert.Equal(t, []string{"b", "a"}, ids)
}

func TestOnPermissionChangeSeesPromptOutcome(t *testing.T) {
	f := start(t, permission.NotDetermined, nil, Config{})

	var mu sync.Mutex
	var seen []permission.State
	f.engine.OnPermissionChange(func(from, to permission.State) {
		mu.Lock()
		seen = append(seen, from, to)
		mu.Unlock()
	})

	f.host.SetPromptResult(permission.GrantedBackground)
	_, err := f.engine.RequestForegroundAccess(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []permission.State{permission.NotDetermined, permission.GrantedBackground}, seen)
}

func TestRegionLimit(t *testing.T) {
	f := start(t, permission.GrantedForeground, nil, Config{MaxRegions: 1})

	_, err := f.engine.Register(context.Background(), circle("one"))
	require.NoError(t, err)
	_, err = f.engine.Register(context.Background(), circle("two"))
	assert.ErrorIs(t, err, ErrRegionLimit)

	// replacing an existing region does not count against the limit
	_, err = f.engine.Register(context.Background(), circle("one"))
	assert.NoError(t, err)
}

func TestRegisterInvalid(t *testing.T) {
	f := start(t, permission.GrantedForeground, nil, Config{})
	def := circle("bad")
	def.Radius = ptr(-1.0)

	_, err := f.engine.Register(context.Background(), def)
	assert.ErrorIs(t, err, region.ErrInvalid)
	assert.Empty(t, f.engine.List())
}

func TestImportFileReplacesStaleFileRegions(t *testing.T) {
	st := openStore(t)
	f := start(t, permission.GrantedForeground, st, Config{})

	_, err := f.engine.Register(context.Background(), circle("client"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "regions.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	}

	write(`regions:
  - {id: office, kind: geo-circle, latitude: 40.1, longitude: -88.2, radius: 50}
  - {id: gym, kind: geo-circle, latitude: 40.2, longitude: -88.2, radius: 50}
`)
	res, err := f.engine.ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"office", "gym"}, res.Registered)
	assert.Empty(t, res.Removed)
	assert.Len(t, f.engine.List(), 3)

	write(`regions:
  - {id: gym, kind: geo-circle, latitude: 40.2, longitude: -88.2, radius: 75}
`)
	res, err = f.engine.ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"office"}, res.Removed)

	var ids []string
	for _, rs := range f.engine.List() {
		ids = append(ids, rs.Region.ID)
	}
	assert.ElementsMatch(t, []string{"client", "gym"}, ids)

	stored, err := st.GetRegion("gym")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, store.SourceFile, stored.Source)
	assert.Equal(t, 75.0, *stored.Definition.Radius)
}

func TestImportFileInvalidLeavesRegionsUntouched(t *testing.T) {
	f := start(t, permission.GrantedForeground, nil, Config{})
	path := filepath.Join(t.TempDir(), "regions.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
  {"id": "ok", "kind": "geo-circle", "latitude": 1, "longitude": 1, "radius": 10},
  {"id": "broken", "kind": "geo-circle", "latitude": 1, "longitude": 1, "radius": 0}
]`), 0600))

	_, err := f.engine.ImportFile(context.Background(), path)
	require.Error(t, err)
	assert.Empty(t, f.engine.List())
}

func TestImportFileOverLimitRegistersNothing(t *testing.T) {
	st := openStore(t)
	f := start(t, permission.GrantedForeground, st, Config{MaxRegions: 2})
	_, err := f.engine.Register(context.Background(), circle("client"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "regions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`regions:
  - {id: office, kind: geo-circle, latitude: 40.1, longitude: -88.2, radius: 50}
  - {id: gym, kind: geo-circle, latitude: 40.2, longitude: -88.2, radius: 50}
`), 0600))

	_, err = f.engine.ImportFile(context.Background(), path)
	assert.ErrorIs(t, err, ErrRegionLimit)
	require.Len(t, f.engine.List(), 1)
	assert.Equal(t, "client", f.engine.List()[0].Region.ID)

	stored, err := st.GetRegion("office")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestImportFileSwapWithinLimit(t *testing.T) {
	f := start(t, permission.GrantedForeground, nil, Config{MaxRegions: 1})
	path := filepath.Join(t.TempDir(), "regions.yaml")

	require.NoError(t, os.WriteFile(path, []byte(`regions:
  - {id: office, kind: geo-circle, latitude: 40.1, longitude: -88.2, radius: 50}
`), 0600))
	_, err := f.engine.ImportFile(context.Background(), path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`regions:
  - {id: gym, kind: geo-circle, latitude: 40.2, longitude: -88.2, radius: 50}
`), 0600))
	res, err := f.engine.ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"gym"}, res.Registered)
	assert.Equal(t, []string{"office"}, res.Removed)
}

func TestEventLogPruned(t *testing.T) {
	st := openStore(t)
	old := dispatch.NewEvent(dispatch.TypeExit, "home", epoch.Add(-48*time.Hour), nil)
	require.NoError(t, st.RecordEvent(old, store.OutcomeDelivered))

	f := start(t, permission.GrantedForeground, st, Config{EventLog: true, EventRetention: 24 * time.Hour})
	f.clock.Advance(pruneInterval)

	recs, err := f.engine.RecentEvents("", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
