// Package monitor turns location fixes and beacon scans into debounced
// enter, exit, dwell and ranging events.
//
// Each registered region owns a track guarded by its own mutex. Samples and
// timer callbacks for one region serialize on that mutex; different regions
// never contend. When a sample and a timer race for the same region, the
// sample is applied and the timer's deadline is then resolved in the
// sample's favor.
package monitor

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"geofenced/internal/beacon"
	"geofenced/internal/dispatch"
	"geofenced/internal/metrics"
	"geofenced/internal/permission"
	"geofenced/internal/region"
	"geofenced/internal/timeutil"
)

// Occupancy is the per-region occupancy state.
type Occupancy int

const (
	Unknown Occupancy = iota
	Outside
	Entering
	Inside
	Exiting
)

func (o Occupancy) String() string {
	switch o {
	case Unknown:
		return "unknown"
	case Outside:
		return "outside"
	case Entering:
		return "entering"
	case Inside:
		return "inside"
	case Exiting:
		return "exiting"
	default:
		return "invalid"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Occupancy) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Proximity classifies one sample against one region.
type Proximity int

const (
	Far Proximity = iota
	Near
)

func (p Proximity) String() string {
	if p == Near {
		return "near"
	}
	return "far"
}

// Fix is one location sample.
type Fix struct {
	Coordinate region.Coordinate `json:"coordinate"`
	Accuracy   float64           `json:"accuracy"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Publisher receives events. Publish must not block.
type Publisher interface {
	Publish(ev dispatch.Event)
}

// PermissionSource reports the current location permission.
type PermissionSource interface {
	CurrentState() permission.State
}

// Transition records one occupancy change.
type Transition struct {
	RegionID string
	From     Occupancy
	To       Occupancy
	At       time.Time
}

// Payload is attached to enter, exit and dwell events.
type Payload struct {
	Kind    region.Kind     `json:"kind"`
	State   Occupancy       `json:"state"`
	Fix     *Fix            `json:"fix,omitempty"`
	Beacons []beacon.Beacon `json:"beacons,omitempty"`
}

// RangingPayload is attached to ranging events.
type RangingPayload struct {
	Beacons []beacon.Beacon `json:"beacons"`
}

// RegionState is a region together with its current occupancy.
type RegionState struct {
	Region region.Region
	State  Occupancy
	Since  time.Time
}

// Config tunes sample filtering.
type Config struct {
	// MaxAccuracy drops location fixes whose accuracy radius in meters
	// exceeds it. Zero disables the filter.
	MaxAccuracy float64
}

type track struct {
	mu       sync.Mutex
	region   region.Region
	state    Occupancy
	since    time.Time
	removed  bool
	inflight atomic.Int32

	// fired holds expiries that arrived while a sample held mu. The sample
	// drains it once it lets go of the lock.
	firedMu sync.Mutex
	fired   []expiry

	enteringSince time.Time
	insideSince   time.Time
	exitingSince  time.Time
	dwellFired    bool

	lastFix     *Fix
	lastBeacons []beacon.Beacon
}

type expiry struct {
	key   timerKey
	token uint64
}

func (t *track) deferExpiry(key timerKey, token uint64) {
	t.firedMu.Lock()
	t.fired = append(t.fired, expiry{key, token})
	t.firedMu.Unlock()
}

func (t *track) takeExpiries() []expiry {
	t.firedMu.Lock()
	defer t.firedMu.Unlock()
	out := t.fired
	t.fired = nil
	return out
}

// Monitor is the region occupancy state machine.
type Monitor struct {
	cfg          Config
	regions      *region.Store
	dedup        *beacon.Deduplicator
	perms        PermissionSource
	pub          Publisher
	clock        timeutil.Clock
	log          *slog.Logger
	metrics      *metrics.Metrics
	onTransition func(Transition)

	mu     sync.RWMutex
	tracks map[string]*track

	timers *timerSet
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces the wall clock, typically with a timeutil.MockClock.
func WithClock(c timeutil.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithTransitionHook registers fn to observe every occupancy change. It is
// called with the region's lock held and must not call back into the Monitor.
func WithTransitionHook(fn func(Transition)) Option {
	return func(m *Monitor) { m.onTransition = fn }
}

// New creates a Monitor over the given registry.
func New(cfg Config, regions *region.Store, dedup *beacon.Deduplicator, perms PermissionSource, pub Publisher, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:     cfg,
		regions: regions,
		dedup:   dedup,
		perms:   perms,
		pub:     pub,
		clock:   timeutil.RealClock{},
		log:     slog.Default(),
		tracks:  make(map[string]*track),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.timers = newTimerSet(m.clock)

	for _, r := range regions.List() {
		m.tracks[r.ID] = m.newTrack(r)
	}
	return m
}

func (m *Monitor) newTrack(r region.Region) *track {
	return &track{region: r, state: Unknown, since: m.clock.Now()}
}

// Register adds or replaces a region. A replaced region starts over in
// Unknown with its timers cancelled. Invalid regions are rejected and the
// previous definition stays in effect.
func (m *Monitor) Register(r region.Region) error {
	replaced, err := m.regions.Register(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if old, ok := m.tracks[r.ID]; ok {
		old.mu.Lock()
		old.removed = true
		m.timers.cancelRegion(r.ID)
		old.mu.Unlock()
	}
	m.tracks[r.ID] = m.newTrack(r)
	m.mu.Unlock()

	m.dedup.Forget(r.ID)
	m.metrics.SetRegions(m.regions.Len())
	m.metrics.SetPendingTimers(m.timers.len())
	m.log.Info("region registered", "region_id", r.ID, "kind", string(r.Kind), "replaced", replaced)
	return nil
}

// Unregister removes a region and cancels its timers. It reports whether
// the region existed.
func (m *Monitor) Unregister(id string) bool {
	existed := m.regions.Unregister(id)

	m.mu.Lock()
	if t, ok := m.tracks[id]; ok {
		t.mu.Lock()
		t.removed = true
		m.timers.cancelRegion(id)
		t.mu.Unlock()
		delete(m.tracks, id)
	}
	m.mu.Unlock()

	m.dedup.Forget(id)
	m.metrics.SetRegions(m.regions.Len())
	m.metrics.SetPendingTimers(m.timers.len())
	if existed {
		m.log.Info("region unregistered", "region_id", id)
	}
	return existed
}

// HandleLocation classifies fix against every geo-circle region.
func (m *Monitor) HandleLocation(fix Fix) {
	m.metrics.IncSample("location")
	if m.cfg.MaxAccuracy > 0 && fix.Accuracy > m.cfg.MaxAccuracy {
		m.metrics.IncSampleDropped("accuracy")
		m.log.Debug("dropping inaccurate fix", "accuracy", fix.Accuracy)
		return
	}
	if !m.allowed() {
		return
	}

	for _, r := range m.regions.List() {
		if r.Kind != region.KindGeoCircle {
			continue
		}
		p := Far
		if r.Contains(fix.Coordinate) {
			p = Near
		}
		f := fix
		m.observe(r.ID, p, func(t *track, _ time.Time) {
			t.lastFix = &f
		}, nil)
	}
}

// HandleBeacons classifies a scan against every beacon region and emits
// ranging events for regions whose matching beacons changed.
func (m *Monitor) HandleBeacons(snap beacon.Snapshot) {
	m.metrics.IncSample("beacon")
	if !m.allowed() {
		return
	}

	for _, r := range m.regions.List() {
		if r.Kind != region.KindBeacon {
			continue
		}
		identity := r.Beacon
		matched := snap.Filter(identity.Matches)
		p := Far
		if matched.Len() > 0 {
			p = Near
		}
		m.observe(r.ID, p, func(t *track, _ time.Time) {
			t.lastBeacons = matched.Beacons
		}, func(t *track, now time.Time) {
			if !t.region.Triggers.Has(region.TriggerRanging) {
				return
			}
			if out, changed := m.dedup.Observe(t.region.ID, matched); changed {
				m.publish(t, dispatch.TypeRanging, now, RangingPayload{Beacons: out.Beacons})
			}
		})
	}
}

// HandleProximity applies a pre-classified sample to a single region.
// Samples for unregistered regions are dropped.
func (m *Monitor) HandleProximity(regionID string, p Proximity) {
	m.metrics.IncSample("proximity")
	if !m.allowed() {
		return
	}
	m.observe(regionID, p, nil, nil)
}

// OnPermissionChange is a permission.Listener. Losing the grant forces every
// region to Unknown without emitting events.
func (m *Monitor) OnPermissionChange(from, to permission.State) {
	m.metrics.SetPermissionState(int(to))
	if to.Granted() {
		return
	}
	n := m.resetAll()
	m.log.Info("location permission lost, occupancy cleared", "to", to.String(), "regions", n)
}

// Reset cancels every pending timer and returns every region to Unknown.
// It is used when monitoring is torn down.
func (m *Monitor) Reset() {
	n := m.resetAll()
	m.log.Info("monitoring reset", "regions", n)
}

// State returns the occupancy of a region.
func (m *Monitor) State(id string) (Occupancy, bool) {
	t := m.lookup(id)
	if t == nil {
		return Unknown, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, true
}

// States returns every region with its occupancy, in registration order.
func (m *Monitor) States() []RegionState {
	var out []RegionState
	for _, r := range m.regions.List() {
		t := m.lookup(r.ID)
		if t == nil {
			continue
		}
		t.mu.Lock()
		out = append(out, RegionState{Region: t.region, State: t.state, Since: t.since})
		t.mu.Unlock()
	}
	return out
}

// PendingTimers returns the number of scheduled timers.
func (m *Monitor) PendingTimers() int {
	return m.timers.len()
}

// Close cancels every pending timer.
func (m *Monitor) Close() {
	m.timers.cancelAll()
	m.metrics.SetPendingTimers(0)
}

func (m *Monitor) allowed() bool {
	if m.perms.CurrentState().Granted() {
		return true
	}
	m.metrics.IncSampleDropped("permission")
	return false
}

func (m *Monitor) lookup(id string) *track {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracks[id]
}

func (m *Monitor) snapshotTracks() []*track {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*track, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

func (m *Monitor) resetAll() int {
	now := m.clock.Now()
	tracks := m.snapshotTracks()
	for _, t := range tracks {
		t.mu.Lock()
		m.timers.cancelRegion(t.region.ID)
		if t.state != Unknown {
			m.transition(t, Unknown, now)
		}
		t.clearStay()
		t.mu.Unlock()
	}
	m.dedup.Reset()
	m.metrics.SetPendingTimers(m.timers.len())
	return len(tracks)
}

// observe applies one sample to one region under the region's lock.
func (m *Monitor) observe(id string, p Proximity, note, after func(*track, time.Time)) {
	t := m.lookup(id)
	if t == nil {
		m.metrics.IncSampleDropped("unknown_region")
		m.log.Debug("dropping sample for unknown region", "region_id", id)
		return
	}

	m.locked(t, func() {
		if t.removed {
			m.metrics.IncSampleDropped("unknown_region")
			return
		}
		if !m.perms.CurrentState().Granted() {
			return
		}

		now := m.clock.Now()
		if note != nil {
			note(t, now)
		}
		m.apply(t, p, now)
		m.reconcile(t, now)
		if after != nil {
			after(t, now)
		}
		m.metrics.SetPendingTimers(m.timers.len())
	})
}

// locked runs fn holding t.mu, then resolves any timer that expired while
// fn was running.
func (m *Monitor) locked(t *track, fn func()) {
	t.inflight.Add(1)
	t.mu.Lock()
	func() {
		defer t.mu.Unlock()
		fn()
	}()
	t.inflight.Add(-1)

	for _, e := range t.takeExpiries() {
		m.resolve(t, e.key, e.token)
	}
}

// apply performs the sample-driven transitions.
func (m *Monitor) apply(t *track, p Proximity, now time.Time) {
	id := t.region.ID

	switch t.state {
	case Unknown, Outside:
		if p == Far {
			if t.state == Unknown {
				m.transition(t, Outside, now)
			}
			return
		}
		if t.region.Dwell == 0 {
			m.enterInside(t, now)
			return
		}
		m.transition(t, Entering, now)
		t.enteringSince = now

	case Entering:
		if p == Far {
			m.timers.cancel(timerKey{id, timerEnter})
			m.transition(t, Outside, now)
		}

	case Inside:
		if p == Near {
			return
		}
		m.timers.cancel(timerKey{id, timerDwell})
		m.transition(t, Exiting, now)
		t.exitingSince = now

	case Exiting:
		if p == Near {
			m.timers.cancel(timerKey{id, timerExit})
			m.transition(t, Inside, now)
		}
	}
}

// reconcile resolves deadlines that have passed and arms timers for the
// ones still ahead.
func (m *Monitor) reconcile(t *track, now time.Time) {
	id := t.region.ID

	switch t.state {
	case Entering:
		deadline := t.enteringSince.Add(t.region.Dwell)
		if now.Before(deadline) {
			m.ensure(t, timerEnter, deadline.Sub(now))
			return
		}
		m.timers.cancel(timerKey{id, timerEnter})
		m.enterInside(t, now)
		m.reconcile(t, now)

	case Inside:
		if t.region.Dwell == 0 || t.dwellFired || !t.region.Triggers.Has(region.TriggerDwell) {
			return
		}
		deadline := t.insideSince.Add(t.region.Dwell)
		if now.Before(deadline) {
			m.ensure(t, timerDwell, deadline.Sub(now))
			return
		}
		m.timers.cancel(timerKey{id, timerDwell})
		t.dwellFired = true
		m.publish(t, dispatch.TypeDwell, now, t.payload())

	case Exiting:
		deadline := t.exitingSince.Add(t.region.Debounce)
		if now.Before(deadline) {
			m.ensure(t, timerExit, deadline.Sub(now))
			return
		}
		m.timers.cancel(timerKey{id, timerExit})
		m.transition(t, Outside, now)
		t.clearStay()
		m.publish(t, dispatch.TypeExit, now, t.payload())
	}
}

func (m *Monitor) enterInside(t *track, now time.Time) {
	m.transition(t, Inside, now)
	t.insideSince = now
	t.dwellFired = false
	m.publish(t, dispatch.TypeEnter, now, t.payload())
}

func (m *Monitor) ensure(t *track, kind timerKind, d time.Duration) {
	key := timerKey{t.region.ID, kind}
	if m.timers.has(key) {
		return
	}
	m.timers.schedule(key, d, func(token uint64) {
		m.fire(t, key, token)
	})
}

// fire runs on timer expiry. While a sample holds the region the expiry is
// queued for that sample to resolve after it unlocks, so the sample's
// outcome is applied first.
func (m *Monitor) fire(t *track, key timerKey, token uint64) {
	if t.inflight.Load() > 0 {
		t.deferExpiry(key, token)
		if t.inflight.Load() > 0 {
			return
		}
		// The sample finished between the two loads and may have missed
		// the queued expiry.
		for _, e := range t.takeExpiries() {
			m.resolve(t, e.key, e.token)
		}
		return
	}
	m.resolve(t, key, token)
}

// resolve claims an expired timer and settles its deadline. The claim fails
// when a sample cancelled or replaced the timer in the meantime.
func (m *Monitor) resolve(t *track, key timerKey, token uint64) {
	m.locked(t, func() {
		if t.removed || !m.timers.claim(key, token) {
			return
		}
		if !m.perms.CurrentState().Granted() {
			return
		}
		m.reconcile(t, m.clock.Now())
		m.metrics.SetPendingTimers(m.timers.len())
	})
}

func (m *Monitor) transition(t *track, to Occupancy, now time.Time) {
	from := t.state
	t.state = to
	t.since = now

	m.metrics.IncTransition(to.String())
	m.log.Debug("occupancy transition",
		"region_id", t.region.ID, "from", from.String(), "to", to.String())
	if m.onTransition != nil {
		m.onTransition(Transition{RegionID: t.region.ID, From: from, To: to, At: now})
	}
}

func (m *Monitor) publish(t *track, typ dispatch.Type, now time.Time, payload any) {
	if !t.region.Triggers.Has(triggerFor(typ)) {
		return
	}
	m.pub.Publish(dispatch.NewEvent(typ, t.region.ID, now, payload))
}

func triggerFor(typ dispatch.Type) region.Trigger {
	switch typ {
	case dispatch.TypeEnter:
		return region.TriggerEnter
	case dispatch.TypeExit:
		return region.TriggerExit
	case dispatch.TypeDwell:
		return region.TriggerDwell
	default:
		return region.TriggerRanging
	}
}

func (t *track) payload() Payload {
	p := Payload{Kind: t.region.Kind, State: t.state}
	if t.lastFix != nil {
		f := *t.lastFix
		p.Fix = &f
	}
	if len(t.lastBeacons) > 0 {
		p.Beacons = append([]beacon.Beacon(nil), t.lastBeacons...)
	}
	return p
}

func (t *track) clearStay() {
	t.enteringSince = time.Time{}
	t.insideSince = time.Time{}
	t.exitingSince = time.Time{}
	t.dwellFired = false
}
