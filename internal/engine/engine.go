// Package engine assembles the permission gate, region monitor, event
// dispatcher and persistence into one runnable unit. Every daemon owns
// exactly one Engine; nothing here is process-global.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"geofenced/internal/beacon"
	"geofenced/internal/dispatch"
	"geofenced/internal/metrics"
	"geofenced/internal/monitor"
	"geofenced/internal/permission"
	"geofenced/internal/region"
	"geofenced/internal/store"
	"geofenced/internal/timeutil"
)

var (
	// ErrAlreadyRunning is returned when Start is called while running.
	ErrAlreadyRunning = errors.New("engine: already running")

	// ErrNotRunning is returned for operations requiring a running engine.
	ErrNotRunning = errors.New("engine: not running")

	// ErrRegionLimit is returned when a new region would exceed MaxRegions.
	ErrRegionLimit = errors.New("engine: region limit reached")
)

const (
	defaultHistoryLimit = 50
	pruneInterval       = time.Hour
)

// Config controls the engine.
type Config struct {
	Monitor  monitor.Config
	Dispatch dispatch.Config
	Defaults region.Defaults

	// MaxRegions caps registered regions. 0 means unlimited.
	MaxRegions int

	// EventLog records every dispatched event with its outcome.
	EventLog bool

	// EventRetention prunes event log entries older than this. 0 keeps
	// everything.
	EventRetention time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the clock driving timers and timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSink sets the initial event consumer.
func WithSink(s dispatch.Sink) Option {
	return func(e *Engine) { e.sink.set(s) }
}

// WithTransitionHook observes every occupancy change.
func WithTransitionHook(fn func(monitor.Transition)) Option {
	return func(e *Engine) { e.hook = fn }
}

// Engine is the region monitoring service.
type Engine struct {
	cfg     Config
	host    permission.Host
	store   *store.Store
	clock   timeutil.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	hook    func(monitor.Transition)

	gate       *permission.Gate
	regions    *region.Store
	dedup      *beacon.Deduplicator
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor
	sink       *recordingSink

	mu        sync.Mutex
	running   bool
	fileIDs   map[string]bool
	pruner    timeutil.Timer
	startedAt time.Time
}

// New builds an engine. st may be nil, in which case regions and history
// live only in memory.
func New(cfg Config, host permission.Host, st *store.Store, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		host:    host,
		store:   st,
		clock:   timeutil.RealClock{},
		log:     slog.Default(),
		regions: region.NewStore(),
		dedup:   beacon.NewDeduplicator(),
		fileIDs: make(map[string]bool),
	}
	e.sink = &recordingSink{engine: e}
	for _, opt := range opts {
		opt(e)
	}

	e.gate = permission.NewGate(host, e.log.With("component", "permission"))
	e.dispatcher = dispatch.New(cfg.Dispatch, e.gate, e.sink, e.log.With("component", "dispatch"), e.metrics)

	monOpts := []monitor.Option{
		monitor.WithClock(e.clock),
		monitor.WithLogger(e.log.With("component", "monitor")),
		monitor.WithMetrics(e.metrics),
	}
	if e.hook != nil {
		monOpts = append(monOpts, monitor.WithTransitionHook(e.hook))
	}
	e.monitor = monitor.New(cfg.Monitor, e.regions, e.dedup, e.gate, e.dispatcher, monOpts...)

	e.gate.OnChange(e.monitor.OnPermissionChange)
	e.gate.OnChange(e.recordPermission)
	e.dispatcher.OnUnInit(e.monitor.Reset)

	if sh, ok := host.(interface{ SetResultHandler(permission.ResultFunc) }); ok {
		sh.SetResultHandler(e.gate.OnHostPermissionResult)
	}
	return e
}

// Start seeds the permission state, restores persisted regions and begins
// delivering events.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyRunning
	}

	if err := e.gate.Start(ctx); err != nil {
		return fmt.Errorf("start permission gate: %w", err)
	}
	if err := e.restore(); err != nil {
		e.gate.Stop()
		return err
	}
	if err := e.dispatcher.Start(ctx); err != nil {
		e.gate.Stop()
		return fmt.Errorf("start dispatcher: %w", err)
	}

	e.running = true
	e.startedAt = e.clock.Now()
	e.schedulePruneLocked()

	e.log.Info("engine started",
		"regions", e.regions.Len(),
		"permission", e.gate.CurrentState().String(),
	)
	return nil
}

// Stop tears monitoring down. Pending timers are cancelled and queued
// events are discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	if e.pruner != nil {
		e.pruner.Stop()
		e.pruner = nil
	}
	e.mu.Unlock()

	e.dispatcher.UnInit()
	e.dispatcher.Stop()
	e.monitor.Close()
	e.gate.Stop()
	e.log.Info("engine stopped")
}

// Running reports whether the engine has been started.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// SetSink replaces the event consumer.
func (e *Engine) SetSink(s dispatch.Sink) {
	e.sink.set(s)
}

// restore loads persisted regions. Definitions that no longer validate are
// skipped and logged.
func (e *Engine) restore() error {
	if e.store == nil {
		return nil
	}
	stored, err := e.store.LoadRegions()
	if err != nil {
		return fmt.Errorf("restore regions: %w", err)
	}

	var restored int
	for _, sr := range stored {
		r, err := sr.Definition.Region(e.cfg.Defaults)
		if err != nil {
			e.log.Warn("skipping invalid stored region", "region_id", sr.Definition.ID, "error", err)
			continue
		}
		if err := e.monitor.Register(r); err != nil {
			e.log.Warn("skipping stored region", "region_id", r.ID, "error", err)
			continue
		}
		if sr.Source == store.SourceFile {
			e.fileIDs[r.ID] = true
		}
		restored++
	}
	if restored > 0 {
		e.log.Info("regions restored", "count", restored)
	}
	return nil
}

// Register validates def and starts monitoring it. Re-registering an id
// replaces the region and restarts its occupancy from unknown.
func (e *Engine) Register(ctx context.Context, def region.Definition) (region.Region, error) {
	r, err := e.register(def, store.SourceClient)
	if err != nil {
		return region.Region{}, err
	}
	e.mu.Lock()
	delete(e.fileIDs, r.ID)
	e.mu.Unlock()
	return r, nil
}

func (e *Engine) register(def region.Definition, source store.Source) (region.Region, error) {
	r, err := def.Region(e.cfg.Defaults)
	if err != nil {
		return region.Region{}, err
	}

	if e.cfg.MaxRegions > 0 {
		if _, exists := e.regions.Get(r.ID); !exists && e.regions.Len() >= e.cfg.MaxRegions {
			return region.Region{}, fmt.Errorf("%w (%d)", ErrRegionLimit, e.cfg.MaxRegions)
		}
	}

	if e.store != nil {
		if err := e.store.SaveRegion(region.DefinitionOf(r), source); err != nil {
			return region.Region{}, err
		}
	}
	if err := e.monitor.Register(r); err != nil {
		return region.Region{}, err
	}
	return r, nil
}

// Unregister stops monitoring id and reports whether it was registered.
func (e *Engine) Unregister(ctx context.Context, id string) (bool, error) {
	existed := e.monitor.Unregister(id)
	if e.store != nil {
		deleted, err := e.store.DeleteRegion(id)
		if err != nil {
			return existed, err
		}
		existed = existed || deleted
	}
	e.mu.Lock()
	delete(e.fileIDs, id)
	e.mu.Unlock()
	return existed, nil
}

// ImportResult summarizes a regions file import.
type ImportResult struct {
	Registered []string
	Removed    []string
}

// ImportFile registers every region in a regions file and removes regions a
// previous import of the file added but the file no longer lists. Regions
// registered by clients are left alone unless the file redefines them.
func (e *Engine) ImportFile(ctx context.Context, path string) (ImportResult, error) {
	defs, err := region.ReadDefinitionsFile(path)
	if err != nil {
		return ImportResult{}, err
	}

	// validate everything before touching the monitored set
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		r, err := def.Region(e.cfg.Defaults)
		if err != nil {
			return ImportResult{}, fmt.Errorf("region %q: %w", def.ID, err)
		}
		seen[r.ID] = true
	}

	e.mu.Lock()
	var stale []string
	for id := range e.fileIDs {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	e.mu.Unlock()
	sort.Strings(stale)

	if e.cfg.MaxRegions > 0 {
		total := e.regions.Len()
		for id := range seen {
			if _, exists := e.regions.Get(id); !exists {
				total++
			}
		}
		for _, id := range stale {
			if _, exists := e.regions.Get(id); exists {
				total--
			}
		}
		if total > e.cfg.MaxRegions {
			return ImportResult{}, fmt.Errorf("%s: %w (%d)", path, ErrRegionLimit, e.cfg.MaxRegions)
		}
	}

	var res ImportResult
	for _, id := range stale {
		if _, err := e.Unregister(ctx, id); err != nil {
			return res, err
		}
		res.Removed = append(res.Removed, id)
	}

	for _, def := range defs {
		r, err := e.register(def, store.SourceFile)
		if err != nil {
			return res, fmt.Errorf("region %q: %w", def.ID, err)
		}
		res.Registered = append(res.Registered, r.ID)
	}

	e.mu.Lock()
	for id := range seen {
		e.fileIDs[id] = true
	}
	e.mu.Unlock()

	e.log.Info("regions file imported",
		"path", path,
		"registered", len(res.Registered),
		"removed", len(res.Removed),
	)
	return res, nil
}

// List returns every region with its occupancy, in registration order.
func (e *Engine) List() []monitor.RegionState {
	return e.monitor.States()
}

// State returns the occupancy of one region.
func (e *Engine) State(id string) (monitor.Occupancy, bool) {
	return e.monitor.State(id)
}

// PendingTimers returns the number of scheduled enter, dwell and exit timers.
func (e *Engine) PendingTimers() int {
	return e.monitor.PendingTimers()
}

// Init starts event delivery. It fails with permission.ErrDenied until at
// least foreground access has been granted.
func (e *Engine) Init() error {
	return e.dispatcher.Init()
}

// UnInit stops event delivery, discards queued events and resets every
// region to unknown.
func (e *Engine) UnInit() {
	e.dispatcher.UnInit()
}

// IsInitialized reports whether events are being delivered.
func (e *Engine) IsInitialized() bool {
	return e.dispatcher.IsInitialized()
}

// PermissionState returns the current location permission.
func (e *Engine) PermissionState() permission.State {
	return e.gate.CurrentState()
}

// RequestForegroundAccess prompts for location access if it has not been
// decided yet.
func (e *Engine) RequestForegroundAccess(ctx context.Context) (permission.State, error) {
	return e.gate.RequestForegroundAccess(ctx)
}

// OnPermissionChange registers fn to run after every permission state change.
func (e *Engine) OnPermissionChange(fn permission.Listener) {
	e.gate.OnChange(fn)
}

// OnHostPermissionResult reports the outcome of a host prompt.
func (e *Engine) OnHostPermissionResult(requestID string, granted, background bool) error {
	return e.gate.OnHostPermissionResult(requestID, granted, background)
}

// SetHostState applies an unsolicited permission change from the host.
func (e *Engine) SetHostState(state permission.State) error {
	return e.gate.SetHostState(state)
}

// IngestLocation feeds one location fix.
func (e *Engine) IngestLocation(fix monitor.Fix) {
	e.monitor.HandleLocation(fix)
}

// IngestBeacons feeds one beacon scan.
func (e *Engine) IngestBeacons(snap beacon.Snapshot) {
	e.monitor.HandleBeacons(snap)
}

// DispatchStats returns the dispatcher counters.
func (e *Engine) DispatchStats() dispatch.Stats {
	return e.dispatcher.Stats()
}

// QueueDepth returns the number of undelivered events.
func (e *Engine) QueueDepth() int {
	return e.dispatcher.Pending()
}

// StartedAt returns when the engine was started.
func (e *Engine) StartedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startedAt
}

// RecentEvents returns logged events, newest first, optionally for one
// region. Without a store the log is empty.
func (e *Engine) RecentEvents(regionID string, limit int) ([]store.EventRecord, error) {
	if e.store == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return e.store.RecentEvents(regionID, limit)
}

// PermissionHistory returns recorded permission changes, newest first.
func (e *Engine) PermissionHistory(limit int) ([]store.PermissionRecord, error) {
	if e.store == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return e.store.PermissionHistory(limit)
}

func (e *Engine) recordPermission(from, to permission.State) {
	e.log.Info("location permission changed", "from", from.String(), "to", to.String())
	if e.store == nil {
		return
	}
	if err := e.store.RecordPermission(from.String(), to.String(), e.clock.Now()); err != nil {
		e.log.Warn("failed to record permission change", "error", err)
	}
}

func (e *Engine) schedulePruneLocked() {
	if e.store == nil || !e.cfg.EventLog || e.cfg.EventRetention <= 0 {
		return
	}
	e.pruner = e.clock.AfterFunc(pruneInterval, e.prune)
}

func (e *Engine) prune() {
	cutoff := e.clock.Now().Add(-e.cfg.EventRetention)
	n, err := e.store.PruneEvents(cutoff)
	if err != nil {
		e.log.Warn("event log prune failed", "error", err)
	} else if n > 0 {
		e.log.Debug("event log pruned", "removed", n)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.schedulePruneLocked()
	}
}

// recordingSink forwards events to the configured consumer and logs the
// outcome of each delivery.
type recordingSink struct {
	engine *Engine

	mu    sync.RWMutex
	inner dispatch.Sink
}

func (s *recordingSink) set(sink dispatch.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner = sink
}

func (s *recordingSink) Deliver(ctx context.Context, ev dispatch.Event) error {
	s.mu.RLock()
	inner := s.inner
	s.mu.RUnlock()

	err := dispatch.ErrUnavailable
	if inner != nil {
		err = inner.Deliver(ctx, ev)
	}
	s.record(ev, err)
	return err
}

func (s *recordingSink) record(ev dispatch.Event, err error) {
	e := s.engine
	if e.store == nil || !e.cfg.EventLog {
		return
	}
	outcome := store.OutcomeDelivered
	switch {
	case errors.Is(err, dispatch.ErrUnavailable):
		outcome = store.OutcomeUnavailable
	case err != nil:
		outcome = store.OutcomeFailed
	}
	if rerr := e.store.RecordEvent(ev, outcome); rerr != nil {
		e.log.Warn("failed to record event", "event_id", ev.ID, "error", rerr)
	}
}
