package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"smartthings-go-home/internal/api"
	"smartthings-go-home/internal/status"
)

// Default polling parameters.
const (
	DefaultScanInterval   = 30 * time.Second
	DefaultActiveInterval = 10 * time.Second
	DefaultMaxConcurrent  = 10
)

// Client is the subset of the cloud API the coordinator polls.
type Client interface {
	ListDevices(ctx context.Context) (map[string]api.Device, error)
	GetStatus(ctx context.Context, deviceID string) (any, error)
}

// Options configures a Coordinator.
type Options struct {
	AccountID      string
	ScanInterval   time.Duration
	ActiveInterval time.Duration
	MaxConcurrent  int
	// DeviceIDs restricts polling to these devices when non-empty.
	DeviceIDs []string
	// DeviceTimeout bounds each status fetch when positive.
	DeviceTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.ScanInterval <= 0 {
		o.ScanInterval = DefaultScanInterval
	}
	if o.ActiveInterval <= 0 {
		o.ActiveInterval = DefaultActiveInterval
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
}

// Snapshot is a published view of all polled devices. A snapshot is never
// mutated after publication; updates replace it wholesale.
type Snapshot struct {
	Devices   map[string]api.Device
	Status    map[string]any
	UpdatedAt time.Time
}

// Device returns the description of a device in the snapshot.
func (s *Snapshot) Device(id string) (api.Device, bool) {
	d, ok := s.Devices[id]
	return d, ok
}

// CapabilityStatus is status.CapabilityStatus over this snapshot.
func (s *Snapshot) CapabilityStatus(deviceID, componentID, capabilityID string) map[string]any {
	return status.CapabilityStatus(s.Status, deviceID, componentID, capabilityID)
}

// DeviceIDs returns the snapshot's device ids in sorted order.
func (s *Snapshot) DeviceIDs() []string {
	ids := make([]string, 0, len(s.Devices))
	for id := range s.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AttributeEvent is one pushed attribute change.
type AttributeEvent struct {
	DeviceID     string
	ComponentID  string
	CapabilityID string
	Attribute    string
	Value        any
}

// Coordinator polls one account's devices and publishes snapshots.
type Coordinator struct {
	client Client
	events *EventBus
	logger *slog.Logger
	opts   Options
	allow  map[string]struct{}

	sem     *semaphore.Weighted
	flight  singleflight.Group
	trigger chan struct{}

	snap   atomic.Pointer[Snapshot]
	active atomic.Bool

	// pubMu serializes snapshot publication between refreshes and patches.
	pubMu sync.Mutex

	mu       sync.Mutex
	failed   map[string]struct{}
	base     time.Duration
	interval time.Duration
	lastErr  error
}

// New creates a Coordinator. Nothing is fetched until Refresh or Run.
func New(client Client, opts Options, events *EventBus, logger *slog.Logger) *Coordinator {
	opts.setDefaults()
	c := &Coordinator{
		client:   client,
		events:   events,
		logger:   logger.With("component", "coordinator", "account", opts.AccountID),
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		trigger:  make(chan struct{}, 1),
		failed:   make(map[string]struct{}),
		base:     opts.ScanInterval,
		interval: opts.ScanInterval,
	}
	if len(opts.DeviceIDs) > 0 {
		c.allow = make(map[string]struct{}, len(opts.DeviceIDs))
		for _, id := range opts.DeviceIDs {
			c.allow[id] = struct{}{}
		}
	}
	c.snap.Store(&Snapshot{Devices: map[string]api.Device{}, Status: map[string]any{}})
	return c
}

// Events returns the bus the coordinator emits on.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Snapshot returns the latest published snapshot. It is never nil.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Interval returns the current polling interval.
func (c *Coordinator) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Active reports whether the last poll saw an active device.
func (c *Coordinator) Active() bool {
	return c.active.Load()
}

// FailedDevices returns the devices whose last status fetch failed.
func (c *Coordinator) FailedDevices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.failed))
	for id := range c.failed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LastError returns the error of the last refresh, or nil if it succeeded.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SetBaseInterval changes the idle polling interval, e.g. to a long backup
// interval once push events are flowing. Activity still forces the active
// interval.
func (c *Coordinator) SetBaseInterval(d time.Duration) {
	if d <= 0 {
		d = c.opts.ScanInterval
	}
	c.mu.Lock()
	c.base = d
	c.mu.Unlock()
	c.updateInterval(c.active.Load())
}

// RequestRefresh asks Run to poll as soon as possible. It never blocks;
// requests made while one is pending are coalesced.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled, waiting the current interval between
// refreshes.
func (c *Coordinator) Run(ctx context.Context) {
	timer := time.NewTimer(c.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-c.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
			c.logger.Debug("refresh failed", "err", err)
		}
		timer.Reset(c.Interval())
	}
}

// Refresh performs one poll. Concurrent callers share a single execution.
// A device-list failure leaves the previous snapshot in place and returns the
// error; individual device failures never fail the refresh.
func (c *Coordinator) Refresh(ctx context.Context) error {
	_, err, _ := c.flight.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	return err
}

func (c *Coordinator) refresh(ctx context.Context) error {
	devices, err := c.client.ListDevices(ctx)
	if err != nil {
		c.fail(err)
		return fmt.Errorf("refresh %s: %w", c.opts.AccountID, err)
	}

	if c.allow != nil {
		for id := range devices {
			if _, ok := c.allow[id]; !ok {
				delete(devices, id)
			}
		}
	}

	c.mu.Lock()
	prevFailed := c.failed
	c.mu.Unlock()

	var active atomic.Bool
	statuses := make(map[string]any, len(devices))
	nowFailed := make(map[string]struct{})
	var resMu sync.Mutex
	var wg sync.WaitGroup
	for id := range devices {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			payload, err := c.fetch(ctx, id)

			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				nowFailed[id] = struct{}{}
				statuses[id] = status.EmptyTree()
				if _, was := prevFailed[id]; !was {
					c.logger.Warn("status fetch failed", "device", id, "err", err)
				}
				return
			}
			tree, ok := payload.(map[string]any)
			if !ok {
				c.logger.Debug("status is not an object", "device", id, "type", fmt.Sprintf("%T", payload))
				statuses[id] = status.EmptyTree()
				return
			}
			statuses[id] = tree
			if !active.Load() && status.ContainsActivity(tree) {
				active.Store(true)
			}
		}(id)
	}
	wg.Wait()

	for id := range prevFailed {
		if _, still := nowFailed[id]; !still {
			if _, present := devices[id]; present {
				c.logger.Info("status fetch recovered", "device", id)
			}
		}
	}

	c.mu.Lock()
	c.failed = nowFailed
	c.lastErr = nil
	c.mu.Unlock()

	c.active.Store(active.Load())
	c.updateInterval(active.Load())

	c.pubMu.Lock()
	c.snap.Store(&Snapshot{Devices: devices, Status: statuses, UpdatedAt: time.Now()})
	c.pubMu.Unlock()

	c.logger.Debug("refresh complete", "devices", len(devices), "failed", len(nowFailed), "active", active.Load())
	c.emit(EventSnapshotUpdated, nil)
	return nil
}

func (c *Coordinator) fetch(ctx context.Context, id string) (any, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	if c.opts.DeviceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.DeviceTimeout)
		defer cancel()
	}
	return c.client.GetStatus(ctx, id)
}

func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()

	c.logger.Warn("device list failed", "err", err)
	c.emit(EventUpdateFailed, UpdateFailure{Error: err.Error()})
	if errors.Is(err, api.ErrAuthFailed) {
		c.emit(EventAuthFailed, UpdateFailure{Error: err.Error()})
	}
}

func (c *Coordinator) updateInterval(active bool) {
	c.mu.Lock()
	next := c.base
	if active {
		next = c.opts.ActiveInterval
	}
	changed := next != c.interval
	c.interval = next
	c.mu.Unlock()

	if changed {
		c.logger.Info("polling interval changed", "interval", next, "active", active)
		c.emit(EventCadenceChanged, CadenceChange{Interval: next.String(), Active: active})
	}
}

// PatchAttributes merges pushed attribute values into the current snapshot
// and publishes the result. Events for devices absent from the snapshot are
// ignored. An attribute that already has a payload keeps its unit and
// timestamp and only its value is replaced. It reports whether anything was
// applied; subscribers are notified once per call.
func (c *Coordinator) PatchAttributes(events []AttributeEvent) bool {
	c.pubMu.Lock()
	cur := c.snap.Load()
	next := make(map[string]any, len(cur.Status))
	for id, st := range cur.Status {
		next[id] = st
	}

	copied := make(map[string]bool)
	applied := 0
	for _, ev := range events {
		tree, ok := next[ev.DeviceID].(map[string]any)
		if !ok {
			continue
		}
		if !copied[ev.DeviceID] {
			tree = copyTree(tree)
			next[ev.DeviceID] = tree
			copied[ev.DeviceID] = true
		}
		compID := ev.ComponentID
		if compID == "" {
			compID = status.MainComponent
		}
		comps := child(tree, "components")
		capStatus := child(child(comps, compID), ev.CapabilityID)
		if payload, ok := capStatus[ev.Attribute].(map[string]any); ok {
			payload["value"] = ev.Value
		} else {
			capStatus[ev.Attribute] = map[string]any{"value": ev.Value}
		}
		applied++
	}

	if applied > 0 {
		c.snap.Store(&Snapshot{Devices: cur.Devices, Status: next, UpdatedAt: time.Now()})
	}
	c.pubMu.Unlock()

	if applied == 0 {
		return false
	}
	c.logger.Debug("attributes patched", "events", applied)
	c.emit(EventSnapshotUpdated, nil)
	return true
}

func (c *Coordinator) emit(typ string, data any) {
	if c.events == nil {
		return
	}
	c.events.Emit(Event{Type: typ, Account: c.opts.AccountID, Data: data})
}

// child returns m[key] as a map, replacing a missing or malformed value with
// an empty map.
func child(m map[string]any, key string) map[string]any {
	if sub, ok := m[key].(map[string]any); ok {
		return sub
	}
	sub := make(map[string]any)
	m[key] = sub
	return sub
}

// copyTree deep-copies the map nodes of a status tree. Leaves are shared.
func copyTree(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			out[k] = copyTree(sub)
			continue
		}
		out[k] = v
	}
	return out
}
