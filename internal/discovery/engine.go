// Package discovery turns status snapshots and capability definitions into
// entity descriptors. Each platform kind has a rule; the engine runs every
// rule on each published snapshot and keeps only descriptors it has not seen.
package discovery

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"smartthings-go-home/internal/api"
	"smartthings-go-home/internal/coordinator"
	"smartthings-go-home/internal/status"
	"smartthings-go-home/internal/store"
)

// DefinitionSource resolves capability definitions.
type DefinitionSource interface {
	CapabilityDefinition(ctx context.Context, id string, version int) (*api.CapabilityDefinition, error)
}

// EntityStore persists newly registered entities.
type EntityStore interface {
	SaveEntity(ent *store.Entity) error
}

// Options tune the discovery heuristics.
type Options struct {
	ExposeCommandButtons              bool
	ExposeRawSensors                  bool
	IncludeControlAttributesAsSensors bool
	Aggressive                        bool
	MaxHeuristicOptions               int
	DisableAboveOptions               int
	NumberDefaultMax                  float64
}

// DefaultOptions returns the default heuristics.
func DefaultOptions() Options {
	return Options{
		ExposeCommandButtons:              true,
		IncludeControlAttributesAsSensors: true,
		Aggressive:                        true,
		MaxHeuristicOptions:               80,
		DisableAboveOptions:               30,
		NumberDefaultMax:                  100,
	}
}

func (o *Options) setDefaults() {
	d := DefaultOptions()
	if o.MaxHeuristicOptions <= 0 {
		o.MaxHeuristicOptions = d.MaxHeuristicOptions
	}
	if o.DisableAboveOptions <= 0 {
		o.DisableAboveOptions = d.DisableAboveOptions
	}
	if o.NumberDefaultMax <= 0 {
		o.NumberDefaultMax = d.NumberDefaultMax
	}
}

// Rule discovers the entities of one platform kind.
type Rule interface {
	Platform() string
	Discover(ctx context.Context, s *Scan)
}

// DefaultRules returns the rule for every platform kind.
func DefaultRules() []Rule {
	return []Rule{
		sensorRule{},
		binarySensorRule{},
		switchRule{},
		buttonRule{},
		selectRule{},
		numberRule{},
		cameraRule{},
		vacuumRule{},
	}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStore persists every new descriptor.
func WithStore(st EntityStore) EngineOption {
	return func(e *Engine) {
		e.store = st
	}
}

// WithEventBus publishes entities_discovered events.
func WithEventBus(bus *coordinator.EventBus) EngineOption {
	return func(e *Engine) {
		e.events = bus
	}
}

// WithRules replaces the default rule set.
func WithRules(rules ...Rule) EngineOption {
	return func(e *Engine) {
		e.rules = rules
	}
}

type platformSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// Engine owns the dedup sets and the registered descriptors of one account.
type Engine struct {
	account string
	defs    DefinitionSource
	opts    Options
	rules   []Rule
	store   EntityStore
	events  *coordinator.EventBus
	logger  *slog.Logger

	platforms map[string]*platformSet

	mu       sync.RWMutex
	entities []Descriptor
	index    map[string]int

	trigger chan struct{}
}

// NewEngine creates an Engine for one account.
func NewEngine(accountID string, defs DefinitionSource, opts Options, logger *slog.Logger, options ...EngineOption) *Engine {
	opts.setDefaults()
	e := &Engine{
		account:   accountID,
		defs:      defs,
		opts:      opts,
		rules:     DefaultRules(),
		logger:    logger.With("component", "discovery", "account", accountID),
		platforms: make(map[string]*platformSet),
		index:     make(map[string]int),
		trigger:   make(chan struct{}, 1),
	}
	for _, o := range options {
		o(e)
	}
	for _, r := range e.rules {
		if _, ok := e.platforms[r.Platform()]; !ok {
			e.platforms[r.Platform()] = &platformSet{seen: make(map[string]struct{})}
		}
	}
	return e
}

// Restore preloads descriptors registered by a previous run. They count as
// seen, so discovery never re-creates them.
func (e *Engine) Restore(descs []Descriptor) int {
	n := 0
	for _, d := range descs {
		if d.AccountID != e.account {
			continue
		}
		set, ok := e.platforms[d.Platform]
		if !ok {
			continue
		}
		set.mu.Lock()
		_, dup := set.seen[d.Key]
		if !dup {
			set.seen[d.Key] = struct{}{}
		}
		set.mu.Unlock()
		if dup {
			continue
		}
		e.register([]Descriptor{d})
		n++
	}
	if n > 0 {
		e.logger.Info("entities restored", "count", n)
	}
	return n
}

// Discover runs every rule against snap and returns the descriptors created
// by this pass.
func (e *Engine) Discover(ctx context.Context, snap *coordinator.Snapshot) []Descriptor {
	if snap == nil {
		return nil
	}
	var added []Descriptor
	for _, r := range e.rules {
		set := e.platforms[r.Platform()]
		set.mu.Lock()
		s := &Scan{
			AccountID: e.account,
			Snapshot:  snap,
			Options:   e.opts,
			defs:      e.defs,
			seen:      set.seen,
			logger:    e.logger.With("platform", r.Platform()),
		}
		r.Discover(ctx, s)
		set.mu.Unlock()
		if len(s.added) > 0 {
			e.logger.Debug("platform entities discovered", "platform", r.Platform(), "count", len(s.added))
		}
		added = append(added, s.added...)
	}
	if len(added) == 0 {
		return nil
	}

	e.register(added)
	e.persist(added)
	e.logger.Info("entities discovered", "count", len(added))
	if e.events != nil {
		e.events.Emit(coordinator.Event{Type: coordinator.EventEntitiesDiscovered, Account: e.account, Data: added})
	}
	return added
}

func (e *Engine) register(descs []Descriptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range descs {
		e.index[d.StorageKey()] = len(e.entities)
		e.entities = append(e.entities, d)
	}
}

func (e *Engine) persist(descs []Descriptor) {
	if e.store == nil {
		return
	}
	now := time.Now()
	for _, d := range descs {
		ent, err := ToEntity(d, now)
		if err == nil {
			err = e.store.SaveEntity(ent)
		}
		if err != nil {
			e.logger.Error("persist entity", "unique_id", d.UniqueID, "err", err)
		}
	}
}

// Entities returns every registered descriptor in registration order.
func (e *Engine) Entities() []Descriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Descriptor, len(e.entities))
	copy(out, e.entities)
	return out
}

// Entity looks up a descriptor by platform and unique id.
func (e *Engine) Entity(platform, uniqueID string) (Descriptor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	i, ok := e.index[store.EntityKey(platform, uniqueID)]
	if !ok {
		return Descriptor{}, false
	}
	return e.entities[i], true
}

// Run discovers on the current snapshot, then again after every
// snapshot_updated event of the account until ctx is cancelled. Bursts of
// updates collapse into one pass over the latest snapshot.
func (e *Engine) Run(ctx context.Context, c *coordinator.Coordinator) {
	unsub := c.Events().On(coordinator.EventSnapshotUpdated, func(ev coordinator.Event) {
		if ev.Account != e.account {
			return
		}
		select {
		case e.trigger <- struct{}{}:
		default:
		}
	})
	defer unsub()

	e.Discover(ctx, c.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
			e.Discover(ctx, c.Snapshot())
		}
	}
}

// Scan is the input of one rule pass.
type Scan struct {
	AccountID string
	Snapshot  *coordinator.Snapshot
	Options   Options

	defs   DefinitionSource
	seen   map[string]struct{}
	added  []Descriptor
	logger *slog.Logger
}

// Add registers d unless its key was already seen.
func (s *Scan) Add(d Descriptor) bool {
	if _, ok := s.seen[d.Key]; ok {
		return false
	}
	s.seen[d.Key] = struct{}{}
	s.added = append(s.added, d)
	return true
}

// Seen reports whether key is already registered.
func (s *Scan) Seen(key string) bool {
	_, ok := s.seen[key]
	return ok
}

// Definition fetches a capability definition. Failures are logged at debug
// level and yield nil.
func (s *Scan) Definition(ctx context.Context, capabilityID string, version int) *api.CapabilityDefinition {
	if s.defs == nil {
		return nil
	}
	def, err := s.defs.CapabilityDefinition(ctx, capabilityID, version)
	if err != nil {
		s.logger.Debug("capability definition unavailable", "capability", capabilityID, "version", version, "err", err)
		return nil
	}
	return def
}

// descriptor fills the fields shared by every platform.
func (s *Scan) descriptor(platform, key string, dev api.Device, ref Ref, suffix string) Descriptor {
	return Descriptor{
		Platform:  platform,
		Key:       key,
		UniqueID:  UniqueID(s.AccountID, ref),
		AccountID: s.AccountID,
		Ref:       ref,
		Name:      EntityName(dev, ref.ComponentID, suffix),
		Device:    deviceInfo(dev),
	}
}

// eachStatusCapability walks the status tree of every known device in a
// stable order.
func (s *Scan) eachStatusCapability(fn func(dev api.Device, componentID, capabilityID string, capStatus map[string]any)) {
	for _, id := range sortedKeys(s.Snapshot.Status) {
		dev, ok := s.Snapshot.Device(id)
		if !ok {
			continue
		}
		comps := status.Components(s.Snapshot.Status[id])
		for _, compID := range sortedKeys(comps) {
			caps, ok := comps[compID].(map[string]any)
			if !ok {
				continue
			}
			for _, capID := range sortedKeys(caps) {
				capStatus, ok := caps[capID].(map[string]any)
				if !ok {
					continue
				}
				fn(dev, compID, capID, capStatus)
			}
		}
	}
}

// eachStatusAttribute walks every attribute payload that is an object.
func (s *Scan) eachStatusAttribute(fn func(dev api.Device, componentID, capabilityID, attr string, capStatus, payload map[string]any)) {
	s.eachStatusCapability(func(dev api.Device, compID, capID string, capStatus map[string]any) {
		for _, attr := range sortedKeys(capStatus) {
			payload, ok := capStatus[attr].(map[string]any)
			if !ok {
				continue
			}
			fn(dev, compID, capID, attr, capStatus, payload)
		}
	})
}

// eachDeclaredCapability walks the capabilities each device declares per
// component. When withStatus is set, only components present in the status
// tree and capabilities with a non-empty status are visited.
func (s *Scan) eachDeclaredCapability(withStatus bool, fn func(dev api.Device, componentID, capabilityID string, version int, capStatus map[string]any)) {
	for _, id := range s.Snapshot.DeviceIDs() {
		dev := s.Snapshot.Devices[id]
		comps := status.Components(s.Snapshot.Status[id])
		for _, compID := range dev.ComponentIDs() {
			if withStatus {
				if _, ok := comps[compID]; !ok {
					continue
				}
			}
			versions := dev.CapabilityVersions(compID)
			capIDs := make([]string, 0, len(versions))
			for capID := range versions {
				capIDs = append(capIDs, capID)
			}
			sort.Strings(capIDs)
			for _, capID := range capIDs {
				capStatus := s.Snapshot.CapabilityStatus(id, compID, capID)
				if withStatus && len(capStatus) == 0 {
					continue
				}
				fn(dev, compID, capID, versions[capID], capStatus)
			}
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
