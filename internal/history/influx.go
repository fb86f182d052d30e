// Package history records numeric entity states to InfluxDB.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"smartthings-go-home/internal/account"
	"smartthings-go-home/internal/coordinator"
	"smartthings-go-home/internal/discovery"
	"smartthings-go-home/internal/status"
)

const (
	DefaultMeasurement = "entity_state"

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
	connectTimeout       = 10 * time.Second
)

var ErrConnectionFailed = errors.New("influxdb: connection failed")

// Config configures the InfluxDB connection.
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	Measurement   string
	BatchSize     uint
	FlushInterval time.Duration
}

// StateReader reads the current state of an entity.
type StateReader interface {
	Available(d discovery.Descriptor) bool
	State(d discovery.Descriptor) any
	Reading(d discovery.Descriptor) discovery.SensorReading
}

// Sink writes a point for every changed numeric entity state after each
// snapshot update.
type Sink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	reg         *account.Registry
	measurement string
	logger      *slog.Logger

	mu    sync.Mutex
	last  map[string]float64
	unsub func()
	wg    sync.WaitGroup
}

// Connect creates the client, verifies the server answers and starts the
// non-blocking write API.
func Connect(ctx context.Context, cfg Config, reg *account.Registry, logger *slog.Logger) (*Sink, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.Measurement == "" {
		cfg.Measurement = DefaultMeasurement
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	s := newSink(reg, cfg.Measurement, logger)
	s.client = client
	s.writeAPI = client.WriteAPI(cfg.Org, cfg.Bucket)

	errs := s.writeAPI.Errors()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for err := range errs {
			s.logger.Warn("influxdb write failed", "err", err)
		}
	}()
	return s, nil
}

func newSink(reg *account.Registry, measurement string, logger *slog.Logger) *Sink {
	return &Sink{
		reg:         reg,
		measurement: measurement,
		logger:      logger.With("component", "history"),
		last:        make(map[string]float64),
	}
}

// Start subscribes to snapshot updates.
func (s *Sink) Start(bus *coordinator.EventBus) {
	s.unsub = bus.On(coordinator.EventSnapshotUpdated, s.handleEvent)
	s.logger.Info("history sink started", "measurement", s.measurement)
}

// Stop unsubscribes, flushes pending points and closes the client.
func (s *Sink) Stop() {
	if s.unsub != nil {
		s.unsub()
	}
	if s.writeAPI != nil {
		s.writeAPI.Flush()
	}
	if s.client != nil {
		s.client.Close()
	}
	s.wg.Wait()
}

func (s *Sink) handleEvent(event coordinator.Event) {
	a, ok := s.reg.Get(event.Account)
	if !ok || a.Engine == nil || a.Runtime == nil {
		return
	}
	for _, p := range s.points(a.ID, a.Runtime, a.Engine.Entities(), time.Now()) {
		s.writeAPI.WritePoint(p)
	}
}

// points builds one point per available entity whose numeric state changed
// since it was last written.
func (s *Sink) points(accountID string, rt StateReader, descs []discovery.Descriptor, now time.Time) []*write.Point {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*write.Point
	for _, d := range descs {
		if !rt.Available(d) {
			continue
		}
		v, ok := numericState(d, rt.State(d))
		if !ok {
			continue
		}
		key := d.StorageKey()
		if prev, seen := s.last[key]; seen && prev == v {
			continue
		}
		s.last[key] = v

		tags := map[string]string{
			"account":   accountID,
			"platform":  d.Platform,
			"entity":    d.UniqueID,
			"device_id": d.Ref.DeviceID,
		}
		if d.Platform == discovery.PlatformSensor {
			r := rt.Reading(d)
			if r.Unit != "" {
				tags["unit"] = r.Unit
			}
			if r.DeviceClass != "" {
				tags["device_class"] = r.DeviceClass
			}
		} else if d.DeviceClass != "" {
			tags["device_class"] = d.DeviceClass
		}
		out = append(out, write.NewPoint(s.measurement, tags, map[string]any{"value": v}, now))
	}
	return out
}

// numericState converts the states worth recording to a float. Binary
// states become 1 and 0.
func numericState(d discovery.Descriptor, state any) (float64, bool) {
	switch d.Platform {
	case discovery.PlatformSensor, discovery.PlatformNumber:
		return status.AsFloat(state)
	case discovery.PlatformBinarySensor, discovery.PlatformSwitch:
		on, ok := state.(bool)
		if !ok {
			return 0, false
		}
		if on {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
