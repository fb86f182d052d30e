// Package entity is the runtime side of discovered entities: it reads their
// state from the latest snapshot and turns user actions into device
// commands followed by a refresh request.
package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"smartthings-go-home/internal/coordinator"
	"smartthings-go-home/internal/discovery"
	"smartthings-go-home/internal/status"
)

const (
	defaultSettleDelay = 2 * time.Second
	maxImageBytes      = 16 << 20
)

var (
	// ErrUnsupported is returned when an action does not apply to the
	// entity's platform.
	ErrUnsupported = errors.New("action not supported by entity")

	// ErrInvalidOption is returned for select options outside the option list.
	ErrInvalidOption = errors.New("invalid option")

	// ErrNoImage is returned when a camera has no image to fetch.
	ErrNoImage = errors.New("no image available")
)

// Commander executes device commands.
type Commander interface {
	ExecuteCommand(ctx context.Context, deviceID, component, capability, command string, args []any) error
}

// Coordinator is the polling coordinator an entity belongs to.
type Coordinator interface {
	Snapshot() *coordinator.Snapshot
	RequestRefresh()
	Refresh(ctx context.Context) error
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithHTTPClient sets the client used to download images from absolute URLs.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runtime) {
		r.http = c
	}
}

// WithAuthorizedClient sets the client used for cloud-hosted file links,
// which need the account's credentials.
func WithAuthorizedClient(c *http.Client) Option {
	return func(r *Runtime) {
		r.authorized = c
	}
}

// WithSettleDelay sets the wait between an image capture and the refresh
// that picks up the new image.
func WithSettleDelay(d time.Duration) Option {
	return func(r *Runtime) {
		r.settle = d
	}
}

// Runtime drives the entities of one account.
type Runtime struct {
	commander  Commander
	coord      Coordinator
	http       *http.Client
	authorized *http.Client
	settle     time.Duration
	logger     *slog.Logger
}

// New creates a Runtime.
func New(commander Commander, coord Coordinator, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		commander: commander,
		coord:     coord,
		http:      &http.Client{Timeout: 30 * time.Second},
		settle:    defaultSettleDelay,
		logger:    logger.With("component", "entity"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.authorized == nil {
		r.authorized = r.http
	}
	return r
}

func (r *Runtime) capStatus(ref discovery.Ref) map[string]any {
	return r.coord.Snapshot().CapabilityStatus(ref.DeviceID, ref.ComponentID, ref.CapabilityID)
}

// Available reports whether the entity's device is in the current snapshot.
func (r *Runtime) Available(d discovery.Descriptor) bool {
	_, ok := r.coord.Snapshot().Device(d.Ref.DeviceID)
	return ok
}

// State returns the entity's current state, or nil when unknown.
//
//	sensor         scalar or time.Time
//	binary_sensor  bool
//	switch         bool
//	number         float64
//	select         string
//	vacuum         activity string
//	camera         image URL
func (r *Runtime) State(d discovery.Descriptor) any {
	capStatus := r.capStatus(d.Ref)
	switch d.Platform {
	case discovery.PlatformSensor:
		return discovery.SensorValue(capStatus, d.Ref)
	case discovery.PlatformBinarySensor:
		if v, ok := status.AsBool(status.AttributeValue(capStatus, d.Ref.Attribute)); ok {
			return v
		}
	case discovery.PlatformSwitch:
		if d.Switch == nil {
			return nil
		}
		if v, ok := status.AsBool(status.AttributeValue(capStatus, d.Switch.StateAttribute)); ok {
			return v
		}
	case discovery.PlatformNumber:
		switch v := status.AttributeValue(capStatus, d.Ref.Attribute).(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	case discovery.PlatformSelect:
		if v := status.AttributeValue(capStatus, d.Ref.Attribute); v != nil {
			return discovery.OptionString(v)
		}
	case discovery.PlatformVacuum:
		return VacuumActivity(status.AttributeValue(capStatus, "operatingState"))
	case discovery.PlatformCamera:
		if u := r.CameraURL(d); u != "" {
			return u
		}
	}
	return nil
}

// Reading returns the classified state of a sensor entity.
func (r *Runtime) Reading(d discovery.Descriptor) discovery.SensorReading {
	return discovery.ReadSensor(r.capStatus(d.Ref), d.Ref)
}

// Attributes returns the extra state attributes of an entity.
func (r *Runtime) Attributes(d discovery.Descriptor) map[string]any {
	capStatus := r.capStatus(d.Ref)
	switch d.Platform {
	case discovery.PlatformSensor:
		return sensorAttributes(capStatus, d.Ref)
	case discovery.PlatformBinarySensor:
		attrs := refAttributes(d.Ref)
		if p := status.AttributePayload(capStatus, d.Ref.Attribute); p != nil {
			if ts, ok := p["timestamp"]; ok {
				attrs["timestamp"] = ts
			}
		}
		return attrs
	case discovery.PlatformVacuum:
		return vacuumAttributes(capStatus, r.capStatus(discovery.Ref{
			DeviceID: d.Ref.DeviceID, ComponentID: status.MainComponent, CapabilityID: batteryCapability,
		}))
	case discovery.PlatformCamera:
		return r.cameraAttributes(d, capStatus)
	}
	return map[string]any{}
}

func refAttributes(ref discovery.Ref) map[string]any {
	return map[string]any{
		"device_id":  ref.DeviceID,
		"component":  ref.ComponentID,
		"capability": ref.CapabilityID,
		"attribute":  ref.Attribute,
	}
}

func sensorAttributes(capStatus map[string]any, ref discovery.Ref) map[string]any {
	if ref.Sub != "" {
		return map[string]any{"parent_attribute": ref.Attribute, "key": ref.Sub}
	}
	attrs := refAttributes(ref)
	p := status.AttributePayload(capStatus, ref.Attribute)
	if p == nil {
		return attrs
	}
	if ts, ok := p["timestamp"]; ok {
		attrs["timestamp"] = ts
	}
	if unit, ok := p["unit"]; ok {
		attrs["unit"] = unit
	}
	if m, ok := p["value"].(map[string]any); ok {
		for k, v := range m {
			switch v.(type) {
			case string, float64, bool:
				if len(fmt.Sprint(v)) < 100 {
					attrs[k] = v
				}
			}
		}
	}
	return attrs
}

// execute runs a command on the entity's capability and asks the
// coordinator for a refresh.
func (r *Runtime) execute(ctx context.Context, ref discovery.Ref, command string, args []any) error {
	if args == nil {
		args = []any{}
	}
	if err := r.commander.ExecuteCommand(ctx, ref.DeviceID, ref.ComponentID, ref.CapabilityID, command, args); err != nil {
		return fmt.Errorf("%s %s/%s: %w", command, ref.DeviceID, ref.CapabilityID, err)
	}
	r.coord.RequestRefresh()
	return nil
}

// Press sends a button's zero-argument command.
func (r *Runtime) Press(ctx context.Context, d discovery.Descriptor) error {
	if d.Platform != discovery.PlatformButton || d.Ref.Command == "" {
		return ErrUnsupported
	}
	return r.execute(ctx, d.Ref, d.Ref.Command, nil)
}

// TurnOn switches a switch entity on.
func (r *Runtime) TurnOn(ctx context.Context, d discovery.Descriptor) error {
	if d.Platform != discovery.PlatformSwitch || d.Switch == nil {
		return ErrUnsupported
	}
	return r.execute(ctx, d.Ref, d.Switch.OnCommand, d.Switch.OnArgs)
}

// TurnOff switches a switch entity off.
func (r *Runtime) TurnOff(ctx context.Context, d discovery.Descriptor) error {
	if d.Platform != discovery.PlatformSwitch || d.Switch == nil {
		return ErrUnsupported
	}
	return r.execute(ctx, d.Ref, d.Switch.OffCommand, d.Switch.OffArgs)
}

// SetNumber sends a number entity's command with value.
func (r *Runtime) SetNumber(ctx context.Context, d discovery.Descriptor, value float64) error {
	if d.Platform != discovery.PlatformNumber || d.Number == nil {
		return ErrUnsupported
	}
	return r.execute(ctx, d.Ref, d.Number.Command, []any{value})
}

// SelectOption sends a select entity's command with option.
func (r *Runtime) SelectOption(ctx context.Context, d discovery.Descriptor, option string) error {
	if d.Platform != discovery.PlatformSelect || d.Select == nil {
		return ErrUnsupported
	}
	valid := false
	for _, o := range d.Select.Options {
		if o == option {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %q", ErrInvalidOption, option)
	}
	return r.execute(ctx, d.Ref, d.Select.Command, []any{option})
}
