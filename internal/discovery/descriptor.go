package discovery

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"smartthings-go-home/internal/api"
	"smartthings-go-home/internal/status"
	"smartthings-go-home/internal/store"
)

// Platform kinds.
const (
	PlatformBinarySensor = "binary_sensor"
	PlatformSensor       = "sensor"
	PlatformButton       = "button"
	PlatformSwitch       = "switch"
	PlatformNumber       = "number"
	PlatformSelect       = "select"
	PlatformVacuum       = "vacuum"
	PlatformCamera       = "camera"
)

// Platforms lists every platform kind in registration order.
var Platforms = []string{
	PlatformSensor,
	PlatformBinarySensor,
	PlatformSwitch,
	PlatformButton,
	PlatformSelect,
	PlatformNumber,
	PlatformCamera,
	PlatformVacuum,
}

// Camera strategies.
const (
	CameraViewInside   = "view_inside"
	CameraImageCapture = "image_capture"
	CameraURL          = "url"
)

// Ref addresses the slice of a device an entity reads and drives.
type Ref struct {
	DeviceID     string `json:"device_id"`
	ComponentID  string `json:"component_id"`
	CapabilityID string `json:"capability_id"`
	Attribute    string `json:"attribute,omitempty"`
	Sub          string `json:"sub,omitempty"`
	Command      string `json:"command,omitempty"`
}

// DeviceInfo groups entities of one physical device.
type DeviceInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model,omitempty"`
}

// SwitchSpec is the command mapping of a switch entity.
type SwitchSpec struct {
	StateAttribute string `json:"state_attribute"`
	OnCommand      string `json:"on_command"`
	OffCommand     string `json:"off_command"`
	OnArgs         []any  `json:"on_args,omitempty"`
	OffArgs        []any  `json:"off_args,omitempty"`
}

// NumberSpec is the command and range of a number entity.
type NumberSpec struct {
	Command string   `json:"command"`
	Min     float64  `json:"min"`
	Max     float64  `json:"max"`
	Step    *float64 `json:"step,omitempty"`
}

// SelectSpec is the command and option list of a select entity.
type SelectSpec struct {
	Command string   `json:"command"`
	Options []string `json:"options"`
}

// CameraSpec selects how a camera entity resolves its image.
type CameraSpec struct {
	Strategy string `json:"strategy"`
}

// Descriptor is an entity created by discovery. Once created it is never
// removed or re-created for the life of the process.
type Descriptor struct {
	Platform          string     `json:"platform"`
	Key               string     `json:"key"`
	UniqueID          string     `json:"unique_id"`
	AccountID         string     `json:"account_id"`
	Ref               Ref        `json:"ref"`
	Name              string     `json:"name"`
	Device            DeviceInfo `json:"device"`
	DeviceClass       string     `json:"device_class,omitempty"`
	DisabledByDefault bool       `json:"disabled_by_default,omitempty"`

	Switch *SwitchSpec `json:"switch,omitempty"`
	Number *NumberSpec `json:"number,omitempty"`
	Select *SelectSpec `json:"select,omitempty"`
	Camera *CameraSpec `json:"camera,omitempty"`
}

// StorageKey is the platform-scoped key used by the store and lookups.
func (d Descriptor) StorageKey() string {
	return store.EntityKey(d.Platform, d.UniqueID)
}

// UniqueID builds the stable id of an entity:
// <account>_<device>_<component>_<capability>[_<attribute>[.<sub>]][_cmd_<command>].
func UniqueID(accountID string, ref Ref) string {
	var b strings.Builder
	b.WriteString(accountID)
	for _, p := range []string{ref.DeviceID, ref.ComponentID, ref.CapabilityID} {
		b.WriteByte('_')
		b.WriteString(p)
	}
	if ref.Attribute != "" {
		b.WriteByte('_')
		b.WriteString(ref.Attribute)
		if ref.Sub != "" {
			b.WriteByte('.')
			b.WriteString(ref.Sub)
		}
	}
	if ref.Command != "" {
		b.WriteString("_cmd_")
		b.WriteString(ref.Command)
	}
	return b.String()
}

// EntityName joins the component label (for non-main components) and the
// suffix with " · ", falling back to the device label.
func EntityName(dev api.Device, componentID, suffix string) string {
	var parts []string
	if componentID != status.MainComponent {
		parts = append(parts, dev.ComponentLabel(componentID))
	}
	if suffix != "" {
		parts = append(parts, suffix)
	}
	if len(parts) == 0 {
		return dev.DisplayName()
	}
	return strings.Join(parts, " · ")
}

func deviceInfo(dev api.Device) DeviceInfo {
	return DeviceInfo{
		ID:           dev.DeviceID,
		Name:         dev.DisplayName(),
		Manufacturer: dev.ManufacturerLabel(),
		Model:        dev.Model(),
	}
}

func joinKey(parts ...string) string {
	return strings.Join(parts, "|")
}

// ToEntity converts a descriptor into its persisted form.
func ToEntity(d Descriptor, now time.Time) (*store.Entity, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor %s: %w", d.UniqueID, err)
	}
	return &store.Entity{
		UniqueID:        d.UniqueID,
		AccountID:       d.AccountID,
		Platform:        d.Platform,
		Key:             d.Key,
		DeviceID:        d.Ref.DeviceID,
		Component:       d.Ref.ComponentID,
		Capability:      d.Ref.CapabilityID,
		Attribute:       d.Ref.Attribute,
		Sub:             d.Ref.Sub,
		Command:         d.Ref.Command,
		Name:            d.Name,
		DisabledDefault: d.DisabledByDefault,
		Descriptor:      data,
		RegisteredAt:    now,
		LastSeen:        now,
	}, nil
}

// FromEntity decodes a persisted entity back into a descriptor.
func FromEntity(ent *store.Entity) (Descriptor, error) {
	var d Descriptor
	if len(ent.Descriptor) == 0 {
		return d, fmt.Errorf("entity %s: no descriptor", ent.UniqueID)
	}
	if err := json.Unmarshal(ent.Descriptor, &d); err != nil {
		return d, fmt.Errorf("decode descriptor %s: %w", ent.UniqueID, err)
	}
	if d.Platform == "" || d.Key == "" || d.UniqueID == "" {
		return d, fmt.Errorf("entity %s: incomplete descriptor", ent.UniqueID)
	}
	return d, nil
}
