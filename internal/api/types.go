package api

import (
	"encoding/json"
	"sort"
)

// CapabilityRef is a (capability id, version) pair declared on a component.
type CapabilityRef struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// Component is a sub-addressable unit of a device.
type Component struct {
	ID           string          `json:"id"`
	Label        string          `json:"label,omitempty"`
	Capabilities []CapabilityRef `json:"capabilities"`
}

// Device is one entry of the cloud device list.
type Device struct {
	DeviceID         string      `json:"deviceId"`
	Name             string      `json:"name,omitempty"`
	Label            string      `json:"label,omitempty"`
	DeviceLabel      string      `json:"deviceLabel,omitempty"`
	ManufacturerName string      `json:"manufacturerName,omitempty"`
	Manufacturer     string      `json:"manufacturer,omitempty"`
	ModelName        string      `json:"modelName,omitempty"`
	DeviceTypeName   string      `json:"deviceTypeName,omitempty"`
	Components       []Component `json:"components"`
}

// normalize fills defaults the API is allowed to omit.
func (d *Device) normalize() {
	for i := range d.Components {
		c := &d.Components[i]
		if c.ID == "" {
			c.ID = "main"
		}
		for j := range c.Capabilities {
			if c.Capabilities[j].Version <= 0 {
				c.Capabilities[j].Version = 1
			}
		}
	}
}

// DisplayName returns the best available human name for the device.
func (d Device) DisplayName() string {
	for _, s := range []string{d.Label, d.Name, d.DeviceLabel, d.DeviceTypeName, d.DeviceID} {
		if s != "" {
			return s
		}
	}
	return "SmartThings Device"
}

// ManufacturerLabel returns the manufacturer, defaulting to "SmartThings".
func (d Device) ManufacturerLabel() string {
	if d.ManufacturerName != "" {
		return d.ManufacturerName
	}
	if d.Manufacturer != "" {
		return d.Manufacturer
	}
	return "SmartThings"
}

// Model returns the model name or device type name.
func (d Device) Model() string {
	if d.ModelName != "" {
		return d.ModelName
	}
	return d.DeviceTypeName
}

// ComponentIDs returns the ids of the device's components, or ["main"] when
// the device declares none.
func (d Device) ComponentIDs() []string {
	if len(d.Components) == 0 {
		return []string{"main"}
	}
	ids := make([]string, 0, len(d.Components))
	for _, c := range d.Components {
		ids = append(ids, c.ID)
	}
	return ids
}

// CapabilityVersions maps capability id to version for one component.
func (d Device) CapabilityVersions(componentID string) map[string]int {
	for _, c := range d.Components {
		if c.ID != componentID {
			continue
		}
		out := make(map[string]int, len(c.Capabilities))
		for _, ref := range c.Capabilities {
			if ref.ID != "" {
				out[ref.ID] = ref.Version
			}
		}
		return out
	}
	return map[string]int{}
}

// ComponentLabel returns a display label for a component id.
func (d Device) ComponentLabel(componentID string) string {
	for _, c := range d.Components {
		if c.ID == componentID {
			if c.Label != "" {
				return c.Label
			}
			return c.ID
		}
	}
	return componentID
}

// ArgSchema is the subset of a JSON schema used to classify command arguments.
type ArgSchema struct {
	Type       string          `json:"type,omitempty"`
	Enum       []any           `json:"enum,omitempty"`
	Minimum    *float64        `json:"-"`
	Maximum    *float64        `json:"-"`
	MultipleOf *float64        `json:"-"`
	Raw        json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw schema and tolerates non-numeric bounds.
func (s *ArgSchema) UnmarshalJSON(data []byte) error {
	var aux struct {
		Type       any   `json:"type"`
		Enum       []any `json:"enum"`
		Minimum    any   `json:"minimum"`
		Maximum    any   `json:"maximum"`
		MultipleOf any   `json:"multipleOf"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		// Schemas that are not objects are treated as untyped.
		*s = ArgSchema{Raw: append(json.RawMessage(nil), data...)}
		return nil
	}
	*s = ArgSchema{
		Enum:       aux.Enum,
		Minimum:    numberPtr(aux.Minimum),
		Maximum:    numberPtr(aux.Maximum),
		MultipleOf: numberPtr(aux.MultipleOf),
		Raw:        append(json.RawMessage(nil), data...),
	}
	if t, ok := aux.Type.(string); ok {
		s.Type = t
	}
	return nil
}

// MarshalJSON writes the original schema back out so persisted definitions
// keep their bounds.
func (s ArgSchema) MarshalJSON() ([]byte, error) {
	if len(s.Raw) > 0 {
		return s.Raw, nil
	}
	return json.Marshal(struct {
		Type string `json:"type,omitempty"`
		Enum []any  `json:"enum,omitempty"`
	}{s.Type, s.Enum})
}

func numberPtr(v any) *float64 {
	if f, ok := v.(float64); ok {
		return &f
	}
	return nil
}

// Argument is one positional argument of a capability command.
type Argument struct {
	Name     string    `json:"name"`
	Optional bool      `json:"optional,omitempty"`
	Schema   ArgSchema `json:"schema"`
}

// Command is a capability command definition.
type Command struct {
	Name      string     `json:"name"`
	Arguments []Argument `json:"arguments"`
}

// CapabilityDefinition is an immutable capability schema.
type CapabilityDefinition struct {
	ID         string                     `json:"id"`
	Version    int                        `json:"version"`
	Name       string                     `json:"name,omitempty"`
	Attributes map[string]json.RawMessage `json:"attributes,omitempty"`
	Commands   map[string]Command         `json:"commands,omitempty"`
}

// HasCommand reports whether the capability defines the named command.
func (c *CapabilityDefinition) HasCommand(name string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Commands[name]
	return ok
}

// CommandNames returns command names in a stable order.
func (c *CapabilityDefinition) CommandNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Commands))
	for name := range c.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
