//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"smartthings-go-home/internal/discovery"
)

// DefaultDiscoveryPrefix is the topic root Home Assistant listens on.
const DefaultDiscoveryPrefix = "homeassistant"

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/smartthings_<device>/<object>/config"
	Payload []byte // JSON
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic,omitempty"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	JSONAttributesTopic string   `json:"json_attributes_topic,omitempty"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	DisplayPrecision    *int     `json:"suggested_display_precision,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	PayloadPress        string   `json:"payload_press,omitempty"`
	Min                 *float64 `json:"min,omitempty"`
	Max                 *float64 `json:"max,omitempty"`
	Step                *float64 `json:"step,omitempty"`
	Options             []string `json:"options,omitempty"`
	SupportedFeatures   []string `json:"supported_features,omitempty"`
	URLTopic            string   `json:"url_topic,omitempty"`
	URLTemplate         string   `json:"url_template,omitempty"`
	EnabledByDefault    *bool    `json:"enabled_by_default,omitempty"`
	Device              haDevice `json:"device"`
}

// Command payloads understood on command topics.
const (
	payloadOn    = "ON"
	payloadOff   = "OFF"
	payloadPress = "PRESS"
)

const stateTemplate = "{{ value_json.state }}"

var vacuumFeatures = []string{"start", "pause", "stop", "return_home"}

// sanitize lowercases s and keeps only characters safe in MQTT topics.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}

// nodeID returns the HA device node id of a cloud device.
func nodeID(deviceID string) string {
	return "smartthings_" + sanitize(deviceID)
}

// objectID returns the topic-safe id of an entity.
func objectID(d discovery.Descriptor) string {
	return sanitize(d.UniqueID)
}

// haComponent maps an entity platform to the HA MQTT component serving it.
func haComponent(platform string) string {
	if platform == discovery.PlatformCamera {
		return "image"
	}
	return platform
}

// entityTopic is the root of an entity's state, attribute and command topics.
func entityTopic(prefix string, d discovery.Descriptor) string {
	return prefix + "/" + d.Platform + "/" + objectID(d)
}

func stateTopic(prefix string, d discovery.Descriptor) string {
	return entityTopic(prefix, d) + "/state"
}

func attributesTopic(prefix string, d discovery.Descriptor) string {
	return entityTopic(prefix, d) + "/attributes"
}

func commandTopic(prefix string, d discovery.Descriptor) string {
	return entityTopic(prefix, d) + "/set"
}

// parseCommandTopic splits "<prefix>/<platform>/<object>/set".
func parseCommandTopic(prefix, topic string) (platform, object string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func discoveryTopic(discoveryPrefix string, d discovery.Descriptor) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, haComponent(d.Platform), nodeID(d.Ref.DeviceID), objectID(d))
}

// buildDiscovery generates the HA discovery message for one entity. reading
// carries the sensor classification and is ignored for other platforms.
func buildDiscovery(d discovery.Descriptor, reading discovery.SensorReading, prefix, discoveryPrefix string) discoveryMsg {
	payload := haDiscovery{
		Name:                d.Name,
		UniqueID:            d.UniqueID,
		StateTopic:          stateTopic(prefix, d),
		AvailabilityTopic:   prefix + "/bridge/state",
		JSONAttributesTopic: attributesTopic(prefix, d),
		ValueTemplate:       stateTemplate,
		DeviceClass:         d.DeviceClass,
		Device: haDevice{
			Identifiers:  []string{nodeID(d.Ref.DeviceID)},
			Manufacturer: d.Device.Manufacturer,
			Model:        d.Device.Model,
			Name:         d.Device.Name,
		},
	}
	if d.DisabledByDefault {
		disabled := false
		payload.EnabledByDefault = &disabled
	}

	switch d.Platform {
	case discovery.PlatformSensor:
		payload.DeviceClass = reading.DeviceClass
		payload.StateClass = reading.StateClass
		payload.UnitOfMeasurement = reading.Unit
		payload.DisplayPrecision = reading.Precision
	case discovery.PlatformBinarySensor:
		payload.PayloadOn = payloadOn
		payload.PayloadOff = payloadOff
	case discovery.PlatformSwitch:
		payload.CommandTopic = commandTopic(prefix, d)
		payload.PayloadOn = payloadOn
		payload.PayloadOff = payloadOff
	case discovery.PlatformButton:
		payload.StateTopic = ""
		payload.ValueTemplate = ""
		payload.CommandTopic = commandTopic(prefix, d)
		payload.PayloadPress = payloadPress
	case discovery.PlatformNumber:
		payload.CommandTopic = commandTopic(prefix, d)
		if d.Number != nil {
			payload.Min, payload.Max, payload.Step = d.Number.Min, d.Number.Max, d.Number.Step
		}
	case discovery.PlatformSelect:
		payload.CommandTopic = commandTopic(prefix, d)
		if d.Select != nil {
			payload.Options = d.Select.Options
		}
	case discovery.PlatformVacuum:
		// The vacuum state topic carries {"state": activity} natively.
		payload.ValueTemplate = ""
		payload.CommandTopic = commandTopic(prefix, d)
		payload.SupportedFeatures = vacuumFeatures
	case discovery.PlatformCamera:
		payload.StateTopic = ""
		payload.ValueTemplate = ""
		payload.URLTopic = stateTopic(prefix, d)
		payload.URLTemplate = stateTemplate
	}

	return discoveryMsg{Topic: discoveryTopic(discoveryPrefix, d), Payload: mustJSON(payload)}
}

// encodeState renders an entity state as the {"state": ...} document
// published on its state topic. Booleans become ON/OFF.
func encodeState(v any) []byte {
	switch x := v.(type) {
	case bool:
		if x {
			v = payloadOn
		} else {
			v = payloadOff
		}
	case time.Time:
		v = x.UTC().Format(time.RFC3339)
	}
	return mustJSON(map[string]any{"state": v})
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
