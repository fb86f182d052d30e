package discovery

import (
	"context"
	"strings"
	"time"

	"smartthings-go-home/internal/api"
	"smartthings-go-home/internal/status"
)

// subAttributes are the keys of object-valued attributes that become sensors
// of their own.
var subAttributes = []string{
	"completionTime", "remainingTime", "movenOvenState", "processState", "meatProbeTemperature",
	"energy", "power", "deltaEnergy", "powerEnergy", "energySaved",
}

// Sensor device classes.
const (
	ClassTimestamp   = "timestamp"
	ClassBattery     = "battery"
	ClassTemperature = "temperature"
	ClassHumidity    = "humidity"
	ClassPower       = "power"
	ClassEnergy      = "energy"
	ClassVoltage     = "voltage"
	ClassCurrent     = "current"
	ClassPowerFactor = "power_factor"
	ClassFrequency   = "frequency"
)

// Sensor state classes.
const (
	StateMeasurement     = "measurement"
	StateTotalIncreasing = "total_increasing"
)

type sensorClassRule struct {
	class string
	match func(name string, value any) bool
}

func oneOf(name string, set ...string) bool {
	for _, s := range set {
		if name == s {
			return true
		}
	}
	return false
}

// sensorClassRules is evaluated in order on the lower-cased attribute (or
// sub-attribute) name; the first match wins.
var sensorClassRules = []sensorClassRule{
	{ClassTimestamp, func(n string, v any) bool {
		if _, ok := v.(time.Time); ok {
			return true
		}
		return strings.Contains(n, "time") && (strings.Contains(n, "completion") || strings.Contains(n, "end"))
	}},
	{ClassBattery, func(n string, _ any) bool { return n == "battery" }},
	{ClassTemperature, func(n string, _ any) bool {
		return oneOf(n, "temperature", "measuredtemperature", "oventemperature", "meatprobetemperature") ||
			strings.HasSuffix(n, "temperature")
	}},
	{ClassHumidity, func(n string, _ any) bool { return strings.HasSuffix(n, "humidity") }},
	{ClassPower, func(n string, _ any) bool { return oneOf(n, "power", "deltaenergy") || strings.HasSuffix(n, "power") }},
	{ClassEnergy, func(n string, _ any) bool {
		return oneOf(n, "energy", "powerenergy", "totalenergy") || strings.HasSuffix(n, "energy")
	}},
	{ClassVoltage, func(n string, _ any) bool { return strings.Contains(n, "voltage") }},
	{ClassCurrent, func(n string, _ any) bool {
		return oneOf(n, "current", "amperage") || (strings.Contains(n, "current") && !strings.Contains(n, "state"))
	}},
	{ClassPowerFactor, func(n string, _ any) bool {
		return strings.Contains(n, "powerfactor") || strings.Contains(n, "power_factor")
	}},
	{ClassFrequency, func(n string, _ any) bool { return n == "frequency" || strings.HasSuffix(n, "frequency") }},
}

var measurementClasses = map[string]bool{
	ClassPower: true, ClassVoltage: true, ClassCurrent: true, ClassPowerFactor: true,
	ClassFrequency: true, ClassTemperature: true, ClassHumidity: true, ClassBattery: true,
}

var inferredUnits = map[string]string{
	ClassPower:   "W",
	ClassEnergy:  "Wh",
	ClassVoltage: "V",
	ClassCurrent: "A",
}

var unitMap = map[string]string{
	"C": "°C", "F": "°F", "K": "K",
	"Watts": "W", "W": "W", "kW": "kW", "kWh": "kWh", "Wh": "Wh", "mWh": "mWh",
}

var precisions = map[string]int{
	ClassEnergy:  2,
	ClassPower:   1,
	ClassVoltage: 1,
	ClassCurrent: 2,
}

// SensorReading is the presented state of a sensor entity.
type SensorReading struct {
	Value       any
	DeviceClass string
	StateClass  string
	Unit        string
	Precision   *int
}

// ReadSensor resolves the value, classes and unit of a sensor from its
// capability status.
func ReadSensor(capStatus map[string]any, ref Ref) SensorReading {
	v := SensorValue(capStatus, ref)
	name := ref.Attribute
	if ref.Sub != "" {
		name = ref.Sub
	}
	name = strings.ToLower(name)

	r := SensorReading{Value: v, DeviceClass: SensorClass(name, v)}
	r.StateClass = SensorStateClass(r.DeviceClass, name)
	if p, ok := precisions[r.DeviceClass]; ok {
		r.Precision = &p
	}
	if r.DeviceClass == ClassTimestamp {
		return r
	}
	if unit := status.AttributeUnit(capStatus, ref.Attribute); unit != "" {
		if u, ok := unitMap[unit]; ok {
			r.Unit = u
		} else {
			r.Unit = unit
		}
		return r
	}
	if u, ok := inferredUnits[r.DeviceClass]; ok {
		r.Unit = u
		return r
	}
	if f, ok := numericValue(v); ok && f >= 0 && f <= 100 &&
		(strings.Contains(name, "progress") || strings.Contains(name, "percentage") || strings.HasSuffix(name, "usage")) {
		r.Unit = "%"
	}
	return r
}

// SensorValue returns the display value of a sensor: nil for missing or
// null-like values, a time.Time for ISO 8601 UTC timestamps, otherwise a
// safe scalar.
func SensorValue(capStatus map[string]any, ref Ref) any {
	v := status.AttributeValue(capStatus, ref.Attribute)
	if ref.Sub != "" {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[ref.Sub]
	}
	if s, ok := v.(string); ok {
		switch strings.ToLower(s) {
		case "none", "null", "n/a":
			return nil
		}
		if strings.Contains(s, "T") && strings.HasSuffix(s, "Z") {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t
			}
		}
	}
	return status.SafeScalar(v)
}

// SensorClass classifies a lower-cased attribute name and its value.
func SensorClass(name string, value any) string {
	for _, r := range sensorClassRules {
		if r.match(name, value) {
			return r.class
		}
	}
	return ""
}

// SensorStateClass returns the statistics class for a device class.
func SensorStateClass(class, name string) string {
	if class == ClassEnergy {
		if strings.Contains(name, "delta") {
			return StateMeasurement
		}
		return StateTotalIncreasing
	}
	if measurementClasses[class] {
		return StateMeasurement
	}
	return ""
}

// numericValue accepts JSON numbers only, never numeric strings.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// sensorRule exposes telemetry attributes and the interesting keys of
// object-valued attributes.
type sensorRule struct{}

func (sensorRule) Platform() string { return PlatformSensor }

func (sensorRule) Discover(ctx context.Context, s *Scan) {
	s.eachStatusAttribute(func(dev api.Device, compID, capID, attr string, capStatus, payload map[string]any) {
		if status.IsMetaAttribute(attr) {
			return
		}
		v := payload["value"]
		if v == nil {
			return
		}

		if m, ok := v.(map[string]any); ok {
			for _, sub := range subAttributes {
				if m[sub] == nil {
					continue
				}
				ref := Ref{DeviceID: dev.DeviceID, ComponentID: compID, CapabilityID: capID, Attribute: attr, Sub: sub}
				key := joinKey(dev.DeviceID, compID, capID, attr+"."+sub)
				d := s.descriptor(PlatformSensor, key, dev, ref, status.AttributeSuffix(capID, attr+"."+sub))
				d.DeviceClass = SensorClass(strings.ToLower(sub), SensorValue(capStatus, ref))
				s.Add(d)
			}
			if !s.Options.ExposeRawSensors {
				return
			}
		}

		if str, ok := v.(string); ok {
			switch strings.ToLower(str) {
			case "none", "null", "n/a":
				return
			}
		}
		if status.BoolLike(v) {
			return
		}
		if capID == "switch" && attr == "switch" {
			return
		}
		if !s.Options.IncludeControlAttributesAsSensors && isControlAttribute(capStatus, attr) {
			return
		}

		ref := Ref{DeviceID: dev.DeviceID, ComponentID: compID, CapabilityID: capID, Attribute: attr}
		key := joinKey(dev.DeviceID, compID, capID, attr)
		d := s.descriptor(PlatformSensor, key, dev, ref, status.AttributeSuffix(capID, attr))
		d.DeviceClass = SensorClass(strings.ToLower(attr), SensorValue(capStatus, ref))
		s.Add(d)
	})
}

// isControlAttribute reports whether attr has companion attributes that mark
// it as the current value of a select or number control.
func isControlAttribute(capStatus map[string]any, attr string) bool {
	title := upperFirst(attr)
	for _, companion := range []string{"supported" + title, "settable" + title + "Min", "settable" + title + "Max"} {
		if _, ok := capStatus[companion]; ok {
			return true
		}
	}
	return false
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
