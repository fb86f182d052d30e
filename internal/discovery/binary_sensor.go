package discovery

import (
	"context"
	"strings"

	"smartthings-go-home/internal/api"
	"smartthings-go-home/internal/status"
)

type binaryClassRule struct {
	class string
	match func(capability, attribute string) bool
}

// binaryClassRules is evaluated in order on lower-cased names; the first
// match wins.
var binaryClassRules = []binaryClassRule{
	{"opening", func(c, a string) bool { return c == "contactsensor" || a == "contact" }},
	{"door", func(c, a string) bool { return strings.Contains(a, "door") }},
	{"motion", func(c, a string) bool { return strings.Contains(c, "motion") || strings.Contains(a, "motion") }},
	{"smoke", func(c, a string) bool { return strings.Contains(c, "smoke") || strings.Contains(a, "smoke") }},
	{"moisture", func(c, a string) bool {
		return strings.Contains(c, "water") && (strings.Contains(a, "leak") || strings.Contains(a, "wet"))
	}},
}

// BinarySensorClass returns the device class of a boolean attribute, or "".
func BinarySensorClass(capabilityID, attribute string) string {
	c, a := strings.ToLower(capabilityID), strings.ToLower(attribute)
	for _, r := range binaryClassRules {
		if r.match(c, a) {
			return r.class
		}
	}
	return ""
}

// binarySensorRule exposes every boolean-like attribute except switch.switch,
// which belongs to the switch platform.
type binarySensorRule struct{}

func (binarySensorRule) Platform() string { return PlatformBinarySensor }

func (binarySensorRule) Discover(ctx context.Context, s *Scan) {
	s.eachStatusAttribute(func(dev api.Device, compID, capID, attr string, _, payload map[string]any) {
		if status.IsMetaAttribute(attr) {
			return
		}
		v := payload["value"]
		if v == nil || !status.BoolLike(v) {
			return
		}
		if capID == "switch" && attr == "switch" {
			return
		}
		ref := Ref{DeviceID: dev.DeviceID, ComponentID: compID, CapabilityID: capID, Attribute: attr}
		d := s.descriptor(PlatformBinarySensor, joinKey(dev.DeviceID, compID, capID, attr), dev, ref, status.AttributeSuffix(capID, attr))
		d.DeviceClass = BinarySensorClass(capID, attr)
		s.Add(d)
	})
}
