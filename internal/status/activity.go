package status

import "strings"

// activityStates are attribute values that mean an appliance is mid-cycle.
var activityStates = map[string]struct{}{
	"run": {}, "running": {}, "printing": {},
	"heating": {}, "cooking": {}, "preheat": {}, "preheating": {},
	"spinning": {}, "drying": {}, "rinsing": {}, "washing": {},
	"cleaning": {}, "partially_open": {}, "opening": {}, "closing": {},
	"busy": {}, "thawing": {},
}

// IsActivityState reports whether s (case-insensitive) is an activity value.
func IsActivityState(s string) bool {
	_, ok := activityStates[strings.ToLower(s)]
	return ok
}

// ContainsActivity reports whether any attribute value in a device status tree
// is an activity state. It returns on the first match.
func ContainsActivity(deviceStatus any) bool {
	for _, comp := range Components(deviceStatus) {
		caps, ok := comp.(map[string]any)
		if !ok {
			continue
		}
		for _, capStatus := range caps {
			attrs, ok := capStatus.(map[string]any)
			if !ok {
				continue
			}
			for _, payload := range attrs {
				p, ok := payload.(map[string]any)
				if !ok {
					continue
				}
				if s, ok := p["value"].(string); ok && IsActivityState(s) {
					return true
				}
			}
		}
	}
	return false
}
