// Package status navigates the untrusted device status tree returned by the
// cloud API: device -> components -> capability -> attribute -> payload.
//
// Every accessor is total. A missing level or a level of the wrong JSON type
// degrades to an empty map or nil, never to a panic.
package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MainComponent is the component id used when a device or event omits one.
const MainComponent = "main"

// Tree is a decoded status document for a single device.
type Tree = map[string]any

// EmptyTree returns the placeholder stored for devices whose status could not
// be fetched or was not an object.
func EmptyTree() Tree {
	return Tree{"components": map[string]any{}}
}

// Components returns the components map of a device status tree.
func Components(deviceStatus any) map[string]any {
	m, ok := deviceStatus.(map[string]any)
	if !ok {
		return nil
	}
	comps, _ := m["components"].(map[string]any)
	return comps
}

// CapabilityStatus returns attribute payloads for one capability of one
// component. statuses is keyed by device id. The result is never nil.
func CapabilityStatus(statuses map[string]any, deviceID, componentID, capabilityID string) map[string]any {
	comp, ok := Components(statuses[deviceID])[componentID].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	capStatus, ok := comp[capabilityID].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return capStatus
}

// AttributePayload returns the {value, unit, timestamp} record of an attribute.
func AttributePayload(capStatus map[string]any, attribute string) map[string]any {
	p, _ := capStatus[attribute].(map[string]any)
	return p
}

// AttributeValue returns the value field of an attribute payload, or nil.
func AttributeValue(capStatus map[string]any, attribute string) any {
	p := AttributePayload(capStatus, attribute)
	if p == nil {
		return nil
	}
	return p["value"]
}

// AttributeUnit returns the unit of an attribute as a string, or "".
func AttributeUnit(capStatus map[string]any, attribute string) string {
	p := AttributePayload(capStatus, attribute)
	if p == nil || p["unit"] == nil {
		return ""
	}
	if s, ok := p["unit"].(string); ok {
		return s
	}
	return fmt.Sprint(p["unit"])
}

// AttributeTimestamp returns the timestamp of an attribute payload, or "".
func AttributeTimestamp(capStatus map[string]any, attribute string) string {
	p := AttributePayload(capStatus, attribute)
	if p == nil {
		return ""
	}
	ts, _ := p["timestamp"].(string)
	return ts
}

// Attributes calls fn for every attribute of capStatus whose payload is an
// object. Iteration order follows Go map order.
func Attributes(capStatus map[string]any, fn func(name string, payload map[string]any)) {
	for name, raw := range capStatus {
		if p, ok := raw.(map[string]any); ok {
			fn(name, p)
		}
	}
}

var nullLike = map[string]struct{}{
	"none": {}, "null": {}, "n/a": {}, "na": {}, "unknown": {}, "": {},
}

// IsNullLike reports whether s is one of the strings the cloud uses in place of
// a missing value.
func IsNullLike(s string) bool {
	_, ok := nullLike[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

const maxScalarLen = 255

// SafeScalar converts an arbitrary JSON value into a display-safe scalar.
// Null-like strings become nil. Numbers and booleans pass through. Lists and
// objects are rendered as compact JSON, or as a size placeholder such as
// "list[200]" when the rendering would exceed 255 characters.
func SafeScalar(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if IsNullLike(x) {
			return nil
		}
		return x
	case bool, float64, float32, int, int64, int32, uint, uint64, json.Number:
		return x
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	data := strings.TrimSuffix(buf.String(), "\n")
	if len([]rune(data)) <= maxScalarLen {
		return data
	}
	switch x := v.(type) {
	case []any:
		return fmt.Sprintf("list[%d]", len(x))
	case map[string]any:
		return fmt.Sprintf("dict[%d]", len(x))
	}
	return "complex"
}

var metaExact = map[string]struct{}{
	"supportedoptions": {}, "referencetable": {}, "settable": {}, "supportedcommands": {},
}

// IsMetaAttribute reports whether an attribute only describes other attributes
// (supported value lists, ranges) rather than carrying live telemetry.
func IsMetaAttribute(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "supported") ||
		strings.HasSuffix(lower, "range") ||
		strings.HasSuffix(lower, "ranges") {
		return true
	}
	_, ok := metaExact[lower]
	return ok
}

// BoolLike reports whether v is a boolean or one of the on/off, open/closed,
// true/false strings.
func BoolLike(v any) bool {
	_, ok := AsBool(v)
	return ok
}

// AsBool maps a boolean-like value to true or false. ok is false for anything
// outside the vocabulary, which callers treat as unknown rather than false.
func AsBool(v any) (value, ok bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(x) {
		case "on", "open", "true":
			return true, true
		case "off", "closed", "false":
			return false, true
		}
	}
	return false, false
}

// AsFloat returns v as a float64 when it is numeric or a numeric string.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// CapabilityTail returns the part of a namespaced capability id after the
// last dot.
func CapabilityTail(capabilityID string) string {
	if i := strings.LastIndexByte(capabilityID, '.'); i >= 0 {
		return capabilityID[i+1:]
	}
	return capabilityID
}

// AttributeSuffix builds the entity name suffix for a capability attribute,
// e.g. "washerOperatingState.machineState".
func AttributeSuffix(capabilityID, attribute string) string {
	tail := CapabilityTail(capabilityID)
	if strings.EqualFold(tail, attribute) {
		return tail
	}
	return tail + "." + attribute
}
