package status

import (
	"strings"
	"testing"
)

func TestCapabilityStatusMalformed(t *testing.T) {
	tests := []struct {
		name     string
		statuses map[string]any
	}{
		{"missing device", map[string]any{}},
		{"device is string", map[string]any{"d1": "error"}},
		{"components is nil", map[string]any{"d1": map[string]any{"components": nil}}},
		{"component is list", map[string]any{"d1": map[string]any{"components": map[string]any{"main": []any{1}}}}},
		{"capability is string", map[string]any{"d1": map[string]any{"components": map[string]any{
			"main": map[string]any{"switch": "on"},
		}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CapabilityStatus(tt.statuses, "d1", "main", "switch")
			if got == nil {
				t.Fatal("CapabilityStatus returned nil, want empty map")
			}
			if len(got) != 0 {
				t.Errorf("CapabilityStatus = %v, want empty", got)
			}
			if v := AttributeValue(got, "switch"); v != nil {
				t.Errorf("AttributeValue = %v, want nil", v)
			}
			if u := AttributeUnit(got, "switch"); u != "" {
				t.Errorf("AttributeUnit = %q, want empty", u)
			}
		})
	}
}

func TestCapabilityStatusFound(t *testing.T) {
	statuses := map[string]any{
		"d1": map[string]any{"components": map[string]any{
			"main": map[string]any{
				"temperatureMeasurement": map[string]any{
					"temperature": map[string]any{"value": 21.5, "unit": "C", "timestamp": "2024-01-01T00:00:00Z"},
					"broken":      "oops",
				},
			},
		}},
	}
	cs := CapabilityStatus(statuses, "d1", "main", "temperatureMeasurement")
	if v := AttributeValue(cs, "temperature"); v != 21.5 {
		t.Errorf("value = %v, want 21.5", v)
	}
	if u := AttributeUnit(cs, "temperature"); u != "C" {
		t.Errorf("unit = %q, want C", u)
	}
	if ts := AttributeTimestamp(cs, "temperature"); ts != "2024-01-01T00:00:00Z" {
		t.Errorf("timestamp = %q", ts)
	}
	if v := AttributeValue(cs, "broken"); v != nil {
		t.Errorf("broken attribute value = %v, want nil", v)
	}

	var names []string
	Attributes(cs, func(name string, _ map[string]any) { names = append(names, name) })
	if len(names) != 1 || names[0] != "temperature" {
		t.Errorf("Attributes visited %v, want [temperature]", names)
	}
}

func TestSafeScalar(t *testing.T) {
	long := make([]any, 200)
	for i := range long {
		long[i] = float64(i)
	}
	bigMap := make(map[string]any)
	for i := 0; i < 50; i++ {
		bigMap[strings.Repeat("k", 5)+string(rune('a'+i%26))+string(rune('a'+i/26))] = "value"
	}

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"N/A", "N/A", nil},
		{"none", "none", nil},
		{"empty", "", nil},
		{"padded unknown", "  Unknown ", nil},
		{"plain string", "washing", "washing"},
		{"number", float64(42), float64(42)},
		{"true", true, true},
		{"false", false, false},
		{"short list", []any{float64(1), float64(2), float64(3)}, "[1,2,3]"},
		{"small map", map[string]any{"a": float64(1)}, `{"a":1}`},
		{"html characters kept", []any{"Tom & Jerry <1>"}, `["Tom & Jerry <1>"]`},
		{"non-ascii kept", []any{"café"}, `["café"]`},
		{"long list", long, "list[200]"},
		{"big map", bigMap, "dict[50]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeScalar(tt.in); got != tt.want {
				t.Errorf("SafeScalar(%v) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsMetaAttribute(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"supportedMachineStates", true},
		{"temperatureRange", true},
		{"coolingSetpointRanges", true},
		{"referenceTable", true},
		{"settable", true},
		{"machineState", false},
		{"temperature", false},
	}
	for _, tt := range tests {
		if got := IsMetaAttribute(tt.name); got != tt.want {
			t.Errorf("IsMetaAttribute(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAsBool(t *testing.T) {
	tests := []struct {
		in     any
		want   bool
		wantOK bool
	}{
		{true, true, true},
		{false, false, true},
		{"ON", true, true},
		{"open", true, true},
		{"closed", false, true},
		{"False", false, true},
		{"detected", false, false},
		{float64(1), false, false},
		{nil, false, false},
	}
	for _, tt := range tests {
		got, ok := AsBool(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("AsBool(%v) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
		if BoolLike(tt.in) != tt.wantOK {
			t.Errorf("BoolLike(%v) = %v, want %v", tt.in, !tt.wantOK, tt.wantOK)
		}
	}
}

func TestAsFloat(t *testing.T) {
	if f, ok := AsFloat("12.5"); !ok || f != 12.5 {
		t.Errorf("AsFloat(\"12.5\") = %v, %v", f, ok)
	}
	if _, ok := AsFloat("12abc"); ok {
		t.Error("AsFloat(\"12abc\") should fail")
	}
	if _, ok := AsFloat(true); ok {
		t.Error("AsFloat(true) should fail")
	}
}

func TestContainsActivity(t *testing.T) {
	active := map[string]any{"components": map[string]any{
		"main": map[string]any{
			"washerOperatingState": map[string]any{
				"machineState": map[string]any{"value": "RUNNING"},
			},
		},
	}}
	idle := map[string]any{"components": map[string]any{
		"main": map[string]any{
			"washerOperatingState": map[string]any{
				"machineState": map[string]any{"value": "stop"},
				"junk":         "string payload",
			},
			"broken": []any{"running"},
		},
	}}
	if !ContainsActivity(active) {
		t.Error("expected activity for RUNNING")
	}
	if ContainsActivity(idle) {
		t.Error("unexpected activity for idle tree")
	}
	if ContainsActivity("not a tree") {
		t.Error("unexpected activity for malformed tree")
	}
}

func TestAttributeSuffix(t *testing.T) {
	if got := AttributeSuffix("custom.washerWaterTemperature", "washerWaterTemperature"); got != "washerWaterTemperature" {
		t.Errorf("got %q", got)
	}
	if got := AttributeSuffix("samsungce.washerOperatingState", "machineState"); got != "washerOperatingState.machineState" {
		t.Errorf("got %q", got)
	}
	if got := CapabilityTail("switch"); got != "switch" {
		t.Errorf("CapabilityTail(switch) = %q", got)
	}
}
