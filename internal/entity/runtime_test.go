package entity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"smartthings-go-home/internal/api"
	"smartthings-go-home/internal/coordinator"
	"smartthings-go-home/internal/discovery"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type call struct {
	Device, Component, Capability, Command string
	Args                                   []any
}

type stubCommander struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]bool
	onCmd func(c call)
}

func (s *stubCommander) ExecuteCommand(ctx context.Context, dev, comp, capID, command string, args []any) error {
	c := call{dev, comp, capID, command, args}
	s.mu.Lock()
	s.calls = append(s.calls, c)
	fail := s.fail[command]
	s.mu.Unlock()
	if fail {
		return errors.New("rejected")
	}
	if s.onCmd != nil {
		s.onCmd(c)
	}
	return nil
}

func (s *stubCommander) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Command
	}
	return out
}

type stubCoordinator struct {
	mu        sync.Mutex
	snap      *coordinator.Snapshot
	next      *coordinator.Snapshot
	requested atomic.Int32
	refreshed atomic.Int32
}

func (s *stubCoordinator) Snapshot() *coordinator.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *stubCoordinator) RequestRefresh() { s.requested.Add(1) }

func (s *stubCoordinator) Refresh(ctx context.Context) error {
	s.refreshed.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next != nil {
		s.snap = s.next
	}
	return nil
}

// snap builds a single-device snapshot from main-component capability
// payloads.
func snap(caps map[string]any) *coordinator.Snapshot {
	return &coordinator.Snapshot{
		Devices: map[string]api.Device{"d1": {DeviceID: "d1"}},
		Status:  map[string]any{"d1": map[string]any{"components": map[string]any{"main": caps}}},
	}
}

func v(value any) map[string]any { return map[string]any{"value": value} }

func ref(capID, attr string) discovery.Ref {
	return discovery.Ref{DeviceID: "d1", ComponentID: "main", CapabilityID: capID, Attribute: attr}
}

func newRuntime(caps map[string]any, opts ...Option) (*Runtime, *stubCommander, *stubCoordinator) {
	cmd := &stubCommander{}
	coord := &stubCoordinator{snap: snap(caps)}
	return New(cmd, coord, newTestLogger(), opts...), cmd, coord
}

func TestState(t *testing.T) {
	rt, _, _ := newRuntime(map[string]any{
		"switch":              map[string]any{"switch": v("on")},
		"contactSensor":       map[string]any{"contact": v("closed")},
		"custom.level":        map[string]any{"level": v(3.0), "text": v("3")},
		"custom.mode":         map[string]any{"mode": v(2.0)},
		"temperatureMeasure":  map[string]any{"temperature": v(21.5)},
		"custom.unknownState": map[string]any{"state": v("maybe")},
	})
	tests := []struct {
		name string
		d    discovery.Descriptor
		want any
	}{
		{"sensor", discovery.Descriptor{Platform: discovery.PlatformSensor, Ref: ref("temperatureMeasure", "temperature")}, 21.5},
		{"binary closed", discovery.Descriptor{Platform: discovery.PlatformBinarySensor, Ref: ref("contactSensor", "contact")}, false},
		{"binary unknown", discovery.Descriptor{Platform: discovery.PlatformBinarySensor, Ref: ref("custom.unknownState", "state")}, nil},
		{"switch", discovery.Descriptor{Platform: discovery.PlatformSwitch, Ref: ref("switch", "switch"), Switch: &discovery.SwitchSpec{StateAttribute: "switch"}}, true},
		{"number", discovery.Descriptor{Platform: discovery.PlatformNumber, Ref: ref("custom.level", "level")}, 3.0},
		{"number from string", discovery.Descriptor{Platform: discovery.PlatformNumber, Ref: ref("custom.level", "text")}, nil},
		{"select", discovery.Descriptor{Platform: discovery.PlatformSelect, Ref: ref("custom.mode", "mode")}, "2"},
		{"select missing", discovery.Descriptor{Platform: discovery.PlatformSelect, Ref: ref("custom.mode", "other")}, nil},
		{"vacuum without state", discovery.Descriptor{Platform: discovery.PlatformVacuum, Ref: ref(discovery.VacuumCapability, "")}, ActivityIdle},
		{"button", discovery.Descriptor{Platform: discovery.PlatformButton, Ref: ref("custom.level", "")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rt.State(tt.d); got != tt.want {
				t.Errorf("State = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestSensorAttributes(t *testing.T) {
	rt, _, _ := newRuntime(map[string]any{
		"custom.report": map[string]any{"report": map[string]any{
			"value": map[string]any{
				"energy": 10.0,
				"label":  "ok",
				"long":   string(make([]byte, 120)),
				"nested": map[string]any{"x": 1.0},
			},
			"unit":      "Wh",
			"timestamp": "2025-01-01T00:00:00Z",
		}},
	})

	got := rt.Attributes(discovery.Descriptor{Platform: discovery.PlatformSensor, Ref: ref("custom.report", "report")})
	want := map[string]any{
		"device_id": "d1", "component": "main", "capability": "custom.report", "attribute": "report",
		"unit": "Wh", "timestamp": "2025-01-01T00:00:00Z", "energy": 10.0, "label": "ok",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("attributes = %v, want %v", got, want)
	}

	sub := ref("custom.report", "report")
	sub.Sub = "energy"
	got = rt.Attributes(discovery.Descriptor{Platform: discovery.PlatformSensor, Ref: sub})
	if !reflect.DeepEqual(got, map[string]any{"parent_attribute": "report", "key": "energy"}) {
		t.Errorf("sub attributes = %v", got)
	}
}

func TestWritesRequestRefresh(t *testing.T) {
	rt, cmd, coord := newRuntime(map[string]any{})
	ctx := context.Background()

	sw := discovery.Descriptor{Platform: discovery.PlatformSwitch, Ref: ref("custom.childLock", "lockState"), Switch: &discovery.SwitchSpec{
		StateAttribute: "lockState", OnCommand: "setLock", OffCommand: "setLock", OnArgs: []any{true}, OffArgs: []any{false},
	}}
	plain := discovery.Descriptor{Platform: discovery.PlatformSwitch, Ref: ref("switch", "switch"), Switch: &discovery.SwitchSpec{
		StateAttribute: "switch", OnCommand: "on", OffCommand: "off",
	}}
	button := discovery.Descriptor{Platform: discovery.PlatformButton, Ref: discovery.Ref{DeviceID: "d1", ComponentID: "main", CapabilityID: "ocf", Command: "refresh"}}
	number := discovery.Descriptor{Platform: discovery.PlatformNumber, Ref: ref("custom.level", "level"), Number: &discovery.NumberSpec{Command: "setLevel"}}
	sel := discovery.Descriptor{Platform: discovery.PlatformSelect, Ref: ref("custom.mode", "mode"), Select: &discovery.SelectSpec{Command: "setMode", Options: []string{"eco", "turbo"}}}

	steps := []func() error{
		func() error { return rt.TurnOn(ctx, sw) },
		func() error { return rt.TurnOff(ctx, sw) },
		func() error { return rt.TurnOn(ctx, plain) },
		func() error { return rt.Press(ctx, button) },
		func() error { return rt.SetNumber(ctx, number, 4.5) },
		func() error { return rt.SelectOption(ctx, sel, "turbo") },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	want := []call{
		{"d1", "main", "custom.childLock", "setLock", []any{true}},
		{"d1", "main", "custom.childLock", "setLock", []any{false}},
		{"d1", "main", "switch", "on", []any{}},
		{"d1", "main", "ocf", "refresh", []any{}},
		{"d1", "main", "custom.level", "setLevel", []any{4.5}},
		{"d1", "main", "custom.mode", "setMode", []any{"turbo"}},
	}
	if !reflect.DeepEqual(cmd.calls, want) {
		t.Errorf("calls = %v\nwant %v", cmd.calls, want)
	}
	if n := coord.requested.Load(); n != int32(len(steps)) {
		t.Errorf("refresh requests = %d, want %d", n, len(steps))
	}
}

func TestWriteErrors(t *testing.T) {
	rt, cmd, coord := newRuntime(map[string]any{})
	ctx := context.Background()
	cmd.fail = map[string]bool{"on": true}

	sw := discovery.Descriptor{Platform: discovery.PlatformSwitch, Ref: ref("switch", "switch"), Switch: &discovery.SwitchSpec{OnCommand: "on", OffCommand: "off"}}
	if err := rt.TurnOn(ctx, sw); err == nil {
		t.Error("expected command error")
	}
	if coord.requested.Load() != 0 {
		t.Error("refresh requested after failed command")
	}

	sel := discovery.Descriptor{Platform: discovery.PlatformSelect, Ref: ref("custom.mode", "mode"), Select: &discovery.SelectSpec{Command: "setMode", Options: []string{"eco"}}}
	if err := rt.SelectOption(ctx, sel, "warp"); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("err = %v, want ErrInvalidOption", err)
	}
	if err := rt.Press(ctx, sw); !errors.Is(err, ErrUnsupported) {
		t.Errorf("press on switch: err = %v, want ErrUnsupported", err)
	}
	if err := rt.SetNumber(ctx, sel, 1); !errors.Is(err, ErrUnsupported) {
		t.Errorf("set number on select: err = %v, want ErrUnsupported", err)
	}
}

func TestVacuumActivity(t *testing.T) {
	tests := []struct {
		state any
		want  string
	}{
		{nil, ActivityIdle},
		{"", ActivityIdle},
		{"error", ActivityError},
		{"wheelStuck", ActivityError},
		{"paused", ActivityPaused},
		{"returnToHome", ActivityReturning},
		{"homing", ActivityReturning},
		{"charging", ActivityDocked},
		{"docked", ActivityDocked},
		{"cleaning", ActivityCleaning},
		{"mopWashing", ActivityCleaning},
		{"drying", ActivityCleaning},
		{"sterilizing", ActivityCleaning},
		{"ready", ActivityIdle},
	}
	for _, tt := range tests {
		if got := VacuumActivity(tt.state); got != tt.want {
			t.Errorf("VacuumActivity(%v) = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestVacuumAttributes(t *testing.T) {
	rt, _, _ := newRuntime(map[string]any{
		discovery.VacuumCapability: map[string]any{
			"operatingState": v("cleaning"),
			"cleaningStep":   v(nil),
			"homingReason":   v("none"),
		},
		"battery": map[string]any{"battery": v(87.0)},
	})
	d := discovery.Descriptor{Platform: discovery.PlatformVacuum, Ref: ref(discovery.VacuumCapability, "")}
	got := rt.Attributes(d)
	want := map[string]any{"operating_state": "cleaning", "homing_reason": "none", "battery_level": 87}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("attributes = %v, want %v", got, want)
	}
	if rt.State(d) != ActivityCleaning {
		t.Errorf("state = %v", rt.State(d))
	}
}

func TestVacuumFallbacks(t *testing.T) {
	d := discovery.Descriptor{Platform: discovery.PlatformVacuum, Ref: ref(discovery.VacuumCapability, "")}
	ctx := context.Background()

	tests := []struct {
		name    string
		action  string
		fail    map[string]bool
		want    []string
		wantErr bool
	}{
		{"stop first succeeds", VacuumStop, nil, []string{"cancelRemainingJob"}, false},
		{"stop falls back", VacuumStop, map[string]bool{"cancelRemainingJob": true, "stop": true}, []string{"cancelRemainingJob", "stop", "cancel"}, false},
		{"stop all fail", VacuumStop, map[string]bool{"cancelRemainingJob": true, "stop": true, "cancel": true, "setOperatingState": true},
			[]string{"cancelRemainingJob", "stop", "cancel", "setOperatingState"}, true},
		{"return", VacuumReturnToBase, map[string]bool{"returnToHome": true}, []string{"returnToHome", "return_to_home"}, false},
		{"start", VacuumStart, nil, []string{"start"}, false},
		{"pause fails", VacuumPause, map[string]bool{"pause": true}, []string{"pause"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, cmd, coord := newRuntime(map[string]any{})
			cmd.fail = tt.fail
			err := rt.Vacuum(ctx, d, tt.action)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := cmd.commands(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("commands = %v, want %v", got, tt.want)
			}
			if coord.requested.Load() != 1 {
				t.Errorf("refresh requests = %d, want 1", coord.requested.Load())
			}
		})
	}

	rt, _, _ := newRuntime(map[string]any{})
	if err := rt.Vacuum(ctx, d, "dance"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("unknown action: err = %v", err)
	}
}

func TestLatestFileID(t *testing.T) {
	tests := []struct {
		name     string
		contents any
		want     string
	}{
		{"file ids", []any{map[string]any{"fileId": "aaa"}, map[string]any{"fileId": "bbb"}}, "bbb"},
		{"id fallback", []any{map[string]any{"id": "only-id-field"}}, "only-id-field"},
		{"strings", []any{"file-str-1", "file-str-2"}, "file-str-2"},
		{"empty list", []any{}, ""},
		{"not a list", "nope", ""},
		{"no id", []any{map[string]any{"name": "x"}}, ""},
		{"numeric item", []any{42.0}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capStatus := map[string]any{"contents": v(tt.contents)}
			if got := LatestFileID(capStatus); got != tt.want {
				t.Errorf("LatestFileID = %q, want %q", got, tt.want)
			}
		})
	}
	if got := LatestFileID(map[string]any{}); got != "" {
		t.Errorf("missing attribute = %q", got)
	}
	if got := LatestFileID(map[string]any{"contents": "raw"}); got != "" {
		t.Errorf("payload not an object = %q", got)
	}
}

func TestCameraAttributes(t *testing.T) {
	viewInside := discovery.Descriptor{Platform: discovery.PlatformCamera, Ref: ref(discovery.ViewInsideCapability, "contents"),
		Camera: &discovery.CameraSpec{Strategy: discovery.CameraViewInside}}
	capture := discovery.Descriptor{Platform: discovery.PlatformCamera, Ref: ref(discovery.ImageCaptureCapability, "image"),
		Camera: &discovery.CameraSpec{Strategy: discovery.CameraImageCapture}}
	generic := discovery.Descriptor{Platform: discovery.PlatformCamera, Ref: ref("custom.snap", "image"),
		Camera: &discovery.CameraSpec{Strategy: discovery.CameraURL}}

	rt, _, _ := newRuntime(map[string]any{
		discovery.ViewInsideCapability: map[string]any{"contents": v([]any{
			map[string]any{"fileId": "a"}, map[string]any{"fileId": "b"}, map[string]any{"fileId": "file/with+chars"},
		})},
		discovery.ImageCaptureCapability: map[string]any{
			"image":       v("https://img.example.com/photo.jpg"),
			"captureTime": v("2025-06-15T10:30:00Z"),
		},
		"custom.snap": map[string]any{"image": v("http://cam.local/x.jpg")},
	})

	got := rt.Attributes(viewInside)
	if got["total_images"] != 3 || got["latest_file_id"] != "file/with+chars" {
		t.Errorf("viewInside attributes = %v", got)
	}
	if u := rt.CameraURL(viewInside); u != FileLinkURL+"file/with+chars" {
		t.Errorf("viewInside url = %q", u)
	}

	got = rt.Attributes(capture)
	if got["capture_time"] != "2025-06-15T10:30:00Z" || got["image_url"] != "https://img.example.com/photo.jpg" {
		t.Errorf("imageCapture attributes = %v", got)
	}

	got = rt.Attributes(generic)
	want := map[string]any{"image_url": "http://cam.local/x.jpg", "device_id": "d1", "component": "main", "capability": "custom.snap"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("generic attributes = %v, want %v", got, want)
	}

	empty, _, _ := newRuntime(map[string]any{
		discovery.ViewInsideCapability:   map[string]any{"contents": v([]any{})},
		discovery.ImageCaptureCapability: map[string]any{"image": v(nil)},
	})
	got = empty.Attributes(viewInside)
	if _, ok := got["latest_file_id"]; ok || got["total_images"] != 0 {
		t.Errorf("empty viewInside attributes = %v", got)
	}
	got = empty.Attributes(capture)
	if u, ok := got["image_url"]; !ok || u != nil {
		t.Errorf("image_url = %v, %v; want present and nil", u, ok)
	}
	if _, ok := got["capture_time"]; ok {
		t.Error("capture_time present without captureTime")
	}
}

func TestImageCaptureTakesRefreshesAndDownloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/new.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("JPEG"))
	}))
	defer srv.Close()

	d := discovery.Descriptor{Platform: discovery.PlatformCamera, Ref: ref(discovery.ImageCaptureCapability, "image"),
		Camera: &discovery.CameraSpec{Strategy: discovery.CameraImageCapture}}

	rt, cmd, coord := newRuntime(map[string]any{
		discovery.ImageCaptureCapability: map[string]any{"image": v(srv.URL + "/old.jpg")},
	}, WithHTTPClient(srv.Client()), WithSettleDelay(time.Millisecond))
	coord.next = snap(map[string]any{
		discovery.ImageCaptureCapability: map[string]any{"image": v(srv.URL + "/new.jpg")},
	})

	data, err := rt.CameraImage(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "JPEG" {
		t.Errorf("image = %q", data)
	}
	if got := cmd.commands(); !reflect.DeepEqual(got, []string{"take"}) {
		t.Errorf("commands = %v", got)
	}
	if coord.refreshed.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", coord.refreshed.Load())
	}
}

func TestCameraImageErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	generic := discovery.Descriptor{Platform: discovery.PlatformCamera, Ref: ref("custom.snap", "image"),
		Camera: &discovery.CameraSpec{Strategy: discovery.CameraURL}}
	viewInside := discovery.Descriptor{Platform: discovery.PlatformCamera, Ref: ref(discovery.ViewInsideCapability, "contents"),
		Camera: &discovery.CameraSpec{Strategy: discovery.CameraViewInside}}

	rt, _, _ := newRuntime(map[string]any{
		"custom.snap":                  map[string]any{"image": v(srv.URL + "/x.jpg")},
		discovery.ViewInsideCapability: map[string]any{"contents": v([]any{})},
	}, WithHTTPClient(srv.Client()))

	if _, err := rt.CameraImage(context.Background(), generic); err == nil {
		t.Error("expected error for 403")
	}
	if _, err := rt.CameraImage(context.Background(), viewInside); !errors.Is(err, ErrNoImage) {
		t.Errorf("err = %v, want ErrNoImage", err)
	}
	if _, err := rt.CameraImage(context.Background(), discovery.Descriptor{Platform: discovery.PlatformSensor}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}
