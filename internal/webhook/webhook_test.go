package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"smartthings-go-home/internal/api"
	"smartthings-go-home/internal/coordinator"
	"smartthings-go-home/internal/status"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingPatcher struct {
	calls  int
	events []coordinator.AttributeEvent
	accept bool
}

func (p *recordingPatcher) PatchAttributes(events []coordinator.AttributeEvent) bool {
	p.calls++
	p.events = append(p.events, events...)
	return p.accept
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/abc", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookID(t *testing.T) {
	a := WebhookID("entry-1")
	if len(a) != 32 {
		t.Fatalf("len = %d, want 32", len(a))
	}
	if a != WebhookID("entry-1") {
		t.Error("id not stable")
	}
	if a == WebhookID("entry-2") {
		t.Error("different registrations share an id")
	}
	for _, r := range a {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Fatalf("id %q is not lower-case hex", a)
		}
	}
}

func TestPing(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"challenge", `{"lifecycle":"PING","pingData":{"challenge":"abc"}}`, `{"pingData":{"challenge":"abc"}}`},
		{"lower case lifecycle", `{"lifecycle":"ping","pingData":{"challenge":"xyz"}}`, `{"pingData":{"challenge":"xyz"}}`},
		{"missing challenge", `{"lifecycle":"PING","pingData":{}}`, `{"pingData":{"challenge":""}}`},
		{"missing pingData", `{"lifecycle":"PING"}`, `{"pingData":{"challenge":""}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(func() []Patcher { return nil }, newTestLogger())
			rec := post(t, h, tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tt.want {
				t.Errorf("body = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConfirmation(t *testing.T) {
	var hits atomic.Int32
	confirmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer confirmSrv.Close()

	h := NewHandler(func() []Patcher { return nil }, newTestLogger(), WithHTTPClient(confirmSrv.Client()))
	body, _ := json.Marshal(map[string]any{
		"lifecycle":        "CONFIRMATION",
		"confirmationData": map[string]any{"confirmationUrl": confirmSrv.URL + "/confirm"},
	})
	rec := post(t, h, string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	h.Wait()
	if hits.Load() != 1 {
		t.Errorf("confirmation hits = %d, want 1", hits.Load())
	}
}

func TestConfirmationFailureStillSucceeds(t *testing.T) {
	confirmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	confirmSrv.Close() // unreachable

	h := NewHandler(func() []Patcher { return nil }, newTestLogger())
	rec := post(t, h, `{"lifecycle":"CONFIRMATION","confirmationData":{"confirmationUrl":"`+confirmSrv.URL+`"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = post(t, h, `{"lifecycle":"CONFIRMATION"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status without url = %d", rec.Code)
	}
	h.Wait()
}

func TestMalformedBody(t *testing.T) {
	p := &recordingPatcher{accept: true}
	h := NewHandler(func() []Patcher { return []Patcher{p} }, newTestLogger())
	for _, body := range []string{`not json`, `[1,2]`, `null`, ``} {
		if rec := post(t, h, body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
	if p.calls != 0 {
		t.Error("malformed body reached a coordinator")
	}
}

func TestUnknownLifecycle(t *testing.T) {
	p := &recordingPatcher{accept: true}
	h := NewHandler(func() []Patcher { return []Patcher{p} }, newTestLogger())
	for _, body := range []string{`{"lifecycle":"INSTALL"}`, `{}`, `{"lifecycle":42}`} {
		rec := post(t, h, body)
		if rec.Code != http.StatusOK {
			t.Errorf("body %s: status = %d, want 200", body, rec.Code)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("body %s: response %q, want empty", body, rec.Body.String())
		}
	}
	if p.calls != 0 {
		t.Error("unknown lifecycle reached a coordinator")
	}
}

const eventBody = `{
	"lifecycle": "EVENT",
	"eventData": {"events": [
		{"eventType": "DEVICE_EVENT", "deviceEvent": {"deviceId": "d1", "componentId": "main", "capability": "temperatureMeasurement", "attribute": "temperature", "value": 25}},
		{"eventType": "DEVICE_EVENT", "deviceEvent": {"deviceId": "d1", "capability": "switch", "attribute": "switch", "value": "on"}},
		{"eventType": "DEVICE_EVENT", "deviceEvent": {"deviceId": "d1", "capability": "switch"}},
		{"eventType": "DEVICE_LIFECYCLE_EVENT", "deviceEvent": {"deviceId": "d1", "capability": "switch", "attribute": "switch", "value": "off"}},
		{"eventType": "DEVICE_EVENT", "deviceEvent": {"deviceId": "other", "capability": "switch", "attribute": "switch", "value": "off"}},
		"garbage"
	]}
}`

func TestEventBatchFiltersAndPatchesOncePerCoordinator(t *testing.T) {
	a := &recordingPatcher{accept: true}
	b := &recordingPatcher{accept: false}
	h := NewHandler(func() []Patcher { return []Patcher{a, b} }, newTestLogger())

	rec := post(t, h, eventBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls = %d, %d; want one batch per coordinator", a.calls, b.calls)
	}
	if len(a.events) != 3 {
		t.Fatalf("events = %d, want 3", len(a.events))
	}
	if a.events[1].ComponentID != "main" {
		t.Errorf("default component = %q, want main", a.events[1].ComponentID)
	}
}

type stubClient struct {
	statuses map[string]any
}

func (s *stubClient) ListDevices(ctx context.Context) (map[string]api.Device, error) {
	out := make(map[string]api.Device)
	for id := range s.statuses {
		out[id] = api.Device{DeviceID: id}
	}
	return out, nil
}

func (s *stubClient) GetStatus(ctx context.Context, id string) (any, error) {
	return s.statuses[id], nil
}

func TestEventMergesIntoCoordinators(t *testing.T) {
	bus := coordinator.NewEventBus(newTestLogger())
	var notified atomic.Int32
	bus.On(coordinator.EventSnapshotUpdated, func(e coordinator.Event) {
		if e.Account == "home" {
			notified.Add(1)
		}
	})

	home := coordinator.New(&stubClient{statuses: map[string]any{
		"d1": map[string]any{"components": map[string]any{"main": map[string]any{
			"temperatureMeasurement": map[string]any{
				"temperature": map[string]any{"value": 20.0, "unit": "C", "timestamp": "t0"},
			},
		}}},
	}}, coordinator.Options{AccountID: "home"}, bus, newTestLogger())
	cabin := coordinator.New(&stubClient{statuses: map[string]any{
		"c1": map[string]any{"components": map[string]any{}},
	}}, coordinator.Options{AccountID: "cabin"}, bus, newTestLogger())

	for _, c := range []*coordinator.Coordinator{home, cabin} {
		if err := c.Refresh(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	notified.Store(0)
	cabinBefore := cabin.Snapshot()

	h := NewHandler(func() []Patcher { return []Patcher{home, cabin} }, newTestLogger())
	if rec := post(t, h, eventBody); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	snap := home.Snapshot()
	temp := status.AttributePayload(snap.CapabilityStatus("d1", "main", "temperatureMeasurement"), "temperature")
	if temp["value"] != 25.0 || temp["unit"] != "C" || temp["timestamp"] != "t0" {
		t.Errorf("temperature = %v, want value replaced and siblings kept", temp)
	}
	sw := status.AttributePayload(snap.CapabilityStatus("d1", "main", "switch"), "switch")
	if len(sw) != 1 || sw["value"] != "on" {
		t.Errorf("switch = %v, want {value: on}", sw)
	}
	if _, ok := snap.Status["other"]; ok {
		t.Error("unknown device created")
	}
	if notified.Load() != 1 {
		t.Errorf("home notifications = %d, want 1", notified.Load())
	}
	if cabin.Snapshot() != cabinBefore {
		t.Error("coordinator without the device was republished")
	}
}
