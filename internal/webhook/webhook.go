// Package webhook ingests pushed lifecycle callbacks (PING, CONFIRMATION,
// EVENT) and applies device events directly to coordinator snapshots.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"smartthings-go-home/internal/coordinator"
	"smartthings-go-home/internal/status"
)

const (
	idPrefix       = "smartthings_dynamic_"
	idLength       = 32
	maxBodyBytes   = 1 << 20
	confirmTimeout = 10 * time.Second
)

// Lifecycle values.
const (
	LifecyclePing         = "PING"
	LifecycleConfirmation = "CONFIRMATION"
	LifecycleEvent        = "EVENT"
)

const deviceEventType = "DEVICE_EVENT"

// WebhookID derives the stable opaque webhook id for a registration.
func WebhookID(registration string) string {
	sum := sha256.Sum256([]byte(idPrefix + registration))
	return hex.EncodeToString(sum[:])[:idLength]
}

// Patcher is a coordinator that accepts pushed attribute changes.
type Patcher interface {
	PatchAttributes(events []coordinator.AttributeEvent) bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithHTTPClient sets the client used for confirmation callbacks.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) {
		h.http = c
	}
}

// Handler serves the push endpoint for one webhook id. It holds no state of
// its own; events are applied to whatever coordinators targets returns at
// request time.
type Handler struct {
	targets func() []Patcher
	http    *http.Client
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewHandler creates a Handler.
func NewHandler(targets func() []Patcher, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		targets: targets,
		http:    &http.Client{Timeout: confirmTimeout},
		logger:  logger.With("component", "webhook"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Wait blocks until pending confirmation callbacks have finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body == nil {
		h.logger.Warn("invalid webhook body", "err", err)
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	lifecycle, _ := body["lifecycle"].(string)
	switch strings.ToUpper(lifecycle) {
	case LifecyclePing:
		ping, _ := body["pingData"].(map[string]any)
		challenge, ok := ping["challenge"]
		if !ok {
			challenge = ""
		}
		h.logger.Debug("ping", "challenge", challenge)
		writeJSON(w, http.StatusOK, map[string]any{"pingData": map[string]any{"challenge": challenge}})

	case LifecycleConfirmation:
		conf, _ := body["confirmationData"].(map[string]any)
		if u, _ := conf["confirmationUrl"].(string); u != "" {
			h.confirm(u)
		} else {
			h.logger.Warn("confirmation without url")
		}
		w.WriteHeader(http.StatusOK)

	case LifecycleEvent:
		eventData, _ := body["eventData"].(map[string]any)
		items, _ := eventData["events"].([]any)
		h.applyEvents(parseEvents(items))
		w.WriteHeader(http.StatusOK)

	default:
		h.logger.Debug("ignoring lifecycle", "lifecycle", lifecycle)
		w.WriteHeader(http.StatusOK)
	}
}

// confirm fetches the activation URL in the background. Failures are only
// logged.
func (h *Handler) confirm(u string) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), confirmTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			h.logger.Warn("confirmation request", "err", err)
			return
		}
		resp, err := h.http.Do(req)
		if err != nil {
			h.logger.Warn("confirmation failed", "err", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			h.logger.Warn("confirmation rejected", "status", resp.StatusCode)
			return
		}
		h.logger.Info("webhook confirmed")
	}()
}

// parseEvents keeps well-formed device events and drops the rest.
func parseEvents(items []any) []coordinator.AttributeEvent {
	var out []coordinator.AttributeEvent
	for _, item := range items {
		ev, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := ev["eventType"].(string); t != deviceEventType {
			continue
		}
		dev, ok := ev["deviceEvent"].(map[string]any)
		if !ok {
			continue
		}
		deviceID, _ := dev["deviceId"].(string)
		capability, _ := dev["capability"].(string)
		attribute, _ := dev["attribute"].(string)
		if deviceID == "" || capability == "" || attribute == "" {
			continue
		}
		component, _ := dev["componentId"].(string)
		if component == "" {
			component = status.MainComponent
		}
		out = append(out, coordinator.AttributeEvent{
			DeviceID:     deviceID,
			ComponentID:  component,
			CapabilityID: capability,
			Attribute:    attribute,
			Value:        dev["value"],
		})
	}
	return out
}

func (h *Handler) applyEvents(events []coordinator.AttributeEvent) {
	if len(events) == 0 {
		return
	}
	updated := 0
	for _, target := range h.targets() {
		if target.PatchAttributes(events) {
			updated++
		}
	}
	h.logger.Debug("device events applied", "events", len(events), "coordinators", updated)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
