//go:build !no_mqtt

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"smartthings-go-home/internal/account"
	"smartthings-go-home/internal/coordinator"
	"smartthings-go-home/internal/discovery"
	"smartthings-go-home/internal/entity"
)

const commandTimeout = 30 * time.Second

// ErrUnknownEntity is returned for commands addressed to an entity the
// bridge has not published.
var ErrUnknownEntity = errors.New("unknown entity")

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
}

type entityRef struct {
	account string
	desc    discovery.Descriptor
}

// Bridge publishes discovered entities to MQTT with HA autodiscovery and
// routes command topics back to the entity runtime.
type Bridge struct {
	client          pahomqtt.Client
	reg             *account.Registry
	bus             *coordinator.EventBus
	prefix          string
	discoveryPrefix string
	logger          *slog.Logger
	unsub           func()
	ctx             context.Context
	cancel          context.CancelFunc

	mu       sync.Mutex
	entities map[string]entityRef // "<platform>/<object>" -> entity
	last     map[string]string    // topic -> last published payload
}

func newBridge(reg *account.Registry, bus *coordinator.EventBus, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		reg:             reg,
		bus:             bus,
		prefix:          cfg.TopicPrefix,
		discoveryPrefix: cfg.DiscoveryPrefix,
		logger:          logger.With("component", "mqtt"),
		entities:        make(map[string]entityRef),
		last:            make(map[string]string),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(reg *account.Registry, bus *coordinator.EventBus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(reg, bus, cfg, logger)
	if cfg.ClientID == "" {
		cfg.ClientID = "smartthings-go-home"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.resetCache()
			b.publishAll()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator and discovery events.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventEntitiesDiscovered:
		descs, ok := event.Data.([]discovery.Descriptor)
		if !ok {
			return
		}
		b.track(event.Account, descs)
		b.publishEntities(event.Account, descs)
	case coordinator.EventSnapshotUpdated:
		a, ok := b.reg.Get(event.Account)
		if !ok || a.Engine == nil {
			return
		}
		b.publishStates(a, a.Engine.Entities())
	}
}

// track indexes entities by their command topic key.
func (b *Bridge) track(accountID string, descs []discovery.Descriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range descs {
		b.entities[d.Platform+"/"+objectID(d)] = entityRef{account: accountID, desc: d}
	}
}

func (b *Bridge) lookup(platform, object string) (entityRef, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref, ok := b.entities[platform+"/"+object]
	return ref, ok
}

func (b *Bridge) resetCache() {
	b.mu.Lock()
	b.last = make(map[string]string)
	b.mu.Unlock()
}

func (b *Bridge) publishAll() {
	for _, a := range b.reg.All() {
		if a.Engine == nil {
			continue
		}
		descs := a.Engine.Entities()
		b.track(a.ID, descs)
		b.publishEntities(a.ID, descs)
	}
}

func (b *Bridge) publishEntities(accountID string, descs []discovery.Descriptor) {
	a, ok := b.reg.Get(accountID)
	if !ok || a.Runtime == nil {
		return
	}
	for _, d := range descs {
		var reading discovery.SensorReading
		if d.Platform == discovery.PlatformSensor {
			reading = a.Runtime.Reading(d)
		}
		msg := buildDiscovery(d, reading, b.prefix, b.discoveryPrefix)
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publishStates(a, descs)
	b.logger.Info("published HA discovery", "account", accountID, "entities", len(descs))
}

// publishStates publishes state and attributes of descs, skipping topics
// whose payload did not change since the last publication.
func (b *Bridge) publishStates(a *account.Account, descs []discovery.Descriptor) {
	if a.Runtime == nil {
		return
	}
	for _, d := range descs {
		for _, m := range stateMessages(a.Runtime, d, b.prefix) {
			if b.changed(m.Topic, m.Payload) {
				b.publish(m.Topic, m.Payload, true)
			}
		}
	}
}

func (b *Bridge) changed(topic string, payload []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.last[topic]; ok && prev == string(payload) {
		return false
	}
	b.last[topic] = string(payload)
	return true
}

// stateMessages renders the state and attribute messages of one entity.
// Buttons carry no state.
func stateMessages(rt *entity.Runtime, d discovery.Descriptor, prefix string) []discoveryMsg {
	if d.Platform == discovery.PlatformButton {
		return nil
	}
	var state any
	if rt.Available(d) {
		state = rt.State(d)
	}
	return []discoveryMsg{
		{Topic: stateTopic(prefix, d), Payload: encodeState(state)},
		{Topic: attributesTopic(prefix, d), Payload: mustJSON(rt.Attributes(d))},
	}
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		defer cancel()
		if err := b.handleCommand(ctx, msg.Topic(), msg.Payload()); err != nil {
			b.logger.Warn("command failed", "topic", msg.Topic(), "err", err)
		}
	})
}

// handleCommand routes a command topic payload to the entity runtime.
func (b *Bridge) handleCommand(ctx context.Context, topic string, payload []byte) error {
	platform, object, ok := parseCommandTopic(b.prefix, topic)
	if !ok {
		return fmt.Errorf("malformed command topic %q", topic)
	}
	ref, ok := b.lookup(platform, object)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownEntity, platform, object)
	}
	a, ok := b.reg.Get(ref.account)
	if !ok || a.Runtime == nil {
		return fmt.Errorf("%w: %s", account.ErrUnknownAccount, ref.account)
	}
	rt, d := a.Runtime, ref.desc
	value := strings.TrimSpace(string(payload))

	switch d.Platform {
	case discovery.PlatformSwitch:
		switch strings.ToUpper(value) {
		case payloadOn:
			return rt.TurnOn(ctx, d)
		case payloadOff:
			return rt.TurnOff(ctx, d)
		}
		return fmt.Errorf("switch payload %q", value)
	case discovery.PlatformButton:
		return rt.Press(ctx, d)
	case discovery.PlatformNumber:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("number payload %q: %w", value, err)
		}
		return rt.SetNumber(ctx, d, f)
	case discovery.PlatformSelect:
		return rt.SelectOption(ctx, d, value)
	case discovery.PlatformVacuum:
		return rt.Vacuum(ctx, d, value)
	}
	return entity.ErrUnsupported
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
