// Package account holds the configured cloud accounts and routes commands
// and pushed events to the right one.
package account

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"smartthings-go-home/internal/api"
	"smartthings-go-home/internal/coordinator"
	"smartthings-go-home/internal/discovery"
	"smartthings-go-home/internal/entity"
	"smartthings-go-home/internal/webhook"
)

var (
	// ErrUnknownAccount is returned when no account matches a selector.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrAmbiguousAccount is returned when no selector is given and more
	// than one account is configured.
	ErrAmbiguousAccount = errors.New("several accounts configured, account id required")
)

// Client is the part of the cloud API an account issues commands through.
type Client interface {
	ExecuteCommand(ctx context.Context, deviceID, component, capability, command string, args []any) error
	CapabilityDefinition(ctx context.Context, id string, version int) (*api.CapabilityDefinition, error)
}

// Account is one configured cloud account and the components serving it.
type Account struct {
	ID          string
	Client      Client
	Coordinator *coordinator.Coordinator
	Engine      *discovery.Engine
	Runtime     *entity.Runtime
	// WebhookID is empty when push events are not enabled for the account.
	WebhookID string
}

// Registry is the set of accounts, built once at startup and shared by
// reference.
type Registry struct {
	mu        sync.RWMutex
	accounts  map[string]*Account
	webhooks  map[string]*Account
	validator *validator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		accounts:  make(map[string]*Account),
		webhooks:  make(map[string]*Account),
		validator: newValidator(),
	}
}

// Add registers an account. Account ids must be unique.
func (r *Registry) Add(a *Account) error {
	if a == nil || a.ID == "" {
		return errors.New("account id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[a.ID]; ok {
		return fmt.Errorf("account %q already registered", a.ID)
	}
	r.accounts[a.ID] = a
	if a.WebhookID != "" {
		r.webhooks[a.WebhookID] = a
	}
	return nil
}

// Get returns the account with the given id.
func (r *Registry) Get(id string) (*Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	return a, ok
}

// All returns every account, ordered by id.
func (r *Registry) All() []*Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByWebhookID returns the account a push endpoint belongs to.
func (r *Registry) ByWebhookID(id string) (*Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.webhooks[id]
	return a, ok
}

// Resolve picks the account a request is meant for. An empty selector
// is accepted only when exactly one account is configured.
func (r *Registry) Resolve(selector string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if selector != "" {
		if a, ok := r.accounts[selector]; ok {
			return a, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, selector)
	}
	switch len(r.accounts) {
	case 0:
		return nil, ErrUnknownAccount
	case 1:
		for _, a := range r.accounts {
			return a, nil
		}
	}
	return nil, ErrAmbiguousAccount
}

// Targets returns the coordinators that pushed events for webhookID are
// applied to: every registered coordinator, since accounts may share
// devices and each coordinator ignores devices it does not track. Nothing
// is returned once no account owns webhookID. The result is re-evaluated on
// every call, so accounts added later are picked up.
func (r *Registry) Targets(webhookID string) func() []webhook.Patcher {
	return func() []webhook.Patcher {
		if _, ok := r.ByWebhookID(webhookID); !ok {
			return nil
		}
		var out []webhook.Patcher
		for _, a := range r.All() {
			if a.Coordinator != nil {
				out = append(out, a.Coordinator)
			}
		}
		return out
	}
}

// Entity finds a discovered entity in any account.
func (r *Registry) Entity(platform, uniqueID string) (*Account, discovery.Descriptor, bool) {
	for _, a := range r.All() {
		if a.Engine == nil {
			continue
		}
		if d, ok := a.Engine.Entity(platform, uniqueID); ok {
			return a, d, true
		}
	}
	return nil, discovery.Descriptor{}, false
}

// Entities lists the discovered entities of every account.
func (r *Registry) Entities() []discovery.Descriptor {
	var out []discovery.Descriptor
	for _, a := range r.All() {
		if a.Engine != nil {
			out = append(out, a.Engine.Entities()...)
		}
	}
	return out
}
