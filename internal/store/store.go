package store

import (
	"errors"

	"golang.org/x/oauth2"

	"smartthings-go-home/internal/api"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Entity registrations, keyed by EntityKey(platform, unique id).
	SaveEntity(ent *Entity) error
	GetEntity(key string) (*Entity, error)
	DeleteEntity(key string) error
	ListEntities(accountID string) ([]*Entity, error)

	// UpdateEntity atomically reads, modifies, and saves an entity in a single
	// transaction. Returns ErrNotFound if the entity does not exist.
	UpdateEntity(key string, fn func(ent *Entity) error) error

	// Capability definitions, keyed by (id, version). Satisfies api.DefinitionStore.
	GetCapabilityDefinition(id string, version int) (*api.CapabilityDefinition, error)
	SaveCapabilityDefinition(def *api.CapabilityDefinition) error

	// OAuth tokens per account.
	SaveToken(accountID string, tok *oauth2.Token) error
	GetToken(accountID string) (*oauth2.Token, error)

	// Close the store
	Close() error
}
