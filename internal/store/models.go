package store

import (
	"encoding/json"
	"time"
)

// Entity is a persisted entity registration. It lets discovery restore its
// dedup sets after a restart so unique ids stay stable and nothing is
// registered twice.
type Entity struct {
	UniqueID        string          `json:"unique_id"`
	AccountID       string          `json:"account_id"`
	Platform        string          `json:"platform"`
	Key             string          `json:"key"`
	DeviceID        string          `json:"device_id"`
	Component       string          `json:"component"`
	Capability      string          `json:"capability"`
	Attribute       string          `json:"attribute,omitempty"`
	Sub             string          `json:"sub,omitempty"`
	Command         string          `json:"command,omitempty"`
	Name            string          `json:"name"`
	DisabledDefault bool            `json:"disabled_default,omitempty"`
	Descriptor      json.RawMessage `json:"descriptor,omitempty"`
	RegisteredAt    time.Time       `json:"registered_at"`
	LastSeen        time.Time       `json:"last_seen"`
}

// StorageKey returns the bucket key for the entity. Unique ids are scoped
// per platform, so the platform is part of the key.
func (e *Entity) StorageKey() string {
	return EntityKey(e.Platform, e.UniqueID)
}

// EntityKey builds the storage key for a platform and unique id.
func EntityKey(platform, uniqueID string) string {
	return platform + "/" + uniqueID
}

// tokenStorage is the on-disk form of an oauth2 token.
type tokenStorage struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}
