package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/oauth2"

	"smartthings-go-home/internal/api"
)

var (
	bucketEntities     = []byte("entities")
	bucketCapabilities = []byte("capabilities")
	bucketTokens       = []byte("tokens")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntities, bucketCapabilities, bucketTokens} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveEntity(ent *Entity) error {
	if ent.UniqueID == "" {
		return fmt.Errorf("save entity: empty unique id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketEntities)
		}
		data, err := json.Marshal(ent)
		if err != nil {
			return err
		}
		return b.Put([]byte(ent.StorageKey()), data)
	})
}

func (s *BoltStore) GetEntity(key string) (*Entity, error) {
	var ent Entity
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketEntities)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("entity %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &ent)
	})
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

func (s *BoltStore) UpdateEntity(key string, fn func(ent *Entity) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketEntities)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("entity %s: %w", key, ErrNotFound)
		}
		var ent Entity
		if err := json.Unmarshal(data, &ent); err != nil {
			return err
		}
		if err := fn(&ent); err != nil {
			return err
		}
		out, err := json.Marshal(&ent)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), out)
	})
}

func (s *BoltStore) DeleteEntity(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketEntities)
		}
		return b.Delete([]byte(key))
	})
}

// ListEntities returns the entities registered for an account, or every
// entity when accountID is empty.
func (s *BoltStore) ListEntities(accountID string) ([]*Entity, error) {
	var entities []*Entity
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		if b == nil {
			return nil // no bucket = no entities
		}
		entities = make([]*Entity, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var ent Entity
			if err := json.Unmarshal(v, &ent); err != nil {
				return fmt.Errorf("entity %s: %w", k, err)
			}
			if accountID != "" && ent.AccountID != accountID {
				return nil
			}
			entities = append(entities, &ent)
			return nil
		})
	})
	return entities, err
}

func capabilityKey(id string, version int) []byte {
	return []byte(id + "/" + strconv.Itoa(version))
}

func (s *BoltStore) GetCapabilityDefinition(id string, version int) (*api.CapabilityDefinition, error) {
	var def api.CapabilityDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCapabilities)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCapabilities)
		}
		data := b.Get(capabilityKey(id, version))
		if data == nil {
			return fmt.Errorf("capability %s/%d: %w", id, version, ErrNotFound)
		}
		return json.Unmarshal(data, &def)
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *BoltStore) SaveCapabilityDefinition(def *api.CapabilityDefinition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCapabilities)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCapabilities)
		}
		data, err := json.Marshal(def)
		if err != nil {
			return err
		}
		return b.Put(capabilityKey(def.ID, def.Version), data)
	})
}

// CapabilityCount returns the number of persisted capability definitions.
func (s *BoltStore) CapabilityCount() int {
	n := 0
	s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketCapabilities); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n
}

func (s *BoltStore) SaveToken(accountID string, tok *oauth2.Token) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTokens)
		}
		data, err := json.Marshal(tokenStorage{
			AccessToken:  tok.AccessToken,
			TokenType:    tok.TokenType,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
		})
		if err != nil {
			return err
		}
		// Skip the write when nothing changed; token sources call this on
		// every request.
		if bytes.Equal(b.Get([]byte(accountID)), data) {
			return nil
		}
		return b.Put([]byte(accountID), data)
	})
}

func (s *BoltStore) GetToken(accountID string) (*oauth2.Token, error) {
	var st tokenStorage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTokens)
		}
		data := b.Get([]byte(accountID))
		if data == nil {
			return fmt.Errorf("token %s: %w", accountID, ErrNotFound)
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  st.AccessToken,
		TokenType:    st.TokenType,
		RefreshToken: st.RefreshToken,
		Expiry:       st.Expiry,
	}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
