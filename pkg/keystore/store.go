// Package keystore caches trusted plugin-signer public keys, backed by
// go.etcd.io/bbolt, seeded from a trusted_keys.json file (spec.md §4.6:
// "Trusted keys are loaded from an injected credential store ... falling
// back to a static trusted_keys.json").
package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.etcd.io/bbolt"
)

var bucketName = []byte("trusted_signer_keys")

// fileEntry is one record in trusted_keys.json.
type fileEntry struct {
	KeyID     string `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

type fileFormat struct {
	Keys []fileEntry `json:"keys"`
}

// Store is the trusted-key cache. The set of trusted keys is cached in
// memory and in bbolt; Reset invalidates both (spec.md §5, Shared
// Resources).
type Store struct {
	mu           sync.RWMutex
	db           *bbolt.DB
	fallbackPath string
	cache        map[string][]byte
}

// Open opens (creating if absent) the bbolt database at dbPath and seeds
// the in-memory cache from fallbackPath, if it exists.
func Open(dbPath, fallbackPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize keystore bucket: %w", err)
	}

	s := &Store{db: db, fallbackPath: fallbackPath, cache: make(map[string][]byte)}
	if err := s.loadFallback(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadFallback() error {
	if s.fallbackPath == "" {
		return nil
	}
	raw, err := os.ReadFile(s.fallbackPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read trusted_keys.json: %w", err)
	}

	var parsed fileFormat
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse trusted_keys.json: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range parsed.Keys {
		s.cache[entry.KeyID] = []byte(entry.PublicKey)
	}
	return nil
}

// TrustedKey returns the public key material for keyID, checking the
// in-memory cache, then bbolt, then the trusted_keys.json fallback (already
// loaded into the cache at Open time).
func (s *Store) TrustedKey(keyID string) ([]byte, bool, error) {
	s.mu.RLock()
	if key, ok := s.cache[keyID]; ok {
		s.mu.RUnlock()
		return key, true, nil
	}
	s.mu.RUnlock()

	var key []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		value := bucket.Get([]byte(keyID))
		if value != nil {
			key = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if key == nil {
		return nil, false, nil
	}

	s.mu.Lock()
	s.cache[keyID] = key
	s.mu.Unlock()

	return key, true, nil
}

// PutTrustedKey persists a trusted key, updating both bbolt and the cache.
func (s *Store) PutTrustedKey(keyID string, keyMaterial []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		return bucket.Put([]byte(keyID), keyMaterial)
	})
	if err != nil {
		return fmt.Errorf("put trusted key: %w", err)
	}

	s.mu.Lock()
	s.cache[keyID] = keyMaterial
	s.mu.Unlock()
	return nil
}

// Reset invalidates the in-memory cache and empties the bbolt bucket, then
// reloads the fallback file.
func (s *Store) Reset() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	})
	if err != nil {
		return fmt.Errorf("reset keystore bucket: %w", err)
	}

	s.mu.Lock()
	s.cache = make(map[string][]byte)
	s.mu.Unlock()
	return s.loadFallback()
}

// Close releases the underlying bbolt database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
