// Package state persists credential and token counters in a bbolt
// database so they survive restarts. Records are keyed by a hash of
// the secret; raw secrets never reach disk. The store is advisory:
// in-memory state is authoritative for the live process, and a missing
// or unreadable record simply reads as absent.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// recordVersion is the current persisted record schema version.
	// Records with any other version read as absent.
	recordVersion = 1
)

var (
	credentialsBucket = []byte("credentials")
	tokensBucket      = []byte("tokens")
)

// Record is the persisted counter state shared by both entity kinds.
// For credentials, LastEventAt is the last quota failure, Count is the
// retry count, and Flag marks the credential dead. For tokens,
// LastEventAt is the last use, Count is the usage count, and Flag is
// the administrative active flag.
type Record struct {
	Version     int   `json:"version"`
	LastEventAt int64 `json:"last_event_at"` // unix seconds, 0 = never
	Count       int64 `json:"count"`
	Flag        bool  `json:"flag"`
}

// SecretKey returns the SHA-256 hex digest of a secret string, used as
// the bbolt key so raw secrets are not stored on disk.
func SecretKey(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// Store wraps a bbolt database holding credential and token records.
type Store struct {
	db *bolt.DB
}

// Open opens the state database at path, creating it and its parent
// directory if needed. Both buckets are created on open.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(credentialsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(tokensBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DefaultPath returns the default state database location:
// ~/.searchrelay/state.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".searchrelay", "state.db"), nil
}

// SaveCredential persists the record for a credential, keyed by the
// hash of its secret.
func (s *Store) SaveCredential(secretHash string, r Record) error {
	return s.save(credentialsBucket, secretHash, r)
}

// GetCredential returns the persisted record for a credential, or nil
// if absent or unparseable.
func (s *Store) GetCredential(secretHash string) *Record {
	return s.get(credentialsBucket, secretHash)
}

// SaveToken persists the record for a token, keyed by the hash of its
// value.
func (s *Store) SaveToken(secretHash string, r Record) error {
	return s.save(tokensBucket, secretHash, r)
}

// GetToken returns the persisted record for a token, or nil if absent
// or unparseable.
func (s *Store) GetToken(secretHash string) *Record {
	return s.get(tokensBucket, secretHash)
}

func (s *Store) save(bucket []byte, secretHash string, r Record) error {
	r.Version = recordVersion

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}

		return tx.Bucket(bucket).Put([]byte(secretHash), data)
	})
}

// get treats any read or decode failure as "no record": a corrupt or
// wrong-version entry falls back to fresh state rather than failing.
func (s *Store) get(bucket []byte, secretHash string) *Record {
	var r *Record

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(secretHash))
		if v == nil {
			return nil
		}

		decoded := Record{}
		if err := json.Unmarshal(v, &decoded); err != nil {
			return nil
		}

		if decoded.Version != recordVersion {
			return nil
		}

		r = &decoded

		return nil
	})

	return r
}
