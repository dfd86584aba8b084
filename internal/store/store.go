// Package store persists all feeder entities in a bitcask key/value store
// using tuple keys and secondary indexes. All multi-key writes go through a
// single atomic commit section so that a row and its indexes can never
// diverge, and so queue records can be committed in the same transaction as
// an entity mutation.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"git.mills.io/prologic/bitcask"
	sync "github.com/sasha-s/go-deadlock"
	log "github.com/sirupsen/logrus"
)

const (
	maxKeySize   = 4096
	maxValueSize = 1 << 22

	commitAttempts = 5
)

var (
	// ErrNotFound is returned when no row exists for a key or index lookup.
	ErrNotFound = errors.New("error: not found")

	// ErrKeyExists is returned when a create would violate a unique index.
	ErrKeyExists = errors.New("error: key already exists")

	// ErrInvalidStore is returned for unparseable store URIs.
	ErrInvalidStore = errors.New("error: invalid store")
)

// Store is a typed view over a single bitcask database. It is safe for
// concurrent use; all writes are serialized through an internal mutex.
type Store struct {
	mu sync.Mutex
	db *bitcask.Bitcask
}

// Open opens (creating if necessary) the store described by a store URI
// of the form bitcask://path/to/db.
func Open(uri string) (*Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("error parsing store uri %q: %w", uri, err)
	}

	if u.Scheme != "bitcask" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidStore, u.Scheme)
	}

	path := u.Host + u.Path

	db, err := bitcask.Open(
		path,
		bitcask.WithMaxKeySize(maxKeySize),
		bitcask.WithMaxValueSize(maxValueSize),
	)
	if err != nil {
		return nil, fmt.Errorf("error opening store %q: %w", path, err)
	}

	return &Store{db: db}, nil
}

// Close syncs and closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Sync(); err != nil {
		log.WithError(err).Warn("error syncing store")
	}
	return s.db.Close()
}

// Sync flushes pending writes to disk.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Sync()
}

type kv struct {
	key   []byte
	value []byte
}

// Tx accumulates the writes of one atomic commit. Guards registered with
// EnsureAbsent are checked against the live database immediately before the
// writes are applied, all under the store mutex.
type Tx struct {
	s       *Store
	absent  [][]byte
	puts    []kv
	deletes [][]byte
}

// Put JSON-encodes v and schedules it for writing at key.
func (tx *Tx) Put(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error encoding value for %q: %w", string(key), err)
	}
	tx.puts = append(tx.puts, kv{key: key, value: data})
	return nil
}

// PutRaw schedules a raw value for writing at key.
func (tx *Tx) PutRaw(key, value []byte) {
	tx.puts = append(tx.puts, kv{key: key, value: value})
}

// Delete schedules a key for deletion.
func (tx *Tx) Delete(key []byte) {
	tx.deletes = append(tx.deletes, key)
}

// EnsureAbsent makes the commit fail with ErrKeyExists if key is present.
// This is the compare-and-set-on-absence primitive used by creates.
func (tx *Tx) EnsureAbsent(key []byte) {
	tx.absent = append(tx.absent, key)
}

// Atomically runs fn to build a transaction and commits it under the store
// mutex. Failed commits are retried with exponential backoff up to
// commitAttempts times; guard violations are not retried.
func (s *Store) Atomically(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{s: s}
	if err := fn(tx); err != nil {
		return err
	}

	for _, key := range tx.absent {
		if s.db.Has(key) {
			return fmt.Errorf("%w: %s", ErrKeyExists, string(key))
		}
	}

	var err error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep((10 * time.Millisecond) << uint(attempt))
		}
		if err = s.apply(tx); err == nil {
			return nil
		}
		log.WithError(err).Warnf("error committing transaction (attempt %d)", attempt+1)
	}
	return fmt.Errorf("error committing transaction: %w", err)
}

func (s *Store) apply(tx *Tx) error {
	for _, p := range tx.puts {
		if err := s.db.Put(p.key, p.value); err != nil {
			return err
		}
	}
	for _, key := range tx.deletes {
		if err := s.db.Delete(key); err != nil && !errors.Is(err, bitcask.ErrKeyNotFound) {
			return err
		}
	}
	return nil
}

// Get reads the row at key into v.
func (s *Store) Get(key []byte, v interface{}) error {
	data, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("error reading %q: %w", string(key), err)
	}
	return json.Unmarshal(data, v)
}

// GetRaw reads the raw value at key.
func (s *Store) GetRaw(key []byte) ([]byte, error) {
	data, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error reading %q: %w", string(key), err)
	}
	return data, nil
}

// Has returns true if a row exists at key.
func (s *Store) Has(key []byte) bool { return s.db.Has(key) }

// ForEach calls fn for every key under prefix.
func (s *Store) ForEach(prefix []byte, fn func(key []byte) error) error {
	return s.db.Scan(prefix, fn)
}

// lookupID resolves a secondary index key to the primary id it points at.
func (s *Store) lookupID(indexKey []byte) (string, error) {
	data, err := s.GetRaw(indexKey)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
