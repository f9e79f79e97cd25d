// Package localstore is the per-device persistence used by anonymous
// sessions: an embedded Pebble database holding one JSON document per
// conversation plus an index of conversation ids, behind the same repository
// interfaces as the Postgres record store.
package localstore

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
)

// Key layout. One document per conversation, one id index, and one location
// entry per message so delta appends resolve their conversation without a
// scan.
const (
	conversationKeyPrefix = "conversation:"
	conversationIndexKey  = "conversation-ids"
	messageKeyPrefix      = "message:"
)

// Store wraps a Pebble database as a synchronous keyed string store.
type Store struct {
	db     *pebble.DB
	logger *slog.Logger
}

// Open opens (or creates) the Pebble database at the given path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	logger.Info("local store opened", "path", path)

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get retrieves the value for a key. The second return is false when the key
// does not exist.
func (s *Store) Get(key string) (string, bool, error) {
	value, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("local store get %s: %w", key, err)
	}
	defer closer.Close()

	return string(value), true, nil
}

// Set stores a value under a key, synced to disk before returning.
func (s *Store) Set(key, value string) error {
	if err := s.db.Set([]byte(key), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("local store set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("local store delete %s: %w", key, err)
	}
	return nil
}
