package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// Pebble is the durable Store backed by a Pebble database.
type Pebble struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) the database at path.
func OpenPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("unable to open blob store: %w", err)
	}
	log.Debug().Str("path", path).Msg("Opened the blob store.")
	return &Pebble{db: db}, nil
}

func (s *Pebble) Persist(key string, value []byte) error {
	if err := s.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("unable to persist %q: %w", key, err)
	}
	return nil
}

func (s *Pebble) Load(key string) ([]byte, bool, error) {
	value, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("unable to load %q: %w", key, err)
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	_ = closer.Close()
	return buf, true, nil
}

func (s *Pebble) Delete(key string) error {
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("unable to delete %q: %w", key, err)
	}
	return nil
}

func (s *Pebble) Close() error {
	return s.db.Close()
}
