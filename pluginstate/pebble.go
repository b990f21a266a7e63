package pluginstate

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleStore keeps states in a pebble database.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens or creates database in dir.
func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open plugin state %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

// Get implements Store.
func (s *PebbleStore) Get(id string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// Put implements Store.
func (s *PebbleStore) Put(id string, state []byte) error {
	return s.db.Set([]byte(id), state, pebble.Sync)
}

// Delete implements Store.
func (s *PebbleStore) Delete(id string) error {
	return s.db.Delete([]byte(id), pebble.Sync)
}

// Keys implements Store.
func (s *PebbleStore) Keys() ([]string, error) {
	iter := s.db.NewIter(nil)
	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	return keys, iter.Close()
}

// Close implements Store.
func (s *PebbleStore) Close() error {
	if err := s.db.Flush(); err != nil {
		return err
	}
	return s.db.Close()
}
