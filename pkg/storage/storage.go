// Package storage keeps the durable state shared by export workers and the
// blob stores finalized shard files are handed to.
package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
)

// ErrNotFound is returned when a key has no value
var ErrNotFound = errors.New("not found")

// Open opens (or creates) the pebble database under path
func Open(path string) (*pebble.DB, error) {
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", path, err)
	}
	return db, nil
}

func get(db *pebble.DB, key []byte) ([]byte, error) {
	data, closer, err := db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
