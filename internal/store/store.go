// Package store holds all registry and ledger state behind one explicit,
// transactional key-value interface. Nothing in the engine keeps protocol
// state in package globals; every component receives a Store.
//
// Two backends exist: an in-memory map for tests and development, and a
// pebble database for the daemon. Both run Update transactions one at a
// time and apply their writes all-or-nothing.
package store

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrNotFound = errors.New("store: key not found")
	ErrClosed   = errors.New("store: closed")
	ErrReadOnly = errors.New("store: write in read-only view")
)

// Reader reads committed state, or a transaction's view of it.
type Reader interface {
	Get(key []byte) ([]byte, error)
	// Iterate calls fn for every key with the given prefix, in key order.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}

// Tx is a read-write transaction. Reads observe the transaction's own writes.
type Tx interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
}

// Store is a transactional key-value store.
type Store interface {
	// View runs fn against a consistent snapshot.
	View(fn func(Reader) error) error
	// Update runs fn in a serialized read-write transaction. If fn returns an
	// error nothing it wrote is applied.
	Update(fn func(Tx) error) error
	Close() error
}

var encMode, _ = cbor.CoreDetEncOptions().EncMode()

// Load decodes the record at key into v.
func Load(r Reader, key []byte, v any) error {
	raw, err := r.Get(key)
	if err != nil {
		return err
	}
	return Decode(key, raw, v)
}

// Decode decodes a raw record read from key, as passed to an Iterate callback.
func Decode(key, raw []byte, v any) error {
	if err := cbor.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("store: decode %q: %w", key, err)
	}
	return nil
}

// Save encodes v and writes it at key.
func Save(tx Tx, key []byte, v any) error {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %q: %w", key, err)
	}
	return tx.Set(key, raw)
}

// Has reports whether key exists.
func Has(r Reader, key []byte) (bool, error) {
	_, err := r.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Key joins a prefix and a suffix.
func Key(prefix string, suffix []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(suffix))
	k = append(k, prefix...)
	return append(k, suffix...)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
