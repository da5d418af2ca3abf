package store

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Pebble is a Store backed by a pebble database on disk.
type Pebble struct {
	mu sync.Mutex // serializes Update
	db *pebble.DB
}

// OpenPebble opens or creates the database in dir.
func OpenPebble(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open pebble at %s: %w", dir, err)
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) View(fn func(Reader) error) error {
	snap := p.db.NewSnapshot()
	defer snap.Close()
	return fn(pebbleReader{r: snap})
}

func (p *Pebble) Update(fn func(Tx) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.db.NewIndexedBatch()
	defer b.Close()
	if err := fn(&pebbleTx{pebbleReader: pebbleReader{r: b}, b: b}); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (p *Pebble) Close() error {
	return p.db.Close()
}

type pebbleSource interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type pebbleReader struct {
	r pebbleSource
}

func (pr pebbleReader) Get(key []byte) ([]byte, error) {
	v, closer, err := pr.r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (pr pebbleReader) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	it, err := pr.r.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Error()
}

type pebbleTx struct {
	pebbleReader
	b *pebble.Batch
}

func (t *pebbleTx) Set(key, value []byte) error { return t.b.Set(key, value, nil) }

func (t *pebbleTx) Delete(key []byte) error { return t.b.Delete(key, nil) }
