package store

import (
	"bytes"
	"sort"
	"sync"
)

// Memory is a Store backed by a Go map.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) View(fn func(Reader) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn(&memTx{base: m.data})
}

func (m *Memory) Update(fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	tx := &memTx{base: m.data, writes: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.writes {
		if v == nil {
			delete(m.data, k)
			continue
		}
		m.data[k] = v
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// memTx overlays pending writes on the base map. A nil value marks a delete.
type memTx struct {
	base   map[string][]byte
	writes map[string][]byte
}

func (t *memTx) Get(key []byte) ([]byte, error) {
	if v, ok := t.writes[string(key)]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return append([]byte(nil), v...), nil
	}
	v, ok := t.base[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *memTx) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	keys := make([]string, 0)
	seen := make(map[string]bool)
	for k := range t.base {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	for k := range t.writes {
		if !seen[k] && bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := t.Get([]byte(k))
		if err == ErrNotFound {
			continue
		}
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTx) Set(key, value []byte) error {
	if t.writes == nil {
		return ErrReadOnly
	}
	t.writes[string(key)] = append([]byte{}, value...)
	return nil
}

func (t *memTx) Delete(key []byte) error {
	if t.writes == nil {
		return ErrReadOnly
	}
	t.writes[string(key)] = nil
	return nil
}
