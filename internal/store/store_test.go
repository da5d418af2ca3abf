package store

import (
	"errors"
	"testing"
)

type record struct {
	Name  string `cbor:"1,keyasint"`
	Count uint64 `cbor:"2,keyasint"`
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	p, err := OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return map[string]Store{"memory": NewMemory(), "pebble": p}
}

func TestUpdateAtomic(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := Key("rec/", []byte("a"))
			err := s.Update(func(tx Tx) error {
				return Save(tx, key, record{Name: "a", Count: 1})
			})
			if err != nil {
				t.Fatal(err)
			}

			boom := errors.New("boom")
			err = s.Update(func(tx Tx) error {
				if err := Save(tx, key, record{Name: "a", Count: 2}); err != nil {
					return err
				}
				if err := Save(tx, Key("rec/", []byte("b")), record{Name: "b"}); err != nil {
					return err
				}
				// the transaction sees its own write
				var got record
				if err := Load(tx, key, &got); err != nil || got.Count != 2 {
					t.Errorf("in-tx read = %+v, %v", got, err)
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("expected boom, got %v", err)
			}

			err = s.View(func(r Reader) error {
				var got record
				if err := Load(r, key, &got); err != nil {
					return err
				}
				if got.Count != 1 {
					t.Errorf("aborted write applied: count = %d", got.Count)
				}
				ok, err := Has(r, Key("rec/", []byte("b")))
				if ok {
					t.Error("aborted insert applied")
				}
				return err
			})
			if err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestIteratePrefix(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Update(func(tx Tx) error {
				for _, k := range []string{"dev/b", "dev/a", "orc/a", "dev/c"} {
					if err := tx.Set([]byte(k), []byte(k)); err != nil {
						return err
					}
				}
				return tx.Delete([]byte("dev/c"))
			})
			if err != nil {
				t.Fatal(err)
			}
			var keys []string
			err = s.View(func(r Reader) error {
				return r.Iterate([]byte("dev/"), func(k, _ []byte) error {
					keys = append(keys, string(k))
					return nil
				})
			})
			if err != nil {
				t.Fatal(err)
			}
			if len(keys) != 2 || keys[0] != "dev/a" || keys[1] != "dev/b" {
				t.Fatalf("keys = %v", keys)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.View(func(r Reader) error {
				_, err := r.Get([]byte("missing"))
				return err
			})
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestPrefixEnd(t *testing.T) {
	if got := prefixEnd([]byte("dev/")); string(got) != "dev0" {
		t.Fatalf("prefixEnd(dev/) = %q", got)
	}
	if got := prefixEnd([]byte{0xff, 0xff}); got != nil {
		t.Fatalf("prefixEnd(ffff) = %x, want nil", got)
	}
}
