// Package events carries issuance and bridge notifications to downstream
// consumers.
//
// Every event is written to an append-only journal inside the same store
// transaction as the state change it describes, then handed to a Bus for
// live subscribers. Publishing never blocks: when the bus queue is full the
// live copy is dropped and counted, and consumers can catch up from the
// journal.
package events

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/event"

	"github.com/bitearth/poe-engine/internal/field"
	"github.com/bitearth/poe-engine/internal/store"
)

// Kind names an event type.
type Kind string

const (
	PoEMinted     Kind = "PoEMinted"
	AssetsBridged Kind = "AssetsBridged"
)

// Event is one externally observable ledger change.
type Event struct {
	Seq          uint64         `cbor:"1,keyasint" json:"seq"`
	Kind         Kind           `cbor:"2,keyasint" json:"kind"`
	DeviceIDHash *field.Element `cbor:"3,keyasint,omitempty" json:"device_id_hash,omitempty"`
	Tokens       uint64         `cbor:"4,keyasint,omitempty" json:"tokens,omitempty"`
	Amount       uint64         `cbor:"5,keyasint,omitempty" json:"amount,omitempty"`
	USDValue     uint64         `cbor:"6,keyasint,omitempty" json:"usd_value,omitempty"`
	Timestamp    int64          `cbor:"7,keyasint" json:"timestamp"`
}

const (
	journalPrefix = "evt/"
	seqKey        = "evtseq"
)

func journalKey(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return store.Key(journalPrefix, b[:])
}

// Append assigns ev the next sequence number and writes it to the journal.
func Append(tx store.Tx, ev *Event) error {
	var seq uint64
	raw, err := tx.Get([]byte(seqKey))
	switch {
	case err == nil && len(raw) == 8:
		seq = binary.BigEndian.Uint64(raw)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return err
	}
	seq++
	ev.Seq = seq
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	if err := tx.Set([]byte(seqKey), b[:]); err != nil {
		return err
	}
	return store.Save(tx, journalKey(seq), ev)
}

// List returns up to limit journal entries with Seq > after, oldest first.
// A limit <= 0 returns everything.
func List(r store.Reader, after uint64, limit int) ([]Event, error) {
	var out []Event
	stop := errors.New("stop")
	err := r.Iterate([]byte(journalPrefix), func(k, v []byte) error {
		var ev Event
		if err := store.Decode(k, v, &ev); err != nil {
			return err
		}
		if ev.Seq <= after {
			return nil
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			return stop
		}
		return nil
	})
	if errors.Is(err, stop) {
		err = nil
	}
	return out, err
}

// Bus fans events out to subscribers over a go-ethereum event.Feed.
type Bus struct {
	feed    event.Feed
	queue   chan Event
	dropped atomic.Uint64
	lagged  atomic.Uint64
	quit    chan struct{}
	once    sync.Once

	// OnDrop, if set, is called for every event dropped on a full queue.
	OnDrop func(Event)
}

// NewBus starts a bus with a queue of the given size.
func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	b := &Bus{queue: make(chan Event, buffer), quit: make(chan struct{})}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	for {
		select {
		case ev := <-b.queue:
			select {
			case <-b.quit:
				return
			default:
			}
			b.feed.Send(ev)
		case <-b.quit:
			return
		}
	}
}

// Publish queues ev for delivery. It reports false if ev was dropped.
func (b *Bus) Publish(ev Event) bool {
	select {
	case <-b.quit:
		return false
	default:
	}
	select {
	case b.queue <- ev:
		return true
	default:
		b.dropped.Add(1)
		if b.OnDrop != nil {
			b.OnDrop(ev)
		}
		return false
	}
}

// Subscribe delivers future events on ch. Every subscriber gets its own
// relay: when ch is full the event is skipped for that subscriber only and
// counted in Lagged. The subscription ends on Unsubscribe or Close.
func (b *Bus) Subscribe(ch chan<- Event) event.Subscription {
	in := make(chan Event, cap(b.queue))
	sub := b.feed.Subscribe(in)
	return event.NewSubscription(func(unsub <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case ev := <-in:
				select {
				case ch <- ev:
				default:
					b.lagged.Add(1)
				}
			case <-unsub:
				return nil
			case <-b.quit:
				return nil
			}
		}
	})
}

// Lagged returns the number of deliveries skipped for slow subscribers.
func (b *Bus) Lagged() uint64 { return b.lagged.Load() }

// Dropped returns the number of events dropped so far.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops delivery and ends all subscriptions. Queued events not yet
// sent are discarded.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.quit) })
}
