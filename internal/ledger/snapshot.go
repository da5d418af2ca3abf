package ledger

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/holiman/uint256"

	"github.com/bitearth/poe-engine/internal/events"
	"github.com/bitearth/poe-engine/internal/registry"
	"github.com/bitearth/poe-engine/internal/store"
)

// Snapshot is a point-in-time export of registry and ledger state, for
// audit and inspection. It omits the consumed payment and burn keys, so it
// is not a backup.
type Snapshot struct {
	TakenAt  int64                   `json:"taken_at"`
	Totals   Totals                  `json:"totals"`
	Balances map[string]uint64       `json:"balances"`
	Devices  []registry.DeviceRecord `json:"devices"`
	Oracles  []registry.OracleRecord `json:"oracles"`
	Events   []events.Event          `json:"events"`
}

// deviceExport carries the counter, which DeviceRecord keeps out of JSON.
type deviceExport struct {
	registry.DeviceRecord
	CumulativeEnergy string `json:"cumulative_energy"`
}

// Snapshot reads a consistent export of the store.
func (m *Minter) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{TakenAt: m.now().Unix()}
	err := m.st.View(func(r store.Reader) error {
		var err error
		if snap.Totals, err = loadTotals(r); err != nil {
			return err
		}
		if snap.Balances, err = listBalances(r); err != nil {
			return err
		}
		if snap.Devices, err = registry.ListDevices(r); err != nil {
			return err
		}
		if snap.Oracles, err = registry.ListOracles(r); err != nil {
			return err
		}
		snap.Events, err = events.List(r, 0, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func listBalances(r store.Reader) (map[string]uint64, error) {
	out := make(map[string]uint64)
	err := r.Iterate([]byte(balancePrefix), func(k, v []byte) error {
		var b uint64
		if err := store.Decode(k, v, &b); err != nil {
			return err
		}
		out[string(k[len(balancePrefix):])] = b
		return nil
	})
	return out, err
}

func (s *Snapshot) MarshalJSON() ([]byte, error) {
	type plain Snapshot
	devs := make([]deviceExport, len(s.Devices))
	for i := range s.Devices {
		devs[i] = deviceExport{DeviceRecord: s.Devices[i], CumulativeEnergy: s.Devices[i].CumulativeEnergy().Dec()}
	}
	return json.Marshal(struct {
		*plain
		Devices []deviceExport `json:"devices"`
	}{(*plain)(s), devs})
}

// SaveToFile writes the snapshot as indented JSON, replacing path.
func (s *Snapshot) SaveToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// LoadSnapshot reads a snapshot written by SaveToFile.
func LoadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var raw struct {
		TakenAt  int64                   `json:"taken_at"`
		Totals   Totals                  `json:"totals"`
		Balances map[string]uint64       `json:"balances"`
		Devices  []json.RawMessage       `json:"devices"`
		Oracles  []registry.OracleRecord `json:"oracles"`
		Events   []events.Event          `json:"events"`
	}
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snap := &Snapshot{TakenAt: raw.TakenAt, Totals: raw.Totals, Balances: raw.Balances, Oracles: raw.Oracles, Events: raw.Events}
	for _, d := range raw.Devices {
		var rec struct {
			registry.DeviceRecord
			CumulativeEnergy string `json:"cumulative_energy"`
		}
		if err := json.Unmarshal(d, &rec); err != nil {
			return nil, fmt.Errorf("decode snapshot device: %w", err)
		}
		dev := rec.DeviceRecord
		c, err := parseCounter(rec.CumulativeEnergy)
		if err != nil {
			return nil, err
		}
		dev.SetCumulativeEnergy(c)
		snap.Devices = append(snap.Devices, dev)
	}
	return snap, nil
}

func parseCounter(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	c, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("decode cumulative energy %q: %w", s, err)
	}
	if c.Gt(registry.MaxCumulative) {
		return nil, fmt.Errorf("cumulative energy %s exceeds 128 bits", s)
	}
	return c, nil
}
