// Package registry keeps device certification and the oracle whitelist, the
// authorization context the minting ledger consults before touching a proof.
//
// Device lifecycle:
//
//	Pending -> Certified -> Suspended -> Certified
//	                     \-> Decommissioned <-/
//
// Decommissioned is terminal. Records are never deleted. Every transition
// requires the configured admin as caller.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/bitearth/poe-engine/internal/field"
	"github.com/bitearth/poe-engine/internal/oracle"
	"github.com/bitearth/poe-engine/internal/poeerr"
	"github.com/bitearth/poe-engine/internal/store"
)

// Status is a device's certification state.
type Status uint8

const (
	StatusUnknown Status = iota
	Pending
	Certified
	Suspended
	Decommissioned
)

var statusNames = [...]string{"unknown", "pending", "certified", "suspended", "decommissioned"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if string(text) == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("registry: unknown status %q", text)
}

// transitions lists the moves allowed through move. Pending devices leave
// that state only through CertifyDevice, which also sets the wallet.
var transitions = map[Status][]Status{
	Certified: {Suspended, Decommissioned},
	Suspended: {Certified, Decommissioned},
}

func canMove(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MaxCumulative is the largest value a device counter may hold.
var MaxCumulative = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

// DeviceRecord is the registry entry for one device. Only the identity hash
// is stored, never the raw identifier.
type DeviceRecord struct {
	IDHash      field.Element `cbor:"1,keyasint" json:"device_id_hash"`
	Status      Status        `cbor:"2,keyasint" json:"status"`
	Wallet      string        `cbor:"3,keyasint" json:"wallet"`
	Cumulative  []byte        `cbor:"4,keyasint" json:"-"`
	EnergyTotal uint64        `cbor:"5,keyasint" json:"energy_total_wh"`
	CertifiedAt int64         `cbor:"6,keyasint" json:"certified_at,omitempty"`
	UpdatedAt   int64         `cbor:"7,keyasint" json:"updated_at"`
}

// CumulativeEnergy returns the device's replay watermark.
func (d *DeviceRecord) CumulativeEnergy() *uint256.Int {
	return new(uint256.Int).SetBytes(d.Cumulative)
}

// SetCumulativeEnergy stores v as the new watermark.
func (d *DeviceRecord) SetCumulativeEnergy(v *uint256.Int) {
	b := v.Bytes32()
	d.Cumulative = append([]byte(nil), b[16:]...)
}

// OracleRecord is a whitelist entry.
type OracleRecord struct {
	ID          oracle.ID     `cbor:"1,keyasint" json:"oracle_id"`
	Whitelisted bool          `cbor:"2,keyasint" json:"whitelisted"`
	KeyHash     field.Element `cbor:"3,keyasint" json:"key_hash"`
	AddedAt     int64         `cbor:"4,keyasint" json:"added_at"`
}

const (
	devicePrefix = "dev/"
	oraclePrefix = "orc/"
)

func deviceKey(h field.Element) []byte { return store.Key(devicePrefix, h[:]) }
func oracleKey(id oracle.ID) []byte    { return store.Key(oraclePrefix, id[:]) }

// LoadDevice reads a device record inside a store transaction.
func LoadDevice(r store.Reader, h field.Element) (*DeviceRecord, error) {
	var rec DeviceRecord
	if err := store.Load(r, deviceKey(h), &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, poeerr.New(poeerr.KindNotFound, "registry.device", "device %x not registered", h[:8])
		}
		return nil, err
	}
	return &rec, nil
}

// SaveDevice writes a device record inside a store transaction.
func SaveDevice(tx store.Tx, rec *DeviceRecord) error {
	return store.Save(tx, deviceKey(rec.IDHash), rec)
}

// LoadOracle reads an oracle record inside a store transaction.
func LoadOracle(r store.Reader, id oracle.ID) (*OracleRecord, error) {
	var rec OracleRecord
	if err := store.Load(r, oracleKey(id), &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, poeerr.New(poeerr.KindNotFound, "registry.oracle", "oracle %x not registered", id[:8])
		}
		return nil, err
	}
	return &rec, nil
}

// Registry is the admin-gated front end to device and oracle records.
type Registry struct {
	st    store.Store
	admin string
	now   func() time.Time
	audit zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock used for record timestamps.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithAudit sends admin actions to log.
func WithAudit(log zerolog.Logger) Option { return func(r *Registry) { r.audit = log } }

func New(st store.Store, admin string, opts ...Option) *Registry {
	r := &Registry{st: st, admin: admin, now: time.Now, audit: zerolog.Nop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Admin returns the configured admin identity.
func (r *Registry) Admin() string { return r.admin }

func (r *Registry) authorize(op, caller string) error {
	if r.admin == "" || caller != r.admin {
		r.audit.Warn().Str("op", op).Str("caller", caller).Msg("admin action refused")
		return poeerr.New(poeerr.KindNotAuthorized, op, "caller %q is not admin", caller)
	}
	return nil
}

// ProposeDevice creates a Pending record awaiting certification.
func (r *Registry) ProposeDevice(caller string, h field.Element, wallet string) error {
	const op = "registry.propose"
	if err := r.authorize(op, caller); err != nil {
		return err
	}
	err := r.st.Update(func(tx store.Tx) error {
		ok, err := store.Has(tx, deviceKey(h))
		if err != nil {
			return err
		}
		if ok {
			return poeerr.New(poeerr.KindConflict, op, "device %x already registered", h[:8])
		}
		now := r.now().Unix()
		return SaveDevice(tx, &DeviceRecord{IDHash: h, Status: Pending, Wallet: wallet, UpdatedAt: now})
	})
	if err == nil {
		r.audit.Info().Str("op", op).Str("device", h.Hex()).Msg("device proposed")
	}
	return err
}

// CertifyDevice certifies a device, creating its record if needed or
// promoting a Pending one. wallet replaces any proposed wallet.
func (r *Registry) CertifyDevice(caller string, h field.Element, wallet string) error {
	const op = "registry.certify"
	if err := r.authorize(op, caller); err != nil {
		return err
	}
	if wallet == "" {
		return poeerr.New(poeerr.KindInvalidArgument, op, "wallet is required")
	}
	err := r.st.Update(func(tx store.Tx) error {
		now := r.now().Unix()
		rec, err := LoadDevice(tx, h)
		switch {
		case errors.Is(err, poeerr.ErrNotFound):
			rec = &DeviceRecord{IDHash: h}
		case err != nil:
			return err
		case rec.Status != Pending:
			return poeerr.New(poeerr.KindConflict, op, "device %x is %s", h[:8], rec.Status)
		}
		rec.Status = Certified
		rec.Wallet = wallet
		rec.CertifiedAt = now
		rec.UpdatedAt = now
		return SaveDevice(tx, rec)
	})
	if err == nil {
		r.audit.Info().Str("op", op).Str("device", h.Hex()).Str("wallet", wallet).Msg("device certified")
	}
	return err
}

// SuspendDevice moves a Certified device to Suspended.
func (r *Registry) SuspendDevice(caller string, h field.Element) error {
	return r.move("registry.suspend", caller, h, Suspended)
}

// ReinstateDevice moves a Suspended device back to Certified.
func (r *Registry) ReinstateDevice(caller string, h field.Element) error {
	return r.move("registry.reinstate", caller, h, Certified)
}

// DecommissionDevice retires a device permanently.
func (r *Registry) DecommissionDevice(caller string, h field.Element) error {
	return r.move("registry.decommission", caller, h, Decommissioned)
}

func (r *Registry) move(op, caller string, h field.Element, to Status) error {
	if err := r.authorize(op, caller); err != nil {
		return err
	}
	var from Status
	err := r.st.Update(func(tx store.Tx) error {
		rec, err := LoadDevice(tx, h)
		if err != nil {
			return err
		}
		from = rec.Status
		if !canMove(from, to) {
			return poeerr.New(poeerr.KindConflict, op, "device %x cannot move from %s to %s", h[:8], from, to)
		}
		rec.Status = to
		rec.UpdatedAt = r.now().Unix()
		return SaveDevice(tx, rec)
	})
	if err == nil {
		r.audit.Info().Str("op", op).Str("device", h.Hex()).
			Stringer("from", from).Stringer("to", to).Msg("device status changed")
	}
	return err
}

// AddOracle whitelists an oracle. The identifier must decode to a point on
// the signature curve. Adding an already whitelisted oracle is a no-op.
func (r *Registry) AddOracle(caller string, id oracle.ID) error {
	const op = "registry.add_oracle"
	if err := r.authorize(op, caller); err != nil {
		return err
	}
	keyHash, err := id.KeyHash()
	if err != nil {
		return poeerr.Wrap(poeerr.KindInvalidArgument, op, err)
	}
	err = r.st.Update(func(tx store.Tx) error {
		rec, err := LoadOracle(tx, id)
		if err == nil && rec.Whitelisted {
			return nil
		}
		if err != nil && !errors.Is(err, poeerr.ErrNotFound) {
			return err
		}
		return SaveOracle(tx, &OracleRecord{
			ID:          id,
			Whitelisted: true,
			KeyHash:     keyHash,
			AddedAt:     r.now().Unix(),
		})
	})
	if err == nil {
		r.audit.Info().Str("op", op).Hex("oracle", id[:]).Msg("oracle whitelisted")
	}
	return err
}

// Device returns the record for h.
func (r *Registry) Device(h field.Element) (*DeviceRecord, error) {
	var rec *DeviceRecord
	err := r.st.View(func(rd store.Reader) error {
		var err error
		rec, err = LoadDevice(rd, h)
		return err
	})
	return rec, err
}

// Devices lists every device record in key order.
func (r *Registry) Devices() ([]DeviceRecord, error) {
	var out []DeviceRecord
	err := r.st.View(func(rd store.Reader) error {
		var err error
		out, err = ListDevices(rd)
		return err
	})
	return out, err
}

// ListDevices reads every device record inside a store transaction.
func ListDevices(r store.Reader) ([]DeviceRecord, error) {
	var out []DeviceRecord
	err := r.Iterate([]byte(devicePrefix), func(k, v []byte) error {
		var rec DeviceRecord
		if err := store.Decode(k, v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Oracle returns the record for id.
func (r *Registry) Oracle(id oracle.ID) (*OracleRecord, error) {
	var rec *OracleRecord
	err := r.st.View(func(rd store.Reader) error {
		var err error
		rec, err = LoadOracle(rd, id)
		return err
	})
	return rec, err
}

// Oracles lists every oracle record in key order.
func (r *Registry) Oracles() ([]OracleRecord, error) {
	var out []OracleRecord
	err := r.st.View(func(rd store.Reader) error {
		var err error
		out, err = ListOracles(rd)
		return err
	})
	return out, err
}

// ListOracles reads every oracle record inside a store transaction.
func ListOracles(r store.Reader) ([]OracleRecord, error) {
	var out []OracleRecord
	err := r.Iterate([]byte(oraclePrefix), func(k, v []byte) error {
		var rec OracleRecord
		if err := store.Decode(k, v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// SaveOracle writes an oracle record inside a store transaction.
func SaveOracle(tx store.Tx, rec *OracleRecord) error {
	return store.Save(tx, oracleKey(rec.ID), rec)
}

// IsWhitelisted reports whether id may attest readings.
func (r *Registry) IsWhitelisted(id oracle.ID) (bool, error) {
	rec, err := r.Oracle(id)
	if errors.Is(err, poeerr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Whitelisted, nil
}
