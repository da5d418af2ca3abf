package mint

import (
	"errors"
	"fmt"

	tedwards "github.com/consensys/gnark-crypto/ecc/twistededwards"

	"github.com/bitearth/poe-engine/internal/field"
	"github.com/bitearth/poe-engine/internal/oracle"
	"github.com/bitearth/poe-engine/internal/poeerr"
	"github.com/bitearth/poe-engine/internal/zkp"
)

var (
	ErrTooManyReadings = errors.New("mint: more sensor readings than circuit slots")
	ErrEnergyMismatch  = errors.New("mint: energy_wh does not match weighted sensor sum")
)

// Profile is a meter calibration profile: the weight applied to each sensor
// slot in the energy constraint. Weights are public inputs, so every profile
// is served by the same compiled circuit.
type Profile struct {
	Name    string   `json:"name"`
	Weights []uint64 `json:"weights"`
}

// DefaultProfile weights slot i by i+1.
func DefaultProfile() Profile {
	w := make([]uint64, MaxReadings)
	for i := range w {
		w[i] = uint64(i + 1)
	}
	return Profile{Name: "linear", Weights: w}
}

func (p Profile) Validate() error {
	if len(p.Weights) == 0 {
		return errors.New("mint: calibration profile has no weights")
	}
	if len(p.Weights) > MaxReadings {
		return fmt.Errorf("mint: profile %q has %d weights, circuit supports %d", p.Name, len(p.Weights), MaxReadings)
	}
	return nil
}

// padded returns the weights padded to MaxReadings with zeros.
func (p Profile) padded() [MaxReadings]uint64 {
	var out [MaxReadings]uint64
	copy(out[:], p.Weights)
	return out
}

// Statement is the public claim a proof is made against.
type Statement struct {
	DeviceIDHash     field.Element
	EnergyWh         uint64
	Timestamp        uint64
	CurrentTimeBound uint64
	OracleID         oracle.ID
	Profile          Profile
}

// Witness holds the private inputs.
type Witness struct {
	DeviceID   [32]byte
	SensorData []uint64
	OracleSig  *oracle.Signature
}

// PublicInputs returns the circuit's public inputs for st in wire order.
// Verifiers call it with values taken from their own state.
func PublicInputs(st Statement) ([]field.Element, error) {
	const op = "mint.public_inputs"
	if err := st.Profile.Validate(); err != nil {
		return nil, poeerr.Wrap(poeerr.KindInvalidArgument, op, err)
	}
	keyHash, err := st.OracleID.KeyHash()
	if err != nil {
		return nil, poeerr.Wrap(poeerr.KindInvalidArgument, op, err)
	}
	out := make([]field.Element, 0, 6+MaxReadings)
	out = append(out,
		st.DeviceIDHash,
		field.ElementFromUint64(st.EnergyWh),
		field.ElementFromUint64(st.Timestamp),
		field.ElementFromUint64(1),
		field.ElementFromUint64(st.CurrentTimeBound),
		keyHash,
	)
	for _, w := range st.Profile.padded() {
		out = append(out, field.ElementFromUint64(w))
	}
	return out, nil
}

// Assignment builds the full circuit assignment. Missing private values are
// reported as AssignmentMissing rather than left for the backend to find.
func Assignment(st Statement, w Witness) (*Circuit, error) {
	const op = "mint.assign"
	if w.OracleSig == nil {
		return nil, poeerr.New(poeerr.KindAssignmentMissing, op, "oracle signature not supplied")
	}
	if err := w.OracleSig.Check(); err != nil {
		return nil, poeerr.Wrap(poeerr.KindInvalidArgument, op, err)
	}
	if len(w.SensorData) == 0 {
		return nil, poeerr.New(poeerr.KindAssignmentMissing, op, "sensor data not supplied")
	}
	if len(w.SensorData) > MaxReadings {
		return nil, poeerr.Wrap(poeerr.KindInvalidArgument, op, ErrTooManyReadings)
	}
	if err := st.Profile.Validate(); err != nil {
		return nil, poeerr.Wrap(poeerr.KindInvalidArgument, op, err)
	}
	keyHash, err := st.OracleID.KeyHash()
	if err != nil {
		return nil, poeerr.Wrap(poeerr.KindInvalidArgument, op, err)
	}

	c := &Circuit{
		DeviceIDHash:     st.DeviceIDHash.String(),
		EnergyWh:         st.EnergyWh,
		Timestamp:        st.Timestamp,
		OracleValid:      1,
		CurrentTimeBound: st.CurrentTimeBound,
		OracleKeyHash:    keyHash.String(),
	}
	for i, wt := range st.Profile.padded() {
		c.Weights[i] = wt
	}
	limbs := field.Limbs(w.DeviceID)
	c.DeviceID[0], c.DeviceID[1] = limbs[0], limbs[1]
	for i := 0; i < MaxReadings; i++ {
		c.SensorData[i] = uint64(0)
		if i < len(w.SensorData) {
			c.SensorData[i] = w.SensorData[i]
		}
	}
	c.OracleKey.Assign(tedwards.BN254, st.OracleID[:])
	c.OracleSig.Assign(tedwards.BN254, w.OracleSig[:])
	return c, nil
}

// CheckEnergy compares the claimed energy with the weighted sensor sum.
func CheckEnergy(p Profile, energyWh uint64, readings []uint64) error {
	sum := field.WeightedSum(p.Weights, readings)
	if !sum.IsUint64() || sum.Uint64() != energyWh {
		return fmt.Errorf("%w: claimed %d, readings sum to %s", ErrEnergyMismatch, energyWh, sum)
	}
	return nil
}

// Prove produces a proof artifact for st. The prover rejects an energy claim
// that does not match the readings before touching the backend.
func Prove(keys *zkp.Keys, st Statement, w Witness) (*zkp.ProofArtifact, error) {
	a, err := Assignment(st, w)
	if err != nil {
		return nil, err
	}
	if err := CheckEnergy(st.Profile, st.EnergyWh, w.SensorData); err != nil {
		return nil, poeerr.Wrap(poeerr.KindInvalidArgument, "mint.prove", err)
	}
	return zkp.Prove(keys, a)
}

// Setup compiles the circuit and generates its keys.
func Setup() (*zkp.Keys, error) {
	return zkp.Setup(zkp.CircuitMint, &Circuit{})
}

// SetupOrLoad loads the circuit keys from dir, generating them on first use.
func SetupOrLoad(dir string) (*zkp.Keys, error) {
	return zkp.SetupOrLoad(dir, zkp.CircuitMint, &Circuit{})
}
