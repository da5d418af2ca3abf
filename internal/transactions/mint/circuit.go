package mint

import (
	tedwards "github.com/consensys/gnark-crypto/ecc/twistededwards"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/algebra/native/twistededwards"
	"github.com/consensys/gnark/std/hash/mimc"
	"github.com/consensys/gnark/std/signature/eddsa"

	"github.com/bitearth/poe-engine/internal/field"
)

// MaxReadings is the number of sensor slots compiled into the circuit.
// Shorter sequences are zero padded.
const MaxReadings = 16

// Circuit proves that a certified device produced EnergyWh at Timestamp,
// attested by the oracle committed to in OracleKeyHash, without revealing
// the device identifier or the raw readings.
//
// Public input order on the wire follows the field declaration order below.
type Circuit struct {
	// ====== PUBLIC VARIABLES ======
	DeviceIDHash     frontend.Variable              `gnark:",public"`
	EnergyWh         frontend.Variable              `gnark:",public"`
	Timestamp        frontend.Variable              `gnark:",public"`
	OracleValid      frontend.Variable              `gnark:",public"`
	CurrentTimeBound frontend.Variable              `gnark:",public"`
	OracleKeyHash    frontend.Variable              `gnark:",public"`
	Weights          [MaxReadings]frontend.Variable `gnark:",public"` // calibration profile

	// ====== PRIVATE VARIABLES ======
	DeviceID   [2]frontend.Variable // high and low 128-bit limbs
	SensorData [MaxReadings]frontend.Variable
	OracleKey  eddsa.PublicKey
	OracleSig  eddsa.Signature
}

// Define implements the four proof-of-energy constraints.
func (c *Circuit) Define(api frontend.API) error {
	// 1) Identity binding: Poseidon2(limbs) == device_id_hash
	api.ToBinary(c.DeviceID[0], 128)
	api.ToBinary(c.DeviceID[1], 128)
	idHasher, err := field.NewPoseidonHasher(api)
	if err != nil {
		return err
	}
	idHasher.Write(c.DeviceID[0], c.DeviceID[1])
	api.AssertIsEqual(idHasher.Sum(), c.DeviceIDHash)

	// 2) Energy: sum(w_i * s_i) == energy_wh
	var sum frontend.Variable = 0
	for i := 0; i < MaxReadings; i++ {
		api.ToBinary(c.SensorData[i], 64)
		api.ToBinary(c.Weights[i], 64)
		sum = api.Add(sum, api.Mul(c.Weights[i], c.SensorData[i]))
	}
	api.ToBinary(c.EnergyWh, 64)
	api.AssertIsEqual(sum, c.EnergyWh)

	// 3) Freshness: timestamp <= current_time_bound
	api.ToBinary(c.Timestamp, 64)
	api.ToBinary(c.CurrentTimeBound, 64)
	api.AssertIsLessOrEqual(c.Timestamp, c.CurrentTimeBound)

	// 4) Oracle attestation
	api.AssertIsEqual(c.OracleValid, 1)

	keyHasher, err := field.NewPoseidonHasher(api)
	if err != nil {
		return err
	}
	keyHasher.Write(c.OracleKey.A.X, c.OracleKey.A.Y)
	api.AssertIsEqual(keyHasher.Sum(), c.OracleKeyHash)

	msgHasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	msgHasher.Write(c.DeviceIDHash, c.EnergyWh, c.Timestamp)
	msg := msgHasher.Sum()

	curve, err := twistededwards.NewEdCurve(api, tedwards.BN254)
	if err != nil {
		return err
	}
	sigHasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	return eddsa.Verify(curve, c.OracleSig, msg, c.OracleKey, &sigHasher)
}
