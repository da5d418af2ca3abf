package mint

import (
	"crypto/rand"
	"errors"
	"sync"
	"testing"

	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/test"

	"github.com/bitearth/poe-engine/internal/field"
	"github.com/bitearth/poe-engine/internal/oracle"
	"github.com/bitearth/poe-engine/internal/poeerr"
	"github.com/bitearth/poe-engine/internal/zkp"
)

const (
	testTimestamp = 1_700_000_000
	testBound     = 1_700_000_600
)

type fixture struct {
	deviceID [32]byte
	oracle   *oracle.Oracle
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	var id [32]byte
	copy(id[:], "meter_001")
	o, err := oracle.Generate(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return fixture{deviceID: id, oracle: o}
}

// claim returns a statement and witness for readings, with the oracle
// signing energyWh.
func (f fixture) claim(t *testing.T, energyWh uint64, readings []uint64) (Statement, Witness) {
	t.Helper()
	st := Statement{
		DeviceIDHash:     field.DeviceIDHash(f.deviceID),
		EnergyWh:         energyWh,
		Timestamp:        testTimestamp,
		CurrentTimeBound: testBound,
		OracleID:         f.oracle.ID(),
		Profile:          DefaultProfile(),
	}
	sig, err := f.oracle.Attest(oracle.Claim{DeviceIDHash: st.DeviceIDHash, EnergyWh: energyWh, Timestamp: st.Timestamp})
	if err != nil {
		t.Fatal(err)
	}
	return st, Witness{DeviceID: f.deviceID, SensorData: readings, OracleSig: &sig}
}

func TestCompile(t *testing.T) {
	ccs, err := frontend.Compile(field.Curve.ScalarField(), r1cs.NewBuilder, &Circuit{})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if want := 1 + 6 + MaxReadings; ccs.GetNbPublicVariables() != want {
		t.Fatalf("public variables = %d, want %d", ccs.GetNbPublicVariables(), want)
	}
}

func TestCircuitConstraints(t *testing.T) {
	f := newFixture(t)
	readings := []uint64{100, 200, 300}

	t.Run("weighted sum 1400", func(t *testing.T) {
		st, w := f.claim(t, 1400, readings)
		a, err := Assignment(st, w)
		if err != nil {
			t.Fatal(err)
		}
		if err := test.IsSolved(&Circuit{}, a, field.Curve.ScalarField()); err != nil {
			t.Fatalf("valid claim not solved: %v", err)
		}
	})

	t.Run("energy 1401 fails", func(t *testing.T) {
		st, w := f.claim(t, 1401, readings)
		a, err := Assignment(st, w)
		if err != nil {
			t.Fatal(err)
		}
		if err := test.IsSolved(&Circuit{}, a, field.Curve.ScalarField()); err == nil {
			t.Fatal("1401 Wh claim satisfied the circuit")
		}
	})

	t.Run("timestamp after bound", func(t *testing.T) {
		st, w := f.claim(t, 1400, readings)
		st.CurrentTimeBound = testTimestamp - 1
		a, _ := Assignment(st, w)
		if err := test.IsSolved(&Circuit{}, a, field.Curve.ScalarField()); err == nil {
			t.Fatal("stale bound satisfied the circuit")
		}
	})

	t.Run("timestamp equal to bound", func(t *testing.T) {
		st, w := f.claim(t, 1400, readings)
		st.CurrentTimeBound = testTimestamp
		a, _ := Assignment(st, w)
		if err := test.IsSolved(&Circuit{}, a, field.Curve.ScalarField()); err != nil {
			t.Fatalf("bound equal to timestamp rejected: %v", err)
		}
	})

	t.Run("wrong device id", func(t *testing.T) {
		st, w := f.claim(t, 1400, readings)
		w.DeviceID[31] ^= 1
		a, _ := Assignment(st, w)
		if err := test.IsSolved(&Circuit{}, a, field.Curve.ScalarField()); err == nil {
			t.Fatal("mismatched device id satisfied the circuit")
		}
	})

	t.Run("signature from another oracle", func(t *testing.T) {
		st, w := f.claim(t, 1400, readings)
		other := newFixture(t)
		_, ow := other.claim(t, 1400, readings)
		w.OracleSig = ow.OracleSig
		a, _ := Assignment(st, w)
		if err := test.IsSolved(&Circuit{}, a, field.Curve.ScalarField()); err == nil {
			t.Fatal("foreign signature satisfied the circuit")
		}
	})

	t.Run("oracle_valid zero", func(t *testing.T) {
		st, w := f.claim(t, 1400, readings)
		a, _ := Assignment(st, w)
		a.OracleValid = 0
		if err := test.IsSolved(&Circuit{}, a, field.Curve.ScalarField()); err == nil {
			t.Fatal("oracle_valid = 0 satisfied the circuit")
		}
	})

	t.Run("custom profile", func(t *testing.T) {
		st, w := f.claim(t, 100*3+200*3+300*3, readings)
		st.Profile = Profile{Name: "flat3", Weights: []uint64{3, 3, 3}}
		a, err := Assignment(st, w)
		if err != nil {
			t.Fatal(err)
		}
		if err := test.IsSolved(&Circuit{}, a, field.Curve.ScalarField()); err != nil {
			t.Fatalf("custom profile claim not solved: %v", err)
		}
	})
}

func TestAssignmentErrors(t *testing.T) {
	f := newFixture(t)
	st, w := f.claim(t, 1400, []uint64{100, 200, 300})

	t.Run("missing signature", func(t *testing.T) {
		w := w
		w.OracleSig = nil
		if _, err := Assignment(st, w); !errors.Is(err, poeerr.ErrAssignmentMissing) {
			t.Fatalf("expected AssignmentMissing, got %v", err)
		}
	})

	t.Run("missing readings", func(t *testing.T) {
		w := w
		w.SensorData = nil
		if _, err := Assignment(st, w); !errors.Is(err, poeerr.ErrAssignmentMissing) {
			t.Fatalf("expected AssignmentMissing, got %v", err)
		}
	})

	t.Run("too many readings", func(t *testing.T) {
		w := w
		w.SensorData = make([]uint64, MaxReadings+1)
		if _, err := Assignment(st, w); !errors.Is(err, ErrTooManyReadings) {
			t.Fatalf("expected ErrTooManyReadings, got %v", err)
		}
	})
}

var (
	keysOnce sync.Once
	keys     *zkp.Keys
	keysErr  error
)

func testKeys(t *testing.T) *zkp.Keys {
	t.Helper()
	keysOnce.Do(func() { keys, keysErr = Setup() })
	if keysErr != nil {
		t.Fatalf("Setup: %v", keysErr)
	}
	return keys
}

func TestProveAndVerify(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	k := testKeys(t)
	f := newFixture(t)
	st, w := f.claim(t, 1400, []uint64{100, 200, 300})

	art, err := Prove(k, st, w)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	expected, err := PublicInputs(st)
	if err != nil {
		t.Fatal(err)
	}
	if got := field.WeightedSum(st.Profile.Weights, w.SensorData); got.Uint64() != st.EnergyWh {
		t.Fatalf("weighted sum = %s, want %d", got, st.EnergyWh)
	}

	v := zkp.NewVerifier()
	v.RegisterKeys(k)
	if err := v.Verify(zkp.CircuitMint, art, expected); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	t.Run("every public input byte flip rejects", func(t *testing.T) {
		for i := range art.PublicInputs {
			bad := art.Clone()
			bad.PublicInputs[i][field.ElementSize-1] ^= 0x01
			if err := v.Verify(zkp.CircuitMint, bad, bad.PublicInputs); err == nil {
				t.Fatalf("flip in public input %d verified", i)
			}
		}
	})

	t.Run("claimed energy differs from recomputed", func(t *testing.T) {
		other := st
		other.EnergyWh = 1401
		exp, _ := PublicInputs(other)
		if err := v.Verify(zkp.CircuitMint, art, exp); !errors.Is(err, poeerr.ErrInvalidProof) {
			t.Fatalf("expected InvalidProof, got %v", err)
		}
	})

	t.Run("prover rejects mismatched energy", func(t *testing.T) {
		bad, bw := f.claim(t, 1401, []uint64{100, 200, 300})
		if _, err := Prove(k, bad, bw); !errors.Is(err, ErrEnergyMismatch) {
			t.Fatalf("expected ErrEnergyMismatch, got %v", err)
		}
	})
}
