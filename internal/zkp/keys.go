// keys.go - Circuit compilation, Groth16 key setup and key persistence.
//
// Keys are generated with a local groth16.Setup. A multi-party ceremony is out
// of scope; operators that run one can drop the resulting pk/vk files into the
// key directory and SetupOrLoad will pick them up.

package zkp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"golang.org/x/crypto/blake2b"

	"github.com/bitearth/poe-engine/internal/field"
)

// CircuitID names a circuit version. Artifacts are checked against the key
// registered for the declared circuit before any pairing work.
type CircuitID string

const (
	CircuitMint CircuitID = "poe-mint-v1"
	CircuitBurn CircuitID = "poe-burn-v1"
)

// Keys bundles everything needed to prove and verify one circuit.
type Keys struct {
	Circuit CircuitID
	CCS     constraint.ConstraintSystem
	PK      groth16.ProvingKey
	VK      groth16.VerifyingKey
	VKHash  Hash
}

// Compile builds the R1CS for circuit over the BN254 scalar field.
func Compile(circuit frontend.Circuit) (constraint.ConstraintSystem, error) {
	ccs, err := frontend.Compile(field.Curve.ScalarField(), r1cs.NewBuilder, circuit)
	if err != nil {
		return nil, fmt.Errorf("circuit compilation failed: %w", err)
	}
	return ccs, nil
}

// Setup compiles circuit and runs a fresh Groth16 setup.
func Setup(id CircuitID, circuit frontend.Circuit) (*Keys, error) {
	ccs, err := Compile(circuit)
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("groth16 setup for %s: %w", id, err)
	}
	return newKeys(id, ccs, pk, vk)
}

func newKeys(id CircuitID, ccs constraint.ConstraintSystem, pk groth16.ProvingKey, vk groth16.VerifyingKey) (*Keys, error) {
	h, err := HashVerifyingKey(vk)
	if err != nil {
		return nil, err
	}
	return &Keys{Circuit: id, CCS: ccs, PK: pk, VK: vk, VKHash: h}, nil
}

// HashVerifyingKey is the Blake2b-256 digest of the serialized key. It is the
// verification_key_hash carried by every artifact.
func HashVerifyingKey(vk groth16.VerifyingKey) (Hash, error) {
	var buf bytes.Buffer
	if _, err := vk.WriteTo(&buf); err != nil {
		return Hash{}, fmt.Errorf("serialize verifying key: %w", err)
	}
	return Hash(blake2b.Sum256(buf.Bytes())), nil
}

func keyPaths(dir string, id CircuitID) (ccsPath, pkPath, vkPath string) {
	base := filepath.Join(dir, string(id))
	return base + ".ccs", base + ".pk", base + ".vk"
}

// SaveKeys writes the constraint system and both keys under dir.
func SaveKeys(dir string, k *Keys) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	ccsPath, pkPath, vkPath := keyPaths(dir, k.Circuit)
	for _, f := range []struct {
		path string
		w    io.WriterTo
	}{
		{ccsPath, k.CCS},
		{pkPath, k.PK},
		{vkPath, k.VK},
	} {
		if err := writeFile(f.path, f.w); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, w io.WriterTo) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := w.WriteTo(f); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readFile(path string, r io.ReaderFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := r.ReadFrom(f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// LoadKeys reads keys previously written by SaveKeys.
func LoadKeys(dir string, id CircuitID) (*Keys, error) {
	ccsPath, pkPath, vkPath := keyPaths(dir, id)
	ccs := groth16.NewCS(field.Curve)
	if err := readFile(ccsPath, ccs); err != nil {
		return nil, err
	}
	pk := groth16.NewProvingKey(field.Curve)
	if err := readFile(pkPath, pk); err != nil {
		return nil, err
	}
	vk := groth16.NewVerifyingKey(field.Curve)
	if err := readFile(vkPath, vk); err != nil {
		return nil, err
	}
	return newKeys(id, ccs, pk, vk)
}

// LoadVerifyingKey reads only the verifying key, for verifier-only nodes.
func LoadVerifyingKey(dir string, id CircuitID) (groth16.VerifyingKey, error) {
	_, _, vkPath := keyPaths(dir, id)
	vk := groth16.NewVerifyingKey(field.Curve)
	if err := readFile(vkPath, vk); err != nil {
		return nil, err
	}
	return vk, nil
}

// SetupOrLoad loads keys for id from dir; if any file is missing it runs a
// fresh setup and saves the result.
func SetupOrLoad(dir string, id CircuitID, circuit frontend.Circuit) (*Keys, error) {
	k, err := LoadKeys(dir, id)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	k, err = Setup(id, circuit)
	if err != nil {
		return nil, err
	}
	if err := SaveKeys(dir, k); err != nil {
		return nil, err
	}
	return k, nil
}
