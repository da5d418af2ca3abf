// field.go - Deterministic encoding of bytes and integers into the BN254
// scalar field, and the native hashes that mirror the in-circuit ones.
//
// Everything a circuit recomputes is produced here off-circuit first:
//   - device identity commitments (Poseidon2 over two 128-bit limbs)
//   - oracle key commitments (Poseidon2 over the key's affine coordinates)
//   - attestation messages signed by oracles (MiMC over the public claim)
//
// The curve is BN254 because its scalar field is the base field of the
// twisted Edwards curve used for oracle EdDSA signatures.

package field

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/poseidon2"
)

// Curve is the proof system's curve. Its scalar field is the circuit field.
const Curve = ecc.BN254

// ElementSize is the width in bytes of an encoded field element.
const ElementSize = fr.Bytes

// LimbSize is the width of one identity limb. 16 bytes keep each limb below
// 2^128, far under the field modulus, so the limb split is injective.
const LimbSize = 16

var ErrNonCanonical = errors.New("field: value is not a canonical element")

// Element is the fixed-width big-endian encoding of a field element, the unit
// of the public-input wire format.
type Element [ElementSize]byte

// Modulus returns the scalar field modulus.
func Modulus() *big.Int {
	return fr.Modulus()
}

// ElementFromUint64 encodes v.
func ElementFromUint64(v uint64) Element {
	var e fr.Element
	e.SetUint64(v)
	return Element(e.Bytes())
}

// ElementFromBig encodes v, which must be in [0, modulus).
func ElementFromBig(v *big.Int) (Element, error) {
	if v.Sign() < 0 || v.Cmp(fr.Modulus()) >= 0 {
		return Element{}, ErrNonCanonical
	}
	var e fr.Element
	e.SetBigInt(v)
	return Element(e.Bytes()), nil
}

// Big returns the element as an integer.
func (e Element) Big() *big.Int {
	return new(big.Int).SetBytes(e[:])
}

// String renders the element in decimal, the form gnark accepts as a
// frontend.Variable assignment.
func (e Element) String() string {
	return e.Big().String()
}

// Hex renders the element as 64 hex digits, the form used in URLs, JSON
// and logs. UnmarshalText accepts it back.
func (e Element) Hex() string {
	return hex.EncodeToString(e[:])
}

// Check reports whether e is a canonical field element.
func (e Element) Check() error {
	var x fr.Element
	if err := x.SetBytesCanonical(e[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrNonCanonical, err)
	}
	return nil
}

// Limbs splits a 32-byte value into its high and low 16-byte big-endian halves.
func Limbs(b [32]byte) [2]*big.Int {
	return [2]*big.Int{
		new(big.Int).SetBytes(b[:LimbSize]),
		new(big.Int).SetBytes(b[LimbSize:]),
	}
}

// DeviceIDHash commits to a raw device identifier. It is the value the
// registry stores and the circuit exposes as device_id_hash.
func DeviceIDHash(deviceID [32]byte) Element {
	limbs := Limbs(deviceID)
	return poseidonSum(limbs[0], limbs[1])
}

// OracleKeyHash commits to an oracle's EdDSA public key coordinates.
func OracleKeyHash(x, y *big.Int) Element {
	return poseidonSum(x, y)
}

// AttestationMessage is the field element an oracle signs for a claim.
func AttestationMessage(deviceIDHash Element, energyWh, timestamp uint64) Element {
	h := mimc.NewMiMC()
	h.Write(deviceIDHash[:])
	writeUint64(h, energyWh)
	writeUint64(h, timestamp)
	var out Element
	copy(out[:], h.Sum(nil))
	return out
}

// MiMC hashes a sequence of elements with the circuit's MiMC parameters.
func MiMC(elems ...Element) Element {
	h := mimc.NewMiMC()
	for _, e := range elems {
		h.Write(e[:])
	}
	var out Element
	copy(out[:], h.Sum(nil))
	return out
}

// Poseidon hashes a sequence of integers, each reduced into the field, with
// the Merkle-Damgard Poseidon2 construction used in-circuit.
func Poseidon(vals ...*big.Int) Element {
	return poseidonSum(vals...)
}

func poseidonSum(vals ...*big.Int) Element {
	h := poseidon2.NewMerkleDamgardHasher()
	for _, v := range vals {
		var e fr.Element
		e.SetBigInt(v)
		b := e.Bytes()
		h.Write(b[:])
	}
	var out Element
	copy(out[:], h.Sum(nil))
	return out
}

func writeUint64(h interface{ Write([]byte) (int, error) }, v uint64) {
	var buf [ElementSize]byte
	binary.BigEndian.PutUint64(buf[ElementSize-8:], v)
	h.Write(buf[:])
}

// WeightedSum is the reference evaluation of the energy constraint:
// sum(weights[i] * readings[i]) over the shorter of the two sequences.
func WeightedSum(weights, readings []uint64) *big.Int {
	sum := new(big.Int)
	term := new(big.Int)
	n := len(readings)
	if len(weights) < n {
		n = len(weights)
	}
	for i := 0; i < n; i++ {
		term.SetUint64(weights[i])
		term.Mul(term, new(big.Int).SetUint64(readings[i]))
		sum.Add(sum, term)
	}
	return sum
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("field: crypto/rand failed: %v", err))
	}
	return b
}

// RandomElement returns a uniformly random field element.
func RandomElement() Element {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		panic(fmt.Sprintf("field: crypto/rand failed: %v", err))
	}
	return Element(e.Bytes())
}

// MarshalText renders the element as hex for JSON payloads.
func (e Element) MarshalText() ([]byte, error) {
	return []byte(e.Hex()), nil
}

// UnmarshalText parses a hex element and rejects non-canonical values.
func (e *Element) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("field: decode element: %w", err)
	}
	if len(b) != ElementSize {
		return fmt.Errorf("field: element must be %d bytes, got %d", ElementSize, len(b))
	}
	var out Element
	copy(out[:], b)
	if err := out.Check(); err != nil {
		return err
	}
	*e = out
	return nil
}
