package zkp

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/bitearth/poe-engine/internal/field"
)

// Hash is a 32-byte digest rendered as hex in JSON.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != len(h) {
		return fmt.Errorf("hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return nil
}

// Bytes is an opaque byte string rendered as hex in JSON.
type Bytes []byte

func (b Bytes) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(b)), nil }

func (b *Bytes) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("decode bytes: %w", err)
	}
	*b = raw
	return nil
}

// ProofArtifact is the only object that crosses the verification boundary:
// the serialized Groth16 proof, the ordered public inputs it was produced
// against and the hash of the key that verifies it.
type ProofArtifact struct {
	Proof        Bytes           `cbor:"1,keyasint" json:"proof"`
	PublicInputs []field.Element `cbor:"2,keyasint" json:"public_inputs"`
	VKHash       Hash            `cbor:"3,keyasint" json:"vk_hash"`
}

var encMode, _ = cbor.CoreDetEncOptions().EncMode()

// wireArtifact has ProofArtifact's layout without its methods, so the codec
// encodes the fields instead of calling back into MarshalBinary.
type wireArtifact ProofArtifact

// MarshalBinary encodes the artifact as deterministic CBOR.
func (a *ProofArtifact) MarshalBinary() ([]byte, error) {
	return encMode.Marshal((*wireArtifact)(a))
}

// UnmarshalBinary decodes a CBOR artifact.
func (a *ProofArtifact) UnmarshalBinary(data []byte) error {
	var out ProofArtifact
	if err := cbor.Unmarshal(data, (*wireArtifact)(&out)); err != nil {
		return fmt.Errorf("decode proof artifact: %w", err)
	}
	*a = out
	return nil
}

// InputsHash digests the ordered public inputs. Burns use it as their
// idempotency key.
func (a *ProofArtifact) InputsHash() Hash {
	h, _ := blake2b.New256(nil)
	for _, e := range a.PublicInputs {
		h.Write(e[:])
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Clone returns a deep copy, so callers can mutate without touching the original.
func (a *ProofArtifact) Clone() *ProofArtifact {
	out := &ProofArtifact{
		Proof:        append(Bytes(nil), a.Proof...),
		PublicInputs: append([]field.Element(nil), a.PublicInputs...),
		VKHash:       a.VKHash,
	}
	return out
}
