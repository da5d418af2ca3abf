// Package oracle implements the attestation side of the protocol: an oracle
// holds an EdDSA key on the BN254 twisted Edwards curve and signs the public
// claim (device_id_hash, energy_wh, timestamp) of each verified reading.
//
// The oracle's 32-byte identifier is its compressed public key, so the
// registry whitelist and the key used inside the circuit are the same value.
package oracle

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"github.com/consensys/gnark-crypto/hash"

	"github.com/bitearth/poe-engine/internal/field"
)

// SignatureSize is the byte length of an attestation signature.
const SignatureSize = 64

// IDSize is the byte length of an oracle identifier.
const IDSize = 32

var (
	ErrInvalidID        = errors.New("oracle: identifier is not a valid public key")
	ErrInvalidSignature = errors.New("oracle: signature does not verify")
)

// ID identifies an oracle; it is the compressed EdDSA public key.
type ID [IDSize]byte

func (id ID) String() string { return hex.EncodeToString(id[:]) }

func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ID) UnmarshalText(text []byte) error {
	return decodeHex(id[:], text)
}

// Signature is an EdDSA signature (compressed R || S).
type Signature [SignatureSize]byte

func (sig Signature) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(sig[:])), nil
}

func (sig *Signature) UnmarshalText(text []byte) error {
	return decodeHex(sig[:], text)
}

func decodeHex(dst, text []byte) error {
	b, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("oracle: decode hex: %w", err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("oracle: want %d bytes, got %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

// Claim is the public statement an oracle attests to.
type Claim struct {
	DeviceIDHash field.Element
	EnergyWh     uint64
	Timestamp    uint64
}

// Message returns the field element signed for the claim.
func (c Claim) Message() field.Element {
	return field.AttestationMessage(c.DeviceIDHash, c.EnergyWh, c.Timestamp)
}

// PublicKey decodes the identifier into a curve point.
func (id ID) PublicKey() (*eddsa.PublicKey, error) {
	var pk eddsa.PublicKey
	if _, err := pk.SetBytes(id[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return &pk, nil
}

// KeyHash returns the commitment to the oracle key that the circuit exposes
// as oracle_key_hash.
func (id ID) KeyHash() (field.Element, error) {
	pk, err := id.PublicKey()
	if err != nil {
		return field.Element{}, err
	}
	return field.OracleKeyHash(pk.A.X.BigInt(new(big.Int)), pk.A.Y.BigInt(new(big.Int))), nil
}

// Check reports whether sig decodes as an EdDSA signature.
func (sig Signature) Check() error {
	var s eddsa.Signature
	if _, err := s.SetBytes(sig[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// Oracle signs claims.
type Oracle struct {
	key *eddsa.PrivateKey
	id  ID
}

// Generate creates an oracle with a fresh key read from r.
func Generate(r io.Reader) (*Oracle, error) {
	key, err := eddsa.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("oracle keygen: %w", err)
	}
	return fromKey(key), nil
}

// FromBytes restores an oracle from PrivateKeyBytes output.
func FromBytes(b []byte) (*Oracle, error) {
	var key eddsa.PrivateKey
	if _, err := key.SetBytes(b); err != nil {
		return nil, fmt.Errorf("oracle key decode: %w", err)
	}
	return fromKey(&key), nil
}

func fromKey(key *eddsa.PrivateKey) *Oracle {
	var id ID
	copy(id[:], key.PublicKey.Bytes())
	return &Oracle{key: key, id: id}
}

// ID returns the oracle identifier.
func (o *Oracle) ID() ID { return o.id }

// PrivateKeyBytes serializes the signing key.
func (o *Oracle) PrivateKeyBytes() []byte { return o.key.Bytes() }

// Attest signs the claim.
func (o *Oracle) Attest(c Claim) (Signature, error) {
	msg := c.Message()
	raw, err := o.key.Sign(msg[:], hash.MIMC_BN254.New())
	if err != nil {
		return Signature{}, fmt.Errorf("oracle sign: %w", err)
	}
	var sig Signature
	if len(raw) != SignatureSize {
		return sig, fmt.Errorf("oracle sign: unexpected signature length %d", len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

// Verify checks sig over c under id, natively.
func Verify(id ID, sig Signature, c Claim) error {
	pk, err := id.PublicKey()
	if err != nil {
		return err
	}
	msg := c.Message()
	ok, err := pk.Verify(sig[:], msg[:], hash.MIMC_BN254.New())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}
