// Package payment is the boundary to the external payment-commitment
// collaborator: the service that confirms a UTXO on Bitcoin, Litecoin or
// Cardano paid a given amount to a given recipient.
//
// The engine treats the collaborator as authoritative but untrusted until it
// answers true. Guarded wraps any Verifier with a timeout, bounded retries
// and a cache of confirmed outputs.
package payment

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Chain identifies a settlement chain.
type Chain uint8

const (
	ChainUnknown Chain = iota
	Bitcoin
	Litecoin
	Cardano
)

var chainNames = [...]string{"unknown", "bitcoin", "litecoin", "cardano"}

func (c Chain) String() string {
	if int(c) < len(chainNames) {
		return chainNames[c]
	}
	return fmt.Sprintf("chain(%d)", uint8(c))
}

// ParseChain maps a chain name to its identifier.
func ParseChain(s string) (Chain, error) {
	for i, name := range chainNames {
		if i > 0 && strings.EqualFold(s, name) {
			return Chain(i), nil
		}
	}
	return ChainUnknown, fmt.Errorf("payment: unsupported chain %q", s)
}

func (c Chain) MarshalText() ([]byte, error) {
	if c == ChainUnknown || int(c) >= len(chainNames) {
		return nil, fmt.Errorf("payment: cannot encode %s", c)
	}
	return []byte(c.String()), nil
}

func (c *Chain) UnmarshalText(text []byte) error {
	v, err := ParseChain(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// TxID is a transaction hash.
type TxID [32]byte

func (id TxID) String() string { return hex.EncodeToString(id[:]) }

func (id TxID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *TxID) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("payment: decode txid: %w", err)
	}
	if len(b) != len(id) {
		return fmt.Errorf("payment: txid must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return nil
}

// Key identifies one transaction output. It is the unit of payment replay
// protection: an output backs at most one mint.
type Key struct {
	Chain       Chain
	TxID        TxID
	OutputIndex uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Chain, k.TxID, k.OutputIndex)
}

// Bytes is a fixed-width encoding of k, used as a store key suffix.
func (k Key) Bytes() []byte {
	out := make([]byte, 1+len(k.TxID)+4)
	out[0] = byte(k.Chain)
	copy(out[1:], k.TxID[:])
	i := 1 + len(k.TxID)
	out[i] = byte(k.OutputIndex >> 24)
	out[i+1] = byte(k.OutputIndex >> 16)
	out[i+2] = byte(k.OutputIndex >> 8)
	out[i+3] = byte(k.OutputIndex)
	return out
}

// Recipient is a chain-tagged address.
type Recipient struct {
	Chain   Chain  `json:"chain"`
	Address string `json:"address"`
}

// RecipientKey is the fixed-width form of a Recipient: the chain tag and a
// Blake2b digest of the address.
type RecipientKey struct {
	Chain  Chain
	Digest [32]byte
}

func (r Recipient) Key() RecipientKey {
	return RecipientKey{Chain: r.Chain, Digest: blake2b.Sum256([]byte(r.Address))}
}

func (r Recipient) Validate() error {
	if r.Chain == ChainUnknown || int(r.Chain) >= len(chainNames) {
		return fmt.Errorf("payment: unsupported chain %s", r.Chain)
	}
	if r.Address == "" {
		return fmt.Errorf("payment: empty %s address", r.Chain)
	}
	return nil
}

// Claim asks the collaborator whether an output paid Amount to Recipient.
type Claim struct {
	Chain       Chain  `json:"chain"`
	TxID        TxID   `json:"txid"`
	OutputIndex uint32 `json:"output_index"`
	Amount      uint64 `json:"amount"`
	Recipient   string `json:"recipient"`
	Proof       []byte `json:"proof"`
}

func (c Claim) Key() Key {
	return Key{Chain: c.Chain, TxID: c.TxID, OutputIndex: c.OutputIndex}
}

// Verifier is the external payment-commitment collaborator. A false answer
// with a nil error means the payment does not exist as claimed.
type Verifier interface {
	VerifyPayment(ctx context.Context, c Claim) (bool, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, c Claim) (bool, error)

func (f VerifierFunc) VerifyPayment(ctx context.Context, c Claim) (bool, error) {
	return f(ctx, c)
}
