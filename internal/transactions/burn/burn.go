package burn

import (
	"math/big"

	"github.com/bitearth/poe-engine/internal/field"
	"github.com/bitearth/poe-engine/internal/payment"
	"github.com/bitearth/poe-engine/internal/poeerr"
	"github.com/bitearth/poe-engine/internal/zkp"
)

// Statement is the public side of a burn.
type Statement struct {
	Amount    uint64
	HolderKey field.Element
	Nullifier field.Element
	Recipient payment.Recipient
}

// Witness is the private side of a burn.
type Witness struct {
	Secret *field.Element
	Nonce  *field.Element
}

// HolderKey is the public commitment to a holder secret. Its hex form is the
// ledger account that mints credit and burns debit.
func HolderKey(secret field.Element) field.Element {
	return field.Poseidon(secret.Big())
}

// Nullifier marks one spend of secret.
func Nullifier(secret, nonce field.Element) field.Element {
	return field.MiMC(secret, nonce)
}

// RecipientHash commits to the chain-tagged recipient address.
func RecipientHash(r payment.Recipient) field.Element {
	k := r.Key()
	return field.Poseidon(big.NewInt(int64(k.Chain)), new(big.Int).SetBytes(k.Digest[:]))
}

// NewStatement derives the public statement for burning amount from the
// holder identified by secret. Each burn needs a fresh nonce.
func NewStatement(amount uint64, secret, nonce field.Element, to payment.Recipient) Statement {
	return Statement{
		Amount:    amount,
		HolderKey: HolderKey(secret),
		Nullifier: Nullifier(secret, nonce),
		Recipient: to,
	}
}

// PublicInputs returns the burn circuit's public inputs in wire order.
func PublicInputs(st Statement) ([]field.Element, error) {
	if err := st.Recipient.Validate(); err != nil {
		return nil, poeerr.Wrap(poeerr.KindInvalidArgument, "burn.public_inputs", err)
	}
	return []field.Element{
		field.ElementFromUint64(st.Amount),
		st.HolderKey,
		st.Nullifier,
		RecipientHash(st.Recipient),
	}, nil
}

// Assignment builds the full circuit assignment.
func Assignment(st Statement, w Witness) (*Circuit, error) {
	const op = "burn.assign"
	if w.Secret == nil {
		return nil, poeerr.New(poeerr.KindAssignmentMissing, op, "holder secret not supplied")
	}
	if w.Nonce == nil {
		return nil, poeerr.New(poeerr.KindAssignmentMissing, op, "nonce not supplied")
	}
	if st.Amount == 0 {
		return nil, poeerr.New(poeerr.KindInsufficientAmount, op, "burn amount is zero")
	}
	pub, err := PublicInputs(st)
	if err != nil {
		return nil, err
	}
	return &Circuit{
		Amount:        st.Amount,
		HolderKey:     pub[1].String(),
		Nullifier:     pub[2].String(),
		RecipientHash: pub[3].String(),
		Secret:        w.Secret.String(),
		Nonce:         w.Nonce.String(),
	}, nil
}

// Prove produces a burn proof artifact.
func Prove(keys *zkp.Keys, st Statement, w Witness) (*zkp.ProofArtifact, error) {
	a, err := Assignment(st, w)
	if err != nil {
		return nil, err
	}
	return zkp.Prove(keys, a)
}

func Setup() (*zkp.Keys, error) {
	return zkp.Setup(zkp.CircuitBurn, &Circuit{})
}

func SetupOrLoad(dir string) (*zkp.Keys, error) {
	return zkp.SetupOrLoad(dir, zkp.CircuitBurn, &Circuit{})
}
