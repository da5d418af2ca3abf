package burn

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"

	"github.com/bitearth/poe-engine/internal/field"
)

// Circuit proves knowledge of the secret behind HolderKey and binds the burn
// to a one-time nullifier and a recipient. The ledger holds the balance of
// each holder key and debits it; the circuit only authorizes the spend.
type Circuit struct {
	// ====== PUBLIC VARIABLES ======
	Amount        frontend.Variable `gnark:",public"`
	HolderKey     frontend.Variable `gnark:",public"` // Poseidon2(secret)
	Nullifier     frontend.Variable `gnark:",public"` // MiMC(secret, nonce)
	RecipientHash frontend.Variable `gnark:",public"`

	// ====== PRIVATE VARIABLES ======
	Secret frontend.Variable
	Nonce  frontend.Variable
}

// Define implements the burn constraints.
func (c *Circuit) Define(api frontend.API) error {
	// 1) holder_key = Poseidon2(secret)
	h, err := field.NewPoseidonHasher(api)
	if err != nil {
		return err
	}
	h.Write(c.Secret)
	api.AssertIsEqual(h.Sum(), c.HolderKey)

	// 2) nullifier = MiMC(secret, nonce)
	m, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	m.Write(c.Secret, c.Nonce)
	api.AssertIsEqual(m.Sum(), c.Nullifier)

	// 3) 0 < amount < 2^64
	api.ToBinary(c.Amount, 64)
	api.AssertIsDifferent(c.Amount, 0)

	// 4) a recipient is named
	api.AssertIsDifferent(c.RecipientHash, 0)
	return nil
}
