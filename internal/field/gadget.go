package field

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr/poseidon2"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash"
	perm "github.com/consensys/gnark/std/permutation/poseidon2"
)

// NewPoseidonHasher returns the in-circuit counterpart of Poseidon: a
// Merkle-Damgard hasher over the BN254 Poseidon2 permutation with the
// gnark-crypto default parameters and a zero initial state.
func NewPoseidonHasher(api frontend.API) (hash.FieldHasher, error) {
	p := poseidon2.GetDefaultParameters()
	f, err := perm.NewPoseidon2FromParameters(api, p.Width, p.NbFullRounds, p.NbPartialRounds)
	if err != nil {
		return nil, fmt.Errorf("poseidon2 permutation: %w", err)
	}
	return hash.NewMerkleDamgardHasher(api, f, 0), nil
}
