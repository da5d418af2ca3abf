package zkp

import (
	"bytes"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"

	"github.com/bitearth/poe-engine/internal/field"
	"github.com/bitearth/poe-engine/internal/poeerr"
)

// Prove builds the full witness from assignment, runs the Groth16 prover and
// packages the result. Blinding randomness differs per call, so two proofs
// of the same statement differ byte-wise but verify identically.
func Prove(keys *Keys, assignment frontend.Circuit) (*ProofArtifact, error) {
	const op = "zkp.prove"
	w, err := frontend.NewWitness(assignment, field.Curve.ScalarField())
	if err != nil {
		return nil, poeerr.Wrap(poeerr.KindAssignmentMissing, op, err)
	}
	proof, err := groth16.Prove(keys.CCS, keys.PK, w)
	if err != nil {
		// An unsatisfied constraint surfaces here.
		return nil, poeerr.Wrap(poeerr.KindInvalidProof, op, err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize proof: %w", err)
	}

	pub, err := w.Public()
	if err != nil {
		return nil, fmt.Errorf("extract public witness: %w", err)
	}
	vec, ok := pub.Vector().(fr.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected witness vector %T", pub.Vector())
	}
	inputs := make([]field.Element, len(vec))
	for i := range vec {
		inputs[i] = field.Element(vec[i].Bytes())
	}

	return &ProofArtifact{
		Proof:        buf.Bytes(),
		PublicInputs: inputs,
		VKHash:       keys.VKHash,
	}, nil
}
