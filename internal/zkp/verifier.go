package zkp

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
	"golang.org/x/sync/errgroup"

	"github.com/bitearth/poe-engine/internal/field"
	"github.com/bitearth/poe-engine/internal/poeerr"
)

type registeredKey struct {
	vk   groth16.VerifyingKey
	hash Hash
}

// Verifier checks proof artifacts against a keyring of verifying keys, one
// per circuit. It holds no mutable protocol state and is safe for concurrent
// use.
type Verifier struct {
	mu   sync.RWMutex
	keys map[CircuitID]registeredKey

	// OnVerify, if set, observes every verification outcome.
	OnVerify func(id CircuitID, took time.Duration, err error)
}

func NewVerifier() *Verifier {
	return &Verifier{keys: make(map[CircuitID]registeredKey)}
}

// Register installs vk for circuit id, replacing any previous key.
func (v *Verifier) Register(id CircuitID, vk groth16.VerifyingKey) error {
	h, err := HashVerifyingKey(vk)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.keys[id] = registeredKey{vk: vk, hash: h}
	v.mu.Unlock()
	return nil
}

// RegisterKeys installs the verifying half of k.
func (v *Verifier) RegisterKeys(k *Keys) {
	v.mu.Lock()
	v.keys[k.Circuit] = registeredKey{vk: k.VK, hash: k.VKHash}
	v.mu.Unlock()
}

// Circuits lists the registered circuit ids.
func (v *Verifier) Circuits() []CircuitID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]CircuitID, 0, len(v.keys))
	for id := range v.keys {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KeyHash returns the hash of the key registered for id.
func (v *Verifier) KeyHash(id CircuitID) (Hash, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	k, ok := v.keys[id]
	return k.hash, ok
}

// Verify accepts art only if it was produced with the key registered for id
// and over exactly the public inputs in expected. expected must be derived by
// the caller from its own state, never copied from the artifact.
func (v *Verifier) Verify(id CircuitID, art *ProofArtifact, expected []field.Element) (err error) {
	if v.OnVerify != nil {
		start := time.Now()
		defer func() { v.OnVerify(id, time.Since(start), err) }()
	}
	return v.verify(id, art, expected)
}

func (v *Verifier) verify(id CircuitID, art *ProofArtifact, expected []field.Element) error {
	const op = "zkp.verify"
	if art == nil {
		return poeerr.New(poeerr.KindInvalidProof, op, "no artifact")
	}
	v.mu.RLock()
	k, ok := v.keys[id]
	v.mu.RUnlock()
	if !ok {
		return poeerr.New(poeerr.KindInvalidProof, op, "no verifying key for circuit %q", id)
	}
	if art.VKHash != k.hash {
		return poeerr.New(poeerr.KindInvalidProof, op, "verifying key hash mismatch for circuit %q", id)
	}

	if len(art.PublicInputs) != len(expected) {
		return poeerr.New(poeerr.KindInvalidProof, op, "got %d public inputs, want %d", len(art.PublicInputs), len(expected))
	}
	for i := range expected {
		if art.PublicInputs[i] != expected[i] {
			return poeerr.New(poeerr.KindInvalidProof, op, "public input %d does not match recomputed value", i)
		}
	}

	proof := groth16.NewProof(field.Curve)
	if _, err := proof.ReadFrom(bytes.NewReader(art.Proof)); err != nil {
		return poeerr.Wrap(poeerr.KindInvalidProof, op, fmt.Errorf("decode proof: %w", err))
	}
	pub, err := PublicWitness(expected)
	if err != nil {
		return poeerr.Wrap(poeerr.KindInvalidProof, op, err)
	}
	if err := groth16.Verify(proof, k.vk, pub); err != nil {
		return poeerr.Wrap(poeerr.KindInvalidProof, op, err)
	}
	return nil
}

// PublicWitness rebuilds a gnark public witness from wire-format inputs.
func PublicWitness(inputs []field.Element) (witness.Witness, error) {
	w, err := witness.New(field.Curve.ScalarField())
	if err != nil {
		return nil, err
	}
	ch := make(chan any, len(inputs))
	for _, e := range inputs {
		if err := e.Check(); err != nil {
			return nil, err
		}
		ch <- e.Big()
	}
	close(ch)
	if err := w.Fill(len(inputs), 0, ch); err != nil {
		return nil, fmt.Errorf("fill public witness: %w", err)
	}
	return w, nil
}

// Job is one unit of work for VerifyBatch.
type Job struct {
	Circuit  CircuitID
	Artifact *ProofArtifact
	Expected []field.Element
}

// VerifyBatch verifies jobs on up to workers goroutines and returns one
// result per job, in order. A nil entry means the job verified. Jobs not
// started before ctx is cancelled report ctx.Err().
func (v *Verifier) VerifyBatch(ctx context.Context, jobs []Job, workers int) []error {
	if workers < 1 {
		workers = 1
	}
	results := make([]error, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range jobs {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = err
				return nil
			}
			results[i] = v.Verify(jobs[i].Circuit, jobs[i].Artifact, jobs[i].Expected)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
