package payment

import (
	"context"
	"sync"
)

// MemoryVerifier is an in-process collaborator for development and tests.
// It confirms outputs registered with Settle. As with a real SPV check, a
// claim with an empty inclusion proof is never confirmed.
type MemoryVerifier struct {
	mu      sync.RWMutex
	outputs map[Key]Claim
	calls   int
}

func NewMemoryVerifier() *MemoryVerifier {
	return &MemoryVerifier{outputs: make(map[Key]Claim)}
}

// Settle records that an output paid c.Amount to c.Recipient.
func (m *MemoryVerifier) Settle(c Claim) {
	m.mu.Lock()
	m.outputs[c.Key()] = c
	m.mu.Unlock()
}

func (m *MemoryVerifier) VerifyPayment(ctx context.Context, c Claim) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(c.Proof) == 0 {
		return false, nil
	}
	out, ok := m.outputs[c.Key()]
	if !ok {
		return false, nil
	}
	return out.Amount >= c.Amount && out.Recipient == c.Recipient, nil
}

// Calls reports how many times VerifyPayment was invoked.
func (m *MemoryVerifier) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}
