package payment

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bitearth/poe-engine/internal/poeerr"
)

// GuardConfig bounds calls to the collaborator.
type GuardConfig struct {
	Timeout time.Duration // per attempt
	Retries int           // extra attempts after the first
	Backoff time.Duration // wait between attempts, doubled each time
}

// DefaultGuardConfig matches the daemon defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{Timeout: 5 * time.Second, Retries: 2, Backoff: 200 * time.Millisecond}
}

// Guarded wraps a Verifier with a per-attempt timeout, bounded retries on
// transport errors and a cache of outputs already confirmed. Confirmation
// is cached by Key; a cached claim for the same output with a different
// amount or recipient is re-checked.
type Guarded struct {
	inner Verifier
	cfg   GuardConfig
	log   zerolog.Logger

	mu        sync.Mutex
	confirmed map[Key]Claim
}

func NewGuarded(inner Verifier, cfg GuardConfig, log zerolog.Logger) *Guarded {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGuardConfig().Timeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Guarded{
		inner:     inner,
		cfg:       cfg,
		log:       log.With().Str("component", "payment").Logger(),
		confirmed: make(map[Key]Claim),
	}
}

// Check returns nil if the collaborator confirms c, and an
// ExternalVerificationFailed error otherwise.
func (g *Guarded) Check(ctx context.Context, c Claim) error {
	const op = "payment.verify"
	if c.Chain == ChainUnknown || int(c.Chain) >= len(chainNames) {
		return poeerr.New(poeerr.KindInvalidArgument, op, "unsupported chain %s", c.Chain)
	}
	key := c.Key()
	if g.cached(key, c) {
		return nil
	}

	backoff := g.cfg.Backoff
	var lastErr error
	for attempt := 0; attempt <= g.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return poeerr.Wrap(poeerr.KindExternalVerificationFailed, op, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		ok, err := g.attempt(ctx, c)
		if err == nil {
			if !ok {
				g.log.Info().Str("payment", key.String()).Msg("payment not confirmed")
				return poeerr.New(poeerr.KindExternalVerificationFailed, op, "payment %s not confirmed", key)
			}
			g.mu.Lock()
			g.confirmed[key] = c
			g.mu.Unlock()
			return nil
		}
		lastErr = err
		g.log.Warn().Err(err).Str("payment", key.String()).Int("attempt", attempt+1).Msg("payment check failed")
		if ctx.Err() != nil {
			break
		}
	}
	return poeerr.Wrap(poeerr.KindExternalVerificationFailed, op, lastErr)
}

func (g *Guarded) attempt(ctx context.Context, c Claim) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := g.inner.VerifyPayment(ctx, c)
		done <- result{ok, err}
	}()
	select {
	case r := <-done:
		return r.ok, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (g *Guarded) cached(key Key, c Claim) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev, ok := g.confirmed[key]
	return ok && prev.Amount == c.Amount && prev.Recipient == c.Recipient
}
