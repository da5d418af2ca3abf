package payment

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bitearth/poe-engine/internal/poeerr"
)

func testClaim() Claim {
	var id TxID
	id[0] = 0xab
	return Claim{Chain: Bitcoin, TxID: id, OutputIndex: 1, Amount: 5000, Recipient: "bc1qprosumer", Proof: []byte{1}}
}

func TestMemoryVerifier(t *testing.T) {
	m := NewMemoryVerifier()
	c := testClaim()
	ctx := context.Background()

	if ok, _ := m.VerifyPayment(ctx, c); ok {
		t.Fatal("unsettled output confirmed")
	}
	m.Settle(c)
	if ok, _ := m.VerifyPayment(ctx, c); !ok {
		t.Fatal("settled output not confirmed")
	}

	t.Run("empty proof", func(t *testing.T) {
		bad := c
		bad.Proof = nil
		if ok, _ := m.VerifyPayment(ctx, bad); ok {
			t.Fatal("empty proof confirmed")
		}
	})

	t.Run("other recipient", func(t *testing.T) {
		bad := c
		bad.Recipient = "bc1qmallory"
		if ok, _ := m.VerifyPayment(ctx, bad); ok {
			t.Fatal("wrong recipient confirmed")
		}
	})

	t.Run("same txid other chain", func(t *testing.T) {
		bad := c
		bad.Chain = Litecoin
		if ok, _ := m.VerifyPayment(ctx, bad); ok {
			t.Fatal("output confirmed on the wrong chain")
		}
	})
}

func TestGuardedRetries(t *testing.T) {
	var calls atomic.Int32
	flaky := VerifierFunc(func(ctx context.Context, c Claim) (bool, error) {
		if calls.Add(1) < 3 {
			return false, errors.New("rpc unavailable")
		}
		return true, nil
	})
	g := NewGuarded(flaky, GuardConfig{Timeout: time.Second, Retries: 2, Backoff: time.Millisecond}, zerolog.Nop())
	if err := g.Check(context.Background(), testClaim()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}

	t.Run("cached", func(t *testing.T) {
		if err := g.Check(context.Background(), testClaim()); err != nil {
			t.Fatal(err)
		}
		if calls.Load() != 3 {
			t.Fatalf("cached claim hit the collaborator again")
		}
	})
}

func TestGuardedFailures(t *testing.T) {
	t.Run("not confirmed", func(t *testing.T) {
		g := NewGuarded(NewMemoryVerifier(), DefaultGuardConfig(), zerolog.Nop())
		err := g.Check(context.Background(), testClaim())
		if !errors.Is(err, poeerr.ErrExternalVerificationFailed) || !poeerr.Retryable(err) {
			t.Fatalf("expected retryable ExternalVerificationFailed, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		slow := VerifierFunc(func(ctx context.Context, c Claim) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		})
		g := NewGuarded(slow, GuardConfig{Timeout: 10 * time.Millisecond, Retries: 1, Backoff: time.Millisecond}, zerolog.Nop())
		start := time.Now()
		err := g.Check(context.Background(), testClaim())
		if !errors.Is(err, poeerr.ErrExternalVerificationFailed) {
			t.Fatalf("expected ExternalVerificationFailed, got %v", err)
		}
		if time.Since(start) > time.Second {
			t.Fatal("timeout not enforced")
		}
	})

	t.Run("unknown chain", func(t *testing.T) {
		g := NewGuarded(NewMemoryVerifier(), DefaultGuardConfig(), zerolog.Nop())
		c := testClaim()
		c.Chain = ChainUnknown
		if err := g.Check(context.Background(), c); !errors.Is(err, poeerr.ErrInvalidArgument) {
			t.Fatalf("expected InvalidArgument, got %v", err)
		}
	})
}

func TestChainText(t *testing.T) {
	for _, c := range []Chain{Bitcoin, Litecoin, Cardano} {
		b, err := c.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var got Chain
		if err := got.UnmarshalText(b); err != nil || got != c {
			t.Fatalf("%s: got %s, %v", c, got, err)
		}
	}
	if _, err := ParseChain("dogecoin"); err == nil {
		t.Fatal("unsupported chain parsed")
	}
}

func TestRecipientKeyDistinct(t *testing.T) {
	a := Recipient{Chain: Bitcoin, Address: "addr1"}.Key()
	b := Recipient{Chain: Cardano, Address: "addr1"}.Key()
	if a == b {
		t.Fatal("same address on different chains produced equal keys")
	}
}
