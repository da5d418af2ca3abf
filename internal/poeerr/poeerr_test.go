package poeerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindMatching(t *testing.T) {
	err := New(KindReplayDetected, "mint.replay_guard", "counter %d <= %d", 4999, 5000)

	if !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("expected replay sentinel to match %v", err)
	}
	if errors.Is(err, ErrInvalidProof) {
		t.Fatalf("replay must be distinguishable from invalid proof")
	}

	wrapped := fmt.Errorf("http handler: %w", err)
	if KindOf(wrapped) != KindReplayDetected {
		t.Errorf("KindOf through fmt wrap = %v", KindOf(wrapped))
	}
}

func TestRetryable(t *testing.T) {
	t.Run("external", func(t *testing.T) {
		err := Wrap(KindExternalVerificationFailed, "payment", context.DeadlineExceeded)
		if !Retryable(err) {
			t.Error("payment timeout should be retryable")
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Error("cause should be reachable through Unwrap")
		}
	})

	t.Run("permanent", func(t *testing.T) {
		for _, k := range []Kind{KindInvalidProof, KindReplayDetected, KindNotAuthorized, KindInsufficientAmount, KindAssignmentMissing} {
			if Retryable(&Error{Kind: k}) {
				t.Errorf("%s should not be retryable", k)
			}
		}
		if Retryable(errors.New("plain")) {
			t.Error("unclassified errors are not retryable")
		}
	})
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindInvalidProof, "op", nil) != nil {
		t.Fatal("Wrap(nil) must be nil")
	}
}

func TestErrorString(t *testing.T) {
	err := New(KindNotAuthorized, "registry.certify", "caller %q is not admin", "mallory")
	want := `registry.certify: not_authorized: caller "mallory" is not admin`
	if err.Error() != want {
		t.Errorf("got %q want %q", err.Error(), want)
	}
	if ErrInsufficientAmount.Error() != "insufficient_amount" {
		t.Errorf("sentinel string = %q", ErrInsufficientAmount.Error())
	}
}
