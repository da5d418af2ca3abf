package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHTTPVerifier(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "node syncing", http.StatusServiceUnavailable)
			return
		}
		var c Claim
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(confirmation{Confirmed: c.Amount <= 5000})
	}))
	defer srv.Close()

	g := NewGuarded(NewHTTPVerifier(srv.URL), GuardConfig{Timeout: time.Second, Retries: 1, Backoff: time.Millisecond}, zerolog.Nop())
	if err := g.Check(context.Background(), testClaim()); err != nil {
		t.Fatalf("retry after 503 failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}

	over := testClaim()
	over.OutputIndex = 9
	over.Amount = 6000
	if err := g.Check(context.Background(), over); err == nil {
		t.Fatal("unconfirmed payment accepted")
	}
}
