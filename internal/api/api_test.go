package api

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/bitearth/poe-engine/internal/field"
	"github.com/bitearth/poe-engine/internal/ledger"
	"github.com/bitearth/poe-engine/internal/oracle"
	"github.com/bitearth/poe-engine/internal/payment"
	"github.com/bitearth/poe-engine/internal/poeerr"
	"github.com/bitearth/poe-engine/internal/registry"
	"github.com/bitearth/poe-engine/internal/store"
	"github.com/bitearth/poe-engine/internal/zkp"
)

const admin = "dao"

var secret = []byte("test-secret")

// acceptAll stands in for the Groth16 verifier; ledger tests cover real proofs.
type acceptAll struct{}

func (acceptAll) Verify(zkp.CircuitID, *zkp.ProofArtifact, []field.Element) error { return nil }

type harness struct {
	srv      *httptest.Server
	reg      *registry.Registry
	payments *payment.MemoryVerifier
	oracle   *oracle.Oracle
	device   field.Element
	now      time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st := store.NewMemory()
	reg := registry.New(st, admin)
	o, err := oracle.Generate(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.AddOracle(admin, o.ID()); err != nil {
		t.Fatal(err)
	}
	var id [32]byte
	copy(id[:], "meter_001")
	dev := field.DeviceIDHash(id)
	if err := reg.CertifyDevice(admin, dev, "wallet-1"); err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_000, 0)
	mem := payment.NewMemoryVerifier()
	m, err := ledger.NewMinter(st, acceptAll{}, payment.NewGuarded(mem, payment.DefaultGuardConfig(), zerolog.Nop()),
		ledger.DefaultParams(), ledger.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	cfg.JWTSecret = secret
	s := New(cfg, m, reg, zkp.NewVerifier())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, reg: reg, payments: mem, oracle: o, device: dev, now: now}
}

func (h *harness) mintBody(t *testing.T, cumulative, energy uint64, tx byte) []byte {
	t.Helper()
	pay := payment.Claim{Chain: payment.Bitcoin, TxID: payment.TxID{tx}, Amount: 10, Recipient: "bc1q", Proof: []byte{1}}
	h.payments.Settle(pay)
	req := ledger.MintRequest{
		Packet: ledger.Packet{
			DeviceIDHash:     h.device,
			EnergyWh:         energy,
			Timestamp:        uint64(h.now.Unix()) - 10,
			CurrentTimeBound: uint64(h.now.Unix()),
			CumulativeEnergy: uint256.NewInt(cumulative),
			OracleID:         h.oracle.ID(),
		},
		Artifact: &zkp.ProofArtifact{Proof: zkp.Bytes{1}},
		Payment:  &pay,
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func (h *harness) do(t *testing.T, method, path, token string, body []byte) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		var raw json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			t.Fatal(err)
		}
		json.Unmarshal(raw, &out) // arrays leave out nil
	}
	return resp, out
}

func TestMintEndpoint(t *testing.T) {
	h := newHarness(t, Config{MintRate: 100, MintBurst: 100})

	resp, body := h.do(t, "POST", "/v1/mint", "", h.mintBody(t, 2_000_000, 2_000_000, 1))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %v", resp.StatusCode, body)
	}
	if body["tokens"].(float64) != 2 {
		t.Fatalf("receipt = %v", body)
	}

	t.Run("replay", func(t *testing.T) {
		resp, body := h.do(t, "POST", "/v1/mint", "", h.mintBody(t, 2_000_000, 2_000_000, 2))
		if resp.StatusCode != http.StatusConflict || body["kind"] != "replay_detected" {
			t.Fatalf("status %d: %v", resp.StatusCode, body)
		}
	})

	t.Run("dust", func(t *testing.T) {
		resp, body := h.do(t, "POST", "/v1/mint", "", h.mintBody(t, 3_000_000, 999_999, 3))
		if resp.StatusCode != http.StatusUnprocessableEntity || body["kind"] != "insufficient_amount" {
			t.Fatalf("status %d: %v", resp.StatusCode, body)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		resp, _ := h.do(t, "POST", "/v1/mint", "", []byte(`{"packet":{"device_id_hash":"zz"}}`))
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})

	t.Run("totals", func(t *testing.T) {
		resp, body := h.do(t, "GET", "/v1/totals", "", nil)
		if resp.StatusCode != http.StatusOK || body["total_minted"].(float64) != 2 {
			t.Fatalf("status %d: %v", resp.StatusCode, body)
		}
	})

	t.Run("device view", func(t *testing.T) {
		resp, body := h.do(t, "GET", "/v1/devices/"+h.device.Hex(), "", nil)
		if resp.StatusCode != http.StatusOK || body["cumulative_energy"] != "2000000" {
			t.Fatalf("status %d: %v", resp.StatusCode, body)
		}
	})

	t.Run("balance", func(t *testing.T) {
		resp, body := h.do(t, "GET", "/v1/balances/wallet-1", "", nil)
		if resp.StatusCode != http.StatusOK || body["balance"].(float64) != 1 {
			t.Fatalf("status %d: %v", resp.StatusCode, body)
		}
	})

	t.Run("decimal device id rejected", func(t *testing.T) {
		resp, _ := h.do(t, "GET", "/v1/devices/"+h.device.String(), "", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})
}

func TestMintRateLimited(t *testing.T) {
	h := newHarness(t, Config{MintRate: 0.001, MintBurst: 1})
	resp, _ := h.do(t, "POST", "/v1/mint", "", h.mintBody(t, 1_000_000, 1_000_000, 1))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first: status %d", resp.StatusCode)
	}
	resp, body := h.do(t, "POST", "/v1/mint", "", h.mintBody(t, 2_000_000, 1_000_000, 2))
	if resp.StatusCode != http.StatusTooManyRequests || body["retryable"] != true {
		t.Fatalf("second: status %d: %v", resp.StatusCode, body)
	}
}

func TestAdminEndpoints(t *testing.T) {
	h := newHarness(t, Config{})
	adminToken, err := IssueToken(secret, admin, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	var id [32]byte
	copy(id[:], "meter_002")
	dev := field.DeviceIDHash(id)
	path := "/v1/admin/devices/" + dev.Hex()

	t.Run("no token", func(t *testing.T) {
		resp, _ := h.do(t, "POST", path+"/certify", "", []byte(`{"wallet":"w"}`))
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})

	t.Run("foreign secret", func(t *testing.T) {
		tok, _ := IssueToken([]byte("other"), admin, time.Minute)
		resp, _ := h.do(t, "POST", path+"/certify", tok, []byte(`{"wallet":"w"}`))
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})

	t.Run("not the admin", func(t *testing.T) {
		tok, _ := IssueToken(secret, "mallory", time.Minute)
		resp, body := h.do(t, "POST", path+"/certify", tok, []byte(`{"wallet":"w"}`))
		if resp.StatusCode != http.StatusForbidden || body["kind"] != "not_authorized" {
			t.Fatalf("status %d: %v", resp.StatusCode, body)
		}
	})

	t.Run("lifecycle", func(t *testing.T) {
		for _, step := range []struct {
			action, body, status string
		}{
			{"propose", `{"wallet":"w2"}`, "pending"},
			{"certify", `{"wallet":"w2"}`, "certified"},
			{"suspend", ``, "suspended"},
			{"reinstate", ``, "certified"},
			{"decommission", ``, "decommissioned"},
		} {
			resp, body := h.do(t, "POST", path+"/"+step.action, adminToken, []byte(step.body))
			if resp.StatusCode != http.StatusOK || body["status"] != step.status {
				t.Fatalf("%s: status %d: %v", step.action, resp.StatusCode, body)
			}
		}
		resp, body := h.do(t, "POST", path+"/reinstate", adminToken, nil)
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("reinstate decommissioned: status %d: %v", resp.StatusCode, body)
		}
	})

	t.Run("add oracle", func(t *testing.T) {
		o, _ := oracle.Generate(rand.Reader)
		body := []byte(fmt.Sprintf(`{"id":%q}`, o.ID().String()))
		resp, out := h.do(t, "POST", "/v1/admin/oracles", adminToken, body)
		if resp.StatusCode != http.StatusOK || out["whitelisted"] != true {
			t.Fatalf("status %d: %v", resp.StatusCode, out)
		}
		bad := []byte(fmt.Sprintf(`{"id":%q}`, hex.EncodeToString(bytes.Repeat([]byte{0xff}, oracle.IDSize))))
		if resp, _ := h.do(t, "POST", "/v1/admin/oracles", adminToken, bad); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("invalid point: status %d", resp.StatusCode)
		}
	})
}

func TestStatusMapping(t *testing.T) {
	for kind, want := range map[poeerr.Kind]int{
		poeerr.KindReplayDetected:             http.StatusConflict,
		poeerr.KindNotAuthorized:              http.StatusForbidden,
		poeerr.KindInvalidProof:               http.StatusUnprocessableEntity,
		poeerr.KindExternalVerificationFailed: http.StatusServiceUnavailable,
		poeerr.KindInvalidArgument:            http.StatusBadRequest,
		poeerr.KindNotFound:                   http.StatusNotFound,
		poeerr.KindConflict:                   http.StatusConflict,
	} {
		if got := statusFor(poeerr.New(kind, "test", "x")); got != want {
			t.Errorf("%s -> %d, want %d", kind, got, want)
		}
	}
	if got := statusFor(fmt.Errorf("plain")); got != http.StatusInternalServerError {
		t.Errorf("unclassified -> %d", got)
	}
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(0.001, 2)
	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("burst not honoured")
	}
	if l.Allow("a") {
		t.Fatal("third request allowed")
	}
	if !l.Allow("b") {
		t.Fatal("keys share a bucket")
	}
	if n := l.Prune(-time.Second); n != 2 || l.Len() != 0 {
		t.Fatalf("pruned %d, %d left", n, l.Len())
	}
	if !NewLimiter(0, 1).Allow("x") {
		t.Fatal("disabled limiter rejected")
	}
}
