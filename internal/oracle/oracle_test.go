package oracle

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/bitearth/poe-engine/internal/field"
)

func testClaim() Claim {
	var id [32]byte
	copy(id[:], "meter_001")
	return Claim{DeviceIDHash: field.DeviceIDHash(id), EnergyWh: 1400, Timestamp: 1_700_000_000}
}

func TestAttestAndVerify(t *testing.T) {
	o, err := Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	c := testClaim()
	sig, err := o.Attest(c)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	if err := Verify(o.ID(), sig, c); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	t.Run("tampered energy", func(t *testing.T) {
		bad := c
		bad.EnergyWh++
		if err := Verify(o.ID(), sig, bad); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("expected ErrInvalidSignature, got %v", err)
		}
	})

	t.Run("other oracle", func(t *testing.T) {
		other, _ := Generate(rand.Reader)
		if err := Verify(other.ID(), sig, c); err == nil {
			t.Fatal("signature verified under a different oracle key")
		}
	})
}

func TestKeyRoundTrip(t *testing.T) {
	o, _ := Generate(rand.Reader)
	restored, err := FromBytes(o.PrivateKeyBytes())
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if restored.ID() != o.ID() {
		t.Fatal("restored oracle has a different identifier")
	}

	h1, err := o.ID().KeyHash()
	if err != nil {
		t.Fatal(err)
	}
	h2, _ := restored.ID().KeyHash()
	if h1 != h2 {
		t.Fatal("key hash differs for the same key")
	}
}
