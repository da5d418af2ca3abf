// Package ledger is the minting ledger and replay guard. It consumes
// verified proofs together with registry state and authorizes token issuance
// exactly once per energy event.
//
// A mint runs its checks in a fixed order: device status, oracle whitelist,
// cumulative counter, proof, payment, dust. Everything up to the dust check
// reads state without writing it. The final commit is one store transaction
// that re-reads the device counter and applies only if the packet is still
// fresh, so concurrent mints of the same event linearize on the counter and
// all but one see ReplayDetected.
package ledger

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/bitearth/poe-engine/internal/events"
	"github.com/bitearth/poe-engine/internal/field"
	"github.com/bitearth/poe-engine/internal/oracle"
	"github.com/bitearth/poe-engine/internal/payment"
	"github.com/bitearth/poe-engine/internal/poeerr"
	"github.com/bitearth/poe-engine/internal/registry"
	"github.com/bitearth/poe-engine/internal/store"
	"github.com/bitearth/poe-engine/internal/transactions/burn"
	"github.com/bitearth/poe-engine/internal/transactions/mint"
	"github.com/bitearth/poe-engine/internal/zkp"
)

// ProofVerifier checks an artifact against inputs recomputed by the caller.
type ProofVerifier interface {
	Verify(id zkp.CircuitID, art *zkp.ProofArtifact, expected []field.Element) error
}

// PaymentChecker confirms a payment commitment with the external
// collaborator. *payment.Guarded implements it.
type PaymentChecker interface {
	Check(ctx context.Context, c payment.Claim) error
}

// Observer receives the outcome of every mint and burn attempt.
type Observer interface {
	MintObserved(tokens uint64, err error)
	BurnObserved(amount uint64, err error)
}

// Packet is the public part of a proof-of-energy submission.
type Packet struct {
	DeviceIDHash     field.Element `json:"device_id_hash"`
	EnergyWh         uint64        `json:"energy_wh"`
	Timestamp        uint64        `json:"timestamp"`
	CurrentTimeBound uint64        `json:"current_time_bound"`
	CumulativeEnergy *uint256.Int  `json:"cumulative_energy"`
	OracleID         oracle.ID     `json:"oracle_id"`
}

// MintRequest is one mint attempt.
type MintRequest struct {
	Packet   Packet             `json:"packet"`
	Artifact *zkp.ProofArtifact `json:"proof"`
	Payment  *payment.Claim     `json:"payment"`
}

// MintReceipt describes a successful mint.
type MintReceipt struct {
	Tokens         uint64       `json:"tokens"`
	ProsumerTokens uint64       `json:"prosumer_tokens"`
	ProtocolTokens uint64       `json:"protocol_tokens"`
	Wallet         string       `json:"wallet"`
	Treasury       string       `json:"treasury"`
	Event          events.Event `json:"event"`
}

// BurnRequest is one burn attempt.
type BurnRequest struct {
	Amount    uint64             `json:"amount"`
	HolderKey field.Element      `json:"holder_key"`
	Nullifier field.Element      `json:"nullifier"`
	Recipient payment.Recipient  `json:"recipient"`
	Artifact  *zkp.ProofArtifact `json:"proof"`
	Payment   *payment.Claim     `json:"payment,omitempty"`
}

// BurnReceipt describes a successful burn.
type BurnReceipt struct {
	Amount         uint64       `json:"amount"`
	USDValue       uint64       `json:"usd_value"`
	IdempotencyKey zkp.Hash     `json:"idempotency_key"`
	Event          events.Event `json:"event"`
}

// Totals are the ledger-wide monotone counters.
type Totals struct {
	TotalMinted   uint64 `cbor:"1,keyasint" json:"total_minted"`
	TotalBurned   uint64 `cbor:"2,keyasint" json:"total_burned"`
	ProsumerTotal uint64 `cbor:"3,keyasint" json:"prosumer_total"`
	ProtocolTotal uint64 `cbor:"4,keyasint" json:"protocol_total"`
	Mints         uint64 `cbor:"5,keyasint" json:"mints"`
	Burns         uint64 `cbor:"6,keyasint" json:"burns"`
}

const (
	totalsKey     = "ledger/totals"
	paymentPrefix = "pay/"
	burnPrefix    = "burn/"
	nullPrefix    = "null/"
	balancePrefix = "bal/"
)

func paymentKey(k payment.Key) []byte { return store.Key(paymentPrefix, k.Bytes()) }
func burnKey(h zkp.Hash) []byte { return store.Key(burnPrefix, h[:]) }
func nullifierKey(n field.Element) []byte { return store.Key(nullPrefix, n[:]) }
func balanceKey(account string) []byte { return store.Key(balancePrefix, []byte(account)) }

// HolderAccount names the ledger account controlled by the secret behind
// holderKey. Certifying a device with this string as its wallet lets the
// holder burn the prosumer share of its mints.
func HolderAccount(holderKey field.Element) string { return holderKey.Hex() }

func loadBalance(r store.Reader, account string) (uint64, error) {
	var b uint64
	err := store.Load(r, balanceKey(account), &b)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	return b, err
}

// credit adds amount to account. Empty accounts are not tracked.
func credit(tx store.Tx, account string, amount uint64) error {
	if account == "" || amount == 0 {
		return nil
	}
	b, err := loadBalance(tx, account)
	if err != nil {
		return err
	}
	if b > math.MaxUint64-amount {
		return poeerr.New(poeerr.KindConflict, "ledger.credit", "balance overflow for %s", account)
	}
	return store.Save(tx, balanceKey(account), b+amount)
}

func checkBalance(r store.Reader, op, account string, amount uint64) (uint64, error) {
	b, err := loadBalance(r, account)
	if err != nil {
		return 0, err
	}
	if b < amount {
		return 0, poeerr.New(poeerr.KindInsufficientAmount, op, "burn of %d exceeds holder balance %d", amount, b)
	}
	return b, nil
}

func loadTotals(r store.Reader) (Totals, error) {
	var t Totals
	err := store.Load(r, []byte(totalsKey), &t)
	if errors.Is(err, store.ErrNotFound) {
		return Totals{}, nil
	}
	return t, err
}

// consumedPayment records which mint used a payment output.
type consumedPayment struct {
	DeviceIDHash field.Element `cbor:"1,keyasint"`
	Tokens       uint64        `cbor:"2,keyasint"`
	At           int64         `cbor:"3,keyasint"`
}

// burnRecord records an applied burn under its idempotency key.
type burnRecord struct {
	Amount    uint64        `cbor:"1,keyasint"`
	Nullifier field.Element `cbor:"2,keyasint"`
	At        int64         `cbor:"3,keyasint"`
}

// Minter applies mints and burns to the store.
type Minter struct {
	st       store.Store
	verifier ProofVerifier
	payments PaymentChecker
	params   Params

	bus      *events.Bus
	observer Observer
	now      func() time.Time
	log      zerolog.Logger
}

// Option configures a Minter.
type Option func(*Minter)

func WithBus(b *events.Bus) Option { return func(m *Minter) { m.bus = b } }
func WithObserver(o Observer) Option { return func(m *Minter) { m.observer = o } }
func WithClock(now func() time.Time) Option { return func(m *Minter) { m.now = now } }
func WithLogger(log zerolog.Logger) Option { return func(m *Minter) { m.log = log } }

// NewMinter builds a Minter. payments may be nil only if no mint will be
// attempted; mints always require a payment commitment.
func NewMinter(st store.Store, verifier ProofVerifier, payments PaymentChecker, params Params, opts ...Option) (*Minter, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	m := &Minter{
		st:       st,
		verifier: verifier,
		payments: payments,
		params:   params,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With().Str("component", "ledger").Logger()
	return m, nil
}

// Params returns the protocol parameters.
func (m *Minter) Params() Params { return m.params }

// Totals returns the current ledger counters.
func (m *Minter) Totals() (Totals, error) {
	var t Totals
	err := m.st.View(func(r store.Reader) error {
		var err error
		t, err = loadTotals(r)
		return err
	})
	return t, err
}

// MintWithPoE issues tokens for a proven energy event.
func (m *Minter) MintWithPoE(ctx context.Context, req MintRequest) (receipt *MintReceipt, err error) {
	defer func() {
		if m.observer != nil {
			var tokens uint64
			if receipt != nil {
				tokens = receipt.Tokens
			}
			m.observer.MintObserved(tokens, err)
		}
		if err != nil {
			m.log.Debug().Err(err).Str("kind", poeerr.KindOf(err).String()).Msg("mint rejected")
		}
	}()

	const op = "ledger.mint"
	p := req.Packet
	if req.Artifact == nil {
		return nil, poeerr.New(poeerr.KindInvalidProof, op, "no proof supplied")
	}
	if p.CumulativeEnergy == nil {
		return nil, poeerr.New(poeerr.KindInvalidArgument, op, "cumulative energy not supplied")
	}
	if p.CumulativeEnergy.Gt(registry.MaxCumulative) {
		return nil, poeerr.New(poeerr.KindInvalidArgument, op, "cumulative energy exceeds 128 bits")
	}
	if req.Payment == nil {
		return nil, poeerr.New(poeerr.KindInvalidArgument, op, "payment commitment not supplied")
	}
	if m.payments == nil {
		return nil, poeerr.New(poeerr.KindExternalVerificationFailed, op, "no payment verifier configured")
	}

	// 1-3: authorization and the cheap replay path.
	var wallet string
	err = m.st.View(func(r store.Reader) error {
		dev, err := m.checkDevice(r, op, p)
		if err != nil {
			return err
		}
		wallet = dev.Wallet
		orc, err := registry.LoadOracle(r, p.OracleID)
		if errors.Is(err, poeerr.ErrNotFound) || (err == nil && !orc.Whitelisted) {
			return poeerr.New(poeerr.KindNotAuthorized, op, "oracle %x is not whitelisted", p.OracleID[:8])
		}
		if err != nil {
			return err
		}
		if err := checkFresh(op, dev, p); err != nil {
			return err
		}
		return checkPaymentUnused(r, op, req.Payment.Key())
	})
	if err != nil {
		return nil, err
	}

	// 4: the proof, against inputs rebuilt from the packet and our own state.
	now := m.now()
	if skew := uint64(now.Add(m.params.TimeBoundSkew).Unix()); p.CurrentTimeBound > skew {
		return nil, poeerr.New(poeerr.KindInvalidProof, op, "time bound %d is ahead of the clock", p.CurrentTimeBound)
	}
	expected, err := mint.PublicInputs(mint.Statement{
		DeviceIDHash:     p.DeviceIDHash,
		EnergyWh:         p.EnergyWh,
		Timestamp:        p.Timestamp,
		CurrentTimeBound: p.CurrentTimeBound,
		OracleID:         p.OracleID,
		Profile:          m.params.Profile,
	})
	if err != nil {
		return nil, err
	}
	if err := m.verifier.Verify(zkp.CircuitMint, req.Artifact, expected); err != nil {
		return nil, poeerr.Wrap(poeerr.KindInvalidProof, op, err)
	}

	// 5: the external payment commitment. Never re-invoked during commit.
	if err := m.payments.Check(ctx, *req.Payment); err != nil {
		return nil, err
	}

	// 6: dust.
	tokens := p.EnergyWh / m.params.ConversionRate
	if tokens == 0 {
		return nil, poeerr.New(poeerr.KindInsufficientAmount, op, "%d Wh is below one token at %d Wh/token", p.EnergyWh, m.params.ConversionRate)
	}
	prosumer, protocol := m.params.Split(tokens)

	// 7: atomic commit.
	devHash := p.DeviceIDHash
	ev := events.Event{Kind: events.PoEMinted, DeviceIDHash: &devHash, Tokens: tokens, Timestamp: now.Unix()}
	err = m.st.Update(func(tx store.Tx) error {
		dev, err := m.checkDevice(tx, op, p)
		if err != nil {
			return err
		}
		if err := checkFresh(op, dev, p); err != nil {
			return err
		}
		if err := checkPaymentUnused(tx, op, req.Payment.Key()); err != nil {
			return err
		}
		t, err := loadTotals(tx)
		if err != nil {
			return err
		}
		if t.TotalMinted > math.MaxUint64-tokens || dev.EnergyTotal > math.MaxUint64-p.EnergyWh {
			return poeerr.New(poeerr.KindConflict, op, "ledger counter overflow")
		}

		dev.SetCumulativeEnergy(p.CumulativeEnergy)
		dev.EnergyTotal += p.EnergyWh
		dev.UpdatedAt = now.Unix()
		if err := registry.SaveDevice(tx, dev); err != nil {
			return err
		}
		t.TotalMinted += tokens
		t.ProsumerTotal += prosumer
		t.ProtocolTotal += protocol
		t.Mints++
		if err := store.Save(tx, []byte(totalsKey), &t); err != nil {
			return err
		}
		if err := credit(tx, dev.Wallet, prosumer); err != nil {
			return err
		}
		if err := credit(tx, m.params.Treasury, protocol); err != nil {
			return err
		}
		used := consumedPayment{DeviceIDHash: p.DeviceIDHash, Tokens: tokens, At: now.Unix()}
		if err := store.Save(tx, paymentKey(req.Payment.Key()), &used); err != nil {
			return err
		}
		return events.Append(tx, &ev)
	})
	if err != nil {
		return nil, err
	}

	if m.bus != nil {
		m.bus.Publish(ev)
	}
	m.log.Info().Uint64("seq", ev.Seq).Uint64("tokens", tokens).Uint64("energy_wh", p.EnergyWh).
		Str("cumulative", p.CumulativeEnergy.Dec()).Msg("minted")
	return &MintReceipt{
		Tokens:         tokens,
		ProsumerTokens: prosumer,
		ProtocolTokens: protocol,
		Wallet:         wallet,
		Treasury:       m.params.Treasury,
		Event:          ev,
	}, nil
}

func (m *Minter) checkDevice(r store.Reader, op string, p Packet) (*registry.DeviceRecord, error) {
	dev, err := registry.LoadDevice(r, p.DeviceIDHash)
	if errors.Is(err, poeerr.ErrNotFound) {
		return nil, poeerr.New(poeerr.KindNotAuthorized, op, "device is not certified")
	}
	if err != nil {
		return nil, err
	}
	if dev.Status != registry.Certified {
		return nil, poeerr.New(poeerr.KindNotAuthorized, op, "device is %s", dev.Status)
	}
	return dev, nil
}

func checkFresh(op string, dev *registry.DeviceRecord, p Packet) error {
	stored := dev.CumulativeEnergy()
	if !p.CumulativeEnergy.Gt(stored) {
		return poeerr.New(poeerr.KindReplayDetected, op, "cumulative energy %s is not above stored %s", p.CumulativeEnergy.Dec(), stored.Dec())
	}
	return nil
}

func checkPaymentUnused(r store.Reader, op string, k payment.Key) error {
	used, err := store.Has(r, paymentKey(k))
	if err != nil {
		return err
	}
	if used {
		return poeerr.New(poeerr.KindReplayDetected, op, "payment %s already backs a mint", k)
	}
	return nil
}

// BurnForAssets burns tokens held by the account of req.HolderKey for
// backing assets. The proof shows knowledge of the holder secret; the debit
// is checked against the ledger balance. Submitting the same burn proof
// twice applies it once; a reused nullifier is rejected as well.
func (m *Minter) BurnForAssets(ctx context.Context, req BurnRequest) (receipt *BurnReceipt, err error) {
	defer func() {
		if m.observer != nil {
			m.observer.BurnObserved(req.Amount, err)
		}
		if err != nil {
			m.log.Debug().Err(err).Str("kind", poeerr.KindOf(err).String()).Msg("burn rejected")
		}
	}()

	const op = "ledger.burn"
	if req.Artifact == nil {
		return nil, poeerr.New(poeerr.KindInvalidProof, op, "no proof supplied")
	}
	if req.Amount == 0 {
		return nil, poeerr.New(poeerr.KindInsufficientAmount, op, "burn amount is zero")
	}
	expected, err := burn.PublicInputs(burn.Statement{
		Amount:    req.Amount,
		HolderKey: req.HolderKey,
		Nullifier: req.Nullifier,
		Recipient: req.Recipient,
	})
	if err != nil {
		return nil, err
	}
	// The key is derived from our recomputation, so it is stable across
	// re-encodings of the same artifact.
	idem := (&zkp.ProofArtifact{PublicInputs: expected}).InputsHash()

	account := HolderAccount(req.HolderKey)
	err = m.st.View(func(r store.Reader) error {
		if err := checkBurnUnused(r, op, idem, req.Nullifier); err != nil {
			return err
		}
		_, err := checkBalance(r, op, account, req.Amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := m.verifier.Verify(zkp.CircuitBurn, req.Artifact, expected); err != nil {
		return nil, poeerr.Wrap(poeerr.KindInvalidProof, op, err)
	}
	if req.Payment != nil {
		if m.payments == nil {
			return nil, poeerr.New(poeerr.KindExternalVerificationFailed, op, "no payment verifier configured")
		}
		if err := m.payments.Check(ctx, *req.Payment); err != nil {
			return nil, err
		}
	}
	if req.Amount > math.MaxUint64/max(m.params.USDPerToken, 1) {
		return nil, poeerr.New(poeerr.KindInvalidArgument, op, "amount overflows backing value")
	}
	usd := req.Amount * m.params.USDPerToken

	now := m.now()
	ev := events.Event{Kind: events.AssetsBridged, Amount: req.Amount, USDValue: usd, Timestamp: now.Unix()}
	err = m.st.Update(func(tx store.Tx) error {
		if err := checkBurnUnused(tx, op, idem, req.Nullifier); err != nil {
			return err
		}
		t, err := loadTotals(tx)
		if err != nil {
			return err
		}
		if t.TotalBurned+req.Amount > t.TotalMinted || t.TotalBurned+req.Amount < t.TotalBurned {
			return poeerr.New(poeerr.KindInsufficientAmount, op, "burn of %d exceeds outstanding supply %d", req.Amount, t.TotalMinted-t.TotalBurned)
		}
		bal, err := checkBalance(tx, op, account, req.Amount)
		if err != nil {
			return err
		}
		if err := store.Save(tx, balanceKey(account), bal-req.Amount); err != nil {
			return err
		}
		t.TotalBurned += req.Amount
		t.Burns++
		if err := store.Save(tx, []byte(totalsKey), &t); err != nil {
			return err
		}
		rec := burnRecord{Amount: req.Amount, Nullifier: req.Nullifier, At: now.Unix()}
		if err := store.Save(tx, burnKey(idem), &rec); err != nil {
			return err
		}
		if err := tx.Set(nullifierKey(req.Nullifier), idem[:]); err != nil {
			return err
		}
		return events.Append(tx, &ev)
	})
	if err != nil {
		return nil, err
	}

	if m.bus != nil {
		m.bus.Publish(ev)
	}
	m.log.Info().Uint64("seq", ev.Seq).Uint64("amount", req.Amount).Uint64("usd_value", usd).
		Stringer("chain", req.Recipient.Chain).Msg("burned")
	return &BurnReceipt{Amount: req.Amount, USDValue: usd, IdempotencyKey: idem, Event: ev}, nil
}

func checkBurnUnused(r store.Reader, op string, idem zkp.Hash, nullifier field.Element) error {
	seen, err := store.Has(r, burnKey(idem))
	if err != nil {
		return err
	}
	if seen {
		return poeerr.New(poeerr.KindReplayDetected, op, "burn %s already applied", idem)
	}
	spent, err := store.Has(r, nullifierKey(nullifier))
	if err != nil {
		return err
	}
	if spent {
		return poeerr.New(poeerr.KindReplayDetected, op, "nullifier already spent")
	}
	return nil
}

// Balance returns the tokens held by account.
func (m *Minter) Balance(account string) (uint64, error) {
	var b uint64
	err := m.st.View(func(r store.Reader) error {
		var err error
		b, err = loadBalance(r, account)
		return err
	})
	return b, err
}

// Events returns journal entries after seq, oldest first.
func (m *Minter) Events(after uint64, limit int) ([]events.Event, error) {
	var out []events.Event
	err := m.st.View(func(r store.Reader) error {
		var err error
		out, err = events.List(r, after, limit)
		return err
	})
	return out, err
}
