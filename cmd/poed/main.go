// main.go - poed, the proof-of-energy verification daemon.
//
// Usage:
//
//	poed setup                 compile circuits and generate keys into key_dir
//	poed serve                 run the HTTP API
//	poed vkhash                print the verifying key hashes
//	poed token --subject dao   issue an admin token
//	poed snapshot --out f.json export registry and ledger state
//	poed verify a.cbor ...     check proof artifacts against their own inputs
//	poed oracle-keygen         generate an oracle signing key
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/bitearth/poe-engine/internal/api"
	"github.com/bitearth/poe-engine/internal/events"
	"github.com/bitearth/poe-engine/internal/ledger"
	"github.com/bitearth/poe-engine/internal/oracle"
	"github.com/bitearth/poe-engine/internal/payment"
	"github.com/bitearth/poe-engine/internal/registry"
	"github.com/bitearth/poe-engine/internal/store"
	"github.com/bitearth/poe-engine/internal/transactions/burn"
	"github.com/bitearth/poe-engine/internal/transactions/mint"
	"github.com/bitearth/poe-engine/internal/zkp"
)

const version = "0.1.0"

var circuits = []zkp.CircuitID{zkp.CircuitMint, zkp.CircuitBurn}

func main() {
	app := &cli.App{
		Name:    "poed",
		Usage:   "proof-of-energy verification engine",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "poed.json", EnvVars: []string{"POE_CONFIG"}, Usage: "config file, created with defaults if missing"},
			&cli.StringFlag{Name: "log-level", Usage: "override log_level"},
		},
		Commands: []*cli.Command{
			{Name: "setup", Usage: "compile circuits and generate proving and verifying keys", Action: runSetup},
			{Name: "serve", Usage: "run the HTTP API", Action: runServe},
			{Name: "vkhash", Usage: "print verifying key hashes", Action: runVKHash},
			{
				Name:  "token",
				Usage: "issue an admin token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Required: true},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
				},
				Action: runToken,
			},
			{
				Name:   "snapshot",
				Usage:  "export registry and ledger state as JSON",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "out", Value: "snapshot.json"}},
				Action: runSnapshot,
			},
			{
				Name:      "verify",
				Usage:     "verify CBOR proof artifacts against the public inputs they carry",
				ArgsUsage: "FILE...",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "circuit", Value: string(zkp.CircuitMint)},
					&cli.IntFlag{Name: "workers", Value: 4},
				},
				Action: runVerify,
			},
			{
				Name:   "oracle-keygen",
				Usage:  "generate an oracle signing key",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "out", Value: "oracle.key"}},
				Action: runOracleKeygen,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "poed:", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*Config, *Logger, error) {
	cfg, err := LoadConfig(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	log, err := NewLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func openStore(cfg *Config) (store.Store, error) {
	if cfg.Store == "memory" {
		return store.NewMemory(), nil
	}
	return store.OpenPebble(cfg.DataDir)
}

func runSetup(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer log.Close()

	for _, setup := range []func(string) (*zkp.Keys, error){mint.SetupOrLoad, burn.SetupOrLoad} {
		start := time.Now()
		k, err := setup(cfg.KeyDir)
		if err != nil {
			return err
		}
		log.Info().Str("circuit", string(k.Circuit)).Stringer("vk_hash", k.VKHash).
			Int("constraints", k.CCS.GetNbConstraints()).Dur("took", time.Since(start)).Msg("keys ready")
		fmt.Printf("%s %s\n", k.Circuit, k.VKHash)
	}
	return nil
}

func loadKeyring(cfg *Config) (*zkp.Verifier, error) {
	v := zkp.NewVerifier()
	for _, id := range circuits {
		vk, err := zkp.LoadVerifyingKey(cfg.KeyDir, id)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("no verifying key for %s in %s, run `poed setup` first", id, cfg.KeyDir)
			}
			return nil, err
		}
		if err := v.Register(id, vk); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func runVKHash(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer log.Close()
	v, err := loadKeyring(cfg)
	if err != nil {
		return err
	}
	for _, id := range v.Circuits() {
		h, _ := v.KeyHash(id)
		fmt.Printf("%s %s\n", id, h)
	}
	return nil
}

func runServe(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer log.Close()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	metrics := NewMetrics()
	verifier, err := loadKeyring(cfg)
	if err != nil {
		return err
	}
	verifier.OnVerify = metrics.VerifyObserved

	bus := events.NewBus(cfg.EventBuffer)
	bus.OnDrop = metrics.EventDropped
	metrics.WatchBus(bus)
	defer bus.Close()

	var collaborator payment.Verifier
	if cfg.PaymentURL != "" {
		collaborator = payment.NewHTTPVerifier(cfg.PaymentURL)
	} else {
		log.Warn().Msg("no payment_url configured; using the in-process verifier, which confirms no payments")
		collaborator = payment.NewMemoryVerifier()
	}
	payments := payment.NewGuarded(collaborator, cfg.GuardConfig(), log.Logger)

	reg := registry.New(st, cfg.Admin, registry.WithAudit(log.Audit))
	minter, err := ledger.NewMinter(st, verifier, payments, cfg.Params(),
		ledger.WithBus(bus), ledger.WithObserver(metrics), ledger.WithLogger(log.Logger))
	if err != nil {
		return err
	}

	health := NewHealthChecker(version)
	health.RegisterComponent("store", func() error {
		_, err := minter.Totals()
		return err
	})
	health.RegisterComponent("keyring", func() error {
		for _, id := range circuits {
			if _, ok := verifier.KeyHash(id); !ok {
				return fmt.Errorf("no key for %s", id)
			}
		}
		return nil
	})
	var lastDropped atomic.Uint64
	health.RegisterComponent("events", func() error {
		now := bus.Dropped()
		if prev := lastDropped.Swap(now); now > prev {
			return degraded(fmt.Errorf("%d events dropped since last check", now-prev))
		}
		return nil
	})

	srv := api.New(cfg.ServerConfig(), minter, reg, verifier, api.WithBus(bus), api.WithLogger(log.Logger))
	srv.Handle("GET /metrics", metrics.Handler())
	srv.Handle("GET /healthz", health)

	for _, id := range verifier.Circuits() {
		h, _ := verifier.KeyHash(id)
		log.Info().Str("circuit", string(id)).Stringer("vk_hash", h).Msg("verifying key loaded")
	}
	p := cfg.Params()
	log.Info().Uint64("conversion_rate_wh", p.ConversionRate).Uint64("prosumer_share_pct", p.ProsumerShare).
		Str("profile", p.Profile.Name).Str("store", cfg.Store).Msg("ledger ready")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Start(ctx)
}

func runToken(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer log.Close()
	tok, err := api.IssueToken([]byte(cfg.JWTSecret), c.String("subject"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func runSnapshot(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer log.Close()
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	minter, err := ledger.NewMinter(st, nil, nil, cfg.Params())
	if err != nil {
		return err
	}
	snap, err := minter.Snapshot()
	if err != nil {
		return err
	}
	out := c.String("out")
	if err := snap.SaveToFile(out); err != nil {
		return err
	}
	log.Info().Str("path", out).Int("devices", len(snap.Devices)).Int("events", len(snap.Events)).Msg("snapshot written")
	return nil
}

func runVerify(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer log.Close()
	if c.NArg() == 0 {
		return errors.New("no artifact files given")
	}
	v, err := loadKeyring(cfg)
	if err != nil {
		return err
	}

	files := c.Args().Slice()
	jobs := make([]zkp.Job, len(files))
	for i, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		art := new(zkp.ProofArtifact)
		if err := art.UnmarshalBinary(raw); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		jobs[i] = zkp.Job{Circuit: zkp.CircuitID(c.String("circuit")), Artifact: art, Expected: art.PublicInputs}
	}

	ctx, cancel := context.WithTimeout(c.Context, 5*time.Minute)
	defer cancel()
	failed := 0
	for i, err := range v.VerifyBatch(ctx, jobs, c.Int("workers")) {
		if err != nil {
			failed++
			fmt.Printf("FAIL %s: %v\n", files[i], err)
			continue
		}
		fmt.Printf("ok   %s\n", files[i])
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d artifacts failed", failed, len(files))
	}
	return nil
}

func runOracleKeygen(c *cli.Context) error {
	o, err := oracle.Generate(rand.Reader)
	if err != nil {
		return err
	}
	out := c.String("out")
	if err := os.WriteFile(out, o.PrivateKeyBytes(), 0o600); err != nil {
		return err
	}
	fmt.Println(o.ID())
	return nil
}
