package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitearth/poe-engine/internal/events"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "poed.json")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	again, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.ConversionRate != cfg.ConversionRate || len(again.ProfileWeights) != len(cfg.ProfileWeights) {
		t.Fatalf("reloaded config differs: %+v", again)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvStore, "memory")
	t.Setenv(EnvAdmin, "council")
	t.Setenv(EnvMintRate, "2.5")
	t.Setenv(EnvPaymentRetries, "4")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store != "memory" || cfg.Admin != "council" || cfg.MintRate != 2.5 || cfg.PaymentRetries != 4 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}

	t.Setenv(EnvPaymentRetries, "many")
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("bad integer override accepted")
	}
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"unknown store":    func(c *Config) { c.Store = "sqlite" },
		"no admin":         func(c *Config) { c.Admin = "" },
		"short secret":     func(c *Config) { c.JWTSecret = "short" },
		"zero rate":        func(c *Config) { c.ConversionRate = 0 },
		"share over 100":   func(c *Config) { c.ProsumerShare = 101 },
		"too many weights": func(c *Config) { c.ProfileWeights = make([]uint64, 17) },
		"log format":       func(c *Config) { c.LogFormat = "xml" },
		"negative retries": func(c *Config) { c.PaymentRetries = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestHealthChecker(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterComponent("ok", func() error { return nil })
	hc.RegisterComponent("slow", func() error { return degraded(errors.New("lagging")) })

	if h := hc.CheckHealth(); h.OverallStatus != Degraded || len(h.Components) != 2 {
		t.Fatalf("health = %+v", h)
	}
	rec := httptest.NewRecorder()
	hc.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("degraded reported %d", rec.Code)
	}

	hc.RegisterComponent("store", func() error { return errors.New("closed") })
	rec = httptest.NewRecorder()
	hc.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy reported %d", rec.Code)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	bus := events.NewBus(1)
	defer bus.Close()
	m.WatchBus(bus)
	m.MintObserved(3, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{`poe_mint_attempts_total{outcome="ok"} 1`, "poe_tokens_minted_total 3", "poe_events_lagged_total 0"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output lacks %q", name)
		}
	}
}
