// config.go - Configuration management for the proof-of-energy daemon
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bitearth/poe-engine/internal/api"
	"github.com/bitearth/poe-engine/internal/ledger"
	"github.com/bitearth/poe-engine/internal/payment"
	"github.com/bitearth/poe-engine/internal/transactions/mint"
)

// Environment variables that override the config file.
const (
	EnvListenAddr     = "POE_LISTEN_ADDR"
	EnvStore          = "POE_STORE"
	EnvDataDir        = "POE_DATA_DIR"
	EnvKeyDir         = "POE_KEY_DIR"
	EnvAdmin          = "POE_ADMIN"
	EnvJWTSecret      = "POE_JWT_SECRET"
	EnvPaymentURL     = "POE_PAYMENT_URL"
	EnvPaymentRetries = "POE_PAYMENT_RETRIES"
	EnvMintRate       = "POE_MINT_RATE"
	EnvLogLevel       = "POE_LOG_LEVEL"
	EnvLogFormat      = "POE_LOG_FORMAT"
)

// Config represents the daemon configuration
type Config struct {
	// Server
	ListenAddr          string  `json:"listen_addr"`
	ReadTimeoutSeconds  int     `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int     `json:"write_timeout_seconds"`
	MintRate            float64 `json:"mint_rate_per_second"`
	MintBurst           int     `json:"mint_burst"`

	// Storage
	Store   string `json:"store"` // "pebble" or "memory"
	DataDir string `json:"data_dir"`
	KeyDir  string `json:"key_dir"`

	// Registry
	Admin     string `json:"admin"`
	JWTSecret string `json:"jwt_secret"`

	// Protocol
	ConversionRate       uint64   `json:"conversion_rate_wh"`
	ProsumerShare        uint64   `json:"prosumer_share_pct"`
	USDPerToken          uint64   `json:"usd_per_token"`
	Treasury             string   `json:"treasury"`
	TimeBoundSkewSeconds int      `json:"time_bound_skew_seconds"`
	ProfileName          string   `json:"profile_name"`
	ProfileWeights       []uint64 `json:"profile_weights"`

	// Payment collaborator. An empty URL selects the in-process verifier,
	// which confirms nothing unless outputs are settled in-process.
	PaymentURL            string `json:"payment_url"`
	PaymentTimeoutSeconds int    `json:"payment_timeout_seconds"`
	PaymentRetries        int    `json:"payment_retries"`
	PaymentBackoffMillis  int    `json:"payment_backoff_millis"`

	// Events
	EventBuffer int `json:"event_buffer"`

	// Logging
	LogLevel     string `json:"log_level"`
	LogFormat    string `json:"log_format"` // "console" or "json"
	LogFile      string `json:"log_file"`
	EnableAudit  bool   `json:"enable_audit"`
	AuditLogPath string `json:"audit_log_path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	p := ledger.DefaultParams()
	g := payment.DefaultGuardConfig()
	a := api.DefaultConfig()
	return &Config{
		ListenAddr:            a.Addr,
		ReadTimeoutSeconds:    int(a.ReadTimeout / time.Second),
		WriteTimeoutSeconds:   int(a.WriteTimeout / time.Second),
		MintRate:              a.MintRate,
		MintBurst:             a.MintBurst,
		Store:                 "pebble",
		DataDir:               "data",
		KeyDir:                "keys",
		Admin:                 "dao",
		ConversionRate:        p.ConversionRate,
		ProsumerShare:         p.ProsumerShare,
		USDPerToken:           p.USDPerToken,
		Treasury:              p.Treasury,
		TimeBoundSkewSeconds:  int(p.TimeBoundSkew / time.Second),
		ProfileName:           p.Profile.Name,
		ProfileWeights:        p.Profile.Weights,
		PaymentTimeoutSeconds: int(g.Timeout / time.Second),
		PaymentRetries:        g.Retries,
		PaymentBackoffMillis:  int(g.Backoff / time.Millisecond),
		EventBuffer:           256,
		LogLevel:              "info",
		LogFormat:             "console",
		EnableAudit:           true,
		AuditLogPath:          "audit.log",
	}
}

// LoadConfig loads configuration from file or creates default, then applies
// environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	if configPath != "" {
		file, err := os.Open(configPath)
		switch {
		case err == nil:
			defer file.Close()
			if err := json.NewDecoder(file).Decode(config); err != nil {
				return nil, fmt.Errorf("failed to decode config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
			if err := SaveConfig(config, configPath); err != nil {
				return nil, fmt.Errorf("failed to save default config: %w", err)
			}
		default:
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
	}
	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	file, err := os.OpenFile(configPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	strEnv(EnvListenAddr, &c.ListenAddr)
	strEnv(EnvStore, &c.Store)
	strEnv(EnvDataDir, &c.DataDir)
	strEnv(EnvKeyDir, &c.KeyDir)
	strEnv(EnvAdmin, &c.Admin)
	strEnv(EnvJWTSecret, &c.JWTSecret)
	strEnv(EnvPaymentURL, &c.PaymentURL)
	strEnv(EnvLogLevel, &c.LogLevel)
	strEnv(EnvLogFormat, &c.LogFormat)
	if v := strings.TrimSpace(os.Getenv(EnvPaymentRetries)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPaymentRetries, err)
		}
		c.PaymentRetries = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvMintRate)); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMintRate, err)
		}
		c.MintRate = f
	}
	return nil
}

func strEnv(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.ReadTimeoutSeconds <= 0 || c.WriteTimeoutSeconds <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	switch c.Store {
	case "pebble":
		if c.DataDir == "" {
			return fmt.Errorf("data_dir is required for the pebble store")
		}
	case "memory":
	default:
		return fmt.Errorf("store must be pebble or memory, got %q", c.Store)
	}
	if c.KeyDir == "" {
		return fmt.Errorf("key_dir must not be empty")
	}
	if c.Admin == "" {
		return fmt.Errorf("admin must not be empty")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 16 {
		return fmt.Errorf("jwt_secret must be at least 16 bytes")
	}
	if c.PaymentTimeoutSeconds <= 0 {
		return fmt.Errorf("payment_timeout_seconds must be positive")
	}
	if c.PaymentRetries < 0 {
		return fmt.Errorf("payment_retries must not be negative")
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("event_buffer must be positive")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format must be console or json, got %q", c.LogFormat)
	}
	return c.Params().Validate()
}

// Params returns the protocol parameters the ledger runs with.
func (c *Config) Params() ledger.Params {
	return ledger.Params{
		ConversionRate: c.ConversionRate,
		ProsumerShare:  c.ProsumerShare,
		USDPerToken:    c.USDPerToken,
		Treasury:       c.Treasury,
		TimeBoundSkew:  time.Duration(c.TimeBoundSkewSeconds) * time.Second,
		Profile:        mint.Profile{Name: c.ProfileName, Weights: c.ProfileWeights},
	}
}

func (c *Config) GuardConfig() payment.GuardConfig {
	return payment.GuardConfig{
		Timeout: time.Duration(c.PaymentTimeoutSeconds) * time.Second,
		Retries: c.PaymentRetries,
		Backoff: time.Duration(c.PaymentBackoffMillis) * time.Millisecond,
	}
}

func (c *Config) ServerConfig() api.Config {
	cfg := api.DefaultConfig()
	cfg.Addr = c.ListenAddr
	cfg.ReadTimeout = time.Duration(c.ReadTimeoutSeconds) * time.Second
	cfg.WriteTimeout = time.Duration(c.WriteTimeoutSeconds) * time.Second
	cfg.JWTSecret = []byte(c.JWTSecret)
	cfg.MintRate = c.MintRate
	cfg.MintBurst = c.MintBurst
	return cfg
}
