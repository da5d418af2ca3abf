package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/bitearth/poe-engine/internal/transactions/mint"
)

// Params are the protocol parameters, fixed for the life of a Minter.
type Params struct {
	ConversionRate uint64        `json:"conversion_rate_wh"` // Wh per token
	ProsumerShare  uint64        `json:"prosumer_share_pct"` // percent of each mint
	USDPerToken    uint64        `json:"usd_per_token"`      // backing value used for burns
	Treasury       string        `json:"treasury"`           // receives the protocol share
	TimeBoundSkew  time.Duration `json:"time_bound_skew"`    // how far a proof's time bound may lead the clock
	Profile        mint.Profile  `json:"profile"`
}

// DefaultParams: 1 MWh per token, 85/15 split, $70 backing per token.
func DefaultParams() Params {
	return Params{
		ConversionRate: 1_000_000,
		ProsumerShare:  85,
		USDPerToken:    70,
		Treasury:       "treasury",
		TimeBoundSkew:  5 * time.Minute,
		Profile:        mint.DefaultProfile(),
	}
}

func (p Params) Validate() error {
	if p.ConversionRate == 0 {
		return errors.New("ledger: conversion rate must be positive")
	}
	if p.ProsumerShare > 100 {
		return fmt.Errorf("ledger: prosumer share %d%% exceeds 100%%", p.ProsumerShare)
	}
	if p.TimeBoundSkew < 0 {
		return errors.New("ledger: time bound skew must not be negative")
	}
	return p.Profile.Validate()
}

// Split divides tokens into prosumer and protocol shares. The protocol
// receives the rounding remainder.
func (p Params) Split(tokens uint64) (prosumer, protocol uint64) {
	prosumer = tokens / 100 * p.ProsumerShare
	prosumer += tokens % 100 * p.ProsumerShare / 100
	return prosumer, tokens - prosumer
}
