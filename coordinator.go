// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btccoinjoin/containment"
	"github.com/btcsuite/btccoinjoin/decomposer"
	"github.com/btcsuite/btccoinjoin/prison"
	"github.com/btcsuite/btccoinjoin/rounds"
	"github.com/btcsuite/btccoinjoin/verifier"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/walletdb"
)

// maxDenomination is the largest output value offered to participants.
const maxDenomination = 43_000 * btcutil.SatoshiPerBitcoin

// coordinator owns the ban ledger, the round registry and the workflows built
// on them.  The round protocol drives it through the exported packages.
type coordinator struct {
	prison      *prison.Prison
	registry    *rounds.Registry
	coinJoins   *rounds.CoinJoinStore
	whitelist   *verifier.Whitelist
	verifier    *verifier.CoinVerifier
	containment *containment.Containment

	decomposer    *decomposer.Decomposer
	denominations []btcutil.Amount

	wg sync.WaitGroup
}

// newCoordinator builds the coordinator components on top of db.  provider
// may be nil, in which case every coin needing a remote verification is
// removed from its round without a ban.
func newCoordinator(cfg *config, db walletdb.DB, provider verifier.Provider,
	chainFacts containment.ChainFacts) (*coordinator, error) {

	p, err := prison.New(prison.Config{
		DB:     db,
		Policy: cfg.banPolicy(),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open ban ledger: %w", err)
	}

	coinJoins, err := rounds.NewCoinJoinStore(db)
	if err != nil {
		return nil, err
	}

	registry := rounds.NewRegistry(nil)

	whitelist, err := verifier.NewWhitelist(
		db, cfg.WhitelistRetention, nil,
	)
	if err != nil {
		return nil, err
	}

	audit, err := verifier.NewAuditLog(
		filepath.Join(cfg.DataDir.Value, defaultAuditDirname),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create audit directory: %w",
			err)
	}

	var sender verifier.Sender
	if provider != nil {
		sender = verifier.NewLimiter(provider, verifier.LimiterConfig{
			MaxConcurrentRequests: cfg.MaxProviderRequests,
			RequestsPerSecond:     cfg.ProviderRequestRate,
			MaxAttempts:           cfg.ProviderMaxAttempts,
			AttemptTimeout:        cfg.ProviderAttemptTimeout,
		})
	} else {
		log.Warn("No risk provider configured, coins that need " +
			"remote verification will be removed from their rounds")
	}

	v := verifier.New(verifier.Config{
		Prison:                    p,
		CoinJoins:                 coinJoins,
		Whitelist:                 whitelist,
		Sender:                    sender,
		Audit:                     audit,
		RoundDeadline:             cfg.RoundDeadline,
		SanityCeiling:             cfg.SanityCeiling,
		HighValueThreshold:        cfg.HighValueThreshold.Amount,
		HighValueMinConfirmations: cfg.HighValueMinConfs,
	})

	c, err := containment.New(containment.Config{
		Prison:           p,
		Rounds:           registry,
		CoinJoins:        coinJoins,
		Chain:            chainFacts,
		FeeLookupTimeout: cfg.FeeLookupTimeout,
		AttackerFeeRate:  cfg.AttackerFeeRate.SatPerKVByte,
	})
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	d, err := decomposer.New(cfg.decomposerConfig(), rng)
	if err != nil {
		return nil, err
	}
	denominations := decomposer.StandardDenominations(
		cfg.MinOutputAmount.Amount, maxDenomination,
	)
	log.Infof("Offering %d denominations between %v and %v",
		len(denominations), cfg.MinOutputAmount.Amount,
		btcutil.Amount(maxDenomination))

	return &coordinator{
		prison:        p,
		registry:      registry,
		coinJoins:     coinJoins,
		whitelist:     whitelist,
		verifier:      v,
		containment:   c,
		decomposer:    d,
		denominations: denominations,
	}, nil
}

// start launches the background work of the coordinator.
func (c *coordinator) start() {
	c.prison.Start()

	notices := c.verifier.Subscribe()
	c.wg.Add(1)
	go c.banNoticeHandler(notices)
}

// stop halts the background work.  Pending verifications are cancelled and
// the whitelist is saved.
func (c *coordinator) stop() {
	c.verifier.Stop()
	c.wg.Wait()
	c.prison.Stop()
}

// decompose returns the outputs a participant with the given input sum
// should register.
func (c *coordinator) decompose(inputSum btcutil.Amount) (
	[]decomposer.Output, error) {

	return c.decomposer.Decompose(inputSum, c.denominations)
}

// banNoticeHandler logs the coins banned by verification until the verifier
// closes the subscription.
//
// NOTE: This MUST be run as a goroutine.
func (c *coordinator) banNoticeHandler(notices <-chan verifier.BanNotice) {
	defer c.wg.Done()

	for n := range notices {
		log.Infof("Coin %v (%v) banned for %v by %s: %s",
			n.Coin.OutPoint, n.Coin.Amount, n.BanTime, n.Provider,
			n.Details)
	}
}
