// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package containment reacts to blocks and transactions that threaten the
// coordinator's rounds.  Outputs descending from banned coins inherit their
// bans, and double spends of registered inputs get the attacker banned and
// the rounds it can outbid aborted.
package containment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btccoinjoin/pkg/unit"
	"github.com/btcsuite/btccoinjoin/rounds"
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// DefaultFeeLookupTimeout bounds the lookup of an attacker's fee rate.
	DefaultFeeLookupTimeout = 3 * time.Second
)

// DefaultAttackerFeeRate is assumed when the fee rate of a double spend
// cannot be determined.  It is higher than any round advertises, so every
// disrupted round is aborted.
var DefaultAttackerFeeRate = unit.SatPerVByte(1_000_000)

// BanLedger is the part of the ban ledger the containment handlers use.
type BanLedger interface {
	// Banned returns whether the outpoint is currently banned.
	Banned(op wire.OutPoint) bool

	// InheritPunishment bans op if any of its ancestors is banned.
	InheritPunishment(op wire.OutPoint,
		ancestors []wire.OutPoint) (bool, error)

	// DoubleSpent bans op for disrupting the rounds.
	DoubleSpent(op wire.OutPoint, amount btcutil.Amount,
		roundIDs []chainhash.Hash) error
}

// RoundRegistry exposes the active rounds.
type RoundRegistry interface {
	// RoundsSpending returns the active rounds having any of the outpoints
	// registered as an input.
	RoundsSpending(ops []wire.OutPoint) []rounds.Disrupted

	// Abort ends an active round.
	Abort(id chainhash.Hash, reason string) bool
}

// ChainFacts looks up chain data on a best effort basis.
type ChainFacts interface {
	// PrevOutputs returns the outputs spent by the inputs of tx, in input
	// order.
	PrevOutputs(ctx context.Context, tx *wire.MsgTx) ([]*wire.TxOut, error)
}

// CoinJoinChecker recognizes the coordinator's own coinjoins.
type CoinJoinChecker interface {
	IsCoinJoin(txid chainhash.Hash) bool
}

// Config holds the collaborators of a Containment.
type Config struct {
	Prison    BanLedger
	Rounds    RoundRegistry
	CoinJoins CoinJoinChecker

	// Chain is used to price double spends.  Without it the attacker fee
	// rate is always assumed.
	Chain ChainFacts

	// Classifier exempts coinjoin shaped transactions.  Defaults to
	// IsCoinJoinShaped.
	Classifier Classifier

	// FeeLookupTimeout bounds the fee rate lookup of a double spend.
	FeeLookupTimeout time.Duration

	// AttackerFeeRate is assumed when the lookup fails.
	AttackerFeeRate unit.SatPerKVByte
}

// Containment runs the abuse containment workflows.  It is safe for
// concurrent use.
type Containment struct {
	cfg Config
}

// New creates a Containment.
func New(cfg Config) (*Containment, error) {
	if cfg.Prison == nil || cfg.Rounds == nil {
		return nil, errors.New("containment: prison and round " +
			"registry are required")
	}
	if cfg.Classifier == nil {
		cfg.Classifier = IsCoinJoinShaped
	}
	if cfg.FeeLookupTimeout <= 0 {
		cfg.FeeLookupTimeout = DefaultFeeLookupTimeout
	}
	if cfg.AttackerFeeRate <= 0 {
		cfg.AttackerFeeRate = DefaultAttackerFeeRate
	}

	initPrometheusMetrics()

	return &Containment{cfg: cfg}, nil
}

// exempt returns whether the transaction is left alone.
func (c *Containment) exempt(txid chainhash.Hash, tx *wire.MsgTx) bool {
	if c.cfg.CoinJoins != nil && c.cfg.CoinJoins.IsCoinJoin(txid) {
		return true
	}
	return c.cfg.Classifier(tx)
}

// descendant is a transaction spending banned coins.
type descendant struct {
	txid   chainhash.Hash
	tx     *wire.MsgTx
	banned []wire.OutPoint
}

// BanDescendants bans every output of the block's transactions that spend a
// banned coin.  Bans are propagated one level per block: outputs banned by
// this call do not taint their spenders in the same block.  It returns the
// number of outputs that inherited a ban.
func (c *Containment) BanDescendants(block *wire.MsgBlock) (int, error) {
	var descendants []descendant
	for _, tx := range block.Transactions {
		if blockchain.IsCoinBaseTx(tx) {
			continue
		}

		txid := tx.TxHash()
		if c.exempt(txid, tx) {
			continue
		}

		var banned []wire.OutPoint
		for _, txIn := range tx.TxIn {
			if c.cfg.Prison.Banned(txIn.PreviousOutPoint) {
				banned = append(banned, txIn.PreviousOutPoint)
			}
		}
		if len(banned) > 0 {
			descendants = append(descendants, descendant{
				txid:   txid,
				tx:     tx,
				banned: banned,
			})
		}
	}

	var (
		count    int
		firstErr error
	)
	for _, d := range descendants {
		for i := range d.tx.TxOut {
			op := wire.OutPoint{Hash: d.txid, Index: uint32(i)}
			inherited, err := c.cfg.Prison.InheritPunishment(
				op, d.banned,
			)
			if err != nil {
				log.Errorf("Unable to ban descendant %v: %v",
					op, err)
				if firstErr == nil {
					firstErr = err
				}
			}
			if inherited {
				count++
			}
		}

		log.Infof("Transaction %v spends %d banned coins, banned its "+
			"%d outputs", d.txid, len(d.banned), len(d.tx.TxOut))
	}

	prometheusContainmentDescendants.Add(float64(count))

	return count, firstErr
}

// BanDoubleSpenders handles a transaction spending inputs registered to
// active rounds.  Every output of the transaction is banned in proportion
// to the value taken out of the rounds.  Rounds advertising a lower fee rate
// than the transaction pays are aborted.  It returns the ids of the aborted
// rounds.
func (c *Containment) BanDoubleSpenders(ctx context.Context,
	tx *wire.MsgTx) ([]chainhash.Hash, error) {

	txid := tx.TxHash()
	if c.exempt(txid, tx) {
		return nil, nil
	}

	spent := make([]wire.OutPoint, len(tx.TxIn))
	for i, txIn := range tx.TxIn {
		spent[i] = txIn.PreviousOutPoint
	}

	disrupted := c.cfg.Rounds.RoundsSpending(spent)
	if len(disrupted) == 0 {
		return nil, nil
	}

	var (
		stolen   btcutil.Amount
		roundIDs = make([]chainhash.Hash, 0, len(disrupted))
		seen     = make(map[wire.OutPoint]struct{})
	)
	for _, d := range disrupted {
		roundIDs = append(roundIDs, d.ID)
		for op, amount := range d.Inputs {
			if _, ok := seen[op]; ok {
				continue
			}
			seen[op] = struct{}{}
			stolen += amount
		}
	}

	log.Warnf("Transaction %v double spends %d inputs of %d rounds "+
		"(%v)", txid, len(seen), len(disrupted), stolen)
	prometheusContainmentDoubleSpends.Inc()

	var firstErr error
	for i := range tx.TxOut {
		op := wire.OutPoint{Hash: txid, Index: uint32(i)}
		err := c.cfg.Prison.DoubleSpent(op, stolen, roundIDs)
		if err != nil {
			log.Errorf("Unable to ban double spender %v: %v", op,
				err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	attackerRate := c.attackerFeeRate(ctx, tx)

	var aborted []chainhash.Hash
	for _, d := range disrupted {
		if !d.FeeRate.LessThan(attackerRate) {
			log.Infof("Round %v pays %v, not below the double "+
				"spend's %v, continuing", d.ID, d.FeeRate,
				attackerRate)
			continue
		}

		reason := fmt.Sprintf("double spent by %v paying %v", txid,
			attackerRate)
		if c.cfg.Rounds.Abort(d.ID, reason) {
			aborted = append(aborted, d.ID)
		}
	}
	prometheusContainmentAborted.Add(float64(len(aborted)))

	return aborted, firstErr
}

// attackerFeeRate returns the fee rate paid by tx, or the assumed attacker
// fee rate when it cannot be determined in time.
func (c *Containment) attackerFeeRate(ctx context.Context,
	tx *wire.MsgTx) unit.SatPerKVByte {

	if c.cfg.Chain == nil {
		return c.cfg.AttackerFeeRate
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.FeeLookupTimeout)
	defer cancel()

	prevOuts, err := c.cfg.Chain.PrevOutputs(ctx, tx)
	if err == nil && len(prevOuts) != len(tx.TxIn) {
		err = fmt.Errorf("got %d previous outputs for %d inputs",
			len(prevOuts), len(tx.TxIn))
	}
	if err != nil {
		log.Warnf("Unable to look up the fee rate of %v, assuming "+
			"%v: %v", tx.TxHash(), c.cfg.AttackerFeeRate, err)
		return c.cfg.AttackerFeeRate
	}

	var in, out int64
	for _, prevOut := range prevOuts {
		in += prevOut.Value
	}
	for _, txOut := range tx.TxOut {
		out += txOut.Value
	}
	if in < out {
		log.Warnf("Transaction %v spends %d sat but creates %d sat, "+
			"assuming %v", tx.TxHash(), in, out,
			c.cfg.AttackerFeeRate)
		return c.cfg.AttackerFeeRate
	}

	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))
	vsize := (weight + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor

	return unit.NewSatPerKVByte(btcutil.Amount(in-out), vsize)
}
