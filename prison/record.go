// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package prison

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Offense is the kind of misbehavior a ban record was last updated for.
type Offense uint8

const (
	// FailedToConfirm is recorded for inputs that did not confirm their
	// registration before the connection confirmation phase ended.
	FailedToConfirm Offense = iota + 1

	// FailedToSign is recorded for inputs whose owner did not sign the
	// coinjoin transaction.
	FailedToSign

	// DoubleSpent is recorded for inputs spent outside the round while
	// the round was running, and for the outputs of the spending
	// transaction.
	DoubleSpent

	// FailedToVerify is recorded for coins the risk provider asked to
	// ban.
	FailedToVerify

	// Cheating is recorded for inputs caught providing invalid proofs or
	// signatures.
	Cheating

	// Inherited is recorded for outputs created by spending a banned
	// coin.
	Inherited
)

var offenseStrs = map[Offense]string{
	FailedToConfirm: "failed to confirm",
	FailedToSign:    "failed to sign",
	DoubleSpent:     "double spent",
	FailedToVerify:  "failed to verify",
	Cheating:        "cheating",
	Inherited:       "inherited",
}

// String returns the offense as a human-readable string.
func (o Offense) String() string {
	if s, ok := offenseStrs[o]; ok {
		return s
	}
	return fmt.Sprintf("unknown offense (%d)", uint8(o))
}

// Disruptions accumulates the value of the inputs a coin took out of rounds,
// split by the kind of disruption so the policy can weight each of them.
type Disruptions struct {
	Confirmation btcutil.Amount
	Signing      btcutil.Amount
	DoubleSpend  btcutil.Amount
}

// Record is the ban ledger entry of one outpoint.  Offenses accumulate into
// the same record, which keeps the time of the first offense.
type Record struct {
	OutPoint wire.OutPoint

	// Offense is the most recent offense.
	Offense Offense

	// Started is the time of the offense that opened the current ban.
	Started time.Time

	// Offenses counts every offense recorded for the outpoint, including
	// those of bans that already expired.
	Offenses uint32

	// Value is the value of the coin at the time of its last offense.
	Value btcutil.Amount

	Disruptions Disruptions

	// RoundIDs lists the rounds the coin disrupted.
	RoundIDs []chainhash.Hash

	// Ancestors lists the banned outpoints an inherited ban came from.
	Ancestors []wire.OutPoint

	// MinExpiry is a lower bound on the ban expiry, set by offenses that
	// are not priced by value.
	MinExpiry time.Time
}

// clone returns a deep copy of the record.
func (r *Record) clone() *Record {
	c := *r
	c.RoundIDs = append([]chainhash.Hash(nil), r.RoundIDs...)
	c.Ancestors = append([]wire.OutPoint(nil), r.Ancestors...)
	return &c
}

// addRoundID appends a round id unless the record already lists it.
func (r *Record) addRoundID(id chainhash.Hash) {
	for i := range r.RoundIDs {
		if r.RoundIDs[i] == id {
			return
		}
	}
	r.RoundIDs = append(r.RoundIDs, id)
}

// addAncestor appends an ancestor unless the record already lists it.
func (r *Record) addAncestor(op wire.OutPoint) {
	for i := range r.Ancestors {
		if r.Ancestors[i] == op {
			return
		}
	}
	r.Ancestors = append(r.Ancestors, op)
}

// raiseMinExpiry moves the minimum expiry forward, never backward.
func (r *Record) raiseMinExpiry(t time.Time) {
	if t.After(r.MinExpiry) {
		r.MinExpiry = t
	}
}
