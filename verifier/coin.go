// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package verifier

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// Coin is an unspent output registered as an input to a round.
type Coin struct {
	OutPoint      wire.OutPoint
	Amount        btcutil.Amount
	PkScript      []byte
	Confirmations int32

	// Height is the height of the block that confirmed the coin, zero if
	// it is unconfirmed.
	Height int32
}

// VerifyResult is the verdict for one coin.  ShouldBan implies ShouldRemove.
type VerifyResult struct {
	Coin         Coin
	ShouldBan    bool
	ShouldRemove bool
}

// failClosed returns the verdict used whenever no real verdict is available:
// the coin is removed from the round but not banned.
func failClosed(coin Coin) VerifyResult {
	return VerifyResult{Coin: coin, ShouldRemove: true}
}

// Reason is the audit reason code attached to every verdict.
type Reason uint8

const (
	// ReasonAlreadyBanned marks coins removed because they are serving a
	// ban.
	ReasonAlreadyBanned Reason = iota

	// ReasonSingleHop marks coins that did not come out of a previous
	// mix and are allowed without a remote check.
	ReasonSingleHop

	// ReasonWhitelisted marks coins the provider already cleared.
	ReasonWhitelisted

	// ReasonRemix marks outputs of one of our own coinjoins.
	ReasonRemix

	// ReasonImmature marks high value coins removed for having too few
	// confirmations.
	ReasonImmature

	// ReasonProviderBan marks coins the provider asked to ban.
	ReasonProviderBan

	// ReasonProviderRemove marks coins the provider asked to remove.
	ReasonProviderRemove

	// ReasonProviderClear marks coins the provider cleared.
	ReasonProviderClear

	// ReasonProviderFailure marks coins removed because the provider
	// could not be reached or answered with an error.
	ReasonProviderFailure

	// ReasonCancelled marks coins whose verification was cancelled.
	ReasonCancelled

	// ReasonDeadline marks coins still pending when the round stopped
	// waiting for verdicts.
	ReasonDeadline

	// ReasonNotScheduled marks coins the round asked about but never
	// scheduled.
	ReasonNotScheduled

	// ReasonLeaked marks scheduling records removed by the sanity sweep.
	ReasonLeaked
)

var reasonStrs = [...]string{
	ReasonAlreadyBanned:   "AlreadyBanned",
	ReasonSingleHop:       "SingleHop",
	ReasonWhitelisted:     "Whitelisted",
	ReasonRemix:           "Remix",
	ReasonImmature:        "Immature",
	ReasonProviderBan:     "ProviderBan",
	ReasonProviderRemove:  "ProviderRemove",
	ReasonProviderClear:   "ProviderClear",
	ReasonProviderFailure: "ProviderFailure",
	ReasonCancelled:       "Cancelled",
	ReasonDeadline:        "Deadline",
	ReasonNotScheduled:    "NotScheduled",
	ReasonLeaked:          "Leaked",
}

// String returns the reason code.
func (r Reason) String() string {
	if int(r) < len(reasonStrs) {
		return reasonStrs[r]
	}
	return fmt.Sprintf("Reason(%d)", r)
}

// BanNotice is sent to subscribers whenever verification bans a coin.
type BanNotice struct {
	Coin     Coin
	Provider string
	BanTime  time.Duration
	Details  string
}
