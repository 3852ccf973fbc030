// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package verifier schedules the risk verification of the coins registered
// to a round.
//
// Every coin gets at most one scheduling record.  Coins that need no remote
// check are resolved on the spot; all others are verified by a goroutine that
// waits for the requested start delay and asks the risk provider once.  The
// round collects the verdicts with VerifyCoins, which never waits longer than
// the round deadline and removes every coin it has no verdict for.
package verifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultRoundDeadline is how long VerifyCoins waits for pending
	// verdicts.
	DefaultRoundDeadline = 30 * time.Second

	// DefaultSanityCeiling bounds start delays and the lifetime of
	// scheduling records.  It is far longer than any round.
	DefaultSanityCeiling = 48 * time.Hour

	// DefaultHighValueThreshold is the amount from which a coin needs
	// DefaultHighValueMinConfirmations confirmations.
	DefaultHighValueThreshold = btcutil.Amount(btcutil.SatoshiPerBitcoin)

	// DefaultHighValueMinConfirmations is the number of confirmations a
	// high value coin needs.
	DefaultHighValueMinConfirmations = 3

	// defaultSubscriberBuffer is the capacity of subscription channels.
	defaultSubscriberBuffer = 64
)

// BanLedger is the part of the ban ledger the verifier uses.
type BanLedger interface {
	// Banned returns whether the outpoint is currently banned.
	Banned(op wire.OutPoint) bool

	// FailedVerification bans a coin the risk provider flagged.
	FailedVerification(op wire.OutPoint,
		recommendedBanTime time.Duration) error
}

// CoinJoinChecker recognizes the coordinator's own coinjoins.
type CoinJoinChecker interface {
	IsCoinJoin(txid chainhash.Hash) bool
}

// Config holds the collaborators and tunables of a CoinVerifier.
type Config struct {
	// Prison is consulted for banned coins and receives provider bans.
	Prison BanLedger

	// CoinJoins exempts outputs of our own coinjoins.  Optional.
	CoinJoins CoinJoinChecker

	// Whitelist skips coins cleared before.  Optional.
	Whitelist *Whitelist

	// Sender performs the provider requests.  Without one every remote
	// verification fails closed.
	Sender Sender

	// Audit receives one line per verdict.  Optional.
	Audit *AuditLog

	// Clock drives start delays and the sanity sweep.  Defaults to the
	// wall clock.
	Clock clock.Clock

	RoundDeadline             time.Duration
	SanityCeiling             time.Duration
	HighValueThreshold        btcutil.Amount
	HighValueMinConfirmations int32
}

// verifyItem is the scheduling record of one coin.
type verifyItem struct {
	coin      Coin
	cancel    context.CancelFunc
	scheduled time.Time

	once   sync.Once
	done   chan struct{}
	result VerifyResult
}

// resolve sets the verdict of the item and runs apply before waiters are
// released.  Only the first call has an effect.
func (it *verifyItem) resolve(result VerifyResult, apply func()) {
	it.once.Do(func() {
		it.result = result
		apply()
		close(it.done)
	})
}

// tryResult returns the verdict if the item is resolved.
func (it *verifyItem) tryResult() (VerifyResult, bool) {
	select {
	case <-it.done:
		return it.result, true
	default:
		return VerifyResult{}, false
	}
}

// CoinVerifier schedules coin verifications.  It is safe for concurrent use.
type CoinVerifier struct {
	stopped int32 // To be used atomically.

	cfg Config

	mu    sync.Mutex
	items map[wire.OutPoint]*verifyItem

	subMu       sync.Mutex
	subscribers []chan BanNotice

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a CoinVerifier.
func New(cfg Config) *CoinVerifier {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.RoundDeadline <= 0 {
		cfg.RoundDeadline = DefaultRoundDeadline
	}
	if cfg.SanityCeiling <= 0 {
		cfg.SanityCeiling = DefaultSanityCeiling
	}
	if cfg.HighValueThreshold <= 0 {
		cfg.HighValueThreshold = DefaultHighValueThreshold
	}
	if cfg.HighValueMinConfirmations <= 0 {
		cfg.HighValueMinConfirmations = DefaultHighValueMinConfirmations
	}

	initPrometheusMetrics()

	return &CoinVerifier{
		cfg:   cfg,
		items: make(map[wire.OutPoint]*verifyItem),
		quit:  make(chan struct{}),
	}
}

// Stop cancels every pending verification and closes the subscriptions.
func (v *CoinVerifier) Stop() {
	if !atomic.CompareAndSwapInt32(&v.stopped, 0, 1) {
		return
	}

	// Closing quit under mu orders it against the wg.Add calls made by
	// TryScheduleVerification.
	v.mu.Lock()
	close(v.quit)
	for _, item := range v.items {
		item.cancel()
	}
	v.mu.Unlock()

	v.wg.Wait()

	v.subMu.Lock()
	for _, sub := range v.subscribers {
		close(sub)
	}
	v.subscribers = nil
	v.subMu.Unlock()

	v.persist()
}

// Subscribe returns a channel receiving a notice for every coin the verifier
// bans.  Notices are dropped when the channel is full.  The channel is closed
// by Stop.
func (v *CoinVerifier) Subscribe() <-chan BanNotice {
	sub := make(chan BanNotice, defaultSubscriberBuffer)

	v.subMu.Lock()
	defer v.subMu.Unlock()

	if atomic.LoadInt32(&v.stopped) != 0 {
		close(sub)
		return sub
	}
	v.subscribers = append(v.subscribers, sub)
	return sub
}

// TryScheduleVerification schedules the verification of a coin.  The coin's
// verification is cancelled when ctx is done or Cancel is called.  It returns
// false when the coin is already scheduled, in which case nothing changes and
// the earlier verification's verdict stands.
func (v *CoinVerifier) TryScheduleVerification(ctx context.Context, coin Coin,
	startDelay time.Duration, confirmations int32, isSingleHop bool,
	currentHeight int32) bool {

	coin.Confirmations = confirmations

	v.mu.Lock()
	if _, ok := v.items[coin.OutPoint]; ok {
		v.mu.Unlock()
		return false
	}
	itemCtx, cancel := context.WithCancel(ctx)
	item := &verifyItem{
		coin:      coin,
		cancel:    cancel,
		scheduled: v.cfg.Clock.Now(),
		done:      make(chan struct{}),
	}
	v.items[coin.OutPoint] = item
	pending := len(v.items)
	v.mu.Unlock()

	prometheusVerifierPending.Set(float64(pending))

	if vd, ok := v.fastPath(coin, isSingleHop); ok {
		cancel()
		v.resolve(item, vd)
		return true
	}

	v.mu.Lock()
	select {
	case <-v.quit:
		v.mu.Unlock()
		cancel()
		v.resolve(item, verdict{
			result:  failClosed(coin),
			reason:  ReasonCancelled,
			details: "verifier stopped",
		})
		return true
	default:
	}
	v.wg.Add(1)
	v.mu.Unlock()

	log.Debugf("Scheduled verification of %v in %v", coin.OutPoint,
		startDelay)

	go v.verify(itemCtx, item, startDelay, currentHeight)

	return true
}

// fastPath returns the verdict of coins that need no remote check.
func (v *CoinVerifier) fastPath(coin Coin, isSingleHop bool) (verdict, bool) {
	allow := VerifyResult{Coin: coin}

	switch {
	case v.cfg.Prison != nil && v.cfg.Prison.Banned(coin.OutPoint):
		return verdict{
			result: failClosed(coin),
			reason: ReasonAlreadyBanned,
		}, true

	case isSingleHop:
		return verdict{result: allow, reason: ReasonSingleHop}, true

	case v.cfg.Whitelist != nil && v.cfg.Whitelist.Contains(coin.OutPoint):
		return verdict{result: allow, reason: ReasonWhitelisted}, true

	case v.cfg.CoinJoins != nil &&
		v.cfg.CoinJoins.IsCoinJoin(coin.OutPoint.Hash):

		return verdict{result: allow, reason: ReasonRemix}, true

	case coin.Amount >= v.cfg.HighValueThreshold &&
		coin.Confirmations < v.cfg.HighValueMinConfirmations:

		return verdict{
			result: failClosed(coin),
			reason: ReasonImmature,
		}, true
	}

	return verdict{}, false
}

// verify waits for the start delay, asks the provider and resolves the item.
//
// NOTE: This MUST be run as a goroutine.
func (v *CoinVerifier) verify(ctx context.Context, item *verifyItem,
	delay time.Duration, currentHeight int32) {

	defer v.wg.Done()
	defer item.cancel()

	if delay > v.cfg.SanityCeiling {
		log.Warnf("Start delay %v of %v exceeds the sanity ceiling %v",
			delay, item.coin.OutPoint, v.cfg.SanityCeiling)
		delay = v.cfg.SanityCeiling
	}

	if delay > 0 {
		select {
		case <-v.cfg.Clock.TickAfter(delay):
		case <-ctx.Done():
			v.resolve(item, verdict{
				result:  failClosed(item.coin),
				reason:  ReasonCancelled,
				details: ctx.Err().Error(),
			})
			return
		}
	}

	res := fn.Err[APIResponse](errNoProvider)
	if v.cfg.Sender != nil {
		res = v.cfg.Sender.Verify(
			ctx, item.coin, item.coin.Height, currentHeight,
		)
	}

	vd := verdictFromResponse(item.coin, res)
	if vd.reason == ReasonProviderFailure && ctx.Err() != nil {
		vd.reason = ReasonCancelled
	}
	if vd.reason == ReasonProviderFailure {
		log.Warnf("Unable to verify %v, removing it: %v",
			item.coin.OutPoint, vd.details)
	}

	v.resolve(item, vd)
}

// resolve hands out a verdict.  Only the first verdict of an item counts.
func (v *CoinVerifier) resolve(item *verifyItem, vd verdict) {
	item.resolve(vd.result, func() {
		v.apply(item.coin, vd)
	})
}

// apply performs the side effects of a verdict.
func (v *CoinVerifier) apply(coin Coin, vd verdict) {
	op := coin.OutPoint
	log.Debugf("Verdict for %v: %v (ban=%v, remove=%v)", op, vd.reason,
		vd.result.ShouldBan, vd.result.ShouldRemove)

	prometheusVerifierVerdicts.WithLabelValues(vd.reason.String()).Inc()
	if v.cfg.Audit != nil {
		v.cfg.Audit.Record(v.cfg.Clock.Now(), vd.result, vd.reason,
			vd.details)
	}

	switch vd.reason {
	case ReasonProviderBan:
		if v.cfg.Prison != nil {
			err := v.cfg.Prison.FailedVerification(op, vd.banTime)
			if err != nil {
				log.Errorf("Unable to ban %v: %v", op, err)
			}
		}
		if v.cfg.Whitelist != nil {
			v.cfg.Whitelist.Remove(op)
		}
		log.Infof("Coin %v banned by %s", op, vd.provider)

		v.notify(BanNotice{
			Coin:     coin,
			Provider: vd.provider,
			BanTime:  vd.banTime,
			Details:  vd.details,
		})

	case ReasonProviderClear:
		if v.cfg.Whitelist != nil {
			v.cfg.Whitelist.Add(op)
		}
	}
}

// notify sends a ban notice to every subscriber without blocking.
func (v *CoinVerifier) notify(n BanNotice) {
	v.subMu.Lock()
	defer v.subMu.Unlock()

	for _, sub := range v.subscribers {
		select {
		case sub <- n:
		default:
			log.Warnf("Dropping ban notice for %v: subscriber "+
				"is not keeping up", n.Coin.OutPoint)
		}
	}
}

// Cancel cancels the verification of a coin.  The coin resolves to the
// fail-closed verdict unless it was resolved already, in which case this is a
// no-op.
func (v *CoinVerifier) Cancel(op wire.OutPoint) {
	v.mu.Lock()
	item, ok := v.items[op]
	v.mu.Unlock()

	if ok {
		item.cancel()
	}
}

// Pending returns the number of scheduling records.
func (v *CoinVerifier) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return len(v.items)
}

// VerifyCoins collects the verdicts of the coins.  It waits until every coin
// is resolved or the round deadline passes, whichever comes first.  Coins
// without a verdict by then, and coins that were never scheduled, are
// removed without being banned.  The scheduling records of the coins are
// consumed.
func (v *CoinVerifier) VerifyCoins(ctx context.Context,
	coins []Coin) []VerifyResult {

	waitCtx, cancel := context.WithTimeout(ctx, v.cfg.RoundDeadline)
	defer cancel()

	items := make([]*verifyItem, len(coins))
	v.mu.Lock()
	for i := range coins {
		items[i] = v.items[coins[i].OutPoint]
	}
	v.mu.Unlock()

wait:
	for _, item := range items {
		if item == nil {
			continue
		}
		select {
		case <-item.done:
		case <-waitCtx.Done():
			break wait
		}
	}

	results := make([]VerifyResult, 0, len(coins))
	for i, coin := range coins {
		item := items[i]
		if item == nil {
			result := failClosed(coin)
			v.audit(result, ReasonNotScheduled, "")
			results = append(results, result)
			continue
		}

		if _, ok := item.tryResult(); !ok {
			v.resolve(item, verdict{
				result: failClosed(item.coin),
				reason: ReasonDeadline,
				details: "no verdict within " +
					v.cfg.RoundDeadline.String(),
			})
			item.cancel()
		}
		<-item.done
		results = append(results, item.result)

		v.mu.Lock()
		if v.items[coin.OutPoint] == item {
			delete(v.items, coin.OutPoint)
		}
		v.mu.Unlock()
	}

	v.sweep()
	v.persist()

	return results
}

// audit records a verdict that has no scheduling record.
func (v *CoinVerifier) audit(result VerifyResult, reason Reason,
	details string) {

	prometheusVerifierVerdicts.WithLabelValues(reason.String()).Inc()
	if v.cfg.Audit != nil {
		v.cfg.Audit.Record(v.cfg.Clock.Now(), result, reason, details)
	}
}

// sweep removes scheduling records older than the sanity ceiling.  Correct
// callers always consume their records long before that.
func (v *CoinVerifier) sweep() {
	now := v.cfg.Clock.Now()

	var leaked []*verifyItem
	v.mu.Lock()
	for op, item := range v.items {
		if now.Sub(item.scheduled) > v.cfg.SanityCeiling {
			leaked = append(leaked, item)
			delete(v.items, op)
		}
	}
	pending := len(v.items)
	v.mu.Unlock()

	prometheusVerifierPending.Set(float64(pending))

	for _, item := range leaked {
		log.Warnf("Removing leaked verification of %v scheduled at %v",
			item.coin.OutPoint, item.scheduled)

		item.cancel()
		v.resolve(item, verdict{
			result: failClosed(item.coin),
			reason: ReasonLeaked,
		})
	}
	prometheusVerifierLeaked.Add(float64(len(leaked)))
}

// persist saves the whitelist and flushes the audit log.
func (v *CoinVerifier) persist() {
	if v.cfg.Whitelist != nil {
		if err := v.cfg.Whitelist.Save(); err != nil {
			log.Warnf("Unable to save whitelist: %v", err)
		}
	}
	if v.cfg.Audit != nil {
		if err := v.cfg.Audit.Flush(); err != nil {
			log.Warnf("Unable to write audit log: %v", err)
		}
	}
}
