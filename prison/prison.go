// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package prison implements the coordinator's ban ledger.
//
// Every coin that disrupts a round gets a record keyed by its outpoint.  The
// ban duration is not stored; it is derived from the record by a Policy, so
// operators can tune the policy without rewriting the ledger.  Offenses
// accumulate into the record of the coin, and a coin spent while banned passes
// its ban on to the outputs of the spending transaction.
package prison

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultPruneInterval is how often forgiven records are removed from the
// ledger.
const DefaultPruneInterval = time.Hour

// Config holds the collaborators of a Prison.
type Config struct {
	// DB is the database holding the ban ledger bucket.
	DB walletdb.DB

	// Policy is used to price new offenses and by the background prune.
	Policy Policy

	// Clock provides the offense times.  Defaults to the wall clock.
	Clock clock.Clock

	// PruneTicker drives the background prune.  Defaults to a ticker
	// firing every DefaultPruneInterval.
	PruneTicker ticker.Ticker
}

// Prison is the ban ledger.  It is safe for concurrent use.
type Prison struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg Config

	// mu guards records.  It is never held during database access.
	mu      sync.RWMutex
	records map[wire.OutPoint]*Record

	// fileMu serializes database writes.
	fileMu sync.Mutex

	quit chan struct{}
	wg   sync.WaitGroup
}

// New loads the ban ledger from the database, creating its bucket if needed.
func New(cfg Config) (*Prison, error) {
	if cfg.DB == nil {
		return nil, errors.New("prison: database is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.PruneTicker == nil {
		cfg.PruneTicker = ticker.New(DefaultPruneInterval)
	}

	initPrometheusMetrics()

	if err := createBucket(cfg.DB); err != nil {
		return nil, err
	}
	records, err := fetchRecords(cfg.DB)
	if err != nil {
		return nil, err
	}

	log.Infof("Loaded %d ban records (%v)", len(records), cfg.Policy)
	prometheusPrisonRecords.Set(float64(len(records)))

	return &Prison{
		cfg:     cfg,
		records: records,
		quit:    make(chan struct{}),
	}, nil
}

// Start launches the background prune.
func (p *Prison) Start() {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return
	}

	p.wg.Add(1)
	go p.pruneHandler()
}

// Stop halts the background prune and waits for it to exit.
func (p *Prison) Stop() {
	if !atomic.CompareAndSwapInt32(&p.stopped, 0, 1) {
		return
	}

	close(p.quit)
	p.wg.Wait()
}

// Policy returns the policy new offenses are priced with.
func (p *Prison) Policy() Policy {
	return p.cfg.Policy
}

// IsBanned returns whether the outpoint is serving a ban at the given time
// under the given policy.
func (p *Prison) IsBanned(op wire.OutPoint, policy Policy, now time.Time) bool {
	expiry, ok := p.BanExpiry(op, policy)
	return ok && now.Before(expiry)
}

// Banned returns whether the outpoint is banned right now under the ledger's
// own policy.
func (p *Prison) Banned(op wire.OutPoint) bool {
	return p.IsBanned(op, p.cfg.Policy, p.cfg.Clock.Now())
}

// BanExpiry returns the time the ban of the outpoint ends.  The boolean is
// false when the ledger has no record for the outpoint.
func (p *Prison) BanExpiry(op wire.OutPoint, policy Policy) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	r, ok := p.records[op]
	if !ok {
		return time.Time{}, false
	}
	return policy.Expiry(r), true
}

// Record returns a copy of the ban record of the outpoint.
func (p *Prison) Record(op wire.OutPoint) (*Record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	r, ok := p.records[op]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Count returns the number of records in the ledger.
func (p *Prison) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.records)
}

// FailedToConfirm records an input that did not confirm its registration.
func (p *Prison) FailedToConfirm(op wire.OutPoint, amount btcutil.Amount,
	roundID chainhash.Hash) error {

	return p.punish(op, FailedToConfirm, amount, func(r *Record, _ time.Time) {
		r.Disruptions.Confirmation += amount
		r.addRoundID(roundID)
	})
}

// FailedToSign records an input whose owner did not sign the coinjoin.
func (p *Prison) FailedToSign(op wire.OutPoint, amount btcutil.Amount,
	roundID chainhash.Hash) error {

	return p.punish(op, FailedToSign, amount, func(r *Record, _ time.Time) {
		r.Disruptions.Signing += amount
		r.addRoundID(roundID)
	})
}

// DoubleSpent records a coin double spent against the given rounds.
func (p *Prison) DoubleSpent(op wire.OutPoint, amount btcutil.Amount,
	roundIDs []chainhash.Hash) error {

	return p.punish(op, DoubleSpent, amount, func(r *Record, _ time.Time) {
		r.Disruptions.DoubleSpend += amount
		for _, id := range roundIDs {
			r.addRoundID(id)
		}
	})
}

// FailedVerification records a coin the risk provider asked to ban.  The ban
// lasts at least the recommended time and at least the policy minimum for
// failed verifications.
func (p *Prison) FailedVerification(op wire.OutPoint,
	recommendedBanTime time.Duration) error {

	banTime := recommendedBanTime
	if minTime := p.cfg.Policy.MinTimeForFailedToVerify; banTime < minTime {
		banTime = minTime
	}

	return p.punish(op, FailedToVerify, 0, func(r *Record, now time.Time) {
		r.raiseMinExpiry(now.Add(banTime))
	})
}

// CheatingDetected records an input caught cheating in a round.
func (p *Prison) CheatingDetected(op wire.OutPoint,
	roundID chainhash.Hash) error {

	banTime := p.cfg.Policy.MinTimeForCheating
	return p.punish(op, Cheating, 0, func(r *Record, now time.Time) {
		r.raiseMinExpiry(now.Add(banTime))
		r.addRoundID(roundID)
	})
}

// punish records an offense.  A record whose ban already expired opens a new
// ban starting now but keeps its offense count, so repeated offenses keep
// escalating until the record is forgiven.
func (p *Prison) punish(op wire.OutPoint, offense Offense,
	value btcutil.Amount, apply func(r *Record, now time.Time)) error {

	now := p.cfg.Clock.Now()

	p.mu.Lock()
	r, ok := p.records[op]
	switch {
	case !ok:
		r = &Record{OutPoint: op, Started: now}
		p.records[op] = r

	case !now.Before(p.cfg.Policy.Expiry(r)):
		r.Started = now
		r.Disruptions = Disruptions{}
	}

	r.Offense = offense
	r.Offenses++
	if value > 0 {
		r.Value = value
	}
	apply(r, now)

	expiry := p.cfg.Policy.Expiry(r)
	offenses := r.Offenses
	count := len(p.records)
	p.mu.Unlock()

	prometheusPrisonOffenses.WithLabelValues(offense.String()).Inc()
	prometheusPrisonRecords.Set(float64(count))

	log.Infof("Banned %v until %v: %v (offense #%d)", op,
		expiry.Format(time.RFC3339), offense, offenses)

	return p.persist([]wire.OutPoint{op})
}

// InheritPunishment bans the outpoint for as long as the longest ban among
// its currently banned ancestors.  It returns whether any ancestor was
// banned.
func (p *Prison) InheritPunishment(op wire.OutPoint,
	ancestors []wire.OutPoint) (bool, error) {

	now := p.cfg.Clock.Now()

	p.mu.Lock()
	var (
		banned    []wire.OutPoint
		maxExpiry time.Time
	)
	for _, ancestor := range ancestors {
		r, ok := p.records[ancestor]
		if !ok {
			continue
		}
		expiry := p.cfg.Policy.Expiry(r)
		if !now.Before(expiry) {
			continue
		}
		banned = append(banned, ancestor)
		if expiry.After(maxExpiry) {
			maxExpiry = expiry
		}
	}
	if len(banned) == 0 {
		p.mu.Unlock()
		return false, nil
	}

	r, ok := p.records[op]
	if !ok {
		r = &Record{
			OutPoint: op,
			Offense:  Inherited,
			Started:  now,
		}
		p.records[op] = r
	}
	for _, ancestor := range banned {
		r.addAncestor(ancestor)
	}
	r.raiseMinExpiry(maxExpiry)
	count := len(p.records)
	p.mu.Unlock()

	prometheusPrisonOffenses.WithLabelValues(Inherited.String()).Inc()
	prometheusPrisonRecords.Set(float64(count))

	log.Debugf("Output %v inherited the ban of %d ancestors until %v", op,
		len(banned), maxExpiry.Format(time.RFC3339))

	return true, p.persist([]wire.OutPoint{op})
}

// Prune forgets the records whose ban expired longer ago than the policy's
// forgiveness horizon.  It returns the number of records removed.
func (p *Prison) Prune(policy Policy, now time.Time) (int, error) {
	p.mu.Lock()
	var forgiven []wire.OutPoint
	for op, r := range p.records {
		forgiveAt := policy.Expiry(r).Add(policy.ForgiveAfter)
		if now.After(forgiveAt) {
			forgiven = append(forgiven, op)
			delete(p.records, op)
		}
	}
	count := len(p.records)
	p.mu.Unlock()

	if len(forgiven) == 0 {
		return 0, nil
	}

	prometheusPrisonPruned.Add(float64(len(forgiven)))
	prometheusPrisonRecords.Set(float64(count))

	log.Infof("Forgave %d ban records", len(forgiven))
	log.Tracef("Forgiven outpoints: %v", newLogClosure(func() string {
		return spew.Sdump(forgiven)
	}))

	return len(forgiven), p.persist(forgiven)
}

// Release forgets the records of the outpoints, lifting their bans.  Passing
// no outpoints releases every record.  It returns the number of records
// removed.
func (p *Prison) Release(ops ...wire.OutPoint) (int, error) {
	p.mu.Lock()
	if len(ops) == 0 {
		for op := range p.records {
			ops = append(ops, op)
		}
	}
	var released []wire.OutPoint
	for _, op := range ops {
		if _, ok := p.records[op]; ok {
			released = append(released, op)
			delete(p.records, op)
		}
	}
	count := len(p.records)
	p.mu.Unlock()

	if len(released) == 0 {
		return 0, nil
	}

	prometheusPrisonRecords.Set(float64(count))
	log.Infof("Released %d ban records", len(released))

	return len(released), p.persist(released)
}

// Records returns a copy of every record in the ledger.
func (p *Prison) Records() []*Record {
	p.mu.RLock()
	defer p.mu.RUnlock()

	records := make([]*Record, 0, len(p.records))
	for _, r := range p.records {
		records = append(records, r.clone())
	}
	return records
}

// persist writes the current in-memory state of the outpoints to the
// database.  Outpoints without a record are deleted.  The state is read again
// under the file lock so that concurrent writers always leave the latest
// state behind.
func (p *Prison) persist(ops []wire.OutPoint) error {
	p.fileMu.Lock()
	defer p.fileMu.Unlock()

	var (
		puts    []*Record
		deletes []wire.OutPoint
	)
	p.mu.RLock()
	for _, op := range ops {
		if r, ok := p.records[op]; ok {
			puts = append(puts, r.clone())
		} else {
			deletes = append(deletes, op)
		}
	}
	p.mu.RUnlock()

	for _, r := range puts {
		if err := putRecord(p.cfg.DB, r); err != nil {
			return err
		}
	}
	if len(deletes) > 0 {
		return deleteRecords(p.cfg.DB, deletes)
	}
	return nil
}

// pruneHandler prunes the ledger on every tick until the prison is stopped.
//
// NOTE: This MUST be run as a goroutine.
func (p *Prison) pruneHandler() {
	defer p.wg.Done()

	p.cfg.PruneTicker.Resume()
	defer p.cfg.PruneTicker.Stop()

	for {
		select {
		case <-p.cfg.PruneTicker.Ticks():
			_, err := p.Prune(p.cfg.Policy, p.cfg.Clock.Now())
			if err != nil {
				log.Errorf("Unable to prune ban records: %v",
					err)
			}

		case <-p.quit:
			return
		}
	}
}
