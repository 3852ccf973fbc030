// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package verifier

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/jellydator/ttlcache/v3"
	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/atomic"
)

// DefaultWhitelistRetention is how long a cleared coin stays whitelisted.
const DefaultWhitelistRetention = 30 * 24 * time.Hour

// bucketWhitelist is the top-level bucket holding the whitelist.  Keys are
// canonical outpoints, values the unix time the coin was cleared.
var bucketWhitelist = []byte("whitelist")

// Whitelist remembers the coins the risk provider cleared so that they are
// not verified again while the retention horizon has not passed.  It is safe
// for concurrent use.
type Whitelist struct {
	db        walletdb.DB
	retention time.Duration
	clock     clock.Clock

	entries *ttlcache.Cache[wire.OutPoint, time.Time]

	// dirty is set by every change not yet saved.
	dirty *atomic.Bool

	// fileMu serializes saves.
	fileMu sync.Mutex
}

func canonicalOutPoint(op *wire.OutPoint) []byte {
	k := make([]byte, 36)
	copy(k, op.Hash[:])
	binary.BigEndian.PutUint32(k[32:36], op.Index)
	return k
}

// NewWhitelist loads the whitelist, dropping entries older than the
// retention horizon.
func NewWhitelist(db walletdb.DB, retention time.Duration,
	clk clock.Clock) (*Whitelist, error) {

	if retention <= 0 {
		retention = DefaultWhitelistRetention
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	initPrometheusMetrics()

	w := &Whitelist{
		db:        db,
		retention: retention,
		clock:     clk,
		entries: ttlcache.New[wire.OutPoint, time.Time](
			ttlcache.WithTTL[wire.OutPoint, time.Time](retention),
			ttlcache.WithDisableTouchOnHit[wire.OutPoint, time.Time](),
		),
		dirty: atomic.NewBool(false),
	}

	now := clk.Now()
	var dropped int
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(bucketWhitelist)
		if err != nil {
			return err
		}
		return ns.ForEach(func(k, v []byte) error {
			if len(k) != 36 || len(v) != 8 {
				return fmt.Errorf("malformed whitelist entry "+
					"(key %d bytes, value %d bytes)",
					len(k), len(v))
			}

			var op wire.OutPoint
			copy(op.Hash[:], k[:32])
			op.Index = binary.BigEndian.Uint32(k[32:36])
			cleared := time.Unix(
				int64(binary.BigEndian.Uint64(v)), 0,
			)

			ttl := retention - now.Sub(cleared)
			if ttl <= 0 {
				dropped++
				return nil
			}
			w.entries.Set(op, cleared, ttl)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("unable to load whitelist: %w", err)
	}

	// Entries past retention were skipped, persist their removal.
	if dropped > 0 {
		w.dirty.Store(true)
	}

	log.Infof("Loaded %d whitelisted coins, %d expired", w.Len(), dropped)
	prometheusVerifierWhitelist.Set(float64(w.Len()))

	return w, nil
}

// Contains returns whether the outpoint is whitelisted.  Retention is
// measured on the whitelist's clock, the cache TTL only evicts.
func (w *Whitelist) Contains(op wire.OutPoint) bool {
	item := w.entries.Get(op)
	if item == nil {
		return false
	}
	return w.clock.Now().Sub(item.Value()) < w.retention
}

// Add whitelists the outpoint as of now.
func (w *Whitelist) Add(op wire.OutPoint) {
	w.entries.Set(op, w.clock.Now(), w.retention)
	w.dirty.Store(true)
	prometheusVerifierWhitelist.Set(float64(w.entries.Len()))
}

// Remove drops the outpoint from the whitelist.
func (w *Whitelist) Remove(op wire.OutPoint) {
	if !w.entries.Has(op) {
		return
	}
	w.entries.Delete(op)
	w.dirty.Store(true)
	prometheusVerifierWhitelist.Set(float64(w.entries.Len()))
}

// Len returns the number of whitelisted outpoints.
func (w *Whitelist) Len() int {
	return w.entries.Len()
}

// Save writes the whitelist to the database if it changed since the last
// save.  Expired entries are dropped first.
func (w *Whitelist) Save() error {
	w.fileMu.Lock()
	defer w.fileMu.Unlock()

	if !w.dirty.CompareAndSwap(true, false) {
		return nil
	}

	w.entries.DeleteExpired()
	horizon := w.clock.Now().Add(-w.retention)

	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		if err := tx.DeleteTopLevelBucket(bucketWhitelist); err != nil {
			return err
		}
		ns, err := tx.CreateTopLevelBucket(bucketWhitelist)
		if err != nil {
			return err
		}

		for op, item := range w.entries.Items() {
			cleared := item.Value()
			if !cleared.After(horizon) {
				continue
			}

			v := make([]byte, 8)
			binary.BigEndian.PutUint64(v, uint64(cleared.Unix()))
			if err := ns.Put(canonicalOutPoint(&op), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		w.dirty.Store(true)
		return fmt.Errorf("unable to save whitelist: %w", err)
	}

	log.Debugf("Saved %d whitelisted coins", w.entries.Len())

	return nil
}
