// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rounds

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
)

// bucketCoinJoins is the top-level bucket holding the ids of the coinjoin
// transactions broadcast by the coordinator.  Values are the unix time the
// transaction was broadcast, 8 bytes big endian.
var bucketCoinJoins = []byte("coinjoins")

// CoinJoinStore remembers the coinjoin transactions the coordinator produced.
// Lookups are served from memory.  It is safe for concurrent use.
type CoinJoinStore struct {
	db walletdb.DB

	mu  sync.RWMutex
	ids map[chainhash.Hash]time.Time
}

// NewCoinJoinStore loads the known coinjoin ids from the database, creating
// the bucket if needed.
func NewCoinJoinStore(db walletdb.DB) (*CoinJoinStore, error) {
	if db == nil {
		return nil, errors.New("rounds: database is required")
	}

	ids := make(map[chainhash.Hash]time.Time)
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(bucketCoinJoins)
		if err != nil {
			return err
		}
		return ns.ForEach(func(k, v []byte) error {
			if len(k) != chainhash.HashSize || len(v) != 8 {
				return fmt.Errorf("malformed coinjoin entry "+
					"(key %d bytes, value %d bytes)",
					len(k), len(v))
			}
			var id chainhash.Hash
			copy(id[:], k)
			ids[id] = time.Unix(
				int64(binary.BigEndian.Uint64(v)), 0,
			)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("unable to load coinjoin ids: %w", err)
	}

	log.Infof("Loaded %d coinjoin ids", len(ids))

	return &CoinJoinStore{db: db, ids: ids}, nil
}

// Add records the id of a coinjoin transaction broadcast at the given time.
func (s *CoinJoinStore) Add(txid chainhash.Hash, broadcast time.Time) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(broadcast.Unix()))

	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(bucketCoinJoins)
		return ns.Put(txid[:], v)
	})
	if err != nil {
		return fmt.Errorf("unable to store coinjoin %v: %w", txid, err)
	}

	s.mu.Lock()
	s.ids[txid] = time.Unix(broadcast.Unix(), 0)
	s.mu.Unlock()

	log.Debugf("Recorded coinjoin %v", txid)

	return nil
}

// IsCoinJoin returns whether the transaction id belongs to a coinjoin of this
// coordinator.
func (s *CoinJoinStore) IsCoinJoin(txid chainhash.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.ids[txid]
	return ok
}

// Count returns the number of known coinjoins.
func (s *CoinJoinStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.ids)
}
