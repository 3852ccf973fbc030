// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package prison

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
)

// Naming
//
// The following names are used for the ban ledger database functions:
//
//   put:    insert or replace a record
//   fetch:  read and return all records
//   delete: remove a record
//
// Records are keyed by their canonical outpoint.

// Big endian is the preferred byte order, due to cursor scans over integer
// keys iterating in order.
var byteOrder = binary.BigEndian

// bucketPrison is the top-level bucket holding every ban record.
var bucketPrison = []byte("prison")

// The canonical outpoint serialization format is:
//
//   [0:32]  Transaction hash (32 bytes)
//   [32:36] Output index (4 bytes)

func canonicalOutPoint(op *wire.OutPoint) []byte {
	k := make([]byte, 36)
	copy(k, op.Hash[:])
	byteOrder.PutUint32(k[32:36], op.Index)
	return k
}

func readCanonicalOutPoint(k []byte, op *wire.OutPoint) error {
	if len(k) < 36 {
		str := "short canonical outpoint"
		return prisonError(ErrData, str, nil)
	}
	copy(op.Hash[:], k)
	op.Index = byteOrder.Uint32(k[32:36])
	return nil
}

// The record value serialization format is:
//
//   [0:1]   Offense (1 byte)
//   [1:9]   Started, unix nanoseconds (8 bytes)
//   [9:13]  Offense count (4 bytes)
//   [13:21] Value (8 bytes)
//   [21:29] Disrupted confirmation value (8 bytes)
//   [29:37] Disrupted signing value (8 bytes)
//   [37:45] Disrupted double spend value (8 bytes)
//   [45:53] Minimum expiry, unix nanoseconds, zero if unset (8 bytes)
//   [53:55] Number of round ids (2 bytes)
//   [55:R]  Round ids (32 bytes each)
//   [R:R+2] Number of ancestors (2 bytes)
//   [R+2:]  Ancestors, canonical outpoints (36 bytes each)

const recordHeaderSize = 55

func serializeTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func deserializeTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v))
}

func valueRecord(r *Record) []byte {
	size := recordHeaderSize + len(r.RoundIDs)*chainhash.HashSize + 2 +
		len(r.Ancestors)*36
	v := make([]byte, size)

	v[0] = byte(r.Offense)
	byteOrder.PutUint64(v[1:9], serializeTime(r.Started))
	byteOrder.PutUint32(v[9:13], r.Offenses)
	byteOrder.PutUint64(v[13:21], uint64(r.Value))
	byteOrder.PutUint64(v[21:29], uint64(r.Disruptions.Confirmation))
	byteOrder.PutUint64(v[29:37], uint64(r.Disruptions.Signing))
	byteOrder.PutUint64(v[37:45], uint64(r.Disruptions.DoubleSpend))
	byteOrder.PutUint64(v[45:53], serializeTime(r.MinExpiry))

	byteOrder.PutUint16(v[53:55], uint16(len(r.RoundIDs)))
	off := recordHeaderSize
	for i := range r.RoundIDs {
		copy(v[off:], r.RoundIDs[i][:])
		off += chainhash.HashSize
	}

	byteOrder.PutUint16(v[off:off+2], uint16(len(r.Ancestors)))
	off += 2
	for i := range r.Ancestors {
		copy(v[off:], canonicalOutPoint(&r.Ancestors[i]))
		off += 36
	}

	return v
}

func readRecord(k, v []byte, r *Record) error {
	if err := readCanonicalOutPoint(k, &r.OutPoint); err != nil {
		return err
	}

	if len(v) < recordHeaderSize+2 {
		str := fmt.Sprintf("%s: short read (expected at least %d "+
			"bytes, read %d)", r.OutPoint, recordHeaderSize+2, len(v))
		return prisonError(ErrData, str, nil)
	}

	r.Offense = Offense(v[0])
	r.Started = deserializeTime(byteOrder.Uint64(v[1:9]))
	r.Offenses = byteOrder.Uint32(v[9:13])
	r.Value = btcutil.Amount(byteOrder.Uint64(v[13:21]))
	r.Disruptions.Confirmation = btcutil.Amount(byteOrder.Uint64(v[21:29]))
	r.Disruptions.Signing = btcutil.Amount(byteOrder.Uint64(v[29:37]))
	r.Disruptions.DoubleSpend = btcutil.Amount(byteOrder.Uint64(v[37:45]))
	r.MinExpiry = deserializeTime(byteOrder.Uint64(v[45:53]))

	numRounds := int(byteOrder.Uint16(v[53:55]))
	off := recordHeaderSize
	if len(v) < off+numRounds*chainhash.HashSize+2 {
		str := fmt.Sprintf("%s: short read of round ids", r.OutPoint)
		return prisonError(ErrData, str, nil)
	}
	r.RoundIDs = nil
	if numRounds > 0 {
		r.RoundIDs = make([]chainhash.Hash, numRounds)
	}
	for i := range r.RoundIDs {
		copy(r.RoundIDs[i][:], v[off:off+chainhash.HashSize])
		off += chainhash.HashSize
	}

	numAncestors := int(byteOrder.Uint16(v[off : off+2]))
	off += 2
	if len(v) < off+numAncestors*36 {
		str := fmt.Sprintf("%s: short read of ancestors", r.OutPoint)
		return prisonError(ErrData, str, nil)
	}
	r.Ancestors = nil
	if numAncestors > 0 {
		r.Ancestors = make([]wire.OutPoint, numAncestors)
	}
	for i := range r.Ancestors {
		err := readCanonicalOutPoint(v[off:off+36], &r.Ancestors[i])
		if err != nil {
			return err
		}
		off += 36
	}

	return nil
}

// createBucket creates the ban ledger bucket if it does not exist yet.
func createBucket(db walletdb.DB) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(bucketPrison)
		if err != nil {
			str := "failed to create prison bucket"
			return prisonError(ErrDatabase, str, err)
		}
		return nil
	})
}

func putRecord(db walletdb.DB, r *Record) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(bucketPrison)
		k := canonicalOutPoint(&r.OutPoint)
		if err := ns.Put(k, valueRecord(r)); err != nil {
			str := fmt.Sprintf("failed to put record for %s",
				r.OutPoint)
			return prisonError(ErrDatabase, str, err)
		}
		return nil
	})
}

func deleteRecords(db walletdb.DB, ops []wire.OutPoint) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(bucketPrison)
		for i := range ops {
			k := canonicalOutPoint(&ops[i])
			if err := ns.Delete(k); err != nil {
				str := fmt.Sprintf("failed to delete record "+
					"for %s", ops[i])
				return prisonError(ErrDatabase, str, err)
			}
		}
		return nil
	})
}

func fetchRecords(db walletdb.DB) (map[wire.OutPoint]*Record, error) {
	records := make(map[wire.OutPoint]*Record)
	err := walletdb.View(db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(bucketPrison)
		return ns.ForEach(func(k, v []byte) error {
			var r Record
			if err := readRecord(k, v, &r); err != nil {
				return err
			}
			records[r.OutPoint] = &r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
