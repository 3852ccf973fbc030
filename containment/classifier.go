// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package containment

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// Classifier reports whether a transaction looks like a coinjoin.  Such
// transactions are left alone by the containment handlers.
type Classifier func(tx *wire.MsgTx) bool

const (
	// MinCoinJoinInputs is the fewest inputs of a coinjoin shaped
	// transaction.
	MinCoinJoinInputs = 21

	// MinCoinJoinOutputs is the fewest outputs of a coinjoin shaped
	// transaction.
	MinCoinJoinOutputs = 15

	// MaxCoinJoinInOuts bounds both the inputs and the outputs of a
	// coinjoin shaped transaction.
	MaxCoinJoinInOuts = 500

	// MinOutputsPerAmount is the lowest ratio of outputs to distinct output
	// amounts of a coinjoin shaped transaction.
	MinOutputsPerAmount = 2
)

// SignalsReplacement returns whether any input of the transaction opts in to
// replacement.
func SignalsReplacement(tx *wire.MsgTx) bool {
	for _, txIn := range tx.TxIn {
		if txIn.Sequence < wire.MaxTxInSequenceNum-1 {
			return true
		}
	}
	return false
}

// IsCoinJoinShaped is the default Classifier.  It matches transactions that
// do not signal replacement, have between 21 and 500 inputs and between 15 and
// 500 outputs, and on average carry at least two outputs per distinct output
// amount.
func IsCoinJoinShaped(tx *wire.MsgTx) bool {
	nIn, nOut := len(tx.TxIn), len(tx.TxOut)
	if nIn < MinCoinJoinInputs || nIn > MaxCoinJoinInOuts {
		return false
	}
	if nOut < MinCoinJoinOutputs || nOut > MaxCoinJoinInOuts {
		return false
	}
	if SignalsReplacement(tx) {
		return false
	}

	amounts := make(map[btcutil.Amount]struct{}, nOut)
	for _, txOut := range tx.TxOut {
		amounts[btcutil.Amount(txOut.Value)] = struct{}{}
	}

	return nOut >= MinOutputsPerAmount*len(amounts)
}
