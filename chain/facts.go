// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// FactsClient is the part of the RPC client the chain fact lookup uses.
type FactsClient interface {
	GetRawTransaction(txHash *chainhash.Hash) (*btcutil.Tx, error)
	GetBlockCount() (int64, error)
}

// RPCChainFacts answers chain lookups through bitcoind's RPC interface.
// Lookups of arbitrary transactions need bitcoind to run with -txindex or
// the transactions to be in its mempool.
type RPCChainFacts struct {
	client FactsClient
}

// NewRPCChainFacts creates an RPCChainFacts.
func NewRPCChainFacts(client FactsClient) *RPCChainFacts {
	return &RPCChainFacts{client: client}
}

// call runs a blocking RPC and gives up once ctx is done.  The request itself
// is not interrupted.
func call[T any](ctx context.Context, f func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}

	done := make(chan result, 1)
	go func() {
		v, err := f()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// PrevOutputs returns the outputs spent by the inputs of tx, in input order.
func (r *RPCChainFacts) PrevOutputs(ctx context.Context,
	tx *wire.MsgTx) ([]*wire.TxOut, error) {

	parents := make(map[chainhash.Hash]*wire.MsgTx)
	prevOuts := make([]*wire.TxOut, len(tx.TxIn))
	for i, txIn := range tx.TxIn {
		prev := txIn.PreviousOutPoint

		parent, ok := parents[prev.Hash]
		if !ok {
			hash := prev.Hash
			btx, err := call(ctx, func() (*btcutil.Tx, error) {
				return r.client.GetRawTransaction(&hash)
			})
			if err != nil {
				return nil, fmt.Errorf("unable to fetch %v: %w",
					hash, err)
			}
			parent = btx.MsgTx()
			parents[prev.Hash] = parent
		}

		if prev.Index >= uint32(len(parent.TxOut)) {
			return nil, fmt.Errorf("input %d spends missing output "+
				"%v", i, prev)
		}
		prevOuts[i] = parent.TxOut[prev.Index]
	}

	return prevOuts, nil
}

// BestHeight returns the height of the best block.
func (r *RPCChainFacts) BestHeight(ctx context.Context) (int32, error) {
	height, err := call(ctx, r.client.GetBlockCount)
	if err != nil {
		return 0, err
	}
	return int32(height), nil
}
