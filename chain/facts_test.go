// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockFactsClient struct {
	mock.Mock
}

func (m *mockFactsClient) GetRawTransaction(
	txHash *chainhash.Hash) (*btcutil.Tx, error) {

	args := m.Called(*txHash)
	tx, _ := args.Get(0).(*btcutil.Tx)
	return tx, args.Error(1)
}

func (m *mockFactsClient) GetBlockCount() (int64, error) {
	args := m.Called()
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockFactsClient) GetBlockHash(height int64) (*chainhash.Hash, error) {
	args := m.Called(height)
	hash, _ := args.Get(0).(*chainhash.Hash)
	return hash, args.Error(1)
}

// TestPrevOutputs checks that each parent is fetched once and outputs are
// returned in input order.
func TestPrevOutputs(t *testing.T) {
	t.Parallel()

	parent := wire.NewMsgTx(2)
	parent.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	parent.AddTxOut(wire.NewTxOut(2000, []byte{0x51}))
	parentHash := parent.TxHash()

	client := &mockFactsClient{}
	client.On("GetRawTransaction", parentHash).Return(
		btcutil.NewTx(parent), nil,
	)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: parentHash, Index: 1},
		nil, nil))
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: parentHash, Index: 0},
		nil, nil))

	facts := NewRPCChainFacts(client)
	prevOuts, err := facts.PrevOutputs(context.Background(), tx)
	require.NoError(t, err)
	require.Len(t, prevOuts, 2)
	require.Equal(t, int64(2000), prevOuts[0].Value)
	require.Equal(t, int64(1000), prevOuts[1].Value)
	client.AssertNumberOfCalls(t, "GetRawTransaction", 1)

	// An index past the parent's outputs is an error.
	tx.TxIn[0].PreviousOutPoint.Index = 2
	_, err = facts.PrevOutputs(context.Background(), tx)
	require.Error(t, err)
}

// TestPrevOutputsTimeout checks that a lookup gives up when the context is
// done.
func TestPrevOutputsTimeout(t *testing.T) {
	t.Parallel()

	client := &mockFactsClient{}
	client.On("GetRawTransaction", mock.Anything).After(time.Second).
		Return(nil, errors.New("too late"))

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))

	ctx, cancel := context.WithTimeout(
		context.Background(), 20*time.Millisecond,
	)
	defer cancel()

	_, err := NewRPCChainFacts(client).PrevOutputs(ctx, tx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestBestHeight checks the best height lookup.
func TestBestHeight(t *testing.T) {
	t.Parallel()

	client := &mockFactsClient{}
	client.On("GetBlockCount").Return(int64(850_000), nil)

	height, err := NewRPCChainFacts(client).BestHeight(
		context.Background(),
	)
	require.NoError(t, err)
	require.Equal(t, int32(850_000), height)
}

// TestCheckNetwork checks the genesis comparison and the retries while
// bitcoind is loading.
func TestCheckNetwork(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	loading := errors.New("-28: Loading block index...")

	client := &mockFactsClient{}
	client.On("GetBlockHash", int64(0)).Return(nil, loading).Twice()
	client.On("GetBlockHash", int64(0)).Return(params.GenesisHash, nil)

	err := checkNetwork(client, params, time.Millisecond, time.Second)
	require.NoError(t, err)

	err = checkNetwork(client, &chaincfg.MainNetParams, time.Millisecond,
		time.Second)
	require.Error(t, err)

	stuck := &mockFactsClient{}
	stuck.On("GetBlockHash", int64(0)).Return(nil, loading)
	err = checkNetwork(stuck, params, time.Millisecond,
		20*time.Millisecond)
	require.ErrorIs(t, err, ErrBitcoindStartTimeout)
}
