// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// fakeConn replays queued ZMQ messages and returns io.EOF once closed.
type fakeConn struct {
	msgs      chan [][]byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs:   make(chan [][]byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Receive(_ [][]byte) ([][]byte, error) {
	select {
	case msg := <-f.msgs:
		return msg, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 28332}
}

func (f *fakeConn) send(command string, payload []byte) {
	f.msgs <- [][]byte{[]byte(command), payload, {0, 0, 0, 0}}
}

type fakeMempool struct {
	mu  sync.Mutex
	txs map[chainhash.Hash]*wire.MsgTx
}

func (f *fakeMempool) add(tx *wire.MsgTx) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.txs[tx.TxHash()] = tx
}

func (f *fakeMempool) GetRawMempool() ([]*chainhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	txids := make([]*chainhash.Hash, 0, len(f.txs))
	for txid := range f.txs {
		txid := txid
		txids = append(txids, &txid)
	}
	return txids, nil
}

func (f *fakeMempool) GetRawTransaction(
	txHash *chainhash.Hash) (*btcutil.Tx, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	return btcutil.NewTx(f.txs[*txHash]), nil
}

func testTx(lockTime uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: lockTime}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	tx.LockTime = lockTime
	return tx
}

func serialize(t *testing.T, msg interface{ Serialize(io.Writer) error }) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, msg.Serialize(&buf))
	return buf.Bytes()
}

func receiveTx(t *testing.T, z *ZMQEvents) *wire.MsgTx {
	t.Helper()

	select {
	case tx := <-z.TxNotifications():
		return tx
	case <-time.After(5 * time.Second):
		t.Fatal("no transaction notification")
		return nil
	}
}

func requireNoTx(t *testing.T, z *ZMQEvents) {
	t.Helper()

	select {
	case tx := <-z.TxNotifications():
		t.Fatalf("unexpected transaction %v", tx.TxHash())
	case <-time.After(50 * time.Millisecond):
	}
}

// TestZMQEventsDedup checks that blocks are delivered and transactions are
// delivered once.
func TestZMQEventsDedup(t *testing.T) {
	t.Parallel()

	blockConn, txConn := newFakeConn(), newFakeConn()
	z := newZMQEvents(ZMQConfig{}, blockConn, txConn, nil)
	require.NoError(t, z.Start())
	defer func() {
		require.NoError(t, z.Stop())
	}()

	tx1, tx2 := testTx(1), testTx(2)

	txConn.send(rawTxZMQCommand, serialize(t, tx1))
	require.Equal(t, tx1.TxHash(), receiveTx(t, z).TxHash())

	// A repeat is dropped, as is garbage.
	txConn.send(rawTxZMQCommand, serialize(t, tx1))
	txConn.send(rawTxZMQCommand, []byte{0xde, 0xad})
	txConn.send("\x00\x01", nil)
	requireNoTx(t, z)

	block := &wire.MsgBlock{
		Header:       wire.BlockHeader{Version: 4},
		Transactions: []*wire.MsgTx{tx2},
	}
	blockConn.send(rawBlockZMQCommand, serialize(t, block))
	receiveBlock(t, z, block)

	// The coinbase of a delivered block is not delivered.
	txConn.send(rawTxZMQCommand, serialize(t, tx2))
	requireNoTx(t, z)
}

// TestZMQEventsBlockTxs checks that transactions first seen in a block are
// delivered before the block, and that mempool transactions are not repeated.
func TestZMQEventsBlockTxs(t *testing.T) {
	t.Parallel()

	blockConn, txConn := newFakeConn(), newFakeConn()
	z := newZMQEvents(ZMQConfig{}, blockConn, txConn, nil)
	require.NoError(t, z.Start())
	defer func() {
		require.NoError(t, z.Stop())
	}()

	coinbase, relayed, mined := testTx(20), testTx(21), testTx(22)

	txConn.send(rawTxZMQCommand, serialize(t, relayed))
	require.Equal(t, relayed.TxHash(), receiveTx(t, z).TxHash())

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{Version: 4},
		Transactions: []*wire.MsgTx{
			coinbase, relayed, mined,
		},
	}
	blockConn.send(rawBlockZMQCommand, serialize(t, block))

	require.Equal(t, mined.TxHash(), receiveTx(t, z).TxHash())
	receiveBlock(t, z, block)
	requireNoTx(t, z)

	// The feed relaying it afterwards does not deliver it again.
	txConn.send(rawTxZMQCommand, serialize(t, mined))
	requireNoTx(t, z)
}

func receiveBlock(t *testing.T, z *ZMQEvents, want *wire.MsgBlock) {
	t.Helper()

	select {
	case got := <-z.BlockNotifications():
		require.Equal(t, want.BlockHash(), got.BlockHash())
	case <-time.After(5 * time.Second):
		t.Fatal("no block notification")
	}
}

// TestZMQEventsMempoolPoller checks that transactions missed by the feed are
// delivered by the poller and that the initial mempool is skipped.
func TestZMQEventsMempoolPoller(t *testing.T) {
	t.Parallel()

	mempool := &fakeMempool{txs: make(map[chainhash.Hash]*wire.MsgTx)}
	initial, missed := testTx(10), testTx(11)
	mempool.add(initial)

	blockConn, txConn := newFakeConn(), newFakeConn()
	z := newZMQEvents(ZMQConfig{
		MempoolPollInterval: 10 * time.Millisecond,
	}, blockConn, txConn, mempool)
	require.NoError(t, z.Start())
	defer func() {
		require.NoError(t, z.Stop())
	}()

	mempool.add(missed)
	require.Equal(t, missed.TxHash(), receiveTx(t, z).TxHash())

	// The feed catching up later does not deliver it again.
	txConn.send(rawTxZMQCommand, serialize(t, missed))
	requireNoTx(t, z)
}
