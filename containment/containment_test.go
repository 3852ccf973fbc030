// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package containment

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btccoinjoin/pkg/unit"
	"github.com/btcsuite/btccoinjoin/prison"
	"github.com/btcsuite/btccoinjoin/rounds"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

var (
	testStartTime = time.Unix(1_700_000_000, 0)

	// testPkScript is a P2WPKH script, 22 bytes long.
	testPkScript = append([]byte{0x00, 0x14}, make([]byte, 20)...)
)

type fakeCoinJoins map[chainhash.Hash]struct{}

func (f fakeCoinJoins) IsCoinJoin(txid chainhash.Hash) bool {
	_, ok := f[txid]
	return ok
}

// fakeChain returns fixed previous outputs, or blocks until the lookup times
// out when hang is set.
type fakeChain struct {
	prevOuts []*wire.TxOut
	err      error
	hang     bool
}

func (f *fakeChain) PrevOutputs(ctx context.Context,
	_ *wire.MsgTx) ([]*wire.TxOut, error) {

	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.prevOuts, f.err
}

type testHarness struct {
	containment *Containment
	prison      *prison.Prison
	registry    *rounds.Registry
	aborted     []chainhash.Hash
}

func newTestHarness(t *testing.T, modify func(*Config)) *testHarness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "containment.db")
	db, err := walletdb.Create("bdb", dbPath, true, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	p, err := prison.New(prison.Config{
		DB:          db,
		Policy:      prison.DefaultPolicy(),
		Clock:       clock.NewTestClock(testStartTime),
		PruneTicker: ticker.NewForce(time.Hour),
	})
	require.NoError(t, err)

	h := &testHarness{prison: p}
	h.registry = rounds.NewRegistry(func(id chainhash.Hash, _ string) {
		h.aborted = append(h.aborted, id)
	})

	cfg := Config{
		Prison:    p,
		Rounds:    h.registry,
		CoinJoins: fakeCoinJoins{},
	}
	if modify != nil {
		modify(&cfg)
	}

	h.containment, err = New(cfg)
	require.NoError(t, err)

	return h
}

func testOutPoint(b byte, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash{b}, Index: index}
}

// spendTx returns a transaction spending the outpoints into outputs of the
// given values.
func spendTx(ins []wire.OutPoint, outs ...int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	for _, op := range ins {
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	for _, value := range outs {
		tx.AddTxOut(wire.NewTxOut(value, testPkScript))
	}
	return tx
}

// coinjoinTx returns a transaction with nIn inputs and nOut outputs whose
// amounts repeat every `distinct` outputs.
func coinjoinTx(nIn, nOut, distinct int) *wire.MsgTx {
	ins := make([]wire.OutPoint, nIn)
	for i := range ins {
		ins[i] = testOutPoint(0xcc, uint32(i))
	}
	outs := make([]int64, nOut)
	for i := range outs {
		outs[i] = int64(10_000 * (1 + i%distinct))
	}
	return spendTx(ins, outs...)
}

// TestIsCoinJoinShaped checks the default classifier against the coinjoin
// shape signature.
func TestIsCoinJoinShaped(t *testing.T) {
	t.Parallel()

	rbf := coinjoinTx(30, 30, 10)
	rbf.TxIn[7].Sequence = wire.MaxTxInSequenceNum - 2

	tests := []struct {
		name string
		tx   *wire.MsgTx
		want bool
	}{
		{"minimal", coinjoinTx(21, 15, 5), true},
		{"maximal", coinjoinTx(500, 500, 250), true},
		{"too few inputs", coinjoinTx(20, 15, 5), false},
		{"too many inputs", coinjoinTx(501, 15, 5), false},
		{"too few outputs", coinjoinTx(21, 14, 5), false},
		{"too many outputs", coinjoinTx(21, 501, 5), false},
		{"diverse outputs", coinjoinTx(21, 15, 8), false},
		{"all distinct", coinjoinTx(21, 15, 15), false},
		{"replaceable", rbf, false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, test.want, IsCoinJoinShaped(test.tx))
		})
	}
}

// TestBanDescendants checks that outputs spending banned coins inherit the
// ban one level per block.
func TestBanDescendants(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	banned := testOutPoint(1, 0)
	require.NoError(t, h.prison.DoubleSpent(
		banned, btcutil.SatoshiPerBitcoin, nil,
	))

	coinbase := spendTx([]wire.OutPoint{{Index: wire.MaxPrevOutIndex}},
		50*btcutil.SatoshiPerBitcoin)
	child := spendTx([]wire.OutPoint{banned, testOutPoint(2, 0)},
		60_000_000, 39_000_000)
	childHash := child.TxHash()
	grandchild := spendTx([]wire.OutPoint{{Hash: childHash}}, 59_000_000)
	unrelated := spendTx([]wire.OutPoint{testOutPoint(3, 0)}, 10_000)

	block := &wire.MsgBlock{
		Transactions: []*wire.MsgTx{
			coinbase, child, grandchild, unrelated,
		},
	}
	n, err := h.containment.BanDescendants(block)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for i := uint32(0); i < 2; i++ {
		op := wire.OutPoint{Hash: childHash, Index: i}
		require.True(t, h.prison.Banned(op))

		r, ok := h.prison.Record(op)
		require.True(t, ok)
		require.Equal(t, prison.Inherited, r.Offense)
		require.Equal(t, []wire.OutPoint{banned}, r.Ancestors)
	}

	grandchildOut := wire.OutPoint{Hash: grandchild.TxHash()}
	require.False(t, h.prison.Banned(grandchildOut))
	require.False(t, h.prison.Banned(wire.OutPoint{Hash: unrelated.TxHash()}))

	// The next block carries the ban one level further.
	n, err = h.containment.BanDescendants(&wire.MsgBlock{
		Transactions: []*wire.MsgTx{grandchild},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, h.prison.Banned(grandchildOut))
}

// TestBanDescendantsExempt checks that our own coinjoins and coinjoin shaped
// transactions do not propagate bans.
func TestBanDescendantsExempt(t *testing.T) {
	t.Parallel()

	banned := testOutPoint(0xcc, 3)
	ours := spendTx([]wire.OutPoint{banned}, 50_000)

	h := newTestHarness(t, func(cfg *Config) {
		cfg.CoinJoins = fakeCoinJoins{ours.TxHash(): {}}
	})
	require.NoError(t, h.prison.DoubleSpent(
		banned, btcutil.SatoshiPerBitcoin, nil,
	))

	shaped := coinjoinTx(21, 15, 5)
	n, err := h.containment.BanDescendants(&wire.MsgBlock{
		Transactions: []*wire.MsgTx{ours, shaped},
	})
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, h.prison.Count())
}

// addRounds registers a 5 sat/vB round spending opA and a 20 sat/vB round
// spending opB.
func addRounds(t *testing.T, r *rounds.Registry, opA, opB wire.OutPoint) (
	chainhash.Hash, chainhash.Hash) {

	t.Helper()

	roundA, roundB := chainhash.Hash{0xa}, chainhash.Hash{0xb}
	require.NoError(t, r.Add(roundA, unit.SatPerVByte(5)))
	require.NoError(t, r.Add(roundB, unit.SatPerVByte(20)))
	require.NoError(t, r.AddInput(roundA, opA, btcutil.SatoshiPerBitcoin))
	require.NoError(t, r.AddInput(roundB, opB, 50_000_000))

	return roundA, roundB
}

// TestBanDoubleSpendersAbortsCheaperRounds checks that a double spend paying
// 10 sat/vB aborts the 5 sat/vB round and leaves the 20 sat/vB round alone.
func TestBanDoubleSpendersAbortsCheaperRounds(t *testing.T) {
	t.Parallel()

	opA, opB := testOutPoint(0xa1, 0), testOutPoint(0xb1, 1)

	// Two inputs and one P2WPKH output without witness weigh 123 vbytes,
	// a fee of 1230 sat pays 10 sat/vB.
	attack := spendTx([]wire.OutPoint{opA, opB}, 150_000_000-1230)
	chain := &fakeChain{prevOuts: []*wire.TxOut{
		wire.NewTxOut(btcutil.SatoshiPerBitcoin, testPkScript),
		wire.NewTxOut(50_000_000, testPkScript),
	}}

	h := newTestHarness(t, func(cfg *Config) {
		cfg.Chain = chain
	})
	roundA, roundB := addRounds(t, h.registry, opA, opB)

	require.Equal(t, unit.SatPerVByte(10),
		h.containment.attackerFeeRate(context.Background(), attack))

	aborted, err := h.containment.BanDoubleSpenders(
		context.Background(), attack,
	)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{roundA}, aborted)
	require.Equal(t, []chainhash.Hash{roundA}, h.aborted)
	require.Equal(t, []chainhash.Hash{roundB}, h.registry.Active())

	r, ok := h.prison.Record(wire.OutPoint{Hash: attack.TxHash()})
	require.True(t, ok)
	require.Equal(t, prison.DoubleSpent, r.Offense)
	require.Equal(t, btcutil.Amount(150_000_000), r.Disruptions.DoubleSpend)
	require.ElementsMatch(t, []chainhash.Hash{roundA, roundB}, r.RoundIDs)
}

// TestBanDoubleSpendersFeeLookupFailure checks that every disrupted round is
// aborted when the attacker's fee rate cannot be determined.
func TestBanDoubleSpendersFeeLookupFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		chain ChainFacts
	}{
		{"no chain", nil},
		{"error", &fakeChain{err: errors.New("rpc down")}},
		{"timeout", &fakeChain{hang: true}},
		{"missing outputs", &fakeChain{}},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			h := newTestHarness(t, func(cfg *Config) {
				cfg.Chain = test.chain
				cfg.FeeLookupTimeout = 20 * time.Millisecond
			})
			opA, opB := testOutPoint(0xa2, 0), testOutPoint(0xb2, 0)
			roundA, roundB := addRounds(t, h.registry, opA, opB)

			attack := spendTx([]wire.OutPoint{opA, opB}, 100_000)
			aborted, err := h.containment.BanDoubleSpenders(
				context.Background(), attack,
			)
			require.NoError(t, err)
			require.ElementsMatch(t,
				[]chainhash.Hash{roundA, roundB}, aborted)
			require.Empty(t, h.registry.Active())
			require.True(t, h.prison.Banned(
				wire.OutPoint{Hash: attack.TxHash()},
			))
		})
	}
}

// TestBanDoubleSpendersIgnored checks the transactions that are not treated
// as double spends.
func TestBanDoubleSpendersIgnored(t *testing.T) {
	t.Parallel()

	opA, opB := testOutPoint(0xa3, 0), testOutPoint(0xb3, 0)
	ours := spendTx([]wire.OutPoint{opA}, 90_000_000)

	h := newTestHarness(t, func(cfg *Config) {
		cfg.CoinJoins = fakeCoinJoins{ours.TxHash(): {}}
	})
	addRounds(t, h.registry, opA, opB)

	unrelated := spendTx([]wire.OutPoint{testOutPoint(0xdd, 0)}, 1_000)
	for _, tx := range []*wire.MsgTx{ours, unrelated} {
		aborted, err := h.containment.BanDoubleSpenders(
			context.Background(), tx,
		)
		require.NoError(t, err)
		require.Empty(t, aborted)
	}

	require.Len(t, h.registry.Active(), 2)
	require.Zero(t, h.prison.Count())
}

type fakeEvents struct {
	blocks chan *wire.MsgBlock
	txs    chan *wire.MsgTx
}

func (f *fakeEvents) BlockNotifications() <-chan *wire.MsgBlock {
	return f.blocks
}

func (f *fakeEvents) TxNotifications() <-chan *wire.MsgTx {
	return f.txs
}

// TestHandler checks that notifications are dispatched to the workflows.
func TestHandler(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	opA, opB := testOutPoint(0xa4, 0), testOutPoint(0xb4, 0)
	addRounds(t, h.registry, opA, opB)

	banned := testOutPoint(0xe0, 0)
	require.NoError(t, h.prison.DoubleSpent(banned, 1_000_000, nil))

	events := &fakeEvents{
		blocks: make(chan *wire.MsgBlock),
		txs:    make(chan *wire.MsgTx),
	}
	handler := NewHandler(h.containment, events)
	handler.Start()
	defer handler.Stop()

	child := spendTx([]wire.OutPoint{banned}, 900_000)
	events.blocks <- &wire.MsgBlock{Transactions: []*wire.MsgTx{child}}

	attack := spendTx([]wire.OutPoint{opA}, 1_000)
	events.txs <- attack

	require.Eventually(t, func() bool {
		return h.prison.Banned(wire.OutPoint{Hash: child.TxHash()}) &&
			h.prison.Banned(wire.OutPoint{Hash: attack.TxHash()})
	}, 5*time.Second, 10*time.Millisecond)
}
