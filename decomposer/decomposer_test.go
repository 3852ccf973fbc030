// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package decomposer

import (
	"math/rand"
	"testing"

	"github.com/btcsuite/btccoinjoin/pkg/unit"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// newTestDecomposer creates a decomposer with a fixed seed and a reduced
// number of randomized passes.
func newTestDecomposer(t *testing.T, cfg Config, seed int64) *Decomposer {
	t.Helper()

	if cfg.PreDecompositions == 0 {
		cfg.PreDecompositions = 500
	}

	d, err := New(cfg, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)

	return d
}

// amounts extracts the output amounts of a decomposition.
func amounts(outputs []Output) []btcutil.Amount {
	result := make([]btcutil.Amount, len(outputs))
	for i, o := range outputs {
		result[i] = o.Amount
	}
	return result
}

// TestDecomposeExactSplit checks that an input sum matching a combination
// of denominations exactly is split into those denominations without change.
func TestDecomposeExactSplit(t *testing.T) {
	t.Parallel()

	d := newTestDecomposer(t, Config{
		FeeRate:                0,
		MinAllowedOutputAmount: 1_000,
		AvailableVsize:         255,
	}, 1)

	outputs, err := d.Decompose(
		111_000, []btcutil.Amount{100_000, 10_000, 1_000},
	)
	require.NoError(t, err)
	require.Equal(
		t, []btcutil.Amount{100_000, 10_000, 1_000}, amounts(outputs),
	)
	require.Equal(t, btcutil.Amount(111_000), SumEffectiveCost(outputs))
}

// TestDecomposeChangelessPreference checks that a changeless decomposition
// wins over the greedy one that needs change.
func TestDecomposeChangelessPreference(t *testing.T) {
	t.Parallel()

	for seed := int64(0); seed < 20; seed++ {
		d := newTestDecomposer(t, Config{
			MinAllowedOutputAmount: 5_000,
			AvailableVsize:         255,
		}, seed)

		// Greedy takes 50k and leaves 10k of change, while 2x30k
		// spends the input exactly.
		outputs, err := d.Decompose(
			60_000, []btcutil.Amount{50_000, 30_000},
		)
		require.NoError(t, err)
		require.Equal(
			t, []btcutil.Amount{30_000, 30_000}, amounts(outputs),
		)
	}
}

// TestDecomposeConservation checks the conservation and size invariants over
// a spread of input sums with a realistic fee rate and both script types.
func TestDecomposeConservation(t *testing.T) {
	t.Parallel()

	const (
		minOutput = 5_000
		vsize     = 1_000
	)
	feeRate := unit.SatPerVByte(10)
	denoms := StandardDenominations(minOutput, 100_000_000)

	d := newTestDecomposer(t, Config{
		FeeRate:                feeRate,
		MinAllowedOutputAmount: minOutput,
		AvailableVsize:         vsize,
		ScriptTypes:            []ScriptType{P2WPKH, P2TR},
	}, 42)

	cheapest := denoms[len(denoms)-1] + feeRate.FeeForVSize(
		P2WPKH.OutputVsize(),
	)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 25; i++ {
		inputSum := btcutil.Amount(10_000 + rng.Int63n(50_000_000))

		outputs, err := d.Decompose(inputSum, denoms)
		require.NoError(t, err, "input sum %v", inputSum)
		require.NotEmpty(t, outputs)

		total := SumEffectiveCost(outputs)
		require.LessOrEqual(t, total, inputSum)
		require.Less(t, inputSum-total, cheapest)
		require.LessOrEqual(t, SumVsize(outputs), vsize)

		for j := 1; j < len(outputs); j++ {
			require.GreaterOrEqual(
				t, outputs[j-1].Amount, outputs[j].Amount,
			)
		}
		for _, o := range outputs {
			require.GreaterOrEqual(t, o.Amount,
				btcutil.Amount(minOutput))
			require.Equal(t, feeRate.FeeForVSize(
				o.ScriptType.OutputVsize()), o.Fee)
		}
	}
}

// TestDecomposeDeterministic checks that equally seeded decomposers agree.
func TestDecomposeDeterministic(t *testing.T) {
	t.Parallel()

	cfg := Config{
		FeeRate:                unit.SatPerVByte(5),
		MinAllowedOutputAmount: 5_000,
		AvailableVsize:         500,
		ScriptTypes:            []ScriptType{P2WPKH, P2TR},
	}
	denoms := StandardDenominations(5_000, 10_000_000)

	first := newTestDecomposer(t, cfg, 99)
	second := newTestDecomposer(t, cfg, 99)

	for _, inputSum := range []btcutil.Amount{123_456, 2_500_000, 9_999} {
		a, err := first.Decompose(inputSum, denoms)
		require.NoError(t, err)
		b, err := second.Decompose(inputSum, denoms)
		require.NoError(t, err)
		require.Equal(t, a, b)
	}
}

// TestDecomposeInputErrors checks the precondition failures.
func TestDecomposeInputErrors(t *testing.T) {
	t.Parallel()

	d := newTestDecomposer(t, Config{
		FeeRate:                unit.SatPerVByte(2),
		MinAllowedOutputAmount: 5_000,
		AvailableVsize:         255,
	}, 3)

	testCases := []struct {
		name     string
		inputSum btcutil.Amount
		denoms   []btcutil.Amount
		code     ErrorCode
	}{
		{
			name:     "empty menu",
			inputSum: 100_000,
			denoms:   nil,
			code:     ErrNoDenominations,
		},
		{
			name:     "menu below minimum output",
			inputSum: 100_000,
			denoms:   []btcutil.Amount{1_000, 2_000},
			code:     ErrNoDenominations,
		},
		{
			name:     "input below cheapest denomination",
			inputSum: 5_000,
			denoms:   []btcutil.Amount{5_000, 10_000},
			code:     ErrInsufficientFunds,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := d.Decompose(tc.inputSum, tc.denoms)
			require.Error(t, err)
			require.True(t, IsErrorCode(err, tc.code), "got %v", err)
		})
	}
}

// TestNewInvalidConfig checks configurations the decomposer refuses.
func TestNewInvalidConfig(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))

	_, err := New(Config{MinAllowedOutputAmount: 1, AvailableVsize: 10}, rng)
	require.True(t, IsErrorCode(err, ErrInvalidConfig))

	_, err = New(Config{AvailableVsize: 255}, rng)
	require.True(t, IsErrorCode(err, ErrInvalidConfig))

	_, err = New(Config{MinAllowedOutputAmount: 1, AvailableVsize: 255}, nil)
	require.True(t, IsErrorCode(err, ErrInvalidConfig))
}

// TestVerifyInvariants checks that the final sanity checks reject money
// creation, money loss and oversized decompositions.
func TestVerifyInvariants(t *testing.T) {
	t.Parallel()

	d := newTestDecomposer(t, Config{
		MinAllowedOutputAmount: 1_000,
		AvailableVsize:         62,
	}, 1)

	out := func(a btcutil.Amount) Output {
		return Output{Amount: a, ScriptType: P2WPKH}
	}

	require.NoError(t, d.verify(10_000, []Output{out(9_500)}))

	err := d.verify(10_000, []Output{out(10_001)})
	require.True(t, IsErrorCode(err, ErrInvariantViolation))

	err = d.verify(10_000, []Output{out(5_000)})
	require.True(t, IsErrorCode(err, ErrInvariantViolation))

	err = d.verify(10_000, []Output{out(4_000), out(3_000), out(2_500)})
	require.True(t, IsErrorCode(err, ErrInvariantViolation))
}
