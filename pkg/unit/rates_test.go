// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package unit

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestFeeForVSize checks fee calculation and its rounding behaviour.
func TestFeeForVSize(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		rate     SatPerKVByte
		vsize    int
		expected btcutil.Amount
	}{
		{
			name:     "zero rate",
			rate:     0,
			vsize:    31,
			expected: 0,
		},
		{
			name:     "1 sat/vb p2wpkh output",
			rate:     SatPerVByte(1),
			vsize:    31,
			expected: 31,
		},
		{
			name:     "fractional rate rounds up",
			rate:     SatPerKVByte(1500),
			vsize:    31,
			expected: 47,
		},
		{
			name:     "zero vsize",
			rate:     SatPerVByte(20),
			vsize:    0,
			expected: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.expected, tc.rate.FeeForVSize(tc.vsize))
		})
	}
}

// TestNewSatPerKVByte checks that a fee rate derived from a fee and a vsize
// round trips through FeeForVSize for whole sat/vb rates.
func TestNewSatPerKVByte(t *testing.T) {
	t.Parallel()

	rate := NewSatPerKVByte(2000, 100)
	require.Equal(t, SatPerVByte(20), rate)
	require.Equal(t, btcutil.Amount(2000), rate.FeeForVSize(100))
	require.Equal(t, "20.00 sat/vb", rate.String())

	require.Zero(t, NewSatPerKVByte(1000, 0))
	require.True(t, SatPerVByte(20).GreaterThan(SatPerVByte(5)))
	require.True(t, SatPerVByte(5).LessThan(SatPerVByte(20)))
}
