// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btccoinjoin/pkg/unit"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

func TestAmountFlag(t *testing.T) {
	t.Parallel()

	var a AmountFlag
	require.NoError(t, a.UnmarshalFlag("0.5 BTC"))
	require.Equal(t, btcutil.Amount(50_000_000), a.Amount)
	require.NoError(t, a.UnmarshalFlag("0.00005"))
	require.Equal(t, btcutil.Amount(5000), a.Amount)

	s, err := a.MarshalFlag()
	require.NoError(t, err)
	require.Equal(t, "0.00005 BTC", s)

	require.Error(t, a.UnmarshalFlag("lots"))
	require.Error(t, a.UnmarshalFlag("-1"))
}

func TestFeeRateFlag(t *testing.T) {
	t.Parallel()

	f := NewFeeRateFlag(unit.SatPerVByte(1))
	s, err := f.MarshalFlag()
	require.NoError(t, err)
	require.Equal(t, "1", s)

	require.NoError(t, f.UnmarshalFlag("12.5"))
	require.Equal(t, unit.SatPerKVByte(12_500), f.SatPerKVByte)

	require.Error(t, f.UnmarshalFlag("-3"))
	require.Error(t, f.UnmarshalFlag("fast"))
}

func TestExplicitString(t *testing.T) {
	t.Parallel()

	e := NewExplicitString("localhost")
	require.False(t, e.ExplicitlySet())
	require.NoError(t, e.UnmarshalFlag("localhost"))
	require.True(t, e.ExplicitlySet())
}

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr, want string
		wantErr    bool
	}{
		{addr: "localhost", want: "localhost:8332"},
		{addr: "127.0.0.1:18443", want: "127.0.0.1:18443"},
		{addr: "::1", want: "[::1]:8332"},
		{addr: "[::1]:9000", want: "[::1]:9000"},
		{addr: "a:b:c]", wantErr: true},
	}

	for _, test := range tests {
		got, err := NormalizeAddress(test.addr, "8332")
		if test.wantErr {
			require.Error(t, err, test.addr)
			continue
		}
		require.NoError(t, err, test.addr)
		require.Equal(t, test.want, got)
	}
}

func TestFileHelpers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "btccoinjoin.conf")

	exists, err := FileExists(path)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, os.WriteFile(path, nil, 0600))
	exists, err = FileExists(path)
	require.NoError(t, err)
	require.True(t, exists)

	require.Equal(t, filepath.Join(dir, "logs"),
		CleanAndExpandPath("~/logs/", dir))
}
