// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package decomposer

import (
	"math"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
)

// StandardDenominations builds the default denomination menu between min and
// max inclusive: powers of two, powers of three and their doubles, and the
// 1-2-5 series of powers of ten.  The result is sorted in descending order
// and free of duplicates.
func StandardDenominations(min, max btcutil.Amount) []btcutil.Amount {
	if min <= 0 {
		min = 1
	}
	if max < min {
		return nil
	}

	seen := make(map[btcutil.Amount]struct{})
	add := func(a btcutil.Amount) {
		if a >= min && a <= max {
			seen[a] = struct{}{}
		}
	}

	// The series stop once the base value passes max.  Every series is
	// monotonic so there is no need to look further.
	series := []struct {
		base       int64
		multiplier int64
	}{
		{base: 2, multiplier: 1},
		{base: 3, multiplier: 1},
		{base: 3, multiplier: 2},
		{base: 10, multiplier: 1},
		{base: 10, multiplier: 2},
		{base: 10, multiplier: 5},
	}
	for _, s := range series {
		for v := int64(1); v <= int64(max); v *= s.base {
			if v > math.MaxInt64/s.multiplier {
				break
			}
			add(btcutil.Amount(v * s.multiplier))
			if v > math.MaxInt64/s.base {
				break
			}
		}
	}

	denoms := make([]btcutil.Amount, 0, len(seen))
	for a := range seen {
		denoms = append(denoms, a)
	}
	sort.Slice(denoms, func(i, j int) bool {
		return denoms[i] > denoms[j]
	})

	return denoms
}
