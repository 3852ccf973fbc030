// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// jitterBounds returns the shortest and longest interval a poll interval of d
// scaled by jitter may take.  The shortest interval is never negative.
func jitterBounds(d time.Duration, jitter float64) (time.Duration,
	time.Duration) {

	if jitter < 0 {
		panic(errors.New("jitter must be positive"))
	}

	lo := math.Floor(float64(d) * (1 - jitter))
	hi := math.Ceil(float64(d) * (1 + jitter))
	if lo < 0 {
		lo = 0
	}

	return time.Duration(lo), time.Duration(hi)
}

// jitteredInterval picks the next poll interval uniformly between the jitter
// bounds of d.
func jitteredInterval(rng *rand.Rand, d time.Duration,
	jitter float64) time.Duration {

	lo, hi := jitterBounds(d, jitter)
	if hi <= lo {
		return d
	}
	return lo + time.Duration(rng.Int63n(int64(hi-lo)))
}
