// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package unit provides the fee rate type shared by the coordinator packages.
package unit

import (
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
)

const (
	// SatsPerKilo is the number of satoshis in a kilo-satoshi.
	SatsPerKilo = 1000
)

// SatPerKVByte represents a fee rate in sat/kvb. Using kilo-vbytes as the
// denominator keeps sub-satoshi per vbyte rates representable as integers.
type SatPerKVByte btcutil.Amount

// NewSatPerKVByte creates a new fee rate in sat/kvb from a fee paid for the
// given virtual size. A zero vsize results in a zero fee rate.
func NewSatPerKVByte(fee btcutil.Amount, vsize int64) SatPerKVByte {
	if vsize <= 0 {
		return 0
	}

	return SatPerKVByte(int64(fee) * SatsPerKilo / vsize)
}

// SatPerVByte creates a new fee rate from a rate expressed in sat/vb.
func SatPerVByte(satPerVByte float64) SatPerKVByte {
	return SatPerKVByte(math.Round(satPerVByte * SatsPerKilo))
}

// FeeForVSize calculates the fee resulting from this fee rate and the given
// vsize in vbytes. The result is rounded up to the next whole satoshi so
// that an output never pays less than the advertised rate.
func (s SatPerKVByte) FeeForVSize(vsize int) btcutil.Amount {
	if s <= 0 || vsize <= 0 {
		return 0
	}

	fee := (int64(s)*int64(vsize) + SatsPerKilo - 1) / SatsPerKilo
	return btcutil.Amount(fee)
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	return fmt.Sprintf("%.2f sat/vb", float64(s)/SatsPerKilo)
}

// GreaterThan returns true if the fee rate is greater than the other fee rate.
func (s SatPerKVByte) GreaterThan(other SatPerKVByte) bool {
	return s > other
}

// LessThan returns true if the fee rate is less than the other fee rate.
func (s SatPerKVByte) LessThan(other SatPerKVByte) bool {
	return s < other
}
