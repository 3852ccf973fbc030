// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btccoinjoin/pkg/unit"
	"github.com/btcsuite/btcd/btcutil"
)

// AmountFlag embeds a btcutil.Amount and implements the flags.Marshaler and
// Unmarshaler interfaces so it can be used as a config struct field.  Values
// are given in BTC.
type AmountFlag struct {
	btcutil.Amount
}

// NewAmountFlag creates an AmountFlag with a default btcutil.Amount.
func NewAmountFlag(defaultValue btcutil.Amount) *AmountFlag {
	return &AmountFlag{defaultValue}
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (a *AmountFlag) MarshalFlag() (string, error) {
	return a.Amount.String(), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (a *AmountFlag) UnmarshalFlag(value string) error {
	value = strings.TrimSuffix(strings.TrimSpace(value), " BTC")
	valueF64, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	amount, err := btcutil.NewAmount(valueF64)
	if err != nil {
		return err
	}
	if amount < 0 {
		return fmt.Errorf("amount %v is negative", amount)
	}
	a.Amount = amount
	return nil
}

// FeeRateFlag embeds a fee rate and implements the flags.Marshaler and
// Unmarshaler interfaces.  Values are given in sat/vB.
type FeeRateFlag struct {
	unit.SatPerKVByte
}

// NewFeeRateFlag creates a FeeRateFlag with a default fee rate.
func NewFeeRateFlag(defaultValue unit.SatPerKVByte) *FeeRateFlag {
	return &FeeRateFlag{defaultValue}
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (f *FeeRateFlag) MarshalFlag() (string, error) {
	return strconv.FormatFloat(
		float64(f.SatPerKVByte)/unit.SatsPerKilo, 'f', -1, 64,
	), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (f *FeeRateFlag) UnmarshalFlag(value string) error {
	value = strings.TrimSuffix(strings.TrimSpace(value), " sat/vb")
	satPerVByte, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	if satPerVByte < 0 {
		return fmt.Errorf("fee rate %v sat/vb is negative", satPerVByte)
	}
	f.SatPerKVByte = unit.SatPerVByte(satPerVByte)
	return nil
}
