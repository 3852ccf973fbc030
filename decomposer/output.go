// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package decomposer

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// Output describes one output a participant should register.
type Output struct {
	// Amount is the value the output will carry.
	Amount btcutil.Amount

	// ScriptType is the script type the output is priced for.
	ScriptType ScriptType

	// Fee is the mining fee the participant pays for the output at the
	// round's fee rate.
	Fee btcutil.Amount
}

// EffectiveCost is the amount of the participant's input sum the output
// consumes.
func (o Output) EffectiveCost() btcutil.Amount {
	return o.Amount + o.Fee
}

// String returns a short human-readable description of the output.
func (o Output) String() string {
	return fmt.Sprintf("%v (%v, fee %v)", o.Amount, o.ScriptType, o.Fee)
}

// SumEffectiveCost returns the total effective cost of the outputs.
func SumEffectiveCost(outputs []Output) btcutil.Amount {
	var total btcutil.Amount
	for _, o := range outputs {
		total += o.EffectiveCost()
	}
	return total
}

// SumVsize returns the total virtual size of the outputs.
func SumVsize(outputs []Output) int {
	var total int
	for _, o := range outputs {
		total += o.ScriptType.OutputVsize()
	}
	return total
}
