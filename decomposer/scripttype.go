// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package decomposer

import (
	"fmt"

	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

// ScriptType is the kind of output script a decomposed output will be
// registered with.
type ScriptType uint8

const (
	// P2WPKH is a pay-to-witness-pubkey-hash output.
	P2WPKH ScriptType = iota

	// P2TR is a pay-to-taproot output.
	P2TR
)

// String returns the script type as a human-readable name.
func (s ScriptType) String() string {
	switch s {
	case P2WPKH:
		return "p2wpkh"
	case P2TR:
		return "p2tr"
	default:
		return fmt.Sprintf("unknown script type (%d)", uint8(s))
	}
}

// OutputVsize returns the virtual size an output of this script type adds
// to a transaction.  Outputs carry no witness data, so their vsize equals
// their serialized size.
func (s ScriptType) OutputVsize() int {
	switch s {
	case P2TR:
		return txsizes.P2TROutputSize
	default:
		return txsizes.P2WPKHOutputSize
	}
}

// ScriptSize returns the size of the output script itself, as used by the
// dust rules.
func (s ScriptType) ScriptSize() int {
	switch s {
	case P2TR:
		return txsizes.P2TRPkScriptSize
	default:
		return txsizes.P2WPKHPkScriptSize
	}
}
