// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import "github.com/btcsuite/btcd/chaincfg"

var activeNet = &mainNetParams

// params is used to group parameters for various networks such as the main
// network and test networks.
type params struct {
	*chaincfg.Params
	rpcPort      string
	zmqBlockPort string
	zmqTxPort    string
}

// mainNetParams contains parameters specific to running btccoinjoin against
// bitcoind on the main network (wire.MainNet).
var mainNetParams = params{
	Params:       &chaincfg.MainNetParams,
	rpcPort:      "8332",
	zmqBlockPort: "28332",
	zmqTxPort:    "28333",
}

// testNet3Params contains parameters specific to running btccoinjoin against
// bitcoind on the test network (version 3) (wire.TestNet3).
var testNet3Params = params{
	Params:       &chaincfg.TestNet3Params,
	rpcPort:      "18332",
	zmqBlockPort: "28332",
	zmqTxPort:    "28333",
}

// regressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).
var regressionNetParams = params{
	Params:       &chaincfg.RegressionNetParams,
	rpcPort:      "18443",
	zmqBlockPort: "28332",
	zmqTxPort:    "28333",
}

// sigNetParams contains parameters specific to the signet test network
// (wire.SigNet).
var sigNetParams = params{
	Params:       &chaincfg.SigNetParams,
	rpcPort:      "38332",
	zmqBlockPort: "28332",
	zmqTxPort:    "28333",
}
