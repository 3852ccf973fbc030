// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
)

const (
	// errStillLoadingCode is the error code returned when an RPC request
	// is made but bitcoind is still in the process of loading or verifying
	// blocks.
	errStillLoadingCode = "-28"

	// bitcoindStartTimeout is the time we wait for bitcoind to finish
	// loading and verifying blocks and become ready to serve RPC requests.
	bitcoindStartTimeout = 30 * time.Second
)

// ErrBitcoindStartTimeout is returned when the bitcoind daemon fails to load
// and verify blocks under 30s during startup.
var ErrBitcoindStartTimeout = errors.New("bitcoind start timeout")

// BitcoindConfig contains the parameters required to connect to bitcoind's
// RPC server.
type BitcoindConfig struct {
	// ChainParams are the parameters of the network bitcoind must run on.
	ChainParams *chaincfg.Params

	// Host is the IP address and port of the bitcoind's RPC server.
	Host string

	// User is the username to use to authenticate to bitcoind's RPC server.
	User string

	// Pass is the passphrase to use to authenticate to bitcoind's RPC
	// server.
	Pass string
}

// genesisClient fetches block hashes by height.
type genesisClient interface {
	GetBlockHash(height int64) (*chainhash.Hash, error)
}

// DialBitcoind creates an RPC client for bitcoind and checks that the node
// runs on the configured network.
func DialBitcoind(cfg *BitcoindConfig) (*rpcclient.Client, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:                 cfg.Host,
		User:                 cfg.User,
		Pass:                 cfg.Pass,
		DisableAutoReconnect: false,
		DisableConnectOnNew:  true,
		DisableTLS:           true,
		HTTPPostMode:         true,
	}, nil)
	if err != nil {
		return nil, err
	}

	if err := checkNetwork(client, cfg.ChainParams,
		time.Second, bitcoindStartTimeout); err != nil {

		client.Shutdown()
		return nil, err
	}

	return client, nil
}

// checkNetwork compares the node's genesis block against the network
// parameters.  A node still loading its block index is polled every retry
// interval until timeout passes.
func checkNetwork(client genesisClient, params *chaincfg.Params, retry,
	timeout time.Duration) error {

	hash, err := client.GetBlockHash(0)
	if err != nil && strings.Contains(err.Error(), errStillLoadingCode) {
		deadline := time.After(timeout)
	loading:
		for {
			select {
			case <-deadline:
				return ErrBitcoindStartTimeout

			case <-time.After(retry):
				hash, err = client.GetBlockHash(0)
				if err == nil || !strings.Contains(
					err.Error(), errStillLoadingCode) {

					break loading
				}
			}
		}
	}
	if err != nil {
		return err
	}

	if !hash.IsEqual(params.GenesisHash) {
		return fmt.Errorf("bitcoind runs on a network with genesis "+
			"block %v, expected %s (%v)", hash, params.Name,
			params.GenesisHash)
	}

	return nil
}
