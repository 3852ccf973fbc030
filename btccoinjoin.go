// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/btcsuite/btccoinjoin/chain"
	"github.com/btcsuite/btccoinjoin/containment"
	"github.com/btcsuite/btccoinjoin/internal/cfgutil"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cfg *config
)

func main() {
	// Work around defer not working after os.Exit.
	if err := coordinatorMain(); err != nil {
		os.Exit(1)
	}
}

// coordinatorMain is a work-around main function that is required since
// deferred functions (such as log flushing) are not called with calls to
// os.Exit.  Instead, main runs this function and checks for a non-nil error,
// at which point any defers have already run, and if the error is non-nil,
// the program can be exited with an error exit status.
func coordinatorMain() (err error) {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Components started before a failure are shut down the same way an
	// interrupt would.
	defer func() {
		if err != nil && interruptChannel != nil {
			simulateInterrupt()
			<-interruptHandlersDone
		}
	}()

	log.Infof("Version %s (Go version %s %s/%s)", version(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)

	db, err := openDB(cfg.DataDir.Value)
	if err != nil {
		log.Errorf("Unable to open database: %v", err)
		return err
	}
	addInterruptHandler(func() {
		if err := db.Close(); err != nil {
			log.Errorf("Unable to close database: %v", err)
		}
	})

	client, err := chain.DialBitcoind(&chain.BitcoindConfig{
		ChainParams: activeNet.Params,
		Host:        cfg.RPCConnect.Value,
		User:        cfg.BitcoindUsername,
		Pass:        cfg.BitcoindPassword,
	})
	if err != nil {
		log.Errorf("Unable to connect to bitcoind: %v", err)
		return err
	}
	addInterruptHandler(client.Shutdown)

	c, err := newCoordinator(cfg, db, nil, chain.NewRPCChainFacts(client))
	if err != nil {
		log.Errorf("Unable to create coordinator: %v", err)
		return err
	}
	c.start()
	addInterruptHandler(c.stop)

	events, err := chain.NewZMQEvents(chain.ZMQConfig{
		BlockHost:             cfg.ZMQPubRawBlock,
		TxHost:                cfg.ZMQPubRawTx,
		ReadDeadline:          cfg.ZMQReadDeadline,
		MempoolPollInterval:   cfg.MempoolPollInterval,
		PollingIntervalJitter: cfg.PollingJitter,
	}, client)
	if err != nil {
		log.Errorf("Unable to subscribe to bitcoind: %v", err)
		return err
	}
	if err := events.Start(); err != nil {
		log.Errorf("Unable to start chain events: %v", err)
		return err
	}
	addInterruptHandler(func() {
		if err := events.Stop(); err != nil {
			log.Errorf("Unable to stop chain events: %v", err)
		}
	})

	handler := containment.NewHandler(c.containment, events)
	handler.Start()
	addInterruptHandler(handler.Stop)

	if cfg.MetricsListen != "" {
		if err := startMetricsServer(cfg.MetricsListen); err != nil {
			log.Errorf("Unable to start metrics server: %v", err)
			return err
		}
	}

	log.Infof("Coordinator started on %s", activeNet.Params.Name)

	<-interruptHandlersDone
	log.Info("Shutdown complete")
	return nil
}

// openDB opens the coordinator database in dir, creating it on first use.
func openDB(dir string) (walletdb.DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, defaultDBFilename)
	exists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		return nil, err
	}
	if exists {
		return walletdb.Open("bdb", dbPath, true, defaultDBTimeout)
	}

	log.Infof("Creating database %s", dbPath)
	return walletdb.Create("bdb", dbPath, true, defaultDBTimeout)
}

// startMetricsServer serves the Prometheus metrics on addr.
func startMetricsServer(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("Metrics server listening on %s", listener.Addr())
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()
	addInterruptHandler(func() {
		if err := server.Close(); err != nil {
			log.Errorf("Unable to close metrics server: %v", err)
		}
	})

	return nil
}
