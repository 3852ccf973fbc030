// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/btcsuite/btccoinjoin/prison"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/jessevdk/go-flags"
)

const defaultNet = "mainnet"

var datadir = btcutil.AppDataDir("btccoinjoin", false)

// Flags.
var opts = struct {
	Force     bool     `short:"f" description:"Force removal without prompt"`
	DbPath    string   `long:"db" description:"Path to coordinator database"`
	List      bool     `short:"l" long:"list" description:"List the ban records and exit"`
	OutPoints []string `short:"o" long:"outpoint" description:"Outpoint (txid:index) to release, may be repeated -- releases every record when omitted"`
}{
	Force:  false,
	DbPath: filepath.Join(datadir, defaultNet, "coordinator.db"),
}

func init() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}
}

func yes(s string) bool {
	switch s {
	case "y", "Y", "yes", "Yes":
		return true
	default:
		return false
	}
}

func no(s string) bool {
	switch s {
	case "n", "N", "no", "No":
		return true
	default:
		return false
	}
}

func main() {
	os.Exit(mainInt())
}

func mainInt() int {
	fmt.Println("Database path:", opts.DbPath)
	_, err := os.Stat(opts.DbPath)
	if os.IsNotExist(err) {
		fmt.Println("Database file does not exist")
		return 1
	}

	ops := make([]wire.OutPoint, 0, len(opts.OutPoints))
	for _, s := range opts.OutPoints {
		op, err := wire.NewOutPointFromString(s)
		if err != nil {
			fmt.Printf("Invalid outpoint %q: %v\n", s, err)
			return 1
		}
		ops = append(ops, *op)
	}

	db, err := walletdb.Open("bdb", opts.DbPath, true, 10*time.Second)
	if err != nil {
		fmt.Println("Failed to open database:", err)
		return 1
	}
	defer db.Close()

	p, err := prison.New(prison.Config{
		DB:     db,
		Policy: prison.DefaultPolicy(),
	})
	if err != nil {
		fmt.Println("Failed to load ban ledger:", err)
		return 1
	}

	if opts.List {
		listRecords(p)
		return 0
	}

	question := "Release all banned coins? [y/N] "
	if len(ops) > 0 {
		question = fmt.Sprintf("Release %d coins? [y/N] ", len(ops))
	}
	for !opts.Force {
		fmt.Print(question)

		scanner := bufio.NewScanner(bufio.NewReader(os.Stdin))
		if !scanner.Scan() {
			// Exit on EOF.
			return 0
		}
		err := scanner.Err()
		if err != nil {
			fmt.Println()
			fmt.Println(err)
			return 1
		}
		resp := scanner.Text()
		if yes(resp) {
			break
		}
		if no(resp) || resp == "" {
			return 0
		}

		fmt.Println("Enter yes or no.")
	}

	n, err := p.Release(ops...)
	if err != nil {
		fmt.Println("Failed to release coins:", err)
		return 1
	}
	fmt.Printf("Released %d ban records\n", n)

	return 0
}

func listRecords(p *prison.Prison) {
	policy := p.Policy()
	records := p.Records()
	sort.Slice(records, func(i, j int) bool {
		return records[i].Started.Before(records[j].Started)
	})

	for _, r := range records {
		expiry, _ := p.BanExpiry(r.OutPoint, policy)
		fmt.Printf("%v\t%v\t%d offenses\t%v\tuntil %s\n", r.OutPoint,
			r.Offense, r.Offenses, r.Value,
			expiry.Format(time.RFC3339))
	}
	fmt.Printf("%d ban records\n", len(records))
}
