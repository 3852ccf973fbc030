// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btccoinjoin/chain"
	"github.com/btcsuite/btccoinjoin/containment"
	"github.com/btcsuite/btccoinjoin/decomposer"
	"github.com/btcsuite/btccoinjoin/internal/cfgutil"
	"github.com/btcsuite/btccoinjoin/pkg/unit"
	"github.com/btcsuite/btccoinjoin/prison"
	"github.com/btcsuite/btccoinjoin/verifier"
	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "btccoinjoin.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "btccoinjoin.log"
	defaultDBFilename     = "coordinator.db"
	defaultAuditDirname   = "audits"
	defaultDBTimeout      = 10 * time.Second

	defaultMinOutputAmount = btcutil.Amount(5000)
	defaultAvailableVsize  = 255
	defaultRoundFeeRate    = 2
)

var (
	coordinatorHomeDir = btcutil.AppDataDir("btccoinjoin", false)
	defaultConfigFile  = filepath.Join(coordinatorHomeDir, defaultConfigFilename)
	defaultDataDir     = coordinatorHomeDir
	defaultLogDir      = filepath.Join(coordinatorHomeDir, defaultLogDirname)
)

type config struct {
	// General application behavior
	ConfigFile     *cfgutil.ExplicitString `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion    bool                    `short:"V" long:"version" description:"Display version information and exit"`
	DataDir        *cfgutil.ExplicitString `short:"b" long:"datadir" description:"Directory to store the ban ledger, whitelist and audit logs"`
	LogDir         string                  `long:"logdir" description:"Directory to log output."`
	DebugLevel     string                  `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	TestNet3       bool                    `long:"testnet" description:"Use the test Bitcoin network (version 3) (default mainnet)"`
	RegressionTest bool                    `long:"regtest" description:"Use the regression test network"`
	SigNet         bool                    `long:"signet" description:"Use the signet test network"`
	MetricsListen  string                  `long:"metricslisten" description:"Listen for Prometheus metrics requests on this interface/port (empty disables)"`

	// bitcoind options
	RPCConnect          *cfgutil.ExplicitString `short:"c" long:"rpcconnect" description:"Hostname/IP and port of bitcoind RPC server to connect to"`
	BitcoindUsername    string                  `long:"bitcoindusername" description:"Username for bitcoind authentication"`
	BitcoindPassword    string                  `long:"bitcoindpassword" default-mask:"-" description:"Password for bitcoind authentication"`
	ZMQPubRawBlock      string                  `long:"zmqpubrawblock" description:"The address listening for ZMQ connections to deliver raw block notifications"`
	ZMQPubRawTx         string                  `long:"zmqpubrawtx" description:"The address listening for ZMQ connections to deliver raw transaction notifications"`
	ZMQReadDeadline     time.Duration           `long:"zmqreaddeadline" description:"The read deadline for reading ZMQ messages from both the block and tx subscriptions"`
	MempoolPollInterval time.Duration           `long:"mempoolpollinterval" description:"How often the mempool is polled for transactions missed by ZMQ (0 disables)"`
	PollingJitter       float64                 `long:"pollingjitter" description:"Random factor by which the mempool poll interval is scaled in either direction"`

	// Ban policy options
	BanSeverity         float64       `long:"banseverity" description:"Disrupted BTC value that earns one hour of ban"`
	NoConfirmPenalty    float64       `long:"noconfirmpenalty" description:"Penalty factor for failing to confirm a registration"`
	NoSignPenalty       float64       `long:"nosignpenalty" description:"Penalty factor for failing to sign"`
	DoubleSpendPenalty  float64       `long:"doublespendpenalty" description:"Penalty factor for double spending a registered input"`
	BanEscalation       float64       `long:"banescalation" description:"Ban duration multiplier per repeated offense"`
	MinBanTime          time.Duration `long:"minbantime" description:"Shortest value based ban"`
	MaxBanTime          time.Duration `long:"maxbantime" description:"Longest value based ban"`
	FailedVerifyBanTime time.Duration `long:"failedverifybantime" description:"Shortest ban for coins the risk provider rejects"`
	CheatingBanTime     time.Duration `long:"cheatingbantime" description:"Shortest ban for provable cheating"`
	ForgiveAfter        time.Duration `long:"forgiveafter" description:"How long expired ban records are kept for escalation"`

	// Verifier options
	RoundDeadline          time.Duration       `long:"rounddeadline" description:"How long a round waits for pending verifications"`
	SanityCeiling          time.Duration       `long:"sanityceiling" description:"Upper bound on verification start delays, pending verifications older than this are swept"`
	HighValueThreshold     *cfgutil.AmountFlag `long:"highvaluethreshold" description:"Coins of at least this value in BTC need extra confirmations"`
	HighValueMinConfs      int32               `long:"highvalueminconfs" description:"Confirmations required for high value coins"`
	WhitelistRetention     time.Duration       `long:"whitelistretention" description:"How long cleared coins skip verification"`
	MaxProviderRequests    int64               `long:"maxproviderrequests" description:"Maximum concurrent risk provider requests"`
	ProviderRequestRate    float64             `long:"providerrequestrate" description:"Sustained risk provider requests per second"`
	ProviderMaxAttempts    int                 `long:"providermaxattempts" description:"Attempts per risk provider request"`
	ProviderAttemptTimeout time.Duration       `long:"providerattempttimeout" description:"Timeout of a single risk provider attempt"`

	// Containment options
	FeeLookupTimeout time.Duration        `long:"feelookuptimeout" description:"Timeout of the fee rate lookup of a double spending transaction"`
	AttackerFeeRate  *cfgutil.FeeRateFlag `long:"attackerfeerate" description:"Fee rate in sat/vB assumed for a double spend whose fee cannot be looked up"`

	// Decomposer options
	RoundFeeRate    *cfgutil.FeeRateFlag `long:"roundfeerate" description:"Mining fee rate in sat/vB of the rounds output decompositions are priced for"`
	MinOutputAmount *cfgutil.AmountFlag  `long:"minoutputamount" description:"Smallest output amount in BTC a round accepts"`
	AvailableVsize  int                  `long:"availablevsize" description:"Output vsize budget of a single participant"`
	MaxOutputs      int                  `long:"maxoutputs" description:"Maximum number of outputs per participant"`
	AllowTaproot    bool                 `long:"allowtaproot" description:"Allow P2TR outputs in decompositions"`
}

// banPolicy returns the ban policy described by the config.
func (c *config) banPolicy() prison.Policy {
	return prison.Policy{
		SeverityInBitcoinsPerHour:                  c.BanSeverity,
		PenaltyFactorForDisruptingConfirmation:     c.NoConfirmPenalty,
		PenaltyFactorForDisruptingSigning:          c.NoSignPenalty,
		PenaltyFactorForDisruptingByDoubleSpending: c.DoubleSpendPenalty,
		Escalation:               c.BanEscalation,
		MinTimeInPrison:          c.MinBanTime,
		MaxTimeInPrison:          c.MaxBanTime,
		MinTimeForFailedToVerify: c.FailedVerifyBanTime,
		MinTimeForCheating:       c.CheatingBanTime,
		ForgiveAfter:             c.ForgiveAfter,
	}
}

// decomposerConfig returns the decomposition parameters described by the
// config.
func (c *config) decomposerConfig() decomposer.Config {
	scriptTypes := []decomposer.ScriptType{decomposer.P2WPKH}
	if c.AllowTaproot {
		scriptTypes = append(scriptTypes, decomposer.P2TR)
	}

	return decomposer.Config{
		FeeRate:                c.RoundFeeRate.SatPerKVByte,
		MinAllowedOutputAmount: c.MinOutputAmount.Amount,
		AvailableVsize:         c.AvailableVsize,
		ScriptTypes:            scriptTypes,
		MaxOutputs:             c.MaxOutputs,
	}
}

// normalizeZMQAddress adds the tcp scheme and the default port to a ZMQ
// endpoint when they are missing.
func normalizeZMQAddress(addr, defaultPort string) (string, error) {
	addr = strings.TrimPrefix(addr, "tcp://")
	addr, err := cfgutil.NormalizeAddress(addr, defaultPort)
	if err != nil {
		return "", err
	}
	return "tcp://" + addr, nil
}

// defaultConfig returns the config with every option at its default.
func defaultConfig() config {
	policy := prison.DefaultPolicy()

	return config{
		ConfigFile:          cfgutil.NewExplicitString(defaultConfigFile),
		DataDir:             cfgutil.NewExplicitString(defaultDataDir),
		LogDir:              defaultLogDir,
		DebugLevel:          defaultLogLevel,
		RPCConnect:          cfgutil.NewExplicitString(""),
		MempoolPollInterval: chain.DefaultMempoolPollInterval,

		BanSeverity:         policy.SeverityInBitcoinsPerHour,
		NoConfirmPenalty:    policy.PenaltyFactorForDisruptingConfirmation,
		NoSignPenalty:       policy.PenaltyFactorForDisruptingSigning,
		DoubleSpendPenalty:  policy.PenaltyFactorForDisruptingByDoubleSpending,
		BanEscalation:       policy.Escalation,
		MinBanTime:          policy.MinTimeInPrison,
		MaxBanTime:          policy.MaxTimeInPrison,
		FailedVerifyBanTime: policy.MinTimeForFailedToVerify,
		CheatingBanTime:     policy.MinTimeForCheating,
		ForgiveAfter:        policy.ForgiveAfter,

		RoundDeadline: verifier.DefaultRoundDeadline,
		SanityCeiling: verifier.DefaultSanityCeiling,
		HighValueThreshold: cfgutil.NewAmountFlag(
			verifier.DefaultHighValueThreshold,
		),
		HighValueMinConfs:     verifier.DefaultHighValueMinConfirmations,
		WhitelistRetention:    verifier.DefaultWhitelistRetention,
		MaxProviderRequests:   verifier.DefaultMaxConcurrentRequests,
		ProviderRequestRate:   verifier.DefaultRequestsPerSecond,
		ProviderMaxAttempts:   verifier.DefaultMaxAttempts,
		ProviderAttemptTimeout: verifier.DefaultAttemptTimeout,

		FeeLookupTimeout: containment.DefaultFeeLookupTimeout,
		AttackerFeeRate: cfgutil.NewFeeRateFlag(
			containment.DefaultAttackerFeeRate,
		),

		RoundFeeRate: cfgutil.NewFeeRateFlag(
			unit.SatPerVByte(defaultRoundFeeRate),
		),
		MinOutputAmount: cfgutil.NewAmountFlag(defaultMinOutputAmount),
		AvailableVsize:  defaultAvailableVsize,
		MaxOutputs:      decomposer.DefaultMaxOutputs,
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in btccoinjoin functioning properly without any config
// settings while still allowing the user to override settings with config files
// and command line options.  Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.  A config file in the data
	// directory is used when none was given explicitly.
	configFilePath := preCfg.ConfigFile.Value
	if !preCfg.ConfigFile.ExplicitlySet() && preCfg.DataDir.ExplicitlySet() {
		configFilePath = filepath.Join(
			preCfg.DataDir.Value, defaultConfigFilename,
		)
	}
	configFilePath = cfgutil.CleanAndExpandPath(
		configFilePath, filepath.Dir(coordinatorHomeDir),
	)

	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Choose the active network params based on the selected network.
	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet3 {
		activeNet = &testNet3Params
		numNets++
	}
	if cfg.RegressionTest {
		activeNet = &regressionNetParams
		numNets++
	}
	if cfg.SigNet {
		activeNet = &sigNetParams
		numNets++
	}
	if numNets > 1 {
		str := "%s: The testnet, regtest and signet params can't be " +
			"used together -- choose one"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Append the network type to the data and log directories so they
	// are "namespaced" per network.
	homeDir := filepath.Dir(coordinatorHomeDir)
	cfg.DataDir.Value = filepath.Join(
		cfgutil.CleanAndExpandPath(cfg.DataDir.Value, homeDir),
		activeNet.Params.Name,
	)
	cfg.LogDir = filepath.Join(
		cfgutil.CleanAndExpandPath(cfg.LogDir, homeDir),
		activeNet.Params.Name,
	)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	if err := initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %w", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	if err := cfg.validate(); err != nil {
		err := fmt.Errorf("%s: %w", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}

// validate checks the option combinations and fills in the defaults that
// depend on the active network.
func (c *config) validate() error {
	var err error
	if !c.RPCConnect.ExplicitlySet() {
		c.RPCConnect.Value = "localhost"
	}
	c.RPCConnect.Value, err = cfgutil.NormalizeAddress(
		c.RPCConnect.Value, activeNet.rpcPort,
	)
	if err != nil {
		return fmt.Errorf("invalid rpcconnect network address: %w", err)
	}

	if c.ZMQPubRawBlock == "" {
		c.ZMQPubRawBlock = "localhost"
	}
	c.ZMQPubRawBlock, err = normalizeZMQAddress(
		c.ZMQPubRawBlock, activeNet.zmqBlockPort,
	)
	if err != nil {
		return fmt.Errorf("invalid zmqpubrawblock address: %w", err)
	}

	if c.ZMQPubRawTx == "" {
		c.ZMQPubRawTx = "localhost"
	}
	c.ZMQPubRawTx, err = normalizeZMQAddress(
		c.ZMQPubRawTx, activeNet.zmqTxPort,
	)
	if err != nil {
		return fmt.Errorf("invalid zmqpubrawtx address: %w", err)
	}

	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			return fmt.Errorf("invalid metricslisten address: %w",
				err)
		}
	}

	if c.PollingJitter < 0 {
		return errors.New("pollingjitter must not be negative")
	}
	if c.RoundDeadline <= 0 || c.SanityCeiling <= 0 {
		return errors.New("rounddeadline and sanityceiling must be " +
			"positive")
	}
	if c.FeeLookupTimeout <= 0 {
		return errors.New("feelookuptimeout must be positive")
	}

	policy := c.banPolicy()
	return policy.Validate()
}
