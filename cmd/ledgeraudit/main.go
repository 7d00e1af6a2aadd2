/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hyperledger/fabric-config/protolator"
	"github.com/hyperledger/fabric-ledgeraudit/internal/audit"
	"github.com/hyperledger/fabric-ledgeraudit/internal/auditconfig"
	"github.com/hyperledger/fabric-ledgeraudit/internal/blocksource/blockfile"
	"github.com/hyperledger/fabric-ledgeraudit/internal/checker"
	"github.com/hyperledger/fabric-ledgeraudit/internal/provider"
	"github.com/hyperledger/fabric-ledgeraudit/internal/result"
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/hyperledger/fabric-lib-go/common/metrics"
	"github.com/hyperledger/fabric-lib-go/common/metrics/disabled"
	"github.com/hyperledger/fabric-lib-go/common/metrics/prometheus"
	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	"gopkg.in/alecthomas/kingpin.v2"
)

const (
	errorMessage = "Ledger Audit Error: "

	exitError  = 1
	exitFailed = 2
)

var (
	app = kingpin.New("ledgeraudit", "Hyperledger Fabric ledger auditor")

	configPath     = app.Flag("config", "Path of ledgeraudit.yaml. Defaults to ./ledgeraudit.yaml when present.").Short('c').String()
	channel        = app.Flag("channel", "Channel to audit, overrides ledger.channel.").String()
	fileSystemPath = app.Flag("fileSystemPath", "Peer file system path, overrides ledger.fileSystemPath.").String()
	logSpec        = app.Flag("logSpec", "Logging spec, overrides logging.spec.").String()

	verify        = app.Command("verify", "Verify the blocks, transactions and state of a channel ledger.")
	checkerIDs    = verify.Flag("checker", "Checker to run, may be repeated. Defaults to all applicable checkers.").Enums(checker.IDs()...)
	checkpoint    = verify.Flag("checkpoint", "Checkpoint file to resume from and update.").String()
	pvtDataPath   = verify.Flag("pvtdata", "Private data store of the peer.").String()
	outputDir     = verify.Flag("outputDir", "Results output directory.").Short('o').String()
	outputFormat  = verify.Flag("format", "Results output format.").Enum(audit.FormatJSON, audit.FormatYAML)
	endBlock      = verify.Flag("endBlock", "Stop before this block number. Defaults to the ledger height.").Uint64()
	disableReplay = verify.Flag("noReplay", "Do not replay the key-value state.").Bool()

	inspect     = app.Command("inspect", "Print a block of the channel ledger as JSON.")
	blockNumber = inspect.Arg("blockNumber", "Number of the block to print.").Required().Uint64()

	compare      = app.Command("compare", "Compare the block hashes of the channel ledger with the ledgers of other peers.")
	peerPaths    = compare.Arg("peerFileSystemPath", "File system paths of the peers to compare with.").Required().Strings()
	compareOut   = compare.Flag("outputDir", "Results output directory.").Short('o').String()
	compareBlock = compare.Flag("endBlock", "Stop before this block number. Defaults to the ledger height.").Uint64()

	args = os.Args[1:]
)

func main() {
	kingpin.Version("0.0.1")

	command, err := app.Parse(args)
	if err != nil {
		kingpin.Fatalf("parsing arguments: %s. Try --help", err)
		return
	}

	cfg, err := loadConfig(command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s%s\n", errorMessage, err)
		os.Exit(exitError)
	}
	flogging.Init(flogging.Config{
		Format:  cfg.Logging.Format,
		Writer:  os.Stderr,
		LogSpec: cfg.Logging.Spec,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var failed bool
	switch command {
	case verify.FullCommand():
		failed, err = runAudit(ctx, cfg, os.Stdout, func(ac *audit.Config) {
			ac.EndBlock = *endBlock
			ac.DisableReplay = *disableReplay
		})

	case inspect.FullCommand():
		err = runInspect(ctx, cfg, *blockNumber, os.Stdout)

	case compare.FullCommand():
		failed, err = runAudit(ctx, cfg, os.Stdout, func(ac *audit.Config) {
			ac.EndBlock = *compareBlock
			ac.DisableReplay = true
		})
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s%s\n", errorMessage, err)
		os.Exit(exitError)
	}
	if failed {
		os.Exit(exitFailed)
	}
}

// loadConfig reads the configuration file and applies the command line
// overrides of the selected command.
func loadConfig(command string) (*auditconfig.Config, error) {
	cfg, err := auditconfig.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if *channel != "" {
		cfg.Ledger.Channel = *channel
	}
	if *fileSystemPath != "" {
		cfg.Ledger.FileSystemPath = *fileSystemPath
	}
	if *logSpec != "" {
		cfg.Logging.Spec = *logSpec
	}

	switch command {
	case verify.FullCommand():
		if len(*checkerIDs) > 0 {
			cfg.Checkers = *checkerIDs
		}
		if *checkpoint != "" {
			cfg.Checkpoint.Path = *checkpoint
		}
		if *pvtDataPath != "" {
			cfg.PvtData.Path = *pvtDataPath
		}
		if *outputDir != "" {
			cfg.Output.Dir = *outputDir
		}
		if *outputFormat != "" {
			cfg.Output.Format = *outputFormat
		}

	case compare.FullCommand():
		cfg.Ledger.Peers = *peerPaths
		cfg.Checkers = []string{checker.MultipleLedgersID}
		cfg.Checkpoint.Path = ""
		cfg.PvtData.Path = ""
		if *compareOut != "" {
			cfg.Output.Dir = *compareOut
		}
	}
	return cfg, cfg.Validate()
}

// runAudit runs an audit and prints its summary. It reports whether any check
// failed.
func runAudit(ctx context.Context, cfg *auditconfig.Config, w io.Writer, adjust func(*audit.Config)) (bool, error) {
	ac, release, err := cfg.AuditConfig()
	if err != nil {
		return false, err
	}
	defer release()
	adjust(&ac)
	ac.MetricsProvider = metricsProvider(cfg)

	report, err := audit.Run(ctx, ac)
	if err != nil {
		return false, err
	}
	printReport(w, report)

	if cfg.Metrics.Enabled && cfg.Metrics.File != "" {
		if err := prom.WriteToTextfile(cfg.Metrics.File, prom.DefaultGatherer); err != nil {
			return false, errors.Wrapf(err, "error writing metrics to %s", cfg.Metrics.File)
		}
	}
	return report.Summary.Failed(), nil
}

func metricsProvider(cfg *auditconfig.Config) metrics.Provider {
	if cfg.Metrics.Enabled {
		return &prometheus.Provider{}
	}
	return &disabled.Provider{}
}

func printReport(w io.Writer, report *audit.Report) {
	fmt.Fprintf(w, "\nAudited blocks [%d, %d) of channel %s with %v\n", report.FirstBlock, report.EndBlock, report.Channel, report.Checkers)
	printCounts(w, "Blocks", report.Summary.Blocks)
	printCounts(w, "Transactions", report.Summary.Transactions)
	printCounts(w, "Checks", report.Summary.Checks)
	if report.Conflict != nil {
		fmt.Fprintf(w, "State replay stopped: %s\n", report.Conflict)
	}
	if report.OutputPath != "" {
		fmt.Fprintf(w, "Results saved to %s\n", report.OutputPath)
	}
	if report.Summary.Failed() {
		fmt.Fprintln(w, "Ledger audit FAILED")
	} else {
		fmt.Fprintln(w, "Ledger audit passed")
	}
}

func printCounts(w io.Writer, name string, c result.Counts) {
	fmt.Fprintf(w, "%-13s passed: %d, failed: %d, skipped: %d\n", name+":", c.Passed, c.Failed, c.Skipped)
}

func runInspect(ctx context.Context, cfg *auditconfig.Config, number uint64, w io.Writer) error {
	if cfg.Ledger.Channel == "" {
		return errors.New("ledger.channel is not set")
	}
	source, err := blockfile.Open(cfg.LedgerDir())
	if err != nil {
		return err
	}
	return printBlock(ctx, source, number, w)
}

// printBlock writes the block in the protolator JSON form, with every nested
// message decoded.
func printBlock(ctx context.Context, source provider.BlockSource, number uint64, w io.Writer) error {
	raw, err := source.GetBlock(ctx, number)
	if err != nil {
		return err
	}
	block, err := protoutil.UnmarshalBlock(raw)
	if err != nil {
		return err
	}
	if err := protolator.DeepMarshalJSON(w, block); err != nil {
		return errors.Wrapf(err, "error encoding block [%d]", number)
	}
	return nil
}
