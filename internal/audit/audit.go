/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package audit drives a complete audit of one channel ledger: it runs the
// configured checkers over every block and transaction, replays the key-value
// state, saves a checkpoint and writes the results.
package audit

import (
	"context"

	"github.com/hyperledger/fabric-ledgeraudit/internal/checker"
	"github.com/hyperledger/fabric-ledgeraudit/internal/checkpoint"
	"github.com/hyperledger/fabric-ledgeraudit/internal/kvstate"
	"github.com/hyperledger/fabric-ledgeraudit/internal/ledger"
	"github.com/hyperledger/fabric-ledgeraudit/internal/membership"
	"github.com/hyperledger/fabric-ledgeraudit/internal/provider"
	"github.com/hyperledger/fabric-ledgeraudit/internal/result"
	"github.com/hyperledger/fabric-ledgeraudit/internal/verify"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/hyperledger/fabric-lib-go/common/metrics"
	"github.com/hyperledger/fabric-lib-go/common/metrics/disabled"
	"github.com/pkg/errors"
)

var logger = flogging.MustGetLogger("audit")

const (
	// ReplayID is the checker ID under which state replay conflicts are
	// recorded.
	ReplayID = "kv-state-replay"
	// ReadID is the checker ID under which blocks that cannot be read or
	// decoded are recorded.
	ReadID = "block-read"
)

const defaultBatchSize = 100

// Config describes one audit run. Source is mandatory. Peers are the
// additional sources compared by the multiple ledgers checker.
type Config struct {
	Channel         string
	Source          provider.BlockSource
	PrivateData     ledger.PrivateDataStore
	Peers           []checker.NamedSource
	Checkers        []string
	CheckpointPath  string
	OutputDir       string
	OutputFormat    string
	EndBlock        uint64
	BatchSize       uint64
	DisableReplay   bool
	MetricsProvider metrics.Provider
}

// Report is the outcome of an audit run.
type Report struct {
	Channel    string
	FirstBlock uint64
	EndBlock   uint64
	Checkers   []string
	Results    *result.Set
	Summary    result.Summary
	State      *kvstate.State
	Conflict   *kvstate.ReadConflictError
	OutputPath string
}

// Run audits the blocks in [checkpoint+1, EndBlock) of the source ledger,
// where EndBlock defaults to the ledger height.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if cfg.Source == nil {
		return nil, errors.New("no block source configured")
	}
	if cfg.MetricsProvider == nil {
		cfg.MetricsProvider = &disabled.Provider{}
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	ids := cfg.Checkers
	if len(ids) == 0 {
		ids = checker.DefaultIDs(len(cfg.Peers) > 0)
	}

	p := provider.New(cfg.Source)
	resolver := membership.NewResolver(p, membership.NewCache())
	verifier, err := verify.New()
	if err != nil {
		return nil, err
	}
	m := checker.NewMetrics(cfg.MetricsProvider)
	report := &Report{Channel: cfg.Channel, Checkers: ids, Results: result.NewSet()}

	state, err := restore(cfg, resolver)
	if err != nil {
		return nil, err
	}
	report.FirstBlock = state.Next()

	deps := &checker.Deps{
		Provider:    p,
		Resolver:    resolver,
		Verifier:    verifier,
		Results:     report.Results,
		PrivateData: cfg.PrivateData,
		Sources:     cfg.Peers,
		Metrics:     m,
	}
	var blockCheckers, txCheckers []checker.Checker
	for _, id := range ids {
		c, err := checker.New(id, deps)
		if err != nil {
			return nil, err
		}
		if checker.TargetsTransactions(id) {
			txCheckers = append(txCheckers, c)
		} else {
			blockCheckers = append(blockCheckers, c)
		}
	}

	height, err := p.GetBlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	m.BlockHeight.With("channel", cfg.Channel).Set(float64(height))
	report.EndBlock = height
	if cfg.EndBlock != 0 && cfg.EndBlock < height {
		report.EndBlock = cfg.EndBlock
	}
	logger.Infof("Auditing blocks [%d, %d) of channel %s with checkers %v", report.FirstBlock, report.EndBlock, cfg.Channel, ids)

	a := &auditor{
		cfg:           cfg,
		provider:      p,
		state:         state,
		results:       report.Results,
		blockCheckers: blockCheckers,
		txCheckers:    txCheckers,
		metrics:       m,
		replay:        !cfg.DisableReplay,
	}
	if err := a.run(ctx, report.FirstBlock, report.EndBlock); err != nil {
		return nil, err
	}
	report.Conflict = a.conflict
	report.State = state.LatestState()

	if !cfg.DisableReplay && cfg.CheckpointPath != "" {
		if err := a.saveCheckpoint(ctx); err != nil {
			return nil, err
		}
	}

	report.Summary = report.Results.Summary()
	if cfg.OutputDir != "" {
		report.OutputPath, err = WriteResults(cfg.OutputDir, cfg.OutputFormat, cfg.Channel, report.Results)
		if err != nil {
			return nil, err
		}
	}
	logger.Infof("Audit of channel %s finished: %d checks passed, %d failed, %d skipped",
		cfg.Channel, report.Summary.Checks.Passed, report.Summary.Checks.Failed, report.Summary.Checks.Skipped)
	return report, nil
}

func restore(cfg Config, resolver *membership.Resolver) (*kvstate.Manager, error) {
	if cfg.CheckpointPath == "" || cfg.DisableReplay {
		return kvstate.NewManager(), nil
	}
	cp, err := checkpoint.Load(cfg.CheckpointPath)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		logger.Infof("No checkpoint found at %s, starting from the genesis block", cfg.CheckpointPath)
		return kvstate.NewManager(), nil
	}
	logger.Infof("Resuming after block [%d] from checkpoint %s", cp.LastBlockNumber, cfg.CheckpointPath)
	return cp.Restore(cfg.Channel, resolver)
}

type auditor struct {
	cfg           Config
	provider      *provider.Provider
	state         *kvstate.Manager
	results       *result.Set
	blockCheckers []checker.Checker
	txCheckers    []checker.Checker
	metrics       *checker.Metrics
	replay        bool
	conflict      *kvstate.ReadConflictError
}

func (a *auditor) run(ctx context.Context, start, end uint64) error {
	for n := start; n < end; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if (n-start)%a.cfg.BatchSize == 0 {
			batchEnd := n + a.cfg.BatchSize
			if batchEnd > end {
				batchEnd = end
			}
			if err := a.provider.CacheBlockRange(ctx, n, batchEnd); err != nil {
				if fatal(ctx, err) {
					return err
				}
				logger.Warnf("Failed to prefetch blocks [%d, %d), fetching them one at a time: %s", n, batchEnd, err)
			}
		}
		if err := a.auditBlock(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// fatal reports whether err ends the audit: the run was cancelled or the
// block source failed to serve data. Any other error concerns the content of
// the audited ledger and is recorded as a failed check.
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sourceErr *provider.SourceError
	return errors.As(err, &sourceErr)
}

func (a *auditor) auditBlock(ctx context.Context, number uint64) error {
	block, err := a.provider.GetBlock(ctx, number)
	if err != nil {
		if fatal(ctx, err) {
			return err
		}
		a.recordError(ReadID, number, nil, err)
		a.stopReplay(number, err)
		return nil
	}
	for _, c := range a.blockCheckers {
		if err := c.PerformCheck(ctx, checker.BlockTarget(number)); err != nil {
			if fatal(ctx, err) {
				return errors.WithMessagef(err, "checker %s failed on block [%d]", c.ID(), number)
			}
			a.recordError(c.ID(), number, nil, err)
		}
	}
	for _, tx := range block.Transactions() {
		target := checker.TransactionAt(number, tx.Index())
		for _, c := range a.txCheckers {
			if err := c.PerformCheck(ctx, target); err != nil {
				if fatal(ctx, err) {
					return errors.WithMessagef(err, "checker %s failed on %s", c.ID(), target)
				}
				a.recordError(c.ID(), number, tx, err)
			}
		}
	}
	if a.replay {
		return a.replayBlock(ctx, block)
	}
	return nil
}

// recordError keeps an error that stopped checker id on block number, or on
// tx when set, as a failed result.
func (a *auditor) recordError(id string, number uint64, tx *ledger.Transaction, err error) {
	res := result.Errored(id, err)
	if tx != nil {
		logger.Warnf("Checker %s could not check transaction %d of block [%d]: %s", id, tx.Index(), number, err)
		a.results.AddTransactionResult(number, tx.Index(), tx.ID(), res)
	} else {
		logger.Warnf("Checker %s could not check block [%d]: %s", id, number, err)
		a.results.AddBlockResult(number, res)
	}
	a.metrics.ChecksTotal.With("checker", id, "result", string(res.Result)).Add(1)
}

// stopReplay ends the state replay for the rest of the run. The replayed
// state stays at the last block before number.
func (a *auditor) stopReplay(number uint64, err error) {
	if !a.replay {
		return
	}
	a.replay = false
	logger.Warnf("State replay stopped before block [%d]: %s", number, err)
}

// replayBlock feeds block to the state manager. A read conflict is recorded
// as a failed check on the block and stops the replay for the rest of the
// run, as does a block whose write sets cannot be applied.
func (a *auditor) replayBlock(ctx context.Context, block *ledger.Block) error {
	if a.conflict != nil {
		return nil
	}
	_, err := a.state.FeedBlock(block)
	if err == nil {
		return nil
	}
	conflict, ok := err.(*kvstate.ReadConflictError)
	if !ok {
		if fatal(ctx, err) {
			return err
		}
		a.recordError(ReplayID, block.Number(), nil, err)
		a.stopReplay(block.Number(), err)
		return nil
	}
	a.conflict = conflict
	res, err := result.Check(ctx, ReplayID, result.EQBIN, conflict.ReadVersion, conflict.VisibleVersion)
	if err != nil {
		return err
	}
	a.results.AddBlockResult(block.Number(), res)
	logger.Warnf("State replay stopped at block [%d]: %s", block.Number(), conflict)
	return nil
}

// saveCheckpoint persists the replayed state together with the config block
// that the last replayed block references.
func (a *auditor) saveCheckpoint(ctx context.Context) error {
	latest := a.state.LatestState()
	if latest == nil {
		return nil
	}
	last, err := a.provider.GetBlock(ctx, latest.BlockNumber())
	if err != nil {
		return err
	}
	configBlock, err := a.lastConfigBlock(ctx, last)
	if err != nil {
		if fatal(ctx, err) {
			return err
		}
		logger.Warnf("Not saving checkpoint at block [%d]: %s", last.Number(), err)
		return nil
	}
	cp, err := checkpoint.New(a.cfg.Channel, a.state, configBlock)
	if err != nil {
		return err
	}
	return checkpoint.Save(a.cfg.CheckpointPath, cp)
}

// lastConfigBlock returns the config block that block references, failing
// when the referenced block holds no channel config.
func (a *auditor) lastConfigBlock(ctx context.Context, block *ledger.Block) (*ledger.Block, error) {
	lastConfig, err := block.LastConfigIndex()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read last config index of block [%d]", block.Number())
	}
	configBlock, err := a.provider.GetBlock(ctx, lastConfig)
	if err != nil {
		return nil, err
	}
	if _, err := membership.ExtractConfig(configBlock); err != nil {
		return nil, err
	}
	return configBlock, nil
}
