/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package checker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hyperledger/fabric-ledgeraudit/internal/ledger"
	"github.com/hyperledger/fabric-ledgeraudit/internal/membership"
	"github.com/hyperledger/fabric-ledgeraudit/internal/provider"
	"github.com/hyperledger/fabric-ledgeraudit/internal/result"
	"github.com/hyperledger/fabric-ledgeraudit/internal/verify"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/hyperledger/fabric-lib-go/common/metrics/disabled"
	"github.com/pkg/errors"
)

var logger = flogging.MustGetLogger("checker")

// Target names what a check runs against: a block, a transaction by ID, or
// the transaction at a position of a block. An ID resolves to its first
// commit, so a later transaction reusing the ID is only reachable by
// position.
type Target struct {
	BlockNumber   uint64
	TransactionID string
	TxIndex       int
	positional    bool
}

func BlockTarget(number uint64) Target {
	return Target{BlockNumber: number}
}

func TransactionTarget(txID string) Target {
	return Target{TransactionID: txID}
}

// TransactionAt targets the transaction at position index of a block.
func TransactionAt(blockNumber uint64, index int) Target {
	return Target{BlockNumber: blockNumber, TxIndex: index, positional: true}
}

// IsTransaction reports whether the target is a transaction.
func (t Target) IsTransaction() bool {
	return t.positional || t.TransactionID != ""
}

// IsPositional reports whether the target addresses a transaction by its
// position in the ledger.
func (t Target) IsPositional() bool {
	return t.positional
}

func (t Target) String() string {
	switch {
	case t.positional:
		return fmt.Sprintf("transaction %d of block [%d]", t.TxIndex, t.BlockNumber)
	case t.TransactionID != "":
		return fmt.Sprintf("transaction [%s]", t.TransactionID)
	default:
		return fmt.Sprintf("block [%d]", t.BlockNumber)
	}
}

// ErrUnsupportedTarget is returned when a checker is given a target kind it
// does not handle.
var ErrUnsupportedTarget = errors.New("unsupported check target")

// Checker runs one kind of integrity check. Results are recorded in the
// result set the checker was built with; an error means the check could not
// run, never that it failed.
type Checker interface {
	ID() string
	PerformCheck(ctx context.Context, target Target) error
}

// NamedSource is a block source identified by a human readable name.
type NamedSource struct {
	Name   string
	Source provider.BlockSource
}

// Deps are the collaborators shared by the checkers of one audit run.
// PrivateData and Sources are optional.
type Deps struct {
	Provider    *provider.Provider
	Resolver    *membership.Resolver
	Verifier    *verify.Verifier
	Results     *result.Set
	PrivateData ledger.PrivateDataStore
	Sources     []NamedSource
	Metrics     *Metrics
}

const (
	HashChainID       = "fabric-block-hash"
	ChainConfigID     = "fabric-block-config"
	TransactionID     = "fabric-transaction"
	MultipleLedgersID = "multiple-ledgers"
)

type constructor func(deps *Deps) (Checker, error)

var registry = map[string]constructor{
	HashChainID:       newHashChainChecker,
	ChainConfigID:     newChainConfigChecker,
	TransactionID:     newTransactionChecker,
	MultipleLedgersID: newMultipleLedgersChecker,
}

// IDs returns the identifiers of all known checkers in sorted order.
func IDs() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TargetsTransactions reports whether the checker registered under id checks
// transactions rather than blocks.
func TargetsTransactions(id string) bool {
	return id == TransactionID
}

// DefaultIDs returns the checkers an audit runs when none are configured.
// The multiple ledgers checker needs additional sources and is only part of
// the default when withSources is set.
func DefaultIDs(withSources bool) []string {
	var ids []string
	for _, id := range IDs() {
		if id == MultipleLedgersID && !withSources {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// New builds the checker registered under id.
func New(id string, deps *Deps) (Checker, error) {
	c, ok := registry[id]
	if !ok {
		return nil, errors.Errorf("unknown checker %q, known checkers are %v", id, IDs())
	}
	if deps.Provider == nil || deps.Results == nil {
		return nil, errors.Errorf("checker %s requires a block provider and a result set", id)
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(&disabled.Provider{})
	}
	return c(deps)
}

// recorder evaluates assertions on behalf of one checker and stores them.
type recorder struct {
	id      string
	results *result.Set
	metrics *Metrics
}

func newRecorder(id string, deps *Deps) recorder {
	return recorder{id: id, results: deps.Results, metrics: deps.Metrics}
}

func (r recorder) ID() string {
	return r.id
}

func (r recorder) assertBlock(ctx context.Context, number uint64, predicate result.Predicate, operands ...interface{}) error {
	res, err := result.Check(ctx, r.id, predicate, operands...)
	if err != nil {
		return errors.WithMessagef(err, "checker %s on block [%d]", r.id, number)
	}
	r.results.AddBlockResult(number, res)
	r.count(res)
	return nil
}

func (r recorder) assertTransaction(ctx context.Context, tx *ledger.Transaction, predicate result.Predicate, operands ...interface{}) error {
	res, err := result.Check(ctx, r.id, predicate, operands...)
	if err != nil {
		return errors.WithMessagef(err, "checker %s on transaction %d of block [%d]", r.id, tx.Index(), tx.Block().Number())
	}
	r.results.AddTransactionResult(tx.Block().Number(), tx.Index(), tx.ID(), res)
	r.count(res)
	return nil
}

func (r recorder) errorBlock(number uint64, err error) {
	res := result.Errored(r.id, err)
	r.results.AddBlockResult(number, res)
	r.count(res)
}

func (r recorder) skipTransaction(tx *ledger.Transaction, reason string) {
	res := result.Skipped(r.id, reason)
	r.results.AddTransactionResult(tx.Block().Number(), tx.Index(), tx.ID(), res)
	r.count(res)
}

func (r recorder) count(res *result.CheckResult) {
	r.metrics.ChecksTotal.With("checker", r.id, "result", string(res.Result)).Add(1)
}

func (r recorder) observe(start time.Time) {
	r.metrics.CheckDuration.With("checker", r.id).Observe(time.Since(start).Seconds())
}

func blockTarget(id string, target Target) (uint64, error) {
	if target.IsTransaction() {
		return 0, errors.WithMessagef(ErrUnsupportedTarget, "checker %s cannot check %s", id, target)
	}
	return target.BlockNumber, nil
}
