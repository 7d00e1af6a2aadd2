/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package result

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// CheckResult is one recorded assertion. Skipped results, and errors that
// kept a checker from asserting anything, carry a reason instead of a
// predicate and operands.
type CheckResult struct {
	CheckerID string    `json:"checker" yaml:"checker"`
	Result    Status    `json:"result" yaml:"result"`
	Predicate Predicate `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Operands  Operands  `json:"operands,omitempty" yaml:"operands,omitempty"`
	Reason    string    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Operands renders binary operands as hex so results stay readable and can be
// replayed outside the checker.
type Operands []interface{}

func (o Operands) rendered() []interface{} {
	out := make([]interface{}, len(o))
	for i, v := range o {
		if b, ok := v.([]byte); ok {
			out[i] = hex.EncodeToString(b)
			continue
		}
		if inv, ok := v.(*Invocation); ok {
			out[i] = &Invocation{Name: inv.Name, Args: Operands(inv.Args).rendered()}
			continue
		}
		out[i] = v
	}
	return out
}

func (o Operands) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.rendered())
}

func (o Operands) MarshalYAML() (interface{}, error) {
	return o.rendered(), nil
}

// Check evaluates predicate over operands and returns the recorded result.
func Check(ctx context.Context, checkerID string, predicate Predicate, operands ...interface{}) (*CheckResult, error) {
	status, err := Evaluate(ctx, predicate, operands...)
	if err != nil {
		return nil, err
	}
	return &CheckResult{
		CheckerID: checkerID,
		Result:    status,
		Predicate: predicate,
		Operands:  operands,
	}, nil
}

// Skipped returns a result recording that checkerID did not apply.
func Skipped(checkerID, reason string) *CheckResult {
	return &CheckResult{CheckerID: checkerID, Result: SKIPPED, Reason: reason}
}

// Errored returns a result recording that checkerID could not evaluate its
// target because of err.
func Errored(checkerID string, err error) *CheckResult {
	return &CheckResult{CheckerID: checkerID, Result: ERROR, Reason: err.Error()}
}

func (r *CheckResult) key() string {
	return fmt.Sprintf("%s|%s|%s|%v|%s", r.CheckerID, r.Result, r.Predicate, r.Operands.rendered(), r.Reason)
}

// BlockResults are the results attached to one block.
type BlockResults struct {
	BlockNumber uint64         `json:"block" yaml:"block"`
	Results     []*CheckResult `json:"results" yaml:"results"`
}

// TransactionResults are the results attached to one transaction, identified
// by its position in the ledger. A ledger may commit the same transaction ID
// more than once.
type TransactionResults struct {
	BlockNumber   uint64         `json:"block" yaml:"block"`
	Index         int            `json:"index" yaml:"index"`
	TransactionID string         `json:"transaction" yaml:"transaction"`
	Results       []*CheckResult `json:"results" yaml:"results"`
}

type txPosition struct {
	block uint64
	index int
}

func (p txPosition) before(o txPosition) bool {
	if p.block != o.block {
		return p.block < o.block
	}
	return p.index < o.index
}

// Set accumulates check results by block number and by transaction position.
// Results are only ever appended.
type Set struct {
	mutex  sync.Mutex
	blocks map[uint64]*BlockResults
	txs    map[txPosition]*TransactionResults
	// first position at which each transaction ID was recorded
	byID map[string]txPosition
}

func NewSet() *Set {
	return &Set{
		blocks: map[uint64]*BlockResults{},
		txs:    map[txPosition]*TransactionResults{},
		byID:   map[string]txPosition{},
	}
}

// AddBlockResult attaches results to a block.
func (s *Set) AddBlockResult(blockNumber uint64, results ...*CheckResult) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	br, ok := s.blocks[blockNumber]
	if !ok {
		br = &BlockResults{BlockNumber: blockNumber}
		s.blocks[blockNumber] = br
	}
	br.Results = append(br.Results, results...)
}

// AddTransactionResult attaches results to the transaction at position index
// of a block.
func (s *Set) AddTransactionResult(blockNumber uint64, index int, txID string, results ...*CheckResult) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	pos := txPosition{block: blockNumber, index: index}
	tr, ok := s.txs[pos]
	if !ok {
		tr = &TransactionResults{BlockNumber: blockNumber, Index: index, TransactionID: txID}
		s.txs[pos] = tr
		if first, ok := s.byID[txID]; !ok || pos.before(first) {
			s.byID[txID] = pos
		}
	}
	tr.Results = append(tr.Results, results...)
}

// BlockResults returns the deduplicated results of a block, or nil.
func (s *Set) BlockResults(blockNumber uint64) []*CheckResult {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	br, ok := s.blocks[blockNumber]
	if !ok {
		return nil
	}
	return dedup(br.Results)
}

// TransactionResults returns the deduplicated results of the first
// transaction with the given ID, or nil.
func (s *Set) TransactionResults(txID string) []*CheckResult {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	pos, ok := s.byID[txID]
	if !ok {
		return nil
	}
	return dedup(s.txs[pos].Results)
}

// TransactionResultsAt returns the deduplicated results of the transaction at
// position index of a block, or nil.
func (s *Set) TransactionResultsAt(blockNumber uint64, index int) []*CheckResult {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	tr, ok := s.txs[txPosition{block: blockNumber, index: index}]
	if !ok {
		return nil
	}
	return dedup(tr.Results)
}

// Blocks returns every block's deduplicated results, ordered by block number.
func (s *Set) Blocks() []*BlockResults {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]*BlockResults, 0, len(s.blocks))
	for _, br := range s.blocks {
		out = append(out, &BlockResults{BlockNumber: br.BlockNumber, Results: dedup(br.Results)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out
}

// Transactions returns every transaction's deduplicated results in ledger
// order.
func (s *Set) Transactions() []*TransactionResults {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]*TransactionResults, 0, len(s.txs))
	for _, tr := range s.txs {
		out = append(out, &TransactionResults{BlockNumber: tr.BlockNumber, Index: tr.Index, TransactionID: tr.TransactionID, Results: dedup(tr.Results)})
	}
	sort.Slice(out, func(i, j int) bool {
		return txPosition{out[i].BlockNumber, out[i].Index}.before(txPosition{out[j].BlockNumber, out[j].Index})
	})
	return out
}

// dedup drops repeated results and orders the rest by checker, then
// predicate, keeping insertion order otherwise.
func dedup(results []*CheckResult) []*CheckResult {
	seen := map[string]struct{}{}
	out := make([]*CheckResult, 0, len(results))
	for _, r := range results {
		k := r.key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CheckerID != out[j].CheckerID {
			return out[i].CheckerID < out[j].CheckerID
		}
		return out[i].Predicate < out[j].Predicate
	})
	return out
}

// Counts tallies outcomes.
type Counts struct {
	Passed  int `json:"passed" yaml:"passed"`
	Failed  int `json:"failed" yaml:"failed"`
	Skipped int `json:"skipped" yaml:"skipped"`
}

func (c *Counts) add(s Status) {
	switch s {
	case OK:
		c.Passed++
	case ERROR:
		c.Failed++
	case SKIPPED:
		c.Skipped++
	}
}

// Summary counts outcomes per check and per target.
type Summary struct {
	Checks       Counts `json:"checks" yaml:"checks"`
	Blocks       Counts `json:"blocks" yaml:"blocks"`
	Transactions Counts `json:"transactions" yaml:"transactions"`
}

// Failed reports whether any check failed.
func (s Summary) Failed() bool {
	return s.Checks.Failed > 0
}

// Summary aggregates the set. A target fails when any of its checks failed,
// is skipped when it has skips and no passes, and passes otherwise.
func (s *Set) Summary() Summary {
	var sum Summary
	for _, br := range s.Blocks() {
		sum.Blocks.add(aggregate(br.Results, &sum.Checks))
	}
	for _, tr := range s.Transactions() {
		sum.Transactions.add(aggregate(tr.Results, &sum.Checks))
	}
	return sum
}

func aggregate(results []*CheckResult, checks *Counts) Status {
	var c Counts
	for _, r := range results {
		c.add(r.Result)
		checks.add(r.Result)
	}
	switch {
	case c.Failed > 0:
		return ERROR
	case c.Skipped > 0 && c.Passed == 0:
		return SKIPPED
	default:
		return OK
	}
}
