/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package checker_test

import (
	"context"
	"testing"

	"github.com/hyperledger/fabric-ledgeraudit/internal/blocksource/memory"
	"github.com/hyperledger/fabric-ledgeraudit/internal/checker"
	"github.com/hyperledger/fabric-ledgeraudit/internal/membership"
	"github.com/hyperledger/fabric-ledgeraudit/internal/provider"
	"github.com/hyperledger/fabric-ledgeraudit/internal/result"
	"github.com/hyperledger/fabric-ledgeraudit/internal/testutil"
	"github.com/hyperledger/fabric-ledgeraudit/internal/verify"
	"github.com/hyperledger/fabric-lib-go/common/metrics"
	"github.com/hyperledger/fabric-lib-go/common/metrics/disabled"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type env struct {
	network *testutil.Network
	source  *memory.Source
	cache   *membership.Cache
	deps    *checker.Deps
}

func newEnv(t *testing.T, n *testutil.Network) *env {
	source := memory.NewSource(n.Chain.Blocks...)
	p := provider.New(source)
	cache := membership.NewCache()
	verifier, err := verify.New()
	require.NoError(t, err)
	return &env{
		network: n,
		source:  source,
		cache:   cache,
		deps: &checker.Deps{
			Provider: p,
			Resolver: membership.NewResolver(p, cache),
			Verifier: verifier,
			Results:  result.NewSet(),
		},
	}
}

func (e *env) checker(t *testing.T, id string) checker.Checker {
	c, err := checker.New(id, e.deps)
	require.NoError(t, err)
	return c
}

// addBlock cuts a block holding the given transactions and publishes it.
func (e *env) addBlock(txs ...*testutil.EndorserTx) []string {
	var envs [][]byte
	var txIDs []string
	for _, tx := range txs {
		envBytes, txID := tx.Envelope()
		envs = append(envs, envBytes)
		txIDs = append(txIDs, txID)
	}
	e.source.Put(e.network.Chain.Add(envs...))
	return txIDs
}

func statuses(results []*result.CheckResult) []result.Status {
	var out []result.Status
	for _, r := range results {
		out = append(out, r.Result)
	}
	return out
}

func countStatus(results []*result.CheckResult, status result.Status) int {
	n := 0
	for _, r := range results {
		if r.Result == status {
			n++
		}
	}
	return n
}

func TestIDs(t *testing.T) {
	require.Equal(t, []string{
		checker.ChainConfigID,
		checker.HashChainID,
		checker.TransactionID,
		checker.MultipleLedgersID,
	}, checker.IDs())
}

func TestDefaultIDs(t *testing.T) {
	require.Equal(t, []string{checker.ChainConfigID, checker.HashChainID, checker.TransactionID}, checker.DefaultIDs(false))
	require.Equal(t, checker.IDs(), checker.DefaultIDs(true))
	require.True(t, checker.TargetsTransactions(checker.TransactionID))
	require.False(t, checker.TargetsTransactions(checker.HashChainID))
}

func TestNew(t *testing.T) {
	gt := NewGomegaWithT(t)
	e := newEnv(t, testutil.NewNetwork(t, "mychannel"))

	_, err := checker.New("bogus", e.deps)
	gt.Expect(err).To(MatchError(ContainSubstring(`unknown checker "bogus"`)))

	_, err = checker.New(checker.HashChainID, &checker.Deps{Results: result.NewSet()})
	gt.Expect(err).To(MatchError("checker fabric-block-hash requires a block provider and a result set"))

	_, err = checker.New(checker.ChainConfigID, &checker.Deps{Provider: e.deps.Provider, Results: e.deps.Results})
	gt.Expect(err).To(MatchError("checker fabric-block-config requires a membership resolver and a verifier"))

	_, err = checker.New(checker.TransactionID, &checker.Deps{Provider: e.deps.Provider, Results: e.deps.Results})
	gt.Expect(err).To(MatchError("checker fabric-transaction requires a membership resolver and a verifier"))

	_, err = checker.New(checker.MultipleLedgersID, e.deps)
	gt.Expect(err).To(MatchError("checker multiple-ledgers requires at least one additional block source"))

	for _, id := range []string{checker.HashChainID, checker.ChainConfigID, checker.TransactionID} {
		c, err := checker.New(id, e.deps)
		gt.Expect(err).NotTo(HaveOccurred())
		gt.Expect(c.ID()).To(Equal(id))
	}
}

func TestUnsupportedTargets(t *testing.T) {
	e := newEnv(t, testutil.NewNetwork(t, "mychannel"))
	e.deps.Sources = []checker.NamedSource{{Name: "other", Source: e.source}}
	ctx := context.Background()

	for _, id := range []string{checker.HashChainID, checker.ChainConfigID, checker.MultipleLedgersID} {
		err := e.checker(t, id).PerformCheck(ctx, checker.TransactionTarget("tx"))
		require.Equal(t, checker.ErrUnsupportedTarget, errors.Cause(err), id)
	}
	err := e.checker(t, checker.TransactionID).PerformCheck(ctx, checker.BlockTarget(0))
	require.Equal(t, checker.ErrUnsupportedTarget, errors.Cause(err))
}

func TestTarget(t *testing.T) {
	require.Equal(t, "block [3]", checker.BlockTarget(3).String())
	require.Equal(t, "transaction [abc]", checker.TransactionTarget("abc").String())
	require.False(t, checker.BlockTarget(0).IsTransaction())
	require.True(t, checker.TransactionTarget("abc").IsTransaction())
	require.False(t, checker.TransactionTarget("abc").IsPositional())

	at := checker.TransactionAt(5, 0)
	require.Equal(t, "transaction 0 of block [5]", at.String())
	require.True(t, at.IsTransaction())
	require.True(t, at.IsPositional())
}

type countingCounter struct {
	labels []string
	total  *map[string]float64
}

func (c *countingCounter) With(labelValues ...string) metrics.Counter {
	return &countingCounter{labels: append(append([]string{}, c.labels...), labelValues...), total: c.total}
}

func (c *countingCounter) Add(delta float64) {
	key := ""
	for _, l := range c.labels {
		key += l + "/"
	}
	(*c.total)[key] += delta
}

type countingProvider struct {
	disabled.Provider
	total map[string]float64
}

func (p *countingProvider) NewCounter(metrics.CounterOpts) metrics.Counter {
	return &countingCounter{total: &p.total}
}

func TestMetrics(t *testing.T) {
	e := newEnv(t, testutil.NewNetwork(t, "mychannel"))
	e.addBlock(e.network.EndorserTx())

	p := &countingProvider{total: map[string]float64{}}
	e.deps.Metrics = checker.NewMetrics(p)
	c := e.checker(t, checker.HashChainID)
	require.NoError(t, c.PerformCheck(context.Background(), checker.BlockTarget(1)))

	require.Equal(t, map[string]float64{
		"checker/fabric-block-hash/result/OK/": 2,
	}, p.total)
}
