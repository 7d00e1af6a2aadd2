/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package checker

import (
	"context"
	"time"

	"github.com/hyperledger/fabric-ledgeraudit/internal/provider"
	"github.com/hyperledger/fabric-ledgeraudit/internal/result"
)

// HashChainChecker verifies that a block links to its predecessor and that
// its declared data hash matches its envelopes. The two assertions are
// recorded independently.
type HashChainChecker struct {
	recorder
	provider *provider.Provider
}

func newHashChainChecker(deps *Deps) (Checker, error) {
	return &HashChainChecker{
		recorder: newRecorder(HashChainID, deps),
		provider: deps.Provider,
	}, nil
}

func (c *HashChainChecker) PerformCheck(ctx context.Context, target Target) error {
	number, err := blockTarget(c.id, target)
	if err != nil {
		return err
	}
	defer c.observe(time.Now())

	block, err := c.provider.GetBlock(ctx, number)
	if err != nil {
		return err
	}
	if number == 0 {
		return c.assertBlock(ctx, number, result.EQ, block.Number(), uint64(0))
	}

	prev, err := c.provider.GetBlock(ctx, number-1)
	if err != nil {
		return err
	}
	if err := c.assertBlock(ctx, number, result.EQBIN, prev.HashForPrev(), block.PreviousHash()); err != nil {
		return err
	}
	return c.assertBlock(ctx, number, result.EQBIN, block.HashForSelf(), block.DataHash())
}
