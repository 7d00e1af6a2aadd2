/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package checker

import (
	"bytes"
	"context"
	"time"

	"github.com/hyperledger/fabric-ledgeraudit/internal/provider"
	"github.com/hyperledger/fabric-ledgeraudit/internal/result"
	"github.com/pkg/errors"
)

// MultipleLedgersChecker compares the header hash of a block as served by
// the preferred source with the hash served by every other source. Each
// comparison names the source it was made against. Sources that do not hold
// the block are left out of the comparison and sources that fail to serve it
// are recorded as errors.
type MultipleLedgersChecker struct {
	recorder
	preferred provider.BlockSource
	sources   []NamedSource
}

func newMultipleLedgersChecker(deps *Deps) (Checker, error) {
	if len(deps.Sources) == 0 {
		return nil, errors.Errorf("checker %s requires at least one additional block source", MultipleLedgersID)
	}
	return &MultipleLedgersChecker{
		recorder:  newRecorder(MultipleLedgersID, deps),
		preferred: deps.Provider.Source(),
		sources:   deps.Sources,
	}, nil
}

func (c *MultipleLedgersChecker) PerformCheck(ctx context.Context, target Target) error {
	number, err := blockTarget(c.id, target)
	if err != nil {
		return err
	}
	defer c.observe(time.Now())

	expected, err := c.preferred.GetBlockHash(ctx, number)
	if err != nil {
		return provider.WrapSourceError(err, "failed to fetch hash of block [%d] from the preferred source", number)
	}
	for _, s := range c.sources {
		hash, err := s.Source.GetBlockHash(ctx, number)
		if errors.Cause(err) == provider.ErrBlockNotFound {
			logger.Debugf("Block [%d] is not available from %s", number, s.Name)
			continue
		}
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logger.Warnf("Failed to fetch hash of block [%d] from %s: %s", number, s.Name, err)
			c.errorBlock(number, errors.WithMessagef(err, "failed to fetch hash of block [%d] from %s", number, s.Name))
			continue
		}
		check := result.Invoke("compareBlockHash", func() bool {
			return bytes.Equal(expected, hash)
		}, s.Name, expected, hash)
		if err := c.assertBlock(ctx, number, result.INVOKE, check); err != nil {
			return err
		}
	}
	return nil
}
