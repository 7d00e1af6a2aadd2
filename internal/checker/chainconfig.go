/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package checker

import (
	"context"
	"time"

	"github.com/hyperledger/fabric-ledgeraudit/internal/ledger"
	"github.com/hyperledger/fabric-ledgeraudit/internal/membership"
	"github.com/hyperledger/fabric-ledgeraudit/internal/provider"
	"github.com/hyperledger/fabric-ledgeraudit/internal/result"
	"github.com/hyperledger/fabric-ledgeraudit/internal/verify"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/pkg/errors"
)

// ChainConfigChecker verifies that a block references a configuration block
// at or before itself and that its orderer signatures were produced by the
// orderer organizations of that configuration.
type ChainConfigChecker struct {
	recorder
	provider *provider.Provider
	resolver *membership.Resolver
	verifier *verify.Verifier
}

func newChainConfigChecker(deps *Deps) (Checker, error) {
	if deps.Resolver == nil || deps.Verifier == nil {
		return nil, errors.Errorf("checker %s requires a membership resolver and a verifier", ChainConfigID)
	}
	return &ChainConfigChecker{
		recorder: newRecorder(ChainConfigID, deps),
		provider: deps.Provider,
		resolver: deps.Resolver,
		verifier: deps.Verifier,
	}, nil
}

func (c *ChainConfigChecker) PerformCheck(ctx context.Context, target Target) error {
	number, err := blockTarget(c.id, target)
	if err != nil {
		return err
	}
	defer c.observe(time.Now())

	block, err := c.provider.GetBlock(ctx, number)
	if err != nil {
		return err
	}
	lastConfig, err := block.LastConfigIndex()
	if err != nil {
		return errors.WithMessagef(err, "failed to read last config index of block [%d]", number)
	}
	if err := c.assertBlock(ctx, number, result.LE, lastConfig, number); err != nil {
		return err
	}
	if lastConfig > number {
		logger.Warnf("Block [%d] references future config block [%d], skipping signature checks", number, lastConfig)
		return nil
	}

	cfg, err := c.resolver.GetConfig(ctx, lastConfig)
	if err != nil {
		return err
	}
	for _, index := range []cb.BlockMetadataIndex{cb.BlockMetadataIndex_LAST_CONFIG, cb.BlockMetadataIndex_SIGNATURES} {
		if err := c.checkSignatures(ctx, block, index, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (c *ChainConfigChecker) checkSignatures(ctx context.Context, block *ledger.Block, index cb.BlockMetadataIndex, cfg *membership.ChannelConfig) error {
	value, sigs, err := block.MetadataSignatures(index)
	if err != nil {
		return errors.WithMessagef(err, "failed to read %s metadata of block [%d]", index, block.Number())
	}
	for i, sig := range sigs {
		sig := sig
		check := result.Invoke("verifyMetadataSignature", func() bool {
			return c.verifier.VerifyMetadataSignature(block, value, sig, cfg.OrdererMSPs)
		}, index.String(), i, cfg.BlockNumber)
		if err := c.assertBlock(ctx, block.Number(), result.INVOKE, check); err != nil {
			return err
		}
	}
	return nil
}
