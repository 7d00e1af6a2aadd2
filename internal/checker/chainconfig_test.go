/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package checker_test

import (
	"context"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-ledgeraudit/internal/checker"
	"github.com/hyperledger/fabric-ledgeraudit/internal/result"
	"github.com/hyperledger/fabric-ledgeraudit/internal/testutil"
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/stretchr/testify/require"
)

func TestChainConfigChecker(t *testing.T) {
	e := newEnv(t, testutil.NewNetwork(t, "mychannel"))
	e.addBlock(e.network.EndorserTx())
	e.source.Put(e.network.Chain.Add(e.network.ConfigEnvelope()))
	e.addBlock(e.network.EndorserTx())

	c := e.checker(t, checker.ChainConfigID)
	for n := uint64(0); n < 4; n++ {
		require.NoError(t, c.PerformCheck(context.Background(), checker.BlockTarget(n)))
		results := e.deps.Results.BlockResults(n)
		// LE plus one signature in each of LAST_CONFIG and SIGNATURES
		require.Len(t, results, 3, "block %d", n)
		require.Equal(t, 3, countStatus(results, result.OK), "block %d", n)
	}
	require.Equal(t, []uint64{0, 2}, e.cache.BlockNumbers())
}

func TestChainConfigCheckerTamperedSignature(t *testing.T) {
	e := newEnv(t, testutil.NewNetwork(t, "mychannel"))
	e.addBlock(e.network.EndorserTx())

	tampered := proto.Clone(e.network.Chain.Blocks[1]).(*cb.Block)
	md := &cb.Metadata{}
	require.NoError(t, proto.Unmarshal(tampered.Metadata.Metadata[cb.BlockMetadataIndex_SIGNATURES], md))
	md.Signatures[0].Signature[len(md.Signatures[0].Signature)-1] ^= 0xff
	tampered.Metadata.Metadata[cb.BlockMetadataIndex_SIGNATURES] = protoutil.MarshalOrPanic(md)
	e.source.Put(tampered)

	c := e.checker(t, checker.ChainConfigID)
	require.NoError(t, c.PerformCheck(context.Background(), checker.BlockTarget(1)))
	results := e.deps.Results.BlockResults(1)
	require.Len(t, results, 3)
	require.Equal(t, 1, countStatus(results, result.ERROR))
}

func TestChainConfigCheckerForeignSigner(t *testing.T) {
	e := newEnv(t, testutil.NewNetwork(t, "mychannel"))
	// a peer of an application organization is not allowed to sign blocks
	e.network.Chain.Orderer = e.network.Peer1
	e.addBlock(e.network.EndorserTx())

	c := e.checker(t, checker.ChainConfigID)
	require.NoError(t, c.PerformCheck(context.Background(), checker.BlockTarget(1)))
	results := e.deps.Results.BlockResults(1)
	require.Len(t, results, 3)
	require.Equal(t, 2, countStatus(results, result.ERROR))
	require.Equal(t, 1, countStatus(results, result.OK))
}

func TestChainConfigCheckerFutureConfig(t *testing.T) {
	e := newEnv(t, testutil.NewNetwork(t, "mychannel"))
	e.addBlock(e.network.EndorserTx())

	tampered := proto.Clone(e.network.Chain.Blocks[1]).(*cb.Block)
	obm := protoutil.MarshalOrPanic(&cb.OrdererBlockMetadata{LastConfig: &cb.LastConfig{Index: 7}})
	tampered.Metadata.Metadata[cb.BlockMetadataIndex_SIGNATURES] = protoutil.MarshalOrPanic(&cb.Metadata{Value: obm})
	e.source.Put(tampered)

	c := e.checker(t, checker.ChainConfigID)
	require.NoError(t, c.PerformCheck(context.Background(), checker.BlockTarget(1)))
	results := e.deps.Results.BlockResults(1)
	require.Len(t, results, 1)
	require.Equal(t, result.LE, results[0].Predicate)
	require.Equal(t, result.ERROR, results[0].Result)
}

func TestChainConfigCheckerNotConfigBlock(t *testing.T) {
	e := newEnv(t, testutil.NewNetwork(t, "mychannel"))
	e.addBlock(e.network.EndorserTx())
	e.addBlock(e.network.EndorserTx())

	tampered := proto.Clone(e.network.Chain.Blocks[2]).(*cb.Block)
	obm := protoutil.MarshalOrPanic(&cb.OrdererBlockMetadata{LastConfig: &cb.LastConfig{Index: 1}})
	tampered.Metadata.Metadata[cb.BlockMetadataIndex_SIGNATURES] = protoutil.MarshalOrPanic(&cb.Metadata{Value: obm})
	e.source.Put(tampered)

	c := e.checker(t, checker.ChainConfigID)
	err := c.PerformCheck(context.Background(), checker.BlockTarget(2))
	require.ErrorContains(t, err, "block [1] carries 1 transactions: not a config block")
}
