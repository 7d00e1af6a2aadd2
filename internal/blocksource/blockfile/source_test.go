/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package blockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-ledgeraudit/internal/provider"
	"github.com/hyperledger/fabric-ledgeraudit/internal/testutil"
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func serializeBlock(t *testing.T, block *cb.Block) []byte {
	buf := proto.NewBuffer(nil)
	require.NoError(t, buf.EncodeVarint(block.Header.Number))
	require.NoError(t, buf.EncodeRawBytes(block.Header.DataHash))
	require.NoError(t, buf.EncodeRawBytes(block.Header.PreviousHash))
	require.NoError(t, buf.EncodeVarint(uint64(len(block.Data.Data))))
	for _, env := range block.Data.Data {
		require.NoError(t, buf.EncodeRawBytes(env))
	}
	require.NoError(t, buf.EncodeVarint(uint64(len(block.Metadata.Metadata))))
	for _, md := range block.Metadata.Metadata {
		require.NoError(t, buf.EncodeRawBytes(md))
	}
	return buf.Bytes()
}

// writeBlockfile writes the blocks as length-prefixed records, the way a peer
// appends them.
func writeBlockfile(t *testing.T, dir string, fileNum int, blocks ...*cb.Block) {
	var content []byte
	for _, b := range blocks {
		serialized := serializeBlock(t, b)
		content = append(content, proto.EncodeVarint(uint64(len(serialized)))...)
		content = append(content, serialized...)
	}
	require.NoError(t, os.WriteFile(deriveBlockfilePath(dir, fileNum), content, 0o644))
}

func newLedgerDir(t *testing.T) (string, *testutil.Network, []string) {
	n := testutil.NewNetwork(t, "mychannel")
	var txIDs []string
	for i := 0; i < 3; i++ {
		env, txID := n.EndorserTx().Envelope()
		n.Chain.Add(env)
		txIDs = append(txIDs, txID)
	}

	dir := LedgerDir(t.TempDir(), "mychannel")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeBlockfile(t, dir, 0, n.Chain.Blocks[0], n.Chain.Blocks[1])
	writeBlockfile(t, dir, 1, n.Chain.Blocks[2], n.Chain.Blocks[3])
	return dir, n, txIDs
}

func TestSource(t *testing.T) {
	dir, n, txIDs := newLedgerDir(t)
	s, err := Open(dir)
	require.NoError(t, err)
	ctx := context.Background()

	height, err := s.GetBlockHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4), height)

	for i, expected := range n.Chain.Blocks {
		raw, err := s.GetBlock(ctx, uint64(i))
		require.NoError(t, err)
		block, err := protoutil.UnmarshalBlock(raw)
		require.NoError(t, err)
		require.True(t, proto.Equal(expected, block), "block %d", i)

		hash, err := s.GetBlockHash(ctx, uint64(i))
		require.NoError(t, err)
		require.Equal(t, protoutil.BlockHeaderHash(expected.Header), hash)
	}

	blocks, err := s.GetBlockRange(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	for i, txID := range txIDs {
		number, err := s.FindBlockByTransaction(ctx, txID)
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), number)
	}
	number, err := s.FindBlockByTransaction(ctx, "config.0")
	require.NoError(t, err)
	require.Equal(t, uint64(0), number)

	_, err = s.FindBlockByTransaction(ctx, "missing")
	require.Equal(t, provider.ErrTransactionNotFound, errors.Cause(err))
	_, err = s.GetBlock(ctx, 4)
	require.Equal(t, provider.ErrBlockNotFound, errors.Cause(err))
	_, err = s.GetBlockHash(ctx, 4)
	require.Equal(t, provider.ErrBlockNotFound, errors.Cause(err))
}

func TestSourceWithProvider(t *testing.T) {
	dir, _, txIDs := newLedgerDir(t)
	s, err := Open(dir)
	require.NoError(t, err)

	p := provider.New(s)
	tx, err := p.GetTransaction(context.Background(), txIDs[2])
	require.NoError(t, err)
	require.Equal(t, uint64(3), tx.Block().Number())
	require.False(t, p.IsCached(1))
}

func TestSourcePartialTrailingBlock(t *testing.T) {
	dir, n, _ := newLedgerDir(t)
	env, _ := n.EndorserTx().Envelope()
	n.Chain.Add(env)

	serialized := serializeBlock(t, n.Chain.Blocks[4])
	record := append(proto.EncodeVarint(uint64(len(serialized))), serialized...)
	f, err := os.OpenFile(deriveBlockfilePath(dir, 1), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(record[:len(record)/2])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err := Open(dir)
	require.NoError(t, err)
	height, err := s.GetBlockHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(4), height)
}

func TestSourceErrors(t *testing.T) {
	t.Run("missing-dir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "missing")
		_, err := Open(dir)
		require.EqualError(t, err, fmt.Sprintf("ledger directory %s does not exist", dir))
	})

	t.Run("empty-dir", func(t *testing.T) {
		s, err := Open(t.TempDir())
		require.NoError(t, err)
		height, err := s.GetBlockHeight(context.Background())
		require.NoError(t, err)
		require.Zero(t, height)
	})

	t.Run("out-of-sequence", func(t *testing.T) {
		n := testutil.NewNetwork(t, "mychannel")
		env, _ := n.EndorserTx().Envelope()
		n.Chain.Add(env)

		dir := t.TempDir()
		writeBlockfile(t, dir, 0, n.Chain.Blocks[1])
		s, err := Open(dir)
		require.NoError(t, err)
		_, err = s.GetBlockHeight(context.Background())
		length := len(serializeBlock(t, n.Chain.Blocks[1]))
		offset := len(proto.EncodeVarint(uint64(length)))
		require.EqualError(t, err, fmt.Sprintf("found block [1] at fileNum=[0], offset=[%d], length=[%d], expected block [0]", offset, length))

		// the scan error sticks
		_, err = s.GetBlock(context.Background(), 0)
		require.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(deriveBlockfilePath(dir, 0), []byte{3, 0xff, 0xff, 0xff}, 0o644))
		s, err := Open(dir)
		require.NoError(t, err)
		_, err = s.GetBlockHeight(context.Background())
		require.ErrorContains(t, err, "error deserializing block at fileNum=[0], offset=[1], length=[3]")
	})
}
