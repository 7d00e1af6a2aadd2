/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package protoutil_test

import (
	"crypto/sha256"
	"encoding/asn1"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/stretchr/testify/require"
)

func TestBlockHeaderBytes(t *testing.T) {
	header := &cb.BlockHeader{
		Number:       2,
		PreviousHash: []byte("foo"),
		DataHash:     []byte("bar"),
	}

	result := protoutil.BlockHeaderBytes(header)

	var decoded struct {
		Number       *big.Int
		PreviousHash []byte
		DataHash     []byte
	}
	rest, err := asn1.Unmarshal(result, &decoded)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, int64(2), decoded.Number.Int64())
	require.Equal(t, []byte("foo"), decoded.PreviousHash)
	require.Equal(t, []byte("bar"), decoded.DataHash)

	// SEQUENCE { INTEGER 2, OCTET STRING "foo", OCTET STRING "bar" }
	require.Equal(t, "300d0201020403666f6f0403626172", hex.EncodeToString(result))

	sum := sha256.Sum256(result)
	require.Equal(t, sum[:], protoutil.BlockHeaderHash(header))
}

func TestBlockDataHash(t *testing.T) {
	data := &cb.BlockData{Data: [][]byte{[]byte("a"), []byte("bc")}}
	sum := sha256.Sum256([]byte("abc"))
	require.Equal(t, sum[:], protoutil.BlockDataHash(data))
}

func TestGetMetadataFromBlock(t *testing.T) {
	block := protoutil.NewBlock(0, nil)
	block.Metadata.Metadata[cb.BlockMetadataIndex_SIGNATURES] = protoutil.MarshalOrPanic(&cb.Metadata{Value: []byte("v")})

	md, err := protoutil.GetMetadataFromBlock(block, cb.BlockMetadataIndex_SIGNATURES)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), md.Value)

	block.Metadata.Metadata = block.Metadata.Metadata[:1]
	_, err = protoutil.GetMetadataFromBlock(block, cb.BlockMetadataIndex_LAST_CONFIG)
	require.EqualError(t, err, "no metadata at index [LAST_CONFIG]")

	block.Metadata = nil
	_, err = protoutil.GetMetadataFromBlock(block, cb.BlockMetadataIndex_SIGNATURES)
	require.EqualError(t, err, "no metadata in block")
}

func TestGetLastConfigIndexFromBlock(t *testing.T) {
	t.Run("orderer block metadata", func(t *testing.T) {
		block := protoutil.NewBlock(5, nil)
		block.Metadata.Metadata[cb.BlockMetadataIndex_SIGNATURES] = protoutil.MarshalOrPanic(&cb.Metadata{
			Value: protoutil.MarshalOrPanic(&cb.OrdererBlockMetadata{LastConfig: &cb.LastConfig{Index: 3}}),
		})
		index, err := protoutil.GetLastConfigIndexFromBlock(block)
		require.NoError(t, err)
		require.Equal(t, uint64(3), index)
	})

	t.Run("legacy slot", func(t *testing.T) {
		block := protoutil.NewBlock(5, nil)
		block.Metadata.Metadata[cb.BlockMetadataIndex_LAST_CONFIG] = protoutil.MarshalOrPanic(&cb.Metadata{
			Value: protoutil.MarshalOrPanic(&cb.LastConfig{Index: 4}),
		})
		index, err := protoutil.GetLastConfigIndexFromBlock(block)
		require.NoError(t, err)
		require.Equal(t, uint64(4), index)
	})

	t.Run("orderer block metadata without last config", func(t *testing.T) {
		block := protoutil.NewBlock(5, nil)
		block.Metadata.Metadata[cb.BlockMetadataIndex_SIGNATURES] = protoutil.MarshalOrPanic(&cb.Metadata{
			Value: protoutil.MarshalOrPanic(&cb.OrdererBlockMetadata{ConsenterMetadata: []byte("raft")}),
		})
		_, err := protoutil.GetLastConfigIndexFromBlock(block)
		require.EqualError(t, err, "orderer block metadata carries no last config")
	})
}

func TestIsConfigBlock(t *testing.T) {
	payload := &cb.Payload{
		Header: protoutil.MakePayloadHeader(
			protoutil.MakeChannelHeader(cb.HeaderType_CONFIG, 0, "ch", 0),
			protoutil.MakeSignatureHeader(nil, nil),
		),
	}
	env := &cb.Envelope{Payload: protoutil.MarshalOrPanic(payload)}

	block := protoutil.NewBlock(0, nil)
	block.Data.Data = [][]byte{protoutil.MarshalOrPanic(env)}
	require.True(t, protoutil.IsConfigBlock(block))

	block.Data.Data = append(block.Data.Data, block.Data.Data[0])
	require.False(t, protoutil.IsConfigBlock(block))

	payload.Header.ChannelHeader = protoutil.MarshalOrPanic(protoutil.MakeChannelHeader(cb.HeaderType_ENDORSER_TRANSACTION, 0, "ch", 0))
	env.Payload = protoutil.MarshalOrPanic(payload)
	block.Data.Data = [][]byte{protoutil.MarshalOrPanic(env)}
	require.False(t, protoutil.IsConfigBlock(block))
}

func TestExtractEnvelope(t *testing.T) {
	env := &cb.Envelope{Payload: []byte("payload"), Signature: []byte("sig")}
	block := protoutil.NewBlock(0, nil)
	block.Data.Data = [][]byte{protoutil.MarshalOrPanic(env)}

	extracted, err := protoutil.ExtractEnvelope(block, 0)
	require.NoError(t, err)
	require.True(t, proto.Equal(env, extracted))

	_, err = protoutil.ExtractEnvelope(block, 1)
	require.EqualError(t, err, "envelope index out of bounds")
}

func TestComputeTxID(t *testing.T) {
	txID := protoutil.ComputeTxID([]byte("nonce"), []byte("creator"))
	sum := sha256.Sum256([]byte("noncecreator"))
	require.Equal(t, hex.EncodeToString(sum[:]), txID)
}
