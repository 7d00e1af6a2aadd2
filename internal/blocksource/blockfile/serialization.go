/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package blockfile

import (
	"fmt"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/pkg/errors"
)

// buffer wraps proto.Buffer and wraps its decode errors.
type buffer struct {
	buf *proto.Buffer
}

func newBuffer(b []byte) *buffer {
	return &buffer{proto.NewBuffer(b)}
}

func (b *buffer) DecodeVarint() (uint64, error) {
	val, err := b.buf.DecodeVarint()
	if err != nil {
		return 0, errors.Wrap(err, "error decoding varint with proto.Buffer")
	}
	return val, nil
}

func (b *buffer) DecodeRawBytes() ([]byte, error) {
	val, err := b.buf.DecodeRawBytes(false)
	if err != nil {
		return nil, errors.Wrap(err, "error decoding raw bytes with proto.Buffer")
	}
	return val, nil
}

// deserializeBlock decodes the on-disk block layout: the header fields as
// varint and length-prefixed bytes, then the envelopes, then the metadata
// entries, each list preceded by its length.
func deserializeBlock(serializedBlockBytes []byte) (*cb.Block, error) {
	block := &cb.Block{}
	var err error
	b := newBuffer(serializedBlockBytes)
	if block.Header, err = extractHeader(b); err != nil {
		return nil, err
	}
	if block.Data, err = extractData(b); err != nil {
		return nil, err
	}
	if block.Metadata, err = extractMetadata(b); err != nil {
		return nil, err
	}
	return block, nil
}

func extractHeader(buf *buffer) (*cb.BlockHeader, error) {
	header := &cb.BlockHeader{}
	var err error
	if header.Number, err = buf.DecodeVarint(); err != nil {
		return nil, errors.Wrap(err, "error decoding the block number")
	}
	if header.DataHash, err = buf.DecodeRawBytes(); err != nil {
		return nil, errors.Wrap(err, "error decoding the data hash")
	}
	if header.PreviousHash, err = buf.DecodeRawBytes(); err != nil {
		return nil, errors.Wrap(err, "error decoding the previous hash")
	}
	if len(header.PreviousHash) == 0 {
		header.PreviousHash = nil
	}
	return header, nil
}

func extractData(buf *buffer) (*cb.BlockData, error) {
	data := &cb.BlockData{}
	numItems, err := buf.DecodeVarint()
	if err != nil {
		return nil, errors.Wrap(err, "error decoding the length of block data")
	}
	for i := uint64(0); i < numItems; i++ {
		txEnvBytes, err := buf.DecodeRawBytes()
		if err != nil {
			return nil, errors.Wrap(err, "error decoding the transaction envelope")
		}
		data.Data = append(data.Data, txEnvBytes)
	}
	return data, nil
}

func extractMetadata(buf *buffer) (*cb.BlockMetadata, error) {
	metadata := &cb.BlockMetadata{}
	numItems, err := buf.DecodeVarint()
	if err != nil {
		return nil, errors.Wrap(err, "error decoding the length of block metadata")
	}
	for i := uint64(0); i < numItems; i++ {
		entry, err := buf.DecodeRawBytes()
		if err != nil {
			return nil, errors.Wrap(err, "error decoding the block metadata")
		}
		metadata.Metadata = append(metadata.Metadata, entry)
	}
	return metadata, nil
}

// transactionIDs returns the IDs the ledger model assigns to the envelopes
// of block. Envelopes that cannot be decoded get an empty ID.
func transactionIDs(block *cb.Block) []string {
	ids := make([]string, len(block.Data.Data))
	for i, envBytes := range block.Data.Data {
		id, err := transactionID(block.Header.Number, envBytes)
		if err != nil {
			logger.Warningf("Error extracting txid from envelope %d of block [%d], skipping it: %s", i, block.Header.Number, err)
			continue
		}
		ids[i] = id
	}
	return ids
}

func transactionID(blockNumber uint64, envBytes []byte) (string, error) {
	env, err := protoutil.UnmarshalEnvelope(envBytes)
	if err != nil {
		return "", err
	}
	payload, err := protoutil.UnmarshalPayload(env.Payload)
	if err != nil {
		return "", err
	}
	if payload.Header == nil {
		return "", errors.New("payload header is nil")
	}
	chdr, err := protoutil.UnmarshalChannelHeader(payload.Header.ChannelHeader)
	if err != nil {
		return "", err
	}
	if chdr.TxId == "" && cb.HeaderType(chdr.Type) == cb.HeaderType_CONFIG {
		return fmt.Sprintf("config.%d", blockNumber), nil
	}
	return chdr.TxId, nil
}
