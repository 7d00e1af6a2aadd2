/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ledger

import (
	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-ledgeraudit/internal/kvstate"
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

var logger = flogging.MustGetLogger("ledger")

// Block is a decoded, immutable ledger block.
type Block struct {
	block        *cb.Block
	transactions []*Transaction
	txFilter     []byte
}

// DecodeBlock decodes a protobuf-encoded common.Block.
func DecodeBlock(raw []byte) (*Block, error) {
	block, err := protoutil.UnmarshalBlock(raw)
	if err != nil {
		return nil, decodeErr(0, err, "malformed block bytes")
	}
	return NewBlock(block)
}

// NewBlock validates the mandatory parts of a common.Block and decodes every
// envelope it carries.
func NewBlock(block *cb.Block) (*Block, error) {
	if block == nil || block.Header == nil {
		return nil, decodeErr(0, nil, "block header is missing")
	}
	number := block.Header.Number
	if block.Data == nil {
		return nil, decodeErr(number, nil, "block data is missing")
	}
	if block.Metadata == nil || len(block.Metadata.Metadata) <= int(cb.BlockMetadataIndex_LAST_CONFIG) {
		return nil, decodeErr(number, nil, "block metadata is missing")
	}

	b := &Block{block: block}
	if len(block.Metadata.Metadata) > int(cb.BlockMetadataIndex_TRANSACTIONS_FILTER) {
		b.txFilter = block.Metadata.Metadata[cb.BlockMetadataIndex_TRANSACTIONS_FILTER]
	}
	if len(b.txFilter) != 0 && len(b.txFilter) != len(block.Data.Data) {
		return nil, decodeErr(number, nil, "transaction filter has %d entries for %d transactions", len(b.txFilter), len(block.Data.Data))
	}

	for i, envBytes := range block.Data.Data {
		tx, err := newTransaction(b, i, envBytes)
		if err != nil {
			if b.validationCode(i) == peer.TxValidationCode_VALID {
				return nil, decodeErr(number, err, "transaction %d", i)
			}
			logger.Debugf("Transaction %d of block [%d] was committed as %s and cannot be decoded: %s", i, number, b.validationCode(i), err)
			tx = undecodableTransaction(b, i, envBytes, err)
		}
		b.transactions = append(b.transactions, tx)
	}

	for _, tx := range b.transactions {
		if tx.Type() == cb.HeaderType_CONFIG && len(b.transactions) != 1 {
			return nil, decodeErr(number, nil, "config block carries %d transactions", len(b.transactions))
		}
	}

	logger.Debugf("Decoded block [%d] with %d transactions", number, len(b.transactions))
	return b, nil
}

// Proto returns the underlying protobuf message. Callers must not modify it.
func (b *Block) Proto() *cb.Block {
	return b.block
}

// Number returns the block sequence number.
func (b *Block) Number() uint64 {
	return b.block.Header.Number
}

// Header returns the block header.
func (b *Block) Header() *cb.BlockHeader {
	return b.block.Header
}

// DataHash is the declared hash of this block's data.
func (b *Block) DataHash() []byte {
	return b.block.Header.DataHash
}

// PreviousHash is the declared header hash of the previous block.
func (b *Block) PreviousHash() []byte {
	return b.block.Header.PreviousHash
}

// HeaderBytes is the ASN.1 encoding of the header that orderers sign.
func (b *Block) HeaderBytes() []byte {
	return protoutil.BlockHeaderBytes(b.block.Header)
}

// HashForSelf computes the hash that DataHash must match.
func (b *Block) HashForSelf() []byte {
	return protoutil.BlockDataHash(b.block.Data)
}

// HashForPrev computes the hash the next block must declare as PreviousHash.
func (b *Block) HashForPrev() []byte {
	return protoutil.BlockHeaderHash(b.block.Header)
}

// Transactions returns the decoded transactions in block order.
func (b *Block) Transactions() []*Transaction {
	return b.transactions
}

// Transaction returns the transaction at index, or nil.
func (b *Block) Transaction(index int) *Transaction {
	if index < 0 || index >= len(b.transactions) {
		return nil
	}
	return b.transactions[index]
}

// ChannelID returns the channel of the first transaction, or "".
func (b *Block) ChannelID() string {
	if len(b.transactions) == 0 {
		return ""
	}
	return b.transactions[0].ChannelID()
}

// IsConfig reports whether this block carries a CONFIG transaction.
func (b *Block) IsConfig() bool {
	return len(b.transactions) == 1 && b.transactions[0].Type() == cb.HeaderType_CONFIG
}

// LastConfigIndex returns the number of the most recent configuration block at
// or before this one.
func (b *Block) LastConfigIndex() (uint64, error) {
	return protoutil.GetLastConfigIndexFromBlock(b.block)
}

// MetadataSignatures returns the value and the signatures stored at the given
// metadata index.
func (b *Block) MetadataSignatures(index cb.BlockMetadataIndex) ([]byte, []*cb.MetadataSignature, error) {
	md, err := protoutil.GetMetadataFromBlock(b.block, index)
	if err != nil {
		return nil, nil, err
	}
	return md.Value, md.Signatures, nil
}

// OrdererMetadata returns the OrdererBlockMetadata stored in the SIGNATURES
// slot, or nil for blocks cut before it existed.
func (b *Block) OrdererMetadata() (*cb.OrdererBlockMetadata, error) {
	value, _, err := b.MetadataSignatures(cb.BlockMetadataIndex_SIGNATURES)
	if err != nil {
		return nil, err
	}
	if len(value) == 0 {
		return nil, nil
	}
	obm := &cb.OrdererBlockMetadata{}
	if err := proto.Unmarshal(value, obm); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal orderer block metadata")
	}
	return obm, nil
}

func (b *Block) validationCode(index int) peer.TxValidationCode {
	if len(b.txFilter) == 0 {
		return peer.TxValidationCode_VALID
	}
	return peer.TxValidationCode(b.txFilter[index])
}

// KeyValueTransactions exposes the transactions for state replay.
func (b *Block) KeyValueTransactions() []kvstate.Transaction {
	txs := make([]kvstate.Transaction, 0, len(b.transactions))
	for _, tx := range b.transactions {
		txs = append(txs, tx)
	}
	return txs
}
