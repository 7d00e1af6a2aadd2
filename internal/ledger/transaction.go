/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ledger

import (
	"fmt"

	"github.com/hyperledger/fabric-ledgeraudit/internal/kvstate"
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/msp"
	"github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

// NamespaceSeparator joins a namespace and a key in flattened rw sets.
const NamespaceSeparator = "\x00"

// Transaction is a decoded envelope. It refers back to its block but never
// owns it.
type Transaction struct {
	block           *Block
	index           int
	envelope        *cb.Envelope
	payload         *cb.Payload
	channelHeader   *cb.ChannelHeader
	signatureHeader *cb.SignatureHeader
	creator         *msp.SerializedIdentity
	id              string
	actions         []*Action
	configEnvelope  *cb.ConfigEnvelope
	decodeFailure   error
}

// undecodableTransaction stands in for an envelope the committing peer
// already marked invalid and that cannot be decoded. It has no ID, no
// creator and no actions.
func undecodableTransaction(block *Block, index int, envBytes []byte, cause error) *Transaction {
	env, err := protoutil.UnmarshalEnvelope(envBytes)
	if err != nil {
		env = &cb.Envelope{}
	}
	return &Transaction{
		block:           block,
		index:           index,
		envelope:        env,
		payload:         &cb.Payload{},
		channelHeader:   &cb.ChannelHeader{},
		signatureHeader: &cb.SignatureHeader{},
		creator:         &msp.SerializedIdentity{},
		decodeFailure:   cause,
	}
}

func newTransaction(block *Block, index int, envBytes []byte) (*Transaction, error) {
	env, err := protoutil.UnmarshalEnvelope(envBytes)
	if err != nil {
		return nil, err
	}
	payload, err := protoutil.UnmarshalPayload(env.Payload)
	if err != nil {
		return nil, err
	}
	if payload.Header == nil {
		return nil, errors.New("payload header is missing")
	}
	chdr, err := protoutil.UnmarshalChannelHeader(payload.Header.ChannelHeader)
	if err != nil {
		return nil, err
	}
	shdr, err := protoutil.UnmarshalSignatureHeader(payload.Header.SignatureHeader)
	if err != nil {
		return nil, err
	}
	creator, err := protoutil.UnmarshalSerializedIdentity(shdr.Creator)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		block:           block,
		index:           index,
		envelope:        env,
		payload:         payload,
		channelHeader:   chdr,
		signatureHeader: shdr,
		creator:         creator,
		id:              chdr.TxId,
	}

	switch cb.HeaderType(chdr.Type) {
	case cb.HeaderType_CONFIG:
		if tx.id == "" {
			tx.id = fmt.Sprintf("config.%d", block.Number())
		}
		if tx.configEnvelope, err = protoutil.UnmarshalConfigEnvelope(payload.Data); err != nil {
			return nil, err
		}
	case cb.HeaderType_ENDORSER_TRANSACTION:
		ptx, err := protoutil.UnmarshalTransaction(payload.Data)
		if err != nil {
			return nil, err
		}
		for i, ta := range ptx.Actions {
			action, err := newAction(tx, i, ta)
			if err != nil {
				return nil, errors.WithMessagef(err, "action %d", i)
			}
			tx.actions = append(tx.actions, action)
		}
	}

	return tx, nil
}

// DecodeFailure returns why an envelope committed as invalid could not be
// decoded, or nil for a decoded transaction.
func (t *Transaction) DecodeFailure() error {
	return t.decodeFailure
}

// Block returns the block this transaction belongs to.
func (t *Transaction) Block() *Block {
	return t.block
}

// Index is the position of the transaction inside its block.
func (t *Transaction) Index() int {
	return t.index
}

// ID returns the transaction ID, synthesized as config.<blockNumber> for
// configuration transactions that lack one.
func (t *Transaction) ID() string {
	return t.id
}

// Type returns the header type of the envelope.
func (t *Transaction) Type() cb.HeaderType {
	return cb.HeaderType(t.channelHeader.Type)
}

// ChannelID returns the channel named by the channel header.
func (t *Transaction) ChannelID() string {
	return t.channelHeader.ChannelId
}

// ChannelHeader returns the decoded channel header.
func (t *Transaction) ChannelHeader() *cb.ChannelHeader {
	return t.channelHeader
}

// SignatureHeader returns the decoded envelope signature header.
func (t *Transaction) SignatureHeader() *cb.SignatureHeader {
	return t.signatureHeader
}

// Creator returns the identity that signed the envelope.
func (t *Transaction) Creator() *msp.SerializedIdentity {
	return t.creator
}

// PayloadBytes are the bytes covered by the envelope signature.
func (t *Transaction) PayloadBytes() []byte {
	return t.envelope.Payload
}

// Signature is the envelope signature.
func (t *Transaction) Signature() []byte {
	return t.envelope.Signature
}

// ValidationCode is the code committed in the block's transaction filter.
func (t *Transaction) ValidationCode() peer.TxValidationCode {
	return t.block.validationCode(t.index)
}

// IsValid reports whether the committing peer marked the transaction valid.
func (t *Transaction) IsValid() bool {
	return t.ValidationCode() == peer.TxValidationCode_VALID
}

// IsLedgerTransaction reports whether the transaction type is one that
// carries configuration or state.
func (t *Transaction) IsLedgerTransaction() bool {
	switch t.Type() {
	case cb.HeaderType_CONFIG, cb.HeaderType_CONFIG_UPDATE, cb.HeaderType_ENDORSER_TRANSACTION:
		return true
	default:
		return false
	}
}

// Actions returns the chaincode actions of an endorser transaction.
func (t *Transaction) Actions() []*Action {
	return t.actions
}

// ConfigEnvelope returns the configuration of a CONFIG transaction, or nil.
func (t *Transaction) ConfigEnvelope() *cb.ConfigEnvelope {
	return t.configEnvelope
}

func (t *Transaction) replayable() bool {
	return t.IsValid() && t.Type() == cb.HeaderType_ENDORSER_TRANSACTION
}

// ReadSet flattens the public reads of all actions. Keys are namespaced as
// namespace || 0x00 || key.
func (t *Transaction) ReadSet() []*kvstate.KeyValuePairRead {
	if !t.replayable() {
		return nil
	}
	var reads []*kvstate.KeyValuePairRead
	for _, action := range t.actions {
		for _, ns := range action.RWSets() {
			for _, r := range ns.KVRWSet.GetReads() {
				var version []byte
				if r.Version != nil {
					version = NewHeight(r.Version.BlockNum, r.Version.TxNum).ToBytes()
				}
				reads = append(reads, &kvstate.KeyValuePairRead{
					Key:     ns.Namespace + NamespaceSeparator + r.Key,
					Version: version,
				})
			}
		}
	}
	return reads
}

// WriteSet flattens the public writes of all actions. Every write is
// versioned with the height of this transaction.
func (t *Transaction) WriteSet() []*kvstate.KeyValuePairWrite {
	if !t.replayable() {
		return nil
	}
	version := NewHeight(t.block.Number(), uint64(t.index)).ToBytes()
	var writes []*kvstate.KeyValuePairWrite
	for _, action := range t.actions {
		for _, ns := range action.RWSets() {
			for _, w := range ns.KVRWSet.GetWrites() {
				kv := &kvstate.KeyValuePairWrite{
					Key:      ns.Namespace + NamespaceSeparator + w.Key,
					Version:  version,
					IsDelete: w.IsDelete,
				}
				if !w.IsDelete {
					kv.Value = w.Value
				}
				writes = append(writes, kv)
			}
		}
	}
	return writes
}
