/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package testutil

import (
	"crypto/sha256"
	"fmt"
	"sync/atomic"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-config/configtx"
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/ledger/rwset"
	"github.com/hyperledger/fabric-protos-go/ledger/rwset/kvrwset"
	"github.com/hyperledger/fabric-protos-go/peer"
)

var nonceCounter uint64

func nextNonce() []byte {
	return []byte(fmt.Sprintf("nonce-%d", atomic.AddUint64(&nonceCounter, 1)))
}

func hash(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// PrivateCollection builds the private write set of a collection.
func PrivateCollection(collection string, writes ...*kvrwset.KVWrite) *rwset.CollectionPvtReadWriteSet {
	return &rwset.CollectionPvtReadWriteSet{
		CollectionName: collection,
		Rwset:          protoutil.MarshalOrPanic(&kvrwset.KVRWSet{Writes: writes}),
	}
}

// NsRWSet builds the rw set of a namespace. Every private collection is
// committed as its hashed counterpart.
func NsRWSet(namespace string, public *kvrwset.KVRWSet, private ...*rwset.CollectionPvtReadWriteSet) *rwset.NsReadWriteSet {
	if public == nil {
		public = &kvrwset.KVRWSet{}
	}
	ns := &rwset.NsReadWriteSet{
		Namespace: namespace,
		Rwset:     protoutil.MarshalOrPanic(public),
	}
	for _, coll := range private {
		kv := &kvrwset.KVRWSet{}
		if err := proto.Unmarshal(coll.Rwset, kv); err != nil {
			panic(err)
		}
		hashed := &kvrwset.HashedRWSet{}
		for _, w := range kv.Writes {
			hw := &kvrwset.KVWriteHash{KeyHash: hash([]byte(w.Key)), IsDelete: w.IsDelete}
			if !w.IsDelete {
				hw.ValueHash = hash(w.Value)
			}
			hashed.HashedWrites = append(hashed.HashedWrites, hw)
		}
		ns.CollectionHashedRwset = append(ns.CollectionHashedRwset, &rwset.CollectionHashedReadWriteSet{
			CollectionName: coll.CollectionName,
			HashedRwset:    protoutil.MarshalOrPanic(hashed),
			PvtRwsetHash:   hash(coll.Rwset),
		})
	}
	return ns
}

// EndorserTx is the input of an endorser transaction envelope.
type EndorserTx struct {
	Channel   string
	Chaincode string
	Args      []string
	Creator   *Identity
	Endorsers []*Identity
	RWSets    []*rwset.NsReadWriteSet
}

// Envelope builds a signed ENDORSER_TRANSACTION envelope and returns it with
// its transaction ID.
func (e *EndorserTx) Envelope() ([]byte, string) {
	creator := e.Creator.Serialize()
	nonce := nextNonce()
	txID := protoutil.ComputeTxID(nonce, creator)

	chdr := protoutil.MakeChannelHeader(cb.HeaderType_ENDORSER_TRANSACTION, 0, e.Channel, 0)
	chdr.TxId = txID
	shdr := protoutil.MakeSignatureHeader(creator, nonce)

	var args [][]byte
	for _, a := range e.Args {
		args = append(args, []byte(a))
	}
	ccid := &peer.ChaincodeID{Name: e.Chaincode}
	cis := &peer.ChaincodeInvocationSpec{
		ChaincodeSpec: &peer.ChaincodeSpec{ChaincodeId: ccid, Input: &peer.ChaincodeInput{Args: args}},
	}
	cpp := &peer.ChaincodeProposalPayload{Input: protoutil.MarshalOrPanic(cis)}

	results := protoutil.MarshalOrPanic(&rwset.TxReadWriteSet{DataModel: rwset.TxReadWriteSet_KV, NsRwset: e.RWSets})
	prpBytes, err := protoutil.GetBytesProposalResponsePayload(hash([]byte(txID)), &peer.Response{Status: 200}, results, nil, ccid)
	if err != nil {
		panic(err)
	}

	var endorsements []*peer.Endorsement
	for _, endorser := range e.Endorsers {
		endorserBytes := endorser.Serialize()
		endorsements = append(endorsements, &peer.Endorsement{
			Endorser:  endorserBytes,
			Signature: endorser.Sign(append(append([]byte{}, prpBytes...), endorserBytes...)),
		})
	}

	cap := &peer.ChaincodeActionPayload{
		ChaincodeProposalPayload: protoutil.MarshalOrPanic(cpp),
		Action: &peer.ChaincodeEndorsedAction{
			ProposalResponsePayload: prpBytes,
			Endorsements:            endorsements,
		},
	}
	tx := &peer.Transaction{Actions: []*peer.TransactionAction{{
		Header:  protoutil.MarshalOrPanic(shdr),
		Payload: protoutil.MarshalOrPanic(cap),
	}}}
	payload := protoutil.MarshalOrPanic(&cb.Payload{
		Header: protoutil.MakePayloadHeader(chdr, shdr),
		Data:   protoutil.MarshalOrPanic(tx),
	})
	return protoutil.MarshalOrPanic(&cb.Envelope{Payload: payload, Signature: e.Creator.Sign(payload)}), txID
}

// ConfigEnvelope builds a CONFIG envelope declaring the given organizations.
// Config transactions carry no transaction ID.
func ConfigEnvelope(channel string, applicationOrgs, ordererOrgs []*CA, signer *Identity) []byte {
	orgGroups := func(cas []*CA) map[string]*cb.ConfigGroup {
		groups := map[string]*cb.ConfigGroup{}
		for _, ca := range cas {
			groups[ca.MSPID] = &cb.ConfigGroup{
				Values: map[string]*cb.ConfigValue{
					configtx.MSPKey: {Value: protoutil.MarshalOrPanic(ca.MSPConfig()), ModPolicy: "Admins"},
				},
			}
		}
		return groups
	}
	config := &cb.Config{
		ChannelGroup: &cb.ConfigGroup{
			Groups: map[string]*cb.ConfigGroup{
				configtx.ApplicationGroupKey: {Groups: orgGroups(applicationOrgs)},
				configtx.OrdererGroupKey:     {Groups: orgGroups(ordererOrgs)},
			},
		},
	}

	creator := signer.Serialize()
	chdr := protoutil.MakeChannelHeader(cb.HeaderType_CONFIG, 0, channel, 0)
	shdr := protoutil.MakeSignatureHeader(creator, nextNonce())
	payload := protoutil.MarshalOrPanic(&cb.Payload{
		Header: protoutil.MakePayloadHeader(chdr, shdr),
		Data:   protoutil.MarshalOrPanic(&cb.ConfigEnvelope{Config: config}),
	})
	return protoutil.MarshalOrPanic(&cb.Envelope{Payload: payload, Signature: signer.Sign(payload)})
}

// Chain assembles a hash-linked chain of blocks signed by one orderer.
type Chain struct {
	Orderer    *Identity
	Blocks     []*cb.Block
	lastConfig uint64
}

func NewChain(orderer *Identity) *Chain {
	return &Chain{Orderer: orderer}
}

// Add cuts the next block over envs with every transaction marked valid.
func (c *Chain) Add(envs ...[]byte) *cb.Block {
	codes := make([]peer.TxValidationCode, len(envs))
	return c.AddWithCodes(codes, envs...)
}

// PointLastConfig makes the following blocks reference block index as their
// last config block, whether or not it holds a config transaction.
func (c *Chain) PointLastConfig(index uint64) {
	c.lastConfig = index
}

// AddWithCodes cuts the next block with the given validation codes.
func (c *Chain) AddWithCodes(codes []peer.TxValidationCode, envs ...[]byte) *cb.Block {
	number := uint64(len(c.Blocks))
	var prevHash []byte
	if number > 0 {
		prevHash = protoutil.BlockHeaderHash(c.Blocks[number-1].Header)
	}
	block := protoutil.NewBlock(number, prevHash)
	block.Data.Data = envs
	block.Header.DataHash = protoutil.BlockDataHash(block.Data)
	if len(envs) == 1 && protoutil.IsConfigBlock(block) {
		c.lastConfig = number
	}

	filter := make([]byte, len(codes))
	for i, code := range codes {
		filter[i] = byte(code)
	}
	block.Metadata.Metadata[cb.BlockMetadataIndex_TRANSACTIONS_FILTER] = filter

	obm := protoutil.MarshalOrPanic(&cb.OrdererBlockMetadata{LastConfig: &cb.LastConfig{Index: c.lastConfig}})
	block.Metadata.Metadata[cb.BlockMetadataIndex_SIGNATURES] = protoutil.MarshalOrPanic(c.metadata(block, obm))
	lc := protoutil.MarshalOrPanic(&cb.LastConfig{Index: c.lastConfig})
	block.Metadata.Metadata[cb.BlockMetadataIndex_LAST_CONFIG] = protoutil.MarshalOrPanic(c.metadata(block, lc))

	c.Blocks = append(c.Blocks, block)
	return block
}

func (c *Chain) metadata(block *cb.Block, value []byte) *cb.Metadata {
	shdr := protoutil.MarshalOrPanic(protoutil.MakeSignatureHeader(c.Orderer.Serialize(), nextNonce()))
	signed := append(append(append([]byte{}, value...), shdr...), protoutil.BlockHeaderBytes(block.Header)...)
	return &cb.Metadata{
		Value: value,
		Signatures: []*cb.MetadataSignature{{
			SignatureHeader: shdr,
			Signature:       c.Orderer.Sign(signed),
		}},
	}
}
