/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ledger

import (
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/ledger/rwset/kvrwset"
	"github.com/hyperledger/fabric-protos-go/msp"
	"github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

// ChaincodeInvocation describes the chaincode call an action endorses.
type ChaincodeInvocation struct {
	ChaincodeName string
	Function      string
	Args          [][]byte
}

// NsRWSet is the public read/write set of one namespace along with the
// hashed private read/write sets of its collections.
type NsRWSet struct {
	Namespace   string
	KVRWSet     *kvrwset.KVRWSet
	Collections []*PrivateRWSet
}

// Action is one chaincode action of an endorser transaction.
type Action struct {
	tx                      *Transaction
	index                   int
	signatureHeader         *cb.SignatureHeader
	creator                 *msp.SerializedIdentity
	invocation              *ChaincodeInvocation
	endorsements            []*peer.Endorsement
	proposalResponsePayload []byte
	chaincodeAction         *peer.ChaincodeAction
	rwsets                  []*NsRWSet
}

func newAction(tx *Transaction, index int, ta *peer.TransactionAction) (*Action, error) {
	shdr, err := protoutil.UnmarshalSignatureHeader(ta.Header)
	if err != nil {
		return nil, err
	}
	creator, err := protoutil.UnmarshalSerializedIdentity(shdr.Creator)
	if err != nil {
		return nil, err
	}
	cap, err := protoutil.UnmarshalChaincodeActionPayload(ta.Payload)
	if err != nil {
		return nil, err
	}
	if cap.Action == nil {
		return nil, errors.New("chaincode endorsed action is missing")
	}

	invocation, err := decodeInvocation(cap.ChaincodeProposalPayload)
	if err != nil {
		return nil, err
	}

	prp, err := protoutil.UnmarshalProposalResponsePayload(cap.Action.ProposalResponsePayload)
	if err != nil {
		return nil, err
	}
	ccAction, err := protoutil.UnmarshalChaincodeAction(prp.Extension)
	if err != nil {
		return nil, err
	}

	a := &Action{
		tx:                      tx,
		index:                   index,
		signatureHeader:         shdr,
		creator:                 creator,
		invocation:              invocation,
		endorsements:            cap.Action.Endorsements,
		proposalResponsePayload: cap.Action.ProposalResponsePayload,
		chaincodeAction:         ccAction,
	}
	if a.rwsets, err = a.decodeRWSets(ccAction.Results); err != nil {
		return nil, err
	}
	return a, nil
}

func decodeInvocation(cppBytes []byte) (*ChaincodeInvocation, error) {
	cpp, err := protoutil.UnmarshalChaincodeProposalPayload(cppBytes)
	if err != nil {
		return nil, err
	}
	cis, err := protoutil.UnmarshalChaincodeInvocationSpec(cpp.Input)
	if err != nil {
		return nil, err
	}
	inv := &ChaincodeInvocation{}
	spec := cis.GetChaincodeSpec()
	inv.ChaincodeName = spec.GetChaincodeId().GetName()
	args := spec.GetInput().GetArgs()
	if len(args) > 0 {
		inv.Function = string(args[0])
		inv.Args = args[1:]
	}
	return inv, nil
}

func (a *Action) decodeRWSets(results []byte) ([]*NsRWSet, error) {
	if len(results) == 0 {
		return nil, nil
	}
	txRWSet, err := protoutil.UnmarshalTxReadWriteSet(results)
	if err != nil {
		return nil, err
	}
	var sets []*NsRWSet
	for _, ns := range txRWSet.NsRwset {
		kv, err := protoutil.UnmarshalKVRWSet(ns.Rwset)
		if err != nil {
			return nil, errors.WithMessagef(err, "namespace %s", ns.Namespace)
		}
		nsSet := &NsRWSet{Namespace: ns.Namespace, KVRWSet: kv}
		for _, coll := range ns.CollectionHashedRwset {
			hashed, err := protoutil.UnmarshalHashedRWSet(coll.HashedRwset)
			if err != nil {
				return nil, errors.WithMessagef(err, "collection %s/%s", ns.Namespace, coll.CollectionName)
			}
			nsSet.Collections = append(nsSet.Collections, &PrivateRWSet{
				action:         a,
				Namespace:      ns.Namespace,
				CollectionName: coll.CollectionName,
				HashedRWSet:    hashed,
				PvtRWSetHash:   coll.PvtRwsetHash,
			})
		}
		sets = append(sets, nsSet)
	}
	return sets, nil
}

// Transaction returns the owning transaction.
func (a *Action) Transaction() *Transaction {
	return a.tx
}

// Index is the position of the action inside the transaction.
func (a *Action) Index() int {
	return a.index
}

// SignatureHeader is the proposal's signature header.
func (a *Action) SignatureHeader() *cb.SignatureHeader {
	return a.signatureHeader
}

// Creator is the identity that submitted the proposal.
func (a *Action) Creator() *msp.SerializedIdentity {
	return a.creator
}

// Invocation returns the chaincode call.
func (a *Action) Invocation() *ChaincodeInvocation {
	return a.invocation
}

// Endorsements returns the endorsements collected for the proposal response.
func (a *Action) Endorsements() []*peer.Endorsement {
	return a.endorsements
}

// ProposalResponsePayload returns the bytes endorsers signed.
func (a *Action) ProposalResponsePayload() []byte {
	return a.proposalResponsePayload
}

// ChaincodeAction returns the decoded proposal response extension.
func (a *Action) ChaincodeAction() *peer.ChaincodeAction {
	return a.chaincodeAction
}

// RWSets returns the per-namespace read/write sets.
func (a *Action) RWSets() []*NsRWSet {
	return a.rwsets
}

// PrivateRWSets returns every hashed collection rw set of the action.
func (a *Action) PrivateRWSets() []*PrivateRWSet {
	var colls []*PrivateRWSet
	for _, ns := range a.rwsets {
		colls = append(colls, ns.Collections...)
	}
	return colls
}
