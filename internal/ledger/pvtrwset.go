/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ledger

import (
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	"github.com/hyperledger/fabric-protos-go/ledger/rwset"
	"github.com/hyperledger/fabric-protos-go/ledger/rwset/kvrwset"
	"github.com/pkg/errors"
)

var (
	pvtDataKeyPrefix = []byte{2}
	nilByte          = byte(0)
)

// PrivateDataStore is a read-only view over a peer's private data store.
// Get returns nil, nil when the key is absent.
type PrivateDataStore interface {
	Get(key []byte) ([]byte, error)
}

// PrivateRWSet is the hashed read/write set of one collection as committed
// on the ledger.
type PrivateRWSet struct {
	action         *Action
	Namespace      string
	CollectionName string
	HashedRWSet    *kvrwset.HashedRWSet
	PvtRWSetHash   []byte
}

// Action returns the action that declared the collection.
func (p *PrivateRWSet) Action() *Action {
	return p.action
}

// Key builds the private data store key of this collection for the given
// channel.
func (p *PrivateRWSet) Key(channel string) []byte {
	tx := p.action.Transaction()
	return PrivateRWSetKey(tx.Block().Number(), uint64(tx.Index()), channel, p.Namespace, p.CollectionName)
}

// Fetch reads the private payload paired with this hashed rw set. It returns
// nil, nil when the store does not hold it.
func (p *PrivateRWSet) Fetch(store PrivateDataStore) (*rwset.CollectionPvtReadWriteSet, error) {
	tx := p.action.Transaction()
	raw, err := store.Get(p.Key(tx.ChannelID()))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read private data for %s/%s in transaction %s", p.Namespace, p.CollectionName, tx.ID())
	}
	if raw == nil {
		return nil, nil
	}
	return protoutil.UnmarshalCollectionPvtReadWriteSet(raw)
}

// PrivateRWSetKey builds the key under which a peer stores the private write
// set of a collection: channel || 0x00 || 0x02 || height(blockNum, txNum) ||
// namespace || 0x00 || collection. The height encoding is order preserving so
// that keys sort by block then transaction.
func PrivateRWSetKey(blockNum, txNum uint64, channel, namespace, collection string) []byte {
	key := append([]byte(channel), nilByte)
	key = append(key, pvtDataKeyPrefix...)
	key = append(key, NewHeight(blockNum, txNum).ToBytes()...)
	key = append(key, []byte(namespace)...)
	key = append(key, nilByte)
	return append(key, []byte(collection)...)
}
