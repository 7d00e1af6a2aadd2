/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package kvstate

// KeyValuePairRead is a read-set entry: the version of Key the transaction
// observed. A nil Version means the key did not exist.
type KeyValuePairRead struct {
	Key     string `json:"key"`
	Version []byte `json:"version"`
}

// KeyValuePairWrite is a write-set entry. Deletes carry no value.
type KeyValuePairWrite struct {
	Key      string `json:"key"`
	Value    []byte `json:"value,omitempty"`
	Version  []byte `json:"version"`
	IsDelete bool   `json:"isDelete,omitempty"`
}

// Transaction is the replay view of a committed transaction.
type Transaction interface {
	ID() string
	ReadSet() []*KeyValuePairRead
	WriteSet() []*KeyValuePairWrite
}

// Block is the replay view of a committed block.
type Block interface {
	Number() uint64
	KeyValueTransactions() []Transaction
}
