/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package kvstate

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
)

var logger = flogging.MustGetLogger("kvstate")

var (
	// ErrNotYetFed is returned for blocks the manager has not replayed yet.
	ErrNotYetFed = errors.New("block not yet fed")
	// ErrNotFound is returned for blocks before the manager's start and for
	// unknown transactions.
	ErrNotFound = errors.New("not found")
)

// ReadConflictError reports a read-set entry whose version differs from the
// version visible in the state being built. The block that raised it is not
// applied.
type ReadConflictError struct {
	BlockNumber    uint64
	TxID           string
	Key            string
	ReadVersion    []byte
	VisibleVersion []byte
}

func (e *ReadConflictError) Error() string {
	return fmt.Sprintf("read conflict in block [%d] transaction [%s] on key [%q]: read version %x, visible version %x",
		e.BlockNumber, e.TxID, e.Key, e.ReadVersion, e.VisibleVersion)
}

// TransactionView records what a transaction read, what it wrote and the
// state of the block it was applied in.
type TransactionView struct {
	Input       []*KeyValuePairRead
	Output      []*KeyValuePairWrite
	State       *State
	Transaction Transaction
}

// Manager replays write sets block by block into immutable snapshots. It
// accepts blocks in strict ascending order and is not safe for concurrent
// feeds.
type Manager struct {
	next         uint64
	current      *State
	states       map[uint64]*State
	history      map[string][]*KeyValuePairWrite
	transactions map[string]*TransactionView
}

// NewManager returns a manager that expects block 0 first.
func NewManager() *Manager {
	return &Manager{
		current:      &State{values: map[string]*KeyValue{}},
		states:       map[uint64]*State{},
		history:      map[string][]*KeyValuePairWrite{},
		transactions: map[string]*TransactionView{},
	}
}

// NewManagerFromCheckpoint seeds a manager with the state committed as of
// lastBlockNumber. The next block it accepts is lastBlockNumber+1 and states
// before lastBlockNumber are not available.
func NewManagerFromCheckpoint(lastBlockNumber uint64, initial []*KeyValuePairWrite) *Manager {
	m := NewManager()
	state := &State{manager: m, blockNumber: lastBlockNumber, values: map[string]*KeyValue{}}
	for _, w := range initial {
		m.history[w.Key] = append(m.history[w.Key], w)
		if w.IsDelete {
			delete(state.values, w.Key)
			continue
		}
		state.values[w.Key] = &KeyValue{manager: m, write: w, index: len(m.history[w.Key]) - 1}
	}
	m.states[lastBlockNumber] = state
	m.current = state
	m.next = lastBlockNumber + 1
	logger.Infof("State seeded with %d keys at block [%d]", len(state.values), lastBlockNumber)
	return m
}

// Next returns the number of the block the manager expects to be fed.
func (m *Manager) Next() uint64 {
	return m.next
}

// FeedBlock applies the write sets of block. It returns false without
// touching the state when the block is not the next expected one. A read
// conflict aborts the whole block and returns a *ReadConflictError.
func (m *Manager) FeedBlock(block Block) (bool, error) {
	number := block.Number()
	if number != m.next {
		logger.Warnf("Rejecting block [%d], expecting block [%d]", number, m.next)
		return false, nil
	}

	state := &State{manager: m, blockNumber: number, values: make(map[string]*KeyValue, len(m.current.values))}
	for k, v := range m.current.values {
		state.values[k] = v
	}
	pending := map[string][]*KeyValuePairWrite{}
	var views []*TransactionView

	for _, tx := range block.KeyValueTransactions() {
		reads := tx.ReadSet()
		for _, r := range reads {
			var visible []byte
			if kv, ok := state.values[r.Key]; ok {
				visible = kv.write.Version
			}
			if !bytes.Equal(r.Version, visible) {
				err := &ReadConflictError{
					BlockNumber:    number,
					TxID:           tx.ID(),
					Key:            r.Key,
					ReadVersion:    r.Version,
					VisibleVersion: visible,
				}
				logger.Errorf("Aborting replay of block [%d]: %s", number, err)
				return false, err
			}
		}

		writes := tx.WriteSet()
		for _, w := range writes {
			pending[w.Key] = append(pending[w.Key], w)
			if w.IsDelete {
				delete(state.values, w.Key)
				continue
			}
			state.values[w.Key] = &KeyValue{
				manager: m,
				write:   w,
				index:   len(m.history[w.Key]) + len(pending[w.Key]) - 1,
			}
		}
		views = append(views, &TransactionView{Input: reads, Output: writes, State: state, Transaction: tx})
	}

	for k, ws := range pending {
		m.history[k] = append(m.history[k], ws...)
	}
	for _, v := range views {
		id := v.Transaction.ID()
		if _, exists := m.transactions[id]; !exists {
			m.transactions[id] = v
		}
	}
	m.states[number] = state
	m.current = state
	m.next = number + 1
	logger.Debugf("Replayed block [%d]: %d transactions, %d keys written", number, len(views), len(pending))
	return true, nil
}

// GetState returns the snapshot as of blockNumber.
func (m *Manager) GetState(blockNumber uint64) (*State, error) {
	if blockNumber >= m.next {
		return nil, errors.WithMessagef(ErrNotYetFed, "block [%d], next block is [%d]", blockNumber, m.next)
	}
	state, ok := m.states[blockNumber]
	if !ok {
		return nil, errors.WithMessagef(ErrNotFound, "state of block [%d]", blockNumber)
	}
	return state, nil
}

// LatestState returns the snapshot of the last fed block, or nil when nothing
// has been fed or seeded.
func (m *Manager) LatestState() *State {
	if m.next == 0 {
		return nil
	}
	return m.states[m.next-1]
}

// GetTransaction returns the replay view of a transaction.
func (m *Manager) GetTransaction(id string) (*TransactionView, error) {
	view, ok := m.transactions[id]
	if !ok {
		return nil, errors.WithMessagef(ErrNotFound, "transaction [%s]", id)
	}
	return view, nil
}

// State is an immutable key to value mapping as of one block.
type State struct {
	manager     *Manager
	blockNumber uint64
	values      map[string]*KeyValue
}

// BlockNumber returns the block this snapshot was taken after.
func (s *State) BlockNumber() uint64 {
	return s.blockNumber
}

// GetValue returns the live value of key, or nil.
func (s *State) GetValue(key string) *KeyValue {
	return s.values[key]
}

// GetKeys returns the live keys in ascending order.
func (s *State) GetKeys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Writes exports the snapshot as write pairs ordered by key.
func (s *State) Writes() []*KeyValuePairWrite {
	writes := make([]*KeyValuePairWrite, 0, len(s.values))
	for _, k := range s.GetKeys() {
		writes = append(writes, s.values[k].write)
	}
	return writes
}

// KeyValue is one live value of a snapshot.
type KeyValue struct {
	manager *Manager
	write   *KeyValuePairWrite
	index   int
}

func (kv *KeyValue) Key() string {
	return kv.write.Key
}

func (kv *KeyValue) Value() []byte {
	return kv.write.Value
}

func (kv *KeyValue) Version() []byte {
	return kv.write.Version
}

// History returns the writes of the key up to and including this one, oldest
// first. It starts at the most recent delete before this value, if any, since
// anything older belongs to a previous life of the key.
func (kv *KeyValue) History() []*KeyValuePairWrite {
	log := kv.manager.history[kv.write.Key]
	start := 0
	for i := kv.index; i >= 0; i-- {
		if log[i].IsDelete {
			start = i
			break
		}
	}
	h := make([]*KeyValuePairWrite, kv.index-start+1)
	copy(h, log[start:kv.index+1])
	return h
}
