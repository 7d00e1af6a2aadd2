/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package checkpoint persists the progress of an audit so that a later run
// resumes after the last replayed block instead of starting from genesis.
package checkpoint

import (
	"encoding/json"
	"os"

	"github.com/hyperledger/fabric-ledgeraudit/internal/fileutil"
	"github.com/hyperledger/fabric-ledgeraudit/internal/kvstate"
	"github.com/hyperledger/fabric-ledgeraudit/internal/ledger"
	"github.com/hyperledger/fabric-ledgeraudit/internal/membership"
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
)

var logger = flogging.MustGetLogger("checkpoint")

// Checkpoint is the persisted state of an audit as of LastBlockNumber.
// LastConfigBlocks holds the serialized config blocks whose membership the
// remaining blocks may still reference.
type Checkpoint struct {
	Channel          string                       `json:"channel"`
	LastBlockNumber  uint64                       `json:"lastBlockNumber"`
	LastConfigBlocks [][]byte                     `json:"lastConfigBlocks"`
	KeyValueState    []*kvstate.KeyValuePairWrite `json:"keyValueState"`
}

// New captures the latest state of manager together with the given config
// blocks. It returns nil when the manager has not replayed any block.
func New(channel string, manager *kvstate.Manager, configBlocks ...*ledger.Block) (*Checkpoint, error) {
	state := manager.LatestState()
	if state == nil {
		return nil, nil
	}
	cp := &Checkpoint{
		Channel:         channel,
		LastBlockNumber: state.BlockNumber(),
		KeyValueState:   state.Writes(),
	}
	for _, b := range configBlocks {
		raw, err := protoutil.Marshal(b.Proto())
		if err != nil {
			return nil, errors.WithMessagef(err, "error marshaling config block [%d]", b.Number())
		}
		cp.LastConfigBlocks = append(cp.LastConfigBlocks, raw)
	}
	return cp, nil
}

// Save writes the checkpoint to path, replacing any previous one.
func Save(path string, cp *Checkpoint) error {
	content, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return errors.Wrap(err, "error marshaling checkpoint")
	}
	if err := fileutil.WriteFileAtomically(path, content, 0o644); err != nil {
		return errors.WithMessagef(err, "error writing checkpoint to %s", path)
	}
	logger.Infof("Saved checkpoint at block [%d] with %d keys to %s", cp.LastBlockNumber, len(cp.KeyValueState), path)
	return nil
}

// Load reads the checkpoint at path. It returns nil, nil when there is none.
func Load(path string) (*Checkpoint, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading checkpoint %s", path)
	}
	cp := &Checkpoint{}
	if err := json.Unmarshal(content, cp); err != nil {
		return nil, errors.Wrapf(err, "error unmarshaling checkpoint %s", path)
	}
	return cp, nil
}

// Restore seeds resolver with the checkpointed config blocks and returns a
// state manager that expects block LastBlockNumber+1.
func (cp *Checkpoint) Restore(channel string, resolver *membership.Resolver) (*kvstate.Manager, error) {
	if cp.Channel != "" && cp.Channel != channel {
		return nil, errors.Errorf("checkpoint belongs to channel %s, not %s", cp.Channel, channel)
	}
	for i, raw := range cp.LastConfigBlocks {
		block, err := ledger.DecodeBlock(raw)
		if err != nil {
			return nil, errors.WithMessagef(err, "error decoding checkpointed config block %d", i)
		}
		if err := resolver.Seed(block); err != nil {
			return nil, err
		}
	}
	return kvstate.NewManagerFromCheckpoint(cp.LastBlockNumber, cp.KeyValueState), nil
}
