/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package memory holds a BlockSource over blocks kept in memory. It serves
// tests and ledgers that were fetched up front.
package memory

import (
	"context"
	"sync"

	"github.com/hyperledger/fabric-ledgeraudit/internal/provider"
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/pkg/errors"
)

// Source stores serialized blocks by number. Blocks may be missing, in which
// case the height is still one past the highest stored block.
type Source struct {
	mutex  sync.RWMutex
	blocks map[uint64][]byte
	hashes map[uint64][]byte
	height uint64
}

func NewSource(blocks ...*cb.Block) *Source {
	s := &Source{
		blocks: map[uint64][]byte{},
		hashes: map[uint64][]byte{},
	}
	for _, b := range blocks {
		s.Put(b)
	}
	return s
}

// Put stores a block, replacing any block with the same number.
func (s *Source) Put(block *cb.Block) {
	s.PutRaw(block.Header.Number, protoutil.MarshalOrPanic(block), protoutil.BlockHeaderHash(block.Header))
}

// PutRaw stores the given bytes as block number with the given header hash.
func (s *Source) PutRaw(number uint64, raw, hash []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.blocks[number] = raw
	s.hashes[number] = hash
	if number >= s.height {
		s.height = number + 1
	}
}

// Delete removes a block without lowering the height.
func (s *Source) Delete(number uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.blocks, number)
	delete(s.hashes, number)
}

func (s *Source) GetBlock(_ context.Context, number uint64) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	raw, ok := s.blocks[number]
	if !ok {
		return nil, errors.WithMessagef(provider.ErrBlockNotFound, "block [%d]", number)
	}
	return raw, nil
}

func (s *Source) GetBlockRange(ctx context.Context, start, end uint64) ([][]byte, error) {
	var blocks [][]byte
	for n := start; n < end; n++ {
		raw, err := s.GetBlock(ctx, n)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, raw)
	}
	return blocks, nil
}

func (s *Source) GetBlockHash(_ context.Context, number uint64) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	hash, ok := s.hashes[number]
	if !ok {
		return nil, errors.WithMessagef(provider.ErrBlockNotFound, "block [%d]", number)
	}
	return hash, nil
}

func (s *Source) GetBlockHeight(context.Context) (uint64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.height, nil
}

func (s *Source) FindBlockByTransaction(context.Context, string) (uint64, error) {
	return 0, provider.ErrNotImplemented
}
