/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package blockfile reads the block files a peer keeps for a channel under
// <fileSystemPath>/ledgersData/chains/chains/<channel>.
package blockfile

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/hyperledger/fabric-ledgeraudit/internal/fileutil"
	"github.com/hyperledger/fabric-ledgeraudit/internal/provider"
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
)

var logger = flogging.MustGetLogger("blocksource.blockfile")

// ChainsDir returns the directory holding one subdirectory per channel.
func ChainsDir(fileSystemPath string) string {
	return filepath.Join(fileSystemPath, "ledgersData", "chains", "chains")
}

// LedgerDir returns the block file directory of a channel.
func LedgerDir(fileSystemPath, channel string) string {
	return filepath.Join(ChainsDir(fileSystemPath), channel)
}

// Source serves the blocks of one channel from its block files. The files
// are scanned once, on first use, to locate every block and transaction.
// Blocks appended by the peer after the scan are not seen.
type Source struct {
	rootDir string

	once       sync.Once
	scanErr    error
	placements []placement
	hashes     [][]byte
	txIndex    map[string]uint64
}

// Open returns a Source over the block files in rootDir.
func Open(rootDir string) (*Source, error) {
	exists, err := fileutil.DirExists(rootDir)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Errorf("ledger directory %s does not exist", rootDir)
	}
	return &Source{rootDir: rootDir}, nil
}

func (s *Source) scan() error {
	s.once.Do(func() {
		s.scanErr = s.scanFiles()
	})
	return s.scanErr
}

func (s *Source) scanFiles() error {
	s.txIndex = map[string]uint64{}
	for fileNum := 0; ; fileNum++ {
		exists, _, err := fileutil.FileExists(deriveBlockfilePath(s.rootDir, fileNum))
		if err != nil {
			return err
		}
		if !exists {
			break
		}
		if err := s.scanFile(fileNum); err != nil {
			return err
		}
	}
	logger.Infof("Scanned %d blocks and %d transactions in %s", len(s.placements), len(s.txIndex), s.rootDir)
	return nil
}

func (s *Source) scanFile(fileNum int) error {
	stream, err := newBlockfileStream(s.rootDir, fileNum, 0)
	if err != nil {
		return err
	}
	defer stream.close()

	for {
		blockBytes, p, err := stream.nextBlockBytes()
		if err == ErrUnexpectedEndOfBlockfile {
			logger.Warnf("Ignoring partially written block at the end of file number [%d]", fileNum)
			return nil
		}
		if err != nil {
			return err
		}
		if blockBytes == nil {
			return nil
		}
		block, err := deserializeBlock(blockBytes)
		if err != nil {
			return errors.WithMessagef(err, "error deserializing block at %s", p)
		}
		expected := uint64(len(s.placements))
		if block.Header.Number != expected {
			return errors.Errorf("found block [%d] at %s, expected block [%d]", block.Header.Number, p, expected)
		}
		s.placements = append(s.placements, *p)
		s.hashes = append(s.hashes, protoutil.BlockHeaderHash(block.Header))
		for _, id := range transactionIDs(block) {
			if _, ok := s.txIndex[id]; !ok && id != "" {
				s.txIndex[id] = block.Header.Number
			}
		}
	}
}

func (s *Source) GetBlock(ctx context.Context, number uint64) ([]byte, error) {
	if err := s.scan(); err != nil {
		return nil, err
	}
	if number >= uint64(len(s.placements)) {
		return nil, errors.WithMessagef(provider.ErrBlockNotFound, "block [%d]", number)
	}
	serialized, err := readAt(s.rootDir, s.placements[number])
	if err != nil {
		return nil, err
	}
	block, err := deserializeBlock(serialized)
	if err != nil {
		return nil, errors.WithMessagef(err, "error deserializing block [%d]", number)
	}
	return protoutil.Marshal(block)
}

func (s *Source) GetBlockRange(ctx context.Context, start, end uint64) ([][]byte, error) {
	var blocks [][]byte
	for n := start; n < end; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := s.GetBlock(ctx, n)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, raw)
	}
	return blocks, nil
}

func (s *Source) GetBlockHash(_ context.Context, number uint64) ([]byte, error) {
	if err := s.scan(); err != nil {
		return nil, err
	}
	if number >= uint64(len(s.hashes)) {
		return nil, errors.WithMessagef(provider.ErrBlockNotFound, "block [%d]", number)
	}
	return s.hashes[number], nil
}

func (s *Source) GetBlockHeight(context.Context) (uint64, error) {
	if err := s.scan(); err != nil {
		return 0, err
	}
	return uint64(len(s.placements)), nil
}

func (s *Source) FindBlockByTransaction(_ context.Context, txID string) (uint64, error) {
	if err := s.scan(); err != nil {
		return 0, err
	}
	number, ok := s.txIndex[txID]
	if !ok {
		return 0, errors.WithMessagef(provider.ErrTransactionNotFound, "txID [%s]", txID)
	}
	return number, nil
}
