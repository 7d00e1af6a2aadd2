/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/hyperledger/fabric-ledgeraudit/internal/ledger"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/pkg/errors"
)

var logger = flogging.MustGetLogger("provider")

var (
	// ErrNotImplemented is returned by a BlockSource for an optional lookup it
	// cannot serve.
	ErrNotImplemented = errors.New("not implemented by block source")
	// ErrBlockNotFound is returned by a BlockSource for a block number at or
	// beyond its height.
	ErrBlockNotFound = errors.New("block not found")
	// ErrTransactionNotFound is returned when no block of the ledger holds
	// the requested transaction ID.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// SourceError reports that the BlockSource failed to serve a request. The
// ledger content cannot be trusted to be complete past it.
type SourceError struct {
	Op  string
	Err error
}

func (e *SourceError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

func (e *SourceError) Cause() error {
	return e.Err
}

// WrapSourceError annotates err with the failed operation. Lookups that
// legitimately find nothing, unsupported lookups and context errors keep
// their identity; everything else becomes a *SourceError.
func WrapSourceError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	switch errors.Cause(err) {
	case ErrBlockNotFound, ErrTransactionNotFound, ErrNotImplemented, context.Canceled, context.DeadlineExceeded:
		return errors.WithMessagef(err, format, args...)
	}
	return &SourceError{Op: fmt.Sprintf(format, args...), Err: err}
}

// BlockSource gives byte-level access to the blocks of one channel ledger.
// GetBlockRange returns the blocks in [start, end). GetBlockHash returns the
// header hash of a block.
type BlockSource interface {
	GetBlock(ctx context.Context, number uint64) ([]byte, error)
	GetBlockRange(ctx context.Context, start, end uint64) ([][]byte, error)
	GetBlockHash(ctx context.Context, number uint64) ([]byte, error)
	GetBlockHeight(ctx context.Context) (uint64, error)
	FindBlockByTransaction(ctx context.Context, txID string) (uint64, error)
}

// Provider decodes blocks from a BlockSource and caches them together with
// their transactions. Cached entries are never evicted or replaced.
type Provider struct {
	source BlockSource

	mutex        sync.Mutex
	cached       *bitset.BitSet
	blocks       map[uint64]*ledger.Block
	transactions map[string]*ledger.Transaction
	byType       map[cb.HeaderType][]*ledger.Transaction
}

func New(source BlockSource) *Provider {
	return &Provider{
		source:       source,
		cached:       bitset.New(0),
		blocks:       map[uint64]*ledger.Block{},
		transactions: map[string]*ledger.Transaction{},
		byType:       map[cb.HeaderType][]*ledger.Transaction{},
	}
}

// Source returns the underlying BlockSource.
func (p *Provider) Source() BlockSource {
	return p.source
}

// GetBlockHeight returns the number of blocks of the source ledger.
func (p *Provider) GetBlockHeight(ctx context.Context) (uint64, error) {
	height, err := p.source.GetBlockHeight(ctx)
	if err != nil {
		return 0, WrapSourceError(err, "failed to read ledger height")
	}
	return height, nil
}

// IsCached reports whether block number has been decoded already.
func (p *Provider) IsCached(number uint64) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.cached.Test(uint(number))
}

// CachedBlocks returns the number of decoded blocks held by the cache.
func (p *Provider) CachedBlocks() uint {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.cached.Count()
}

// GetBlock returns the decoded block, fetching it from the source on a miss.
func (p *Provider) GetBlock(ctx context.Context, number uint64) (*ledger.Block, error) {
	if b := p.lookup(number); b != nil {
		return b, nil
	}
	raw, err := p.source.GetBlock(ctx, number)
	if err != nil {
		return nil, WrapSourceError(err, "failed to fetch block [%d]", number)
	}
	block, err := ledger.DecodeBlock(raw)
	if err != nil {
		return nil, err
	}
	if block.Number() != number {
		return nil, &SourceError{Op: fmt.Sprintf("failed to fetch block [%d]", number), Err: errors.Errorf("block source returned block [%d]", block.Number())}
	}
	return p.store(block), nil
}

// CacheBlockRange fetches and decodes the blocks in [start, end) that are
// not cached yet with a single range request.
func (p *Provider) CacheBlockRange(ctx context.Context, start, end uint64) error {
	if start >= end {
		return nil
	}
	first, last := start, end
	p.mutex.Lock()
	for first < last && p.cached.Test(uint(first)) {
		first++
	}
	for last > first && p.cached.Test(uint(last-1)) {
		last--
	}
	p.mutex.Unlock()
	if first == last {
		return nil
	}

	logger.Debugf("Fetching blocks [%d, %d)", first, last)
	raws, err := p.source.GetBlockRange(ctx, first, last)
	if err != nil {
		return WrapSourceError(err, "failed to fetch blocks [%d, %d)", first, last)
	}
	if uint64(len(raws)) != last-first {
		return &SourceError{Op: fmt.Sprintf("failed to fetch blocks [%d, %d)", first, last), Err: errors.Errorf("block source returned %d blocks", len(raws))}
	}
	for i, raw := range raws {
		number := first + uint64(i)
		if p.IsCached(number) {
			continue
		}
		block, err := ledger.DecodeBlock(raw)
		if err != nil {
			return err
		}
		if block.Number() != number {
			return &SourceError{Op: fmt.Sprintf("failed to fetch block [%d]", number), Err: errors.Errorf("block source returned block [%d]", block.Number())}
		}
		p.store(block)
	}
	return nil
}

// GetTransaction returns the first committed transaction with the given ID.
// When the source cannot look transactions up it scans the ledger from block
// 0 until the transaction is found.
func (p *Provider) GetTransaction(ctx context.Context, txID string) (*ledger.Transaction, error) {
	if tx := p.lookupTransaction(txID); tx != nil {
		return tx, nil
	}

	number, err := p.source.FindBlockByTransaction(ctx, txID)
	switch {
	case errors.Cause(err) == ErrNotImplemented:
		return p.scanForTransaction(ctx, txID)
	case errors.Cause(err) == ErrTransactionNotFound:
		return nil, errors.WithMessagef(ErrTransactionNotFound, "txID [%s]", txID)
	case err != nil:
		return nil, WrapSourceError(err, "failed to locate transaction [%s]", txID)
	}

	if _, err := p.GetBlock(ctx, number); err != nil {
		return nil, err
	}
	if tx := p.lookupTransaction(txID); tx != nil {
		return tx, nil
	}
	return nil, errors.WithMessagef(ErrTransactionNotFound, "txID [%s] is not in block [%d]", txID, number)
}

// GetTransactionAt returns the transaction at position index of a block. It
// reaches transactions whose ID an earlier transaction already committed.
func (p *Provider) GetTransactionAt(ctx context.Context, blockNumber uint64, index int) (*ledger.Transaction, error) {
	block, err := p.GetBlock(ctx, blockNumber)
	if err != nil {
		return nil, err
	}
	tx := block.Transaction(index)
	if tx == nil {
		return nil, errors.WithMessagef(ErrTransactionNotFound, "block [%d] has no transaction %d", blockNumber, index)
	}
	return tx, nil
}

func (p *Provider) scanForTransaction(ctx context.Context, txID string) (*ledger.Transaction, error) {
	height, err := p.GetBlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	logger.Warnf("Block source cannot look up transactions, scanning %d blocks for [%s]", height, txID)
	for n := uint64(0); n < height; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := p.GetBlock(ctx, n); err != nil {
			return nil, err
		}
		if tx := p.lookupTransaction(txID); tx != nil {
			return tx, nil
		}
	}
	return nil, errors.WithMessagef(ErrTransactionNotFound, "txID [%s]", txID)
}

// TransactionsByType returns the cached transactions with the given header
// type in ledger order.
func (p *Provider) TransactionsByType(headerType cb.HeaderType) []*ledger.Transaction {
	p.mutex.Lock()
	txs := append([]*ledger.Transaction(nil), p.byType[headerType]...)
	p.mutex.Unlock()

	sort.Slice(txs, func(i, j int) bool {
		bi, bj := txs[i].Block().Number(), txs[j].Block().Number()
		if bi != bj {
			return bi < bj
		}
		return txs[i].Index() < txs[j].Index()
	})
	return txs
}

func (p *Provider) lookup(number uint64) *ledger.Block {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.blocks[number]
}

func (p *Provider) lookupTransaction(txID string) *ledger.Transaction {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.transactions[txID]
}

// store caches a decoded block unless a concurrent fetch got there first, and
// returns the cached instance.
func (p *Provider) store(block *ledger.Block) *ledger.Block {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	number := block.Number()
	if cached, ok := p.blocks[number]; ok {
		return cached
	}
	p.blocks[number] = block
	p.cached.Set(uint(number))
	for _, tx := range block.Transactions() {
		if _, ok := p.transactions[tx.ID()]; !ok && tx.ID() != "" {
			p.transactions[tx.ID()] = tx
		}
		p.byType[tx.Type()] = append(p.byType[tx.Type()], tx)
	}
	return block
}
