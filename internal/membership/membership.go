/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package membership

import (
	"context"
	"sort"
	"sync"

	"github.com/hyperledger/fabric-config/configtx"
	"github.com/hyperledger/fabric-ledgeraudit/internal/ledger"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/pkg/errors"
)

var logger = flogging.MustGetLogger("membership")

// ErrNotConfigBlock is returned when the block a configuration is resolved
// from does not hold exactly one CONFIG transaction.
var ErrNotConfigBlock = errors.New("not a config block")

// ChannelConfig is the trust material of a channel as set by one
// configuration block.
type ChannelConfig struct {
	BlockNumber     uint64
	TransactionID   string
	ApplicationMSPs []configtx.MSP
	OrdererMSPs     []configtx.MSP
}

// BlockGetter fetches decoded blocks.
type BlockGetter interface {
	GetBlock(ctx context.Context, number uint64) (*ledger.Block, error)
}

// Cache holds resolved configurations by block number. It is safe for
// concurrent use and meant to be shared by the resolvers of one channel.
type Cache struct {
	mutex   sync.RWMutex
	configs map[uint64]*ChannelConfig
}

func NewCache() *Cache {
	return &Cache{configs: map[uint64]*ChannelConfig{}}
}

func (c *Cache) Get(blockNumber uint64) (*ChannelConfig, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	cfg, ok := c.configs[blockNumber]
	return cfg, ok
}

func (c *Cache) Put(cfg *ChannelConfig) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.configs[cfg.BlockNumber] = cfg
}

// BlockNumbers returns the cached configuration block numbers in ascending
// order.
func (c *Cache) BlockNumbers() []uint64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	numbers := make([]uint64, 0, len(c.configs))
	for n := range c.configs {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers
}

// Resolver maps a last-config index to the channel configuration it names.
type Resolver struct {
	blocks BlockGetter
	cache  *Cache
}

func NewResolver(blocks BlockGetter, cache *Cache) *Resolver {
	return &Resolver{blocks: blocks, cache: cache}
}

// GetConfig returns the configuration set by block blockNumber, fetching the
// block on a cache miss.
func (r *Resolver) GetConfig(ctx context.Context, blockNumber uint64) (*ChannelConfig, error) {
	if cfg, ok := r.cache.Get(blockNumber); ok {
		return cfg, nil
	}
	block, err := r.blocks.GetBlock(ctx, blockNumber)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to fetch config block [%d]", blockNumber)
	}
	cfg, err := ExtractConfig(block)
	if err != nil {
		return nil, err
	}
	r.cache.Put(cfg)
	logger.Debugf("Resolved channel config from block [%d] with %d application and %d orderer MSPs",
		blockNumber, len(cfg.ApplicationMSPs), len(cfg.OrdererMSPs))
	return cfg, nil
}

// Seed caches the configurations of already known config blocks, typically
// restored from a checkpoint.
func (r *Resolver) Seed(blocks ...*ledger.Block) error {
	for _, b := range blocks {
		cfg, err := ExtractConfig(b)
		if err != nil {
			return err
		}
		r.cache.Put(cfg)
	}
	return nil
}

// ExtractConfig reads the application and orderer MSPs of a config block.
func ExtractConfig(block *ledger.Block) (*ChannelConfig, error) {
	if !block.IsConfig() {
		return nil, errors.WithMessagef(ErrNotConfigBlock, "block [%d] carries %d transactions", block.Number(), len(block.Transactions()))
	}
	tx := block.Transaction(0)
	env := tx.ConfigEnvelope()
	if env == nil || env.Config == nil || env.Config.ChannelGroup == nil {
		return nil, errors.WithMessagef(ErrNotConfigBlock, "block [%d] has no channel group", block.Number())
	}

	c := configtx.New(env.Config)
	cfg := &ChannelConfig{BlockNumber: block.Number(), TransactionID: tx.ID()}

	groups := env.Config.ChannelGroup.Groups
	for _, name := range orgNames(groups[configtx.ApplicationGroupKey]) {
		m, err := c.Application().Organization(name).MSP().Configuration()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read MSP of application org %s in block [%d]", name, block.Number())
		}
		cfg.ApplicationMSPs = append(cfg.ApplicationMSPs, m)
	}
	for _, name := range orgNames(groups[configtx.OrdererGroupKey]) {
		m, err := c.Orderer().Organization(name).MSP().Configuration()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read MSP of orderer org %s in block [%d]", name, block.Number())
		}
		cfg.OrdererMSPs = append(cfg.OrdererMSPs, m)
	}
	return cfg, nil
}

func orgNames(group *cb.ConfigGroup) []string {
	if group == nil {
		return nil
	}
	names := make([]string, 0, len(group.Groups))
	for name := range group.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
