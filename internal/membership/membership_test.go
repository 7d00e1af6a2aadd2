/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package membership

import (
	"context"
	"testing"

	"github.com/hyperledger/fabric-ledgeraudit/internal/ledger"
	"github.com/hyperledger/fabric-ledgeraudit/internal/testutil"
	cb "github.com/hyperledger/fabric-protos-go/common"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

type countingGetter struct {
	blocks []*cb.Block
	calls  int
}

func (g *countingGetter) GetBlock(_ context.Context, number uint64) (*ledger.Block, error) {
	g.calls++
	if number >= uint64(len(g.blocks)) {
		return nil, errors.Errorf("block [%d] not found", number)
	}
	return ledger.NewBlock(g.blocks[number])
}

func TestGetConfig(t *testing.T) {
	gt := NewGomegaWithT(t)
	n := testutil.NewNetwork(t, "mychannel")
	env, _ := n.EndorserTx().Envelope()
	n.Chain.Add(env)

	getter := &countingGetter{blocks: n.Chain.Blocks}
	cache := NewCache()
	r := NewResolver(getter, cache)

	cfg, err := r.GetConfig(context.Background(), 0)
	gt.Expect(err).NotTo(HaveOccurred())
	gt.Expect(cfg.BlockNumber).To(Equal(uint64(0)))
	gt.Expect(cfg.TransactionID).To(Equal("config.0"))
	gt.Expect(cfg.ApplicationMSPs).To(HaveLen(2))
	gt.Expect(cfg.ApplicationMSPs[0].Name).To(Equal("Org1MSP"))
	gt.Expect(cfg.ApplicationMSPs[1].Name).To(Equal("Org2MSP"))
	gt.Expect(cfg.OrdererMSPs).To(HaveLen(1))
	gt.Expect(cfg.OrdererMSPs[0].Name).To(Equal("OrdererMSP"))
	gt.Expect(cfg.OrdererMSPs[0].RootCerts[0].Equal(n.OrdererOrg.Cert)).To(BeTrue())

	again, err := r.GetConfig(context.Background(), 0)
	gt.Expect(err).NotTo(HaveOccurred())
	gt.Expect(again).To(BeIdenticalTo(cfg))
	gt.Expect(getter.calls).To(Equal(1))

	// a second resolver sharing the cache does not fetch either
	gt.Expect(NewResolver(getter, cache).GetConfig(context.Background(), 0)).To(BeIdenticalTo(cfg))
	gt.Expect(getter.calls).To(Equal(1))
	gt.Expect(cache.BlockNumbers()).To(Equal([]uint64{0}))
}

func TestGetConfigNotConfigBlock(t *testing.T) {
	gt := NewGomegaWithT(t)
	n := testutil.NewNetwork(t, "mychannel")
	env, _ := n.EndorserTx().Envelope()
	n.Chain.Add(env)

	r := NewResolver(&countingGetter{blocks: n.Chain.Blocks}, NewCache())
	_, err := r.GetConfig(context.Background(), 1)
	gt.Expect(errors.Is(err, ErrNotConfigBlock)).To(BeTrue())

	_, err = r.GetConfig(context.Background(), 9)
	gt.Expect(err).To(MatchError("failed to fetch config block [9]: block [9] not found"))
}

func TestSeed(t *testing.T) {
	gt := NewGomegaWithT(t)
	n := testutil.NewNetwork(t, "mychannel")
	n.Chain.Add(n.ConfigEnvelope())

	getter := &countingGetter{}
	r := NewResolver(getter, NewCache())

	seeded, err := ledger.NewBlock(n.Chain.Blocks[1])
	gt.Expect(err).NotTo(HaveOccurred())
	gt.Expect(r.Seed(seeded)).To(Succeed())

	cfg, err := r.GetConfig(context.Background(), 1)
	gt.Expect(err).NotTo(HaveOccurred())
	gt.Expect(cfg.OrdererMSPs).To(HaveLen(1))
	gt.Expect(getter.calls).To(Equal(0))
}
