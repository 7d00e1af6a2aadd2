/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package testutil

import (
	"testing"

	"github.com/hyperledger/fabric-protos-go/ledger/rwset"
)

// Network is a two-organization channel with one orderer organization, and
// a chain that starts with the channel's config block.
type Network struct {
	Channel    string
	Org1       *CA
	Org2       *CA
	OrdererOrg *CA
	Client     *Identity
	Peer1      *Identity
	Peer2      *Identity
	Orderer    *Identity
	Chain      *Chain
}

// NewNetwork creates the organizations and cuts the genesis config block.
func NewNetwork(t testing.TB, channel string) *Network {
	n := &Network{
		Channel:    channel,
		Org1:       NewCA(t, "Org1MSP"),
		Org2:       NewCA(t, "Org2MSP"),
		OrdererOrg: NewCA(t, "OrdererMSP"),
	}
	n.Client = n.Org1.NewIdentity(t, "user1")
	n.Peer1 = n.Org1.NewIdentity(t, "peer0.org1")
	n.Peer2 = n.Org2.NewIdentity(t, "peer0.org2")
	n.Orderer = n.OrdererOrg.NewIdentity(t, "orderer0")
	n.Chain = NewChain(n.Orderer)
	n.Chain.Add(n.ConfigEnvelope())
	return n
}

// ConfigEnvelope declares the current state of the organizations.
func (n *Network) ConfigEnvelope() []byte {
	return ConfigEnvelope(n.Channel, []*CA{n.Org1, n.Org2}, []*CA{n.OrdererOrg}, n.Orderer)
}

// EndorserTx returns a transaction submitted by the client and endorsed by
// both peers.
func (n *Network) EndorserTx(rwsets ...*rwset.NsReadWriteSet) *EndorserTx {
	return &EndorserTx{
		Channel:   n.Channel,
		Chaincode: "basic",
		Args:      []string{"invoke"},
		Creator:   n.Client,
		Endorsers: []*Identity{n.Peer1, n.Peer2},
		RWSets:    rwsets,
	}
}
