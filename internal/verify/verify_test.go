/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package verify

import (
	"encoding/hex"
	"testing"

	"github.com/hyperledger/fabric-config/configtx"
	"github.com/hyperledger/fabric-ledgeraudit/internal/ledger"
	"github.com/hyperledger/fabric-ledgeraudit/internal/testutil"
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/msp"
	"github.com/stretchr/testify/require"
)

func newVerifier(t *testing.T) *Verifier {
	v, err := New()
	require.NoError(t, err)
	return v
}

func TestVerifySignature(t *testing.T) {
	v := newVerifier(t)
	ca := testutil.NewCA(t, "Org1MSP")
	signer := ca.NewIdentity(t, "user1")
	other := ca.NewIdentity(t, "user2")

	msg := []byte("hello")
	sig := signer.Sign(msg)

	require.True(t, v.VerifySignature(sig, msg, signer.SerializedIdentity()))
	require.False(t, v.VerifySignature(sig, []byte("tampered"), signer.SerializedIdentity()))
	require.False(t, v.VerifySignature(sig, msg, other.SerializedIdentity()))
	require.False(t, v.VerifySignature([]byte("not a signature"), msg, signer.SerializedIdentity()))
	require.False(t, v.VerifySignature(sig, msg, nil))
	require.False(t, v.VerifySignature(sig, msg, &msp.SerializedIdentity{Mspid: "Org1MSP", IdBytes: []byte("garbage")}))
}

func TestHash(t *testing.T) {
	digest, err := newVerifier(t).Hash([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hex.EncodeToString(digest))
}

func TestVerifyIdentityMSP(t *testing.T) {
	v := newVerifier(t)
	org1 := testutil.NewCA(t, "Org1MSP")
	org2 := testutil.NewCA(t, "Org2MSP")
	user := org1.NewIdentity(t, "user1")
	revoked := org1.NewIdentity(t, "user2")
	org1.Revoke(t, revoked)

	msps := []configtx.MSP{org1.MSP(t), org2.MSP(t)}

	testCases := []struct {
		name     string
		mspName  string
		idBytes  []byte
		expected bool
	}{
		{"valid identity", "Org1MSP", user.CertPEM, true},
		{"wrong msp", "Org2MSP", user.CertPEM, false},
		{"unknown msp", "Org3MSP", user.CertPEM, false},
		{"revoked identity", "Org1MSP", revoked.CertPEM, false},
		{"not pem", "Org1MSP", []byte("garbage"), false},
		{"nil bytes", "Org1MSP", nil, false},
		{"root itself", "Org1MSP", org1.CertPEM, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, v.VerifyIdentityMSP(tc.mspName, tc.idBytes, msps))
		})
	}
}

func TestVerifySignatureHeader(t *testing.T) {
	v := newVerifier(t)
	org1 := testutil.NewCA(t, "Org1MSP")
	user := org1.NewIdentity(t, "user1")
	msps := []configtx.MSP{org1.MSP(t)}

	require.True(t, v.VerifySignatureHeader(protoutil.MakeSignatureHeader(user.Serialize(), []byte("n")), msps))
	require.False(t, v.VerifySignatureHeader(protoutil.MakeSignatureHeader([]byte("garbage"), nil), msps))
	require.False(t, v.VerifySignatureHeader(nil, msps))
	require.False(t, v.VerifySignatureHeader(protoutil.MakeSignatureHeader(user.Serialize(), nil), nil))
}

func TestVerifyMetadataSignature(t *testing.T) {
	v := newVerifier(t)
	n := testutil.NewNetwork(t, "mychannel")
	env, _ := n.EndorserTx().Envelope()
	n.Chain.Add(env)

	block, err := ledger.NewBlock(n.Chain.Blocks[1])
	require.NoError(t, err)
	orderers := []configtx.MSP{n.OrdererOrg.MSP(t)}

	value, sigs, err := block.MetadataSignatures(cb.BlockMetadataIndex_SIGNATURES)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	require.True(t, v.VerifyMetadataSignature(block, value, sigs[0], orderers))

	// wrong prefix
	require.False(t, v.VerifyMetadataSignature(block, []byte("other"), sigs[0], orderers))
	// signer not an orderer
	require.False(t, v.VerifyMetadataSignature(block, value, sigs[0], []configtx.MSP{n.Org1.MSP(t)}))
	require.False(t, v.VerifyMetadataSignature(block, value, nil, orderers))

	// header tampered after signing
	tampered := n.Chain.Blocks[1]
	tampered.Header.Number = 7
	block, err = ledger.NewBlock(tampered)
	require.NoError(t, err)
	require.False(t, v.VerifyMetadataSignature(block, value, sigs[0], orderers))
}
