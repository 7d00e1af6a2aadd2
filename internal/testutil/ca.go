/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/hyperledger/fabric-config/configtx"
	"github.com/hyperledger/fabric-config/configtx/membership"
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	mb "github.com/hyperledger/fabric-protos-go/msp"
	"github.com/stretchr/testify/require"
)

// CA is an in-memory ECDSA certificate authority backing one MSP.
type CA struct {
	MSPID   string
	Cert    *x509.Certificate
	CertPEM []byte
	Key     *ecdsa.PrivateKey

	serial  int64
	revoked []pkix.RevokedCertificate
	crls    [][]byte
}

// NewCA creates a self-signed root for mspID.
func NewCA(t testing.TB, mspID string) *CA {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ca." + mspID, Organization: []string{mspID}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          ski(&key.PublicKey),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &CA{
		MSPID:   mspID,
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Key:     key,
		serial:  1,
	}
}

// NewIdentity issues a signing identity.
func (ca *CA) NewIdentity(t testing.TB, commonName string) *Identity {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	ca.serial++
	template := &x509.Certificate{
		SerialNumber:   big.NewInt(ca.serial),
		Subject:        pkix.Name{CommonName: commonName, Organization: []string{ca.MSPID}},
		NotBefore:      time.Now().Add(-time.Minute),
		NotAfter:       time.Now().Add(24 * time.Hour),
		KeyUsage:       x509.KeyUsageDigitalSignature,
		AuthorityKeyId: ca.Cert.SubjectKeyId,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, &key.PublicKey, ca.Key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Identity{
		MSPID:   ca.MSPID,
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Key:     key,
	}
}

// Revoke adds id to a freshly signed CRL of the CA.
func (ca *CA) Revoke(t testing.TB, id *Identity) {
	ca.revoked = append(ca.revoked, pkix.RevokedCertificate{
		SerialNumber:   id.Cert.SerialNumber,
		RevocationTime: time.Now(),
	})
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:              big.NewInt(int64(len(ca.revoked))),
		ThisUpdate:          time.Now().Add(-time.Minute),
		NextUpdate:          time.Now().Add(time.Hour),
		RevokedCertificates: ca.revoked,
	}, ca.Cert, ca.Key)
	require.NoError(t, err)
	ca.crls = [][]byte{pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})}
}

// MSPConfig is the config value an organization group carries for this CA.
func (ca *CA) MSPConfig() *mb.MSPConfig {
	return &mb.MSPConfig{
		Type: 0,
		Config: protoutil.MarshalOrPanic(&mb.FabricMSPConfig{
			Name:           ca.MSPID,
			RootCerts:      [][]byte{ca.CertPEM},
			RevocationList: ca.crls,
			CryptoConfig: &mb.FabricCryptoConfig{
				SignatureHashFamily:            "SHA2",
				IdentityIdentifierHashFunction: "SHA256",
			},
		}),
	}
}

// MSP returns the parsed trust material of the CA.
func (ca *CA) MSP(t testing.TB) configtx.MSP {
	m := configtx.MSP{
		Name:      ca.MSPID,
		RootCerts: []*x509.Certificate{ca.Cert},
		CryptoConfig: membership.CryptoConfig{
			SignatureHashFamily:            "SHA2",
			IdentityIdentifierHashFunction: "SHA256",
		},
	}
	for _, c := range ca.crls {
		block, _ := pem.Decode(c)
		crl, err := x509.ParseCRL(block.Bytes)
		require.NoError(t, err)
		m.RevocationList = append(m.RevocationList, crl)
	}
	return m
}

// Identity is a certificate and its private key.
type Identity struct {
	MSPID   string
	Cert    *x509.Certificate
	CertPEM []byte
	Key     *ecdsa.PrivateKey
}

func (id *Identity) SerializedIdentity() *mb.SerializedIdentity {
	return &mb.SerializedIdentity{Mspid: id.MSPID, IdBytes: id.CertPEM}
}

// Serialize returns the marshaled SerializedIdentity.
func (id *Identity) Serialize() []byte {
	return protoutil.MarshalOrPanic(id.SerializedIdentity())
}

type ecdsaSignature struct {
	R, S *big.Int
}

// Sign returns a DER encoded low-S ECDSA signature over SHA-256(msg).
func (id *Identity) Sign(msg []byte) []byte {
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, id.Key, digest[:])
	if err != nil {
		panic(err)
	}
	halfOrder := new(big.Int).Rsh(id.Key.Curve.Params().N, 1)
	if s.Cmp(halfOrder) > 0 {
		s.Sub(id.Key.Curve.Params().N, s)
	}
	sig, err := asn1.Marshal(ecdsaSignature{R: r, S: s})
	if err != nil {
		panic(err)
	}
	return sig
}

func ski(pub *ecdsa.PublicKey) []byte {
	raw := elliptic.Marshal(pub.Curve, pub.X, pub.Y)
	sum := sha256.Sum256(raw)
	return sum[:]
}
