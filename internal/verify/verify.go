/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package verify

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"time"

	"github.com/hyperledger/fabric-config/configtx"
	"github.com/hyperledger/fabric-ledgeraudit/internal/ledger"
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	"github.com/hyperledger/fabric-lib-go/bccsp"
	"github.com/hyperledger/fabric-lib-go/bccsp/sw"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/msp"
	"github.com/pkg/errors"
)

var logger = flogging.MustGetLogger("verify")

// Verifier checks signatures and identities against MSP trust material.
// Every method reports a failed verification as false; it never errors on
// bad input.
type Verifier struct {
	csp bccsp.BCCSP
}

// New returns a Verifier backed by a software BCCSP that keeps no keys.
func New() (*Verifier, error) {
	csp, err := sw.NewDefaultSecurityLevelWithKeystore(sw.NewDummyKeyStore())
	if err != nil {
		return nil, errors.WithMessage(err, "failed to initialize software crypto provider")
	}
	return &Verifier{csp: csp}, nil
}

// NewWithCSP returns a Verifier backed by csp.
func NewWithCSP(csp bccsp.BCCSP) *Verifier {
	return &Verifier{csp: csp}
}

// Hash returns the SHA-256 digest of data.
func (v *Verifier) Hash(data []byte) ([]byte, error) {
	return v.csp.Hash(data, &bccsp.SHA256Opts{})
}

// VerifySignature checks an ECDSA signature over the SHA-256 digest of data
// with the public key of identity's certificate.
func (v *Verifier) VerifySignature(sig, data []byte, identity *msp.SerializedIdentity) bool {
	if identity == nil {
		return false
	}
	cert, err := getCertFromPem(identity.IdBytes)
	if err != nil {
		logger.Debugf("Cannot parse identity of %s: %s", identity.Mspid, err)
		return false
	}
	key, err := v.csp.KeyImport(cert, &bccsp.X509PublicKeyImportOpts{Temporary: true})
	if err != nil {
		logger.Debugf("Cannot import public key of %s: %s", identity.Mspid, err)
		return false
	}
	digest, err := v.csp.Hash(data, &bccsp.SHA256Opts{})
	if err != nil {
		logger.Debugf("Cannot hash signed data: %s", err)
		return false
	}
	valid, err := v.csp.Verify(key, sig, digest, nil)
	if err != nil {
		logger.Debugf("Signature verification by %s failed: %s", identity.Mspid, err)
		return false
	}
	return valid
}

// VerifyIdentityMSP checks that idBytes holds a certificate issued by the
// roots or intermediates of the MSP named mspName and not revoked by its
// CRLs. An MSP absent from msps fails the check.
func (v *Verifier) VerifyIdentityMSP(mspName string, idBytes []byte, msps []configtx.MSP) bool {
	m, ok := findMSP(mspName, msps)
	if !ok {
		logger.Debugf("MSP %s is not part of the configuration", mspName)
		return false
	}
	cert, err := getCertFromPem(idBytes)
	if err != nil {
		logger.Debugf("Cannot parse identity of %s: %s", mspName, err)
		return false
	}
	chain, err := validationChain(cert, m)
	if err != nil {
		logger.Debugf("Identity does not chain to MSP %s: %s", mspName, err)
		return false
	}
	if err := checkRevocation(cert, chain, m.RevocationList); err != nil {
		logger.Debugf("Identity rejected by MSP %s: %s", mspName, err)
		return false
	}
	return true
}

// VerifySignatureHeader checks the creator declared by header against msps.
func (v *Verifier) VerifySignatureHeader(header *cb.SignatureHeader, msps []configtx.MSP) bool {
	if header == nil {
		return false
	}
	creator, err := protoutil.UnmarshalSerializedIdentity(header.Creator)
	if err != nil {
		logger.Debugf("Cannot decode signature header creator: %s", err)
		return false
	}
	return v.VerifyIdentityMSP(creator.Mspid, creator.IdBytes, msps)
}

// VerifyMetadataSignature checks one orderer signature over block. The
// signed bytes are extra || signatureHeader || block header bytes, where extra
// is the metadata value the signature was stored with.
func (v *Verifier) VerifyMetadataSignature(block *ledger.Block, extra []byte, sig *cb.MetadataSignature, msps []configtx.MSP) bool {
	if sig == nil {
		return false
	}
	shdr, err := protoutil.UnmarshalSignatureHeader(sig.SignatureHeader)
	if err != nil {
		logger.Debugf("Cannot decode metadata signature header of block [%d]: %s", block.Number(), err)
		return false
	}
	creator, err := protoutil.UnmarshalSerializedIdentity(shdr.Creator)
	if err != nil {
		logger.Debugf("Cannot decode metadata signer of block [%d]: %s", block.Number(), err)
		return false
	}
	if !v.VerifyIdentityMSP(creator.Mspid, creator.IdBytes, msps) {
		return false
	}
	signed := bytes.Join([][]byte{extra, sig.SignatureHeader, block.HeaderBytes()}, nil)
	return v.VerifySignature(sig.Signature, signed, creator)
}

func findMSP(name string, msps []configtx.MSP) (configtx.MSP, bool) {
	for _, m := range msps {
		if m.Name == name {
			return m, true
		}
	}
	return configtx.MSP{}, false
}

func getCertFromPem(idBytes []byte) (*x509.Certificate, error) {
	if idBytes == nil {
		return nil, errors.New("getCertFromPem error: nil idBytes")
	}
	pemCert, _ := pem.Decode(idBytes)
	if pemCert == nil {
		return nil, errors.Errorf("getCertFromPem error: could not decode pem bytes [%v]", idBytes)
	}
	cert, err := x509.ParseCertificate(pemCert.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "getCertFromPem error: failed to parse x509 cert")
	}
	return cert, nil
}

// validationChain returns the chain from cert to one of the MSP roots. Expiry
// is evaluated at issuance so that historical identities stay verifiable.
func validationChain(cert *x509.Certificate, m configtx.MSP) ([]*x509.Certificate, error) {
	if len(m.RootCerts) == 0 {
		return nil, errors.Errorf("MSP %s has no root certificates", m.Name)
	}
	opts := x509.VerifyOptions{
		Roots:         x509.NewCertPool(),
		Intermediates: x509.NewCertPool(),
		CurrentTime:   cert.NotBefore.Add(time.Second),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, c := range m.RootCerts {
		opts.Roots.AddCert(c)
	}
	for _, c := range m.IntermediateCerts {
		opts.Intermediates.AddCert(c)
	}
	chains, err := cert.Verify(opts)
	if err != nil {
		return nil, errors.WithMessage(err, "the supplied identity is not valid")
	}
	if len(chains) != 1 {
		return nil, errors.Errorf("this MSP only supports a single validation chain, got %d", len(chains))
	}
	if len(chains[0]) < 2 {
		return nil, errors.New("expected a chain of length at least 2")
	}
	return chains[0], nil
}

// checkRevocation rejects cert when a CRL issued by its direct signer lists
// its serial number.
func checkRevocation(cert *x509.Certificate, chain []*x509.Certificate, crls []*pkix.CertificateList) error {
	signer := chain[1]
	for _, crl := range crls {
		aki, err := getAuthorityKeyIdentifierFromCrl(crl)
		if err != nil {
			return errors.WithMessage(err, "could not obtain Authority Key Identifier for crl")
		}
		if !bytes.Equal(aki, signer.SubjectKeyId) {
			continue
		}
		for _, rc := range crl.TBSCertList.RevokedCertificates {
			if rc.SerialNumber.Cmp(cert.SerialNumber) != 0 {
				continue
			}
			if err := signer.CheckCRLSignature(crl); err != nil {
				logger.Warningf("Invalid signature over the identified CRL, error %s", err)
				continue
			}
			return errors.New("the certificate has been revoked")
		}
	}
	return nil
}

type authorityKeyIdentifier struct {
	KeyIdentifier []byte `asn1:"optional,tag:0"`
}

var oidAuthorityKeyIdentifier = asn1.ObjectIdentifier{2, 5, 29, 35}

func getAuthorityKeyIdentifierFromCrl(crl *pkix.CertificateList) ([]byte, error) {
	for _, ext := range crl.TBSCertList.Extensions {
		if ext.Id.Equal(oidAuthorityKeyIdentifier) {
			aki := authorityKeyIdentifier{}
			if _, err := asn1.Unmarshal(ext.Value, &aki); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal AKI")
			}
			return aki.KeyIdentifier, nil
		}
	}
	return nil, errors.New("authorityKeyIdentifier not found in certificate")
}
