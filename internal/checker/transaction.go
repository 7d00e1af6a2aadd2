/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package checker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hyperledger/fabric-config/configtx"
	"github.com/hyperledger/fabric-ledgeraudit/internal/ledger"
	"github.com/hyperledger/fabric-ledgeraudit/internal/membership"
	"github.com/hyperledger/fabric-ledgeraudit/internal/provider"
	"github.com/hyperledger/fabric-ledgeraudit/internal/result"
	"github.com/hyperledger/fabric-ledgeraudit/internal/verify"
	"github.com/hyperledger/fabric-ledgeraudit/protoutil"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/ledger/rwset"
	"github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

// TransactionChecker verifies the creator, signature and endorsements of a
// transaction, and the private write sets it committed when a private data
// store is available.
type TransactionChecker struct {
	recorder
	provider    *provider.Provider
	resolver    *membership.Resolver
	verifier    *verify.Verifier
	privateData ledger.PrivateDataStore
}

func newTransactionChecker(deps *Deps) (Checker, error) {
	if deps.Resolver == nil || deps.Verifier == nil {
		return nil, errors.Errorf("checker %s requires a membership resolver and a verifier", TransactionID)
	}
	return &TransactionChecker{
		recorder:    newRecorder(TransactionID, deps),
		provider:    deps.Provider,
		resolver:    deps.Resolver,
		verifier:    deps.Verifier,
		privateData: deps.PrivateData,
	}, nil
}

func (c *TransactionChecker) PerformCheck(ctx context.Context, target Target) error {
	if !target.IsTransaction() {
		return errors.WithMessagef(ErrUnsupportedTarget, "checker %s cannot check %s", c.id, target)
	}
	defer c.observe(time.Now())

	tx, err := c.transaction(ctx, target)
	if err != nil {
		return err
	}
	if err := tx.DecodeFailure(); err != nil {
		c.skipTransaction(tx, fmt.Sprintf("transaction committed as %s cannot be decoded: %s", tx.ValidationCode(), err))
		return nil
	}
	if !tx.IsLedgerTransaction() {
		c.skipTransaction(tx, fmt.Sprintf("transaction type %s carries no ledger changes", tx.Type()))
		return nil
	}
	if tx.Block().Number() == 0 && len(tx.SignatureHeader().Creator) == 0 {
		c.skipTransaction(tx, "genesis config transaction is not signed")
		return nil
	}

	lastConfig, err := tx.Block().LastConfigIndex()
	if err != nil {
		return errors.WithMessagef(err, "failed to read last config index of block [%d]", tx.Block().Number())
	}
	cfg, err := c.resolver.GetConfig(ctx, lastConfig)
	if err != nil {
		return err
	}

	msps := cfg.ApplicationMSPs
	if tx.Type() == cb.HeaderType_CONFIG || tx.Type() == cb.HeaderType_CONFIG_UPDATE {
		msps = cfg.OrdererMSPs
	}
	if err := c.assertTransaction(ctx, tx, result.INVOKE, result.Invoke("verifySignatureHeader", func() bool {
		return c.verifier.VerifySignatureHeader(tx.SignatureHeader(), msps)
	}, tx.Creator().Mspid)); err != nil {
		return err
	}
	if err := c.assertTransaction(ctx, tx, result.INVOKE, result.Invoke("verifySignature", func() bool {
		return c.verifier.VerifySignature(tx.Signature(), tx.PayloadBytes(), tx.Creator())
	}, tx.Creator().Mspid, tx.Signature())); err != nil {
		return err
	}

	if tx.Type() != cb.HeaderType_ENDORSER_TRANSACTION {
		return nil
	}
	shdr := tx.SignatureHeader()
	if err := c.assertTransaction(ctx, tx, result.EQ, tx.ID(), protoutil.ComputeTxID(shdr.Nonce, shdr.Creator)); err != nil {
		return err
	}
	for _, action := range tx.Actions() {
		if err := c.checkAction(ctx, tx, action, cfg.ApplicationMSPs); err != nil {
			return err
		}
	}
	return nil
}

func (c *TransactionChecker) transaction(ctx context.Context, target Target) (*ledger.Transaction, error) {
	if target.IsPositional() {
		return c.provider.GetTransactionAt(ctx, target.BlockNumber, target.TxIndex)
	}
	return c.provider.GetTransaction(ctx, target.TransactionID)
}

func (c *TransactionChecker) checkAction(ctx context.Context, tx *ledger.Transaction, action *ledger.Action, msps []configtx.MSP) error {
	if err := c.assertTransaction(ctx, tx, result.INVOKE, result.Invoke("verifyProposalHeader", func() bool {
		return c.verifier.VerifySignatureHeader(action.SignatureHeader(), msps)
	}, action.Index())); err != nil {
		return err
	}

	for _, e := range c.verifyEndorsements(action, msps) {
		e := e
		if err := c.assertTransaction(ctx, tx, result.INVOKE, result.Invoke("verifyEndorserIdentity", func() bool {
			return e.identityValid
		}, action.Index(), e.mspID)); err != nil {
			return err
		}
		if err := c.assertTransaction(ctx, tx, result.INVOKE, result.Invoke("verifyEndorsement", func() bool {
			return e.signatureValid
		}, action.Index(), e.mspID, e.signature)); err != nil {
			return err
		}
	}

	if c.privateData == nil {
		return nil
	}
	for _, coll := range action.PrivateRWSets() {
		if err := c.checkPrivateRWSet(ctx, tx, coll); err != nil {
			return err
		}
	}
	return nil
}

type endorsementCheck struct {
	mspID          string
	signature      []byte
	identityValid  bool
	signatureValid bool
}

// verifyEndorsements checks every endorsement of action concurrently. The
// results keep the order of the endorsements.
func (c *TransactionChecker) verifyEndorsements(action *ledger.Action, msps []configtx.MSP) []*endorsementCheck {
	endorsements := action.Endorsements()
	prp := action.ProposalResponsePayload()
	checks := make([]*endorsementCheck, len(endorsements))

	var wg sync.WaitGroup
	for i, e := range endorsements {
		checks[i] = &endorsementCheck{signature: e.Signature}
		wg.Add(1)
		go func(check *endorsementCheck, e *peer.Endorsement) {
			defer wg.Done()
			endorser, err := protoutil.UnmarshalSerializedIdentity(e.Endorser)
			if err != nil {
				logger.Debugf("Cannot decode endorser of transaction [%s]: %s", action.Transaction().ID(), err)
				return
			}
			check.mspID = endorser.Mspid
			check.identityValid = c.verifier.VerifyIdentityMSP(endorser.Mspid, endorser.IdBytes, msps)
			signed := append(append([]byte{}, prp...), e.Endorser...)
			check.signatureValid = c.verifier.VerifySignature(e.Signature, signed, endorser)
		}(checks[i], e)
	}
	wg.Wait()
	return checks
}

func (c *TransactionChecker) checkPrivateRWSet(ctx context.Context, tx *ledger.Transaction, coll *ledger.PrivateRWSet) error {
	pvt, err := coll.Fetch(c.privateData)
	if err != nil {
		return err
	}
	if pvt == nil {
		c.skipTransaction(tx, fmt.Sprintf("private data of collection %s in namespace %s is not available", coll.CollectionName, coll.Namespace))
		return nil
	}
	return c.comparePrivateRWSet(ctx, tx, coll, pvt)
}

func (c *TransactionChecker) comparePrivateRWSet(ctx context.Context, tx *ledger.Transaction, coll *ledger.PrivateRWSet, pvt *rwset.CollectionPvtReadWriteSet) error {
	if err := c.assertTransaction(ctx, tx, result.EQ, coll.CollectionName, pvt.CollectionName); err != nil {
		return err
	}
	pvtHash, err := c.verifier.Hash(pvt.Rwset)
	if err != nil {
		return err
	}
	if err := c.assertTransaction(ctx, tx, result.EQBIN, coll.PvtRWSetHash, pvtHash); err != nil {
		return err
	}

	kv, err := protoutil.UnmarshalKVRWSet(pvt.Rwset)
	if err != nil {
		return errors.WithMessagef(err, "failed to decode private write set of collection %s in transaction [%s]", coll.CollectionName, tx.ID())
	}
	hashed := coll.HashedRWSet.GetHashedWrites()
	if err := c.assertTransaction(ctx, tx, result.EQ, len(hashed), len(kv.Writes)); err != nil {
		return err
	}

	for i := 0; i < len(hashed) && i < len(kv.Writes); i++ {
		w := kv.Writes[i]
		keyHash, err := c.verifier.Hash([]byte(w.Key))
		if err != nil {
			return err
		}
		if err := c.assertTransaction(ctx, tx, result.EQBIN, hashed[i].KeyHash, keyHash); err != nil {
			return err
		}
		var valueHash []byte
		if !w.IsDelete {
			if valueHash, err = c.verifier.Hash(w.Value); err != nil {
				return err
			}
		}
		if err := c.assertTransaction(ctx, tx, result.EQBIN, hashed[i].ValueHash, valueHash); err != nil {
			return err
		}
	}
	return nil
}
