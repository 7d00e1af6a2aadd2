/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package result

import (
	"context"
	"encoding/json"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name      string
		predicate Predicate
		operands  []interface{}
		expected  Status
	}{
		{"eq-numbers", EQ, []interface{}{uint64(0), 0}, OK},
		{"eq-strings", EQ, []interface{}{"a", "b"}, ERROR},
		{"eqbin-equal", EQBIN, []interface{}{[]byte{1, 2}, []byte{1, 2}}, OK},
		{"eqbin-different", EQBIN, []interface{}{[]byte{1, 2}, []byte{1, 3}}, ERROR},
		{"le-equal", LE, []interface{}{uint64(3), uint64(3)}, OK},
		{"le-greater", LE, []interface{}{uint64(4), uint64(3)}, ERROR},
		{"lt", LT, []interface{}{1, 2}, OK},
		{"ge", GE, []interface{}{int64(-1), uint64(0)}, ERROR},
		{"gt", GT, []interface{}{uint32(5), 4}, OK},
		{"invoke-true", INVOKE, []interface{}{Invoke("ok", func() bool { return true })}, OK},
		{"invoke-false", INVOKE, []interface{}{Invoke("nok", func() bool { return false }, "arg")}, ERROR},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, err := Evaluate(ctx, tc.predicate, tc.operands...)
			require.NoError(t, err)
			require.Equal(t, tc.expected, status)
		})
	}
}

func TestEvaluateMalformed(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name      string
		predicate Predicate
		operands  []interface{}
		errMsg    string
	}{
		{"missing-operand", EQ, []interface{}{1}, "predicate EQ expects 2 operands, got 1"},
		{"eqbin-string", EQBIN, []interface{}{"a", []byte("a")}, "predicate EQBIN expects []byte operands, got string and []uint8"},
		{"le-string", LE, []interface{}{"a", 1}, "predicate LE expects integer operands, got string and int"},
		{"invoke-func", INVOKE, []interface{}{func() bool { return true }}, "predicate INVOKE expects an *Invocation, got func() bool"},
		{"unknown", Predicate("NE"), []interface{}{1, 2}, `unknown predicate "NE"`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Evaluate(ctx, tc.predicate, tc.operands...)
			require.EqualError(t, err, tc.errMsg)
		})
	}
}

type ctxKey struct{}

func TestInvokeAsync(t *testing.T) {
	gt := NewGomegaWithT(t)

	inv := InvokeAsync("remote", func(ctx context.Context) (bool, error) {
		return ctx.Value(ctxKey{}) == "v", nil
	})
	ctx := context.WithValue(context.Background(), ctxKey{}, "v")
	status, err := Evaluate(ctx, INVOKE, inv)
	gt.Expect(err).NotTo(HaveOccurred())
	gt.Expect(status).To(Equal(OK))

	failing := InvokeAsync("broken", func(context.Context) (bool, error) {
		return false, errors.New("unreachable")
	})
	_, err = Evaluate(ctx, INVOKE, failing)
	gt.Expect(err).To(MatchError("invocation broken failed: unreachable"))
}

func TestSetSummary(t *testing.T) {
	gt := NewGomegaWithT(t)
	ctx := context.Background()

	check := func(predicate Predicate, operands ...interface{}) *CheckResult {
		r, err := Check(ctx, "checker", predicate, operands...)
		gt.Expect(err).NotTo(HaveOccurred())
		return r
	}

	s := NewSet()
	s.AddBlockResult(1, check(EQ, 1, 1))
	s.AddBlockResult(0, check(EQ, 0, 0), check(EQBIN, []byte{1}, []byte{2}))
	s.AddBlockResult(2, Skipped("checker", "nothing to do"))
	s.AddTransactionResult(1, 1, "b", check(EQ, 1, 1), Skipped("other", "not applicable"))
	s.AddTransactionResult(1, 0, "a", Skipped("checker", "non-ledger transaction"))
	// duplicates collapse on retrieval
	s.AddBlockResult(1, check(EQ, 1, 1))

	blocks := s.Blocks()
	gt.Expect(blocks).To(HaveLen(3))
	gt.Expect(blocks[0].BlockNumber).To(Equal(uint64(0)))
	gt.Expect(blocks[2].BlockNumber).To(Equal(uint64(2)))
	gt.Expect(s.BlockResults(1)).To(HaveLen(1))
	gt.Expect(s.BlockResults(7)).To(BeNil())

	txs := s.Transactions()
	gt.Expect(txs).To(HaveLen(2))
	gt.Expect(txs[0].TransactionID).To(Equal("a"))

	sum := s.Summary()
	gt.Expect(sum.Checks).To(Equal(Counts{Passed: 3, Failed: 1, Skipped: 3}))
	gt.Expect(sum.Blocks).To(Equal(Counts{Passed: 1, Failed: 1, Skipped: 1}))
	gt.Expect(sum.Transactions).To(Equal(Counts{Passed: 1, Skipped: 1}))
	gt.Expect(sum.Failed()).To(BeTrue())
}

func TestSetRepeatedTransactionID(t *testing.T) {
	ctx := context.Background()
	ok, err := Check(ctx, "checker", EQ, 1, 1)
	require.NoError(t, err)
	failed, err := Check(ctx, "checker", EQ, 1, 2)
	require.NoError(t, err)

	s := NewSet()
	s.AddTransactionResult(4, 0, "tx", failed)
	s.AddTransactionResult(2, 3, "tx", ok)

	require.Equal(t, []*CheckResult{ok}, s.TransactionResults("tx"))
	require.Equal(t, []*CheckResult{ok}, s.TransactionResultsAt(2, 3))
	require.Equal(t, []*CheckResult{failed}, s.TransactionResultsAt(4, 0))
	require.Nil(t, s.TransactionResultsAt(4, 1))

	txs := s.Transactions()
	require.Len(t, txs, 2)
	require.Equal(t, uint64(2), txs[0].BlockNumber)
	require.Equal(t, 3, txs[0].Index)
	require.Equal(t, uint64(4), txs[1].BlockNumber)

	sum := s.Summary()
	require.Equal(t, Counts{Passed: 1, Failed: 1}, sum.Transactions)
	require.True(t, sum.Failed())
}

func TestOperandsEncoding(t *testing.T) {
	r, err := Check(context.Background(), "fabric-block-hash", EQBIN, []byte{0xab}, []byte{0xab})
	require.NoError(t, err)

	j, err := json.Marshal(r)
	require.NoError(t, err)
	require.JSONEq(t, `{"checker":"fabric-block-hash","result":"OK","predicate":"EQBIN","operands":["ab","ab"]}`, string(j))

	y, err := yaml.Marshal(r)
	require.NoError(t, err)
	require.Contains(t, string(y), "- ab\n")

	inv := Invoke("verifySignature", func() bool { return true }, "Org1MSP", []byte{0x01})
	r, err = Check(context.Background(), "fabric-transaction", INVOKE, inv)
	require.NoError(t, err)
	j, err = json.Marshal(r)
	require.NoError(t, err)
	require.JSONEq(t, `{"checker":"fabric-transaction","result":"OK","predicate":"INVOKE","operands":[{"name":"verifySignature","args":["Org1MSP","01"]}]}`, string(j))
}

func TestErrored(t *testing.T) {
	r := Errored("fabric-block-config", errors.New("block [1] is not a config block"))
	require.Equal(t, ERROR, r.Result)

	j, err := json.Marshal(r)
	require.NoError(t, err)
	require.JSONEq(t, `{"checker":"fabric-block-config","result":"ERROR","reason":"block [1] is not a config block"}`, string(j))

	s := NewSet()
	s.AddBlockResult(2, r, Errored("fabric-block-config", errors.New("block [1] is not a config block")))
	require.Len(t, s.BlockResults(2), 1)
	require.Equal(t, Counts{Failed: 1}, s.Summary().Blocks)
}
