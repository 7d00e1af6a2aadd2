/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package result

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"reflect"

	"github.com/pkg/errors"
)

// Predicate names the comparison a check result asserts over its operands.
type Predicate string

const (
	EQ     Predicate = "EQ"
	EQBIN  Predicate = "EQBIN"
	LE     Predicate = "LE"
	LT     Predicate = "LT"
	GE     Predicate = "GE"
	GT     Predicate = "GT"
	INVOKE Predicate = "INVOKE"
)

// Status is the outcome of a check.
type Status string

const (
	OK      Status = "OK"
	ERROR   Status = "ERROR"
	SKIPPED Status = "SKIPPED"
)

// Invocation is the operand of an INVOKE predicate: a named verification
// call and the arguments it was made with. Only Name and Args are recorded.
type Invocation struct {
	Name string        `json:"name" yaml:"name"`
	Args []interface{} `json:"args,omitempty" yaml:"args,omitempty"`

	Fn func(ctx context.Context) (bool, error) `json:"-" yaml:"-"`
}

// Invoke wraps a synchronous verification function.
func Invoke(name string, fn func() bool, args ...interface{}) *Invocation {
	return &Invocation{
		Name: name,
		Args: args,
		Fn: func(context.Context) (bool, error) {
			return fn(), nil
		},
	}
}

// InvokeAsync wraps a verification function that may block on I/O.
func InvokeAsync(name string, fn func(ctx context.Context) (bool, error), args ...interface{}) *Invocation {
	return &Invocation{Name: name, Args: args, Fn: fn}
}

// Evaluate applies predicate to operands. Errors signal a malformed assertion
// (wrong operand count or types), never a failed one.
func Evaluate(ctx context.Context, predicate Predicate, operands ...interface{}) (Status, error) {
	if predicate == INVOKE {
		if len(operands) != 1 {
			return "", errors.Errorf("predicate %s expects 1 operand, got %d", predicate, len(operands))
		}
		inv, ok := operands[0].(*Invocation)
		if !ok || inv.Fn == nil {
			return "", errors.Errorf("predicate %s expects an *Invocation, got %T", predicate, operands[0])
		}
		passed, err := inv.Fn(ctx)
		if err != nil {
			return "", errors.WithMessagef(err, "invocation %s failed", inv.Name)
		}
		return statusOf(passed), nil
	}

	if len(operands) != 2 {
		return "", errors.Errorf("predicate %s expects 2 operands, got %d", predicate, len(operands))
	}
	a, b := operands[0], operands[1]

	switch predicate {
	case EQ:
		if x, y, ok := bothNumeric(a, b); ok {
			return statusOf(x.Cmp(y) == 0), nil
		}
		return statusOf(reflect.DeepEqual(a, b)), nil
	case EQBIN:
		x, okA := a.([]byte)
		y, okB := b.([]byte)
		if !okA || !okB {
			return "", errors.Errorf("predicate %s expects []byte operands, got %T and %T", predicate, a, b)
		}
		return statusOf(bytes.Equal(x, y)), nil
	case LE, LT, GE, GT:
		x, y, ok := bothNumeric(a, b)
		if !ok {
			return "", errors.Errorf("predicate %s expects integer operands, got %T and %T", predicate, a, b)
		}
		c := x.Cmp(y)
		switch predicate {
		case LE:
			return statusOf(c <= 0), nil
		case LT:
			return statusOf(c < 0), nil
		case GE:
			return statusOf(c >= 0), nil
		default:
			return statusOf(c > 0), nil
		}
	default:
		return "", errors.Errorf("unknown predicate %q", string(predicate))
	}
}

func statusOf(passed bool) Status {
	if passed {
		return OK
	}
	return ERROR
}

func bothNumeric(a, b interface{}) (*big.Int, *big.Int, bool) {
	x, okA := toBigInt(a)
	y, okB := toBigInt(b)
	return x, y, okA && okB
}

func toBigInt(v interface{}) (*big.Int, bool) {
	switch n := v.(type) {
	case int:
		return big.NewInt(int64(n)), true
	case int32:
		return big.NewInt(int64(n)), true
	case int64:
		return big.NewInt(n), true
	case uint:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint64:
		return new(big.Int).SetUint64(n), true
	default:
		return nil, false
	}
}

func (i *Invocation) String() string {
	return fmt.Sprintf("%s%v", i.Name, i.Args)
}
