/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ledger

import "fmt"

// DecodeError is returned when raw bytes cannot be turned into a complete
// Block. A Block is never partially constructed.
type DecodeError struct {
	BlockNumber uint64
	Reason      string
	Err         error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot decode block [%d]: %s: %s", e.BlockNumber, e.Reason, e.Err)
	}
	return fmt.Sprintf("cannot decode block [%d]: %s", e.BlockNumber, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(number uint64, err error, format string, args ...interface{}) *DecodeError {
	return &DecodeError{BlockNumber: number, Reason: fmt.Sprintf(format, args...), Err: err}
}
