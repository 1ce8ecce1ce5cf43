package ledger

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrRequestNotFound        = errors.New("request not found")
	ErrRequestAlreadyResolved = errors.New("request already resolved")
	ErrResultAlreadyExists    = errors.New("result already exists")
	ErrResultNotFound         = errors.New("result not found")
	ErrInvalidResultProof     = errors.New("invalid result proof")
	ErrInvalidFeeAmount       = errors.New("invalid fee amount")
	ErrInvalidRecipient       = errors.New("invalid recipient")
	ErrArrayLengthMismatch    = errors.New("array length mismatch")
	ErrFeeAmountMismatch      = errors.New("fee amount mismatch")
	ErrNoFeesToWithdraw       = errors.New("no fees to withdraw")
	ErrFeeTransferFailed      = errors.New("fee transfer failed")
)

// InvalidParameterError reports a request parameter below its floor.
type InvalidParameterError struct {
	Field string
	Got   *big.Int
	Min   *big.Int
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s: got %s, min %s", e.Field, e.Got, e.Min)
}
