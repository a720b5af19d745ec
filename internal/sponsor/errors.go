package sponsor

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/acadledger/acadledger/internal/shared"
)

// ErrReceiptNotFound is returned by a Network while an operation is pending.
var ErrReceiptNotFound = errors.New("sponsor: operation receipt not found")

// RejectedError reports an operation that was definitely not applied.
type RejectedError struct {
	OpHash common.Hash
	Cause  error
}

func (e *RejectedError) Error() string {
	if e.Cause == nil {
		return "operation rejected"
	}
	return fmt.Sprintf("operation rejected: %v", e.Cause)
}

// Unwrap exposes the taxonomy sentinel and the cause.
func (e *RejectedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{shared.ErrTransactionRejected}
	}
	return []error{shared.ErrTransactionRejected, e.Cause}
}

// VerificationError reports an operation that was included but logically failed.
// Its nonce is consumed.
type VerificationError struct {
	OpHash common.Hash
	Cause  error
}

func (e *VerificationError) Error() string {
	if e.Cause == nil {
		return "operation verification failed"
	}
	return fmt.Sprintf("operation verification failed: %v", e.Cause)
}

// Unwrap exposes the taxonomy sentinel and the business cause.
func (e *VerificationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{shared.ErrTransactionVerificationFailed}
	}
	return []error{shared.ErrTransactionVerificationFailed, e.Cause}
}

// TimeoutError reports that the client stopped waiting. The operation may
// still be included later.
type TimeoutError struct {
	OpHash common.Hash
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("receipt for operation %s not available yet", e.OpHash.Hex())
}

// Unwrap returns shared.ErrReceiptTimeout.
func (e *TimeoutError) Unwrap() error { return shared.ErrReceiptTimeout }
