package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrStaticWrite is raised when a static frame attempts to mutate state or emit logs.
	ErrStaticWrite = Revert("write in static call")
	// ErrNoCode is raised when a message targets an address without code.
	ErrNoCode = Revert("call to address without code")
	// ErrCallDepth is raised when nested calls exceed the frame limit.
	ErrCallDepth = Revert("call depth exceeded")
	// ErrCodeExists is raised by Deploy on an address that already holds code.
	ErrCodeExists = Revert("code already deployed")
)

// Reverter is implemented by contract errors that carry an ABI revert payload.
type Reverter interface {
	error
	RevertData() []byte
}

var (
	errorSelector = crypto.Keccak256([]byte("Error(string)"))[:4]
	stringArgs    = abi.Arguments{{Type: mustType("string")}}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

type reasonError struct {
	reason string
	data   []byte
}

func (e *reasonError) Error() string      { return "execution reverted: " + e.reason }
func (e *reasonError) RevertData() []byte { return clone(e.data) }

// Revert builds a generic Error(string) revert.
func Revert(reason string) error {
	packed, err := stringArgs.Pack(reason)
	if err != nil {
		panic(err)
	}
	data := append(clone(errorSelector), packed...)
	return &reasonError{reason: reason, data: data}
}

// RevertError is returned to external callers when a message reverted. It
// carries the raw payload only; decoding belongs to whoever knows the ABI.
type RevertError struct {
	Data []byte
}

func (e *RevertError) Error() string {
	if reason, err := abi.UnpackRevert(e.Data); err == nil {
		return "execution reverted: " + reason
	}
	return fmt.Sprintf("execution reverted: %s", hexutil.Encode(e.Data))
}

// RevertData returns the payload.
func (e *RevertError) RevertData() []byte { return clone(e.Data) }

// RevertPayload extracts the revert payload of err, encoding foreign errors as
// Error(string).
func RevertPayload(err error) []byte {
	var r Reverter
	if errors.As(err, &r) {
		return r.RevertData()
	}
	return Revert(err.Error()).(Reverter).RevertData()
}

// Fatal reports whether err aborts execution outright instead of reverting:
// store failures and context cancellation are never caught by callers.
func Fatal(err error) bool {
	var se *storeError
	return errors.As(err, &se) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
