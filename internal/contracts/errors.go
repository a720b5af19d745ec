package contracts

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/acadledger/acadledger/internal/chain"
	"github.com/acadledger/acadledger/internal/shared"
)

// Validation failures inside the coordinator. All of them mean the operation
// was not applied.
var (
	ErrStaleNonce       = errors.New("stale nonce")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSponsorExhausted = errors.New("sponsor deposit exhausted")
	ErrFeeCapExceeded   = errors.New("fee exceeds cap")
)

var revertSentinels = map[string]error{
	"AlreadyExists":    shared.ErrAlreadyExists,
	"NotFound":         shared.ErrNotFound,
	"RestrictedCaller": shared.ErrRestrictedCaller,
	"AccessDenied":     shared.ErrAccessDenied,
	"UnauthorizedCall": shared.ErrUnauthorizedCall,
	"AlreadyEvaluated": shared.ErrAlreadyEvaluated,
	"InvalidInput":     shared.ErrValidation,
	"StaleNonce":       ErrStaleNonce,
	"InvalidSignature": ErrInvalidSignature,
	"SponsorExhausted": ErrSponsorExhausted,
	"FeeCapExceeded":   ErrFeeCapExceeded,
}

// Revert is a custom contract error. It unwraps to the matching sentinel so
// callers can classify it with errors.Is.
type Revert struct {
	Name   string
	Reason string
}

func (r *Revert) Error() string {
	return fmt.Sprintf("%s: %s", r.Name, r.Reason)
}

// Unwrap returns the sentinel bound to the error name.
func (r *Revert) Unwrap() error {
	return revertSentinels[r.Name]
}

// RevertData returns the ABI encoded payload.
func (r *Revert) RevertData() []byte {
	def, ok := AccountABI.Errors[r.Name]
	if !ok {
		return chain.RevertPayload(errors.New(r.Reason))
	}
	packed, err := def.Inputs.Pack(r.Reason)
	if err != nil {
		return nil
	}
	return append(append([]byte{}, def.ID[:4]...), packed...)
}

// NewRevert builds a custom error by name, e.g. NewRevert("StaleNonce", ...).
func NewRevert(name, format string, args ...any) *Revert {
	return &Revert{Name: name, Reason: fmt.Sprintf(format, args...)}
}

func revert(name, format string, args ...any) *Revert {
	return NewRevert(name, format, args...)
}

// ViewCallFailed wraps the payload of a failed inner view call.
type ViewCallFailed struct {
	Inner []byte
}

func (v *ViewCallFailed) Error() string {
	if inner := DecodeRevert(v.Inner); inner != nil {
		return "view call failed: " + inner.Error()
	}
	return "view call failed"
}

// Unwrap exposes the decoded inner error.
func (v *ViewCallFailed) Unwrap() error {
	return DecodeRevert(v.Inner)
}

// RevertData returns the ABI encoded payload.
func (v *ViewCallFailed) RevertData() []byte {
	def := AccountABI.Errors["ViewCallFailed"]
	packed, err := def.Inputs.Pack(v.Inner)
	if err != nil {
		return nil
	}
	return append(append([]byte{}, def.ID[:4]...), packed...)
}

var errorStringSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// DecodeRevert turns a revert payload back into a typed error. Unknown
// payloads come back as *chain.RevertError; empty payloads decode to nil.
func DecodeRevert(data []byte) error {
	if len(data) < 4 {
		if len(data) == 0 {
			return nil
		}
		return &chain.RevertError{Data: data}
	}
	if bytes.Equal(data[:4], errorStringSelector) {
		reason, err := abi.UnpackRevert(data)
		if err != nil {
			return &chain.RevertError{Data: data}
		}
		return &Revert{Name: "Error", Reason: reason}
	}
	var selector [4]byte
	copy(selector[:], data[:4])
	def, err := AccountABI.ErrorByID(selector)
	if err != nil {
		return &chain.RevertError{Data: data}
	}
	values, err := def.Inputs.Unpack(data[4:])
	if err != nil || len(values) != 1 {
		return &chain.RevertError{Data: data}
	}
	if def.Name == "ViewCallFailed" {
		inner, _ := values[0].([]byte)
		return &ViewCallFailed{Inner: inner}
	}
	reason, _ := values[0].(string)
	return &Revert{Name: def.Name, Reason: reason}
}

// DescribeRevert renders a payload for diagnostic logging.
func DescribeRevert(data []byte) string {
	if err := DecodeRevert(data); err != nil {
		return err.Error()
	}
	return hexutil.Encode(data)
}
