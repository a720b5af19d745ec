// Package sponsor builds, signs, submits and verifies sponsored operations on
// behalf of account owners.
package sponsor

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/acadledger/acadledger/internal/chain"
	"github.com/acadledger/acadledger/internal/contracts"
)

// Envelope is the signed, fee-sponsored request submitted for one call.
type Envelope struct {
	Sender    common.Address `json:"sender"`
	Target    common.Address `json:"target"`
	CallData  hexutil.Bytes  `json:"callData"`
	InitCode  hexutil.Bytes  `json:"initCode,omitempty"`
	Nonce     uint64         `json:"nonce"`
	Sponsor   common.Address `json:"sponsor"`
	MaxFee    uint64         `json:"maxFee"`
	Signature hexutil.Bytes  `json:"signature,omitempty"`
}

// Operation converts the envelope to the coordinator's view.
func (e Envelope) Operation() contracts.Operation {
	return contracts.Operation{
		Sender:    e.Sender,
		Target:    e.Target,
		CallData:  e.CallData,
		InitCode:  e.InitCode,
		Nonce:     e.Nonce,
		Sponsor:   e.Sponsor,
		MaxFee:    e.MaxFee,
		Signature: e.Signature,
	}
}

// Hash returns the canonical hash the owner signs.
func (e Envelope) Hash(chainID uint64, coordinator common.Address) common.Hash {
	return e.Operation().Hash(chainID, coordinator)
}

// Signer signs digests on behalf of an account owner.
type Signer interface {
	Address() common.Address
	SignHash(digest []byte) ([]byte, error)
}

// OperationReceipt is the inclusion record of a sponsored operation.
type OperationReceipt struct {
	OpHash  common.Hash    `json:"opHash"`
	Sender  common.Address `json:"sender"`
	Nonce   uint64         `json:"nonce"`
	Receipt *chain.Receipt `json:"receipt"`
}

// State is the lifecycle position of an operation.
type State int

// Operation states.
const (
	StateBuilt State = iota
	StateSigned
	StateSubmitted
	StateIncluded
	StateVerified
	StateFailed
	StateRejected
)

var stateNames = map[State]string{
	StateBuilt:     "built",
	StateSigned:    "signed",
	StateSubmitted: "submitted",
	StateIncluded:  "included",
	StateVerified:  "verified",
	StateFailed:    "failed",
	StateRejected:  "rejected",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateFailed || s == StateRejected
}

var transitions = map[State][]State{
	StateBuilt:     {StateSigned},
	StateSigned:    {StateSubmitted},
	StateSubmitted: {StateIncluded, StateRejected},
	StateIncluded:  {StateVerified, StateFailed, StateRejected},
}

// ErrInvalidTransition is returned for a transition the lifecycle forbids.
var ErrInvalidTransition = errors.New("sponsor: invalid state transition")

// Op tracks one envelope through its lifecycle.
type Op struct {
	Envelope Envelope
	Hash     common.Hash
	Receipt  *OperationReceipt
	state    State
}

// Build assembles an operation in the Built state.
func Build(env Envelope) *Op {
	env.Signature = nil
	return &Op{Envelope: env, state: StateBuilt}
}

// State returns the current state.
func (o *Op) State() State { return o.state }

func (o *Op) advance(to State) error {
	for _, next := range transitions[o.state] {
		if next == to {
			o.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.state, to)
}

// Sign signs the EIP-191 text hash of the operation hash with signer.
func (o *Op) Sign(signer Signer, chainID uint64, coordinator common.Address) error {
	if o.state != StateBuilt {
		return fmt.Errorf("%w: sign in state %s", ErrInvalidTransition, o.state)
	}
	o.Hash = o.Envelope.Hash(chainID, coordinator)
	sig, err := signer.SignHash(accounts.TextHash(o.Hash[:]))
	if err != nil {
		return fmt.Errorf("sponsor: sign: %w", err)
	}
	o.Envelope.Signature = sig
	return o.advance(StateSigned)
}
