package sponsor

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/acadledger/acadledger/internal/chain"
	"github.com/acadledger/acadledger/internal/contracts"
)

// Expectation describes the event a successful call must emit. A zero Event
// only requires the operation to have succeeded.
type Expectation struct {
	ABI      *abi.ABI
	Contract common.Address
	Event    string
}

// Event is a decoded log of the target contract.
type Event struct {
	Name    string
	Address common.Address
	Values  map[string]any
}

var (
	errOperationEventMissing = errors.New("operation event missing from receipt")
	errOperationReverted     = errors.New("operation reverted")
)

// Verify checks receipt against expect. Inclusion alone is not success: the
// coordinator must report the operation as successful and the expected event
// must have been emitted by the expected contract.
func Verify(receipt *OperationReceipt, expect Expectation) ([]Event, error) {
	if receipt == nil || receipt.Receipt == nil {
		return nil, &VerificationError{Cause: errors.New("empty receipt")}
	}
	r := receipt.Receipt
	if !r.Succeeded() {
		return nil, &RejectedError{OpHash: receipt.OpHash, Cause: contracts.DecodeRevert(r.RevertData)}
	}

	success, found, err := operationStatus(r.Logs, receipt.OpHash)
	if err != nil {
		return nil, &VerificationError{OpHash: receipt.OpHash, Cause: err}
	}
	if !found {
		return nil, &VerificationError{OpHash: receipt.OpHash, Cause: errOperationEventMissing}
	}
	if !success {
		cause := revertReason(r.Logs, receipt.OpHash)
		if cause == nil {
			cause = errOperationReverted
		}
		return nil, &VerificationError{OpHash: receipt.OpHash, Cause: cause}
	}

	if expect.ABI == nil {
		return nil, nil
	}
	events := DecodeEvents(*expect.ABI, expect.Contract, r.Logs)
	if expect.Event == "" {
		return events, nil
	}
	for _, ev := range events {
		if ev.Name == expect.Event {
			return events, nil
		}
	}
	return events, &VerificationError{
		OpHash: receipt.OpHash,
		Cause:  fmt.Errorf("expected event %s from %s was not emitted", expect.Event, expect.Contract.Hex()),
	}
}

func operationStatus(logs []*types.Log, opHash common.Hash) (bool, bool, error) {
	ev := contracts.CoordinatorABI.Events["UserOperationEvent"]
	for _, l := range logs {
		if l.Address != contracts.CoordinatorAddress || len(l.Topics) < 2 || l.Topics[0] != ev.ID || l.Topics[1] != opHash {
			continue
		}
		vals, err := ev.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return false, true, fmt.Errorf("decode operation event: %w", err)
		}
		success, _ := vals[1].(bool)
		return success, true, nil
	}
	return false, false, nil
}

func revertReason(logs []*types.Log, opHash common.Hash) error {
	ev := contracts.CoordinatorABI.Events["UserOperationRevertReason"]
	for _, l := range logs {
		if l.Address != contracts.CoordinatorAddress || len(l.Topics) < 2 || l.Topics[0] != ev.ID || l.Topics[1] != opHash {
			continue
		}
		vals, err := ev.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return nil
		}
		reason, _ := vals[0].([]byte)
		return contracts.DecodeRevert(reason)
	}
	return nil
}

// DecodeEvents decodes every log emitted by contract that matches an event of def.
func DecodeEvents(def abi.ABI, contract common.Address, logs []*types.Log) []Event {
	var out []Event
	for _, l := range logs {
		if l.Address != contract || len(l.Topics) == 0 {
			continue
		}
		ev, err := def.EventByID(l.Topics[0])
		if err != nil {
			continue
		}
		values := make(map[string]any)
		if err := ev.Inputs.UnpackIntoMap(values, l.Data); err != nil {
			continue
		}
		var indexed abi.Arguments
		for _, arg := range ev.Inputs {
			if arg.Indexed {
				indexed = append(indexed, arg)
			}
		}
		if err := abi.ParseTopicsIntoMap(values, indexed, l.Topics[1:]); err != nil {
			continue
		}
		out = append(out, Event{Name: ev.Name, Address: l.Address, Values: values})
	}
	return out
}

// IsPending reports whether err means the receipt is simply not available yet.
func IsPending(err error) bool {
	return errors.Is(err, ErrReceiptNotFound) || errors.Is(err, chain.ErrReceiptNotFound)
}
