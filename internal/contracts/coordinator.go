package contracts

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/acadledger/acadledger/internal/chain"
)

// Operation is the sponsored operation as seen by the coordinator.
type Operation struct {
	Sender    common.Address
	Target    common.Address
	CallData  []byte
	InitCode  []byte
	Nonce     uint64
	Sponsor   common.Address
	MaxFee    uint64
	Signature []byte
}

var opHashArgs = abi.Arguments{
	{Type: mustType("address")},
	{Type: mustType("address")},
	{Type: mustType("bytes32")},
	{Type: mustType("bytes32")},
	{Type: mustType("uint64")},
	{Type: mustType("address")},
	{Type: mustType("uint64")},
	{Type: mustType("uint64")},
	{Type: mustType("address")},
}

// Hash returns the canonical operation hash the owner signs. The signature
// itself is excluded.
func (op Operation) Hash(chainID uint64, coordinator common.Address) common.Hash {
	packed, err := opHashArgs.Pack(
		op.Sender,
		op.Target,
		crypto.Keccak256Hash(op.CallData),
		crypto.Keccak256Hash(op.InitCode),
		op.Nonce,
		op.Sponsor,
		op.MaxFee,
		chainID,
		coordinator,
	)
	if err != nil {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(packed)
}

// Pack encodes op as calldata for method (handleOp or simulateValidation).
func (op Operation) Pack(method string) ([]byte, error) {
	return CoordinatorABI.Pack(method, op.Sender, op.Target, op.CallData, op.InitCode, op.Nonce, op.Sponsor, op.MaxFee, op.Signature)
}

func operationFromArgs(args []any) Operation {
	return Operation{
		Sender:    args[0].(common.Address),
		Target:    args[1].(common.Address),
		CallData:  args[2].([]byte),
		InitCode:  args[3].([]byte),
		Nonce:     args[4].(uint64),
		Sponsor:   args[5].(common.Address),
		MaxFee:    args[6].(uint64),
		Signature: args[7].([]byte),
	}
}

// InitCode builds deployment init code: the factory address followed by its
// createAccount calldata.
func InitCode(kind Kind, owner common.Address, profile []string, salt [32]byte) ([]byte, error) {
	data, err := FactoryABI.Pack("createAccount", owner, NormalizeProfile(profile), salt)
	if err != nil {
		return nil, err
	}
	return append(kind.Factory().Bytes(), data...), nil
}

// Coordinator holds sponsor deposits and per-sender nonces and forwards
// validated operations to their sender account.
type Coordinator struct {
	Operator common.Address
	BaseFee  uint64
	ByteFee  uint64
}

// Fee returns the fee charged for an operation.
func (c Coordinator) Fee(callData, initCode []byte) uint64 {
	return c.BaseFee + c.ByteFee*uint64(len(callData)+len(initCode))
}

// Run dispatches a coordinator message.
func (c Coordinator) Run(cc *chain.CallContext, input []byte) ([]byte, error) {
	method, args, err := decodeCall(CoordinatorABI, input)
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "handleOp":
		ok, err := c.handleOp(cc, operationFromArgs(args))
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(ok)
	case "simulateValidation":
		op := operationFromArgs(args)
		current, err := getUint(cc, nonceKey(op.Sender))
		if err != nil {
			return nil, err
		}
		fee, deposit, err := c.validate(cc, op, op.Hash(cc.ChainID(), cc.Self), false)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(current, fee, deposit)
	case "getNonce":
		n, err := getUint(cc, nonceKey(args[0].(common.Address)))
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(n)
	case "balanceOf":
		n, err := getUint(cc, depositKey(args[0].(common.Address)))
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(n)
	case "depositTo":
		return nil, c.depositTo(cc, args[0].(common.Address), args[1].(uint64))
	case "feeFor":
		return method.Outputs.Pack(c.Fee(args[0].([]byte), args[1].([]byte)))
	}
	return nil, revert("InvalidInput", "unsupported method %s", method.Name)
}

// validate runs the checks that decide whether op may be applied at all.
// strict requires the nonce to equal the current one; simulation accepts a
// future nonce so queued operations can be validated ahead of inclusion.
func (c Coordinator) validate(cc *chain.CallContext, op Operation, opHash common.Hash, strict bool) (fee, deposit uint64, err error) {
	if err := c.deploy(cc, op, opHash); err != nil {
		return 0, 0, err
	}

	current, err := getUint(cc, nonceKey(op.Sender))
	if err != nil {
		return 0, 0, err
	}
	if op.Nonce < current || (strict && op.Nonce != current) {
		return 0, 0, revert("StaleNonce", "nonce %d does not match expected %d", op.Nonce, current)
	}

	data, err := AccountABI.Pack("validateSignature", [32]byte(opHash), op.Signature)
	if err != nil {
		return 0, 0, err
	}
	ret, err := cc.StaticCall(op.Sender, data)
	if err != nil {
		if chain.Fatal(err) {
			return 0, 0, err
		}
		return 0, 0, revert("InvalidSignature", "sender rejected signature validation")
	}
	out, err := AccountABI.Unpack("validateSignature", ret)
	if err != nil || len(out) != 1 || !out[0].(bool) {
		return 0, 0, revert("InvalidSignature", "signature does not match the account owner")
	}

	fee = c.Fee(op.CallData, op.InitCode)
	if fee > op.MaxFee {
		return 0, 0, revert("FeeCapExceeded", "fee %d exceeds cap %d", fee, op.MaxFee)
	}
	deposit, err = getUint(cc, depositKey(op.Sponsor))
	if err != nil {
		return 0, 0, err
	}
	if deposit < fee {
		return 0, 0, revert("SponsorExhausted", "sponsor deposit %d cannot cover fee %d", deposit, fee)
	}
	return fee, deposit, nil
}

func (c Coordinator) deploy(cc *chain.CallContext, op Operation, opHash common.Hash) error {
	_, deployed, err := cc.CodeAt(op.Sender)
	if err != nil {
		return err
	}
	if len(op.InitCode) == 0 {
		if !deployed {
			return revert("NotFound", "sender %s has no account code", op.Sender.Hex())
		}
		return nil
	}
	if deployed {
		return revert("AlreadyExists", "sender %s is already deployed", op.Sender.Hex())
	}
	if len(op.InitCode) < common.AddressLength {
		return revert("InvalidInput", "init code too short")
	}
	factory := common.BytesToAddress(op.InitCode[:common.AddressLength])
	if kind, ok, err := cc.CodeAt(factory); err != nil {
		return err
	} else if !ok || kind != CodeFactory {
		return revert("InvalidInput", "init code does not name a factory")
	}
	ret, err := cc.Call(factory, op.InitCode[common.AddressLength:])
	if err != nil {
		return err
	}
	out, err := FactoryABI.Unpack("createAccount", ret)
	if err != nil || len(out) != 1 {
		return revert("InvalidInput", "factory returned malformed address")
	}
	if out[0].(common.Address) != op.Sender {
		return revert("InvalidInput", "init code deploys %s, not the sender", out[0].(common.Address).Hex())
	}
	return emit(cc, CoordinatorABI, "AccountDeployed", []common.Hash{opHash, common.BytesToHash(op.Sender.Bytes())}, factory)
}

func (c Coordinator) handleOp(cc *chain.CallContext, op Operation) (bool, error) {
	opHash := op.Hash(cc.ChainID(), cc.Self)
	fee, deposit, err := c.validate(cc, op, opHash, true)
	if err != nil {
		return false, err
	}
	if err := putUint(cc, nonceKey(op.Sender), op.Nonce+1); err != nil {
		return false, err
	}
	if err := putUint(cc, depositKey(op.Sponsor), deposit-fee); err != nil {
		return false, err
	}

	data, err := AccountABI.Pack("execute", op.Target, op.CallData)
	if err != nil {
		return false, err
	}
	_, callErr := cc.Call(op.Sender, data)
	if callErr != nil {
		if chain.Fatal(callErr) {
			return false, callErr
		}
		if err := emit(cc, CoordinatorABI, "UserOperationRevertReason",
			[]common.Hash{opHash, common.BytesToHash(op.Sender.Bytes())}, chain.RevertPayload(callErr)); err != nil {
			return false, err
		}
	}
	success := callErr == nil
	if err := emit(cc, CoordinatorABI, "UserOperationEvent",
		[]common.Hash{opHash, common.BytesToHash(op.Sender.Bytes()), common.BytesToHash(op.Sponsor.Bytes())},
		op.Nonce, success, fee); err != nil {
		return false, err
	}
	return success, nil
}

func (c Coordinator) depositTo(cc *chain.CallContext, sponsor common.Address, amount uint64) error {
	if cc.Sender != c.Operator {
		return revert("RestrictedCaller", "only the operator may fund sponsors")
	}
	current, err := getUint(cc, depositKey(sponsor))
	if err != nil {
		return err
	}
	total := current + amount
	if total < current {
		return revert("InvalidInput", "deposit overflow")
	}
	if err := putUint(cc, depositKey(sponsor), total); err != nil {
		return err
	}
	return emit(cc, CoordinatorABI, "Deposited", []common.Hash{common.BytesToHash(sponsor.Bytes())}, total)
}
