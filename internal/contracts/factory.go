package contracts

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/text/unicode/norm"

	"github.com/acadledger/acadledger/internal/chain"
)

var ownerProfileArgs = abi.Arguments{
	{Name: "owner", Type: mustType("address")},
	{Name: "profile", Type: mustType("string[]")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// NormalizeProfile returns the canonical form of profile fields: trimmed and
// NFC normalised.
func NormalizeProfile(profile []string) []string {
	out := make([]string, len(profile))
	for i, field := range profile {
		out[i] = norm.NFC.String(strings.TrimSpace(field))
	}
	return out
}

// PredictAddress computes the CREATE2 address the factory for kind assigns to
// (owner, profile, salt). It is pure.
func PredictAddress(kind Kind, owner common.Address, profile []string, salt [32]byte) common.Address {
	encoded, err := ownerProfileArgs.Pack(owner, NormalizeProfile(profile))
	if err != nil {
		return common.Address{}
	}
	initHash := crypto.Keccak256(append([]byte{byte(kind)}, encoded...))
	return crypto.CreateAddress2(kind.Factory(), salt, initHash)
}

// Factory deploys accounts of the kind bound to its address.
type Factory struct {
	Coordinator common.Address
}

// Run dispatches a factory message.
func (f Factory) Run(cc *chain.CallContext, input []byte) ([]byte, error) {
	method, args, err := decodeCall(FactoryABI, input)
	if err != nil {
		return nil, err
	}
	kind := factoryKind(cc.Self)
	if kind == KindNone {
		return nil, revert("NotFound", "factory %s is not bound to a kind", cc.Self.Hex())
	}

	switch method.Name {
	case "createAccount":
		owner, profile, salt := args[0].(common.Address), args[1].([]string), args[2].([32]byte)
		account, err := f.createAccount(cc, kind, owner, profile, salt)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(account)
	case "getAddress":
		owner, profile, salt := args[0].(common.Address), args[1].([]string), args[2].([32]byte)
		return method.Outputs.Pack(PredictAddress(kind, owner, profile, salt))
	case "accountOf":
		raw, ok, err := cc.Get(ownerIndexKey(cc.Self, args[0].(common.Address)))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, revert("NotFound", "no %s account for this identity", kind)
		}
		return method.Outputs.Pack(common.BytesToAddress(raw))
	case "kind":
		return method.Outputs.Pack(uint8(kind))
	}
	return nil, revert("InvalidInput", "unsupported method %s", method.Name)
}

func (f Factory) createAccount(cc *chain.CallContext, kind Kind, owner common.Address, profile []string, salt [32]byte) (common.Address, error) {
	if owner == (common.Address{}) {
		return common.Address{}, revert("InvalidInput", "owner is required")
	}
	profile = NormalizeProfile(profile)
	if len(profile) != kind.ProfileFields() {
		return common.Address{}, revert("InvalidInput", "%s profile needs %d fields, got %d", kind, kind.ProfileFields(), len(profile))
	}
	for i, field := range profile {
		if field == "" {
			return common.Address{}, revert("InvalidInput", "profile field %d is empty", i)
		}
	}

	switch kind {
	case KindStudent:
		callerKind, err := accountKindOf(cc, cc.Sender)
		if err != nil {
			return common.Address{}, err
		}
		if callerKind != KindUniversity {
			return common.Address{}, revert("RestrictedCaller", "only universities may register students")
		}
	default:
		if cc.Sender != f.Coordinator {
			return common.Address{}, revert("RestrictedCaller", "%s accounts are deployed through a sponsored operation", kind)
		}
	}

	if _, ok, err := cc.Get(ownerIndexKey(cc.Self, owner)); err != nil {
		return common.Address{}, err
	} else if ok {
		return common.Address{}, revert("AlreadyExists", "identity already owns a %s account", kind)
	}

	account := PredictAddress(kind, owner, profile, salt)
	if err := cc.Deploy(account, CodeAccount); err != nil {
		if errors.Is(err, chain.ErrCodeExists) {
			return common.Address{}, revert("AlreadyExists", "account address already in use")
		}
		return common.Address{}, err
	}
	encodedProfile, err := json.Marshal(profile)
	if err != nil {
		return common.Address{}, err
	}
	writes := []struct {
		key   string
		value []byte
	}{
		{accountKey(account, "owner"), owner.Bytes()},
		{accountKey(account, "kind"), []byte{byte(kind)}},
		{accountKey(account, "profile"), encodedProfile},
		{ownerIndexKey(cc.Self, owner), account.Bytes()},
	}
	for _, w := range writes {
		if err := cc.Put(w.key, w.value); err != nil {
			return common.Address{}, err
		}
	}
	if err := emit(cc, FactoryABI, "AccountCreated", []common.Hash{common.BytesToHash(account.Bytes()), common.BytesToHash(owner.Bytes())}, uint8(kind)); err != nil {
		return common.Address{}, err
	}
	return account, nil
}

// accountKindOf returns the kind of the account deployed at addr, or KindNone.
func accountKindOf(cc *chain.CallContext, addr common.Address) (Kind, error) {
	raw, ok, err := cc.Get(accountKey(addr, "kind"))
	if err != nil || !ok || len(raw) != 1 {
		return KindNone, err
	}
	return Kind(raw[0]), nil
}

func decodeCall(contract abi.ABI, input []byte) (*abi.Method, []any, error) {
	if len(input) < 4 {
		return nil, nil, revert("InvalidInput", "calldata too short")
	}
	method, err := contract.MethodById(input[:4])
	if err != nil {
		return nil, nil, revert("InvalidInput", "unknown selector %x", input[:4])
	}
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return nil, nil, revert("InvalidInput", "decode %s arguments: %v", method.Name, err)
	}
	return method, args, nil
}

// emit packs the non-indexed fields of event and logs it with topic0 first.
func emit(cc *chain.CallContext, contract abi.ABI, event string, indexed []common.Hash, data ...any) error {
	ev, ok := contract.Events[event]
	if !ok {
		return revert("NotFound", "unknown event %s", event)
	}
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return err
	}
	topics := append([]common.Hash{ev.ID}, indexed...)
	return cc.Emit(topics, packed)
}
