package contracts

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/acadledger/acadledger/internal/chain"
)

// Account is the per-user smart account. Student accounts additionally carry
// the permission ledger and the result list.
type Account struct {
	Coordinator common.Address
}

type accountState struct {
	owner common.Address
	kind  Kind
}

func loadAccount(cc *chain.CallContext) (accountState, error) {
	raw, ok, err := cc.Get(accountKey(cc.Self, "owner"))
	if err != nil {
		return accountState{}, err
	}
	if !ok {
		return accountState{}, revert("NotFound", "account %s is not initialised", cc.Self.Hex())
	}
	kind, err := accountKindOf(cc, cc.Self)
	if err != nil {
		return accountState{}, err
	}
	return accountState{owner: common.BytesToAddress(raw), kind: kind}, nil
}

// Run dispatches an account message.
func (a Account) Run(cc *chain.CallContext, input []byte) ([]byte, error) {
	if len(input) == 0 {
		// Plain value transfers are accepted without effect.
		return nil, nil
	}
	method, args, err := decodeCall(AccountABI, input)
	if err != nil {
		return nil, err
	}
	acct, err := loadAccount(cc)
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "validateSignature":
		return method.Outputs.Pack(ValidSignature(acct.owner, args[0].([32]byte), args[1].([]byte)))
	case "execute":
		return a.execute(cc, method, acct, args[0].(common.Address), args[1].([]byte))
	case "executeViewCall":
		return a.executeViewCall(cc, method, acct, args[0].(common.Address), args[1].([]byte))
	case "owner":
		return method.Outputs.Pack(acct.owner)
	case "profile":
		if acct.kind == KindStudent {
			return nil, revert("RestrictedCaller", "student profiles are read through getStudentInfo")
		}
		profile, err := loadProfile(cc)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(profile)
	case "kind":
		return method.Outputs.Pack(uint8(acct.kind))
	}

	if acct.kind != KindStudent {
		return nil, revert("RestrictedCaller", "%s is only available on student accounts", method.Name)
	}
	return student{cc: cc, owner: acct.owner}.dispatch(method, args)
}

// ValidSignature reports whether signature is the owner's signature over the
// EIP-191 text hash of opHash. Both 0/1 and 27/28 recovery ids are accepted.
func ValidSignature(owner common.Address, opHash [32]byte, signature []byte) bool {
	if len(signature) != crypto.SignatureLength {
		return false
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(opHash[:]), sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == owner
}

func (a Account) execute(cc *chain.CallContext, method *abi.Method, acct accountState, target common.Address, data []byte) ([]byte, error) {
	if cc.Sender != a.Coordinator && cc.Sender != acct.owner {
		return nil, revert("UnauthorizedCall", "execute is restricted to the owner and the coordinator")
	}
	ret, err := cc.Call(target, data)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(ret)
}

func (a Account) executeViewCall(cc *chain.CallContext, method *abi.Method, acct accountState, target common.Address, data []byte) ([]byte, error) {
	if cc.Sender != acct.owner {
		return nil, revert("UnauthorizedCall", "view calls are restricted to the owner")
	}
	ret, err := cc.StaticCall(target, data)
	if err != nil {
		if chain.Fatal(err) {
			return nil, err
		}
		return nil, &ViewCallFailed{Inner: chain.RevertPayload(err)}
	}
	return method.Outputs.Pack(ret)
}

func loadProfile(cc *chain.CallContext) ([]string, error) {
	raw, ok, err := cc.Get(accountKey(cc.Self, "profile"))
	if err != nil || !ok {
		return []string{}, err
	}
	var profile []string
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, err
	}
	return profile, nil
}
