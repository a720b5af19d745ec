// Package contracts implements the ledger-resident programs: the account
// factories, the per-user smart account with its permission ledger, and the
// sponsor coordinator.
package contracts

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/acadledger/acadledger/internal/chain"
)

// Code kinds registered with the chain.
const (
	CodeCoordinator = "coordinator"
	CodeFactory     = "factory"
	CodeAccount     = "account"
)

// Network-wide contract addresses.
var (
	CoordinatorAddress       = common.HexToAddress("0x0000000000000000000000000000000000004337")
	StudentFactoryAddress    = common.HexToAddress("0x000000000000000000000000000000000000F001")
	UniversityFactoryAddress = common.HexToAddress("0x000000000000000000000000000000000000F002")
	EmployerFactoryAddress   = common.HexToAddress("0x000000000000000000000000000000000000F003")
)

// Kind is the account kind.
type Kind uint8

// Account kinds.
const (
	KindNone Kind = iota
	KindStudent
	KindUniversity
	KindEmployer
)

// Kinds lists the concrete account kinds.
var Kinds = []Kind{KindStudent, KindUniversity, KindEmployer}

func (k Kind) String() string {
	switch k {
	case KindStudent:
		return "student"
	case KindUniversity:
		return "university"
	case KindEmployer:
		return "employer"
	default:
		return "none"
	}
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "student":
		return KindStudent, nil
	case "university":
		return KindUniversity, nil
	case "employer":
		return KindEmployer, nil
	}
	return KindNone, fmt.Errorf("unknown account kind %q", s)
}

// ProfileFields returns the number of profile fields an account of kind holds.
// Student: name, surname, birth date, birth place, country.
// University: name, short name, country. Employer: name, country, sector.
func (k Kind) ProfileFields() int {
	switch k {
	case KindStudent:
		return 5
	case KindUniversity, KindEmployer:
		return 3
	}
	return 0
}

// Factory returns the factory deployment for kind.
func (k Kind) Factory() common.Address {
	switch k {
	case KindStudent:
		return StudentFactoryAddress
	case KindUniversity:
		return UniversityFactoryAddress
	case KindEmployer:
		return EmployerFactoryAddress
	}
	return common.Address{}
}

func factoryKind(addr common.Address) Kind {
	for _, k := range Kinds {
		if k.Factory() == addr {
			return k
		}
	}
	return KindNone
}

// Role is a capability over a student's record.
type Role uint8

// Roles.
const (
	RoleNone         Role = 0
	RoleRead         Role = 1
	RoleWrite        Role = 2
	RoleEmployerRead Role = 3
)

// Roles lists the grantable roles.
var Roles = []Role{RoleRead, RoleWrite, RoleEmployerRead}

func (r Role) String() string {
	switch r {
	case RoleRead:
		return "read"
	case RoleWrite:
		return "write"
	case RoleEmployerRead:
		return "employer_read"
	default:
		return "none"
	}
}

// ParseRole parses a role name.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return RoleRead, nil
	case "write":
		return RoleWrite, nil
	case "employer_read", "employerread":
		return RoleEmployerRead, nil
	}
	return RoleNone, fmt.Errorf("unknown role %q", s)
}

// Valid reports whether r is a grantable role.
func (r Role) Valid() bool {
	return r == RoleRead || r == RoleWrite || r == RoleEmployerRead
}

// rank orders roles by privilege: Write > Read > EmployerRead.
func (r Role) rank() int {
	switch r {
	case RoleWrite:
		return 3
	case RoleRead:
		return 2
	case RoleEmployerRead:
		return 1
	}
	return 0
}

// Higher returns the more privileged of two roles.
func Higher(a, b Role) Role {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

func accountKey(account common.Address, field string) string {
	return chain.Key("account", account.Hex(), field)
}

func ownerIndexKey(factory, owner common.Address) string {
	return chain.Key("factory", factory.Hex(), "owner", owner.Hex())
}

func permKey(student common.Address, phase string, counterpart common.Address, role Role) string {
	return chain.Key("perm", student.Hex(), phase, counterpart.Hex(), fmt.Sprint(uint8(role)))
}

func permPrefix(student common.Address, phase string) string {
	return chain.Key("perm", student.Hex(), phase) + "/"
}

func resultKey(student common.Address, seq uint64) string {
	return chain.Key("result", student.Hex(), chain.KeyUint(seq))
}

func resultIndexKey(student common.Address, code string) string {
	return chain.Key("resultidx", student.Hex(), code)
}

func resultCountKey(student common.Address) string {
	return chain.Key("resultcount", student.Hex())
}

func nonceKey(sender common.Address) string {
	return chain.Key("ep", "nonce", sender.Hex())
}

func depositKey(sponsor common.Address) string {
	return chain.Key("ep", "deposit", sponsor.Hex())
}

func getUint(cc *chain.CallContext, key string) (uint64, error) {
	raw, ok, err := cc.Get(key)
	if err != nil || !ok {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt integer at %s", key)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func putUint(cc *chain.CallContext, key string, v uint64) error {
	return cc.Put(key, binary.BigEndian.AppendUint64(nil, v))
}
