package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const revertErrorsJSON = `
	{"type":"error","name":"AlreadyExists","inputs":[{"name":"reason","type":"string"}]},
	{"type":"error","name":"NotFound","inputs":[{"name":"reason","type":"string"}]},
	{"type":"error","name":"RestrictedCaller","inputs":[{"name":"reason","type":"string"}]},
	{"type":"error","name":"AccessDenied","inputs":[{"name":"reason","type":"string"}]},
	{"type":"error","name":"UnauthorizedCall","inputs":[{"name":"reason","type":"string"}]},
	{"type":"error","name":"AlreadyEvaluated","inputs":[{"name":"reason","type":"string"}]},
	{"type":"error","name":"InvalidInput","inputs":[{"name":"reason","type":"string"}]},
	{"type":"error","name":"StaleNonce","inputs":[{"name":"reason","type":"string"}]},
	{"type":"error","name":"InvalidSignature","inputs":[{"name":"reason","type":"string"}]},
	{"type":"error","name":"SponsorExhausted","inputs":[{"name":"reason","type":"string"}]},
	{"type":"error","name":"FeeCapExceeded","inputs":[{"name":"reason","type":"string"}]},
	{"type":"error","name":"ViewCallFailed","inputs":[{"name":"inner","type":"bytes"}]}`

const opArgsJSON = `[
	{"name":"sender","type":"address"},
	{"name":"target","type":"address"},
	{"name":"callData","type":"bytes"},
	{"name":"initCode","type":"bytes"},
	{"name":"nonce","type":"uint64"},
	{"name":"sponsor","type":"address"},
	{"name":"maxFee","type":"uint64"},
	{"name":"signature","type":"bytes"}]`

const coordinatorJSON = `[
	{"type":"function","name":"handleOp","stateMutability":"nonpayable","inputs":` + opArgsJSON + `,"outputs":[{"name":"success","type":"bool"}]},
	{"type":"function","name":"simulateValidation","stateMutability":"view","inputs":` + opArgsJSON + `,"outputs":[
		{"name":"nonce","type":"uint64"},{"name":"fee","type":"uint64"},{"name":"deposit","type":"uint64"}]},
	{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"}],"outputs":[{"name":"","type":"uint64"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"sponsor","type":"address"}],"outputs":[{"name":"","type":"uint64"}]},
	{"type":"function","name":"depositTo","stateMutability":"nonpayable","inputs":[{"name":"sponsor","type":"address"},{"name":"amount","type":"uint64"}],"outputs":[]},
	{"type":"function","name":"feeFor","stateMutability":"pure","inputs":[{"name":"callData","type":"bytes"},{"name":"initCode","type":"bytes"}],"outputs":[{"name":"","type":"uint64"}]},
	{"type":"event","name":"UserOperationEvent","anonymous":false,"inputs":[
		{"name":"opHash","type":"bytes32","indexed":true},
		{"name":"sender","type":"address","indexed":true},
		{"name":"sponsor","type":"address","indexed":true},
		{"name":"nonce","type":"uint64","indexed":false},
		{"name":"success","type":"bool","indexed":false},
		{"name":"fee","type":"uint64","indexed":false}]},
	{"type":"event","name":"UserOperationRevertReason","anonymous":false,"inputs":[
		{"name":"opHash","type":"bytes32","indexed":true},
		{"name":"sender","type":"address","indexed":true},
		{"name":"reason","type":"bytes","indexed":false}]},
	{"type":"event","name":"AccountDeployed","anonymous":false,"inputs":[
		{"name":"opHash","type":"bytes32","indexed":true},
		{"name":"sender","type":"address","indexed":true},
		{"name":"factory","type":"address","indexed":false}]},
	{"type":"event","name":"Deposited","anonymous":false,"inputs":[
		{"name":"sponsor","type":"address","indexed":true},
		{"name":"total","type":"uint64","indexed":false}]},` + revertErrorsJSON + `
]`

const factoryJSON = `[
	{"type":"function","name":"createAccount","stateMutability":"nonpayable","inputs":[
		{"name":"owner","type":"address"},{"name":"profile","type":"string[]"},{"name":"salt","type":"bytes32"}],
		"outputs":[{"name":"account","type":"address"}]},
	{"type":"function","name":"getAddress","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"},{"name":"profile","type":"string[]"},{"name":"salt","type":"bytes32"}],
		"outputs":[{"name":"account","type":"address"}]},
	{"type":"function","name":"accountOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"account","type":"address"}]},
	{"type":"function","name":"kind","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"event","name":"AccountCreated","anonymous":false,"inputs":[
		{"name":"account","type":"address","indexed":true},
		{"name":"owner","type":"address","indexed":true},
		{"name":"kind","type":"uint8","indexed":false}]},` + revertErrorsJSON + `
]`

const accountJSON = `[
	{"type":"function","name":"validateSignature","stateMutability":"view","inputs":[
		{"name":"opHash","type":"bytes32"},{"name":"signature","type":"bytes"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"execute","stateMutability":"nonpayable","inputs":[
		{"name":"target","type":"address"},{"name":"data","type":"bytes"}],"outputs":[{"name":"","type":"bytes"}]},
	{"type":"function","name":"executeViewCall","stateMutability":"view","inputs":[
		{"name":"target","type":"address"},{"name":"data","type":"bytes"}],"outputs":[{"name":"","type":"bytes"}]},
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"profile","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string[]"}]},
	{"type":"function","name":"kind","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},

	{"type":"function","name":"requestAccess","stateMutability":"nonpayable","inputs":[{"name":"role","type":"uint8"}],"outputs":[]},
	{"type":"function","name":"grant","stateMutability":"nonpayable","inputs":[
		{"name":"counterpart","type":"address"},{"name":"role","type":"uint8"}],"outputs":[]},
	{"type":"function","name":"deny","stateMutability":"nonpayable","inputs":[
		{"name":"counterpart","type":"address"},{"name":"role","type":"uint8"}],"outputs":[]},
	{"type":"function","name":"revoke","stateMutability":"nonpayable","inputs":[{"name":"counterpart","type":"address"}],"outputs":[]},
	{"type":"function","name":"verify","stateMutability":"view","inputs":[{"name":"counterpart","type":"address"}],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"pendingRequests","stateMutability":"view","inputs":[],"outputs":[
		{"name":"counterparts","type":"address[]"},{"name":"roles","type":"uint8[]"}]},
	{"type":"function","name":"grantedAccess","stateMutability":"view","inputs":[],"outputs":[
		{"name":"counterparts","type":"address[]"},{"name":"roles","type":"uint8[]"}]},
	{"type":"function","name":"getStudentInfo","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string[]"}]},
	{"type":"function","name":"getResults","stateMutability":"view","inputs":[],"outputs":[
		{"name":"codes","type":"string[]"},
		{"name":"names","type":"string[]"},
		{"name":"degrees","type":"string[]"},
		{"name":"credits","type":"uint64[]"},
		{"name":"universities","type":"address[]"},
		{"name":"issuedAt","type":"uint64[]"},
		{"name":"grades","type":"string[]"},
		{"name":"certificates","type":"string[]"}]},
	{"type":"function","name":"enroll","stateMutability":"nonpayable","inputs":[
		{"name":"courseCode","type":"string"},
		{"name":"courseName","type":"string"},
		{"name":"degreeCourse","type":"string"},
		{"name":"credits","type":"uint64"}],"outputs":[]},
	{"type":"function","name":"evaluate","stateMutability":"nonpayable","inputs":[
		{"name":"courseCode","type":"string"},
		{"name":"grade","type":"string"},
		{"name":"date","type":"uint64"},
		{"name":"certificate","type":"string"}],"outputs":[]},

	{"type":"event","name":"AccessRequested","anonymous":false,"inputs":[
		{"name":"student","type":"address","indexed":true},
		{"name":"counterpart","type":"address","indexed":true},
		{"name":"role","type":"uint8","indexed":false}]},
	{"type":"event","name":"AccessGranted","anonymous":false,"inputs":[
		{"name":"student","type":"address","indexed":true},
		{"name":"counterpart","type":"address","indexed":true},
		{"name":"role","type":"uint8","indexed":false}]},
	{"type":"event","name":"AccessRequestDenied","anonymous":false,"inputs":[
		{"name":"student","type":"address","indexed":true},
		{"name":"counterpart","type":"address","indexed":true},
		{"name":"role","type":"uint8","indexed":false}]},
	{"type":"event","name":"AccessRevoked","anonymous":false,"inputs":[
		{"name":"student","type":"address","indexed":true},
		{"name":"counterpart","type":"address","indexed":true}]},
	{"type":"event","name":"ResultEnrolled","anonymous":false,"inputs":[
		{"name":"student","type":"address","indexed":true},
		{"name":"university","type":"address","indexed":true},
		{"name":"courseCode","type":"string","indexed":false}]},
	{"type":"event","name":"ResultEvaluated","anonymous":false,"inputs":[
		{"name":"student","type":"address","indexed":true},
		{"name":"university","type":"address","indexed":true},
		{"name":"courseCode","type":"string","indexed":false},
		{"name":"grade","type":"string","indexed":false}]},` + revertErrorsJSON + `
]`

// Parsed interfaces of the ledger contracts.
var (
	CoordinatorABI = mustParse(coordinatorJSON)
	FactoryABI     = mustParse(factoryJSON)
	AccountABI     = mustParse(accountJSON)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("contracts: parse abi: " + err.Error())
	}
	return parsed
}
