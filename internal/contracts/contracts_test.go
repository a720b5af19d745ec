package contracts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acadledger/acadledger/internal/chain"
	"github.com/acadledger/acadledger/internal/identity"
	"github.com/acadledger/acadledger/internal/shared"
)

const testChainID = 1337

type harness struct {
	t        *testing.T
	ctx      context.Context
	chain    *chain.Chain
	operator *identity.Identity
	sponsor  common.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	operator, err := identity.Generate()
	require.NoError(t, err)
	c := chain.New(chain.NewMemoryStore(), chain.Options{ChainID: testChainID, Now: func() time.Time { return time.Unix(1_700_000_000, 0) }})
	require.NoError(t, Install(ctx, c, Coordinator{Operator: operator.Address(), BaseFee: 10, ByteFee: 1}))

	h := &harness{t: t, ctx: ctx, chain: c, operator: operator, sponsor: common.HexToAddress("0x5905")}
	h.deposit(1_000_000)
	return h
}

func (h *harness) deposit(amount uint64) {
	h.t.Helper()
	data, err := CoordinatorABI.Pack("depositTo", h.sponsor, amount)
	require.NoError(h.t, err)
	r := h.send(h.operator.Address(), CoordinatorAddress, data)
	require.True(h.t, r.Succeeded(), DescribeRevert(r.RevertData))
}

func (h *harness) send(from, to common.Address, data []byte) *chain.Receipt {
	h.t.Helper()
	r, err := h.chain.SendTransaction(h.ctx, chain.Tx{From: from, To: to, Data: data})
	require.NoError(h.t, err)
	return r
}

func (h *harness) nonce(sender common.Address) uint64 {
	h.t.Helper()
	data, err := CoordinatorABI.Pack("getNonce", sender)
	require.NoError(h.t, err)
	out, err := h.chain.Call(h.ctx, common.Address{}, CoordinatorAddress, data)
	require.NoError(h.t, err)
	vals, err := CoordinatorABI.Unpack("getNonce", out)
	require.NoError(h.t, err)
	return vals[0].(uint64)
}

func (h *harness) signedOp(owner *identity.Identity, sender, target common.Address, callData, initCode []byte) Operation {
	h.t.Helper()
	op := Operation{
		Sender:   sender,
		Target:   target,
		CallData: callData,
		InitCode: initCode,
		Nonce:    h.nonce(sender),
		Sponsor:  h.sponsor,
		MaxFee:   100_000,
	}
	h.sign(owner, &op)
	return op
}

func (h *harness) sign(owner *identity.Identity, op *Operation) {
	h.t.Helper()
	hash := op.Hash(testChainID, CoordinatorAddress)
	sig, err := owner.SignHash(accounts.TextHash(hash[:]))
	require.NoError(h.t, err)
	op.Signature = sig
}

func (h *harness) handleOp(op Operation) *chain.Receipt {
	h.t.Helper()
	data, err := op.Pack("handleOp")
	require.NoError(h.t, err)
	return h.send(h.operator.Address(), CoordinatorAddress, data)
}

// registerViaOp deploys a university or employer account through a sponsored operation.
func (h *harness) registerViaOp(kind Kind, owner *identity.Identity, profile []string) common.Address {
	h.t.Helper()
	var salt [32]byte
	account := PredictAddress(kind, owner.Address(), profile, salt)
	initCode, err := InitCode(kind, owner.Address(), profile, salt)
	require.NoError(h.t, err)
	r := h.handleOp(h.signedOp(owner, account, account, nil, initCode))
	require.True(h.t, r.Succeeded(), DescribeRevert(r.RevertData))
	require.True(h.t, opSucceeded(h.t, r))
	return account
}

// ownerExec runs execute(target, data) on account directly from its owner.
func (h *harness) ownerExec(owner *identity.Identity, account, target common.Address, data []byte) *chain.Receipt {
	h.t.Helper()
	call, err := AccountABI.Pack("execute", target, data)
	require.NoError(h.t, err)
	return h.send(owner.Address(), account, call)
}

func (h *harness) registerStudent(uniOwner *identity.Identity, uni common.Address, owner *identity.Identity) common.Address {
	h.t.Helper()
	profile := []string{"Ada", "Lovelace", "1815-12-10", "London", "UK"}
	data, err := FactoryABI.Pack("createAccount", owner.Address(), profile, [32]byte{})
	require.NoError(h.t, err)
	r := h.ownerExec(uniOwner, uni, StudentFactoryAddress, data)
	require.True(h.t, r.Succeeded(), DescribeRevert(r.RevertData))
	return PredictAddress(KindStudent, owner.Address(), profile, [32]byte{})
}

// viewCall performs executeViewCall from the owner of account and returns the inner return data.
func (h *harness) viewCall(owner *identity.Identity, account, target common.Address, data []byte) ([]byte, error) {
	call, err := AccountABI.Pack("executeViewCall", target, data)
	require.NoError(h.t, err)
	out, err := h.chain.Call(h.ctx, owner.Address(), account, call)
	if err != nil {
		var rev *chain.RevertError
		if errors.As(err, &rev) {
			return nil, DecodeRevert(rev.Data)
		}
		return nil, err
	}
	vals, err := AccountABI.Unpack("executeViewCall", out)
	require.NoError(h.t, err)
	return vals[0].([]byte), nil
}

func opSucceeded(t *testing.T, r *chain.Receipt) bool {
	t.Helper()
	ev := CoordinatorABI.Events["UserOperationEvent"]
	for _, l := range r.Logs {
		if l.Address == CoordinatorAddress && l.Topics[0] == ev.ID {
			vals, err := ev.Inputs.NonIndexed().Unpack(l.Data)
			require.NoError(t, err)
			return vals[1].(bool)
		}
	}
	t.Fatalf("no UserOperationEvent in receipt")
	return false
}

func findLog(r *chain.Receipt, contract common.Address, event common.Hash) *types.Log {
	for _, l := range r.Logs {
		if l.Address == contract && l.Topics[0] == event {
			return l
		}
	}
	return nil
}

func mustIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

func TestRegisterAndLookup(t *testing.T) {
	h := newHarness(t)
	owner := mustIdentity(t)
	profile := []string{"Università di Pisa", "UNIPI", "IT"}
	uni := h.registerViaOp(KindUniversity, owner, profile)

	data, err := FactoryABI.Pack("accountOf", owner.Address())
	require.NoError(t, err)
	out, err := h.chain.Call(h.ctx, common.Address{}, UniversityFactoryAddress, data)
	require.NoError(t, err)
	vals, err := FactoryABI.Unpack("accountOf", out)
	require.NoError(t, err)
	assert.Equal(t, uni, vals[0].(common.Address))

	data, err = FactoryABI.Pack("getAddress", owner.Address(), profile, [32]byte{})
	require.NoError(t, err)
	out, err = h.chain.Call(h.ctx, common.Address{}, UniversityFactoryAddress, data)
	require.NoError(t, err)
	vals, err = FactoryABI.Unpack("getAddress", out)
	require.NoError(t, err)
	assert.Equal(t, uni, vals[0].(common.Address))

	kind, ok, err := h.chain.CodeAt(h.ctx, uni)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, CodeAccount, kind)
}

func TestSecondRegistrationFails(t *testing.T) {
	h := newHarness(t)
	owner := mustIdentity(t)
	h.registerViaOp(KindEmployer, owner, []string{"Acme", "IT", "Software"})

	salt := [32]byte{1}
	profile := []string{"Acme Two", "IT", "Software"}
	account := PredictAddress(KindEmployer, owner.Address(), profile, salt)
	initCode, err := InitCode(KindEmployer, owner.Address(), profile, salt)
	require.NoError(t, err)
	r := h.handleOp(h.signedOp(owner, account, account, nil, initCode))
	require.False(t, r.Succeeded())
	require.ErrorIs(t, DecodeRevert(r.RevertData), shared.ErrAlreadyExists)
}

func TestPredictAddressIsPure(t *testing.T) {
	owner := common.HexToAddress("0x01")
	profile := []string{"A", "B", "C"}
	a := PredictAddress(KindUniversity, owner, profile, [32]byte{7})
	b := PredictAddress(KindUniversity, owner, []string{" A", "B ", "C"}, [32]byte{7})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, PredictAddress(KindEmployer, owner, profile, [32]byte{7}))
	assert.NotEqual(t, a, PredictAddress(KindUniversity, owner, profile, [32]byte{8}))
}

func TestStudentRegistrationRequiresUniversity(t *testing.T) {
	h := newHarness(t)
	empOwner := mustIdentity(t)
	emp := h.registerViaOp(KindEmployer, empOwner, []string{"Acme", "IT", "Software"})

	data, err := FactoryABI.Pack("createAccount", mustIdentity(t).Address(), []string{"a", "b", "c", "d", "e"}, [32]byte{})
	require.NoError(t, err)
	r := h.ownerExec(empOwner, emp, StudentFactoryAddress, data)
	require.False(t, r.Succeeded())
	require.ErrorIs(t, DecodeRevert(r.RevertData), shared.ErrRestrictedCaller)

	uniOwner := mustIdentity(t)
	uni := h.registerViaOp(KindUniversity, uniOwner, []string{"Uni", "U", "IT"})
	studentOwner := mustIdentity(t)
	h.registerStudent(uniOwner, uni, studentOwner)

	data, err = FactoryABI.Pack("createAccount", studentOwner.Address(), []string{"x", "y", "z", "w", "v"}, [32]byte{2})
	require.NoError(t, err)
	r = h.ownerExec(uniOwner, uni, StudentFactoryAddress, data)
	require.False(t, r.Succeeded())
	require.ErrorIs(t, DecodeRevert(r.RevertData), shared.ErrAlreadyExists)
}

func TestUniversityRegistrationOutsideCoordinatorRejected(t *testing.T) {
	h := newHarness(t)
	owner := mustIdentity(t)
	data, err := FactoryABI.Pack("createAccount", owner.Address(), []string{"Uni", "U", "IT"}, [32]byte{})
	require.NoError(t, err)
	r := h.send(owner.Address(), UniversityFactoryAddress, data)
	require.False(t, r.Succeeded())
	require.ErrorIs(t, DecodeRevert(r.RevertData), shared.ErrRestrictedCaller)
}

type world struct {
	*harness
	uniOwner, studentOwner *identity.Identity
	uni, student           common.Address
}

func newWorld(t *testing.T) *world {
	h := newHarness(t)
	w := &world{harness: h, uniOwner: mustIdentity(t), studentOwner: mustIdentity(t)}
	w.uni = h.registerViaOp(KindUniversity, w.uniOwner, []string{"Uni", "U", "IT"})
	w.student = h.registerStudent(w.uniOwner, w.uni, w.studentOwner)
	return w
}

func (w *world) uniCall(method string, args ...any) *chain.Receipt {
	w.t.Helper()
	data, err := AccountABI.Pack(method, args...)
	require.NoError(w.t, err)
	return w.ownerExec(w.uniOwner, w.uni, w.student, data)
}

func (w *world) studentCall(method string, args ...any) *chain.Receipt {
	w.t.Helper()
	data, err := AccountABI.Pack(method, args...)
	require.NoError(w.t, err)
	return w.ownerExec(w.studentOwner, w.student, w.student, data)
}

func (w *world) verify(counterpart common.Address) Role {
	w.t.Helper()
	data, err := AccountABI.Pack("verify", counterpart)
	require.NoError(w.t, err)
	out, err := w.chain.Call(w.ctx, counterpart, w.student, data)
	require.NoError(w.t, err)
	vals, err := AccountABI.Unpack("verify", out)
	require.NoError(w.t, err)
	return Role(vals[0].(uint8))
}

func (w *world) pending() []common.Address {
	w.t.Helper()
	data, err := AccountABI.Pack("pendingRequests")
	require.NoError(w.t, err)
	out, err := w.chain.Call(w.ctx, w.studentOwner.Address(), w.student, data)
	require.NoError(w.t, err)
	vals, err := AccountABI.Unpack("pendingRequests", out)
	require.NoError(w.t, err)
	return vals[0].([]common.Address)
}

func TestPermissionRoundTrip(t *testing.T) {
	w := newWorld(t)

	require.True(t, w.uniCall("requestAccess", uint8(RoleRead)).Succeeded())
	require.True(t, w.uniCall("requestAccess", uint8(RoleRead)).Succeeded())
	assert.Equal(t, []common.Address{w.uni}, w.pending())
	assert.Equal(t, RoleNone, w.verify(w.uni))

	r := w.studentCall("grant", w.uni, uint8(RoleRead))
	require.True(t, r.Succeeded(), DescribeRevert(r.RevertData))
	assert.NotNil(t, findLog(r, w.student, AccountABI.Events["AccessGranted"].ID))
	assert.Equal(t, RoleRead, w.verify(w.uni))
	assert.Empty(t, w.pending())

	require.True(t, w.studentCall("revoke", w.uni).Succeeded())
	assert.Equal(t, RoleNone, w.verify(w.uni))
	r = w.studentCall("revoke", w.uni)
	require.True(t, r.Succeeded())
	assert.Empty(t, r.Logs)
}

func TestGrantRequiresPendingRequest(t *testing.T) {
	w := newWorld(t)
	r := w.studentCall("grant", w.uni, uint8(RoleWrite))
	require.False(t, r.Succeeded())
	require.ErrorIs(t, DecodeRevert(r.RevertData), shared.ErrNotFound)
}

func TestOnlyStudentMayGrant(t *testing.T) {
	w := newWorld(t)
	require.True(t, w.uniCall("requestAccess", uint8(RoleWrite)).Succeeded())
	r := w.uniCall("grant", w.uni, uint8(RoleWrite))
	require.False(t, r.Succeeded())
	require.ErrorIs(t, DecodeRevert(r.RevertData), shared.ErrRestrictedCaller)
}

func TestDenyRemovesRequest(t *testing.T) {
	w := newWorld(t)
	require.True(t, w.uniCall("requestAccess", uint8(RoleRead)).Succeeded())
	require.True(t, w.studentCall("deny", w.uni, uint8(RoleRead)).Succeeded())
	assert.Empty(t, w.pending())
	assert.Equal(t, RoleNone, w.verify(w.uni))
}

func TestEmployerReadRestrictedToEmployers(t *testing.T) {
	w := newWorld(t)
	r := w.uniCall("requestAccess", uint8(RoleEmployerRead))
	require.False(t, r.Succeeded())
	require.ErrorIs(t, DecodeRevert(r.RevertData), shared.ErrRestrictedCaller)

	empOwner := mustIdentity(t)
	emp := w.registerViaOp(KindEmployer, empOwner, []string{"Acme", "IT", "Software"})
	data, err := AccountABI.Pack("requestAccess", uint8(RoleRead))
	require.NoError(t, err)
	r = w.ownerExec(empOwner, emp, w.student, data)
	require.ErrorIs(t, DecodeRevert(r.RevertData), shared.ErrRestrictedCaller)

	data, err = AccountABI.Pack("requestAccess", uint8(RoleEmployerRead))
	require.NoError(t, err)
	require.True(t, w.ownerExec(empOwner, emp, w.student, data).Succeeded())
	require.True(t, w.studentCall("grant", emp, uint8(RoleEmployerRead)).Succeeded())
	assert.Equal(t, RoleEmployerRead, w.verify(emp))

	info, err := AccountABI.Pack("getStudentInfo")
	require.NoError(t, err)
	_, err = w.viewCall(empOwner, emp, w.student, info)
	require.NoError(t, err)
}

func TestGuardedReadRequiresGrant(t *testing.T) {
	w := newWorld(t)
	info, err := AccountABI.Pack("getStudentInfo")
	require.NoError(t, err)

	_, err = w.viewCall(w.uniOwner, w.uni, w.student, info)
	require.ErrorIs(t, err, shared.ErrAccessDenied)
	var vcf *ViewCallFailed
	require.ErrorAs(t, err, &vcf)

	own, err := w.viewCall(w.studentOwner, w.student, w.student, info)
	require.NoError(t, err)

	require.True(t, w.uniCall("requestAccess", uint8(RoleRead)).Succeeded())
	require.True(t, w.studentCall("grant", w.uni, uint8(RoleRead)).Succeeded())
	got, err := w.viewCall(w.uniOwner, w.uni, w.student, info)
	require.NoError(t, err)
	assert.Equal(t, own, got)

	vals, err := AccountABI.Unpack("getStudentInfo", got)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ada", "Lovelace", "1815-12-10", "London", "UK"}, vals[0].([]string))
}

func TestStudentProfileIsNotPublic(t *testing.T) {
	w := newWorld(t)
	data, err := AccountABI.Pack("profile")
	require.NoError(t, err)

	_, err = w.chain.Call(w.ctx, w.uniOwner.Address(), w.student, data)
	var rev *chain.RevertError
	require.ErrorAs(t, err, &rev)
	require.ErrorIs(t, DecodeRevert(rev.Data), shared.ErrRestrictedCaller)

	out, err := w.chain.Call(w.ctx, common.Address{}, w.uni, data)
	require.NoError(t, err)
	vals, err := AccountABI.Unpack("profile", out)
	require.NoError(t, err)
	assert.Len(t, vals[0].([]string), 3)
}

func TestViewCallRejectsCoordinatorAndStrangers(t *testing.T) {
	w := newWorld(t)
	info, err := AccountABI.Pack("getStudentInfo")
	require.NoError(t, err)
	call, err := AccountABI.Pack("executeViewCall", w.student, info)
	require.NoError(t, err)
	_, err = w.chain.Call(w.ctx, CoordinatorAddress, w.student, call)
	var rev *chain.RevertError
	require.ErrorAs(t, err, &rev)
	require.ErrorIs(t, DecodeRevert(rev.Data), shared.ErrUnauthorizedCall)

	exec, err := AccountABI.Pack("execute", w.student, info)
	require.NoError(t, err)
	r := w.send(mustIdentity(t).Address(), w.student, exec)
	require.ErrorIs(t, DecodeRevert(r.RevertData), shared.ErrUnauthorizedCall)
}

func TestEnrollAndEvaluateLifecycle(t *testing.T) {
	w := newWorld(t)
	r := w.uniCall("enroll", "CS101", "Programming", "Computer Science", uint64(600))
	require.ErrorIs(t, DecodeRevert(r.RevertData), shared.ErrAccessDenied)

	require.True(t, w.uniCall("requestAccess", uint8(RoleWrite)).Succeeded())
	require.True(t, w.studentCall("grant", w.uni, uint8(RoleWrite)).Succeeded())
	assert.Equal(t, RoleWrite, w.verify(w.uni))

	r = w.uniCall("enroll", "CS101", "Programming", "Computer Science", uint64(600))
	require.True(t, r.Succeeded(), DescribeRevert(r.RevertData))
	r = w.uniCall("enroll", "CS101", "Programming", "Computer Science", uint64(600))
	require.ErrorIs(t, DecodeRevert(r.RevertData), shared.ErrAlreadyExists)
	r = w.uniCall("enroll", "", "Programming", "Computer Science", uint64(600))
	require.ErrorIs(t, DecodeRevert(r.RevertData), shared.ErrValidation)

	r = w.uniCall("evaluate", "MA201", "A", uint64(1_700_000_000), "")
	require.ErrorIs(t, DecodeRevert(r.RevertData), shared.ErrNotFound)
	r = w.uniCall("evaluate", "CS101", "30/30", uint64(1_700_000_000), "bafkcert")
	require.True(t, r.Succeeded(), DescribeRevert(r.RevertData))
	r = w.uniCall("evaluate", "CS101", "18/30", uint64(1_700_000_100), "")
	require.ErrorIs(t, DecodeRevert(r.RevertData), shared.ErrAlreadyEvaluated)

	results, err := AccountABI.Pack("getResults")
	require.NoError(t, err)
	out, err := w.viewCall(w.uniOwner, w.uni, w.student, results)
	require.NoError(t, err)
	vals, err := AccountABI.Unpack("getResults", out)
	require.NoError(t, err)
	assert.Equal(t, []string{"CS101"}, vals[0].([]string))
	assert.Equal(t, []uint64{600}, vals[3].([]uint64))
	assert.Equal(t, []common.Address{w.uni}, vals[4].([]common.Address))
	assert.Equal(t, []uint64{1_700_000_000}, vals[5].([]uint64))
	assert.Equal(t, []string{"30/30"}, vals[6].([]string))
	assert.Equal(t, []string{"bafkcert"}, vals[7].([]string))
}

func TestHandleOpRejections(t *testing.T) {
	w := newWorld(t)
	data, err := AccountABI.Pack("requestAccess", uint8(RoleRead))
	require.NoError(t, err)

	stale := w.signedOp(w.uniOwner, w.uni, w.student, data, nil)
	stale.Nonce = 0
	w.sign(w.uniOwner, &stale)
	require.True(t, w.handleOp(w.signedOp(w.uniOwner, w.uni, w.student, data, nil)).Succeeded())
	r := w.handleOp(stale)
	require.False(t, r.Succeeded())
	require.ErrorIs(t, DecodeRevert(r.RevertData), ErrStaleNonce)

	forged := w.signedOp(mustIdentity(t), w.uni, w.student, data, nil)
	r = w.handleOp(forged)
	require.ErrorIs(t, DecodeRevert(r.RevertData), ErrInvalidSignature)

	capped := w.signedOp(w.uniOwner, w.uni, w.student, data, nil)
	capped.MaxFee = 1
	w.sign(w.uniOwner, &capped)
	r = w.handleOp(capped)
	require.ErrorIs(t, DecodeRevert(r.RevertData), ErrFeeCapExceeded)

	broke := w.signedOp(w.uniOwner, w.uni, w.student, data, nil)
	broke.Sponsor = common.HexToAddress("0xdead")
	w.sign(w.uniOwner, &broke)
	r = w.handleOp(broke)
	require.ErrorIs(t, DecodeRevert(r.RevertData), ErrSponsorExhausted)

	assert.Equal(t, uint64(2), w.nonce(w.uni))
}

func TestHandleOpInnerRevertConsumesNonce(t *testing.T) {
	w := newWorld(t)
	data, err := AccountABI.Pack("enroll", "CS101", "Programming", "CS", uint64(600))
	require.NoError(t, err)
	before := w.nonce(w.uni)

	r := w.handleOp(w.signedOp(w.uniOwner, w.uni, w.student, data, nil))
	require.True(t, r.Succeeded())
	assert.False(t, opSucceeded(t, r))
	l := findLog(r, CoordinatorAddress, CoordinatorABI.Events["UserOperationRevertReason"].ID)
	require.NotNil(t, l)
	vals, err := CoordinatorABI.Events["UserOperationRevertReason"].Inputs.NonIndexed().Unpack(l.Data)
	require.NoError(t, err)
	require.ErrorIs(t, DecodeRevert(vals[0].([]byte)), shared.ErrAccessDenied)
	assert.Equal(t, before+1, w.nonce(w.uni))
}

func TestSignatureValidation(t *testing.T) {
	owner := mustIdentity(t)
	hash := crypto.Keccak256Hash([]byte("op"))
	sig, err := owner.SignHash(accounts.TextHash(hash[:]))
	require.NoError(t, err)
	assert.True(t, ValidSignature(owner.Address(), hash, sig))

	legacy := append([]byte{}, sig...)
	legacy[64] += 27
	assert.True(t, ValidSignature(owner.Address(), hash, legacy))
	assert.False(t, ValidSignature(mustIdentity(t).Address(), hash, sig))
	assert.False(t, ValidSignature(owner.Address(), hash, sig[:64]))
}

func TestOperationHashCoversFields(t *testing.T) {
	op := Operation{Sender: common.HexToAddress("0x1"), Target: common.HexToAddress("0x2"), CallData: []byte{1}, Nonce: 3, MaxFee: 9}
	base := op.Hash(testChainID, CoordinatorAddress)
	assert.Equal(t, base, op.Hash(testChainID, CoordinatorAddress))

	changed := op
	changed.Nonce = 4
	assert.NotEqual(t, base, changed.Hash(testChainID, CoordinatorAddress))
	assert.NotEqual(t, base, op.Hash(testChainID+1, CoordinatorAddress))
	op.Signature = []byte{0xff}
	assert.Equal(t, base, op.Hash(testChainID, CoordinatorAddress))
}
