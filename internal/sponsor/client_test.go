package sponsor_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/identity"
	"github.com/acadledger/acadledger/internal/ledgertest"
	"github.com/acadledger/acadledger/internal/shared"
	"github.com/acadledger/acadledger/internal/sponsor"
)

var (
	universityProfile = []string{"Università di Bologna", "UNIBO", "IT"}
	studentProfile    = []string{"Ada", "Lovelace", "1815-12-10", "London", "UK"}
)

// flakyNetwork rejects the next n submissions before delegating.
type flakyNetwork struct {
	sponsor.Network
	mu     sync.Mutex
	reject int
	sent   []uint64
}

func (f *flakyNetwork) SendOperation(ctx context.Context, env sponsor.Envelope) (common.Hash, error) {
	f.mu.Lock()
	f.sent = append(f.sent, env.Nonce)
	if f.reject > 0 {
		f.reject--
		f.mu.Unlock()
		return common.Hash{}, &sponsor.RejectedError{Cause: contracts.NewRevert("SponsorExhausted", "paused")}
	}
	f.mu.Unlock()
	return f.Network.SendOperation(ctx, env)
}

// blackholeNetwork accepts every operation and never includes it.
type blackholeNetwork struct {
	sponsor.Network
}

func (b blackholeNetwork) SendOperation(_ context.Context, env sponsor.Envelope) (common.Hash, error) {
	return env.Hash(ledgertest.ChainID, contracts.CoordinatorAddress), nil
}

func (b blackholeNetwork) OperationReceipt(context.Context, common.Hash) (*sponsor.OperationReceipt, error) {
	return nil, sponsor.ErrReceiptNotFound
}

func noop(account common.Address) sponsor.Call {
	return sponsor.Call{Sender: account, Target: account}
}

func world(t *testing.T, stack *ledgertest.Stack) (uniOwner *identity.Identity, uni common.Address, studentOwner *identity.Identity, student common.Address) {
	t.Helper()
	uniOwner = ledgertest.Identity(t)
	uni = stack.DeployAccount(t, contracts.KindUniversity, uniOwner, universityProfile)
	studentOwner = ledgertest.Identity(t)
	student = stack.RegisterStudent(t, uniOwner, uni, studentOwner, studentProfile)
	return uniOwner, uni, studentOwner, student
}

func TestExecuteReachesVerified(t *testing.T) {
	stack := ledgertest.New(t)
	owner := ledgertest.Identity(t)
	client := stack.Client()

	var salt [32]byte
	emp := contracts.PredictAddress(contracts.KindEmployer, owner.Address(), []string{"Acme", "IT", "Software"}, salt)
	initCode, err := contracts.InitCode(contracts.KindEmployer, owner.Address(), []string{"Acme", "IT", "Software"}, salt)
	require.NoError(t, err)

	out, err := client.Execute(context.Background(), owner, sponsor.Call{
		Sender:   emp,
		Target:   emp,
		InitCode: initCode,
		Expect:   sponsor.Expectation{ABI: &contracts.FactoryABI, Contract: contracts.EmployerFactoryAddress, Event: "AccountCreated"},
	})
	require.NoError(t, err)
	assert.Equal(t, sponsor.StateVerified, out.State)
	require.NotNil(t, out.Receipt)
	assert.Equal(t, uint64(0), out.Receipt.Nonce)
	require.Len(t, out.Events, 1)
	assert.Equal(t, owner.Address(), out.Events[0].Values["owner"])
	assert.Equal(t, uint8(contracts.KindEmployer), out.Events[0].Values["kind"])
}

func TestRejectedSubmissionAbortsLease(t *testing.T) {
	stack := ledgertest.New(t)
	owner := ledgertest.Identity(t)
	uni := stack.DeployAccount(t, contracts.KindUniversity, owner, universityProfile)

	net := &flakyNetwork{Network: stack.Bundler, reject: 1}
	client := sponsor.NewClient(net, nil, stack.Config(), nil)
	ctx := context.Background()

	out, err := client.Execute(ctx, owner, noop(uni))
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrTransactionRejected))
	assert.True(t, shared.Retryable(err))
	require.NotNil(t, out)
	assert.Equal(t, sponsor.StateRejected, out.State)

	out, err = client.Execute(ctx, owner, noop(uni))
	require.NoError(t, err)
	assert.Equal(t, sponsor.StateVerified, out.State)
	assert.Equal(t, []uint64{1, 1}, net.sent)
}

func TestRevertedInclusionResyncsNonce(t *testing.T) {
	stack := ledgertest.New(t, ledgertest.WithBlockTime(time.Hour))
	owner := ledgertest.Identity(t)
	client := stack.Client()
	ctx := context.Background()

	var salt [32]byte
	uni := contracts.PredictAddress(contracts.KindUniversity, owner.Address(), universityProfile, salt)
	initCode, err := contracts.InitCode(contracts.KindUniversity, owner.Address(), universityProfile, salt)
	require.NoError(t, err)
	deploy := sponsor.Call{Sender: uni, Target: uni, InitCode: initCode}

	first, err := client.Submit(ctx, owner, deploy)
	require.NoError(t, err)
	require.Equal(t, uint64(0), first.Envelope.Nonce)

	done := make(chan *sponsor.Outcome, 1)
	errs := make(chan error, 1)
	go func() {
		out, err := client.Execute(ctx, owner, deploy)
		done <- out
		errs <- err
	}()
	require.Eventually(t, func() bool { return stack.Bundler.Pending() == 2 }, 2*time.Second, time.Millisecond)
	require.NoError(t, stack.Bundler.Flush(ctx))

	out := <-done
	err = <-errs
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrTransactionRejected)
	assert.ErrorIs(t, err, shared.ErrAlreadyExists)
	assert.Equal(t, sponsor.StateRejected, out.State)

	next, err := client.Submit(ctx, owner, noop(uni))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Envelope.Nonce)
}

func TestInnerRevertFailsVerification(t *testing.T) {
	stack := ledgertest.New(t)
	uniOwner, uni, _, student := world(t, stack)
	client := stack.Client()
	ctx := context.Background()

	before, err := stack.Bundler.Nonce(ctx, uni)
	require.NoError(t, err)

	data, err := contracts.AccountABI.Pack("enroll", "CS101", "Programming", "Computer Science", uint64(600))
	require.NoError(t, err)
	out, err := client.Execute(ctx, uniOwner, sponsor.Call{
		Sender: uni,
		Target: student,
		Data:   data,
		Expect: sponsor.Expectation{ABI: &contracts.AccountABI, Contract: student, Event: "ResultEnrolled"},
	})
	require.Error(t, err)
	var verr *sponsor.VerificationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, shared.ErrTransactionVerificationFailed)
	assert.ErrorIs(t, err, shared.ErrAccessDenied)
	assert.False(t, shared.Retryable(err))
	assert.Equal(t, sponsor.StateFailed, out.State)

	after, err := stack.Bundler.Nonce(ctx, uni)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)
}

func TestWaitReceiptTimeoutIsNotRejection(t *testing.T) {
	stack := ledgertest.New(t)
	owner := ledgertest.Identity(t)
	uni := stack.DeployAccount(t, contracts.KindUniversity, owner, universityProfile)

	cfg := stack.Config()
	cfg.ReceiptTimeout = 20 * time.Millisecond
	client := sponsor.NewClient(blackholeNetwork{Network: stack.Bundler}, nil, cfg, nil)

	out, err := client.Execute(context.Background(), owner, noop(uni))
	require.Error(t, err)
	var timeout *sponsor.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.ErrorIs(t, err, shared.ErrReceiptTimeout)
	assert.NotErrorIs(t, err, shared.ErrTransactionRejected)
	assert.Equal(t, sponsor.StateSubmitted, out.State)
	assert.Equal(t, out.OpHash, timeout.OpHash)
}

func TestConcurrentSubmissionsUseDistinctNonces(t *testing.T) {
	stack := ledgertest.New(t, ledgertest.WithBlockTime(time.Hour))
	owner := ledgertest.Identity(t)
	ctx := context.Background()

	var salt [32]byte
	uni := contracts.PredictAddress(contracts.KindUniversity, owner.Address(), universityProfile, salt)
	initCode, err := contracts.InitCode(contracts.KindUniversity, owner.Address(), universityProfile, salt)
	require.NoError(t, err)
	client := stack.Client()
	_, err = client.Submit(ctx, owner, sponsor.Call{Sender: uni, Target: uni, InitCode: initCode})
	require.NoError(t, err)
	require.NoError(t, stack.Bundler.Flush(ctx))

	const workers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces []uint64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			op, err := client.Submit(ctx, owner, noop(uni))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			nonces = append(nonces, op.Envelope.Nonce)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	want := make([]uint64, workers)
	for i := range want {
		want[i] = uint64(i + 1)
	}
	assert.Equal(t, want, nonces)

	require.NoError(t, stack.Bundler.Flush(ctx))
	next, err := stack.Bundler.Nonce(ctx, uni)
	require.NoError(t, err)
	assert.Equal(t, uint64(workers+1), next)
}

func TestViewCallUnwrapsBusinessError(t *testing.T) {
	stack := ledgertest.New(t)
	uniOwner, uni, studentOwner, student := world(t, stack)
	client := stack.Client()
	ctx := context.Background()

	data, err := contracts.AccountABI.Pack("getStudentInfo")
	require.NoError(t, err)

	out, err := client.ViewCall(ctx, studentOwner, student, student, data)
	require.NoError(t, err)
	vals, err := contracts.AccountABI.Unpack("getStudentInfo", out)
	require.NoError(t, err)
	assert.Equal(t, studentProfile, vals[0].([]string))

	_, err = client.ViewCall(ctx, uniOwner, uni, student, data)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrAccessDenied)
	var failed *contracts.ViewCallFailed
	assert.ErrorAs(t, err, &failed)
}
