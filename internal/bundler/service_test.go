package bundler_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acadledger/acadledger/internal/bundler"
	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/identity"
	"github.com/acadledger/acadledger/internal/ledgertest"
	"github.com/acadledger/acadledger/internal/shared"
	"github.com/acadledger/acadledger/internal/sponsor"
)

var universityProfile = []string{"Università di Pisa", "UNIPI", "IT"}

func signed(t *testing.T, owner *identity.Identity, env sponsor.Envelope) sponsor.Envelope {
	t.Helper()
	env.Signature = nil
	hash := env.Hash(ledgertest.ChainID, contracts.CoordinatorAddress)
	sig, err := owner.SignHash(accounts.TextHash(hash[:]))
	require.NoError(t, err)
	env.Signature = sig
	return env
}

func noopEnvelope(stack *ledgertest.Stack, account common.Address, nonce uint64) sponsor.Envelope {
	return sponsor.Envelope{
		Sender:  account,
		Target:  account,
		Nonce:   nonce,
		Sponsor: stack.Sponsor,
		MaxFee:  100_000,
	}
}

func TestSendOperationAutomines(t *testing.T) {
	stack := ledgertest.New(t)
	owner := ledgertest.Identity(t)
	uni := stack.DeployAccount(t, contracts.KindUniversity, owner, universityProfile)

	ctx := context.Background()
	nonce, err := stack.Bundler.Nonce(ctx, uni)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)

	env := signed(t, owner, noopEnvelope(stack, uni, nonce))
	hash, err := stack.Bundler.SendOperation(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, env.Hash(ledgertest.ChainID, contracts.CoordinatorAddress), hash)
	assert.Zero(t, stack.Bundler.Pending())

	receipt, err := stack.Bundler.OperationReceipt(ctx, hash)
	require.NoError(t, err)
	require.True(t, receipt.Receipt.Succeeded())
	assert.Equal(t, uni, receipt.Sender)

	again, err := stack.Bundler.SendOperation(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, hash, again)
}

func TestSendOperationRejections(t *testing.T) {
	stack := ledgertest.New(t)
	owner := ledgertest.Identity(t)
	uni := stack.DeployAccount(t, contracts.KindUniversity, owner, universityProfile)
	ctx := context.Background()

	cases := []struct {
		name string
		env  sponsor.Envelope
		want error
	}{
		{"stale nonce", signed(t, owner, noopEnvelope(stack, uni, 0)), contracts.ErrStaleNonce},
		{"future nonce", signed(t, owner, noopEnvelope(stack, uni, 4)), contracts.ErrStaleNonce},
		{"foreign signature", signed(t, ledgertest.Identity(t), noopEnvelope(stack, uni, 1)), contracts.ErrInvalidSignature},
		{"undeployed sender", signed(t, owner, noopEnvelope(stack, common.HexToAddress("0xbeef"), 0)), shared.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := stack.Bundler.SendOperation(ctx, tc.env)
			require.Error(t, err)
			var rejected *sponsor.RejectedError
			require.ErrorAs(t, err, &rejected)
			assert.ErrorIs(t, err, shared.ErrTransactionRejected)
			assert.ErrorIs(t, err, tc.want)
			assert.Zero(t, stack.Bundler.Pending())
		})
	}

	nonce, err := stack.Bundler.Nonce(ctx, uni)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)
}

func TestQueuedOperationsCountTowardsNonce(t *testing.T) {
	stack := ledgertest.New(t, ledgertest.WithBlockTime(time.Hour))
	owner := ledgertest.Identity(t)
	ctx := context.Background()

	var salt [32]byte
	uni := contracts.PredictAddress(contracts.KindUniversity, owner.Address(), universityProfile, salt)
	initCode, err := contracts.InitCode(contracts.KindUniversity, owner.Address(), universityProfile, salt)
	require.NoError(t, err)
	deploy := noopEnvelope(stack, uni, 0)
	deploy.InitCode = initCode
	_, err = stack.Bundler.SendOperation(ctx, signed(t, owner, deploy))
	require.NoError(t, err)
	require.Equal(t, 1, stack.Bundler.Pending())
	require.NoError(t, stack.Bundler.Flush(ctx))

	first, err := stack.Bundler.SendOperation(ctx, signed(t, owner, noopEnvelope(stack, uni, 1)))
	require.NoError(t, err)
	nonce, err := stack.Bundler.Nonce(ctx, uni)
	require.NoError(t, err)
	require.Equal(t, uint64(2), nonce)

	again, err := stack.Bundler.SendOperation(ctx, signed(t, owner, noopEnvelope(stack, uni, 1)))
	require.NoError(t, err)
	assert.Equal(t, first, again, "identical resubmission is deduplicated")
	require.Equal(t, 1, stack.Bundler.Pending())

	replay := noopEnvelope(stack, uni, 1)
	replay.MaxFee--
	_, err = stack.Bundler.SendOperation(ctx, signed(t, owner, replay))
	require.ErrorIs(t, err, contracts.ErrStaleNonce)

	second, err := stack.Bundler.SendOperation(ctx, signed(t, owner, noopEnvelope(stack, uni, 2)))
	require.NoError(t, err)
	require.Equal(t, 2, stack.Bundler.Pending())

	_, err = stack.Bundler.OperationReceipt(ctx, first)
	require.ErrorIs(t, err, sponsor.ErrReceiptNotFound)

	require.NoError(t, stack.Bundler.Flush(ctx))
	assert.Zero(t, stack.Bundler.Pending())
	for _, hash := range []common.Hash{first, second} {
		r, err := stack.Bundler.OperationReceipt(ctx, hash)
		require.NoError(t, err)
		assert.True(t, r.Receipt.Succeeded())
	}
	nonce, err = stack.Bundler.Nonce(ctx, uni)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), nonce)
}

func TestSponsorDepositReservedForQueuedOperations(t *testing.T) {
	owner := ledgertest.Identity(t)
	var salt [32]byte
	initCode, err := contracts.InitCode(contracts.KindEmployer, owner.Address(), []string{"Acme", "IT", "Software"}, salt)
	require.NoError(t, err)

	coordinator := contracts.Coordinator{BaseFee: 10, ByteFee: 1}
	deployFee := coordinator.Fee(nil, initCode)
	stack := ledgertest.New(t, ledgertest.WithBlockTime(time.Hour), ledgertest.WithDeposit(deployFee+15))
	ctx := context.Background()

	emp := contracts.PredictAddress(contracts.KindEmployer, owner.Address(), []string{"Acme", "IT", "Software"}, salt)
	deploy := noopEnvelope(stack, emp, 0)
	deploy.InitCode = initCode
	_, err = stack.Bundler.SendOperation(ctx, signed(t, owner, deploy))
	require.NoError(t, err)
	require.NoError(t, stack.Bundler.Flush(ctx))

	_, err = stack.Bundler.SendOperation(ctx, signed(t, owner, noopEnvelope(stack, emp, 1)))
	require.NoError(t, err)
	_, err = stack.Bundler.SendOperation(ctx, signed(t, owner, noopEnvelope(stack, emp, 2)))
	require.ErrorIs(t, err, contracts.ErrSponsorExhausted)
	assert.Equal(t, 1, stack.Bundler.Pending())
}

func TestRunBundlesOnTick(t *testing.T) {
	stack := ledgertest.New(t, ledgertest.WithBlockTime(5*time.Millisecond))
	owner := ledgertest.Identity(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- stack.Bundler.Run(ctx) }()

	uni := stack.DeployAccount(t, contracts.KindUniversity, owner, universityProfile)
	nonce, err := stack.Bundler.Nonce(ctx, uni)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)

	cancel()
	require.NoError(t, <-done)
}

func TestMetricsCountAdmissionAndInclusion(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := bundler.NewMetrics(reg)
	stack := ledgertest.New(t)
	svc := bundler.New(stack.Chain, bundler.Options{Operator: stack.Operator.Address(), Metrics: metrics})

	owner := ledgertest.Identity(t)
	var salt [32]byte
	uni := contracts.PredictAddress(contracts.KindUniversity, owner.Address(), universityProfile, salt)
	initCode, err := contracts.InitCode(contracts.KindUniversity, owner.Address(), universityProfile, salt)
	require.NoError(t, err)
	deploy := noopEnvelope(stack, uni, 0)
	deploy.InitCode = initCode

	ctx := context.Background()
	_, err = svc.SendOperation(ctx, signed(t, owner, deploy))
	require.NoError(t, err)
	_, err = svc.SendOperation(ctx, signed(t, owner, noopEnvelope(stack, uni, 7)))
	require.Error(t, err)

	submissions, err := testutil.GatherAndCount(reg, "acadledger_bundler_submissions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, submissions)
	inclusions, err := testutil.GatherAndCount(reg, "acadledger_bundler_inclusions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, inclusions)
}
