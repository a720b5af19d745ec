// Package ledgertest assembles an in-process ledger with the coordinator,
// factories and an automining bundler for use in tests.
package ledgertest

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/acadledger/acadledger/internal/bundler"
	"github.com/acadledger/acadledger/internal/chain"
	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/identity"
	"github.com/acadledger/acadledger/internal/sponsor"
	_ "github.com/acadledger/acadledger/testing"
)

// ChainID is the chain identifier of every test stack.
const ChainID = 1337

// Genesis is the block time of the first block.
var Genesis = time.Unix(1_700_000_000, 0).UTC()

// Stack is a ready-to-use ledger.
type Stack struct {
	Chain       *chain.Chain
	Bundler     *bundler.Service
	Operator    *identity.Identity
	Sponsor     common.Address
	Coordinator contracts.Coordinator
}

type options struct {
	blockTime time.Duration
	deposit   uint64
	baseFee   uint64
	byteFee   uint64
	store     chain.Store
}

// Option tweaks a Stack.
type Option func(*options)

// WithBlockTime disables automining; queued operations are bundled by Flush.
func WithBlockTime(d time.Duration) Option { return func(o *options) { o.blockTime = d } }

// WithDeposit sets the initial sponsor deposit.
func WithDeposit(amount uint64) Option { return func(o *options) { o.deposit = amount } }

// WithFees sets the coordinator fee schedule.
func WithFees(base, perByte uint64) Option {
	return func(o *options) { o.baseFee, o.byteFee = base, perByte }
}

// WithStore runs the ledger over store instead of a fresh memory store.
func WithStore(store chain.Store) Option { return func(o *options) { o.store = store } }

// New builds a stack and funds the sponsor.
func New(t testing.TB, opts ...Option) *Stack {
	t.Helper()
	o := options{deposit: 1_000_000, baseFee: 10, byteFee: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = chain.NewMemoryStore()
	}

	operator, err := identity.Generate()
	require.NoError(t, err)
	c := chain.New(o.store, chain.Options{ChainID: ChainID, Now: func() time.Time { return Genesis }})
	coordinator := contracts.Coordinator{Operator: operator.Address(), BaseFee: o.baseFee, ByteFee: o.byteFee}
	require.NoError(t, contracts.Install(context.Background(), c, coordinator))

	s := &Stack{
		Chain:       c,
		Bundler:     bundler.New(c, bundler.Options{Operator: operator.Address(), BlockTime: o.blockTime}),
		Operator:    operator,
		Sponsor:     common.HexToAddress("0x0000000000000000000000000000000000005905"),
		Coordinator: coordinator,
	}
	if o.deposit > 0 {
		s.Deposit(t, o.deposit)
	}
	return s
}

// Deposit funds the sponsor.
func (s *Stack) Deposit(t testing.TB, amount uint64) {
	t.Helper()
	data, err := contracts.CoordinatorABI.Pack("depositTo", s.Sponsor, amount)
	require.NoError(t, err)
	r, err := s.Chain.SendTransaction(context.Background(), chain.Tx{From: s.Operator.Address(), To: contracts.CoordinatorAddress, Data: data})
	require.NoError(t, err)
	require.True(t, r.Succeeded(), contracts.DescribeRevert(r.RevertData))
}

// Config returns the sponsor configuration for this stack.
func (s *Stack) Config() sponsor.Config {
	return sponsor.Config{
		ChainID:        ChainID,
		Coordinator:    contracts.CoordinatorAddress,
		Sponsor:        s.Sponsor,
		MaxFee:         100_000,
		PollInterval:   time.Millisecond,
		ReceiptTimeout: time.Second,
	}
}

// Client returns a sponsor client submitting to the stack's bundler.
func (s *Stack) Client() *sponsor.Client {
	return sponsor.NewClient(s.Bundler, nil, s.Config(), nil)
}

// Identity returns a fresh random identity.
func Identity(t testing.TB) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

// DeployAccount registers a university or employer account for owner.
func (s *Stack) DeployAccount(t testing.TB, kind contracts.Kind, owner *identity.Identity, profile []string) common.Address {
	t.Helper()
	var salt [32]byte
	account := contracts.PredictAddress(kind, owner.Address(), profile, salt)
	initCode, err := contracts.InitCode(kind, owner.Address(), profile, salt)
	require.NoError(t, err)
	out, err := s.Client().Execute(context.Background(), owner, sponsor.Call{
		Sender:   account,
		Target:   account,
		InitCode: initCode,
		Expect:   sponsor.Expectation{ABI: &contracts.FactoryABI, Contract: kind.Factory(), Event: "AccountCreated"},
	})
	require.NoError(t, err)
	require.Equal(t, sponsor.StateVerified, out.State)
	return account
}

// RegisterStudent creates a student account through the university account uni.
func (s *Stack) RegisterStudent(t testing.TB, uniOwner *identity.Identity, uni common.Address, owner *identity.Identity, profile []string) common.Address {
	t.Helper()
	data, err := contracts.FactoryABI.Pack("createAccount", owner.Address(), contracts.NormalizeProfile(profile), [32]byte{})
	require.NoError(t, err)
	out, err := s.Client().Execute(context.Background(), uniOwner, sponsor.Call{
		Sender: uni,
		Target: contracts.StudentFactoryAddress,
		Data:   data,
		Expect: sponsor.Expectation{ABI: &contracts.FactoryABI, Contract: contracts.StudentFactoryAddress, Event: "AccountCreated"},
	})
	require.NoError(t, err)
	require.Equal(t, sponsor.StateVerified, out.State)
	return contracts.PredictAddress(contracts.KindStudent, owner.Address(), profile, [32]byte{})
}
