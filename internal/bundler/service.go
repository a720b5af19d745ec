// Package bundler accepts sponsored operations, validates them against the
// coordinator and bundles them into ledger transactions.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/acadledger/acadledger/internal/chain"
	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/sponsor"
)

// Options configures a Service.
type Options struct {
	// Operator is the account that pays for bundle transactions.
	Operator common.Address
	// BlockTime is the bundling interval. Zero bundles every operation as soon
	// as it is accepted.
	BlockTime time.Duration
	Logger    *slog.Logger
	Metrics   *Metrics
}

type queued struct {
	hash common.Hash
	env  sponsor.Envelope
	fee  uint64
}

// Service is the sponsor-coordinator front. It implements sponsor.Network.
type Service struct {
	chain     *chain.Chain
	operator  common.Address
	blockTime time.Duration
	logger    *slog.Logger
	metrics   *Metrics

	mu       sync.Mutex
	queue    []queued
	nextBy   map[common.Address]uint64
	reserved map[common.Address]uint64
	receipts map[common.Hash]*sponsor.OperationReceipt
}

// New constructs a bundler in front of c.
func New(c *chain.Chain, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		chain:     c,
		operator:  opts.Operator,
		blockTime: opts.BlockTime,
		logger:    logger,
		metrics:   opts.Metrics,
		nextBy:    make(map[common.Address]uint64),
		reserved:  make(map[common.Address]uint64),
		receipts:  make(map[common.Hash]*sponsor.OperationReceipt),
	}
}

// SendOperation validates env and queues it for inclusion. Validation failures
// are returned as *sponsor.RejectedError and leave no trace in the mempool.
func (s *Service) SendOperation(ctx context.Context, env sponsor.Envelope) (common.Hash, error) {
	hash := env.Hash(s.chain.ChainID(), contracts.CoordinatorAddress)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.receipts[hash]; ok || s.isQueued(hash) {
		return hash, nil
	}

	fee, err := s.simulate(ctx, hash, env)
	if err != nil {
		s.metrics.observeSubmission(err)
		return common.Hash{}, err
	}

	s.queue = append(s.queue, queued{hash: hash, env: env, fee: fee})
	s.nextBy[env.Sender] = env.Nonce + 1
	s.reserved[env.Sponsor] += fee
	s.metrics.observeSubmission(nil)
	s.logger.Debug("bundler: operation accepted",
		slog.String("op", hash.Hex()),
		slog.String("sender", env.Sender.Hex()),
		slog.Uint64("nonce", env.Nonce))

	if s.blockTime <= 0 {
		if err := s.flushLocked(ctx); err != nil {
			s.logger.Warn("bundler: automine failed", slog.Any("error", err))
		}
	}
	return hash, nil
}

func (s *Service) simulate(ctx context.Context, hash common.Hash, env sponsor.Envelope) (uint64, error) {
	data, err := env.Operation().Pack("simulateValidation")
	if err != nil {
		return 0, &sponsor.RejectedError{OpHash: hash, Cause: contracts.NewRevert("InvalidInput", "malformed envelope: %v", err)}
	}
	out, err := s.chain.Call(ctx, s.operator, contracts.CoordinatorAddress, data)
	if err != nil {
		var rev *chain.RevertError
		if errors.As(err, &rev) {
			return 0, &sponsor.RejectedError{OpHash: hash, Cause: contracts.DecodeRevert(rev.Data)}
		}
		return 0, fmt.Errorf("bundler: simulate: %w", err)
	}
	vals, err := contracts.CoordinatorABI.Unpack("simulateValidation", out)
	if err != nil || len(vals) != 3 {
		return 0, fmt.Errorf("bundler: decode simulation: %v", err)
	}
	current, fee, deposit := vals[0].(uint64), vals[1].(uint64), vals[2].(uint64)

	expected := current
	if next, ok := s.nextBy[env.Sender]; ok && next > expected {
		expected = next
	}
	if env.Nonce != expected {
		return 0, &sponsor.RejectedError{OpHash: hash,
			Cause: contracts.NewRevert("StaleNonce", "nonce %d does not match expected %d", env.Nonce, expected)}
	}
	if reserved := s.reserved[env.Sponsor]; deposit < reserved+fee {
		return 0, &sponsor.RejectedError{OpHash: hash,
			Cause: contracts.NewRevert("SponsorExhausted", "sponsor deposit %d cannot cover fee %d with %d reserved", deposit, fee, reserved)}
	}
	return fee, nil
}

func (s *Service) isQueued(hash common.Hash) bool {
	for _, q := range s.queue {
		if q.hash == hash {
			return true
		}
	}
	return false
}

// Flush bundles every queued operation in arrival order.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Service) flushLocked(ctx context.Context) error {
	defer s.recompute()
	for len(s.queue) > 0 {
		q := s.queue[0]
		data, err := q.env.Operation().Pack("handleOp")
		if err != nil {
			s.logger.Warn("bundler: dropping unpackable operation", slog.String("op", q.hash.Hex()), slog.Any("error", err))
			s.queue = s.queue[1:]
			continue
		}
		receipt, err := s.chain.SendTransaction(ctx, chain.Tx{From: s.operator, To: contracts.CoordinatorAddress, Data: data})
		if err != nil {
			return fmt.Errorf("bundler: include %s: %w", q.hash.Hex(), err)
		}
		s.queue = s.queue[1:]
		s.receipts[q.hash] = &sponsor.OperationReceipt{
			OpHash:  q.hash,
			Sender:  q.env.Sender,
			Nonce:   q.env.Nonce,
			Receipt: receipt,
		}
		s.metrics.observeInclusion(receipt)
		if !receipt.Succeeded() {
			s.logger.Debug("bundler: bundle reverted",
				slog.String("op", q.hash.Hex()),
				slog.String("revert", contracts.DescribeRevert(receipt.RevertData)))
		}
	}
	return nil
}

// recompute rebuilds the pending accounting from what is still queued.
func (s *Service) recompute() {
	clear(s.nextBy)
	clear(s.reserved)
	for _, q := range s.queue {
		s.nextBy[q.env.Sender] = q.env.Nonce + 1
		s.reserved[q.env.Sponsor] += q.fee
	}
}

// Nonce returns the next nonce for sender, counting queued operations.
func (s *Service) Nonce(ctx context.Context, sender common.Address) (uint64, error) {
	current, err := s.chainNonce(ctx, sender)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if next, ok := s.nextBy[sender]; ok && next > current {
		return next, nil
	}
	return current, nil
}

func (s *Service) chainNonce(ctx context.Context, sender common.Address) (uint64, error) {
	data, err := contracts.CoordinatorABI.Pack("getNonce", sender)
	if err != nil {
		return 0, err
	}
	out, err := s.chain.Call(ctx, s.operator, contracts.CoordinatorAddress, data)
	if err != nil {
		return 0, fmt.Errorf("bundler: get nonce: %w", err)
	}
	vals, err := contracts.CoordinatorABI.Unpack("getNonce", out)
	if err != nil {
		return 0, fmt.Errorf("bundler: decode nonce: %w", err)
	}
	return vals[0].(uint64), nil
}

// OperationReceipt returns the inclusion record of opHash, or
// sponsor.ErrReceiptNotFound while it is pending or unknown.
func (s *Service) OperationReceipt(_ context.Context, opHash common.Hash) (*sponsor.OperationReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.receipts[opHash]; ok {
		return r, nil
	}
	return nil, sponsor.ErrReceiptNotFound
}

// Pending returns the number of queued operations.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Call performs a read-only call against the latest state.
func (s *Service) Call(ctx context.Context, from, to common.Address, data []byte) ([]byte, error) {
	return s.chain.Call(ctx, from, to, data)
}

// Run bundles on every tick until ctx is cancelled. With a zero block time
// operations are bundled on arrival and Run only waits.
func (s *Service) Run(ctx context.Context) error {
	if s.blockTime <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.blockTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("bundler: flush", slog.Any("error", err))
			}
		}
	}
}
