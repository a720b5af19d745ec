package sponsor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/acadledger/acadledger/internal/chain"
	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/shared"
)

// Network is the sponsor-coordinator front the client submits to.
type Network interface {
	NonceSource
	SendOperation(ctx context.Context, env Envelope) (common.Hash, error)
	OperationReceipt(ctx context.Context, opHash common.Hash) (*OperationReceipt, error)
	Call(ctx context.Context, from, to common.Address, data []byte) ([]byte, error)
}

// Config is the address table and policy of one network target.
type Config struct {
	ChainID        uint64
	Coordinator    common.Address
	Sponsor        common.Address
	MaxFee         uint64
	PollInterval   time.Duration
	ReceiptTimeout time.Duration
}

// Call describes one sponsored call.
type Call struct {
	Sender   common.Address
	Target   common.Address
	Data     []byte
	InitCode []byte
	Expect   Expectation
}

// Outcome is the result of Execute. It is returned alongside a timeout error so
// the caller can reconcile the operation later.
type Outcome struct {
	OpHash  common.Hash
	State   State
	Receipt *OperationReceipt
	Events  []Event
}

// Client runs the build, sign, submit, wait and verify pipeline.
type Client struct {
	net    Network
	seq    Sequencer
	cfg    Config
	logger *slog.Logger
}

// NewClient constructs a client. A nil sequencer defaults to an in-memory one.
func NewClient(net Network, seq Sequencer, cfg Config, logger *slog.Logger) *Client {
	if seq == nil {
		seq = NewMemorySequencer(net)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{net: net, seq: seq, cfg: cfg, logger: logger}
}

// Config returns the client's address table.
func (c *Client) Config() Config { return c.cfg }

// Execute submits call signed by owner and waits for a verified receipt.
func (c *Client) Execute(ctx context.Context, owner Signer, call Call) (*Outcome, error) {
	op, err := c.Submit(ctx, owner, call)
	if err != nil {
		if op == nil {
			return nil, err
		}
		return &Outcome{OpHash: op.Hash, State: op.State()}, err
	}
	outcome := &Outcome{OpHash: op.Hash, State: op.State()}

	receipt, err := c.WaitReceipt(ctx, op.Hash)
	if err != nil {
		return outcome, err
	}
	op.Receipt = receipt
	outcome.Receipt = receipt

	events, verr := Verify(receipt, call.Expect)
	switch {
	case verr == nil:
		_ = op.advance(StateIncluded)
		_ = op.advance(StateVerified)
	case errors.Is(verr, shared.ErrTransactionRejected):
		_ = op.advance(StateIncluded)
		_ = op.advance(StateRejected)
		// The coordinator did not consume the nonce the lease committed.
		if err := c.seq.Reset(ctx, call.Sender); err != nil {
			c.logger.Warn("sponsor: reset sequencer", slog.Any("error", err))
		}
	default:
		_ = op.advance(StateIncluded)
		_ = op.advance(StateFailed)
	}
	outcome.State = op.State()
	outcome.Events = events
	if verr != nil {
		c.logger.Debug("sponsor: operation failed verification",
			slog.String("op", op.Hash.Hex()),
			slog.String("state", op.State().String()),
			slog.String("cause", verr.Error()))
	}
	return outcome, verr
}

// Submit builds, signs and hands the operation to the network. The sender's
// lease is committed once the network accepts the envelope and aborted on a
// rejection so the next lease re-reads the coordinator nonce.
func (c *Client) Submit(ctx context.Context, owner Signer, call Call) (*Op, error) {
	lease, err := c.seq.Acquire(ctx, call.Sender)
	if err != nil {
		return nil, fmt.Errorf("sponsor: acquire nonce: %w", err)
	}

	op := Build(Envelope{
		Sender:   call.Sender,
		Target:   call.Target,
		CallData: call.Data,
		InitCode: call.InitCode,
		Nonce:    lease.Nonce(),
		Sponsor:  c.cfg.Sponsor,
		MaxFee:   c.cfg.MaxFee,
	})
	if err := op.Sign(owner, c.cfg.ChainID, c.cfg.Coordinator); err != nil {
		_ = lease.Abort(ctx)
		return nil, err
	}
	_ = op.advance(StateSubmitted)

	hash, err := c.net.SendOperation(ctx, op.Envelope)
	if err != nil {
		if abortErr := lease.Abort(ctx); abortErr != nil {
			c.logger.Warn("sponsor: abort lease", slog.Any("error", abortErr))
		}
		var rejected *RejectedError
		if errors.As(err, &rejected) || errors.Is(err, shared.ErrTransactionRejected) {
			_ = op.advance(StateRejected)
			c.logger.Debug("sponsor: operation rejected at submission",
				slog.String("op", op.Hash.Hex()),
				slog.Uint64("nonce", op.Envelope.Nonce),
				slog.String("cause", err.Error()))
			return op, err
		}
		return op, fmt.Errorf("sponsor: submit: %w", err)
	}
	if hash != op.Hash {
		c.logger.Warn("sponsor: network returned unexpected operation hash",
			slog.String("expected", op.Hash.Hex()),
			slog.String("got", hash.Hex()))
	}
	if err := lease.Commit(ctx); err != nil {
		c.logger.Warn("sponsor: commit lease", slog.Any("error", err))
	}
	return op, nil
}

// WaitReceipt polls for the receipt of opHash until it is available or the
// receipt timeout elapses. A timeout never means rejection.
func (c *Client) WaitReceipt(ctx context.Context, opHash common.Hash) (*OperationReceipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.net.OperationReceipt(waitCtx, opHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ErrReceiptNotFound) && waitCtx.Err() == nil {
			return nil, fmt.Errorf("sponsor: receipt: %w", err)
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ctx.Err()
			}
			return nil, &TimeoutError{OpHash: opHash}
		case <-ticker.C:
		}
	}
}

// ViewCall performs a non-mutating call through the owner's account. A failed
// inner call comes back as the decoded business error.
func (c *Client) ViewCall(ctx context.Context, owner Signer, account, target common.Address, data []byte) ([]byte, error) {
	call, err := contracts.AccountABI.Pack("executeViewCall", target, data)
	if err != nil {
		return nil, fmt.Errorf("sponsor: pack view call: %w", err)
	}
	out, err := c.net.Call(ctx, owner.Address(), account, call)
	if err != nil {
		var rev *chain.RevertError
		if errors.As(err, &rev) {
			if decoded := contracts.DecodeRevert(rev.Data); decoded != nil {
				return nil, decoded
			}
		}
		return nil, err
	}
	vals, err := contracts.AccountABI.Unpack("executeViewCall", out)
	if err != nil {
		return nil, fmt.Errorf("sponsor: decode view call: %w", err)
	}
	return vals[0].([]byte), nil
}

// Read performs a plain call against target and decodes the revert payload on failure.
func (c *Client) Read(ctx context.Context, from, target common.Address, data []byte) ([]byte, error) {
	out, err := c.net.Call(ctx, from, target, data)
	if err != nil {
		var rev *chain.RevertError
		if errors.As(err, &rev) {
			if decoded := contracts.DecodeRevert(rev.Data); decoded != nil {
				return nil, decoded
			}
		}
		return nil, err
	}
	return out, nil
}
