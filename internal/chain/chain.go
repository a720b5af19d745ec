// Package chain hosts a deterministic single-node ledger that executes
// registered Go contracts over a transactional key/value state.
package chain

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrReceiptNotFound is returned for unknown transaction hashes.
var ErrReceiptNotFound = errors.New("chain: receipt not found")

const (
	headKey    = "meta/head"
	codePrefix = "code/"
	maxDepth   = 32
)

// Contract executes messages addressed to deployed code of one kind.
type Contract interface {
	Run(cc *CallContext, input []byte) ([]byte, error)
}

// ContractFunc adapts a function into a Contract.
type ContractFunc func(cc *CallContext, input []byte) ([]byte, error)

// Run calls f.
func (f ContractFunc) Run(cc *CallContext, input []byte) ([]byte, error) { return f(cc, input) }

// Tx is a message from an externally-owned operator to a contract.
type Tx struct {
	From common.Address
	To   common.Address
	Data []byte
}

// Options configures a Chain.
type Options struct {
	ChainID uint64
	Now     func() time.Time
	Logger  *slog.Logger
}

// Chain executes transactions one per block under a single serialization lock.
type Chain struct {
	mu      sync.Mutex
	store   Store
	chainID uint64
	now     func() time.Time
	logger  *slog.Logger

	codeMu sync.RWMutex
	codes  map[string]Contract
}

// New constructs a chain on top of store.
func New(store Store, opts Options) *Chain {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		store:   store,
		chainID: opts.ChainID,
		now:     now,
		logger:  logger,
		codes:   make(map[string]Contract),
	}
}

// ChainID returns the configured chain identifier.
func (c *Chain) ChainID() uint64 { return c.chainID }

// RegisterCode binds a code kind to its handler.
func (c *Chain) RegisterCode(kind string, contract Contract) {
	c.codeMu.Lock()
	defer c.codeMu.Unlock()
	c.codes[kind] = contract
}

func (c *Chain) contract(kind string) (Contract, bool) {
	c.codeMu.RLock()
	defer c.codeMu.RUnlock()
	ct, ok := c.codes[kind]
	return ct, ok
}

// Genesis deploys system code at fixed addresses. Existing deployments are kept.
func (c *Chain) Genesis(ctx context.Context, deployments map[common.Address]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Update(ctx, func(w Writer) error {
		for addr, kind := range deployments {
			if _, ok, err := w.Get(ctx, codeKey(addr)); err != nil {
				return err
			} else if ok {
				continue
			}
			if err := w.Put(ctx, codeKey(addr), []byte(kind)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SendTransaction executes tx in a new block and returns its receipt. A
// reverted transaction still produces a receipt; only store failures error.
func (c *Chain) SendTransaction(ctx context.Context, tx Tx) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var receipt *Receipt
	err := c.store.Update(ctx, func(w Writer) error {
		head, err := readHead(ctx, w)
		if err != nil {
			return err
		}
		env := blockEnv{number: head + 1, time: uint64(c.now().Unix())}
		env.txHash = txHash(c.chainID, env.number, tx)

		root := &CallContext{
			ctx:    ctx,
			chain:  c,
			env:    env,
			Self:   tx.To,
			Sender: tx.From,
			Origin: tx.From,
			state:  newOverlay(w),
		}
		ret, runErr := root.run(tx.Data)

		receipt = &Receipt{
			TxHash:      env.txHash,
			BlockNumber: env.number,
			BlockTime:   env.time,
			From:        tx.From,
			To:          tx.To,
		}
		if runErr != nil {
			var se *storeError
			if errors.As(runErr, &se) {
				return runErr
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			receipt.Status = StatusFailed
			receipt.RevertData = RevertPayload(runErr)
			c.logger.Debug("chain: transaction reverted",
				slog.String("tx", env.txHash.Hex()),
				slog.String("error", runErr.Error()))
		} else {
			if err := root.state.flush(ctx, w); err != nil {
				return err
			}
			receipt.Status = StatusSuccess
			receipt.ReturnData = ret
			for i, l := range root.logs {
				l.BlockNumber = env.number
				l.TxHash = env.txHash
				l.Index = uint(i)
			}
			receipt.Logs = root.logs
		}

		encoded, err := json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("chain: encode receipt: %w", err)
		}
		if err := w.Put(ctx, receiptKey(env.txHash), encoded); err != nil {
			return err
		}
		return w.Put(ctx, headKey, binary.BigEndian.AppendUint64(nil, env.number))
	})
	if err != nil {
		return nil, fmt.Errorf("chain: send transaction: %w", err)
	}
	return receipt, nil
}

// Call executes a message against the latest state and discards its writes.
// A revert is returned as *RevertError.
func (c *Chain) Call(ctx context.Context, from, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := c.store.View(ctx, func(r Reader) error {
		head, err := readHead(ctx, r)
		if err != nil {
			return err
		}
		frame := &CallContext{
			ctx:    ctx,
			chain:  c,
			env:    blockEnv{number: head, time: uint64(c.now().Unix())},
			Self:   to,
			Sender: from,
			Origin: from,
			state:  newOverlay(r),
		}
		ret, runErr := frame.run(data)
		if runErr != nil {
			var se *storeError
			if errors.As(runErr, &se) || ctx.Err() != nil {
				return runErr
			}
			return &RevertError{Data: RevertPayload(runErr)}
		}
		out = ret
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Receipt returns the receipt of an included transaction.
func (c *Chain) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var receipt *Receipt
	err := c.store.View(ctx, func(r Reader) error {
		raw, ok, err := r.Get(ctx, receiptKey(hash))
		if err != nil {
			return err
		}
		if !ok {
			return ErrReceiptNotFound
		}
		receipt = new(Receipt)
		return json.Unmarshal(raw, receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Head returns the number of the latest block.
func (c *Chain) Head(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.store.View(ctx, func(r Reader) error {
		var err error
		head, err = readHead(ctx, r)
		return err
	})
	return head, err
}

// CodeAt returns the code kind deployed at addr.
func (c *Chain) CodeAt(ctx context.Context, addr common.Address) (string, bool, error) {
	var (
		kind string
		ok   bool
	)
	err := c.store.View(ctx, func(r Reader) error {
		raw, found, err := r.Get(ctx, codeKey(addr))
		if err != nil {
			return err
		}
		kind, ok = string(raw), found
		return nil
	})
	return kind, ok, err
}

func readHead(ctx context.Context, r Reader) (uint64, error) {
	raw, ok, err := r.Get(ctx, headKey)
	if err != nil || !ok {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("chain: corrupt head record")
	}
	return binary.BigEndian.Uint64(raw), nil
}

func txHash(chainID, number uint64, tx Tx) common.Hash {
	var buf []byte
	buf = binary.BigEndian.AppendUint64(buf, chainID)
	buf = binary.BigEndian.AppendUint64(buf, number)
	buf = append(buf, tx.From.Bytes()...)
	buf = append(buf, tx.To.Bytes()...)
	buf = append(buf, tx.Data...)
	return crypto.Keccak256Hash(buf)
}

func codeKey(addr common.Address) string { return codePrefix + addr.Hex() }

func receiptKey(hash common.Hash) string { return "receipt/" + hash.Hex() }
