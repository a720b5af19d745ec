package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type blockEnv struct {
	number uint64
	time   uint64
	txHash common.Hash
}

// CallContext is the execution frame handed to a contract.
type CallContext struct {
	ctx   context.Context
	chain *Chain
	env   blockEnv

	Self   common.Address
	Sender common.Address
	Origin common.Address
	Static bool

	state *overlay
	logs  []*types.Log
	depth int
}

// Context returns the request context of the enclosing transaction.
func (cc *CallContext) Context() context.Context { return cc.ctx }

// ChainID returns the chain identifier.
func (cc *CallContext) ChainID() uint64 { return cc.chain.chainID }

// BlockNumber returns the number of the executing block.
func (cc *CallContext) BlockNumber() uint64 { return cc.env.number }

// BlockTime returns the executing block timestamp.
func (cc *CallContext) BlockTime() time.Time { return time.Unix(int64(cc.env.time), 0).UTC() }

// Get reads a state key.
func (cc *CallContext) Get(key string) ([]byte, bool, error) {
	return cc.state.Get(cc.ctx, key)
}

// List reads every key under prefix.
func (cc *CallContext) List(prefix string) ([]Entry, error) {
	return cc.state.List(cc.ctx, prefix)
}

// Put writes a state key.
func (cc *CallContext) Put(key string, value []byte) error {
	if cc.Static {
		return ErrStaticWrite
	}
	return cc.state.Put(cc.ctx, key, value)
}

// Delete removes a state key.
func (cc *CallContext) Delete(key string) error {
	if cc.Static {
		return ErrStaticWrite
	}
	return cc.state.Delete(cc.ctx, key)
}

// Emit appends a log attributed to Self.
func (cc *CallContext) Emit(topics []common.Hash, data []byte) error {
	if cc.Static {
		return ErrStaticWrite
	}
	cc.logs = append(cc.logs, &types.Log{Address: cc.Self, Topics: topics, Data: clone(data)})
	return nil
}

// CodeAt returns the code kind deployed at addr.
func (cc *CallContext) CodeAt(addr common.Address) (string, bool, error) {
	raw, ok, err := cc.state.Get(cc.ctx, codeKey(addr))
	if err != nil || !ok {
		return "", false, err
	}
	return string(raw), true, nil
}

// Deploy installs code of kind at addr.
func (cc *CallContext) Deploy(addr common.Address, kind string) error {
	if cc.Static {
		return ErrStaticWrite
	}
	if _, ok, err := cc.CodeAt(addr); err != nil {
		return err
	} else if ok {
		return ErrCodeExists
	}
	if _, ok := cc.chain.contract(kind); !ok {
		return Revert("unknown code kind " + kind)
	}
	return cc.state.Put(cc.ctx, codeKey(addr), []byte(kind))
}

// Call sends a message from Self to addr. Writes and logs of the callee reach
// this frame only when it returns without error.
func (cc *CallContext) Call(to common.Address, data []byte) ([]byte, error) {
	return cc.call(to, data, cc.Static)
}

// StaticCall sends a message that may not mutate state.
func (cc *CallContext) StaticCall(to common.Address, data []byte) ([]byte, error) {
	return cc.call(to, data, true)
}

func (cc *CallContext) call(to common.Address, data []byte, static bool) ([]byte, error) {
	if cc.depth+1 > maxDepth {
		return nil, ErrCallDepth
	}
	child := &CallContext{
		ctx:    cc.ctx,
		chain:  cc.chain,
		env:    cc.env,
		Self:   to,
		Sender: cc.Self,
		Origin: cc.Origin,
		Static: static,
		state:  newOverlay(cc.state),
		depth:  cc.depth + 1,
	}
	ret, err := child.run(data)
	if err != nil {
		return nil, err
	}
	if err := child.state.flush(cc.ctx, cc.state); err != nil {
		return nil, err
	}
	cc.logs = append(cc.logs, child.logs...)
	return ret, nil
}

func (cc *CallContext) run(data []byte) ([]byte, error) {
	if err := cc.ctx.Err(); err != nil {
		return nil, err
	}
	kind, ok, err := cc.CodeAt(cc.Self)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoCode
	}
	contract, ok := cc.chain.contract(kind)
	if !ok {
		return nil, ErrNoCode
	}
	return contract.Run(cc, data)
}
