package sponsor

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrLeaseClosed is returned when a lease is used after Commit or Abort.
var ErrLeaseClosed = errors.New("sponsor: lease already closed")

// NonceSource reports the next nonce the coordinator expects from sender,
// counting operations already accepted but not yet included.
type NonceSource interface {
	Nonce(ctx context.Context, sender common.Address) (uint64, error)
}

// Sequencer hands out per-sender nonces. A lease holds the sender's lane
// exclusively until it is committed (nonce used) or aborted (nonce unused).
// Reset drops the local counter after a committed nonce turned out unused,
// so the next lease re-reads the coordinator.
type Sequencer interface {
	Acquire(ctx context.Context, sender common.Address) (Lease, error)
	Reset(ctx context.Context, sender common.Address) error
}

// Lease is an exclusive claim on one nonce.
type Lease interface {
	Nonce() uint64
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// MemorySequencer coordinates nonce allocation inside one process.
type MemorySequencer struct {
	source NonceSource

	mu    sync.Mutex
	lanes map[common.Address]*lane
}

type lane struct {
	sem  chan struct{}
	next uint64
	seen bool
}

// NewMemorySequencer constructs a sequencer that resyncs with source on every lease.
func NewMemorySequencer(source NonceSource) *MemorySequencer {
	return &MemorySequencer{source: source, lanes: make(map[common.Address]*lane)}
}

func (s *MemorySequencer) lane(sender common.Address) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[sender]
	if !ok {
		l = &lane{sem: make(chan struct{}, 1)}
		s.lanes[sender] = l
	}
	return l
}

// Acquire blocks until the sender's lane is free.
func (s *MemorySequencer) Acquire(ctx context.Context, sender common.Address) (Lease, error) {
	l := s.lane(sender)
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	current, err := s.source.Nonce(ctx, sender)
	if err != nil {
		<-l.sem
		return nil, err
	}
	nonce := current
	if l.seen && l.next > nonce {
		nonce = l.next
	}
	return &memoryLease{lane: l, nonce: nonce}, nil
}

// Reset waits for the sender's lane and forgets its counter.
func (s *MemorySequencer) Reset(ctx context.Context, sender common.Address) error {
	l := s.lane(sender)
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.next, l.seen = 0, false
	<-l.sem
	return nil
}

type memoryLease struct {
	lane  *lane
	nonce uint64
	once  sync.Once
}

func (l *memoryLease) Nonce() uint64 { return l.nonce }

func (l *memoryLease) Commit(context.Context) error {
	return l.close(func() {
		l.lane.next, l.lane.seen = l.nonce+1, true
	})
}

func (l *memoryLease) Abort(context.Context) error {
	return l.close(func() {
		l.lane.next, l.lane.seen = 0, false
	})
}

func (l *memoryLease) close(update func()) error {
	closed := false
	l.once.Do(func() {
		update()
		<-l.lane.sem
		closed = true
	})
	if !closed {
		return ErrLeaseClosed
	}
	return nil
}
