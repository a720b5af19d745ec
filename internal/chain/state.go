package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrStateConflict reports a serialization failure in the backing store. The
// transaction was not applied and may be retried.
var ErrStateConflict = errors.New("chain: state conflict")

// Entry is a single key/value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Reader exposes read access to ledger state.
type Reader interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// List returns every entry whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// Writer exposes read-write access to ledger state inside a transaction.
type Writer interface {
	Reader
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Store persists ledger state. Update applies every write of fn atomically or
// none of them when fn returns an error.
type Store interface {
	View(ctx context.Context, fn func(Reader) error) error
	Update(ctx context.Context, fn func(Writer) error) error
}

// storeError marks failures coming from the backing store so the executor can
// tell them apart from contract reverts.
type storeError struct{ err error }

func (e *storeError) Error() string { return "chain: state: " + e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

type pending struct {
	value   []byte
	deleted bool
}

// overlay buffers writes above a base reader. Nested overlays model call
// frames: a frame's writes reach its parent only through flush.
type overlay struct {
	base   Reader
	writes map[string]pending
}

func newOverlay(base Reader) *overlay {
	return &overlay{base: base, writes: make(map[string]pending)}
}

func (o *overlay) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if p, ok := o.writes[key]; ok {
		if p.deleted {
			return nil, false, nil
		}
		return clone(p.value), true, nil
	}
	v, ok, err := o.base.Get(ctx, key)
	if err != nil {
		return nil, false, wrapStore(err)
	}
	return v, ok, nil
}

func (o *overlay) List(ctx context.Context, prefix string) ([]Entry, error) {
	base, err := o.base.List(ctx, prefix)
	if err != nil {
		return nil, wrapStore(err)
	}
	merged := make(map[string][]byte, len(base))
	for _, e := range base {
		merged[e.Key] = e.Value
	}
	for k, p := range o.writes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if p.deleted {
			delete(merged, k)
			continue
		}
		merged[k] = p.value
	}
	return sortedEntries(merged), nil
}

func (o *overlay) Put(_ context.Context, key string, value []byte) error {
	o.writes[key] = pending{value: clone(value)}
	return nil
}

func (o *overlay) Delete(_ context.Context, key string) error {
	o.writes[key] = pending{deleted: true}
	return nil
}

// flush writes the buffered changes into w in key order.
func (o *overlay) flush(ctx context.Context, w Writer) error {
	keys := make([]string, 0, len(o.writes))
	for k := range o.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := o.writes[k]
		var err error
		if p.deleted {
			err = w.Delete(ctx, k)
		} else {
			err = w.Put(ctx, k, p.value)
		}
		if err != nil {
			return wrapStore(err)
		}
	}
	return nil
}

func wrapStore(err error) error {
	var se *storeError
	if errors.As(err, &se) {
		return err
	}
	return &storeError{err: err}
}

// MemoryStore keeps ledger state in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

type memReader struct{ data map[string][]byte }

func (m memReader) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.data[key]
	return clone(v), ok, nil
}

func (m memReader) List(_ context.Context, prefix string) ([]Entry, error) {
	matched := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			matched[k] = v
		}
	}
	return sortedEntries(matched), nil
}

// View runs fn against a consistent snapshot.
func (s *MemoryStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(memReader{data: s.data})
}

// Update runs fn and applies its writes only when it succeeds.
func (s *MemoryStore) Update(ctx context.Context, fn func(Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := newOverlay(memReader{data: s.data})
	if err := fn(tx); err != nil {
		return err
	}
	for k, p := range tx.writes {
		if p.deleted {
			delete(s.data, k)
			continue
		}
		s.data[k] = p.value
	}
	return nil
}

func sortedEntries(m map[string][]byte) []Entry {
	out := make([]Entry, 0, len(m))
	for k, v := range m {
		out = append(out, Entry{Key: k, Value: clone(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Key joins state key segments with "/".
func Key(parts ...string) string {
	return strings.Join(parts, "/")
}

// KeyUint formats an integer key segment so lexical order matches numeric order.
func KeyUint(n uint64) string {
	return fmt.Sprintf("%020d", n)
}
