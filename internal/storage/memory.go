package storage

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
)

// Memory is an in-process CAS.
type Memory struct {
	Gateway

	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory constructs an empty in-memory store.
func NewMemory(gateway string) *Memory {
	return &Memory{Gateway: Gateway(gateway), objects: make(map[string][]byte)}
}

func (m *Memory) Publish(ctx context.Context, data []byte) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	id, err := Sum(data)
	if err != nil {
		return cid.Undef, failure("hash", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[id.KeyString()]; !ok {
		m.objects[id.KeyString()] = append([]byte(nil), data...)
	}
	return id, nil
}

func (m *Memory) Fetch(ctx context.Context, id cid.Cid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !id.Defined() {
		return nil, ErrInvalidCID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[id.KeyString()]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}
