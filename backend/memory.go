package backend

import (
	"context"
	"sort"
	"sync"
)

// Op names a Backend operation for fault injection.
type Op string

const (
	OpGet    Op = "get"
	OpSet    Op = "set"
	OpRemove Op = "remove"
	OpKeys   Op = "keys"
	OpPurge  Op = "purge"
)

// Memory implements Backend in process memory. It is used for ephemeral
// sessions and in tests, where Fail can inject per-operation errors.
type Memory struct {
	name string
	kind Kind

	mu       sync.RWMutex
	data     map[string][]byte
	failures map[Op]error
}

// NewMemory creates an empty in-memory backend.
func NewMemory(name string, kind Kind) *Memory {
	return &Memory{
		name:     name,
		kind:     kind,
		data:     make(map[string][]byte),
		failures: make(map[Op]error),
	}
}

// Fail makes every subsequent call to op return err. A nil err clears it.
func (m *Memory) Fail(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Kind() Kind { return m.kind }

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failures[OpGet]; err != nil {
		return nil, err
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[OpSet]; err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[OpRemove]; err != nil {
		return err
	}
	delete(m.data, key)
	return nil
}

// Keys returns every key in sorted order.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failures[OpKeys]; err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Purge(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[OpPurge]; err != nil {
		return err
	}
	m.data = make(map[string][]byte)
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

var _ Backend = (*Memory)(nil)
