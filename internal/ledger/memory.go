package ledger

import (
	"context"
	"sync"
)

var _ Ledger = (*Memory)(nil)

// Memory keeps the ledger in process. Useful for single-node deployments
// and tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[Kind]map[string]int64
}

func NewMemory() *Memory {
	m := &Memory{entries: map[Kind]map[string]int64{}}
	for _, k := range allKinds {
		m.entries[k] = map[string]int64{}
	}
	return m
}

func (m *Memory) put(kind Kind, id string, v int64) {
	m.mu.Lock()
	m.entries[kind][id] = v
	m.mu.Unlock()
}

func (m *Memory) get(kind Kind, id string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[kind][id]
	return v, ok
}

func (m *Memory) PutExecutionUpdate(_ context.Context, id string, ts int64) error {
	m.put(KindExecution, id, ts)
	return nil
}

func (m *Memory) PutExecutionStageCount(_ context.Context, id string, n int) error {
	m.put(KindStageCount, id, int64(n))
	return nil
}

func (m *Memory) PutStageUpdate(_ context.Context, id string, ts int64) error {
	m.put(KindStage, id, ts)
	return nil
}

func (m *Memory) ExecutionUpdate(_ context.Context, id string) (int64, bool, error) {
	v, ok := m.get(KindExecution, id)
	return v, ok, nil
}

func (m *Memory) ExecutionStageCount(_ context.Context, id string) (int, bool, error) {
	v, ok := m.get(KindStageCount, id)
	return int(v), ok, nil
}

func (m *Memory) StageUpdate(_ context.Context, id string) (int64, bool, error) {
	v, ok := m.get(KindStage, id)
	return v, ok, nil
}

func (m *Memory) Forget(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range allKinds {
		for _, id := range ids {
			delete(m.entries[k], id)
		}
	}
	return nil
}
