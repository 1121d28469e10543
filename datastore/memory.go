package datastore

import (
	"context"
	"sync"

	"github.com/dioptra/analysis-engine/model"
)

// Memory is a Source over an in-process slice.
type Memory struct {
	mu      sync.RWMutex
	rows    []Row
	healthy bool
}

// NewMemory returns a healthy source holding rows.
func NewMemory(rows ...Row) *Memory {
	return &Memory{rows: rows, healthy: true}
}

// Add appends rows to the ledger.
func (m *Memory) Add(rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
}

// SetHealthy toggles the Health result.
func (m *Memory) SetHealthy(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = ok
}

func (m *Memory) Health(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.healthy {
		return model.ErrTransactionStoreUnhealthy
	}
	return nil
}

func (m *Memory) Count(ctx context.Context, q Query) (int, error) {
	if err := m.Health(ctx); err != nil {
		return 0, err
	}
	return len(m.matching(q)), nil
}

func (m *Memory) Stream(ctx context.Context, q Query, batchSize int, fn func([]Row) error) error {
	if err := m.Health(ctx); err != nil {
		return err
	}
	if batchSize <= 0 {
		batchSize = BatchSize
	}
	rows := m.matching(q)
	for start := 0; start < len(rows); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(rows))
		if err := fn(rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) matching(q Query) []Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Row
	for _, r := range m.rows {
		if q.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}
