package calllog

import (
	"context"
	"sync"
)

// memoryCap bounds the in-memory history; oldest records fall off.
const memoryCap = 1000

// MemoryRepo is the default store when no database is configured.
type MemoryRepo struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{}
}

func (r *MemoryRepo) Save(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	if len(r.records) > memoryCap {
		r.records = r.records[len(r.records)-memoryCap:]
	}
	return nil
}

func (r *MemoryRepo) Recent(_ context.Context, limit int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.records) {
		limit = len(r.records)
	}
	out := make([]Record, 0, limit)
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.records[i])
	}
	return out, nil
}
