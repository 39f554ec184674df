package reconciliation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps discrepancies in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Discrepancy
	open  map[string]string // deal id -> open discrepancy id
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Discrepancy),
		open:  make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Upsert(_ context.Context, d *Discrepancy) (*Discrepancy, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.open[d.DealID]; ok {
		cur := m.items[id]
		cur.Fields = append([]Field(nil), d.Fields...)
		cur.MirrorStatus = d.MirrorStatus
		cur.CustodyStatus = d.CustodyStatus
		cur.Detail = d.Detail
		cur.LastSeenAt = d.LastSeenAt
		return clone(cur), false, nil
	}

	cp := clone(d)
	m.items[cp.ID] = cp
	m.open[cp.DealID] = cp.ID
	return clone(cp), true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Discrepancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.items[id]
	if !ok {
		return nil, ErrDiscrepancyNotFound
	}
	return clone(d), nil
}

func (m *MemoryStore) OpenForDeal(_ context.Context, dealID string) (*Discrepancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.open[dealID]
	if !ok {
		return nil, ErrDiscrepancyNotFound
	}
	return clone(m.items[id]), nil
}

func (m *MemoryStore) ListOpen(_ context.Context, limit int) ([]*Discrepancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Discrepancy, 0, len(m.open))
	for _, id := range m.open {
		out = append(out, clone(m.items[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id, resolution, by string, at time.Time) (*Discrepancy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.items[id]
	if !ok {
		return nil, ErrDiscrepancyNotFound
	}
	if !d.Open() {
		return nil, ErrAlreadyResolved
	}
	d.ResolvedAt = &at
	d.Resolution = resolution
	d.ResolvedBy = by
	delete(m.open, d.DealID)
	return clone(d), nil
}

func clone(d *Discrepancy) *Discrepancy {
	cp := *d
	cp.Fields = append([]Field(nil), d.Fields...)
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
