package mirror

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory mirror store for demo/development mode.
type MemoryStore struct {
	deals    map[string]*Deal
	activity map[string][]*Activity
	proofs   map[Proof]struct{}
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory mirror store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals:    make(map[string]*Deal),
		activity: make(map[string][]*Activity),
		proofs:   make(map[Proof]struct{}),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, d *Deal, act *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deals[d.ID] = d.Clone()
	if act != nil {
		cp := *act
		m.activity[d.ID] = append(m.activity[d.ID], &cp)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if f.Address != "" && d.CreatorAddress != f.Address && d.CounterpartyAddress != f.Address {
			continue
		}
		if f.Status != nil && d.Status != *f.Status {
			continue
		}
		result = append(result, d.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ListForAudit(_ context.Context, since time.Time, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if !d.Linked() {
			continue
		}
		if d.Status.IsTerminal() && d.UpdatedAt.Before(since) {
			continue
		}
		result = append(result, d.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return *result[i].OnchainDealID < *result[j].OnchainDealID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Apply holds the write lock for the whole mutation, so concurrent writes to
// any deal serialize.
func (m *MemoryStore) Apply(_ context.Context, id string, proof *Proof, fn MutateFunc) (*Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	if proof != nil {
		if _, seen := m.proofs[*proof]; seen {
			return stored.Clone(), ErrDuplicateProof
		}
	}

	d := stored.Clone()
	acts, err := fn(d)
	if err != nil {
		return nil, err
	}
	if d.Linked() && !stored.Linked() {
		for otherID, other := range m.deals {
			if otherID != id && other.Linked() && *other.OnchainDealID == *d.OnchainDealID {
				return nil, ErrLinkInUse
			}
		}
	}
	m.deals[id] = d
	if proof != nil {
		m.proofs[*proof] = struct{}{}
	}
	for _, a := range acts {
		cp := *a
		m.activity[id] = append(m.activity[id], &cp)
	}
	return d.Clone(), nil
}

func (m *MemoryStore) Activity(_ context.Context, id string) ([]*Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acts := m.activity[id]
	result := make([]*Activity, len(acts))
	for i, a := range acts {
		cp := *a
		result[i] = &cp
	}
	return result, nil
}
