package custody

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/mbd888/nftescrow/internal/deal"
)

// MemoryStore is an in-memory custody store for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[uint64]*Instance
	lastID    uint64
	stats     PlatformStats
}

// NewMemoryStore creates a new in-memory custody store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[uint64]*Instance),
		stats:     PlatformStats{TotalVolume: new(big.Int)},
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) NextDealID(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastID++
	return m.lastID, nil
}

func (m *MemoryStore) Create(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.instances[inst.DealID] = inst.clone()
	m.stats.TotalDeals++
	return nil
}

func (m *MemoryStore) Get(_ context.Context, dealID uint64) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[dealID]
	if !ok {
		return nil, ErrDealNotFound
	}
	return inst.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.instances[inst.DealID]
	if !ok {
		return ErrDealNotFound
	}
	if cur.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	m.instances[inst.DealID] = inst.clone()
	return nil
}

func (m *MemoryStore) Finalize(_ context.Context, inst *Instance, volume *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.instances[inst.DealID]
	if !ok {
		return ErrDealNotFound
	}
	if cur.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	m.instances[inst.DealID] = inst.clone()

	switch inst.Status {
	case deal.StatusCompleted:
		m.stats.CompletedDeals++
		if volume != nil {
			m.stats.TotalVolume = new(big.Int).Add(m.stats.TotalVolume, volume)
		}
	case deal.StatusCancelled:
		m.stats.CancelledDeals++
	}
	return nil
}

func (m *MemoryStore) ListByParty(_ context.Context, addr string) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr = strings.ToLower(addr)
	var out []*Instance
	for _, inst := range m.instances {
		if inst.Creator == addr || (inst.Counterparty != "" && inst.Counterparty == addr) {
			out = append(out, inst.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DealID < out[j].DealID })
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context) (*PlatformStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.stats
	s.TotalVolume = new(big.Int).Set(m.stats.TotalVolume)
	s.ActiveDeals = s.TotalDeals - s.CompletedDeals - s.CancelledDeals
	return &s, nil
}
