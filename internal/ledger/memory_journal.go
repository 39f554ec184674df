package ledger

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryJournal implements Journal with in-memory storage.
type MemoryJournal struct {
	mu     sync.RWMutex
	facts  []*Fact
	byHash map[string]*Fact
}

// NewMemoryJournal creates a new in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{byHash: make(map[string]*Fact)}
}

func (j *MemoryJournal) Append(_ context.Context, f *Fact) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	key := strings.ToLower(f.TxHash)
	if _, ok := j.byHash[key]; ok {
		return ErrDuplicateFact
	}

	cp := *f
	cp.Seq = int64(len(j.facts)) + 1
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	j.facts = append(j.facts, &cp)
	j.byHash[key] = &cp
	f.Seq = cp.Seq
	return nil
}

func (j *MemoryJournal) ListByDeal(_ context.Context, dealID uint64) ([]*Fact, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []*Fact
	for _, f := range j.facts {
		if f.DealID == dealID {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (j *MemoryJournal) GetByTxHash(_ context.Context, txHash string) (*Fact, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	f, ok := j.byHash[strings.ToLower(txHash)]
	if !ok {
		return nil, ErrFactNotFound
	}
	cp := *f
	return &cp, nil
}

func (j *MemoryJournal) Since(_ context.Context, afterSeq int64, limit int) ([]*Fact, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if afterSeq < 0 {
		afterSeq = 0
	}
	var out []*Fact
	for _, f := range j.facts[min(int(afterSeq), len(j.facts)):] {
		cp := *f
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
