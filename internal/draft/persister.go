package draft

import (
	"context"
	"sync"

	"github.com/fjod/storefront-cart/internal/domain"
)

// Persister keeps a session's draft list across reloads.
type Persister interface {
	Load(ctx context.Context, sessionID string) ([]domain.DraftLineItem, error)
	Save(ctx context.Context, sessionID string, items []domain.DraftLineItem) error
	Delete(ctx context.Context, sessionID string) error
}

// MemoryPersister is a process-local Persister for tests and single-node dev runs.
type MemoryPersister struct {
	m    sync.RWMutex
	data map[string][]domain.DraftLineItem
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{data: make(map[string][]domain.DraftLineItem)}
}

func (p *MemoryPersister) Load(_ context.Context, sessionID string) ([]domain.DraftLineItem, error) {
	p.m.RLock()
	defer p.m.RUnlock()
	return cloneItems(p.data[sessionID]), nil
}

func (p *MemoryPersister) Save(_ context.Context, sessionID string, items []domain.DraftLineItem) error {
	p.m.Lock()
	defer p.m.Unlock()
	p.data[sessionID] = cloneItems(items)
	return nil
}

func (p *MemoryPersister) Delete(_ context.Context, sessionID string) error {
	p.m.Lock()
	defer p.m.Unlock()
	delete(p.data, sessionID)
	return nil
}

func cloneItems(items []domain.DraftLineItem) []domain.DraftLineItem {
	if items == nil {
		return nil
	}
	out := make([]domain.DraftLineItem, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}
