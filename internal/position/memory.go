package position

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]Position
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]Position), now: time.Now}
}

func (m *MemoryStore) Get(ctx context.Context, pair string) (*Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[pair]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryStore) Update(ctx context.Context, pair string, delta, price decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[pair]
	if !ok {
		p = Position{Pair: pair}
	}
	m.positions[pair] = apply(p, delta, price, m.now().UTC())
	return nil
}

func (m *MemoryStore) Close() error { return nil }
