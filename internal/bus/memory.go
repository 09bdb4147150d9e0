package bus

import (
	"context"
	"sync"

	"streamguard/logger"
)

const subscriberBuffer = 64

// MemoryBus fans out in process. Slow subscribers lose events instead of
// blocking the publisher.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[string]map[chan Envelope]struct{}
	history map[string][]Envelope
	keep    int
	closed  bool
	stats   Stats
	log     *logger.Log
}

// NewMemoryBus keeps the last history events per channel.
func NewMemoryBus(history int) *MemoryBus {
	return &MemoryBus{
		subs:    make(map[string]map[chan Envelope]struct{}),
		history: make(map[string][]Envelope),
		keep:    history,
		log:     logger.GetLogger(),
	}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, env Envelope) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.stats.Failed++
		return false
	}
	b.stats.Published++

	if b.keep > 0 {
		h := append(b.history[channel], env)
		if len(h) > b.keep {
			h = append([]Envelope(nil), h[len(h)-b.keep:]...)
		}
		b.history[channel] = h
	}

	for ch := range b.subs[channel] {
		select {
		case ch <- env:
			b.stats.Delivered++
		default:
			b.stats.Dropped++
			b.log.WithComponent("event_bus").WithFields(logger.Fields{
				"channel": channel,
				"type":    env.Type,
			}).Warn("subscriber too slow, event dropped")
		}
	}
	return true
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (<-chan Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	ch := make(chan Envelope, subscriberBuffer)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan Envelope]struct{})
	}
	b.subs[channel][ch] = struct{}{}

	go func() {
		<-ctx.Done()
		b.unsubscribe(channel, ch)
	}()
	return ch, nil
}

func (b *MemoryBus) unsubscribe(channel string, ch chan Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[channel][ch]; ok {
		delete(b.subs[channel], ch)
		close(ch)
	}
}

func (b *MemoryBus) Recent(_ context.Context, channel string, n int) ([]Envelope, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h := b.history[channel]
	if n <= 0 || n > len(h) {
		n = len(h)
	}
	return append([]Envelope(nil), h[len(h)-n:]...), nil
}

func (b *MemoryBus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

// Close closes every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for ch := range subs {
			close(ch)
		}
	}
	b.subs = make(map[string]map[chan Envelope]struct{})
	return nil
}
