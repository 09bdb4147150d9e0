package bus

import (
	"context"
	"fmt"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"streamguard/internal/resilience"
	"streamguard/logger"
)

// RedisBus publishes with PUBLISH and keeps per-channel history in a list
// trimmed to the configured length. Calls go through a circuit breaker so a
// dead Redis costs nothing once the breaker is open.
type RedisBus struct {
	client  *redis.Client
	breaker *resilience.CircuitBreaker
	keep    int
	log     *logger.Log

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

func NewRedisBus(client *redis.Client, breaker *resilience.CircuitBreaker, history int) *RedisBus {
	return &RedisBus{client: client, breaker: breaker, keep: history, log: logger.GetLogger()}
}

func historyKey(channel string) string { return "bus:history:" + channel }

func (b *RedisBus) Publish(ctx context.Context, channel string, env Envelope) bool {
	entry := b.log.WithComponent("event_bus").WithFields(logger.Fields{"channel": channel, "type": env.Type})

	data, err := json.Marshal(env)
	if err != nil {
		b.failed.Add(1)
		entry.WithError(err).Error("failed to marshal event")
		return false
	}

	err = b.breaker.Execute(func() error {
		_, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			p.Publish(ctx, channel, data)
			if b.keep > 0 {
				p.LPush(ctx, historyKey(channel), data)
				p.LTrim(ctx, historyKey(channel), 0, int64(b.keep-1))
			}
			return nil
		})
		return err
	})
	if err != nil {
		b.failed.Add(1)
		entry.WithError(err).Warn("failed to publish event")
		return false
	}
	b.published.Add(1)
	return true
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan Envelope, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan Envelope, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.WithComponent("event_bus").WithError(err).WithField("channel", channel).Warn("discarding undecodable event")
					continue
				}
				select {
				case out <- env:
					b.delivered.Add(1)
				default:
					b.dropped.Add(1)
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Recent(ctx context.Context, channel string, n int) ([]Envelope, error) {
	if n <= 0 {
		n = b.keep
	}
	var raw []string
	err := b.breaker.Execute(func() error {
		var err error
		raw, err = b.client.LRange(ctx, historyKey(channel), 0, int64(n-1)).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", channel, err)
	}

	out := make([]Envelope, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var env Envelope
		if err := json.Unmarshal([]byte(raw[i]), &env); err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

func (b *RedisBus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Failed:    b.failed.Load(),
	}
}

// Close does not close the shared client.
func (b *RedisBus) Close() error { return nil }
