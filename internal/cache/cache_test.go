package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"streamguard/internal/resilience"
)

func TestMemoryStoreTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryStore()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if err := m.Set(ctx, "risk:state", []byte("a"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.Set(ctx, "forever", []byte("b"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := m.Get(ctx, "risk:state")
	if err != nil || string(got) != "a" {
		t.Fatalf("get = %q, %v", got, err)
	}

	now = now.Add(time.Minute)
	if _, err := m.Get(ctx, "risk:state"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if got, err := m.Get(ctx, "forever"); err != nil || string(got) != "b" {
		t.Fatalf("get forever = %q, %v", got, err)
	}
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	val := []byte("abc")
	_ = m.Set(ctx, "k", val, 0)
	val[0] = 'z'

	got, _ := m.Get(ctx, "k")
	got[1] = 'z'
	again, _ := m.Get(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("stored value mutated: %q", again)
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "", 0)
	defer client.Close()
	s := NewRedisStore(client)
	ctx := context.Background()

	if _, err := s.Get(ctx, "risk:state"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Set(ctx, "risk:state", []byte(`{"balance":1}`), time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, "risk:state")
	if err != nil || string(got) != `{"balance":1}` {
		t.Fatalf("get = %q, %v", got, err)
	}
	if ttl := mr.TTL("risk:state"); ttl != time.Hour {
		t.Fatalf("ttl = %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := s.Get(ctx, "risk:state"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestRedisStoreUnavailableIsTransient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "", 0)
	defer client.Close()
	s := NewRedisStore(client)
	mr.Close()

	err := s.Set(context.Background(), "k", []byte("v"), 0)
	var transient *resilience.TransientIOError
	if !errors.As(err, &transient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
