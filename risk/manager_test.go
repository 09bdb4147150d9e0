package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "streamguard/config"
	"streamguard/internal/bus"
	"streamguard/internal/cache"
	"streamguard/internal/position"
	"streamguard/internal/resilience"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var testBreaker = resilience.BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute}

type harness struct {
	m     *Manager
	bus   *bus.MemoryBus
	clock *fakeClock
	cfg   appconfig.RiskConfig
}

func newHarness(t *testing.T, mutate func(*appconfig.RiskConfig), opts ...Option) *harness {
	t.Helper()
	cfg := appconfig.Default().Risk
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{bus: bus.NewMemoryBus(1000), clock: newFakeClock(), cfg: cfg}
	opts = append([]Option{WithClock(h.clock.Now), WithBus(h.bus)}, opts...)
	h.m = NewManager(cfg, testBreaker, opts...)
	t.Cleanup(func() { _ = h.m.Close() })
	return h
}

func (h *harness) events(t *testing.T) []Event {
	t.Helper()
	envs, err := h.bus.Recent(context.Background(), h.cfg.EventChannel, 0)
	require.NoError(t, err)
	out := make([]Event, 0, len(envs))
	for _, env := range envs {
		ev, err := DecodeEvent(env)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func (h *harness) count(t *testing.T, typ string) int {
	n := 0
	for _, ev := range h.events(t) {
		if ev.EventType() == typ {
			n++
		}
	}
	return n
}

func TestMonotonicBalancesNeverTripKillSwitch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for b := 1000.0; b <= 20000; b += 750 {
		require.NoError(t, h.m.UpdateBalance(ctx, b))
		assert.False(t, h.m.Status().KillSwitchActive)
	}
	assert.Zero(t, h.count(t, TypeMaxDrawdownExceeded))
	assert.Zero(t, h.count(t, TypeCircuitBreakerTriggered))
	assert.True(t, h.m.CheckTradeAllowed(ctx, "BTCUSDT", SideBuy, 1, 100).Allowed)
}

func TestDrawdownTripsKillSwitchOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.m.UpdateBalance(ctx, 10000))
	require.NoError(t, h.m.UpdateBalance(ctx, 8400))

	st := h.m.Status()
	assert.True(t, st.KillSwitchActive)
	assert.InDelta(t, 0.16, st.Drawdown, 1e-9)
	assert.Equal(t, 1, h.count(t, TypeMaxDrawdownExceeded))

	require.NoError(t, h.m.UpdateBalance(ctx, 8300))
	assert.Equal(t, 1, h.count(t, TypeMaxDrawdownExceeded))

	var exceeded MaxDrawdownExceeded
	for _, ev := range h.events(t) {
		if e, ok := ev.(MaxDrawdownExceeded); ok {
			exceeded = e
		}
	}
	assert.Equal(t, 10000.0, exceeded.Peak)
	assert.Equal(t, 8400.0, exceeded.Balance)

	d := h.m.CheckTradeAllowed(ctx, "BTCUSDT", SideBuy, 1, 100)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonKillSwitch, d.Reason)
	assert.Equal(t, 1, h.count(t, TypeTradeDenied))
}

func TestDrawdownWarningFiresOncePerExcursion(t *testing.T) {
	h := newHarness(t, func(c *appconfig.RiskConfig) { c.CircuitBreakerThreshold = 0.5 })
	ctx := context.Background()

	require.NoError(t, h.m.UpdateBalance(ctx, 10000))
	require.NoError(t, h.m.UpdateBalance(ctx, 9700))
	assert.Zero(t, h.count(t, TypeDrawdownWarning))

	require.NoError(t, h.m.UpdateBalance(ctx, 8700))
	require.NoError(t, h.m.UpdateBalance(ctx, 8750))
	assert.Equal(t, 1, h.count(t, TypeDrawdownWarning))
	assert.False(t, h.m.Status().KillSwitchActive)

	require.NoError(t, h.m.UpdateBalance(ctx, 9900))
	require.NoError(t, h.m.UpdateBalance(ctx, 8700))
	assert.Equal(t, 2, h.count(t, TypeDrawdownWarning))
}

func TestCircuitBreakerTriggersAndResets(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.m.UpdateBalance(ctx, 10000))
	require.NoError(t, h.m.UpdateBalance(ctx, 8900))
	assert.False(t, h.m.Status().KillSwitchActive)
	assert.True(t, h.m.Status().CircuitBreakerActive)
	assert.Equal(t, 1, h.count(t, TypeCircuitBreakerTriggered))

	d := h.m.CheckTradeAllowed(ctx, "ETHUSDT", SideBuy, 1, 100)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCircuitBreaker, d.Reason)

	h.clock.Advance(h.cfg.RecoveryTime + time.Minute)
	assert.True(t, h.m.CheckTradeAllowed(ctx, "ETHUSDT", SideBuy, 1, 100).Allowed)
	assert.Equal(t, 1, h.count(t, TypeCircuitBreakerReset))
	assert.False(t, h.m.Status().CircuitBreakerActive)
}

func TestCircuitBreakerTimerResets(t *testing.T) {
	h := newHarness(t, func(c *appconfig.RiskConfig) { c.RecoveryTime = 20 * time.Millisecond })
	ctx := context.Background()

	require.NoError(t, h.m.UpdateBalance(ctx, 10000))
	require.NoError(t, h.m.UpdateBalance(ctx, 8900))
	require.Eventually(t, func() bool {
		return h.count(t, TypeCircuitBreakerReset) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.m.CheckTradeAllowed(ctx, "ETHUSDT", SideBuy, 1, 100).Allowed)
}

func TestDailyTradeLimit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.m.UpdateBalance(ctx, 10000))

	for i := 0; i < 60; i++ {
		require.NoError(t, h.m.RecordTrade(ctx, "BTCUSDT", SideBuy, 0.01, 100))
	}
	assert.Equal(t, 60, h.m.Status().TradesToday)

	for _, side := range []Side{SideBuy, SideSell} {
		d := h.m.CheckTradeAllowed(ctx, "ETHUSDT", side, 0.5, 2000)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonDailyLimit, d.Reason)
	}
	assert.Equal(t, 1, h.count(t, TypeDailyLimitReached))

	h.clock.Advance(24 * time.Hour)
	assert.True(t, h.m.CheckTradeAllowed(ctx, "ETHUSDT", SideBuy, 0.5, 2000).Allowed)
	assert.Zero(t, h.m.Status().TradesToday)
}

func TestInvalidOrdersAreDenied(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, tc := range []struct {
		side          Side
		amount, price float64
	}{
		{SideBuy, 0, 100},
		{SideBuy, 1, -1},
		{Side("hold"), 1, 100},
	} {
		d := h.m.CheckTradeAllowed(ctx, "BTCUSDT", tc.side, tc.amount, tc.price)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonInvalidOrder, d.Reason)
	}
	assert.Error(t, h.m.RecordTrade(ctx, "BTCUSDT", SideBuy, 0, 100))
	assert.Error(t, h.m.UpdateBalance(ctx, -5))
}

func TestStopLoss(t *testing.T) {
	ctx := context.Background()

	t.Run("advises exit", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.m.RecordTrade(ctx, "BTCUSDT", SideBuy, 1, 100))

		d := h.m.CheckTradeAllowed(ctx, "BTCUSDT", SideSell, 1, 90)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonStopLoss, d.Reason)
		assert.True(t, d.ExitAdvised)
		assert.Equal(t, 1, h.count(t, TypeStopLossTriggered))

		assert.True(t, h.m.CheckTradeAllowed(ctx, "BTCUSDT", SideSell, 1, 97).Allowed)
	})

	t.Run("auto stop loss allows", func(t *testing.T) {
		h := newHarness(t, func(c *appconfig.RiskConfig) { c.AutoStopLoss = true })
		require.NoError(t, h.m.RecordTrade(ctx, "BTCUSDT", SideBuy, 1, 100))

		d := h.m.CheckTradeAllowed(ctx, "BTCUSDT", SideSell, 1, 90)
		assert.True(t, d.Allowed)
		assert.True(t, d.ExitAdvised)
		events := h.events(t)
		require.Len(t, events, 1)
		sl, ok := events[0].(StopLossTriggered)
		require.True(t, ok)
		assert.True(t, sl.AutoExecuted)
		assert.InDelta(t, -0.1, sl.ProfitPct, 1e-9)
	})

	t.Run("exactly at the stop is not triggered", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.m.RecordTrade(ctx, "BTCUSDT", SideBuy, 1, 100))

		d := h.m.CheckTradeAllowed(ctx, "BTCUSDT", SideSell, 1, 95)
		assert.True(t, d.Allowed)
		assert.False(t, d.ExitAdvised)
		assert.Equal(t, 0, h.count(t, TypeStopLossTriggered))
	})

	t.Run("buys are not evaluated", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.m.RecordTrade(ctx, "BTCUSDT", SideBuy, 1, 100))
		assert.True(t, h.m.CheckTradeAllowed(ctx, "BTCUSDT", SideBuy, 1, 50).Allowed)
	})
}

func TestTakeProfitLadder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.m.RecordTrade(ctx, "BTCUSDT", SideBuy, 2, 100))

	d := h.m.CheckTradeAllowed(ctx, "BTCUSDT", SideSell, 0.3, 104)
	assert.True(t, d.Allowed)
	assert.Nil(t, d.TakeProfit)

	d = h.m.CheckTradeAllowed(ctx, "BTCUSDT", SideSell, 0.3, 112)
	assert.True(t, d.Allowed)
	require.NotNil(t, d.TakeProfit)
	assert.Equal(t, 0.10, d.TakeProfit.Threshold)
	assert.Equal(t, 0.5, d.TakeProfit.Fraction)
	assert.InDelta(t, 1.0, d.TakeProfit.SuggestedAmount, 1e-9)
	assert.False(t, d.TakeProfit.Execute)

	d = h.m.CheckTradeAllowed(ctx, "BTCUSDT", SideSell, 0.3, 130)
	require.NotNil(t, d.TakeProfit)
	assert.Equal(t, 0.20, d.TakeProfit.Threshold)
	assert.Equal(t, 2, h.count(t, TypeTakeProfitSignal))
}

func TestKillSwitchManualOverride(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.m.ActivateKillSwitch(ctx, "maintenance")
	h.m.ActivateKillSwitch(ctx, "maintenance")
	assert.True(t, h.m.Status().KillSwitchActive)
	assert.Equal(t, 2, h.count(t, TypeKillSwitchActivated))

	d := h.m.CheckTradeAllowed(ctx, "BTCUSDT", SideBuy, 1, 100)
	assert.Equal(t, ReasonKillSwitch, d.Reason)

	h.m.DeactivateKillSwitch(ctx, "done")
	h.m.DeactivateKillSwitch(ctx, "done")
	assert.False(t, h.m.Status().KillSwitchActive)
	assert.Equal(t, 2, h.count(t, TypeKillSwitchDeactivated))
	assert.True(t, h.m.CheckTradeAllowed(ctx, "BTCUSDT", SideBuy, 1, 100).Allowed)
}

type countingCache struct {
	*cache.MemoryStore
	mu   sync.Mutex
	sets int
}

func (c *countingCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.MemoryStore.Set(ctx, key, val, ttl)
}

func (c *countingCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

func TestRepeatedKillSwitchOnlyRepublishes(t *testing.T) {
	store := &countingCache{MemoryStore: cache.NewMemoryStore()}
	h := newHarness(t, nil, WithCache(store))
	ctx := context.Background()

	h.m.ActivateKillSwitch(ctx, "maintenance")
	require.Equal(t, 1, store.count())
	raw, err := store.Get(ctx, h.cfg.StateKey)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	h.m.ActivateKillSwitch(ctx, "second operator")
	assert.Equal(t, "maintenance", h.m.Status().KillSwitchReason)
	assert.Equal(t, 1, store.count(), "an unchanged switch is not persisted again")
	again, err := store.Get(ctx, h.cfg.StateKey)
	require.NoError(t, err)
	assert.Equal(t, raw, again)
	assert.Equal(t, 2, h.count(t, TypeKillSwitchActivated))

	h.m.DeactivateKillSwitch(ctx, "done")
	h.m.DeactivateKillSwitch(ctx, "done")
	assert.Equal(t, 2, store.count())
	assert.Equal(t, 2, h.count(t, TypeKillSwitchDeactivated))
}

func TestStateMirroredAndRestored(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()

	h := newHarness(t, nil, WithCache(store))
	require.NoError(t, h.m.UpdateBalance(ctx, 10000))
	require.NoError(t, h.m.RecordTrade(ctx, "BTCUSDT", SideBuy, 1, 100))
	h.m.ActivateKillSwitch(ctx, "operator")

	raw, err := store.Get(ctx, h.cfg.StateKey)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kill_switch_active":true`)

	restored := NewManager(h.cfg, testBreaker, WithClock(h.clock.Now), WithCache(store))
	defer restored.Close()
	require.NoError(t, restored.Init(ctx))

	st := restored.Status()
	assert.True(t, st.KillSwitchActive)
	assert.Equal(t, "operator", st.KillSwitchReason)
	assert.Equal(t, 10000.0, st.PeakBalance)
	assert.Equal(t, 1, st.TradesToday)
	assert.Equal(t, 1, st.OpenPositions)
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func (failingCache) Close() error { return nil }

func TestCacheFailureDegradesToLocalOnly(t *testing.T) {
	h := newHarness(t, nil, WithCache(failingCache{}))
	ctx := context.Background()

	require.NoError(t, h.m.Init(ctx))
	require.NoError(t, h.m.UpdateBalance(ctx, 10000))
	require.NoError(t, h.m.UpdateBalance(ctx, 10100))
	require.NoError(t, h.m.RecordTrade(ctx, "BTCUSDT", SideBuy, 1, 100))

	st := h.m.Status()
	assert.True(t, st.LocalOnly)
	assert.Equal(t, 10100.0, st.CurrentBalance)
	assert.True(t, h.m.CheckTradeAllowed(ctx, "BTCUSDT", SideBuy, 1, 100).Allowed)

	require.NoError(t, h.m.UpdateBalance(ctx, 8000))
	assert.False(t, h.m.CheckTradeAllowed(ctx, "BTCUSDT", SideBuy, 1, 100).Allowed)
}

type flakyPositions struct {
	position.Store
	mu   sync.Mutex
	down bool
}

func (f *flakyPositions) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *flakyPositions) Get(ctx context.Context, pair string) (*position.Position, error) {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return nil, resilience.Transient("position get", errors.New("database is locked"))
	}
	return f.Store.Get(ctx, pair)
}

func TestPositionReadsFallBack(t *testing.T) {
	store := &flakyPositions{Store: position.NewMemoryStore()}
	h := newHarness(t, nil, WithPositions(store))
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "BTCUSDT", decimal.NewFromInt(1), decimal.NewFromInt(100)))

	d := h.m.CheckTradeAllowed(ctx, "BTCUSDT", SideSell, 1, 90)
	assert.Equal(t, ReasonStopLoss, d.Reason)

	store.setDown(true)
	d = h.m.CheckTradeAllowed(ctx, "BTCUSDT", SideSell, 1, 90)
	assert.Equal(t, ReasonStopLoss, d.Reason, "last known position should still be used")
}

func TestRecordTradeUpdatesPositionStore(t *testing.T) {
	store := position.NewMemoryStore()
	h := newHarness(t, nil, WithPositions(store))
	ctx := context.Background()

	require.NoError(t, h.m.RecordTrade(ctx, "ETHUSDT", SideBuy, 2, 1000))
	require.NoError(t, h.m.RecordTrade(ctx, "ETHUSDT", SideSell, 0.5, 1100))

	p, err := store.Get(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.Amount.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, p.AvgPrice.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 1, h.m.Status().Wins)
}

func TestDecodeEvent(t *testing.T) {
	env, err := ToEnvelope(TradeDenied{Pair: "BTCUSDT", Side: SideSell, Amount: 1, Price: 2, Reason: ReasonStopLoss}, time.Now())
	require.NoError(t, err)

	ev, err := DecodeEvent(env)
	require.NoError(t, err)
	denied, ok := ev.(TradeDenied)
	require.True(t, ok)
	assert.Equal(t, ReasonStopLoss, denied.Reason)

	env.Type = "nope"
	_, err = DecodeEvent(env)
	assert.Error(t, err)
}
