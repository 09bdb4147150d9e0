package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 3, ResetTimeout: 60 * time.Second}, WithClock(clock.Now))

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	clock.Advance(30 * time.Second)
	assert.False(t, cb.Allow())
}

func TestBreakerHalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 3, ResetTimeout: 60 * time.Second}, WithClock(clock.Now))
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.False(t, cb.Allow())

	clock.Advance(61 * time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow())
	assert.False(t, cb.Allow())
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Second}, WithClock(clock.Now))
	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, cb.Allow())

	cb.RecordSuccess()
	snap := cb.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.True(t, cb.Allow())
}

func TestBreakerHalfOpenFailureReopensAndRestartsTimer(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 2, ResetTimeout: 10 * time.Second}, WithClock(clock.Now))
	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(10 * time.Second)
	require.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(9 * time.Second)
	assert.False(t, cb.Allow())
	clock.Advance(time.Second)
	assert.True(t, cb.Allow())
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerExecute(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	cb := NewCircuitBreaker("exec", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute},
		WithClock(clock.Now),
		WithStateChange(func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}))

	boom := errors.New("boom")
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	clock.Advance(time.Minute)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker("defaults", BreakerConfig{})
	snap := cb.Snapshot()
	assert.Equal(t, 5, snap.FailureThreshold)
	assert.Equal(t, 60*time.Second, snap.ResetTimeout)
	assert.Equal(t, "defaults", cb.Name())
}

func TestBreakerAbandonReleasesTrialWithoutOutcome(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Second}, WithClock(clock.Now))
	cb.RecordFailure()
	cb.Abandon()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Snapshot().FailureCount)

	cb.RecordFailure()
	clock.Advance(2 * time.Second)
	require.True(t, cb.Allow())
	require.False(t, cb.Allow())

	cb.Abandon()
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.True(t, cb.Allow(), "an abandoned trial frees the slot")
}
