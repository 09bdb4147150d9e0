package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAppliesControlCommands(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()

	publish := func(action string, cmd Command) {
		env, err := NewCommand(action, cmd, time.Now())
		require.NoError(t, err)
		h.bus.Publish(ctx, h.cfg.ControlChannel, env)
	}

	// the subscription is registered asynchronously
	require.Eventually(t, func() bool {
		publish(CommandKillSwitchOn, Command{Reason: "ops"})
		return h.m.Status().KillSwitchActive
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ops", h.m.Status().KillSwitchReason)

	publish(CommandUpdateBalance, Command{Balance: 5000})
	require.Eventually(t, func() bool { return h.m.Status().CurrentBalance == 5000 }, 2*time.Second, 5*time.Millisecond)

	publish(CommandKillSwitchOff, Command{Reason: "ops"})
	require.Eventually(t, func() bool { return !h.m.Status().KillSwitchActive }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.m.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Close")
	}
}

func TestNewCommandRejectsUnknownAction(t *testing.T) {
	_, err := NewCommand("self_destruct", Command{}, time.Now())
	assert.Error(t, err)
}

func TestParseSide(t *testing.T) {
	s, err := ParseSide(" SELL ")
	require.NoError(t, err)
	assert.Equal(t, SideSell, s)
	_, err = ParseSide("short")
	assert.Error(t, err)
}
