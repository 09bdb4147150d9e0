package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamguard/internal/bus"
	"streamguard/internal/cache"
	"streamguard/internal/resilience"
	"streamguard/risk"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	t.Setenv("APP_ENV", "")
	path := writeConfig(t, `
streams:
  symbols: [BTCUSDT, ETHUSDT]
  timeframes: [1m, 5m]
`)
	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration ok")
	assert.Contains(t, out, "streams=4")

	bad := writeConfig(t, `
risk:
  max_drawdown: 2
`)
	_, err = execute(t, "validate", "--config", bad)
	assert.Error(t, err)
}

func TestKillSwitchNeedsRedisBus(t *testing.T) {
	t.Setenv("APP_ENV", "")
	path := writeConfig(t, "bus:\n  backend: memory\n")
	_, err := execute(t, "killswitch", "on", "--config", path)
	assert.ErrorContains(t, err, "bus.backend=redis")

	_, err = execute(t, "killswitch", "maybe", "--config", path)
	assert.Error(t, err)
}

func TestKillSwitchPublishes(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("REDIS_ADDR", "")
	mr := miniredis.RunT(t)
	path := writeConfig(t, "redis:\n  addr: "+mr.Addr()+"\nbus:\n  backend: redis\n  history: 10\n")

	out, err := execute(t, "killswitch", "on", "--reason", "drill", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "published kill_switch_on")

	client := cache.NewRedisClient(mr.Addr(), "", 0)
	defer client.Close()
	b := bus.NewRedisBus(client, resilience.NewCircuitBreaker("test", resilience.BreakerConfig{FailureThreshold: 1}), 10)
	recent, err := b.Recent(context.Background(), "risk.control", 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, risk.CommandKillSwitchOn, recent[0].Type)

	var cmd risk.Command
	require.NoError(t, recent[0].Decode(&cmd))
	assert.Equal(t, "drill", cmd.Reason)
}
