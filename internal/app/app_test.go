package app

import (
	"context"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "streamguard/config"
	"streamguard/internal/bus"
	"streamguard/risk"
)

const klinePayload = `{"e":"kline","E":1709298060123,"s":"BTCUSDT","k":{"t":1709298000000,"T":1709298059999,"s":"BTCUSDT","i":"1m","f":100,"L":200,"o":"62000.50","c":"62050.00","h":"62100.00","l":"61950.25","v":"12.5","n":101,"x":true,"q":"775000.1","V":"6.1","Q":"378000.2","B":"0"}}`

func testConfig(t *testing.T) *appconfig.Config {
	t.Helper()
	cfg := appconfig.Default()
	dir := t.TempDir()
	cfg.Storage.Local.Dir = filepath.Join(dir, "ohlcv")
	cfg.Storage.DeadLetterDir = filepath.Join(dir, "dead-letter")
	cfg.Ingestion.BatchSize = 2
	cfg.Ingestion.BatchTimeout = 50 * time.Millisecond
	cfg.Ingestion.Workers = 1
	cfg.Ingestion.ShutdownGrace = 2 * time.Second
	cfg.Streams.DialTimeout = time.Second
	cfg.Streams.StopGrace = time.Second
	cfg.Service.ShutdownGrace = 5 * time.Second
	return &cfg
}

func klineServer(t *testing.T, messages int) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < messages; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(klinePayload)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func parquetFiles(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(path, ".parquet") {
			out = append(out, path)
		}
		return nil
	})
	return out
}

func TestAppIngestsStreamIntoLocalSink(t *testing.T) {
	cfg := testConfig(t)
	cfg.Streams.BaseURL = klineServer(t, 3)
	cfg.Streams.Symbols = []string{"BTCUSDT"}

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.Status().Writer.ItemsWritten == 3
	}, 5*time.Second, 20*time.Millisecond)

	st := a.Status()
	require.Len(t, st.Streams, 1)
	assert.Equal(t, "btcusdt@kline_1m", st.Streams[0].ID)
	assert.Equal(t, 1, st.Fields()["streams_connected"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}

	assert.Len(t, parquetFiles(t, cfg.Storage.Local.Dir), 2)
	assert.Zero(t, a.Status().Queue.InFlight)
}

func TestAppRiskControlOverMemoryBus(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		env, err := risk.NewCommand(risk.CommandKillSwitchOn, risk.Command{Reason: "test"}, time.Now())
		require.NoError(t, err)
		a.Bus().Publish(ctx, cfg.Risk.ControlChannel, env)
		return a.Risk().Status().KillSwitchActive
	}, 5*time.Second, 20*time.Millisecond)

	d := a.Risk().CheckTradeAllowed(ctx, "BTCUSDT", risk.SideBuy, 1, 100)
	assert.Equal(t, risk.ReasonKillSwitch, d.Reason)

	require.NoError(t, a.Risk().UpdateBalance(ctx, 10000))
	require.NoError(t, a.Risk().UpdateBalance(ctx, 9500))
	st := a.Status()
	assert.InDelta(t, 0.05, st.Metrics["risk_manager.drawdown"], 1e-9)
	assert.Contains(t, st.Fields(), "metric.risk_manager.drawdown")

	cancel()
	require.NoError(t, <-done)
}

func TestAppWithRedisAndSQLite(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()
	cfg.Cache.Backend = "redis"
	cfg.Bus.Backend = "redis"
	cfg.Positions.Driver = "sqlite"
	cfg.Positions.DSN = filepath.Join(t.TempDir(), "positions.db")

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	_, ok := a.Bus().(*bus.RedisBus)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.NoError(t, a.Risk().UpdateBalance(ctx, 10000))
	require.NoError(t, a.Risk().RecordTrade(ctx, "BTCUSDT", risk.SideBuy, 1, 100))
	assert.True(t, mr.Exists(cfg.Risk.StateKey))

	d := a.Risk().CheckTradeAllowed(ctx, "BTCUSDT", risk.SideSell, 1, 80)
	assert.Equal(t, risk.ReasonStopLoss, d.Reason)

	recent, err := a.Bus().Recent(ctx, cfg.Risk.EventChannel, 0)
	require.NoError(t, err)
	require.NotEmpty(t, recent)
	assert.Equal(t, risk.TypeTradeDenied, recent[len(recent)-1].Type)

	cancel()
	require.NoError(t, <-done)
}

func TestEnqueueModeSelectsFullQueueBehaviour(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingestion.MaxQueueSize = 1
	cfg.Ingestion.EnqueueMode = appconfig.EnqueueModeDrop

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.closeResources)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, a.handler.Handle(ctx, "btcusdt@kline_1m", []byte(klinePayload)))
	}
	q := a.Status().Queue
	assert.EqualValues(t, 1, q.Enqueued)
	assert.EqualValues(t, 2, q.Dropped)

	cfg = testConfig(t)
	cfg.Ingestion.MaxQueueSize = 1
	blocking, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(blocking.closeResources)

	short, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()
	require.NoError(t, blocking.handler.Handle(short, "btcusdt@kline_1m", []byte(klinePayload)))
	assert.ErrorIs(t, blocking.handler.Handle(short, "btcusdt@kline_1m", []byte(klinePayload)), context.DeadlineExceeded)
}

func TestNewRejectsBadSink(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Sink = "ftp"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
