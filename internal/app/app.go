// Package app wires every component from configuration and supervises them.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	appconfig "streamguard/config"
	"streamguard/internal/bus"
	"streamguard/internal/cache"
	"streamguard/internal/channel"
	"streamguard/internal/metrics"
	"streamguard/internal/position"
	"streamguard/internal/resilience"
	"streamguard/logger"
	"streamguard/reader"
	"streamguard/reader/binance"
	"streamguard/risk"
	"streamguard/writer"
)

// App owns one instance of every component. Nothing here is global.
type App struct {
	cfg *appconfig.Config
	log *logger.Log

	queue   *channel.Queue
	streams *reader.Manager
	urls    map[string]string
	handler reader.Handler
	sink    writer.Sink
	writer  *writer.BatchWriter

	recorder  *metrics.Recorder
	redis     *redis.Client
	cache     cache.Store
	bus       bus.Bus
	positions position.Store
	risk      *risk.Manager
}

func New(ctx context.Context, cfg *appconfig.Config) (*App, error) {
	a := &App{cfg: cfg, log: logger.GetLogger()}
	if err := a.build(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	breakerCfg := cfg.CircuitBreaker.BreakerConfig()
	a.recorder = metrics.StartRecorder()

	if cfg.Cache.Backend == "redis" || cfg.Bus.Backend == "redis" {
		a.redis = cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	}

	switch cfg.Cache.Backend {
	case "redis":
		a.cache = cache.NewRedisStore(a.redis)
	default:
		a.cache = cache.NewMemoryStore()
	}

	switch cfg.Bus.Backend {
	case "redis":
		a.bus = bus.NewRedisBus(a.redis, resilience.NewCircuitBreaker("event_bus", breakerCfg), cfg.Bus.History)
	default:
		a.bus = bus.NewMemoryBus(cfg.Bus.History)
	}

	switch cfg.Positions.Driver {
	case "sqlite":
		store, err := position.NewSQLiteStore(cfg.Positions.DSN)
		if err != nil {
			return err
		}
		a.positions = store
	default:
		a.positions = position.NewMemoryStore()
	}

	a.risk = risk.NewManager(cfg.Risk, breakerCfg,
		risk.WithCache(a.cache),
		risk.WithBus(a.bus),
		risk.WithPositions(a.positions),
	)

	a.queue = channel.NewQueue(cfg.Ingestion.MaxQueueSize)

	sink, err := writer.NewSink(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create sink: %w", err)
	}
	a.sink = sink

	var deadLetter *writer.DeadLetter
	if cfg.Ingestion.FailurePolicy == writer.FailurePolicyDeadLetter {
		if deadLetter, err = writer.NewDeadLetter(cfg.Storage.DeadLetterDir, cfg.Storage.Compression); err != nil {
			return fmt.Errorf("create dead letter store: %w", err)
		}
	}

	a.writer, err = writer.NewBatchWriter(a.queue, a.sink, deadLetter,
		resilience.NewCircuitBreaker("batch_writer", breakerCfg),
		cfg.Retry.Policy(),
		writer.Options{
			BatchSize:       cfg.Ingestion.BatchSize,
			BatchTimeout:    cfg.Ingestion.BatchTimeout,
			Workers:         cfg.Ingestion.Workers,
			FailurePolicy:   cfg.Ingestion.FailurePolicy,
			ShutdownGrace:   cfg.Ingestion.ShutdownGrace,
			MonitorInterval: cfg.Ingestion.MonitorInterval,
			HighWaterMark:   cfg.Ingestion.HighWaterMark,
		})
	if err != nil {
		return err
	}

	a.streams = reader.NewManager(reader.ManagerConfig{
		SilenceThreshold: cfg.Streams.SilenceThreshold,
		MonitorInterval:  cfg.Streams.MonitorInterval,
		DialTimeout:      cfg.Streams.DialTimeout,
		PingInterval:     cfg.Streams.PingInterval,
		DialRate:         cfg.Streams.DialRate,
		DialBurst:        cfg.Streams.DialBurst,
		Retry:            cfg.Retry.Policy(),
		Breaker:          breakerCfg,
	})
	a.urls = cfg.Streams.StreamURLs(binance.StreamURL)
	a.handler = reader.NewIngestHandler(binance.DecodeKline, a.queue, cfg.Ingestion.EnqueueMode != appconfig.EnqueueModeDrop)
	return nil
}

func (a *App) Risk() *risk.Manager { return a.risk }

func (a *App) Bus() bus.Bus { return a.bus }

// Run blocks until ctx is done, then stops streams first, lets the writer
// drain the queue and finally releases storage. The whole shutdown is
// bounded by service.shutdown_grace.
func (a *App) Run(ctx context.Context) error {
	log := a.log.WithComponent("app")
	if err := a.risk.Init(ctx); err != nil {
		return fmt.Errorf("init risk manager: %w", err)
	}

	logger.StartReport(ctx, a.log, a.cfg.Metrics.ReportInterval, func() logger.Fields {
		return a.Status().Fields()
	})

	// The writer outlives ctx so it can drain what the streams produced.
	writerCtx, stopWriter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWriter()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.writer.Run(writerCtx) })
	g.Go(func() error { return a.streams.RunMonitor(gctx) })
	g.Go(func() error { return a.risk.Run(gctx) })
	g.Go(func() error {
		for id, url := range a.urls {
			if !a.streams.Connect(gctx, id, url, a.handler) {
				log.WithField("stream", id).Warn("initial connect failed, monitor will retry")
			}
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown(stopWriter)
		return nil
	})

	log.WithFields(logger.Fields{
		"streams": len(a.urls),
		"sink":    a.cfg.Storage.Sink,
		"cache":   a.cfg.Cache.Backend,
		"bus":     a.cfg.Bus.Backend,
	}).Info("all components started")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		case <-time.After(a.cfg.Service.ShutdownGrace):
			log.WithField("grace", a.cfg.Service.ShutdownGrace.String()).Warn("graceful shutdown timeout exceeded")
			stopWriter()
			err = errors.New("shutdown grace period exceeded")
		}
	}
	a.closeResources()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("streamguard stopped")
	return nil
}

func (a *App) shutdown(stopWriter context.CancelFunc) {
	log := a.log.WithComponent("app")
	log.Info("starting graceful shutdown")

	if err := a.streams.Stop(a.cfg.Streams.StopGrace); err != nil {
		log.WithError(err).Warn("streams did not stop cleanly")
	}

	a.queue.Close()
	if err := a.queue.WaitEmpty(context.Background(), a.cfg.Ingestion.ShutdownGrace); err != nil {
		log.WithError(err).WithField("depth", a.queue.Len()).Warn("queue not drained before grace period")
	}
	stopWriter()

	if err := a.risk.Close(); err != nil {
		log.WithError(err).Warn("risk manager close failed")
	}
}

type closer struct {
	name string
	fn   func() error
}

func (a *App) closeResources() {
	var closers []closer
	if a.recorder != nil {
		closers = append(closers, closer{"metrics", a.recorder.Close})
	}
	if a.sink != nil {
		closers = append(closers, closer{"sink", a.sink.Close})
	}
	if a.bus != nil {
		closers = append(closers, closer{"bus", a.bus.Close})
	}
	if a.cache != nil {
		closers = append(closers, closer{"cache", a.cache.Close})
	}
	if a.positions != nil {
		closers = append(closers, closer{"positions", a.positions.Close})
	}
	if a.redis != nil {
		closers = append(closers, closer{"redis", a.redis.Close})
	}
	for _, c := range closers {
		if err := c.fn(); err != nil {
			a.log.WithComponent("app").WithError(err).WithField("resource", c.name).Warn("close failed")
		}
	}
}

// Status aggregates component snapshots.
type Status struct {
	Streams       []reader.StreamSnapshot    `json:"streams"`
	Queue         channel.QueueStats         `json:"queue"`
	Writer        metrics.WriterStats        `json:"writer"`
	WriterBreaker resilience.BreakerSnapshot `json:"writer_breaker"`
	Bus           *bus.Stats                 `json:"bus,omitempty"`
	Risk          risk.Status                `json:"risk"`
	Metrics       map[string]interface{}     `json:"metrics,omitempty"`
}

type busStats interface {
	Stats() bus.Stats
}

func (a *App) Status() Status {
	st := Status{
		Streams:       a.streams.Streams(),
		Queue:         a.queue.Stats(),
		Writer:        a.writer.Stats(),
		WriterBreaker: a.writer.Breaker(),
		Risk:          a.risk.Status(),
		Metrics:       a.recorder.Snapshot(),
	}
	if b, ok := a.bus.(busStats); ok {
		s := b.Stats()
		st.Bus = &s
	}
	return st
}

// Fields flattens the status for the periodic report.
func (s Status) Fields() logger.Fields {
	connected := 0
	for _, st := range s.Streams {
		if st.State == reader.StateConnected {
			connected++
		}
	}
	f := logger.Fields{
		"streams_total":     len(s.Streams),
		"streams_connected": connected,
		"queue_depth":       s.Queue.Depth,
		"queue_capacity":    s.Queue.Capacity,
		"queue_in_flight":   s.Queue.InFlight,
		"batches_flushed":   s.Writer.BatchesFlushed,
		"batches_failed":    s.Writer.BatchesFailed,
		"dead_lettered":     s.Writer.DeadLettered,
		"writer_breaker":    s.WriterBreaker.State.String(),
		"kill_switch":       s.Risk.KillSwitchActive,
		"risk_breaker":      s.Risk.CircuitBreakerActive,
		"drawdown":          s.Risk.Drawdown,
		"trades_today":      s.Risk.TradesToday,
		"risk_local_only":   s.Risk.LocalOnly,
	}
	for name, v := range s.Metrics {
		f["metric."+name] = v
	}
	if s.Bus != nil {
		f["bus_published"] = s.Bus.Published
		f["bus_failed"] = s.Bus.Failed
	}
	return f
}
