package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"streamguard/internal/channel"
	"streamguard/internal/metrics"
	"streamguard/internal/resilience"
	"streamguard/logger"
	"streamguard/models"
)

const (
	FailurePolicyDrop       = "drop"
	FailurePolicyDeadLetter = "dead_letter"
)

type Options struct {
	BatchSize       int
	BatchTimeout    time.Duration
	Workers         int
	FailurePolicy   string
	ShutdownGrace   time.Duration
	MonitorInterval time.Duration
	HighWaterMark   float64
}

// BatchWriter drains the ingestion queue into a Sink. Every flush is gated
// by one circuit breaker and retried with the retry policy; a batch that
// still fails is dropped or dead-lettered whole, never requeued.
type BatchWriter struct {
	queue      *channel.Queue
	sink       Sink
	deadLetter *DeadLetter
	breaker    *resilience.CircuitBreaker
	policy     resilience.Policy
	opts       Options
	log        *logger.Log

	batchesFlushed atomic.Int64
	itemsWritten   atomic.Int64
	batchesFailed  atomic.Int64
	itemsDropped   atomic.Int64
	deadLettered   atomic.Int64
	retries        atomic.Int64

	now func() time.Time
}

func NewBatchWriter(queue *channel.Queue, sink Sink, deadLetter *DeadLetter, breaker *resilience.CircuitBreaker, policy resilience.Policy, opts Options) (*BatchWriter, error) {
	if queue == nil || sink == nil || breaker == nil {
		return nil, fmt.Errorf("batch writer needs a queue, a sink and a breaker")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 5 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = FailurePolicyDrop
	}
	if opts.FailurePolicy == FailurePolicyDeadLetter && deadLetter == nil {
		return nil, fmt.Errorf("failure policy %s requires a dead letter store", FailurePolicyDeadLetter)
	}

	w := &BatchWriter{
		queue:      queue,
		sink:       sink,
		deadLetter: deadLetter,
		breaker:    breaker,
		opts:       opts,
		log:        logger.GetLogger(),
		now:        time.Now,
	}
	prev := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		w.retries.Add(1)
		w.log.WithComponent("batch_writer").WithError(err).WithFields(logger.Fields{
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Warn("batch write failed, retrying")
		if prev != nil {
			prev(attempt, delay, err)
		}
	}
	w.policy = policy
	return w, nil
}

// Run starts the workers and the depth monitor and blocks until ctx is done
// and every worker has flushed its partial batch, or the queue was closed
// and drained.
func (w *BatchWriter) Run(ctx context.Context) error {
	log := w.log.WithComponent("batch_writer")
	log.WithFields(logger.Fields{
		"workers":        w.opts.Workers,
		"batch_size":     w.opts.BatchSize,
		"batch_timeout":  w.opts.BatchTimeout.String(),
		"failure_policy": w.opts.FailurePolicy,
	}).Info("starting batch writer")

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	if w.opts.MonitorInterval > 0 {
		go metrics.StartQueueMonitor(monitorCtx, w.queue, w.opts.MonitorInterval, w.opts.HighWaterMark)
	}

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	metrics.ReportWriter(w.log, "batch_writer", w.Stats())
	log.Info("batch writer stopped")
	return nil
}

func (w *BatchWriter) worker(ctx context.Context, id int) {
	log := w.log.WithComponent("batch_writer").WithField("worker_id", id)
	log.Debug("worker started")

	pending := make([]models.IngestionItem, 0, w.opts.BatchSize)
	// held keeps batches whose flush was cut short by cancellation. They
	// keep their ID so drain rewrites the same object instead of a copy.
	var held []models.Batch
	lastFlush := w.now()

	for {
		if ctx.Err() != nil {
			w.drain(ctx, id, w.seal(held, pending))
			log.Debug("worker stopped due to context cancellation")
			return
		}

		wait := w.opts.BatchTimeout - w.now().Sub(lastFlush)
		if wait <= 0 {
			if len(pending) > 0 {
				held = w.flushOrHold(ctx, id, held, w.newBatch(pending), "timeout")
				pending = make([]models.IngestionItem, 0, w.opts.BatchSize)
			}
			lastFlush = w.now()
			continue
		}

		item, ok := w.queue.Get(ctx, wait)
		if !ok {
			if w.queue.Closed() && w.queue.Len() == 0 {
				w.drain(ctx, id, w.seal(held, pending))
				log.Debug("queue closed and drained, worker stopping")
				return
			}
			continue
		}

		pending = append(pending, item)
		if len(pending) >= w.opts.BatchSize {
			held = w.flushOrHold(ctx, id, held, w.newBatch(pending), "size")
			pending = make([]models.IngestionItem, 0, w.opts.BatchSize)
			lastFlush = w.now()
		}
	}
}

func (w *BatchWriter) flushOrHold(ctx context.Context, id int, held []models.Batch, batch models.Batch, reason string) []models.Batch {
	if !w.flush(ctx, id, batch, reason) {
		return append(held, batch)
	}
	return held
}

func (w *BatchWriter) seal(held []models.Batch, pending []models.IngestionItem) []models.Batch {
	if len(pending) == 0 {
		return held
	}
	return append(held, w.newBatch(pending))
}

func (w *BatchWriter) drain(ctx context.Context, id int, batches []models.Batch) {
	if len(batches) == 0 {
		return
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.ShutdownGrace)
	defer cancel()
	for _, batch := range batches {
		if !w.flush(drainCtx, id, batch, "shutdown") {
			w.fail(drainCtx, batch, fmt.Errorf("shutdown grace exceeded: %w", drainCtx.Err()))
		}
	}
}

// flush reports false only when ctx ended before the outcome was known.
func (w *BatchWriter) flush(ctx context.Context, id int, batch models.Batch, reason string) bool {
	start := w.now()

	err := w.write(ctx, batch)
	if err != nil && ctx.Err() != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}

	entry := w.log.WithComponent("batch_writer").WithFields(logger.Fields{
		"worker_id": id,
		"batch_id":  batch.ID,
		"items":     batch.Len(),
		"reason":    reason,
	})
	if err != nil {
		w.fail(ctx, batch, err)
		return true
	}

	w.batchesFlushed.Add(1)
	w.itemsWritten.Add(int64(batch.Len()))
	logger.IncrementBatchFlushed(batch.Len())
	w.queue.Done(batch.Len())
	logger.LogPerformanceEntry(entry, "batch_writer", "flush", w.now().Sub(start), nil)
	entry.Debug("batch flushed")
	return true
}

// write records one breaker outcome per batch. A write cut short by
// cancellation records none.
func (w *BatchWriter) write(ctx context.Context, batch models.Batch) error {
	if !w.breaker.Allow() {
		return resilience.ErrCircuitOpen
	}
	err := w.policy.Do(ctx, func(ctx context.Context) error {
		return w.sink.WriteBatch(ctx, batch)
	})
	switch {
	case err == nil:
		w.breaker.RecordSuccess()
	case ctx.Err() != nil:
		w.breaker.Abandon()
	default:
		w.breaker.RecordFailure()
	}
	return err
}

func (w *BatchWriter) fail(ctx context.Context, batch models.Batch, cause error) {
	w.batchesFailed.Add(1)
	entry := w.log.WithComponent("batch_writer").WithError(cause).WithFields(logger.Fields{
		"batch_id":       batch.ID,
		"items":          batch.Len(),
		"failure_policy": w.opts.FailurePolicy,
		"breaker_state":  w.breaker.State().String(),
	})

	if w.opts.FailurePolicy == FailurePolicyDeadLetter {
		dlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.ShutdownGrace)
		err := w.deadLetter.Store(dlCtx, batch, cause)
		cancel()
		if err == nil {
			w.deadLettered.Add(int64(batch.Len()))
			metrics.EmitDropMetric(w.log, metrics.DropMetricDeadLettered, batch.Len(), "", "batch_writer")
			entry.Warn("batch failed, moved to dead letter store")
			w.queue.Done(batch.Len())
			return
		}
		entry = entry.WithField("dead_letter_error", err.Error())
	}

	w.itemsDropped.Add(int64(batch.Len()))
	logger.IncrementItemsDropped(batch.Len())
	metrics.EmitDropMetric(w.log, metrics.DropMetricBatchFailed, batch.Len(), "", "batch_writer")
	entry.Error("batch failed, dropping")
	w.queue.Done(batch.Len())
}

func (w *BatchWriter) newBatch(items []models.IngestionItem) models.Batch {
	return models.Batch{ID: uuid.NewString(), Items: items, CreatedAt: w.now().UTC()}
}

func (w *BatchWriter) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		BatchesFlushed: w.batchesFlushed.Load(),
		ItemsWritten:   w.itemsWritten.Load(),
		BatchesFailed:  w.batchesFailed.Load(),
		ItemsDropped:   w.itemsDropped.Load(),
		DeadLettered:   w.deadLettered.Load(),
		Retries:        w.retries.Load(),
	}
}

func (w *BatchWriter) Breaker() resilience.BreakerSnapshot { return w.breaker.Snapshot() }
