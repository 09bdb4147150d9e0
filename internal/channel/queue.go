package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"streamguard/logger"
	"streamguard/models"
)

var (
	ErrQueueClosed = errors.New("ingestion queue closed")
	ErrWaitTimeout = errors.New("timed out waiting for queue to drain")
)

type QueueStats struct {
	Capacity  int   `json:"capacity"`
	Depth     int   `json:"depth"`
	InFlight  int64 `json:"in_flight"`
	Enqueued  int64 `json:"enqueued"`
	Dequeued  int64 `json:"dequeued"`
	Completed int64 `json:"completed"`
	Dropped   int64 `json:"dropped"`
}

// Queue is the bounded FIFO between stream handlers and batch workers.
// An item stays in flight from Put until a worker reports it with Done,
// whether it was written or dropped.
type Queue struct {
	items    chan models.IngestionItem
	closed   chan struct{}
	closeMu  sync.Once
	inFlight atomic.Int64

	stats      QueueStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	log := logger.GetLogger()
	q := &Queue{
		items:  make(chan models.IngestionItem, capacity),
		closed: make(chan struct{}),
		log:    log,
	}
	log.WithComponent("ingestion_queue").WithFields(logger.Fields{
		"capacity": capacity,
	}).Info("ingestion queue initialized")
	return q
}

// Put blocks while the queue is full.
func (q *Queue) Put(ctx context.Context, item models.IngestionItem) error {
	if q.isClosed() {
		return ErrQueueClosed
	}
	if item.EnqueueTime.IsZero() {
		item.EnqueueTime = time.Now()
	}
	q.inFlight.Add(1)
	select {
	case q.items <- item:
		q.incr(func(s *QueueStats) { s.Enqueued++ })
		return nil
	case <-q.closed:
		q.inFlight.Add(-1)
		return ErrQueueClosed
	case <-ctx.Done():
		q.inFlight.Add(-1)
		return ctx.Err()
	}
}

// TryPut never blocks; a full queue counts the item as dropped.
func (q *Queue) TryPut(item models.IngestionItem) bool {
	if q.isClosed() {
		return false
	}
	if item.EnqueueTime.IsZero() {
		item.EnqueueTime = time.Now()
	}
	q.inFlight.Add(1)
	select {
	case q.items <- item:
		q.incr(func(s *QueueStats) { s.Enqueued++ })
		return true
	default:
		q.inFlight.Add(-1)
		q.incr(func(s *QueueStats) { s.Dropped++ })
		logger.IncrementItemsDropped(1)
		return false
	}
}

// Get waits up to timeout for the next item. Buffered items are still
// handed out after Close so workers can drain.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (models.IngestionItem, bool) {
	select {
	case item := <-q.items:
		q.incr(func(s *QueueStats) { s.Dequeued++ })
		return item, true
	default:
	}
	if timeout <= 0 {
		return models.IngestionItem{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item := <-q.items:
		q.incr(func(s *QueueStats) { s.Dequeued++ })
		return item, true
	case <-timer.C:
	case <-ctx.Done():
	case <-q.closed:
	}
	return models.IngestionItem{}, false
}

// Done marks n dequeued items as finished.
func (q *Queue) Done(n int) {
	if n <= 0 {
		return
	}
	if left := q.inFlight.Add(int64(-n)); left < 0 {
		q.inFlight.Store(0)
		q.log.WithComponent("ingestion_queue").WithFields(logger.Fields{
			"over_acknowledged": -left,
		}).Warn("Done called for more items than were in flight")
	}
	q.incr(func(s *QueueStats) { s.Completed += int64(n) })
}

// WaitEmpty blocks until every enqueued item was flushed or dropped.
func (q *Queue) WaitEmpty(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if q.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return ErrWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close rejects further producers. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeMu.Do(func() {
		close(q.closed)
		q.log.WithComponent("ingestion_queue").WithFields(logger.Fields{
			"remaining": len(q.items),
		}).Info("ingestion queue closed")
	})
}

func (q *Queue) Len() int      { return len(q.items) }
func (q *Queue) Capacity() int { return cap(q.items) }

func (q *Queue) Stats() QueueStats {
	q.statsMutex.RLock()
	s := q.stats
	q.statsMutex.RUnlock()
	s.Capacity = cap(q.items)
	s.Depth = len(q.items)
	s.InFlight = q.inFlight.Load()
	return s
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool { return q.isClosed() }

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *Queue) incr(fn func(*QueueStats)) {
	q.statsMutex.Lock()
	fn(&q.stats)
	q.statsMutex.Unlock()
}
