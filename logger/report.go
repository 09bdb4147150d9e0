package logger

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	warnsReader    int64
	warnsWriter    int64
	warnsRisk      int64
	errorsReader   int64
	errorsWriter   int64
	errorsRisk     int64
	reconnects     int64
	batchesFlushed int64
	itemsWritten   int64
	itemsDropped   int64
	riskDenials    int64
)

func bucket(component string) (warn, errs *int64) {
	switch {
	case strings.Contains(component, "stream") || strings.Contains(component, "reader"):
		return &warnsReader, &errorsReader
	case strings.Contains(component, "writer") || strings.Contains(component, "queue"):
		return &warnsWriter, &errorsWriter
	case strings.Contains(component, "risk"):
		return &warnsRisk, &errorsRisk
	}
	return nil, nil
}

func recordWarn(component string) {
	if w, _ := bucket(component); w != nil {
		atomic.AddInt64(w, 1)
	}
}

func recordError(component string) {
	if _, e := bucket(component); e != nil {
		atomic.AddInt64(e, 1)
	}
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func IncrementBatchFlushed(items int) {
	atomic.AddInt64(&batchesFlushed, 1)
	atomic.AddInt64(&itemsWritten, int64(items))
}

func IncrementItemsDropped(items int) {
	atomic.AddInt64(&itemsDropped, int64(items))
}

func IncrementRiskDenial() {
	atomic.AddInt64(&riskDenials, 1)
}

// Counters returns the process-wide report counters.
func Counters() Fields {
	return Fields{
		"warns_reader":    atomic.LoadInt64(&warnsReader),
		"warns_writer":    atomic.LoadInt64(&warnsWriter),
		"warns_risk":      atomic.LoadInt64(&warnsRisk),
		"errors_reader":   atomic.LoadInt64(&errorsReader),
		"errors_writer":   atomic.LoadInt64(&errorsWriter),
		"errors_risk":     atomic.LoadInt64(&errorsRisk),
		"reconnects":      atomic.LoadInt64(&reconnects),
		"batches_flushed": atomic.LoadInt64(&batchesFlushed),
		"items_written":   atomic.LoadInt64(&itemsWritten),
		"items_dropped":   atomic.LoadInt64(&itemsDropped),
		"risk_denials":    atomic.LoadInt64(&riskDenials),
	}
}

// StartReport logs a runtime report every interval until ctx is done. extra,
// when non-nil, contributes additional fields such as component status.
func StartReport(ctx context.Context, log *Log, interval time.Duration, extra func() Fields) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log, extra)
			}
		}
	}()
}

func logReport(log *Log, extra func() Fields) {
	fields := Counters()
	fields["goroutines"] = runtime.NumGoroutine()

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fields["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		fields["memory_mb"] = int64(vm.Used) / 1024 / 1024
	}
	if extra != nil {
		for k, v := range extra() {
			fields[k] = v
		}
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
