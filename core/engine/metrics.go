package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// registerMetrics publishes the component counters through the engine's
// meter. The counters themselves are plain atomics; observation happens on
// scrape.
func (e *Engine) registerMetrics() error {
	meter := e.tel.Meter

	bufHits, err := meter.Int64ObservableCounter("chiseldb.buffer.hits",
		metric.WithDescription("Buffer pool cache hits"))
	if err != nil {
		return fmt.Errorf("failed to create metric: %w", err)
	}
	bufMisses, err := meter.Int64ObservableCounter("chiseldb.buffer.misses",
		metric.WithDescription("Buffer pool cache misses"))
	if err != nil {
		return fmt.Errorf("failed to create metric: %w", err)
	}
	bufEvictions, err := meter.Int64ObservableCounter("chiseldb.buffer.evictions",
		metric.WithDescription("Clean pages evicted from the buffer pool"))
	if err != nil {
		return fmt.Errorf("failed to create metric: %w", err)
	}
	bufFlushes, err := meter.Int64ObservableCounter("chiseldb.buffer.flushes",
		metric.WithDescription("Dirty pages written to disk"))
	if err != nil {
		return fmt.Errorf("failed to create metric: %w", err)
	}

	lockAcquired, err := meter.Int64ObservableCounter("chiseldb.lock.acquired",
		metric.WithDescription("Page locks granted"))
	if err != nil {
		return fmt.Errorf("failed to create metric: %w", err)
	}
	lockWaits, err := meter.Int64ObservableCounter("chiseldb.lock.waits",
		metric.WithDescription("Lock requests that had to wait"))
	if err != nil {
		return fmt.Errorf("failed to create metric: %w", err)
	}
	lockDeadlocks, err := meter.Int64ObservableCounter("chiseldb.lock.deadlocks",
		metric.WithDescription("Lock requests refused as deadlocks"))
	if err != nil {
		return fmt.Errorf("failed to create metric: %w", err)
	}

	walRecords, err := meter.Int64ObservableCounter("chiseldb.wal.records",
		metric.WithDescription("Log records appended"))
	if err != nil {
		return fmt.Errorf("failed to create metric: %w", err)
	}
	walForces, err := meter.Int64ObservableCounter("chiseldb.wal.forces",
		metric.WithDescription("Log force (fsync) calls"))
	if err != nil {
		return fmt.Errorf("failed to create metric: %w", err)
	}
	walCheckpoints, err := meter.Int64ObservableCounter("chiseldb.wal.checkpoints",
		metric.WithDescription("Checkpoints taken"))
	if err != nil {
		return fmt.Errorf("failed to create metric: %w", err)
	}

	txnActive, err := meter.Int64ObservableGauge("chiseldb.txn.active",
		metric.WithDescription("Transactions currently running"))
	if err != nil {
		return fmt.Errorf("failed to create metric: %w", err)
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		pool := e.pool.Stats()
		o.ObserveInt64(bufHits, pool.Hits.Load())
		o.ObserveInt64(bufMisses, pool.Misses.Load())
		o.ObserveInt64(bufEvictions, pool.Evictions.Load())
		o.ObserveInt64(bufFlushes, pool.Flushes.Load())

		locks := e.locks.Stats()
		o.ObserveInt64(lockAcquired, locks.Acquired.Load())
		o.ObserveInt64(lockWaits, locks.Waits.Load())
		o.ObserveInt64(lockDeadlocks, locks.Deadlocks.Load())

		wal := e.log.Stats()
		o.ObserveInt64(walRecords, wal.Records.Load())
		o.ObserveInt64(walForces, wal.Forces.Load())
		o.ObserveInt64(walCheckpoints, wal.Checkpoints.Load())

		o.ObserveInt64(txnActive, int64(e.ActiveTransactions()))
		return nil
	}, bufHits, bufMisses, bufEvictions, bufFlushes,
		lockAcquired, lockWaits, lockDeadlocks,
		walRecords, walForces, walCheckpoints, txnActive)
	if err != nil {
		return fmt.Errorf("failed to register metrics callback: %w", err)
	}
	return nil
}
