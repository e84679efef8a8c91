// Package engine assembles the storage, locking, caching and logging
// components into a single transactional engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/chiseldb/chiseldb/core/buffer"
	"github.com/chiseldb/chiseldb/core/lock"
	"github.com/chiseldb/chiseldb/core/storage"
	"github.com/chiseldb/chiseldb/core/txn"
	"github.com/chiseldb/chiseldb/core/wal"
	"github.com/chiseldb/chiseldb/pkg/config"
	"github.com/chiseldb/chiseldb/pkg/logger"
	"github.com/chiseldb/chiseldb/pkg/telemetry"
)

// ErrTransactionNotActive is returned for operations naming a transaction
// this engine did not begin or has already finished.
var ErrTransactionNotActive = errors.New("transaction not active")

// Engine owns one database instance: a catalog of heap files, a lock
// manager, a buffer pool and a write-ahead log. All cross-component wiring
// happens here; the components themselves only know each other through
// narrow interfaces.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	tel         *telemetry.Telemetry
	telShutdown telemetry.ShutdownFunc

	catalog *storage.Catalog
	locks   *lock.LockManager
	pool    *buffer.BufferPool
	log     *wal.LogManager
	alloc   *txn.Allocator

	nextTableID atomic.Uint64

	mu     sync.Mutex
	active map[txn.TransactionID]struct{}
}

// Open builds an engine from the configuration. It does not replay the log;
// callers reopening existing data register their tables and then call
// Recover before starting transactions.
func Open(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	zlog, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", cfg.DataDir, err)
	}

	catalog := storage.NewCatalog(zlog)

	policy := lock.PolicyGraph
	if cfg.DeadlockPolicy == config.DeadlockPolicyTimeout {
		policy = lock.PolicyTimeout
	}
	locks := lock.NewLockManager(policy, cfg.LockTimeout(), zlog)
	pool := buffer.NewBufferPool(cfg.BufferPoolPages, catalog, locks, zlog)

	walPath := cfg.LogFile
	if !filepath.IsAbs(walPath) {
		walPath = filepath.Join(cfg.DataDir, walPath)
	}
	lm, err := wal.NewLogManager(walPath, catalog, zlog)
	if err != nil {
		return nil, err
	}
	pool.AttachWAL(lm)
	lm.AttachCache(pool)

	e := &Engine{
		cfg:         cfg,
		logger:      zlog,
		tel:         tel,
		telShutdown: telShutdown,
		catalog:     catalog,
		locks:       locks,
		pool:        pool,
		log:         lm,
		alloc:       txn.NewAllocator(),
		active:      make(map[txn.TransactionID]struct{}),
	}
	if err := e.registerMetrics(); err != nil {
		return nil, err
	}
	zlog.Info("engine opened",
		zap.String("data_dir", cfg.DataDir),
		zap.String("wal", walPath),
		zap.String("deadlock_policy", policy.String()),
		zap.Int("buffer_pool_pages", cfg.BufferPoolPages))
	return e, nil
}

// CreateTable creates (or reopens) a heap file under the data directory and
// registers it. Tables must be registered in the same order across restarts
// so their ids line up with the log.
func (e *Engine) CreateTable(name string, numFields int) (*storage.HeapFile, error) {
	id := e.nextTableID.Add(1)
	path := filepath.Join(e.cfg.DataDir, name+".dat")
	hf, err := storage.NewHeapFile(path, id, numFields, e.cfg.PageSize, e.logger)
	if err != nil {
		return nil, err
	}
	hf.AttachPageSource(e.pool)
	if err := e.catalog.AddTable(name, hf); err != nil {
		hf.Close()
		return nil, err
	}
	return hf, nil
}

// Begin starts a new transaction.
func (e *Engine) Begin() (txn.TransactionID, error) {
	tid := e.alloc.Next()
	if err := e.log.LogBegin(tid); err != nil {
		return txn.InvalidID, err
	}
	e.mu.Lock()
	e.active[tid] = struct{}{}
	e.mu.Unlock()
	return tid, nil
}

// Commit makes tid's changes durable: dirty pages are flushed behind their
// update records, then the commit record is forced, then locks are
// released.
func (e *Engine) Commit(tid txn.TransactionID) error {
	if err := e.checkActive(tid); err != nil {
		return err
	}
	if err := e.pool.FlushPages(tid); err != nil {
		return err
	}
	if err := e.log.LogCommit(tid); err != nil {
		return err
	}
	if err := e.pool.TransactionComplete(tid, true); err != nil {
		return err
	}
	e.finish(tid)
	return nil
}

// Abort rolls tid back: flushed pages are restored from their before-images
// and cached dirty pages are discarded, then locks are released.
func (e *Engine) Abort(tid txn.TransactionID) error {
	if err := e.checkActive(tid); err != nil {
		return err
	}
	if err := e.log.LogAbort(tid); err != nil {
		return err
	}
	if err := e.pool.TransactionComplete(tid, false); err != nil {
		return err
	}
	e.finish(tid)
	return nil
}

// GetPage reads a page on behalf of tid with the requested access mode.
func (e *Engine) GetPage(tid txn.TransactionID, pid storage.PageID, perm storage.Perm) (*storage.Page, error) {
	if err := e.checkActive(tid); err != nil {
		return nil, err
	}
	return e.pool.GetPage(tid, pid, perm)
}

// InsertTuple inserts t into the named table on behalf of tid.
func (e *Engine) InsertTuple(tid txn.TransactionID, table string, t *storage.Tuple) error {
	if err := e.checkActive(tid); err != nil {
		return err
	}
	file, err := e.catalog.TableByName(table)
	if err != nil {
		return err
	}
	return e.pool.InsertTuple(tid, file.TableID(), t)
}

// DeleteTuple removes the tuple named by t.RID on behalf of tid.
func (e *Engine) DeleteTuple(tid txn.TransactionID, t *storage.Tuple) error {
	if err := e.checkActive(tid); err != nil {
		return err
	}
	return e.pool.DeleteTuple(tid, t)
}

// Checkpoint flushes all dirty pages, records the checkpoint and truncates
// the log prefix no recovery can need.
func (e *Engine) Checkpoint() error {
	return e.log.LogCheckpoint()
}

// Recover replays the log against the registered tables. Must run before
// the first transaction when reopening existing data.
func (e *Engine) Recover() error {
	return e.log.Recover()
}

// Catalog exposes the table registry.
func (e *Engine) Catalog() *storage.Catalog {
	return e.catalog
}

// ActiveTransactions reports how many transactions are currently running.
func (e *Engine) ActiveTransactions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Close checkpoints, closes the log and every table file, and shuts
// telemetry down. Transactions still active are implicitly abandoned; their
// changes will be undone by the next recovery.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.log.LogCheckpoint(); err != nil {
		e.logger.Error("checkpoint on close failed", zap.Error(err))
		firstErr = err
	}
	if err := e.log.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, file := range e.catalog.Tables() {
		if closer, ok := file.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := e.telShutdown(context.Background()); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Info("engine closed")
	return firstErr
}

func (e *Engine) checkActive(tid txn.TransactionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[tid]; !ok {
		return fmt.Errorf("%w: %d", ErrTransactionNotActive, tid)
	}
	return nil
}

func (e *Engine) finish(tid txn.TransactionID) {
	e.mu.Lock()
	delete(e.active, tid)
	e.mu.Unlock()
}
