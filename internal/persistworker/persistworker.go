// Package persistworker runs the single dedicated goroutine that drains the
// bounded queue, partitions rows by trading day, and commits them through
// the day-store registry with backoff on transient errors.
package persistworker

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ndrandal/tickcollector/internal/clock"
	"github.com/ndrandal/tickcollector/internal/config"
	"github.com/ndrandal/tickcollector/internal/daystore"
	"github.com/ndrandal/tickcollector/internal/metrics"
	"github.com/ndrandal/tickcollector/internal/model"
	"github.com/ndrandal/tickcollector/internal/queue"
	"github.com/ndrandal/tickcollector/internal/seqstate"
)

// Worker drains the queue and commits batches to the day store. Exactly one
// instance runs per process; its writer connections are never touched from
// any other goroutine.
type Worker struct {
	cfg   *config.Config
	q     *queue.Queue
	reg   *daystore.Registry
	seq   *seqstate.State
	clock clock.Clock
	log   *logrus.Entry
	m     *metrics.Metrics

	recoveryRequested atomic.Bool
	recoveryCount     atomic.Uint64

	lastLoopMono atomic.Int64 // monotonic nanos of the most recent Run loop pass, for the watchdog's liveness check

	mu                sync.Mutex
	lastCommitMono    time.Duration
	lastCommitRows    int
	lastExceptionAt   time.Duration
	lastExceptionKind string
	maxCommittedTsMS  int64
}

// New builds a persistence worker bound to the given queue, day-store
// registry, and sequence state.
func New(cfg *config.Config, q *queue.Queue, reg *daystore.Registry, seq *seqstate.State, c clock.Clock, m *metrics.Metrics, log *logrus.Entry) *Worker {
	w := &Worker{cfg: cfg, q: q, reg: reg, seq: seq, clock: c, m: m, log: log.WithField("component", "persistworker")}
	w.lastLoopMono.Store(int64(c.Monotonic()))
	return w
}

// RequestRecovery is the watchdog's entry point: it asks the worker to
// rebuild its writer connections at the next safe point in the drain loop.
func (w *Worker) RequestRecovery() {
	w.recoveryRequested.Store(true)
}

// RecoveryCount returns the number of recoveries performed so far.
func (w *Worker) RecoveryCount() uint64 {
	return w.recoveryCount.Load()
}

// LastCommit reports the monotonic instant and row count of the most
// recent successful commit, for the watchdog's stall diagnosis.
func (w *Worker) LastCommit() (mono time.Duration, rows int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCommitMono, w.lastCommitRows
}

// MaxCommittedTsMS returns the maximum event-time ts_ms seen across all
// commits so far, for the watchdog's drift guard.
func (w *Worker) MaxCommittedTsMS() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxCommittedTsMS
}

// LastDequeue returns the monotonic instant of the worker's most recent
// main-loop pass, for the watchdog's liveness check (spec §4.7 item 1's
// "last_dequeue_monotonic" signal).
func (w *Worker) LastDequeue() time.Duration {
	return time.Duration(w.lastLoopMono.Load())
}

// livenessWindow bounds how stale LastDequeue can be before Alive reports
// false. The main loop iterates roughly every MaxWait; ten cycles (with a
// 5s floor) absorbs scheduling jitter without false-triggering a stall.
func (w *Worker) livenessWindow() time.Duration {
	win := w.cfg.MaxWait() * 10
	if win < 5*time.Second {
		win = 5 * time.Second
	}
	return win
}

// Alive reports whether the main loop is still iterating, independent of
// whether it is actually committing anything (spec §4.7 item 3's "worker
// not alive" stall condition).
func (w *Worker) Alive() bool {
	return w.clock.Monotonic()-w.LastDequeue() < w.livenessWindow()
}

// Run executes the drain/partition/commit loop until ctx is cancelled. On
// cancellation it keeps draining and committing until the queue empties or
// stopFlushTimeout elapses, then closes every open writer and returns.
func (w *Worker) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(w.cfg.PersistHeartbeatInterval())
	defer heartbeat.Stop()

	for {
		w.lastLoopMono.Store(int64(w.clock.Monotonic()))

		select {
		case <-ctx.Done():
			return w.drainOnShutdown(nil)
		case <-heartbeat.C:
			w.emitHeartbeat()
		default:
		}

		if w.recoveryRequested.CompareAndSwap(true, false) {
			w.recover()
		}

		batch := w.q.DrainBatch(ctx, w.cfg.BatchSize, w.cfg.MaxWait())
		if len(batch) == 0 {
			continue
		}
		if ctx.Err() != nil {
			// Shutdown ended this drain: the batch in hand is committed under
			// the same flush budget as the rows still queued.
			return w.drainOnShutdown(batch)
		}
		// A batch pulled before shutdown is committed to completion on a
		// detached context: it is not abandoned mid-retry if shutdown is
		// requested while it is still being retried.
		w.commitBatch(context.Background(), batch)
	}
}

// drainOnShutdown first commits pending (a batch already pulled off the
// queue when shutdown was requested; may be nil), then keeps committing
// whatever remains in the queue until it is empty or the configured flush
// budget elapses. The flush deadline is a real context deadline threaded
// into every commit retry loop, so a storage outage at shutdown causes the
// process to give up and exit non-zero after the budget instead of
// retrying forever on a detached context.
func (w *Worker) drainOnShutdown(pending []*model.Tick) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.StopFlushTimeout())
	defer cancel()

	if len(pending) > 0 {
		if err := w.commitBatch(ctx, pending); err != nil {
			w.log.WithError(err).Warn("stop flush timeout elapsed with rows still queued")
			w.closeWriters()
			return errFlushTimedOut
		}
	}

	for {
		w.lastLoopMono.Store(int64(w.clock.Monotonic()))

		if w.q.Depth() == 0 {
			w.closeWriters()
			return nil
		}
		if ctx.Err() != nil {
			w.log.Warn("stop flush timeout elapsed with rows still queued")
			w.closeWriters()
			return errFlushTimedOut
		}

		batch := w.q.DrainBatch(ctx, w.cfg.BatchSize, 100*time.Millisecond)
		if len(batch) == 0 {
			continue
		}
		if err := w.commitBatch(ctx, batch); err != nil {
			w.log.WithError(err).Warn("stop flush timeout elapsed with rows still queued")
			w.closeWriters()
			return errFlushTimedOut
		}
	}
}

func (w *Worker) closeWriters() {
	if err := w.reg.CloseAll(); err != nil {
		w.log.WithError(err).Warn("error closing day-store writers during shutdown")
	}
}

// errFlushTimedOut signals an unclean shutdown (rows remained after the
// flush budget), so the lifecycle coordinator can exit non-zero.
var errFlushTimedOut = flushTimeoutError{}

type flushTimeoutError struct{}

func (flushTimeoutError) Error() string { return "stop flush timeout elapsed with rows still queued" }

// commitBatch partitions rows by trading day and commits each bucket,
// retrying transient errors with exponential backoff and never dropping
// rows on the way. It returns ctx.Err() if ctx is done before every bucket
// commits (only possible when ctx carries a deadline, i.e. during the
// graceful-stop flush).
func (w *Worker) commitBatch(ctx context.Context, batch []*model.Tick) error {
	buckets := partitionByDay(batch)
	days := make([]string, 0, len(buckets))
	for day := range buckets {
		days = append(days, day)
	}
	sort.Strings(days)

	for _, day := range days {
		if err := w.commitDay(ctx, day, buckets[day]); err != nil {
			return err
		}
	}
	return nil
}

func partitionByDay(batch []*model.Tick) map[string][]*model.Tick {
	buckets := make(map[string][]*model.Tick)
	for _, t := range batch {
		buckets[t.TradingDay] = append(buckets[t.TradingDay], t)
	}
	return buckets
}

// commitDay retries until the batch commits or ctx is done. Outside the
// graceful-stop flush, ctx carries no deadline, so this only returns on
// success; during the flush, ctx's deadline lets a persistently failing
// store abort the retry loop instead of spinning on it forever.
func (w *Worker) commitDay(ctx context.Context, day string, rows []*model.Tick) error {
	backoff := w.cfg.PersistRetryBackoff()
	maxBackoff := w.cfg.PersistRetryMax()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		writer, err := w.reg.Writer(ctx, day)
		if err != nil {
			w.recordException("open", err)
			if !w.sleepBackoff(ctx, &backoff, maxBackoff) {
				return ctx.Err()
			}
			continue
		}

		res, err := writer.InsertBatch(ctx, rows, w.clock.Now().UnixMilli())
		if err == nil {
			w.onCommitSuccess(day, rows, res)
			return nil
		}

		if isTransient(err) {
			w.recordException("transient", err)
			w.m.BusyBackoffCount.Add(1)
			if !w.sleepBackoff(ctx, &backoff, maxBackoff) {
				return ctx.Err()
			}
			continue
		}

		// Permanent: rebuild the connection and retry the same batch; the
		// batch is never discarded.
		w.recordException("permanent", err)
		w.m.CommitFailures.Add(1)
		w.reg.Evict(day)
		if !w.sleepBackoff(ctx, &backoff, maxBackoff) {
			return ctx.Err()
		}
	}
}

// sleepBackoff waits out the current backoff and doubles it, returning
// false without doing either if ctx ends first.
func (w *Worker) sleepBackoff(ctx context.Context, backoff *time.Duration, max time.Duration) bool {
	select {
	case <-time.After(*backoff):
	case <-ctx.Done():
		return false
	}
	*backoff *= 2
	if *backoff > max {
		*backoff = max
	}
	return true
}

func isTransient(err error) bool {
	return errors.Is(err, daystore.ErrBusy)
}

func (w *Worker) onCommitSuccess(day string, rows []*model.Tick, res daystore.Result) {
	maxSeqBySymbol := make(map[string]int64)
	for _, t := range rows {
		if t.Seq == nil {
			continue
		}
		if cur, ok := maxSeqBySymbol[t.Symbol]; !ok || *t.Seq > cur {
			maxSeqBySymbol[t.Symbol] = *t.Seq
		}
	}
	for symbol, seq := range maxSeqBySymbol {
		w.seq.MarkPersisted(symbol, seq)
	}

	w.m.RowsInserted.Add(uint64(res.Inserted))
	w.m.RowsIgnored.Add(uint64(res.Ignored))
	w.m.CommitsTotal.Add(1)

	w.mu.Lock()
	w.lastCommitMono = w.clock.Monotonic()
	w.lastCommitRows = len(rows)
	for _, t := range rows {
		if t.TsMS > w.maxCommittedTsMS {
			w.maxCommittedTsMS = t.TsMS
		}
	}
	w.mu.Unlock()

	w.log.WithFields(logrus.Fields{
		"trading_day": day,
		"inserted":    res.Inserted,
		"ignored":     res.Ignored,
	}).Debug("committed batch")
}

func (w *Worker) recordException(kind string, err error) {
	w.mu.Lock()
	w.lastExceptionKind = kind
	w.lastExceptionAt = w.clock.Monotonic()
	w.mu.Unlock()
	w.log.WithError(err).WithField("kind", kind).Warn("day-store commit error")
}

func (w *Worker) recover() {
	if err := w.reg.CloseAll(); err != nil {
		w.log.WithError(err).Warn("error closing writers during recovery")
	}
	w.recoveryCount.Add(1)
	w.m.RecoveryCount.Add(1)
	w.log.Info("writer recovery completed")
}

func (w *Worker) emitHeartbeat() {
	w.mu.Lock()
	lastKind := w.lastExceptionKind
	lastAt := w.lastExceptionAt
	w.mu.Unlock()

	walEstimate := w.estimateWALBytes()

	w.log.WithFields(logrus.Fields{
		"queue_depth":        w.q.Depth(),
		"rows_inserted":      w.m.RowsInserted.Load(),
		"rows_ignored":       w.m.RowsIgnored.Load(),
		"wal_bytes_estimate": walEstimate,
		"last_exception":     lastKind,
		"last_exception_age": (w.clock.Monotonic() - lastAt).String(),
		"recovery_count":     w.recoveryCount.Load(),
	}).Info("persistence heartbeat")
}

// estimateWALBytes sums the size of every open day file's -wal sidecar, a
// cheap proxy for unflushed write volume (teacher's archiver used the same
// stat-based size estimate before rotating a file).
func (w *Worker) estimateWALBytes() int64 {
	var total int64
	for _, path := range w.reg.OpenPaths() {
		if fi, err := os.Stat(path + "-wal"); err == nil {
			total += fi.Size()
		}
	}
	return total
}
