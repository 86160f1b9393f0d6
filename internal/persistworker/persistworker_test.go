package persistworker

import (
	"context"
	"errors"
	"os"
	"testing"
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

func testConfig(dataRoot string) *config.Config {
	return &config.Config{
		DataRoot:                    dataRoot,
		BatchSize:                   500,
		MaxWaitMS:                   50,
		MaxQueueSize:                100,
		SQLiteBusyTimeoutMS:         1000,
		SQLiteJournalMode:           "WAL",
		SQLiteSynchronous:           "NORMAL",
		SQLiteWALAutocheckpoint:     1000,
		PersistRetryBackoffSec:      0.01,
		PersistRetryMaxSec:          0.02,
		PersistHeartbeatIntervalSec: 3600,
		StopFlushTimeoutSec:         2,
	}
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func f(v float64) *float64 { return &v }
func i(v int64) *int64     { return &v }

func TestCommitBatchPartitionsByDayAndMarksPersisted(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	m := metrics.New()
	q := queue.New(cfg.MaxQueueSize, m)
	reg := daystore.NewRegistry(cfg, testLog())
	seq := seqstate.New()
	c := clock.NewFake(time.Unix(0, 0))

	w := New(cfg, q, reg, seq, c, m, testLog())

	rows := []*model.Tick{
		{Market: "HK", Symbol: "HK.00700", TsMS: 1, RecvTsMS: 1, Price: f(1), Seq: i(5), TradingDay: "20260210"},
		{Market: "HK", Symbol: "HK.00700", TsMS: 2, RecvTsMS: 2, Price: f(2), Seq: i(6), TradingDay: "20260211"},
	}

	ctx := context.Background()
	w.commitBatch(ctx, rows)

	if seq.Baseline("HK.00700") != 6 {
		t.Fatalf("baseline = %d, want 6 (max across both day buckets)", seq.Baseline("HK.00700"))
	}
	if m.RowsInserted.Load() != 2 {
		t.Fatalf("RowsInserted = %d, want 2", m.RowsInserted.Load())
	}

	mono, n := w.LastCommit()
	if n != 1 {
		t.Fatalf("LastCommit rows = %d, want 1 (last bucket committed)", n)
	}
	_ = mono

	reg.CloseAll()
}

func TestCommitBatchDedupesWithinDay(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	m := metrics.New()
	q := queue.New(cfg.MaxQueueSize, m)
	reg := daystore.NewRegistry(cfg, testLog())
	seq := seqstate.New()
	c := clock.NewFake(time.Unix(0, 0))

	w := New(cfg, q, reg, seq, c, m, testLog())

	row := &model.Tick{Market: "HK", Symbol: "HK.00700", TsMS: 1, RecvTsMS: 1, Price: f(1), Seq: i(5), TradingDay: "20260210"}
	dup := *row

	ctx := context.Background()
	w.commitBatch(ctx, []*model.Tick{row, &dup})

	if m.RowsInserted.Load() != 1 {
		t.Fatalf("RowsInserted = %d, want 1", m.RowsInserted.Load())
	}
	if m.RowsIgnored.Load() != 1 {
		t.Fatalf("RowsIgnored = %d, want 1", m.RowsIgnored.Load())
	}

	reg.CloseAll()
}

func TestRunDrainsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	m := metrics.New()
	q := queue.New(cfg.MaxQueueSize, m)
	reg := daystore.NewRegistry(cfg, testLog())
	seq := seqstate.New()
	c := clock.NewFake(time.Unix(0, 0))

	w := New(cfg, q, reg, seq, c, m, testLog())

	q.Offer(&model.Tick{Market: "HK", Symbol: "HK.00700", TsMS: 1, RecvTsMS: 1, Price: f(1), TradingDay: "20260210"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if m.RowsInserted.Load() != 1 {
		t.Fatalf("RowsInserted = %d, want 1 (queued row flushed on shutdown)", m.RowsInserted.Load())
	}
}

func TestDrainOnShutdownGivesUpAfterFlushTimeoutOnPermanentError(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.StopFlushTimeoutSec = 1
	cfg.PersistRetryBackoffSec = 0.01
	cfg.PersistRetryMaxSec = 0.02

	// DataRoot points at a plain file instead of a directory, so every
	// attempt to open a day file fails the same way a down/broken store
	// would: permanently, forever.
	brokenRoot := dir + "/not-a-directory"
	if err := os.WriteFile(brokenRoot, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.DataRoot = brokenRoot

	m := metrics.New()
	q := queue.New(cfg.MaxQueueSize, m)
	reg := daystore.NewRegistry(cfg, testLog())
	seq := seqstate.New()
	c := clock.NewFake(time.Unix(0, 0))

	w := New(cfg, q, reg, seq, c, m, testLog())

	q.Offer(&model.Tick{Market: "HK", Symbol: "HK.00700", TsMS: 1, RecvTsMS: 1, Price: f(1), TradingDay: "20260210"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run returned nil, want errFlushTimedOut (storage permanently broken)")
		}
		if !errors.Is(err, errFlushTimedOut) {
			t.Fatalf("Run returned %v, want errFlushTimedOut", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not give up within the flush timeout")
	}
}

func TestRequestRecoveryClosesWriters(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	m := metrics.New()
	q := queue.New(cfg.MaxQueueSize, m)
	reg := daystore.NewRegistry(cfg, testLog())
	seq := seqstate.New()
	c := clock.NewFake(time.Unix(0, 0))

	w := New(cfg, q, reg, seq, c, m, testLog())

	ctx := context.Background()
	row := &model.Tick{Market: "HK", Symbol: "HK.00700", TsMS: 1, RecvTsMS: 1, Price: f(1), TradingDay: "20260210"}
	w.commitBatch(ctx, []*model.Tick{row})

	w.RequestRecovery()
	w.recover()

	if w.RecoveryCount() != 1 {
		t.Fatalf("RecoveryCount = %d, want 1", w.RecoveryCount())
	}
	if len(reg.OpenPaths()) != 0 {
		t.Fatalf("expected no open writers after recovery, got %d", len(reg.OpenPaths()))
	}
}
