package daystore

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/ndrandal/tickcollector/internal/config"
	"github.com/ndrandal/tickcollector/internal/model"
)

func testConfig() *config.Config {
	return &config.Config{
		SQLiteBusyTimeoutMS:     1000,
		SQLiteJournalMode:       "WAL",
		SQLiteSynchronous:       "NORMAL",
		SQLiteWALAutocheckpoint: 1000,
	}
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func f(v float64) *float64 { return &v }
func s(v string) *string   { return &v }
func i(v int64) *int64     { return &v }

func TestEnsureSchemaIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w, err := Open(ctx, dir, "20260212", testConfig(), testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.ensureSchema(ctx); err != nil {
		t.Fatalf("second ensureSchema call failed: %v", err)
	}
}

func TestInsertBatchSeqDedup(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w, err := Open(ctx, dir, "20260212", testConfig(), testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	row := &model.Tick{
		Market: "HK", Symbol: "HK.00700", TsMS: 1000, RecvTsMS: 1001,
		Price: f(100.5), Volume: f(10), Seq: i(42), TradingDay: "20260212",
	}
	dup := *row

	res, err := w.InsertBatch(ctx, []*model.Tick{row, &dup}, 2000)
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if res.Inserted != 1 || res.Ignored != 1 {
		t.Fatalf("got inserted=%d ignored=%d, want 1/1", res.Inserted, res.Ignored)
	}
	if res.Inserted+res.Ignored != 2 {
		t.Fatalf("inserted+ignored=%d, want 2", res.Inserted+res.Ignored)
	}
}

func TestInsertBatchNullSeqCompositeDedup(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w, err := Open(ctx, dir, "20260212", testConfig(), testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	row := &model.Tick{
		Market: "HK", Symbol: "HK.00700", TsMS: 1000, RecvTsMS: 1001,
		Price: f(100.5), Volume: f(10), Turnover: f(1005), TradingDay: "20260212",
	}
	dup := *row
	distinct := *row
	distinct.TsMS = 1001

	res, err := w.InsertBatch(ctx, []*model.Tick{row, &dup, &distinct}, 2000)
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if res.Inserted != 2 || res.Ignored != 1 {
		t.Fatalf("got inserted=%d ignored=%d, want 2/1", res.Inserted, res.Ignored)
	}
}

func TestInsertBatchEmpty(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w, err := Open(ctx, dir, "20260212", testConfig(), testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	res, err := w.InsertBatch(ctx, nil, 1000)
	if err != nil {
		t.Fatalf("InsertBatch(nil): %v", err)
	}
	if res.Inserted != 0 || res.Ignored != 0 {
		t.Fatalf("got inserted=%d ignored=%d, want 0/0", res.Inserted, res.Ignored)
	}
}

func TestClassifyBusyVsPermanent(t *testing.T) {
	w := &Writer{}
	busy := w.classify(errors.New("database is locked"))
	if !errors.Is(busy, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", busy)
	}
	perm := w.classify(errors.New("attempt to write a readonly database"))
	if !errors.Is(perm, ErrPermanent) {
		t.Fatalf("expected ErrPermanent, got %v", perm)
	}
}

func TestRegistrySharesWriterPerDay(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := testConfig()
	cfg.DataRoot = dir
	reg := NewRegistry(cfg, testLog())

	w1, err := reg.Writer(ctx, "20260212")
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	w2, err := reg.Writer(ctx, "20260212")
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if w1 != w2 {
		t.Fatal("expected the same writer instance for the same day")
	}
	if err := reg.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
}

func TestRegistryEvictForcesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := testConfig()
	cfg.DataRoot = dir
	reg := NewRegistry(cfg, testLog())

	w1, err := reg.Writer(ctx, "20260212")
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if err := reg.Evict("20260212"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	w2, err := reg.Writer(ctx, "20260212")
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if w1 == w2 {
		t.Fatal("expected a new writer instance after eviction")
	}
	reg.CloseAll()
}

func TestMaxSeqPerSymbol(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w, err := Open(ctx, dir, "20260212", testConfig(), testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rows := []*model.Tick{
		{Market: "HK", Symbol: "HK.00700", TsMS: 1, RecvTsMS: 1, Seq: i(5), TradingDay: "20260212"},
		{Market: "HK", Symbol: "HK.00700", TsMS: 2, RecvTsMS: 2, Seq: i(9), TradingDay: "20260212"},
		{Market: "HK", Symbol: "HK.00941", TsMS: 1, RecvTsMS: 1, Seq: i(3), TradingDay: "20260212"},
	}
	if _, err := w.InsertBatch(ctx, rows, 100); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	w.Close()

	got, err := MaxSeqPerSymbol(ctx, dir, "20260212")
	if err != nil {
		t.Fatalf("MaxSeqPerSymbol: %v", err)
	}
	if got["HK.00700"] != 9 {
		t.Fatalf("HK.00700 max seq = %d, want 9", got["HK.00700"])
	}
	if got["HK.00941"] != 3 {
		t.Fatalf("HK.00941 max seq = %d, want 3", got["HK.00941"])
	}
}

func TestMaxSeqPerSymbolMissingFile(t *testing.T) {
	dir := t.TempDir()
	got, err := MaxSeqPerSymbol(context.Background(), dir, "20260101")
	if err != nil {
		t.Fatalf("MaxSeqPerSymbol: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty map for missing file, got %v", got)
	}
}

func TestRecentDays(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	for _, day := range []string{"20260210", "20260211", "20260212"} {
		w, err := Open(ctx, dir, day, testConfig(), testLog())
		if err != nil {
			t.Fatalf("Open(%s): %v", day, err)
		}
		w.Close()
	}

	days, err := RecentDays(dir, 2)
	if err != nil {
		t.Fatalf("RecentDays: %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("len(days) = %d, want 2", len(days))
	}
	if days[0] != "20260212" || days[1] != "20260211" {
		t.Fatalf("days = %v, want [20260212 20260211]", days)
	}
}
