// Package daystore owns the per-trading-day embedded SQL file: schema
// creation, connection pragmas, and idempotent batch inserts. Each day's
// Writer is owned exclusively by the persistence worker; nothing else
// touches its *sql.DB.
package daystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/ndrandal/tickcollector/internal/config"
	"github.com/ndrandal/tickcollector/internal/model"
)

// Classification errors for the caller's retry/recovery policy (spec §4.4,
// §7). Callers classify with errors.Is rather than string-matching driver
// messages.
var (
	// ErrBusy wraps a transient SQLITE_BUSY/SQLITE_LOCKED condition; the
	// caller retries the same batch with backoff.
	ErrBusy = errors.New("daystore: database is busy or locked")
	// ErrPermanent wraps readonly/disk-full/io-error/corruption conditions;
	// the caller retains the batch, increments a failure counter, and
	// rebuilds the writer.
	ErrPermanent = errors.New("daystore: permanent storage error")
)

// Result reports the exact outcome of a batch insert.
type Result struct {
	Inserted int
	Ignored  int
}

// Writer owns a single connection to one trading day's sqlite file.
type Writer struct {
	day  string
	path string
	db   *sql.DB
	log  *logrus.Entry
	cfg  *config.Config
}

// Open creates (lazily, on first use) the connection for a trading day's
// file under root, applies pragmas, and ensures the schema exists.
func Open(ctx context.Context, root, day string, cfg *config.Config, log *logrus.Entry) (*Writer, error) {
	path := filepath.Join(root, day+".db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, cfg.SQLiteBusyTimeoutMS)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open day store %s: %w", path, err)
	}
	// A single connection per day file: the writer is the sole owner and
	// sqlite's own file locking is per-connection, not per-process.
	db.SetMaxOpenConns(1)

	w := &Writer{day: day, path: path, db: db, log: log.WithField("trading_day", day), cfg: cfg}

	if err := w.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

// Path returns the day file's filesystem path.
func (w *Writer) Path() string { return w.path }

// Day returns the trading day this writer is scoped to.
func (w *Writer) Day() string { return w.day }

func (w *Writer) ensureSchema(ctx context.Context) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", w.cfg.SQLiteJournalMode),
		fmt.Sprintf("PRAGMA synchronous=%s", w.cfg.SQLiteSynchronous),
		fmt.Sprintf("PRAGMA busy_timeout=%d", w.cfg.SQLiteBusyTimeoutMS),
		fmt.Sprintf("PRAGMA wal_autocheckpoint=%d", w.cfg.SQLiteWALAutocheckpoint),
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if _, err := w.db.ExecContext(ctx, p); err != nil {
			return w.classify(fmt.Errorf("apply pragma %q: %w", p, err))
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS ticks (
	market         TEXT    NOT NULL,
	symbol         TEXT    NOT NULL,
	ts_ms          INTEGER NOT NULL,
	recv_ts_ms     INTEGER NOT NULL,
	price          REAL,
	volume         REAL,
	turnover       REAL,
	direction      TEXT,
	tick_type      TEXT,
	push_type      TEXT,
	provider       TEXT,
	seq            INTEGER,
	trading_day    TEXT    NOT NULL,
	inserted_at_ms INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS u1_symbol_seq
	ON ticks(symbol, seq)
	WHERE seq IS NOT NULL;

CREATE UNIQUE INDEX IF NOT EXISTS u2_symbol_composite
	ON ticks(symbol, ts_ms, price, volume, turnover)
	WHERE seq IS NULL;
`
	for _, stmt := range splitStatements(schema) {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return w.classify(fmt.Errorf("apply schema: %w", err))
		}
	}
	return nil
}

func splitStatements(schema string) []string {
	var out []string
	for _, s := range strings.Split(schema, ";") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// InsertBatch inserts rows in a single explicit transaction using
// insert-or-ignore semantics, so conflicts on U1/U2 are counted as ignored,
// never as errors. inserted_at_ms is stamped at commit time from nowMS.
func (w *Writer) InsertBatch(ctx context.Context, rows []*model.Tick, nowMS int64) (Result, error) {
	if len(rows) == 0 {
		return Result{}, nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, w.classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO ticks
	(market, symbol, ts_ms, recv_ts_ms, price, volume, turnover, direction, tick_type, push_type, provider, seq, trading_day, inserted_at_ms)
VALUES
	(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return Result{}, w.classify(fmt.Errorf("prepare insert: %w", err))
	}
	defer stmt.Close()

	var res Result
	for _, t := range rows {
		r, err := stmt.ExecContext(ctx,
			t.Market, t.Symbol, t.TsMS, t.RecvTsMS,
			nullableFloat(t.Price), nullableFloat(t.Volume), nullableFloat(t.Turnover),
			nullableStr(t.Direction), nullableStr(t.TickType), nullableStr(t.PushType), nullableStr(t.Provider),
			nullableSeq(t.Seq), t.TradingDay, nowMS,
		)
		if err != nil {
			return Result{}, w.classify(fmt.Errorf("insert row: %w", err))
		}
		n, err := r.RowsAffected()
		if err != nil {
			return Result{}, w.classify(fmt.Errorf("rows affected: %w", err))
		}
		if n == 1 {
			res.Inserted++
		} else {
			res.Ignored++
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, w.classify(fmt.Errorf("commit: %w", err))
	}
	return res, nil
}

// Close flushes and closes the connection.
func (w *Writer) Close() error {
	return w.db.Close()
}

// classify maps a raw driver error into the ErrBusy/ErrPermanent taxonomy.
// Anything not recognized is treated as permanent: the connection is
// rebuilt on the next attempt rather than retried in place.
func (w *Writer) classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "busy") || strings.Contains(msg, "locked"):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	default:
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableSeq(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
