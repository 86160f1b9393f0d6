package daystore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/ndrandal/tickcollector/internal/config"
)

func sqlOpenReadOnly(dsn string) (*sql.DB, error) {
	return sql.Open("sqlite", dsn)
}

// Registry lazily creates and caches one Writer per trading day. It is the
// persistence worker's sole point of contact with the filesystem: a day's
// Writer is created on first use and kept open until explicitly evicted.
type Registry struct {
	root string
	cfg  *config.Config
	log  *logrus.Entry

	mu      sync.Mutex
	writers map[string]*Writer

	group singleflight.Group
}

// NewRegistry builds a registry rooted at cfg.DataRoot.
func NewRegistry(cfg *config.Config, log *logrus.Entry) *Registry {
	return &Registry{
		root:    cfg.DataRoot,
		cfg:     cfg,
		log:     log,
		writers: make(map[string]*Writer),
	}
}

// Writer returns the cached Writer for day, opening it if this is the
// first request. Concurrent requests for the same day collapse onto a
// single open via singleflight, so two goroutines racing on the midnight
// rollover never create two connections to the same file.
func (r *Registry) Writer(ctx context.Context, day string) (*Writer, error) {
	r.mu.Lock()
	if w, ok := r.writers[day]; ok {
		r.mu.Unlock()
		return w, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(day, func() (any, error) {
		r.mu.Lock()
		if w, ok := r.writers[day]; ok {
			r.mu.Unlock()
			return w, nil
		}
		r.mu.Unlock()

		w, err := Open(ctx, r.root, day, r.cfg, r.log)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.writers[day] = w
		r.mu.Unlock()
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Writer), nil
}

// Evict closes and forgets a day's writer, so the next Writer() call for
// that day rebuilds the connection from scratch. Used after a permanent
// storage error, per the recovery contract.
func (r *Registry) Evict(day string) error {
	r.mu.Lock()
	w, ok := r.writers[day]
	if ok {
		delete(r.writers, day)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Close()
}

// OpenPaths returns the filesystem paths of every currently open day file,
// for WAL-size estimation and diagnostics.
func (r *Registry) OpenPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.writers))
	for _, w := range r.writers {
		paths = append(paths, w.Path())
	}
	return paths
}

// CloseAll closes every open writer, used during graceful shutdown.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	writers := r.writers
	r.writers = make(map[string]*Writer)
	r.mu.Unlock()

	var firstErr error
	for _, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecentDays lists up to n trading-day file stems present under root, most
// recent first, by lexical sort of the YYYYMMDD file name (lexical order
// matches chronological order for this format).
func RecentDays(root string, n int) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read data root %s: %w", root, err)
	}

	var days []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".db") {
			continue
		}
		days = append(days, strings.TrimSuffix(name, ".db"))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	if n >= 0 && len(days) > n {
		days = days[:n]
	}
	return days, nil
}

// MaxSeqPerSymbol opens a day file read-only and returns the maximum
// non-null seq observed per symbol, used to seed sequence-state watermarks
// at startup (spec's day store lifecycle: reconstruct accepted_seq from
// the most recent persisted rows rather than trusting an external store).
func MaxSeqPerSymbol(ctx context.Context, root, day string) (map[string]int64, error) {
	path := filepath.Join(root, day+".db")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?mode=ro", path)
	db, err := sqlOpenReadOnly(dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s read-only: %w", path, err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT symbol, MAX(seq) FROM ticks WHERE seq IS NOT NULL GROUP BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query max seq: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var symbol string
		var seq int64
		if err := rows.Scan(&symbol, &seq); err != nil {
			return nil, fmt.Errorf("scan max seq row: %w", err)
		}
		out[symbol] = seq
	}
	return out, rows.Err()
}
