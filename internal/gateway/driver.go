package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ndrandal/tickcollector/internal/clock"
	"github.com/ndrandal/tickcollector/internal/config"
	"github.com/ndrandal/tickcollector/internal/jitter"
	"github.com/ndrandal/tickcollector/internal/mapper"
	"github.com/ndrandal/tickcollector/internal/metrics"
	"github.com/ndrandal/tickcollector/internal/model"
	"github.com/ndrandal/tickcollector/internal/queue"
	"github.com/ndrandal/tickcollector/internal/seqstate"
)

// Driver owns the gateway connection lifecycle: connect, subscribe, route
// push callbacks through the map/dedupe/offer path, reconnect on drop, and
// run the poll fallback loop.
type Driver struct {
	cfg    *config.Config
	gw     Gateway
	mapr   *mapper.Mapper
	seq    *seqstate.State
	q      *queue.Queue
	m      *metrics.Metrics
	clock  clock.Clock
	log    *logrus.Entry
	jitter *jitter.Source

	mu            sync.Mutex
	lastRowAt     map[string]time.Duration // symbol -> monotonic instant of last accepted row
	lastActiveAny time.Duration
}

// New builds a Driver bound to the given gateway transport and shared
// pipeline state.
func New(cfg *config.Config, gw Gateway, mapr *mapper.Mapper, seq *seqstate.State, q *queue.Queue, m *metrics.Metrics, c clock.Clock, log *logrus.Entry) *Driver {
	return &Driver{
		cfg:       cfg,
		gw:        gw,
		mapr:      mapr,
		seq:       seq,
		q:         q,
		m:         m,
		clock:     c,
		log:       log.WithField("component", "gateway"),
		jitter:    jitter.New(c.Now().UnixNano()),
		lastRowAt: make(map[string]time.Duration),
	}
}

// LastActive returns the monotonic instant of the most recent accepted
// push or poll row, for the watchdog's upstream-activity check.
func (d *Driver) LastActive() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastActiveAny
}

// Run connects, subscribes, and services push frames and the poll loop
// until ctx is cancelled, reconnecting with exponential backoff+jitter on
// every drop.
func (d *Driver) Run(ctx context.Context) error {
	var pollCancel context.CancelFunc

	defer func() {
		if pollCancel != nil {
			pollCancel()
		}
		d.gw.Close()
	}()

	backoff := d.cfg.ReconnectMinDelay()
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := d.connectAndSubscribe(ctx); err != nil {
			var perm *PermanentError
			if errors.As(err, &perm) {
				d.log.WithError(err).Error("gateway connect/subscribe failed with a permanent error, reconnecting anyway")
			} else {
				d.log.WithError(err).Warn("gateway connect/subscribe failed, backing off")
			}
			d.m.ReconnectCount.Add(1)
			if !d.sleep(ctx, backoff) {
				return nil
			}
			backoff = d.nextBackoff(backoff)
			continue
		}
		backoff = d.cfg.ReconnectMinDelay()

		if d.cfg.BackfillN > 0 {
			d.backfill(ctx)
		}

		var pollCtx context.Context
		pollCtx, pollCancel = context.WithCancel(ctx)
		if d.cfg.PollEnabled {
			go d.pollLoop(pollCtx)
		}

		d.servePush(ctx)
		pollCancel()
		pollCancel = nil

		if ctx.Err() != nil {
			return nil
		}
		// push channel closed: transport dropped. Reconnect.
		d.m.ReconnectCount.Add(1)
		if !d.sleep(ctx, backoff) {
			return nil
		}
		backoff = d.nextBackoff(backoff)
	}
}

func (d *Driver) connectAndSubscribe(ctx context.Context) error {
	if err := d.gw.Connect(ctx); err != nil {
		return err
	}
	return d.gw.Subscribe(ctx, d.cfg.FutuSymbols)
}

func (d *Driver) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	max := d.cfg.ReconnectMaxDelay()
	if next > max {
		next = max
	}
	return d.jitter.Duration(cur, next)
}

func (d *Driver) sleep(ctx context.Context, dur time.Duration) bool {
	select {
	case <-time.After(dur):
		return true
	case <-ctx.Done():
		return false
	}
}

// servePush consumes the gateway's push channel until it closes (transport
// drop) or ctx is cancelled.
func (d *Driver) servePush(ctx context.Context) {
	ch := d.gw.Push()
	for {
		select {
		case row, ok := <-ch:
			if !ok {
				return
			}
			d.handleRow(row)
		case <-ctx.Done():
			return
		}
	}
}

// handleRow runs the map -> observe -> try_accept -> offer path shared by
// push and poll. On queue-full it rolls back the optimistic accept and
// counts a drop.
func (d *Driver) handleRow(row model.RawRow) {
	tick, err := d.mapr.Map(row)
	if err != nil {
		d.m.MappingErrors.Add(1)
		d.log.WithError(err).Debug("dropped unmappable row")
		return
	}

	d.m.RowsObserved.Add(1)
	nullSeq := tick.Seq == nil
	var seqVal int64
	if !nullSeq {
		seqVal = *tick.Seq
	}
	d.seq.Observe(tick.Symbol, seqVal)

	accepted, prev := d.seq.TryAccept(tick.Symbol, seqVal, nullSeq)
	if !accepted {
		d.m.RowsDropped.Add(1)
		return
	}

	if !d.q.Offer(tick) {
		d.seq.RollbackAccept(tick.Symbol, seqVal, prev, nullSeq)
		d.m.RowsDropped.Add(1)
		return
	}

	d.m.RowsAccepted.Add(1)
	now := d.clock.Monotonic()
	d.mu.Lock()
	d.lastRowAt[tick.Symbol] = now
	d.lastActiveAny = now
	d.mu.Unlock()
}

// backfill fetches up to BackfillN recent rows per symbol on a fresh
// connection, through the same map/accept/offer path as a normal poll
// fetch (the source treats backfill as an ordinary poll request, so no
// dedupe bypass is introduced here).
func (d *Driver) backfill(ctx context.Context) {
	for _, symbol := range d.cfg.FutuSymbols {
		rows, err := d.gw.Poll(ctx, symbol, d.cfg.BackfillN)
		if err != nil {
			d.log.WithError(err).WithField("symbol", symbol).Debug("backfill poll failed")
			continue
		}
		d.processPollRows(symbol, rows)
	}
}

// pollLoop fires every PollIntervalSec, skipping symbols that had a row
// accepted within PollStaleSec, and runs the rest through the same
// map/accept path after filtering out rows at or below the dedupe baseline.
// lastRowAt is stamped by push and poll rows alike, so a row accepted by a
// poll also defers that symbol's next poll by PollStaleSec.
func (d *Driver) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval())
	defer ticker.Stop()

	var cycleFetched, cycleAccepted, cycleDropped uint64
	lastLog := d.clock.Monotonic()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, symbol := range d.cfg.FutuSymbols {
			if d.pushFreshEnough(symbol) {
				continue
			}
			rows, err := d.gw.Poll(ctx, symbol, d.cfg.PollNum)
			if err != nil {
				d.log.WithError(err).WithField("symbol", symbol).Debug("poll fetch failed")
				continue
			}
			fetched := uint64(len(rows))
			a, dr := d.processPollRowsCounted(symbol, rows)
			d.m.PollFetched.Add(fetched)
			d.m.PollAccepted.Add(a)
			d.m.PollDropped.Add(dr)
			cycleFetched += fetched
			cycleAccepted += a
			cycleDropped += dr
		}

		if d.clock.Monotonic()-lastLog >= time.Minute {
			d.log.WithFields(logrus.Fields{
				"fetched":  cycleFetched,
				"accepted": cycleAccepted,
				"dropped":  cycleDropped,
			}).Info("poll cycle summary")
			lastLog = d.clock.Monotonic()
			cycleFetched, cycleAccepted, cycleDropped = 0, 0, 0
		}
	}
}

func (d *Driver) pushFreshEnough(symbol string) bool {
	d.mu.Lock()
	last, ok := d.lastRowAt[symbol]
	d.mu.Unlock()
	if !ok {
		return false
	}
	return d.clock.Monotonic()-last < d.cfg.PollStale()
}

func (d *Driver) processPollRows(symbol string, rows []model.RawRow) {
	d.processPollRowsCounted(symbol, rows)
}

// processPollRowsCounted discards rows at or below the dedupe baseline,
// then maps/accepts/offers the remainder; it reports accepted/dropped
// counts for the caller's cycle summary.
func (d *Driver) processPollRowsCounted(symbol string, rows []model.RawRow) (accepted, dropped uint64) {
	baseline := d.seq.Baseline(symbol)
	for _, row := range rows {
		if seq, ok := rawSeq(row); ok && seq <= baseline {
			continue
		}
		before := d.m.RowsAccepted.Load()
		d.handleRow(row)
		if d.m.RowsAccepted.Load() > before {
			accepted++
			d.m.PollEnqueued.Add(1)
		} else {
			dropped++
		}
	}
	return accepted, dropped
}

// rawSeq extracts a best-effort seq for poll-side baseline filtering ahead
// of the full mapper pass; the mapper remains the single source of truth
// for the final parsed value used downstream.
func rawSeq(row model.RawRow) (int64, bool) {
	v, ok := row["seq"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
