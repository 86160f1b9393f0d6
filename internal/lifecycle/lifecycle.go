// Package lifecycle bootstraps the process in dependency order, installs
// signal handlers for graceful shutdown, and supervises the long-lived
// goroutines (upstream driver, persistence worker, watchdog) with
// errgroup so a fatal failure in one tears down the others.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ndrandal/tickcollector/internal/clock"
	"github.com/ndrandal/tickcollector/internal/config"
	"github.com/ndrandal/tickcollector/internal/daystore"
	"github.com/ndrandal/tickcollector/internal/gateway"
	"github.com/ndrandal/tickcollector/internal/mapper"
	"github.com/ndrandal/tickcollector/internal/metrics"
	"github.com/ndrandal/tickcollector/internal/persistworker"
	"github.com/ndrandal/tickcollector/internal/queue"
	"github.com/ndrandal/tickcollector/internal/seqstate"
	"github.com/ndrandal/tickcollector/internal/watchdog"
)

// Coordinator owns process bootstrap, the supervised goroutine group, and
// the graceful-stop sequence.
type Coordinator struct {
	cfg *config.Config
	log *logrus.Entry

	Queue    *queue.Queue
	SeqState *seqstate.State
	Registry *daystore.Registry
	Metrics  *metrics.Metrics
	Worker   *persistworker.Worker
	Driver   *gateway.Driver
	Watchdog *watchdog.Watchdog
}

// Bootstrap loads configuration, seeds sequence state from recent day
// files, and wires every component. It does not start any goroutines.
func Bootstrap(args []string, log *logrus.Entry, gw gateway.Gateway) (*Coordinator, error) {
	cfg, err := config.Load(args)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return nil, fmt.Errorf("resolve data root %s: %w", cfg.DataRoot, err)
	}

	c := clock.System{}
	m := metrics.New()
	seq := seqstate.New()
	q := queue.New(cfg.MaxQueueSize, m)
	reg := daystore.NewRegistry(cfg, log)

	if err := seedSequenceState(context.Background(), cfg, seq, log); err != nil {
		return nil, fmt.Errorf("seed sequence state: %w", err)
	}

	worker := persistworker.New(cfg, q, reg, seq, c, m, log)

	if gw == nil {
		gw = gateway.NewWSGateway(cfg.FutuHost, cfg.FutuPort, log)
	}
	mapr := mapper.New(log, c)
	driver := gateway.New(cfg, gw, mapr, seq, q, m, c, log)

	wd := watchdog.New(cfg, worker, q, driver, c, m, log)

	return &Coordinator{
		cfg:      cfg,
		log:      log,
		Queue:    q,
		SeqState: seq,
		Registry: reg,
		Metrics:  m,
		Worker:   worker,
		Driver:   driver,
		Watchdog: wd,
	}, nil
}

// seedSequenceState scans up to SeedRecentDBDays recent day files and
// installs each symbol's max(seq) as the initial accepted/persisted
// watermark, independent of wall-clock filters.
func seedSequenceState(ctx context.Context, cfg *config.Config, seq *seqstate.State, log *logrus.Entry) error {
	days, err := daystore.RecentDays(cfg.DataRoot, cfg.SeedRecentDBDays)
	if err != nil {
		return err
	}
	for _, day := range days {
		maxSeqs, err := daystore.MaxSeqPerSymbol(ctx, cfg.DataRoot, day)
		if err != nil {
			log.WithError(err).WithField("trading_day", day).Warn("failed to seed from day file, skipping")
			continue
		}
		for symbol, maxSeq := range maxSeqs {
			seq.Seed(symbol, maxSeq)
		}
	}
	return nil
}

// Run starts the persistence worker, upstream driver, and health loop
// under a shared errgroup, installs OS signal handlers mapping to
// graceful-stop, and blocks until every supervised goroutine exits. It
// returns a non-zero-exit-worthy error if the flush deadline was missed.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			c.log.WithField("signal", sig.String()).Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.Worker.Run(gctx)
	})
	g.Go(func() error {
		return c.Driver.Run(gctx)
	})
	g.Go(func() error {
		c.Watchdog.Run(gctx)
		return nil
	})

	return g.Wait()
}
