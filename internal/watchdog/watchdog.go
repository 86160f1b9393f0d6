// Package watchdog runs the periodic liveness sampling loop: it diagnoses
// persistence stalls, triggers in-process recovery, and escalates to
// process exit only after repeated recovery failures.
package watchdog

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ndrandal/tickcollector/internal/clock"
	"github.com/ndrandal/tickcollector/internal/config"
	"github.com/ndrandal/tickcollector/internal/metrics"
)

// State is the watchdog's stall-diagnosis state machine.
type State string

const (
	StateOK              State = "ok"
	StateDegraded        State = "degraded"
	StateRecovering      State = "recovering"
	StatePersistentStall State = "persistent_stall"
)

// Recoverer is the worker-side recovery hook the watchdog invokes on a
// stall diagnosis. It is implemented by *persistworker.Worker.
type Recoverer interface {
	RequestRecovery()
	LastCommit() (mono time.Duration, rows int)
	MaxCommittedTsMS() int64
	// Alive reports whether the worker's main loop is still iterating,
	// independent of whether it is actually committing anything.
	Alive() bool
	// LastDequeue returns the monotonic instant of the worker's most recent
	// main-loop pass.
	LastDequeue() time.Duration
}

// QueueDepther reports the current queue backlog.
type QueueDepther interface {
	Depth() int
}

// Activitier reports when the upstream driver last accepted a row.
type Activitier interface {
	LastActive() time.Duration
}

// Exiter abstracts process termination so tests can observe the exit
// decision instead of actually calling os.Exit.
type Exiter interface {
	Exit(code int)
}

// osExiter is the production Exiter.
type osExiter struct{}

func (osExiter) Exit(code int) { os.Exit(code) }

// Watchdog samples liveness signals once per cycle and drives the stall
// state machine.
type Watchdog struct {
	cfg    *config.Config
	worker Recoverer
	q      QueueDepther
	driver Activitier
	clock  clock.Clock
	m      *metrics.Metrics
	log    *logrus.Entry
	exiter Exiter

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastStallSignature  string
}

// New builds a Watchdog with the production os.Exit exiter.
func New(cfg *config.Config, worker Recoverer, q QueueDepther, driver Activitier, c clock.Clock, m *metrics.Metrics, log *logrus.Entry) *Watchdog {
	return &Watchdog{
		cfg:    cfg,
		worker: worker,
		q:      q,
		driver: driver,
		clock:  c,
		m:      m,
		log:    log.WithField("component", "watchdog"),
		exiter: osExiter{},
		state:  StateOK,
	}
}

// State returns the current state-machine value, for tests and diagnostics.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// healthLoopInterval is the sampling period, independent of the stall
// threshold itself.
const healthLoopInterval = 60 * time.Second

// Run samples liveness once per healthLoopInterval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(healthLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cycle()
		}
	}
}

// Cycle runs exactly one sampling pass and state transition. Run calls it
// on each tick; tests call it directly to drive the state machine
// deterministically without waiting on the ticker.
func (w *Watchdog) Cycle() {
	w.cycle()
}

// cycle performs exactly one sampling pass and state transition.
func (w *Watchdog) cycle() {
	id := clock.ShortID("hlt", w.clock)
	now := w.clock.Monotonic()

	queueDepth := w.q.Depth()
	lastCommitMono, _ := w.worker.LastCommit()
	commitAge := now - lastCommitMono
	dequeueAge := now - w.worker.LastDequeue()
	alive := w.worker.Alive()
	upstreamActive := now-w.driver.LastActive() < w.cfg.WatchdogUpstreamWindow()

	w.log.WithFields(logrus.Fields{
		"snapshot_id":     id,
		"queue_depth":     queueDepth,
		"commit_age":      commitAge.String(),
		"dequeue_age":     dequeueAge.String(),
		"worker_alive":    alive,
		"upstream_active": upstreamActive,
	}).Info("health snapshot")

	w.checkDrift(id)

	stalled := upstreamActive &&
		queueDepth >= w.cfg.WatchdogQueueThresholdRows &&
		(commitAge >= w.cfg.WatchdogStall() || !alive)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !stalled {
		if w.state != StateOK {
			w.log.WithField("snapshot_id", id).Info("liveness recovered, returning to ok")
		}
		w.state = StateOK
		w.consecutiveFailures = 0
		return
	}

	w.m.StallDiagnoses.Add(1)
	// The signature is the last successful commit's monotonic instant: as
	// long as no new commit has landed between cycles, this is the same
	// persisting stall, not a fresh one.
	signature := strconv.FormatInt(int64(lastCommitMono), 10)

	switch w.state {
	case StateOK:
		w.state = StateDegraded
		w.log.WithField("snapshot_id", id).Warn("stall diagnosed, entering degraded state")
		w.dumpStacks(id)
		w.requestRecovery(id)
		w.state = StateRecovering
		w.consecutiveFailures = 1
		w.lastStallSignature = signature
	case StateDegraded, StateRecovering:
		w.state = StateRecovering
		if signature == w.lastStallSignature {
			w.consecutiveFailures++
			w.m.RecoveryFailures.Add(1)
			w.log.WithFields(logrus.Fields{
				"snapshot_id": id,
				"failures":    w.consecutiveFailures,
			}).Warn("stall persists after recovery attempt")
		} else {
			w.consecutiveFailures = 1
			w.lastStallSignature = signature
		}
		w.dumpStacks(id)
		w.requestRecovery(id)

		if w.consecutiveFailures >= w.cfg.WatchdogRecoveryMaxFailures {
			w.state = StatePersistentStall
			eventID := clock.ShortID("evt", w.clock)
			w.log.WithFields(logrus.Fields{
				"event_id": eventID,
				"failures": w.consecutiveFailures,
			}).Error("persistent stall, exiting for external supervisor restart")
			w.exiter.Exit(1)
		}
	}
}

// checkDrift compares wall clock against the most recent committed event
// time and emits a warning if they diverge beyond DriftWarnSec. This is
// informational only and never feeds the stall diagnosis.
func (w *Watchdog) checkDrift(snapshotID string) {
	maxTsMS := w.worker.MaxCommittedTsMS()
	if maxTsMS == 0 {
		return
	}
	nowMS := w.clock.Now().UnixMilli()
	drift := nowMS - maxTsMS
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Millisecond > w.cfg.DriftWarn() {
		w.log.WithFields(logrus.Fields{
			"snapshot_id": snapshotID,
			"drift_ms":    drift,
		}).Warn("commit timestamps have drifted from wall clock")
	}
}

func (w *Watchdog) dumpStacks(snapshotID string) {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	w.log.WithField("snapshot_id", snapshotID).Warnf("thread stack dump:\n%s", buf[:n])
}

func (w *Watchdog) requestRecovery(snapshotID string) {
	w.worker.RequestRecovery()
	w.m.RecoveryCount.Add(1)
	w.log.WithField("snapshot_id", snapshotID).Info("requested writer recovery")
}
