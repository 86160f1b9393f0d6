// Package config loads the collector's environment-driven configuration,
// matching the contract table in the specification: every setting has an
// env var name operators already depend on, with flag overrides layered on
// top the same way the teacher simulator's config package does it.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of the collector process.
type Config struct {
	// Gateway
	FutuHost    string
	FutuPort    int
	FutuSymbols []string

	// Storage
	DataRoot string

	// Persistence worker
	BatchSize    int
	MaxWaitMS    int
	MaxQueueSize int

	// Reconnect / backfill
	BackfillN            int
	ReconnectMinDelaySec int
	ReconnectMaxDelaySec int

	// Poll fallback
	PollEnabled     bool
	PollIntervalSec int
	PollNum         int
	PollStaleSec    int

	// Watchdog
	WatchdogStallSec               int
	WatchdogUpstreamWindowSec      int
	WatchdogQueueThresholdRows     int
	WatchdogRecoveryMaxFailures    int
	WatchdogRecoveryJoinTimeoutSec int

	// Shutdown
	StopFlushTimeoutSec int

	// Seeding
	SeedRecentDBDays int

	// Persist retry / heartbeat / drift
	PersistRetryBackoffSec      float64
	PersistRetryMaxSec          float64
	PersistHeartbeatIntervalSec int
	DriftWarnSec                int

	// SQLite pragmas
	SQLiteBusyTimeoutMS     int
	SQLiteJournalMode       string
	SQLiteSynchronous       string
	SQLiteWALAutocheckpoint int
}

// Load reads configuration from the environment, applies flag overrides, and
// validates the mandatory fields. It returns an error rather than exiting
// the process, so the caller (lifecycle coordinator) can log and shut down
// cleanly with a non-zero exit code.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("tickcollector", flag.ContinueOnError)

	c := &Config{}

	fs.StringVar(&c.FutuHost, "futu-host", envStr("FUTU_HOST", "127.0.0.1"), "gateway host")
	fs.IntVar(&c.FutuPort, "futu-port", envInt("FUTU_PORT", 11111), "gateway port")
	symbolsRaw := fs.String("futu-symbols", envStr("FUTU_SYMBOLS", ""), "comma-separated symbol universe")

	fs.StringVar(&c.DataRoot, "data-root", envStr("DATA_ROOT", "/data/sqlite/HK"), "day-store root directory")

	fs.IntVar(&c.BatchSize, "batch-size", envInt("BATCH_SIZE", 500), "max rows per commit")
	fs.IntVar(&c.MaxWaitMS, "max-wait-ms", envInt("MAX_WAIT_MS", 1000), "worker drain wait budget (ms)")
	fs.IntVar(&c.MaxQueueSize, "max-queue-size", envInt("MAX_QUEUE_SIZE", 20000), "queue capacity (rows)")

	fs.IntVar(&c.BackfillN, "backfill-n", envInt("BACKFILL_N", 0), "rows fetched per symbol on reconnect")
	fs.IntVar(&c.ReconnectMinDelaySec, "reconnect-min-delay", envInt("RECONNECT_MIN_DELAY", 1), "reconnect backoff min (s)")
	fs.IntVar(&c.ReconnectMaxDelaySec, "reconnect-max-delay", envInt("RECONNECT_MAX_DELAY", 60), "reconnect backoff max (s)")

	fs.BoolVar(&c.PollEnabled, "poll-enabled", envBool("FUTU_POLL_ENABLED", true), "enable poll fallback")
	fs.IntVar(&c.PollIntervalSec, "poll-interval-sec", envInt("FUTU_POLL_INTERVAL_SEC", 3), "poll cycle (s)")
	fs.IntVar(&c.PollNum, "poll-num", envInt("FUTU_POLL_NUM", 100), "rows per poll request")
	fs.IntVar(&c.PollStaleSec, "poll-stale-sec", envInt("FUTU_POLL_STALE_SEC", 10), "skip poll when push is fresh (s)")

	fs.IntVar(&c.WatchdogStallSec, "watchdog-stall-sec", envInt("WATCHDOG_STALL_SEC", 180), "commit stall threshold (s)")
	fs.IntVar(&c.WatchdogUpstreamWindowSec, "watchdog-upstream-window-sec", envInt("WATCHDOG_UPSTREAM_WINDOW_SEC", 60), "upstream-active window (s)")
	fs.IntVar(&c.WatchdogQueueThresholdRows, "watchdog-queue-threshold-rows", envInt("WATCHDOG_QUEUE_THRESHOLD_ROWS", 100), "min backlog for stall diagnosis")
	fs.IntVar(&c.WatchdogRecoveryMaxFailures, "watchdog-recovery-max-failures", envInt("WATCHDOG_RECOVERY_MAX_FAILURES", 3), "exit threshold")
	fs.IntVar(&c.WatchdogRecoveryJoinTimeoutSec, "watchdog-recovery-join-timeout-sec", envInt("WATCHDOG_RECOVERY_JOIN_TIMEOUT_SEC", 3), "old-writer teardown wait (s)")

	fs.IntVar(&c.StopFlushTimeoutSec, "stop-flush-timeout-sec", envInt("STOP_FLUSH_TIMEOUT_SEC", 60), "graceful drain budget (s)")

	fs.IntVar(&c.SeedRecentDBDays, "seed-recent-db-days", envInt("SEED_RECENT_DB_DAYS", 3), "day files scanned at seed")

	fs.Float64Var(&c.PersistRetryBackoffSec, "persist-retry-backoff-sec", envFloat("PERSIST_RETRY_BACKOFF_SEC", 1.0), "commit retry initial backoff (s)")
	fs.Float64Var(&c.PersistRetryMaxSec, "persist-retry-max-sec", envFloat("PERSIST_RETRY_BACKOFF_MAX_SEC", 2.0), "commit retry max backoff (s)")
	fs.IntVar(&c.PersistHeartbeatIntervalSec, "persist-heartbeat-interval-sec", envInt("PERSIST_HEARTBEAT_INTERVAL_SEC", 30), "heartbeat emission period (s)")
	fs.IntVar(&c.DriftWarnSec, "drift-warn-sec", envInt("DRIFT_WARN_SEC", 120), "drift alert threshold (s)")

	fs.IntVar(&c.SQLiteBusyTimeoutMS, "sqlite-busy-timeout-ms", envInt("SQLITE_BUSY_TIMEOUT_MS", 5000), "per-connection busy wait (ms)")
	fs.StringVar(&c.SQLiteJournalMode, "sqlite-journal-mode", envStr("SQLITE_JOURNAL_MODE", "WAL"), "journal mode")
	fs.StringVar(&c.SQLiteSynchronous, "sqlite-synchronous", envStr("SQLITE_SYNCHRONOUS", "NORMAL"), "fsync profile")
	fs.IntVar(&c.SQLiteWALAutocheckpoint, "sqlite-wal-autocheckpoint", envInt("SQLITE_WAL_AUTOCHECKPOINT", 1000), "auto-checkpoint pages")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	c.FutuSymbols = splitSymbols(*symbolsRaw)
	if len(c.FutuSymbols) == 0 {
		return nil, fmt.Errorf("FUTU_SYMBOLS is empty: at least one symbol is required")
	}
	if c.DataRoot == "" {
		return nil, fmt.Errorf("DATA_ROOT must not be empty")
	}

	return c, nil
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Duration helpers used by components that want a time.Duration rather than
// a raw int/float field.

func (c *Config) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMS) * time.Millisecond
}

func (c *Config) ReconnectMinDelay() time.Duration {
	return time.Duration(c.ReconnectMinDelaySec) * time.Second
}

func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelaySec) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c *Config) PollStale() time.Duration {
	return time.Duration(c.PollStaleSec) * time.Second
}

func (c *Config) WatchdogStall() time.Duration {
	return time.Duration(c.WatchdogStallSec) * time.Second
}

func (c *Config) WatchdogUpstreamWindow() time.Duration {
	return time.Duration(c.WatchdogUpstreamWindowSec) * time.Second
}

func (c *Config) WatchdogRecoveryJoinTimeout() time.Duration {
	return time.Duration(c.WatchdogRecoveryJoinTimeoutSec) * time.Second
}

func (c *Config) StopFlushTimeout() time.Duration {
	return time.Duration(c.StopFlushTimeoutSec) * time.Second
}

func (c *Config) PersistRetryBackoff() time.Duration {
	return time.Duration(c.PersistRetryBackoffSec * float64(time.Second))
}

func (c *Config) PersistRetryMax() time.Duration {
	return time.Duration(c.PersistRetryMaxSec * float64(time.Second))
}

func (c *Config) PersistHeartbeatInterval() time.Duration {
	return time.Duration(c.PersistHeartbeatIntervalSec) * time.Second
}

func (c *Config) DriftWarn() time.Duration {
	return time.Duration(c.DriftWarnSec) * time.Second
}
