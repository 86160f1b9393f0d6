// Package mapper performs the one pure transformation in the pipeline: raw
// upstream rows into normalized model.Tick records. It is the only
// component, besides the gateway driver, that reasons about market-local
// time; everything downstream deals in UTC epoch milliseconds.
package mapper

import (
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ndrandal/tickcollector/internal/clock"
	"github.com/ndrandal/tickcollector/internal/model"
)

// eightHourShift is the historical timezone bug this mapper guards against:
// a market-local time mistakenly treated as UTC (or vice versa) lands
// exactly 8 hours away from the correct Asia/Hong_Kong offset.
const eightHourShift = 8 * time.Hour

// futureGuardWindow is how far ahead of wall clock a timestamp can be before
// it is suspected of the 8-hour shift bug.
const futureGuardWindow = 2 * time.Hour

// Mapper converts raw gateway rows into normalized ticks.
type Mapper struct {
	log   *logrus.Entry
	clock clock.Clock
}

// New creates a Mapper. log and c must not be nil.
func New(log *logrus.Entry, c clock.Clock) *Mapper {
	return &Mapper{log: log, clock: c}
}

// Map normalizes a single raw row. On error it returns a *model.MappingError
// describing why the row was dropped; callers must not treat mapping errors
// as fatal to the batch.
func (m *Mapper) Map(row model.RawRow) (*model.Tick, error) {
	market, _ := row.str("market")
	symbol, _ := row.str("symbol")
	if market == "" {
		return nil, model.NewMappingError(symbol, "market is empty")
	}
	if symbol == "" {
		return nil, model.NewMappingError(symbol, "symbol is empty")
	}

	tsMS, err := m.resolveTimestamp(row)
	if err != nil {
		return nil, model.NewMappingError(symbol, err.Error())
	}

	tsMS = m.correctEightHourShift(symbol, tsMS)

	tick := &model.Tick{
		Market:     market,
		Symbol:     symbol,
		TsMS:       tsMS,
		RecvTsMS:   m.clock.Now().UnixMilli(),
		TradingDay: clock.TradingDay(tsMS),
	}

	if v, ok := row.num("price"); ok {
		tick.Price = &v
	}
	if v, ok := row.num("volume"); ok {
		tick.Volume = &v
	}
	if v, ok := row.num("turnover"); ok {
		tick.Turnover = &v
	}
	if v, ok := row.str("direction"); ok {
		tick.Direction = &v
	}
	if v, ok := row.str("tick_type"); ok {
		tick.TickType = &v
	}
	if v, ok := row.str("push_type"); ok {
		tick.PushType = &v
	}
	if v, ok := row.str("provider"); ok {
		tick.Provider = &v
	}

	if seq, ok := parseSeq(row["seq"]); ok {
		tick.Seq = &seq
	}

	return tick, nil
}

// resolveTimestamp tries, in order: compact numeric combined with
// trading_day, ISO-like market-local string, numeric epoch.
func (m *Mapper) resolveTimestamp(row model.RawRow) (int64, error) {
	raw, present := row["time"]
	if !present || raw == nil {
		return 0, errNoTimeField
	}

	if s, ok := asString(raw); ok {
		if ms, ok, err := m.tryCompactNumeric(s, row); ok {
			return ms, err
		}
		if ms, ok := m.tryISOLocal(s); ok {
			return ms, nil
		}
		if ms, ok := tryEpoch(s); ok {
			return ms, nil
		}
		return 0, errUnparseableTime
	}

	if n, ok := asFloat(raw); ok {
		if ms, ok := tryEpoch(strconv.FormatInt(int64(n), 10)); ok {
			return ms, nil
		}
	}

	return 0, errUnparseableTime
}

// tryCompactNumeric handles HHMMSS (6 digits) and YYYYMMDDHHMMSS (14 digits).
// HHMMSS requires a sibling "trading_day" field (YYYYMMDD) to anchor the date.
func (m *Mapper) tryCompactNumeric(s string, row model.RawRow) (int64, bool, error) {
	if !isAllDigits(s) {
		return 0, false, nil
	}
	switch len(s) {
	case 14: // YYYYMMDDHHMMSS
		t, err := time.ParseInLocation("20060102150405", s, clock.HK)
		if err != nil {
			return 0, true, err
		}
		return t.UnixMilli(), true, nil
	case 6: // HHMMSS, needs trading_day
		day, ok := row.str("trading_day")
		if !ok {
			return 0, true, errCompactWithoutDay
		}
		t, err := time.ParseInLocation("20060102150405", day+s, clock.HK)
		if err != nil {
			return 0, true, err
		}
		return t.UnixMilli(), true, nil
	default:
		return 0, false, nil
	}
}

// tryISOLocal parses an ISO-like "2006-01-02T15:04:05" or
// "2006-01-02 15:04:05" string as Asia/Hong_Kong local time.
func (m *Mapper) tryISOLocal(s string) (int64, bool) {
	layouts := []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05Z07:00",
		"15:04:05",
	}
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, s, clock.HK)
		if err == nil {
			if layout == "15:04:05" {
				// Time-only strings anchor to today's HK date; the
				// trading_day stamped on the tick is still derived from
				// the resulting ts_ms, never from host local time.
				now := m.clock.Now().In(clock.HK)
				t = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, clock.HK)
			}
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// tryEpoch recognizes numeric epoch seconds or milliseconds and passes them
// through unchanged (already UTC).
func tryEpoch(s string) (int64, bool) {
	if !isAllDigits(s) {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	switch len(s) {
	case 10: // seconds
		return n * 1000, true
	case 13: // milliseconds
		return n, true
	default:
		return 0, false
	}
}

// correctEightHourShift subtracts 8 hours when a timestamp is implausibly
// far in the future in a way consistent with the historical timezone bug,
// and records a DriftWarning-class warning.
func (m *Mapper) correctEightHourShift(symbol string, tsMS int64) int64 {
	now := m.clock.Now()
	ts := time.UnixMilli(tsMS)
	ahead := ts.Sub(now)
	if ahead <= futureGuardWindow {
		return tsMS
	}

	corrected := ts.Add(-eightHourShift)
	// Only apply the fix if the value is consistent with the 8-hour shift:
	// the corrected value must land within futureGuardWindow of wall clock.
	if off := corrected.Sub(now); off > futureGuardWindow || off < -futureGuardWindow {
		return tsMS
	}

	if m.log != nil {
		m.log.WithFields(logrus.Fields{
			"symbol":     symbol,
			"original":   tsMS,
			"corrected":  corrected.UnixMilli(),
			"ahead_secs": ahead.Seconds(),
		}).Warn("mapper: corrected suspected 8-hour timezone shift")
	}
	return corrected.UnixMilli()
}

func parseSeq(v any) (int64, bool) {
	if v == nil {
		return 0, false
	}
	var n int64
	switch t := v.(type) {
	case int64:
		n = t
	case int:
		n = int64(t)
	case int32:
		n = int64(t)
	case float64:
		n = int64(t)
	case string:
		parsed, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		n = parsed
	default:
		return 0, false
	}
	if n < 0 {
		return 0, false
	}
	return n, true
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) == -1
}
