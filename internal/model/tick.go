// Package model defines the normalized record the rest of the collector
// operates on, and the loose input shape the gateway driver hands to the
// mapper. Per the driver/mapper boundary design, RawRow is the only place
// that knows about the upstream gateway's field names; everything past the
// mapper deals exclusively in Tick.
package model

// RawRow is a duck-typed bag of named fields as received from the upstream
// gateway, before normalization. Only the gateway package constructs these;
// only the mapper package consumes them.
type RawRow map[string]any

func (r RawRow) str(key string) (string, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, s != ""
	default:
		return "", false
	}
}

func (r RawRow) num(key string) (float64, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		return 0, false
	default:
		return 0, false
	}
}

// Tick is the normalized record appended to the day store.
type Tick struct {
	Market     string
	Symbol     string
	TsMS       int64
	RecvTsMS   int64
	Price      *float64
	Volume     *float64
	Turnover   *float64
	Direction  *string
	TickType   *string
	PushType   *string
	Provider   *string
	Seq        *int64
	TradingDay string
	// InsertedAtMS is populated by the day-store writer at commit time, not
	// by the mapper.
	InsertedAtMS int64
}
