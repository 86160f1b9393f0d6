package mapper

import "errors"

var (
	errNoTimeField       = errors.New("no time field present")
	errUnparseableTime   = errors.New("time field did not match any known format")
	errCompactWithoutDay = errors.New("compact HHMMSS time requires a trading_day field")
)
