package domain

import (
	"fmt"
	"time"
)

// Timeframe is the bar granularity.
type Timeframe string

// Supported timeframes.
const (
	TF1Min  Timeframe = "1m"
	TF5Min  Timeframe = "5m"
	TF15Min Timeframe = "15m"
	TF1Hour Timeframe = "1h"
	TF1Day  Timeframe = "1D"
)

// AllTimeframes lists every supported timeframe in ascending granularity.
var AllTimeframes = []Timeframe{TF1Min, TF5Min, TF15Min, TF1Hour, TF1Day}

// ParseTimeframe converts a string into a Timeframe, rejecting unknown values.
func ParseTimeframe(s string) (Timeframe, error) {
	for _, tf := range AllTimeframes {
		if string(tf) == s {
			return tf, nil
		}
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Interval returns the duration of one bar at this timeframe.
func (tf Timeframe) Interval() time.Duration {
	switch tf {
	case TF1Min:
		return time.Minute
	case TF5Min:
		return 5 * time.Minute
	case TF15Min:
		return 15 * time.Minute
	case TF1Hour:
		return time.Hour
	case TF1Day:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Intraday reports whether the timeframe is finer than one day.
func (tf Timeframe) Intraday() bool {
	return tf != TF1Day
}

// DefaultWindowDays returns the default maximum calendar days the external
// service accepts per call at this granularity. Overridable via config.
func (tf Timeframe) DefaultWindowDays() int {
	if tf.Intraday() {
		return 100
	}
	return 366
}

// String implements fmt.Stringer.
func (tf Timeframe) String() string { return string(tf) }
