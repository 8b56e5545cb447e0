package common

import (
	"fmt"
	"time"
)

// Interval is a chart resolution in the wire format the server expects,
// e.g. "5" for five minutes or "1D" for daily bars.
type Interval string

// All supported chart intervals.
const (
	Interval1Minute   Interval = "1"
	Interval3Minute   Interval = "3"
	Interval5Minute   Interval = "5"
	Interval15Minute  Interval = "15"
	Interval30Minute  Interval = "30"
	Interval45Minute  Interval = "45"
	Interval1Hour     Interval = "1H"
	Interval2Hour     Interval = "2H"
	Interval3Hour     Interval = "3H"
	Interval4Hour     Interval = "4H"
	IntervalDaily     Interval = "1D"
	IntervalWeekly    Interval = "1W"
	IntervalMonthly   Interval = "1M"
)

// intervalSeconds maps every valid interval to its length. A month is
// approximated as 30 days, matching the upstream chart behaviour.
var intervalSeconds = map[Interval]int64{
	Interval1Minute:  60,
	Interval3Minute:  180,
	Interval5Minute:  300,
	Interval15Minute: 900,
	Interval30Minute: 1800,
	Interval45Minute: 2700,
	Interval1Hour:    3600,
	Interval2Hour:    7200,
	Interval3Hour:    10800,
	Interval4Hour:    14400,
	IntervalDaily:    86400,
	IntervalWeekly:   604800,
	IntervalMonthly:  2592000,
}

// Valid reports whether the interval is one of the supported resolutions.
func (i Interval) Valid() bool {
	_, ok := intervalSeconds[i]
	return ok
}

// Seconds returns the interval length in seconds, or 0 for an unknown
// interval.
func (i Interval) Seconds() int64 {
	return intervalSeconds[i]
}

// Duration returns the interval length as a time.Duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(intervalSeconds[i]) * time.Second
}

// Intervals returns all supported intervals, shortest first.
func Intervals() []Interval {
	return []Interval{
		Interval1Minute, Interval3Minute, Interval5Minute, Interval15Minute,
		Interval30Minute, Interval45Minute, Interval1Hour, Interval2Hour,
		Interval3Hour, Interval4Hour, IntervalDaily, IntervalWeekly,
		IntervalMonthly,
	}
}

// Bar is one OHLCV record for a symbol at a point in time. Timestamp is
// seconds since epoch in the exchange-local clock the server reports.
// Bars are immutable once constructed.
type Bar struct {
	Symbol    string
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Time returns the bar timestamp as a time.Time.
func (b Bar) Time() time.Time {
	return time.Unix(b.Timestamp, 0)
}

// Validate checks the OHLC relationship: low ≤ open ≤ high,
// low ≤ close ≤ high, and a non-negative volume.
func (b Bar) Validate() error {
	if b.Low > b.High {
		return fmt.Errorf("low %v above high %v", b.Low, b.High)
	}
	if b.Open < b.Low || b.Open > b.High {
		return fmt.Errorf("open %v outside [%v, %v]", b.Open, b.Low, b.High)
	}
	if b.Close < b.Low || b.Close > b.High {
		return fmt.Errorf("close %v outside [%v, %v]", b.Close, b.Low, b.High)
	}
	if b.Volume < 0 {
		return fmt.Errorf("negative volume %v", b.Volume)
	}
	return nil
}

func (b Bar) String() string {
	return fmt.Sprintf("%s %s O=%v H=%v L=%v C=%v V=%v",
		b.Symbol, b.Time().Format("2006-01-02 15:04:05"),
		b.Open, b.High, b.Low, b.Close, b.Volume)
}

// SymbolInfo is one result returned by symbol search.
type SymbolInfo struct {
	Symbol      string `json:"symbol"`
	Exchange    string `json:"exchange"`
	Description string `json:"description"`
	Type        string `json:"type"`
}

// FullSymbol returns the symbol in the EXCHANGE:SYMBOL form accepted by
// history requests.
func (s SymbolInfo) FullSymbol() string {
	return s.Exchange + ":" + s.Symbol
}
