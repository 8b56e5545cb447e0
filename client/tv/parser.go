package tv

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/tradekit/tvfeed-go/common"
)

// Server methods the client acts on while streaming a series.
const (
	methodTimescaleUpdate = "timescale_update"
	methodSeriesCompleted = "series_completed"
	methodSymbolError     = "symbol_error"
	methodCriticalError   = "critical_error"
	methodProtocolError   = "protocol_error"
)

// serverMessage is the envelope of every non-heartbeat payload the server
// sends: a method name and positional params.
type serverMessage struct {
	Method string            `json:"m"`
	Params []json.RawMessage `json:"p"`
}

// seriesUpdate is the second param of a timescale_update message. The
// series key ("s1") matches the id used in create_series.
type seriesUpdate map[string]struct {
	Series []struct {
		Index  int       `json:"i"`
		Values []float64 `json:"v"`
	} `json:"s"`
}

// BarParser extracts OHLCV bars from decoded payloads. In strict mode a
// malformed bar aborts the whole parse; in lenient mode it is skipped with
// a warning.
type BarParser struct {
	symbol string
	strict bool
	log    *zap.Logger
}

// NewBarParser creates a parser that stamps extracted bars with symbol.
func NewBarParser(symbol string, strict bool, log *zap.Logger) *BarParser {
	if log == nil {
		log = zap.NewNop()
	}
	return &BarParser{symbol: symbol, strict: strict, log: log.Named("parser")}
}

// Parse inspects a single decoded payload. It returns the bars carried by
// a timescale_update, nil for any other payload, and an error only on a
// malformed bar in strict mode. The payload method is returned so the
// caller can react to series_completed and error methods.
func (p *BarParser) Parse(payload string) ([]common.Bar, string, error) {
	var msg serverMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		// Not every payload is a method envelope; session keepalives and
		// raw ints pass through here. They carry no bars.
		return nil, "", nil
	}
	if msg.Method != methodTimescaleUpdate || len(msg.Params) < 2 {
		return nil, msg.Method, nil
	}

	var update seriesUpdate
	if err := json.Unmarshal(msg.Params[1], &update); err != nil {
		if p.strict {
			return nil, msg.Method, &ValidationError{
				Field:  "timescale_update",
				Reason: "unparseable series payload",
			}
		}
		p.log.Warn("skipping unparseable series payload", zap.Error(err))
		return nil, msg.Method, nil
	}

	var bars []common.Bar
	for _, series := range update {
		for _, point := range series.Series {
			bar, err := p.barFromValues(point.Values)
			if err != nil {
				if p.strict {
					return nil, msg.Method, err
				}
				p.log.Warn("skipping malformed bar",
					zap.Int("index", point.Index),
					zap.Error(err),
				)
				continue
			}
			bars = append(bars, bar)
		}
	}
	return bars, msg.Method, nil
}

// barFromValues maps the positional value array [timestamp, open, high,
// low, close, volume] to a Bar. Volume is optional; instruments without
// volume report five values and get zero.
func (p *BarParser) barFromValues(values []float64) (common.Bar, error) {
	if len(values) < 5 {
		return common.Bar{}, &ValidationError{
			Field:  "bar",
			Reason: "expected at least 5 values (timestamp and OHLC)",
		}
	}
	bar := common.Bar{
		Symbol:    p.symbol,
		Timestamp: int64(values[0]),
		Open:      values[1],
		High:      values[2],
		Low:       values[3],
		Close:     values[4],
	}
	if len(values) > 5 {
		bar.Volume = values[5]
	}
	// The invariant always holds for delivered bars; strict mode turns a
	// violation into an error, lenient mode drops the bar (with a warning
	// from the caller).
	if err := bar.Validate(); err != nil {
		return common.Bar{}, &InvalidOHLCError{
			Open: bar.Open, High: bar.High, Low: bar.Low, Close: bar.Close,
		}
	}
	return bar, nil
}
