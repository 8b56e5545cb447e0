package tv

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tradekit/tvfeed-go/common"
)

// symbolPattern matches a bare ticker or exchange name: 1 to 20 uppercase
// letters and digits. Inputs are uppercased before matching.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,20}$`)

func validateSymbol(symbol string) error {
	if !symbolPattern.MatchString(strings.ToUpper(symbol)) {
		return &ValidationError{
			Field:  "symbol",
			Value:  symbol,
			Reason: "must be 1-20 alphanumeric characters",
		}
	}
	return nil
}

func validateExchange(exchange string) error {
	if !symbolPattern.MatchString(strings.ToUpper(exchange)) {
		return &ValidationError{
			Field:  "exchange",
			Value:  exchange,
			Reason: "must be 1-20 alphanumeric characters",
		}
	}
	return nil
}

func validateBarCount(n, max int) error {
	if n < 1 || n > max {
		return &ValidationError{
			Field:  "n_bars",
			Value:  fmt.Sprintf("%d", n),
			Reason: fmt.Sprintf("must be between 1 and %d", max),
		}
	}
	return nil
}

// minRangeStart is the earliest date the history endpoint serves.
var minRangeStart = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func validateDateRange(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return &ValidationError{Field: "date_range", Reason: "start and end must both be set"}
	}
	if start.Before(minRangeStart) {
		return &ValidationError{
			Field:  "date_range",
			Value:  start.Format(time.RFC3339),
			Reason: "start predates available history (2000-01-01)",
		}
	}
	if !start.Before(end) {
		return &ValidationError{
			Field:  "date_range",
			Value:  fmt.Sprintf("%s..%s", start.Format(time.RFC3339), end.Format(time.RFC3339)),
			Reason: "start must be before end",
		}
	}
	if end.After(time.Now()) {
		return &ValidationError{
			Field:  "date_range",
			Value:  end.Format(time.RFC3339),
			Reason: "end is in the future",
		}
	}
	return nil
}

// formatSymbol normalizes user input to the exchange-qualified form the
// server expects. "EXCHANGE:SYMBOL" passes through uppercased; a bare
// symbol is joined with the exchange argument. A positive futContract
// selects the Nth continuous futures contract ("NYMEX:CL" + 1 becomes
// "NYMEX:CL1!"); it is ignored for already-qualified symbols.
func formatSymbol(symbol, exchange string, futContract int) (string, error) {
	if futContract < 0 {
		return "", &ValidationError{
			Field:  "fut_contract",
			Value:  fmt.Sprintf("%d", futContract),
			Reason: "must be positive",
		}
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	exchange = strings.ToUpper(strings.TrimSpace(exchange))

	if strings.Contains(symbol, ":") {
		parts := strings.SplitN(symbol, ":", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", &ValidationError{
				Field:  "symbol",
				Value:  symbol,
				Reason: "qualified form must be EXCHANGE:SYMBOL",
			}
		}
		if err := validateExchange(parts[0]); err != nil {
			return "", err
		}
		// Continuous-contract tickers carry a trailing "!" ("NYMEX:CL1!").
		if err := validateSymbol(strings.TrimSuffix(parts[1], "!")); err != nil {
			return "", err
		}
		return symbol, nil
	}

	if err := validateSymbol(symbol); err != nil {
		return "", err
	}
	if err := validateExchange(exchange); err != nil {
		return "", err
	}
	if futContract > 0 {
		return fmt.Sprintf("%s:%s%d!", exchange, symbol, futContract), nil
	}
	return exchange + ":" + symbol, nil
}

func validateInterval(interval common.Interval) error {
	if !interval.Valid() {
		return &ValidationError{
			Field:  "interval",
			Value:  string(interval),
			Reason: "unknown interval",
		}
	}
	return nil
}
