package tv

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/tradekit/tvfeed-go/common"
)

// DefaultSearchURL is the symbol search endpoint.
const DefaultSearchURL = "https://symbol-search.tradingview.com/symbol_search/"

// SearchParams contains options for symbol search.
type SearchParams struct {
	// URL overrides the production endpoint; only set when testing.
	URL string

	// Timeout bounds the HTTP request. Defaults to 10 seconds.
	Timeout time.Duration
}

// SearchSymbols queries the symbol search endpoint for instruments
// matching text, optionally restricted to one exchange. No authentication
// is needed. Matched fragments come back wrapped in <em> highlight tags,
// which are stripped before decoding.
func SearchSymbols(ctx context.Context, text, exchange string, params *SearchParams, log *zap.Logger) ([]common.SymbolInfo, error) {
	p := SearchParams{}
	if params != nil {
		p = *params
	}
	if p.URL == "" {
		p.URL = DefaultSearchURL
	}
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	if strings.TrimSpace(text) == "" {
		return nil, &ValidationError{Field: "text", Reason: "search text must not be empty"}
	}

	query := url.Values{
		"text":   {strings.TrimSpace(text)},
		"hl":     {"1"},
		"lang":   {"en"},
		"domain": {"production"},
	}
	if exchange != "" {
		query.Set("exchange", strings.ToUpper(exchange))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	httpClient := &http.Client{Timeout: p.Timeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, errors.Annotatef(err, "symbol search")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("symbol search: HTTP %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cleaned := strings.NewReplacer("<em>", "", "</em>", "").Replace(string(body))

	var raw []struct {
		Symbol      string `json:"symbol"`
		Exchange    string `json:"exchange"`
		Description string `json:"description"`
		Type        string `json:"type"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, errors.Annotatef(err, "decoding symbol search response")
	}

	results := make([]common.SymbolInfo, 0, len(raw))
	for _, r := range raw {
		results = append(results, common.SymbolInfo{
			Symbol:      r.Symbol,
			Exchange:    r.Exchange,
			Description: r.Description,
			Type:        r.Type,
		})
	}
	log.Debug("symbol search done", zap.String("text", text), zap.Int("results", len(results)))
	return results, nil
}
