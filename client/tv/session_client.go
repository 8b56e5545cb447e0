// Package tv implements a client for the length-framed websocket protocol
// used by the TradingView data endpoint. The Client runs one fetch cycle
// per call: dial, authenticate, create sessions, resolve the symbol,
// request a series and stream bars until the server reports completion.
package tv

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/tradekit/tvfeed-go/backoff"
	"github.com/tradekit/tvfeed-go/client/tv/internal"
	"github.com/tradekit/tvfeed-go/common"
	"github.com/tradekit/tvfeed-go/config"
	"github.com/tradekit/tvfeed-go/ratelimit"
)

// State represents the lifecycle phase of a fetch cycle.
type State int

const (
	// StateInit means no fetch has been started yet.
	StateInit State = iota

	// StateConnecting means the websocket dial is in progress.
	StateConnecting

	// StateAuthenticating means the auth token is being presented to the
	// server.
	StateAuthenticating

	// StateSessionReady means the chart and quote sessions exist on the
	// server side.
	StateSessionReady

	// StateSymbolResolving means resolve_symbol was sent and the symbol
	// metadata is pending.
	StateSymbolResolving

	// StateSeriesRequested means create_series was sent.
	StateSeriesRequested

	// StateStreaming means bar payloads are being received.
	StateStreaming

	// StateCompleted means the server reported series completion and the
	// fetch finished cleanly.
	StateCompleted

	// StateError means the fetch cycle failed.
	StateError
)

// StateNames contains human-readable names for the connection states.
var StateNames = map[State]string{
	StateInit:            "init",
	StateConnecting:      "connecting",
	StateAuthenticating:  "authenticating",
	StateSessionReady:    "session-ready",
	StateSymbolResolving: "symbol-resolving",
	StateSeriesRequested: "series-requested",
	StateStreaming:       "streaming",
	StateCompleted:       "completed",
	StateError:           "error",
}

func (s State) String() string {
	if name, ok := StateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// quoteFields is the field set subscribed on the quote session. The
// server rejects quote_add_symbols on sessions with no fields.
var quoteFields = []string{
	"ch", "chp", "current_session", "description", "local_description",
	"language", "exchange", "fractional", "is_tradable", "lp", "lp_time",
	"minmov", "minmove2", "original_name", "pricescale", "pro_name",
	"short_name", "type", "update_mode", "volume", "currency_code",
	"rchp", "rtc",
}

// ClientParams contains options for creating a Client. Zero values fall
// back to config.Default().
type ClientParams struct {
	Network     config.Network
	Credentials common.Credentials

	// MaxBars caps the n_bars argument of a history request.
	MaxBars int

	// DefaultBars is used when a request specifies neither a bar count
	// nor a date range.
	DefaultBars int

	// LenientOHLC skips bars violating the OHLC relationship (with a
	// warning) instead of failing the fetch. The default is strict.
	LenientOHLC bool

	// Timezone is passed to switch_timezone; "exchange" means the
	// instrument's home timezone.
	Timezone string

	// AuthManager overrides the default one; only set when testing.
	AuthManager *AuthManager

	// Limiter throttles fetch attempts. Nil disables throttling.
	Limiter *ratelimit.Limiter

	// OnStateChange, if not nil, is called for every state transition.
	// It runs on the fetching goroutine and must not block.
	OnStateChange func(old, new State)

	Logger *zap.Logger
}

// Client fetches historical bars over the websocket protocol. A Client is
// safe for concurrent use; fetches are serialized because every fetch
// owns the whole connection.
type Client struct {
	params ClientParams
	policy backoff.Policy
	log    *zap.Logger

	mtx       sync.Mutex
	authToken string
	state     State
	closed    bool
}

// NewClient creates a Client. No network call is made until the first
// fetch.
func NewClient(params *ClientParams) (*Client, error) {
	p := ClientParams{}
	if params != nil {
		p = *params
	}

	def := config.Default()
	if p.Network.WSURL == "" {
		p.Network = def.Network
	}
	if p.MaxBars <= 0 {
		p.MaxBars = def.Data.MaxBars
	}
	if p.DefaultBars <= 0 {
		p.DefaultBars = def.Data.DefaultBars
	}
	if p.Timezone == "" {
		p.Timezone = def.Data.Timezone
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.AuthManager == nil {
		p.AuthManager = NewAuthManager(&AuthManagerParams{Logger: p.Logger})
	}

	if err := p.Credentials.Validate(); err != nil {
		return nil, &ValidationError{Field: "credentials", Reason: err.Error()}
	}

	return &Client{
		params: p,
		policy: backoff.Policy{
			MaxRetries:        p.Network.MaxRetries,
			BaseDelay:         p.Network.BaseRetryDelay,
			MaxDelay:          p.Network.MaxRetryDelay,
			CumulativeTimeout: p.Network.CumulativeTimeout,
		},
		log:   p.Logger.Named("tv"),
		state: StateInit,
	}, nil
}

// State returns the current fetch lifecycle state.
func (c *Client) State() State {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// setState must be called with c.mtx held.
func (c *Client) setState(state State) {
	if c.state == state {
		return
	}
	old := c.state
	c.state = state
	c.log.Debug("state change",
		zap.Stringer("from", old),
		zap.Stringer("to", state),
	)
	if c.params.OnStateChange != nil {
		c.params.OnStateChange(old, state)
	}
}

// Close marks the client closed. Later fetches fail with ErrClientClosed.
// Safe to call more than once.
func (c *Client) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.closed = true
	return nil
}

// HistoryRequest describes one history fetch. Exactly one of NBars or the
// Start/End pair should be set; with neither, DefaultBars recent bars are
// fetched.
type HistoryRequest struct {
	// Symbol is either a bare ticker ("AAPL") or the qualified form
	// ("NASDAQ:AAPL"). The qualified form wins over Exchange.
	Symbol   string
	Exchange string

	Interval common.Interval

	// NBars requests the most recent N bars.
	NBars int

	// Start and End request all bars in a date range instead.
	Start time.Time
	End   time.Time

	// FutContract selects the Nth continuous futures contract for a bare
	// symbol: 1 is the front month, 2 the next one out.
	FutContract int

	// ExtendedSession includes pre- and post-market data.
	ExtendedSession bool
}

// hasRange reports whether the request uses the date-range form.
func (r HistoryRequest) hasRange() bool {
	return !r.Start.IsZero() || !r.End.IsZero()
}

// GetHist fetches historical bars. All parameters are validated before
// any network traffic; transient failures are retried with exponential
// backoff, each attempt on a fresh connection. Bars come back sorted by
// timestamp ascending with duplicates removed.
func (c *Client) GetHist(ctx context.Context, req HistoryRequest) ([]common.Bar, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return nil, errors.Trace(ErrClientClosed)
	}

	symbol, err := formatSymbol(req.Symbol, req.Exchange, req.FutContract)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if req.Interval == "" {
		req.Interval = common.IntervalDaily
	}
	if err := validateInterval(req.Interval); err != nil {
		return nil, errors.Trace(err)
	}

	var barsSpec interface{}
	switch {
	case req.hasRange():
		if req.NBars != 0 {
			return nil, &ValidationError{
				Field:  "n_bars",
				Reason: "bar count and date range are mutually exclusive",
			}
		}
		if err := validateDateRange(req.Start, req.End); err != nil {
			return nil, errors.Trace(err)
		}
		barsSpec = rangeSpec(req.Start, req.End)
	case req.NBars == 0:
		barsSpec = c.params.DefaultBars
	default:
		if err := validateBarCount(req.NBars, c.params.MaxBars); err != nil {
			return nil, errors.Trace(err)
		}
		barsSpec = req.NBars
	}

	token, err := c.token(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	c.log.Info("fetching history",
		zap.String("symbol", symbol),
		zap.String("interval", string(req.Interval)),
		zap.Any("bars", barsSpec),
	)

	var bars []common.Bar
	retryErr := c.policy.Retry(ctx, c.log, func(ctx context.Context) error {
		if err := c.params.Limiter.Acquire(ctx); err != nil {
			return errors.Trace(err)
		}

		fetched, err := c.fetchOnce(ctx, token, symbol, req, barsSpec)
		if err != nil {
			c.setState(StateError)
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return errors.Trace(err)
		}
		bars = fetched
		return nil
	})
	if retryErr != nil {
		return nil, errors.Trace(retryErr)
	}
	return bars, nil
}

// token authenticates on first use and caches the result for the client's
// lifetime. Must be called with c.mtx held.
func (c *Client) token(ctx context.Context) (string, error) {
	if c.authToken != "" {
		return c.authToken, nil
	}
	token, err := c.params.AuthManager.Authenticate(ctx, c.params.Credentials)
	if err != nil {
		return "", errors.Trace(err)
	}
	c.authToken = token
	return token, nil
}

// rangeSpec builds the server's range form of the bar count argument.
// Endpoints are milliseconds since epoch, both shifted back half an hour
// so the boundary bars are never cut off by session-open alignment.
func rangeSpec(start, end time.Time) string {
	const boundaryShiftMs = 1_800_000
	return fmt.Sprintf("r,%d:%d", start.UnixMilli()-boundaryShiftMs, end.UnixMilli()-boundaryShiftMs)
}

// sessionID generates the random 12-character session suffix the server
// expects, e.g. "qs_1f8ab23cd901".
func sessionID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + raw[:12]
}

// fetchOnce runs one complete fetch cycle on a fresh connection. Server
// session state does not survive the connection, so every attempt repeats
// the full handshake sequence.
func (c *Client) fetchOnce(ctx context.Context, token, symbol string, req HistoryRequest, barsSpec interface{}) ([]common.Bar, error) {
	c.setState(StateConnecting)

	t, err := internal.Dial(ctx, internal.TransportParams{
		URL:              c.params.Network.WSURL,
		Origin:           c.params.Network.Origin,
		HandshakeTimeout: c.params.Network.ConnectTimeout,
		ReadTimeout:      c.params.Network.RecvTimeout,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer t.Close()

	send := func(method string, params []interface{}) error {
		data, err := EncodeCommand(method, params)
		if err != nil {
			return errors.Trace(err)
		}
		sendCtx := ctx
		if c.params.Network.SendTimeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, c.params.Network.SendTimeout)
			defer cancel()
		}
		return errors.Annotatef(t.Send(sendCtx, data), "sending %s", method)
	}

	chartSession := sessionID("cs")
	quoteSession := sessionID("qs")

	c.setState(StateAuthenticating)
	if err := send("set_auth_token", []interface{}{token}); err != nil {
		return nil, err
	}

	if err := send("chart_create_session", []interface{}{chartSession, ""}); err != nil {
		return nil, err
	}
	if err := send("quote_create_session", []interface{}{quoteSession}); err != nil {
		return nil, err
	}

	fieldParams := make([]interface{}, 0, len(quoteFields)+1)
	fieldParams = append(fieldParams, quoteSession)
	for _, f := range quoteFields {
		fieldParams = append(fieldParams, f)
	}
	if err := send("quote_set_fields", fieldParams); err != nil {
		return nil, err
	}
	if err := send("quote_add_symbols", []interface{}{
		quoteSession, symbol, map[string]interface{}{"flags": []string{"force_permission"}},
	}); err != nil {
		return nil, err
	}
	if err := send("quote_fast_symbols", []interface{}{quoteSession, symbol}); err != nil {
		return nil, err
	}
	c.setState(StateSessionReady)

	c.setState(StateSymbolResolving)
	if err := send("resolve_symbol", []interface{}{
		chartSession, "symbol_1", resolveSpec(symbol, req.ExtendedSession),
	}); err != nil {
		return nil, err
	}

	c.setState(StateSeriesRequested)
	if err := send("create_series", []interface{}{
		chartSession, "s1", "s1", "symbol_1", string(req.Interval), barsSpec,
	}); err != nil {
		return nil, err
	}
	if err := send("switch_timezone", []interface{}{chartSession, c.params.Timezone}); err != nil {
		return nil, err
	}

	c.setState(StateStreaming)
	bars, err := c.streamSeries(ctx, t, symbol)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if len(bars) == 0 {
		return nil, errors.Trace(&DataNotFoundError{Symbol: req.Symbol, Exchange: req.Exchange})
	}

	c.setState(StateCompleted)
	return bars, nil
}

// streamSeries reads payloads until the server reports the series
// complete, echoing heartbeats as they arrive.
func (c *Client) streamSeries(ctx context.Context, t *internal.Transport, symbol string) ([]common.Bar, error) {
	parser := NewBarParser(symbol, !c.params.LenientOHLC, c.log)

	// Heartbeats must be echoed verbatim or the server drops the
	// connection; the decoder strips them out of the payload stream.
	decoder := NewDecoder(func(hb string) {
		if err := t.Send(ctx, EncodeFrame(hb)); err != nil {
			c.log.Warn("heartbeat echo failed", zap.Error(err))
		}
	})

	var bars []common.Bar
	for {
		data, err := t.Recv(ctx)
		if err != nil {
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				return nil, &TimeoutError{Op: "recv", Timeout: c.params.Network.RecvTimeout}
			}
			return nil, errors.Annotatef(err, "streaming series")
		}

		payloads, err := decoder.Decode(data)
		if err != nil {
			return nil, errors.Trace(err)
		}

		for _, payload := range payloads {
			parsed, method, err := parser.Parse(payload)
			if err != nil {
				return nil, errors.Trace(err)
			}
			bars = append(bars, parsed...)

			switch method {
			case methodSeriesCompleted:
				return finalizeBars(bars), nil
			case methodSymbolError:
				return nil, errors.Trace(&DataNotFoundError{Symbol: symbol})
			case methodCriticalError, methodProtocolError:
				return nil, errors.Errorf("server reported %s", method)
			}
		}
	}
}

// finalizeBars sorts by timestamp ascending and collapses duplicate
// timestamps, keeping the later revision.
func finalizeBars(bars []common.Bar) []common.Bar {
	if len(bars) == 0 {
		return nil
	}
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp < bars[j].Timestamp
	})
	out := bars[:0]
	for _, b := range bars {
		if len(out) > 0 && out[len(out)-1].Timestamp == b.Timestamp {
			out[len(out)-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

// resolveSpec builds the resolve_symbol argument. The leading "=" selects
// split-adjusted pricing on the requested session type.
func resolveSpec(symbol string, extended bool) string {
	session := "regular"
	if extended {
		session = "extended"
	}
	spec, _ := json.Marshal(struct {
		Symbol     string `json:"symbol"`
		Adjustment string `json:"adjustment"`
		Session    string `json:"session"`
	}{Symbol: symbol, Adjustment: "splits", Session: session})
	return "=" + string(spec)
}
