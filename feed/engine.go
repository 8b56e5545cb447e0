package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/tradekit/tvfeed-go/client/tv"
	"github.com/tradekit/tvfeed-go/common"
	"github.com/tradekit/tvfeed-go/config"
)

var (
	// ErrLockTimeout means the registry lock could not be acquired within
	// the caller's budget. The registry was not modified.
	ErrLockTimeout = errors.New("feed: timed out acquiring registry lock")

	// ErrEngineClosed means the engine was shut down.
	ErrEngineClosed = errors.New("feed: engine is closed")

	// ErrSeisNotFound means no seis with the given key is registered.
	ErrSeisNotFound = errors.New("feed: seis not registered")

	// ErrConsumerNotFound means the consumer is not attached to the seis.
	ErrConsumerNotFound = errors.New("feed: consumer not attached")
)

// CallbackPanicError wraps a panic recovered from a consumer callback.
type CallbackPanicError struct {
	ConsumerID string
	Value      interface{}
}

func (e *CallbackPanicError) Error() string {
	return fmt.Sprintf("consumer %s callback panicked: %v", e.ConsumerID, e.Value)
}

// Fetcher is the slice of the history client the engine needs. *tv.Client
// satisfies it.
type Fetcher interface {
	GetHist(ctx context.Context, req tv.HistoryRequest) ([]common.Bar, error)
	Close() error
}

var _ Fetcher = (*tv.Client)(nil)

// EngineParams contains options for creating an Engine.
type EngineParams struct {
	// Client fetches bars. The engine owns it and closes it on shutdown.
	Client Fetcher

	Config config.Feed

	// Clock is swapped for a mock in tests. Defaults to the real clock.
	Clock clock.Clock

	Logger *zap.Logger
}

// Engine polls the newest bars for every registered seis and fans them
// out to consumers. One goroutine does all the polling; per-consumer
// goroutines do the delivery.
type Engine struct {
	client Fetcher
	cfg    config.Feed
	clk    clock.Clock
	log    *zap.Logger

	// lock serializes registry access between callers and the poll loop.
	// Sending acquires, receiving releases.
	lock     chan struct{}
	registry map[SeisKey]*Seis

	loopCancel context.CancelFunc
	loopDone   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewEngine creates an Engine and starts its poll loop.
func NewEngine(params *EngineParams) (*Engine, error) {
	p := EngineParams{}
	if params != nil {
		p = *params
	}
	if p.Client == nil {
		return nil, errors.New("feed: client is required")
	}
	def := config.Default().Feed
	if p.Config.PollInterval <= 0 {
		p.Config.PollInterval = def.PollInterval
	}
	if p.Config.RetryLimit <= 0 {
		p.Config.RetryLimit = def.RetryLimit
	}
	if p.Config.ConsumerQueueSize <= 0 {
		p.Config.ConsumerQueueSize = def.ConsumerQueueSize
	}
	if p.Config.ConsumerStopTimeout <= 0 {
		p.Config.ConsumerStopTimeout = def.ConsumerStopTimeout
	}
	if p.Config.ShutdownTimeout <= 0 {
		p.Config.ShutdownTimeout = def.ShutdownTimeout
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		client: p.Client,
		cfg:    p.Config,
		clk:    p.Clock,
		log:    p.Logger.Named("feed"),

		lock:     make(chan struct{}, 1),
		registry: make(map[SeisKey]*Seis),

		loopCancel: cancel,
		loopDone:   make(chan struct{}),
		closed:     make(chan struct{}),
	}
	go e.pollLoop(ctx)
	return e, nil
}

// acquire takes the registry lock within timeout. A negative timeout
// waits forever.
func (e *Engine) acquire(timeout time.Duration) error {
	select {
	case <-e.closed:
		return errors.Trace(ErrEngineClosed)
	default:
	}

	if timeout < 0 {
		e.lock <- struct{}{}
		return nil
	}

	timer := e.clk.Timer(timeout)
	defer timer.Stop()
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-timer.C:
		return errors.Trace(ErrLockTimeout)
	}
}

func (e *Engine) release() {
	<-e.lock
}

// AddSymbol registers a seis. Registering the same key twice returns the
// existing seis, so consumers attached through either handle share one
// stream. The timeout bounds waiting for the registry lock; negative
// waits forever, expiry returns ErrLockTimeout and changes nothing.
func (e *Engine) AddSymbol(key SeisKey, timeout time.Duration) (*Seis, error) {
	if err := e.acquire(timeout); err != nil {
		return nil, errors.Trace(err)
	}
	defer e.release()

	if s, ok := e.registry[key]; ok {
		return s, nil
	}
	s := newSeis(key)
	e.registry[key] = s
	e.log.Info("seis registered", zap.Stringer("seis", key))
	return s, nil
}

// DelSymbol unregisters a seis and stops all its consumers.
func (e *Engine) DelSymbol(key SeisKey, timeout time.Duration) error {
	if err := e.acquire(timeout); err != nil {
		return errors.Trace(err)
	}

	s, ok := e.registry[key]
	if ok {
		delete(e.registry, key)
	}
	e.release()

	if !ok {
		return errors.Trace(ErrSeisNotFound)
	}
	for _, c := range s.snapshot() {
		c.Stop(e.clk, e.cfg.ConsumerStopTimeout)
	}
	e.log.Info("seis unregistered", zap.Stringer("seis", key))
	return nil
}

// AddConsumer attaches a callback to a seis, registering the seis first
// if needed. The callback runs on a dedicated goroutine.
func (e *Engine) AddConsumer(key SeisKey, cb Callback, timeout time.Duration) (*Consumer, error) {
	s, err := e.AddSymbol(key, timeout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c := newConsumer(key, cb, e.cfg.ConsumerQueueSize, e.log)
	s.attach(c)
	e.log.Info("consumer attached",
		zap.Stringer("seis", key),
		zap.String("consumer", c.ID()),
	)
	return c, nil
}

// DelConsumer detaches and stops a consumer. The seis stays registered
// even with no consumers left.
func (e *Engine) DelConsumer(key SeisKey, c *Consumer, timeout time.Duration) error {
	if err := e.acquire(timeout); err != nil {
		return errors.Trace(err)
	}
	s, ok := e.registry[key]
	e.release()

	if !ok {
		return errors.Trace(ErrSeisNotFound)
	}
	if !s.detach(c) {
		return errors.Trace(ErrConsumerNotFound)
	}
	c.Stop(e.clk, e.cfg.ConsumerStopTimeout)
	return nil
}

// pollLoop wakes every PollInterval, fetches the newest bar for each
// registered seis and pushes it. Fetches run sequentially; the client
// serializes them anyway.
func (e *Engine) pollLoop(ctx context.Context) {
	defer close(e.loopDone)

	ticker := e.clk.Ticker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, s := range e.seises() {
			if ctx.Err() != nil {
				return
			}
			bar, err := e.fetchLatest(ctx, s.Key())
			if err != nil {
				e.log.Error("giving up on seis this round",
					zap.Stringer("seis", s.Key()),
					zap.Error(err),
				)
				continue
			}
			if s.Push(bar) {
				e.log.Debug("bar delivered",
					zap.Stringer("seis", s.Key()),
					zap.Int64("timestamp", bar.Timestamp),
				)
			}
		}
	}
}

// seises snapshots the registry so the lock is never held across fetches.
func (e *Engine) seises() []*Seis {
	e.lock <- struct{}{}
	defer e.release()
	out := make([]*Seis, 0, len(e.registry))
	for _, s := range e.registry {
		out = append(out, s)
	}
	return out
}

// fetchLatest asks for the two newest bars and returns the most recent
// one. Two bars because the newest may still be forming; pushing it
// repeatedly is harmless since Push drops stale timestamps. Transient
// fetch errors are retried up to the configured limit.
func (e *Engine) fetchLatest(ctx context.Context, key SeisKey) (common.Bar, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.RetryLimit; attempt++ {
		if attempt > 0 {
			e.clk.Sleep(e.cfg.RetrySleep)
		}
		bars, err := e.client.GetHist(ctx, tv.HistoryRequest{
			Symbol:   key.Symbol,
			Exchange: key.Exchange,
			Interval: key.Interval,
			NBars:    2,
		})
		if err != nil {
			lastErr = err
			continue
		}
		if len(bars) == 0 {
			lastErr = errors.New("no bars returned")
			continue
		}
		return bars[len(bars)-1], nil
	}
	return common.Bar{}, errors.Annotatef(lastErr, "after %d attempts", e.cfg.RetryLimit)
}

// Close shuts the engine down: the poll loop first, then every consumer,
// then the client. Safe to call more than once.
func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		close(e.closed)

		e.loopCancel()

		// The loop may be stuck in a fetch that ignores cancellation
		// until its read deadline; don't let it hold up the rest of the
		// shutdown.
		timer := e.clk.Timer(e.cfg.ShutdownTimeout)
		select {
		case <-e.loopDone:
			timer.Stop()
		case <-timer.C:
			e.log.Warn("poll loop did not stop in time, abandoning it",
				zap.Duration("timeout", e.cfg.ShutdownTimeout),
			)
		}

		e.lock <- struct{}{}
		seises := make([]*Seis, 0, len(e.registry))
		for _, s := range e.registry {
			seises = append(seises, s)
		}
		e.registry = make(map[SeisKey]*Seis)
		e.release()

		for _, s := range seises {
			for _, c := range s.snapshot() {
				c.Stop(e.clk, e.cfg.ConsumerStopTimeout)
			}
		}

		closeErr = errors.Trace(e.client.Close())
		e.log.Info("feed engine closed")
	})
	return closeErr
}
