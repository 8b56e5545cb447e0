package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradekit/tvfeed-go/client/tv"
	"github.com/tradekit/tvfeed-go/common"
	"github.com/tradekit/tvfeed-go/config"
)

// fakeFetcher serves a scripted, growing bar history. Each GetHist
// returns the newest NBars bars.
type fakeFetcher struct {
	mtx    sync.Mutex
	bars   []common.Bar
	fail   int
	calls  int
	closed bool

	// stall, when set, blocks every GetHist until the channel closes,
	// ignoring ctx the way a socket read stuck before its deadline would.
	stall   chan struct{}
	stalled int32
}

func (f *fakeFetcher) GetHist(ctx context.Context, req tv.HistoryRequest) ([]common.Bar, error) {
	f.mtx.Lock()
	stall := f.stall
	f.mtx.Unlock()
	if stall != nil {
		atomic.AddInt32(&f.stalled, 1)
		<-stall
	}

	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.calls++
	if f.fail > 0 {
		f.fail--
		return nil, errors.New("transient fetch failure")
	}
	n := req.NBars
	if n > len(f.bars) {
		n = len(f.bars)
	}
	out := make([]common.Bar, n)
	copy(out, f.bars[len(f.bars)-n:])
	return out, nil
}

func (f *fakeFetcher) Close() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFetcher) append(bar common.Bar) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.bars = append(f.bars, bar)
}

func bar(ts int64) common.Bar {
	return common.Bar{Symbol: "BINANCE:BTCUSDT", Timestamp: ts, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}
}

func testKey() SeisKey {
	return SeisKey{Symbol: "BTCUSDT", Exchange: "BINANCE", Interval: common.Interval1Minute}
}

func fastConfig() config.Feed {
	cfg := config.Default().Feed
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RetryLimit = 3
	cfg.RetrySleep = time.Millisecond
	cfg.ConsumerStopTimeout = time.Second
	cfg.ShutdownTimeout = 250 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, f *fakeFetcher) *Engine {
	e, err := NewEngine(&EngineParams{
		Client: f,
		Config: fastConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestAddSymbolDeduplicates(t *testing.T) {
	e := newTestEngine(t, &fakeFetcher{})

	s1, err := e.AddSymbol(testKey(), time.Second)
	require.NoError(t, err)
	s2, err := e.AddSymbol(testKey(), time.Second)
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	other := testKey()
	other.Interval = common.IntervalDaily
	s3, err := e.AddSymbol(other, time.Second)
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
}

func TestFanOutDeliversToAllConsumersOnce(t *testing.T) {
	f := &fakeFetcher{bars: []common.Bar{bar(100), bar(160)}}
	e := newTestEngine(t, f)

	var got1, got2 int32
	_, err := e.AddConsumer(testKey(), func(key SeisKey, b common.Bar) error {
		assert.Equal(t, testKey(), key)
		atomic.AddInt32(&got1, 1)
		return nil
	}, time.Second)
	require.NoError(t, err)
	_, err = e.AddConsumer(testKey(), func(SeisKey, common.Bar) error {
		atomic.AddInt32(&got2, 1)
		return nil
	}, time.Second)
	require.NoError(t, err)

	// The newest bar arrives once at each consumer despite many polls.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&got1) == 1 && atomic.LoadInt32(&got2) == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&got1))
	assert.Equal(t, int32(1), atomic.LoadInt32(&got2))

	// A genuinely newer bar goes out again.
	f.append(bar(220))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&got1) == 2 && atomic.LoadInt32(&got2) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFailingCallbackDetachesOnlyItself(t *testing.T) {
	f := &fakeFetcher{bars: []common.Bar{bar(100), bar(160)}}
	e := newTestEngine(t, f)

	var healthy int32
	bad, err := e.AddConsumer(testKey(), func(SeisKey, common.Bar) error {
		return errors.New("cannot handle this bar")
	}, time.Second)
	require.NoError(t, err)
	_, err = e.AddConsumer(testKey(), func(SeisKey, common.Bar) error {
		atomic.AddInt32(&healthy, 1)
		return nil
	}, time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !bad.alive() }, 2*time.Second, 5*time.Millisecond)

	f.append(bar(220))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&healthy) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPanickingCallbackContained(t *testing.T) {
	f := &fakeFetcher{bars: []common.Bar{bar(100), bar(160)}}
	e := newTestEngine(t, f)

	c, err := e.AddConsumer(testKey(), func(SeisKey, common.Bar) error {
		panic("boom")
	}, time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !c.alive() }, 2*time.Second, 5*time.Millisecond)
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	f := &fakeFetcher{bars: []common.Bar{bar(100), bar(160)}, fail: 2}
	e := newTestEngine(t, f)

	var got int32
	_, err := e.AddConsumer(testKey(), func(SeisKey, common.Bar) error {
		atomic.AddInt32(&got, 1)
		return nil
	}, time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&got) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDelConsumerStopsDelivery(t *testing.T) {
	f := &fakeFetcher{bars: []common.Bar{bar(100), bar(160)}}
	e := newTestEngine(t, f)

	var got int32
	c, err := e.AddConsumer(testKey(), func(SeisKey, common.Bar) error {
		atomic.AddInt32(&got, 1)
		return nil
	}, time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.DelConsumer(testKey(), c, time.Second))
	assert.False(t, c.alive())

	f.append(bar(220))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&got))

	// Detaching twice reports the consumer as gone.
	err = e.DelConsumer(testKey(), c, time.Second)
	assert.Equal(t, ErrConsumerNotFound, errors.Cause(err))
}

func TestDelSymbol(t *testing.T) {
	e := newTestEngine(t, &fakeFetcher{})

	key := testKey()
	c, err := e.AddConsumer(key, func(SeisKey, common.Bar) error { return nil }, time.Second)
	require.NoError(t, err)

	require.NoError(t, e.DelSymbol(key, time.Second))
	assert.False(t, c.alive())

	err = e.DelSymbol(key, time.Second)
	assert.Equal(t, ErrSeisNotFound, errors.Cause(err))
}

func TestLockTimeout(t *testing.T) {
	mock := clock.NewMock()
	e, err := NewEngine(&EngineParams{
		Client: &fakeFetcher{},
		Config: fastConfig(),
		Clock:  mock,
	})
	require.NoError(t, err)
	defer e.Close()

	// Hold the registry lock so AddSymbol has to wait.
	e.lock <- struct{}{}
	defer e.release()

	errCh := make(chan error, 1)
	go func() {
		_, err := e.AddSymbol(testKey(), time.Second)
		errCh <- err
	}()

	// Let the goroutine reach the timer before advancing the clock.
	time.Sleep(20 * time.Millisecond)
	mock.Add(2 * time.Second)

	select {
	case err := <-errCh:
		assert.Equal(t, ErrLockTimeout, errors.Cause(err))
	case <-time.After(2 * time.Second):
		t.Fatal("AddSymbol never returned")
	}
}

func TestLockTimeoutNegativeBlocks(t *testing.T) {
	e := newTestEngine(t, &fakeFetcher{})

	e.lock <- struct{}{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := e.AddSymbol(testKey(), -1)
		assert.NoError(t, err)
	}()

	select {
	case <-done:
		t.Fatal("AddSymbol returned while the lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	e.release()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("AddSymbol never acquired the freed lock")
	}
}

func TestCloseIsIdempotentAndStopsEverything(t *testing.T) {
	f := &fakeFetcher{bars: []common.Bar{bar(100), bar(160)}}
	e := newTestEngine(t, f)

	var got int32
	c, err := e.AddConsumer(testKey(), func(SeisKey, common.Bar) error {
		atomic.AddInt32(&got, 1)
		return nil
	}, time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.False(t, c.alive())
	f.mtx.Lock()
	assert.True(t, f.closed)
	f.mtx.Unlock()

	// The registry refuses new work after close.
	_, err = e.AddSymbol(testKey(), time.Second)
	assert.Equal(t, ErrEngineClosed, errors.Cause(err))

	f.append(bar(220))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&got))
}

func TestCloseBoundedByStuckPoll(t *testing.T) {
	stall := make(chan struct{})
	f := &fakeFetcher{bars: []common.Bar{bar(100), bar(160)}, stall: stall}
	defer close(stall)

	e := newTestEngine(t, f)
	_, err := e.AddSymbol(testKey(), time.Second)
	require.NoError(t, err)

	// Wait until the poll loop is stuck inside the fetch.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&f.stalled) > 0
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, e.Close())

	// ShutdownTimeout is 250ms in fastConfig; the stuck fetch must not
	// hold Close hostage much past that.
	assert.Less(t, time.Since(start), 2*time.Second)
	f.mtx.Lock()
	assert.True(t, f.closed)
	f.mtx.Unlock()
}
