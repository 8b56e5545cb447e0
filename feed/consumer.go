package feed

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradekit/tvfeed-go/common"
)

// Callback handles one bar on the consumer's goroutine. Returning an
// error detaches the consumer; other consumers of the same seis are not
// affected.
type Callback func(key SeisKey, bar common.Bar) error

// Consumer receives the bars of one seis on its own goroutine through a
// bounded queue. A slow consumer loses bars rather than stalling the
// feed.
type Consumer struct {
	id  string
	key SeisKey
	cb  Callback
	log *zap.Logger

	queue chan common.Bar
	stop  chan struct{}
	done  chan struct{}

	stopOnce sync.Once
}

func newConsumer(key SeisKey, cb Callback, queueSize int, log *zap.Logger) *Consumer {
	if queueSize <= 0 {
		queueSize = 1
	}
	c := &Consumer{
		id:    strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		key:   key,
		cb:    cb,
		queue: make(chan common.Bar, queueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	c.log = log.Named("consumer").With(
		zap.String("id", c.id),
		zap.Stringer("seis", key),
	)
	go c.run()
	return c
}

// ID returns the consumer's short random identifier, useful in logs.
func (c *Consumer) ID() string { return c.id }

// run drains the queue until stopped or until the callback fails. A
// panicking callback is contained here so it can only take down its own
// consumer.
func (c *Consumer) run() {
	defer close(c.done)
	c.log.Debug("consumer started")

	for {
		select {
		case bar := <-c.queue:
			if err := c.invoke(bar); err != nil {
				c.log.Error("callback failed, detaching consumer", zap.Error(err))
				return
			}
		case <-c.stop:
			c.log.Debug("consumer stopped")
			return
		}
	}
}

func (c *Consumer) invoke(bar common.Bar) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackPanicError{ConsumerID: c.id, Value: r}
		}
	}()
	return c.cb(c.key, bar)
}

// put enqueues a bar without blocking. A full queue drops the bar with a
// warning.
func (c *Consumer) put(bar common.Bar) {
	select {
	case c.queue <- bar:
	default:
		c.log.Warn("queue full, dropping bar", zap.Int64("timestamp", bar.Timestamp))
	}
}

// Stop signals the consumer goroutine and waits up to timeout for it to
// drain. Safe to call more than once.
func (c *Consumer) Stop(clk clock.Clock, timeout time.Duration) {
	c.stopOnce.Do(func() { close(c.stop) })

	timer := clk.Timer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		c.log.Warn("consumer did not stop in time", zap.Duration("timeout", timeout))
	}
}

// alive reports whether the consumer goroutine is still running.
func (c *Consumer) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}
