// Package feed implements a polling live feed on top of the history
// client: symbols are registered as seises (symbol-exchange-interval
// triples), each with any number of consumers that receive new bars as
// they appear.
package feed

import (
	"fmt"
	"math"
	"sync"

	"github.com/tradekit/tvfeed-go/common"
)

// SeisKey identifies a seis. Two registrations with the same key refer
// to the same stream.
type SeisKey struct {
	Symbol   string
	Exchange string
	Interval common.Interval
}

func (k SeisKey) String() string {
	return fmt.Sprintf("%s:%s@%s", k.Exchange, k.Symbol, k.Interval)
}

// Seis is one registered symbol-exchange-interval stream. It remembers
// the newest bar timestamp it has delivered and fans fresh bars out to
// its consumers.
type Seis struct {
	key SeisKey

	mtx           sync.Mutex
	lastTimestamp int64
	consumers     []*Consumer
}

func newSeis(key SeisKey) *Seis {
	return &Seis{
		key: key,

		// Any real timestamp counts as new for a fresh seis.
		lastTimestamp: math.MinInt64,
	}
}

// Key returns the identity of the seis.
func (s *Seis) Key() SeisKey { return s.key }

// Push delivers bar to all live consumers if it is strictly newer than
// anything delivered before. Re-sends of the current bar, including
// revisions with the same timestamp, are dropped. Dead consumers are
// pruned on the way. Reports whether the bar was delivered.
func (s *Seis) Push(bar common.Bar) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if bar.Timestamp <= s.lastTimestamp {
		return false
	}
	s.lastTimestamp = bar.Timestamp

	live := s.consumers[:0]
	for _, c := range s.consumers {
		if !c.alive() {
			continue
		}
		live = append(live, c)
		c.put(bar)
	}
	s.consumers = live
	return true
}

// attach registers a consumer for fan-out.
func (s *Seis) attach(c *Consumer) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.consumers = append(s.consumers, c)
}

// detach removes a consumer. Reports whether it was attached.
func (s *Seis) detach(c *Consumer) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for i, attached := range s.consumers {
		if attached == c {
			s.consumers = append(s.consumers[:i], s.consumers[i+1:]...)
			return true
		}
	}
	return false
}

// consumerCount returns the number of attached consumers, dead ones
// included until the next Push prunes them.
func (s *Seis) consumerCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.consumers)
}

// snapshot returns the attached consumers for shutdown.
func (s *Seis) snapshot() []*Consumer {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]*Consumer, len(s.consumers))
	copy(out, s.consumers)
	return out
}
