package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker trips after enough recent failures within a rolling window
// and then refuses further attempts until halfOpenAfter has passed, at which
// point it lets a small number of probe attempts through before deciding
// whether to close again. It is built for gating repeated restart attempts
// against a single misbehaving worker, not for request-level traffic.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int

	state          breakerState
	openedAt       time.Time
	window         *slidingWindow
	halfOpenProbes int
}

// NewCircuitBreaker builds a breaker over a rolling window of windowSize
// split into buckets. It opens once at least minSamples outcomes have
// landed in the window and the failure rate reaches failureRateOpen.
func NewCircuitBreaker(windowSize time.Duration, buckets, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	return &CircuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   failureRateOpen,
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
		window:            newSlidingWindow(windowSize, buckets),
	}
}

// Allow reports whether an attempt may proceed right now, advancing an open
// breaker to half-open once its cool-down has elapsed.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) < c.halfOpenAfter {
			return false
		}
		c.state = stateHalfOpen
		c.halfOpenProbes = 0
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordResult reports the outcome of an attempt Allow just approved.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)

	switch c.state {
	case stateClosed:
		total, failures := c.window.stats()
		if total >= c.minSamples && float64(failures)/float64(total) >= c.failureRateOpen {
			c.trip()
		}
	case stateHalfOpen:
		if !success {
			c.trip()
		} else if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
	}
}

func (c *CircuitBreaker) trip() {
	c.state = stateOpen
	c.openedAt = time.Now()
	counter, _ := otel.GetMeterProvider().Meter("controller-core").Int64Counter("controller_resilience_circuit_open_total")
	counter.Add(context.Background(), 1)
}

func (c *CircuitBreaker) reset() {
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	counter, _ := otel.GetMeterProvider().Meter("controller-core").Int64Counter("controller_resilience_circuit_closed_total")
	counter.Add(context.Background(), 1)
}

// slidingWindow buckets success/failure counts by fixed-size time interval,
// so old outcomes age out of the window without a separate sweep pass.
type slidingWindow struct {
	buckets  int
	interval time.Duration
	data     []bucket
}

type bucket struct {
	epoch         int64 // interval number the counts belong to
	success, fail int
}

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
	}
}

func (w *slidingWindow) epoch(t time.Time) int64 {
	return t.UnixNano() / w.interval.Nanoseconds()
}

// add records one outcome, clearing the target bucket first if its interval
// has rolled over, since any count left there is stale.
func (w *slidingWindow) add(success bool) {
	ep := w.epoch(time.Now())
	idx := int(ep % int64(w.buckets))
	if w.data[idx].epoch != ep {
		w.data[idx] = bucket{epoch: ep}
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total, failures int) {
	oldest := w.epoch(time.Now()) - int64(w.buckets) + 1
	for _, b := range w.data {
		if b.epoch < oldest {
			continue
		}
		total += b.success + b.fail
		failures += b.fail
	}
	return total, failures
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
