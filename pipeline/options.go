package pipeline

import "github.com/sirupsen/logrus"

// BusyPolicy decides what happens to a trigger that arrives while a frame is
// still in flight.
type BusyPolicy int

const (
	// BusyDefer queues the request; it starts on a later Tick.
	BusyDefer BusyPolicy = iota
	// BusyDrop discards the request.
	BusyDrop
)

func (p BusyPolicy) String() string {
	if p == BusyDrop {
		return "drop"
	}
	return "defer"
}

// DefaultMaxDeferred bounds the deferred request queue.
const DefaultMaxDeferred = 1

type options struct {
	correction      bool
	busy            BusyPolicy
	maxDeferred     int
	readbackTimeout int
	log             logrus.FieldLogger
	metrics         Metrics
}

func defaultOptions() options {
	return options{
		busy:        BusyDefer,
		maxDeferred: DefaultMaxDeferred,
		log:         logrus.StandardLogger(),
		metrics:     nopMetrics{},
	}
}

// Option configures an Orchestrator.
type Option func(*options)

// WithCorrection enables the inverse-distortion stage between distort and
// pack. It is fixed for the lifetime of the orchestrator.
func WithCorrection(enabled bool) Option {
	return func(o *options) { o.correction = enabled }
}

// WithBusyPolicy sets how triggers are handled while a frame is in flight.
func WithBusyPolicy(p BusyPolicy) Option {
	return func(o *options) { o.busy = p }
}

// WithMaxDeferred bounds how many triggers BusyDefer queues. Triggers beyond
// it are dropped.
func WithMaxDeferred(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxDeferred = n
		}
	}
}

// WithReadbackTimeout abandons a readback still pending after ticks Ticks.
// Zero waits forever.
func WithReadbackTimeout(ticks int) Option {
	return func(o *options) {
		if ticks >= 0 {
			o.readbackTimeout = ticks
		}
	}
}

// WithLogger sets the logger. Nil keeps the default.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics sets the metrics receiver.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}
