package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/skylineproto/udptransport/pkg/wire"
)

type config struct {
	logger          *zap.Logger
	bufferSize      int
	ioInterval      time.Duration
	reassemblyIdle  time.Duration
	writeAttemptTTL time.Duration
}

func defaultConfig() *config {
	return &config{
		logger:          nil, // nil means "use pkg/logging's package default"
		bufferSize:      wire.BufferSize,
		ioInterval:      time.Millisecond,
		reassemblyIdle:  60 * time.Second,
		writeAttemptTTL: 200 * time.Microsecond,
	}
}

// Option configures a Socket at construction time, replacing the Rust
// original's config struct with the functional-options pattern the
// teacher repo uses for its client/server builders.
type Option func(*config)

// WithLogger overrides the zap logger used for this socket's
// diagnostic output. Without this option the socket logs through
// pkg/logging's shared package-level logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithBufferSize sets the capacity of the bounded send/receive
// channels between the application and the I/O loop (spec.md §4.G;
// default wire.BufferSize).
func WithBufferSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// WithIOInterval sets how long the I/O loop sleeps after each pass.
// Lower values reduce latency at the cost of CPU.
func WithIOInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.ioInterval = d
		}
	}
}

// WithReassemblyIdleTimeout overrides how long an incomplete
// multi-frame message is kept before being garbage collected.
func WithReassemblyIdleTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.reassemblyIdle = d
		}
	}
}

// There is no WithTrackerIdleTimeout: spec.md §6's send(peer, message,
// timeout) takes the hard retry deadline per call, so it is an
// argument to Send/SendBroadcast (see pkg/acktracker.Tracker.GC),
// not a single process-wide option.
