package sockchan

import (
	"time"
)

// ErrorAction defines the action to take when a decode error occurs.
type ErrorAction int

const (
	// Disconnect fails the channel when an error occurs.
	Disconnect ErrorAction = iota
	// Continue discards the undecodable bytes and keeps processing.
	Continue
)

// Default configuration values.
const (
	// defaultReadBufferSize is the size of a single raw read from a stream link.
	defaultReadBufferSize = 32 * 1024
	// defaultMaxPackageLength is the default maximum size of a single message (1MB).
	defaultMaxPackageLength = 1024 * 1024
)

// options holds the configuration for a connection and its channel.
type options struct {
	codec   Codec
	logger  Logger
	metrics Metrics
	loop    *EventLoop

	// onError is called when decoding fails.
	// Returns Disconnect to fail the channel, Continue to drop the bad input.
	onError func(error) ErrorAction

	readBufferSize int           // size of a single raw read
	maxReadLength  int           // maximum size of a single message
	heartbeat      time.Duration // read/write deadlines are heartbeat * 2; zero disables them
}

// Option is a function that configures connection options.
type Option func(*options)

// newOptions applies opt over the defaults.
func newOptions(opt ...Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return opts
}

// checkOptions sets default values for unset options.
func checkOptions(opts *options) {
	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	opts.logger = loggerOrDefault(opts.logger)

	if opts.metrics == nil {
		opts.metrics = nopMetrics{}
	}
}

// CustomCodecOption returns an Option that sets the message codec.
// NewConn requires one to encode outbound messages.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// ReadBufferSizeOption returns an Option that sets how many bytes a stream
// link requests per read.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// This determines the read/write deadline timeout (heartbeat * 2).
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// MessageMaxSize returns an Option that sets the maximum message buffer size.
// Messages larger than this size cannot be received.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnErrorOption returns an Option that sets the decode error callback.
// Return Disconnect to fail the channel, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption returns an Option that sets the metrics sink.
func MetricsOption(m Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// LoopOption returns an Option that places the connection on an existing
// loop instead of a private one. Many connections may share a loop.
func LoopOption(loop *EventLoop) Option {
	return func(o *options) {
		o.loop = loop
	}
}
