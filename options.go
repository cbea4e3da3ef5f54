package cshim

import "log/slog"

type options struct {
	metricsCollector MetricsCollector
	logger           *Logger
	strictAligned    bool
}

// Option configures a Facade.
type Option func(*options)

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &cshim.BasicMetricsCollector{}
//	f := cshim.New(nil, cshim.WithMetricsCollector(metrics))
//	// ... use f ...
//	stats := metrics.GetStats()
//	fmt.Printf("Allocs: %d, OOM: %d\n", stats.AllocCount, stats.OutOfMemory)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging of failed calls.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := cshim.NewJSONLogger(slog.LevelDebug)
//	f := cshim.New(nil, cshim.WithLogger(logger))
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithLogLevel is a shorthand for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithStrictAlignedAlloc makes AlignedAlloc reject sizes that are not a
// multiple of the alignment, as C11 aligned_alloc does. PosixMemalign and
// the extension operations are unaffected.
func WithStrictAlignedAlloc(strict bool) Option {
	return func(o *options) {
		o.strictAligned = strict
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
