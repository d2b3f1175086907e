package uthhub

import "go.uber.org/zap"

// Option configures the real-time components (connection manager,
// multiplexer, dispatcher, store, notification center).
type Option func(*options)

type options struct {
	log     *zap.Logger
	metrics *Metrics
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.log = orNop(o.log)
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return o
}
