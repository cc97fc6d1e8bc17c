package buffer

import "github.com/prometheus/client_golang/prometheus"

// Option configures buffer behavior using the functional options pattern.
type Option[T any] func(*options[T])

type options[T any] struct {
	overflowPolicy OverflowPolicy
	dropCallback   DropCallback[T]

	// registerer is optional; if set, buffer stats are also exposed as
	// Prometheus metrics under the given prefix.
	registerer    prometheus.Registerer
	metricsPrefix string
}

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(o *options[T]) {
		o.overflowPolicy = policy
	}
}

// WithMetrics enables Prometheus export of buffer statistics. Ignored if
// registerer is nil or prefix is empty.
func WithMetrics[T any](registerer prometheus.Registerer, prefix string) Option[T] {
	return func(o *options[T]) {
		if registerer != nil && prefix != "" {
			o.registerer = registerer
			o.metricsPrefix = prefix
		}
	}
}

// WithDropCallback sets a callback invoked with every dropped item.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(o *options[T]) {
		o.dropCallback = callback
	}
}

func applyOptions[T any](opts ...Option[T]) *options[T] {
	o := &options[T]{
		overflowPolicy: DropOldest,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
