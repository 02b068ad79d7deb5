package cycling

import (
	"log/slog"

	"github.com/StrongResearch/cycling-utils/pkg/cycling/checkpoint"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/observability"
)

// DefaultSaveInterval is the number of steps between automatic checkpoints.
const DefaultSaveInterval = 100

type options struct {
	saveInterval int
	logger       *slog.Logger
	metrics      observability.MetricsRecorder
	spans        observability.SpanManager
	runID        string
	ckpt         []checkpoint.Option
}

func defaultOptions() options {
	return options{
		saveInterval: DefaultSaveInterval,
		metrics:      observability.NoopMetrics{},
		spans:        observability.NoopSpanManager{},
	}
}

// Option configures a Cycler.
type Option func(*options)

// WithSaveInterval sets how many steps pass between automatic checkpoints.
// Zero disables automatic checkpoints; Checkpoint can still be called.
// Default: 100
func WithSaveInterval(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.saveInterval = n
		}
	}
}

// WithLogger sets the logger for the Cycler and its Coordinator.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics recorder for the Cycler and its Coordinator.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSpanManager sets the span manager passed to the Coordinator.
func WithSpanManager(s observability.SpanManager) Option {
	return func(o *options) {
		if s != nil {
			o.spans = s
		}
	}
}

// WithRunID sets the run identifier written to the state file and the
// checkpoint ledger. Default: a random UUID.
func WithRunID(id string) Option {
	return func(o *options) {
		o.runID = id
	}
}

// WithCheckpointOptions forwards options to the underlying Coordinator.
// They are applied after the Cycler's own logger, metrics, spans and run ID,
// so they win on conflict.
func WithCheckpointOptions(opts ...checkpoint.Option) Option {
	return func(o *options) {
		o.ckpt = append(o.ckpt, opts...)
	}
}
