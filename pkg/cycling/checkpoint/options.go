package checkpoint

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/StrongResearch/cycling-utils/pkg/cycling/config"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/observability"
)

// Strategy is the force-save quorum rule.
type Strategy string

// Force-save strategies.
const (
	// StrategyAny forces the slot if at least one participant votes yes.
	StrategyAny Strategy = "ANY"
	// StrategyAll forces the slot only if every participant votes yes.
	StrategyAll Strategy = "ALL"
	// StrategyLocal uses the designated writer's own vote.
	StrategyLocal Strategy = "LOCAL"
	// StrategyStandalone is single-participant mode: no collective calls,
	// the caller's own vote decides.
	StrategyStandalone Strategy = "standalone"
)

// quorumStrategies are voted on in this order during the consistency check.
var quorumStrategies = []Strategy{StrategyAny, StrategyAll, StrategyLocal}

// ParseStrategy parses a strategy name. ANY, ALL and LOCAL are
// case-insensitive.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToUpper(s) {
	case "ANY":
		return StrategyAny, nil
	case "ALL":
		return StrategyAll, nil
	case "LOCAL":
		return StrategyLocal, nil
	case "STANDALONE":
		return StrategyStandalone, nil
	}
	return "", fmt.Errorf("unknown checkpoint strategy %q", s)
}

// Defaults.
const (
	DefaultName     = "checkpoint"
	DefaultKeepLast = -1
)

type options struct {
	name       string
	keepLast   int
	strategy   Strategy
	designated *bool
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	ledger     Ledger
	runID      string
}

func defaultOptions() options {
	return options{
		name:     DefaultName,
		keepLast: DefaultKeepLast,
		strategy: StrategyAny,
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
	}
}

func (o options) validate() error {
	if o.name == "" || strings.ContainsAny(o.name, `/\`) {
		return fmt.Errorf("invalid checkpoint name %q", o.name)
	}
	if o.keepLast < -1 {
		return fmt.Errorf("keep_last must be >= -1, got %d", o.keepLast)
	}
	if _, err := ParseStrategy(string(o.strategy)); err != nil {
		return err
	}
	return nil
}

// Option configures a Coordinator.
type Option func(*options)

// WithName sets the checkpoint name used in slot and pointer names.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithKeepLast bounds how many plain slots are retained; -1 disables
// retention-based deletion.
func WithKeepLast(n int) Option {
	return func(o *options) {
		o.keepLast = n
	}
}

// WithStrategy sets the force-save quorum rule.
func WithStrategy(s Strategy) Option {
	return func(o *options) {
		o.strategy = s
	}
}

// WithDesignatedWriter marks whether this participant mutates the root.
// By default rank 0 is designated.
func WithDesignatedWriter(designated bool) Option {
	return func(o *options) {
		o.designated = &designated
	}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSpanManager sets the span manager.
func WithSpanManager(s observability.SpanManager) Option {
	return func(o *options) {
		if s != nil {
			o.spans = s
		}
	}
}

// WithLedger records allocations, publishes and deletions.
func WithLedger(l Ledger) Option {
	return func(o *options) {
		o.ledger = l
	}
}

// WithRunID tags ledger events with the current job launch.
func WithRunID(id string) Option {
	return func(o *options) {
		o.runID = id
	}
}

// OptionsFromConfig reads a [checkpoint] section. Recognised keys: name,
// keep_last, strategy, is_designated_writer.
func OptionsFromConfig(cfg config.Config) ([]Option, error) {
	var opts []Option
	if cfg.Has("name") {
		opts = append(opts, WithName(cfg.String("name", DefaultName)))
	}
	if cfg.Has("keep_last") {
		opts = append(opts, WithKeepLast(cfg.Int("keep_last", DefaultKeepLast)))
	}
	if cfg.Has("strategy") {
		s, err := ParseStrategy(cfg.String("strategy", ""))
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithStrategy(s))
	}
	if cfg.Has("is_designated_writer") {
		opts = append(opts, WithDesignatedWriter(cfg.Bool("is_designated_writer", false)))
	}
	return opts, nil
}
