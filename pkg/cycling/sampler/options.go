package sampler

import (
	"fmt"

	"github.com/StrongResearch/cycling-utils/pkg/cycling/config"
)

// options holds the sharding and ordering configuration shared by all samplers.
type options struct {
	replicas int
	rank     int
	seed     int64
	shuffle  bool
	dropLast bool
}

// defaultOptions returns a single-replica, shuffled configuration with seed 0.
func defaultOptions() options {
	return options{
		replicas: 1,
		rank:     0,
		shuffle:  true,
	}
}

func (o options) validate() error {
	if o.replicas < 1 {
		return fmt.Errorf("%w: replicas must be >= 1, got %d", ErrInvalidArgument, o.replicas)
	}
	if o.rank < 0 || o.rank >= o.replicas {
		return fmt.Errorf("%w: rank %d out of range [0, %d)", ErrInvalidArgument, o.rank, o.replicas)
	}
	return nil
}

// Option configures a sampler.
type Option func(*options)

// WithReplicas shards each epoch across n replicas and selects rank's share.
// Default: 1 replica, rank 0.
func WithReplicas(n, rank int) Option {
	return func(o *options) {
		o.replicas = n
		o.rank = rank
	}
}

// WithSeed sets the base seed combined with the epoch to derive the permutation.
// Default: 0
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
	}
}

// WithShuffle toggles shuffling. When disabled each epoch uses the identity order.
// Default: true
func WithShuffle(shuffle bool) Option {
	return func(o *options) {
		o.shuffle = shuffle
	}
}

// WithDropLast truncates the permutation to a multiple of the replica count
// instead of padding it.
// Default: false
func WithDropLast(dropLast bool) Option {
	return func(o *options) {
		o.dropLast = dropLast
	}
}

// OptionsFromConfig maps the "seed", "shuffle" and "drop_last" keys of cfg
// to sampler options. Missing keys keep the defaults.
func OptionsFromConfig(cfg config.Config) []Option {
	return []Option{
		WithSeed(int64(cfg.Int("seed", 0))),
		WithShuffle(cfg.Bool("shuffle", true)),
		WithDropLast(cfg.Bool("drop_last", false)),
	}
}
