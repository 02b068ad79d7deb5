package collective

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RedisGroup is a collective over a Redis hash per round. Each participant
// sets its own field, then polls HLEN until Size fields exist.
//
// As with FileGroup, the session must be unique per job launch.
type RedisGroup struct {
	client  redis.UniversalClient
	session string
	rank    int
	size    int
	round   int
	limiter *rate.Limiter
	opts    backendOptions
	owned   bool
}

// Compile-time interface check.
var _ Group = (*RedisGroup)(nil)

// NewRedisGroup joins the collective named session on client. The caller
// keeps ownership of client.
func NewRedisGroup(client redis.UniversalClient, session string, rank, size int, opts ...BackendOption) (*RedisGroup, error) {
	if size < 1 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("invalid rank %d for group of size %d", rank, size)
	}
	if session == "" {
		session = "default"
	}
	o := defaultBackendOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisGroup{
		client:  client,
		session: session,
		rank:    rank,
		size:    size,
		limiter: rate.NewLimiter(rate.Every(o.pollInterval), 1),
		opts:    o,
	}, nil
}

// DialRedis parses a redis:// or rediss:// URL, connects, and verifies the
// server with PING, retrying per DefaultDialRetry.
func DialRedis(ctx context.Context, url string) (redis.UniversalClient, error) {
	return DialRedisRetry(ctx, url, DefaultDialRetry)
}

// DialRedisRetry is DialRedis with an explicit retry policy.
func DialRedisRetry(ctx context.Context, url string, cfg RetryConfig) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	attempts, err := retry(ctx, cfg, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping after %d attempt(s): %w", attempts, err)
	}
	return client, nil
}

// Rank implements Group.
func (g *RedisGroup) Rank() int { return g.rank }

// Size implements Group.
func (g *RedisGroup) Size() int { return g.size }

// Rendezvous implements Group.
func (g *RedisGroup) Rendezvous(ctx context.Context) error {
	_, err := g.do(ctx, opRendezvous, false)
	return err
}

// ReduceVote implements Group.
func (g *RedisGroup) ReduceVote(ctx context.Context, vote bool) (Tally, error) {
	return g.do(ctx, opVote, vote)
}

// Close implements Group. The client is closed only if Open created it.
func (g *RedisGroup) Close() error {
	if g.owned {
		return g.client.Close()
	}
	return nil
}

func (g *RedisGroup) roundKey(round int) string {
	return fmt.Sprintf("%s:%s:round:%d", g.opts.keyPrefix, g.session, round)
}

func (g *RedisGroup) do(ctx context.Context, kind opKind, vote bool) (Tally, error) {
	round := g.round
	g.round++
	wrap := func(err error) error {
		return &RoundError{Backend: "redis", Round: round, Rank: g.rank, Err: err}
	}

	key := g.roundKey(round)
	pipe := g.client.TxPipeline()
	pipe.HSet(ctx, key, strconv.Itoa(g.rank), encodeOp(kind, vote))
	pipe.Expire(ctx, key, g.opts.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return Tally{}, wrap(fmt.Errorf("publish contribution: %w", err))
	}

	for {
		n, err := g.client.HLen(ctx, key).Result()
		if err != nil {
			return Tally{}, wrap(fmt.Errorf("poll round: %w", err))
		}
		if int(n) >= g.size {
			break
		}
		if err := pace(ctx, g.limiter); err != nil {
			return Tally{}, wrap(err)
		}
	}

	fields, err := g.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Tally{}, wrap(fmt.Errorf("read round: %w", err))
	}
	payloads := make([]string, 0, len(fields))
	for _, v := range fields {
		payloads = append(payloads, v)
	}
	tally, err := tallyOps(payloads)
	if err != nil {
		return Tally{}, wrap(err)
	}

	if g.rank == 0 && round > 0 {
		if err := g.client.Del(ctx, g.roundKey(round-1)).Err(); err != nil && g.opts.logger != nil {
			g.opts.logger.Warn("failed to remove collective round", "round", round-1, "error", err)
		}
	}
	return tally, nil
}
