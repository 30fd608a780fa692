package store

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"cosmossdk.io/log"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the redis-backed Store.
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns production defaults. Timeouts are short: the
// matching path treats a slow store the same as a down store.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Host:         "localhost",
		Port:         6379,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

func (c RedisConfig) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Redis is the shared-deployment Store. Update maps to WATCH/MULTI/EXEC, so
// concurrent writers surface as ErrConflict and callers retry.
type Redis struct {
	client *redis.Client
	logger log.Logger
}

// NewRedis builds a client for the configured server. The connection is
// established lazily; call Ping to verify reachability.
func NewRedis(cfg RedisConfig, logger log.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &Redis{
		client: client,
		logger: logger.With("module", "store"),
	}
}

// classify maps driver errors onto the store error registry. Domain errors
// returned by UpdateFuncs never pass through here.
func classify(err error, key string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound.Wrap(key)
	case errors.Is(err, redis.TxFailedErr):
		return ErrConflict.Wrap(key)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case strings.HasPrefix(err.Error(), "WRONGTYPE"):
		return ErrWrongType.Wrap(key)
	default:
		return ErrUnavailable.Wrapf("%s: %v", key, err)
	}
}

func toMembers(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return classify(r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(), key)
}

func (r *Redis) ZRange(ctx context.Context, key string, start, stop int64, rev bool) ([]ZEntry, error) {
	var zs []redis.Z
	var err error
	if rev {
		zs, err = r.client.ZRevRangeWithScores(ctx, key, start, stop).Result()
	} else {
		zs, err = r.client.ZRangeWithScores(ctx, key, start, stop).Result()
	}
	if err != nil {
		return nil, classify(err, key)
	}
	out := make([]ZEntry, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ZEntry{Member: member, Score: z.Score})
	}
	return out, nil
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return classify(r.client.ZRem(ctx, key, toMembers(members)...).Err(), key)
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	return n, classify(err, key)
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return classify(r.client.HSet(ctx, key, fields).Err(), key)
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	return v, classify(err, key)
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := r.client.HGetAll(ctx, key).Result()
	return v, classify(err, key)
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return classify(r.client.HDel(ctx, key, fields...).Err(), key)
}

func (r *Redis) Update(ctx context.Context, key string, fn UpdateFunc) error {
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return classify(err, key)
		}
		out, err := fn(fields)
		if err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, out)
			return nil
		})
		return err
	}
	err := r.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict.Wrap(key)
	}
	return err
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return classify(r.client.SAdd(ctx, key, toMembers(members)...).Err(), key)
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return classify(r.client.SRem(ctx, key, toMembers(members)...).Err(), key)
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := r.client.SMembers(ctx, key).Result()
	return v, classify(err, key)
}

func (r *Redis) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	return classify(r.client.LPush(ctx, key, toMembers(values)...).Err(), key)
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := r.client.LRange(ctx, key, start, stop).Result()
	return v, classify(err, key)
}

func (r *Redis) LTrim(ctx context.Context, key string, start, stop int64) error {
	return classify(r.client.LTrim(ctx, key, start, stop).Err(), key)
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	return v, classify(err, key)
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return classify(r.client.Set(ctx, key, value, 0).Err(), key)
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	return n, classify(err, key)
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return classify(r.client.Del(ctx, keys...).Err(), "del")
}

func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	v, err := r.client.Keys(ctx, pattern).Result()
	return v, classify(err, pattern)
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return classify(r.client.Publish(ctx, channel, payload).Err(), channel)
}

func (r *Redis) Subscribe(ctx context.Context, patterns ...string) (<-chan Message, error) {
	pubsub := r.client.PSubscribe(ctx, patterns...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, ErrUnavailable.Wrapf("subscribe: %v", err)
	}
	out := make(chan Message, subBufferSize)
	go func() {
		defer close(out)
		defer pubsub.Close()
		src := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return ErrUnavailable.Wrapf("ping: %v", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Store = (*Redis)(nil)
