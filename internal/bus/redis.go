package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus backs the bus with Redis so the components can run as separate
// processes against shared session state.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(ctx context.Context, url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisBus{rdb: rdb}, nil
}

func (b *RedisBus) Push(ctx context.Context, key string, payload []byte) error {
	return b.rdb.RPush(ctx, key, payload).Err()
}

func (b *RedisBus) Pop(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error) {
	res, err := b.rdb.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(res) != 2 {
		return nil, false, nil
	}
	return []byte(res[1]), true, nil
}

func (b *RedisBus) Items(ctx context.Context, key string) ([][]byte, error) {
	items, err := b.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = []byte(item)
	}
	return out, nil
}

func (b *RedisBus) Remove(ctx context.Context, key string, payload []byte) (bool, error) {
	n, err := b.rdb.LRem(ctx, key, 1, payload).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *RedisBus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.rdb.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBus) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := b.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(val), true, nil
}

func (b *RedisBus) Delete(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, key).Err()
}

func (b *RedisBus) OrderedAdd(ctx context.Context, key string, score int64, payload []byte) error {
	return b.rdb.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: payload}).Err()
}

func (b *RedisBus) OrderedSince(ctx context.Context, key string, after int64) ([]Scored, error) {
	members, err := b.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(after, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Scored, 0, len(members))
	for _, m := range members {
		s, ok := m.Member.(string)
		if !ok {
			continue
		}
		out = append(out, Scored{Score: int64(m.Score), Payload: []byte(s)})
	}
	return out, nil
}

func (b *RedisBus) OrderedMax(ctx context.Context, key string) (int64, bool, error) {
	members, err := b.rdb.ZRevRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, false, err
	}
	if len(members) == 0 {
		return 0, false, nil
	}
	return int64(members[0].Score), true, nil
}

func (b *RedisBus) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.rdb.Expire(ctx, key, ttl).Err()
}

func (b *RedisBus) Close() error { return b.rdb.Close() }
