package ratelimit

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	logx "elitebot/pkg/logx"
)

// Redis is the shared-counter backend: per key, a sorted set of admission
// timestamps scored by unix ms. Purge, insert and count run in one MULTI/EXEC
// so concurrent callers across processes cannot both take the last slot.
type Redis struct {
	client redis.Cmdable
	log    logx.Logger

	// nonce disambiguates members added in the same millisecond; without it a
	// second ZADD in the same ms would update the first member in place and
	// two callers would share one admission slot.
	nonce atomic.Uint64
}

func NewRedis(client redis.Cmdable, log logx.Logger) *Redis {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{client: client, log: log}
}

func (r *Redis) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	if window <= 0 {
		return false, ErrWindow
	}

	nowMS := time.Now().UnixMilli()
	member := strconv.FormatInt(nowMS, 10) + "-" + strconv.FormatUint(r.nonce.Add(1), 36)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(nowMS-window.Milliseconds(), 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMS), Member: member})
	card := pipe.ZCard(ctx, key)
	// TTL at roughly twice the window bounds growth for abandoned keys.
	pipe.Expire(ctx, key, 2*window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	if card.Val() > int64(limit) {
		// Over budget: retract the entry we just inserted so a denied call
		// does not consume window space.
		if err := r.client.ZRem(ctx, key, member).Err(); err != nil {
			r.log.Warn("failed to retract denied admission entry", logx.String("key", key), logx.Err(err))
		}
		return false, nil
	}
	return true, nil
}
