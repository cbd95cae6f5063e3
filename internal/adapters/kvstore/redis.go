package kvstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/poyrazK/veriflow/internal/core/ports"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "veriflow:"

// incrementIfBelowScript adds ARGV[1] to KEYS[1] only while the result stays
// within ARGV[2]. Reply: {applied, value}; value -1 means the key is missing.
const incrementIfBelowScript = `
local current = redis.call("GET", KEYS[1])
if not current then
  return {0, -1}
end
current = tonumber(current)
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if current + amount > limit then
  return {0, current}
end
local updated = redis.call("INCRBY", KEYS[1], amount)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return {1, updated}
`

// tokenBucketScript refills every bucket in KEYS and drains one token from
// each only when all of them hold one. ARGV[1] is the caller's clock in ms,
// followed by rate, burst and ttl for each key. Reply: {denied, tokens} where
// denied is the 1-based index of the first empty bucket, 0 when allowed.
const tokenBucketScript = `
local now = tonumber(ARGV[1])
local tokens = {}
local denied = 0

for i = 1, #KEYS do
  local rate = tonumber(ARGV[(i - 1) * 3 + 2])
  local burst = tonumber(ARGV[(i - 1) * 3 + 3])
  local data = redis.call("HMGET", KEYS[i], "tokens", "ts")
  local t = tonumber(data[1])
  local ts = tonumber(data[2])
  if t == nil then
    t = burst
  else
    local delta = now - ts
    if delta < 0 then
      delta = 0
    end
    t = math.min(burst, t + (delta / 1000) * rate)
  end
  tokens[i] = t
  if denied == 0 and t < 1 then
    denied = i
  end
end

for i = 1, #KEYS do
  if denied == 0 then
    tokens[i] = tokens[i] - 1
  end
  redis.call("HSET", KEYS[i], "tokens", tostring(tokens[i]), "ts", ARGV[1])
  redis.call("PEXPIRE", KEYS[i], tonumber(ARGV[(i - 1) * 3 + 4]))
end

if denied == 0 then
  return {0, "0"}
end
return {denied, tostring(tokens[denied])}
`

// RedisStore backs quota counters, replay claims and throttle buckets with Redis.
type RedisStore struct {
	client       *redis.Client
	incrScript   *redis.Script
	bucketScript *redis.Script
	now          func() time.Time
}

func NewRedisStore(addr string, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb)
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:       client,
		incrScript:   redis.NewScript(incrementIfBelowScript),
		bucketScript: redis.NewScript(tokenBucketScript),
		now:          time.Now,
	}
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Claim is a single SET NX PX round trip.
func (r *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, keyPrefix+key, 1, ttl).Result()
}

func (r *RedisStore) GetCounter(ctx context.Context, key string) (int64, bool, error) {
	val, err := r.client.Get(ctx, keyPrefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return val, true, nil
}

func (r *RedisStore) InitCounter(ctx context.Context, key string, value int64, ttl time.Duration) (int64, error) {
	set, err := r.client.SetNX(ctx, keyPrefix+key, value, ttl).Result()
	if err != nil {
		return 0, err
	}
	if set {
		return value, nil
	}
	current, found, err := r.GetCounter(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return value, nil
	}
	return current, nil
}

func (r *RedisStore) IncrementIfBelow(ctx context.Context, key string, amount, limit int64, ttl time.Duration) (int64, bool, error) {
	res, err := r.incrScript.Run(ctx, r.client, []string{keyPrefix + key}, amount, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected increment reply %v", res)
	}
	if res[0] == 0 && res[1] < 0 {
		return 0, false, ports.ErrCounterMissing
	}
	return res[1], res[0] == 1, nil
}

// Allow drains one token from the bucket at key.
func (r *RedisStore) Allow(ctx context.Context, key string, rate float64, burst int) (bool, time.Duration, error) {
	denied, wait, err := r.AllowAll(ctx, ports.Bucket{Key: key, Rate: rate, Burst: burst})
	return err == nil && denied < 0, wait, err
}

// AllowAll checks and drains every bucket in one script call.
func (r *RedisStore) AllowAll(ctx context.Context, buckets ...ports.Bucket) (int, time.Duration, error) {
	if len(buckets) == 0 {
		return -1, 0, nil
	}
	keys := make([]string, 0, len(buckets))
	args := make([]any, 0, 1+3*len(buckets))
	args = append(args, r.now().UnixMilli())
	for _, b := range buckets {
		if b.Rate <= 0 || b.Burst <= 0 {
			return -1, 0, errors.New("rate and burst must be positive")
		}
		keys = append(keys, keyPrefix+"bucket:"+b.Key)
		args = append(args, b.Rate, b.Burst, bucketTTL(b.Rate, b.Burst).Milliseconds())
	}

	res, err := r.bucketScript.Run(ctx, r.client, keys, args...).Slice()
	if err != nil {
		return -1, 0, err
	}
	if len(res) != 2 {
		return -1, 0, fmt.Errorf("unexpected bucket reply %v", res)
	}
	denied, _ := res[0].(int64)
	if denied == 0 {
		return -1, 0, nil
	}
	if denied < 1 || int(denied) > len(buckets) {
		return -1, 0, fmt.Errorf("unexpected bucket index %d", denied)
	}
	tokensRaw, _ := res[1].(string)
	tokens, errParse := strconv.ParseFloat(tokensRaw, 64)
	if errParse != nil {
		return -1, 0, fmt.Errorf("parse bucket tokens: %w", errParse)
	}
	idx := int(denied) - 1
	return idx, retryAfter(tokens, buckets[idx].Rate), nil
}

// bucketTTL keeps an idle bucket around for twice its full refill time.
func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil((float64(burst) / rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func retryAfter(tokens, rate float64) time.Duration {
	needed := 1 - tokens
	if needed <= 0 {
		return 0
	}
	return time.Duration(needed / rate * float64(time.Second))
}
