package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamEntry is one persisted stream record.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// HashGetAll returns every field of a hash; a missing key yields an empty
// map. Idempotent: retried.
func (s *Redis) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := s.do(ctx, "hgetall", true, func(ctx context.Context) error {
		res, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (s *Redis) HashSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return s.do(ctx, "hset", false, func(ctx context.Context) error {
		return s.rdb.HSet(ctx, key, fields).Err()
	})
}

// HashSetNX writes a field only if absent; used for creation timestamps.
func (s *Redis) HashSetNX(ctx context.Context, key, field string, value interface{}) (bool, error) {
	var set bool
	err := s.do(ctx, "hsetnx", false, func(ctx context.Context) error {
		res, err := s.rdb.HSetNX(ctx, key, field, value).Result()
		if err != nil {
			return err
		}
		set = res
		return nil
	})
	return set, err
}

func (s *Redis) HashDel(ctx context.Context, key string, fields ...string) error {
	return s.do(ctx, "hdel", false, func(ctx context.Context) error {
		return s.rdb.HDel(ctx, key, fields...).Err()
	})
}

// HashKeys returns the field names of a hash.
func (s *Redis) HashKeys(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.do(ctx, "hkeys", false, func(ctx context.Context) error {
		res, err := s.rdb.HKeys(ctx, key).Result()
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// Incr advances a counter and returns the new value. Retried: a retry
// after a lost reply burns a number, and seq consumers tolerate gaps.
func (s *Redis) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(ctx, "incr", true, func(ctx context.Context) error {
		res, err := s.rdb.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		n = res
		return nil
	})
	return n, err
}

func (s *Redis) SetAdd(ctx context.Context, key string, members ...interface{}) error {
	return s.do(ctx, "sadd", false, func(ctx context.Context) error {
		return s.rdb.SAdd(ctx, key, members...).Err()
	})
}

func (s *Redis) SetRem(ctx context.Context, key string, members ...interface{}) error {
	return s.do(ctx, "srem", false, func(ctx context.Context) error {
		return s.rdb.SRem(ctx, key, members...).Err()
	})
}

func (s *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.do(ctx, "smembers", false, func(ctx context.Context) error {
		res, err := s.rdb.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (s *Redis) SetCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(ctx, "scard", false, func(ctx context.Context) error {
		res, err := s.rdb.SCard(ctx, key).Result()
		if err != nil {
			return err
		}
		n = res
		return nil
	})
	return n, err
}

// ListPush appends to the tail and returns the new length.
func (s *Redis) ListPush(ctx context.Context, key string, values ...interface{}) (int64, error) {
	var n int64
	err := s.do(ctx, "rpush", false, func(ctx context.Context) error {
		res, err := s.rdb.RPush(ctx, key, values...).Result()
		if err != nil {
			return err
		}
		n = res
		return nil
	})
	return n, err
}

func (s *Redis) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := s.do(ctx, "lrange", false, func(ctx context.Context) error {
		res, err := s.rdb.LRange(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (s *Redis) ListTrim(ctx context.Context, key string, start, stop int64) error {
	return s.do(ctx, "ltrim", false, func(ctx context.Context) error {
		return s.rdb.LTrim(ctx, key, start, stop).Err()
	})
}

// ListRem removes occurrences of value; count follows LREM semantics.
func (s *Redis) ListRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	var n int64
	err := s.do(ctx, "lrem", false, func(ctx context.Context) error {
		res, err := s.rdb.LRem(ctx, key, count, value).Result()
		if err != nil {
			return err
		}
		n = res
		return nil
	})
	return n, err
}

func (s *Redis) ListLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(ctx, "llen", false, func(ctx context.Context) error {
		res, err := s.rdb.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		n = res
		return nil
	})
	return n, err
}

func (s *Redis) Delete(ctx context.Context, keys ...string) error {
	return s.do(ctx, "del", false, func(ctx context.Context) error {
		return s.rdb.Del(ctx, keys...).Err()
	})
}

// KeysByPattern walks the keyspace with SCAN; it never blocks the store
// the way KEYS would.
func (s *Redis) KeysByPattern(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := s.do(ctx, "scan", false, func(ctx context.Context) error {
		iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			out = append(out, iter.Val())
		}
		return iter.Err()
	})
	return out, err
}

func (s *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.do(ctx, "expire", false, func(ctx context.Context) error {
		return s.rdb.Expire(ctx, key, ttl).Err()
	})
}

// Get reads a string key; ok=false reports absence without an error.
func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		val   string
		found bool
	)
	err := s.do(ctx, "get", false, func(ctx context.Context) error {
		res, err := s.rdb.Get(ctx, key).Result()
		if isNil(err) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = res, true
		return nil
	})
	return val, found, err
}

func (s *Redis) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.do(ctx, "setex", false, func(ctx context.Context) error {
		return s.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// StreamAppend adds an entry with a store-assigned id.
func (s *Redis) StreamAppend(ctx context.Context, key string, fields map[string]interface{}) (string, error) {
	var id string
	err := s.do(ctx, "xadd", false, func(ctx context.Context) error {
		res, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			ID:     "*",
			Values: fields,
		}).Result()
		if err != nil {
			return err
		}
		id = res
		return nil
	})
	return id, err
}

// StreamRangeFrom reads at most max entries in ascending order and keeps
// those whose seq field is at least minSeq. Entries carrying a malformed
// seq are skipped.
func (s *Redis) StreamRangeFrom(ctx context.Context, key string, minSeq, max int64) ([]StreamEntry, error) {
	var out []StreamEntry
	err := s.do(ctx, "xrange", false, func(ctx context.Context) error {
		msgs, err := s.rdb.XRangeN(ctx, key, "-", "+", max).Result()
		if err != nil {
			return err
		}
		out = out[:0]
		for _, m := range msgs {
			entry := toStreamEntry(m)
			seq, err := strconv.ParseInt(entry.Fields["seq"], 10, 64)
			if err != nil || seq < minSeq {
				continue
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

// StreamLastN reads the newest n entries in ascending order.
func (s *Redis) StreamLastN(ctx context.Context, key string, n int64) ([]StreamEntry, error) {
	var out []StreamEntry
	err := s.do(ctx, "xrevrange", false, func(ctx context.Context) error {
		msgs, err := s.rdb.XRevRangeN(ctx, key, "+", "-", n).Result()
		if err != nil {
			return err
		}
		out = out[:0]
		for i := len(msgs) - 1; i >= 0; i-- {
			out = append(out, toStreamEntry(msgs[i]))
		}
		return nil
	})
	return out, err
}

func (s *Redis) StreamLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(ctx, "xlen", false, func(ctx context.Context) error {
		res, err := s.rdb.XLen(ctx, key).Result()
		if err != nil {
			return err
		}
		n = res
		return nil
	})
	return n, err
}

// StreamTrimApprox trims the stream to roughly cap entries. Approximate
// trimming lets the store batch deletions at macro-node boundaries.
func (s *Redis) StreamTrimApprox(ctx context.Context, key string, cap int64) error {
	return s.do(ctx, "xtrim", false, func(ctx context.Context) error {
		return s.rdb.XTrimMaxLenApprox(ctx, key, cap, 0).Err()
	})
}

// Publish sends a payload to a notification channel. Idempotent: retried.
func (s *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.do(ctx, "publish", true, func(ctx context.Context) error {
		return s.rdb.Publish(ctx, channel, payload).Err()
	})
}

// Eval runs a server-side script; the compiled script is cached so repeat
// calls use EVALSHA.
func (s *Redis) Eval(ctx context.Context, src string, keys []string, args ...interface{}) (interface{}, error) {
	var out interface{}
	err := s.do(ctx, "eval", false, func(ctx context.Context) error {
		res, err := s.script(src).Run(ctx, s.rdb, keys, args...).Result()
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func toStreamEntry(m redis.XMessage) StreamEntry {
	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if str, ok := v.(string); ok {
			fields[k] = str
		}
	}
	return StreamEntry{ID: m.ID, Fields: fields}
}
