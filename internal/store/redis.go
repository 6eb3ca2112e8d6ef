package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/vend/internal/clock"
)

// Records are hashes with fields v (value), ver (version) and exp (expiry in
// unix milliseconds, 0 = never). Timestamps are milliseconds because Lua
// numbers are doubles.

// redisCreateScript inserts a record unless a live one holds the key.
// KEYS[1] = record key
// KEYS[2] = version counter
// ARGV[1] = value
// ARGV[2] = expiry (unix ms, 0 = never)
// ARGV[3] = now (unix ms)
// Returns the new version, or 0 when the key is held.
var redisCreateScript = redis.NewScript(`
local exp = redis.call("HGET", KEYS[1], "exp")
if exp then
    exp = tonumber(exp)
    if exp == 0 or exp > tonumber(ARGV[3]) then
        return 0
    end
end

local ver = redis.call("INCR", KEYS[2])
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "v", ARGV[1], "ver", ver, "exp", ARGV[2])
if tonumber(ARGV[2]) > 0 then
    redis.call("PEXPIREAT", KEYS[1], ARGV[2])
end
return ver
`)

// redisCASScript replaces a record if its version matches.
// KEYS[1] = record key
// KEYS[2] = version counter
// ARGV[1] = expected version
// ARGV[2] = value
// ARGV[3] = expiry (unix ms, 0 = never)
// ARGV[4] = now (unix ms)
// Returns the new version, -1 when absent, -2 on version mismatch.
var redisCASScript = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "ver", "exp")
if not cur[1] then
    return -1
end
local exp = tonumber(cur[2])
if exp ~= 0 and exp <= tonumber(ARGV[4]) then
    return -1
end
if cur[1] ~= ARGV[1] then
    return -2
end

local ver = redis.call("INCR", KEYS[2])
redis.call("HSET", KEYS[1], "v", ARGV[2], "ver", ver, "exp", ARGV[3])
if tonumber(ARGV[3]) > 0 then
    redis.call("PEXPIREAT", KEYS[1], ARGV[3])
else
    redis.call("PERSIST", KEYS[1])
end
return ver
`)

// redisDeleteScript removes a record, optionally conditioned on version.
// KEYS[1] = record key
// ARGV[1] = expected version ("0" = any)
// ARGV[2] = now (unix ms)
// Returns 1 on delete, -1 when absent, -2 on version mismatch.
var redisDeleteScript = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "ver", "exp")
if not cur[1] then
    return -1
end
local exp = tonumber(cur[2])
if exp ~= 0 and exp <= tonumber(ARGV[2]) then
    return -1
end
if ARGV[1] ~= "0" and cur[1] ~= ARGV[1] then
    return -2
end
redis.call("DEL", KEYS[1])
return 1
`)

// Redis is an AtomicStore backed by Redis. All mutations run as Lua scripts
// so each is atomic on the server.
type Redis struct {
	client redis.UniversalClient
	prefix string
	clock  clock.Clock
}

var _ AtomicStore = (*Redis)(nil)

// NewRedis wraps client. Every key the store touches begins with prefix.
func NewRedis(client redis.UniversalClient, prefix string, c clock.Clock) *Redis {
	if prefix == "" {
		prefix = "vend"
	}
	return &Redis{client: client, prefix: prefix, clock: clock.OrReal(c)}
}

// OpenRedis dials addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, prefix string, c clock.Clock) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedis(client, prefix, c), nil
}

func (s *Redis) recordKey(ks Keyspace, key string) string {
	return s.prefix + ":" + string(ks) + ":" + key
}

func (s *Redis) keyspacePrefix(ks Keyspace) string {
	return s.prefix + ":" + string(ks) + ":"
}

func (s *Redis) counterKey() string {
	return s.prefix + ":version"
}

func (s *Redis) nowMillis() int64 {
	return s.clock.Now().UnixMilli()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func (s *Redis) Get(ctx context.Context, ks Keyspace, key string) (Record, error) {
	vals, err := s.client.HMGet(ctx, s.recordKey(ks, key), "v", "ver", "exp").Result()
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", ks, key, err)
	}
	rec, ok, err := s.decodeHash(key, vals)
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", ks, key, err)
	}
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *Redis) Create(ctx context.Context, ks Keyspace, key string, value []byte, expiresAt time.Time) (Record, error) {
	exp := millis(expiresAt)
	ver, err := redisCreateScript.Run(ctx, s.client,
		[]string{s.recordKey(ks, key), s.counterKey()},
		value, exp, s.nowMillis()).Int64()
	if err != nil {
		return Record{}, fmt.Errorf("create %s/%s: %w", ks, key, err)
	}
	if ver == 0 {
		return Record{}, ErrExists
	}
	return Record{Key: key, Value: value, Version: ver, ExpiresAt: fromMillis(exp)}, nil
}

func (s *Redis) CompareAndSwap(ctx context.Context, ks Keyspace, key string, version int64, value []byte, expiresAt time.Time) (Record, error) {
	exp := millis(expiresAt)
	ver, err := redisCASScript.Run(ctx, s.client,
		[]string{s.recordKey(ks, key), s.counterKey()},
		strconv.FormatInt(version, 10), value, exp, s.nowMillis()).Int64()
	if err != nil {
		return Record{}, fmt.Errorf("cas %s/%s: %w", ks, key, err)
	}
	switch ver {
	case -1:
		return Record{}, ErrNotFound
	case -2:
		return Record{}, ErrVersionMismatch
	}
	return Record{Key: key, Value: value, Version: ver, ExpiresAt: fromMillis(exp)}, nil
}

func (s *Redis) Delete(ctx context.Context, ks Keyspace, key string, version int64) error {
	res, err := redisDeleteScript.Run(ctx, s.client,
		[]string{s.recordKey(ks, key)},
		strconv.FormatInt(version, 10), s.nowMillis()).Int64()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", ks, key, err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case -2:
		return ErrVersionMismatch
	}
	return nil
}

func (s *Redis) Scan(ctx context.Context, ks Keyspace, opts ScanOptions) ([]Record, error) {
	base := s.keyspacePrefix(ks)
	match := escapeGlob(base+opts.Prefix) + "*"

	var keys []string
	iter := s.client.Scan(ctx, 0, match, 200).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), base)
		if key > opts.After {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", ks, err)
	}
	sort.Strings(keys)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HMGet(ctx, base+key, "v", "ver", "exp")
	}
	if len(keys) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, fmt.Errorf("scan %s: fetch: %w", ks, err)
		}
	}

	var records []Record
	for i, key := range keys {
		rec, ok, err := s.decodeHash(key, cmds[i].Val())
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", ks, err)
		}
		if !ok {
			continue
		}
		records = append(records, rec)
		if opts.Limit > 0 && len(records) == opts.Limit {
			break
		}
	}
	return records, nil
}

// Close closes the underlying client.
func (s *Redis) Close() error {
	return s.client.Close()
}

// decodeHash turns an HMGET v ver exp reply into a record. It reports false
// when the hash is missing or expired by the store clock.
func (s *Redis) decodeHash(key string, vals []any) (Record, bool, error) {
	if len(vals) != 3 || vals[0] == nil || vals[1] == nil {
		return Record{}, false, nil
	}
	value, _ := vals[0].(string)
	verStr, _ := vals[1].(string)
	expStr, _ := vals[2].(string)

	ver, err := strconv.ParseInt(verStr, 10, 64)
	if err != nil {
		return Record{}, false, fmt.Errorf("parse version of %q: %w", key, err)
	}
	var exp int64
	if expStr != "" {
		exp, err = strconv.ParseInt(expStr, 10, 64)
		if err != nil {
			return Record{}, false, fmt.Errorf("parse expiry of %q: %w", key, err)
		}
	}

	rec := Record{Key: key, Value: []byte(value), Version: ver, ExpiresAt: fromMillis(exp)}
	if rec.Expired(s.clock.Now()) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
