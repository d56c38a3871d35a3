package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/optisync/internal/snapshot"
)

// RedisOptions configures OpenRedis.
type RedisOptions struct {
	// Redis server address.
	Addr string
	// Password required when connecting to the Redis server.
	Password string
	// DB to connect to.
	DB int
	// Prefix namespaces every key and the notification channel.
	Prefix string
}

// DefaultRedisOptions.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Addr:   "localhost:6379",
		Prefix: "optisync:",
	}
}

// Redis is a Backend shared by every process connected to one Redis.
//
// Leaves live in one hash, version counters in two more. Writes run as a
// Lua script so the version check and the write are atomic, and publish
// the written path; Run subscribes and refreshes related watchers.
type Redis struct {
	client     *redis.Client
	ownsClient bool
	prefix     string
	hub        *hub
	closed     atomic.Bool
}

// OpenRedis connects and verifies the connection with PING.
func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	r := NewRedis(client, opts.Prefix)
	r.ownsClient = true
	return r, nil
}

// NewRedis wraps an existing client. Close does not close it.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisOptions().Prefix
	}
	return &Redis{client: client, prefix: prefix, hub: newHub()}
}

func (r *Redis) keys() []string {
	return []string{r.prefix + "nodes", r.prefix + "exact", r.prefix + "subtree", r.prefix + "seq"}
}

func (r *Redis) channel() string {
	return r.prefix + "changes"
}

// versionLua computes the version of ARGV[1] given its ancestors in
// ARGV[3..2+nanc], matching versionIndex.versionOf.
const versionLua = `
local function num(v) if v then return tonumber(v) end return 0 end
local function version(path, nanc, first)
  local ver = num(redis.call('HGET', KEYS[3], path))
  for i = 0, nanc - 1 do
    local e = num(redis.call('HGET', KEYS[2], ARGV[first + i]))
    if e > ver then ver = e end
  end
  return ver
end
`

// casScript: ARGV = path, nanc, ancestors..., expected, hasValue, channel,
// then leaf path/value pairs. expected < 0 writes unconditionally.
// Returns the write sequence, or 0 when the version moved.
var casScript = redis.NewScript(versionLua + `
local path = ARGV[1]
local nanc = tonumber(ARGV[2])
local base = 3 + nanc
local expected = tonumber(ARGV[base])
local hasValue = ARGV[base + 1] == '1'
local channel = ARGV[base + 2]

if expected >= 0 and version(path, nanc, 3) ~= expected then
  return 0
end

local seq = redis.call('INCR', KEYS[4])
local prefix = path .. '/'
for _, p in ipairs(redis.call('HKEYS', KEYS[1])) do
  if p == path or string.sub(p, 1, #prefix) == prefix then
    redis.call('HDEL', KEYS[1], p)
  end
end
if hasValue then
  for i = 0, nanc - 1 do
    redis.call('HDEL', KEYS[1], ARGV[3 + i])
  end
  for i = base + 3, #ARGV, 2 do
    redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
  end
end
redis.call('HSET', KEYS[2], path, seq)
redis.call('HSET', KEYS[3], path, seq)
for i = 0, nanc - 1 do
  redis.call('HSET', KEYS[3], ARGV[3 + i], seq)
end
redis.call('PUBLISH', channel, path)
return seq
`)

// readScript: ARGV = path, nanc, ancestors...
// Returns {version, leafPath1, leafValue1, ...}.
var readScript = redis.NewScript(versionLua + `
local path = ARGV[1]
local nanc = tonumber(ARGV[2])
local out = { version(path, nanc, 3) }
local prefix = path .. '/'
for _, p in ipairs(redis.call('HKEYS', KEYS[1])) do
  if p == path or string.sub(p, 1, #prefix) == prefix then
    table.insert(out, p)
    table.insert(out, redis.call('HGET', KEYS[1], p))
  end
end
return out
`)

// TODO: HKEYS scans every leaf per call; keep a sorted-set path index and
// use ZRANGEBYLEX for the subtree range once stores grow past a few
// thousand leaves.

func pathArgs(path string) []any {
	ancestors := snapshot.Ancestors(path)
	args := make([]any, 0, len(ancestors)+2)
	args = append(args, path, len(ancestors))
	for _, a := range ancestors {
		args = append(args, a)
	}
	return args
}

// Read returns the value rooted at path and its version.
func (r *Redis) Read(ctx context.Context, path string) (snapshot.Value, Version, error) {
	if err := r.check(path); err != nil {
		return nil, 0, err
	}
	res, err := readScript.Run(ctx, r.client, r.keys(), pathArgs(path)...).Slice()
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", path, err)
	}
	if len(res) == 0 {
		return nil, 0, fmt.Errorf("read %s: empty script result", path)
	}
	ver, ok := res[0].(int64)
	if !ok {
		return nil, 0, fmt.Errorf("read %s: unexpected version type %T", path, res[0])
	}

	leaves := make(map[string]snapshot.Value, (len(res)-1)/2)
	for i := 1; i+1 < len(res); i += 2 {
		p, _ := res[i].(string)
		raw, _ := res[i+1].(string)
		leaf, err := snapshot.Decode([]byte(raw))
		if err != nil {
			return nil, 0, fmt.Errorf("read %s: node %s: %w", path, p, err)
		}
		if leaf != nil {
			leaves[p] = leaf
		}
	}
	return snapshot.Build(path, leaves), Version(ver), nil
}

func (r *Redis) readValue(ctx context.Context, path string) (snapshot.Value, error) {
	v, _, err := r.Read(ctx, path)
	return v, err
}

// CompareAndSwap writes value if path's version equals expected.
func (r *Redis) CompareAndSwap(ctx context.Context, path string, expected Version, value snapshot.Value) (bool, error) {
	if err := r.check(path); err != nil {
		return false, err
	}
	return r.write(ctx, path, int64(expected), value)
}

// Set writes value unconditionally.
func (r *Redis) Set(ctx context.Context, path string, value snapshot.Value) error {
	if err := r.check(path); err != nil {
		return err
	}
	_, err := r.write(ctx, path, -1, value)
	return err
}

func (r *Redis) write(ctx context.Context, path string, expected int64, value snapshot.Value) (bool, error) {
	value = snapshot.Normalize(value)
	args := pathArgs(path)
	hasValue := "0"
	if value != nil {
		hasValue = "1"
	}
	args = append(args, strconv.FormatInt(expected, 10), hasValue, r.channel())
	for p, leaf := range snapshot.Flatten(path, value) {
		b, err := snapshot.MarshalCanonical(leaf)
		if err != nil {
			return false, fmt.Errorf("write %s: encode %s: %w", path, p, err)
		}
		args = append(args, p, string(b))
	}

	seq, err := casScript.Run(ctx, r.client, r.keys(), args...).Int64()
	if err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	if seq == 0 {
		return false, nil
	}
	r.hub.touch(path)
	return true, nil
}

// Watch registers fn. The current value is delivered on the next Deliver
// or Run iteration.
func (r *Redis) Watch(path string, fn WatchFunc) (func(), error) {
	if err := r.check(path); err != nil {
		return nil, err
	}
	return r.hub.add(path, fn), nil
}

// Deliver hands out changed snapshots for pending watchers on the calling
// goroutine. Writes made through this Redis mark watchers pending
// directly; other writers are seen through Run's subscription.
func (r *Redis) Deliver(ctx context.Context) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	return r.hub.refresh(ctx, r.readValue)
}

// Run subscribes to the change channel and delivers snapshots until ctx
// is cancelled.
func (r *Redis) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel())
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel(), err)
	}
	msgs := pubsub.Channel()

	for {
		if _, err := r.Deliver(ctx); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("redis delivery failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.hub.touch(msg.Payload)
		case <-r.hub.wait():
		}
	}
}

// Close stops watchers and closes the client if OpenRedis created it.
func (r *Redis) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}

func (r *Redis) check(path string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return snapshot.ValidatePath(path)
}
