package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/statewise/go-rsm/internal/interfaces"
)

// Redis is a Persistence backed by a Redis instance.
//
// Deployment model follows a single-writer discipline: each driver owns
// its keyPrefix exclusively, and multiple drivers may share one Redis by
// namespacing. Redis is the source of truth; SET/GET/DEL on a single key
// are atomic, which is all the driver's two progress records need.
type Redis struct {
	log       *zap.Logger
	rdb       *redis.Client
	keyPrefix string
}

// NewRedis constructs a ready-to-use Redis store. keyPrefix namespaces
// every record; a trailing ":" is appended when missing.
func NewRedis(log *zap.Logger, rdb *redis.Client, keyPrefix string) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("nil redis client")
	}
	if keyPrefix == "" {
		return nil, fmt.Errorf("invalid keyPrefix: must be non-empty")
	}
	if !strings.HasSuffix(keyPrefix, ":") {
		keyPrefix = keyPrefix + ":"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{log: log, rdb: rdb, keyPrefix: keyPrefix}, nil
}

func (r *Redis) key(k string) string {
	return r.keyPrefix + k
}

// Put implements the Persistence interface
func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key(key), err)
	}
	return nil
}

// Get implements the Persistence interface
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key(key), err)
	}
	return v, nil
}

// Remove implements the Persistence interface
func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", r.key(key), err)
	}
	return nil
}

// RedisSequence is a Sequence whose high-water mark is mirrored to a
// Redis key (<prefix>id_seq), so a restarted process resumes allocation
// past every id it ever handed out.
//
// The in-process counter is canonical during a run; the mirror write is
// best effort and logged on failure. That keeps Next/Set/Current
// non-blocking and is sound under the same single-writer discipline as
// the store: only the owning driver allocates under the prefix, and the
// driver re-seeds the sequence from its own durable done pointer at
// start anyway. Like every Sequence, calls are serialized by the driver.
type RedisSequence struct {
	log    *zap.Logger
	rdb    *redis.Client
	seqKey string
	next   int64
}

// NewRedisSequence constructs a sequence under keyPrefix, seeded from
// the mirror key when present.
func NewRedisSequence(ctx context.Context, log *zap.Logger, rdb *redis.Client, keyPrefix string) (*RedisSequence, error) {
	if rdb == nil {
		return nil, errors.New("nil redis client")
	}
	if keyPrefix == "" {
		return nil, fmt.Errorf("invalid keyPrefix: must be non-empty")
	}
	if !strings.HasSuffix(keyPrefix, ":") {
		keyPrefix = keyPrefix + ":"
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &RedisSequence{log: log, rdb: rdb, seqKey: keyPrefix + "id_seq"}

	v, err := rdb.Get(ctx, s.seqKey).Result()
	switch {
	case errors.Is(err, redis.Nil):
		s.next = 0
	case err != nil:
		return nil, fmt.Errorf("redis get %s: %w", s.seqKey, err)
	default:
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("malformed sequence mirror %s=%q", s.seqKey, v)
		}
		s.next = n
	}
	return s, nil
}

// Next implements the Sequence interface
func (s *RedisSequence) Next() int64 {
	v := s.next
	s.next++
	s.mirror()
	return v
}

// Set implements the Sequence interface
func (s *RedisSequence) Set(v int64) {
	s.next = v
	s.mirror()
}

// Current implements the Sequence interface
func (s *RedisSequence) Current() int64 {
	return s.next
}

func (s *RedisSequence) mirror() {
	if err := s.rdb.Set(context.Background(), s.seqKey, strconv.FormatInt(s.next, 10), 0).Err(); err != nil {
		s.log.Warn("sequence mirror write failed",
			zap.String("key", s.seqKey), zap.Error(err))
	}
}

// Compile-time interface checks
var (
	_ interfaces.Persistence = (*Redis)(nil)
	_ interfaces.Sequence    = (*RedisSequence)(nil)
)
