package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// RedisState shares dedupe across guardian replicas through SETNX keys and
// appends finished records to a capped list. Counters stay per process.
type RedisState struct {
	rdb      redis.Cmdable
	prefix   string
	instance string
	ttl      time.Duration
	keep     int64
	mem      *MemoryState
}

func NewRedisState(rdb redis.Cmdable, prefix, instance string, ttl time.Duration) *RedisState {
	if ttl <= 0 {
		ttl = defaultSeenTTL
	}
	if prefix == "" {
		prefix = "guardian"
	}
	return &RedisState{
		rdb:      rdb,
		prefix:   prefix,
		instance: instance,
		ttl:      ttl,
		keep:     1000,
		mem:      NewMemoryState(ttl),
	}
}

func (s *RedisState) seenKey(h common.Hash) string { return s.prefix + ":seen:" + h.Hex() }

func (s *RedisState) recordsKey() string { return s.prefix + ":responses" }

// Claim falls back to the local set when Redis is unreachable; the local
// answer is returned alongside the error.
func (s *RedisState) Claim(ctx context.Context, source common.Hash) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.seenKey(source), s.instance, s.ttl).Result()
	if err != nil {
		first, _ := s.mem.Claim(ctx, source)
		return first, fmt.Errorf("redis claim: %w", err)
	}
	s.mem.remember(source)
	s.mem.count(ok)
	return ok, nil
}

func (s *RedisState) Record(ctx context.Context, r Record) error {
	_ = s.mem.Record(ctx, r)
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.rdb.LPush(ctx, s.recordsKey(), string(b)).Err(); err != nil {
		return fmt.Errorf("redis record: %w", err)
	}
	if err := s.rdb.LTrim(ctx, s.recordsKey(), 0, s.keep-1).Err(); err != nil {
		return fmt.Errorf("redis trim: %w", err)
	}
	return nil
}

func (s *RedisState) Stats() Stats { return s.mem.Stats() }

func (s *RedisState) Recent(n int) []Record { return s.mem.Recent(n) }
