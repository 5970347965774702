package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/roomsync/coordinator/internal/v1/metrics"
	"github.com/sony/gobreaker"
)

// SetAdd adds a member to a Redis Set. Used for distributed state such as
// a room's connection-set or a vote session's voterIds.
func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: skipping SetAdd", "key", key)
			return nil
		}
		slog.Error("redis SetAdd failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SetRem removes a member from a Redis Set.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: skipping SetRem", "key", key)
			return nil
		}
		slog.Error("redis SetRem failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers retrieves all members of a Redis Set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: returning empty set members", "key", key)
			return nil, nil
		}
		slog.Error("redis SetMembers failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}

// Set writes a string value with an optional TTL (0 means no expiry). Used
// for the per-connection presence records and playback snapshots.
func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return fmt.Errorf("failed to set key %q: %w", key, err)
	}
	return nil
}

// Get reads a string value. Returns ("", nil) if the key does not exist.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	if s == nil || s.client == nil {
		return "", nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		v, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return "", nil
		}
		return v, err
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return "", nil
		}
		return "", fmt.Errorf("failed to get key %q: %w", key, err)
	}
	return res.(string), nil
}

// Del removes one or more keys.
func (s *Service) Del(ctx context.Context, keys ...string) error {
	if s == nil || s.client == nil || len(keys) == 0 {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// MGet reads several string values at once, preserving order; entries for
// missing keys come back as empty strings.
func (s *Service) MGet(ctx context.Context, keys ...string) ([]string, error) {
	if s == nil || s.client == nil || len(keys) == 0 {
		return make([]string, len(keys)), nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.MGet(ctx, keys...).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return make([]string, len(keys)), nil
		}
		return nil, fmt.Errorf("failed to mget keys: %w", err)
	}

	raw := res.([]interface{})
	out := make([]string, len(raw))
	for i, v := range raw {
		if v == nil {
			continue
		}
		out[i], _ = v.(string)
	}
	return out, nil
}

// HSet sets a field in a Redis Hash. Used for the per-room vote tally
// (one hash per VoteSessionID, one field per candidate/choice).
func (s *Service) HSet(ctx context.Context, key, field, value string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.HSet(ctx, key, field, value).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return fmt.Errorf("failed to hset %q/%q: %w", key, field, err)
	}
	return nil
}

// HGet reads a single field from a Redis Hash.
func (s *Service) HGet(ctx context.Context, key, field string) (string, error) {
	if s == nil || s.client == nil {
		return "", nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		v, err := s.client.HGet(ctx, key, field).Result()
		if err == redis.Nil {
			return "", nil
		}
		return v, err
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return "", nil
		}
		return "", fmt.Errorf("failed to hget %q/%q: %w", key, field, err)
	}
	return res.(string), nil
}

// HGetAll reads every field of a Redis Hash. Used to rebuild a vote
// tally snapshot (spec's vote:results-updated payload).
func (s *Service) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if s == nil || s.client == nil {
		return map[string]string{}, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.HGetAll(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to hgetall %q: %w", key, err)
	}
	return res.(map[string]string), nil
}

// HIncrBy atomically increments a field in a Redis Hash and returns the
// new value. Used for vote tallies, where every ballot cast is one
// HIncrBy against the candidate's field.
func (s *Service) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	if s == nil || s.client == nil {
		return 0, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.HIncrBy(ctx, key, field, n).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return 0, nil
		}
		return 0, fmt.Errorf("failed to hincrby %q/%q: %w", key, field, err)
	}
	return res.(int64), nil
}

// HDel removes one or more fields from a Redis Hash.
func (s *Service) HDel(ctx context.Context, key string, fields ...string) error {
	if s == nil || s.client == nil || len(fields) == 0 {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.HDel(ctx, key, fields...).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return fmt.Errorf("failed to hdel %q: %w", key, err)
	}
	return nil
}

// Expire sets a TTL on an existing key. Used to arm the shortened 60s
// post-completion TTL window on a finished vote session.
func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Expire(ctx, key, ttl).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return fmt.Errorf("failed to expire %q: %w", key, err)
	}
	return nil
}

// TxPipelined runs fn against a transactional pipeline (MULTI/EXEC),
// executing every queued command atomically. The vote engine does not
// use it: it adds a voter to voterIds and increments the tally with
// separate calls.
func (s *Service) TxPipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.TxPipelined(ctx, fn)
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: skipping pipelined transaction")
			return nil
		}
		return fmt.Errorf("pipelined transaction failed: %w", err)
	}
	return nil
}
