package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	revokedTokenPrefix   = "revoked_token:"
	revokedSubjectPrefix = "revoked_subject:"
)

// RedisRevocationStore shares the blacklist across service instances. Redis
// key expiry removes entries at the token's own expiry.
type RedisRevocationStore struct {
	client redis.UniversalClient
}

func NewRedisRevocationStore(client redis.UniversalClient) *RedisRevocationStore {
	return &RedisRevocationStore{client: client}
}

func (s *RedisRevocationStore) Add(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, revokedTokenPrefix+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: revoke token: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisRevocationStore) Contains(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, revokedTokenPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: check revocation: %v", ErrStoreUnavailable, err)
	}
	return n > 0, nil
}

func (s *RedisRevocationStore) SetSubjectCutoff(ctx context.Context, subjectID string, cutoff time.Time, ttl time.Duration) error {
	value := strconv.FormatInt(cutoff.Unix(), 10)
	if err := s.client.Set(ctx, revokedSubjectPrefix+subjectID, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: revoke subject: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisRevocationStore) SubjectCutoff(ctx context.Context, subjectID string) (time.Time, error) {
	value, err := s.client.Get(ctx, revokedSubjectPrefix+subjectID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: read subject cutoff: %v", ErrStoreUnavailable, err)
	}

	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt subject cutoff %q: %w", value, err)
	}
	return time.Unix(unix, 0), nil
}
