package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/qcom/authcore/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// EnrollmentRepository keeps pending two-factor enrollments in Redis. The
// record and its attempt counter share one TTL, so an abandoned setup
// disappears on its own.
type EnrollmentRepository struct {
	client redis.UniversalClient
	logger *logrus.Logger
}

func NewEnrollmentRepository(client redis.UniversalClient, logger *logrus.Logger) *EnrollmentRepository {
	return &EnrollmentRepository{
		client: client,
		logger: logger,
	}
}

func enrollmentKey(subjectID string) string {
	return fmt.Sprintf("2fa_enrollment:%s", subjectID)
}

func enrollmentAttemptsKey(subjectID string) string {
	return fmt.Sprintf("2fa_enrollment_attempts:%s", subjectID)
}

// Save replaces any pending enrollment for the subject and resets its
// attempt counter.
func (r *EnrollmentRepository) Save(ctx context.Context, enrollment *models.TwoFactorEnrollment, ttl time.Duration) error {
	dataJSON, err := json.Marshal(enrollment)
	if err != nil {
		return fmt.Errorf("failed to marshal enrollment: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, enrollmentKey(enrollment.SubjectID), dataJSON, ttl)
		pipe.Del(ctx, enrollmentAttemptsKey(enrollment.SubjectID))
		return nil
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to store enrollment in Redis")
		return fmt.Errorf("failed to store enrollment: %w", err)
	}
	return nil
}

func (r *EnrollmentRepository) Get(ctx context.Context, subjectID string) (*models.TwoFactorEnrollment, error) {
	var (
		data     *redis.StringCmd
		attempts *redis.StringCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		data = pipe.Get(ctx, enrollmentKey(subjectID))
		attempts = pipe.Get(ctx, enrollmentAttemptsKey(subjectID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}

	dataJSON, err := data.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}

	var enrollment models.TwoFactorEnrollment
	if err := json.Unmarshal(dataJSON, &enrollment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal enrollment: %w", err)
	}

	if n, err := attempts.Result(); err == nil {
		enrollment.Attempts, _ = strconv.Atoi(n)
	}
	return &enrollment, nil
}

// IncrementAttempts records a failed verification and returns the new count.
// The counter inherits the enrollment's remaining TTL.
func (r *EnrollmentRepository) IncrementAttempts(ctx context.Context, subjectID string) (int, error) {
	ttl, err := r.client.PTTL(ctx, enrollmentKey(subjectID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read enrollment ttl: %w", err)
	}
	if ttl <= 0 {
		return 0, ErrNotFound
	}

	var incr *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, enrollmentAttemptsKey(subjectID))
		pipe.PExpire(ctx, enrollmentAttemptsKey(subjectID), ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment enrollment attempts: %w", err)
	}
	return int(incr.Val()), nil
}

func (r *EnrollmentRepository) Delete(ctx context.Context, subjectID string) error {
	if err := r.client.Del(ctx, enrollmentKey(subjectID), enrollmentAttemptsKey(subjectID)).Err(); err != nil {
		return fmt.Errorf("failed to delete enrollment: %w", err)
	}
	return nil
}
