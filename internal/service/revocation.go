package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RevocationStore holds blacklist entries that disappear on their own once
// their TTL elapses. Implementations wrap connectivity failures in
// ErrStoreUnavailable.
type RevocationStore interface {
	Add(ctx context.Context, key string, ttl time.Duration) error
	Contains(ctx context.Context, key string) (bool, error)
	SetSubjectCutoff(ctx context.Context, subjectID string, cutoff time.Time, ttl time.Duration) error
	SubjectCutoff(ctx context.Context, subjectID string) (time.Time, error)
}

// RevocationRegistry blacklists access tokens until their natural expiry.
type RevocationRegistry struct {
	store       RevocationStore
	fallbackTTL time.Duration
	cutoffTTL   time.Duration
	logger      *logrus.Logger
	now         func() time.Time
}

// NewRevocationRegistry builds a registry over store. fallbackTTL bounds
// entries whose expiry cannot be decoded; cutoffTTL is how long a
// subject-wide cutoff is kept, which must cover one access token lifetime.
func NewRevocationRegistry(store RevocationStore, fallbackTTL, cutoffTTL time.Duration, logger *logrus.Logger) *RevocationRegistry {
	return &RevocationRegistry{
		store:       store,
		fallbackTTL: fallbackTTL,
		cutoffTTL:   cutoffTTL,
		logger:      logger,
		now:         time.Now,
	}
}

// Revoke blacklists token until its own exp claim.
func (r *RevocationRegistry) Revoke(ctx context.Context, token string) error {
	ttl := r.fallbackTTL
	if exp, ok := unverifiedExpiry(token); ok {
		ttl = exp.Sub(r.now())
		if ttl <= 0 {
			// Already dead; nothing to remember.
			return nil
		}
	} else {
		r.logger.Debug("Revoked token has no readable expiry, using fallback TTL")
	}

	return r.store.Add(ctx, HashToken(token), ttl)
}

func (r *RevocationRegistry) IsRevoked(ctx context.Context, token string) (bool, error) {
	return r.store.Contains(ctx, HashToken(token))
}

// RevokeSubject rejects every token of subjectID issued before the current
// second.
func (r *RevocationRegistry) RevokeSubject(ctx context.Context, subjectID string) error {
	cutoff := r.now().Truncate(time.Second)
	return r.store.SetSubjectCutoff(ctx, subjectID, cutoff, r.cutoffTTL)
}

// SubjectCutoff returns the zero time when no cutoff is recorded.
func (r *RevocationRegistry) SubjectCutoff(ctx context.Context, subjectID string) (time.Time, error) {
	return r.store.SubjectCutoff(ctx, subjectID)
}
