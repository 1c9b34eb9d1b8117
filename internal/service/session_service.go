package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/qcom/authcore/internal/metrics"
	"github.com/qcom/authcore/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	sessionKeyPrefix      = "session:"
	userSessionsKeyPrefix = "user_sessions:"
	sessionIDBytes        = 32
	maxDestroyAllAttempts = 5
)

// SessionService tracks every live session of a subject in Redis. Each
// session is a JSON record under session:<id>; user_sessions:<subject> is the
// set of ids. Both carry a sliding TTL.
type SessionService struct {
	client  redis.UniversalClient
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *logrus.Logger
	now     func() time.Time

	// beforeDestroyAll runs between reading the index and deleting.
	beforeDestroyAll func()
}

func NewSessionService(client redis.UniversalClient, ttl time.Duration, m *metrics.Metrics, logger *logrus.Logger) *SessionService {
	return &SessionService{
		client:  client,
		ttl:     ttl,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func userSessionsKey(subjectID string) string {
	return userSessionsKeyPrefix + subjectID
}

func newSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *SessionService) Create(ctx context.Context, subjectID string, meta models.SessionMetadata) (*models.Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	device := meta.Device
	if device == "" {
		device = ClassifyDevice(meta.UserAgent)
	}

	now := s.now().UTC()
	session := &models.Session{
		ID:           id,
		SubjectID:    subjectID,
		IP:           meta.IP,
		UserAgent:    meta.UserAgent,
		Device:       device,
		CreatedAt:    now,
		LastActivity: now,
	}

	dataJSON, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(id), dataJSON, s.ttl)
		pipe.SAdd(ctx, userSessionsKey(subjectID), id)
		pipe.Expire(ctx, userSessionsKey(subjectID), s.ttl)
		return nil
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to store session in Redis")
		return nil, fmt.Errorf("%w: create session: %v", ErrStoreUnavailable, err)
	}

	s.metrics.Session("create", 1)
	return session, nil
}

// Get resolves a session and slides its TTL forward. A session destroyed
// concurrently is not resurrected: the write only applies if the key still
// exists.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}

	dataJSON, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", ErrStoreUnavailable, err)
	}

	var session models.Session
	if err := json.Unmarshal(dataJSON, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	session.LastActivity = s.now().UTC()
	updated, err := json.Marshal(&session)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	var touched *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		touched = pipe.SetXX(ctx, sessionKey(sessionID), updated, s.ttl)
		pipe.Expire(ctx, userSessionsKey(session.SubjectID), s.ttl)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: touch session: %v", ErrStoreUnavailable, err)
	}
	if !touched.Val() {
		return nil, ErrNotFound
	}

	return &session, nil
}

// Destroy removes one session. Destroying an absent session is not an error.
func (s *SessionService) Destroy(ctx context.Context, sessionID, subjectID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(sessionID))
		pipe.SRem(ctx, userSessionsKey(subjectID), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: destroy session: %v", ErrStoreUnavailable, err)
	}

	s.metrics.Session("destroy", 1)
	return nil
}

// ListForSubject returns the subject's sessions, most recently active first.
// Index entries that no longer resolve are pruned. Listing does not extend
// any session's TTL.
func (s *SessionService) ListForSubject(ctx context.Context, subjectID string) ([]models.Session, error) {
	ids, err := s.client.SMembers(ctx, userSessionsKey(subjectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", ErrStoreUnavailable, err)
	}
	if len(ids) == 0 {
		return []models.Session{}, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Get(ctx, sessionKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: list sessions: %v", ErrStoreUnavailable, err)
	}

	sessions := make([]models.Session, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		dataJSON, err := cmd.Bytes()
		if err != nil {
			stale = append(stale, ids[i])
			continue
		}
		var session models.Session
		if err := json.Unmarshal(dataJSON, &session); err != nil {
			s.logger.WithError(err).WithField("session_id", ids[i]).Warn("Dropping corrupt session record")
			stale = append(stale, ids[i])
			continue
		}
		sessions = append(sessions, session)
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, userSessionsKey(subjectID), stale...).Err(); err != nil {
			s.logger.WithError(err).Warn("Failed to prune stale session index entries")
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivity.After(sessions[j].LastActivity)
	})
	return sessions, nil
}

// DestroyAll removes every session of the subject together with the index,
// returning the number of session records that existed. The index is
// watched so a session created mid-call is either removed too or the
// transaction is retried.
func (s *SessionService) DestroyAll(ctx context.Context, subjectID string) (int, error) {
	indexKey := userSessionsKey(subjectID)

	var dels []*redis.IntCmd
	destroy := func(tx *redis.Tx) error {
		ids, err := tx.SMembers(ctx, indexKey).Result()
		if err != nil {
			return err
		}
		if s.beforeDestroyAll != nil {
			s.beforeDestroyAll()
		}

		dels = make([]*redis.IntCmd, len(ids))
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range ids {
				dels[i] = pipe.Del(ctx, sessionKey(id))
			}
			pipe.Del(ctx, indexKey)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < maxDestroyAllAttempts; attempt++ {
		err = s.client.Watch(ctx, destroy, indexKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("%w: destroy sessions: %v", ErrStoreUnavailable, err)
	}

	removed := 0
	for _, cmd := range dels {
		removed += int(cmd.Val())
	}

	s.metrics.Session("destroy", removed)
	return removed, nil
}

// ClassifyDevice derives an informational device label from a user agent.
// It is never used for authorization.
func ClassifyDevice(userAgent string) string {
	if userAgent == "" {
		return "Unknown"
	}
	switch {
	case strings.Contains(userAgent, "Mobile"):
		return "Mobile"
	case strings.Contains(userAgent, "Tablet"):
		return "Tablet"
	case strings.Contains(userAgent, "Windows"):
		return "Windows Desktop"
	case strings.Contains(userAgent, "Macintosh"):
		return "Mac Desktop"
	case strings.Contains(userAgent, "Linux"):
		return "Linux Desktop"
	default:
		return "Desktop"
	}
}
