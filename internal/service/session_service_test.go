package service

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/qcom/authcore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionService(t *testing.T, ttl time.Duration) (*SessionService, *testClock, *miniredis.Miniredis) {
	t.Helper()
	mr, client := newRedisClientForTest(t)
	logger, _ := newTestLogger()
	clock := newTestClock()

	svc := NewSessionService(client, ttl, nil, logger)
	svc.now = clock.Now
	return svc, clock, mr
}

func TestSessionService_CreateAndGet(t *testing.T) {
	svc, clock, mr := newTestSessionService(t, time.Hour)
	ctx := context.Background()

	session, err := svc.Create(ctx, "user-1", testMeta)
	require.NoError(t, err)
	assert.Len(t, session.ID, 64)
	assert.Equal(t, "Windows Desktop", session.Device)
	assert.Equal(t, "203.0.113.7", session.IP)

	members, err := mr.Members(userSessionsKey("user-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{session.ID}, members)

	clock.Advance(5 * time.Minute)
	got, err := svc.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.SubjectID)
	assert.True(t, got.LastActivity.Equal(clock.Now()))
	assert.True(t, got.CreatedAt.Equal(session.CreatedAt))
}

func TestSessionService_ExplicitDeviceWins(t *testing.T) {
	svc, _, _ := newTestSessionService(t, time.Hour)

	session, err := svc.Create(context.Background(), "user-1", models.SessionMetadata{UserAgent: "curl/8.0", Device: "CLI"})
	require.NoError(t, err)
	assert.Equal(t, "CLI", session.Device)
}

func TestSessionService_SlidingTTL(t *testing.T) {
	svc, _, mr := newTestSessionService(t, time.Hour)
	ctx := context.Background()

	session, err := svc.Create(ctx, "user-1", testMeta)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		mr.FastForward(50 * time.Minute)
		_, err := svc.Get(ctx, session.ID)
		require.NoError(t, err, "activity within the TTL keeps the session alive")
		assert.Equal(t, time.Hour, mr.TTL(sessionKey(session.ID)))
		assert.Equal(t, time.Hour, mr.TTL(userSessionsKey("user-1")))
	}

	mr.FastForward(61 * time.Minute)
	_, err = svc.Get(ctx, session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionService_GetUnknown(t *testing.T) {
	svc, _, _ := newTestSessionService(t, time.Hour)

	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Get(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionService_DestroyIsIdempotent(t *testing.T) {
	svc, _, mr := newTestSessionService(t, time.Hour)
	ctx := context.Background()

	session, err := svc.Create(ctx, "user-1", testMeta)
	require.NoError(t, err)

	require.NoError(t, svc.Destroy(ctx, session.ID, "user-1"))
	require.NoError(t, svc.Destroy(ctx, session.ID, "user-1"))

	_, err = svc.Get(ctx, session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists(sessionKey(session.ID)))
}

func TestSessionService_ListOrdersAndPrunes(t *testing.T) {
	svc, clock, mr := newTestSessionService(t, time.Hour)
	ctx := context.Background()

	first, err := svc.Create(ctx, "user-1", testMeta)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, err := svc.Create(ctx, "user-1", models.SessionMetadata{UserAgent: "Mozilla/5.0 (iPhone) Mobile"})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	third, err := svc.Create(ctx, "user-1", testMeta)
	require.NoError(t, err)

	// Touch the oldest so it becomes the most recent.
	clock.Advance(time.Minute)
	_, err = svc.Get(ctx, first.ID)
	require.NoError(t, err)

	// Simulate a record expiring ahead of its index entry.
	mr.Del(sessionKey(third.ID))

	sessions, err := svc.ListForSubject(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, first.ID, sessions[0].ID)
	assert.Equal(t, second.ID, sessions[1].ID)
	assert.Equal(t, "Mobile", sessions[1].Device)

	members, err := mr.Members(userSessionsKey("user-1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, members)
}

func TestSessionService_ListEmpty(t *testing.T) {
	svc, _, _ := newTestSessionService(t, time.Hour)

	sessions, err := svc.ListForSubject(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, sessions)
	assert.Empty(t, sessions)
}

func TestSessionService_ListDoesNotExtendTTL(t *testing.T) {
	svc, _, mr := newTestSessionService(t, time.Hour)
	ctx := context.Background()

	session, err := svc.Create(ctx, "user-1", testMeta)
	require.NoError(t, err)

	mr.FastForward(30 * time.Minute)
	_, err = svc.ListForSubject(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, mr.TTL(sessionKey(session.ID)))
}

func TestSessionService_DestroyAll(t *testing.T) {
	svc, _, mr := newTestSessionService(t, time.Hour)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := svc.Create(ctx, "user-1", testMeta)
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	other, err := svc.Create(ctx, "user-2", testMeta)
	require.NoError(t, err)

	mr.Del(sessionKey(ids[0]))

	n, err := svc.DestroyAll(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "only records that still existed are counted")

	sessions, err := svc.ListForSubject(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.False(t, mr.Exists(userSessionsKey("user-1")))

	for _, id := range ids {
		_, err := svc.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
	}

	_, err = svc.Get(ctx, other.ID)
	assert.NoError(t, err, "other subjects are untouched")

	n, err = svc.DestroyAll(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSessionService_DestroyAllCatchesConcurrentCreate(t *testing.T) {
	svc, _, mr := newTestSessionService(t, time.Hour)
	ctx := context.Background()

	first, err := svc.Create(ctx, "user-1", testMeta)
	require.NoError(t, err)

	var late *models.Session
	calls := 0
	svc.beforeDestroyAll = func() {
		calls++
		if calls == 1 {
			late, err = svc.Create(ctx, "user-1", testMeta)
			require.NoError(t, err)
		}
	}

	n, err := svc.DestroyAll(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "the index changed, so the transaction ran again")
	assert.Equal(t, 2, n)

	for _, id := range []string{first.ID, late.ID} {
		assert.False(t, mr.Exists(sessionKey(id)))
	}
	assert.False(t, mr.Exists(userSessionsKey("user-1")))
}

func TestClassifyDevice(t *testing.T) {
	tests := []struct {
		ua   string
		want string
	}{
		{"", "Unknown"},
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148", "Mobile"},
		{"Mozilla/5.0 (Linux; Android 13; Tablet)", "Tablet"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64)", "Windows Desktop"},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0)", "Mac Desktop"},
		{"Mozilla/5.0 (X11; Linux x86_64)", "Linux Desktop"},
		{"curl/8.4.0", "Desktop"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyDevice(tt.ua), tt.ua)
	}
}
