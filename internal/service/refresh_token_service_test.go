package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qcom/authcore/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueForTest(t *testing.T, env *testEnv, user *models.User) (*models.TokenPair, *models.Session) {
	t.Helper()
	session, err := env.sessions.Create(context.Background(), user.ID, testMeta)
	require.NoError(t, err)
	pair, err := env.ledger.Issue(context.Background(), user, session.ID)
	require.NoError(t, err)
	return pair, session
}

func TestRefreshTokenService_Issue(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice@example.com")

	pair, session := issueForTest(t, env, user)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64(900), pair.ExpiresIn)

	rec, err := env.ledgerStore.FindByTokenHash(context.Background(), HashToken(pair.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, models.RefreshActive, rec.Status)
	assert.Equal(t, user.ID, rec.SubjectID)
	assert.Equal(t, session.ID, rec.SessionID)
	assert.NotEmpty(t, rec.FamilyID)
	assert.Equal(t, env.clock.Now().Add(testJWTConfig.RefreshExpiry).Unix(), rec.ExpiresAt.Unix())
}

func TestRefreshTokenService_Rotate(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice@example.com")
	ctx := context.Background()

	pair, session := issueForTest(t, env, user)
	env.clock.Advance(time.Minute)

	rotation, err := env.ledger.Rotate(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, session.ID, rotation.SessionID)
	assert.Equal(t, user.ID, rotation.User.ID)
	assert.NotEqual(t, pair.RefreshToken, rotation.Tokens.RefreshToken)

	old, err := env.ledgerStore.FindByTokenHash(ctx, HashToken(pair.RefreshToken))
	require.NoError(t, err)
	next, err := env.ledgerStore.FindByTokenHash(ctx, HashToken(rotation.Tokens.RefreshToken))
	require.NoError(t, err)

	assert.Equal(t, models.RefreshRotated, old.Status)
	assert.Equal(t, next.ID, old.ReplacedBy)
	assert.Equal(t, models.RefreshActive, next.Status)
	assert.Equal(t, old.FamilyID, next.FamilyID, "rotation stays within the family")
	assert.Equal(t, session.ID, next.SessionID)

	claims, err := env.tokens.VerifyAccess(ctx, rotation.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, session.ID, claims.SessionID)
	assert.Equal(t, models.RoleUser, claims.Role)
}

func TestRefreshTokenService_ReplayCascades(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice@example.com")
	ctx := context.Background()

	original, _ := issueForTest(t, env, user)
	other, _ := issueForTest(t, env, user)

	rotation, err := env.ledger.Rotate(ctx, original.RefreshToken)
	require.NoError(t, err)

	env.clock.Advance(time.Second)
	_, err = env.ledger.Rotate(ctx, original.RefreshToken)
	require.ErrorIs(t, err, ErrReuseDetected)
	assert.True(t, IsAuthRejection(err))

	for _, token := range []string{rotation.Tokens.RefreshToken, other.RefreshToken} {
		rec, err := env.ledgerStore.FindByTokenHash(ctx, HashToken(token))
		require.NoError(t, err)
		assert.Equal(t, models.RefreshRevoked, rec.Status)
	}

	sessions, err := env.sessions.ListForSubject(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions, "every session of the subject is destroyed")

	_, err = env.tokens.VerifyAccess(ctx, rotation.Tokens.AccessToken)
	assert.ErrorIs(t, err, ErrRevoked, "outstanding access tokens are cut off")

	_, err = env.ledger.Rotate(ctx, rotation.Tokens.RefreshToken)
	assert.Error(t, err)

	var warned bool
	for _, entry := range env.hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Data["subject_id"] == user.ID {
			warned = true
		}
	}
	assert.True(t, warned, "reuse is logged as a warning")
}

func TestRefreshTokenService_ConcurrentRotation(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice@example.com")
	pair, _ := issueForTest(t, env, user)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.ledger.Rotate(context.Background(), pair.RefreshToken)
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var ok, reuse int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrReuseDetected):
			reuse++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, reuse)
}

func TestRefreshTokenService_RotateRejections(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice@example.com")
	ctx := context.Background()

	t.Run("malformed", func(t *testing.T) {
		_, err := env.ledger.Rotate(ctx, "garbage")
		assert.ErrorIs(t, err, ErrInvalidToken)
		assert.ErrorIs(t, err, ErrMalformedToken)
	})

	t.Run("access token", func(t *testing.T) {
		pair, _ := issueForTest(t, env, user)
		_, err := env.ledger.Rotate(ctx, pair.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("never persisted", func(t *testing.T) {
		issued, err := env.tokens.IssueRefresh(user.Subject(""))
		require.NoError(t, err)
		_, err = env.ledger.Rotate(ctx, issued.Token)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("token expired", func(t *testing.T) {
		local := newTestEnv(t)
		u := local.createUser(t, "bob@example.com")
		pair, _ := issueForTest(t, local, u)

		local.clock.Advance(testJWTConfig.RefreshExpiry + time.Second)
		_, err := local.ledger.Rotate(ctx, pair.RefreshToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
		assert.ErrorIs(t, err, ErrExpired)
	})
}

func TestRefreshTokenService_RecordExpired(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice@example.com")
	ctx := context.Background()

	issued, err := env.tokens.IssueRefresh(user.Subject(""))
	require.NoError(t, err)
	require.NoError(t, env.ledgerStore.Create(ctx, &models.RefreshToken{
		ID:        "rec-1",
		SubjectID: user.ID,
		FamilyID:  "fam-1",
		TokenHash: HashToken(issued.Token),
		Status:    models.RefreshActive,
		CreatedAt: env.clock.Now(),
		ExpiresAt: env.clock.Now().Add(-time.Second),
	}))

	_, err = env.ledger.Rotate(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestRefreshTokenService_SessionGone(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice@example.com")
	ctx := context.Background()

	pair, session := issueForTest(t, env, user)
	require.NoError(t, env.sessions.Destroy(ctx, session.ID, user.ID))

	_, err := env.ledger.Rotate(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrRevoked)

	rec, err := env.ledgerStore.FindByTokenHash(ctx, HashToken(pair.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, models.RefreshRevoked, rec.Status)
}

func TestRefreshTokenService_InactiveUser(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice@example.com")
	ctx := context.Background()

	pair, _ := issueForTest(t, env, user)
	require.NoError(t, env.users.SetActive(ctx, user.ID, false))

	_, err := env.ledger.Rotate(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrAccountInactive)

	rec, err := env.ledgerStore.FindByTokenHash(ctx, HashToken(pair.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, models.RefreshRevoked, rec.Status)
}

func TestRefreshTokenService_RevokeAndRevokeAll(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice@example.com")
	ctx := context.Background()

	a, _ := issueForTest(t, env, user)
	b, _ := issueForTest(t, env, user)
	c, _ := issueForTest(t, env, user)

	require.NoError(t, env.ledger.Revoke(ctx, a.RefreshToken))
	require.NoError(t, env.ledger.Revoke(ctx, "unknown-token"), "unknown tokens are ignored")

	_, err := env.ledger.Rotate(ctx, a.RefreshToken)
	assert.ErrorIs(t, err, ErrReuseDetected, "a logged-out token presented again is treated as reuse")

	n, err := env.ledger.RevokeAll(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "the cascade already revoked the rest")

	for _, token := range []string{b.RefreshToken, c.RefreshToken} {
		rec, err := env.ledgerStore.FindByTokenHash(ctx, HashToken(token))
		require.NoError(t, err)
		assert.Equal(t, models.RefreshRevoked, rec.Status)
	}
}

func TestRefreshTokenService_Sweep(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice@example.com")
	ctx := context.Background()

	old, _ := issueForTest(t, env, user)
	env.clock.Advance(testJWTConfig.RefreshExpiry - time.Hour)
	fresh, _ := issueForTest(t, env, user)
	env.clock.Advance(2 * time.Hour)

	n, err := env.ledger.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = env.ledgerStore.FindByTokenHash(ctx, HashToken(old.RefreshToken))
	assert.Error(t, err)
	_, err = env.ledgerStore.FindByTokenHash(ctx, HashToken(fresh.RefreshToken))
	assert.NoError(t, err)
}

func TestRefreshTokenService_RunSweeperStops(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- env.ledger.RunSweeper(ctx, time.Millisecond)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
