package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/qcom/authcore/internal/config"
	"github.com/qcom/authcore/internal/models"
	"github.com/qcom/authcore/internal/password"
	"github.com/qcom/authcore/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var testJWTConfig = config.JWTConfig{
	AccessSecret:  "access-secret-0123456789abcdefghijklmnop",
	RefreshSecret: "refresh-secret-0123456789abcdefghijklmno",
	Issuer:        "auth-service",
	Audience:      "auth-service-clients",
	AccessExpiry:  15 * time.Minute,
	RefreshExpiry: 7 * 24 * time.Hour,
}

var testTwoFactorConfig = config.TwoFactorConfig{
	Issuer:          "AuthService",
	BackupCodeCount: 10,
	EnrollmentTTL:   10 * time.Minute,
	MaxAttempts:     5,
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

func newRedisClientForTest(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return server, client
}

// failingRevocationStore simulates an unreachable shared store.
type failingRevocationStore struct{}

var errBackendDown = errors.New("connection refused")

func (failingRevocationStore) Add(context.Context, string, time.Duration) error {
	return errors.Join(ErrStoreUnavailable, errBackendDown)
}

func (failingRevocationStore) Contains(context.Context, string) (bool, error) {
	return false, errors.Join(ErrStoreUnavailable, errBackendDown)
}

func (failingRevocationStore) SetSubjectCutoff(context.Context, string, time.Time, time.Duration) error {
	return errors.Join(ErrStoreUnavailable, errBackendDown)
}

func (failingRevocationStore) SubjectCutoff(context.Context, string) (time.Time, error) {
	return time.Time{}, errors.Join(ErrStoreUnavailable, errBackendDown)
}

func newTestJWTService(t *testing.T, clock *testClock, store RevocationStore, failOpen bool) (*JWTService, *RevocationRegistry) {
	t.Helper()
	logger, _ := newTestLogger()

	registry := NewRevocationRegistry(store, 24*time.Hour, testJWTConfig.AccessExpiry, logger)
	registry.now = clock.Now

	cfg := testJWTConfig
	svc, err := NewJWTService(&cfg, registry, failOpen, logger)
	require.NoError(t, err)
	svc.now = clock.Now
	return svc, registry
}

// testEnv wires every component over in-memory and miniredis backends.
type testEnv struct {
	clock       *testClock
	mr          *miniredis.Miniredis
	users       *repository.MemoryUserRepository
	ledgerStore *repository.MemoryRefreshTokenRepository
	revStore    *MemoryRevocationStore
	revocations *RevocationRegistry
	tokens      *JWTService
	sessions    *SessionService
	ledger      *RefreshTokenService
	twoFactor   *TwoFactorService
	auth        *AuthService
	hook        *test.Hook
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := newTestClock()
	logger, hook := newTestLogger()
	mr, client := newRedisClientForTest(t)

	revStore := NewMemoryRevocationStore()
	revStore.now = clock.Now
	tokens, registry := newTestJWTService(t, clock, revStore, false)

	users := repository.NewMemoryUserRepository()
	ledgerStore := repository.NewMemoryRefreshTokenRepository()

	sessions := NewSessionService(client, 7*24*time.Hour, nil, logger)
	sessions.now = clock.Now

	ledger := NewRefreshTokenService(ledgerStore, tokens, users, sessions, registry, nil, logger)
	ledger.now = clock.Now

	twoFactor := NewTwoFactorService(users, repository.NewEnrollmentRepository(client, logger), testTwoFactorConfig, nil, logger)
	twoFactor.now = clock.Now

	auth := NewAuthService(users, password.NewBcrypt(bcrypt.MinCost), tokens, ledger, registry, sessions, twoFactor, nil, logger)

	return &testEnv{
		clock:       clock,
		mr:          mr,
		users:       users,
		ledgerStore: ledgerStore,
		revStore:    revStore,
		revocations: registry,
		tokens:      tokens,
		sessions:    sessions,
		ledger:      ledger,
		twoFactor:   twoFactor,
		auth:        auth,
		hook:        hook,
	}
}

func (e *testEnv) createUser(t *testing.T, email string) *models.User {
	t.Helper()
	hash, err := password.NewBcrypt(bcrypt.MinCost).Hash("password123")
	require.NoError(t, err)

	u := &models.User{
		ID:           email + "-id",
		Email:        email,
		Role:         models.RoleUser,
		IsActive:     true,
		PasswordHash: hash,
	}
	require.NoError(t, e.users.Create(context.Background(), u))
	return u
}

func (e *testEnv) currentTOTP(t *testing.T, secret string) string {
	t.Helper()
	code, err := DeriveTOTP(secret, TimeStep(e.clock.Now()))
	require.NoError(t, err)
	return code
}

var testMeta = models.SessionMetadata{
	IP:        "203.0.113.7",
	UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
}
