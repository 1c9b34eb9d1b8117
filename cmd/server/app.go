package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qcom/authcore/internal/config"
	"github.com/qcom/authcore/internal/metrics"
	"github.com/qcom/authcore/internal/password"
	"github.com/qcom/authcore/internal/repository"
	"github.com/qcom/authcore/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// app holds the wired components of a running server.
type app struct {
	auth              *service.AuthService
	ledger            *service.RefreshTokenService
	memoryRevocations *service.MemoryRevocationStore
	registry          *prometheus.Registry
	metrics           *metrics.Metrics
	closers           []func() error
	logger            *logrus.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{logger: logger}
	if err := a.wire(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, cfg *config.Config) error {
	logger := a.logger

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	redisClient, err := initRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, redisClient.Close)

	var dynamoClient *dynamodb.Client
	if cfg.UsesDynamoDB() {
		dynamoClient, err = initDynamoDB(ctx, cfg, logger)
		if err != nil {
			return err
		}
	}

	var revocationStore service.RevocationStore
	switch cfg.Revocation.Backend {
	case config.BackendMemory:
		a.memoryRevocations = service.NewMemoryRevocationStore()
		revocationStore = a.memoryRevocations
		logger.Warn("Using in-process revocation registry; revocations are not shared between instances")
	default:
		revocationStore = service.NewRedisRevocationStore(redisClient)
	}
	revocations := service.NewRevocationRegistry(revocationStore, cfg.Revocation.FallbackTTL, cfg.JWT.AccessExpiry, logger)

	tokens, err := service.NewJWTService(&cfg.JWT, revocations, cfg.Revocation.FailOpen, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT service: %w", err)
	}

	var users interface {
		service.UserStore
		service.TwoFactorUserStore
	}
	switch cfg.Users.Backend {
	case config.BackendMemory:
		users = repository.NewMemoryUserRepository()
	default:
		users = repository.NewUserRepository(dynamoClient, cfg.DynamoDB.TableName, logger)
	}

	ledgerStore, closeLedger, err := openLedgerStore(ctx, cfg, dynamoClient, logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closeLedger)

	sessions := service.NewSessionService(redisClient, cfg.Session.TTL, a.metrics, logger)
	a.ledger = service.NewRefreshTokenService(ledgerStore, tokens, users, sessions, revocations, a.metrics, logger)
	twoFactor := service.NewTwoFactorService(users, repository.NewEnrollmentRepository(redisClient, logger), cfg.TwoFactor, a.metrics, logger)
	a.auth = service.NewAuthService(
		users,
		password.NewBcrypt(bcrypt.DefaultCost),
		tokens,
		a.ledger,
		revocations,
		sessions,
		twoFactor,
		a.metrics,
		logger,
	)

	return nil
}

func (a *app) metricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("Failed to close resource")
		}
	}
	a.closers = nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Endpoint, err)
	}

	logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis client initialized")
	return client, nil
}

func initDynamoDB(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DynamoDB.Region))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg)
	logger.WithField("table", cfg.DynamoDB.TableName).Info("DynamoDB client initialized")
	return client, nil
}

// newLedgerStore opens only what the sweep command needs.
func newLedgerStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (service.RefreshTokenStore, func() error, error) {
	var dynamoClient *dynamodb.Client
	if cfg.Ledger.Backend == config.BackendDynamoDB {
		var err error
		dynamoClient, err = initDynamoDB(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
	}
	return openLedgerStore(ctx, cfg, dynamoClient, logger)
}

func openLedgerStore(ctx context.Context, cfg *config.Config, dynamoClient *dynamodb.Client, logger *logrus.Logger) (service.RefreshTokenStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		logger.Warn("Using in-process refresh token ledger; records are lost on restart")
		return repository.NewMemoryRefreshTokenRepository(), noop, nil

	case config.BackendPostgres:
		db, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
			Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
			TranslateError: true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get postgres handle: %w", err)
		}

		store := repository.NewGormRefreshTokenRepository(db)
		if err := store.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, nil, fmt.Errorf("failed to migrate refresh token table: %w", err)
		}
		logger.Info("Postgres refresh token ledger initialized")
		return store, sqlDB.Close, nil

	default:
		return repository.NewRefreshTokenRepository(dynamoClient, cfg.DynamoDB.TableName, cfg.DynamoDB.SubjectIndex, logger), noop, nil
	}
}
