package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/qcom/authcore/internal/config"
	"github.com/qcom/authcore/internal/handlers"
	"github.com/qcom/authcore/internal/service"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	if err := newRootCommand(logger).ExecuteContext(context.Background()); err != nil {
		logger.WithError(err).Fatal("Command failed")
	}
}

func newRootCommand(logger *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "authcore",
		Short:         "Credential and session lifecycle service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newServeCommand(logger),
		newSweepCommand(logger),
		newSetRoleCommand(logger),
		newGenSecretCommand(),
	)
	return cmd
}

func newServeCommand(logger *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the refresh ledger sweeper and the revocation janitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig(logger)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func newSweepCommand(logger *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired refresh token records once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig(logger)
			ctx := cmd.Context()

			store, closeStore, err := newLedgerStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			n, err := store.DeleteExpired(ctx, time.Now())
			if err != nil {
				return fmt.Errorf("sweep refresh tokens: %w", err)
			}
			logger.WithFields(logrus.Fields{
				"backend": cfg.Ledger.Backend,
				"deleted": n,
			}).Info("Refresh token sweep complete")
			return nil
		},
	}
}

// newSetRoleCommand is how the first admin account is created.
func newSetRoleCommand(logger *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "set-role <user-id> <role>",
		Short: "Change an account's role and revoke its credentials",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(logger)
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			user, err := a.auth.SetRole(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("set role: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", user.Email, user.Role)
			return nil
		},
	}
}

func newGenSecretCommand() *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "gen-secret",
		Short: "Print a random JWT signing secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, err := service.NewSigningSecret(size)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "bytes", service.MinSigningSecretBytes, "secret size in random bytes")
	return cmd
}

func loadConfig(logger *logrus.Logger) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.WithField("level", cfg.Log.Level).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return cfg
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := handlers.RouterOptions{Metrics: a.metrics}
	if cfg.Metrics.Enabled {
		opts.MetricsHandler = a.metricsHandler()
		opts.MetricsPath = cfg.Metrics.Path
	}
	router := handlers.NewRouter(a.auth, opts, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.ledger.RunSweeper(gctx, cfg.Ledger.SweepInterval)
	})

	if a.memoryRevocations != nil {
		g.Go(func() error {
			return a.memoryRevocations.Run(gctx, cfg.Revocation.SweepInterval)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server exited")
	return nil
}
