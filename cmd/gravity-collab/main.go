package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/app"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "gravity-collab",
		Short:        "Gravity collaborative document sync and compaction engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newWorkerCommand(), newSweepCommand())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	flags.StringSlice("redis-addresses", nil, "Redis addresses; all of them form the lease quorum")
	flags.String("bus-driver", defaults.GetString("bus.driver"), "Fanout bus (local, redis)")
	flags.String("lock-driver", defaults.GetString("lock.driver"), "Compaction lease manager (local, redis)")
	flags.String("queue-driver", defaults.GetString("queue.driver"), "Job queue (memory, asynq)")

	bindFlag(flags.Lookup("log-level"), "log.level")
	bindFlag(flags.Lookup("database-driver"), "database.driver")
	bindFlag(flags.Lookup("database-dsn"), "database.dsn")
	bindFlag(flags.Lookup("redis-addresses"), "redis.addresses")
	bindFlag(flags.Lookup("bus-driver"), "bus.driver")
	bindFlag(flags.Lookup("lock-driver"), "lock.driver")
	bindFlag(flags.Lookup("queue-driver"), "queue.driver")
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync websocket and document API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	defaults := config.NewViper()
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.Flags().Duration("sweep-interval", defaults.GetDuration("sweep.interval"), "Interval between in-process sweeps (0 disables)")
	bindOnRun(cmd, map[string]string{
		"http-address":   "http.address",
		"signing-secret": "auth.signing_secret",
		"sweep-interval": "sweep.interval",
	})
	return cmd
}

func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume compaction jobs and sweep on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
	defaults := config.NewViper()
	cmd.Flags().Int("concurrency", defaults.GetInt("worker.concurrency"), "Concurrent job handlers")
	cmd.Flags().Duration("sweep-interval", defaults.GetDuration("sweep.interval"), "Interval between sweeps (0 disables)")
	bindOnRun(cmd, map[string]string{
		"concurrency":    "worker.concurrency",
		"sweep-interval": "sweep.interval",
	})
	return cmd
}

func newSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact-sweep",
		Short: "Enqueue compaction for every stale document and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context())
		},
	}
	defaults := config.NewViper()
	cmd.Flags().Int("batch-size", defaults.GetInt("sweep.batch_size"), "Documents per batch")
	cmd.Flags().Duration("delay-window", defaults.GetDuration("sweep.delay_window"), "Upper bound of the random delay per job")
	cmd.Flags().Duration("threshold", defaults.GetDuration("compaction.threshold"), "Quiet period before a document is compacted")
	bindOnRun(cmd, map[string]string{
		"batch-size":   "sweep.batch_size",
		"delay-window": "sweep.delay_window",
		"threshold":    "compaction.threshold",
	})
	return cmd
}

func bindFlag(flag *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// bindOnRun binds a subcommand's flags only once that subcommand runs.
// Subcommands share keys such as sweep.interval, and viper keeps a single
// flag per key.
func bindOnRun(cmd *cobra.Command, keys map[string]string) {
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		return bindFlags(viper.GetViper(), cmd.Flags(), keys)
	}
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for name, key := range keys {
		flag := flags.Lookup(name)
		if flag == nil {
			return fmt.Errorf("flag --%s is not defined", name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind --%s to %s: %w", name, key, err)
		}
	}
	return nil
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// start loads configuration and builds the runtime for one entrypoint.
func start(ctx context.Context, role string) (*app.Runtime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, role)
	if err != nil {
		return nil, err
	}
	runtime, err := app.New(ctx, appConfig, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		_ = logger.Sync()
		return nil, err
	}
	return runtime, nil
}

func stopRuntime(runtime *app.Runtime) {
	if err := runtime.Close(); err != nil {
		runtime.Logger.Warn("shutdown incomplete", zap.Error(err))
	}
	_ = runtime.Logger.Sync()
}

func runServe(ctx context.Context) error {
	runtime, err := start(ctx, "serve")
	if err != nil {
		return err
	}
	defer stopRuntime(runtime)
	appConfig := runtime.Config
	logger := runtime.Logger

	if err := appConfig.ValidateServe(); err != nil {
		return err
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:      validator,
		Documents:      runtime.Documents,
		Sessions:       runtime.Sessions,
		Bus:            runtime.Bus,
		Gatherer:       runtime.Registry,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger.Named("http"),
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	// Without a shared queue nobody else will sweep this node's documents.
	if runtime.InProcessJobs() {
		group.Go(func() error {
			sweepEvery(groupCtx, runtime)
			return nil
		})
	}
	return group.Wait()
}

func runWorker(ctx context.Context) error {
	runtime, err := start(ctx, "worker")
	if err != nil {
		return err
	}
	defer stopRuntime(runtime)

	group, groupCtx := errgroup.WithContext(ctx)
	if !runtime.InProcessJobs() {
		worker, err := runtime.AsynqWorker()
		if err != nil {
			return err
		}
		group.Go(func() error {
			return worker.Run(groupCtx)
		})
	}
	group.Go(func() error {
		sweepEvery(groupCtx, runtime)
		return nil
	})
	runtime.Logger.Info("worker started",
		zap.String("queue", runtime.Config.QueueDriver),
		zap.Duration("sweep_interval", runtime.Config.SweepInterval))
	return group.Wait()
}

func runSweep(ctx context.Context) error {
	runtime, err := start(ctx, "compact-sweep")
	if err != nil {
		return err
	}
	defer stopRuntime(runtime)

	report, err := runtime.Sweeper.Run(ctx)
	if err != nil {
		runtime.Logger.Error("compaction sweep failed", zap.Error(err))
		return err
	}
	runtime.WaitForJobs()
	runtime.Logger.Info("compaction sweep complete",
		zap.Int("batches", len(report.Batches)),
		zap.Int("enqueued", report.Enqueued))
	return nil
}

// sweepEvery runs the sweep on the configured interval until ctx ends. A
// failed sweep is logged and retried on the next tick.
func sweepEvery(ctx context.Context, runtime *app.Runtime) {
	interval := runtime.Config.SweepInterval
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := runtime.Sweeper.Run(ctx); err != nil && ctx.Err() == nil {
				runtime.Logger.Error("scheduled compaction sweep failed", zap.Error(err))
			}
		}
	}
}
