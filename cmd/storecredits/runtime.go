package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/internal/app"
	"github.com/MarkoPoloResearchLab/storecredits/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/storecredits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/storecredits/internal/locking"
	"github.com/MarkoPoloResearchLab/storecredits/internal/oplog"
	"github.com/MarkoPoloResearchLab/storecredits/internal/settings"
	"github.com/MarkoPoloResearchLab/storecredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/storecredits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const redisPingTimeout = 5 * time.Second

// environment holds the opened stores and the wired components.
type environment struct {
	store   *gormstore.Store
	app     *app.App
	logger  *zap.Logger
	closers []func() error
}

func (env *environment) Close() {
	for index := len(env.closers) - 1; index >= 0; index-- {
		if err := env.closers[index](); err != nil {
			env.logger.Warn("close failed", zap.Error(err))
		}
	}
}

func withEnvironment(cmd *cobra.Command, cfg *runtimeConfig, run func(env *environment) error) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	signingKey := cfg.TokenSigningKey
	if strings.TrimSpace(signingKey) == "" {
		// One-shot commands never issue checkout tokens.
		signingKey = uuid.NewString()
	}
	env, err := openEnvironment(cmd.Context(), cfg, []byte(signingKey), logger)
	if err != nil {
		return err
	}
	defer env.Close()
	return run(env)
}

func openEnvironment(ctx context.Context, cfg *runtimeConfig, signingKey []byte, logger *zap.Logger) (*environment, error) {
	env := &environment{logger: logger}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	env.closers = append(env.closers, cleanup)
	env.store = gormstore.New(gormDB)
	if err := prepareSchema(ctx, env.store); err != nil {
		env.Close()
		return nil, err
	}

	options := app.Options{
		Host:            env.store,
		Logger:          logger,
		TokenSigningKey: signingKey,
		TokenTTL:        cfg.TokenTTL,
		TickInterval:    cfg.TickInterval,
	}

	if driver == driverPostgres {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			env.Close()
			return nil, fmt.Errorf("pgx pool: %w", err)
		}
		env.closers = append(env.closers, func() error { pool.Close(); return nil })
		balances := pgstore.New(pool)
		if err := balances.EnsureSchema(ctx); err != nil {
			env.Close()
			return nil, err
		}
		options.Balances = balances
	}

	options.Locker, err = openLocker(ctx, cfg, env, logger)
	if err != nil {
		env.Close()
		return nil, err
	}
	options.OperationLogger, err = openOperationLog(cfg, env, logger)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.app, err = app.New(options)
	if err != nil {
		env.Close()
		return nil, err
	}
	if err := seedSettings(ctx, env.store, env.app.Settings, cfg.Timezone); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func openLocker(ctx context.Context, cfg *runtimeConfig, env *environment, logger *zap.Logger) (ledger.Locker, error) {
	if cfg.RedisAddr == "" {
		return locking.NewMemoryLocker(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	env.closers = append(env.closers, client.Close)
	return locking.NewRedisLocker(client, logger.Named("locking")), nil
}

func openOperationLog(cfg *runtimeConfig, env *environment, logger *zap.Logger) (ledger.OperationLogger, error) {
	sinks := oplog.Fanout{oplog.NewZapLogger(logger.Named("ledger"))}
	if len(cfg.KafkaBrokers) == 0 {
		return sinks, nil
	}
	producer, err := oplog.NewKafkaProducer(cfg.KafkaBrokers)
	if err != nil {
		return nil, err
	}
	publisher, err := oplog.NewKafkaPublisher(producer, cfg.KafkaTopic, logger.Named("oplog"), time.Now)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}
	env.closers = append(env.closers, publisher.Close)
	return append(sinks, publisher), nil
}

// seedSettings stores defaults for missing keys. timezone is applied only
// when no time zone was stored before.
func seedSettings(ctx context.Context, store settings.KeyValueStore, repository *settings.Repository, timezone string) error {
	_, timezoneStored, err := store.GetSetting(ctx, settings.KeyTimezone)
	if err != nil {
		return err
	}
	if err := repository.SeedDefaults(ctx); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	if timezone == "" || timezoneStored {
		return nil
	}
	if _, err := repository.Apply(ctx, map[string]string{settings.KeyTimezone: timezone}); err != nil {
		return fmt.Errorf("apply timezone: %w", err)
	}
	return nil
}

func runServe(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	env, err := openEnvironment(ctx, cfg, []byte(cfg.TokenSigningKey), logger)
	if err != nil {
		return err
	}
	defer env.Close()

	healthServer, err := grpcserver.NewHealthServer(env.store, grpcserver.WithLogger(logger.Named("health")))
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		waitGroup sync.WaitGroup
		errMu     sync.Mutex
		firstErr  error
	)
	launch := func(name string, run func(context.Context) error) {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if err := run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("component stopped", zap.String("component", name), zap.Error(err))
				errMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", name, err)
				}
				errMu.Unlock()
			}
			cancel()
		}()
	}

	launch("http", func(ctx context.Context) error {
		return httpapi.Run(ctx, cfg.HTTP, env.app, logger.Named("http"))
	})
	launch("grpc", func(ctx context.Context) error {
		return grpcserver.Serve(ctx, listener, healthServer, logger.Named("grpc"))
	})
	launch("scheduler", func(ctx context.Context) error {
		env.app.Scheduler.Run(ctx)
		return nil
	})

	waitGroup.Wait()
	return firstErr
}

func parseAssignments(args []string) (map[string]string, error) {
	changes := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		changes[key] = value
	}
	return changes, nil
}

func printSettings(cmd *cobra.Command, values map[string]string) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", key, values[key])
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
