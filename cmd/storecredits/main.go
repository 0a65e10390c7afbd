package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/internal/httpapi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "STORECREDITS"

	flagConfigFile        = "config"
	flagDatabaseURL       = "database-url"
	flagHTTPListenAddr    = "http-listen-addr"
	flagGRPCListenAddr    = "grpc-listen-addr"
	flagTickInterval      = "tick-interval"
	flagTimezone          = "timezone"
	flagRedisAddr         = "redis-addr"
	flagKafkaBrokers      = "kafka-brokers"
	flagKafkaTopic        = "kafka-topic"
	flagAdminToken        = "admin-token"
	flagTokenSigningKey   = "token-signing-key"
	flagTokenTTL          = "token-ttl"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookieName = "session-cookie-name"
	flagAllowedOrigins    = "allowed-origins"

	configKeyDatabaseURL       = "database_url"
	configKeyHTTPListenAddr    = "http_listen_addr"
	configKeyGRPCListenAddr    = "grpc_listen_addr"
	configKeyTickInterval      = "tick_interval"
	configKeyTimezone          = "timezone"
	configKeyRedisAddr         = "redis_addr"
	configKeyKafkaBrokers      = "kafka_brokers"
	configKeyKafkaTopic        = "kafka_topic"
	configKeyAdminToken        = "admin_token"
	configKeyTokenSigningKey   = "token_signing_key"
	configKeyTokenTTL          = "token_ttl"
	configKeySessionSigningKey = "session_signing_key"
	configKeySessionIssuer     = "session_issuer"
	configKeySessionCookieName = "session_cookie_name"
	configKeyAllowedOrigins    = "allowed_origins"

	defaultDatabaseURL    = "sqlite:///tmp/storecredits.db"
	defaultHTTPListenAddr = ":8080"
	defaultGRPCListenAddr = ":7000"
	defaultTickInterval   = time.Hour
	defaultTokenTTL       = 30 * time.Minute
	defaultKafkaTopic     = "storecredits.operations"
)

type runtimeConfig struct {
	DatabaseURL     string
	GRPCListenAddr  string
	TickInterval    time.Duration
	Timezone        string
	RedisAddr       string
	KafkaBrokers    []string
	KafkaTopic      string
	TokenSigningKey string
	TokenTTL        time.Duration
	HTTP            httpapi.Config
}

var boundFlags = map[string]string{
	configKeyDatabaseURL:       flagDatabaseURL,
	configKeyHTTPListenAddr:    flagHTTPListenAddr,
	configKeyGRPCListenAddr:    flagGRPCListenAddr,
	configKeyTickInterval:      flagTickInterval,
	configKeyTimezone:          flagTimezone,
	configKeyRedisAddr:         flagRedisAddr,
	configKeyKafkaBrokers:      flagKafkaBrokers,
	configKeyKafkaTopic:        flagKafkaTopic,
	configKeyAdminToken:        flagAdminToken,
	configKeyTokenSigningKey:   flagTokenSigningKey,
	configKeyTokenTTL:          flagTokenTTL,
	configKeySessionSigningKey: flagSessionSigningKey,
	configKeySessionIssuer:     flagSessionIssuer,
	configKeySessionCookieName: flagSessionCookieName,
	configKeyAllowedOrigins:    flagAllowedOrigins,
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "storecredits: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "storecredits",
		Short:         "Store credit ledger and reset scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagConfigFile, "", "optional config file (yaml, toml or json)")
	flags.String(flagDatabaseURL, defaultDatabaseURL, "postgres://, mysql:// or sqlite:// connection string")
	flags.String(flagHTTPListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	flags.String(flagGRPCListenAddr, defaultGRPCListenAddr, "gRPC health listen address")
	flags.Duration(flagTickInterval, defaultTickInterval, "scheduler tick interval")
	flags.String(flagTimezone, "", "initial reset time zone, applied only when none is stored")
	flags.String(flagRedisAddr, "", "redis address for per-user locks (in-process locks when empty)")
	flags.String(flagKafkaBrokers, "", "comma-separated kafka brokers for the operation log stream")
	flags.String(flagKafkaTopic, defaultKafkaTopic, "kafka topic for the operation log stream")
	flags.String(flagAdminToken, "", "shared token for /admin and /hooks")
	flags.String(flagTokenSigningKey, "", "HMAC key for checkout anti-forgery tokens")
	flags.Duration(flagTokenTTL, defaultTokenTTL, "checkout anti-forgery token lifetime")
	flags.String(flagSessionSigningKey, "", "TAuth session signing key")
	flags.String(flagSessionIssuer, "", "expected TAuth session issuer")
	flags.String(flagSessionCookieName, "", "TAuth session cookie name")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")

	cmd.AddCommand(
		newServeCommand(cfg),
		newTickCommand(cfg),
		newResetAllCommand(cfg),
		newResetUserCommand(cfg),
		newSimulateCommand(cfg),
		newSettingsCommand(cfg),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for configKey, flagName := range boundFlags {
		if err := v.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	if err := v.BindEnv(configKeyDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}

	if configFile, _ := cmd.Flags().GetString(flagConfigFile); strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(configKeyDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(configKeyGRPCListenAddr))
	if cfg.GRPCListenAddr == "" {
		cfg.GRPCListenAddr = defaultGRPCListenAddr
	}
	cfg.TickInterval = v.GetDuration(configKeyTickInterval)
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	cfg.Timezone = strings.TrimSpace(v.GetString(configKeyTimezone))
	cfg.RedisAddr = strings.TrimSpace(v.GetString(configKeyRedisAddr))
	cfg.KafkaBrokers = splitList(v.GetString(configKeyKafkaBrokers))
	cfg.KafkaTopic = strings.TrimSpace(v.GetString(configKeyKafkaTopic))
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = defaultKafkaTopic
	}
	cfg.TokenSigningKey = v.GetString(configKeyTokenSigningKey)
	cfg.TokenTTL = v.GetDuration(configKeyTokenTTL)
	cfg.HTTP = httpapi.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(configKeyHTTPListenAddr)),
		AllowedOrigins:    httpapi.ParseAllowedOrigins(v.GetString(configKeyAllowedOrigins)),
		SessionSigningKey: v.GetString(configKeySessionSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(configKeySessionIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(configKeySessionCookieName)),
		AdminToken:        v.GetString(configKeyAdminToken),
	}
	return nil
}

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the gRPC health server and the reset scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(cfg.TokenSigningKey) == "" {
				return fmt.Errorf("%s is required", flagTokenSigningKey)
			}
			if err := cfg.HTTP.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func newTickCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler pass: due resets, then the stale coupon sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(cmd, cfg, func(env *environment) error {
				report, err := env.app.Scheduler.Tick(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "today=%s method=%s matched=%d reset=%d skipped=%d failed=%d reaped=%d\n",
					report.Today.String(), report.Method.String(), report.Matched, report.Reset, report.Skipped, report.Failed, report.Reaped.Deleted)
				return err
			})
		},
	}
}

func newResetAllCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-all",
		Short: "Replace every balance with the yearly amount",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(cmd, cfg, func(env *environment) error {
				report, err := env.app.Admin.ResetAll(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "amount=%s reset=%d failed=%d\n", report.Amount.String(), report.Reset, report.Failed)
				return err
			})
		},
	}
}

func newResetUserCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-user <id|email>",
		Short: "Replace one user's balance with the yearly amount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(cmd, cfg, func(env *environment) error {
				result, err := env.app.Admin.ResetUser(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "user=%s previous=%s balance=%s\n",
					result.User.ID.String(), result.Previous.String(), result.Balance.String())
				return nil
			})
		},
	}
}

func newSimulateCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <id|email>",
		Short: "Show the balance the next reset would produce without writing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(cmd, cfg, func(env *environment) error {
				simulation, err := env.app.Admin.Simulate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "user=%s current=%s projected=%s\n",
					simulation.User.ID.String(), simulation.Current.String(), simulation.Projected.String())
				return nil
			})
		},
	}
}

func newSettingsCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect or change the credit configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration in effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(cmd, cfg, func(env *environment) error {
				snapshot, err := env.app.Settings.Load(cmd.Context())
				if err != nil {
					return err
				}
				printSettings(cmd, snapshot.Values())
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "apply key=value...",
		Short: "Validate and store configuration changes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, err := parseAssignments(args)
			if err != nil {
				return err
			}
			return withEnvironment(cmd, cfg, func(env *environment) error {
				snapshot, err := env.app.Settings.Apply(cmd.Context(), changes)
				if err != nil {
					return err
				}
				printSettings(cmd, snapshot.Values())
				return nil
			})
		},
	})
	return cmd
}
