package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/merchkit/loyalty/internal/httpapi"
	"github.com/merchkit/loyalty/internal/locker"
	"github.com/merchkit/loyalty/internal/oplog"
	"github.com/merchkit/loyalty/internal/shopify"
	"github.com/merchkit/loyalty/internal/store/gormstore"
	"github.com/merchkit/loyalty/pkg/loyalty"
)

const (
	flagDatabaseURL   = "database-url"
	flagListenAddr    = "listen-addr"
	flagRedisAddr     = "redis-addr"
	flagOrigins       = "allowed-origins"
	flagSigningKey    = "session-signing-key"
	flagIssuer        = "session-issuer"
	flagCookie        = "session-cookie"
	flagAdminToken    = "shopify-admin-token"
	flagWebhookSecret = "webhook-secret"
	flagJobToken      = "job-token"

	configKeyDatabaseURL   = "database_url"
	configKeyListenAddr    = "listen_addr"
	configKeyRedisAddr     = "redis_addr"
	configKeyOrigins       = "allowed_origins"
	configKeySigningKey    = "session_signing_key"
	configKeyIssuer        = "session_issuer"
	configKeyCookie        = "session_cookie"
	configKeyAdminToken    = "shopify_admin_token"
	configKeyWebhookSecret = "webhook_secret"
	configKeyJobToken      = "job_token"

	defaultDatabaseURL = "sqlite:///tmp/loyalty.db"
	defaultListenAddr  = ":8080"
	defaultIssuer      = "loyaltyd"
	defaultCookie      = "loyalty_session"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	RedisAddr      string
	AllowedOrigins []string
	SigningKey     string
	Issuer         string
	CookieName     string
	AdminToken     string
	WebhookSecret  string
	JobToken       string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loyaltyd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	root := &cobra.Command{
		Use:           "loyaltyd",
		Short:         "Merchant loyalty points engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	root.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	root.PersistentFlags().String(flagRedisAddr, "", "Redis address for the sweep job lock (optional)")
	root.PersistentFlags().String(flagAdminToken, "", "Shopify Admin API access token")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	serve.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	serve.Flags().String(flagOrigins, "", "Comma-delimited CORS origins for the storefront embed")
	serve.Flags().String(flagSigningKey, "", "Session JWT signing key")
	serve.Flags().String(flagIssuer, defaultIssuer, "Session JWT issuer")
	serve.Flags().String(flagCookie, defaultCookie, "Session cookie name")
	serve.Flags().String(flagWebhookSecret, "", "Webhook HMAC secret")
	serve.Flags().String(flagJobToken, "", "Bearer token protecting the sweep endpoint")

	sweep := &cobra.Command{
		Use:   "sweep [job]",
		Short: "Run one expiry sweep job and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSweep(ctx, cfg, args[0])
		},
	}

	root.AddCommand(serve, sweep)
	return root
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:   "DATABASE_URL",
		configKeyListenAddr:    "LISTEN_ADDR",
		configKeyRedisAddr:     "REDIS_ADDR",
		configKeyOrigins:       "ALLOWED_ORIGINS",
		configKeySigningKey:    "SESSION_SIGNING_KEY",
		configKeyIssuer:        "SESSION_ISSUER",
		configKeyCookie:        "SESSION_COOKIE",
		configKeyAdminToken:    "SHOPIFY_ADMIN_TOKEN",
		configKeyWebhookSecret: "WEBHOOK_SECRET",
		configKeyJobToken:      "JOB_TOKEN",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flagKeys := map[string]string{
		configKeyDatabaseURL:   flagDatabaseURL,
		configKeyListenAddr:    flagListenAddr,
		configKeyRedisAddr:     flagRedisAddr,
		configKeyOrigins:       flagOrigins,
		configKeySigningKey:    flagSigningKey,
		configKeyIssuer:        flagIssuer,
		configKeyCookie:        flagCookie,
		configKeyAdminToken:    flagAdminToken,
		configKeyWebhookSecret: flagWebhookSecret,
		configKeyJobToken:      flagJobToken,
	}
	for key, flagName := range flagKeys {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil {
			flag = cmd.InheritedFlags().Lookup(flagName)
		}
		if flag == nil {
			continue
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.AllowedOrigins = splitOrigins(viper.GetString(configKeyOrigins))
	cfg.SigningKey = viper.GetString(configKeySigningKey)
	cfg.Issuer = viper.GetString(configKeyIssuer)
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	cfg.CookieName = viper.GetString(configKeyCookie)
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookie
	}
	cfg.AdminToken = viper.GetString(configKeyAdminToken)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.JobToken = viper.GetString(configKeyJobToken)
	return nil
}

func runServe(ctx context.Context, cfg *runtimeConfig) error {
	if cfg.SigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	logger, service, cleanup, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	verifier := httpapi.NewSessionVerifier([]byte(cfg.SigningKey), cfg.Issuer, cfg.CookieName)
	server := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		WebhookSecret:  cfg.WebhookSecret,
		JobToken:       cfg.JobToken,
	}, service, verifier, logger)
	return server.Run(ctx)
}

func runSweep(ctx context.Context, cfg *runtimeConfig, jobName string) error {
	logger, service, cleanup, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := service.RunSweep(ctx, jobName)
	if err != nil {
		return err
	}
	logger.Info("sweep finished",
		zap.String("job", jobName),
		zap.Int64("expired_count", result.ExpiredCount),
		zap.Int64("points_restored", result.PointsRestored))
	return nil
}

func buildEngine(ctx context.Context, cfg *runtimeConfig) (*zap.Logger, *loyalty.Service, func(), error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger init: %w", err)
	}

	gormDB, closeDB, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("database open: %w", err)
	}
	if err := prepareSchema(gormDB, driver); err != nil {
		_ = closeDB()
		return nil, nil, nil, err
	}

	store := gormstore.New(gormDB)
	client := shopify.NewClient(cfg.AdminToken)
	clock := func() time.Time { return time.Now().UTC() }

	var jobLocker loyalty.Locker = store
	var closeRedis func() error
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		jobLocker = locker.NewRedisLocker(redisClient)
		closeRedis = redisClient.Close
	}

	service, err := loyalty.NewService(store, store, client, client, clock,
		loyalty.WithOperationLogger(oplog.NewZapLogger(logger)),
		loyalty.WithLocker(jobLocker),
	)
	if err != nil {
		_ = closeDB()
		return nil, nil, nil, fmt.Errorf("engine init: %w", err)
	}

	cleanup := func() {
		if closeRedis != nil {
			_ = closeRedis()
		}
		_ = closeDB()
		_ = logger.Sync()
	}
	return logger, service, cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "loyalty.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func splitOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
