package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"chatrelay/internal/adapter/provider/llm/openai"
	"chatrelay/internal/api"
	"chatrelay/internal/app/chat"
	"chatrelay/internal/db/postgres"
	redisdb "chatrelay/internal/db/redis"
	"chatrelay/internal/domain/history"
	"chatrelay/internal/domain/memory"
	"chatrelay/internal/platform/config"
	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/platform/metrics"
	"chatrelay/internal/provider"
)

const pingTimeout = 5 * time.Second

func main() {
	fs := pflag.NewFlagSet("chatrelay", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to JSON/JSONC config file (overrides APP_CONFIG_FILE)")
	envFile := fs.String("env-file", "", "path to .env file")
	modelsFile := fs.String("models", "", "path to models YAML file (overrides models_file)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(config.LoadOptions{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}
	if *modelsFile != "" {
		cfg.ModelsFile = *modelsFile
	}

	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	defer applog.Sync()

	catalog := provider.DefaultCatalog()
	if cfg.ModelsFile != "" {
		if catalog, err = provider.LoadCatalogFile(catalog, cfg.ModelsFile); err != nil {
			applog.Fatalf("❌ Failed to load models: %v", err)
		}
	}

	systemPrompt, err := cfg.ResolveSystemPrompt()
	if err != nil {
		applog.Fatalf("❌ %v", err)
	}

	recorder := metrics.NewRecorder()
	histories, cleanup := initHistory(cfg)
	defer cleanup()

	packer := memory.NewPacker(cfg.MemoryBudget(), initEstimator(cfg))

	client := openai.New(openai.Config{
		ConnectTimeoutSeconds:        cfg.Upstream.ConnectTimeoutSeconds,
		TLSHandshakeTimeoutSeconds:   cfg.Upstream.TLSHandshakeTimeoutSeconds,
		ResponseHeaderTimeoutSeconds: cfg.Upstream.ResponseHeaderTimeoutSeconds,
	})

	chatOpts := chat.DefaultOptions()
	chatOpts.SystemPrompt = systemPrompt
	chatOpts.MaxOutputTokens = cfg.Upstream.MaxOutputTokens
	chatOpts.TopP = cfg.Upstream.TopP
	chatOpts.MinTemperature = cfg.Upstream.MinTemperature
	chatOpts.MaxTemperature = cfg.Upstream.MaxTemperature
	chatOpts.MaxConcurrentStreams = int64(cfg.Upstream.MaxConcurrentStreams)
	chatOpts.StreamTimeout = config.Seconds(cfg.Server.StreamTimeoutSeconds)
	svc := chat.NewService(catalog, client, packer, histories, recorder, chatOpts)

	applog.Info("✅ Chat service ready",
		"models", catalog.List(),
		"history_backend", cfg.History.Backend,
		"estimator", cfg.Estimator.Kind,
		"max_concurrent_streams", chatOpts.MaxConcurrentStreams,
	)

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = config.Seconds(cfg.Server.ReadTimeoutSeconds)
	serverConfig.WriteTimeout = config.Seconds(cfg.Server.WriteTimeoutSeconds)
	server := api.NewServer(serverConfig, api.Deps{
		Chat:      svc,
		Models:    catalog,
		Histories: histories,
		Metrics:   recorder,
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.Server.ShutdownSeconds))
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil {
		applog.Fatalf("❌ Server error: %v", err)
	}

	applog.Info("👋 Server stopped")
}

func initEstimator(cfg *config.AppConfig) memory.TokenEstimator {
	if cfg.Estimator.Kind != config.EstimatorTiktoken {
		return memory.NewApproxEstimator(cfg.Budget.TokensPerChar)
	}
	est, err := memory.NewTiktokenEstimator(cfg.Estimator.Model, cfg.Budget.TokensPerChar)
	if err != nil {
		applog.Warnf("⚠️  Tiktoken estimator unavailable, falling back to char estimate: %v", err)
		return memory.NewApproxEstimator(cfg.Budget.TokensPerChar)
	}
	applog.Info("✅ Tiktoken estimator initialized", "model", cfg.Estimator.Model)
	return est
}

// initHistory 按配置选择历史后端；返回的 cleanup 关闭底层连接
func initHistory(cfg *config.AppConfig) (*history.Manager, func()) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	opts := history.Options{
		MaxEntries:  cfg.History.MaxEntries,
		SummaryOnly: cfg.History.SummaryOnly,
		LockWait:    config.Seconds(cfg.History.LockWaitSeconds),
	}
	if cfg.History.MarkerPattern != "" {
		re, err := regexp.Compile(cfg.History.MarkerPattern)
		if err != nil {
			applog.Fatalf("❌ Invalid history marker pattern: %v", err)
		}
		opts.Marker = re
	}

	var redisClient *goredis.Client
	if cfg.Redis.URL != "" {
		redisClient = connectRedis(cfg.Redis.URL)
		closers = append(closers, func() { _ = redisClient.Close() })
	}
	if cfg.History.DistributedLocking && redisClient != nil {
		opts.Locker = redisdb.NewHistoryLock(redisClient, config.Seconds(cfg.History.LockTTLSeconds))
		applog.Info("✅ Distributed history lock enabled")
	}

	var factory history.BackendFactory
	switch cfg.History.Backend {
	case config.BackendRedis:
		factory = redisdb.NewHistoryStoreFactory(redisdb.HistoryStoreConfig{
			Client:    redisClient,
			KeyPrefix: cfg.History.RedisKeyPrefix,
			TTL:       config.Seconds(cfg.History.TTLSeconds),
		})
	case config.BackendPostgres:
		db := connectPostgres(cfg.Database)
		closers = append(closers, func() { _ = db.Close() })

		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		if err := postgres.EnsureHistoryTable(ctx, db); err != nil {
			applog.Fatalf("❌ Failed to ensure chat_histories table: %v", err)
		}
		applog.Info("✅ Chat history table ready (chat_histories)")

		pgCfg := postgres.HistoryStoreConfig{DB: db}
		if redisClient != nil {
			pgCfg.Cache = redisdb.NewHistoryCache(redisClient, config.Seconds(cfg.History.CacheTTLSeconds))
			applog.Info("✅ History read cache enabled", "ttl_seconds", cfg.History.CacheTTLSeconds)
		}
		factory = postgres.NewHistoryStoreFactory(pgCfg)
	default:
		if err := os.MkdirAll(cfg.History.Dir, 0o755); err != nil {
			applog.Fatalf("❌ Failed to create history dir %q: %v", cfg.History.Dir, err)
		}
		factory = history.FileBackendFactory(cfg.History.Dir)
	}

	return history.NewManager(factory, opts), cleanup
}

func connectRedis(url string) *goredis.Client {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		applog.Fatalf("❌ Invalid REDIS_URL: %v", err)
	}
	client := goredis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		applog.Fatalf("❌ Redis connection failed: %v", err)
	}
	applog.Info("✅ Connected to Redis")
	return client
}

func connectPostgres(cfg config.DatabaseConfig) *sql.DB {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		applog.Fatalf("❌ Failed to connect to database: %v", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(config.Seconds(cfg.ConnMaxLifetimeSeconds))

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		applog.Fatalf("❌ Failed to ping database: %v", err)
	}
	applog.Info("✅ Connected to PostgreSQL")
	return db
}
