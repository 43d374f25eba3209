package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"chatrelay/internal/domain/memory"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel         string          `json:"log_level"`
	LogFormat        string          `json:"log_format"`
	Server           ServerConfig    `json:"server"`
	Budget           BudgetConfig    `json:"budget"`
	Estimator        EstimatorConfig `json:"estimator"`
	History          HistoryConfig   `json:"history"`
	Upstream         UpstreamConfig  `json:"upstream"`
	Database         DatabaseConfig  `json:"database"`
	Redis            RedisConfig     `json:"redis"`
	ModelsFile       string          `json:"models_file"`
	SystemPrompt     string          `json:"system_prompt"`
	SystemPromptFile string          `json:"system_prompt_file"`
}

type ServerConfig struct {
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	ReadTimeoutSeconds   int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds  int    `json:"write_timeout_seconds"`
	StreamTimeoutSeconds int    `json:"stream_timeout_seconds"`
	ShutdownSeconds      int    `json:"shutdown_seconds"`
}

// BudgetConfig 上下文预算，字段含义同 memory.BudgetConfig
type BudgetConfig struct {
	TotalBudget            int     `json:"total_budget"`
	UserReserve            int     `json:"user_reserve"`
	MinHistoryBudget       int     `json:"min_history_budget"`
	MaxSingleMessageTokens int     `json:"max_single_message_tokens"`
	TokensPerChar          float64 `json:"tokens_per_char"`
	SummaryTurnThreshold   int     `json:"summary_turn_threshold"`
}

type EstimatorConfig struct {
	Kind  string `json:"kind"` // approx | tiktoken
	Model string `json:"model"`
}

type HistoryConfig struct {
	Backend            string `json:"backend"` // file | redis | postgres
	Dir                string `json:"dir"`
	MaxEntries         int    `json:"max_entries"`
	SummaryOnly        bool   `json:"summary_only"`
	MarkerPattern      string `json:"marker_pattern"`
	RedisKeyPrefix     string `json:"redis_key_prefix"`
	TTLSeconds         int    `json:"ttl_seconds"`
	CacheTTLSeconds    int    `json:"cache_ttl_seconds"`
	LockTTLSeconds     int    `json:"lock_ttl_seconds"`
	LockWaitSeconds    int    `json:"lock_wait_seconds"`
	DistributedLocking bool   `json:"distributed_locking"`
}

type UpstreamConfig struct {
	ConnectTimeoutSeconds        int     `json:"connect_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int     `json:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int     `json:"response_header_timeout_seconds"`
	MaxConcurrentStreams         int     `json:"max_concurrent_streams"`
	MaxOutputTokens              int     `json:"max_output_tokens"`
	TopP                         float64 `json:"top_p"`
	MinTemperature               float64 `json:"min_temperature"`
	MaxTemperature               float64 `json:"max_temperature"`
}

type DatabaseConfig struct {
	URL                    string `json:"url"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// LoadOptions 命令行传入的覆盖项，空值表示不指定
type LoadOptions struct {
	ConfigFile string
	EnvFile    string
}

const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"

	EstimatorApprox   = "approx"
	EstimatorTiktoken = "tiktoken"
)

// Default 返回默认配置。
func Default() *AppConfig {
	b := memory.DefaultBudgetConfig()
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 8080,
			ReadTimeoutSeconds:   30,
			WriteTimeoutSeconds:  600,
			StreamTimeoutSeconds: 300,
			ShutdownSeconds:      15,
		},
		Budget: BudgetConfig{
			TotalBudget:            b.TotalBudget,
			UserReserve:            b.UserReserve,
			MinHistoryBudget:       b.MinHistoryBudget,
			MaxSingleMessageTokens: b.MaxSingleMessageTokens,
			TokensPerChar:          b.TokensPerChar,
			SummaryTurnThreshold:   b.SummaryTurnThreshold,
		},
		Estimator: EstimatorConfig{
			Kind:  EstimatorApprox,
			Model: "gpt-4",
		},
		History: HistoryConfig{
			Backend:         BackendFile,
			Dir:             "log",
			MaxEntries:      50,
			RedisKeyPrefix:  "chat:history:",
			CacheTTLSeconds: 300,
			LockTTLSeconds:  10,
			LockWaitSeconds: 5,
		},
		Upstream: UpstreamConfig{
			ConnectTimeoutSeconds:        10,
			TLSHandshakeTimeoutSeconds:   10,
			ResponseHeaderTimeoutSeconds: 60,
			MaxConcurrentStreams:         2,
			MaxOutputTokens:              800,
			TopP:                         1.0,
			MinTemperature:               0,
			MaxTemperature:               1.5,
		},
		Database: DatabaseConfig{
			MaxOpenConns:           10,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
	}
}

// Load 加载全局配置：默认值 -> .env -> 配置文件 -> 环境变量。
// 配置文件为 JSON（允许注释与尾逗号），路径取 opts.ConfigFile，否则取 APP_CONFIG_FILE。
func Load(opts LoadOptions) (*AppConfig, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return nil, fmt.Errorf("load env file %q failed: %w", opts.EnvFile, err)
		}
	} else {
		// .env 非必需，忽略错误
		_ = godotenv.Load()
	}

	cfg := Default()

	path := strings.TrimSpace(opts.ConfigFile)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("APP_CONFIG_FILE"))
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q failed: %w", path, err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
		return fmt.Errorf("parse config file %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)
	applyInt("STREAM_TIMEOUT", &c.Server.StreamTimeoutSeconds)

	applyInt("MESSAGE_BUDGET_TOKENS", &c.Budget.TotalBudget)
	applyInt("USER_RESERVE_TOKENS", &c.Budget.UserReserve)
	applyInt("MIN_HISTORY_BUDGET_TOKENS", &c.Budget.MinHistoryBudget)
	applyInt("MAX_SINGLE_MESSAGE_TOKENS", &c.Budget.MaxSingleMessageTokens)
	applyFloat64("APPROX_TOKENS_PER_CHAR", &c.Budget.TokensPerChar)
	applyInt("SUMMARY_THRESHOLD", &c.Budget.SummaryTurnThreshold)

	applyString("TOKEN_ESTIMATOR", &c.Estimator.Kind)
	applyString("TOKEN_ESTIMATOR_MODEL", &c.Estimator.Model)

	applyString("CHAT_HISTORY_BACKEND", &c.History.Backend)
	applyString("CHAT_HISTORY_DIR", &c.History.Dir)
	applyInt("CHAT_HISTORY_MAX_ENTRIES", &c.History.MaxEntries)
	applyBool("CHAT_HISTORY_SUMMARY_ONLY", &c.History.SummaryOnly)
	applyString("CHAT_HISTORY_MARKER", &c.History.MarkerPattern)
	applyInt("CHAT_HISTORY_TTL", &c.History.TTLSeconds)
	applyBool("CHAT_HISTORY_DISTRIBUTED_LOCK", &c.History.DistributedLocking)

	applyInt("UPSTREAM_MAX_CONCURRENT_STREAMS", &c.Upstream.MaxConcurrentStreams)
	applyInt("UPSTREAM_MAX_OUTPUT_TOKENS", &c.Upstream.MaxOutputTokens)
	applyInt("UPSTREAM_CONNECT_TIMEOUT", &c.Upstream.ConnectTimeoutSeconds)
	applyInt("UPSTREAM_RESPONSE_HEADER_TIMEOUT", &c.Upstream.ResponseHeaderTimeoutSeconds)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)

	applyString("MODELS_FILE", &c.ModelsFile)
	applyString("SYSTEM_PROMPT_FILE", &c.SystemPromptFile)
}

func (c *AppConfig) normalize() {
	c.History.Backend = strings.ToLower(strings.TrimSpace(c.History.Backend))
	if c.History.Backend == "" {
		c.History.Backend = BackendFile
	}
	c.Estimator.Kind = strings.ToLower(strings.TrimSpace(c.Estimator.Kind))
	if c.Estimator.Kind == "" {
		c.Estimator.Kind = EstimatorApprox
	}

	d := Default()
	if c.History.MaxEntries <= 0 {
		c.History.MaxEntries = d.History.MaxEntries
	}
	if c.History.RedisKeyPrefix == "" {
		c.History.RedisKeyPrefix = d.History.RedisKeyPrefix
	}
	if c.Upstream.MaxConcurrentStreams <= 0 {
		c.Upstream.MaxConcurrentStreams = d.Upstream.MaxConcurrentStreams
	}
	if c.Upstream.MaxOutputTokens <= 0 {
		c.Upstream.MaxOutputTokens = d.Upstream.MaxOutputTokens
	}
	if c.Upstream.MaxTemperature < c.Upstream.MinTemperature {
		c.Upstream.MaxTemperature = c.Upstream.MinTemperature
	}

	// 预算回落规则与 memory 包一致
	b := c.MemoryBudget()
	c.Budget = BudgetConfig{
		TotalBudget:            b.TotalBudget,
		UserReserve:            b.UserReserve,
		MinHistoryBudget:       b.MinHistoryBudget,
		MaxSingleMessageTokens: b.MaxSingleMessageTokens,
		TokensPerChar:          b.TokensPerChar,
		SummaryTurnThreshold:   b.SummaryTurnThreshold,
	}
}

func (c *AppConfig) validate() error {
	switch c.History.Backend {
	case BackendFile:
	case BackendRedis:
		if strings.TrimSpace(c.Redis.URL) == "" {
			return fmt.Errorf("REDIS_URL is required for %s history backend", c.History.Backend)
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			return fmt.Errorf("DATABASE_URL is required for %s history backend", c.History.Backend)
		}
	default:
		return fmt.Errorf("unknown history backend %q", c.History.Backend)
	}
	if c.History.DistributedLocking && strings.TrimSpace(c.Redis.URL) == "" {
		return fmt.Errorf("REDIS_URL is required for distributed history locking")
	}

	switch c.Estimator.Kind {
	case EstimatorApprox, EstimatorTiktoken:
	default:
		return fmt.Errorf("unknown token estimator %q", c.Estimator.Kind)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}

// MemoryBudget 转换为 memory 包的预算配置
func (c *AppConfig) MemoryBudget() memory.BudgetConfig {
	return memory.BudgetConfig{
		TotalBudget:            c.Budget.TotalBudget,
		UserReserve:            c.Budget.UserReserve,
		MinHistoryBudget:       c.Budget.MinHistoryBudget,
		MaxSingleMessageTokens: c.Budget.MaxSingleMessageTokens,
		TokensPerChar:          c.Budget.TokensPerChar,
		SummaryTurnThreshold:   c.Budget.SummaryTurnThreshold,
	}.Normalize()
}

// ResolveSystemPrompt 优先读取 system_prompt_file，否则使用内联的 system_prompt
func (c *AppConfig) ResolveSystemPrompt() (string, error) {
	if path := strings.TrimSpace(c.SystemPromptFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read system prompt file %q failed: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(c.SystemPrompt), nil
}

// Seconds 秒数转 Duration，非正数为 0
func Seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}

func applyBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}
