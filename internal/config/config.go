package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述 listend 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig            `json:"server"`
	Logging   LoggingConfig           `json:"logging"`
	Engine    EngineConfig            `json:"engine"`
	Chains    ChainsConfig            `json:"chains"`
	Quote     QuoteConfig             `json:"quote"`
	Market    MarketConfig            `json:"market"`
	Submitter SubmitterConfig         `json:"submitter"`
	Storage   StorageConfig           `json:"storage"`
	Dispatch  DispatchConfig          `json:"dispatch"`
	Lock      LockConfig              `json:"lock"`
	Metrics   MetricsConfig           `json:"metrics"`
	Alerts    AlertsConfig            `json:"alerts"`
	Wallets   map[string]WalletConfig `json:"wallets"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address             string `json:"address"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level     string      `json:"level"`
	Format    string      `json:"format"`
	Outputs   []string    `json:"outputs"`
	AddSource bool        `json:"add_source"`
	Audit     AuditConfig `json:"audit"`
}

// AuditConfig 描述审计日志文件与轮转策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// EngineConfig 控制调度周期、并发与重试。
type EngineConfig struct {
	TickIntervalMS        int    `json:"tick_interval_ms"`
	Workers               int    `json:"workers"`
	QuoteTimeoutSeconds   int    `json:"quote_timeout_seconds"`
	SubmitTimeoutSeconds  int    `json:"submit_timeout_seconds"`
	LockTTLSeconds        int    `json:"lock_ttl_seconds"`
	LockWaitMS            int    `json:"lock_wait_ms"`
	MaxQuoteRetries       int    `json:"max_quote_retries"`
	RetryInitialBackoffMS int    `json:"retry_initial_backoff_ms"`
	RetryMaxBackoffMS     int    `json:"retry_max_backoff_ms"`
	DefaultCombinator     string `json:"default_combinator"`
	DefaultFailurePolicy  string `json:"default_failure_policy"`
}

// ChainsConfig 指定可选的链表覆盖文件（YAML）。
type ChainsConfig struct {
	OverridesFile string `json:"overrides_file"`
}

// QuoteConfig 描述报价服务的访问方式。
type QuoteConfig struct {
	BaseURL           string  `json:"base_url"`
	APIKey            string  `json:"api_key"`
	APIKeyEnv         string  `json:"api_key_env"`
	Integrator        string  `json:"integrator"`
	Slippage          float64 `json:"slippage"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// MarketConfig 选择行情数据源。
type MarketConfig struct {
	Driver        string             `json:"driver"`
	Redis         RedisConfig        `json:"redis"`
	Prefix        string             `json:"prefix"`
	MaxAgeSeconds int                `json:"max_age_seconds"`
	Static        map[string]float64 `json:"static_prices"`
}

// SubmitterConfig 选择交易提交端。
type SubmitterConfig struct {
	Driver   string         `json:"driver"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// StorageConfig 选择流水线快照存储。
type StorageConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
	Prefix string      `json:"prefix"`
	MySQL  MySQLConfig `json:"mysql"`
}

// DispatchConfig 选择调度器与工作协程之间的分发队列。
type DispatchConfig struct {
	Driver           string         `json:"driver"`
	Size             int            `json:"size"`
	Redis            RedisConfig    `json:"redis"`
	Queue            string         `json:"queue"`
	BlockWaitSeconds int            `json:"block_wait_seconds"`
	RabbitMQ         RabbitMQConfig `json:"rabbitmq"`
}

// LockConfig 选择流水线锁的实现。
type LockConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
	Prefix string      `json:"prefix"`
}

// MetricsConfig 控制 Prometheus 指标端点。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// AlertsConfig 描述通知渠道。
type AlertsConfig struct {
	Log     bool          `json:"log"`
	Webhook WebhookConfig `json:"webhook"`
}

// WebhookConfig 描述 webhook 通知目标。
type WebhookConfig struct {
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// WalletConfig 是单个用户的地址配置。
type WalletConfig struct {
	EVM    string `json:"evm"`
	Solana string `json:"solana"`
}

// RedisConfig 是各组件共用的 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// RabbitMQConfig 是 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// MySQLConfig 是 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 15
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.Outputs) == 0 {
		c.Logging.Outputs = []string{"stdout"}
	}
	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.File == "" {
			c.Logging.Audit.File = filepath.Join(baseDir, "logs", "audit.log")
		} else if !filepath.IsAbs(c.Logging.Audit.File) {
			c.Logging.Audit.File = filepath.Join(baseDir, c.Logging.Audit.File)
		}
	}

	e := &c.Engine
	if e.TickIntervalMS <= 0 {
		e.TickIntervalMS = 5000
	}
	if e.Workers <= 0 {
		e.Workers = 4
	}
	if e.QuoteTimeoutSeconds <= 0 {
		e.QuoteTimeoutSeconds = 15
	}
	if e.SubmitTimeoutSeconds <= 0 {
		e.SubmitTimeoutSeconds = 30
	}
	if e.LockTTLSeconds <= 0 {
		e.LockTTLSeconds = 120
	}
	if e.LockWaitMS <= 0 {
		e.LockWaitMS = 2000
	}
	if e.MaxQuoteRetries <= 0 {
		e.MaxQuoteRetries = 5
	}
	if e.RetryInitialBackoffMS <= 0 {
		e.RetryInitialBackoffMS = 2000
	}
	if e.RetryMaxBackoffMS <= 0 {
		e.RetryMaxBackoffMS = 60000
	}
	if e.DefaultCombinator == "" {
		e.DefaultCombinator = "all"
	}
	if e.DefaultFailurePolicy == "" {
		e.DefaultFailurePolicy = "branch"
	}

	if c.Chains.OverridesFile != "" && !filepath.IsAbs(c.Chains.OverridesFile) {
		c.Chains.OverridesFile = filepath.Join(baseDir, c.Chains.OverridesFile)
	}

	if c.Quote.APIKey == "" && c.Quote.APIKeyEnv != "" {
		c.Quote.APIKey = strings.TrimSpace(os.Getenv(c.Quote.APIKeyEnv))
	}
	if c.Quote.RequestsPerSecond <= 0 {
		c.Quote.RequestsPerSecond = 2
	}
	if c.Quote.Burst <= 0 {
		c.Quote.Burst = 1
	}

	if c.Market.Driver == "" {
		c.Market.Driver = "static"
	}
	if c.Submitter.Driver == "" {
		c.Submitter.Driver = "memory"
	}
	if c.Submitter.RabbitMQ.Queue == "" {
		c.Submitter.RabbitMQ.Queue = "listen.signing"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Prefix == "" {
		c.Storage.Prefix = "listen:"
	}
	if c.Dispatch.Driver == "" {
		c.Dispatch.Driver = "memory"
	}
	if c.Dispatch.Size <= 0 {
		c.Dispatch.Size = 1024
	}
	if c.Dispatch.Queue == "" {
		c.Dispatch.Queue = "listen:dispatch"
	}
	if c.Dispatch.BlockWaitSeconds <= 0 {
		c.Dispatch.BlockWaitSeconds = 5
	}
	if c.Dispatch.RabbitMQ.Queue == "" {
		c.Dispatch.RabbitMQ.Queue = "listen.dispatch"
	}
	if c.Lock.Driver == "" {
		c.Lock.Driver = "memory"
	}
	if c.Lock.Prefix == "" {
		c.Lock.Prefix = "listen:lock:"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Alerts.Webhook.TimeoutSeconds <= 0 {
		c.Alerts.Webhook.TimeoutSeconds = 5
	}
}

// Validate 检查驱动名称等枚举配置。
func (c *Config) Validate() error {
	checks := []struct {
		name    string
		value   string
		allowed []string
	}{
		{"engine.default_combinator", c.Engine.DefaultCombinator, []string{"all", "any"}},
		{"engine.default_failure_policy", c.Engine.DefaultFailurePolicy, []string{"branch", "abort"}},
		{"market.driver", c.Market.Driver, []string{"static", "redis"}},
		{"submitter.driver", c.Submitter.Driver, []string{"memory", "rabbitmq"}},
		{"storage.driver", c.Storage.Driver, []string{"memory", "redis", "mysql"}},
		{"dispatch.driver", c.Dispatch.Driver, []string{"memory", "redis", "rabbitmq"}},
		{"lock.driver", c.Lock.Driver, []string{"memory", "redis"}},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return fmt.Errorf("%s 取值无效: %q (可选: %s)", check.name, check.value, strings.Join(check.allowed, ", "))
		}
	}
	if c.Storage.Driver == "mysql" && c.Storage.MySQL.DSN == "" {
		return errors.New("storage.mysql.dsn 不能为空")
	}
	if c.Submitter.Driver == "rabbitmq" && c.Submitter.RabbitMQ.URL == "" {
		return errors.New("submitter.rabbitmq.url 不能为空")
	}
	if c.Dispatch.Driver == "rabbitmq" && c.Dispatch.RabbitMQ.URL == "" {
		return errors.New("dispatch.rabbitmq.url 不能为空")
	}
	// tick 只使用锁 TTL 的九成，其中必须容得下一次询价加一次提交。
	if budget := c.Engine.LockTTL() - c.Engine.LockTTL()/10; budget <= c.Engine.QuoteTimeout()+c.Engine.SubmitTimeout() {
		return fmt.Errorf("engine.lock_ttl_seconds 过小: 可用 %s, 询价与提交共需 %s",
			budget, c.Engine.QuoteTimeout()+c.Engine.SubmitTimeout())
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// TickInterval 返回调度周期。
func (e EngineConfig) TickInterval() time.Duration {
	return time.Duration(e.TickIntervalMS) * time.Millisecond
}

// QuoteTimeout 返回单次询价超时。
func (e EngineConfig) QuoteTimeout() time.Duration {
	return time.Duration(e.QuoteTimeoutSeconds) * time.Second
}

// SubmitTimeout 返回单次提交超时。
func (e EngineConfig) SubmitTimeout() time.Duration {
	return time.Duration(e.SubmitTimeoutSeconds) * time.Second
}

// LockTTL 返回流水线锁的过期时间。
func (e EngineConfig) LockTTL() time.Duration {
	return time.Duration(e.LockTTLSeconds) * time.Second
}

// LockWait 返回 API 变更操作等待锁的时间。
func (e EngineConfig) LockWait() time.Duration {
	return time.Duration(e.LockWaitMS) * time.Millisecond
}

// RetryInitialBackoff 返回首次重试的等待时间。
func (e EngineConfig) RetryInitialBackoff() time.Duration {
	return time.Duration(e.RetryInitialBackoffMS) * time.Millisecond
}

// RetryMaxBackoff 返回重试等待时间上限。
func (e EngineConfig) RetryMaxBackoff() time.Duration {
	return time.Duration(e.RetryMaxBackoffMS) * time.Millisecond
}
