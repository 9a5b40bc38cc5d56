package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"listen-engine/internal/api"
	"listen-engine/internal/chain"
	"listen-engine/internal/condition"
	"listen-engine/internal/config"
	"listen-engine/internal/engine"
	"listen-engine/internal/market"
	"listen-engine/internal/observability/alerting"
	"listen-engine/internal/observability/metrics"
	"listen-engine/internal/order"
	"listen-engine/internal/pipeline"
	"listen-engine/internal/quote/lifi"
	storagemysql "listen-engine/internal/storage/mysql"
	storageredis "listen-engine/internal/storage/redis"
	"listen-engine/internal/submit"
	"listen-engine/internal/wallet"
	"listen-engine/pkg/logger"
)

// main 是 listend 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("listend 运行失败: %v", err)
	}
}

// closers 按注册的逆序关闭资源。
type closers []io.Closer

func (c *closers) add(closer io.Closer) { *c = append(*c, closer) }

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			logger.L().Warn("关闭资源失败", slog.Any("error", err))
		}
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("LISTEN_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "listen.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		AddSource:   cfg.Logging.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.File,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	var resources closers
	defer func() { resources.closeAll() }()

	table, err := chain.LoadTable(cfg.Chains.OverridesFile)
	if err != nil {
		return err
	}
	recorder := metrics.Default()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	resources.add(store)

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := queue.(io.Closer); ok {
		resources.add(closer)
	}

	locker, err := openLocker(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := locker.(io.Closer); ok {
		resources.add(closer)
	}

	feed, err := openMarket(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := feed.(io.Closer); ok {
		resources.add(closer)
	}

	submitter, err := openSubmitter(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := submitter.(io.Closer); ok {
		resources.add(closer)
	}

	entries := make(map[string]wallet.Entry, len(cfg.Wallets))
	for userID, w := range cfg.Wallets {
		entries[userID] = wallet.Entry{EVM: w.EVM, Solana: w.Solana}
	}
	wallets, err := wallet.NewBook(entries)
	if err != nil {
		return err
	}

	quotes := lifi.New(lifi.Config{
		BaseURL:           cfg.Quote.BaseURL,
		APIKey:            cfg.Quote.APIKey,
		Integrator:        cfg.Quote.Integrator,
		Slippage:          cfg.Quote.Slippage,
		RequestsPerSecond: cfg.Quote.RequestsPerSecond,
		Burst:             cfg.Quote.Burst,
		Timeout:           cfg.Engine.QuoteTimeout(),
	})
	resolver := order.NewResolver(table, quotes, order.WithQuoteTimeout(cfg.Engine.QuoteTimeout()))

	eng := engine.New(store, resolver, feed, submitter, wallets,
		engine.WithLocker(locker),
		engine.WithChainTable(table),
		engine.WithRetryPolicy(engine.RetryPolicy{
			MaxAttempts: cfg.Engine.MaxQuoteRetries,
			Initial:     cfg.Engine.RetryInitialBackoff(),
			Max:         cfg.Engine.RetryMaxBackoff(),
			Multiplier:  2,
			Jitter:      0.2,
		}),
		engine.WithSubmitTimeout(cfg.Engine.SubmitTimeout()),
		engine.WithLockTTL(cfg.Engine.LockTTL()),
		engine.WithMetrics(recorder),
		engine.WithAlertDispatcher(buildAlerts(cfg.Alerts)),
	)

	service := engine.NewService(store,
		engine.WithServiceLocker(locker),
		engine.WithDispatch(queue),
		engine.WithDefaults(condition.Combinator(cfg.Engine.DefaultCombinator), pipeline.FailurePolicy(cfg.Engine.DefaultFailurePolicy)),
		engine.WithLockWait(cfg.Engine.LockWait()),
		engine.WithServiceMetrics(recorder),
		engine.WithServiceChainTable(table),
	)
	scheduler := engine.NewScheduler(store, queue, cfg.Engine.TickInterval(), engine.WithSchedulerMetrics(recorder))
	processor := engine.NewProcessor(eng, queue, engine.WithWorkerCount(cfg.Engine.Workers))

	logger.L().Info("listend 启动",
		slog.String("api", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("dispatch", cfg.Dispatch.Driver),
		slog.String("lock", cfg.Lock.Driver),
		slog.String("market", cfg.Market.Driver),
		slog.String("submitter", cfg.Submitter.Driver),
		slog.Int("chains", table.Len()),
		slog.Int("workers", cfg.Engine.Workers),
	)

	// 任一组件异常退出都会取消 groupCtx，Wait 返回前所有 goroutine 均已结束，之后才关闭资源。
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := processor.Start(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("流水线处理器异常退出", slog.Any("error", err))
			return err
		}
		return nil
	})
	group.Go(func() error {
		if err := scheduler.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("调度器异常退出", slog.Any("error", err))
			return err
		}
		return nil
	})
	if cfg.Metrics.Enabled {
		group.Go(func() error {
			if err := metrics.StartServer(groupCtx, cfg.Metrics.Address, recorder); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
				return err
			}
			return nil
		})
	}

	server := api.NewServer(cfg.Server.Address, service,
		api.WithMetrics(recorder),
		api.WithTimeouts(
			time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second,
			time.Duration(cfg.Server.WriteTimeoutSeconds)*time.Second,
		),
	)
	group.Go(func() error {
		return server.Start(groupCtx)
	})
	return group.Wait()
}

// redisClient 为每个组件单独建立连接，各组件的 Close 互不影响。
func redisClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	return storageredis.Open(ctx, storageredis.Config{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func openStore(ctx context.Context, cfg *config.Config) (engine.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return engine.NewMemoryStore(), nil
	case "redis":
		client, err := redisClient(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		return engine.NewRedisStore(client, cfg.Storage.Prefix), nil
	case "mysql":
		m := cfg.Storage.MySQL
		return engine.NewMySQLStore(ctx, storagemysql.Config{
			DSN:             m.DSN,
			MaxOpenConns:    m.MaxOpenConns,
			MaxIdleConns:    m.MaxIdleConns,
			ConnMaxLifetime: time.Duration(m.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(m.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func openQueue(ctx context.Context, cfg *config.Config) (engine.Queue, error) {
	switch cfg.Dispatch.Driver {
	case "memory":
		return engine.NewMemoryQueue(cfg.Dispatch.Size), nil
	case "redis":
		client, err := redisClient(ctx, cfg.Dispatch.Redis)
		if err != nil {
			return nil, err
		}
		return engine.NewRedisQueue(client, engine.RedisQueueConfig{
			Queue:     cfg.Dispatch.Queue,
			BlockWait: time.Duration(cfg.Dispatch.BlockWaitSeconds) * time.Second,
		}), nil
	case "rabbitmq":
		r := cfg.Dispatch.RabbitMQ
		return engine.NewRabbitMQQueue(engine.RabbitMQConfig{
			URL:      r.URL,
			Queue:    r.Queue,
			Prefetch: r.Prefetch,
			Durable:  r.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Dispatch.Driver)
	}
}

func openLocker(ctx context.Context, cfg *config.Config) (engine.Locker, error) {
	switch cfg.Lock.Driver {
	case "memory":
		return engine.NewMemoryLocker(), nil
	case "redis":
		client, err := redisClient(ctx, cfg.Lock.Redis)
		if err != nil {
			return nil, err
		}
		return engine.NewRedisLocker(client, cfg.Lock.Prefix), nil
	default:
		return nil, fmt.Errorf("未知的锁驱动: %s", cfg.Lock.Driver)
	}
}

func openMarket(ctx context.Context, cfg *config.Config) (condition.MarketData, error) {
	switch cfg.Market.Driver {
	case "static":
		return market.NewStaticFeed(cfg.Market.Static), nil
	case "redis":
		client, err := redisClient(ctx, cfg.Market.Redis)
		if err != nil {
			return nil, err
		}
		return market.NewRedisFeed(client,
			market.WithPrefix(cfg.Market.Prefix),
			market.WithMaxAge(time.Duration(cfg.Market.MaxAgeSeconds)*time.Second),
		), nil
	default:
		return nil, fmt.Errorf("未知的行情驱动: %s", cfg.Market.Driver)
	}
}

func openSubmitter(ctx context.Context, cfg *config.Config) (engine.Submitter, error) {
	switch cfg.Submitter.Driver {
	case "memory":
		return submit.NewMemorySubmitter(), nil
	case "rabbitmq":
		r := cfg.Submitter.RabbitMQ
		return submit.NewRabbitMQSubmitter(ctx, submit.RabbitMQConfig{
			URL:      r.URL,
			Exchange: r.Exchange,
			Queue:    r.Queue,
			Durable:  r.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的提交驱动: %s", cfg.Submitter.Driver)
	}
}

func buildAlerts(cfg config.AlertsConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if cfg.Webhook.URL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     cfg.Webhook.URL,
			Headers: cfg.Webhook.Headers,
			Client:  &http.Client{Timeout: time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second},
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}
