package engine

import (
	"context"
	"log/slog"

	xerrors "listen-engine/internal/errors"
	"listen-engine/pkg/logger"
)

// Processor 从分发队列消费流水线 ID 并交给 Engine 执行 tick。
type Processor struct {
	engine      *Engine
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(engine *Engine, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		engine:      engine,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，阻塞直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.engine == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置流水线消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, pipelineID string) error {
	outcome, err := p.engine.Tick(ctx, pipelineID)
	if err != nil {
		if xerrors.HasCode(err, CodePipelineNotFound) {
			p.logger.Debug("跳过不存在的流水线", slog.String("pipeline_id", pipelineID))
			return nil
		}
		logger.L().Error("流水线 tick 失败",
			slog.String("pipeline_id", pipelineID),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
		return err
	}
	if outcome.Locked {
		p.logger.Debug("流水线正被处理，本轮跳过", slog.String("pipeline_id", pipelineID))
	}
	return nil
}
