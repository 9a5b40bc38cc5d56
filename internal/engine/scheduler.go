package engine

import (
	"context"
	"log/slog"
	"time"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/observability/metrics"
	"listen-engine/pkg/logger"
)

// Scheduler 每个周期列出活跃流水线并把 ID 投递到分发队列。
type Scheduler struct {
	store    Store
	producer Producer
	interval time.Duration
	metrics  *metrics.Recorder
}

// SchedulerOption 定义调度器的可选配置。
type SchedulerOption func(*Scheduler)

// WithSchedulerMetrics 配置指标记录器。
func WithSchedulerMetrics(recorder *metrics.Recorder) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = recorder
	}
}

// NewScheduler 构造调度器。
func NewScheduler(store Store, producer Producer, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Scheduler{store: store, producer: producer, interval: interval}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run 立即执行一轮，之后按周期执行，直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) error {
	if s.store == nil || s.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调度器未初始化")
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.L().Error("调度流水线失败", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce 发布一轮活跃流水线，返回成功投递的数量。
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.store.ActiveIDs(ctx)
	if err != nil {
		return 0, err
	}
	s.metrics.SetActive(len(ids))
	published := 0
	for _, id := range ids {
		if err := s.producer.Publish(ctx, id); err != nil {
			return published, xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递流水线失败",
				xerrors.WithMetadata("pipeline_id", id))
		}
		published++
	}
	return published, nil
}
