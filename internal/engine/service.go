package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"listen-engine/internal/chain"
	"listen-engine/internal/condition"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/observability/metrics"
	"listen-engine/internal/pipeline"
	"listen-engine/pkg/logger"
)

// CreateRequest 描述一条新流水线。ID 为空时自动生成。
type CreateRequest struct {
	ID            string                 `json:"id,omitempty"`
	UserID        string                 `json:"user_id"`
	Steps         []pipeline.Step        `json:"steps"`
	FailurePolicy pipeline.FailurePolicy `json:"failure_policy,omitempty"`
}

// Service 负责流水线的创建、查询与取消。
type Service struct {
	store    Store
	locker   Locker
	producer Producer
	metrics  *metrics.Recorder
	chains   *chain.Table

	combinator condition.Combinator
	policy     pipeline.FailurePolicy
	lockTTL    time.Duration
	lockWait   time.Duration
	now        func() time.Time
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithServiceLocker 指定与 Engine 共享的流水线锁。
func WithServiceLocker(locker Locker) ServiceOption {
	return func(s *Service) {
		if locker != nil {
			s.locker = locker
		}
	}
}

// WithDispatch 让新建的流水线立即进入分发队列，而不必等待下一个调度周期。
func WithDispatch(producer Producer) ServiceOption {
	return func(s *Service) {
		s.producer = producer
	}
}

// WithDefaults 设置步骤默认组合方式与流水线默认失败策略。
func WithDefaults(combinator condition.Combinator, policy pipeline.FailurePolicy) ServiceOption {
	return func(s *Service) {
		if combinator != "" {
			s.combinator = combinator
		}
		if policy != "" {
			s.policy = policy
		}
	}
}

// WithLockWait 设置取消操作等待流水线锁的最长时间。
func WithLockWait(wait time.Duration) ServiceOption {
	return func(s *Service) {
		if wait > 0 {
			s.lockWait = wait
		}
	}
}

// WithServiceMetrics 配置指标记录器。
func WithServiceMetrics(recorder *metrics.Recorder) ServiceOption {
	return func(s *Service) {
		s.metrics = recorder
	}
}

// WithServiceChainTable 让 Create 拒绝链表中不存在的 CAIP-2 标识。
func WithServiceChainTable(table *chain.Table) ServiceOption {
	return func(s *Service) {
		s.chains = table
	}
}

// WithServiceClock 替换时间来源，主要用于测试。
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 构造流水线服务。
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		locker:     NewMemoryLocker(),
		combinator: condition.CombinatorAll,
		policy:     pipeline.FailureBranch,
		lockTTL:    30 * time.Second,
		lockWait:   2 * time.Second,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create 校验 DAG、条件与订单后保存流水线。
//
// 携带已存在的 ID 重复提交时返回已有流水线，便于客户端安全重试。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*pipeline.Pipeline, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "流水线服务未初始化")
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	policy := req.FailurePolicy
	if policy == "" {
		policy = s.policy
	}
	p, err := pipeline.New(id, strings.TrimSpace(req.UserID), req.Steps, pipeline.Options{
		Combinator:    s.combinator,
		FailurePolicy: policy,
		Now:           s.now(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.checkChains(p); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, p); err != nil {
		if xerrors.HasCode(err, CodePipelineConflict) && req.ID != "" {
			existing, getErr := s.store.Get(ctx, id)
			if getErr == nil && existing.UserID == p.UserID {
				return existing, nil
			}
		}
		return nil, err
	}
	logger.Audit().Info("流水线已创建",
		slog.String("pipeline_id", p.ID),
		slog.String("user_id", p.UserID),
		slog.Int("steps", len(p.Steps)),
		slog.Any("frontier", p.CurrentSteps),
		slog.String("failure_policy", string(p.FailurePolicy)),
	)
	if s.producer != nil {
		if err := s.producer.Publish(ctx, p.ID); err != nil {
			// 下一个调度周期仍会投递，这里只记录。
			logger.L().Warn("新流水线入队失败", slog.String("pipeline_id", p.ID), slog.Any("error", err))
		}
	}
	return p, nil
}

func (s *Service) checkChains(p *pipeline.Pipeline) error {
	if s.chains == nil {
		return nil
	}
	for _, id := range p.StepIDs() {
		step := p.Steps[id]
		if err := s.chains.Check(step.Order.FromChainCAIP2, step.Order.ToChainCAIP2); err != nil {
			xe, _ := xerrors.From(err)
			return xerrors.Wrap(chain.CodeInvalidChainIdentifier, err, "步骤 "+step.ID+" 使用了未登记的链",
				xerrors.WithMetadata("step_id", step.ID),
				xerrors.WithMetadata("caip2", xe.Metadata()["caip2"]))
		}
	}
	return nil
}

// Get 返回流水线快照。
func (s *Service) Get(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "流水线存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的流水线。
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*pipeline.Pipeline, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "流水线存储未初始化")
	}
	opts.applyDefaults()
	return s.store.List(ctx, opts)
}

// Stats 返回符合过滤条件的状态统计。
func (s *Service) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "流水线存储未初始化")
	}
	opts.applyDefaults()
	return s.store.Stats(ctx, opts)
}

// StepStatus 返回单个步骤的快照。
func (s *Service) StepStatus(ctx context.Context, id, stepID string) (*pipeline.Step, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	step, ok := p.Step(stepID)
	if !ok {
		return nil, xerrors.New(pipeline.CodeStepNotFound, "步骤不存在",
			xerrors.WithMetadata("pipeline_id", id),
			xerrors.WithMetadata("step_id", stepID))
	}
	return step, nil
}

// CancelPipeline 取消流水线中所有仍在等待的步骤，状态强制为 cancelled。
func (s *Service) CancelPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	return s.mutate(ctx, id, func(p *pipeline.Pipeline, now time.Time) ([]string, error) {
		return p.Cancel(now)
	}, "流水线已取消", "")
}

// CancelStep 取消步骤及其所有可达的等待中后代。
func (s *Service) CancelStep(ctx context.Context, id, stepID string) (*pipeline.Pipeline, error) {
	return s.mutate(ctx, id, func(p *pipeline.Pipeline, now time.Time) ([]string, error) {
		return p.CancelStep(stepID, now)
	}, "步骤已取消", stepID)
}

func (s *Service) mutate(ctx context.Context, id string, apply func(*pipeline.Pipeline, time.Time) ([]string, error), auditMsg, stepID string) (*pipeline.Pipeline, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "流水线存储未初始化")
	}
	release, err := lockWithin(ctx, s.locker, lockKey(id), s.lockTTL, s.lockWait)
	if err != nil {
		return nil, err
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	wasTerminal := p.IsTerminal()
	cancelled, err := apply(p, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, p); err != nil {
		return nil, err
	}
	for range cancelled {
		s.metrics.StepTransition(string(pipeline.StatusCancelled))
	}
	if !wasTerminal && p.IsTerminal() {
		s.metrics.PipelineFinished(string(p.Status))
	}
	logger.Audit().Info(auditMsg,
		slog.String("pipeline_id", p.ID),
		slog.String("user_id", p.UserID),
		slog.String("step_id", stepID),
		slog.Any("cancelled", cancelled),
		slog.String("status", string(p.Status)),
	)
	return p, nil
}

// Close 释放存储与队列资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
