package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"listen-engine/internal/chain"
	"listen-engine/internal/condition"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/observability/alerting"
	"listen-engine/internal/observability/metrics"
	"listen-engine/internal/order"
	"listen-engine/internal/pipeline"
	"listen-engine/pkg/logger"
)

// Resolver 把抽象订单解析为链上未签名交易。
type Resolver interface {
	Resolve(ctx context.Context, o order.Order, wallets order.Wallets) (order.ResolvedTransaction, error)
}

// Submitter 负责签名并提交交易，返回提交 ID。
type Submitter interface {
	SignAndSubmit(ctx context.Context, tx order.ResolvedTransaction) (string, error)
}

// WalletProvider 返回用户在指定链族上的地址。
type WalletProvider interface {
	AddressFor(ctx context.Context, userID string, family chain.Family) (string, error)
}

// Engine 对单条流水线执行一次 tick：评估前沿步骤、解析订单、提交交易并推进 DAG。
type Engine struct {
	store     Store
	resolver  Resolver
	market    condition.MarketData
	submitter Submitter
	wallets   WalletProvider
	locker    Locker
	chains    *chain.Table

	retry         RetryPolicy
	submitTimeout time.Duration
	lockTTL       time.Duration
	metrics       *metrics.Recorder
	alerter       alerting.Dispatcher
	logger        *slog.Logger
	now           func() time.Time
}

// Option 定义 Engine 的可选配置。
type Option func(*Engine)

// WithLocker 指定流水线锁，默认使用进程内锁。
func WithLocker(locker Locker) Option {
	return func(e *Engine) {
		if locker != nil {
			e.locker = locker
		}
	}
}

// WithRetryPolicy 指定瞬时错误的重试策略。
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = policy
	}
}

// WithSubmitTimeout 限定单次提交的耗时。
func WithSubmitTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.submitTimeout = timeout
		}
	}
}

// WithChainTable 让引擎在查询钱包前先校验订单两端的链标识。
func WithChainTable(table *chain.Table) Option {
	return func(e *Engine) {
		e.chains = table
	}
}

// WithLockTTL 指定流水线锁的过期时间。单次 tick 的工作时间被限制在 TTL 的九成以内，
// 剩余时间不足一次提交时，其余步骤留到下一次 tick。
func WithLockTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.lockTTL = ttl
		}
	}
}

// WithMetrics 配置指标记录器。
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = recorder
	}
}

// WithAlertDispatcher 配置通知派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerter = dispatcher
	}
}

// WithLogger 指定调试日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New 构造 Engine。
func New(store Store, resolver Resolver, market condition.MarketData, submitter Submitter, wallets WalletProvider, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		resolver:      resolver,
		market:        market,
		submitter:     submitter,
		wallets:       wallets,
		locker:        NewMemoryLocker(),
		retry:         DefaultRetryPolicy(),
		submitTimeout: 30 * time.Second,
		lockTTL:       2 * time.Minute,
		logger:        logger.Named("engine"),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// TickOutcome 汇总一次 tick 的结果。
type TickOutcome struct {
	PipelineID string
	// Skipped 表示本次未评估：流水线已结束或锁被占用。
	Skipped   bool
	Locked    bool
	Evaluated []string
	Completed []string
	Failed    []string
	Deferred  []string
	Cancelled []string
	// Postponed 是因 tick 时间预算不足而未处理的前沿步骤。
	Postponed []string
	Status    pipeline.Status
}

func (o *TickOutcome) changed() bool {
	return len(o.Evaluated)+len(o.Completed)+len(o.Failed)+len(o.Deferred)+len(o.Cancelled) > 0
}

// Tick 在流水线锁内推进一次。锁被占用时本次跳过，不排队等待。
//
// 每个前沿步骤（按 ID 升序）依次：跳过仍在退避期内的步骤；评估条件；
// 条件满足则解析订单并提交。本次新激活的后继在下一次 tick 才会被评估。
// 执行过程中的 panic 会被恢复，流水线保持上一次持久化的状态。
func (e *Engine) Tick(ctx context.Context, pipelineID string) (outcome TickOutcome, err error) {
	started := time.Now()
	outcome.PipelineID = pipelineID
	result := "evaluated"
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("流水线处理发生 panic: %v", r),
				xerrors.WithMetadata("pipeline_id", pipelineID))
			logger.L().Error("流水线处理发生 panic",
				slog.String("pipeline_id", pipelineID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			e.notify(ctx, alerting.Event{
				Kind:       alerting.KindEngineError,
				Code:       xerrors.CodeUnknown,
				Message:    fmt.Sprint(r),
				Severity:   xerrors.SeverityCritical,
				PipelineID: pipelineID,
			})
		}
		if err != nil {
			result = "error"
		}
		e.metrics.ObserveTick(result, time.Since(started))
	}()

	if e.store == nil || e.resolver == nil || e.market == nil || e.submitter == nil || e.wallets == nil {
		return outcome, xerrors.New(xerrors.CodeInitializationFailure, "引擎未初始化")
	}

	release, acquired, err := e.locker.TryLock(ctx, lockKey(pipelineID), e.lockTTL)
	if err != nil {
		return outcome, err
	}
	if !acquired {
		outcome.Skipped, outcome.Locked = true, true
		result = "locked"
		return outcome, nil
	}
	defer func() {
		if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
			logger.L().Warn("释放流水线锁失败", slog.String("pipeline_id", pipelineID), slog.Any("error", relErr))
		}
	}()

	// 锁到期前必须完成保存，否则其他执行者可能在锁过期后覆盖本次结果。
	deadline := started.Add(e.workBudget())
	workCtx, cancelWork := context.WithDeadline(ctx, deadline)
	defer cancelWork()

	p, err := e.store.Get(ctx, pipelineID)
	if err != nil {
		return outcome, err
	}
	outcome.Status = p.Status
	if p.IsTerminal() {
		outcome.Skipped = true
		result = "skipped"
		return outcome, nil
	}

	e.advance(workCtx, deadline, p, &outcome)
	outcome.Status = p.Status
	if !outcome.changed() {
		result = "skipped"
		return outcome, nil
	}
	if err := e.store.Save(ctx, p); err != nil {
		logger.L().Error("保存流水线快照失败",
			slog.String("pipeline_id", p.ID),
			slog.Any("error", err),
			slog.Any("completed", outcome.Completed))
		return outcome, err
	}
	if p.IsTerminal() {
		e.finish(ctx, p)
	}
	return outcome, nil
}

// workBudget 是单次 tick 可用于处理步骤的时间，为保存快照留出 TTL 的十分之一。
func (e *Engine) workBudget() time.Duration {
	return e.lockTTL - e.lockTTL/10
}

func (e *Engine) advance(ctx context.Context, deadline time.Time, p *pipeline.Pipeline, outcome *TickOutcome) {
	frontier := p.Frontier()
	for i, stepID := range frontier {
		if ctx.Err() != nil || time.Until(deadline) < e.submitTimeout {
			outcome.Postponed = append(outcome.Postponed, frontier[i:]...)
			e.logger.Info("tick 剩余时间不足，其余步骤留待下次",
				slog.String("pipeline_id", p.ID),
				slog.Any("postponed", outcome.Postponed))
			return
		}
		step, ok := p.Step(stepID)
		// abort 策略下，同一 tick 里先前的失败可能已取消该步骤。
		if !ok || step.Status != pipeline.StatusPending || !p.InFrontier(stepID) {
			continue
		}
		now := e.now()
		if step.NextAttemptAt != nil && now.Before(*step.NextAttemptAt) {
			continue
		}

		outcome.Evaluated = append(outcome.Evaluated, stepID)
		satisfied, err := condition.EvaluateAll(ctx, step.Conditions, step.Combinator, e.market, now)
		if err != nil {
			e.logger.Debug("行情不可用，步骤保持等待",
				slog.String("pipeline_id", p.ID),
				slog.String("step_id", stepID),
				slog.Any("error", err))
			continue
		}
		if !satisfied {
			continue
		}
		e.execute(ctx, deadline, p, step, outcome)
	}
}

func (e *Engine) execute(ctx context.Context, deadline time.Time, p *pipeline.Pipeline, step *pipeline.Step, outcome *TickOutcome) {
	if e.chains != nil {
		if err := e.chains.Check(step.Order.FromChainCAIP2, step.Order.ToChainCAIP2); err != nil {
			e.handleError(ctx, p, step, err, outcome)
			return
		}
	}
	wallets, err := e.walletsFor(ctx, p.UserID, step.Order)
	if err != nil {
		e.handleError(ctx, p, step, err, outcome)
		return
	}

	// 询价只能使用提交之前的时间，保证提交总有完整的超时窗口。
	resolveCtx, cancelResolve := context.WithDeadline(ctx, deadline.Add(-e.submitTimeout))
	tx, err := e.resolver.Resolve(resolveCtx, step.Order, wallets)
	cancelResolve()
	if err != nil {
		e.handleError(ctx, p, step, err, outcome)
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	submissionID, err := e.submitter.SignAndSubmit(submitCtx, tx)
	cancel()
	if err != nil {
		wrapped := xerrors.Wrap(CodeSubmissionFailed, err, "交易提交失败",
			xerrors.WithMetadata("pipeline_id", p.ID),
			xerrors.WithMetadata("step_id", step.ID))
		e.fail(ctx, p, step, wrapped, outcome)
		return
	}

	activated, err := p.Complete(step.ID, submissionID, &tx, e.now())
	if err != nil {
		logger.L().Error("标记步骤完成失败", slog.String("pipeline_id", p.ID), slog.String("step_id", step.ID), slog.Any("error", err))
		return
	}
	outcome.Completed = append(outcome.Completed, step.ID)
	e.metrics.StepTransition(string(pipeline.StatusCompleted))
	logger.Audit().Info("步骤执行完成",
		slog.String("pipeline_id", p.ID),
		slog.String("user_id", p.UserID),
		slog.String("step_id", step.ID),
		slog.String("submission_id", submissionID),
		slog.String("family", string(tx.Family)),
		slog.String("chain", tx.Chain),
		slog.Any("activated", activated),
	)
}

// walletsFor 只查询订单两条腿实际需要的链族地址。
func (e *Engine) walletsFor(ctx context.Context, userID string, o order.Order) (order.Wallets, error) {
	var wallets order.Wallets
	for _, family := range []chain.Family{chain.FamilyOf(o.FromChainCAIP2), chain.FamilyOf(o.ToChainCAIP2)} {
		if wallets.AddressFor(family) != "" {
			continue
		}
		switch family {
		case chain.FamilyEVM, chain.FamilySolana:
		default:
			continue
		}
		address, err := e.wallets.AddressFor(ctx, userID, family)
		if err != nil {
			return order.Wallets{}, err
		}
		if family == chain.FamilyEVM {
			wallets.EVM = address
		} else {
			wallets.Solana = address
		}
	}
	return wallets, nil
}

// handleError 按错误类别决定步骤去向：瞬时错误在重试预算内保持 Pending，
// 其余类别使步骤失败；序列化错误额外记录完整的订单上下文。
func (e *Engine) handleError(ctx context.Context, p *pipeline.Pipeline, step *pipeline.Step, err error, outcome *TickOutcome) {
	e.metrics.ResolutionError(string(xerrors.CodeOf(err)))
	switch xerrors.ClassOf(err) {
	case xerrors.ClassTransient:
		e.retryLater(ctx, p, step, err, outcome)
	case xerrors.ClassSerialization:
		logger.L().Error("交易请求无法序列化",
			slog.String("pipeline_id", p.ID),
			slog.String("step_id", step.ID),
			slog.String("input_token", step.Order.InputToken),
			slog.String("output_token", step.Order.OutputToken),
			slog.String("amount", step.Order.Amount),
			slog.String("from_chain", step.Order.FromChainCAIP2),
			slog.String("to_chain", step.Order.ToChainCAIP2),
			slog.Any("error", err))
		e.fail(ctx, p, step, err, outcome)
	default:
		e.fail(ctx, p, step, err, outcome)
	}
}

func (e *Engine) retryLater(ctx context.Context, p *pipeline.Pipeline, step *pipeline.Step, err error, outcome *TickOutcome) {
	code := xerrors.CodeOf(err)
	attempt := step.Attempts + 1
	delay, ok := e.retry.Next(attempt)
	if !ok {
		exhausted := xerrors.Wrap(xerrors.CodeRetriesExhausted, err,
			fmt.Sprintf("瞬时错误重试 %d 次后仍失败", step.Attempts),
			xerrors.WithMetadata("last_code", string(code)))
		e.fail(ctx, p, step, exhausted, outcome)
		return
	}
	now := e.now()
	if deferErr := p.Defer(step.ID, code, err.Error(), now.Add(delay), now); deferErr != nil {
		logger.L().Error("记录重试信息失败", slog.String("pipeline_id", p.ID), slog.String("step_id", step.ID), slog.Any("error", deferErr))
		return
	}
	outcome.Deferred = append(outcome.Deferred, step.ID)
	logger.Audit().Warn("步骤遇到瞬时错误，稍后重试",
		slog.String("pipeline_id", p.ID),
		slog.String("step_id", step.ID),
		slog.String("error_code", string(code)),
		slog.String("error", err.Error()),
		slog.Int("attempts", attempt),
		slog.Duration("retry_in", delay),
	)
}

func (e *Engine) fail(ctx context.Context, p *pipeline.Pipeline, step *pipeline.Step, err error, outcome *TickOutcome) {
	code := xerrors.CodeOf(err)
	cancelled, failErr := p.Fail(step.ID, code, err.Error(), e.now())
	if failErr != nil {
		logger.L().Error("标记步骤失败出错", slog.String("pipeline_id", p.ID), slog.String("step_id", step.ID), slog.Any("error", failErr))
		return
	}
	outcome.Failed = append(outcome.Failed, step.ID)
	outcome.Cancelled = append(outcome.Cancelled, cancelled...)
	e.metrics.StepTransition(string(pipeline.StatusFailed))
	for range cancelled {
		e.metrics.StepTransition(string(pipeline.StatusCancelled))
	}

	severity := xerrors.SeverityOf(err)
	logger.Audit().Warn("步骤执行失败",
		slog.String("pipeline_id", p.ID),
		slog.String("user_id", p.UserID),
		slog.String("step_id", step.ID),
		slog.String("error_code", string(code)),
		slog.String("severity", string(severity)),
		slog.String("error", err.Error()),
		slog.Int("attempts", step.Attempts),
		slog.Any("cancelled", cancelled),
	)
	metadata := map[string]string{"failure_policy": string(p.FailurePolicy)}
	if xe, ok := xerrors.From(err); ok {
		for k, v := range xe.Metadata() {
			metadata[k] = v
		}
	}
	e.notify(ctx, alerting.Event{
		Kind:       alerting.KindStepFailed,
		Code:       code,
		Message:    err.Error(),
		Severity:   severity,
		PipelineID: p.ID,
		StepID:     step.ID,
		UserID:     p.UserID,
		Status:     string(pipeline.StatusFailed),
		Attempts:   step.Attempts,
		Metadata:   metadata,
	})
}

func (e *Engine) finish(ctx context.Context, p *pipeline.Pipeline) {
	e.metrics.PipelineFinished(string(p.Status))
	counts := p.Counts()
	logger.Audit().Info("流水线结束",
		slog.String("pipeline_id", p.ID),
		slog.String("user_id", p.UserID),
		slog.String("status", string(p.Status)),
		slog.Int("completed", counts[pipeline.StatusCompleted]),
		slog.Int("failed", counts[pipeline.StatusFailed]),
		slog.Int("cancelled", counts[pipeline.StatusCancelled]),
	)
	severity := xerrors.SeverityInfo
	if p.Status == pipeline.StatusFailed {
		severity = xerrors.SeverityWarning
	}
	e.notify(ctx, alerting.Event{
		Kind:       alerting.KindPipelineFinished,
		Message:    fmt.Sprintf("流水线 %s 已结束: %s", p.ID, p.Status),
		Severity:   severity,
		PipelineID: p.ID,
		UserID:     p.UserID,
		Status:     string(p.Status),
	})
}

func (e *Engine) notify(ctx context.Context, event alerting.Event) {
	if e.alerter == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now()
	}
	if err := e.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		logger.L().Error("通知失败",
			slog.Any("error", err),
			slog.String("pipeline_id", event.PipelineID),
			slog.String("kind", string(event.Kind)))
	}
}
