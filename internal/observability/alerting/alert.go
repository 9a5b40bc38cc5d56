package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	xerrors "listen-engine/internal/errors"
	"listen-engine/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Kind 区分事件类型。
type Kind string

const (
	KindStepFailed       Kind = "step_failed"
	KindPipelineFinished Kind = "pipeline_finished"
	KindEngineError      Kind = "engine_error"
)

// Event 描述一次需要通知的事件。
type Event struct {
	Kind       Kind              `json:"kind"`
	Code       xerrors.Code      `json:"code,omitempty"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	PipelineID string            `json:"pipeline_id"`
	StepID     string            `json:"step_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Status     string            `json:"status,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。同一渠道只保留最后一个通知器。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Channels 返回已注册的渠道，按名称排序。
func (d *FanoutDispatcher) Channels() []Channel {
	if d == nil {
		return nil
	}
	out := make([]Channel, 0, len(d.notifiers))
	for ch := range d.notifiers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把事件写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写审计日志，critical 级别使用 Error。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	l := logger.Audit()
	if n != nil && n.Logger != nil {
		l = n.Logger
	}
	level := slog.LevelInfo
	switch event.Severity {
	case xerrors.SeverityWarning:
		level = slog.LevelWarn
	case xerrors.SeverityCritical:
		level = slog.LevelError
	}
	l.LogAttrs(context.Background(), level, "通知事件",
		slog.String("kind", string(event.Kind)),
		slog.String("code", string(event.Code)),
		slog.String("pipeline_id", event.PipelineID),
		slog.String("step_id", event.StepID),
		slog.String("user_id", event.UserID),
		slog.String("status", event.Status),
		slog.String("message", event.Message),
		slog.Int("attempts", event.Attempts),
	)
	return nil
}
