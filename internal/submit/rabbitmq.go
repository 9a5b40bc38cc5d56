package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/order"
	"listen-engine/pkg/logger"
)

// RabbitMQConfig 描述签名请求队列的连接参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
	Queue    string
	Durable  bool
	// DialAttempts 是启动时连接 RabbitMQ 的最大尝试次数。
	DialAttempts uint
}

// RabbitMQSubmitter 把签名请求发布到 RabbitMQ，由独立的签名服务完成签名与广播。
//
// 每条消息以持久化方式投递并等待 broker 确认，确认成功后才返回提交 ID。
type RabbitMQSubmitter struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	key      string
	now      func() time.Time
}

// NewRabbitMQSubmitter 建立连接、声明队列并开启 publisher confirm。
func NewRabbitMQSubmitter(ctx context.Context, cfg RabbitMQConfig) (*RabbitMQSubmitter, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "listen.signing"
	}
	attempts := cfg.DialAttempts
	if attempts == 0 {
		attempts = 5
	}

	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		conn, err := amqp.Dial(cfg.URL)
		if err != nil {
			logger.L().Warn("连接 RabbitMQ 失败，稍后重试", slog.Any("error", err))
		}
		return conn, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(attempts))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	if cfg.Exchange != "" {
		if err := ch.QueueBind(queue, queue, cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "绑定 RabbitMQ 队列失败")
		}
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "开启 publisher confirm 失败")
	}
	return &RabbitMQSubmitter{conn: conn, ch: ch, exchange: cfg.Exchange, key: queue, now: time.Now}, nil
}

// SignAndSubmit 发布签名请求并等待 broker 确认。
func (s *RabbitMQSubmitter) SignAndSubmit(ctx context.Context, tx order.ResolvedTransaction) (string, error) {
	if s == nil || s.ch == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 提交端未初始化")
	}
	req, err := NewSigningRequest(tx, s.now())
	if err != nil {
		return "", err
	}
	msg, err := publishing(req)
	if err != nil {
		return "", err
	}

	// channel 不是并发安全的，发布与确认一一对应。
	s.mu.Lock()
	defer s.mu.Unlock()
	confirm, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, s.exchange, s.key, true, false, msg)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布签名请求失败")
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", xerrors.Wrap(xerrors.CodeTimeout, err, "等待 broker 确认超时")
		}
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "等待 broker 确认失败")
	}
	if !acked {
		return "", xerrors.New(xerrors.CodeQueueFailure, "broker 拒绝了签名请求",
			xerrors.WithMetadata("submission_id", req.SubmissionID))
	}
	return req.SubmissionID, nil
}

func publishing(req SigningRequest) (amqp.Publishing, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("编码签名请求失败: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    req.SubmissionID,
		Timestamp:    req.RequestedAt,
		Type:         "listen.signing_request." + string(req.Family),
		Body:         body,
	}, nil
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQSubmitter) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
