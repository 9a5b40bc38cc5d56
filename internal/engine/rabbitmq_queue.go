package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "listen-engine/internal/errors"
	"listen-engine/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 分发队列的连接参数。
type RabbitMQConfig struct {
	URL      string
	Queue    string
	Prefetch int
	Durable  bool
}

// amqpChannel 是队列用到的 *amqp.Channel 方法子集。
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// RabbitMQQueue 使用 RabbitMQ 分发流水线 ID。
//
// broker 侧无法按 ID 去重：慢流水线可能被重复投递，多余的 tick 会因锁被占用或无变化而跳过。
type RabbitMQQueue struct {
	conn       io.Closer
	ch         amqpChannel
	publishMu  sync.Mutex
	queue      string
	persistent bool
}

var _ Queue = (*RabbitMQQueue)(nil)

// NewRabbitMQQueue 连接 broker 并声明分发队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	if cfg.Queue == "" {
		cfg.Queue = "listen.dispatch"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := declareDispatch(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return newRabbitMQQueue(conn, ch, cfg), nil
}

func newRabbitMQQueue(conn io.Closer, ch amqpChannel, cfg RabbitMQConfig) *RabbitMQQueue {
	return &RabbitMQQueue{conn: conn, ch: ch, queue: cfg.Queue, persistent: cfg.Durable}
}

// declareDispatch 打开 channel，设置预取并声明队列；非持久队列在连接断开后由 broker 删除。
func declareDispatch(conn *amqp.Connection, cfg RabbitMQConfig) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err := ch.QueueDeclare(cfg.Queue, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败",
			xerrors.WithMetadata("queue", cfg.Queue))
	}
	return ch, nil
}

// Publish 将流水线 ID 投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, pipelineID string) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	msg := amqp.Publishing{ContentType: "text/plain", Body: []byte(pipelineID)}
	if q.persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	// amqp channel 不支持并发发布。
	q.publishMu.Lock()
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg)
	q.publishMu.Unlock()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布流水线失败",
			xerrors.WithMetadata("pipeline_id", pipelineID))
	}
	return nil
}

// Consume 以手动确认模式把投递分给 workerCount 个协程，阻塞到 ctx 取消。
//
// 处理失败同样确认，由下一次调度重新投递。broker 关闭投递通道（连接断开、channel
// 被关闭）时返回 QUEUE_FAILURE，而不是静默等待 ctx 取消。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败",
			xerrors.WithMetadata("queue", q.queue))
	}

	workCtx, stop := context.WithCancel(ctx)
	defer stop()
	lost := make(chan struct{})
	var once sync.Once

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-workCtx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						once.Do(func() { close(lost) })
						return
					}
					_ = handler(workCtx, string(d.Body))
					if ackErr := d.Ack(false); ackErr != nil {
						logger.L().Warn("确认 RabbitMQ 消息失败",
							slog.String("pipeline_id", string(d.Body)),
							slog.Any("error", ackErr))
					}
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
		wg.Wait()
		return ctx.Err()
	case <-lost:
		stop()
		wg.Wait()
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 投递通道已关闭",
			xerrors.WithMetadata("queue", q.queue))
	}
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
