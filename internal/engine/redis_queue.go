package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "listen-engine/internal/errors"
	"listen-engine/pkg/logger"
)

// RedisQueueConfig 描述 Redis 分发队列的参数。
type RedisQueueConfig struct {
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现多进程共享的分发队列，并用集合去重。
type RedisQueue struct {
	client *redis.Client
	queue  string
	queued string
	wait   time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue 基于已建立的客户端创建队列。
func NewRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "listen:dispatch"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, queued: queue + ":queued", wait: wait}
}

// Publish 将流水线 ID 投递到 Redis，已排队的 ID 被忽略。
func (q *RedisQueue) Publish(ctx context.Context, pipelineID string) error {
	added, err := q.client.SAdd(ctx, q.queued, pipelineID).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 登记排队 ID 失败")
	}
	if added == 0 {
		return nil
	}
	if err := q.client.LPush(ctx, q.queue, pipelineID).Err(); err != nil {
		_ = q.client.SRem(ctx, q.queued, pipelineID).Err()
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布流水线失败")
	}
	return nil
}

// Consume 通过 BRPOP 获取流水线 ID。处理失败不重投，下一次调度会再次发布。
//
// 所有工作协程退出后才返回；客户端被关闭时返回 QUEUE_FAILURE。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.work(ctx, handler); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	if err, ok := <-errCh; ok {
		return err
	}
	return ctx.Err()
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		switch {
		case err == nil:
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, redis.ErrClosed):
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 队列连接已关闭")
		default:
			logger.L().Warn("Redis 取流水线失败", slog.Any("error", err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if len(values) != 2 {
			continue
		}
		pipelineID := values[1]
		_ = q.client.SRem(ctx, q.queued, pipelineID).Err()
		_ = handler(ctx, pipelineID)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
