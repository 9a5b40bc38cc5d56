package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"

	xerrors "listen-engine/internal/errors"
)

func TestMemoryQueueDeduplicatesQueuedIDs(t *testing.T) {
	queue := NewMemoryQueue(4)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := queue.Publish(ctx, "p-1"); err != nil {
			t.Fatalf("Publish 返回错误: %v", err)
		}
	}
	if err := queue.Publish(ctx, "p-2"); err != nil {
		t.Fatalf("Publish 返回错误: %v", err)
	}
	if queue.Len() != 2 {
		t.Fatalf("期望 2 个排队 ID, 实际 %d", queue.Len())
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	consumeCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Consume(consumeCtx, 1, func(_ context.Context, id string) error {
			mu.Lock()
			seen = append(seen, id)
			n := len(seen)
			mu.Unlock()
			if n == 2 {
				cancel()
			}
			return nil
		})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("消费超时")
	}
	if len(seen) != 2 || seen[0] != "p-1" || seen[1] != "p-2" {
		t.Fatalf("消费顺序错误: %v", seen)
	}

	// 消费后可再次入队。
	if err := queue.Publish(ctx, "p-1"); err != nil || queue.Len() != 1 {
		t.Fatalf("已消费的 ID 应允许重新入队: len=%d err=%v", queue.Len(), err)
	}
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	_ = queue.Close()
	if err := queue.Publish(context.Background(), "p-1"); !xerrors.HasCode(err, xerrors.CodeQueueFailure) {
		t.Fatalf("关闭后投递应失败, 得到 %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("重复关闭不应报错: %v", err)
	}
}

func TestMemoryQueueCloseReleasesBlockedPublishers(t *testing.T) {
	queue := NewMemoryQueue(1)
	ctx := context.Background()
	if err := queue.Publish(ctx, "p-0"); err != nil {
		t.Fatalf("Publish 返回错误: %v", err)
	}

	errs := make(chan error, 8)
	for i := 1; i <= 8; i++ {
		go func(id string) {
			errs <- queue.Publish(ctx, id)
		}(fmt.Sprintf("p-%d", i))
	}
	consumed := make(chan error, 1)
	go func() {
		consumed <- queue.Consume(ctx, 2, func(context.Context, string) error {
			time.Sleep(10 * time.Millisecond)
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	if err := queue.Close(); err != nil {
		t.Fatalf("Close 返回错误: %v", err)
	}

	for i := 0; i < 8; i++ {
		select {
		case err := <-errs:
			if err != nil && !xerrors.HasCode(err, xerrors.CodeQueueFailure) {
				t.Fatalf("关闭后投递只能成功或返回 QUEUE_FAILURE, 得到 %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Close 后 Publish 仍然阻塞")
		}
	}
	select {
	case err := <-consumed:
		if err != nil {
			t.Fatalf("队列关闭后 Consume 应正常返回, 得到 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close 后 Consume 仍然阻塞")
	}
}

func TestMemoryLockerExclusive(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()
	release, ok, err := locker.TryLock(ctx, "k", time.Second)
	if err != nil || !ok {
		t.Fatalf("首次获取锁失败: %v", err)
	}
	if _, ok, _ := locker.TryLock(ctx, "k", time.Second); ok {
		t.Fatal("锁被占用时不应再次获得")
	}
	if _, ok, _ := locker.TryLock(ctx, "other", time.Second); !ok {
		t.Fatal("不同键互不影响")
	}
	_ = release(ctx)
	_ = release(ctx)
	if _, ok, _ := locker.TryLock(ctx, "k", time.Second); !ok {
		t.Fatal("释放后应能重新获得锁")
	}
}

func TestLockWithinRespectsContext(t *testing.T) {
	locker := NewMemoryLocker()
	ctx, cancel := context.WithCancel(context.Background())
	_, _, _ = locker.TryLock(ctx, lockKey("p-1"), time.Second)
	cancel()
	if _, err := lockWithin(ctx, locker, lockKey("p-1"), time.Second, time.Minute); err != context.Canceled {
		t.Fatalf("ctx 取消后应立即返回, 得到 %v", err)
	}
}

func TestRedisAdaptersKeyLayout(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	store := NewRedisStore(client, "")
	if got := store.pipelineKey("p-1"); got != "listen:pipeline:p-1" {
		t.Fatalf("快照键错误: %s", got)
	}
	if got := store.userKey(testUser); got != "listen:pipelines:user:"+testUser {
		t.Fatalf("用户索引键错误: %s", got)
	}
	if store.activeKey() != "listen:pipelines:active" || store.indexKey() != "listen:pipelines:index" {
		t.Fatalf("索引键错误: %s %s", store.activeKey(), store.indexKey())
	}

	queue := NewRedisQueue(client, RedisQueueConfig{Queue: "q"})
	if queue.queue != "q" || queue.queued != "q:queued" || queue.wait != 5*time.Second {
		t.Fatalf("队列配置错误: %+v", queue)
	}
	if NewRedisLocker(client, "").prefix != "listen:lock:" {
		t.Fatal("锁前缀默认值错误")
	}
}

func TestNewRabbitMQQueueRequiresURL(t *testing.T) {
	if _, err := NewRabbitMQQueue(RabbitMQConfig{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("缺少 URL 应返回 INVALID_ARGUMENT, 得到 %v", err)
	}
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	acked []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(uint64, bool, bool) error { return nil }
func (a *fakeAcknowledger) Reject(uint64, bool) error     { return nil }

func (a *fakeAcknowledger) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked)
}

type fakeAMQPChannel struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	published  []amqp.Publishing
	closed     bool
}

func (c *fakeAMQPChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeAMQPChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeAMQPChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestRabbitMQQueuePublishMarksDurableMessagesPersistent(t *testing.T) {
	ch := &fakeAMQPChannel{}
	queue := newRabbitMQQueue(nil, ch, RabbitMQConfig{Queue: "q", Durable: true})
	if err := queue.Publish(context.Background(), "p-1"); err != nil {
		t.Fatalf("Publish 返回错误: %v", err)
	}
	if len(ch.published) != 1 || string(ch.published[0].Body) != "p-1" || ch.published[0].DeliveryMode != amqp.Persistent {
		t.Fatalf("发布内容错误: %+v", ch.published)
	}
	_ = queue.Close()
	if err := queue.Publish(context.Background(), "p-2"); !xerrors.HasCode(err, xerrors.CodeQueueFailure) {
		t.Fatalf("channel 关闭后应返回 QUEUE_FAILURE, 得到 %v", err)
	}
}

func TestRabbitMQQueueConsumeFailsWhenDeliveriesClose(t *testing.T) {
	acks := &fakeAcknowledger{}
	ch := &fakeAMQPChannel{deliveries: make(chan amqp.Delivery, 2)}
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: []byte("p-1")}
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 2, Body: []byte("p-2")}
	close(ch.deliveries)

	var (
		mu   sync.Mutex
		seen []string
	)
	queue := newRabbitMQQueue(nil, ch, RabbitMQConfig{Queue: "q"})
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(context.Background(), 1, func(_ context.Context, id string) error {
			mu.Lock()
			seen = append(seen, id)
			mu.Unlock()
			return xerrors.New(xerrors.CodeUnknown, "tick failed")
		})
	}()

	select {
	case err := <-done:
		if !xerrors.HasCode(err, xerrors.CodeQueueFailure) {
			t.Fatalf("投递通道关闭应返回 QUEUE_FAILURE, 得到 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("投递通道关闭后 Consume 仍然阻塞")
	}
	if len(seen) != 2 || acks.count() != 2 {
		t.Fatalf("处理失败的消息也应确认: seen=%v acked=%d", seen, acks.count())
	}
}
