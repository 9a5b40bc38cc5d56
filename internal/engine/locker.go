package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "listen-engine/internal/errors"
)

// Release 释放已获得的锁。
type Release func(ctx context.Context) error

// Locker 提供按流水线的互斥。TryLock 不阻塞：锁被占用时返回 acquired=false。
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release Release, acquired bool, err error)
}

// MemoryLocker 是进程内的键控互斥锁，ttl 被忽略。
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker 创建进程内锁。
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// TryLock 尝试获得 key 对应的锁。
func (l *MemoryLocker) TryLock(_ context.Context, key string, _ time.Duration) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	var once sync.Once
	release := func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}
	return release, true, nil
}

// releaseScript 只在 token 匹配时删除锁，避免释放已被他人续上的锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 使用 SET NX PX 实现跨进程锁。
type RedisLocker struct {
	client *redis.Client
	prefix string
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker 基于已建立的客户端创建分布式锁。
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "listen:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// TryLock 尝试获得锁，ttl 到期后锁自动失效。
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Release, bool, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token := uuid.NewString()
	fullKey := l.prefix + key
	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取分布式锁失败",
			xerrors.WithMetadata("key", key))
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err(); err != nil && err != redis.Nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放分布式锁失败",
				xerrors.WithMetadata("key", key))
		}
		return nil
	}
	return release, true, nil
}

// Close 关闭 Redis 连接。
func (l *RedisLocker) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

// lockWithin 在 wait 时间内轮询获取锁，供 API 变更操作使用。
func lockWithin(ctx context.Context, locker Locker, key string, ttl, wait time.Duration) (Release, error) {
	deadline := time.Now().Add(wait)
	for {
		release, ok, err := locker.TryLock(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		if !time.Now().Before(deadline) {
			return nil, xerrors.New(CodePipelineBusy, "流水线正在处理中，请稍后重试",
				xerrors.WithMetadata("lock_key", key))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func lockKey(pipelineID string) string {
	return "pipeline:" + pipelineID
}
