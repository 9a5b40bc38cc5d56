package engine

import (
	"context"
	"sync"

	xerrors "listen-engine/internal/errors"
)

// MemoryQueue 使用 channel 实现进程内分发队列。
//
// ch 从不关闭；Close 关闭 done，阻塞中的 Publish 与 Consume 随之返回。
type MemoryQueue struct {
	ch     chan string
	done   chan struct{}
	mu     sync.Mutex
	queued map[string]struct{}
	closed bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{
		ch:     make(chan string, size),
		done:   make(chan struct{}),
		queued: make(map[string]struct{}),
	}
}

// Publish 将流水线 ID 投递到队列，已在队列中的 ID 直接忽略。
func (q *MemoryQueue) Publish(ctx context.Context, pipelineID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	if _, ok := q.queued[pipelineID]; ok {
		q.mu.Unlock()
		return nil
	}
	q.queued[pipelineID] = struct{}{}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		q.release(pipelineID)
		return ctx.Err()
	case <-q.done:
		q.release(pipelineID)
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	case q.ch <- pipelineID:
		return nil
	}
}

// Len 返回队列中等待的 ID 数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Consume 启动指定数量的工作协程消费队列，直到 ctx 取消或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case pipelineID := <-q.ch:
					q.release(pipelineID)
					_ = handler(ctx, pipelineID)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.done)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) release(pipelineID string) {
	q.mu.Lock()
	delete(q.queued, pipelineID)
	q.mu.Unlock()
}
