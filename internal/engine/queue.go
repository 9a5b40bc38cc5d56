package engine

import (
	"context"
)

// Handler 处理来自分发队列的流水线 ID。
type Handler func(ctx context.Context, pipelineID string) error

// Producer 负责向队列投递流水线 ID。
type Producer interface {
	Publish(ctx context.Context, pipelineID string) error
	Close() error
}

// Consumer 负责从队列中消费流水线 ID。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
//
// 同一 ID 在被消费前重复投递只会排队一次，慢流水线不会在队列里堆积。
type Queue interface {
	Producer
	Consumer
}
