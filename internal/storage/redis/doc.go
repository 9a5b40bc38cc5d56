// Package redis 构建共享的 go-redis 客户端，供流水线存储、分发队列、分布式锁与行情读取复用。
package redis
