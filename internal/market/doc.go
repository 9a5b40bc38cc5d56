// Package market 提供条件求值使用的行情数据源。
//
// RedisFeed 读取外部行情采集程序写入 Redis 的最新价格与价格历史；StaticFeed 用于开发与测试。
package market
