package redis

import (
	"context"
	"testing"
	"time"
)

func TestOpenRequiresAddress(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("期望缺少地址时报错")
	}
}

func TestOptions(t *testing.T) {
	opts := Options(Config{Address: "127.0.0.1:6379", DB: 2, ReadTimeout: time.Second, PoolSize: 8})
	if opts.Addr != "127.0.0.1:6379" || opts.DB != 2 || opts.ReadTimeout != time.Second || opts.PoolSize != 8 {
		t.Fatalf("选项转换错误: %+v", opts)
	}
	if opts.DialTimeout != 0 {
		t.Fatalf("未配置的超时应保留 go-redis 默认值: %v", opts.DialTimeout)
	}
}
