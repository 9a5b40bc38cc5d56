package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"listen-engine/internal/condition"
	xerrors "listen-engine/internal/errors"
)

// RedisFeed 从 Redis 读取行情。
//
// 键布局（prefix 默认为空）：
//
//	<prefix>price:<asset>          最新价格，十进制字符串
//	<prefix>price_history:<asset>  ZSET，score 为采样时间（毫秒），member 为 "<毫秒>:<价格>"
type RedisFeed struct {
	client *redis.Client
	prefix string
	// maxAge 大于 0 时，窗口起点之前超过该时长的历史采样视为不可用。
	maxAge time.Duration
	now    func() time.Time
}

var _ condition.MarketData = (*RedisFeed)(nil)

// FeedOption 定义 RedisFeed 的可选配置。
type FeedOption func(*RedisFeed)

// WithPrefix 为所有键添加前缀。
func WithPrefix(prefix string) FeedOption {
	return func(f *RedisFeed) {
		f.prefix = prefix
	}
}

// WithMaxAge 设置价格历史的最大可接受陈旧度。
func WithMaxAge(maxAge time.Duration) FeedOption {
	return func(f *RedisFeed) {
		f.maxAge = maxAge
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) FeedOption {
	return func(f *RedisFeed) {
		if now != nil {
			f.now = now
		}
	}
}

// NewRedisFeed 基于已建立的客户端创建行情源，Close 会关闭该客户端。
func NewRedisFeed(client *redis.Client, opts ...FeedOption) *RedisFeed {
	f := &RedisFeed{client: client, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

func (f *RedisFeed) priceKey(asset string) string   { return f.prefix + "price:" + asset }
func (f *RedisFeed) historyKey(asset string) string { return f.prefix + "price_history:" + asset }

// Price 返回资产最新价格。
func (f *RedisFeed) Price(ctx context.Context, asset string) (float64, error) {
	raw, err := f.client.Get(ctx, f.priceKey(asset)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, unavailable(asset, "没有价格数据", nil)
		}
		return 0, unavailable(asset, "读取价格失败", err)
	}
	price, err := parsePrice(raw)
	if err != nil {
		return 0, unavailable(asset, "价格格式错误", err)
	}
	return price, nil
}

// PercentageChange 比较最新价格与 timeframe 之前最近一次采样，返回百分比变化。
func (f *RedisFeed) PercentageChange(ctx context.Context, asset string, timeframe time.Duration) (float64, error) {
	if timeframe <= 0 {
		return 0, xerrors.New(condition.CodeInvalidCondition, "timeframe 必须大于 0")
	}
	current, err := f.Price(ctx, asset)
	if err != nil {
		return 0, err
	}
	since := f.now().Add(-timeframe)
	members, err := f.client.ZRevRangeByScore(ctx, f.historyKey(asset), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(since.UnixMilli(), 10),
		Count: 1,
	}).Result()
	if err != nil {
		return 0, unavailable(asset, "读取价格历史失败", err)
	}
	if len(members) == 0 {
		return 0, unavailable(asset, "价格历史不足以覆盖时间窗口", nil)
	}
	sampledAt, past, err := parseHistoryMember(members[0])
	if err != nil {
		return 0, unavailable(asset, "价格历史格式错误", err)
	}
	if f.maxAge > 0 && since.Sub(sampledAt) > f.maxAge {
		return 0, unavailable(asset, "价格历史过旧", nil)
	}
	return percentChange(past, current)
}

// Close 关闭 Redis 连接。
func (f *RedisFeed) Close() error {
	if f == nil || f.client == nil {
		return nil
	}
	return f.client.Close()
}

// HistoryMember 编码一条价格历史记录，供行情采集程序与测试使用。
func HistoryMember(at time.Time, price float64) string {
	return strconv.FormatInt(at.UnixMilli(), 10) + ":" + strconv.FormatFloat(price, 'f', -1, 64)
}

func parseHistoryMember(member string) (time.Time, float64, error) {
	ts, raw, ok := strings.Cut(member, ":")
	if !ok {
		return time.Time{}, 0, fmt.Errorf("invalid history member %q", member)
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("invalid timestamp in %q: %w", member, err)
	}
	price, err := parsePrice(raw)
	if err != nil {
		return time.Time{}, 0, err
	}
	return time.UnixMilli(ms).UTC(), price, nil
}

func parsePrice(raw string) (float64, error) {
	price, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", raw, err)
	}
	if price < 0 {
		return 0, fmt.Errorf("negative price %q", raw)
	}
	return price, nil
}

func percentChange(past, current float64) (float64, error) {
	if past <= 0 {
		return 0, xerrors.New(condition.CodeDataUnavailable, "历史价格为 0，无法计算变化率")
	}
	return (current - past) / past * 100, nil
}

func unavailable(asset, message string, cause error) error {
	if cause != nil {
		return xerrors.Wrap(condition.CodeDataUnavailable, cause, message, xerrors.WithMetadata("asset", asset))
	}
	return xerrors.New(condition.CodeDataUnavailable, message, xerrors.WithMetadata("asset", asset))
}
