package market

import (
	"context"
	"sync"
	"time"

	"listen-engine/internal/condition"
)

// StaticFeed 是可手动设置的行情源，百分比变化不区分时间窗口。
type StaticFeed struct {
	mu      sync.RWMutex
	prices  map[string]float64
	changes map[string]float64
}

var _ condition.MarketData = (*StaticFeed)(nil)

// NewStaticFeed 以初始价格创建行情源。
func NewStaticFeed(prices map[string]float64) *StaticFeed {
	f := &StaticFeed{prices: make(map[string]float64, len(prices)), changes: make(map[string]float64)}
	for asset, price := range prices {
		f.prices[asset] = price
	}
	return f
}

// SetPrice 更新资产价格。
func (f *StaticFeed) SetPrice(asset string, price float64) {
	f.mu.Lock()
	f.prices[asset] = price
	f.mu.Unlock()
}

// SetChange 更新资产的百分比变化。
func (f *StaticFeed) SetChange(asset string, pct float64) {
	f.mu.Lock()
	f.changes[asset] = pct
	f.mu.Unlock()
}

// Price 返回资产价格，未设置时返回 DATA_UNAVAILABLE。
func (f *StaticFeed) Price(_ context.Context, asset string) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.prices[asset]
	if !ok {
		return 0, unavailable(asset, "没有价格数据", nil)
	}
	return price, nil
}

// PercentageChange 返回预设的百分比变化。
func (f *StaticFeed) PercentageChange(_ context.Context, asset string, _ time.Duration) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	pct, ok := f.changes[asset]
	if !ok {
		return 0, unavailable(asset, "没有价格变化数据", nil)
	}
	return pct, nil
}

// Close 对静态行情源无操作。
func (f *StaticFeed) Close() error { return nil }
