package engine

import (
	"sort"
	"strings"
	"time"

	"listen-engine/internal/pipeline"
)

// SortOrder 指定列表结果的排序方式。
type SortOrder int

const (
	// SortByUpdatedDesc 按更新时间倒序，最近的在前。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 按更新时间升序。
	SortByUpdatedAsc
)

// ListOptions 描述查询流水线时的过滤、排序与分页。
type ListOptions struct {
	UserID       string
	Statuses     []pipeline.Status
	UpdatedSince time.Time
	UpdatedUntil time.Time
	Limit        int
	Offset       int
	Order        SortOrder
}

// applyDefaults 修正非法取值并填充默认值。
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.UserID = strings.TrimSpace(opts.UserID)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithUser 只返回指定用户的流水线。
func WithUser(userID string) ListOption {
	return func(opts *ListOptions) {
		opts.UserID = userID
	}
}

// WithStatuses 按状态过滤。
func WithStatuses(statuses ...pipeline.Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithLimit 限制返回数量，上限 100。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset 跳过前 n 条匹配结果。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithUpdatedSince 只返回在 ts 及之后更新的流水线。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedSince = ts
	}
}

// WithUpdatedUntil 只返回在 ts 及之前更新的流水线。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedUntil = ts
	}
}

// WithSortOrder 修改排序方式。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// NewListOptions 在默认值之上应用选项。
func NewListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []pipeline.Status) []pipeline.Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[pipeline.Status]struct{}, len(input))
	result := make([]pipeline.Status, 0, len(input))
	for _, status := range input {
		if !pipeline.IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// matches 判断流水线是否满足过滤条件（不含分页）。
func (opts ListOptions) matches(p *pipeline.Pipeline) bool {
	if opts.UserID != "" && p.UserID != opts.UserID {
		return false
	}
	if len(opts.Statuses) > 0 {
		found := false
		for _, status := range opts.Statuses {
			if p.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !opts.UpdatedSince.IsZero() && p.UpdatedAt.Before(opts.UpdatedSince) {
		return false
	}
	if !opts.UpdatedUntil.IsZero() && p.UpdatedAt.After(opts.UpdatedUntil) {
		return false
	}
	return true
}

// selectPage 过滤、排序并分页，供不支持服务端查询的存储复用。
func selectPage(all []*pipeline.Pipeline, opts ListOptions) []*pipeline.Pipeline {
	matched := make([]*pipeline.Pipeline, 0, len(all))
	for _, p := range all {
		if opts.matches(p) {
			matched = append(matched, p)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.ID < b.ID
		}
		if opts.Order == SortByUpdatedAsc {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})
	if opts.Offset >= len(matched) {
		return []*pipeline.Pipeline{}
	}
	matched = matched[opts.Offset:]
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched
}
