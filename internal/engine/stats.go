package engine

import "listen-engine/internal/pipeline"

// Stats 聚合了流水线状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Cancelled       int   `json:"cancelled"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(p *pipeline.Pipeline) {
	s.Total++
	switch p.Status {
	case pipeline.StatusPending:
		s.Pending++
	case pipeline.StatusCompleted:
		s.Completed++
	case pipeline.StatusFailed:
		s.Failed++
	case pipeline.StatusCancelled:
		s.Cancelled++
	}
	updated := p.UpdatedAt.Unix()
	if s.OldestUpdatedAt == 0 || updated < s.OldestUpdatedAt {
		s.OldestUpdatedAt = updated
	}
	if updated > s.NewestUpdatedAt {
		s.NewestUpdatedAt = updated
	}
}

// statsOf 统计满足过滤条件的流水线，忽略分页参数。
func statsOf(all []*pipeline.Pipeline, opts ListOptions) Stats {
	var stats Stats
	for _, p := range all {
		if opts.matches(p) {
			stats.add(p)
		}
	}
	return stats
}
