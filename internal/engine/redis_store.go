package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/pipeline"
)

// RedisStore 把流水线快照保存为 JSON 字符串，并维护活跃集合与按更新时间排序的索引。
//
// 键布局（prefix 默认 "listen:"）：
//
//	<prefix>pipeline:<id>          快照
//	<prefix>pipelines:active       状态为 pending 的 ID 集合
//	<prefix>pipelines:index        全部 ID，score 为更新时间（毫秒）
//	<prefix>pipelines:user:<user>  用户维度索引
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore 基于已建立的客户端创建存储，Close 会关闭该客户端。
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "listen:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) pipelineKey(id string) string { return s.prefix + "pipeline:" + id }
func (s *RedisStore) activeKey() string            { return s.prefix + "pipelines:active" }
func (s *RedisStore) indexKey() string             { return s.prefix + "pipelines:index" }
func (s *RedisStore) userKey(userID string) string { return s.prefix + "pipelines:user:" + userID }

// Create 使用 SETNX 保证 ID 唯一。
func (s *RedisStore) Create(ctx context.Context, p *pipeline.Pipeline) error {
	if p == nil || p.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "流水线 ID 不能为空")
	}
	data, err := encodeSnapshot(p)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.pipelineKey(p.ID), data, 0).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入流水线失败")
	}
	if !ok {
		return conflict(p.ID)
	}
	return s.updateIndexes(ctx, p)
}

// Get 读取流水线快照。
func (s *RedisStore) Get(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	data, err := s.client.Get(ctx, s.pipelineKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取流水线失败")
	}
	return decodeSnapshot(data)
}

// Save 使用 SET XX 只覆盖已存在的快照。
func (s *RedisStore) Save(ctx context.Context, p *pipeline.Pipeline) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "流水线不能为空")
	}
	data, err := encodeSnapshot(p)
	if err != nil {
		return err
	}
	ok, err := s.client.SetXX(ctx, s.pipelineKey(p.ID), data, 0).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新流水线失败")
	}
	if !ok {
		return notFound(p.ID)
	}
	return s.updateIndexes(ctx, p)
}

func (s *RedisStore) updateIndexes(ctx context.Context, p *pipeline.Pipeline) error {
	score := float64(p.UpdatedAt.UnixMilli())
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: score, Member: p.ID})
		pipe.ZAdd(ctx, s.userKey(p.UserID), redis.Z{Score: score, Member: p.ID})
		if p.Status == pipeline.StatusPending {
			pipe.SAdd(ctx, s.activeKey(), p.ID)
		} else {
			pipe.SRem(ctx, s.activeKey(), p.ID)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新流水线索引失败",
			xerrors.WithMetadata("pipeline_id", p.ID))
	}
	return nil
}

// List 通过索引取出候选 ID 后在本地过滤分页。
func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]*pipeline.Pipeline, error) {
	opts.applyDefaults()
	all, err := s.load(ctx, opts.UserID)
	if err != nil {
		return nil, err
	}
	return selectPage(all, opts), nil
}

// Stats 统计满足条件的流水线。
func (s *RedisStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	all, err := s.load(ctx, opts.UserID)
	if err != nil {
		return Stats{}, err
	}
	return statsOf(all, opts), nil
}

// ActiveIDs 返回活跃集合中的 ID。
func (s *RedisStore) ActiveIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取活跃流水线失败")
	}
	sort.Strings(ids)
	return ids, nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

const mgetBatch = 200

func (s *RedisStore) load(ctx context.Context, userID string) ([]*pipeline.Pipeline, error) {
	index := s.indexKey()
	if userID != "" {
		index = s.userKey(userID)
	}
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取流水线索引失败")
	}
	out := make([]*pipeline.Pipeline, 0, len(ids))
	for start := 0; start < len(ids); start += mgetBatch {
		end := start + mgetBatch
		if end > len(ids) {
			end = len(ids)
		}
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, s.pipelineKey(id))
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量读取流水线失败")
		}
		for _, value := range values {
			raw, ok := value.(string)
			if !ok {
				continue
			}
			p, err := decodeSnapshot([]byte(raw))
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	return out, nil
}
