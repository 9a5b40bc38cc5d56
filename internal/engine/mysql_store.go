package engine

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"

	"github.com/go-sql-driver/mysql"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/pipeline"
	storagemysql "listen-engine/internal/storage/mysql"
)

// MySQLStore 使用 MySQL 的 pipelines 表保存 JSON 快照。
type MySQLStore struct {
	db *sql.DB
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore 连接数据库并执行内嵌迁移。
func NewMySQLStore(ctx context.Context, cfg storagemysql.Config) (*MySQLStore, error) {
	db, err := storagemysql.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	if err := storagemysql.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return &MySQLStore{db: db}, nil
}

// NewMySQLStoreWithDB 复用已有连接池，调用方负责迁移。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Create 插入新的流水线。
func (s *MySQLStore) Create(ctx context.Context, p *pipeline.Pipeline) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "流水线 ID 不能为空")
	}
	data, err := encodeSnapshot(p)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO pipelines (id, user_id, status, snapshot, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		p.ID,
		p.UserID,
		string(p.Status),
		data,
		p.CreatedAt.UnixMilli(),
		p.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return conflict(p.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入流水线失败")
	}
	return nil
}

// Get 查询指定流水线。
func (s *MySQLStore) Get(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM pipelines WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询流水线失败")
	}
	return decodeSnapshot(data)
}

// Save 覆盖快照与冗余列。
func (s *MySQLStore) Save(ctx context.Context, p *pipeline.Pipeline) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "流水线不能为空")
	}
	data, err := encodeSnapshot(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipelines SET status = ?, snapshot = ?, updated_at = ? WHERE id = ?`,
		string(p.Status), data, p.UpdatedAt.UnixMilli(), p.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新流水线失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	// 内容未变化时 MySQL 同样返回 0 行，需要再确认记录是否存在。
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM pipelines WHERE id = ?`, p.ID).Scan(&exists); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return notFound(p.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询流水线失败")
	}
	return nil
}

// List 在数据库侧完成过滤、排序与分页。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*pipeline.Pipeline, error) {
	opts.applyDefaults()
	query, args := buildListQuery(opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询流水线列表失败")
	}
	defer rows.Close()

	out := make([]*pipeline.Pipeline, 0, opts.Limit)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析流水线记录失败")
		}
		p, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历流水线记录失败")
	}
	return out, nil
}

// Stats 按状态分组统计。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	where, args := buildWhere(opts)
	query := `SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM pipelines` + where + ` GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计流水线失败")
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			status         string
			count          int
			oldest, newest int64
		)
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析统计结果失败")
		}
		stats.Total += count
		switch pipeline.Status(status) {
		case pipeline.StatusPending:
			stats.Pending += count
		case pipeline.StatusCompleted:
			stats.Completed += count
		case pipeline.StatusFailed:
			stats.Failed += count
		case pipeline.StatusCancelled:
			stats.Cancelled += count
		}
		oldestSec, newestSec := oldest/1000, newest/1000
		if stats.OldestUpdatedAt == 0 || oldestSec < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = oldestSec
		}
		if newestSec > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newestSec
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计结果失败")
	}
	return stats, nil
}

// ActiveIDs 返回状态为 pending 的流水线 ID。
func (s *MySQLStore) ActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM pipelines WHERE status = ? ORDER BY id`, string(pipeline.StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询活跃流水线失败")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析流水线 ID 失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历活跃流水线失败")
	}
	return ids, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildWhere(opts ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if opts.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !opts.UpdatedSince.IsZero() {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedSince.UnixMilli())
	}
	if !opts.UpdatedUntil.IsZero() {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedUntil.UnixMilli())
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func buildListQuery(opts ListOptions) (string, []any) {
	where, args := buildWhere(opts)
	order := " ORDER BY updated_at DESC, id ASC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, id ASC"
	}
	args = append(args, opts.Limit, opts.Offset)
	return `SELECT snapshot FROM pipelines` + where + order + ` LIMIT ? OFFSET ?`, args
}
