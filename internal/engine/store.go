package engine

import (
	"context"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/pipeline"
)

const (
	CodePipelineNotFound xerrors.Code = "PIPELINE_NOT_FOUND"
	CodePipelineConflict xerrors.Code = "PIPELINE_CONFLICT"
	CodePipelineBusy     xerrors.Code = "PIPELINE_BUSY"
	CodeSubmissionFailed xerrors.Code = "SUBMISSION_FAILED"
)

var (
	// ErrPipelineNotFound 表示流水线不存在。
	ErrPipelineNotFound = xerrors.New(CodePipelineNotFound, "pipeline not found")
	// ErrPipelineConflict 表示流水线 ID 已存在。
	ErrPipelineConflict = xerrors.New(CodePipelineConflict, "pipeline already exists")
	// ErrPipelineBusy 表示流水线正被其他执行者持有锁。
	ErrPipelineBusy = xerrors.New(CodePipelineBusy, "pipeline is being processed")
)

func init() {
	xerrors.Register(CodePipelineNotFound, xerrors.Attributes{
		Message:  "pipeline not found",
		Class:    xerrors.ClassState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePipelineConflict, xerrors.Attributes{
		Message:  "pipeline already exists",
		Class:    xerrors.ClassState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePipelineBusy, xerrors.Attributes{
		Message:  "pipeline is being processed",
		Class:    xerrors.ClassTransient,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSubmissionFailed, xerrors.Attributes{
		Message:  "transaction submission failed",
		Class:    xerrors.ClassExecution,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Store 抽象了流水线快照的持久化接口。返回的流水线都是副本。
type Store interface {
	Create(ctx context.Context, p *pipeline.Pipeline) error
	Get(ctx context.Context, id string) (*pipeline.Pipeline, error)
	Save(ctx context.Context, p *pipeline.Pipeline) error
	List(ctx context.Context, opts ListOptions) ([]*pipeline.Pipeline, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	// ActiveIDs 返回状态仍为 pending 的流水线 ID，按升序排列。
	ActiveIDs(ctx context.Context) ([]string, error)
	Close() error
}

func notFound(id string) error {
	return xerrors.New(CodePipelineNotFound, "流水线不存在", xerrors.WithMetadata("pipeline_id", id))
}

func conflict(id string) error {
	return xerrors.New(CodePipelineConflict, "流水线已存在", xerrors.WithMetadata("pipeline_id", id))
}
