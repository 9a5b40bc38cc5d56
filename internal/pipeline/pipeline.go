package pipeline

import (
	"sort"
	"time"

	"listen-engine/internal/condition"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/order"
)

// Status 表示步骤或流水线的状态。Pending 之外的状态都是终态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal 判断状态是否为终态。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// FailurePolicy 决定步骤失败对流水线其余部分的影响。
type FailurePolicy string

const (
	// FailureBranch 只终止失败步骤所在分支，兄弟分支继续执行（默认）。
	FailureBranch FailurePolicy = "branch"
	// FailureAbort 在任一步骤失败后取消所有仍待处理的步骤。
	FailureAbort FailurePolicy = "abort"
)

const (
	CodeInvalidPipeline xerrors.Code = "INVALID_PIPELINE"
	CodeStepNotFound    xerrors.Code = "STEP_NOT_FOUND"
	CodeStepNotPending  xerrors.Code = "STEP_NOT_PENDING"
)

var (
	// ErrStepNotFound 表示步骤不存在。
	ErrStepNotFound = xerrors.New(CodeStepNotFound, "step not found")
	// ErrStepNotPending 表示步骤已经处于终态，不能再次转换。
	ErrStepNotPending = xerrors.New(CodeStepNotPending, "step is not pending")
)

func init() {
	xerrors.Register(CodeInvalidPipeline, xerrors.Attributes{
		Message:  "invalid pipeline",
		Class:    xerrors.ClassStructural,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeStepNotFound, xerrors.Attributes{
		Message:  "step not found",
		Class:    xerrors.ClassState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeStepNotPending, xerrors.Attributes{
		Message:  "step is not pending",
		Class:    xerrors.ClassState,
		Severity: xerrors.SeverityWarning,
	})
}

// Step 是 DAG 中的一个节点：一个订单、一组条件和后继步骤。
type Step struct {
	ID         string                `json:"id"`
	Order      order.Order           `json:"order"`
	Conditions []condition.Condition `json:"conditions"`
	Combinator condition.Combinator  `json:"combinator"`
	NextSteps  []string              `json:"next_steps"`
	Status     Status                `json:"status"`

	Attempts      int                        `json:"attempts"`
	NextAttemptAt *time.Time                 `json:"next_attempt_at,omitempty"`
	LastError     string                     `json:"last_error,omitempty"`
	ErrorCode     string                     `json:"error_code,omitempty"`
	SubmissionID  string                     `json:"submission_id,omitempty"`
	Transaction   *order.ResolvedTransaction `json:"transaction,omitempty"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// Pipeline 独占持有其全部步骤，CurrentSteps 为当前前沿。
type Pipeline struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	Steps         map[string]*Step `json:"steps"`
	CurrentSteps  []string         `json:"current_steps"`
	Status        Status           `json:"status"`
	FailurePolicy FailurePolicy    `json:"failure_policy"`
	Cancelled     bool             `json:"cancelled,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Step 返回指定步骤。
func (p *Pipeline) Step(id string) (*Step, bool) {
	step, ok := p.Steps[id]
	return step, ok
}

// StepIDs 返回全部步骤 ID，按升序排列。
func (p *Pipeline) StepIDs() []string {
	ids := make([]string, 0, len(p.Steps))
	for id := range p.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Frontier 返回当前前沿的副本，按升序排列。
func (p *Pipeline) Frontier() []string {
	out := append([]string(nil), p.CurrentSteps...)
	sort.Strings(out)
	return out
}

// InFrontier 判断步骤是否在前沿中。
func (p *Pipeline) InFrontier(id string) bool {
	for _, current := range p.CurrentSteps {
		if current == id {
			return true
		}
	}
	return false
}

// IsTerminal 判断流水线是否已结束。
func (p *Pipeline) IsTerminal() bool {
	return p.Status.IsTerminal()
}

// Clone 深拷贝流水线，存储层用它隔离调用方的修改。
func (p *Pipeline) Clone() *Pipeline {
	if p == nil {
		return nil
	}
	out := *p
	out.CurrentSteps = append([]string(nil), p.CurrentSteps...)
	out.Steps = make(map[string]*Step, len(p.Steps))
	for id, step := range p.Steps {
		out.Steps[id] = step.clone()
	}
	return &out
}

func (s *Step) clone() *Step {
	out := *s
	out.NextSteps = append([]string(nil), s.NextSteps...)
	if s.Conditions != nil {
		out.Conditions = make([]condition.Condition, len(s.Conditions))
		for i := range s.Conditions {
			out.Conditions[i] = s.Conditions[i].Clone()
		}
	}
	if s.NextAttemptAt != nil {
		ts := *s.NextAttemptAt
		out.NextAttemptAt = &ts
	}
	if s.Transaction != nil {
		tx := *s.Transaction
		tx.Evm = append([]byte(nil), s.Transaction.Evm...)
		out.Transaction = &tx
	}
	return &out
}

// Counts 统计各状态的步骤数量。
func (p *Pipeline) Counts() map[Status]int {
	counts := make(map[Status]int, 4)
	for _, step := range p.Steps {
		counts[step.Status]++
	}
	return counts
}
