package pipeline

import (
	"sort"
	"time"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/order"
)

// Complete 把前沿中的步骤标记为 Completed，并激活其仍处于 Pending 的后继。
//
// 返回新加入前沿的后继 ID。
func (p *Pipeline) Complete(stepID, submissionID string, tx *order.ResolvedTransaction, now time.Time) ([]string, error) {
	step, err := p.frontierStep(stepID)
	if err != nil {
		return nil, err
	}
	step.Status = StatusCompleted
	step.SubmissionID = submissionID
	step.NextAttemptAt = nil
	step.LastError = ""
	step.ErrorCode = ""
	if tx != nil {
		copied := *tx
		step.Transaction = &copied
	}
	step.UpdatedAt = now
	p.removeFromFrontier(stepID)

	activated := make([]string, 0, len(step.NextSteps))
	for _, next := range step.NextSteps {
		successor, ok := p.Steps[next]
		if !ok || successor.Status != StatusPending || p.InFrontier(next) {
			continue
		}
		p.CurrentSteps = append(p.CurrentSteps, next)
		activated = append(activated, next)
	}
	sort.Strings(p.CurrentSteps)
	p.touch(now)
	return activated, nil
}

// Fail 把前沿中的步骤标记为 Failed，后继永远不会被激活。
//
// 失败策略为 abort 时，其余所有 Pending 步骤一并取消；返回被连带取消的步骤 ID。
func (p *Pipeline) Fail(stepID string, code xerrors.Code, message string, now time.Time) ([]string, error) {
	step, err := p.frontierStep(stepID)
	if err != nil {
		return nil, err
	}
	step.Status = StatusFailed
	step.ErrorCode = string(code)
	step.LastError = message
	step.NextAttemptAt = nil
	step.UpdatedAt = now
	p.removeFromFrontier(stepID)

	var cancelled []string
	if p.FailurePolicy == FailureAbort {
		cancelled = p.cancelPending(p.StepIDs(), now)
	}
	p.touch(now)
	return cancelled, nil
}

// Defer 记录一次瞬时失败：步骤保持 Pending 并留在前沿，直到 retryAt 之前不再尝试。
func (p *Pipeline) Defer(stepID string, code xerrors.Code, message string, retryAt time.Time, now time.Time) error {
	step, err := p.frontierStep(stepID)
	if err != nil {
		return err
	}
	step.Attempts++
	step.ErrorCode = string(code)
	step.LastError = message
	at := retryAt
	step.NextAttemptAt = &at
	step.UpdatedAt = now
	p.touch(now)
	return nil
}

// CancelStep 取消一个 Pending 步骤及其全部可达的 Pending 后代。
func (p *Pipeline) CancelStep(stepID string, now time.Time) ([]string, error) {
	step, ok := p.Steps[stepID]
	if !ok {
		return nil, xerrors.New(CodeStepNotFound, "步骤不存在", xerrors.WithMetadata("step_id", stepID))
	}
	if step.Status != StatusPending {
		return nil, notPending(step)
	}
	targets := append([]string{stepID}, p.Descendants(stepID)...)
	cancelled := p.cancelPending(targets, now)
	p.touch(now)
	return cancelled, nil
}

// Cancel 取消流水线：所有 Pending 步骤变为 Cancelled，流水线状态强制为 Cancelled。
func (p *Pipeline) Cancel(now time.Time) ([]string, error) {
	if p.IsTerminal() {
		return nil, xerrors.New(xerrors.CodeConflict, "流水线已结束",
			xerrors.WithMetadata("pipeline_id", p.ID),
			xerrors.WithMetadata("status", string(p.Status)))
	}
	cancelled := p.cancelPending(p.StepIDs(), now)
	p.Cancelled = true
	p.touch(now)
	return cancelled, nil
}

// DeriveStatus 根据步骤状态与前沿计算流水线状态。
func (p *Pipeline) DeriveStatus() Status {
	if p.Cancelled {
		return StatusCancelled
	}
	allCompleted := true
	failed := false
	cancelled := false
	for _, step := range p.Steps {
		switch step.Status {
		case StatusCompleted:
		case StatusFailed:
			failed = true
			allCompleted = false
		case StatusCancelled:
			cancelled = true
			allCompleted = false
		default:
			allCompleted = false
		}
	}
	switch {
	case allCompleted:
		return StatusCompleted
	case len(p.CurrentSteps) > 0:
		return StatusPending
	case failed:
		return StatusFailed
	case cancelled:
		return StatusCancelled
	default:
		return StatusPending
	}
}

func (p *Pipeline) frontierStep(stepID string) (*Step, error) {
	step, ok := p.Steps[stepID]
	if !ok {
		return nil, xerrors.New(CodeStepNotFound, "步骤不存在", xerrors.WithMetadata("step_id", stepID))
	}
	if step.Status != StatusPending {
		return nil, notPending(step)
	}
	if !p.InFrontier(stepID) {
		return nil, xerrors.New(CodeStepNotPending, "步骤不在前沿中", xerrors.WithMetadata("step_id", stepID))
	}
	return step, nil
}

func (p *Pipeline) cancelPending(ids []string, now time.Time) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		step, ok := p.Steps[id]
		if !ok || step.Status != StatusPending {
			continue
		}
		step.Status = StatusCancelled
		step.NextAttemptAt = nil
		step.UpdatedAt = now
		p.removeFromFrontier(id)
		out = append(out, id)
	}
	return out
}

func (p *Pipeline) removeFromFrontier(id string) {
	kept := p.CurrentSteps[:0]
	for _, current := range p.CurrentSteps {
		if current != id {
			kept = append(kept, current)
		}
	}
	p.CurrentSteps = kept
}

func (p *Pipeline) touch(now time.Time) {
	p.Status = p.DeriveStatus()
	p.UpdatedAt = now
}

func notPending(step *Step) error {
	return xerrors.New(CodeStepNotPending, "步骤已处于终态",
		xerrors.WithMetadata("step_id", step.ID),
		xerrors.WithMetadata("status", string(step.Status)))
}
