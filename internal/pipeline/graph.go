package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"listen-engine/internal/condition"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/order"
)

// Options 控制新建流水线的默认行为。
type Options struct {
	Combinator    condition.Combinator
	FailurePolicy FailurePolicy
	Now           time.Time
}

// New 校验步骤图并构造流水线。
//
// 图必须闭合（每条边都指向已存在的步骤）且无环；所有步骤重置为 Pending，
// 没有前驱的根步骤组成初始前沿。
func New(id, userID string, steps []Step, opts Options) (*Pipeline, error) {
	if strings.TrimSpace(id) == "" {
		return nil, invalidPipeline("流水线 ID 不能为空")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, invalidPipeline("user_id 不能为空")
	}
	if len(steps) == 0 {
		return nil, invalidPipeline("流水线至少需要一个步骤")
	}

	policy := opts.FailurePolicy
	if policy == "" {
		policy = FailureBranch
	}
	if policy != FailureBranch && policy != FailureAbort {
		return nil, invalidPipeline(fmt.Sprintf("未知的失败策略: %q", policy))
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	byID := make(map[string]*Step, len(steps))
	for i := range steps {
		src := steps[i]
		stepID := strings.TrimSpace(src.ID)
		if stepID == "" {
			return nil, invalidPipeline(fmt.Sprintf("第 %d 个步骤缺少 ID", i))
		}
		if _, dup := byID[stepID]; dup {
			return nil, invalidPipeline(fmt.Sprintf("步骤 ID 重复: %s", stepID))
		}
		if err := order.Validate(src.Order); err != nil {
			return nil, withStep(err, stepID)
		}
		for j := range src.Conditions {
			if err := condition.Validate(src.Conditions[j]); err != nil {
				return nil, withStep(err, stepID)
			}
		}
		raw := string(src.Combinator)
		if raw == "" {
			raw = string(opts.Combinator)
		}
		combinator, err := condition.ParseCombinator(raw)
		if err != nil {
			return nil, withStep(err, stepID)
		}

		step := src.clone()
		step.ID = stepID
		step.Combinator = combinator
		step.NextSteps = dedupe(src.NextSteps)
		step.Status = StatusPending
		step.Attempts = 0
		step.NextAttemptAt = nil
		step.LastError = ""
		step.ErrorCode = ""
		step.SubmissionID = ""
		step.Transaction = nil
		step.UpdatedAt = now
		for j := range step.Conditions {
			resetEvaluation(&step.Conditions[j])
		}
		byID[stepID] = step
	}

	roots, err := ValidateGraph(byID)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		ID:            id,
		UserID:        userID,
		Steps:         byID,
		CurrentSteps:  roots,
		Status:        StatusPending,
		FailurePolicy: policy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return p, nil
}

// ValidateGraph 检查边是否闭合以及图是否无环，返回按升序排列的根步骤。
func ValidateGraph(steps map[string]*Step) ([]string, error) {
	ids := make([]string, 0, len(steps))
	for id := range steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	indegree := make(map[string]int, len(steps))
	for _, id := range ids {
		for _, next := range steps[id].NextSteps {
			if next == id {
				return nil, invalidPipeline(fmt.Sprintf("步骤 %s 不能以自身为后继", id))
			}
			if _, ok := steps[next]; !ok {
				return nil, invalidPipeline(fmt.Sprintf("步骤 %s 引用了不存在的后继 %s", id, next))
			}
			indegree[next]++
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(steps))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch state[id] {
		case visiting:
			return invalidPipeline(fmt.Sprintf("步骤图存在环: %s -> %s", strings.Join(path, " -> "), id))
		case done:
			return nil
		}
		state[id] = visiting
		path = append(path, id)
		for _, next := range steps[id].NextSteps {
			if err := visit(next, path); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, id := range ids {
		if state[id] == unvisited {
			if err := visit(id, nil); err != nil {
				return nil, err
			}
		}
	}

	roots := make([]string, 0, len(ids))
	for _, id := range ids {
		if indegree[id] == 0 {
			roots = append(roots, id)
		}
	}
	if len(roots) == 0 {
		return nil, invalidPipeline("步骤图没有根步骤")
	}
	return roots, nil
}

// Descendants 返回从 id 出发可到达的全部步骤（不含自身），按升序排列。
func (p *Pipeline) Descendants(id string) []string {
	seen := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		step, ok := p.Steps[current]
		if !ok {
			continue
		}
		for _, next := range step.NextSteps {
			if !seen[next] && next != id {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for next := range seen {
		out = append(out, next)
	}
	sort.Strings(out)
	return out
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func resetEvaluation(c *condition.Condition) {
	c.Triggered = false
	c.LastEvaluated = nil
	for i := range c.Conditions {
		resetEvaluation(&c.Conditions[i])
	}
}

func invalidPipeline(message string) error {
	return xerrors.New(CodeInvalidPipeline, message)
}

func withStep(err error, stepID string) error {
	code := xerrors.CodeOf(err)
	return xerrors.Wrap(code, err, "步骤 "+stepID+" 校验失败", xerrors.WithMetadata("step_id", stepID))
}
