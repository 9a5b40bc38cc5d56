package pipeline

import (
	"reflect"
	"testing"
	"time"

	"listen-engine/internal/chain"
	"listen-engine/internal/condition"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/order"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func swap() order.Order {
	return order.Order{
		InputToken:     "So11111111111111111111111111111111111111112",
		OutputToken:    "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
		Amount:         "1000000000",
		FromChainCAIP2: chain.Solana,
		ToChainCAIP2:   chain.Arbitrum,
	}
}

func step(id string, next ...string) Step {
	return Step{ID: id, Order: swap(), NextSteps: next}
}

func mustNew(t *testing.T, steps []Step, policy FailurePolicy) *Pipeline {
	t.Helper()
	p, err := New("p-1", "user-1", steps, Options{FailurePolicy: policy, Now: testNow})
	if err != nil {
		t.Fatalf("New 返回错误: %v", err)
	}
	return p
}

// diamond: a -> b, a -> c, b -> d, c -> d
func diamond() []Step {
	return []Step{step("a", "b", "c"), step("b", "d"), step("c", "d"), step("d")}
}

func TestNewRejectsInvalidGraphs(t *testing.T) {
	cases := map[string][]Step{
		"empty":     nil,
		"duplicate": {step("a"), step("a")},
		"dangling":  {step("a", "missing")},
		"self loop": {step("a", "a")},
		"cycle":     {step("root", "a"), step("a", "b"), step("b", "a")},
		"no roots":  {step("a", "b"), step("b", "a")},
		"blank id":  {step(" ")},
	}
	for name, steps := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New("p-1", "user-1", steps, Options{Now: testNow})
			if !xerrors.HasCode(err, CodeInvalidPipeline) {
				t.Fatalf("期望 INVALID_PIPELINE, 得到 %v", err)
			}
		})
	}
}

func TestNewValidatesStepContents(t *testing.T) {
	bad := step("a")
	bad.Order.Amount = "-5"
	if _, err := New("p-1", "user-1", []Step{bad}, Options{}); !xerrors.HasCode(err, order.CodeInvalidOrder) {
		t.Fatalf("期望 INVALID_ORDER, 得到 %v", err)
	}

	cond := step("a")
	cond.Conditions = []condition.Condition{condition.PriceAbove("", 10)}
	if _, err := New("p-1", "user-1", []Step{cond}, Options{}); !xerrors.HasCode(err, condition.CodeInvalidCondition) {
		t.Fatalf("期望 INVALID_CONDITION, 得到 %v", err)
	}

	comb := step("a")
	comb.Combinator = "most"
	if _, err := New("p-1", "user-1", []Step{comb}, Options{}); !xerrors.HasCode(err, condition.CodeInvalidCondition) {
		t.Fatalf("期望未知组合方式被拒绝, 得到 %v", err)
	}

	if _, err := New("p-1", "user-1", []Step{step("a")}, Options{FailurePolicy: "explode"}); !xerrors.HasCode(err, CodeInvalidPipeline) {
		t.Fatalf("期望未知失败策略被拒绝, 得到 %v", err)
	}
}

func TestNewInitialFrontierIsRoots(t *testing.T) {
	p := mustNew(t, []Step{step("z", "m"), step("b", "m"), step("m")}, "")
	if got := p.Frontier(); !reflect.DeepEqual(got, []string{"b", "z"}) {
		t.Fatalf("初始前沿错误: %v", got)
	}
	if p.Status != StatusPending {
		t.Fatalf("新流水线应为 pending, 得到 %s", p.Status)
	}
	if p.FailurePolicy != FailureBranch {
		t.Fatalf("默认失败策略应为 branch, 得到 %s", p.FailurePolicy)
	}
	if p.Steps["m"].Combinator != condition.CombinatorAll {
		t.Fatalf("默认组合方式应为 all, 得到 %s", p.Steps["m"].Combinator)
	}
}

func TestNewResetsBookkeeping(t *testing.T) {
	dirty := step("a")
	dirty.Status = StatusCompleted
	dirty.Attempts = 7
	dirty.SubmissionID = "sub"
	cond := condition.PriceAbove("SOL", 100)
	cond.Triggered = true
	dirty.Conditions = []condition.Condition{cond}

	p := mustNew(t, []Step{dirty}, "")
	got := p.Steps["a"]
	if got.Status != StatusPending || got.Attempts != 0 || got.SubmissionID != "" {
		t.Fatalf("步骤状态未重置: %+v", got)
	}
	if got.Conditions[0].Triggered {
		t.Fatal("条件的 Triggered 只能由求值写入")
	}
	if len(p.Steps) != 1 || !p.InFrontier("a") {
		t.Fatalf("前沿错误: %v", p.CurrentSteps)
	}
}

func TestCompleteActivatesSuccessorsOnce(t *testing.T) {
	p := mustNew(t, diamond(), "")

	activated, err := p.Complete("a", "sub-a", nil, testNow)
	if err != nil {
		t.Fatalf("Complete(a) 返回错误: %v", err)
	}
	if !reflect.DeepEqual(activated, []string{"b", "c"}) {
		t.Fatalf("激活的后继错误: %v", activated)
	}
	if got := p.Frontier(); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("前沿错误: %v", got)
	}

	if _, err := p.Complete("b", "sub-b", nil, testNow); err != nil {
		t.Fatalf("Complete(b) 返回错误: %v", err)
	}
	activated, err = p.Complete("c", "sub-c", nil, testNow)
	if err != nil {
		t.Fatalf("Complete(c) 返回错误: %v", err)
	}
	if len(activated) != 0 {
		t.Fatalf("d 已在前沿中，不应再次激活: %v", activated)
	}
	if got := p.Frontier(); !reflect.DeepEqual(got, []string{"d"}) {
		t.Fatalf("前沿应只包含 d: %v", got)
	}
	if _, err := p.Complete("d", "sub-d", nil, testNow); err != nil {
		t.Fatalf("Complete(d) 返回错误: %v", err)
	}
	if p.Status != StatusCompleted {
		t.Fatalf("全部完成后应为 completed, 得到 %s", p.Status)
	}
	if len(p.CurrentSteps) != 0 {
		t.Fatalf("完成后前沿应为空: %v", p.CurrentSteps)
	}
}

func TestCompleteRequiresFrontierStep(t *testing.T) {
	p := mustNew(t, diamond(), "")
	if _, err := p.Complete("d", "sub", nil, testNow); !xerrors.HasCode(err, CodeStepNotPending) {
		t.Fatalf("不在前沿的步骤不能完成, 得到 %v", err)
	}
	if _, err := p.Complete("nope", "sub", nil, testNow); !xerrors.HasCode(err, CodeStepNotFound) {
		t.Fatalf("期望 STEP_NOT_FOUND, 得到 %v", err)
	}
}

func TestTerminalStatusIsNeverRevisited(t *testing.T) {
	p := mustNew(t, []Step{step("a"), step("b")}, "")
	if _, err := p.Fail("a", "QUOTE_SERVICE_ERROR", "boom", testNow); err != nil {
		t.Fatalf("Fail 返回错误: %v", err)
	}
	if _, err := p.Complete("a", "sub", nil, testNow); !xerrors.HasCode(err, CodeStepNotPending) {
		t.Fatalf("失败步骤不能再完成, 得到 %v", err)
	}
	if _, err := p.Fail("a", "X", "again", testNow); !xerrors.HasCode(err, CodeStepNotPending) {
		t.Fatalf("失败步骤不能再次失败, 得到 %v", err)
	}
	if _, err := p.CancelStep("a", testNow); !xerrors.HasCode(err, CodeStepNotPending) {
		t.Fatalf("失败步骤不能取消, 得到 %v", err)
	}
	if p.Steps["a"].Status != StatusFailed {
		t.Fatalf("状态被改写: %s", p.Steps["a"].Status)
	}
}

// 默认失败策略只终止失败分支：兄弟分支继续推进，最终流水线仍为 failed。
func TestFailIsBranchLocalByDefault(t *testing.T) {
	p := mustNew(t, []Step{step("root", "left", "right"), step("left", "left-next"), step("left-next"), step("right")}, "")
	if _, err := p.Complete("root", "sub", nil, testNow); err != nil {
		t.Fatalf("Complete(root) 返回错误: %v", err)
	}
	cancelled, err := p.Fail("left", "NO_TRANSACTION_REQUEST", "no tx", testNow)
	if err != nil {
		t.Fatalf("Fail 返回错误: %v", err)
	}
	if len(cancelled) != 0 {
		t.Fatalf("branch 策略不应连带取消: %v", cancelled)
	}
	if got := p.Frontier(); !reflect.DeepEqual(got, []string{"right"}) {
		t.Fatalf("兄弟分支应保留在前沿: %v", got)
	}
	if p.Status != StatusPending {
		t.Fatalf("仍有前沿时应为 pending, 得到 %s", p.Status)
	}
	if p.Steps["left-next"].Status != StatusPending {
		t.Fatalf("失败步骤的后继不应被激活或改写: %s", p.Steps["left-next"].Status)
	}

	if _, err := p.Complete("right", "sub", nil, testNow); err != nil {
		t.Fatalf("Complete(right) 返回错误: %v", err)
	}
	if p.Status != StatusFailed {
		t.Fatalf("前沿耗尽且有失败步骤时应为 failed, 得到 %s", p.Status)
	}
	failed := p.Steps["left"]
	if failed.ErrorCode != "NO_TRANSACTION_REQUEST" || failed.LastError != "no tx" {
		t.Fatalf("失败信息未记录: %+v", failed)
	}
}

func TestFailAbortCancelsRemaining(t *testing.T) {
	p := mustNew(t, []Step{step("a", "c"), step("b"), step("c")}, FailureAbort)
	cancelled, err := p.Fail("a", "SUBMISSION_FAILED", "rejected", testNow)
	if err != nil {
		t.Fatalf("Fail 返回错误: %v", err)
	}
	if !reflect.DeepEqual(cancelled, []string{"b", "c"}) {
		t.Fatalf("abort 应取消其余 Pending 步骤: %v", cancelled)
	}
	if len(p.CurrentSteps) != 0 {
		t.Fatalf("前沿应为空: %v", p.CurrentSteps)
	}
	if p.Status != StatusFailed {
		t.Fatalf("期望 failed, 得到 %s", p.Status)
	}
}

func TestDeferKeepsStepInFrontier(t *testing.T) {
	p := mustNew(t, []Step{step("a")}, "")
	retryAt := testNow.Add(time.Second)
	if err := p.Defer("a", "QUOTE_SERVICE_ERROR", "503", retryAt, testNow); err != nil {
		t.Fatalf("Defer 返回错误: %v", err)
	}
	got := p.Steps["a"]
	if got.Status != StatusPending || !p.InFrontier("a") {
		t.Fatalf("瞬时失败后步骤应保持 pending 并留在前沿: %+v", got)
	}
	if got.Attempts != 1 || got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(retryAt) {
		t.Fatalf("重试信息未记录: %+v", got)
	}
	if _, err := p.Complete("a", "sub", nil, testNow); err != nil {
		t.Fatalf("Complete 返回错误: %v", err)
	}
	if p.Steps["a"].NextAttemptAt != nil || p.Steps["a"].LastError != "" {
		t.Fatalf("完成后应清理重试信息: %+v", p.Steps["a"])
	}
}

func TestCancelStepCancelsPendingDescendants(t *testing.T) {
	p := mustNew(t, []Step{step("a", "b"), step("b", "c"), step("c"), step("x")}, "")
	cancelled, err := p.CancelStep("a", testNow)
	if err != nil {
		t.Fatalf("CancelStep 返回错误: %v", err)
	}
	if !reflect.DeepEqual(cancelled, []string{"a", "b", "c"}) {
		t.Fatalf("应取消 a 及其后代: %v", cancelled)
	}
	if got := p.Frontier(); !reflect.DeepEqual(got, []string{"x"}) {
		t.Fatalf("前沿错误: %v", got)
	}
	if _, err := p.Complete("x", "sub", nil, testNow); err != nil {
		t.Fatalf("Complete(x) 返回错误: %v", err)
	}
	if p.Status != StatusCancelled {
		t.Fatalf("无失败且存在取消步骤时应为 cancelled, 得到 %s", p.Status)
	}
}

func TestCancelStepSkipsTerminalDescendants(t *testing.T) {
	p := mustNew(t, []Step{step("a", "b"), step("b", "c"), step("c")}, "")
	if _, err := p.Complete("a", "sub", nil, testNow); err != nil {
		t.Fatalf("Complete 返回错误: %v", err)
	}
	if _, err := p.CancelStep("a", testNow); !xerrors.HasCode(err, CodeStepNotPending) {
		t.Fatalf("已完成步骤不能取消, 得到 %v", err)
	}
	cancelled, err := p.CancelStep("b", testNow)
	if err != nil {
		t.Fatalf("CancelStep(b) 返回错误: %v", err)
	}
	if !reflect.DeepEqual(cancelled, []string{"b", "c"}) {
		t.Fatalf("取消结果错误: %v", cancelled)
	}
	if p.Steps["a"].Status != StatusCompleted {
		t.Fatal("已完成的步骤不应被改写")
	}
}

func TestCancelPipeline(t *testing.T) {
	p := mustNew(t, diamond(), "")
	if _, err := p.Complete("a", "sub", nil, testNow); err != nil {
		t.Fatalf("Complete 返回错误: %v", err)
	}
	cancelled, err := p.Cancel(testNow)
	if err != nil {
		t.Fatalf("Cancel 返回错误: %v", err)
	}
	if !reflect.DeepEqual(cancelled, []string{"b", "c", "d"}) {
		t.Fatalf("取消结果错误: %v", cancelled)
	}
	if p.Status != StatusCancelled || len(p.CurrentSteps) != 0 {
		t.Fatalf("期望 cancelled 且前沿为空: %s %v", p.Status, p.CurrentSteps)
	}
	if _, err := p.Cancel(testNow); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("重复取消应返回 CONFLICT, 得到 %v", err)
	}
}

func TestFrontierIsSubsetOfPending(t *testing.T) {
	p := mustNew(t, []Step{step("a", "b", "c"), step("b", "d"), step("c"), step("d")}, "")
	check := func() {
		t.Helper()
		for _, id := range p.CurrentSteps {
			if p.Steps[id].Status != StatusPending {
				t.Fatalf("前沿包含非 pending 步骤 %s (%s)", id, p.Steps[id].Status)
			}
		}
	}
	check()
	mustDo(t, func() error { _, err := p.Complete("a", "s", nil, testNow); return err })
	check()
	mustDo(t, func() error { _, err := p.Fail("c", "X", "x", testNow); return err })
	check()
	mustDo(t, func() error { _, err := p.CancelStep("b", testNow); return err })
	check()
	if p.Status != StatusFailed {
		t.Fatalf("期望 failed, 得到 %s", p.Status)
	}
}

func TestCloneIsDeep(t *testing.T) {
	src := step("a")
	src.Conditions = []condition.Condition{condition.And(condition.PriceAbove("SOL", 1))}
	p := mustNew(t, []Step{src, step("b")}, "")
	tx := &order.ResolvedTransaction{Family: chain.FamilyEVM, Evm: []byte(`{"to":"0x1"}`)}
	if _, err := p.Complete("a", "sub", tx, testNow); err != nil {
		t.Fatalf("Complete 返回错误: %v", err)
	}

	clone := p.Clone()
	clone.Steps["a"].Conditions[0].Conditions[0].Triggered = true
	clone.Steps["a"].Transaction.Evm[0] = '['
	clone.CurrentSteps[0] = "z"
	clone.Steps["b"].Status = StatusCancelled

	if p.Steps["a"].Conditions[0].Conditions[0].Triggered {
		t.Fatal("条件树未深拷贝")
	}
	if p.Steps["a"].Transaction.Evm[0] != '{' {
		t.Fatal("交易未深拷贝")
	}
	if p.CurrentSteps[0] != "b" || p.Steps["b"].Status != StatusPending {
		t.Fatal("前沿或步骤未深拷贝")
	}
}

func TestDescendants(t *testing.T) {
	p := mustNew(t, diamond(), "")
	if got := p.Descendants("a"); !reflect.DeepEqual(got, []string{"b", "c", "d"}) {
		t.Fatalf("后代错误: %v", got)
	}
	if got := p.Descendants("d"); len(got) != 0 {
		t.Fatalf("叶子不应有后代: %v", got)
	}
}

func mustDo(t *testing.T, fn func() error) {
	t.Helper()
	if err := fn(); err != nil {
		t.Fatalf("操作返回错误: %v", err)
	}
}
