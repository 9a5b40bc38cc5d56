package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"listen-engine/internal/chain"
	"listen-engine/internal/condition"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/observability/alerting"
	"listen-engine/internal/order"
	"listen-engine/internal/pipeline"
	"listen-engine/internal/quote/lifi"
)

func TestTickActivatesSuccessorsOnNextTick(t *testing.T) {
	h := newHarness(t)
	h.create(t, "", testStep("a", "b"), testStep("b"))

	first := h.tick(t)
	if !reflect.DeepEqual(first.Evaluated, []string{"a"}) || !reflect.DeepEqual(first.Completed, []string{"a"}) {
		t.Fatalf("第一次 tick 只应执行 a: %+v", first)
	}
	p := h.load(t)
	if got := p.Frontier(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("a 完成后前沿应为 b: %v", got)
	}
	if p.Steps["a"].SubmissionID != "sub-1" || p.Steps["a"].Transaction == nil {
		t.Fatalf("提交信息未记录: %+v", p.Steps["a"])
	}

	second := h.tick(t)
	if !reflect.DeepEqual(second.Completed, []string{"b"}) {
		t.Fatalf("第二次 tick 应执行 b: %+v", second)
	}
	if second.Status != pipeline.StatusCompleted {
		t.Fatalf("期望 completed, 得到 %s", second.Status)
	}
	if kinds := h.alerter.kinds(); !reflect.DeepEqual(kinds, []alerting.Kind{alerting.KindPipelineFinished}) {
		t.Fatalf("完成时应发送一次结束通知: %v", kinds)
	}
}

func TestTickWaitsForConditions(t *testing.T) {
	h := newHarness(t)
	s := testStep("a")
	s.Conditions = []condition.Condition{condition.PriceAbove("SOL", 200)}
	h.create(t, "", s)
	h.market.set("SOL", 150)

	outcome := h.tick(t)
	if len(outcome.Completed) != 0 || h.resolver.callCount() != 0 {
		t.Fatalf("条件不满足时不应解析订单: %+v", outcome)
	}
	p := h.load(t)
	cond := p.Steps["a"].Conditions[0]
	if cond.Triggered || cond.LastEvaluated == nil || !cond.LastEvaluated.Equal(testStart) {
		t.Fatalf("求值结果应被持久化: %+v", cond)
	}

	h.market.set("SOL", 201)
	h.clock.Advance(time.Second)
	outcome = h.tick(t)
	if !reflect.DeepEqual(outcome.Completed, []string{"a"}) {
		t.Fatalf("条件满足后应执行: %+v", outcome)
	}
	if got := h.load(t).Steps["a"].Conditions[0]; !got.Triggered {
		t.Fatalf("Triggered 应为 true: %+v", got)
	}
}

func TestTickDataUnavailableLeavesStepPending(t *testing.T) {
	h := newHarness(t)
	s := testStep("a")
	s.Conditions = []condition.Condition{condition.PriceBelow("BONK", 1)}
	h.create(t, "", s)

	outcome := h.tick(t)
	if len(outcome.Completed)+len(outcome.Failed)+len(outcome.Deferred) != 0 {
		t.Fatalf("行情不可用时步骤不应转换: %+v", outcome)
	}
	p := h.load(t)
	if p.Steps["a"].Status != pipeline.StatusPending || !p.InFrontier("a") {
		t.Fatalf("步骤应保持 pending: %+v", p.Steps["a"])
	}
}

func TestTickTransientQuoteErrorKeepsFrontier(t *testing.T) {
	h := newHarness(t)
	h.resolver.errs = []error{errQuoteDown, errQuoteDown, errQuoteDown}
	h.create(t, "", testStep("a"))

	outcome := h.tick(t)
	if !reflect.DeepEqual(outcome.Deferred, []string{"a"}) {
		t.Fatalf("瞬时错误应延后: %+v", outcome)
	}
	p := h.load(t)
	step := p.Steps["a"]
	if step.Status != pipeline.StatusPending || !p.InFrontier("a") {
		t.Fatalf("瞬时错误后步骤应留在前沿: %+v", step)
	}
	if step.Attempts != 1 || step.ErrorCode != string(order.CodeQuoteService) {
		t.Fatalf("重试信息错误: %+v", step)
	}
	if step.NextAttemptAt == nil || !step.NextAttemptAt.Equal(testStart.Add(time.Second)) {
		t.Fatalf("下次重试时间错误: %v", step.NextAttemptAt)
	}

	// 退避期内不再评估。
	outcome = h.tick(t)
	if len(outcome.Evaluated) != 0 || h.resolver.callCount() != 1 {
		t.Fatalf("退避期内不应重试: %+v", outcome)
	}

	h.clock.Advance(time.Second)
	h.tick(t)
	step = h.load(t).Steps["a"]
	if step.Attempts != 2 || !step.NextAttemptAt.Equal(testStart.Add(3*time.Second)) {
		t.Fatalf("第二次退避应翻倍: %+v", step)
	}

	h.clock.Advance(2 * time.Second)
	outcome = h.tick(t)
	if !reflect.DeepEqual(outcome.Failed, []string{"a"}) {
		t.Fatalf("重试预算耗尽后应失败: %+v", outcome)
	}
	p = h.load(t)
	if p.Steps["a"].ErrorCode != string(xerrors.CodeRetriesExhausted) || p.Status != pipeline.StatusFailed {
		t.Fatalf("期望 RETRIES_EXHAUSTED 且流水线失败: %+v %s", p.Steps["a"], p.Status)
	}
}

func TestTickTransientThenSuccess(t *testing.T) {
	h := newHarness(t)
	h.resolver.errs = []error{errQuoteDown}
	h.create(t, "", testStep("a"))

	h.tick(t)
	h.clock.Advance(time.Second)
	outcome := h.tick(t)
	if !reflect.DeepEqual(outcome.Completed, []string{"a"}) {
		t.Fatalf("恢复后应完成: %+v", outcome)
	}
	step := h.load(t).Steps["a"]
	if step.LastError != "" || step.NextAttemptAt != nil || step.Attempts != 1 {
		t.Fatalf("完成后应清理错误但保留尝试次数: %+v", step)
	}
}

// 失败只终止所在分支：兄弟分支继续执行，失败步骤的后继永远不会被激活。
func TestTickNoTransactionRequestFailsBranchOnly(t *testing.T) {
	h := newHarness(t)
	h.resolver.errs = []error{order.ErrNoTransactionRequest}
	h.create(t, "", testStep("a", "a-next"), testStep("a-next"), testStep("b"))

	outcome := h.tick(t)
	if !reflect.DeepEqual(outcome.Failed, []string{"a"}) || !reflect.DeepEqual(outcome.Completed, []string{"b"}) {
		t.Fatalf("期望 a 失败 b 完成: %+v", outcome)
	}
	p := h.load(t)
	if p.Steps["a-next"].Status != pipeline.StatusPending || p.InFrontier("a-next") {
		t.Fatalf("失败步骤的后继不应被激活: %+v", p.Steps["a-next"])
	}
	if p.Status != pipeline.StatusFailed {
		t.Fatalf("期望 failed, 得到 %s", p.Status)
	}
	if p.Steps["a"].ErrorCode != string(order.CodeNoTransactionRequest) {
		t.Fatalf("错误码错误: %s", p.Steps["a"].ErrorCode)
	}
	kinds := h.alerter.kinds()
	if !reflect.DeepEqual(kinds, []alerting.Kind{alerting.KindStepFailed, alerting.KindPipelineFinished}) {
		t.Fatalf("通知事件错误: %v", kinds)
	}
}

func TestTickInvalidChainFails(t *testing.T) {
	h := newHarness(t)
	h.resolver.errs = []error{xerrors.New(chain.CodeInvalidChainIdentifier, "unknown chain")}
	h.create(t, "", testStep("a"))

	h.tick(t)
	p := h.load(t)
	if p.Steps["a"].Status != pipeline.StatusFailed || p.Steps["a"].ErrorCode != string(chain.CodeInvalidChainIdentifier) {
		t.Fatalf("未知链应直接失败: %+v", p.Steps["a"])
	}
}

func TestTickAbortPolicyCancelsRemaining(t *testing.T) {
	h := newHarness(t)
	h.resolver.errs = []error{order.ErrSerialization}
	h.create(t, pipeline.FailureAbort, testStep("a"), testStep("b"))

	outcome := h.tick(t)
	if !reflect.DeepEqual(outcome.Failed, []string{"a"}) || !reflect.DeepEqual(outcome.Cancelled, []string{"b"}) {
		t.Fatalf("abort 应取消 b: %+v", outcome)
	}
	if h.submitter.count() != 0 {
		t.Fatal("被取消的步骤不应提交")
	}
	if p := h.load(t); p.Status != pipeline.StatusFailed {
		t.Fatalf("期望 failed, 得到 %s", p.Status)
	}
}

func TestTickSubmissionFailureFails(t *testing.T) {
	h := newHarness(t)
	h.submitter.err = errors.New("signer rejected")
	h.create(t, "", testStep("a", "b"), testStep("b"))

	h.tick(t)
	p := h.load(t)
	if p.Steps["a"].Status != pipeline.StatusFailed || p.Steps["a"].ErrorCode != string(CodeSubmissionFailed) {
		t.Fatalf("提交失败应终止步骤: %+v", p.Steps["a"])
	}
	if p.InFrontier("b") {
		t.Fatal("提交失败后不应激活后继")
	}
}

func TestTickSubmissionTimeoutFails(t *testing.T) {
	h := newHarness(t, WithSubmitTimeout(10*time.Millisecond))
	h.submitter.delay = time.Second
	h.create(t, "", testStep("a"))

	h.tick(t)
	step := h.load(t).Steps["a"]
	if step.Status != pipeline.StatusFailed || step.ErrorCode != string(CodeSubmissionFailed) {
		t.Fatalf("提交超时应终止步骤: %+v", step)
	}
}

func TestTickMissingWalletFails(t *testing.T) {
	h := newHarness(t)
	h.wallets.addresses = map[chain.Family]string{chain.FamilyEVM: testEVMWallet}
	h.create(t, "", testStep("a"))

	h.tick(t)
	step := h.load(t).Steps["a"]
	if step.Status != pipeline.StatusFailed || step.ErrorCode != string(order.CodeMissingWalletAddress) {
		t.Fatalf("缺少钱包应终止步骤: %+v", step)
	}
	if h.resolver.callCount() != 0 {
		t.Fatal("缺少钱包时不应询价")
	}
}

func TestTickPassesWalletsPerFamily(t *testing.T) {
	h := newHarness(t)
	h.create(t, "", testStep("a"))
	h.tick(t)
	if len(h.resolver.wallets) != 1 {
		t.Fatalf("期望一次解析: %d", len(h.resolver.wallets))
	}
	got := h.resolver.wallets[0]
	if got.EVM != testEVMWallet || got.Solana != testSOLWallet {
		t.Fatalf("钱包传递错误: %+v", got)
	}
}

func TestTickSkipsLockedPipeline(t *testing.T) {
	h := newHarness(t)
	h.create(t, "", testStep("a"))
	release, ok, _ := h.locker.TryLock(context.Background(), lockKey("p-1"), time.Minute)
	if !ok {
		t.Fatal("测试中获取锁失败")
	}

	outcome := h.tick(t)
	if !outcome.Locked || !outcome.Skipped {
		t.Fatalf("锁被占用时应跳过: %+v", outcome)
	}
	_ = release(context.Background())
	if outcome = h.tick(t); !reflect.DeepEqual(outcome.Completed, []string{"a"}) {
		t.Fatalf("释放锁后应正常执行: %+v", outcome)
	}
}

func TestTickSkipsTerminalPipeline(t *testing.T) {
	h := newHarness(t)
	h.create(t, "", testStep("a"))
	h.tick(t)
	outcome := h.tick(t)
	if !outcome.Skipped || h.submitter.count() != 1 {
		t.Fatalf("已结束的流水线不应再执行: %+v", outcome)
	}
}

func TestTickRecoversPanic(t *testing.T) {
	h := newHarness(t)
	h.submitter.panic = true
	h.create(t, "", testStep("a"))

	_, err := h.engine.Tick(context.Background(), "p-1")
	if !xerrors.HasCode(err, xerrors.CodeUnknown) {
		t.Fatalf("panic 应转换为 UNKNOWN 错误, 得到 %v", err)
	}
	p := h.load(t)
	if p.Steps["a"].Status != pipeline.StatusPending {
		t.Fatalf("panic 后应保持上次持久化的状态: %+v", p.Steps["a"])
	}
	if kinds := h.alerter.kinds(); len(kinds) != 1 || kinds[0] != alerting.KindEngineError {
		t.Fatalf("panic 应发送引擎错误通知: %v", kinds)
	}
	// 锁必须已释放。
	if _, ok, _ := h.locker.TryLock(context.Background(), lockKey("p-1"), time.Minute); !ok {
		t.Fatal("panic 后锁未释放")
	}
}

func TestTickUnknownPipeline(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.Tick(context.Background(), "missing"); !xerrors.HasCode(err, CodePipelineNotFound) {
		t.Fatalf("期望 PIPELINE_NOT_FOUND, 得到 %v", err)
	}
}

func TestConcurrentTicksSubmitOnce(t *testing.T) {
	h := newHarness(t)
	h.submitter.delay = 20 * time.Millisecond
	h.create(t, "", testStep("a"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.Tick(context.Background(), "p-1"); err != nil {
				t.Errorf("Tick 返回错误: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := h.submitter.count(); got != 1 {
		t.Fatalf("并发 tick 只应提交一次, 实际 %d", got)
	}
}

type stubQuotes struct {
	requests []order.QuoteRequest
}

func (s *stubQuotes) Quote(_ context.Context, req order.QuoteRequest) (*order.Quote, error) {
	s.requests = append(s.requests, req)
	return &order.Quote{
		ID: "q-1",
		TransactionRequest: &order.TransactionRequest{
			Family:   chain.FamilyEVM,
			From:     testEVMWallet,
			To:       "0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE",
			Data:     "0xabcd",
			Value:    "0",
			GasLimit: "21000",
			ChainID:  42161,
		},
	}, nil
}

func TestTickWithOrderResolver(t *testing.T) {
	quotes := &stubQuotes{}
	h := newHarness(t)
	h.engine.resolver = order.NewResolver(chain.DefaultTable(), quotes)
	h.create(t, "", testStep("a"))

	h.tick(t)
	if len(quotes.requests) != 1 {
		t.Fatalf("期望一次询价: %d", len(quotes.requests))
	}
	req := quotes.requests[0]
	if req.FromChain != "1151111081099710" || req.ToChain != "42161" || req.FromAddress != testSOLWallet || req.ToAddress != testEVMWallet {
		t.Fatalf("询价参数错误: %+v", req)
	}
	step := h.load(t).Steps["a"]
	if step.Transaction == nil || step.Transaction.Family != chain.FamilyEVM {
		t.Fatalf("应记录 EVM 交易: %+v", step.Transaction)
	}
	var call map[string]string
	if err := json.Unmarshal(step.Transaction.Evm, &call); err != nil {
		t.Fatalf("解析 JSON-RPC 失败: %v", err)
	}
	if call["gas"] != "0x5208" || call["chainId"] != "0xa4b1" || call["value"] != "0x0" {
		t.Fatalf("JSON-RPC 参数错误: %v", call)
	}
}

func TestTickDefersWhenLiFiRejectsQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"No available quotes for the requested transfer"}`))
	}))
	defer srv.Close()

	h := newHarness(t)
	h.engine.resolver = order.NewResolver(chain.DefaultTable(), lifi.New(lifi.Config{BaseURL: srv.URL}))
	h.create(t, "", testStep("a"))

	outcome := h.tick(t)
	if !reflect.DeepEqual(outcome.Deferred, []string{"a"}) || len(outcome.Failed) != 0 {
		t.Fatalf("报价被拒绝时步骤应延后重试: %+v", outcome)
	}
	step := h.load(t).Steps["a"]
	if step.Status != pipeline.StatusPending || step.Attempts != 1 || step.ErrorCode != string(order.CodeQuoteService) {
		t.Fatalf("步骤状态错误: %+v", step)
	}
	if step.NextAttemptAt == nil || !step.NextAttemptAt.Equal(testStart.Add(time.Second)) {
		t.Fatalf("下次尝试时间错误: %v", step.NextAttemptAt)
	}
	if h.submitter.count() != 0 {
		t.Fatal("未拿到报价时不应提交")
	}
}

func TestTickLeavesStepsForNextTickNearLockExpiry(t *testing.T) {
	// 预算为 270ms：a 提交耗时 100ms 后剩余不足一次 200ms 的提交窗口。
	h := newHarness(t, WithLockTTL(300*time.Millisecond))
	h.submitter.delay = 100 * time.Millisecond
	h.create(t, "", testStep("a"), testStep("b"), testStep("c"))

	outcome := h.tick(t)
	if !reflect.DeepEqual(outcome.Completed, []string{"a"}) {
		t.Fatalf("只应完成 a: %+v", outcome)
	}
	if !reflect.DeepEqual(outcome.Postponed, []string{"b", "c"}) {
		t.Fatalf("b 与 c 应留到下次 tick: %+v", outcome)
	}
	p := h.load(t)
	for _, id := range []string{"b", "c"} {
		step := p.Steps[id]
		if step.Status != pipeline.StatusPending || step.Attempts != 0 || step.ErrorCode != "" {
			t.Fatalf("%s 不应被处理: %+v", id, step)
		}
	}
	if p.Steps["a"].Status != pipeline.StatusCompleted {
		t.Fatalf("a 的结果应已保存: %+v", p.Steps["a"])
	}

	second := h.tick(t)
	if !reflect.DeepEqual(second.Completed, []string{"b"}) {
		t.Fatalf("第二次 tick 应继续处理 b: %+v", second)
	}
}

func TestTickRejectsUnknownChainBeforeWalletLookup(t *testing.T) {
	h := newHarness(t, WithChainTable(chain.DefaultTable()))
	// 钱包查询若被调用会返回瞬时错误，使步骤延后而不是失败。
	h.wallets.err = xerrors.New(xerrors.CodeStorageFailure, "wallet store down")
	step := testStep("a")
	step.Order.ToChainCAIP2 = "eip155:999999"
	h.create(t, "", step)

	outcome := h.tick(t)
	if !reflect.DeepEqual(outcome.Failed, []string{"a"}) || len(outcome.Deferred) != 0 {
		t.Fatalf("未知链应直接失败: %+v", outcome)
	}
	got := h.load(t).Steps["a"]
	if got.ErrorCode != string(chain.CodeInvalidChainIdentifier) {
		t.Fatalf("错误码应为链标识无效: %+v", got)
	}
	if h.resolver.callCount() != 0 {
		t.Fatal("未知链不应询价")
	}
}

func TestTickSerializationErrorFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.resolver.errs = []error{xerrors.New(order.CodeSerialization, "bad calldata")}
	h.create(t, "", testStep("a", "b"), testStep("b"))

	outcome := h.tick(t)
	if !reflect.DeepEqual(outcome.Failed, []string{"a"}) || len(outcome.Deferred) != 0 {
		t.Fatalf("序列化错误不应重试: %+v", outcome)
	}
	step := h.load(t).Steps["a"]
	if step.ErrorCode != string(order.CodeSerialization) || step.Attempts != 0 {
		t.Fatalf("步骤状态错误: %+v", step)
	}
}
