package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"listen-engine/internal/chain"
	"listen-engine/internal/condition"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/observability/alerting"
	"listen-engine/internal/order"
	"listen-engine/internal/pipeline"
)

const (
	testUser      = "user-1"
	testEVMWallet = "0xCCC2b6D1a6e253d2A565Ab1c3B2C3323B0B8C0c2"
	testSOLWallet = "aiamaErRMjbeNmf2b8BMZWFR3ofxrnZEf2mLKp935fM"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: testStart} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeMarket struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (m *fakeMarket) set(asset string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prices == nil {
		m.prices = make(map[string]float64)
	}
	m.prices[asset] = price
}

func (m *fakeMarket) Price(_ context.Context, asset string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[asset]
	if !ok {
		return 0, condition.ErrDataUnavailable
	}
	return price, nil
}

func (m *fakeMarket) PercentageChange(context.Context, string, time.Duration) (float64, error) {
	return 0, condition.ErrDataUnavailable
}

// fakeResolver 逐次弹出预设结果，用完后返回一笔 EVM 交易。
type fakeResolver struct {
	mu      sync.Mutex
	errs    []error
	calls   []order.Order
	wallets []order.Wallets
}

func (r *fakeResolver) Resolve(_ context.Context, o order.Order, w order.Wallets) (order.ResolvedTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, o)
	r.wallets = append(r.wallets, w)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return order.ResolvedTransaction{}, err
		}
	}
	return order.ResolvedTransaction{Family: chain.FamilyEVM, Chain: o.ToChainCAIP2, Evm: []byte(`{"to":"0x0"}`)}, nil
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeSubmitter struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	panic bool
	txs   []order.ResolvedTransaction
}

func (s *fakeSubmitter) SignAndSubmit(ctx context.Context, tx order.ResolvedTransaction) (string, error) {
	if s.panic {
		panic("signer exploded")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.txs = append(s.txs, tx)
	return fmt.Sprintf("sub-%d", len(s.txs)), nil
}

func (s *fakeSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

type fakeWallets struct {
	addresses map[chain.Family]string
	err       error
}

func (w *fakeWallets) AddressFor(_ context.Context, _ string, family chain.Family) (string, error) {
	if w.err != nil {
		return "", w.err
	}
	address, ok := w.addresses[family]
	if !ok {
		return "", xerrors.New(order.CodeMissingWalletAddress, "no wallet")
	}
	return address, nil
}

func bothWallets() *fakeWallets {
	return &fakeWallets{addresses: map[chain.Family]string{
		chain.FamilyEVM:    testEVMWallet,
		chain.FamilySolana: testSOLWallet,
	}}
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAlerter) kinds() []alerting.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]alerting.Kind, len(a.events))
	for i, e := range a.events {
		out[i] = e.Kind
	}
	return out
}

func swapOrder() order.Order {
	return order.Order{
		InputToken:     "So11111111111111111111111111111111111111112",
		OutputToken:    "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
		Amount:         "1000000000",
		FromChainCAIP2: chain.Solana,
		ToChainCAIP2:   chain.Arbitrum,
	}
}

func testStep(id string, next ...string) pipeline.Step {
	return pipeline.Step{ID: id, Order: swapOrder(), NextSteps: next}
}

type harness struct {
	store     *MemoryStore
	resolver  *fakeResolver
	market    *fakeMarket
	submitter *fakeSubmitter
	wallets   *fakeWallets
	alerter   *recordingAlerter
	locker    *MemoryLocker
	clock     *fakeClock
	engine    *Engine
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:     NewMemoryStore(),
		resolver:  &fakeResolver{},
		market:    &fakeMarket{},
		submitter: &fakeSubmitter{},
		wallets:   bothWallets(),
		alerter:   &recordingAlerter{},
		locker:    NewMemoryLocker(),
		clock:     newClock(),
	}
	base := []Option{
		WithLocker(h.locker),
		WithAlertDispatcher(h.alerter),
		WithClock(h.clock.Now),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}),
		WithSubmitTimeout(200 * time.Millisecond),
	}
	h.engine = New(h.store, h.resolver, h.market, h.submitter, h.wallets, append(base, opts...)...)
	return h
}

func (h *harness) create(t *testing.T, policy pipeline.FailurePolicy, steps ...pipeline.Step) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New("p-1", testUser, steps, pipeline.Options{FailurePolicy: policy, Now: h.clock.Now()})
	if err != nil {
		t.Fatalf("pipeline.New 返回错误: %v", err)
	}
	if err := h.store.Create(context.Background(), p); err != nil {
		t.Fatalf("store.Create 返回错误: %v", err)
	}
	return p
}

func (h *harness) tick(t *testing.T) TickOutcome {
	t.Helper()
	outcome, err := h.engine.Tick(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("Tick 返回错误: %v", err)
	}
	return outcome
}

func (h *harness) load(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	p, err := h.store.Get(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("store.Get 返回错误: %v", err)
	}
	return p
}

var errQuoteDown = xerrors.Wrap(order.CodeQuoteService, errors.New("503 service unavailable"), "询价失败")
