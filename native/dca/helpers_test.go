package dca

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"recurswap/core/events"
	"recurswap/native/venue"
)

const testOwner = "0xowner"

type vaultKey struct {
	owner string
	asset string
}

type fakeVault struct {
	mu          sync.Mutex
	balances    map[vaultKey]*uint256.Int
	withdrawErr error
	// failDeposits makes deposits of this asset fail.
	failDeposits string
}

var errVaultOffline = errors.New("vault offline")

func newFakeVault() *fakeVault {
	return &fakeVault{balances: make(map[vaultKey]*uint256.Int)}
}

func (v *fakeVault) set(owner, asset string, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[vaultKey{owner, asset}] = new(uint256.Int).Set(amount)
}

func (v *fakeVault) balance(owner, asset string) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if bal, ok := v.balances[vaultKey{owner, asset}]; ok {
		return new(uint256.Int).Set(bal)
	}
	return new(uint256.Int)
}

func (v *fakeVault) Withdraw(_ context.Context, owner, asset string, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.withdrawErr != nil {
		return v.withdrawErr
	}
	key := vaultKey{owner, asset}
	bal, ok := v.balances[key]
	if !ok || bal.Lt(amount) {
		return fmt.Errorf("%w: %s %s", ErrInsufficientFunds, owner, asset)
	}
	v.balances[key] = new(uint256.Int).Sub(bal, amount)
	return nil
}

func (v *fakeVault) Deposit(_ context.Context, owner, asset string, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failDeposits == asset {
		return errVaultOffline
	}
	key := vaultKey{owner, asset}
	bal, ok := v.balances[key]
	if !ok {
		bal = new(uint256.Int)
	}
	v.balances[key] = new(uint256.Int).Add(bal, amount)
	return nil
}

type registration struct {
	id  string
	cb  Callback
	reg Registration
	fee *uint256.Int
}

type fakeScheduler struct {
	mu          sync.Mutex
	fee         *uint256.Int
	noTimestamp bool
	registerErr error
	estimates   int
	seq         int
	pending     []registration
	cancelled   []string
}

func newFakeScheduler(fee uint64) *fakeScheduler {
	return &fakeScheduler{fee: uint256.NewInt(fee)}
}

func (s *fakeScheduler) EstimateFee(_ context.Context, reg Registration) (FeeEstimate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estimates++
	est := FeeEstimate{Fee: new(uint256.Int).Set(s.fee)}
	if !s.noTimestamp {
		due := reg.DueTime
		est.Timestamp = &due
	}
	return est, nil
}

func (s *fakeScheduler) Register(_ context.Context, cb Callback, reg Registration, fee *uint256.Int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registerErr != nil {
		return "", s.registerErr
	}
	s.seq++
	id := fmt.Sprintf("sched-%d", s.seq)
	s.pending = append(s.pending, registration{id: id, cb: cb, reg: reg, fee: new(uint256.Int).Set(fee)})
	return id, nil
}

func (s *fakeScheduler) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	for i, p := range s.pending {
		if p.id == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (s *fakeScheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *fakeScheduler) last() (registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return registration{}, false
	}
	return s.pending[len(s.pending)-1], true
}

// fireNext pops the oldest pending registration and invokes its callback.
func (s *fakeScheduler) fireNext(t *testing.T) error {
	t.Helper()
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		t.Fatalf("no pending registration to fire")
	}
	next := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()
	return next.cb.Fire(context.Background(), next.reg.Payload)
}

type fakeExecutor struct {
	mu       sync.Mutex
	out      *uint256.Int
	dust     *uint256.Int
	kind     venue.Kind
	err      error
	requests []venue.Request
}

func (e *fakeExecutor) Execute(_ context.Context, req venue.Request) (venue.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	if e.err != nil {
		return venue.Result{}, e.err
	}
	kind := e.kind
	if kind == "" {
		kind = venue.KindPrimary
	}
	dust := new(uint256.Int)
	if e.dust != nil {
		dust.Set(e.dust)
	}
	return venue.Result{
		AmountOut:    new(uint256.Int).Set(e.out),
		RawAmountOut: new(uint256.Int).Add(e.out, dust),
		Dust:         dust,
		Venue:        kind,
	}, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store    *memoryStore
	sched    *fakeScheduler
	vault    *fakeVault
	exec     *fakeExecutor
	clock    *testClock
	dir      *Directory
	handler  *Handler
	reg      *Registry
	recorder *events.Recorder
}

func newHarness(t *testing.T, policy RetryPolicy) *harness {
	t.Helper()
	h := &harness{
		store:    newMemoryStore(),
		sched:    newFakeScheduler(1_000),
		vault:    newFakeVault(),
		exec:     &fakeExecutor{out: uint256.NewInt(100)},
		clock:    &testClock{now: time.Unix(1_700_000_000, 0).UTC()},
		recorder: &events.Recorder{},
	}
	dir, err := NewDirectory(context.Background(), h.store, h.sched)
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	dir.SetNowFunc(h.clock.Now)
	dir.SetEmitter(h.recorder)
	handler, err := NewHandler(dir, h.exec, WithRetryPolicy(policy), WithMetrics(nil))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	reg, err := dir.Registry(testOwner)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	for _, grant := range []*Capability{
		NewCapability(CapWithdraw, testOwner, "USDC", h.vault),
		NewCapability(CapDeposit, testOwner, "WETH", h.vault),
		NewCapability(CapFee, testOwner, "FLOW", h.vault),
	} {
		if err := reg.Authorize(grant); err != nil {
			t.Fatalf("authorize %s: %v", grant.Kind(), err)
		}
	}
	h.dir = dir
	h.handler = handler
	h.reg = reg
	return h
}

func (h *harness) fundLedger(t *testing.T, amount uint64) {
	t.Helper()
	if err := h.reg.Ledger().Refund(context.Background(), uint256.NewInt(amount)); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
}

func fiveTokens() *uint256.Int {
	return uint256.MustFromDecimal("5000000000000000000")
}

func testConfig(maxExecutions *uint64) Config {
	return Config{
		SourceAsset:       "usdc",
		TargetAsset:       "weth",
		AmountPerInterval: fiveTokens(),
		IntervalSeconds:   86_400,
		MaxSlippageBps:    100,
		MaxExecutions:     maxExecutions,
	}
}

func u64(v uint64) *uint64 { return &v }

func mustErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

var errSchedulerDown = errors.New("scheduler unavailable")

// memoryStore is an in-process Store. failNextSave makes the next SavePlan
// fail once.
type memoryStore struct {
	mu           sync.RWMutex
	plans        map[uint64]*Plan
	executions   []*Execution
	ledgers      map[string]*uint256.Int
	failNextSave error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		plans:   make(map[uint64]*Plan),
		ledgers: make(map[string]*uint256.Int),
	}
}

var _ Store = (*memoryStore)(nil)

func (m *memoryStore) MaxPlanID(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var highest uint64
	for id := range m.plans {
		if id > highest {
			highest = id
		}
	}
	return highest, nil
}

func (m *memoryStore) Owners(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, plan := range m.plans {
		seen[plan.Owner] = struct{}{}
	}
	for owner := range m.ledgers {
		seen[owner] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for owner := range seen {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryStore) LoadPlans(_ context.Context, owner string) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Plan, 0)
	for _, plan := range m.plans {
		if plan.Owner == owner {
			out = append(out, plan.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) SavePlan(_ context.Context, plan *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNextSave; err != nil {
		m.failNextSave = nil
		return err
	}
	m.plans[plan.ID] = plan.Clone()
	return nil
}

func (m *memoryStore) AppendExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *exec
	m.executions = append(m.executions, &copied)
	return nil
}

func (m *memoryStore) executionsOf(planID uint64) []*Execution {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Execution, 0)
	for _, exec := range m.executions {
		if exec.PlanID == planID {
			copied := *exec
			out = append(out, &copied)
		}
	}
	return out
}

func (m *memoryStore) LedgerBalance(_ context.Context, owner string) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if bal, ok := m.ledgers[owner]; ok {
		return new(uint256.Int).Set(bal), nil
	}
	return new(uint256.Int), nil
}

func (m *memoryStore) SaveLedgerBalance(_ context.Context, owner string, balance *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgers[owner] = cloneAmount(balance)
	return nil
}
