package authflow

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/o2-exchange/trading-bot-sub002/internal/eligibility"
	"github.com/o2-exchange/trading-bot-sub002/internal/errs"
	"github.com/o2-exchange/trading-bot-sub002/internal/model"
	"github.com/o2-exchange/trading-bot-sub002/internal/store"
)

const testOwner = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"

type fakeSessions struct {
	cached     atomic.Bool
	valid      atomic.Bool
	createHits int32

	mu          sync.Mutex
	createErr   error
	validateErr error
}

func (f *fakeSessions) setCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

func (f *fakeSessions) setValidateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateErr = err
}

func (f *fakeSessions) CachedSession(accountID string) (model.Session, bool) {
	if !f.cached.Load() {
		return model.Session{}, false
	}
	return model.Session{ID: "0xsession", TradeAccountID: accountID, IsActive: true}, true
}

func (f *fakeSessions) ValidateSession(_ context.Context, _, _ string, _ bool) (bool, error) {
	f.mu.Lock()
	err := f.validateErr
	f.mu.Unlock()
	return f.valid.Load(), err
}

func (f *fakeSessions) CreateSession(_ context.Context, _ []string, acct model.TradingAccount) (*model.Session, error) {
	atomic.AddInt32(&f.createHits, 1)
	f.mu.Lock()
	err := f.createErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &model.Session{ID: "0xsession", TradeAccountID: acct.ID, IsActive: true}, nil
}

type fakeAccounts struct {
	hits int32
}

func (f *fakeAccounts) CreateTradingAccount(_ context.Context, owner string) (model.TradingAccount, error) {
	atomic.AddInt32(&f.hits, 1)
	return model.TradingAccount{ID: "acct-1", OwnerAddress: owner, CreatedAt: time.Now()}, nil
}

type fakeElig struct {
	verdict   atomic.Value // eligibility.Verdict
	redeemed  int32
	panicking atomic.Bool

	mu    sync.Mutex
	block chan struct{} // non-nil: Check blocks until ctx is done
}

func (f *fakeElig) setBlock(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = ch
}

func (f *fakeElig) Check(ctx context.Context, _ common.Address) (eligibility.Result, error) {
	if f.panicking.Load() {
		panic("eligibility backend returned garbage")
	}
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return eligibility.Result{}, ctx.Err()
		}
	}
	v, _ := f.verdict.Load().(eligibility.Verdict)
	if v == "" {
		v = eligibility.VerdictWhitelisted
	}
	return eligibility.Result{Verdict: v}, nil
}

func (f *fakeElig) Redeem(_ context.Context, _ common.Address, _ string) error {
	atomic.AddInt32(&f.redeemed, 1)
	f.verdict.Store(eligibility.VerdictWhitelisted)
	return nil
}

type fixture struct {
	m        *Machine
	sessions *fakeSessions
	accounts *fakeAccounts
	elig     *fakeElig
	st       *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "flow.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		sessions: &fakeSessions{},
		accounts: &fakeAccounts{},
		elig:     &fakeElig{},
		st:       st,
	}
	f.m = NewMachine(
		Config{Owner: testOwner, ContractIDs: []string{"spot.o2"}},
		f.sessions, f.accounts, f.elig, st,
	)
	return f
}

func waitForState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current().State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state=%s, never reached %s", m.Current().State, want)
}

func TestFullOnboardingPipeline(t *testing.T) {
	f := newFixture(t)

	f.m.StartFlow()
	waitForState(t, f.m, StateAwaitingTerms)

	f.m.AcceptTerms()
	waitForState(t, f.m, StateAwaitingSignature)
	if snap := f.m.Current(); !snap.TermsAccepted || len(snap.PendingScope) == 0 {
		t.Fatalf("snapshot missing terms/scope: %+v", snap)
	}

	f.m.ConfirmSignature()
	waitForState(t, f.m, StateAwaitingWelcome)

	f.m.DismissWelcome()
	waitForState(t, f.m, StateReady)
	if f.m.Current().SessionID != "0xsession" {
		t.Fatalf("ready without session id")
	}

	// Both gates persisted per address.
	if ok, _ := f.st.TermsAccepted(testOwner); !ok {
		t.Fatalf("terms acceptance not durable")
	}
	if ok, _ := f.st.WelcomeSeen(testOwner); !ok {
		t.Fatalf("welcome flag not durable")
	}
}

func TestStartFlowIdempotent(t *testing.T) {
	f := newFixture(t)

	f.m.StartFlow()
	f.m.StartFlow()
	f.m.StartFlow()
	waitForState(t, f.m, StateAwaitingTerms)

	if hits := atomic.LoadInt32(&f.accounts.hits); hits != 1 {
		t.Fatalf("account created %d times from duplicate starts, want 1", hits)
	}
	// Re-entry from a parked state stays a no-op.
	f.m.StartFlow()
	time.Sleep(20 * time.Millisecond)
	if got := f.m.Current().State; got != StateAwaitingTerms {
		t.Fatalf("re-entry moved state to %s", got)
	}
}

func TestFastPathResumption(t *testing.T) {
	f := newFixture(t)
	if err := f.st.SaveTradingAccount(model.TradingAccount{ID: "acct-1", OwnerAddress: testOwner, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	f.sessions.cached.Store(true)
	f.sessions.valid.Store(true)

	f.m.StartFlow()
	waitForState(t, f.m, StateReady)

	// A valid session proves onboarding already happened; no eligibility
	// or account-creation calls replayed.
	if atomic.LoadInt32(&f.accounts.hits) != 0 {
		t.Fatalf("fast path created an account")
	}
	if atomic.LoadInt32(&f.sessions.createHits) != 0 {
		t.Fatalf("fast path minted a session")
	}
}

func TestTransientCheckFailureStillResumes(t *testing.T) {
	f := newFixture(t)
	if err := f.st.SaveTradingAccount(model.TradingAccount{ID: "acct-1", OwnerAddress: testOwner, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	f.sessions.cached.Store(true)
	f.sessions.valid.Store(true)
	f.sessions.setValidateErr(errs.New(errs.CategoryTransient, errs.CodeNetwork,
		errs.WithMessage("session row read hiccup")))

	f.m.StartFlow()
	waitForState(t, f.m, StateReady)

	// A still-valid session with a transient check error must not replay
	// onboarding or mint a superseding session.
	if atomic.LoadInt32(&f.accounts.hits) != 0 {
		t.Fatalf("transient check failure created an account")
	}
	if atomic.LoadInt32(&f.sessions.createHits) != 0 {
		t.Fatalf("transient check failure minted a superseding session")
	}
}

func TestInvalidCachedSessionFallsThrough(t *testing.T) {
	f := newFixture(t)
	if err := f.st.SaveTradingAccount(model.TradingAccount{ID: "acct-1", OwnerAddress: testOwner, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	f.sessions.cached.Store(true)
	f.sessions.valid.Store(false)

	f.m.StartFlow()
	waitForState(t, f.m, StateAwaitingTerms)
}

func TestInvitationGate(t *testing.T) {
	f := newFixture(t)
	f.elig.verdict.Store(eligibility.VerdictInvitationRequired)
	if err := f.st.AcceptTerms(testOwner, time.Now()); err != nil {
		t.Fatalf("pre-accept terms: %v", err)
	}

	f.m.StartFlow()
	waitForState(t, f.m, StateAwaitingInvitation)

	f.m.AssignInvitationCode("ABC-123")
	waitForState(t, f.m, StateAwaitingSignature)
	if atomic.LoadInt32(&f.elig.redeemed) != 1 {
		t.Fatalf("invitation code not redeemed")
	}
}

func TestDeniedVerdictIsRecoverableError(t *testing.T) {
	f := newFixture(t)
	f.elig.verdict.Store(eligibility.VerdictDenied)
	if err := f.st.AcceptTerms(testOwner, time.Now()); err != nil {
		t.Fatalf("pre-accept terms: %v", err)
	}

	f.m.StartFlow()
	waitForState(t, f.m, StateError)
	if f.m.Current().ErrMessage == "" {
		t.Fatalf("error state without a message")
	}

	// error always accepts a retry.
	f.elig.verdict.Store(eligibility.VerdictWhitelisted)
	f.m.StartFlow()
	waitForState(t, f.m, StateAwaitingSignature)
}

func TestSignatureDeclinedIsRetryable(t *testing.T) {
	f := newFixture(t)
	if err := f.st.AcceptTerms(testOwner, time.Now()); err != nil {
		t.Fatalf("pre-accept terms: %v", err)
	}
	if err := f.st.MarkWelcomeSeen(testOwner, time.Now()); err != nil {
		t.Fatalf("pre-seen welcome: %v", err)
	}
	f.elig.verdict.Store(eligibility.VerdictWhitelisted)
	f.sessions.setCreateErr(errs.New(errs.CategoryUserDeclined, errs.CodeSignatureDeclined))

	f.m.StartFlow()
	waitForState(t, f.m, StateAwaitingSignature)
	f.m.ConfirmSignature()
	waitForState(t, f.m, StateSignatureDeclined)
	if f.m.Current().ErrMessage != "" {
		t.Fatalf("decline surfaced as an error: %q", f.m.Current().ErrMessage)
	}

	// Confirming again from the declined state retries the prompt.
	f.sessions.setCreateErr(nil)
	f.m.ConfirmSignature()
	waitForState(t, f.m, StateReady)
}

func TestAbortParkedStateIsNoOp(t *testing.T) {
	f := newFixture(t)
	if err := f.st.AcceptTerms(testOwner, time.Now()); err != nil {
		t.Fatalf("pre-accept terms: %v", err)
	}

	f.m.StartFlow()
	waitForState(t, f.m, StateAwaitingSignature)

	f.m.Abort()
	time.Sleep(20 * time.Millisecond)
	if got := f.m.Current().State; got != StateAwaitingSignature {
		t.Fatalf("abort moved a parked state to %s", got)
	}
	// The parked flow still resumes normally.
	f.m.ConfirmSignature()
	waitForState(t, f.m, StateAwaitingWelcome)
}

func TestAbortCancelsInFlightWork(t *testing.T) {
	f := newFixture(t)
	if err := f.st.AcceptTerms(testOwner, time.Now()); err != nil {
		t.Fatalf("pre-accept terms: %v", err)
	}
	blocker := make(chan struct{})
	f.elig.setBlock(blocker)

	f.m.StartFlow()
	waitForState(t, f.m, StateWhitelisting)

	f.m.Abort()
	waitForState(t, f.m, StateIdle)

	// Aborted flows restart cleanly.
	close(blocker)
	f.elig.setBlock(nil)
	f.m.StartFlow()
	waitForState(t, f.m, StateAwaitingSignature)
}

func TestForceResetRecoversStuckFlow(t *testing.T) {
	f := newFixture(t)
	if err := f.st.AcceptTerms(testOwner, time.Now()); err != nil {
		t.Fatalf("pre-accept terms: %v", err)
	}
	blocker := make(chan struct{})
	f.elig.setBlock(blocker)

	f.m.StartFlow()
	waitForState(t, f.m, StateWhitelisting)

	f.m.ForceReset()
	if got := f.m.Current().State; got != StateIdle {
		t.Fatalf("force reset left state %s", got)
	}
	close(blocker)
	f.elig.setBlock(nil)
	f.m.StartFlow()
	waitForState(t, f.m, StateAwaitingSignature)
}

func TestPanicTransitionsToError(t *testing.T) {
	f := newFixture(t)
	if err := f.st.AcceptTerms(testOwner, time.Now()); err != nil {
		t.Fatalf("pre-accept terms: %v", err)
	}
	f.elig.panicking.Store(true)

	f.m.StartFlow()
	waitForState(t, f.m, StateError)

	f.elig.panicking.Store(false)
	f.m.StartFlow()
	waitForState(t, f.m, StateAwaitingSignature)
}

func TestUserTransitionsNoOpFromWrongState(t *testing.T) {
	f := newFixture(t)

	// All user-driven transitions from idle must be benign no-ops.
	f.m.AcceptTerms()
	f.m.AssignInvitationCode("ABC")
	f.m.ConfirmSignature()
	f.m.DeclineSignature()
	f.m.DismissWelcome()
	if got := f.m.Current().State; got != StateIdle {
		t.Fatalf("no-op transition moved state to %s", got)
	}
}

func TestSlowSubscriberDoesNotBlockFlow(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.m.Subscribe()
	defer unsub()
	_ = ch // never read: the broadcast must drop, not block

	f.m.StartFlow()
	waitForState(t, f.m, StateAwaitingTerms)
	f.m.AcceptTerms()
	waitForState(t, f.m, StateAwaitingSignature)
}

func TestSubscriberSeesSnapshots(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.m.Subscribe()
	defer unsub()

	f.m.StartFlow()
	waitForState(t, f.m, StateAwaitingTerms)

	var saw []State
	for {
		select {
		case snap := <-ch:
			saw = append(saw, snap.State)
			if snap.State == StateAwaitingTerms {
				if saw[0] != StateCheckingSituation {
					t.Fatalf("first snapshot %s, want checking_situation", saw[0])
				}
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("snapshots seen so far: %v", saw)
		}
	}
}
