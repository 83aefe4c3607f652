// Package authflow drives onboarding end to end: wallet situation check,
// eligibility, terms, delegated-session creation and the first-run welcome
// gate, as an explicit state machine with a closed transition table.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/o2-exchange/trading-bot-sub002/internal/eligibility"
	"github.com/o2-exchange/trading-bot-sub002/internal/errs"
	"github.com/o2-exchange/trading-bot-sub002/internal/model"
	"github.com/o2-exchange/trading-bot-sub002/internal/store"
)

// State is one node of the auth flow.
type State string

const (
	StateIdle               State = "idle"
	StateCheckingSituation  State = "checking_situation"
	StateCheckingTerms      State = "checking_terms"
	StateAwaitingTerms      State = "awaiting_terms"
	StateWhitelisting       State = "whitelisting"
	StateAwaitingInvitation State = "awaiting_invitation"
	StateAwaitingSignature  State = "awaiting_signature"
	StateCreatingSession    State = "creating_session"
	StateAwaitingWelcome    State = "awaiting_welcome"
	StateReady              State = "ready"
	StateError              State = "error"
	StateSignatureDeclined  State = "signature_declined"
)

// Parked reports whether the state is waiting on user input rather than on
// asynchronous work. Parked states are not abortable.
func (s State) Parked() bool {
	switch s {
	case StateAwaitingTerms, StateAwaitingInvitation, StateAwaitingSignature,
		StateAwaitingWelcome, StateSignatureDeclined:
		return true
	}
	return false
}

// transitions is the closed table of legal state changes. Anything not
// listed here is rejected.
var transitions = map[State][]State{
	StateIdle:               {StateCheckingSituation},
	StateCheckingSituation:  {StateCheckingTerms, StateReady, StateError, StateIdle},
	StateCheckingTerms:      {StateAwaitingTerms, StateWhitelisting, StateError, StateIdle},
	StateAwaitingTerms:      {StateWhitelisting, StateError, StateIdle},
	StateWhitelisting:       {StateAwaitingInvitation, StateAwaitingSignature, StateError, StateIdle},
	StateAwaitingInvitation: {StateWhitelisting, StateError, StateIdle},
	StateAwaitingSignature:  {StateCreatingSession, StateSignatureDeclined, StateError, StateIdle},
	StateCreatingSession:    {StateAwaitingWelcome, StateReady, StateSignatureDeclined, StateError, StateIdle},
	StateAwaitingWelcome:    {StateReady, StateError, StateIdle},
	StateReady:              {StateIdle},
	StateError:              {StateCheckingSituation, StateIdle},
	StateSignatureDeclined:  {StateCreatingSession, StateError, StateIdle},
}

// Snapshot is the machine's working memory, published in full to
// subscribers on every transition.
type Snapshot struct {
	State         State
	ErrMessage    string
	Verdict       eligibility.Verdict
	TermsAccepted bool
	Account       *model.TradingAccount
	PendingScope  []string // contract ids awaiting the owner's signature
	SessionID     string
}

// Sessions is the slice of the session manager the flow needs.
type Sessions interface {
	CachedSession(accountID string) (model.Session, bool)
	ValidateSession(ctx context.Context, accountID, owner string, skipOnChain bool) (bool, error)
	CreateSession(ctx context.Context, contractIDs []string, acct model.TradingAccount) (*model.Session, error)
}

// Accounts creates trading accounts; satisfied by *tradeapi.Client.
type Accounts interface {
	CreateTradingAccount(ctx context.Context, owner string) (model.TradingAccount, error)
}

// Eligibility resolves the whitelist verdict; satisfied by
// *eligibility.Checker.
type Eligibility interface {
	Check(ctx context.Context, owner common.Address) (eligibility.Result, error)
	Redeem(ctx context.Context, owner common.Address, code string) error
}

// Config carries the static flow parameters.
type Config struct {
	Owner       string   // connected wallet address
	ContractIDs []string // session scope to request
}

// Machine is safe for concurrent use; all mutation goes through the
// transition table under one mutex. Every asynchronous leg carries the
// generation it was started under, so a leg outlived by an abort or reset
// cannot clobber a newer flow.
type Machine struct {
	cfg      Config
	sessions Sessions
	accounts Accounts
	elig     Eligibility
	st       *store.Store

	mu       sync.Mutex
	snap     Snapshot
	inFlight bool
	gen      uint64
	cancel   context.CancelFunc
	subs     map[int]chan Snapshot
	nextSub  int
}

func NewMachine(cfg Config, sessions Sessions, accounts Accounts, elig Eligibility, st *store.Store) *Machine {
	return &Machine{
		cfg:      cfg,
		sessions: sessions,
		accounts: accounts,
		elig:     elig,
		st:       st,
		snap:     Snapshot{State: StateIdle},
		subs:     make(map[int]chan Snapshot),
	}
}

// Current returns a copy of the machine's context.
func (m *Machine) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Subscribe registers for snapshot broadcasts. The returned func
// unsubscribes. Broadcasts never block: a subscriber that falls behind
// misses intermediate snapshots, not state progress.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Snapshot, 8)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Machine) publishLocked() {
	for _, ch := range m.subs {
		select {
		case ch <- m.snap:
		default:
		}
	}
}

func (m *Machine) transitionLocked(to State, mutate func(*Snapshot)) bool {
	allowed := false
	for _, t := range transitions[m.snap.State] {
		if t == to {
			allowed = true
			break
		}
	}
	if !allowed {
		log.Printf("[warn] auth flow: transition %s -> %s not in table, ignored", m.snap.State, to)
		return false
	}
	m.snap.State = to
	if mutate != nil {
		mutate(&m.snap)
	}
	m.publishLocked()
	return true
}

// step applies a transition on behalf of an asynchronous leg; stale legs
// are discarded.
func (m *Machine) step(gen uint64, to State, mutate func(*Snapshot)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	return m.transitionLocked(to, mutate)
}

// StartFlow begins (or resumes) onboarding. Only idle and error accept a
// start; every other state makes this a no-op, so duplicate invocations
// from re-mounting callers collapse into one execution.
func (m *Machine) StartFlow() {
	m.mu.Lock()
	if m.inFlight || (m.snap.State != StateIdle && m.snap.State != StateError) {
		m.mu.Unlock()
		return
	}
	ctx, gen := m.beginLocked()
	m.transitionLocked(StateCheckingSituation, func(s *Snapshot) { s.ErrMessage = "" })
	m.mu.Unlock()

	go func() {
		defer m.recoverFlow(gen)
		m.run(ctx, gen)
	}()
}

// Abort cancels in-flight asynchronous work. States parked on user input
// are not mid-flight work, so aborting them is a no-op.
func (m *Machine) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.State.Parked() {
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// Reset returns the context to idle, clearing all transient fields. An
// in-flight guard left by a wedged flow survives Reset; use ForceReset.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if m.snap.State == StateIdle {
		return
	}
	m.snap = Snapshot{State: StateIdle}
	m.publishLocked()
}

// ForceReset is Reset plus cancellation and in-flight guard clearing, for
// stuck-flow recovery.
func (m *Machine) ForceReset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.inFlight = false
	m.snap = Snapshot{State: StateIdle}
	m.publishLocked()
}

// AcceptTerms records the owner's terms acceptance and resumes the flow.
// No-op outside awaitingTerms.
func (m *Machine) AcceptTerms() {
	m.mu.Lock()
	if m.snap.State != StateAwaitingTerms || m.snap.Account == nil {
		m.mu.Unlock()
		return
	}
	if err := m.st.AcceptTerms(m.cfg.Owner, time.Now()); err != nil {
		m.failLocked(fmt.Errorf("persist terms acceptance: %w", err))
		m.mu.Unlock()
		return
	}
	m.snap.TermsAccepted = true
	ctx, gen := m.beginLocked()
	m.mu.Unlock()

	go func() {
		defer m.recoverFlow(gen)
		m.runWhitelist(ctx, gen)
	}()
}

// AssignInvitationCode redeems the code and re-runs the whitelist check.
// No-op outside awaitingInvitation.
func (m *Machine) AssignInvitationCode(code string) {
	m.mu.Lock()
	if m.snap.State != StateAwaitingInvitation || m.snap.Account == nil {
		m.mu.Unlock()
		return
	}
	ctx, gen := m.beginLocked()
	m.mu.Unlock()

	go func() {
		defer m.recoverFlow(gen)
		if err := m.elig.Redeem(ctx, common.HexToAddress(m.cfg.Owner), code); err != nil {
			if ctx.Err() != nil {
				m.toIdle(gen)
				return
			}
			m.fail(gen, fmt.Errorf("redeem invitation: %w", err))
			return
		}
		m.runWhitelist(ctx, gen)
	}()
}

// ConfirmSignature proceeds to the wallet-signature prompt and session
// creation. Valid from awaitingSignature, and from signatureDeclined as
// the retry affordance. No-op elsewhere.
func (m *Machine) ConfirmSignature() {
	m.mu.Lock()
	if (m.snap.State != StateAwaitingSignature && m.snap.State != StateSignatureDeclined) || m.snap.Account == nil {
		m.mu.Unlock()
		return
	}
	acct := *m.snap.Account
	ctx, gen := m.beginLocked()
	m.mu.Unlock()

	go func() {
		defer m.recoverFlow(gen)
		m.runCreateSession(ctx, gen, acct)
	}()
}

// DeclineSignature records the owner backing out of the signature prompt.
// A first-class parked state, not an error. No-op outside awaitingSignature.
func (m *Machine) DeclineSignature() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.State != StateAwaitingSignature {
		return
	}
	m.transitionLocked(StateSignatureDeclined, nil)
}

// DismissWelcome closes the first-run welcome gate. No-op outside
// awaitingWelcome.
func (m *Machine) DismissWelcome() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.State != StateAwaitingWelcome {
		return
	}
	if err := m.st.MarkWelcomeSeen(m.cfg.Owner, time.Now()); err != nil {
		log.Printf("[warn] mark welcome seen: %v", err)
	}
	m.transitionLocked(StateReady, nil)
}

// run is the main flow body, entered from StartFlow.
func (m *Machine) run(ctx context.Context, gen uint64) {
	// Fast path: a locally known account with a still-valid session proves
	// the owner already completed onboarding.
	if acct, err := m.st.TradingAccountByOwner(m.cfg.Owner); err == nil {
		if sess, ok := m.sessions.CachedSession(acct.ID); ok {
			valid, verr := m.sessions.ValidateSession(ctx, acct.ID, m.cfg.Owner, false)
			if ctx.Err() != nil {
				m.toIdle(gen)
				return
			}
			if valid {
				// A transient check failure with a still-held session must
				// not trigger re-onboarding and a superseding session.
				if verr != nil {
					log.Printf("[warn] session revalidation degraded for %s: %v", acct.ID, verr)
				}
				a := acct
				m.finish(gen, sess.ID, &a)
				return
			}
			// Definitive invalidity falls through to the full pipeline.
		}
	}

	acct, err := m.resolveAccount(ctx)
	if ctx.Err() != nil {
		m.toIdle(gen)
		return
	}
	if err != nil {
		m.fail(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	a := acct
	m.snap.Account = &a
	m.mu.Unlock()

	m.runTerms(ctx, gen)
}

func (m *Machine) resolveAccount(ctx context.Context) (model.TradingAccount, error) {
	acct, err := m.st.TradingAccountByOwner(m.cfg.Owner)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.TradingAccount{}, err
	}

	acct, err = m.accounts.CreateTradingAccount(ctx, m.cfg.Owner)
	if err != nil {
		return model.TradingAccount{}, fmt.Errorf("create trading account: %w", err)
	}
	if err := m.st.SaveTradingAccount(acct); err != nil {
		return model.TradingAccount{}, fmt.Errorf("cache trading account: %w", err)
	}
	return acct, nil
}

func (m *Machine) runTerms(ctx context.Context, gen uint64) {
	if !m.step(gen, StateCheckingTerms, nil) {
		return
	}
	accepted, err := m.st.TermsAccepted(m.cfg.Owner)
	if err != nil {
		m.fail(gen, fmt.Errorf("read terms acceptance: %w", err))
		return
	}
	if !accepted {
		m.park(gen, StateAwaitingTerms, nil)
		return
	}
	m.mu.Lock()
	if gen == m.gen {
		m.snap.TermsAccepted = true
	}
	m.mu.Unlock()
	m.runWhitelist(ctx, gen)
}

func (m *Machine) runWhitelist(ctx context.Context, gen uint64) {
	if !m.step(gen, StateWhitelisting, nil) {
		return
	}
	res, err := m.elig.Check(ctx, common.HexToAddress(m.cfg.Owner))
	if ctx.Err() != nil {
		m.toIdle(gen)
		return
	}
	if err != nil {
		m.fail(gen, fmt.Errorf("eligibility check: %w", err))
		return
	}

	switch res.Verdict {
	case eligibility.VerdictWhitelisted:
		m.park(gen, StateAwaitingSignature, func(s *Snapshot) {
			s.Verdict = res.Verdict
			s.PendingScope = m.cfg.ContractIDs
		})
	case eligibility.VerdictInvitationRequired:
		m.park(gen, StateAwaitingInvitation, func(s *Snapshot) { s.Verdict = res.Verdict })
	default:
		m.fail(gen, fmt.Errorf("account not eligible: %s", res.Reason))
	}
}

func (m *Machine) runCreateSession(ctx context.Context, gen uint64, acct model.TradingAccount) {
	if !m.step(gen, StateCreatingSession, nil) {
		return
	}
	sess, err := m.sessions.CreateSession(ctx, m.cfg.ContractIDs, acct)
	if ctx.Err() != nil {
		m.toIdle(gen)
		return
	}
	if errs.HasCode(err, errs.CodeSignatureDeclined) {
		m.park(gen, StateSignatureDeclined, nil)
		return
	}
	if err != nil {
		m.fail(gen, fmt.Errorf("create session: %w", err))
		return
	}

	seen, err := m.st.WelcomeSeen(m.cfg.Owner)
	if err != nil {
		log.Printf("[warn] read welcome flag: %v", err)
		seen = true
	}
	if !seen {
		m.park(gen, StateAwaitingWelcome, func(s *Snapshot) { s.SessionID = sess.ID })
		return
	}
	m.finish(gen, sess.ID, nil)
}

// beginLocked opens a new flow generation and hands out its cancellable
// context. Caller holds mu.
func (m *Machine) beginLocked() (context.Context, uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	m.inFlight = true
	m.cancel = cancel
	m.gen++
	return ctx, m.gen
}

// park transitions into a user-input state and releases the in-flight
// guard: parked flows are resumed by user-driven calls, not cancelled.
func (m *Machine) park(gen uint64, to State, mutate func(*Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.inFlight = false
	m.cancel = nil
	m.transitionLocked(to, mutate)
}

func (m *Machine) finish(gen uint64, sessionID string, acct *model.TradingAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.inFlight = false
	m.cancel = nil
	m.transitionLocked(StateReady, func(s *Snapshot) {
		s.SessionID = sessionID
		s.PendingScope = nil
		s.ErrMessage = ""
		if acct != nil {
			s.Account = acct
		}
	})
	log.Printf("[info] auth flow ready: session %s", sessionID)
}

func (m *Machine) toIdle(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.inFlight = false
	m.cancel = nil
	if m.snap.State == StateIdle {
		return
	}
	m.snap = Snapshot{State: StateIdle}
	m.publishLocked()
}

func (m *Machine) failLocked(err error) {
	m.inFlight = false
	m.cancel = nil
	msg := err.Error()
	log.Printf("[warn] auth flow failed in %s: %s", m.snap.State, msg)
	m.transitionLocked(StateError, func(s *Snapshot) { s.ErrMessage = msg })
}

func (m *Machine) fail(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.failLocked(err)
}

// recoverFlow converts a panicking flow step into the error state; the
// host process must never crash on a flow bug.
func (m *Machine) recoverFlow(gen uint64) {
	if r := recover(); r != nil {
		m.fail(gen, fmt.Errorf("flow step panic: %v", r))
	}
}
