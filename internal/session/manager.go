// Package session manages the delegated signing session: creation,
// encrypted persistence, validation and recovery, plus serialized order
// submission under the session key.
package session

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/o2-exchange/trading-bot-sub002/internal/errs"
	"github.com/o2-exchange/trading-bot-sub002/internal/keystore"
	"github.com/o2-exchange/trading-bot-sub002/internal/model"
	"github.com/o2-exchange/trading-bot-sub002/internal/nonce"
	"github.com/o2-exchange/trading-bot-sub002/internal/signer"
	"github.com/o2-exchange/trading-bot-sub002/internal/store"
	"github.com/o2-exchange/trading-bot-sub002/internal/tradeapi"
)

// API is the slice of the trading API the manager needs; satisfied by
// *tradeapi.Client and by test fakes.
type API interface {
	CreateSession(ctx context.Context, env signer.DelegationEnvelope) error
	SubmitTransaction(ctx context.Context, req tradeapi.SubmitRequest) (*tradeapi.SubmitResult, error)
	GetAccount(ctx context.Context, accountID string) (model.TradingAccount, error)
}

// Config carries the static session parameters.
type Config struct {
	ChainID    int64
	ContractID string        // exchange contract the session is scoped to
	SessionTTL time.Duration // delegation validity window
}

func (c Config) withDefaults() Config {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	return c
}

// Active is a live signer binding: the session row plus its decrypted key.
type Active struct {
	Session model.Session
	pk      *ecdsa.PrivateKey
}

// Manager is constructed once at process start and shared by reference.
type Manager struct {
	cfg       Config
	api       API
	st        *store.Store
	ks        *keystore.Keystore
	nonces    *nonce.Coordinator
	wallet    signer.Wallet
	validator signer.SessionValidator // nil disables on-chain checks

	mu    sync.Mutex
	cache map[string]*Active // trade account id → active binding
	group singleflight.Group

	// submitMu serializes order submissions: the nonce is a global sequence
	// number enforced by the remote ledger, so a second submission must
	// never start while the first's increment/persist is in flight.
	submitMu sync.Mutex
}

func NewManager(cfg Config, api API, st *store.Store, ks *keystore.Keystore, nonces *nonce.Coordinator, wallet signer.Wallet, validator signer.SessionValidator) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		api:       api,
		st:        st,
		ks:        ks,
		nonces:    nonces,
		wallet:    wallet,
		validator: validator,
		cache:     make(map[string]*Active),
	}
}

// CreateSession mints a fresh ephemeral keypair, has the owner wallet sign
// the delegation, registers it (sponsored or direct, depending on the
// wallet's capability) and persists the encrypted key plus session row.
func (m *Manager) CreateSession(ctx context.Context, contractIDs []string, acct model.TradingAccount) (*model.Session, error) {
	pk, sessionAddr, err := signer.GenerateSessionKey()
	if err != nil {
		return nil, err
	}

	n, err := m.nonces.Next(acct.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	env := signer.DelegationEnvelope{
		ContractID:  m.cfg.ContractID,
		SessionID:   sessionAddr.Hex(),
		Nonce:       n,
		Expiry:      now.Add(m.cfg.SessionTTL).Unix(),
		ContractIDs: contractIDs,
	}

	signed, err := m.wallet.SignDelegation(ctx, m.cfg.ChainID, env)
	if err != nil {
		if errs.HasCode(err, errs.CodeSignatureDeclined) {
			return nil, err
		}
		return nil, fmt.Errorf("sign delegation: %w", err)
	}
	if err := ctx.Err(); err != nil {
		// The prompt resolved after cancellation; nothing was persisted.
		return nil, err
	}

	// Capability, not strategy: a wallet that can submit transactions uses
	// the direct flow, everyone else goes through the sponsored backend.
	if submitter, ok := m.wallet.(signer.TransactionSubmitter); ok {
		if _, err := submitter.SubmitSessionRegistration(ctx, signed); err != nil {
			return nil, fmt.Errorf("register session on-chain: %w", err)
		}
	} else {
		if err := m.api.CreateSession(ctx, signed); err != nil {
			return nil, err
		}
	}

	if err := m.nonces.Advance(ctx, acct.ID, n); err != nil {
		log.Printf("[warn] session create: %v", err)
	}

	sess := model.Session{
		ID:             signed.SessionID,
		TradeAccountID: acct.ID,
		OwnerAddress:   acct.OwnerAddress,
		ContractIDs:    contractIDs,
		Expiry:         signed.Expiry,
		CreatedAt:      now,
		IsActive:       true,
	}

	raw := crypto.FromECDSA(pk)
	ciphertext, salt, iv, err := m.ks.Encrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("encrypt session key: %w", err)
	}
	if err := m.st.SaveSessionKey(model.SessionKey{
		ID:                  sess.ID,
		EncryptedPrivateKey: ciphertext,
		Salt:                salt,
		IV:                  iv,
		CreatedAt:           now,
	}); err != nil {
		return nil, fmt.Errorf("persist session key: %w", err)
	}
	if err := m.st.DeactivateAccountSessions(acct.ID); err != nil {
		return nil, fmt.Errorf("supersede sessions: %w", err)
	}
	if err := m.st.SaveSession(sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	m.mu.Lock()
	m.cache[acct.ID] = &Active{Session: sess, pk: pk}
	m.mu.Unlock()

	log.Printf("[info] session %s created for account %s (expires %s)",
		sess.ID, acct.ID, time.Unix(sess.Expiry, 0).Format(time.RFC3339))
	return &sess, nil
}

// ValidateSession answers "is the account's session still good" with three
// tiers: local expiry, database consistency, then the on-chain check.
//
// Local/DB invalidity is definitive and clears the cached session. An
// on-chain check that fails for network reasons is inconclusive and must
// NOT clear an otherwise locally-valid session; only an explicit "invalid"
// verdict clears the cache and deactivates the durable row.
func (m *Manager) ValidateSession(ctx context.Context, accountID, owner string, skipOnChain bool) (bool, error) {
	sess, ok := m.lookupSession(accountID)
	if !ok {
		return false, nil
	}

	// Tier a: wall-clock expiry, before anything touches the network.
	if sess.Expired(time.Now()) {
		m.clearLocal(accountID)
		return false, errs.New(errs.CategoryDefinitiveLocal, errs.CodeSessionExpired,
			errs.WithMessage(fmt.Sprintf("session %s expired", sess.ID)))
	}

	// Tier b: durable row consistency.
	row, err := m.st.SessionByID(sess.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		m.clearLocal(accountID)
		return false, errs.New(errs.CategoryDefinitiveLocal, errs.CodeSessionMismatch,
			errs.WithMessage("session row missing"))
	case err != nil:
		// Store read failures are transient; keep the session.
		return true, fmt.Errorf("session row read: %w", err)
	case !row.IsActive || row.TradeAccountID != accountID || !equalFold(row.OwnerAddress, owner):
		m.clearLocal(accountID)
		return false, errs.New(errs.CategoryDefinitiveLocal, errs.CodeSessionMismatch,
			errs.WithMessage("session row inactive or bound to a different account"))
	}

	if skipOnChain || m.validator == nil {
		return true, nil
	}

	// Tier c: on-chain, catches revocations performed by another client.
	valid, err := m.validator.ValidateSession(ctx, sess.ID)
	if err != nil {
		log.Printf("[warn] on-chain session check inconclusive for %s: %v", sess.ID, err)
		return true, nil
	}
	if !valid {
		m.Revoke(accountID, sess.ID)
		return false, errs.New(errs.CategoryDefinitiveRemote, errs.CodeSessionRevoked,
			errs.WithMessage(fmt.Sprintf("session %s revoked on-chain", sess.ID)))
	}
	return true, nil
}

// GetActiveSession returns the live signer binding for the account,
// reconstructing it on cache miss. Concurrent callers collapse into a
// single reconstruction.
func (m *Manager) GetActiveSession(ctx context.Context, accountID string) (*Active, error) {
	m.mu.Lock()
	if a, ok := m.cache[accountID]; ok {
		m.mu.Unlock()
		return a, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(accountID, func() (any, error) {
		return m.reconstruct(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Active), nil
}

// reconstruct rebuilds the signer binding: on-chain recovery first, then
// the durable session/key records. Each degraded fallback is logged but
// not fatal.
func (m *Manager) reconstruct(ctx context.Context, accountID string) (*Active, error) {
	sess, err := m.st.ActiveSessionByAccount(accountID)
	if err != nil {
		return nil, fmt.Errorf("no active session for account %s: %w", accountID, err)
	}

	if m.validator != nil {
		env, rerr := m.validator.RecoverSession(ctx, common.HexToAddress(sess.OwnerAddress))
		if rerr != nil {
			log.Printf("[warn] on-chain session recovery degraded for %s: %v", accountID, rerr)
		} else if env.SessionID != sess.ID {
			// The chain knows a different session than our durable record:
			// another client superseded us. Our key is useless for it.
			return nil, errs.New(errs.CategoryDefinitiveLocal, errs.CodeSessionMismatch,
				errs.WithMessage(fmt.Sprintf("chain session %s supersedes local %s", env.SessionID, sess.ID)))
		}
	}

	key, err := m.st.SessionKeyByID(sess.ID)
	if err != nil {
		return nil, fmt.Errorf("session key for %s: %w", sess.ID, err)
	}
	raw, err := m.ks.Decrypt(key.EncryptedPrivateKey, key.Salt, key.IV)
	if err != nil {
		return nil, err
	}
	pk, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}

	a := &Active{Session: sess, pk: pk}
	m.mu.Lock()
	m.cache[accountID] = a
	m.mu.Unlock()
	log.Printf("[info] session %s reconstructed from durable records", sess.ID)
	return a, nil
}

// SubmitOrders signs and submits order actions under the account's session
// key. Submissions are strictly serialized; the nonce advances exactly once
// per successful submission and is persisted before control returns.
func (m *Manager) SubmitOrders(ctx context.Context, accountID string, actions []tradeapi.Action, collectOrders bool) (*tradeapi.SubmitResult, error) {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	active, err := m.GetActiveSession(ctx, accountID)
	if err != nil {
		return nil, err
	}

	n, err := m.nonces.Next(accountID)
	if err != nil {
		return nil, err
	}

	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return nil, fmt.Errorf("marshal actions: %w", err)
	}
	digest := signer.MessageDigest(signer.TransactionMessage(accountID, active.Session.ID, n, actionsJSON))
	sig, err := signer.SignDigest(active.pk, digest)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	result, err := m.api.SubmitTransaction(ctx, tradeapi.SubmitRequest{
		Actions:        actions,
		Signature:      sig,
		Nonce:          n,
		TradeAccountID: accountID,
		SessionID:      active.Session.ID,
		CollectOrders:  collectOrders,
	})
	if err != nil {
		return nil, err
	}

	if err := m.nonces.Advance(ctx, accountID, n); err != nil {
		log.Printf("[warn] submit tx %s: %v", result.TxID, err)
	}
	return result, nil
}

// RefreshNonce re-reads the account nonce from the API before a retried
// submission. Stale reads are ignored by the coordinator.
func (m *Manager) RefreshNonce(ctx context.Context, accountID string) error {
	acct, err := m.api.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	m.nonces.Override(accountID, acct.Nonce)
	return nil
}

// CachedSession returns the in-memory session for the account without any
// validation, for fast-path resumption checks.
func (m *Manager) CachedSession(accountID string) (model.Session, bool) {
	return m.lookupSession(accountID)
}

func (m *Manager) lookupSession(accountID string) (model.Session, bool) {
	m.mu.Lock()
	if a, ok := m.cache[accountID]; ok {
		m.mu.Unlock()
		return a.Session, true
	}
	m.mu.Unlock()

	sess, err := m.st.ActiveSessionByAccount(accountID)
	if err != nil {
		return model.Session{}, false
	}
	return sess, true
}

// clearLocal drops the cached binding. Durable rows are left alone: local
// invalidity feeds back into the eligibility pipeline, which will mint a
// superseding session through the normal path.
func (m *Manager) clearLocal(accountID string) {
	m.mu.Lock()
	delete(m.cache, accountID)
	m.mu.Unlock()
	m.nonces.Forget(accountID)
}

// Revoke handles the definitive-remote verdict: clears the cache AND marks
// the durable row inactive. The only path that mutates durable state on a
// validation failure.
func (m *Manager) Revoke(accountID, sessionID string) {
	m.clearLocal(accountID)
	if err := m.st.DeactivateSession(sessionID); err != nil {
		log.Printf("[warn] deactivate revoked session %s: %v", sessionID, err)
	}
}

// Owner addresses compare case-insensitively: checksummed and lowercased
// forms of the same address are the same owner.
func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
