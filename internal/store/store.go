// Package store implements the durable persistence layer on SQLite.
//
// The store is the authoritative tier of every cache in the agent: trading
// accounts, sessions, encrypted session keys, processed-fill markers and
// strategy configs all survive process restart here. In-memory layers are
// hydrated lazily from these tables and invalidated explicitly on
// definitive-error paths.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/o2-exchange/trading-bot-sub002/internal/model"
)

// schemaVersion is bumped whenever the schema changes. A bump deactivates
// all stored sessions so a new build never resurrects stale cross-version
// session data. Migrations are additive only.
const schemaVersion = 1

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS trading_accounts (
	id TEXT PRIMARY KEY,
	owner_address TEXT NOT NULL UNIQUE,
	nonce INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	trade_account_id TEXT NOT NULL,
	owner_address TEXT NOT NULL,
	contract_ids TEXT NOT NULL,
	expiry INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_sessions_account ON sessions (trade_account_id, is_active);

CREATE TABLE IF NOT EXISTS session_keys (
	id TEXT PRIMARY KEY,
	encrypted_private_key BLOB NOT NULL,
	salt BLOB NOT NULL,
	iv BLOB NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_fills (
	order_id TEXT PRIMARY KEY,
	filled_quantity TEXT NOT NULL,
	market_id TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processed_fills_market ON processed_fills (market_id);

CREATE TABLE IF NOT EXISTS strategy_configs (
	market_id TEXT PRIMARY KEY,
	config TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS terms_acceptance (
	owner_address TEXT PRIMARY KEY,
	accepted_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS welcome_seen (
	owner_address TEXT PRIMARY KEY,
	seen_at INTEGER NOT NULL
);
`

// Open opens (creating if needed) the SQLite database at path. ":memory:"
// is accepted for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single writer keeps nonce and fill-marker updates serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if current == schemaVersion {
		return nil
	}
	if current > schemaVersion {
		return fmt.Errorf("db schema version %d newer than supported %d", current, schemaVersion)
	}
	// Any version transition deactivates stored sessions: a new build must
	// never trust session rows written by a different schema generation.
	if current != 0 {
		if _, err := s.db.Exec(`UPDATE sessions SET is_active = 0`); err != nil {
			return fmt.Errorf("invalidate sessions on migrate: %w", err)
		}
	}
	if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- Trading accounts ---

func normalizeOwner(owner string) string { return strings.ToLower(strings.TrimSpace(owner)) }

func (s *Store) SaveTradingAccount(acct model.TradingAccount) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO trading_accounts (id, owner_address, nonce, created_at) VALUES (?, ?, ?, ?)`,
		acct.ID, normalizeOwner(acct.OwnerAddress), acct.Nonce, acct.CreatedAt.Unix(),
	)
	return err
}

func (s *Store) TradingAccountByOwner(owner string) (model.TradingAccount, error) {
	var acct model.TradingAccount
	var created int64
	err := s.db.QueryRow(
		`SELECT id, owner_address, nonce, created_at FROM trading_accounts WHERE owner_address = ?`,
		normalizeOwner(owner),
	).Scan(&acct.ID, &acct.OwnerAddress, &acct.Nonce, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TradingAccount{}, ErrNotFound
	}
	if err != nil {
		return model.TradingAccount{}, err
	}
	acct.CreatedAt = time.Unix(created, 0)
	return acct, nil
}

// SaveNonce persists the next valid nonce for a trading account.
func (s *Store) SaveNonce(accountID string, nonce uint64) error {
	res, err := s.db.Exec(`UPDATE trading_accounts SET nonce = ? WHERE id = ?`, nonce, accountID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Nonce(accountID string) (uint64, error) {
	var nonce uint64
	err := s.db.QueryRow(`SELECT nonce FROM trading_accounts WHERE id = ?`, accountID).Scan(&nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return nonce, err
}

// --- Sessions ---

func (s *Store) SaveSession(sess model.Session) error {
	active := 0
	if sess.IsActive {
		active = 1
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sessions (id, trade_account_id, owner_address, contract_ids, expiry, created_at, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TradeAccountID, normalizeOwner(sess.OwnerAddress),
		strings.Join(sess.ContractIDs, ","), sess.Expiry, sess.CreatedAt.Unix(), active,
	)
	return err
}

func (s *Store) SessionByID(id string) (model.Session, error) {
	return s.scanSession(s.db.QueryRow(
		`SELECT id, trade_account_id, owner_address, contract_ids, expiry, created_at, is_active
		 FROM sessions WHERE id = ?`, id))
}

// ActiveSessionByAccount returns the single active session for the trading
// account, or ErrNotFound.
func (s *Store) ActiveSessionByAccount(accountID string) (model.Session, error) {
	return s.scanSession(s.db.QueryRow(
		`SELECT id, trade_account_id, owner_address, contract_ids, expiry, created_at, is_active
		 FROM sessions WHERE trade_account_id = ? AND is_active = 1
		 ORDER BY created_at DESC LIMIT 1`, accountID))
}

func (s *Store) scanSession(row *sql.Row) (model.Session, error) {
	var sess model.Session
	var contracts string
	var created int64
	var active int
	err := row.Scan(&sess.ID, &sess.TradeAccountID, &sess.OwnerAddress, &contracts, &sess.Expiry, &created, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, err
	}
	if contracts != "" {
		sess.ContractIDs = strings.Split(contracts, ",")
	}
	sess.CreatedAt = time.Unix(created, 0)
	sess.IsActive = active == 1
	return sess, nil
}

// DeactivateSession flips the is_active flag; the only mutation a session
// row ever receives after creation.
func (s *Store) DeactivateSession(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET is_active = 0 WHERE id = ?`, id)
	return err
}

// DeactivateAccountSessions marks every session of the account inactive.
// Used before persisting a superseding session.
func (s *Store) DeactivateAccountSessions(accountID string) error {
	_, err := s.db.Exec(`UPDATE sessions SET is_active = 0 WHERE trade_account_id = ?`, accountID)
	return err
}

// --- Session keys ---

func (s *Store) SaveSessionKey(key model.SessionKey) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO session_keys (id, encrypted_private_key, salt, iv, created_at) VALUES (?, ?, ?, ?, ?)`,
		key.ID, key.EncryptedPrivateKey, key.Salt, key.IV, key.CreatedAt.Unix(),
	)
	return err
}

func (s *Store) SessionKeyByID(id string) (model.SessionKey, error) {
	var key model.SessionKey
	var created int64
	err := s.db.QueryRow(
		`SELECT id, encrypted_private_key, salt, iv, created_at FROM session_keys WHERE id = ?`, id,
	).Scan(&key.ID, &key.EncryptedPrivateKey, &key.Salt, &key.IV, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionKey{}, ErrNotFound
	}
	if err != nil {
		return model.SessionKey{}, err
	}
	key.CreatedAt = time.Unix(created, 0)
	return key, nil
}

func (s *Store) DeleteSessionKey(id string) error {
	_, err := s.db.Exec(`DELETE FROM session_keys WHERE id = ?`, id)
	return err
}

// --- Processed fills ---

// UpsertProcessedFill records the last accounted filled quantity for an
// order. The stored quantity is monotonic: an update with a smaller value
// than the current row is ignored. The comparison runs on decimals in Go;
// the column holds decimal strings, which SQL would compare as text or
// lossy floats.
func (s *Store) UpsertProcessedFill(fill model.ProcessedFill) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRow(
		`SELECT filled_quantity FROM processed_fills WHERE order_id = ?`, fill.OrderID,
	).Scan(&cur)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(
			`INSERT INTO processed_fills (order_id, filled_quantity, market_id, updated_at)
			 VALUES (?, ?, ?, ?)`,
			fill.OrderID, fill.FilledQuantity.String(), fill.MarketID, fill.UpdatedAt.Unix(),
		); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		prev, perr := decimal.NewFromString(cur)
		if perr != nil {
			return fmt.Errorf("corrupt filled_quantity %q for order %s: %w", cur, fill.OrderID, perr)
		}
		if !fill.FilledQuantity.GreaterThan(prev) {
			return nil
		}
		if _, err := tx.Exec(
			`UPDATE processed_fills SET filled_quantity = ?, updated_at = ? WHERE order_id = ?`,
			fill.FilledQuantity.String(), fill.UpdatedAt.Unix(), fill.OrderID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ProcessedFillsByMarket(marketID string) (map[string]decimal.Decimal, error) {
	rows, err := s.db.Query(
		`SELECT order_id, filled_quantity FROM processed_fills WHERE market_id = ?`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var orderID, qty string
		if err := rows.Scan(&orderID, &qty); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(qty)
		if err != nil {
			return nil, fmt.Errorf("corrupt filled_quantity %q for order %s: %w", qty, orderID, err)
		}
		out[orderID] = d
	}
	return out, rows.Err()
}

// PruneProcessedFills garbage-collects markers not touched since cutoff.
func (s *Store) PruneProcessedFills(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM processed_fills WHERE updated_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Strategy configs ---

func (s *Store) SaveStrategyConfig(cfg model.StrategyConfig) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal strategy config: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO strategy_configs (market_id, config, version) VALUES (?, ?, ?)`,
		cfg.MarketID, string(doc), cfg.Version,
	)
	return err
}

func (s *Store) StrategyConfigByMarket(marketID string) (model.StrategyConfig, error) {
	var doc string
	err := s.db.QueryRow(`SELECT config FROM strategy_configs WHERE market_id = ?`, marketID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StrategyConfig{}, ErrNotFound
	}
	if err != nil {
		return model.StrategyConfig{}, err
	}
	var cfg model.StrategyConfig
	if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
		return model.StrategyConfig{}, fmt.Errorf("decode strategy config %s: %w", marketID, err)
	}
	return cfg, nil
}

// --- Terms / welcome gates ---

func (s *Store) TermsAccepted(owner string) (bool, error) {
	var at int64
	err := s.db.QueryRow(`SELECT accepted_at FROM terms_acceptance WHERE owner_address = ?`, normalizeOwner(owner)).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) AcceptTerms(owner string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO terms_acceptance (owner_address, accepted_at) VALUES (?, ?)`,
		normalizeOwner(owner), at.Unix(),
	)
	return err
}

func (s *Store) WelcomeSeen(owner string) (bool, error) {
	var at int64
	err := s.db.QueryRow(`SELECT seen_at FROM welcome_seen WHERE owner_address = ?`, normalizeOwner(owner)).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) MarkWelcomeSeen(owner string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO welcome_seen (owner_address, seen_at) VALUES (?, ?)`,
		normalizeOwner(owner), at.Unix(),
	)
	return err
}
