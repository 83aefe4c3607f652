// Package model holds the durable data model shared by the store, the
// session lifecycle manager and the fulfillment engine.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradingAccount is the on-chain account that holds balances and is the
// subject of orders; distinct from the owner wallet address. One per owner
// address, created idempotently and cached locally by owner.
type TradingAccount struct {
	ID           string
	OwnerAddress string
	Nonce        uint64
	CreatedAt    time.Time
}

// Session is a time-boxed, scope-limited delegation of signing authority
// from an owner wallet to an ephemeral keypair. At most one active session
// per trading account; superseded sessions are marked inactive, never
// otherwise mutated after creation.
type Session struct {
	ID             string // ephemeral signer address
	TradeAccountID string
	OwnerAddress   string
	ContractIDs    []string
	Expiry         int64 // unix seconds
	CreatedAt      time.Time
	IsActive       bool
}

// Expired reports whether the session expiry is in the past at now.
func (s *Session) Expired(now time.Time) bool {
	return s.Expiry <= now.Unix()
}

// SessionKey is the encrypted-at-rest form of a session's private key.
// The raw key never exists outside transient memory and this record.
type SessionKey struct {
	ID                  string // session id
	EncryptedPrivateKey []byte
	Salt                []byte
	IV                  []byte
	CreatedAt           time.Time
}

// ProcessedFill is the durable de-duplication marker for fill detection:
// one row per order, FilledQuantity monotonically non-decreasing.
type ProcessedFill struct {
	OrderID        string
	FilledQuantity decimal.Decimal
	MarketID       string
	UpdatedAt      time.Time
}

// StrategyConfig holds the per-market trading strategy parameters plus the
// fill-tracking state mutated by the fulfillment engine after confirmed
// fills. Version increments on every mutation for conflict visibility.
type StrategyConfig struct {
	MarketID         string          `yaml:"market_id" json:"market_id"`
	OrderSize        decimal.Decimal `yaml:"order_size" json:"order_size"`
	TakeProfitRate   decimal.Decimal `yaml:"take_profit_rate" json:"take_profit_rate"`
	ProfitProtection bool            `yaml:"profit_protection" json:"profit_protection"`

	// Fill tracking. Averages use the last fill price, not a windowed
	// average, so a stale early fill cannot hold the profit floor down.
	LastBuyPrices    []decimal.Decimal `yaml:"-" json:"last_buy_prices"`
	LastSellPrices   []decimal.Decimal `yaml:"-" json:"last_sell_prices"`
	AverageBuyPrice  decimal.Decimal   `yaml:"-" json:"average_buy_price"`
	AverageSellPrice decimal.Decimal   `yaml:"-" json:"average_sell_price"`

	Version int64 `yaml:"-" json:"version"`
}

// RecordBuyFill appends the executed price and moves the tracked average to
// the last fill price.
func (c *StrategyConfig) RecordBuyFill(price decimal.Decimal) {
	c.LastBuyPrices = append(c.LastBuyPrices, price)
	c.AverageBuyPrice = price
	c.Version++
}

// RecordSellFill appends the executed price and moves the tracked average to
// the last fill price.
func (c *StrategyConfig) RecordSellFill(price decimal.Decimal) {
	c.LastSellPrices = append(c.LastSellPrices, price)
	c.AverageSellPrice = price
	c.Version++
}

// Order mirrors the trading API order payload.
type Order struct {
	ID             string          `json:"id"`
	ClientID       string          `json:"client_id,omitempty"`
	MarketID       string          `json:"market_id"`
	Side           Side            `json:"side"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Size           decimal.Decimal `json:"size"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Status         string          `json:"status"`
	CreatedAt      int64           `json:"created_at"`
}

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Market describes the precision rails an order must respect.
type Market struct {
	ID            string          `json:"id"`
	BaseToken     string          `json:"base_token"`
	QuoteToken    string          `json:"quote_token"`
	StepSize      decimal.Decimal `json:"step_size"`
	TickSize      decimal.Decimal `json:"tick_size"`
	MinOrderSize  decimal.Decimal `json:"min_order_size"`
	PriceDecimals int32           `json:"price_decimals"`
	SizeDecimals  int32           `json:"size_decimals"`
}
