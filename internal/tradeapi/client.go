// Package tradeapi implements the REST client for the exchange trading API.
//
// Transport errors are converted at this boundary into the typed envelopes
// of internal/errs; callers never inspect HTTP statuses or body strings.
// 429 responses are retried here with capped exponential backoff per the
// API's contract; every other error status propagates unchanged.
package tradeapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/o2-exchange/trading-bot-sub002/internal/errs"
	"github.com/o2-exchange/trading-bot-sub002/internal/model"
	"github.com/o2-exchange/trading-bot-sub002/internal/signer"
)

const (
	defaultTimeout = 15 * time.Second

	// Rate-limit retry contract: 1s/2s/4s, max 3 attempts.
	rateLimitInitialBackoff = time.Second
	rateLimitMaxAttempts    = 3
)

type Client struct {
	host       string
	httpClient *http.Client
	identity   string // owner/account identity header value
	limiter    *rate.Limiter

	retryBackoff time.Duration // initial 429 backoff, shrunk in tests
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps outbound request rate client-side, keeping the agent
// below the server's 429 threshold during polling bursts.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

func NewClient(host, identity string, opts ...Option) (*Client, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if !strings.HasPrefix(host, "http") {
		return nil, fmt.Errorf("trade api host must be http(s), got %q", host)
	}
	c := &Client{
		host:         host,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		identity:     identity,
		limiter:      rate.NewLimiter(rate.Limit(20), 40),
		retryBackoff: rateLimitInitialBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// --- Requests & responses ---

type createAccountReq struct {
	OwnerAddress string `json:"owner_address"`
}

type createAccountResp struct {
	AccountID string `json:"account_id"`
	Nonce     uint64 `json:"nonce"`
}

// CreateTradingAccount creates (or returns the existing) trading account
// for the owner. Idempotent on the server side.
func (c *Client) CreateTradingAccount(ctx context.Context, owner string) (model.TradingAccount, error) {
	var resp createAccountResp
	if err := c.doJSON(ctx, http.MethodPost, "/accounts", nil, createAccountReq{OwnerAddress: owner}, &resp); err != nil {
		return model.TradingAccount{}, fmt.Errorf("create trading account: %w", err)
	}
	if resp.AccountID == "" {
		return model.TradingAccount{}, errs.New(errs.CategoryUnexpected, errs.CodeInternal,
			errs.WithMessage("create trading account: empty account id"))
	}
	return model.TradingAccount{
		ID:           resp.AccountID,
		OwnerAddress: owner,
		Nonce:        resp.Nonce,
		CreatedAt:    time.Now(),
	}, nil
}

// GetAccount fetches the current server-side view of a trading account,
// used for explicit nonce refresh before a retried submission.
func (c *Client) GetAccount(ctx context.Context, accountID string) (model.TradingAccount, error) {
	var resp createAccountResp
	if err := c.doJSON(ctx, http.MethodGet, "/accounts/"+accountID, nil, nil, &resp); err != nil {
		return model.TradingAccount{}, fmt.Errorf("get account %s: %w", accountID, err)
	}
	return model.TradingAccount{ID: resp.AccountID, Nonce: resp.Nonce}, nil
}

// CreateSession registers a signed delegation envelope with the API
// (sponsored flow: the backend pays gas and performs the on-chain
// registration).
func (c *Client) CreateSession(ctx context.Context, env signer.DelegationEnvelope) error {
	if err := c.doJSON(ctx, http.MethodPost, "/sessions", nil, env, nil); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Action is a single order action inside a transaction.
type Action struct {
	Type         string   `json:"type"` // "place_order" | "cancel_order"
	MarketID     string   `json:"market_id"`
	Side         string   `json:"side,omitempty"`
	Price        string   `json:"price,omitempty"`
	Size         string   `json:"size,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	CancelOrders []string `json:"cancel_orders,omitempty"`
}

// SubmitRequest is an authenticated transaction carrying order actions.
type SubmitRequest struct {
	Actions        []Action `json:"actions"`
	Signature      string   `json:"signature"`
	Nonce          uint64   `json:"nonce"`
	TradeAccountID string   `json:"trade_account_id"`
	SessionID      string   `json:"session_id"`
	CollectOrders  bool     `json:"collect_orders,omitempty"`
}

// SubmitResult carries the transaction id and, when requested, the orders
// the transaction produced.
type SubmitResult struct {
	TxID   string        `json:"tx_id"`
	Orders []model.Order `json:"orders,omitempty"`
}

// SubmitTransaction submits a session-signed transaction.
func (c *Client) SubmitTransaction(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	var resp SubmitResult
	if err := c.doJSON(ctx, http.MethodPost, "/transactions", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("submit transaction: %w", err)
	}
	return &resp, nil
}

// OrdersQuery filters GetOrders.
type OrdersQuery struct {
	MarketID  string
	Contract  string
	IsOpen    bool
	Direction string // "asc" | "desc" by creation time
	Count     int
}

func (c *Client) GetOrders(ctx context.Context, q OrdersQuery) ([]model.Order, error) {
	params := url.Values{}
	params.Set("market_id", q.MarketID)
	if q.Contract != "" {
		params.Set("contract", q.Contract)
	}
	params.Set("is_open", strconv.FormatBool(q.IsOpen))
	if q.Direction != "" {
		params.Set("direction", q.Direction)
	}
	if q.Count > 0 {
		params.Set("count", strconv.Itoa(q.Count))
	}

	var resp struct {
		Orders []model.Order `json:"orders"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/orders", params, nil, &resp); err != nil {
		return nil, fmt.Errorf("get orders: %w", err)
	}
	return resp.Orders, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID, marketID string) (*model.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errs.New(errs.CategoryUnexpected, errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	params := url.Values{"market_id": []string{marketID}}
	var resp struct {
		Order *model.Order `json:"order"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/orders/"+orderID, params, nil, &resp); err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	if resp.Order == nil {
		return nil, errs.New(errs.CategoryUnexpected, errs.CodeNotFound,
			errs.WithMessage("order missing in response"))
	}
	return resp.Order, nil
}

// BookLevel is one price level of the order book.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is the top-of-book snapshot used for paired-sell pricing.
type OrderBook struct {
	MarketID string      `json:"market_id"`
	Bids     []BookLevel `json:"bids"`
	Asks     []BookLevel `json:"asks"`
}

// BestBid returns the highest bid, or false when the book is empty.
func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	if b == nil || len(b.Bids) == 0 {
		return decimal.Decimal{}, false
	}
	best := b.Bids[0].Price
	for _, lvl := range b.Bids[1:] {
		if lvl.Price.GreaterThan(best) {
			best = lvl.Price
		}
	}
	return best, true
}

func (c *Client) GetOrderBook(ctx context.Context, marketID string) (*OrderBook, error) {
	params := url.Values{"market_id": []string{marketID}}
	var book OrderBook
	if err := c.doJSON(ctx, http.MethodGet, "/book", params, nil, &book); err != nil {
		return nil, fmt.Errorf("get order book: %w", err)
	}
	return &book, nil
}

func (c *Client) GetMarket(ctx context.Context, marketID string) (*model.Market, error) {
	var mkt model.Market
	if err := c.doJSON(ctx, http.MethodGet, "/markets/"+marketID, nil, nil, &mkt); err != nil {
		return nil, fmt.Errorf("get market %s: %w", marketID, err)
	}
	return &mkt, nil
}

// GetBalance returns the available balance of a token for the account.
func (c *Client) GetBalance(ctx context.Context, accountID, token string) (decimal.Decimal, error) {
	params := url.Values{
		"account_id": []string{accountID},
		"token":      []string{token},
	}
	var resp struct {
		Available decimal.Decimal `json:"available"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/balances", params, nil, &resp); err != nil {
		return decimal.Decimal{}, fmt.Errorf("get balance: %w", err)
	}
	return resp.Available, nil
}

// --- Transport ---

func (c *Client) doJSON(ctx context.Context, method, path string, params url.Values, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBackoff
	bo.RandomizationFactor = 0
	bo.Multiplier = 2

	var lastErr error
	for attempt := 0; attempt < rateLimitMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errs.New(errs.CategoryTransient, errs.CodeNetwork, errs.WithCause(ctx.Err()))
			case <-time.After(bo.NextBackOff()):
			}
		}
		lastErr = c.doOnce(ctx, method, path, params, body, out)
		if lastErr == nil || !errs.RateLimited(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New(errs.CategoryTransient, errs.CodeNetwork, errs.WithCause(err))
	}

	u := c.host + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errs.New(errs.CategoryUnexpected, errs.CodeInternal, errs.WithCause(err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.identity != "" {
		req.Header.Set("X-O2-Identity", c.identity)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.New(errs.CategoryTransient, errs.CodeNetwork, errs.WithCause(err))
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return errs.New(errs.CategoryTransient, errs.CodeNetwork, errs.WithCause(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(method, path, resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return errs.New(errs.CategoryUnexpected, errs.CodeInternal,
			errs.WithMessage(fmt.Sprintf("decode %s response: %v", path, err)))
	}
	return nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classifyStatus converts an HTTP error response into the typed taxonomy.
func classifyStatus(method, path string, status int, body []byte) error {
	var payload apiError
	_ = json.Unmarshal(body, &payload)
	msg := payload.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	detail := fmt.Sprintf("%s %s: %s", method, path, msg)

	switch {
	case status == http.StatusTooManyRequests:
		return errs.New(errs.CategoryTransient, errs.CodeRateLimited,
			errs.WithHTTP(status), errs.WithMessage(detail))
	case status == http.StatusNotFound:
		return errs.New(errs.CategoryDefinitiveLocal, errs.CodeNotFound,
			errs.WithHTTP(status), errs.WithMessage(detail))
	case isInsufficientBalance(payload, msg):
		return errs.New(errs.CategoryTransient, errs.CodeInsufficientBalance,
			errs.WithHTTP(status), errs.WithMessage(detail))
	case status >= 500:
		return errs.New(errs.CategoryTransient, errs.CodeNetwork,
			errs.WithHTTP(status), errs.WithMessage(detail))
	default:
		return errs.New(errs.CategoryUnexpected, errs.CodeInvalid,
			errs.WithHTTP(status), errs.WithMessage(detail))
	}
}

func isInsufficientBalance(payload apiError, msg string) bool {
	if payload.Code == "insufficient_balance" {
		return true
	}
	return strings.Contains(strings.ToLower(msg), "insufficient balance")
}
