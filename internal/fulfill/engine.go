// Package fulfill turns "an order's filled quantity increased" into updated
// price tracking and an optional profit-protected paired sell, exactly once
// per increment, across process restarts.
package fulfill

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/o2-exchange/trading-bot-sub002/internal/errs"
	"github.com/o2-exchange/trading-bot-sub002/internal/model"
	"github.com/o2-exchange/trading-bot-sub002/internal/store"
	"github.com/o2-exchange/trading-bot-sub002/internal/tradeapi"
)

// API is the read-side slice of the trading API the engine needs.
type API interface {
	GetOrders(ctx context.Context, q tradeapi.OrdersQuery) ([]model.Order, error)
	GetOrder(ctx context.Context, orderID, marketID string) (*model.Order, error)
	GetOrderBook(ctx context.Context, marketID string) (*tradeapi.OrderBook, error)
	GetMarket(ctx context.Context, marketID string) (*model.Market, error)
	GetBalance(ctx context.Context, accountID, token string) (decimal.Decimal, error)
}

// Submitter places orders under the account's session; satisfied by
// *session.Manager.
type Submitter interface {
	SubmitOrders(ctx context.Context, accountID string, actions []tradeapi.Action, collectOrders bool) (*tradeapi.SubmitResult, error)
	RefreshNonce(ctx context.Context, accountID string) error
}

// FillEvent is one detected fill increment.
type FillEvent struct {
	OrderID    string
	MarketID   string
	Side       model.Side
	Delta      decimal.Decimal
	Price      decimal.Decimal // actual execution price, not the limit
	PriceKnown bool
	At         time.Time
}

// Config carries the engine's timing and retry parameters.
type Config struct {
	PollInterval        time.Duration // fill-detection cadence
	RecentWindow        time.Duration // catch orders that filled before appearing open
	RecentCount         int
	BalancePoll         time.Duration // settlement-wait probe interval
	BalanceTimeout      time.Duration // settlement-wait budget
	InsufficientRetries int           // bounded retry on insufficient-balance only
	MarkerTTL           time.Duration // processed-fill GC horizon

	retryBackoff time.Duration // initial insufficient-balance backoff, shrunk in tests
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2500 * time.Millisecond
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 2 * time.Minute
	}
	if c.RecentCount <= 0 {
		c.RecentCount = 20
	}
	if c.BalancePoll <= 0 {
		c.BalancePoll = 250 * time.Millisecond
	}
	if c.BalanceTimeout <= 0 {
		c.BalanceTimeout = 1500 * time.Millisecond
	}
	if c.InsufficientRetries <= 0 {
		c.InsufficientRetries = 3
	}
	if c.MarkerTTL <= 0 {
		c.MarkerTTL = 24 * time.Hour
	}
	if c.retryBackoff <= 0 {
		c.retryBackoff = time.Second
	}
	return c
}

// Engine owns one poller per started market. Constructed once and shared.
type Engine struct {
	cfg    Config
	api    API
	sub    Submitter
	st     *store.Store
	onFill func(FillEvent) // optional sink for detected fills

	mu      sync.Mutex
	markets map[string]*marketRun
}

type marketRun struct {
	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithFillHook registers a sink invoked synchronously for every detected
// fill increment.
func WithFillHook(fn func(FillEvent)) Option {
	return func(e *Engine) { e.onFill = fn }
}

func NewEngine(cfg Config, api API, sub Submitter, st *store.Store, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg.withDefaults(),
		api:     api,
		sub:     sub,
		st:      st,
		markets: make(map[string]*marketRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// tracker is the per-market working state of the poll loop.
type tracker struct {
	marketID  string
	accountID string
	market    model.Market
	strategy  model.StrategyConfig

	dedup     map[string]decimal.Decimal // order id -> last processed filled qty
	prevOpen  map[string]struct{}
	lastPrune time.Time
}

func (e *Engine) newTracker(ctx context.Context, marketID, accountID string) (*tracker, error) {
	mkt, err := e.api.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	strat, err := e.st.StrategyConfigByMarket(marketID)
	if err != nil {
		return nil, fmt.Errorf("strategy config for %s: %w", marketID, err)
	}
	return &tracker{
		marketID:  marketID,
		accountID: accountID,
		market:    *mkt,
		strategy:  strat,
		prevOpen:  make(map[string]struct{}),
	}, nil
}

// StartMarket begins fill polling for the market. Idempotent per market.
func (e *Engine) StartMarket(ctx context.Context, marketID, accountID string) error {
	e.mu.Lock()
	if _, running := e.markets[marketID]; running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	t, err := e.newTracker(ctx, marketID, accountID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &marketRun{cancel: cancel, kick: make(chan struct{}, 1), done: make(chan struct{})}

	e.mu.Lock()
	if _, running := e.markets[marketID]; running {
		e.mu.Unlock()
		cancel()
		return nil
	}
	e.markets[marketID] = run
	e.mu.Unlock()

	go e.loop(runCtx, t, run)
	log.Printf("[info] fill polling started for market %s (every %s)", marketID, e.cfg.PollInterval)
	return nil
}

// StopMarket tears down the market's poller and waits for it to exit.
func (e *Engine) StopMarket(marketID string) {
	e.mu.Lock()
	run, ok := e.markets[marketID]
	if ok {
		delete(e.markets, marketID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	run.cancel()
	<-run.done
	log.Printf("[info] fill polling stopped for market %s", marketID)
}

// StopAll tears down every active poller; orphaned polls against a
// torn-down session are not allowed.
func (e *Engine) StopAll() {
	e.mu.Lock()
	runs := make(map[string]*marketRun, len(e.markets))
	for id, run := range e.markets {
		runs[id] = run
		delete(e.markets, id)
	}
	e.mu.Unlock()
	for id, run := range runs {
		run.cancel()
		<-run.done
		log.Printf("[info] fill polling stopped for market %s", id)
	}
}

// Kick schedules an immediate poll cycle ahead of the timer, used by the
// realtime feed. Harmless no-op for unknown markets.
func (e *Engine) Kick(marketID string) {
	e.mu.Lock()
	run, ok := e.markets[marketID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case run.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context, t *tracker, run *marketRun) {
	defer close(run.done)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-run.kick:
		}
		e.runCycle(ctx, t)
	}
}

// runCycle is one fill-detection pass over the market.
func (e *Engine) runCycle(ctx context.Context, t *tracker) {
	if t.dedup == nil {
		markers, err := e.st.ProcessedFillsByMarket(t.marketID)
		if err != nil {
			log.Printf("[warn] hydrate fill markers for %s: %v", t.marketID, err)
			return
		}
		t.dedup = markers
	}

	open, err := e.api.GetOrders(ctx, tradeapi.OrdersQuery{MarketID: t.marketID, IsOpen: true})
	if err != nil {
		log.Printf("[warn] poll open orders %s: %v", t.marketID, err)
		return
	}

	// Orders that filled so fast they never showed up open.
	recent, err := e.api.GetOrders(ctx, tradeapi.OrdersQuery{
		MarketID:  t.marketID,
		IsOpen:    false,
		Direction: "desc",
		Count:     e.cfg.RecentCount,
	})
	if err != nil {
		log.Printf("[warn] poll recent orders %s: %v", t.marketID, err)
		recent = nil
	}

	cutoff := time.Now().Add(-e.cfg.RecentWindow).Unix()
	candidates := make(map[string]model.Order, len(open)+len(recent))
	openNow := make(map[string]struct{}, len(open))
	for _, o := range open {
		candidates[o.ID] = o
		openNow[o.ID] = struct{}{}
	}
	for _, o := range recent {
		if o.CreatedAt < cutoff {
			continue
		}
		if _, ok := candidates[o.ID]; !ok {
			candidates[o.ID] = o
		}
	}

	// Orders that disappeared from the open set: re-fetch terminal state
	// for the final delta.
	for id := range t.prevOpen {
		if _, ok := candidates[id]; ok {
			continue
		}
		o, gerr := e.api.GetOrder(ctx, id, t.marketID)
		if gerr != nil {
			log.Printf("[warn] re-fetch closed order %s: %v", id, gerr)
			continue
		}
		candidates[id] = *o
	}
	t.prevOpen = openNow

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		e.handleOrder(ctx, t, candidates[id])
	}

	e.maybePrune(t)
}

func (e *Engine) handleOrder(ctx context.Context, t *tracker, o model.Order) {
	last := t.dedup[o.ID]
	delta := o.FilledQuantity.Sub(last)
	if delta.Sign() <= 0 {
		return
	}

	// Durability before side effects: a crash after this write re-detects
	// nothing; a crash before it re-detects the same delta next cycle.
	err := e.st.UpsertProcessedFill(model.ProcessedFill{
		OrderID:        o.ID,
		FilledQuantity: o.FilledQuantity,
		MarketID:       t.marketID,
		UpdatedAt:      time.Now(),
	})
	if err != nil {
		log.Printf("[warn] persist fill marker %s: %v", o.ID, err)
		return
	}
	t.dedup[o.ID] = o.FilledQuantity

	ev := FillEvent{
		OrderID:    o.ID,
		MarketID:   t.marketID,
		Side:       o.Side,
		Delta:      delta,
		Price:      o.AvgFillPrice,
		PriceKnown: o.AvgFillPrice.Sign() > 0,
		At:         time.Now(),
	}
	log.Printf("[info] fill %s %s +%s @ %s (order %s)",
		t.marketID, o.Side, delta, o.AvgFillPrice, o.ID)
	if e.onFill != nil {
		e.onFill(ev)
	}

	if ev.PriceKnown {
		switch o.Side {
		case model.SideBuy:
			t.strategy.RecordBuyFill(o.AvgFillPrice)
		case model.SideSell:
			t.strategy.RecordSellFill(o.AvgFillPrice)
		}
		if serr := e.st.SaveStrategyConfig(t.strategy); serr != nil {
			log.Printf("[warn] persist strategy config %s: %v", t.marketID, serr)
		}
	} else {
		// A tracked price must be an executed price; better no update than
		// a wrong floor.
		log.Printf("[warn] order %s fill without execution price, skipping price tracking", o.ID)
	}

	if o.Side == model.SideBuy {
		e.placePairedSell(ctx, t, delta)
	}
}

// placePairedSell submits the profit-protected sell for a buy increment.
func (e *Engine) placePairedSell(ctx context.Context, t *tracker, qty decimal.Decimal) {
	// A single paired sell never exceeds the strategy's configured order
	// size.
	if limit := t.strategy.OrderSize; limit.Sign() > 0 && qty.GreaterThan(limit) {
		qty = limit
	}
	size := FloorToStep(qty, t.market.StepSize)
	if size.Sign() <= 0 || size.LessThan(t.market.MinOrderSize) {
		log.Printf("[info] paired sell skipped for %s: size %s below market minimum", t.marketID, size)
		return
	}

	if !e.awaitSettlement(ctx, t, size) {
		log.Printf("[warn] paired sell skipped for %s: balance never settled", t.marketID)
		return
	}

	var bestBid decimal.Decimal
	hasBid := false
	book, err := e.api.GetOrderBook(ctx, t.marketID)
	if err != nil {
		log.Printf("[warn] order book %s: %v", t.marketID, err)
	} else {
		bestBid, hasBid = book.BestBid()
	}

	price, ok := SellPrice(t.strategy, bestBid, hasBid, t.market.TickSize)
	if !ok {
		log.Printf("[info] paired sell skipped for %s: no reference price", t.marketID)
		return
	}

	action := tradeapi.Action{
		Type:     "place_order",
		MarketID: t.marketID,
		Side:     string(model.SideSell),
		Price:    price.String(),
		Size:     size.String(),
		ClientID: uuid.NewString(),
	}

	pol := backoff.NewExponentialBackOff()
	pol.InitialInterval = e.cfg.retryBackoff
	pol.RandomizationFactor = 0
	pol.Multiplier = 2

	for attempt := 1; ; attempt++ {
		_, err := e.sub.SubmitOrders(ctx, t.accountID, []tradeapi.Action{action}, false)
		if err == nil {
			log.Printf("[info] paired sell placed on %s: %s @ %s", t.marketID, size, price)
			return
		}
		// Only settlement lag earns a retry; anything else surfaces to the
		// next poll cycle.
		if !errs.HasCode(err, errs.CodeInsufficientBalance) || attempt >= e.cfg.InsufficientRetries {
			log.Printf("[warn] paired sell failed on %s (attempt %d): %v", t.marketID, attempt, err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pol.NextBackOff()):
		}
		if rerr := e.sub.RefreshNonce(ctx, t.accountID); rerr != nil {
			log.Printf("[warn] nonce refresh before retry: %v", rerr)
		}
	}
}

// awaitSettlement polls the base-token balance until it covers the sell
// size or the budget runs out. The balance API lags fills.
func (e *Engine) awaitSettlement(ctx context.Context, t *tracker, size decimal.Decimal) bool {
	deadline := time.Now().Add(e.cfg.BalanceTimeout)
	for {
		bal, err := e.api.GetBalance(ctx, t.accountID, t.market.BaseToken)
		if err != nil {
			log.Printf("[warn] balance probe %s: %v", t.marketID, err)
		} else if bal.GreaterThanOrEqual(size) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.cfg.BalancePoll):
		}
	}
}

func (e *Engine) maybePrune(t *tracker) {
	if time.Since(t.lastPrune) < time.Hour {
		return
	}
	t.lastPrune = time.Now()
	n, err := e.st.PruneProcessedFills(time.Now().Add(-e.cfg.MarkerTTL))
	if err != nil {
		log.Printf("[warn] prune fill markers: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[info] pruned %d stale fill markers", n)
	}
}
