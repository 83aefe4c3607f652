// Package nonce owns the single source of truth for the next valid
// transaction nonce per trading account.
//
// The in-memory counter is authoritative for the lifetime of the process;
// the store backs it across restarts. The counter is advanced synchronously
// (no await between allocation and increment), so submissions serialized by
// the caller can never observe a duplicate.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/o2-exchange/trading-bot-sub002/internal/store"
)

// ErrDurability marks a nonce persist failure after a successful order
// submission. The submission itself succeeded and the in-memory counter is
// correct; callers log the warning and continue.
var ErrDurability = errors.New("nonce persisted value may lag in-memory counter")

const (
	persistAttempts       = 3
	persistInitialBackoff = 100 * time.Millisecond
)

type Coordinator struct {
	mu    sync.Mutex
	store *store.Store
	cache map[string]uint64 // account id → next valid nonce

	persistBackoff time.Duration
}

func NewCoordinator(st *store.Store) *Coordinator {
	return &Coordinator{
		store:          st,
		cache:          make(map[string]uint64),
		persistBackoff: persistInitialBackoff,
	}
}

// Next returns the nonce to use for the account's next submission,
// hydrating from the store on first access.
func (c *Coordinator) Next(accountID string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.cache[accountID]; ok {
		return n, nil
	}
	n, err := c.store.Nonce(accountID)
	if err != nil {
		return 0, fmt.Errorf("hydrate nonce for %s: %w", accountID, err)
	}
	c.cache[accountID] = n
	return n, nil
}

// Advance records that nonce `used` was consumed by a successful
// submission: the in-memory counter moves to used+1 immediately, then the
// new value is persisted with bounded retry. A persist failure is reported
// as an ErrDurability-wrapped warning, never as a hard error.
func (c *Coordinator) Advance(ctx context.Context, accountID string, used uint64) error {
	c.mu.Lock()
	next := used + 1
	if cur, ok := c.cache[accountID]; ok && cur > next {
		// Never decrement.
		next = cur
	}
	c.cache[accountID] = next
	c.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.persistBackoff
	bo.RandomizationFactor = 0

	var lastErr error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				return fmt.Errorf("%w: %v", ErrDurability, lastErr)
			case <-time.After(bo.NextBackOff()):
			}
		}
		if lastErr = c.store.SaveNonce(accountID, next); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrDurability, lastErr)
}

// Override replaces the cached nonce after an explicit remote refresh.
// Refusing to move backwards keeps the never-decrement invariant even if
// the remote read is stale.
func (c *Coordinator) Override(accountID string, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.cache[accountID]; ok && cur > n {
		return
	}
	c.cache[accountID] = n
}

// Forget drops the cached counter, forcing re-hydration on next access.
// Used when the account's session is torn down.
func (c *Coordinator) Forget(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, accountID)
}
