package fulfill

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const defaultFeedPing = 5 * time.Second

// feedSubscription asks the exchange push feed for order updates on a set
// of markets.
type feedSubscription struct {
	Topic     string   `json:"topic"`
	MarketIDs []string `json:"market_ids"`
}

type feedSubscribeRequest struct {
	Action        string             `json:"action"`
	Subscriptions []feedSubscription `json:"subscriptions"`
}

// FeedMessage is the push-feed envelope.
type FeedMessage struct {
	Topic     string          `json:"topic"`
	MarketID  string          `json:"market_id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// FeedOptions tunes the feed connection.
type FeedOptions struct {
	PingInterval time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
}

func (o FeedOptions) withDefaults() FeedOptions {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultFeedPing
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 15 * time.Second
	}
	return o
}

// StartFeed connects to the exchange order-update push feed and kicks the
// engine's poller for each affected market, pulling fill detection ahead
// of the timer tick. Pure accelerator: the poller stays the source of
// truth, so feed loss only costs latency, never correctness. Reconnects
// with jittered backoff until ctx ends.
func StartFeed(ctx context.Context, url string, marketIDs []string, engine *Engine, opts FeedOptions) <-chan error {
	opts = opts.withDefaults()
	errCh := make(chan error, 16)

	go func() {
		defer close(errCh)

		backoff := opts.BackoffMin
		for {
			if ctx.Err() != nil {
				return
			}

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			if err != nil {
				emitFeedErr(errCh, fmt.Errorf("feed dial: %w", err))
				sleepWithJitter(ctx, backoff)
				backoff = nextBackoff(backoff, opts.BackoffMax)
				continue
			}

			backoff = opts.BackoffMin

			if err := runFeedSession(ctx, conn, marketIDs, engine, opts.PingInterval); err != nil && ctx.Err() == nil {
				emitFeedErr(errCh, err)
			}

			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			sleepWithJitter(ctx, backoff)
			backoff = nextBackoff(backoff, opts.BackoffMax)
		}
	}()

	return errCh
}

func runFeedSession(ctx context.Context, conn *websocket.Conn, marketIDs []string, engine *Engine, pingInterval time.Duration) error {
	req := feedSubscribeRequest{
		Action:        "subscribe",
		Subscriptions: []feedSubscription{{Topic: "order_updates", MarketIDs: marketIDs}},
	}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("feed subscribe marshal: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, reqBytes); err != nil {
		return fmt.Errorf("feed subscribe write: %w", err)
	}

	var writeMu sync.Mutex
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	go func() {
		defer stopAll()
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
				werr := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
				writeMu.Unlock()
				if werr != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			stopAll()
			if errors.Is(err, websocket.ErrCloseSent) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("feed read: %w", err)
		}

		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		if len(msg) == 0 || string(msg) == "pong" || string(msg) == "ping" {
			continue
		}

		var m FeedMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			continue
		}
		if m.Topic != "order_updates" || m.MarketID == "" {
			continue
		}
		engine.Kick(m.MarketID)
	}
}

func emitFeedErr(ch chan<- error, err error) {
	if err == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	j := int64(d) / 7
	if j > 0 {
		d = time.Duration(int64(d) + rand.Int64N(2*j+1) - j)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
