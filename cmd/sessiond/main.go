// sessiond runs the delegated-session trading agent: it drives onboarding
// to a ready session, then polls fills and places profit-protected paired
// sells until terminated.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/o2-exchange/trading-bot-sub002/internal/authflow"
	"github.com/o2-exchange/trading-bot-sub002/internal/config"
	"github.com/o2-exchange/trading-bot-sub002/internal/dotenv"
	"github.com/o2-exchange/trading-bot-sub002/internal/eligibility"
	"github.com/o2-exchange/trading-bot-sub002/internal/fulfill"
	"github.com/o2-exchange/trading-bot-sub002/internal/jsonl"
	"github.com/o2-exchange/trading-bot-sub002/internal/keystore"
	"github.com/o2-exchange/trading-bot-sub002/internal/model"
	"github.com/o2-exchange/trading-bot-sub002/internal/nonce"
	"github.com/o2-exchange/trading-bot-sub002/internal/session"
	"github.com/o2-exchange/trading-bot-sub002/internal/signer"
	"github.com/o2-exchange/trading-bot-sub002/internal/store"
	"github.com/o2-exchange/trading-bot-sub002/internal/tradeapi"
)

type args struct {
	apiHost        string
	chainRPC       string
	feedURL        string
	dbPath         string
	strategiesPath string
	outFile        string
	contractID     string
	chainID        int64
	sessionTTL     time.Duration
	pollInterval   time.Duration
	acceptTerms    bool
	invitationCode string
	enableTrading  bool

	privateKeyHex   string
	sessionPassword string
}

func parseArgs() (args, error) {
	var a args
	flag.StringVar(&a.apiHost, "api-host", dotenv.Get("O2_API_HOST", "https://api.o2.exchange"), "trading API base URL")
	flag.StringVar(&a.chainRPC, "chain-rpc", dotenv.Get("O2_CHAIN_RPC", ""), "chain RPC endpoint for on-chain session checks (optional)")
	flag.StringVar(&a.feedURL, "feed-url", dotenv.Get("O2_FEED_URL", ""), "order-update push feed websocket URL (optional)")
	flag.StringVar(&a.dbPath, "db", dotenv.Get("O2_DB_PATH", "./data/sessiond.db"), "sqlite database path")
	flag.StringVar(&a.strategiesPath, "strategies", dotenv.Get("O2_STRATEGIES", "./strategies.yaml"), "strategies file")
	flag.StringVar(&a.outFile, "out", dotenv.Get("O2_EVENT_LOG", "./out/events.jsonl"), "JSONL event log path (empty disables)")
	flag.StringVar(&a.contractID, "contract-id", dotenv.Get("O2_CONTRACT_ID", "exchange.o2"), "exchange contract the session is scoped to")
	flag.Int64Var(&a.chainID, "chain-id", 1, "chain id for delegation signing")
	flag.DurationVar(&a.sessionTTL, "session-ttl", 24*time.Hour, "delegation validity window")
	flag.DurationVar(&a.pollInterval, "poll-interval", 2500*time.Millisecond, "fill polling cadence")
	flag.BoolVar(&a.acceptTerms, "accept-terms", false, "accept the exchange terms of service on this machine")
	flag.StringVar(&a.invitationCode, "invitation-code", dotenv.Get("O2_INVITATION_CODE", ""), "invitation code for gated accounts")
	flag.BoolVar(&a.enableTrading, "enable-trading", false, "place real orders (default is dry-run: onboard only)")
	flag.Parse()

	if v := dotenv.Get("O2_CHAIN_ID", ""); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return args{}, err
		}
		a.chainID = id
	}

	var err error
	if a.privateKeyHex, err = dotenv.Require("O2_PRIVATE_KEY"); err != nil {
		return args{}, err
	}
	if a.sessionPassword, err = dotenv.Require("O2_SESSION_PASSWORD"); err != nil {
		return args{}, err
	}
	return a, nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := dotenv.Load(); err != nil {
		log.Printf("[warn] %v", err)
	}
	parsed, err := parseArgs()
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	startedAt := time.Now()

	eventLog, err := jsonl.Open(parsed.outFile)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	if eventLog != nil {
		log.Printf("Event log: %s (JSONL)", parsed.outFile)
	}
	defer func() {
		logEvent(eventLog, sessionLogEvent{
			TsMs: time.Now().UnixMilli(), Event: "shutdown",
			Mode: runMode(parsed.enableTrading), UptimeMs: time.Since(startedAt).Milliseconds(),
		})
		if err := eventLog.Close(); err != nil {
			log.Printf("[warn] event log close: %v", err)
		}
	}()

	strategies, err := config.LoadStrategies(parsed.strategiesPath)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	st, err := store.Open(parsed.dbPath)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	defer st.Close()

	ks, err := keystore.New(parsed.sessionPassword)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	wallet, err := signer.NewLocalWallet(parsed.privateKeyHex)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	owner := wallet.Address().Hex()

	var validator signer.SessionValidator
	var chainLookup eligibility.ChainLookup
	if parsed.chainRPC != "" {
		cv, err := signer.NewChainValidator(parsed.chainRPC, parsed.contractID)
		if err != nil {
			log.Fatalf("[fatal] %v", err)
		}
		validator = cv
		chainLookup = cv
	} else {
		log.Printf("[cfg] no chain rpc configured; on-chain session checks disabled")
	}

	api, err := tradeapi.NewClient(parsed.apiHost, owner)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	eligAPI, err := eligibility.NewClient(parsed.apiHost)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	checker := eligibility.NewChecker(eligAPI, chainLookup)

	sessions := session.NewManager(
		session.Config{ChainID: parsed.chainID, ContractID: parsed.contractID, SessionTTL: parsed.sessionTTL},
		api, st, ks, nonce.NewCoordinator(st), wallet, validator,
	)

	machine := authflow.NewMachine(
		authflow.Config{Owner: owner, ContractIDs: []string{parsed.contractID}},
		sessions, api, checker, st,
	)

	engine := fulfill.NewEngine(
		fulfill.Config{PollInterval: parsed.pollInterval},
		api, sessions, st,
		fulfill.WithFillHook(func(ev fulfill.FillEvent) {
			logEvent(eventLog, sessionLogEvent{
				TsMs: ev.At.UnixMilli(), Event: "fill", Mode: runMode(parsed.enableTrading),
				Market: ev.MarketID, OrderID: ev.OrderID, Side: string(ev.Side),
				Delta: ev.Delta.String(), Price: ev.Price.String(),
			})
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		log.Printf("Shutting down...")
		cancel()
	}()

	log.Printf("Owner: %s", owner)
	log.Printf("API: %s", parsed.apiHost)
	log.Printf("Markets: %d", len(strategies))
	log.Printf("Dry-run: %v", !parsed.enableTrading)

	logEvent(eventLog, sessionLogEvent{
		TsMs: time.Now().UnixMilli(), Event: "start", Mode: runMode(parsed.enableTrading),
	})

	if err := run(ctx, parsed, machine, engine, st, strategies, eventLog); err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	engine.StopAll()
	machine.Abort()
}

// run drives the auth flow to ready, answering its user-input gates from
// configuration, then starts fill polling and blocks until shutdown.
func run(
	ctx context.Context,
	parsed args,
	machine *authflow.Machine,
	engine *fulfill.Engine,
	st *store.Store,
	strategies []model.StrategyConfig,
	eventLog *jsonl.Writer,
) error {
	// Sync file parameters into the store, preserving engine-owned fill
	// tracking across restarts.
	for _, s := range strategies {
		existing, err := st.StrategyConfigByMarket(s.MarketID)
		switch {
		case err == nil:
			existing.OrderSize = s.OrderSize
			existing.TakeProfitRate = s.TakeProfitRate
			existing.ProfitProtection = s.ProfitProtection
			s = existing
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if err := st.SaveStrategyConfig(s); err != nil {
			return err
		}
	}

	snaps, unsub := machine.Subscribe()
	defer unsub()
	machine.StartFlow()

	tradingStarted := false
	flowRetries := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-snaps:
			logEvent(eventLog, sessionLogEvent{
				TsMs: time.Now().UnixMilli(), Event: "flow_state",
				Mode: runMode(parsed.enableTrading), State: string(snap.State),
				SessionID: snap.SessionID, FlowError: snap.ErrMessage,
			})

			switch snap.State {
			case authflow.StateAwaitingTerms:
				if !parsed.acceptTerms {
					return fmt.Errorf("exchange terms not accepted; rerun with --accept-terms")
				}
				machine.AcceptTerms()

			case authflow.StateAwaitingInvitation:
				if parsed.invitationCode == "" {
					return fmt.Errorf("account requires an invitation code; set --invitation-code")
				}
				machine.AssignInvitationCode(parsed.invitationCode)

			case authflow.StateAwaitingSignature:
				machine.ConfirmSignature()

			case authflow.StateSignatureDeclined:
				return fmt.Errorf("delegation signature declined")

			case authflow.StateAwaitingWelcome:
				machine.DismissWelcome()

			case authflow.StateError:
				flowRetries++
				if flowRetries > 3 {
					return fmt.Errorf("auth flow failed: %s", snap.ErrMessage)
				}
				log.Printf("[warn] auth flow error (retry %d/3): %s", flowRetries, snap.ErrMessage)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(2 * time.Second):
				}
				machine.StartFlow()

			case authflow.StateReady:
				if tradingStarted {
					continue
				}
				tradingStarted = true
				var accountID string
				if snap.Account != nil {
					accountID = snap.Account.ID
				}
				log.Printf("[info] session %s ready (account %s)", snap.SessionID, accountID)
				if !parsed.enableTrading {
					log.Printf("[info] dry-run: session ready, trading disabled")
					continue
				}
				if accountID == "" {
					return fmt.Errorf("ready without a trading account")
				}
				marketIDs := make([]string, 0, len(strategies))
				for _, s := range strategies {
					marketIDs = append(marketIDs, s.MarketID)
					if err := engine.StartMarket(ctx, s.MarketID, accountID); err != nil {
						log.Printf("[warn] start market %s: %v", s.MarketID, err)
					}
				}
				if parsed.feedURL != "" {
					feedErrs := fulfill.StartFeed(ctx, parsed.feedURL, marketIDs, engine, fulfill.FeedOptions{})
					go func() {
						for err := range feedErrs {
							log.Printf("[warn] feed: %v", err)
						}
					}()
				}
			}
		}
	}
}
