// Package eligibility answers whether an owner address may trade: an
// on-chain whitelist lookup first, falling back to the eligibility API when
// the chain is silent or unreachable.
package eligibility

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"

	"github.com/o2-exchange/trading-bot-sub002/internal/errs"
)

// Verdict is the tri-state outcome of an eligibility check.
type Verdict string

const (
	// VerdictWhitelisted means the address may trade now.
	VerdictWhitelisted Verdict = "whitelisted"
	// VerdictInvitationRequired means the address needs an invitation code
	// before it becomes eligible.
	VerdictInvitationRequired Verdict = "invitation_required"
	// VerdictDenied means the address is not eligible.
	VerdictDenied Verdict = "denied"
)

// Result carries the verdict plus the service's human-readable reason.
type Result struct {
	Verdict Verdict
	Reason  string
}

// ChainLookup is the on-chain whitelist capability; satisfied by
// *signer.ChainValidator. Errors mean "inconclusive", never "denied".
type ChainLookup interface {
	IsWhitelisted(ctx context.Context, owner common.Address) (bool, error)
}

// Client talks to the eligibility endpoints of the trading API.
type Client struct {
	host       string
	httpClient *http.Client
}

func NewClient(host string) (*Client, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("eligibility url parse %q: %w", host, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("eligibility url must be http(s), got %q", host)
	}
	return &Client{
		host:       host,
		httpClient: &http.Client{Timeout: 12 * time.Second},
	}, nil
}

type eligibilityResponse struct {
	Eligible           bool   `json:"eligible"`
	InvitationRequired bool   `json:"invitation_required"`
	Reason             string `json:"reason"`
}

// CheckAddress asks the API for the address's eligibility.
func (c *Client) CheckAddress(ctx context.Context, owner common.Address) (Result, error) {
	q := url.Values{}
	q.Set("address", owner.Hex())
	endpoint := c.host + "/eligibility?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, errs.New(errs.CategoryTransient, errs.CodeNetwork,
			errs.WithMessage("eligibility check"), errs.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBodyLimit(resp.Body, 8<<10)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Result{}, errs.New(errs.CategoryTransient, errs.CodeNetwork,
				errs.WithHTTP(resp.StatusCode), errs.WithMessage(body))
		}
		return Result{}, errs.New(errs.CategoryUnexpected, errs.CodeInvalid,
			errs.WithHTTP(resp.StatusCode), errs.WithMessage(body))
	}

	var er eligibilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return Result{}, fmt.Errorf("eligibility decode: %w", err)
	}
	switch {
	case er.Eligible:
		return Result{Verdict: VerdictWhitelisted, Reason: er.Reason}, nil
	case er.InvitationRequired:
		return Result{Verdict: VerdictInvitationRequired, Reason: er.Reason}, nil
	default:
		return Result{Verdict: VerdictDenied, Reason: er.Reason}, nil
	}
}

// RedeemInvitation submits an invitation code for the address. A rejected
// code is a definitive-remote error, not a transport failure.
func (c *Client) RedeemInvitation(ctx context.Context, owner common.Address, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return errs.New(errs.CategoryDefinitiveLocal, errs.CodeInvalid,
			errs.WithMessage("empty invitation code"))
	}

	body, err := json.Marshal(map[string]string{
		"address": owner.Hex(),
		"code":    code,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/eligibility/invitations", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.New(errs.CategoryTransient, errs.CodeNetwork,
			errs.WithMessage("redeem invitation"), errs.WithCause(err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.New(errs.CategoryTransient, errs.CodeNetwork,
			errs.WithHTTP(resp.StatusCode), errs.WithMessage(readBodyLimit(resp.Body, 8<<10)))
	default:
		return errs.New(errs.CategoryDefinitiveRemote, errs.CodeInvalid,
			errs.WithHTTP(resp.StatusCode), errs.WithMessage(readBodyLimit(resp.Body, 8<<10)))
	}
}

// Checker composes the two sources. The chain is consulted first because a
// positive on-chain listing is authoritative; anything less defers to the
// API, which also knows about invitation gating.
type Checker struct {
	api   *Client
	chain ChainLookup // nil disables the on-chain lookup
}

func NewChecker(api *Client, chain ChainLookup) *Checker {
	return &Checker{api: api, chain: chain}
}

// Check resolves the owner's eligibility verdict.
func (c *Checker) Check(ctx context.Context, owner common.Address) (Result, error) {
	if c.chain != nil {
		listed, err := c.chain.IsWhitelisted(ctx, owner)
		if err != nil {
			log.Printf("[warn] on-chain whitelist lookup degraded for %s: %v", owner.Hex(), err)
		} else if listed {
			return Result{Verdict: VerdictWhitelisted, Reason: "on-chain whitelist"}, nil
		}
	}
	return c.api.CheckAddress(ctx, owner)
}

// Redeem forwards an invitation code to the API.
func (c *Checker) Redeem(ctx context.Context, owner common.Address, code string) error {
	return c.api.RedeemInvitation(ctx, owner, code)
}

func readBodyLimit(r io.Reader, max int64) string {
	lr := &io.LimitedReader{R: r, N: max}
	b, _ := io.ReadAll(lr)
	return strings.TrimSpace(string(b))
}
