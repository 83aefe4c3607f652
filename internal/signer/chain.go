package signer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
)

// ChainValidator answers session-validity questions against a chain RPC
// endpoint. RPC failures are returned as errors and mean "inconclusive";
// only an explicit false verdict means the session is revoked.
type ChainValidator struct {
	endpoint   string
	contractID string
	httpClient *http.Client
}

func NewChainValidator(endpoint, contractID string) (*ChainValidator, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if !strings.HasPrefix(endpoint, "http") {
		return nil, fmt.Errorf("chain rpc endpoint must be http(s), got %q", endpoint)
	}
	return &ChainValidator{
		endpoint:   endpoint,
		contractID: contractID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (v *ChainValidator) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chain rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("chain rpc %s: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chain rpc %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var envelope rpcResponse
	if err := json.Unmarshal(b, &envelope); err != nil {
		return fmt.Errorf("decode chain rpc %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("chain rpc %s: %d %s", method, envelope.Error.Code, envelope.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

// ValidateSession reports whether the contract still lists the session key
// as authorized. A false return with nil error is a definitive revocation
// verdict.
func (v *ChainValidator) ValidateSession(ctx context.Context, sessionID string) (bool, error) {
	var result struct {
		Valid bool `json:"valid"`
	}
	err := v.call(ctx, "o2_validateSession", map[string]string{
		"contract_id": v.contractID,
		"session_id":  sessionID,
	}, &result)
	if err != nil {
		return false, err
	}
	return result.Valid, nil
}

// IsWhitelisted reports whether the owner address appears in the contract's
// trading whitelist.
func (v *ChainValidator) IsWhitelisted(ctx context.Context, owner common.Address) (bool, error) {
	var result struct {
		Whitelisted bool `json:"whitelisted"`
	}
	err := v.call(ctx, "o2_isWhitelisted", map[string]string{
		"contract_id": v.contractID,
		"owner":       owner.Hex(),
	}, &result)
	if err != nil {
		return false, err
	}
	return result.Whitelisted, nil
}

// RecoverSession fetches the live delegation envelope for the owner, if the
// contract has one registered.
func (v *ChainValidator) RecoverSession(ctx context.Context, owner common.Address) (*DelegationEnvelope, error) {
	var result struct {
		Envelope *DelegationEnvelope `json:"envelope"`
	}
	err := v.call(ctx, "o2_recoverSession", map[string]string{
		"contract_id": v.contractID,
		"owner":       owner.Hex(),
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.Envelope == nil {
		return nil, fmt.Errorf("no session registered for %s", owner.Hex())
	}
	return result.Envelope, nil
}
