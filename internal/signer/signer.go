// Package signer holds the wallet and session signing capabilities.
//
// Signing uses secp256k1 keys. Every payload is hashed with a
// length-prefixed, domain-separated scheme so a signed delegation can never
// be confused with an unrelated message type.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DelegationEnvelope is the session-creation payload registered on chain
// and with the trading API.
type DelegationEnvelope struct {
	ContractID  string   `json:"contract_id"`
	SessionID   string   `json:"session_id"`
	Signature   string   `json:"signature"`
	Nonce       uint64   `json:"nonce"`
	Expiry      int64    `json:"expiry"`
	ContractIDs []string `json:"contract_ids"`
}

// Wallet is the connected owner wallet. Signing a delegation is the minimum
// capability and is sufficient for the sponsored session-creation flow,
// where a backend pays gas and submits the registration. Signing is a
// suspension point (a hardware or extension wallet prompts the user), hence
// the context.
type Wallet interface {
	Address() common.Address
	SignDelegation(ctx context.Context, chainID int64, env DelegationEnvelope) (DelegationEnvelope, error)
}

// TransactionSubmitter is the additional capability needed for the direct
// session-creation flow, where the owner signs and submits the registration
// transaction themselves. Resolved by interface assertion on the wallet.
type TransactionSubmitter interface {
	SubmitSessionRegistration(ctx context.Context, env DelegationEnvelope) (txHash string, err error)
}

// SessionValidator is the opaque on-chain validation capability.
// ValidateSession answers "is this session still authorized"; a returned
// error means the check was inconclusive, not that the session is invalid.
type SessionValidator interface {
	ValidateSession(ctx context.Context, sessionID string) (bool, error)
	RecoverSession(ctx context.Context, owner common.Address) (*DelegationEnvelope, error)
}

var (
	delegationDomainNameHash    = crypto.Keccak256Hash([]byte("O2SessionDelegation"))
	delegationDomainVersionHash = crypto.Keccak256Hash([]byte("1"))

	delegationTypeHash = crypto.Keccak256Hash([]byte(
		"SessionDelegation(string contractId,address sessionId,uint256 nonce,uint256 expiry,string contractIds)"))

	bytes32Ty = mustABIType("bytes32")
	addressTy = mustABIType("address")
	uint256Ty = mustABIType("uint256")
)

func mustABIType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

func delegationDomainSeparator(chainID int64) (common.Hash, error) {
	encoded, err := abi.Arguments{
		{Type: bytes32Ty},
		{Type: bytes32Ty},
		{Type: bytes32Ty},
		{Type: uint256Ty},
	}.Pack(
		crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId)")),
		delegationDomainNameHash,
		delegationDomainVersionHash,
		big.NewInt(chainID),
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// DelegationDigest computes the signing digest for a session delegation:
// keccak256(0x19 0x01 || domainSeparator || structHash). Dynamic fields are
// encoded as keccak256(value) per the typed-data rules.
func DelegationDigest(chainID int64, env DelegationEnvelope) (common.Hash, error) {
	if !common.IsHexAddress(env.SessionID) {
		return common.Hash{}, fmt.Errorf("session id %q is not an address", env.SessionID)
	}
	domainSeparator, err := delegationDomainSeparator(chainID)
	if err != nil {
		return common.Hash{}, err
	}

	encoded, err := abi.Arguments{
		{Type: bytes32Ty},
		{Type: bytes32Ty},
		{Type: addressTy},
		{Type: uint256Ty},
		{Type: uint256Ty},
		{Type: bytes32Ty},
	}.Pack(
		delegationTypeHash,
		crypto.Keccak256Hash([]byte(env.ContractID)),
		common.HexToAddress(env.SessionID),
		new(big.Int).SetUint64(env.Nonce),
		big.NewInt(env.Expiry),
		crypto.Keccak256Hash([]byte(strings.Join(env.ContractIDs, ","))),
	)
	if err != nil {
		return common.Hash{}, err
	}

	structHash := crypto.Keccak256Hash(encoded)
	raw := make([]byte, 0, 2+32+32)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator.Bytes()...)
	raw = append(raw, structHash.Bytes()...)
	return crypto.Keccak256Hash(raw), nil
}

// MessageDigest hashes an arbitrary message with a length prefix under its
// own domain, distinct from the delegation domain.
func MessageDigest(msg []byte) common.Hash {
	prefix := []byte("\x19O2 Signed Message:\n" + strconv.Itoa(len(msg)))
	return crypto.Keccak256Hash(append(prefix, msg...))
}

// TransactionMessage builds the canonical message a session key signs for
// an order transaction. The "o2tx" tag keeps it outside every other signed
// payload type.
func TransactionMessage(accountID, sessionID string, nonce uint64, actionsJSON []byte) []byte {
	return []byte(fmt.Sprintf("o2tx|%s|%s|%d|%s", accountID, sessionID, nonce, actionsJSON))
}

// SignDigest signs a 32-byte digest and returns the 65-byte signature with
// the recovery id shifted to 27/28.
func SignDigest(pk *ecdsa.PrivateKey, digest common.Hash) (string, error) {
	sig, err := crypto.Sign(digest.Bytes(), pk)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + common.Bytes2Hex(sig), nil
}

// GenerateSessionKey mints a fresh ephemeral keypair. The returned address
// doubles as the session id.
func GenerateSessionKey() (*ecdsa.PrivateKey, common.Address, error) {
	pk, err := crypto.GenerateKey()
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("generate session key: %w", err)
	}
	return pk, crypto.PubkeyToAddress(pk.PublicKey), nil
}

// LocalWallet is a wallet backed by an in-process private key. It signs
// messages; whether it can also submit registration transactions depends on
// the submitter it was built with.
type LocalWallet struct {
	pk      *ecdsa.PrivateKey
	address common.Address
}

func NewLocalWallet(hexKey string) (*LocalWallet, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse wallet key: %w", err)
	}
	return &LocalWallet{pk: pk, address: crypto.PubkeyToAddress(pk.PublicKey)}, nil
}

func (w *LocalWallet) Address() common.Address { return w.address }

// SignDelegation signs the delegation digest with the wallet key and
// returns the envelope with the signature attached.
func (w *LocalWallet) SignDelegation(_ context.Context, chainID int64, env DelegationEnvelope) (DelegationEnvelope, error) {
	digest, err := DelegationDigest(chainID, env)
	if err != nil {
		return DelegationEnvelope{}, err
	}
	sig, err := SignDigest(w.pk, digest)
	if err != nil {
		return DelegationEnvelope{}, err
	}
	env.Signature = sig
	return env, nil
}

// RecoverDelegationSigner recovers the wallet address that signed the
// envelope. Used to verify recovered sessions actually belong to the owner.
func RecoverDelegationSigner(chainID int64, env DelegationEnvelope) (common.Address, error) {
	digest, err := DelegationDigest(chainID, env)
	if err != nil {
		return common.Address{}, err
	}
	sigHex := strings.TrimPrefix(env.Signature, "0x")
	sig := common.Hex2Bytes(sigHex)
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature length %d, want 65", len(sig))
	}
	cp := make([]byte, 65)
	copy(cp, sig)
	if cp[64] >= 27 {
		cp[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), cp)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover delegation signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
