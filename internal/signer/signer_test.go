package signer

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe512961708279f2e3e8a5d4b8e3e8a5"

func testEnvelope(sessionID string) DelegationEnvelope {
	return DelegationEnvelope{
		ContractID:  "exchange.o2",
		SessionID:   sessionID,
		Nonce:       1,
		Expiry:      1_900_000_000,
		ContractIDs: []string{"spot.o2", "perp.o2"},
	}
}

func TestDelegationDigestDeterministic(t *testing.T) {
	env := testEnvelope("0x8ba1f109551bD432803012645Ac136ddd64DBA72")
	d1, err := DelegationDigest(1, env)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	d2, err := DelegationDigest(1, env)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("digest not deterministic")
	}
}

func TestDelegationDigestDomainSeparation(t *testing.T) {
	env := testEnvelope("0x8ba1f109551bD432803012645Ac136ddd64DBA72")

	chain1, _ := DelegationDigest(1, env)
	chain137, _ := DelegationDigest(137, env)
	if chain1 == chain137 {
		t.Fatalf("digests must differ across chain ids")
	}

	other := env
	other.Nonce++
	bumped, _ := DelegationDigest(1, other)
	if bumped == chain1 {
		t.Fatalf("digest must change with nonce")
	}

	// A raw message hashing to the same bytes as the struct encoding must
	// not collide with the delegation digest.
	if MessageDigest([]byte("exchange.o2")) == chain1 {
		t.Fatalf("message digest collided with delegation digest")
	}
}

func TestMessageDigestLengthPrefixed(t *testing.T) {
	// "ab" + "c" and "a" + "bc" would collide without a length prefix.
	if MessageDigest([]byte("abc")) == MessageDigest([]byte("ab")) {
		t.Fatalf("distinct messages collided")
	}
	got := MessageDigest([]byte("hello"))
	want := crypto.Keccak256Hash([]byte("\x19O2 Signed Message:\n5hello"))
	if got != want {
		t.Fatalf("digest mismatch: got %s want %s", got, want)
	}
}

func TestSignAndRecoverDelegation(t *testing.T) {
	w, err := NewLocalWallet(testKeyHex)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}

	_, sessionAddr, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("generate session key: %v", err)
	}

	env := testEnvelope(sessionAddr.Hex())
	signed, err := w.SignDelegation(context.Background(), 1, env)
	if err != nil {
		t.Fatalf("sign delegation: %v", err)
	}
	if signed.Signature == "" {
		t.Fatalf("empty signature")
	}

	recovered, err := RecoverDelegationSigner(1, signed)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != w.Address() {
		t.Fatalf("recovered %s want %s", recovered.Hex(), w.Address().Hex())
	}

	// Tampering with the envelope breaks recovery back to the owner.
	tampered := signed
	tampered.Expiry++
	recovered, err = RecoverDelegationSigner(1, tampered)
	if err == nil && recovered == w.Address() {
		t.Fatalf("tampered envelope still recovers to owner")
	}
}

func TestWalletAcceptsPrefixedKey(t *testing.T) {
	w, err := NewLocalWallet("0x" + testKeyHex)
	if err != nil {
		t.Fatalf("wallet with 0x prefix: %v", err)
	}
	plain, err := NewLocalWallet(testKeyHex)
	if err != nil {
		t.Fatalf("wallet without prefix: %v", err)
	}
	if w.Address() != plain.Address() {
		t.Fatalf("prefix changed derived address")
	}
}

func TestTransactionMessageDomainSeparation(t *testing.T) {
	m1 := TransactionMessage("acct-1", "0xsess", 7, []byte(`[{"type":"place_order"}]`))
	m2 := TransactionMessage("acct-1", "0xsess", 8, []byte(`[{"type":"place_order"}]`))
	if MessageDigest(m1) == MessageDigest(m2) {
		t.Fatalf("nonce change must change the transaction digest")
	}
	if string(m1[:5]) != "o2tx|" {
		t.Fatalf("transaction message missing domain tag: %q", m1[:5])
	}
}

func TestGenerateSessionKeyUnique(t *testing.T) {
	_, a1, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	_, a2, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a1 == a2 {
		t.Fatalf("two generated session keys share an address")
	}
}
