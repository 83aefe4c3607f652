package keystore

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ks, err := New("process-password")
	if err != nil {
		t.Fatalf("new keystore: %v", err)
	}
	secret := []byte("0x4c0883a69102937d6231471b5dbb6204fe512961708279f2e3e8a5d4b8e3e8a5")

	ct, salt, iv, err := ks.Encrypt(secret)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(ct, secret) {
		t.Fatalf("ciphertext contains plaintext")
	}

	got, err := ks.Decrypt(ct, salt, iv)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatalf("round trip mismatch")
	}
}

func TestPerRecordRandomness(t *testing.T) {
	ks, _ := New("pw")
	secret := []byte("same key material")

	ct1, salt1, iv1, err := ks.Encrypt(secret)
	if err != nil {
		t.Fatalf("encrypt 1: %v", err)
	}
	ct2, salt2, iv2, err := ks.Encrypt(secret)
	if err != nil {
		t.Fatalf("encrypt 2: %v", err)
	}
	if bytes.Equal(salt1, salt2) || bytes.Equal(iv1, iv2) || bytes.Equal(ct1, ct2) {
		t.Fatalf("two encryptions of the same plaintext must not share salt/iv/ciphertext")
	}
}

func TestWrongPasswordFailsAuth(t *testing.T) {
	ks1, _ := New("correct")
	ks2, _ := New("wrong")

	ct, salt, iv, err := ks1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := ks2.Decrypt(ct, salt, iv); err == nil {
		t.Fatalf("decrypt with wrong password should fail authentication")
	}
}

func TestTamperedCiphertextFailsAuth(t *testing.T) {
	ks, _ := New("pw")
	ct, salt, iv, err := ks.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct[0] ^= 0xff
	if _, err := ks.Decrypt(ct, salt, iv); err == nil {
		t.Fatalf("tampered ciphertext should fail authentication")
	}
}

func TestEmptyPasswordRejected(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("empty password should be rejected")
	}
}
