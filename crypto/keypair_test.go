package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	if keyPair == nil {
		t.Fatal("GenerateKeyPair() returned nil key pair")
	}

	// Check that keys are not zero
	if isZeroKey(keyPair.Public) {
		t.Error("GenerateKeyPair() returned zero public key")
	}

	if isZeroKey(keyPair.Private) {
		t.Error("GenerateKeyPair() returned zero private key")
	}

	// Clamping per RFC 7748
	if keyPair.Private[0]&7 != 0 {
		t.Error("GenerateKeyPair() private key low bits not cleared")
	}
	if keyPair.Private[31]&128 != 0 || keyPair.Private[31]&64 == 0 {
		t.Error("GenerateKeyPair() private key high bits not clamped")
	}

	// Test that multiple key generations produce different keys
	keyPair2, _ := GenerateKeyPair()
	if bytes.Equal(keyPair.Public[:], keyPair2.Public[:]) {
		t.Error("Multiple GenerateKeyPair() calls produced identical public keys")
	}
}

func TestKeyPairWipe(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	keyPair.Wipe()

	if !isZeroKey(keyPair.Private) {
		t.Error("Wipe() left private key material in memory")
	}
}

func TestComputeShared(t *testing.T) {
	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate alice key pair: %v", err)
	}
	bob, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate bob key pair: %v", err)
	}

	aliceShared, err := ComputeShared(alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("ComputeShared() error on alice side: %v", err)
	}
	bobShared, err := ComputeShared(bob.Private, alice.Public)
	if err != nil {
		t.Fatalf("ComputeShared() error on bob side: %v", err)
	}

	if !bytes.Equal(aliceShared[:], bobShared[:]) {
		t.Error("ComputeShared() did not agree between the two sides")
	}

	if isZeroKey(aliceShared) {
		t.Error("ComputeShared() produced a zero shared secret")
	}
}

func TestComputeSharedRejectsZeroPublicKey(t *testing.T) {
	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	var zero [KeySize]byte
	if _, err := ComputeShared(alice.Private, zero); err == nil {
		t.Error("ComputeShared() accepted an all-zero public key")
	}
}

func TestComputeSharedDiffersPerPeer(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	carol, _ := GenerateKeyPair()

	withBob, err := ComputeShared(alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("ComputeShared() error: %v", err)
	}
	withCarol, err := ComputeShared(alice.Private, carol.Public)
	if err != nil {
		t.Fatalf("ComputeShared() error: %v", err)
	}

	if bytes.Equal(withBob[:], withCarol[:]) {
		t.Error("Shared secrets with different peers should differ")
	}
}
