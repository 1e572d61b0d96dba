// Package crypto implements the cryptographic engine for the torpaste core.
//
// This package provides the primitive operations the rest of the core is
// built on: ephemeral X25519 key agreement, HKDF-based directional session
// key derivation, XChaCha20-Poly1305 authenticated encryption with
// deterministic extended nonces, Argon2id password stretching for
// encrypted identity backups, ISO 7816-4 message padding, and secure
// memory wiping.
//
// Session confidentiality derives exclusively from ephemeral keys: the
// long-term identity key (see the identity package) only signs handshake
// payloads and never participates in session key derivation, which is
// what gives established sessions forward secrecy.
//
// Example:
//
//	local, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer local.Wipe()
//
//	shared, err := crypto.ComputeShared(local.Private, peerPublic)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	keys, err := crypto.DeriveSessionKeys(shared, local.Public, peerPublic, true)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer keys.Wipe()
package crypto
