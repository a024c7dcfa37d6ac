// Package ratchet implements the Double Ratchet session from spec.md
// §4.2: the symmetric+DH ratchet, header encryption, the skipped-key
// cache, and out-of-order/late delivery. The primitive wrappers here
// follow internal/crypto/session.go's use of golang.org/x/crypto
// (HKDF-SHA256, X25519, ChaCha20-Poly1305); the DH-ratchet-step control
// flow is grounded on ericlagergren-dr's State.ratchet/State.skip, since
// the teacher's own crypto.Session never performs a DH step.
package ratchet

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const keySize = 32

// DHKeyPair is a Curve25519 (X25519) keypair used as a ratchet key.
type DHKeyPair struct {
	Private []byte
	Public  []byte
}

// GenerateDHKeyPair creates a fresh X25519 keypair, reading entropy
// from rnd (normally crypto/rand.Reader; tests may inject a
// deterministic reader to assert bit-for-bit round-trip equality per
// spec.md §8 property 7).
func GenerateDHKeyPair(rnd io.Reader) (DHKeyPair, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	priv := make([]byte, keySize)
	if _, err := io.ReadFull(rnd, priv); err != nil {
		return DHKeyPair{}, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return DHKeyPair{}, err
	}
	return DHKeyPair{Private: priv, Public: pub}, nil
}

// dh computes the X25519 shared value between priv and pub.
func dh(priv, pub []byte) ([]byte, error) {
	return curve25519.X25519(priv, pub)
}

// kdfN expands ikm with HKDF-SHA256 keyed by salt, producing n distinct
// 32-byte outputs labelled with info bytes 1..n, per spec.md §4.1.
func kdfN(salt, ikm []byte, n int) [][]byte {
	prk := hkdf.Extract(sha256.New, ikm, salt)
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		buf := make([]byte, keySize)
		_, _ = io.ReadFull(hkdf.Expand(sha256.New, prk, []byte{byte(i + 1)}), buf)
		out[i] = buf
	}
	return out
}

// kdf1 is kdfN with n=1, for single-output derivations (header keys,
// message-key splitting).
func kdf1(salt, ikm []byte) []byte {
	return kdfN(salt, ikm, 1)[0]
}

// aeadSeal/aeadOpen wrap a 32-byte-key, 96-bit-nonce, 128-bit-tag AEAD
// (ChaCha20-Poly1305) per spec.md §4.1.
func aeadSeal(key, nonce, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

func aeadOpen(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, ad)
}

// splitMessageKey re-derives an AEAD key and a 96-bit nonce from a
// 32-byte message key via two distinct HKDF info labels, per spec.md
// §4.2 step 3 ("re-derive with info labels").
func splitMessageKey(messageKey []byte) (encKey, nonce []byte) {
	encKey = kdf1([]byte("dr/message-key/enc/v1"), messageKey)
	nonceMaterial := kdf1([]byte("dr/message-key/nonce/v1"), messageKey)
	return encKey, nonceMaterial[:chacha20poly1305.NonceSize]
}

// headerKeyFromChainKey derives the epoch-stable header key from a
// freshly established chain key, per spec.md §4.2 step 4's "derived
// from sendingChainKey via a fixed info label". See DESIGN.md for why
// this is computed once per epoch rather than per message.
func headerKeyFromChainKey(chainKey []byte) []byte {
	return kdf1([]byte("dr/header-key/v1"), chainKey)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
}

// randomNonce reads a fresh AEAD nonce from rnd. Header encryption
// reuses the same header key across every message in an epoch, so
// unlike the message-key-derived body nonce, the header nonce must be
// random and travel with the envelope rather than be derived.
func randomNonce(rnd io.Reader) ([]byte, error) {
	n := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rnd, n); err != nil {
		return nil, err
	}
	return n, nil
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
