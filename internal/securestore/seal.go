// Package securestore encrypts the device-local state this module
// keeps at rest (sessions, user records, delegate identity) under a
// passphrase, following the teacher's internal/securestore package:
// argon2id for key stretching, XChaCha20-Poly1305 for the seal itself,
// and a versioned file prefix so a legacy unencrypted snapshot is
// recognized rather than mistaken for a corrupt one.
package securestore

import (
	"crypto/rand"
	"encoding/json"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"ardentmesh/internal/drerrors"
)

const (
	sealVersion = 1
	saltSize    = 16
	// sealPrefix tags a file as holding a Sealed record rather than a
	// bare JSON snapshot, so Decrypt can tell "legacy plaintext" apart
	// from "malformed ciphertext" per spec.md §7's corruption/IO split.
	sealPrefix  = "ardentmesh-seal1\n"
	kdfTimeCost = uint32(2)
	kdfMemoryKB = uint32(64 * 1024)
	kdfThreads  = uint8(1)
)

// Sealed is one encrypted-at-rest record: the argon2id parameters used
// to derive its key plus the XChaCha20-Poly1305 nonce and ciphertext.
// The KDF parameters travel with the record so a future tuning change
// doesn't break decryption of records sealed under the old ones.
type Sealed struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Encrypt seals plaintext under passphrase and prefixes the result with
// sealPrefix, the form FileStore writes to disk.
func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	sealed, err := EncryptSealed(passphrase, plaintext)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(sealed)
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCorruption, err)
	}
	return append([]byte(sealPrefix), raw...), nil
}

// EncryptSealed seals plaintext under passphrase and returns the
// record without the file prefix, for callers that store the fields
// directly rather than a flat byte blob.
func EncryptSealed(passphrase string, plaintext []byte) (*Sealed, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	key := deriveKey(passphrase, salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return &Sealed{
		Version:     sealVersion,
		KDF:         "argon2id",
		KDFTime:     kdfTimeCost,
		KDFMemoryKB: kdfMemoryKB,
		KDFThreads:  kdfThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  ciphertext,
	}, nil
}

// Decrypt reverses Encrypt. A blob lacking sealPrefix is reported as
// drerrors.ErrSealLegacyPlaintext rather than a decode failure, so a
// caller migrating from an unencrypted snapshot can fall back to
// parsing it directly instead of treating it as corrupt.
func Decrypt(passphrase string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), sealPrefix) {
		return nil, drerrors.Wrap(drerrors.CategoryCorruption, drerrors.ErrSealLegacyPlaintext)
	}
	data = data[len(sealPrefix):]
	var sealed Sealed
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCorruption, drerrors.ErrSealInvalid)
	}
	return DecryptSealed(passphrase, &sealed)
}

// DecryptSealed reverses EncryptSealed.
func DecryptSealed(passphrase string, sealed *Sealed) ([]byte, error) {
	if !isValidSeal(sealed) {
		return nil, drerrors.Wrap(drerrors.CategoryCorruption, drerrors.ErrSealInvalid)
	}
	key := deriveKey(passphrase, sealed.Salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, drerrors.ErrSealAuthFailed)
	}
	return plaintext, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, kdfTimeCost, kdfMemoryKB, kdfThreads, chacha20poly1305.KeySize)
}

func isValidSeal(sealed *Sealed) bool {
	if sealed == nil {
		return false
	}
	if sealed.Version != sealVersion || sealed.KDF != "argon2id" {
		return false
	}
	if sealed.KDFTime != kdfTimeCost || sealed.KDFMemoryKB != kdfMemoryKB || sealed.KDFThreads != kdfThreads {
		return false
	}
	if len(sealed.Salt) != saltSize || len(sealed.Nonce) != chacha20poly1305.NonceSizeX || len(sealed.Ciphertext) == 0 {
		return false
	}
	return true
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
