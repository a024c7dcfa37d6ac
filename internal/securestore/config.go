package securestore

import "strings"

// NormalizeStorageConfig trims a persisted storage path/passphrase
// pair, mirroring the teacher's internal/securestore.NormalizeStorageConfig
// so whitespace-only config values behave the same as absent ones.
func NormalizeStorageConfig(path, secret string) (string, string) {
	return strings.TrimSpace(path), strings.TrimSpace(secret)
}

// IsConfigured reports whether both a storage path and a passphrase
// are present. FileStore does not call it: it encrypts whenever its
// own trimmed secret is non-empty.
func IsConfigured(path, secret string) bool {
	return strings.TrimSpace(path) != "" && strings.TrimSpace(secret) != ""
}
