package appkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"sync"
	"time"

	"ardentmesh/internal/drerrors"
)

// Publisher is the capability AppKeysManager needs to announce a new
// snapshot — normally a thin wrapper around wireevent.Build plus a
// relay publish, injected so the manager stays transport-agnostic.
type Publisher func(snapshot *AppKeys, sig []byte, id []byte) error

// AppKeysManager is the owner-authority role: it holds the owner's
// signing key and decides which devices are authorized. Grounded on
// internal/domains/identity/domain/manager.go's Manager, which plays
// the same role (signing identity + devices map + revoked set) for
// contact cards instead of app-keys snapshots.
type AppKeysManager struct {
	mu        sync.Mutex
	ownerPub  ed25519.PublicKey
	ownerPriv ed25519.PrivateKey
	current   *AppKeys
	publish   Publisher
}

// NewAppKeysManager creates a manager for a freshly generated owner
// identity keypair with an empty device set.
func NewAppKeysManager(rnd io.Reader, publish Publisher) (*AppKeysManager, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(rnd)
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	return &AppKeysManager{
		ownerPub:  pub,
		ownerPriv: priv,
		current:   New(pub, time.Time{}),
		publish:   publish,
	}, nil
}

// RestoreAppKeysManager rebuilds a manager from a persisted owner
// keypair and its last-known snapshot, for process restart per
// spec.md's persistence invariants.
func RestoreAppKeysManager(ownerPub ed25519.PublicKey, ownerPriv ed25519.PrivateKey, snapshot *AppKeys, publish Publisher) *AppKeysManager {
	if snapshot == nil {
		snapshot = New(ownerPub, time.Time{})
	}
	return &AppKeysManager{ownerPub: ownerPub, ownerPriv: ownerPriv, current: snapshot, publish: publish}
}

// OwnerPublic returns the owner's identity public key.
func (m *AppKeysManager) OwnerPublic() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), m.ownerPub...)
}

// Current returns a deep copy of the manager's current snapshot.
func (m *AppKeysManager) Current() *AppKeys {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone()
}

// AddDevice authorizes deviceID under identityPublic, bumping the
// snapshot's revision to now.
func (m *AppKeysManager) AddDevice(deviceID string, identityPublic []byte, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.put(DeviceEntry{DeviceID: deviceID, IdentityPublic: append([]byte(nil), identityPublic...), CreatedAt: now}, now)
}

// RevokeDevice drops deviceID from the snapshot. Per spec.md's
// replaceable-by-omission resolution this is the entire revocation
// mechanism — there is no separate tombstone to publish.
func (m *AppKeysManager) RevokeDevice(deviceID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.remove(deviceID, now)
}

// Publish signs the current snapshot's canonical id and hands it to
// the injected Publisher. Unlike AddDevice/RevokeDevice, publication is
// always explicit — a caller may batch several membership changes
// before announcing them.
func (m *AppKeysManager) Publish(canonicalID func(*AppKeys) []byte) error {
	m.mu.Lock()
	snapshot := m.current.Clone()
	id := canonicalID(snapshot)
	sig := ed25519.Sign(m.ownerPriv, id)
	publish := m.publish
	m.mu.Unlock()
	if publish == nil {
		return nil
	}
	return publish(snapshot, sig, id)
}

// Ingest validates and merges a fetched app-keys snapshot, rejecting it
// outright if the owner signature does not check out.
func (m *AppKeysManager) Ingest(snapshot *AppKeys, id, sig []byte) error {
	if !snapshot.VerifyOwnerSignature(id, sig) {
		return drerrors.Wrap(drerrors.CategoryUnauthorized, drerrors.ErrUnauthorizedDevice)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.Merge(snapshot)
	return nil
}
