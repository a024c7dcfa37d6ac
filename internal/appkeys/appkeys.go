// Package appkeys implements the owner-authority device registry from
// spec.md: the AppKeys set a device consults to decide whether an
// invite response claiming to come from "owner's other device" is
// actually authorized, plus the two roles that act on it — the owner's
// AppKeysManager (can add/revoke devices and publish a new snapshot)
// and a single device's DelegateManager (generates its own identity,
// waits to be activated, and hands off into a SessionManager). The
// owner-authority shape is grounded on
// internal/domains/identity/domain/manager.go's Manager (an ed25519
// signing identity holding a devices map and a revoked set).
package appkeys

import (
	"crypto/ed25519"
	"sort"
	"sync"
	"time"
)

// DeviceEntry is one device authorized by the owner: its stable id and
// the long-term identity public key it signs session traffic with.
type DeviceEntry struct {
	DeviceID       string
	IdentityPublic []byte
	CreatedAt      time.Time
}

func (d DeviceEntry) clone() DeviceEntry {
	return DeviceEntry{
		DeviceID:       d.DeviceID,
		IdentityPublic: append([]byte(nil), d.IdentityPublic...),
		CreatedAt:      d.CreatedAt,
	}
}

// AppKeys is the owner-signed, replaceable set of authorized devices.
// Per SPEC_FULL.md §4's resolution of spec.md's removed-device open
// question, a device is revoked purely by its absence from the latest
// snapshot — there is no tombstone or "removed" tag.
type AppKeys struct {
	mu          sync.RWMutex
	OwnerPublic []byte
	CreatedAt   time.Time
	Devices     map[string]DeviceEntry
}

// New creates an empty AppKeys snapshot for ownerPublic.
func New(ownerPublic []byte, createdAt time.Time) *AppKeys {
	return &AppKeys{
		OwnerPublic: append([]byte(nil), ownerPublic...),
		CreatedAt:   createdAt,
		Devices:     make(map[string]DeviceEntry),
	}
}

// Snapshot returns a deep copy of the current device list, sorted by
// device id for deterministic iteration (logging, tests, wire output).
func (a *AppKeys) Snapshot() []DeviceEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]DeviceEntry, 0, len(a.Devices))
	for _, d := range a.Devices {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// IsAuthorized reports whether deviceID currently holds identityPublic
// as its registered identity key — the check a SessionManager performs
// before accepting an invite response as legitimate.
func (a *AppKeys) IsAuthorized(deviceID string, identityPublic []byte) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entry, ok := a.Devices[deviceID]
	if !ok {
		return false
	}
	return constantTimeEqual(entry.IdentityPublic, identityPublic)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// Clone deep-copies a.
func (a *AppKeys) Clone() *AppKeys {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := New(a.OwnerPublic, a.CreatedAt)
	for id, d := range a.Devices {
		out.Devices[id] = d.clone()
	}
	return out
}

// Merge reconciles incoming into a. A strictly newer incoming snapshot
// replaces a's device set wholesale — this is what makes revocation by
// omission stick, since a device missing from a newer snapshot must not
// be resurrected by an older one. Two snapshots bearing the same
// CreatedAt (the same logical revision observed via two relay replicas)
// are unioned per-device, keeping whichever copy of a given device's
// entry has the earliest CreatedAt. An incoming snapshot strictly older
// than a is ignored.
func (a *AppKeys) Merge(incoming *AppKeys) {
	a.mu.Lock()
	defer a.mu.Unlock()
	incoming.mu.RLock()
	defer incoming.mu.RUnlock()

	switch {
	case incoming.CreatedAt.After(a.CreatedAt):
		a.CreatedAt = incoming.CreatedAt
		a.OwnerPublic = append([]byte(nil), incoming.OwnerPublic...)
		a.Devices = make(map[string]DeviceEntry, len(incoming.Devices))
		for id, d := range incoming.Devices {
			a.Devices[id] = d.clone()
		}
	case incoming.CreatedAt.Equal(a.CreatedAt):
		for id, incomingEntry := range incoming.Devices {
			existing, ok := a.Devices[id]
			if !ok || incomingEntry.CreatedAt.Before(existing.CreatedAt) {
				a.Devices[id] = incomingEntry.clone()
			}
		}
	default:
		// incoming is strictly older than our current snapshot: ignore.
	}
}

// put inserts or replaces deviceID's entry and bumps CreatedAt, used by
// AppKeysManager's AddDevice/RevokeDevice to produce the next
// authoritative snapshot.
func (a *AppKeys) put(entry DeviceEntry, revisionAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Devices[entry.DeviceID] = entry
	a.CreatedAt = revisionAt
}

// remove deletes deviceID and bumps CreatedAt — this omission is the
// entire revocation mechanism.
func (a *AppKeys) remove(deviceID string, revisionAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.Devices, deviceID)
	a.CreatedAt = revisionAt
}

// VerifyOwnerSignature checks sig against id under the AppKeys' owner
// public key, used when validating a freshly fetched app-keys event
// before merging it in.
func (a *AppKeys) VerifyOwnerSignature(id, sig []byte) bool {
	a.mu.RLock()
	owner := append([]byte(nil), a.OwnerPublic...)
	a.mu.RUnlock()
	if len(owner) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(owner, id, sig)
}
