package appkeys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"sync"

	"ardentmesh/internal/drerrors"
	"ardentmesh/internal/invite"
	"ardentmesh/internal/transport"
	"ardentmesh/pkg/wireevent"
)

// DelegateManager is a single device's own identity: it generates or
// restores its long-term signing keypair, publishes its own Invite so
// another of the owner's devices can bootstrap a session with it, and
// tracks whether the owner has actually authorized it yet. Modeled
// after the per-device role internal/domains/identity/domain/manager.go
// plays for the owning identity, narrowed to exactly the device-side
// bookkeeping spec.md's SessionManager needs before it can run.
type DelegateManager struct {
	DeviceID        string
	IdentityPublic  ed25519.PublicKey
	IdentityPrivate ed25519.PrivateKey
	OwnerPublic     []byte

	mu        sync.Mutex
	active    bool
	activated chan struct{}
	once      sync.Once
}

// NewDelegateManager generates a fresh device identity bound to
// ownerPublic (the owner identity this device is enrolling under).
func NewDelegateManager(ownerPublic []byte, rnd io.Reader) (*DelegateManager, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(rnd)
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	deviceID, err := wireevent.DeviceID(pub)
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	return &DelegateManager{
		DeviceID:        deviceID,
		IdentityPublic:  pub,
		IdentityPrivate: priv,
		OwnerPublic:     append([]byte(nil), ownerPublic...),
		activated:       make(chan struct{}),
	}, nil
}

// NewDelegateManagerUnbound generates a fresh device identity that
// does not yet know its owner, per spec.md §4.5's discovery activation
// mode: a device minted before it has been told (or been given a way
// to learn) which owner identity it belongs to. Call ListenForOwner to
// discover one.
func NewDelegateManagerUnbound(rnd io.Reader) (*DelegateManager, error) {
	return NewDelegateManager(nil, rnd)
}

// RestoreDelegateManager rebuilds a DelegateManager from a persisted
// device keypair, for process restart.
func RestoreDelegateManager(ownerPublic []byte, pub ed25519.PublicKey, priv ed25519.PrivateKey, alreadyActive bool) (*DelegateManager, error) {
	deviceID, err := wireevent.DeviceID(pub)
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	d := &DelegateManager{
		DeviceID:        deviceID,
		IdentityPublic:  pub,
		IdentityPrivate: priv,
		OwnerPublic:     append([]byte(nil), ownerPublic...),
		activated:       make(chan struct{}),
	}
	if alreadyActive {
		d.active = true
		close(d.activated)
	}
	return d, nil
}

// Signer returns the ed25519 signer this device uses for its own wire
// events.
func (d *DelegateManager) Signer() wireevent.Ed25519Signer {
	return wireevent.Ed25519Signer{Private: d.IdentityPrivate}
}

// CreateOwnInvite generates a fresh Invite this device can hand to
// whoever already controls the owner identity, so that device can
// bootstrap a session back to this one.
func (d *DelegateManager) CreateOwnInvite(rnd io.Reader) (invite.Invite, error) {
	return invite.New(d.DeviceID, rnd)
}

// ObserveAppKeys checks whether snapshot now authorizes this device,
// and activates it if so. It is safe to call on every fetched AppKeys
// snapshot, including ones that do not mention this device yet. A
// DelegateManager built via NewDelegateManagerUnbound has no owner
// bound yet; the first snapshot that authorizes it wins and its owner
// becomes this device's discovered owner (spec.md §4.5, §6.3).
func (d *DelegateManager) ObserveAppKeys(snapshot *AppKeys) {
	if !snapshot.IsAuthorized(d.DeviceID, d.IdentityPublic) {
		return
	}
	d.mu.Lock()
	if len(d.OwnerPublic) == 0 {
		d.OwnerPublic = append([]byte(nil), snapshot.OwnerPublic...)
	}
	d.mu.Unlock()
	d.Activate()
}

// ListenForOwner subscribes relay for AppKeys snapshots from any
// author and feeds every one it receives through ObserveAppKeys, so an
// unbound DelegateManager discovers its owner the moment some owner
// authorizes it — spec.md §4.5's "waitForActivation... listens for the
// first AppKeys event from any owner that includes this device".
// Callers still use WaitForActivation (or DiscoveredOwner, once that
// returns) to learn when discovery finished; the returned Unsubscribe
// should be released once activation completes or the caller gives up.
func (d *DelegateManager) ListenForOwner(ctx context.Context, relay transport.Relay) (transport.Unsubscribe, error) {
	unsub, err := relay.Subscribe(ctx, DiscoveryFilter(), func(ev wireevent.Event) {
		if err := wireevent.Verify(ev, wireevent.Ed25519Signer{}); err != nil {
			return
		}
		snapshot, err := ParseAppKeysEvent(ev)
		if err != nil {
			return
		}
		d.ObserveAppKeys(snapshot)
	})
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryIO, err)
	}
	return unsub, nil
}

// Activate marks the device authorized, idempotently.
func (d *DelegateManager) Activate() {
	d.once.Do(func() {
		d.mu.Lock()
		d.active = true
		d.mu.Unlock()
		close(d.activated)
	})
}

// IsActive reports whether the owner has authorized this device yet.
func (d *DelegateManager) IsActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// WaitForActivation blocks until Activate is called or ctx is done,
// whichever comes first — the bound spec.md calls "ActivationWait"
// (drconfig.Config.ActivationWait in the default wiring). For a
// DelegateManager constructed via NewDelegateManagerUnbound, callers
// must also be pumping events into ObserveAppKeys (directly, or via
// ListenForOwner) for this to ever return; once it does,
// DiscoveredOwner reports which owner it was.
func (d *DelegateManager) WaitForActivation(ctx context.Context) error {
	select {
	case <-d.activated:
		return nil
	case <-ctx.Done():
		return drerrors.Wrap(drerrors.CategoryTimeout, drerrors.ErrActivationTimeout)
	}
}

// DiscoveredOwner returns the owner public key this device is bound
// to. For a DelegateManager constructed with a known owner it is
// available immediately; for one built via NewDelegateManagerUnbound
// it is only meaningful after WaitForActivation returns nil — the
// channel close that unblocks WaitForActivation happens after
// ObserveAppKeys records the owner, so no further synchronization is
// needed to read it at that point.
func (d *DelegateManager) DiscoveredOwner() []byte {
	return append([]byte(nil), d.OwnerPublic...)
}
