package appkeys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strconv"
	"testing"
	"time"

	"ardentmesh/internal/transport"
	"ardentmesh/pkg/wireevent"
)

// buildAppKeysEvent signs a minimal AppKeys snapshot event for
// ownerPub/ownerPriv authorizing the given devices, mirroring the tag
// shape sessionmanager's appKeysTags/buildAppKeysEvent produce on the
// wire (duplicated narrowly here to keep this test package independent
// of sessionmanager).
func buildAppKeysEvent(ownerPub ed25519.PublicKey, ownerPriv ed25519.PrivateKey, now time.Time, devices ...DeviceEntry) wireevent.Event {
	tags := [][]string{{"d", DTagAppKeys}, {"version", "1"}}
	for _, d := range devices {
		tags = append(tags, []string{"device", wireevent.HexKey(d.IdentityPublic), strconv.FormatInt(d.CreatedAt.Unix(), 10)})
	}
	signer := wireevent.Ed25519Signer{Private: ownerPriv}
	return wireevent.Build(ownerPub, now, wireevent.KindAppKeysOrInvite, tags, "", signer)
}

func TestDelegateManagerActivatesWhenAppKeysAuthorizeIt(t *testing.T) {
	owner := make([]byte, 32)
	d, err := NewDelegateManager(owner, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if d.IsActive() {
		t.Fatal("a freshly created delegate must not start active")
	}

	unrelated := New(owner, time.Now())
	unrelated.Devices["some-other-device"] = DeviceEntry{DeviceID: "some-other-device", IdentityPublic: make([]byte, 32), CreatedAt: time.Now()}
	d.ObserveAppKeys(unrelated)
	if d.IsActive() {
		t.Fatal("an AppKeys snapshot that doesn't mention this device must not activate it")
	}

	authorizing := New(owner, time.Now())
	authorizing.Devices[d.DeviceID] = DeviceEntry{DeviceID: d.DeviceID, IdentityPublic: append([]byte(nil), d.IdentityPublic...), CreatedAt: time.Now()}
	d.ObserveAppKeys(authorizing)
	if !d.IsActive() {
		t.Fatal("expected the delegate to activate once AppKeys lists it")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.WaitForActivation(ctx); err != nil {
		t.Fatalf("WaitForActivation should return immediately once already active: %v", err)
	}
}

func TestDelegateManagerWaitForActivationTimesOut(t *testing.T) {
	owner := make([]byte, 32)
	d, err := NewDelegateManager(owner, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.WaitForActivation(ctx); err == nil {
		t.Fatal("expected WaitForActivation to time out for a never-activated delegate")
	}
}

func TestDelegateManagerActivateIsIdempotent(t *testing.T) {
	owner := make([]byte, 32)
	d, err := NewDelegateManager(owner, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	d.Activate()
	d.Activate() // must not panic on double-close of the activated channel
	if !d.IsActive() {
		t.Fatal("expected delegate to be active")
	}
}

func TestRestoreDelegateManagerPreservesActiveState(t *testing.T) {
	owner := make([]byte, 32)
	fresh, err := NewDelegateManager(owner, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	restored, err := RestoreDelegateManager(owner, fresh.IdentityPublic, fresh.IdentityPrivate, true)
	if err != nil {
		t.Fatal(err)
	}
	if !restored.IsActive() {
		t.Fatal("expected a restored delegate with alreadyActive=true to report active")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := restored.WaitForActivation(ctx); err != nil {
		t.Fatalf("restored active delegate should not block on WaitForActivation: %v", err)
	}
}

func TestDelegateManagerUnboundDiscoversOwnerFromObserveAppKeys(t *testing.T) {
	d, err := NewDelegateManagerUnbound(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.OwnerPublic) != 0 {
		t.Fatal("a freshly minted unbound delegate must not already have an owner")
	}
	if d.IsActive() {
		t.Fatal("an unbound delegate must not start active")
	}

	ownerPub, ownerPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ev := buildAppKeysEvent(ownerPub, ownerPriv, time.Now(), DeviceEntry{
		DeviceID:       d.DeviceID,
		IdentityPublic: append([]byte(nil), d.IdentityPublic...),
		CreatedAt:      time.Now(),
	})
	snapshot, err := ParseAppKeysEvent(ev)
	if err != nil {
		t.Fatal(err)
	}
	d.ObserveAppKeys(snapshot)

	if !d.IsActive() {
		t.Fatal("expected the unbound delegate to activate once some owner's AppKeys authorized it")
	}
	if got := d.DiscoveredOwner(); string(got) != string(ownerPub) {
		t.Fatalf("expected DiscoveredOwner to report the authorizing owner, got %x want %x", got, ownerPub)
	}
}

func TestDelegateManagerUnboundIgnoresUnrelatedOwner(t *testing.T) {
	d, err := NewDelegateManagerUnbound(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	otherOwnerPub, otherOwnerPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	otherDeviceID, otherDevicePub, _, err := newTestDevice()
	if err != nil {
		t.Fatal(err)
	}
	ev := buildAppKeysEvent(otherOwnerPub, otherOwnerPriv, time.Now(), DeviceEntry{
		DeviceID:       otherDeviceID,
		IdentityPublic: otherDevicePub,
		CreatedAt:      time.Now(),
	})
	snapshot, err := ParseAppKeysEvent(ev)
	if err != nil {
		t.Fatal(err)
	}
	d.ObserveAppKeys(snapshot)

	if d.IsActive() {
		t.Fatal("a snapshot authorizing a different device must not activate this delegate")
	}
	if len(d.OwnerPublic) != 0 {
		t.Fatal("an unrelated snapshot must not set a discovered owner")
	}
}

func TestDelegateManagerListenForOwnerActivatesFromAnyAuthor(t *testing.T) {
	d, err := NewDelegateManagerUnbound(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	relay := transport.NewMockRelay()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unsub, err := d.ListenForOwner(ctx, relay)
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	ownerPub, ownerPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ev := buildAppKeysEvent(ownerPub, ownerPriv, time.Now(), DeviceEntry{
		DeviceID:       d.DeviceID,
		IdentityPublic: append([]byte(nil), d.IdentityPublic...),
		CreatedAt:      time.Now(),
	})
	errCh := relay.Publish(ctx, ev)
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}

	if err := d.WaitForActivation(ctx); err != nil {
		t.Fatalf("expected ListenForOwner to activate the delegate: %v", err)
	}
	if got := d.DiscoveredOwner(); string(got) != string(ownerPub) {
		t.Fatalf("expected DiscoveredOwner to report the publishing owner, got %x want %x", got, ownerPub)
	}
}

func newTestDevice() (deviceID string, pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	pub, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, nil, err
	}
	deviceID, err = wireevent.DeviceID(pub)
	if err != nil {
		return "", nil, nil, err
	}
	return deviceID, pub, priv, nil
}
