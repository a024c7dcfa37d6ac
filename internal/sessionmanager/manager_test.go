package sessionmanager

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"ardentmesh/internal/appkeys"
	"ardentmesh/internal/drconfig"
	"ardentmesh/internal/storage"
	"ardentmesh/internal/transport"
	"ardentmesh/pkg/wireevent"
)

type testDevice struct {
	delegate *appkeys.DelegateManager
	manager  *SessionManager
	events   []wireevent.Rumor
}

func newTestDevice(t *testing.T, relay transport.Relay, ownerPublic []byte) *testDevice {
	t.Helper()
	delegate, err := appkeys.NewDelegateManager(ownerPublic, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	td := &testDevice{delegate: delegate}
	td.manager = New(Deps{
		Relay:    relay,
		Storage:  storage.NewMemoryStore(),
		Delegate: delegate,
		Config:   drconfig.Default(),
	})
	td.manager.OnEvent(func(r wireevent.Rumor, _ []byte) {
		td.events = append(td.events, r)
	})
	return td
}

func waitActive(t *testing.T, d *appkeys.DelegateManager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.WaitForActivation(ctx); err != nil {
		t.Fatalf("device never activated: %v", err)
	}
}

func sessionActive(m *SessionManager, ownerPublic []byte, deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.users[ownerKeyOf(ownerPublic)]
	if user == nil {
		return false
	}
	dr := user.devices[deviceID]
	return dr != nil && dr.active != nil
}

func requireSessionEventually(t *testing.T, m *SessionManager, ownerPublic []byte, deviceID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sessionActive(m, ownerPublic, deviceID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(fmt.Sprintf("no active session to device %s ever appeared", deviceID))
}

// TestTwoOwnerMessageExchangeWithSiblingFanout exercises spec.md §8's
// core scenario: owner A's two devices bootstrap a session with each
// other purely from AppKeys discovery, a cross-owner handshake with
// owner B's one device requires B to authorize A's identity via A's
// own AppKeys, and a single SendMessage from A1 fans out to every
// non-sender device of both parties — landing on A2 and B1, never
// looping back to the sender.
func TestTwoOwnerMessageExchangeWithSiblingFanout(t *testing.T) {
	ctx := context.Background()
	relay := transport.NewMockRelay()

	ownerAPub, ownerAPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ownerBPub, ownerBPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	a1 := newTestDevice(t, relay, ownerAPub)
	a2 := newTestDevice(t, relay, ownerAPub)
	b1 := newTestDevice(t, relay, ownerBPub)
	for _, d := range []*testDevice{a1, a2, b1} {
		if err := d.manager.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}
		defer d.manager.Close()
	}

	// A and B already know each other as contacts, so each starts
	// watching the other's AppKeys channel before either publishes a
	// snapshot — the mock relay only delivers live events, with no
	// backfill for a subscription that arrives late.
	if err := a1.manager.SetupUser(ctx, ownerBPub); err != nil {
		t.Fatalf("a1 setup owner B: %v", err)
	}
	if err := b1.manager.SetupUser(ctx, ownerAPub); err != nil {
		t.Fatalf("b1 setup owner A: %v", err)
	}

	appKeysA := appkeys.RestoreAppKeysManager(ownerAPub, ownerAPriv, nil, AppKeysPublisher(ctx, relay))
	appKeysA.AddDevice(a1.delegate.DeviceID, a1.delegate.IdentityPublic, time.Now())
	appKeysA.AddDevice(a2.delegate.DeviceID, a2.delegate.IdentityPublic, time.Now())
	if err := appKeysA.Publish(AppKeysCanonicalID); err != nil {
		t.Fatalf("publish owner A app-keys: %v", err)
	}

	appKeysB := appkeys.RestoreAppKeysManager(ownerBPub, ownerBPriv, nil, AppKeysPublisher(ctx, relay))
	appKeysB.AddDevice(b1.delegate.DeviceID, b1.delegate.IdentityPublic, time.Now())
	if err := appKeysB.Publish(AppKeysCanonicalID); err != nil {
		t.Fatalf("publish owner B app-keys: %v", err)
	}

	// b1's own Invite was published during Init, before a1 had any
	// reason to listen for it; re-announce it now that the app-keys
	// exchange above gave a1 a subscription to catch it, the way a
	// real device would on its next periodic re-announce.
	if err := b1.manager.publishOwnInvite(ctx); err != nil {
		t.Fatalf("republish b1 invite: %v", err)
	}

	waitActive(t, a1.delegate)
	waitActive(t, a2.delegate)
	waitActive(t, b1.delegate)

	requireSessionEventually(t, a1.manager, ownerAPub, a2.delegate.DeviceID)
	requireSessionEventually(t, a1.manager, ownerBPub, b1.delegate.DeviceID)

	if _, err := a1.manager.SendMessage(ctx, ownerBPub, wireevent.KindChatRumor, "hello B", nil); err != nil {
		t.Fatalf("send message: %v", err)
	}

	if len(b1.events) != 1 || b1.events[0].Content != "hello B" {
		t.Fatalf("expected B1 to receive the message exactly once, got %#v", b1.events)
	}
	if len(a2.events) != 1 || a2.events[0].Content != "hello B" {
		t.Fatalf("expected A2 to receive the fanned-out copy of A's own sent message, got %#v", a2.events)
	}
	if len(a1.events) != 0 {
		t.Fatalf("the sending device must never receive its own message back, got %#v", a1.events)
	}
}

// TestSendMessageQueuesForDeviceWithNoSessionYetAndDrainsOnHandshake covers spec.md §4.4's
// MessageHistory fallback: a message sent before the sibling device's
// session is established must not be lost, and must be delivered once
// that device's session is promoted to active.
func TestSendMessageQueuesForDeviceWithNoSessionYetAndDrainsOnHandshake(t *testing.T) {
	ctx := context.Background()
	relay := transport.NewMockRelay()

	ownerPub, ownerPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	a1 := newTestDevice(t, relay, ownerPub)
	if err := a1.manager.Init(ctx); err != nil {
		t.Fatalf("init a1: %v", err)
	}
	defer a1.manager.Close()

	if _, err := a1.manager.SendMessage(ctx, ownerPub, wireevent.KindChatRumor, "queued before a2 exists", nil); err != nil {
		t.Fatalf("send message: %v", err)
	}

	a2 := newTestDevice(t, relay, ownerPub)
	if err := a2.manager.Init(ctx); err != nil {
		t.Fatalf("init a2: %v", err)
	}
	defer a2.manager.Close()

	appKeysMgr := appkeys.RestoreAppKeysManager(ownerPub, ownerPriv, nil, AppKeysPublisher(ctx, relay))
	appKeysMgr.AddDevice(a1.delegate.DeviceID, a1.delegate.IdentityPublic, time.Now())
	appKeysMgr.AddDevice(a2.delegate.DeviceID, a2.delegate.IdentityPublic, time.Now())
	if err := appKeysMgr.Publish(AppKeysCanonicalID); err != nil {
		t.Fatalf("publish app-keys: %v", err)
	}

	waitActive(t, a1.delegate)
	waitActive(t, a2.delegate)
	requireSessionEventually(t, a1.manager, ownerPub, a2.delegate.DeviceID)

	found := false
	for _, r := range a2.events {
		if r.Content == "queued before a2 exists" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a2 to receive the queued message once its session was established, got %#v", a2.events)
	}
}

// TestDeleteUserRemovesPersistedState covers DeleteUser's storage
// side: once called, nothing about the owner survives a fresh loadAll.
func TestDeleteUserRemovesPersistedState(t *testing.T) {
	ctx := context.Background()
	relay := transport.NewMockRelay()
	store := storage.NewMemoryStore()

	ownerPub, ownerPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	peerPub, peerPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	delegate, err := appkeys.NewDelegateManager(ownerPub, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	mgr := New(Deps{Relay: relay, Storage: store, Delegate: delegate, Config: drconfig.Default()})
	if err := mgr.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer mgr.Close()

	appKeysOwner := appkeys.RestoreAppKeysManager(ownerPub, ownerPriv, nil, AppKeysPublisher(ctx, relay))
	appKeysOwner.AddDevice(delegate.DeviceID, delegate.IdentityPublic, time.Now())
	if err := appKeysOwner.Publish(AppKeysCanonicalID); err != nil {
		t.Fatalf("publish own app-keys: %v", err)
	}
	waitActive(t, delegate)

	peerDelegate, err := appkeys.NewDelegateManager(peerPub, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	peerMgr := New(Deps{Relay: relay, Storage: storage.NewMemoryStore(), Delegate: peerDelegate, Config: drconfig.Default()})
	if err := mgr.SetupUser(ctx, peerPub); err != nil {
		t.Fatalf("setup peer: %v", err)
	}
	if err := peerMgr.Init(ctx); err != nil {
		t.Fatalf("init peer: %v", err)
	}
	defer peerMgr.Close()

	appKeysPeer := appkeys.RestoreAppKeysManager(peerPub, peerPriv, nil, AppKeysPublisher(ctx, relay))
	appKeysPeer.AddDevice(peerDelegate.DeviceID, peerDelegate.IdentityPublic, time.Now())
	if err := appKeysPeer.Publish(AppKeysCanonicalID); err != nil {
		t.Fatalf("publish peer app-keys: %v", err)
	}
	if err := peerMgr.publishOwnInvite(ctx); err != nil {
		t.Fatalf("republish peer invite: %v", err)
	}
	requireSessionEventually(t, mgr, peerPub, peerDelegate.DeviceID)

	if err := mgr.DeleteUser(ctx, peerPub); err != nil {
		t.Fatalf("delete user: %v", err)
	}

	keys, err := store.List(ctx, "v1/session/"+ownerKeyOf(peerPub)+"/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no persisted sessions for a deleted user, got %v", keys)
	}
	if sessionActive(mgr, peerPub, peerDelegate.DeviceID) {
		t.Fatal("expected DeleteUser to drop the in-memory session record too")
	}
}

// TestUnboundDelegateDiscoversOwnerAndEstablishesSession mirrors
// spec.md's E2E scenario 5: a second device (A2) is minted without
// knowing its owner up front, listens for any owner's AppKeys, and
// only after the owner authority (A1's owner) adds and publishes it
// does WaitForActivation return — at which point DiscoveredOwner must
// report that owner, and a SessionManager built on top of the
// now-bound delegate establishes a session with A1 exactly as it would
// have if the owner had been known from the start.
func TestUnboundDelegateDiscoversOwnerAndEstablishesSession(t *testing.T) {
	ctx := context.Background()
	relay := transport.NewMockRelay()

	ownerPub, ownerPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	a1 := newTestDevice(t, relay, ownerPub)
	if err := a1.manager.Init(ctx); err != nil {
		t.Fatalf("init a1: %v", err)
	}
	defer a1.manager.Close()

	a2Delegate, err := appkeys.NewDelegateManagerUnbound(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	unsub, err := a2Delegate.ListenForOwner(ctx, relay)
	if err != nil {
		t.Fatalf("listen for owner: %v", err)
	}
	defer unsub()

	appKeysMgr := appkeys.RestoreAppKeysManager(ownerPub, ownerPriv, nil, AppKeysPublisher(ctx, relay))
	appKeysMgr.AddDevice(a1.delegate.DeviceID, a1.delegate.IdentityPublic, time.Now())
	appKeysMgr.AddDevice(a2Delegate.DeviceID, a2Delegate.IdentityPublic, time.Now())
	if err := appKeysMgr.Publish(AppKeysCanonicalID); err != nil {
		t.Fatalf("publish app-keys: %v", err)
	}

	waitActive(t, a2Delegate)
	discovered := a2Delegate.DiscoveredOwner()
	if string(discovered) != string(ownerPub) {
		t.Fatalf("expected DiscoveredOwner to report owner %x, got %x", ownerPub, discovered)
	}

	a2 := &testDevice{delegate: a2Delegate}
	a2.manager = New(Deps{
		Relay:    relay,
		Storage:  storage.NewMemoryStore(),
		Delegate: a2Delegate,
		Config:   drconfig.Default(),
	})
	a2.manager.OnEvent(func(r wireevent.Rumor, _ []byte) { a2.events = append(a2.events, r) })
	if err := a2.manager.Init(ctx); err != nil {
		t.Fatalf("init a2: %v", err)
	}
	defer a2.manager.Close()

	requireSessionEventually(t, a1.manager, ownerPub, a2Delegate.DeviceID)
	requireSessionEventually(t, a2.manager, ownerPub, a1.delegate.DeviceID)
}
