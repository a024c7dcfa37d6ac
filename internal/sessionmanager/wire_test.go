package sessionmanager

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"ardentmesh/internal/appkeys"
	"ardentmesh/internal/invite"
	"ardentmesh/internal/ratchet"
	"ardentmesh/pkg/wireevent"
)

func TestAppKeysEventRoundTrip(t *testing.T) {
	ownerPub, ownerPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	devicePub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	deviceID, err := wireevent.DeviceID(devicePub)
	if err != nil {
		t.Fatal(err)
	}

	ak := appkeys.New(ownerPub, time.Now())
	ak.Devices[deviceID] = appkeys.DeviceEntry{DeviceID: deviceID, IdentityPublic: devicePub, CreatedAt: time.Now()}

	id := appKeysCanonicalID(ak)
	sig := ed25519.Sign(ownerPriv, id)
	ev := buildAppKeysEvent(ak, sig)

	if ev.ID != string(id) {
		t.Fatal("buildAppKeysEvent's id must match the canonical id signed over")
	}
	if err := wireevent.Verify(ev, wireevent.Ed25519Signer{}); err != nil {
		t.Fatalf("verify: %v", err)
	}

	parsed, err := parseAppKeysEvent(ev)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	entry, ok := parsed.Devices[deviceID]
	if !ok {
		t.Fatal("parsed app-keys snapshot missing the device it was built with")
	}
	if !bytes.Equal(entry.IdentityPublic, devicePub) {
		t.Fatal("parsed device identity key does not match")
	}
}

func TestInviteEventRoundTrip(t *testing.T) {
	identityPub, identityPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	deviceID, err := wireevent.DeviceID(identityPub)
	if err != nil {
		t.Fatal(err)
	}
	inv, err := invite.New(deviceID, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	signer := wireevent.Ed25519Signer{Private: identityPriv}
	ev := buildInviteEvent(inv.Public(), identityPub, signer, time.Now())

	if err := wireevent.Verify(ev, signer); err != nil {
		t.Fatalf("verify: %v", err)
	}

	parsed, err := parseInviteEvent(ev)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.DeviceID != deviceID {
		t.Fatalf("got device id %q, want %q", parsed.DeviceID, deviceID)
	}
	if !bytes.Equal(parsed.EphemeralPublic, inv.EphemeralPublic) {
		t.Fatal("ephemeral public key did not round-trip")
	}
	if !bytes.Equal(parsed.SharedSecret, inv.SharedSecret) {
		t.Fatal("shared secret did not round-trip")
	}
}

func TestInviteResponseEventRoundTrip(t *testing.T) {
	inv, err := invite.New("inviter-device", rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	result, err := invite.Accept(inv.Public(), "acceptor-device", make([]byte, 32), make([]byte, 32), rand.Reader, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	ev := buildInviteResponseEvent(inv.EphemeralPublic, result, time.Now())
	if err := wireevent.Verify(ev, result.OuterSigner); err != nil {
		t.Fatalf("verify: %v", err)
	}

	nonce, ciphertext, err := decodeInviteResponseEvent(ev)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	response, err := invite.DecryptResponse(inv.SharedSecret, nonce, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if response.AcceptorDeviceID != "acceptor-device" {
		t.Fatalf("got acceptor device id %q", response.AcceptorDeviceID)
	}
}

func TestSessionEnvelopeRoundTrip(t *testing.T) {
	sharedSecret := make([]byte, 32)
	if _, err := rand.Read(sharedSecret); err != nil {
		t.Fatal(err)
	}
	inviterKP, err := ratchet.GenerateDHKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	acceptorKP, err := ratchet.GenerateDHKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	initiator, err := ratchet.NewInitiator(sharedSecret, acceptorKP, inviterKP.Public, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	env, err := ratchet.Send(initiator, []byte("hello"), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ev := buildSessionEnvelope(env, time.Now())

	parsed, err := parseSessionEnvelope(ev)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(parsed.DhPublic, env.DhPublic) || !bytes.Equal(parsed.Body, env.Body) ||
		!bytes.Equal(parsed.HeaderNonce, env.HeaderNonce) || !bytes.Equal(parsed.EncryptedHeader, env.EncryptedHeader) {
		t.Fatal("session envelope did not round-trip byte for byte")
	}
}
