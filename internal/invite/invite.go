// Package invite implements the bootstrap handshake from spec.md §4.3:
// an inviter publishes an Invite (an ephemeral DH keypair plus a
// pre-shared secret, handed over out of band — e.g. a QR code or deep
// link — or published on the relay, as SessionManager does with each
// device's own invite); whoever accepts it replies with an
// InviteResponse that lets the inviter construct a matching session.
// The DH-combine-then-KDF shape is grounded on internal/crypto/session.go's
// X3DH-style helpers, reduced from X3DH's 3-4 DH terms to the single
// DH plus shared secret spec.md §4.3 calls for.
package invite

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"time"

	"ardentmesh/internal/drerrors"
	"ardentmesh/internal/ratchet"
	"ardentmesh/pkg/wireevent"
)

const responseWrapInfo = "dr/invite-response-wrap/v1"

// Invite is generated once by the inviter and shared, as its
// PublicInvite form, out of band or on the relay. EphemeralPrivate
// never leaves the inviter.
type Invite struct {
	DeviceID         string
	EphemeralPublic  []byte
	EphemeralPrivate []byte
	SharedSecret     []byte
}

// PublicInvite is what the inviter actually hands the acceptor — the
// same structure minus the private key, since the private key only
// ever needs to exist on the inviter's side.
type PublicInvite struct {
	DeviceID        string
	EphemeralPublic []byte
	SharedSecret    []byte
}

func (i Invite) Public() PublicInvite {
	return PublicInvite{DeviceID: i.DeviceID, EphemeralPublic: i.EphemeralPublic, SharedSecret: i.SharedSecret}
}

// New creates a fresh Invite for deviceID, generating both the
// ephemeral ratchet keypair and the pre-shared secret from rnd.
func New(deviceID string, rnd io.Reader) (Invite, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	kp, err := ratchet.GenerateDHKeyPair(rnd)
	if err != nil {
		return Invite{}, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	secret := make([]byte, 32)
	if _, err := io.ReadFull(rnd, secret); err != nil {
		return Invite{}, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	return Invite{
		DeviceID:         deviceID,
		EphemeralPublic:  kp.Public,
		EphemeralPrivate: kp.Private,
		SharedSecret:     secret,
	}, nil
}

// InviteResponse is the plaintext payload the acceptor sends back: the
// acceptor's fresh session public key, so the inviter can construct the
// matching responder-side Session. OwnerPublicKey lets a SessionManager
// resolve which owner's AppKeys to check the acceptor against (spec.md
// §4.4 step 4); when empty the acceptor is assumed to be a single-device
// owner and AcceptorIdentityPublic doubles as the owner key.
type InviteResponse struct {
	InviterDeviceID        string
	AcceptorDeviceID       string
	AcceptorSessionPublic  []byte
	AcceptorIdentityPublic []byte
	OwnerPublicKey         []byte
	AcceptedAt             time.Time
}

// AcceptResult bundles everything Accept produces: the session the
// acceptor should use going forward, and the response to publish.
type AcceptResult struct {
	Session         *ratchet.SessionState
	Response        InviteResponse
	EncryptedPayload []byte
	Nonce           []byte
	// OuterSigner is a fresh, single-use ed25519 keypair: per
	// SPEC_FULL.md's resolution of spec.md §9, the InviteResponse event
	// is signed under this rather than the acceptor's long-term device
	// identity, so a passive relay observer cannot link the response to
	// the accepting device.
	OuterSigner wireevent.Ed25519Signer
	OuterPublic ed25519.PublicKey
}

// Accept builds a Session as the initiator side of spec.md §4.2 (the
// acceptor always has a DH keypair already agreed with the inviter, so
// it can send immediately with no prior DH step) and encrypts the
// InviteResponse payload under a key both sides can derive from the
// invite's shared secret.
func Accept(pub PublicInvite, acceptorDeviceID string, acceptorIdentityPublic, ownerPublicKey []byte, rnd io.Reader, now time.Time) (AcceptResult, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	sessionKP, err := ratchet.GenerateDHKeyPair(rnd)
	if err != nil {
		return AcceptResult{}, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	session, err := ratchet.NewInitiator(pub.SharedSecret, sessionKP, pub.EphemeralPublic, rnd)
	if err != nil {
		return AcceptResult{}, err
	}

	response := InviteResponse{
		InviterDeviceID:        pub.DeviceID,
		AcceptorDeviceID:       acceptorDeviceID,
		AcceptorSessionPublic:  sessionKP.Public,
		AcceptorIdentityPublic: append([]byte(nil), acceptorIdentityPublic...),
		OwnerPublicKey:         append([]byte(nil), ownerPublicKey...),
		AcceptedAt:             now,
	}
	encrypted, nonce, err := encryptResponse(pub.SharedSecret, response, rnd)
	if err != nil {
		return AcceptResult{}, err
	}

	outerPub, outerPriv, err := ed25519.GenerateKey(rnd)
	if err != nil {
		return AcceptResult{}, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}

	return AcceptResult{
		Session:          session,
		Response:         response,
		EncryptedPayload: encrypted,
		Nonce:            nonce,
		OuterSigner:      wireevent.Ed25519Signer{Private: outerPriv},
		OuterPublic:      outerPub,
	}, nil
}

// CreateFromResponse is the inviter side: given the original Invite and
// a decrypted InviteResponse, it constructs the responder Session from
// spec.md §4.2, reusing the invite's ephemeral keypair as
// ourCurrentDhKey (it is already known to both sides — it is what the
// acceptor Diffie-Hellman'd against to derive rootKey0).
func CreateFromResponse(inv Invite, response InviteResponse, rnd io.Reader) (*ratchet.SessionState, error) {
	if response.InviterDeviceID != inv.DeviceID {
		return nil, drerrors.Wrap(drerrors.CategoryProtocol, drerrors.ErrInvalidInvite)
	}
	ourKeyPair := ratchet.DHKeyPair{Private: inv.EphemeralPrivate, Public: inv.EphemeralPublic}
	return ratchet.NewResponder(inv.SharedSecret, ourKeyPair, response.AcceptorSessionPublic, rnd)
}

// DecryptResponse reverses encryptResponse, for the inviter to recover
// the plaintext InviteResponse from a received envelope.
func DecryptResponse(sharedSecret, nonce, ciphertext []byte) (InviteResponse, error) {
	key := responseWrapKey(sharedSecret)
	plaintext, err := aeadOpenResponse(key, nonce, ciphertext)
	if err != nil {
		return InviteResponse{}, drerrors.Wrap(drerrors.CategoryCrypto, drerrors.ErrUndecryptable)
	}
	return decodeResponse(plaintext)
}
