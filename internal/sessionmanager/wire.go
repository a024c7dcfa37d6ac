package sessionmanager

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"time"

	"ardentmesh/internal/appkeys"
	"ardentmesh/internal/drerrors"
	"ardentmesh/internal/invite"
	"ardentmesh/internal/ratchet"
	"ardentmesh/internal/transport"
	"ardentmesh/pkg/wireevent"
)

// Tag vocabulary and d-tag namespaces from spec.md §6.2. The AppKeys
// d-tag itself lives in appkeys.DTagAppKeys: DelegateManager's
// any-owner discovery subscription needs the same constant and
// appkeys cannot import this package back.
const (
	dTagAppKeys      = appkeys.DTagAppKeys
	inviteDTagPrefix = "double-ratchet/invites/"
	inviteLabel      = "double-ratchet/invites"
)

func inviteDTag(deviceID string) string {
	return inviteDTagPrefix + deviceID
}

// appKeysTags builds the deterministic tag set for an AppKeys
// snapshot: only currently-authorized devices are listed, per
// SPEC_FULL.md §4's resolution of the removed-device open question.
func appKeysTags(snapshot []appkeys.DeviceEntry) [][]string {
	tags := [][]string{{"d", dTagAppKeys}, {"version", "1"}}
	for _, d := range snapshot {
		tags = append(tags, []string{"device", wireevent.HexKey(d.IdentityPublic), strconv.FormatInt(d.CreatedAt.Unix(), 10)})
	}
	return tags
}

// appKeysCanonicalID is the canonicalID callback AppKeysManager.Publish
// needs: the exact id buildAppKeysEvent reconstructs later, so the
// signature computed against it verifies against the final event.
func appKeysCanonicalID(ak *appkeys.AppKeys) []byte {
	tags := appKeysTags(ak.Snapshot())
	return []byte(wireevent.ContentHash(ak.OwnerPublic, ak.CreatedAt, wireevent.KindAppKeysOrInvite, tags, ""))
}

// buildAppKeysEvent assembles the final signed Event for a snapshot
// already signed via appKeysCanonicalID.
func buildAppKeysEvent(ak *appkeys.AppKeys, sig []byte) wireevent.Event {
	tags := appKeysTags(ak.Snapshot())
	id := wireevent.ContentHash(ak.OwnerPublic, ak.CreatedAt, wireevent.KindAppKeysOrInvite, tags, "")
	return wireevent.Event{
		ID:        id,
		Pubkey:    append([]byte(nil), ak.OwnerPublic...),
		CreatedAt: ak.CreatedAt,
		Kind:      wireevent.KindAppKeysOrInvite,
		Tags:      tags,
		Content:   "",
		Sig:       sig,
	}
}

// parseAppKeysEvent reconstructs an AppKeys snapshot from a received
// event; the decode itself lives in appkeys.ParseAppKeysEvent so
// DelegateManager's discovery path shares the exact same logic rather
// than a second copy of it.
func parseAppKeysEvent(ev wireevent.Event) (*appkeys.AppKeys, error) {
	return appkeys.ParseAppKeysEvent(ev)
}

// buildInviteEvent publishes pub under identityPublic, the actual
// ed25519 key the inviting device signs with (pub.DeviceID is only its
// derived display form and cannot be reversed back into key bytes).
func buildInviteEvent(pub invite.PublicInvite, identityPublic []byte, signer wireevent.Signer, now time.Time) wireevent.Event {
	tags := [][]string{
		{"d", inviteDTag(pub.DeviceID)},
		{"l", inviteLabel},
		{"ephemeral", wireevent.HexKey(pub.EphemeralPublic)},
		{"secret", wireevent.HexKey(pub.SharedSecret)},
	}
	return wireevent.Build(identityPublic, now, wireevent.KindAppKeysOrInvite, tags, "", signer)
}

// parseInviteEvent reverses buildInviteEvent. The inviting device's id
// is recovered from ev.Pubkey itself, not from the d-tag (which only
// echoes it back for filtering).
func parseInviteEvent(ev wireevent.Event) (invite.PublicInvite, error) {
	deviceID, err := wireevent.DeviceID(ev.Pubkey)
	if err != nil {
		return invite.PublicInvite{}, drerrors.Wrap(drerrors.CategoryProtocol, err)
	}
	ephemeral, err := wireevent.DecodeHexKey(firstTagValue(ev.Tags, "ephemeral"))
	if err != nil {
		return invite.PublicInvite{}, drerrors.Wrap(drerrors.CategoryProtocol, err)
	}
	secret, err := wireevent.DecodeHexKey(firstTagValue(ev.Tags, "secret"))
	if err != nil {
		return invite.PublicInvite{}, drerrors.Wrap(drerrors.CategoryProtocol, err)
	}
	return invite.PublicInvite{DeviceID: deviceID, EphemeralPublic: ephemeral, SharedSecret: secret}, nil
}

// buildInviteResponseEvent seals result under result.OuterSigner's
// fresh, single-use keypair rather than the acceptor's long-term
// identity, per SPEC_FULL.md §4's unlinkability resolution.
func buildInviteResponseEvent(inviterEphemeralPublic []byte, result invite.AcceptResult, now time.Time) wireevent.Event {
	tags := [][]string{
		{"p", wireevent.HexKey(inviterEphemeralPublic)},
		{"nonce", base64.StdEncoding.EncodeToString(result.Nonce)},
	}
	content := base64.StdEncoding.EncodeToString(result.EncryptedPayload)
	return wireevent.Build(result.OuterPublic, now, wireevent.KindInviteResponse, tags, content, result.OuterSigner)
}

// decodeInviteResponseEvent extracts the nonce/ciphertext pair an
// inviter needs to call invite.DecryptResponse; it does not attempt to
// decrypt, since that requires the shared secret the inviter looks up
// by its own ephemeral public key.
func decodeInviteResponseEvent(ev wireevent.Event) (nonce, ciphertext []byte, err error) {
	nonceTag := firstTagValue(ev.Tags, "nonce")
	if nonceTag == "" {
		return nil, nil, drerrors.Wrap(drerrors.CategoryProtocol, errors.New("sessionmanager: invite response missing nonce tag"))
	}
	nonce, err = base64.StdEncoding.DecodeString(nonceTag)
	if err != nil {
		return nil, nil, drerrors.Wrap(drerrors.CategoryProtocol, err)
	}
	ciphertext, err = base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		return nil, nil, drerrors.Wrap(drerrors.CategoryProtocol, err)
	}
	return nonce, ciphertext, nil
}

// buildSessionEnvelope carries a ratchet.Envelope on the wire. DhPublic
// is a routing key, not a signing identity, so the event is left
// unsigned — the envelope's own authenticity comes from AEAD, not a
// wire signature.
func buildSessionEnvelope(env ratchet.Envelope, now time.Time) wireevent.Event {
	tags := [][]string{
		{"header", base64.StdEncoding.EncodeToString(env.EncryptedHeader)},
		{"header_nonce", base64.StdEncoding.EncodeToString(env.HeaderNonce)},
	}
	content := base64.StdEncoding.EncodeToString(env.Body)
	return wireevent.Event{
		ID:        wireevent.ContentHash(env.DhPublic, now, wireevent.KindSessionMessage, tags, content),
		Pubkey:    append([]byte(nil), env.DhPublic...),
		CreatedAt: now,
		Kind:      wireevent.KindSessionMessage,
		Tags:      tags,
		Content:   content,
	}
}

func parseSessionEnvelope(ev wireevent.Event) (ratchet.Envelope, error) {
	headerB64 := firstTagValue(ev.Tags, "header")
	nonceB64 := firstTagValue(ev.Tags, "header_nonce")
	if headerB64 == "" || nonceB64 == "" {
		return ratchet.Envelope{}, drerrors.Wrap(drerrors.CategoryProtocol, errors.New("sessionmanager: malformed session envelope"))
	}
	header, err := base64.StdEncoding.DecodeString(headerB64)
	if err != nil {
		return ratchet.Envelope{}, drerrors.Wrap(drerrors.CategoryProtocol, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return ratchet.Envelope{}, drerrors.Wrap(drerrors.CategoryProtocol, err)
	}
	body, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		return ratchet.Envelope{}, drerrors.Wrap(drerrors.CategoryProtocol, err)
	}
	return ratchet.Envelope{
		DhPublic:        append([]byte(nil), ev.Pubkey...),
		HeaderNonce:     nonce,
		EncryptedHeader: header,
		Body:            body,
	}, nil
}

// AppKeysCanonicalID exposes the canonical-id computation an
// AppKeysManager needs for its Publish(canonicalID) call.
func AppKeysCanonicalID(ak *appkeys.AppKeys) []byte {
	return appKeysCanonicalID(ak)
}

// AppKeysPublisher builds the appkeys.Publisher callback
// AppKeysManager.Publish needs, wiring a signed snapshot onto relay as
// a real wire Event. Pass sessionmanager.AppKeysCanonicalID as the
// matching canonicalID argument to Publish so the id this produces
// matches the one the signature was computed against.
func AppKeysPublisher(ctx context.Context, relay transport.Relay) appkeys.Publisher {
	return func(snapshot *appkeys.AppKeys, sig, id []byte) error {
		ev := buildAppKeysEvent(snapshot, sig)
		if ev.ID != string(id) {
			return drerrors.Wrap(drerrors.CategoryProtocol, errors.New("sessionmanager: app-keys canonical id mismatch"))
		}
		errCh := relay.Publish(ctx, ev)
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func firstTagValue(tags [][]string, name string) string {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}
