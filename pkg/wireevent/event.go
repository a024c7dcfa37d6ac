// Package wireevent defines the §6.2 wire event contract consumed by
// the core: the signed Event envelope relays carry, the Filter relays
// subscribe with, and the plaintext Rumor a Session emits on receive.
// The concrete relay protocol and JSON signing scheme are external
// collaborators (spec.md §1); this package only fixes the shapes the
// core needs to construct and the minimal signer interface it needs to
// consume.
package wireevent

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sort"
	"time"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

// Event kinds used on the wire, per spec.md §6.2.
const (
	KindAppKeysOrInvite = 30078
	KindInviteResponse  = 1059
	KindSessionMessage  = 1060
	KindReaction        = 7
	KindChatRumor       = 14
)

// Event is the signed structure a relay transports. ID is the
// content-hash of every other field; Sig authenticates ID under Pubkey.
type Event struct {
	ID        string     `json:"id"`
	Pubkey    []byte     `json:"pubkey"`
	CreatedAt time.Time  `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       []byte     `json:"sig"`
}

// Filter is the opaque subscribe-side structure recognized by the
// relay contract in spec.md §6.1.
type Filter struct {
	Kinds   []int
	Authors [][]byte
	DTag    []string
	PTag    []string
	Label   []string
}

// Rumor is a plaintext application event: the payload a Session sends
// and receives. ID is the content-hash of the remaining fields.
type Rumor struct {
	ID        string     `json:"id"`
	Pubkey    []byte     `json:"pubkey"`
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags"`
	CreatedAt time.Time  `json:"created_at"`
}

// Signer is the minimal capability the core needs from whatever signs
// and verifies wire events; the concrete scheme (Schnorr/secp256k1 on a
// real relay, ed25519 here) is an implementation detail of the adapter,
// not of the core.
type Signer interface {
	Sign(id []byte) []byte
	Verify(pubkey, id, sig []byte) bool
}

// Ed25519Signer is the default Signer, matching the identity keypair
// type used throughout internal/appkeys and internal/invite.
type Ed25519Signer struct {
	Private ed25519.PrivateKey
}

func (s Ed25519Signer) Sign(id []byte) []byte {
	return ed25519.Sign(s.Private, id)
}

func (Ed25519Signer) Verify(pubkey, id, sig []byte) bool {
	if len(pubkey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubkey, id, sig)
}

// Build computes the canonical id for the given fields, signs it with
// signer, and returns the finished Event.
func Build(pubkey []byte, createdAt time.Time, kind int, tags [][]string, content string, signer Signer) Event {
	id := contentHash(pubkey, createdAt, kind, tags, content)
	return Event{
		ID:        id,
		Pubkey:    append([]byte(nil), pubkey...),
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      cloneTags(tags),
		Content:   content,
		Sig:       signer.Sign([]byte(id)),
	}
}

// Verify recomputes ev's id from its fields and checks the signature
// against it, returning an error if either check fails.
func Verify(ev Event, signer Signer) error {
	expected := contentHash(ev.Pubkey, ev.CreatedAt, ev.Kind, ev.Tags, ev.Content)
	if expected != ev.ID {
		return errors.New("wireevent: id does not match content hash")
	}
	if !signer.Verify(ev.Pubkey, []byte(ev.ID), ev.Sig) {
		return errors.New("wireevent: signature verification failed")
	}
	return nil
}

// BuildRumor constructs a Rumor with a content-hash id; if tags has no
// "ms" entry an explicit millisecond timestamp tag is appended, per
// spec.md §4.4's sendMessage contract.
func BuildRumor(pubkey []byte, kind int, content string, tags [][]string, createdAt time.Time) Rumor {
	tags = cloneTags(tags)
	if !hasTag(tags, "ms") {
		ms := createdAt.UnixMilli()
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(ms))
		tags = append(tags, []string{"ms", base58.Encode(buf)})
	}
	r := Rumor{
		Pubkey:    append([]byte(nil), pubkey...),
		Kind:      kind,
		Content:   content,
		Tags:      tags,
		CreatedAt: createdAt,
	}
	r.ID = contentHash(r.Pubkey, r.CreatedAt, r.Kind, r.Tags, r.Content)
	return r
}

func hasTag(tags [][]string, name string) bool {
	for _, t := range tags {
		if len(t) > 0 && t[0] == name {
			return true
		}
	}
	return false
}

func contentHash(pubkey []byte, createdAt time.Time, kind int, tags [][]string, content string) string {
	h, _ := blake2b.New256(nil)
	_, _ = h.Write(pubkey)
	var tbuf [8]byte
	binary.BigEndian.PutUint64(tbuf[:], uint64(createdAt.UnixNano()))
	_, _ = h.Write(tbuf[:])
	binary.BigEndian.PutUint64(tbuf[:], uint64(kind))
	_, _ = h.Write(tbuf[:])
	for _, tag := range tags {
		for _, part := range tag {
			_, _ = h.Write([]byte(part))
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte{0xff})
	}
	_, _ = h.Write([]byte(content))
	return base58.Encode(h.Sum(nil))
}

func cloneTags(tags [][]string) [][]string {
	if tags == nil {
		return nil
	}
	out := make([][]string, len(tags))
	for i, t := range tags {
		out[i] = append([]string(nil), t...)
	}
	return out
}

// DeviceID renders a device or owner ed25519 public key as a stable,
// human-displayable identifier, following identitypolicy.BuildIdentityID.
func DeviceID(pubkey []byte) (string, error) {
	if len(pubkey) != ed25519.PublicKeySize {
		return "", errors.New("wireevent: invalid public key size")
	}
	h := blake2b.Sum256(pubkey)
	return "dr1" + base58.Encode(h[:]), nil
}

// NewRandomBytes reads n cryptographically random bytes from
// crypto/rand.
func NewRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// HexKey renders a raw key (a DH public key, a shared secret) as a
// tag-safe string, for wire fields that are not an identity pubkey and
// so have no DeviceID form.
func HexKey(b []byte) string {
	return hex.EncodeToString(b)
}

// DecodeHexKey reverses HexKey.
func DecodeHexKey(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// ContentHash exposes the id computation Build uses internally, so
// callers that must sign against an id before the final Event exists
// (AppKeysManager.Publish's canonicalID callback) can reproduce it
// exactly.
func ContentHash(pubkey []byte, createdAt time.Time, kind int, tags [][]string, content string) string {
	return contentHash(pubkey, createdAt, kind, tags, content)
}

// SortedTagValues returns the values of every tag named name, sorted
// lexically — used when reading #p/#d/#l filters off an Event.
func SortedTagValues(tags [][]string, name string) []string {
	var out []string
	for _, t := range tags {
		if len(t) > 1 && t[0] == name {
			out = append(out, t[1:]...)
		}
	}
	sort.Strings(out)
	return out
}
