package sessionmanager

import (
	"time"

	"ardentmesh/internal/appkeys"
	"ardentmesh/internal/ratchet"
	"ardentmesh/internal/transport"
)

// defaultInactiveCapacity bounds DeviceRecord.Inactive per spec.md §3's
// DeviceRecord invariant, overridable via drconfig.Config.InactiveQueueSz.
const defaultInactiveCapacity = 10

// sessionHandle is one live Session: its ratchet state plus whatever
// transport subscriptions currently route envelopes to it. subs is
// keyed by hex(peerDhPublic) so reconcileSessionSubscriptions can diff
// the wanted set against it without re-subscribing unchanged keys.
type sessionHandle struct {
	name        string
	ownerPublic []byte
	deviceID    string
	state       *ratchet.SessionState

	subs map[string]transport.Unsubscribe

	// receivedAny is true once the first envelope has been decrypted on
	// this session, which is what gates its promotion to active and the
	// one-time drain of any pending MessageHistory.
	receivedAny bool
}

func (h *sessionHandle) unsubscribeAll() {
	for _, u := range h.subs {
		if u != nil {
			u()
		}
	}
	h.subs = nil
}

// deviceRecord is one peer device under a userRecord: one active
// session plus a bounded, most-recent-first queue of inactive ones,
// per spec.md §3's DeviceRecord.
type deviceRecord struct {
	deviceID  string
	active    *sessionHandle
	inactive  []*sessionHandle
	createdAt time.Time
}

// attach adds a freshly created session to the device record: it
// becomes active immediately if no active session exists yet, else it
// waits inactive until its first successful decrypt promotes it, per
// spec.md §4.4's attach-and-rotate protocol.
func (d *deviceRecord) attach(h *sessionHandle, capacity int) {
	if d.active == nil {
		d.active = h
		return
	}
	d.pushInactive(h, capacity)
}

// promote makes h the active session, demoting whatever was active (if
// anything, and if it isn't h itself) to the front of the inactive
// queue.
func (d *deviceRecord) promote(h *sessionHandle, capacity int) {
	if d.active == h {
		return
	}
	prior := d.active
	d.active = h
	d.removeInactive(h)
	if prior != nil {
		d.pushInactive(prior, capacity)
	}
}

func (d *deviceRecord) pushInactive(h *sessionHandle, capacity int) {
	d.inactive = append([]*sessionHandle{h}, d.inactive...)
	if capacity <= 0 {
		capacity = defaultInactiveCapacity
	}
	for len(d.inactive) > capacity {
		tail := d.inactive[len(d.inactive)-1]
		d.inactive = d.inactive[:len(d.inactive)-1]
		tail.unsubscribeAll()
	}
}

func (d *deviceRecord) removeInactive(h *sessionHandle) {
	for i, s := range d.inactive {
		if s == h {
			d.inactive = append(d.inactive[:i], d.inactive[i+1:]...)
			return
		}
	}
}

func (d *deviceRecord) allSessions() []*sessionHandle {
	out := make([]*sessionHandle, 0, 1+len(d.inactive))
	if d.active != nil {
		out = append(out, d.active)
	}
	out = append(out, d.inactive...)
	return out
}

// userRecord is everything tracked for one owner pubkey, per spec.md §3.
type userRecord struct {
	ownerPublic []byte
	devices     map[string]*deviceRecord

	// knownDeviceIdentities caches each device's last-seen identity key
	// even after it drops out of the live AppKeys snapshot, as a
	// fallback authorization check per spec.md §4.4 step 4.
	knownDeviceIdentities map[string][]byte

	appKeys          *appkeys.AppKeys
	appKeysSubUnsub  transport.Unsubscribe
	deviceInviteSubs map[string]transport.Unsubscribe
}

func newUserRecord(ownerPublic []byte) *userRecord {
	return &userRecord{
		ownerPublic:           append([]byte(nil), ownerPublic...),
		devices:               make(map[string]*deviceRecord),
		knownDeviceIdentities: make(map[string][]byte),
		deviceInviteSubs:      make(map[string]transport.Unsubscribe),
	}
}
