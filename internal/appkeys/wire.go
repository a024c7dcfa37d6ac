package appkeys

import (
	"strconv"
	"time"

	"ardentmesh/pkg/wireevent"
)

// DTagAppKeys is the d-tag namespace an owner's AppKeys snapshot is
// published under, per spec.md §6.2. It lives here rather than in
// sessionmanager (which also needs it) so DelegateManager's
// any-owner discovery subscription can build the same filter without
// an import cycle back into sessionmanager.
const DTagAppKeys = "double-ratchet/app-keys"

// DiscoveryFilter matches an AppKeys snapshot from any owner: the
// subscription a device with no bound owner yet uses to find out who
// is willing to authorize it, per spec.md §4.5's discovery activation
// mode. A device that already knows its owner subscribes with
// Authors set instead (see sessionmanager.SetupUser) — this filter is
// deliberately wider.
func DiscoveryFilter() wireevent.Filter {
	return wireevent.Filter{
		Kinds: []int{wireevent.KindAppKeysOrInvite},
		DTag:  []string{DTagAppKeys},
	}
}

// ParseAppKeysEvent reconstructs an AppKeys snapshot from a received
// event. It does not verify the event's signature; callers check that
// separately with wireevent.Verify, since verification only needs
// ev.Pubkey/ID/Sig.
func ParseAppKeysEvent(ev wireevent.Event) (*AppKeys, error) {
	ak := New(ev.Pubkey, ev.CreatedAt)
	for _, t := range ev.Tags {
		if len(t) < 3 || t[0] != "device" {
			continue
		}
		idPub, err := wireevent.DecodeHexKey(t[1])
		if err != nil {
			continue
		}
		createdSec, err := strconv.ParseInt(t[2], 10, 64)
		if err != nil {
			continue
		}
		deviceID, err := wireevent.DeviceID(idPub)
		if err != nil {
			continue
		}
		ak.Devices[deviceID] = DeviceEntry{
			DeviceID:       deviceID,
			IdentityPublic: idPub,
			CreatedAt:      time.Unix(createdSec, 0),
		}
	}
	return ak, nil
}
