package storage

// Key layout, per spec.md §6.3.
const (
	KeyStorageVersion    = "storage-version"
	KeyDeviceOwnerPubkey = "v1/device-manager/owner-pubkey"
	KeyDeviceInvite      = "v1/device-manager/invite"
	KeyDeviceAppKeys     = "v1/device-manager/app-keys"

	legacyInvitePrefix = "invite/"
	legacyUserPrefix   = "user/"
	userPrefixV1       = "v1/user/"
)

// SessionKey builds the key a SessionState is stored under.
func SessionKey(ownerPubkey, deviceID, sessionName string) string {
	return "v1/session/" + ownerPubkey + "/" + deviceID + "/" + sessionName
}

// SessionPrefix returns the prefix covering every session persisted
// for (ownerPubkey, deviceID), used by DeleteUser.
func SessionPrefix(ownerPubkey, deviceID string) string {
	return "v1/session/" + ownerPubkey + "/" + deviceID + "/"
}

// UserKey builds the key a UserRecord is stored under.
func UserKey(ownerPubkey string) string {
	return userPrefixV1 + ownerPubkey
}

// UserPrefix is the prefix covering every persisted UserRecord, used
// when reloading all of them at startup.
func UserPrefix() string {
	return userPrefixV1
}

const historyPrefixV1 = "v1/history/"

// HistoryKey builds the key a per-owner MessageHistory queue is stored
// under. Not enumerated in spec.md §6.3's key list, but required by
// spec.md §3's "MessageHistory ... Must survive restart" invariant.
func HistoryKey(ownerPubkey string) string {
	return historyPrefixV1 + ownerPubkey
}

// HistoryPrefix is the prefix covering every persisted MessageHistory,
// used when reloading all of them at startup.
func HistoryPrefix() string {
	return historyPrefixV1
}
