package storage

import (
	"context"
	"encoding/json"
	"strings"
)

// migrationUserRecord captures just enough of the legacy user record
// shape to carry device identities forward into the v1 layout; it is
// intentionally narrower than sessionmanager.UserRecord; storage must
// not import sessionmanager; the reverse dependency is the one both
// packages are built around.
type migrationUserRecord struct {
	KnownDeviceIdentities map[string][]byte `json:"knownDeviceIdentities"`
	Devices               []string          `json:"devices"`
}

// RunMigrations implements spec.md §6.4's runMigrations(): on a fresh
// or pre-v1 store it drops the legacy invite/ prefix entirely and
// rewrites each legacy user/<pub> record under v1/user/<pub>, blanking
// any embedded session state while keeping device identities, then
// stamps storage-version = "1". It is a no-op once that stamp exists.
func RunMigrations(ctx context.Context, s Storage) error {
	version, err := s.Get(ctx, KeyStorageVersion)
	if err == nil && len(version) > 0 {
		return nil
	}
	if err != nil && err != ErrNotFound {
		return wrapIOError(err)
	}

	legacyInviteKeys, err := s.List(ctx, legacyInvitePrefix)
	if err != nil {
		return wrapIOError(err)
	}
	for _, k := range legacyInviteKeys {
		if err := s.Del(ctx, k); err != nil {
			return wrapIOError(err)
		}
	}

	legacyUserKeys, err := s.List(ctx, legacyUserPrefix)
	if err != nil {
		return wrapIOError(err)
	}
	for _, k := range legacyUserKeys {
		if strings.HasPrefix(k, userPrefixV1) {
			continue // already a v1 key sharing the "user" substring
		}
		raw, err := s.Get(ctx, k)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return wrapIOError(err)
		}
		var legacy migrationUserRecord
		if err := json.Unmarshal(raw, &legacy); err != nil {
			// A single corrupt legacy record must not block migration of
			// the rest; drop it and move on, per spec.md §7's
			// state-corruption handling.
			if err := s.Del(ctx, k); err != nil {
				return wrapIOError(err)
			}
			continue
		}
		ownerPubkey := strings.TrimPrefix(k, legacyUserPrefix)
		rewritten := migrationUserRecord{
			KnownDeviceIdentities: legacy.KnownDeviceIdentities,
			Devices:               legacy.Devices,
		}
		blob, err := json.Marshal(rewritten)
		if err != nil {
			return err
		}
		if err := s.Put(ctx, UserKey(ownerPubkey), blob); err != nil {
			return wrapIOError(err)
		}
		if err := s.Del(ctx, k); err != nil {
			return wrapIOError(err)
		}
	}

	if err := s.Put(ctx, KeyStorageVersion, []byte("1")); err != nil {
		return wrapIOError(err)
	}
	return nil
}
