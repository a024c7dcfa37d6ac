package appkeys

import (
	"context"
	"encoding/json"

	"ardentmesh/internal/drerrors"
	"ardentmesh/internal/invite"
	"ardentmesh/internal/storage"
)

// SaveDelegateState persists the three device-manager keys spec.md
// §6.3 lists: the discovered owner pubkey, this device's current
// Invite, and its cached AppKeys snapshot. The device's own identity
// keypair is provisioned by the caller (e.g. an OS keystore) and is
// not part of this layout.
func SaveDelegateState(ctx context.Context, s storage.Storage, ownerPublic []byte, inv *invite.Invite, snapshot *AppKeys) error {
	if len(ownerPublic) > 0 {
		if err := s.Put(ctx, storage.KeyDeviceOwnerPubkey, ownerPublic); err != nil {
			return drerrors.Wrap(drerrors.CategoryIO, err)
		}
	}
	if inv != nil {
		blob, err := json.Marshal(inv)
		if err != nil {
			return drerrors.Wrap(drerrors.CategoryIO, err)
		}
		if err := s.Put(ctx, storage.KeyDeviceInvite, blob); err != nil {
			return drerrors.Wrap(drerrors.CategoryIO, err)
		}
	}
	if snapshot != nil {
		blob, err := json.Marshal(snapshot)
		if err != nil {
			return drerrors.Wrap(drerrors.CategoryIO, err)
		}
		if err := s.Put(ctx, storage.KeyDeviceAppKeys, blob); err != nil {
			return drerrors.Wrap(drerrors.CategoryIO, err)
		}
	}
	return nil
}

// LoadDelegateState reverses SaveDelegateState, tolerating any of the
// three keys being absent (a device that has never published an
// invite, or never cached an app-keys snapshot, is not an error).
func LoadDelegateState(ctx context.Context, s storage.Storage) (ownerPublic []byte, inv *invite.Invite, snapshot *AppKeys, err error) {
	ownerPublic, gerr := s.Get(ctx, storage.KeyDeviceOwnerPubkey)
	if gerr != nil {
		if gerr != storage.ErrNotFound {
			return nil, nil, nil, drerrors.Wrap(drerrors.CategoryIO, gerr)
		}
		ownerPublic = nil
	}

	if inviteBlob, gerr := s.Get(ctx, storage.KeyDeviceInvite); gerr == nil {
		var parsed invite.Invite
		if json.Unmarshal(inviteBlob, &parsed) == nil {
			inv = &parsed
		}
	} else if gerr != storage.ErrNotFound {
		return nil, nil, nil, drerrors.Wrap(drerrors.CategoryIO, gerr)
	}

	if appKeysBlob, gerr := s.Get(ctx, storage.KeyDeviceAppKeys); gerr == nil {
		parsed := &AppKeys{}
		if json.Unmarshal(appKeysBlob, parsed) == nil {
			snapshot = parsed
		}
	} else if gerr != storage.ErrNotFound {
		return nil, nil, nil, drerrors.Wrap(drerrors.CategoryIO, gerr)
	}

	return ownerPublic, inv, snapshot, nil
}
