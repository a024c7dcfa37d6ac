package sessionmanager

import (
	"context"
	"encoding/json"
	"strings"

	"ardentmesh/internal/drerrors"
	"ardentmesh/internal/ratchet"
	"ardentmesh/internal/storage"
	"ardentmesh/internal/transport"
	"ardentmesh/pkg/wireevent"
)

// persistedSessionRef is what a UserRecord keeps about one session: the
// storage name under which its full SessionState lives, not the state
// itself — spec.md §6.3 keys sessions separately from their owning
// UserRecord.
type persistedSessionRef struct {
	Name        string
	DeviceID    string
	ReceivedAny bool
}

type persistedDevice struct {
	DeviceID  string
	Active    *persistedSessionRef
	Inactive  []persistedSessionRef
	CreatedAt int64
}

type persistedUser struct {
	OwnerPublic           []byte
	Devices               []persistedDevice
	KnownDeviceIdentities map[string][]byte
}

// persistUser writes user's device/session layout (not the session
// states themselves, which persistSession already wrote individually)
// to storage.UserKey.
func (m *SessionManager) persistUser(ctx context.Context, user *userRecord) error {
	m.mu.Lock()
	pu := persistedUser{
		OwnerPublic:           append([]byte(nil), user.ownerPublic...),
		KnownDeviceIdentities: make(map[string][]byte, len(user.knownDeviceIdentities)),
	}
	for id, pub := range user.knownDeviceIdentities {
		pu.KnownDeviceIdentities[id] = append([]byte(nil), pub...)
	}
	for deviceID, dr := range user.devices {
		pd := persistedDevice{DeviceID: deviceID, CreatedAt: dr.createdAt.Unix()}
		if dr.active != nil {
			pd.Active = &persistedSessionRef{Name: dr.active.name, DeviceID: dr.active.deviceID, ReceivedAny: dr.active.receivedAny}
		}
		for _, h := range dr.inactive {
			pd.Inactive = append(pd.Inactive, persistedSessionRef{Name: h.name, DeviceID: h.deviceID, ReceivedAny: h.receivedAny})
		}
		pu.Devices = append(pu.Devices, pd)
	}
	ownerKey := ownerKeyOf(user.ownerPublic)
	m.mu.Unlock()

	blob, err := json.Marshal(pu)
	if err != nil {
		return drerrors.Wrap(drerrors.CategoryIO, err)
	}
	if err := m.deps.Storage.Put(ctx, storage.UserKey(ownerKey), blob); err != nil {
		return drerrors.Wrap(drerrors.CategoryIO, err)
	}
	return nil
}

// persistSession writes h's SessionState under its storage name,
// taking the lock itself; use persistSessionLocked when mu is already
// held.
func (m *SessionManager) persistSession(ctx context.Context, h *sessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistSessionLocked(ctx, h)
}

func (m *SessionManager) persistSessionLocked(ctx context.Context, h *sessionHandle) error {
	blob, err := json.Marshal(h.state)
	if err != nil {
		return drerrors.Wrap(drerrors.CategoryIO, err)
	}
	ownerKey := ownerKeyOf(h.ownerPublic)
	if err := m.deps.Storage.Put(ctx, storage.SessionKey(ownerKey, h.deviceID, h.name), blob); err != nil {
		return drerrors.Wrap(drerrors.CategoryIO, err)
	}
	return nil
}

// persistHistory writes the owner's whole pending-history queue back
// to storage.HistoryKey in one shot, per spec.md §3's "survive restart"
// invariant on MessageHistory.
func (m *SessionManager) persistHistory(ctx context.Context, ownerKey string) error {
	m.mu.Lock()
	rumors := append([]wireevent.Rumor(nil), m.messageHistory[ownerKey]...)
	m.mu.Unlock()

	blob, err := json.Marshal(rumors)
	if err != nil {
		return drerrors.Wrap(drerrors.CategoryIO, err)
	}
	if err := m.deps.Storage.Put(ctx, storage.HistoryKey(ownerKey), blob); err != nil {
		return drerrors.Wrap(drerrors.CategoryIO, err)
	}
	return nil
}

func (m *SessionManager) appendHistoryLocked(ownerPublic []byte, rumor wireevent.Rumor) {
	ownerKey := ownerKeyOf(ownerPublic)
	m.messageHistory[ownerKey] = append(m.messageHistory[ownerKey], rumor)
}

// loadAll restores every persisted UserRecord, its devices and
// sessions, and every persisted MessageHistory queue, at process
// startup.
func (m *SessionManager) loadAll(ctx context.Context) error {
	userKeys, err := m.deps.Storage.List(ctx, storage.UserPrefix())
	if err != nil {
		return drerrors.Wrap(drerrors.CategoryIO, err)
	}
	for _, key := range userKeys {
		blob, err := m.deps.Storage.Get(ctx, key)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return drerrors.Wrap(drerrors.CategoryIO, err)
		}
		var pu persistedUser
		if err := json.Unmarshal(blob, &pu); err != nil {
			m.logWarn("skipping corrupt user record", "key", key, "err", err)
			continue
		}
		user := newUserRecord(pu.OwnerPublic)
		for id, pub := range pu.KnownDeviceIdentities {
			user.knownDeviceIdentities[id] = pub
		}
		ownerKey := ownerKeyOf(pu.OwnerPublic)
		for _, pd := range pu.Devices {
			dr := &deviceRecord{deviceID: pd.DeviceID}
			if pd.Active != nil {
				if h := m.loadSession(ctx, ownerKey, pu.OwnerPublic, pd.DeviceID, pd.Active); h != nil {
					dr.active = h
				}
			}
			for _, ref := range pd.Inactive {
				if h := m.loadSession(ctx, ownerKey, pu.OwnerPublic, pd.DeviceID, &ref); h != nil {
					dr.inactive = append(dr.inactive, h)
				}
			}
			user.devices[pd.DeviceID] = dr
		}

		m.mu.Lock()
		m.users[ownerKey] = user
		m.mu.Unlock()

		for _, dr := range user.devices {
			for _, h := range dr.allSessions() {
				m.reconcileSessionSubscriptions(ctx, h)
				m.mu.Lock()
				m.processedInviteResponses[h.name] = struct{}{}
				m.mu.Unlock()
			}
		}
	}

	histKeys, err := m.deps.Storage.List(ctx, storage.HistoryPrefix())
	if err != nil {
		return drerrors.Wrap(drerrors.CategoryIO, err)
	}
	for _, key := range histKeys {
		blob, err := m.deps.Storage.Get(ctx, key)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return drerrors.Wrap(drerrors.CategoryIO, err)
		}
		var rumors []wireevent.Rumor
		if err := json.Unmarshal(blob, &rumors); err != nil {
			m.logWarn("skipping corrupt history record", "key", key, "err", err)
			continue
		}
		ownerKey := strings.TrimPrefix(key, storage.HistoryPrefix())
		m.mu.Lock()
		m.messageHistory[ownerKey] = rumors
		m.mu.Unlock()
	}
	return nil
}

func (m *SessionManager) loadSession(ctx context.Context, ownerKey string, ownerPublic []byte, deviceID string, ref *persistedSessionRef) *sessionHandle {
	blob, err := m.deps.Storage.Get(ctx, storage.SessionKey(ownerKey, deviceID, ref.Name))
	if err != nil {
		if err != storage.ErrNotFound {
			m.logWarn("load session failed", "name", ref.Name, "err", err)
		}
		return nil
	}
	state := &ratchet.SessionState{}
	if err := json.Unmarshal(blob, state); err != nil {
		m.logWarn("corrupt session state", "name", ref.Name, "err", err)
		return nil
	}
	return &sessionHandle{
		name:        ref.Name,
		ownerPublic: append([]byte(nil), ownerPublic...),
		deviceID:    deviceID,
		state:       state,
		subs:        make(map[string]transport.Unsubscribe),
		receivedAny: ref.ReceivedAny,
	}
}
