// Package sessionmanager implements the per-device orchestrator from
// spec.md §4.4: it discovers sibling/peer devices via AppKeys, accepts
// or completes Invite handshakes with them, fans outgoing messages out
// to every non-sender device of both parties, and persists everything
// needed to survive a restart. Grounded on
// internal/domains/messaging/usecase/service.go's Service (owns a
// ServiceDeps bundle, a listener registry, and an outbound send path
// that persists before it publishes) and
// internal/domains/identity/domain/manager.go's per-identity device
// bookkeeping.
package sessionmanager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ardentmesh/internal/appkeys"
	"ardentmesh/internal/drconfig"
	"ardentmesh/internal/drerrors"
	"ardentmesh/internal/invite"
	"ardentmesh/internal/ratchet"
	"ardentmesh/internal/storage"
	"ardentmesh/internal/transport"
	"ardentmesh/pkg/wireevent"
)

// Deps bundles everything a SessionManager needs injected, following
// the struct-of-dependencies shape
// internal/domains/messaging/usecase.ServiceDeps uses in the teacher.
type Deps struct {
	Relay    transport.Relay
	Storage  storage.Storage
	Delegate *appkeys.DelegateManager
	Config   drconfig.Config
	Metrics  *Metrics
	Logger   *slog.Logger
	Rand     io.Reader
	Now      func() time.Time
}

// SessionManager is the per-device orchestrator from spec.md §4.4. All
// exported methods take their own lock and are safe for concurrent use;
// internal helpers ending in "Locked" assume the caller already holds mu.
type SessionManager struct {
	deps Deps

	mu             sync.Mutex
	ownerPublic    []byte
	deviceID       string
	identityPublic []byte

	users                    map[string]*userRecord
	messageHistory           map[string][]wireevent.Rumor
	processedInviteResponses map[string]struct{}
	pendingAccepts           map[string]bool
	acceptLimiters           map[string]*rate.Limiter

	listeners      map[int]func(wireevent.Rumor, []byte)
	nextListenerID int

	allSubs           []transport.Unsubscribe
	inviteResponseSub transport.Unsubscribe
	ownInvite         *invite.Invite

	initialized bool
	closed      bool
}

// New builds a SessionManager bound to deps.Delegate's identity. Call
// Init before using it.
func New(deps Deps) *SessionManager {
	if deps.Rand == nil {
		deps.Rand = rand.Reader
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &SessionManager{
		deps:                     deps,
		ownerPublic:              append([]byte(nil), deps.Delegate.OwnerPublic...),
		deviceID:                 deps.Delegate.DeviceID,
		identityPublic:           append([]byte(nil), deps.Delegate.IdentityPublic...),
		users:                    make(map[string]*userRecord),
		messageHistory:           make(map[string][]wireevent.Rumor),
		processedInviteResponses: make(map[string]struct{}),
		pendingAccepts:           make(map[string]bool),
		acceptLimiters:           make(map[string]*rate.Limiter),
		listeners:                make(map[int]func(wireevent.Rumor, []byte)),
	}
}

func (m *SessionManager) now() time.Time { return m.deps.Now() }

func ownerKeyOf(pub []byte) string { return hex.EncodeToString(pub) }

func pendingKey(ownerKey, deviceID string) string { return ownerKey + "/" + deviceID }

func (m *SessionManager) logWarn(msg string, args ...any) {
	if m.deps.Logger != nil {
		m.deps.Logger.Warn(msg, args...)
	}
}

func (m *SessionManager) dropMetric(reason string) {
	if m.deps.Metrics != nil {
		m.deps.Metrics.EnvelopesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *SessionManager) registerSubscription(u transport.Unsubscribe) {
	m.mu.Lock()
	m.allSubs = append(m.allSubs, u)
	m.mu.Unlock()
}

func (m *SessionManager) inactiveCapacityLocked() int {
	if m.deps.Config.InactiveQueueSz > 0 {
		return m.deps.Config.InactiveQueueSz
	}
	return defaultInactiveCapacity
}

// Init runs storage migrations, restores every persisted UserRecord
// and Session, seeds this device's own entry under its owner, and
// starts listening for invite responses and its own owner's AppKeys.
// Safe to call more than once; only the first call does anything.
func (m *SessionManager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.mu.Unlock()

	if err := storage.RunMigrations(ctx, m.deps.Storage); err != nil {
		return drerrors.Wrap(drerrors.CategoryIO, err)
	}
	if err := m.loadAll(ctx); err != nil {
		return err
	}

	ownKey := ownerKeyOf(m.ownerPublic)
	m.mu.Lock()
	ownUser, ok := m.users[ownKey]
	if !ok {
		ownUser = newUserRecord(m.ownerPublic)
		m.users[ownKey] = ownUser
	}
	if _, ok := ownUser.devices[m.deviceID]; !ok {
		ownUser.devices[m.deviceID] = &deviceRecord{deviceID: m.deviceID, createdAt: m.now()}
	}
	m.mu.Unlock()

	if err := m.ensureOwnInvite(ctx); err != nil {
		return err
	}
	if err := m.startInviteResponseListener(ctx); err != nil {
		return err
	}
	if err := m.publishOwnInvite(ctx); err != nil {
		m.logWarn("publish own invite failed", "err", err)
	}
	if err := m.SetupUser(ctx, m.ownerPublic); err != nil {
		return err
	}
	return nil
}

// OnEvent registers cb to be called with every Rumor this manager
// decrypts, alongside the owner pubkey of the device that sent it. The
// returned func unregisters it; calling it more than once is safe.
func (m *SessionManager) OnEvent(cb func(rumor wireevent.Rumor, ownerPublic []byte)) func() {
	m.mu.Lock()
	id := m.nextListenerID
	m.nextListenerID++
	m.listeners[id] = cb
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

func (m *SessionManager) snapshotListeners() []func(wireevent.Rumor, []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]func(wireevent.Rumor, []byte), 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	return out
}

// Close tears down every transport subscription this manager holds.
// Safe to call more than once.
func (m *SessionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.allSubs
	m.allSubs = nil
	m.mu.Unlock()

	for _, u := range subs {
		if u != nil {
			u()
		}
	}
}

// DeleteUser tears down every subscription and session tracked for
// ownerPublic and removes its persisted records.
func (m *SessionManager) DeleteUser(ctx context.Context, ownerPublic []byte) error {
	ownerKey := ownerKeyOf(ownerPublic)
	m.mu.Lock()
	user, ok := m.users[ownerKey]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.users, ownerKey)
	delete(m.messageHistory, ownerKey)
	deviceIDs := make([]string, 0, len(user.devices))
	for id := range user.devices {
		deviceIDs = append(deviceIDs, id)
	}
	m.mu.Unlock()

	if user.appKeysSubUnsub != nil {
		user.appKeysSubUnsub()
	}
	for _, u := range user.deviceInviteSubs {
		if u != nil {
			u()
		}
	}
	for _, dr := range user.devices {
		for _, h := range dr.allSessions() {
			h.unsubscribeAll()
		}
	}

	for _, deviceID := range deviceIDs {
		keys, err := m.deps.Storage.List(ctx, storage.SessionPrefix(ownerKey, deviceID))
		if err != nil {
			return drerrors.Wrap(drerrors.CategoryIO, err)
		}
		for _, k := range keys {
			if err := m.deps.Storage.Del(ctx, k); err != nil {
				return drerrors.Wrap(drerrors.CategoryIO, err)
			}
		}
	}
	if err := m.deps.Storage.Del(ctx, storage.UserKey(ownerKey)); err != nil {
		return drerrors.Wrap(drerrors.CategoryIO, err)
	}
	if err := m.deps.Storage.Del(ctx, storage.HistoryKey(ownerKey)); err != nil {
		return drerrors.Wrap(drerrors.CategoryIO, err)
	}
	return nil
}

func (m *SessionManager) lookupUser(ownerKey string) *userRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[ownerKey]
}

func (m *SessionManager) deviceRecordForLocked(h *sessionHandle) *deviceRecord {
	user := m.users[ownerKeyOf(h.ownerPublic)]
	if user == nil {
		return nil
	}
	return user.devices[h.deviceID]
}

// reconcileSessionSubscriptions diffs h's currently-relevant peer DH
// public keys (its current/next epoch key, plus any still-live
// skipped chains) against its live subscriptions and adds/removes to
// match. In this implementation TheirCurrentDhPublic and
// TheirNextDhPublic always converge to the same value once any
// message has been received (see ratchet.receiveNextEpoch), so in
// practice this tracks one live subscription plus one per lingering
// skipped chain.
func (m *SessionManager) reconcileSessionSubscriptions(ctx context.Context, h *sessionHandle) {
	m.mu.Lock()
	wanted := map[string][]byte{}
	if h.state.TheirCurrentDhPublic != nil {
		wanted[hex.EncodeToString(h.state.TheirCurrentDhPublic)] = append([]byte(nil), h.state.TheirCurrentDhPublic...)
	}
	if h.state.TheirNextDhPublic != nil {
		wanted[hex.EncodeToString(h.state.TheirNextDhPublic)] = append([]byte(nil), h.state.TheirNextDhPublic...)
	}
	for key := range h.state.SkippedKeys {
		if pub, err := hex.DecodeString(key); err == nil {
			wanted[key] = pub
		}
	}
	if h.subs == nil {
		h.subs = make(map[string]transport.Unsubscribe)
	}
	var toRemove []transport.Unsubscribe
	for key, unsub := range h.subs {
		if _, ok := wanted[key]; !ok {
			toRemove = append(toRemove, unsub)
			delete(h.subs, key)
		}
	}
	var toAdd []string
	for key := range wanted {
		if _, ok := h.subs[key]; !ok {
			toAdd = append(toAdd, key)
		}
	}
	m.mu.Unlock()

	for _, u := range toRemove {
		if u != nil {
			u()
		}
	}

	for _, key := range toAdd {
		pub := wanted[key]
		filter := wireevent.Filter{Kinds: []int{wireevent.KindSessionMessage}, Authors: [][]byte{pub}}
		unsub, err := m.deps.Relay.Subscribe(ctx, filter, func(ev wireevent.Event) {
			m.handleSessionEnvelope(ctx, h, ev)
		})
		if err != nil {
			m.logWarn("subscribe session channel failed", "err", err)
			continue
		}
		m.mu.Lock()
		if _, stillWanted := h.subs[key]; stillWanted {
			m.mu.Unlock()
			continue
		}
		// state may have rotated again while Subscribe was in flight;
		// accept the subscription only if it's still one we want.
		currentWanted := h.state.TheirCurrentDhPublic != nil && hex.EncodeToString(h.state.TheirCurrentDhPublic) == key ||
			h.state.TheirNextDhPublic != nil && hex.EncodeToString(h.state.TheirNextDhPublic) == key
		if !currentWanted {
			if _, ok := h.state.SkippedKeys[key]; ok {
				currentWanted = true
			}
		}
		if currentWanted {
			h.subs[key] = unsub
			m.mu.Unlock()
			m.registerSubscription(unsub)
		} else {
			m.mu.Unlock()
			unsub()
		}
	}
}

// handleSessionEnvelope processes one inbound session-message event:
// decrypt, persist (rolling back state on a persist failure, per
// spec.md §5), promote the session, and fan the decoded Rumor out to
// every registered listener.
func (m *SessionManager) handleSessionEnvelope(ctx context.Context, h *sessionHandle, ev wireevent.Event) {
	env, err := parseSessionEnvelope(ev)
	if err != nil {
		m.logWarn("dropping malformed session envelope", "err", err)
		m.dropMetric("malformed_envelope")
		return
	}

	m.mu.Lock()
	before := h.state.Clone()
	plaintext, err := ratchet.Receive(h.state, env)
	if err != nil {
		m.mu.Unlock()
		m.dropMetric(drerrors.Category(err))
		return
	}
	if perr := m.persistSessionLocked(ctx, h); perr != nil {
		*h.state = *before
		m.mu.Unlock()
		m.logWarn("persist on receive failed, rolled back", "err", perr)
		m.dropMetric("io")
		return
	}
	rumor, rerr := decodeRumor(plaintext)
	if rerr != nil {
		m.mu.Unlock()
		m.logWarn("dropping envelope with unparseable rumor", "err", rerr)
		m.dropMetric("malformed_rumor")
		return
	}
	firstDecrypt := !h.receivedAny
	h.receivedAny = true
	if dr := m.deviceRecordForLocked(h); dr != nil {
		dr.promote(h, m.inactiveCapacityLocked())
	}
	ownerPublic := append([]byte(nil), h.ownerPublic...)
	m.mu.Unlock()

	m.reconcileSessionSubscriptions(ctx, h)
	if user := m.lookupUser(ownerKeyOf(ownerPublic)); user != nil {
		if err := m.persistUser(ctx, user); err != nil {
			m.logWarn("persist user after promote failed", "err", err)
		}
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.EnvelopesReceived.Inc()
	}

	for _, l := range m.snapshotListeners() {
		l(rumor, ownerPublic)
	}
	if firstDecrypt {
		m.drainHistory(ctx, ownerPublic, h)
	}
}

func encodeRumor(r wireevent.Rumor) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRumor(b []byte) (wireevent.Rumor, error) {
	var r wireevent.Rumor
	if err := json.Unmarshal(b, &r); err != nil {
		return wireevent.Rumor{}, drerrors.Wrap(drerrors.CategoryProtocol, err)
	}
	return r, nil
}
