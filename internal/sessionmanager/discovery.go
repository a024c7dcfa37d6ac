package sessionmanager

import (
	"bytes"
	"context"
	"time"

	"ardentmesh/internal/appkeys"
	"ardentmesh/internal/drerrors"
	"ardentmesh/internal/invite"
	"ardentmesh/pkg/wireevent"

	"golang.org/x/time/rate"
)

// SetupUser subscribes to ownerPublic's AppKeys channel, discovering
// its devices and bootstrapping a session with each one it doesn't
// already have, per spec.md §4.4. Idempotent: subsequent calls for an
// owner already being watched are a no-op.
func (m *SessionManager) SetupUser(ctx context.Context, ownerPublic []byte) error {
	ownerKey := ownerKeyOf(ownerPublic)
	m.mu.Lock()
	user, ok := m.users[ownerKey]
	if !ok {
		user = newUserRecord(ownerPublic)
		m.users[ownerKey] = user
	}
	if user.appKeysSubUnsub != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	filter := wireevent.Filter{
		Kinds:   []int{wireevent.KindAppKeysOrInvite},
		Authors: [][]byte{append([]byte(nil), ownerPublic...)},
		DTag:    []string{dTagAppKeys},
	}
	unsub, err := m.deps.Relay.Subscribe(ctx, filter, func(ev wireevent.Event) {
		m.handleAppKeysEvent(ctx, ev)
	})
	if err != nil {
		return drerrors.Wrap(drerrors.CategoryIO, err)
	}

	m.mu.Lock()
	if u := m.users[ownerKey]; u != nil && u.appKeysSubUnsub == nil {
		u.appKeysSubUnsub = unsub
		m.mu.Unlock()
	} else {
		m.mu.Unlock()
		unsub()
		return nil
	}
	m.registerSubscription(unsub)
	return nil
}

// handleAppKeysEvent merges a freshly received AppKeys snapshot into
// the tracked userRecord, subscribes to every newly-authorized
// device's invite channel, and tears down devices that dropped out of
// the snapshot.
func (m *SessionManager) handleAppKeysEvent(ctx context.Context, ev wireevent.Event) {
	if err := wireevent.Verify(ev, wireevent.Ed25519Signer{}); err != nil {
		m.logWarn("dropping app-keys event with bad signature", "err", err)
		m.dropMetric("bad_signature")
		return
	}
	snapshot, err := parseAppKeysEvent(ev)
	if err != nil {
		m.logWarn("dropping malformed app-keys event", "err", err)
		m.dropMetric("malformed_appkeys")
		return
	}
	ownerKey := ownerKeyOf(ev.Pubkey)

	m.mu.Lock()
	user, ok := m.users[ownerKey]
	if !ok {
		user = newUserRecord(ev.Pubkey)
		m.users[ownerKey] = user
	}
	if user.appKeys == nil {
		user.appKeys = appkeys.New(ev.Pubkey, time.Time{})
	}
	user.appKeys.Merge(snapshot)
	current := user.appKeys.Snapshot()

	var fresh []appkeys.DeviceEntry
	presentIDs := make(map[string]bool, len(current))
	for _, d := range current {
		presentIDs[d.DeviceID] = true
		user.knownDeviceIdentities[d.DeviceID] = append([]byte(nil), d.IdentityPublic...)
		if _, exists := user.devices[d.DeviceID]; !exists && d.DeviceID != m.deviceID {
			fresh = append(fresh, d)
		}
	}
	var stale []string
	for deviceID := range user.devices {
		if deviceID == m.deviceID {
			continue
		}
		if !presentIDs[deviceID] {
			stale = append(stale, deviceID)
		}
	}
	isOwnOwner := ownerKey == ownerKeyOf(m.ownerPublic)
	m.mu.Unlock()

	if isOwnOwner {
		m.deps.Delegate.ObserveAppKeys(snapshot)
	}
	for _, deviceID := range stale {
		m.teardownDevice(ownerKey, deviceID)
	}
	for _, entry := range fresh {
		m.subscribeDeviceInvite(ctx, ev.Pubkey, entry)
	}
	// A freshly-discovered sibling only starts listening on our invite
	// channel now; re-announce ours in case we published it before that
	// subscription existed, so mutual discovery doesn't require either
	// side to have gone first.
	if isOwnOwner && len(fresh) > 0 {
		if err := m.publishOwnInvite(ctx); err != nil {
			m.logWarn("re-publish own invite failed", "err", err)
		}
	}
}

func (m *SessionManager) teardownDevice(ownerKey, deviceID string) {
	m.mu.Lock()
	user := m.users[ownerKey]
	if user == nil {
		m.mu.Unlock()
		return
	}
	dr := user.devices[deviceID]
	delete(user.devices, deviceID)
	inviteUnsub := user.deviceInviteSubs[deviceID]
	delete(user.deviceInviteSubs, deviceID)
	m.mu.Unlock()

	if inviteUnsub != nil {
		inviteUnsub()
	}
	if dr != nil {
		for _, h := range dr.allSessions() {
			h.unsubscribeAll()
		}
	}
}

func (m *SessionManager) subscribeDeviceInvite(ctx context.Context, ownerPublic []byte, entry appkeys.DeviceEntry) {
	ownerKey := ownerKeyOf(ownerPublic)
	m.mu.Lock()
	user := m.users[ownerKey]
	if user == nil {
		m.mu.Unlock()
		return
	}
	if _, ok := user.devices[entry.DeviceID]; !ok {
		user.devices[entry.DeviceID] = &deviceRecord{deviceID: entry.DeviceID, createdAt: m.now()}
	}
	if _, already := user.deviceInviteSubs[entry.DeviceID]; already {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	identityPublic := append([]byte(nil), entry.IdentityPublic...)
	filter := wireevent.Filter{
		Kinds:   []int{wireevent.KindAppKeysOrInvite},
		Authors: [][]byte{identityPublic},
		DTag:    []string{inviteDTag(entry.DeviceID)},
	}
	unsub, err := m.deps.Relay.Subscribe(ctx, filter, func(ev wireevent.Event) {
		m.handleInviteEvent(ctx, ownerPublic, ev)
	})
	if err != nil {
		m.logWarn("subscribe invite channel failed", "device", entry.DeviceID, "err", err)
		return
	}

	m.mu.Lock()
	if user := m.users[ownerKey]; user != nil {
		user.deviceInviteSubs[entry.DeviceID] = unsub
	}
	m.mu.Unlock()
	m.registerSubscription(unsub)
}

// handleInviteEvent is the acceptor side: on seeing a sibling/peer
// device's Invite with no live session yet, accept it, publish the
// InviteResponse, and attach the resulting session.
func (m *SessionManager) handleInviteEvent(ctx context.Context, ownerPublic []byte, ev wireevent.Event) {
	pub, err := parseInviteEvent(ev)
	if err != nil {
		m.logWarn("dropping malformed invite event", "err", err)
		m.dropMetric("malformed_invite")
		return
	}
	if pub.DeviceID == m.deviceID {
		return
	}
	ownerKey := ownerKeyOf(ownerPublic)
	key := pendingKey(ownerKey, pub.DeviceID)

	m.mu.Lock()
	user := m.users[ownerKey]
	if user == nil {
		m.mu.Unlock()
		return
	}
	if dr, ok := user.devices[pub.DeviceID]; ok && dr.active != nil {
		m.mu.Unlock()
		return
	}
	if m.pendingAccepts[key] {
		m.mu.Unlock()
		return
	}
	m.pendingAccepts[key] = true
	limiter := m.acceptLimiterLocked(key)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pendingAccepts, key)
		m.mu.Unlock()
	}()

	if !limiter.Allow() {
		return
	}

	result, err := invite.Accept(pub, m.deviceID, m.identityPublic, m.ownerPublic, m.deps.Rand, m.now())
	if err != nil {
		m.logWarn("invite accept failed", "err", err)
		m.dropMetric("invite_accept")
		return
	}
	respEvent := buildInviteResponseEvent(pub.EphemeralPublic, result, m.now())

	handle := &sessionHandle{
		name:        respEvent.ID,
		ownerPublic: append([]byte(nil), ownerPublic...),
		deviceID:    pub.DeviceID,
		state:       result.Session,
	}

	m.mu.Lock()
	m.processedInviteResponses[respEvent.ID] = struct{}{}
	user = m.users[ownerKey]
	if user == nil {
		user = newUserRecord(ownerPublic)
		m.users[ownerKey] = user
	}
	dr, ok := user.devices[pub.DeviceID]
	if !ok {
		dr = &deviceRecord{deviceID: pub.DeviceID, createdAt: m.now()}
		user.devices[pub.DeviceID] = dr
	}
	dr.attach(handle, m.inactiveCapacityLocked())
	promoted := dr.active == handle
	m.mu.Unlock()

	m.reconcileSessionSubscriptions(ctx, handle)
	if err := m.persistSession(ctx, handle); err != nil {
		m.logWarn("persist accepted session failed", "err", err)
	}
	if err := m.persistUser(ctx, user); err != nil {
		m.logWarn("persist user record failed", "err", err)
	}

	errCh := m.deps.Relay.Publish(ctx, respEvent)
	go func() { <-errCh }()
	if m.deps.Metrics != nil {
		m.deps.Metrics.InviteAcceptedTotal.Inc()
	}

	if promoted {
		m.drainHistory(ctx, ownerPublic, handle)
	}
}

func (m *SessionManager) acceptLimiterLocked(key string) *rate.Limiter {
	l, ok := m.acceptLimiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 1)
		m.acceptLimiters[key] = l
	}
	return l
}

// ensureOwnInvite restores this device's current Invite from storage
// or, on first run, generates and persists a fresh one.
func (m *SessionManager) ensureOwnInvite(ctx context.Context) error {
	_, inv, _, err := appkeys.LoadDelegateState(ctx, m.deps.Storage)
	if err != nil {
		return err
	}
	if inv == nil {
		fresh, err := m.deps.Delegate.CreateOwnInvite(m.deps.Rand)
		if err != nil {
			return err
		}
		inv = &fresh
		if err := appkeys.SaveDelegateState(ctx, m.deps.Storage, m.ownerPublic, inv, nil); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.ownInvite = inv
	m.mu.Unlock()
	return nil
}

func (m *SessionManager) publishOwnInvite(ctx context.Context) error {
	m.mu.Lock()
	inv := m.ownInvite
	m.mu.Unlock()
	if inv == nil {
		return nil
	}
	ev := buildInviteEvent(inv.Public(), m.identityPublic, m.deps.Delegate.Signer(), m.now())
	errCh := m.deps.Relay.Publish(ctx, ev)
	select {
	case err := <-errCh:
		if err != nil {
			return drerrors.Wrap(drerrors.CategoryIO, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *SessionManager) startInviteResponseListener(ctx context.Context) error {
	m.mu.Lock()
	inv := m.ownInvite
	already := m.inviteResponseSub != nil
	m.mu.Unlock()
	if inv == nil || already {
		return nil
	}

	filter := wireevent.Filter{Kinds: []int{wireevent.KindInviteResponse}, PTag: []string{wireevent.HexKey(inv.EphemeralPublic)}}
	unsub, err := m.deps.Relay.Subscribe(ctx, filter, func(ev wireevent.Event) {
		m.handleInviteResponseEvent(ctx, ev)
	})
	if err != nil {
		return drerrors.Wrap(drerrors.CategoryIO, err)
	}
	m.mu.Lock()
	m.inviteResponseSub = unsub
	m.mu.Unlock()
	m.registerSubscription(unsub)
	return nil
}

// handleInviteResponseEvent is the inviter side: decrypt a received
// InviteResponse, authorize it against the claimed owner's AppKeys,
// and attach the resulting responder session.
func (m *SessionManager) handleInviteResponseEvent(ctx context.Context, ev wireevent.Event) {
	m.mu.Lock()
	if _, seen := m.processedInviteResponses[ev.ID]; seen {
		m.mu.Unlock()
		return
	}
	inv := m.ownInvite
	m.mu.Unlock()
	if inv == nil {
		return
	}

	nonce, ciphertext, err := decodeInviteResponseEvent(ev)
	if err != nil {
		m.logWarn("dropping malformed invite response", "err", err)
		m.dropMetric("malformed_invite_response")
		return
	}
	response, err := invite.DecryptResponse(inv.SharedSecret, nonce, ciphertext)
	if err != nil {
		return // not addressed to us, or a stray publish; drop silently.
	}
	if response.AcceptorDeviceID == m.deviceID {
		return // our own echo.
	}

	claimedOwner := response.OwnerPublicKey
	if len(claimedOwner) == 0 {
		claimedOwner = response.AcceptorIdentityPublic
	}
	ownerKey := ownerKeyOf(claimedOwner)

	if !m.authorizeInviteResponse(ctx, claimedOwner, response) {
		m.logWarn("dropping unauthorized invite response", "device", response.AcceptorDeviceID)
		m.dropMetric("unauthorized")
		return
	}

	sessionState, err := invite.CreateFromResponse(*inv, response, m.deps.Rand)
	if err != nil {
		m.logWarn("createFromResponse failed", "err", err)
		return
	}

	handle := &sessionHandle{
		name:        ev.ID,
		ownerPublic: append([]byte(nil), claimedOwner...),
		deviceID:    response.AcceptorDeviceID,
		state:       sessionState,
	}

	m.mu.Lock()
	m.processedInviteResponses[ev.ID] = struct{}{}
	user, ok := m.users[ownerKey]
	if !ok {
		user = newUserRecord(claimedOwner)
		m.users[ownerKey] = user
	}
	dr, ok := user.devices[response.AcceptorDeviceID]
	if !ok {
		dr = &deviceRecord{deviceID: response.AcceptorDeviceID, createdAt: m.now()}
		user.devices[response.AcceptorDeviceID] = dr
	}
	dr.attach(handle, m.inactiveCapacityLocked())
	promoted := dr.active == handle
	m.mu.Unlock()

	m.reconcileSessionSubscriptions(ctx, handle)
	if err := m.persistSession(ctx, handle); err != nil {
		m.logWarn("persist responder session failed", "err", err)
	}
	if err := m.persistUser(ctx, user); err != nil {
		m.logWarn("persist user record failed", "err", err)
	}
	if promoted {
		m.drainHistory(ctx, claimedOwner, handle)
	}
}

// authorizeInviteResponse checks response against ownerPublic's
// AppKeys, per spec.md §4.4 step 4. If the device isn't recognized, it
// calls waitForAppKeys, which waits up to Config.AppKeysFetchWait only
// while no snapshot for that owner is held; a snapshot already held is
// returned at once and is not refetched. It
// falls back to the last-known identity for that device id, and — for
// the narrow case of a response claiming to be the owner device
// itself answering its own first invite — trusts a direct match on
// the owner identity, since that device cannot yet appear in its own
// not-fetched-or-published AppKeys snapshot.
func (m *SessionManager) authorizeInviteResponse(ctx context.Context, ownerPublic []byte, response invite.InviteResponse) bool {
	ownerKey := ownerKeyOf(ownerPublic)
	m.mu.Lock()
	user := m.users[ownerKey]
	var ak *appkeys.AppKeys
	var known []byte
	if user != nil {
		if user.appKeys != nil {
			ak = user.appKeys.Clone()
		}
		known = append([]byte(nil), user.knownDeviceIdentities[response.AcceptorDeviceID]...)
	}
	m.mu.Unlock()

	if ak == nil || !ak.IsAuthorized(response.AcceptorDeviceID, response.AcceptorIdentityPublic) {
		deadline := m.deps.Config.AppKeysFetchWait
		if deadline <= 0 {
			deadline = 2 * time.Second
		}
		waitCtx, cancel := context.WithTimeout(ctx, deadline)
		ak = m.waitForAppKeys(waitCtx, ownerPublic)
		cancel()
	}
	if ak != nil && ak.IsAuthorized(response.AcceptorDeviceID, response.AcceptorIdentityPublic) {
		return true
	}
	if len(known) > 0 && bytes.Equal(known, response.AcceptorIdentityPublic) {
		return true
	}
	return bytes.Equal(ownerPublic, response.AcceptorIdentityPublic)
}

func (m *SessionManager) waitForAppKeys(ctx context.Context, ownerPublic []byte) *appkeys.AppKeys {
	_ = m.SetupUser(ctx, ownerPublic)
	ownerKey := ownerKeyOf(ownerPublic)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		user := m.users[ownerKey]
		var ak *appkeys.AppKeys
		if user != nil && user.appKeys != nil {
			ak = user.appKeys.Clone()
		}
		m.mu.Unlock()
		if ak != nil {
			return ak
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
