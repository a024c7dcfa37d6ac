package sessionmanager

import (
	"context"

	"ardentmesh/internal/drerrors"
	"ardentmesh/internal/ratchet"
	"ardentmesh/pkg/wireevent"
)

type fanoutTarget struct {
	ownerPublic []byte
	deviceID    string
}

// SendMessage builds a Rumor for content, records it in both parties'
// MessageHistory, and fans it out to every device of the recipient and
// every sibling device of our own owner except ourselves, per spec.md
// §4.4's sendMessage contract. A device with no active session yet
// simply receives the message once its session is established, by way
// of the persisted history queue drainHistory replays.
func (m *SessionManager) SendMessage(ctx context.Context, recipientOwnerPublic []byte, kind int, content string, tags [][]string) (wireevent.Rumor, error) {
	rumor := wireevent.BuildRumor(m.ownerPublic, kind, content, tags, m.now())

	if err := m.SetupUser(ctx, recipientOwnerPublic); err != nil {
		return wireevent.Rumor{}, err
	}
	if err := m.SetupUser(ctx, m.ownerPublic); err != nil {
		return wireevent.Rumor{}, err
	}

	m.mu.Lock()
	m.appendHistoryLocked(recipientOwnerPublic, rumor)
	recipientKey := ownerKeyOf(recipientOwnerPublic)
	ownKey := ownerKeyOf(m.ownerPublic)
	if recipientKey != ownKey {
		m.appendHistoryLocked(m.ownerPublic, rumor)
	}
	m.mu.Unlock()

	if err := m.persistHistory(ctx, recipientKey); err != nil {
		m.logWarn("persist history failed", "err", err)
	}
	if recipientKey != ownKey {
		if err := m.persistHistory(ctx, ownKey); err != nil {
			m.logWarn("persist history failed", "err", err)
		}
	}

	payload, err := encodeRumor(rumor)
	if err != nil {
		return wireevent.Rumor{}, err
	}

	for _, t := range m.fanoutTargets(recipientOwnerPublic, m.ownerPublic) {
		if err := m.deliverToDevice(ctx, t, payload); err != nil {
			m.logWarn("deliver to device failed", "device", t.deviceID, "err", err)
		}
	}
	return rumor, nil
}

// fanoutTargets is the union of recipientOwner's devices and ownOwner's
// devices, deduplicated by device id, excluding this device itself —
// spec.md §4.4's "every non-sender device of both parties" rule.
func (m *SessionManager) fanoutTargets(recipientOwner, ownOwner []byte) []fanoutTarget {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{m.deviceID: true}
	var out []fanoutTarget

	add := func(ownerPublic []byte) {
		ownerKey := ownerKeyOf(ownerPublic)
		user := m.users[ownerKey]
		if user == nil {
			return
		}
		for deviceID := range user.devices {
			if seen[deviceID] {
				continue
			}
			seen[deviceID] = true
			out = append(out, fanoutTarget{ownerPublic: append([]byte(nil), ownerPublic...), deviceID: deviceID})
		}
	}
	add(recipientOwner)
	add(ownOwner)
	return out
}

func (m *SessionManager) deliverToDevice(ctx context.Context, t fanoutTarget, payload []byte) error {
	ownerKey := ownerKeyOf(t.ownerPublic)
	m.mu.Lock()
	user := m.users[ownerKey]
	var h *sessionHandle
	if user != nil {
		if dr := user.devices[t.deviceID]; dr != nil {
			h = dr.active
		}
	}
	m.mu.Unlock()
	if h == nil {
		return nil // no session yet; the message waits in history.
	}
	return m.sendOnSession(ctx, h, payload)
}

// sendOnSession advances h's ratchet by one message and publishes the
// resulting envelope, rolling back to the pre-send state (and skipping
// the publish) if persistence fails, mirroring handleSessionEnvelope's
// receive-side discipline.
func (m *SessionManager) sendOnSession(ctx context.Context, h *sessionHandle, payload []byte) error {
	m.mu.Lock()
	before := h.state.Clone()
	env, err := ratchet.Send(h.state, payload, m.deps.Rand)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if perr := m.persistSessionLocked(ctx, h); perr != nil {
		*h.state = *before
		m.mu.Unlock()
		return drerrors.Wrap(drerrors.CategoryIO, perr)
	}
	m.mu.Unlock()

	m.reconcileSessionSubscriptions(ctx, h)

	ev := buildSessionEnvelope(env, m.now())
	errCh := m.deps.Relay.Publish(ctx, ev)
	if m.deps.Metrics != nil {
		m.deps.Metrics.EnvelopesSent.Inc()
	}
	go func() { <-errCh }()
	return nil
}

// drainHistory replays ownerPublic's pending MessageHistory over h,
// the session that was just established or promoted. History is never
// trimmed on replay — spec.md's MessageHistory is an append-only
// record, not a delivery queue — so later devices of the same owner
// can still be caught up the same way.
func (m *SessionManager) drainHistory(ctx context.Context, ownerPublic []byte, h *sessionHandle) {
	ownerKey := ownerKeyOf(ownerPublic)
	m.mu.Lock()
	rumors := append([]wireevent.Rumor(nil), m.messageHistory[ownerKey]...)
	m.mu.Unlock()

	for _, r := range rumors {
		payload, err := encodeRumor(r)
		if err != nil {
			continue
		}
		if err := m.sendOnSession(ctx, h, payload); err != nil {
			m.logWarn("drain history send failed", "err", err)
		}
	}
}
