package sessionmanager

import (
	"testing"

	"ardentmesh/internal/transport"
)

func TestDeviceRecordAttachFirstBecomesActive(t *testing.T) {
	dr := &deviceRecord{deviceID: "d1"}
	h := &sessionHandle{name: "s1"}
	dr.attach(h, 10)
	if dr.active != h {
		t.Fatal("the first session attached to an empty device record must become active")
	}
	if len(dr.inactive) != 0 {
		t.Fatal("attaching the first session must not populate inactive")
	}
}

func TestDeviceRecordAttachSecondStaysInactiveUntilPromoted(t *testing.T) {
	dr := &deviceRecord{deviceID: "d1"}
	first := &sessionHandle{name: "s1"}
	second := &sessionHandle{name: "s2"}
	dr.attach(first, 10)
	dr.attach(second, 10)

	if dr.active != first {
		t.Fatal("a second attach must not displace the existing active session")
	}
	if len(dr.inactive) != 1 || dr.inactive[0] != second {
		t.Fatal("the second session must land in inactive until promoted")
	}
}

func TestDeviceRecordPromoteDemotesPriorActive(t *testing.T) {
	dr := &deviceRecord{deviceID: "d1"}
	first := &sessionHandle{name: "s1"}
	second := &sessionHandle{name: "s2"}
	dr.attach(first, 10)
	dr.attach(second, 10)

	dr.promote(second, 10)

	if dr.active != second {
		t.Fatal("promote must make the given session active")
	}
	if len(dr.inactive) != 1 || dr.inactive[0] != first {
		t.Fatal("the displaced active session must land at the front of inactive")
	}
}

func TestDeviceRecordPromoteOfAlreadyActiveIsNoop(t *testing.T) {
	dr := &deviceRecord{deviceID: "d1"}
	h := &sessionHandle{name: "s1"}
	dr.attach(h, 10)
	dr.promote(h, 10)
	if dr.active != h || len(dr.inactive) != 0 {
		t.Fatal("promoting the already-active session must not move anything into inactive")
	}
}

func TestDeviceRecordInactiveCapacityEvictsOldestAndUnsubscribes(t *testing.T) {
	dr := &deviceRecord{deviceID: "d1"}
	dr.attach(&sessionHandle{name: "active"}, 2)

	unsubscribed := map[string]bool{}
	withUnsub := func(name string) *sessionHandle {
		n := name
		return &sessionHandle{
			name: n,
			subs: map[string]transport.Unsubscribe{"k": func() { unsubscribed[n] = true }},
		}
	}

	dr.pushInactive(withUnsub("oldest"), 2)
	dr.pushInactive(withUnsub("middle"), 2)
	dr.pushInactive(withUnsub("newest"), 2)

	if len(dr.inactive) != 2 {
		t.Fatalf("expected inactive capped at 2, got %d", len(dr.inactive))
	}
	if !unsubscribed["oldest"] {
		t.Fatal("expected the oldest evicted session to have been unsubscribed")
	}
	if unsubscribed["middle"] || unsubscribed["newest"] {
		t.Fatal("sessions still within capacity must not be unsubscribed")
	}
	if dr.inactive[0].name != "newest" || dr.inactive[1].name != "middle" {
		t.Fatalf("expected most-recent-first order, got %v", []string{dr.inactive[0].name, dr.inactive[1].name})
	}
}

func TestDeviceRecordAllSessionsOrdersActiveFirst(t *testing.T) {
	dr := &deviceRecord{deviceID: "d1"}
	active := &sessionHandle{name: "active"}
	inactive := &sessionHandle{name: "inactive"}
	dr.attach(active, 10)
	dr.attach(inactive, 10)

	all := dr.allSessions()
	if len(all) != 2 || all[0] != active || all[1] != inactive {
		t.Fatal("allSessions must list the active session before any inactive ones")
	}
}
