// Package transport defines the §6.1 relay contract the core consumes
// but never implements a concrete protocol for: subscribe-by-filter,
// publish-with-ack, no delivery guarantee (an event may arrive zero,
// one or several times) and no ordering guarantee.
// Grounded on internal/waku.Node's role as the thing sessionmanager
// talks to without knowing whether a mock bus or a real go-waku node
// is underneath.
package transport

import (
	"context"

	"ardentmesh/pkg/wireevent"
)

// Unsubscribe releases a subscription; calling it twice is safe.
type Unsubscribe func()

// Relay is the abstract pub/sub transport spec.md §6.1 describes.
// Implementations MUST deliver onEvent at least zero times per
// matching event, possibly more than once, in no guaranteed order;
// callers (sessionmanager) are responsible for dedup by event id.
type Relay interface {
	Subscribe(ctx context.Context, filter wireevent.Filter, onEvent func(wireevent.Event)) (Unsubscribe, error)
	Publish(ctx context.Context, event wireevent.Event) <-chan error
}

// matchesFilter reports whether ev satisfies every populated field of
// filter, per the field semantics in spec.md §6.1 (kinds/authors/tags
// are OR'd within a field, AND'd across fields).
func matchesFilter(filter wireevent.Filter, ev wireevent.Event) bool {
	if len(filter.Kinds) > 0 && !containsInt(filter.Kinds, ev.Kind) {
		return false
	}
	if len(filter.Authors) > 0 && !containsBytes(filter.Authors, ev.Pubkey) {
		return false
	}
	if len(filter.DTag) > 0 && !containsAnyTagValue(ev.Tags, "d", filter.DTag) {
		return false
	}
	if len(filter.PTag) > 0 && !containsAnyTagValue(ev.Tags, "p", filter.PTag) {
		return false
	}
	if len(filter.Label) > 0 && !containsAnyTagValue(ev.Tags, "l", filter.Label) {
		return false
	}
	return true
}

func containsInt(set []int, v int) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

func containsBytes(set [][]byte, v []byte) bool {
	for _, x := range set {
		if string(x) == string(v) {
			return true
		}
	}
	return false
}

func containsAnyTagValue(tags [][]string, name string, wanted []string) bool {
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != name {
			continue
		}
		for _, v := range tag[1:] {
			for _, w := range wanted {
				if v == w {
					return true
				}
			}
		}
	}
	return false
}
