//go:build real_waku

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/multiformats/go-multiaddr"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"

	"ardentmesh/pkg/wireevent"
)

// pubsubTopic and contentTopic follow the teacher's
// internal/waku.gowaku_enabled.go naming convention, renamed to this
// module's own wire contract rather than its chat-private-message one.
const (
	pubsubTopic  = "/waku/2/default-waku/proto"
	contentTopic = "/ardentmesh/1/event/proto"
)

// WakuRelay adapts a running go-waku node's relay protocol to the
// Relay interface, exercising the teacher's primary transport
// dependency (go-waku + multiaddr) behind the same contract the mock
// satisfies. It assumes every event travels over one shared pubsub
// topic, with filter matching performed locally by the core (per
// spec.md §6.1's "opaque filter" contract) rather than by go-waku's
// own content-topic routing.
type WakuRelay struct {
	node    *wakuNode.WakuNode
	metrics *Metrics
}

// NewWakuRelay wraps an already-started go-waku node.
func NewWakuRelay(node *wakuNode.WakuNode, metrics *Metrics) *WakuRelay {
	return &WakuRelay{node: node, metrics: metrics}
}

// ConnectBootstrapPeers dials every address in drconfig.Config.BootstrapPeers
// against the wrapped node, matching the teacher's gowaku_enabled.go
// validate-then-dial loop: each address is parsed as a multiaddr first so a
// malformed entry is skipped before it reaches the node, then dialed by its
// original string form via DialPeer.
func (w *WakuRelay) ConnectBootstrapPeers(ctx context.Context, addrs []string) []error {
	var errs []error
	for _, raw := range addrs {
		if _, err := multiaddr.NewMultiaddr(raw); err != nil {
			errs = append(errs, fmt.Errorf("parse bootstrap addr %q: %w", raw, err))
			continue
		}
		if err := w.node.DialPeer(ctx, raw); err != nil {
			errs = append(errs, fmt.Errorf("dial bootstrap addr %q: %w", raw, err))
		}
	}
	return errs
}

func (w *WakuRelay) Subscribe(ctx context.Context, filter wireevent.Filter, onEvent func(wireevent.Event)) (Unsubscribe, error) {
	cf := protocol.NewContentFilter(pubsubTopic, contentTopic)
	subs, err := w.node.Relay().Subscribe(ctx, cf)
	if err != nil {
		return nil, err
	}
	if w.metrics != nil {
		w.metrics.ActiveSubscribers.Inc()
	}

	done := make(chan struct{})
	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for {
				select {
				case env, ok := <-subscription.Ch:
					if !ok {
						return
					}
					if env == nil || env.Message() == nil {
						continue
					}
					var ev wireevent.Event
					if err := json.Unmarshal(env.Message().Payload, &ev); err != nil {
						continue
					}
					if !matchesFilter(filter, ev) {
						continue
					}
					onEvent(ev)
					if w.metrics != nil {
						w.metrics.EventsDelivered.Inc()
					}
				case <-done:
					subscription.Unsubscribe()
					return
				}
			}
		}(sub)
	}

	var closed bool
	return func() {
		if !closed {
			closed = true
			close(done)
			if w.metrics != nil {
				w.metrics.ActiveSubscribers.Dec()
			}
		}
	}, nil
}

func (w *WakuRelay) Publish(ctx context.Context, event wireevent.Event) <-chan error {
	result := make(chan error, 1)
	go func() {
		defer close(result)
		payload, err := json.Marshal(event)
		if err != nil {
			result <- err
			return
		}
		ts := time.Now().UnixNano()
		msg := &wpb.WakuMessage{
			Payload:      payload,
			ContentTopic: contentTopic,
			Timestamp:    &ts,
		}
		_, err = w.node.Relay().Publish(ctx, msg, relay.WithPubSubTopic(pubsubTopic))
		if w.metrics != nil && err == nil {
			w.metrics.EventsPublished.Inc()
		}
		result <- err
	}()
	return result
}
