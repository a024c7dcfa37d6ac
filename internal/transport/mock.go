package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"ardentmesh/pkg/wireevent"
)

// MockRelay is an in-memory Relay used by tests and by a device
// process run without a real transport configured. It can be tuned to
// drop, duplicate, or reorder deliveries so callers can exercise the
// at-least-zero-times, no-ordering contract of the Relay interface rather
// than accidentally relying on a well-behaved mock. Grounded on
// internal/waku's messageBus, generalized from a single-recipient
// mailbox to filter-matched multi-subscriber fan-out.
type MockRelay struct {
	mu      sync.Mutex
	subs    map[int]mockSubscription
	nextID  int
	metrics *Metrics
	rnd     *rand.Rand

	// DropRate and DuplicateRate are independently applied per
	// (subscriber, event) delivery attempt, in [0,1]. ReorderJitter, if
	// non-zero, delays each delivery by a random duration in
	// [0, ReorderJitter) so concurrent deliveries can complete
	// out of order.
	DropRate      float64
	DuplicateRate float64
	ReorderJitter time.Duration
}

type mockSubscription struct {
	filter  wireevent.Filter
	onEvent func(wireevent.Event)
}

// NewMockRelay creates a MockRelay with no fault injection and no
// metrics observation.
func NewMockRelay() *MockRelay {
	return &MockRelay{
		subs: make(map[int]mockSubscription),
		rnd:  rand.New(rand.NewSource(1)),
	}
}

// NewMockRelayWithMetrics creates a MockRelay reporting into m.
func NewMockRelayWithMetrics(m *Metrics) *MockRelay {
	return &MockRelay{
		subs:    make(map[int]mockSubscription),
		metrics: m,
		rnd:     rand.New(rand.NewSource(1)),
	}
}

func (r *MockRelay) Subscribe(_ context.Context, filter wireevent.Filter, onEvent func(wireevent.Event)) (Unsubscribe, error) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = mockSubscription{filter: filter, onEvent: onEvent}
	if r.metrics != nil {
		r.metrics.ActiveSubscribers.Inc()
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if _, ok := r.subs[id]; ok {
				delete(r.subs, id)
				if r.metrics != nil {
					r.metrics.ActiveSubscribers.Dec()
				}
			}
			r.mu.Unlock()
		})
	}, nil
}

func (r *MockRelay) Publish(_ context.Context, event wireevent.Event) <-chan error {
	result := make(chan error, 1)

	r.mu.Lock()
	recipients := make([]mockSubscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if matchesFilter(sub.filter, event) {
			recipients = append(recipients, sub)
		}
	}
	if r.metrics != nil {
		r.metrics.EventsPublished.Inc()
	}
	r.mu.Unlock()

	for _, sub := range recipients {
		deliveries := 1
		if r.injectDuplicate() {
			deliveries = 2
		}
		for i := 0; i < deliveries; i++ {
			if r.injectDrop() {
				if r.metrics != nil {
					r.metrics.EventsDropped.WithLabelValues("mock_fault").Inc()
				}
				continue
			}
			r.deliver(sub, event)
		}
	}

	result <- nil
	close(result)
	return result
}

func (r *MockRelay) deliver(sub mockSubscription, event wireevent.Event) {
	emit := func() {
		sub.onEvent(event)
		if r.metrics != nil {
			r.metrics.EventsDelivered.Inc()
		}
	}
	if r.jitter() <= 0 {
		emit()
		return
	}
	delay := time.Duration(r.rnd.Int63n(int64(r.jitter())))
	time.AfterFunc(delay, emit)
}

func (r *MockRelay) injectDrop() bool {
	r.mu.Lock()
	rate := r.DropRate
	r.mu.Unlock()
	return rate > 0 && r.rnd.Float64() < rate
}

func (r *MockRelay) injectDuplicate() bool {
	r.mu.Lock()
	rate := r.DuplicateRate
	r.mu.Unlock()
	return rate > 0 && r.rnd.Float64() < rate
}

func (r *MockRelay) jitter() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ReorderJitter
}
