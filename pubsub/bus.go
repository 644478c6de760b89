// Package pubsub provides the event bus that couples memory models, MMUs
// and code-region tracking across harts.
package pubsub

import (
	"fmt"
	"log/slog"
	"sync"
)

// Kind identifies a class of event published on a Bus.
type Kind int

// Event kinds. Entry flushes carry an addr.VirtualAddress payload, region
// events carry an addr.PhysicalAddress, privilege changes carry the new
// ring, full flushes carry nothing.
const (
	ITlbEntryFlush Kind = iota
	DTlbEntryFlush
	ITlbFullFlush
	DTlbFullFlush
	RegionDispatchedForTranslationPhysical
	RegionInvalidatePhysical
	PrivilegeLevelChange

	numKinds
)

var kindNames = [...]string{
	ITlbEntryFlush:                         "ITlbEntryFlush",
	DTlbEntryFlush:                         "DTlbEntryFlush",
	ITlbFullFlush:                          "ITlbFullFlush",
	DTlbFullFlush:                          "DTlbFullFlush",
	RegionDispatchedForTranslationPhysical: "RegionDispatchedForTranslationPhysical",
	RegionInvalidatePhysical:               "RegionInvalidatePhysical",
	PrivilegeLevelChange:                   "PrivilegeLevelChange",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Handler is called for every event of a subscribed kind.
type Handler func(kind Kind, payload any)

// Subscription is a registered handler. It stays active until
// Unsubscribe is called.
type Subscription struct {
	bus     *Bus
	kind    Kind
	handler Handler
}

// Kind returns the event kind the subscription listens to.
func (s *Subscription) Kind() Kind { return s.kind }

// Unsubscribe removes the subscription from its bus. It is safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

type instance struct {
	// deliver serializes publication of one kind across goroutines.
	deliver sync.Mutex

	subs         []*Subscription
	publishCount uint64
}

// Bus delivers events synchronously on the publisher's goroutine.
// Delivery of one kind is serialized; a handler must not publish the kind
// it is handling.
type Bus struct {
	mu        sync.Mutex
	instances [numKinds]*instance
	logger    *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger used to trace publications.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = l
	}
}

// NewBus creates an empty event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	for i := range b.instances {
		b.instances[i] = &instance{}
	}
	return b
}

// Subscribe registers handler for events of the given kind.
func (b *Bus) Subscribe(kind Kind, handler Handler) *Subscription {
	inst := b.instance(kind)
	sub := &Subscription{bus: b, kind: kind, handler: handler}

	b.mu.Lock()
	defer b.mu.Unlock()
	inst.subs = append(inst.subs, sub)
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	inst := b.instance(sub.kind)

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range inst.subs {
		if s == sub {
			subs := make([]*Subscription, 0, len(inst.subs)-1)
			subs = append(subs, inst.subs[:i]...)
			inst.subs = append(subs, inst.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every current subscriber of kind.
func (b *Bus) Publish(kind Kind, payload any) {
	inst := b.instance(kind)

	inst.deliver.Lock()
	defer inst.deliver.Unlock()

	b.mu.Lock()
	inst.publishCount++
	subs := inst.subs
	b.mu.Unlock()

	b.logger.Debug("publish", slog.String("kind", kind.String()), slog.Any("payload", payload),
		slog.Int("subscribers", len(subs)))

	for _, s := range subs {
		s.handler(kind, payload)
	}
}

// HasSubscribers reports whether any handler listens to kind.
func (b *Bus) HasSubscribers(kind Kind) bool {
	inst := b.instance(kind)

	b.mu.Lock()
	defer b.mu.Unlock()
	return len(inst.subs) > 0
}

// PublishCount returns how many times kind has been published.
func (b *Bus) PublishCount(kind Kind) uint64 {
	inst := b.instance(kind)

	b.mu.Lock()
	defer b.mu.Unlock()
	return inst.publishCount
}

func (b *Bus) instance(kind Kind) *instance {
	if kind < 0 || kind >= numKinds {
		panic(fmt.Sprintf("pubsub: unknown event kind %d", int(kind)))
	}
	return b.instances[kind]
}
