// Package coderegion tracks the physical pages that hold translated guest
// code.
package coderegion

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/sarchlab/archsim/addr"
	"github.com/sarchlab/archsim/pubsub"
)

// Tracker records which physical pages have been dispatched for
// translation. It is shared by every hart on a bus.
type Tracker struct {
	mu    sync.RWMutex
	pages map[uint64]struct{}

	bus    *pubsub.Bus
	logger *slog.Logger
}

// TrackerOption is a functional option for configuring a Tracker.
type TrackerOption func(*Tracker)

// WithLogger sets the logger used by the tracker.
func WithLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = l
	}
}

// NewTracker creates a tracker publishing on bus.
func NewTracker(bus *pubsub.Bus, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		pages:  make(map[uint64]struct{}),
		bus:    bus,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MarkCode records the page holding pa as code and announces it.
func (t *Tracker) MarkCode(pa addr.PhysicalAddress) {
	page := pa.PageBase()

	t.mu.Lock()
	t.pages[page.PageIndex()] = struct{}{}
	t.mu.Unlock()

	t.logger.Debug("region dispatched", slog.String("page", page.String()))
	if t.bus != nil {
		t.bus.Publish(pubsub.RegionDispatchedForTranslationPhysical, page)
	}
}

// IsRegionCode reports whether the page holding pa is marked.
func (t *Tracker) IsRegionCode(pa addr.PhysicalAddress) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.pages[pa.PageIndex()]
	return ok
}

// InvalidateRegion unmarks the page holding pa and announces that its
// translations are stale.
func (t *Tracker) InvalidateRegion(pa addr.PhysicalAddress) {
	page := pa.PageBase()

	t.mu.Lock()
	_, ok := t.pages[page.PageIndex()]
	delete(t.pages, page.PageIndex())
	t.mu.Unlock()

	if !ok {
		return
	}

	t.logger.Debug("region invalidated", slog.String("page", page.String()))
	if t.bus != nil {
		t.bus.Publish(pubsub.RegionInvalidatePhysical, page)
	}
}

// Regions returns the marked page bases in ascending order.
func (t *Tracker) Regions() []addr.PhysicalAddress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]addr.PhysicalAddress, 0, len(t.pages))
	for idx := range t.pages {
		out = append(out, addr.PhysicalAddress(idx<<addr.PageBits))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
