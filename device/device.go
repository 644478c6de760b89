// Package device defines memory-mapped devices and the manager that routes
// physical addresses to them.
package device

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/sarchlab/archsim/addr"
)

// MemoryComponent is a device occupying a range of physical addresses.
// Offsets passed to Read and Write are relative to BaseAddress.
type MemoryComponent interface {
	BaseAddress() addr.PhysicalAddress
	Size() uint64
	Read(offset uint64, size int) (uint64, bool)
	Write(offset uint64, size int, value uint64) bool
}

// Manager maps physical addresses to registered devices.
type Manager struct {
	mu      sync.RWMutex
	devices []MemoryComponent

	logger *slog.Logger
}

// ManagerOption is a functional option for configuring a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used by the manager.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates an empty device manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func end(c MemoryComponent) addr.PhysicalAddress {
	return c.BaseAddress().Add(c.Size())
}

// Register adds a device. Devices may not overlap.
func (m *Manager) Register(c MemoryComponent) error {
	if c.Size() == 0 {
		return errors.Errorf("device: zero-sized device at %s", c.BaseAddress())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.devices {
		if c.BaseAddress() < end(o) && o.BaseAddress() < end(c) {
			return errors.Errorf("device: %s+%#x overlaps device at %s+%#x",
				c.BaseAddress(), c.Size(), o.BaseAddress(), o.Size())
		}
	}

	m.devices = append(m.devices, c)
	sort.Slice(m.devices, func(i, j int) bool {
		return m.devices[i].BaseAddress() < m.devices[j].BaseAddress()
	})

	m.logger.Debug("registered device",
		slog.String("base", c.BaseAddress().String()),
		slog.String("size", fmt.Sprintf("%#x", c.Size())))
	return nil
}

// HasDevice reports whether a device covers pa.
func (m *Manager) HasDevice(pa addr.PhysicalAddress) bool {
	_, ok := m.LookupDevice(pa)
	return ok
}

// LookupDevice returns the device covering pa.
func (m *Manager) LookupDevice(pa addr.PhysicalAddress) (MemoryComponent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.devices), func(i int) bool {
		return end(m.devices[i]) > pa
	})
	if i < len(m.devices) && m.devices[i].BaseAddress() <= pa {
		return m.devices[i], true
	}
	return nil, false
}

// Devices returns the registered devices sorted by base address.
func (m *Manager) Devices() []MemoryComponent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]MemoryComponent, len(m.devices))
	copy(out, m.devices)
	return out
}
