// Package emu provides the guest physical memory model and hart state.
package emu

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/sarchlab/archsim/addr"
)

var (
	// ErrUnmapped is returned for physical addresses outside every RAM
	// region.
	ErrUnmapped = errors.New("unmapped physical address")

	// ErrHostMemoryExhausted is returned when backing a guest page would
	// exceed the configured host page limit.
	ErrHostMemoryExhausted = errors.New("host memory exhausted")
)

// AccessError describes a failed physical memory access.
type AccessError struct {
	Addr  addr.PhysicalAddress
	Size  int
	Write bool
	Err   error
}

func (e *AccessError) Error() string {
	reason := "memory error"
	switch {
	case errors.Is(e.Err, ErrUnmapped) && e.Write:
		reason = "unmapped write"
	case errors.Is(e.Err, ErrUnmapped):
		reason = "unmapped read"
	case errors.Is(e.Err, ErrHostMemoryExhausted):
		reason = "no host memory"
	}
	return fmt.Sprintf("%s at %#x(%d)", reason, e.Addr.Get(), e.Size)
}

// Unwrap returns the underlying sentinel error.
func (e *AccessError) Unwrap() error { return e.Err }

// Region is a range of guest physical memory backed by host RAM.
type Region struct {
	Base addr.PhysicalAddress
	Size uint64
	Name string
}

// Contains reports whether pa falls inside the region.
func (r Region) Contains(pa addr.PhysicalAddress) bool {
	return pa >= r.Base && uint64(pa-r.Base) < r.Size
}

func (r Region) String() string {
	desc := fmt.Sprintf("0x%x-0x%x", r.Base.Get(), r.Base.Get()+r.Size)
	if r.Name != "" {
		desc += fmt.Sprintf(" [%s]", r.Name)
	}
	return desc
}

// Memory is the guest physical memory. Host pages are allocated lazily on
// first touch and stay at the same host location for the lifetime of the
// Memory, so spans returned by LockRegion remain valid indefinitely.
type Memory struct {
	mu sync.Mutex

	pages     map[uint64][]byte
	regions   []Region
	pageLimit int

	logger *slog.Logger
}

// MemoryOption is a functional option for configuring Memory.
type MemoryOption func(*Memory)

// WithPageLimit caps the number of host pages that may back guest memory.
// A value of 0 means no limit.
func WithPageLimit(n int) MemoryOption {
	return func(m *Memory) {
		m.pageLimit = n
	}
}

// WithMemoryLogger sets the logger used by the memory.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) {
		m.logger = l
	}
}

// NewMemory creates an empty physical memory. Until a region is mapped
// the whole address space is treated as RAM.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		pages:  make(map[uint64][]byte),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MapRegion declares [base, base+size) as RAM. Both base and size must be
// page aligned and the region must not overlap an existing one.
func (m *Memory) MapRegion(base addr.PhysicalAddress, size uint64, name string) error {
	if base.PageOffset() != 0 || size&addr.PageMask != 0 || size == 0 {
		return errors.Errorf("memory: region %#x+%#x is not page aligned", base.Get(), size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := Region{Base: base, Size: size, Name: name}
	for _, o := range m.regions {
		if r.Base < o.Base+addr.PhysicalAddress(o.Size) && o.Base < r.Base+addr.PhysicalAddress(r.Size) {
			return errors.Errorf("memory: region %s overlaps %s", r, o)
		}
	}
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })

	m.logger.Debug("mapped RAM region", slog.String("region", r.String()))
	return nil
}

// Regions returns the mapped RAM regions sorted by base address.
func (m *Memory) Regions() []Region {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Region, len(m.regions))
	copy(out, m.regions)
	return out
}

// PagesAllocated returns the number of host pages currently backing guest
// memory.
func (m *Memory) PagesAllocated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

// binary search for the region containing pa
func (m *Memory) mapped(pa addr.PhysicalAddress) bool {
	if len(m.regions) == 0 {
		return true
	}
	i := sort.Search(len(m.regions), func(i int) bool {
		r := m.regions[i]
		return r.Base+addr.PhysicalAddress(r.Size) > pa
	})
	return i < len(m.regions) && m.regions[i].Contains(pa)
}

// page returns the host page backing pa. With alloc false an untouched
// page yields nil without error.
func (m *Memory) page(pa addr.PhysicalAddress, alloc bool) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mapped(pa) {
		return nil, ErrUnmapped
	}

	idx := pa.PageIndex()
	if p, ok := m.pages[idx]; ok {
		return p, nil
	}
	if !alloc {
		return nil, nil
	}
	if m.pageLimit > 0 && len(m.pages) >= m.pageLimit {
		return nil, ErrHostMemoryExhausted
	}

	p := make([]byte, addr.PageSize)
	m.pages[idx] = p
	return p, nil
}

// LockRegion returns a host span covering [pa, pa+size). The range must
// lie within one page. The span aliases guest memory and stays valid for
// the lifetime of the Memory.
func (m *Memory) LockRegion(pa addr.PhysicalAddress, size uint64) ([]byte, error) {
	if size == 0 || pa.PageOffset()+size > addr.PageSize {
		return nil, errors.Errorf("memory: cannot lock %#x+%#x across a page boundary", pa.Get(), size)
	}

	p, err := m.page(pa, true)
	if err != nil {
		return nil, &AccessError{Addr: pa, Size: int(size), Err: err}
	}

	off := pa.PageOffset()
	return p[off : off+size : off+size], nil
}

// Read copies len(data) bytes starting at pa into data.
func (m *Memory) Read(pa addr.PhysicalAddress, data []byte) error {
	return m.access(pa, data, false, true)
}

// Write copies data into guest memory starting at pa.
func (m *Memory) Write(pa addr.PhysicalAddress, data []byte) error {
	return m.access(pa, data, true, true)
}

// Peek reads like Read but does not allocate host pages for untouched
// guest pages; those read as zero.
func (m *Memory) Peek(pa addr.PhysicalAddress, data []byte) error {
	return m.access(pa, data, false, false)
}

// Poke writes like Write. It exists for symmetry with Peek.
func (m *Memory) Poke(pa addr.PhysicalAddress, data []byte) error {
	return m.access(pa, data, true, true)
}

func (m *Memory) access(pa addr.PhysicalAddress, data []byte, write, alloc bool) error {
	start, total := pa, len(data)
	for len(data) > 0 {
		off := pa.PageOffset()
		n := int(addr.PageSize - off)
		if n > len(data) {
			n = len(data)
		}

		p, err := m.page(pa, alloc)
		if err != nil {
			return &AccessError{Addr: start, Size: total, Write: write, Err: err}
		}

		switch {
		case write:
			copy(p[off:], data[:n])
		case p == nil:
			clear(data[:n])
		default:
			copy(data[:n], p[off:])
		}

		pa, data = pa.Add(uint64(n)), data[n:]
	}
	return nil
}

// LoadProgram writes a program image into memory at pa.
func (m *Memory) LoadProgram(pa addr.PhysicalAddress, program []byte) error {
	return errors.Wrapf(m.Write(pa, program), "load program at %s", pa)
}

// Read8 reads one byte.
func (m *Memory) Read8(pa addr.PhysicalAddress) (uint8, error) {
	var b [1]byte
	err := m.Read(pa, b[:])
	return b[0], err
}

// Read16 reads a little-endian halfword.
func (m *Memory) Read16(pa addr.PhysicalAddress) (uint16, error) {
	var b [2]byte
	err := m.Read(pa, b[:])
	return binary.LittleEndian.Uint16(b[:]), err
}

// Read32 reads a little-endian word.
func (m *Memory) Read32(pa addr.PhysicalAddress) (uint32, error) {
	var b [4]byte
	err := m.Read(pa, b[:])
	return binary.LittleEndian.Uint32(b[:]), err
}

// Read64 reads a little-endian doubleword.
func (m *Memory) Read64(pa addr.PhysicalAddress) (uint64, error) {
	var b [8]byte
	err := m.Read(pa, b[:])
	return binary.LittleEndian.Uint64(b[:]), err
}

// Fetch32 reads an instruction word.
func (m *Memory) Fetch32(pa addr.PhysicalAddress) (uint32, error) {
	return m.Read32(pa)
}

// Write8 writes one byte.
func (m *Memory) Write8(pa addr.PhysicalAddress, v uint8) error {
	return m.Write(pa, []byte{v})
}

// Write16 writes a little-endian halfword.
func (m *Memory) Write16(pa addr.PhysicalAddress, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return m.Write(pa, b[:])
}

// Write32 writes a little-endian word.
func (m *Memory) Write32(pa addr.PhysicalAddress, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(pa, b[:])
}

// Write64 writes a little-endian doubleword.
func (m *Memory) Write64(pa addr.PhysicalAddress, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.Write(pa, b[:])
}
