package mem

import (
	"sync"

	"github.com/sarchlab/archsim/addr"
	"github.com/sarchlab/archsim/emu"
)

// VirtualMemory is a memory model addressed by virtual addresses, such
// as the cache-based system memory model.
type VirtualMemory interface {
	Read(va addr.VirtualAddress, buf []byte) error
	Write(va addr.VirtualAddress, buf []byte) error
	Fetch(va addr.VirtualAddress, buf []byte) error
}

func result(err error) MemoryResult {
	if err != nil {
		return MemoryError
	}
	return MemoryOK
}

func load[T uint8 | uint16 | uint32 | uint64](read func(addr.VirtualAddress, []byte) error, a addr.Address, size int) (T, MemoryResult) {
	var buf [8]byte
	if err := read(addr.VirtualAddress(a), buf[:size]); err != nil {
		return 0, MemoryError
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return T(v), MemoryOK
}

func store(write func(addr.VirtualAddress, []byte) error, a addr.Address, size int, v uint64) MemoryResult {
	var buf [8]byte
	for i := 0; i < size; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return result(write(addr.VirtualAddress(a), buf[:size]))
}

// ModelDevice routes data accesses to a virtual memory model.
type ModelDevice struct {
	mu    sync.Mutex
	model VirtualMemory
}

// NewModelDevice wraps model for data accesses.
func NewModelDevice(model VirtualMemory) *ModelDevice {
	return &ModelDevice{model: model}
}

// Read8 reads one byte through the model.
func (d *ModelDevice) Read8(a addr.Address) (uint8, MemoryResult) {
	return load[uint8](d.model.Read, a, 1)
}

// Read16 reads a halfword through the model.
func (d *ModelDevice) Read16(a addr.Address) (uint16, MemoryResult) {
	return load[uint16](d.model.Read, a, 2)
}

// Read32 reads a word through the model.
func (d *ModelDevice) Read32(a addr.Address) (uint32, MemoryResult) {
	return load[uint32](d.model.Read, a, 4)
}

// Read64 reads a doubleword through the model.
func (d *ModelDevice) Read64(a addr.Address) (uint64, MemoryResult) {
	return load[uint64](d.model.Read, a, 8)
}

// Write8 writes one byte through the model.
func (d *ModelDevice) Write8(a addr.Address, v uint8) MemoryResult {
	return store(d.model.Write, a, 1, uint64(v))
}

// Write16 writes a halfword through the model.
func (d *ModelDevice) Write16(a addr.Address, v uint16) MemoryResult {
	return store(d.model.Write, a, 2, uint64(v))
}

// Write32 writes a word through the model.
func (d *ModelDevice) Write32(a addr.Address, v uint32) MemoryResult {
	return store(d.model.Write, a, 4, uint64(v))
}

// Write64 writes a doubleword through the model.
func (d *ModelDevice) Write64(a addr.Address, v uint64) MemoryResult {
	return store(d.model.Write, a, 8, v)
}

// Lock serializes accesses through the device.
func (d *ModelDevice) Lock() { d.mu.Lock() }

// Unlock releases Lock.
func (d *ModelDevice) Unlock() { d.mu.Unlock() }

// FetchDevice routes instruction reads to a virtual memory model. Writes
// through it always fail.
type FetchDevice struct {
	model VirtualMemory
}

// NewFetchDevice wraps model for instruction fetch.
func NewFetchDevice(model VirtualMemory) *FetchDevice {
	return &FetchDevice{model: model}
}

// Read8 reads one byte as an instruction fetch.
func (d *FetchDevice) Read8(a addr.Address) (uint8, MemoryResult) {
	return load[uint8](d.model.Fetch, a, 1)
}

// Read16 reads a halfword as an instruction fetch.
func (d *FetchDevice) Read16(a addr.Address) (uint16, MemoryResult) {
	return load[uint16](d.model.Fetch, a, 2)
}

// Read32 reads a word as an instruction fetch.
func (d *FetchDevice) Read32(a addr.Address) (uint32, MemoryResult) {
	return load[uint32](d.model.Fetch, a, 4)
}

// Read64 reads a doubleword as an instruction fetch.
func (d *FetchDevice) Read64(a addr.Address) (uint64, MemoryResult) {
	return load[uint64](d.model.Fetch, a, 8)
}

// Write8 always fails; fetch memory is read-only.
func (d *FetchDevice) Write8(addr.Address, uint8) MemoryResult { return MemoryError }

// Write16 always fails.
func (d *FetchDevice) Write16(addr.Address, uint16) MemoryResult { return MemoryError }

// Write32 always fails.
func (d *FetchDevice) Write32(addr.Address, uint32) MemoryResult { return MemoryError }

// Write64 always fails.
func (d *FetchDevice) Write64(addr.Address, uint64) MemoryResult { return MemoryError }

// Lock does nothing; fetches never need exclusive access.
func (d *FetchDevice) Lock() {}

// Unlock does nothing.
func (d *FetchDevice) Unlock() {}

// PhysicalDevice exposes guest physical memory directly.
type PhysicalDevice struct {
	mu     sync.Mutex
	memory *emu.Memory
}

// NewPhysicalDevice wraps memory.
func NewPhysicalDevice(memory *emu.Memory) *PhysicalDevice {
	return &PhysicalDevice{memory: memory}
}

// Read8 reads one byte from physical memory.
func (d *PhysicalDevice) Read8(a addr.Address) (uint8, MemoryResult) {
	v, err := d.memory.Read8(addr.PhysicalAddress(a))
	return v, result(err)
}

// Read16 reads a halfword from physical memory.
func (d *PhysicalDevice) Read16(a addr.Address) (uint16, MemoryResult) {
	v, err := d.memory.Read16(addr.PhysicalAddress(a))
	return v, result(err)
}

// Read32 reads a word from physical memory.
func (d *PhysicalDevice) Read32(a addr.Address) (uint32, MemoryResult) {
	v, err := d.memory.Read32(addr.PhysicalAddress(a))
	return v, result(err)
}

// Read64 reads a doubleword from physical memory.
func (d *PhysicalDevice) Read64(a addr.Address) (uint64, MemoryResult) {
	v, err := d.memory.Read64(addr.PhysicalAddress(a))
	return v, result(err)
}

// Write8 writes one byte to physical memory.
func (d *PhysicalDevice) Write8(a addr.Address, v uint8) MemoryResult {
	return result(d.memory.Write8(addr.PhysicalAddress(a), v))
}

// Write16 writes a halfword to physical memory.
func (d *PhysicalDevice) Write16(a addr.Address, v uint16) MemoryResult {
	return result(d.memory.Write16(addr.PhysicalAddress(a), v))
}

// Write32 writes a word to physical memory.
func (d *PhysicalDevice) Write32(a addr.Address, v uint32) MemoryResult {
	return result(d.memory.Write32(addr.PhysicalAddress(a), v))
}

// Write64 writes a doubleword to physical memory.
func (d *PhysicalDevice) Write64(a addr.Address, v uint64) MemoryResult {
	return result(d.memory.Write64(addr.PhysicalAddress(a), v))
}

// Lock serializes accesses through the device.
func (d *PhysicalDevice) Lock() { d.mu.Lock() }

// Unlock releases Lock.
func (d *PhysicalDevice) Unlock() { d.mu.Unlock() }
