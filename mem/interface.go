// Package mem provides the width-dispatching memory interface that
// instruction semantics use, and adapters that put memory models behind
// it.
package mem

import (
	"strings"

	"github.com/sarchlab/archsim/addr"
)

// MemoryResult is the two-valued status of a memory access.
type MemoryResult int

const (
	MemoryOK MemoryResult = iota
	MemoryError
)

func (r MemoryResult) String() string {
	if r == MemoryOK {
		return "ok"
	}
	return "error"
}

// MemoryDevice is a sized access target.
type MemoryDevice interface {
	Read8(a addr.Address) (uint8, MemoryResult)
	Read16(a addr.Address) (uint16, MemoryResult)
	Read32(a addr.Address) (uint32, MemoryResult)
	Read64(a addr.Address) (uint64, MemoryResult)

	Write8(a addr.Address, v uint8) MemoryResult
	Write16(a addr.Address, v uint16) MemoryResult
	Write32(a addr.Address, v uint32) MemoryResult
	Write64(a addr.Address, v uint64) MemoryResult

	Lock()
	Unlock()
}

// MemoryInterface forwards sized accesses to a connected device and
// translation requests to a connected translation provider.
type MemoryInterface struct {
	device     MemoryDevice
	translator TranslationProvider
}

// NewMemoryInterface creates an interface connected to device, translating
// with the identity provider until another one is connected.
func NewMemoryInterface(device MemoryDevice) *MemoryInterface {
	return &MemoryInterface{device: device, translator: IdentityTranslationProvider{}}
}

// Connect replaces the target device.
func (m *MemoryInterface) Connect(device MemoryDevice) { m.device = device }

// Device returns the target device.
func (m *MemoryInterface) Device() MemoryDevice { return m.device }

// ConnectTranslationProvider replaces the translation provider.
func (m *MemoryInterface) ConnectTranslationProvider(p TranslationProvider) { m.translator = p }

// TranslationProvider returns the current translation provider.
func (m *MemoryInterface) TranslationProvider() TranslationProvider { return m.translator }

// Read8 reads one byte from the connected device.
func (m *MemoryInterface) Read8(a addr.Address) (uint8, MemoryResult) { return m.device.Read8(a) }

// Read16 reads a halfword from the connected device.
func (m *MemoryInterface) Read16(a addr.Address) (uint16, MemoryResult) { return m.device.Read16(a) }

// Read32 reads a word from the connected device.
func (m *MemoryInterface) Read32(a addr.Address) (uint32, MemoryResult) { return m.device.Read32(a) }

// Read64 reads a doubleword from the connected device.
func (m *MemoryInterface) Read64(a addr.Address) (uint64, MemoryResult) { return m.device.Read64(a) }

// Write8 writes one byte to the connected device.
func (m *MemoryInterface) Write8(a addr.Address, v uint8) MemoryResult { return m.device.Write8(a, v) }

// Write16 writes a halfword to the connected device.
func (m *MemoryInterface) Write16(a addr.Address, v uint16) MemoryResult { return m.device.Write16(a, v) }

// Write32 writes a word to the connected device.
func (m *MemoryInterface) Write32(a addr.Address, v uint32) MemoryResult { return m.device.Write32(a, v) }

// Write64 writes a doubleword to the connected device.
func (m *MemoryInterface) Write64(a addr.Address, v uint64) MemoryResult { return m.device.Write64(a, v) }

// Read fills buf byte by byte starting at a, stopping at the first error.
func (m *MemoryInterface) Read(a addr.Address, buf []byte) MemoryResult {
	for i := range buf {
		v, res := m.device.Read8(a.Add(uint64(i)))
		if res != MemoryOK {
			return res
		}
		buf[i] = v
	}
	return MemoryOK
}

// Write stores buf byte by byte starting at a, stopping at the first
// error.
func (m *MemoryInterface) Write(a addr.Address, buf []byte) MemoryResult {
	for i, b := range buf {
		if res := m.device.Write8(a.Add(uint64(i)), b); res != MemoryOK {
			return res
		}
	}
	return MemoryOK
}

// ReadString reads a NUL-terminated string of at most maxLen bytes.
func (m *MemoryInterface) ReadString(a addr.Address, maxLen int) (string, MemoryResult) {
	var sb strings.Builder
	for i := 0; i < maxLen; i++ {
		c, res := m.device.Read8(a.Add(uint64(i)))
		if res != MemoryOK {
			return sb.String(), res
		}
		if c == 0 {
			break
		}
		sb.WriteByte(c)
	}
	return sb.String(), MemoryOK
}

// WriteString stores s followed by a NUL terminator.
func (m *MemoryInterface) WriteString(a addr.Address, s string) MemoryResult {
	if res := m.Write(a, []byte(s)); res != MemoryOK {
		return res
	}
	return m.device.Write8(a.Add(uint64(len(s))), 0)
}

// PerformTranslation asks the translation provider for the physical
// address of va.
func (m *MemoryInterface) PerformTranslation(va addr.VirtualAddress, isWrite, isFetch, sideEffects bool) (addr.PhysicalAddress, TranslationResult) {
	return m.translator.Translate(va, isWrite, isFetch, sideEffects)
}

// Lock takes the device lock for an atomic sequence.
func (m *MemoryInterface) Lock() { m.device.Lock() }

// Unlock releases the device lock.
func (m *MemoryInterface) Unlock() { m.device.Unlock() }
