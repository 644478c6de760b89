// Package addr provides guest address value types.
package addr

import "fmt"

const (
	// PageBits is the number of address bits covered by a page offset.
	PageBits = 12

	// PageSize is the size of a guest page in bytes.
	PageSize = 1 << PageBits

	// PageMask selects the offset of an address within its page.
	PageMask = PageSize - 1
)

// Address is an untyped guest address. Arithmetic wraps like the
// underlying uint64.
type Address uint64

// Get returns the raw address value.
func (a Address) Get() uint64 { return uint64(a) }

// PageBase returns the address rounded down to its page.
func (a Address) PageBase() Address { return a &^ PageMask }

// PageOffset returns the offset of the address within its page.
func (a Address) PageOffset() uint64 { return uint64(a) & PageMask }

// PageIndex returns the page number of the address.
func (a Address) PageIndex() uint64 { return uint64(a) >> PageBits }

// Add returns the address advanced by n bytes.
func (a Address) Add(n uint64) Address { return a + Address(n) }

func (a Address) String() string { return fmt.Sprintf("0x%x", uint64(a)) }

// VirtualAddress is an address in a guest virtual address space.
type VirtualAddress uint64

// Get returns the raw address value.
func (a VirtualAddress) Get() uint64 { return uint64(a) }

// PageBase returns the address rounded down to its page.
func (a VirtualAddress) PageBase() VirtualAddress { return a &^ PageMask }

// PageOffset returns the offset of the address within its page.
func (a VirtualAddress) PageOffset() uint64 { return uint64(a) & PageMask }

// PageIndex returns the virtual page number of the address.
func (a VirtualAddress) PageIndex() uint64 { return uint64(a) >> PageBits }

// Add returns the address advanced by n bytes.
func (a VirtualAddress) Add(n uint64) VirtualAddress { return a + VirtualAddress(n) }

func (a VirtualAddress) String() string { return fmt.Sprintf("va:0x%x", uint64(a)) }

// PhysicalAddress is an address in the guest physical address space.
type PhysicalAddress uint64

// Get returns the raw address value.
func (a PhysicalAddress) Get() uint64 { return uint64(a) }

// PageBase returns the address rounded down to its page.
func (a PhysicalAddress) PageBase() PhysicalAddress { return a &^ PageMask }

// PageOffset returns the offset of the address within its page.
func (a PhysicalAddress) PageOffset() uint64 { return uint64(a) & PageMask }

// PageIndex returns the physical page number of the address.
func (a PhysicalAddress) PageIndex() uint64 { return uint64(a) >> PageBits }

// Add returns the address advanced by n bytes.
func (a PhysicalAddress) Add(n uint64) PhysicalAddress { return a + PhysicalAddress(n) }

func (a PhysicalAddress) String() string { return fmt.Sprintf("pa:0x%x", uint64(a)) }

// Identity reinterprets a virtual address as the physical address with the
// same value, as an untranslated system would.
func Identity(va VirtualAddress) PhysicalAddress { return PhysicalAddress(va) }

// IsAligned reports whether a is a multiple of size. Size must be a power
// of two.
func IsAligned(a uint64, size int) bool { return a&uint64(size-1) == 0 }

// CrossesPage reports whether an access of size bytes at a spans two pages.
func CrossesPage(a uint64, size int) bool {
	return (a&PageMask)+uint64(size) > PageSize
}
