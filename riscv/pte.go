// Package riscv implements RISC-V address translation and the privileged
// state it depends on.
package riscv

import (
	"fmt"

	"github.com/sarchlab/archsim/addr"
)

// PTE is a page-table entry. Sv32 entries occupy the low 32 bits.
type PTE uint64

// PTE flag bits.
const (
	PTEValid PTE = 1 << iota
	PTERead
	PTEWrite
	PTEExecute
	PTEUser
	PTEGlobal
	PTEAccessed
	PTEDirty
)

const ptePPNShift = 10

// Valid reports the V bit.
func (p PTE) Valid() bool { return p&PTEValid != 0 }

// Readable reports the R bit.
func (p PTE) Readable() bool { return p&PTERead != 0 }

// Writable reports the W bit.
func (p PTE) Writable() bool { return p&PTEWrite != 0 }

// Executable reports the X bit.
func (p PTE) Executable() bool { return p&PTEExecute != 0 }

// User reports the U bit.
func (p PTE) User() bool { return p&PTEUser != 0 }

// Global reports the G bit.
func (p PTE) Global() bool { return p&PTEGlobal != 0 }

// Accessed reports the A bit.
func (p PTE) Accessed() bool { return p&PTEAccessed != 0 }

// Dirty reports the D bit.
func (p PTE) Dirty() bool { return p&PTEDirty != 0 }

// Leaf reports whether the entry maps memory rather than pointing at the
// next table level.
func (p PTE) Leaf() bool { return p&(PTERead|PTEExecute) != 0 }

// PPN returns the physical page number for the given mode.
func (p PTE) PPN(mode Mode) uint64 {
	return (uint64(p) >> ptePPNShift) & (1<<mode.ppnBits() - 1)
}

// Base returns the physical address the entry points at.
func (p PTE) Base(mode Mode) addr.PhysicalAddress {
	return addr.PhysicalAddress(p.PPN(mode) << addr.PageBits)
}

// NewPTE builds an entry pointing at pa with the given flags.
func NewPTE(pa addr.PhysicalAddress, flags PTE) PTE {
	return PTE(pa.Get()>>addr.PageBits<<ptePPNShift) | flags
}

func (p PTE) String() string {
	flags := []byte("--------")
	for i, c := range "vrwxugad" {
		if p&(1<<i) != 0 {
			flags[7-i] = byte(c)
		}
	}
	return fmt.Sprintf("pte(%#x %s)", uint64(p)>>ptePPNShift, flags)
}
