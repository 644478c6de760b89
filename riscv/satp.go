package riscv

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Mode is a translation scheme selected by satp.
type Mode int

const (
	ModeBare Mode = iota
	ModeSv32
	ModeSv39
	ModeSv48
	ModeUnknown
)

func (m Mode) String() string {
	switch m {
	case ModeBare:
		return "bare"
	case ModeSv32:
		return "sv32"
	case ModeSv39:
		return "sv39"
	case ModeSv48:
		return "sv48"
	}
	return "unknown"
}

// ParseMode parses a mode name such as "sv39".
func ParseMode(name string) (Mode, error) {
	for m := ModeBare; m < ModeUnknown; m++ {
		if strings.EqualFold(name, m.String()) {
			return m, nil
		}
	}
	return ModeUnknown, errors.Errorf("unknown translation mode %q", name)
}

// Levels returns the number of page-table levels.
func (m Mode) Levels() int {
	switch m {
	case ModeSv32:
		return 2
	case ModeSv39:
		return 3
	case ModeSv48:
		return 4
	}
	return 0
}

// PTESize returns the size of one page-table entry in bytes.
func (m Mode) PTESize() int {
	if m == ModeSv32 {
		return 4
	}
	return 8
}

// VPNBits returns the width of the virtual page number slice per level.
func (m Mode) VPNBits() int {
	if m == ModeSv32 {
		return 10
	}
	return 9
}

// VABits returns the number of significant virtual address bits.
func (m Mode) VABits() int {
	return 12 + m.Levels()*m.VPNBits()
}

func (m Mode) ppnBits() int {
	if m == ModeSv32 {
		return 22
	}
	return 44
}

// VPN returns the virtual page number slice of va for level.
func (m Mode) VPN(va uint64, level int) uint64 {
	bits := m.VPNBits()
	return (va >> (12 + level*bits)) & (1<<bits - 1)
}

// PageMask returns the mask selecting the bits of a physical address that
// come from a leaf entry at level.
func (m Mode) PageMask(level int) uint64 {
	return ^uint64(0) << (12 + level*m.VPNBits())
}

// SATP is a decoded satp register.
type SATP struct {
	Mode Mode
	ASID uint64
	PPN  uint64
}

// DecodeSATP splits a raw satp value for the given XLEN.
func DecodeSATP(v uint64, xlen int) SATP {
	if xlen == 32 {
		s := SATP{ASID: (v >> 22) & 0x1ff, PPN: v & 0x3fffff}
		if v&(1<<31) != 0 {
			s.Mode = ModeSv32
		}
		return s
	}

	s := SATP{ASID: (v >> 44) & 0xffff, PPN: v & (1<<44 - 1)}
	switch v >> 60 {
	case 0:
		s.Mode = ModeBare
	case 8:
		s.Mode = ModeSv39
	case 9:
		s.Mode = ModeSv48
	default:
		s.Mode = ModeUnknown
	}
	return s
}

// Encode packs s into a raw satp value for the given XLEN.
func (s SATP) Encode(xlen int) uint64 {
	if xlen == 32 {
		v := (s.ASID&0x1ff)<<22 | s.PPN&0x3fffff
		if s.Mode == ModeSv32 {
			v |= 1 << 31
		}
		return v
	}

	var mode uint64
	switch s.Mode {
	case ModeSv39:
		mode = 8
	case ModeSv48:
		mode = 9
	}
	return mode<<60 | (s.ASID&0xffff)<<44 | s.PPN&(1<<44-1)
}

// Root returns the physical address of the root page table.
func (s SATP) Root() uint64 {
	return s.PPN << 12
}

func (s SATP) String() string {
	return fmt.Sprintf("%s asid=%d root=%#x", s.Mode, s.ASID, s.Root())
}
