package riscv

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/sarchlab/archsim/addr"
	"github.com/sarchlab/archsim/emu"
)

type pte32 struct {
	Value uint64 `struc:"uint32"`
}

type pte64 struct {
	Value uint64 `struc:"uint64"`
}

// PageTableBuilder writes page tables into guest physical memory. Table
// pages come from a bump allocator starting at the pool base.
type PageTableBuilder struct {
	memory *emu.Memory
	mode   Mode
	root   addr.PhysicalAddress
	next   addr.PhysicalAddress
	end    addr.PhysicalAddress
}

// NewPageTableBuilder allocates a root table for mode from the pool
// [base, base+size).
func NewPageTableBuilder(memory *emu.Memory, mode Mode, base addr.PhysicalAddress, size uint64) (*PageTableBuilder, error) {
	if mode.Levels() == 0 {
		return nil, errors.Errorf("page table builder: mode %s has no tables", mode)
	}
	if base.PageOffset() != 0 {
		return nil, errors.Errorf("page table builder: pool %s is not page aligned", base)
	}

	b := &PageTableBuilder{memory: memory, mode: mode, next: base, end: base.Add(size)}
	root, err := b.alloc()
	if err != nil {
		return nil, err
	}
	b.root = root
	return b, nil
}

// Root returns the physical address of the root table.
func (b *PageTableBuilder) Root() addr.PhysicalAddress { return b.root }

// Mode returns the translation mode the tables are built for.
func (b *PageTableBuilder) Mode() Mode { return b.mode }

// SATP returns the satp value selecting these tables.
func (b *PageTableBuilder) SATP(asid uint64) uint64 {
	xlen := 64
	if b.mode == ModeSv32 {
		xlen = 32
	}
	return SATP{Mode: b.mode, ASID: asid, PPN: b.root.PageIndex()}.Encode(xlen)
}

func (b *PageTableBuilder) alloc() (addr.PhysicalAddress, error) {
	if b.next+addr.PageSize > b.end {
		return 0, errors.New("page table builder: pool exhausted")
	}
	pa := b.next
	b.next = b.next.Add(addr.PageSize)

	err := b.memory.Write(pa, make([]byte, addr.PageSize))
	return pa, errors.Wrap(err, "page table builder: clear table")
}

// Map maps one 4 KiB page. Flags are leaf permission bits; V is implied.
func (b *PageTableBuilder) Map(va addr.VirtualAddress, pa addr.PhysicalAddress, flags PTE) error {
	return b.MapLevel(va, pa, 0, flags)
}

// MapLevel installs a leaf at level; level 0 is a 4 KiB page and higher
// levels are superpages.
func (b *PageTableBuilder) MapLevel(va addr.VirtualAddress, pa addr.PhysicalAddress, level int, flags PTE) error {
	if level < 0 || level >= b.mode.Levels() {
		return errors.Errorf("page table builder: level %d out of range for %s", level, b.mode)
	}
	mask := ^b.mode.PageMask(level)
	if va.Get()&mask != 0 || pa.Get()&mask != 0 {
		return errors.Errorf("page table builder: %s -> %s not aligned for level %d", va, pa, level)
	}
	if flags&(PTERead|PTEExecute) == 0 {
		return errors.Errorf("page table builder: leaf for %s needs R or X", va)
	}

	table := b.root
	for l := b.mode.Levels() - 1; l > level; l-- {
		slot := b.slot(table, va, l)
		pte, err := b.read(slot)
		if err != nil {
			return err
		}

		switch {
		case !pte.Valid():
			child, err := b.alloc()
			if err != nil {
				return err
			}
			if err := b.write(slot, NewPTE(child, PTEValid)); err != nil {
				return err
			}
			table = child
		case pte.Leaf():
			return errors.Errorf("page table builder: %s already covered by a level %d superpage", va, l)
		default:
			table = pte.Base(b.mode)
		}
	}

	return b.write(b.slot(table, va, level), NewPTE(pa, flags|PTEValid))
}

// SetEntry overwrites the entry for va at level without allocating,
// walking existing tables only. It is used to corrupt or clear entries.
func (b *PageTableBuilder) SetEntry(va addr.VirtualAddress, level int, pte PTE) error {
	table := b.root
	for l := b.mode.Levels() - 1; l > level; l-- {
		cur, err := b.read(b.slot(table, va, l))
		if err != nil {
			return err
		}
		if !cur.Valid() || cur.Leaf() {
			return errors.Errorf("page table builder: no table for %s at level %d", va, l-1)
		}
		table = cur.Base(b.mode)
	}
	return b.write(b.slot(table, va, level), pte)
}

func (b *PageTableBuilder) slot(table addr.PhysicalAddress, va addr.VirtualAddress, level int) addr.PhysicalAddress {
	return table.Add(b.mode.VPN(va.Get(), level) * uint64(b.mode.PTESize()))
}

func (b *PageTableBuilder) read(pa addr.PhysicalAddress) (PTE, error) {
	buf := make([]byte, b.mode.PTESize())
	if err := b.memory.Read(pa, buf); err != nil {
		return 0, errors.Wrap(err, "page table builder: read entry")
	}

	r := bytes.NewReader(buf)
	if b.mode == ModeSv32 {
		var e pte32
		err := struc.UnpackWithOrder(r, &e, binary.LittleEndian)
		return PTE(e.Value), errors.Wrap(err, "struc.Unpack() failed")
	}
	var e pte64
	err := struc.UnpackWithOrder(r, &e, binary.LittleEndian)
	return PTE(e.Value), errors.Wrap(err, "struc.Unpack() failed")
}

func (b *PageTableBuilder) write(pa addr.PhysicalAddress, pte PTE) error {
	var buf bytes.Buffer
	var err error
	if b.mode == ModeSv32 {
		err = struc.PackWithOrder(&buf, &pte32{Value: uint64(pte)}, binary.LittleEndian)
	} else {
		err = struc.PackWithOrder(&buf, &pte64{Value: uint64(pte)}, binary.LittleEndian)
	}
	if err != nil {
		return errors.Wrap(err, "struc.Pack() failed")
	}
	return errors.Wrap(b.memory.Write(pa, buf.Bytes()), "page table builder: write entry")
}
