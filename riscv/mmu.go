package riscv

import (
	"fmt"
	"log/slog"

	"github.com/sarchlab/archsim/addr"
	"github.com/sarchlab/archsim/emu"
	"github.com/sarchlab/archsim/mmu"
	"github.com/sarchlab/archsim/pubsub"
)

// Exception causes raised by translation.
const (
	CauseFetchAccessFault = 1
	CauseLoadAccessFault  = 5
	CauseStoreAccessFault = 7
	CauseFetchPageFault   = 12
	CauseLoadPageFault    = 13
	CauseStorePageFault   = 15
)

// MMUStats counts translation activity.
type MMUStats struct {
	Translations uint64
	Walks        uint64
	Faults       uint64
	Flushes      uint64
}

// MMU walks RISC-V page tables held in guest physical memory.
type MMU struct {
	memory *emu.Memory
	bus    *pubsub.Bus
	xlen   int
	satp   uint64

	stats  MMUStats
	logger *slog.Logger
}

var _ mmu.MMU = (*MMU)(nil)

// MMUOption is a functional option for configuring an MMU.
type MMUOption func(*MMU)

// WithXLEN selects RV32 or RV64 satp decoding.
func WithXLEN(xlen int) MMUOption {
	return func(m *MMU) {
		m.xlen = xlen
	}
}

// WithBus sets the bus that satp changes and fences are published on.
func WithBus(b *pubsub.Bus) MMUOption {
	return func(m *MMU) {
		m.bus = b
	}
}

// WithLogger sets the logger used by the MMU.
func WithLogger(l *slog.Logger) MMUOption {
	return func(m *MMU) {
		m.logger = l
	}
}

// NewMMU creates an MMU in bare mode reading page tables from memory.
func NewMMU(memory *emu.Memory, opts ...MMUOption) *MMU {
	m := &MMU{
		memory: memory,
		xlen:   64,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// XLEN returns the register width used to decode satp.
func (m *MMU) XLEN() int { return m.xlen }

// SATP returns the raw satp value.
func (m *MMU) SATP() uint64 { return m.satp }

// Mode returns the translation mode selected by satp.
func (m *MMU) Mode() Mode { return DecodeSATP(m.satp, m.xlen).Mode }

// SetSATP installs a new root register. Every cached translation becomes
// stale, so full instruction and data flushes are published.
func (m *MMU) SetSATP(v uint64) {
	m.satp = v
	m.logger.Debug("satp write", slog.String("satp", DecodeSATP(v, m.xlen).String()))
	m.publishFullFlush()
}

// Fence implements SFENCE.VMA. With all set every translation is flushed,
// otherwise only the page holding va.
func (m *MMU) Fence(va addr.VirtualAddress, all bool) {
	if all {
		m.publishFullFlush()
		return
	}
	if m.bus != nil {
		m.bus.Publish(pubsub.ITlbEntryFlush, va)
		m.bus.Publish(pubsub.DTlbEntryFlush, va)
	}
}

func (m *MMU) publishFullFlush() {
	m.stats.Flushes++
	if m.bus != nil {
		m.bus.Publish(pubsub.ITlbFullFlush, nil)
		m.bus.Publish(pubsub.DTlbFullFlush, nil)
	}
}

// Stats returns translation counters.
func (m *MMU) Stats() MMUStats { return m.stats }

// ResetStats clears translation counters.
func (m *MMU) ResetStats() { m.stats = MMUStats{} }

// FlushCaches does nothing; the MMU keeps no translation state beyond
// satp.
func (m *MMU) FlushCaches() {}

// Evict does nothing; see FlushCaches.
func (m *MMU) Evict(addr.VirtualAddress) {}

// walkResult is a leaf found by a page-table walk.
type walkResult struct {
	pte   PTE
	level int
	mask  uint64
}

// walk finds the leaf entry for va. A failed walk returns FaultPage for
// invalid or misaligned entries, FaultOther when a table cannot be read,
// and InternalMalformedTable when no leaf is found at level 0.
func (m *MMU) walk(s SATP, va uint64) (walkResult, mmu.TranslateResult) {
	m.stats.Walks++

	mode := s.Mode
	if mode != ModeSv32 {
		// The unused upper bits must be a sign extension of the top bit.
		shift := 64 - mode.VABits()
		if uint64(int64(va<<shift)>>shift) != va {
			return walkResult{}, mmu.FaultPage
		}
	}

	table := s.Root()
	for level := mode.Levels() - 1; level >= 0; level-- {
		ptAddr := addr.PhysicalAddress(table + mode.VPN(va, level)*uint64(mode.PTESize()))
		pte, err := m.loadPTE(mode, ptAddr)
		if err != nil {
			m.logger.Debug("page table read failed", slog.String("pte", ptAddr.String()), slog.Any("err", err))
			return walkResult{}, mmu.FaultOther
		}

		if !pte.Valid() || (!pte.Readable() && pte.Writable()) {
			return walkResult{}, mmu.FaultPage
		}

		if pte.Leaf() {
			mask := mode.PageMask(level)
			if pte.Base(mode).Get()&^mask != 0 {
				// misaligned superpage
				return walkResult{}, mmu.FaultPage
			}
			return walkResult{pte: pte, level: level, mask: mask}, mmu.TranslateOK
		}

		table = pte.Base(mode).Get()
	}

	m.logger.Warn("page table walk ran past the last level",
		slog.String("va", fmt.Sprintf("%#x", va)), slog.String("satp", s.String()))
	return walkResult{}, mmu.InternalMalformedTable
}

func (m *MMU) loadPTE(mode Mode, pa addr.PhysicalAddress) (PTE, error) {
	var buf [8]byte
	b := buf[:mode.PTESize()]
	if err := m.memory.Peek(pa, b); err != nil {
		return 0, err
	}
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return PTE(v), nil
}

// effectiveRing applies MPRV to machine-mode loads and stores.
func effectiveRing(info mmu.AccessInfo, mstatus uint64) emu.Ring {
	if info.Ring == emu.RingMachine && !info.Fetch && mstatus&MStatusMPRV != 0 {
		return MPP(mstatus)
	}
	return info.Ring
}

// permitted checks a leaf against the access.
func permitted(pte PTE, ring emu.Ring, info mmu.AccessInfo, mstatus uint64) bool {
	if ring == emu.RingUser {
		if !pte.User() {
			return false
		}
	} else if pte.User() {
		if info.Fetch || mstatus&MStatusSUM == 0 {
			return false
		}
	}

	switch {
	case info.Fetch:
		return pte.Executable()
	case info.Write:
		return pte.Writable()
	}
	return pte.Readable() || (mstatus&MStatusMXR != 0 && pte.Executable())
}

// Translate maps va for the given access.
func (m *MMU) Translate(t *emu.Thread, va addr.VirtualAddress, info mmu.AccessInfo) (addr.PhysicalAddress, mmu.TranslateResult) {
	m.stats.Translations++

	s := DecodeSATP(m.satp, m.xlen)
	mstatus := statusOf(t)
	ring := effectiveRing(info, mstatus)

	if s.Mode == ModeBare || ring == emu.RingMachine {
		return addr.Identity(va), mmu.TranslateOK
	}
	if s.Mode == ModeUnknown {
		return 0, mmu.InternalUnknownMode
	}

	leaf, res := m.walk(s, va.Get())
	switch {
	case res.IsInternal():
		return 0, res
	case res == mmu.TranslateOK && !permitted(leaf.pte, ring, info, mstatus):
		res = mmu.AccessPermissionPage
	case res == mmu.TranslateOK && !leaf.pte.Accessed():
		res = mmu.FaultPage
	case res == mmu.TranslateOK && info.Write && !leaf.pte.Dirty():
		res = mmu.FaultPage
	}

	if res != mmu.TranslateOK {
		m.fault(t, va, info, res)
		return 0, res
	}

	pa := leaf.pte.Base(s.Mode).Get()&leaf.mask | va.Get()&^leaf.mask
	return addr.PhysicalAddress(pa), mmu.TranslateOK
}

func faultCause(info mmu.AccessInfo, res mmu.TranslateResult) uint64 {
	if res == mmu.FaultOther {
		switch {
		case info.Fetch:
			return CauseFetchAccessFault
		case info.Write:
			return CauseStoreAccessFault
		}
		return CauseLoadAccessFault
	}

	switch {
	case info.Fetch:
		return CauseFetchPageFault
	case info.Write:
		return CauseStorePageFault
	}
	return CauseLoadPageFault
}

func (m *MMU) fault(t *emu.Thread, va addr.VirtualAddress, info mmu.AccessInfo, res mmu.TranslateResult) {
	m.stats.Faults++
	if !info.SideEffects || t == nil {
		return
	}

	cause := faultCause(info, res)
	m.logger.Debug("translation fault",
		slog.Int("thread", t.ID()),
		slog.String("va", va.String()),
		slog.String("access", info.String()),
		slog.String("result", res.String()),
		slog.Uint64("cause", cause))
	t.RaiseException(cause, va.Get())
}

// Info walks the mapping of va without permission checks or side effects.
func (m *MMU) Info(_ *emu.Thread, va addr.VirtualAddress) mmu.PageInfo {
	s := DecodeSATP(m.satp, m.xlen)
	if s.Mode == ModeBare {
		return mmu.Identity{}.Info(nil, va)
	}
	if s.Mode == ModeUnknown {
		return mmu.PageInfo{}
	}

	leaf, res := m.walk(s, va.Get())
	if res != mmu.TranslateOK {
		return mmu.PageInfo{}
	}

	p := leaf.pte
	user := p.User()
	return mmu.PageInfo{
		Present:          true,
		UserCanRead:      user && p.Readable(),
		UserCanWrite:     user && p.Writable(),
		UserCanExecute:   user && p.Executable(),
		KernelCanRead:    !user && p.Readable(),
		KernelCanWrite:   !user && p.Writable(),
		KernelCanExecute: !user && p.Executable(),
		Accessed:         p.Accessed(),
		Dirty:            p.Dirty(),
		PhysAddr:         p.Base(s.Mode),
		Mask:             leaf.mask,
		Level:            leaf.level,
	}
}
