package riscv_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/archsim/addr"
	"github.com/sarchlab/archsim/emu"
	"github.com/sarchlab/archsim/mmu"
	"github.com/sarchlab/archsim/pubsub"
	"github.com/sarchlab/archsim/riscv"
)

type trapRecorder struct {
	causes []uint64
	tvals  []uint64
}

func (r *trapRecorder) HandleException(_ *emu.Thread, cause, tval uint64) emu.ExceptionAction {
	r.causes = append(r.causes, cause)
	r.tvals = append(r.tvals, tval)
	return emu.ExceptionAbortInstruction
}

const (
	rw  = riscv.PTERead | riscv.PTEWrite | riscv.PTEAccessed | riscv.PTEDirty
	rwx = rw | riscv.PTEExecute
)

var _ = Describe("MMU", func() {
	var (
		memory  *emu.Memory
		bus     *pubsub.Bus
		builder *riscv.PageTableBuilder
		m       *riscv.MMU
		csr     *riscv.Coprocessor
		thread  *emu.Thread
		traps   *trapRecorder
	)

	access := func(write, fetch, sideEffects bool) mmu.AccessInfo {
		return mmu.AccessInfo{Ring: thread.ExecutionRing(), Write: write, Fetch: fetch, SideEffects: sideEffects}
	}

	BeforeEach(func() {
		var err error
		memory = emu.NewMemory()
		bus = pubsub.NewBus()
		builder, err = riscv.NewPageTableBuilder(memory, riscv.ModeSv39, 0x10_0000, 0x10_0000)
		Expect(err).NotTo(HaveOccurred())

		m = riscv.NewMMU(memory, riscv.WithBus(bus))
		m.SetSATP(builder.SATP(0))

		csr = riscv.NewCoprocessor(m, 0)
		traps = &trapRecorder{}
		thread = emu.NewThread(0,
			emu.WithBus(bus),
			emu.WithRing(emu.RingSupervisor),
			emu.WithEmulationModel(traps))
		thread.AttachCoprocessor(0, csr)
	})

	It("should translate a 4 KiB page", func() {
		Expect(builder.Map(0x2000_0000, 0x1000, rw|riscv.PTEUser)).To(Succeed())
		thread.SetExecutionRing(emu.RingUser)

		pa, res := m.Translate(thread, 0x2000_0abc, access(true, false, true))
		Expect(res).To(Equal(mmu.TranslateOK))
		Expect(pa).To(Equal(addr.PhysicalAddress(0x1abc)))
		Expect(traps.causes).To(BeEmpty())
	})

	It("should compose superpage addresses from the low virtual bits", func() {
		Expect(builder.MapLevel(0x4000_0000, 0x8020_0000, 1, rwx)).To(Succeed())

		pa, res := m.Translate(thread, 0x4001_2345, access(false, false, true))
		Expect(res).To(Equal(mmu.TranslateOK))
		Expect(pa).To(Equal(addr.PhysicalAddress(0x8020_0000 | 0x4001_2345&0x1F_FFFF)))

		info := m.Info(thread, 0x4001_2345)
		Expect(info.Present).To(BeTrue())
		Expect(info.Level).To(Equal(1))
		Expect(info.KernelCanExecute).To(BeTrue())
		Expect(info.UserCanRead).To(BeFalse())
		Expect(info.Compose(0x4001_2345)).To(Equal(pa))
	})

	It("should fault a misaligned superpage", func() {
		Expect(builder.MapLevel(0x4000_0000, 0x8020_0000, 1, rwx)).To(Succeed())
		Expect(builder.SetEntry(0x4000_0000, 1,
			riscv.NewPTE(0x8020_1000, rwx|riscv.PTEValid))).To(Succeed())

		_, res := m.Translate(thread, 0x4000_0000, access(false, false, true))
		Expect(res).To(Equal(mmu.FaultPage))
		Expect(traps.causes).To(Equal([]uint64{riscv.CauseLoadPageFault}))
	})

	DescribeTable("invalid root entry",
		func(write, fetch bool, cause uint64) {
			_, res := m.Translate(thread, 0x7000_0000, access(write, fetch, true))
			Expect(res).To(Equal(mmu.FaultPage))
			Expect(traps.causes).To(Equal([]uint64{cause}))
			Expect(traps.tvals).To(Equal([]uint64{0x7000_0000}))
		},
		Entry("load", false, false, uint64(riscv.CauseLoadPageFault)),
		Entry("store", true, false, uint64(riscv.CauseStorePageFault)),
		Entry("fetch", false, true, uint64(riscv.CauseFetchPageFault)),
	)

	It("should not raise exceptions without side effects", func() {
		_, res := m.Translate(thread, 0x7000_0000, access(false, false, false))
		Expect(res).To(Equal(mmu.FaultPage))
		Expect(traps.causes).To(BeEmpty())
		Expect(m.Stats().Faults).To(Equal(uint64(1)))
	})

	It("should fault non-canonical addresses", func() {
		_, res := m.Translate(thread, 0x0000_8000_0000_0000, access(false, false, true))
		Expect(res).To(Equal(mmu.FaultPage))
	})

	It("should fault a write-only entry", func() {
		Expect(builder.Map(0x3000, 0x5000, riscv.PTERead)).To(Succeed())
		Expect(builder.SetEntry(0x3000, 0,
			riscv.NewPTE(0x5000, riscv.PTEValid|riscv.PTEWrite))).To(Succeed())

		_, res := m.Translate(thread, 0x3000, access(false, false, true))
		Expect(res).To(Equal(mmu.FaultPage))
	})

	It("should report a walk past the last level as an internal error", func() {
		Expect(builder.Map(0x3000, 0x5000, rw)).To(Succeed())
		Expect(builder.SetEntry(0x3000, 0, riscv.NewPTE(0x6000, riscv.PTEValid))).To(Succeed())

		_, res := m.Translate(thread, 0x3000, access(false, false, true))
		Expect(res).To(Equal(mmu.InternalMalformedTable))
		Expect(traps.causes).To(BeEmpty())
	})

	It("should report unreadable tables as access faults", func() {
		Expect(memory.MapRegion(0x10_0000, 0x10_0000, "tables")).To(Succeed())
		m.SetSATP(riscv.SATP{Mode: riscv.ModeSv39, PPN: 0x4000_0000 >> 12}.Encode(64))

		_, res := m.Translate(thread, 0x3000, access(true, false, true))
		Expect(res).To(Equal(mmu.FaultOther))
		Expect(traps.causes).To(Equal([]uint64{riscv.CauseStoreAccessFault}))
	})

	Describe("permissions", func() {
		BeforeEach(func() {
			Expect(builder.Map(0x1000, 0x9000, rw|riscv.PTEUser)).To(Succeed())
			Expect(builder.Map(0x2000, 0xa000, rwx)).To(Succeed())
			Expect(builder.Map(0x3000, 0xb000, riscv.PTEExecute|riscv.PTEAccessed)).To(Succeed())
		})

		It("should deny user access to kernel pages", func() {
			thread.SetExecutionRing(emu.RingUser)
			_, res := m.Translate(thread, 0x2000, access(false, false, true))
			Expect(res).To(Equal(mmu.AccessPermissionPage))
			Expect(traps.causes).To(Equal([]uint64{riscv.CauseLoadPageFault}))
		})

		It("should deny supervisor access to user pages without SUM", func() {
			_, res := m.Translate(thread, 0x1000, access(false, false, true))
			Expect(res).To(Equal(mmu.AccessPermissionPage))
		})

		It("should allow supervisor loads and stores to user pages with SUM", func() {
			Expect(csr.Write64(riscv.CSRSStatus, riscv.MStatusSUM)).To(BeTrue())

			pa, res := m.Translate(thread, 0x1008, access(true, false, true))
			Expect(res).To(Equal(mmu.TranslateOK))
			Expect(pa).To(Equal(addr.PhysicalAddress(0x9008)))

			_, res = m.Translate(thread, 0x1008, access(false, true, true))
			Expect(res).To(Equal(mmu.AccessPermissionPage))
			Expect(traps.causes).To(Equal([]uint64{riscv.CauseFetchPageFault}))
		})

		It("should let MXR make executable pages readable", func() {
			_, res := m.Translate(thread, 0x3000, access(false, false, false))
			Expect(res).To(Equal(mmu.AccessPermissionPage))

			Expect(csr.Write64(riscv.CSRMStatus, riscv.MStatusMXR)).To(BeTrue())
			_, res = m.Translate(thread, 0x3000, access(false, false, false))
			Expect(res).To(Equal(mmu.TranslateOK))
		})

		It("should translate machine loads at MPP when MPRV is set", func() {
			thread.SetExecutionRing(emu.RingMachine)
			pa, res := m.Translate(thread, 0x2000, access(false, false, true))
			Expect(res).To(Equal(mmu.TranslateOK))
			Expect(pa).To(Equal(addr.PhysicalAddress(0x2000)))

			Expect(csr.Write64(riscv.CSRMStatus, riscv.MStatusMPRV|1<<11)).To(BeTrue())
			pa, res = m.Translate(thread, 0x2000, access(false, false, true))
			Expect(res).To(Equal(mmu.TranslateOK))
			Expect(pa).To(Equal(addr.PhysicalAddress(0xa000)))

			pa, _ = m.Translate(thread, 0x2000, access(false, true, true))
			Expect(pa).To(Equal(addr.PhysicalAddress(0x2000)))
		})
	})

	Describe("accessed and dirty bits", func() {
		It("should fault when the accessed bit is clear", func() {
			Expect(builder.Map(0x1000, 0x9000, riscv.PTERead|riscv.PTEWrite)).To(Succeed())
			_, res := m.Translate(thread, 0x1000, access(false, false, true))
			Expect(res).To(Equal(mmu.FaultPage))
		})

		It("should fault writes when the dirty bit is clear", func() {
			Expect(builder.Map(0x1000, 0x9000, riscv.PTERead|riscv.PTEWrite|riscv.PTEAccessed)).To(Succeed())

			_, res := m.Translate(thread, 0x1000, access(false, false, true))
			Expect(res).To(Equal(mmu.TranslateOK))

			_, res = m.Translate(thread, 0x1000, access(true, false, true))
			Expect(res).To(Equal(mmu.FaultPage))
			Expect(traps.causes).To(Equal([]uint64{riscv.CauseStorePageFault}))
		})
	})

	Describe("flush events", func() {
		It("should publish full flushes on satp writes", func() {
			before := bus.PublishCount(pubsub.DTlbFullFlush)
			Expect(csr.Write64(riscv.CSRSATP, 0)).To(BeTrue())

			Expect(bus.PublishCount(pubsub.DTlbFullFlush)).To(Equal(before + 1))
			Expect(bus.PublishCount(pubsub.ITlbFullFlush)).To(Equal(before + 1))
			Expect(m.Mode()).To(Equal(riscv.ModeBare))
		})

		It("should publish entry flushes for a single-page fence", func() {
			var got []any
			bus.Subscribe(pubsub.DTlbEntryFlush, func(_ pubsub.Kind, payload any) {
				got = append(got, payload)
			})

			m.Fence(0x4000, false)
			Expect(got).To(Equal([]any{addr.VirtualAddress(0x4000)}))
			Expect(bus.PublishCount(pubsub.ITlbEntryFlush)).To(Equal(uint64(1)))
		})
	})

	It("should use identity translation in bare mode", func() {
		m.SetSATP(0)
		pa, res := m.Translate(thread, 0xdead_b000, access(true, false, true))
		Expect(res).To(Equal(mmu.TranslateOK))
		Expect(pa).To(Equal(addr.PhysicalAddress(0xdead_b000)))
	})

	It("should reject reserved modes", func() {
		m.SetSATP(5 << 60)
		_, res := m.Translate(thread, 0x1000, access(false, false, true))
		Expect(res).To(Equal(mmu.InternalUnknownMode))
	})
})

var _ = Describe("Sv32", func() {
	It("should walk two levels of 4-byte entries", func() {
		memory := emu.NewMemory()
		builder, err := riscv.NewPageTableBuilder(memory, riscv.ModeSv32, 0x8_0000, 0x8000)
		Expect(err).NotTo(HaveOccurred())
		Expect(builder.Map(0x8040_1000, 0x3000, rw)).To(Succeed())
		Expect(builder.MapLevel(0xC000_0000, 0x40_0000, 1, rw)).To(Succeed())

		m := riscv.NewMMU(memory, riscv.WithXLEN(32))
		m.SetSATP(builder.SATP(1))
		Expect(m.Mode()).To(Equal(riscv.ModeSv32))

		thread := emu.NewThread(0, emu.WithRing(emu.RingSupervisor))
		info := mmu.AccessInfo{Ring: emu.RingSupervisor, SideEffects: true}

		pa, res := m.Translate(thread, 0x8040_1ffc, info)
		Expect(res).To(Equal(mmu.TranslateOK))
		Expect(pa).To(Equal(addr.PhysicalAddress(0x3ffc)))

		pa, res = m.Translate(thread, 0xC012_3456, info)
		Expect(res).To(Equal(mmu.TranslateOK))
		Expect(pa).To(Equal(addr.PhysicalAddress(0x52_3456)))
	})
})

var _ = Describe("Sv48", func() {
	It("should walk four levels", func() {
		memory := emu.NewMemory()
		builder, err := riscv.NewPageTableBuilder(memory, riscv.ModeSv48, 0x10_0000, 0x10000)
		Expect(err).NotTo(HaveOccurred())
		Expect(builder.Map(0x7f_0000_1000, 0x2000, rw)).To(Succeed())

		m := riscv.NewMMU(memory)
		m.SetSATP(builder.SATP(0))
		thread := emu.NewThread(0, emu.WithRing(emu.RingSupervisor))

		pa, res := m.Translate(thread, 0x7f_0000_1010, mmu.AccessInfo{Ring: emu.RingSupervisor})
		Expect(res).To(Equal(mmu.TranslateOK))
		Expect(pa).To(Equal(addr.PhysicalAddress(0x2010)))
	})
})
