package mmu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/archsim/addr"
	"github.com/sarchlab/archsim/emu"
	"github.com/sarchlab/archsim/mmu"
)

var _ = Describe("AccessInfo", func() {
	DescribeTable("String",
		func(info mmu.AccessInfo, want string) {
			Expect(info.String()).To(Equal(want))
		},
		Entry("user data read", mmu.AccessInfo{Ring: emu.RingUser}, "DUR"),
		Entry("kernel data write", mmu.AccessInfo{Ring: emu.RingSupervisor, Write: true}, "DKW"),
		Entry("machine fetch", mmu.AccessInfo{Ring: emu.RingMachine, Fetch: true}, "IKR"),
	)
})

var _ = Describe("TranslateResult", func() {
	It("should classify faults and internal errors", func() {
		Expect(mmu.TranslateOK.IsFault()).To(BeFalse())
		Expect(mmu.FaultPage.IsFault()).To(BeTrue())
		Expect(mmu.AccessPermissionPage.IsFault()).To(BeTrue())
		Expect(mmu.AccessPermissionPage.IsPermission()).To(BeTrue())
		Expect(mmu.FaultPage.IsPermission()).To(BeFalse())
		Expect(mmu.InternalMalformedTable.IsFault()).To(BeFalse())
		Expect(mmu.InternalMalformedTable.IsInternal()).To(BeTrue())
	})

	It("should keep the numeric values stable", func() {
		Expect(int(mmu.FaultPage)).To(Equal(2))
		Expect(int(mmu.AccessPermissionPage)).To(Equal(7))
		Expect(int(mmu.InternalExecRegionWrite)).To(Equal(1025))
	})

	It("should name results", func() {
		Expect(mmu.FaultPage.String()).To(Equal("page fault"))
		Expect(mmu.TranslateResult(99).String()).To(Equal("TranslateResult(99)"))
	})
})

var _ = Describe("Identity", func() {
	It("should map every address to itself", func() {
		var m mmu.MMU = mmu.Identity{}
		pa, res := m.Translate(nil, 0xdead_beef, mmu.AccessInfo{Write: true})
		Expect(res).To(Equal(mmu.TranslateOK))
		Expect(pa.Get()).To(Equal(uint64(0xdead_beef)))
	})

	It("should compose addresses from page info", func() {
		info := mmu.Identity{}.Info(nil, 0x1234)
		Expect(info.Present).To(BeTrue())
		Expect(info.Compose(0x1234)).To(Equal(addr.PhysicalAddress(0x1234)))
	})
})
