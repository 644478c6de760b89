package riscv_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/archsim/emu"
	"github.com/sarchlab/archsim/riscv"
)

var _ = Describe("Coprocessor", func() {
	var (
		m   *riscv.MMU
		csr *riscv.Coprocessor
	)

	BeforeEach(func() {
		m = riscv.NewMMU(emu.NewMemory())
		csr = riscv.NewCoprocessor(m, 2)
	})

	It("should expose sstatus as a view of mstatus", func() {
		Expect(csr.Write64(riscv.CSRMStatus, riscv.MStatusSUM|riscv.MStatusMIE|riscv.MStatusSIE)).To(BeTrue())

		s, ok := csr.Read64(riscv.CSRSStatus)
		Expect(ok).To(BeTrue())
		Expect(s & riscv.MStatusSUM).NotTo(BeZero())
		Expect(s & riscv.MStatusSIE).NotTo(BeZero())
		Expect(s & riscv.MStatusMIE).To(BeZero())

		Expect(csr.Write64(riscv.CSRSStatus, 0)).To(BeTrue())
		v, _ := csr.Read64(riscv.CSRMStatus)
		Expect(v & riscv.MStatusMIE).NotTo(BeZero())
		Expect(v & riscv.MStatusSUM).To(BeZero())
	})

	It("should flush translations when a translation control bit changes", func() {
		Expect(csr.Write64(riscv.CSRSStatus, riscv.MStatusSIE)).To(BeTrue())
		Expect(m.Stats().Flushes).To(BeZero())

		Expect(csr.Write64(riscv.CSRSStatus, riscv.MStatusSIE|riscv.MStatusSUM)).To(BeTrue())
		Expect(m.Stats().Flushes).To(Equal(uint64(1)))

		Expect(csr.Write64(riscv.CSRSStatus, riscv.MStatusSIE|riscv.MStatusSUM)).To(BeTrue())
		Expect(m.Stats().Flushes).To(Equal(uint64(1)))

		for _, bit := range []uint64{riscv.MStatusMXR, riscv.MStatusMPRV, 1 << 11} {
			before := m.Stats().Flushes
			Expect(csr.Write64(riscv.CSRMStatus, csr.MStatus()^bit)).To(BeTrue())
			Expect(m.Stats().Flushes).To(Equal(before + 1))
		}
	})

	It("should set SD when the FP state is dirty", func() {
		Expect(csr.Write64(riscv.CSRMStatus, riscv.MStatusFS)).To(BeTrue())
		Expect(csr.MStatus() & riscv.MStatusSD).NotTo(BeZero())
	})

	It("should forward satp to the MMU", func() {
		v := riscv.SATP{Mode: riscv.ModeSv39, PPN: 0x80}.Encode(64)
		Expect(csr.Write64(riscv.CSRSATP, v)).To(BeTrue())
		Expect(m.SATP()).To(Equal(v))

		got, ok := csr.Read64(riscv.CSRSATP)
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal(v))
	})

	It("should report RV64 extensions and the hart id", func() {
		misa, _ := csr.Read64(riscv.CSRMISA)
		Expect(misa >> 62).To(Equal(uint64(2)))
		Expect(misa & (1 << ('S' - 'A'))).NotTo(BeZero())

		id, _ := csr.Read64(riscv.CSRMHartID)
		Expect(id).To(Equal(uint64(2)))
		Expect(csr.Write64(riscv.CSRMHartID, 0)).To(BeFalse())
	})

	It("should restrict sie to delegated interrupts", func() {
		Expect(csr.Write64(riscv.CSRMIDeleg, 0x222)).To(BeTrue())
		Expect(csr.Write64(riscv.CSRSIE, 0xfff)).To(BeTrue())

		mie, _ := csr.Read64(riscv.CSRMIE)
		Expect(mie).To(Equal(uint64(0x222)))
	})

	It("should reject unknown registers", func() {
		_, ok := csr.Read64(0x7c0)
		Expect(ok).To(BeFalse())
		Expect(csr.Write64(0x7c0, 1)).To(BeFalse())
	})
})

var _ = Describe("SATP", func() {
	DescribeTable("round trip",
		func(s riscv.SATP, xlen int) {
			Expect(riscv.DecodeSATP(s.Encode(xlen), xlen)).To(Equal(s))
		},
		Entry("sv39", riscv.SATP{Mode: riscv.ModeSv39, ASID: 7, PPN: 0x8_0000}, 64),
		Entry("sv48", riscv.SATP{Mode: riscv.ModeSv48, ASID: 0xffff, PPN: 1}, 64),
		Entry("sv32", riscv.SATP{Mode: riscv.ModeSv32, ASID: 0x1ff, PPN: 0x3f_ffff}, 32),
		Entry("bare", riscv.SATP{Mode: riscv.ModeBare}, 64),
	)

	It("should flag reserved RV64 modes", func() {
		Expect(riscv.DecodeSATP(1<<60, 64).Mode).To(Equal(riscv.ModeUnknown))
	})
})

var _ = Describe("ParseMode", func() {
	It("should parse mode names case-insensitively", func() {
		m, err := riscv.ParseMode("SV48")
		Expect(err).NotTo(HaveOccurred())
		Expect(m).To(Equal(riscv.ModeSv48))

		_, err = riscv.ParseMode("sv57")
		Expect(err).To(HaveOccurred())
	})
})
