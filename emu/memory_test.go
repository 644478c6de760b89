package emu_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/archsim/addr"
	"github.com/sarchlab/archsim/emu"
)

var _ = Describe("Memory", func() {
	var memory *emu.Memory

	BeforeEach(func() {
		memory = emu.NewMemory()
	})

	Describe("sized accessors", func() {
		It("should store values little-endian", func() {
			Expect(memory.Write32(0x1000, 0xDEADBEEF)).To(Succeed())

			b, err := memory.Read8(0x1000)
			Expect(err).NotTo(HaveOccurred())
			Expect(b).To(Equal(uint8(0xEF)))

			h, err := memory.Read16(0x1002)
			Expect(err).NotTo(HaveOccurred())
			Expect(h).To(Equal(uint16(0xDEAD)))

			w, err := memory.Fetch32(0x1000)
			Expect(err).NotTo(HaveOccurred())
			Expect(w).To(Equal(uint32(0xDEADBEEF)))
		})

		It("should handle accesses spanning two pages", func() {
			Expect(memory.Write64(0x1FFC, 0x1122334455667788)).To(Succeed())

			v, err := memory.Read64(0x1FFC)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(uint64(0x1122334455667788)))
			Expect(memory.PagesAllocated()).To(Equal(2))
		})
	})

	Describe("LockRegion", func() {
		It("should return a span aliasing guest memory", func() {
			span, err := memory.LockRegion(0x3000, addr.PageSize)
			Expect(err).NotTo(HaveOccurred())
			Expect(span).To(HaveLen(addr.PageSize))

			span[4] = 0x5A
			b, err := memory.Read8(0x3004)
			Expect(err).NotTo(HaveOccurred())
			Expect(b).To(Equal(uint8(0x5A)))

			Expect(memory.Write8(0x3008, 0xA5)).To(Succeed())
			Expect(span[8]).To(Equal(uint8(0xA5)))
		})

		It("should keep returning the same host page", func() {
			first, err := memory.LockRegion(0x4000, addr.PageSize)
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < 64; i++ {
				Expect(memory.Write8(addr.PhysicalAddress(0x100000+i*addr.PageSize), 1)).To(Succeed())
			}

			second, err := memory.LockRegion(0x4000, addr.PageSize)
			Expect(err).NotTo(HaveOccurred())
			Expect(&second[0]).To(BeIdenticalTo(&first[0]))
		})

		It("should reject a range crossing a page boundary", func() {
			_, err := memory.LockRegion(0x4ff0, 0x20)
			Expect(err).To(HaveOccurred())
		})

		It("should report exhausted host memory", func() {
			memory = emu.NewMemory(emu.WithPageLimit(1))
			_, err := memory.LockRegion(0x0, addr.PageSize)
			Expect(err).NotTo(HaveOccurred())

			_, err = memory.LockRegion(0x1000, addr.PageSize)
			Expect(errors.Is(err, emu.ErrHostMemoryExhausted)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("no host memory"))
		})
	})

	Describe("regions", func() {
		BeforeEach(func() {
			Expect(memory.MapRegion(0x8000_0000, 0x10000, "ram")).To(Succeed())
		})

		It("should reject accesses outside mapped RAM", func() {
			err := memory.Write32(0x1000, 1)
			Expect(errors.Is(err, emu.ErrUnmapped)).To(BeTrue())

			var accessErr *emu.AccessError
			Expect(errors.As(err, &accessErr)).To(BeTrue())
			Expect(accessErr.Write).To(BeTrue())
			Expect(accessErr.Error()).To(Equal("unmapped write at 0x1000(4)"))
		})

		It("should accept accesses inside mapped RAM", func() {
			Expect(memory.Write32(0x8000_fffc, 7)).To(Succeed())
		})

		It("should reject overlapping and misaligned regions", func() {
			Expect(memory.MapRegion(0x8000_8000, 0x10000, "dup")).NotTo(Succeed())
			Expect(memory.MapRegion(0x9000_0010, 0x1000, "odd")).NotTo(Succeed())
			Expect(memory.MapRegion(0x7000_0000, 0x1000, "low")).To(Succeed())

			regions := memory.Regions()
			Expect(regions).To(HaveLen(2))
			Expect(regions[0].Name).To(Equal("low"))
		})
	})

	Describe("Peek and Poke", func() {
		It("should read untouched pages as zero without allocating", func() {
			buf := []byte{1, 2, 3, 4}
			Expect(memory.Peek(0x5000, buf)).To(Succeed())
			Expect(buf).To(Equal([]byte{0, 0, 0, 0}))
			Expect(memory.PagesAllocated()).To(BeZero())
		})

		It("should see bytes written with Poke", func() {
			Expect(memory.Poke(0x5000, []byte("hi"))).To(Succeed())

			buf := make([]byte, 2)
			Expect(memory.Peek(0x5000, buf)).To(Succeed())
			Expect(string(buf)).To(Equal("hi"))
		})
	})

	It("should load a program image", func() {
		Expect(memory.LoadProgram(0x8000, []byte{0x13, 0, 0, 0})).To(Succeed())

		w, err := memory.Read32(0x8000)
		Expect(err).NotTo(HaveOccurred())
		Expect(w).To(Equal(uint32(0x13)))
	})
})
