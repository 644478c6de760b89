package smm_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/archsim/addr"
	"github.com/sarchlab/archsim/smm"
)

func ramEntry(va addr.VirtualAddress, pa addr.PhysicalAddress) smm.Entry {
	return smm.Entry{Kind: smm.EntryRAM, Tag: va, Phys: pa, Page: make([]byte, addr.PageSize)}
}

var _ = Describe("Cache", func() {
	var cache *smm.Cache

	BeforeEach(func() {
		cache = smm.NewCache(smm.DefaultCacheBits)
	})

	It("should have 1024 entries by default", func() {
		Expect(cache.Size()).To(Equal(1024))
		Expect(cache.ValidEntries()).To(BeZero())
	})

	It("should return installed entries for any address in the page", func() {
		cache.Insert(ramEntry(0x2000_0123, 0x1000))

		e, ok := cache.Lookup(0x2000_0ff8)
		Expect(ok).To(BeTrue())
		Expect(e.Tag).To(Equal(addr.VirtualAddress(0x2000_0000)))
		Expect(e.Phys).To(Equal(addr.PhysicalAddress(0x1000)))
		Expect(e.Page).To(HaveLen(addr.PageSize))

		_, ok = cache.Lookup(0x2000_1000)
		Expect(ok).To(BeFalse())
	})

	It("should replace a page mapping to the same slot", func() {
		cache.Insert(ramEntry(0x0000_5000, 0x1000))
		cache.Insert(ramEntry(0x0040_5000, 0x2000))

		_, ok := cache.Lookup(0x5000)
		Expect(ok).To(BeFalse())

		e, ok := cache.Lookup(0x0040_5000)
		Expect(ok).To(BeTrue())
		Expect(e.Phys).To(Equal(addr.PhysicalAddress(0x2000)))
		Expect(cache.ValidEntries()).To(Equal(1))
	})

	It("should evict the slot an address maps to", func() {
		cache.Insert(ramEntry(0x5000, 0x1000))

		Expect(cache.Evict(0x0040_5000)).To(BeTrue())
		_, ok := cache.Lookup(0x5000)
		Expect(ok).To(BeFalse())
		Expect(cache.Evict(0x5000)).To(BeFalse())
	})

	It("should flush only when dirty", func() {
		Expect(cache.Flush()).To(BeFalse())

		cache.Insert(ramEntry(0x1000, 0x1000))
		cache.Insert(ramEntry(0x3ff000, 0x2000))
		Expect(cache.IsDirty()).To(BeTrue())

		Expect(cache.Flush()).To(BeTrue())
		Expect(cache.ValidEntries()).To(BeZero())
		Expect(cache.IsDirty()).To(BeFalse())
		Expect(cache.Flush()).To(BeFalse())
	})

	It("should fully flush a cache touched in every group", func() {
		for i := 0; i < cache.Size(); i += 32 {
			va := addr.VirtualAddress(uint64(i) << addr.PageBits)
			cache.Insert(ramEntry(va, 0))
		}
		Expect(cache.ValidEntries()).To(Equal(32))

		Expect(cache.Flush()).To(BeTrue())
		Expect(cache.ValidEntries()).To(BeZero())

		cache.Insert(ramEntry(0x7000, 0x7000))
		_, ok := cache.Lookup(0x7000)
		Expect(ok).To(BeTrue())
	})

	It("should work with fewer entries than groups", func() {
		small := smm.NewCache(2)
		for i := 0; i < 4; i++ {
			small.Insert(ramEntry(addr.VirtualAddress(i<<addr.PageBits), 0))
		}
		Expect(small.ValidEntries()).To(Equal(4))
		Expect(small.Flush()).To(BeTrue())
		Expect(small.ValidEntries()).To(BeZero())
	})
})
