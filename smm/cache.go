package smm

import (
	"fmt"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/archsim/addr"
	"github.com/sarchlab/archsim/device"
)

// DefaultCacheBits gives 1024 entries per cache.
const DefaultCacheBits = 10

// dirtyGroupBits splits a cache into 32 groups for selective flushing.
const dirtyGroupBits = 5

// EntryKind discriminates cache entries.
type EntryKind int

const (
	// EntryInvalid marks an empty slot.
	EntryInvalid EntryKind = iota
	// EntryRAM maps a page backed by physical memory.
	EntryRAM
	// EntryDevice maps a page claimed by a device.
	EntryDevice
)

func (k EntryKind) String() string {
	switch k {
	case EntryRAM:
		return "ram"
	case EntryDevice:
		return "device"
	}
	return "invalid"
}

// Entry maps one virtual page to either a host span of guest RAM or a
// device.
type Entry struct {
	Kind EntryKind
	Tag  addr.VirtualAddress
	Phys addr.PhysicalAddress

	// Page spans exactly one guest page. RAM entries only.
	Page []byte

	// Device entries only.
	Device device.MemoryComponent
}

func (e Entry) String() string {
	switch e.Kind {
	case EntryRAM:
		return fmt.Sprintf("%s => %s (memory)", e.Tag, e.Phys)
	case EntryDevice:
		return fmt.Sprintf("%s => %s (device @%s)", e.Tag, e.Phys, e.Device.BaseAddress())
	}
	return "invalid"
}

// Cache is a direct-mapped translation cache indexed by virtual page
// number modulo its size. Tags live in an akita cache directory with one
// way per set and page-sized blocks.
type Cache struct {
	bits int
	size int

	directory *akitacache.DirectoryImpl

	// Entry payloads, indexed by set.
	entries []Entry

	dirty       bool
	dirtyGroups uint32
	groupShift  int
}

// NewCache creates a cache of 1<<bits entries.
func NewCache(bits int) *Cache {
	size := 1 << bits
	c := &Cache{
		bits: bits,
		size: size,
		directory: akitacache.NewDirectory(
			size,
			1,
			addr.PageSize,
			akitacache.NewLRUVictimFinder(),
		),
		entries: make([]Entry, size),
	}
	if bits > dirtyGroupBits {
		c.groupShift = bits - dirtyGroupBits
	}
	return c
}

// Size returns the number of entries.
func (c *Cache) Size() int { return c.size }

// IsDirty reports whether any entry was installed since the last flush.
func (c *Cache) IsDirty() bool { return c.dirty }

func (c *Cache) index(va addr.VirtualAddress) int {
	return int(va.PageIndex() % uint64(c.size))
}

// Lookup returns the entry for the page holding va.
func (c *Cache) Lookup(va addr.VirtualAddress) (Entry, bool) {
	block := c.directory.Lookup(0, va.PageBase().Get())
	if block == nil || !block.IsValid {
		return Entry{}, false
	}
	return c.entries[block.SetID], true
}

// Insert installs e in the slot for its tag, replacing whatever was there.
func (c *Cache) Insert(e Entry) {
	tag := e.Tag.PageBase()
	e.Tag = tag

	victim := c.directory.FindVictim(tag.Get())
	victim.Tag = tag.Get()
	victim.IsValid = true
	victim.IsDirty = false
	c.directory.Visit(victim)

	c.entries[victim.SetID] = e
	c.dirty = true
	c.dirtyGroups |= 1 << (victim.SetID >> c.groupShift)
}

// Evict invalidates the slot va maps to, whatever page it holds.
func (c *Cache) Evict(va addr.VirtualAddress) bool {
	set := c.index(va)
	block := c.directory.GetSets()[set].Blocks[0]
	if !block.IsValid {
		return false
	}
	block.IsValid = false
	c.entries[set] = Entry{}
	return true
}

// Flush invalidates every entry installed since the last flush. A clean
// cache is left alone.
func (c *Cache) Flush() bool {
	if !c.dirty {
		return false
	}

	groups := uint(c.size >> c.groupShift)
	if uint64(c.dirtyGroups) == uint64(1)<<groups-1 {
		c.directory.Reset()
		clear(c.entries)
	} else {
		sets := c.directory.GetSets()
		groupSize := 1 << c.groupShift
		for g := 0; c.dirtyGroups>>g != 0; g++ {
			if c.dirtyGroups&(1<<g) == 0 {
				continue
			}
			for i := g * groupSize; i < (g+1)*groupSize; i++ {
				sets[i].Blocks[0].IsValid = false
				c.entries[i] = Entry{}
			}
		}
	}

	c.dirty = false
	c.dirtyGroups = 0
	return true
}

// ValidEntries counts installed entries.
func (c *Cache) ValidEntries() int {
	n := 0
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid {
				n++
			}
		}
	}
	return n
}
