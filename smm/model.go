// Package smm implements the cache-based system memory model: per-hart
// translation caches between virtual-address accesses and guest physical
// memory.
package smm

import (
	"encoding/binary"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/sarchlab/archsim/addr"
	"github.com/sarchlab/archsim/coderegion"
	"github.com/sarchlab/archsim/device"
	"github.com/sarchlab/archsim/emu"
	"github.com/sarchlab/archsim/mmu"
	"github.com/sarchlab/archsim/pubsub"
)

// State block slots holding the active caches.
const (
	StateReadCache  = "mem_cache_read"
	StateWriteCache = "mem_cache_write"
)

// Statistics counts memory model activity.
type Statistics struct {
	Reads             uint64
	Writes            uint64
	Fetches           uint64
	Hits              uint64
	Misses            uint64
	FetchMemoHits     uint64
	DeviceAccesses    uint64
	Flushes           uint64
	Evictions         uint64
	CodeInvalidations uint64
	Faults            uint64
}

// HitRate returns hits over cached lookups.
func (s Statistics) HitRate() float64 {
	if s.Hits+s.Misses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Hits+s.Misses)
}

type fetchMemo struct {
	valid bool
	page  addr.VirtualAddress
	phys  addr.PhysicalAddress
	span  []byte
}

// Model is the cache-based system memory model of one hart. It keeps
// separate read and write caches for user and kernel privilege and
// selects the active pair from the hart's ring. A Model is used only by
// its hart's goroutine.
type Model struct {
	thread  *emu.Thread
	memory  *emu.Memory
	mmu     mmu.MMU
	devices *device.Manager
	code    *coderegion.Tracker

	userRead, userWrite     *Cache
	kernelRead, kernelWrite *Cache
	readCache, writeCache   *Cache

	// kernelRing is the privileged ring whose translations the kernel
	// pair holds.
	kernelRing emu.Ring

	fetch fetchMemo

	checkAlignment bool
	cacheBits      int

	subs   []*pubsub.Subscription
	stats  Statistics
	logger *slog.Logger
}

// ModelOption is a functional option for configuring a Model.
type ModelOption func(*Model)

// WithDeviceManager routes physical addresses claimed by devices to them.
func WithDeviceManager(d *device.Manager) ModelOption {
	return func(m *Model) {
		m.devices = d
	}
}

// WithCodeRegions enables invalidation of translated code on writes.
func WithCodeRegions(t *coderegion.Tracker) ModelOption {
	return func(m *Model) {
		m.code = t
	}
}

// WithAlignmentCheck splits misaligned accesses into byte accesses.
func WithAlignmentCheck(enabled bool) ModelOption {
	return func(m *Model) {
		m.checkAlignment = enabled
	}
}

// WithCacheBits sets each cache to 1<<bits entries.
func WithCacheBits(bits int) ModelOption {
	return func(m *Model) {
		m.cacheBits = bits
	}
}

// WithLogger sets the logger used by the model.
func WithLogger(l *slog.Logger) ModelOption {
	return func(m *Model) {
		m.logger = l
	}
}

// New creates the memory model for thread and subscribes it to the
// thread's bus. Without a bus the caller must invoke InstallCaches after
// privilege changes and FlushCaches after satp writes.
func New(thread *emu.Thread, memory *emu.Memory, m mmu.MMU, opts ...ModelOption) *Model {
	model := &Model{
		thread:    thread,
		memory:    memory,
		mmu:       m,
		cacheBits: DefaultCacheBits,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(model)
	}

	model.userRead = NewCache(model.cacheBits)
	model.userWrite = NewCache(model.cacheBits)
	model.kernelRead = NewCache(model.cacheBits)
	model.kernelWrite = NewCache(model.cacheBits)
	model.kernelRing = thread.ExecutionRing()

	state := thread.StateBlock()
	state.AddBlock(StateReadCache)
	state.AddBlock(StateWriteCache)

	if bus := thread.Bus(); bus != nil {
		model.subs = append(model.subs,
			bus.Subscribe(pubsub.ITlbEntryFlush, model.onEvict),
			bus.Subscribe(pubsub.DTlbEntryFlush, model.onEvict),
			bus.Subscribe(pubsub.ITlbFullFlush, model.onFlush),
			bus.Subscribe(pubsub.DTlbFullFlush, model.onFlush),
			bus.Subscribe(pubsub.RegionDispatchedForTranslationPhysical, model.onFlush),
			bus.Subscribe(pubsub.PrivilegeLevelChange, model.onPrivilegeChange),
		)
	}

	model.InstallCaches()
	return model
}

func (m *Model) onEvict(_ pubsub.Kind, payload any) {
	switch va := payload.(type) {
	case addr.VirtualAddress:
		m.EvictCacheEntry(va)
	case uint64:
		m.EvictCacheEntry(addr.VirtualAddress(va))
	default:
		m.FlushCaches()
	}
}

func (m *Model) onFlush(pubsub.Kind, any) { m.FlushCaches() }

func (m *Model) onPrivilegeChange(pubsub.Kind, any) { m.InstallCaches() }

// Close releases the model's bus subscriptions.
func (m *Model) Close() {
	for _, s := range m.subs {
		s.Unsubscribe()
	}
	m.subs = nil
}

// Thread returns the hart the model serves.
func (m *Model) Thread() *emu.Thread { return m.thread }

// MMU returns the translation unit.
func (m *Model) MMU() mmu.MMU { return m.mmu }

// Stats returns activity counters.
func (m *Model) Stats() Statistics { return m.stats }

// ResetStats clears activity counters.
func (m *Model) ResetStats() { m.stats = Statistics{} }

// Caches returns the user read, user write, kernel read and kernel write
// caches.
func (m *Model) Caches() (userRead, userWrite, kernelRead, kernelWrite *Cache) {
	return m.userRead, m.userWrite, m.kernelRead, m.kernelWrite
}

// ActiveCaches returns the read and write caches for the current ring.
func (m *Model) ActiveCaches() (read, write *Cache) {
	return m.readCache, m.writeCache
}

// InstallCaches selects the cache pair for the hart's ring and publishes
// it into the hart's state block. Supervisor and machine mode share the
// kernel pair but not their translations, so moving between them empties
// it.
func (m *Model) InstallCaches() {
	ring := m.thread.ExecutionRing()
	if ring == emu.RingUser {
		m.readCache, m.writeCache = m.userRead, m.userWrite
	} else {
		if ring != m.kernelRing {
			m.kernelRead.Flush()
			m.kernelWrite.Flush()
			m.kernelRing = ring
		}
		m.readCache, m.writeCache = m.kernelRead, m.kernelWrite
	}
	m.fetch = fetchMemo{}

	state := m.thread.StateBlock()
	state.SetEntry(StateReadCache, m.readCache)
	state.SetEntry(StateWriteCache, m.writeCache)
}

// FlushCaches invalidates every cached translation.
func (m *Model) FlushCaches() {
	m.stats.Flushes++
	m.fetch = fetchMemo{}

	flushed := false
	for _, c := range []*Cache{m.userRead, m.userWrite, m.kernelRead, m.kernelWrite} {
		if c.Flush() {
			flushed = true
		}
	}
	if flushed {
		m.logger.Debug("flushed memory caches", slog.Int("thread", m.thread.ID()))
	}
}

// EvictCacheEntry invalidates the cached translation of the page holding
// va for both rings and directions.
func (m *Model) EvictCacheEntry(va addr.VirtualAddress) {
	m.stats.Evictions++
	if m.fetch.valid && m.fetch.page == va.PageBase() {
		m.fetch = fetchMemo{}
	}
	for _, c := range []*Cache{m.userRead, m.userWrite, m.kernelRead, m.kernelWrite} {
		c.Evict(va)
	}
	m.logger.Debug("evicted memory cache entry",
		slog.Int("thread", m.thread.ID()), slog.String("va", va.String()))
}

func (m *Model) access(write, fetch, sideEffects bool) mmu.AccessInfo {
	return mmu.AccessInfo{
		Ring:        m.thread.ExecutionRing(),
		Write:       write,
		Fetch:       fetch,
		SideEffects: sideEffects,
	}
}

func (m *Model) translate(va addr.VirtualAddress, info mmu.AccessInfo) (addr.PhysicalAddress, error) {
	pa, res := m.mmu.Translate(m.thread, va, info)
	if res == mmu.TranslateOK {
		return pa, nil
	}

	m.stats.Faults++
	if res.IsFault() {
		return 0, &Fault{Addr: va, Access: info, Result: res}
	}
	return 0, &InternalError{Addr: va, Access: info, Thread: m.thread.ID(), Result: res}
}

// updateEntry services a miss: translate, then install a device or RAM
// entry. On failure only the probed slot is invalidated.
func (m *Model) updateEntry(c *Cache, va addr.VirtualAddress, info mmu.AccessInfo) (Entry, error) {
	c.Evict(va)

	pa, err := m.translate(va, info)
	if err != nil {
		return Entry{}, err
	}

	e, err := m.resolve(va, pa, info)
	if err != nil {
		return Entry{}, err
	}
	c.Insert(e)
	return e, nil
}

// resolve builds the entry for the physical page holding pa.
func (m *Model) resolve(va addr.VirtualAddress, pa addr.PhysicalAddress, info mmu.AccessInfo) (Entry, error) {
	if m.devices != nil {
		if dev, ok := m.devices.LookupDevice(pa); ok {
			return Entry{Kind: EntryDevice, Tag: va.PageBase(), Phys: pa.PageBase(), Device: dev}, nil
		}
	}

	span, err := m.memory.LockRegion(pa.PageBase(), addr.PageSize)
	if err != nil {
		return Entry{}, &InternalError{
			Addr:   va,
			Access: info,
			Thread: m.thread.ID(),
			Err:    errors.Wrapf(err, "lock %s", pa.PageBase()),
		}
	}
	return Entry{Kind: EntryRAM, Tag: va.PageBase(), Phys: pa.PageBase(), Page: span}, nil
}

func validSize(n int) error {
	switch n {
	case 1, 2, 4, 8:
		return nil
	}
	return errors.Wrapf(ErrUnsupportedSize, "%d bytes", n)
}

func (m *Model) split(va addr.VirtualAddress, n int) bool {
	if n == 1 {
		return false
	}
	if m.checkAlignment && !addr.IsAligned(va.Get(), n) {
		return true
	}
	return addr.CrossesPage(va.Get(), n)
}

func bytewise(va addr.VirtualAddress, buf []byte, one func(addr.VirtualAddress, []byte) error) error {
	for i := range buf {
		if err := one(va.Add(uint64(i)), buf[i:i+1]); err != nil {
			return err
		}
	}
	return nil
}

// Read loads len(buf) bytes from va.
func (m *Model) Read(va addr.VirtualAddress, buf []byte) error {
	if err := validSize(len(buf)); err != nil {
		return err
	}
	m.stats.Reads++
	if m.split(va, len(buf)) {
		return bytewise(va, buf, m.read)
	}
	return m.read(va, buf)
}

func (m *Model) read(va addr.VirtualAddress, buf []byte) error {
	e, ok := m.readCache.Lookup(va)
	if ok {
		m.stats.Hits++
	} else {
		m.stats.Misses++
		var err error
		if e, err = m.updateEntry(m.readCache, va, m.access(false, false, true)); err != nil {
			return err
		}
	}

	if e.Kind == EntryDevice {
		m.deviceRead(e, va, buf)
		return nil
	}
	copy(buf, e.Page[va.PageOffset():])
	return nil
}

// Write stores buf at va.
func (m *Model) Write(va addr.VirtualAddress, buf []byte) error {
	if err := validSize(len(buf)); err != nil {
		return err
	}
	m.stats.Writes++
	if m.split(va, len(buf)) {
		return bytewise(va, buf, m.write)
	}
	return m.write(va, buf)
}

func (m *Model) write(va addr.VirtualAddress, buf []byte) error {
	e, ok := m.writeCache.Lookup(va)
	if ok {
		m.stats.Hits++
	} else {
		m.stats.Misses++
		var err error
		if e, err = m.updateEntry(m.writeCache, va, m.access(true, false, true)); err != nil {
			return err
		}
	}

	if e.Kind == EntryDevice {
		m.deviceWrite(e, va, buf)
		return nil
	}

	m.invalidateCode(e.Phys)
	copy(e.Page[va.PageOffset():], buf)
	return nil
}

func (m *Model) invalidateCode(pa addr.PhysicalAddress) {
	if m.code != nil && m.code.IsRegionCode(pa) {
		m.stats.CodeInvalidations++
		m.code.InvalidateRegion(pa)
	}
}

// Fetch loads instruction bytes from va. Consecutive fetches from one page
// reuse its translation until the next flush, eviction or privilege
// change.
func (m *Model) Fetch(va addr.VirtualAddress, buf []byte) error {
	if err := validSize(len(buf)); err != nil {
		return err
	}
	m.stats.Fetches++
	if m.split(va, len(buf)) {
		return bytewise(va, buf, m.fetchOne)
	}
	return m.fetchOne(va, buf)
}

func (m *Model) fetchOne(va addr.VirtualAddress, buf []byte) error {
	page := va.PageBase()
	if m.fetch.valid && m.fetch.page == page {
		m.stats.FetchMemoHits++
		copy(buf, m.fetch.span[va.PageOffset():])
		return nil
	}

	info := m.access(false, true, true)
	pa, err := m.translate(va, info)
	if err != nil {
		return err
	}

	e, err := m.resolve(va, pa, info)
	if err != nil {
		return err
	}
	if e.Kind == EntryDevice {
		m.deviceRead(e, va, buf)
		return nil
	}

	m.fetch = fetchMemo{valid: true, page: page, phys: e.Phys, span: e.Page}
	copy(buf, e.Page[va.PageOffset():])
	return nil
}

// deviceFor returns the device for the physical address behind va in a
// device entry, and the offset into it.
func (m *Model) deviceFor(e Entry, va addr.VirtualAddress) (device.MemoryComponent, uint64, bool) {
	pa := e.Phys.Add(va.PageOffset())
	dev := e.Device
	if pa < dev.BaseAddress() || uint64(pa-dev.BaseAddress()) >= dev.Size() {
		// The page is shared with another device or a hole.
		var ok bool
		if m.devices == nil {
			return nil, 0, false
		}
		if dev, ok = m.devices.LookupDevice(pa); !ok {
			return nil, 0, false
		}
	}
	return dev, uint64(pa - dev.BaseAddress()), true
}

func (m *Model) deviceRead(e Entry, va addr.VirtualAddress, buf []byte) {
	m.stats.DeviceAccesses++

	var v uint64
	if dev, off, ok := m.deviceFor(e, va); ok {
		if v, ok = dev.Read(off, len(buf)); !ok {
			v = 0
		}
	}
	for i := range buf {
		buf[i] = byte(v >> (8 * i))
	}
}

func (m *Model) deviceWrite(e Entry, va addr.VirtualAddress, buf []byte) {
	m.stats.DeviceAccesses++

	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	dev, off, ok := m.deviceFor(e, va)
	if ok {
		ok = dev.Write(off, len(buf), v)
	}
	if !ok {
		m.logger.Debug("device write ignored",
			slog.Int("thread", m.thread.ID()), slog.String("va", va.String()))
	}
}

// Peek reads guest memory through the MMU without side effects: no guest
// exception, no cache change.
func (m *Model) Peek(va addr.VirtualAddress, buf []byte) error {
	return m.debugAccess(va, buf, false)
}

// Poke writes guest memory through the MMU without side effects. Pages
// holding translated code are invalidated.
func (m *Model) Poke(va addr.VirtualAddress, buf []byte) error {
	return m.debugAccess(va, buf, true)
}

func (m *Model) debugAccess(va addr.VirtualAddress, buf []byte, write bool) error {
	return m.eachPage(va, buf, m.access(false, false, false), func(pa addr.PhysicalAddress, chunk []byte) error {
		if !write {
			return m.memory.Peek(pa, chunk)
		}
		m.invalidateCode(pa)
		return m.memory.Poke(pa, chunk)
	})
}

// ReadUser reads with user privilege, as the kernel does when copying
// from user space. Caches are bypassed.
func (m *Model) ReadUser(va addr.VirtualAddress, buf []byte) error {
	info := mmu.AccessInfo{Ring: emu.RingUser, SideEffects: true}
	return m.eachPage(va, buf, info, func(pa addr.PhysicalAddress, chunk []byte) error {
		return m.memory.Read(pa, chunk)
	})
}

// WriteUser writes with user privilege. Caches are bypassed.
func (m *Model) WriteUser(va addr.VirtualAddress, buf []byte) error {
	info := mmu.AccessInfo{Ring: emu.RingUser, Write: true, SideEffects: true}
	return m.eachPage(va, buf, info, func(pa addr.PhysicalAddress, chunk []byte) error {
		m.invalidateCode(pa)
		return m.memory.Write(pa, chunk)
	})
}

// eachPage translates each page covered by [va, va+len(buf)) and hands the
// physical chunk to fn.
func (m *Model) eachPage(va addr.VirtualAddress, buf []byte, info mmu.AccessInfo,
	fn func(addr.PhysicalAddress, []byte) error,
) error {
	for len(buf) > 0 {
		n := int(addr.PageSize - va.PageOffset())
		if n > len(buf) {
			n = len(buf)
		}

		pa, res := m.mmu.Translate(m.thread, va, info)
		if res != mmu.TranslateOK {
			if res.IsFault() {
				return &Fault{Addr: va, Access: info, Result: res}
			}
			return &InternalError{Addr: va, Access: info, Thread: m.thread.ID(), Result: res}
		}
		if err := fn(pa, buf[:n]); err != nil {
			return &InternalError{Addr: va, Access: info, Thread: m.thread.ID(), Err: err}
		}

		va, buf = va.Add(uint64(n)), buf[n:]
	}
	return nil
}

// PerformTranslation returns the physical address of va for the given
// access, using a cached translation when one exists.
func (m *Model) PerformTranslation(va addr.VirtualAddress, info mmu.AccessInfo) (addr.PhysicalAddress, error) {
	switch {
	case info.Fetch:
		if m.fetch.valid && m.fetch.page == va.PageBase() {
			return m.fetch.phys.Add(va.PageOffset()), nil
		}
	default:
		if e, ok := m.cacheFor(info).Lookup(va); ok {
			return e.Phys.Add(va.PageOffset()), nil
		}
	}

	pa, res := m.mmu.Translate(m.thread, va, info)
	if res != mmu.TranslateOK {
		if res.IsFault() {
			return 0, &Fault{Addr: va, Access: info, Result: res}
		}
		return 0, &InternalError{Addr: va, Access: info, Thread: m.thread.ID(), Result: res}
	}
	return pa, nil
}

func (m *Model) cacheFor(info mmu.AccessInfo) *Cache {
	user := info.Ring == emu.RingUser
	switch {
	case user && info.Write:
		return m.userWrite
	case user:
		return m.userRead
	case info.Write:
		return m.kernelWrite
	}
	return m.kernelRead
}

// Read8 loads a byte.
func (m *Model) Read8(va addr.VirtualAddress) (uint8, error) {
	var b [1]byte
	err := m.Read(va, b[:])
	return b[0], err
}

// Read16 loads a little-endian halfword.
func (m *Model) Read16(va addr.VirtualAddress) (uint16, error) {
	var b [2]byte
	err := m.Read(va, b[:])
	return binary.LittleEndian.Uint16(b[:]), err
}

// Read32 loads a little-endian word.
func (m *Model) Read32(va addr.VirtualAddress) (uint32, error) {
	var b [4]byte
	err := m.Read(va, b[:])
	return binary.LittleEndian.Uint32(b[:]), err
}

// Read64 loads a little-endian doubleword.
func (m *Model) Read64(va addr.VirtualAddress) (uint64, error) {
	var b [8]byte
	err := m.Read(va, b[:])
	return binary.LittleEndian.Uint64(b[:]), err
}

// Fetch32 loads an instruction word.
func (m *Model) Fetch32(va addr.VirtualAddress) (uint32, error) {
	var b [4]byte
	err := m.Fetch(va, b[:])
	return binary.LittleEndian.Uint32(b[:]), err
}

// Write8 stores a byte.
func (m *Model) Write8(va addr.VirtualAddress, v uint8) error {
	return m.Write(va, []byte{v})
}

// Write16 stores a little-endian halfword.
func (m *Model) Write16(va addr.VirtualAddress, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return m.Write(va, b[:])
}

// Write32 stores a little-endian word.
func (m *Model) Write32(va addr.VirtualAddress, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(va, b[:])
}

// Write64 stores a little-endian doubleword.
func (m *Model) Write64(va addr.VirtualAddress, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.Write(va, b[:])
}
