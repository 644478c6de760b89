// Package mmu defines the address translation contract used by the system
// memory model.
package mmu

import (
	"fmt"
	"strings"

	"github.com/sarchlab/archsim/addr"
	"github.com/sarchlab/archsim/emu"
)

// AccessInfo describes the access being translated.
type AccessInfo struct {
	Ring  emu.Ring
	Write bool
	Fetch bool

	// SideEffects false means a debugger-style peek or poke: no guest
	// exception is raised and no translation state is mutated.
	SideEffects bool
}

// String renders the access as [I|D][U|K][W|R].
func (i AccessInfo) String() string {
	var sb strings.Builder
	if i.Fetch {
		sb.WriteByte('I')
	} else {
		sb.WriteByte('D')
	}
	if i.Ring == emu.RingUser {
		sb.WriteByte('U')
	} else {
		sb.WriteByte('K')
	}
	if i.Write {
		sb.WriteByte('W')
	} else {
		sb.WriteByte('R')
	}
	return sb.String()
}

// TranslateResult is the outcome of a translation.
type TranslateResult int

// Translation outcomes. Values from InternalOther upwards are simulator
// errors, not guest faults.
const (
	TranslateOK             TranslateResult = 0
	FaultSection            TranslateResult = 1
	FaultPage               TranslateResult = 2
	FaultOther              TranslateResult = 3
	AccessDomainSection     TranslateResult = 4
	AccessDomainPage        TranslateResult = 5
	AccessPermissionSection TranslateResult = 6
	AccessPermissionPage    TranslateResult = 7

	InternalOther           TranslateResult = 1024
	InternalExecRegionWrite TranslateResult = 1025
	InternalMalformedTable  TranslateResult = 1026
	InternalUnknownMode     TranslateResult = 1027
)

var resultNames = map[TranslateResult]string{
	TranslateOK:             "ok",
	FaultSection:            "section fault",
	FaultPage:               "page fault",
	FaultOther:              "access fault",
	AccessDomainSection:     "section domain fault",
	AccessDomainPage:        "page domain fault",
	AccessPermissionSection: "section permission fault",
	AccessPermissionPage:    "page permission fault",
	InternalOther:           "internal error",
	InternalExecRegionWrite: "write to executing region",
	InternalMalformedTable:  "malformed page table",
	InternalUnknownMode:     "unknown translation mode",
}

func (r TranslateResult) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("TranslateResult(%d)", int(r))
}

// IsFault reports whether r is a guest-visible fault.
func (r TranslateResult) IsFault() bool {
	return r != TranslateOK && r < InternalOther
}

// IsInternal reports whether r is a simulator error.
func (r TranslateResult) IsInternal() bool {
	return r >= InternalOther
}

// IsPermission reports whether r is a domain or permission fault.
func (r TranslateResult) IsPermission() bool {
	return r >= AccessDomainSection && r <= AccessPermissionPage
}

// PageInfo describes the mapping of one virtual page.
type PageInfo struct {
	Present bool

	UserCanRead    bool
	UserCanWrite   bool
	UserCanExecute bool

	KernelCanRead    bool
	KernelCanWrite   bool
	KernelCanExecute bool

	Accessed bool
	Dirty    bool

	// PhysAddr is the base of the leaf mapping and Mask selects the bits
	// of the virtual address that come from it.
	PhysAddr addr.PhysicalAddress
	Mask     uint64
	Level    int
}

// Compose returns the physical address of va within the mapping.
func (p PageInfo) Compose(va addr.VirtualAddress) addr.PhysicalAddress {
	return addr.PhysicalAddress(p.PhysAddr.Get()&p.Mask | va.Get()&^p.Mask)
}

// MMU translates virtual addresses for a hart.
type MMU interface {
	// Translate maps va for the given access. With info.SideEffects set a
	// guest fault is delivered to the thread's emulation model before the
	// fault result is returned.
	Translate(t *emu.Thread, va addr.VirtualAddress, info AccessInfo) (addr.PhysicalAddress, TranslateResult)

	// Info walks the mapping of va without permission checks or side
	// effects.
	Info(t *emu.Thread, va addr.VirtualAddress) PageInfo

	// FlushCaches drops any translation state the MMU keeps.
	FlushCaches()

	// Evict drops translation state for the page holding va.
	Evict(va addr.VirtualAddress)
}

// Identity is an MMU without translation: physical equals virtual and
// every access is permitted.
type Identity struct{}

// Translate returns va unchanged.
func (Identity) Translate(_ *emu.Thread, va addr.VirtualAddress, _ AccessInfo) (addr.PhysicalAddress, TranslateResult) {
	return addr.Identity(va), TranslateOK
}

// Info reports a fully permissive identity mapping.
func (Identity) Info(_ *emu.Thread, va addr.VirtualAddress) PageInfo {
	return PageInfo{
		Present:          true,
		UserCanRead:      true,
		UserCanWrite:     true,
		UserCanExecute:   true,
		KernelCanRead:    true,
		KernelCanWrite:   true,
		KernelCanExecute: true,
		Accessed:         true,
		Dirty:            true,
		PhysAddr:         addr.PhysicalAddress(va.PageBase()),
		Mask:             ^uint64(addr.PageMask),
	}
}

// FlushCaches does nothing.
func (Identity) FlushCaches() {}

// Evict does nothing.
func (Identity) Evict(addr.VirtualAddress) {}
