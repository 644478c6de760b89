package mem

import (
	"github.com/sarchlab/archsim/addr"
	"github.com/sarchlab/archsim/emu"
	"github.com/sarchlab/archsim/mmu"
)

// TranslationResult is the outcome reported by a TranslationProvider.
type TranslationResult int

const (
	TranslationUnknown TranslationResult = iota
	TranslationOK
	TranslationNotPresent
	TranslationNotPrivileged
)

func (r TranslationResult) String() string {
	switch r {
	case TranslationOK:
		return "ok"
	case TranslationNotPresent:
		return "not present"
	case TranslationNotPrivileged:
		return "not privileged"
	}
	return "unknown"
}

// TranslationProvider maps virtual addresses to physical ones.
type TranslationProvider interface {
	Translate(va addr.VirtualAddress, isWrite, isFetch, sideEffects bool) (addr.PhysicalAddress, TranslationResult)
}

// IdentityTranslationProvider maps every address to itself.
type IdentityTranslationProvider struct{}

// Translate returns va unchanged.
func (IdentityTranslationProvider) Translate(va addr.VirtualAddress, _, _, _ bool) (addr.PhysicalAddress, TranslationResult) {
	return addr.Identity(va), TranslationOK
}

// FuncTranslationProvider adapts a function into a TranslationProvider.
type FuncTranslationProvider func(va addr.VirtualAddress, sideEffects bool) (addr.PhysicalAddress, TranslationResult)

// Translate calls f.
func (f FuncTranslationProvider) Translate(va addr.VirtualAddress, _, _, sideEffects bool) (addr.PhysicalAddress, TranslationResult) {
	return f(va, sideEffects)
}

// MMUTranslationProvider translates through an MMU on behalf of a thread,
// at the thread's current privilege level.
type MMUTranslationProvider struct {
	MMU    mmu.MMU
	Thread *emu.Thread
}

// NewMMUTranslationProvider binds m to t.
func NewMMUTranslationProvider(m mmu.MMU, t *emu.Thread) *MMUTranslationProvider {
	return &MMUTranslationProvider{MMU: m, Thread: t}
}

// Translate runs the MMU and folds its result into a TranslationResult.
func (p *MMUTranslationProvider) Translate(va addr.VirtualAddress, isWrite, isFetch, sideEffects bool) (addr.PhysicalAddress, TranslationResult) {
	info := mmu.AccessInfo{
		Ring:        p.Thread.ExecutionRing(),
		Write:       isWrite,
		Fetch:       isFetch,
		SideEffects: sideEffects,
	}
	pa, res := p.MMU.Translate(p.Thread, va, info)
	return pa, FromTranslateResult(res)
}

// FromTranslateResult maps an MMU result onto a TranslationResult.
func FromTranslateResult(res mmu.TranslateResult) TranslationResult {
	switch {
	case res == mmu.TranslateOK:
		return TranslationOK
	case res.IsPermission():
		return TranslationNotPrivileged
	case res.IsFault():
		return TranslationNotPresent
	}
	return TranslationUnknown
}
