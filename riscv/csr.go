package riscv

import (
	"github.com/sarchlab/archsim/emu"
)

// CSR numbers.
const (
	CSRSStatus    uint32 = 0x100
	CSRSIE        uint32 = 0x104
	CSRSTVec      uint32 = 0x105
	CSRSCounterEn uint32 = 0x106
	CSRSScratch   uint32 = 0x140
	CSRSEPC       uint32 = 0x141
	CSRSCause     uint32 = 0x142
	CSRSTVal      uint32 = 0x143
	CSRSIP        uint32 = 0x144
	CSRSATP       uint32 = 0x180

	CSRMStatus    uint32 = 0x300
	CSRMISA       uint32 = 0x301
	CSRMEDeleg    uint32 = 0x302
	CSRMIDeleg    uint32 = 0x303
	CSRMIE        uint32 = 0x304
	CSRMTVec      uint32 = 0x305
	CSRMCounterEn uint32 = 0x306
	CSRMScratch   uint32 = 0x340
	CSRMEPC       uint32 = 0x341
	CSRMCause     uint32 = 0x342
	CSRMTVal      uint32 = 0x343
	CSRMIP        uint32 = 0x344
	CSRMHartID    uint32 = 0xf14
)

// mstatus fields.
const (
	MStatusUIE  uint64 = 1 << 0
	MStatusSIE  uint64 = 1 << 1
	MStatusMIE  uint64 = 1 << 3
	MStatusUPIE uint64 = 1 << 4
	MStatusSPIE uint64 = 1 << 5
	MStatusMPIE uint64 = 1 << 7
	MStatusSPP  uint64 = 1 << 8
	MStatusMPP  uint64 = 3 << 11
	MStatusFS   uint64 = 3 << 13
	MStatusXS   uint64 = 3 << 15
	MStatusMPRV uint64 = 1 << 17
	MStatusSUM  uint64 = 1 << 18
	MStatusMXR  uint64 = 1 << 19
	MStatusTVM  uint64 = 1 << 20
	MStatusTW   uint64 = 1 << 21
	MStatusTSR  uint64 = 1 << 22
	MStatusUXL  uint64 = 3 << 32
	MStatusSXL  uint64 = 3 << 34
	MStatusSD   uint64 = 1 << 63

	mstatusMPPShift = 11

	mstatusTranslation = MStatusSUM | MStatusMXR | MStatusMPRV | MStatusMPP
)

// sstatus is a restricted view of mstatus.
const sstatusMask = MStatusSD | MStatusUXL | MStatusMXR | MStatusSUM | MStatusXS |
	MStatusFS | MStatusSPP | MStatusSPIE | MStatusUPIE | MStatusSIE | MStatusUIE

// mstatus bits software may write.
const mstatusWritable = MStatusUIE | MStatusSIE | MStatusMIE | MStatusUPIE | MStatusSPIE |
	MStatusMPIE | MStatusSPP | MStatusMPP | MStatusFS | MStatusMPRV | MStatusSUM |
	MStatusMXR | MStatusTVM | MStatusTW | MStatusTSR

func misaFor(xlen int) uint64 {
	const ext = 1<<('I'-'A') | 1<<('M'-'A') | 1<<('A'-'A') | 1<<('F'-'A') |
		1<<('D'-'A') | 1<<('S'-'A') | 1<<('U'-'A')
	if xlen == 32 {
		return 1<<30 | ext
	}
	return 2<<62 | ext
}

// Coprocessor is the machine and supervisor CSR file of one hart. It is
// attached to the hart as coprocessor 0.
type Coprocessor struct {
	mmu    *MMU
	hartID uint64
	xlen   int

	mstatus    uint64
	medeleg    uint64
	mideleg    uint64
	mie        uint64
	mip        uint64
	mtvec      uint64
	mcounteren uint64
	mscratch   uint64
	mepc       uint64
	mcause     uint64
	mtval      uint64

	stvec      uint64
	scounteren uint64
	sscratch   uint64
	sepc       uint64
	scause     uint64
	stval      uint64
}

// NewCoprocessor creates the CSR file for a hart. satp accesses are
// forwarded to m.
func NewCoprocessor(m *MMU, hartID int) *Coprocessor {
	c := &Coprocessor{mmu: m, hartID: uint64(hartID), xlen: 64}
	if m != nil {
		c.xlen = m.XLEN()
	}
	if c.xlen == 64 {
		c.mstatus = 2<<32 | 2<<34
	}
	return c
}

// MStatus returns the raw mstatus value.
func (c *Coprocessor) MStatus() uint64 { return c.mstatus }

// Read64 reads a CSR. Unknown registers return false.
func (c *Coprocessor) Read64(reg uint32) (uint64, bool) {
	switch reg {
	case CSRMStatus:
		return c.mstatus, true
	case CSRSStatus:
		return c.mstatus & sstatusMask, true
	case CSRMISA:
		return misaFor(c.xlen), true
	case CSRMEDeleg:
		return c.medeleg, true
	case CSRMIDeleg:
		return c.mideleg, true
	case CSRMIE:
		return c.mie, true
	case CSRSIE:
		return c.mie & c.mideleg, true
	case CSRMIP:
		return c.mip, true
	case CSRSIP:
		return c.mip & c.mideleg, true
	case CSRMTVec:
		return c.mtvec, true
	case CSRMCounterEn:
		return c.mcounteren, true
	case CSRMScratch:
		return c.mscratch, true
	case CSRMEPC:
		return c.mepc, true
	case CSRMCause:
		return c.mcause, true
	case CSRMTVal:
		return c.mtval, true
	case CSRSTVec:
		return c.stvec, true
	case CSRSCounterEn:
		return c.scounteren, true
	case CSRSScratch:
		return c.sscratch, true
	case CSRSEPC:
		return c.sepc, true
	case CSRSCause:
		return c.scause, true
	case CSRSTVal:
		return c.stval, true
	case CSRSATP:
		if c.mmu == nil {
			return 0, false
		}
		return c.mmu.SATP(), true
	case CSRMHartID:
		return c.hartID, true
	}
	return 0, false
}

// Write64 writes a CSR. Unknown and read-only registers return false.
func (c *Coprocessor) Write64(reg uint32, v uint64) bool {
	switch reg {
	case CSRMStatus:
		c.writeStatus(mstatusWritable, v)
	case CSRSStatus:
		c.writeStatus(sstatusMask&mstatusWritable, v)
	case CSRMISA:
		// WARL, no writable fields
	case CSRMEDeleg:
		c.medeleg = v
	case CSRMIDeleg:
		c.mideleg = v
	case CSRMIE:
		c.mie = v
	case CSRSIE:
		c.mie = c.mie&^c.mideleg | v&c.mideleg
	case CSRMIP:
		c.mip = v
	case CSRSIP:
		c.mip = c.mip&^c.mideleg | v&c.mideleg
	case CSRMTVec:
		c.mtvec = v
	case CSRMCounterEn:
		c.mcounteren = v
	case CSRMScratch:
		c.mscratch = v
	case CSRMEPC:
		c.mepc = v &^ 1
	case CSRMCause:
		c.mcause = v
	case CSRMTVal:
		c.mtval = v
	case CSRSTVec:
		c.stvec = v
	case CSRSCounterEn:
		c.scounteren = v
	case CSRSScratch:
		c.sscratch = v
	case CSRSEPC:
		c.sepc = v &^ 1
	case CSRSCause:
		c.scause = v
	case CSRSTVal:
		c.stval = v
	case CSRSATP:
		if c.mmu == nil {
			return false
		}
		c.mmu.SetSATP(v)
	default:
		return false
	}
	return true
}

// writeStatus updates the mstatus bits in mask. Cached translations were
// checked against the old SUM, MXR, MPRV and MPP, so changing any of them
// flushes every translation cache.
func (c *Coprocessor) writeStatus(mask, v uint64) {
	old := c.mstatus
	c.mstatus = c.mstatus&^mask | v&mask
	c.updateSD()
	c.statusChanged(old)
}

func (c *Coprocessor) statusChanged(old uint64) {
	if (old^c.mstatus)&mstatusTranslation != 0 && c.mmu != nil {
		c.mmu.publishFullFlush()
	}
}

func (c *Coprocessor) updateSD() {
	dirty := c.mstatus&MStatusFS == MStatusFS || c.mstatus&MStatusXS == MStatusXS
	if dirty {
		c.mstatus |= MStatusSD
	} else {
		c.mstatus &^= MStatusSD
	}
}

// MPP returns the previous privilege level saved in mstatus.
func MPP(mstatus uint64) emu.Ring {
	return emu.Ring((mstatus & MStatusMPP) >> mstatusMPPShift)
}

func statusOf(t *emu.Thread) uint64 {
	if t == nil {
		return 0
	}
	cp, ok := t.Coprocessor(0)
	if !ok {
		return 0
	}
	v, _ := cp.Read64(CSRMStatus)
	return v
}
