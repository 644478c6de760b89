package riscv

import (
	"fmt"
	"log/slog"

	"github.com/sarchlab/archsim/emu"
)

// EmulationModel delivers RISC-V traps by updating the CSR file and
// switching the hart's privilege level.
type EmulationModel struct {
	csr     *Coprocessor
	handled uint64
	logger  *slog.Logger
}

var _ emu.EmulationModel = (*EmulationModel)(nil)

// NewEmulationModel creates a trap delivery model over csr.
func NewEmulationModel(csr *Coprocessor, logger *slog.Logger) *EmulationModel {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmulationModel{csr: csr, logger: logger}
}

// Handled returns the number of exceptions delivered to a guest handler.
func (e *EmulationModel) Handled() uint64 { return e.handled }

// HandleException traps to supervisor mode when the cause is delegated
// and the hart is below machine mode, and to machine mode otherwise. A
// trap to a zero vector has no handler and aborts the simulation.
func (e *EmulationModel) HandleException(t *emu.Thread, cause uint64, tval uint64) emu.ExceptionAction {
	c := e.csr
	from := t.ExecutionRing()
	delegated := from < emu.RingMachine && cause < 64 && c.medeleg&(1<<cause) != 0

	vector := c.mtvec
	if delegated {
		vector = c.stvec
	}
	status := c.mstatus
	if vector == 0 {
		e.logger.Warn("guest exception without trap handler",
			slog.Int("thread", t.ID()),
			slog.Uint64("cause", cause),
			slog.String("tval", fmt.Sprintf("%#x", tval)),
			slog.String("pc", fmt.Sprintf("%#x", t.PC())))
		return emu.ExceptionAbortSimulation
	}

	if delegated {
		c.sepc = t.PC()
		c.scause = cause
		c.stval = tval

		c.mstatus &^= MStatusSPP | MStatusSPIE
		if from == emu.RingSupervisor {
			c.mstatus |= MStatusSPP
		}
		if c.mstatus&MStatusSIE != 0 {
			c.mstatus |= MStatusSPIE
		}
		c.mstatus &^= MStatusSIE

		t.SetExecutionRing(emu.RingSupervisor)
	} else {
		c.mepc = t.PC()
		c.mcause = cause
		c.mtval = tval

		c.mstatus &^= MStatusMPP | MStatusMPIE
		c.mstatus |= uint64(from) << mstatusMPPShift
		if c.mstatus&MStatusMIE != 0 {
			c.mstatus |= MStatusMPIE
		}
		c.mstatus &^= MStatusMIE

		c.statusChanged(status)
		t.SetExecutionRing(emu.RingMachine)
	}

	t.SetPC(vector &^ 3)
	e.handled++
	return emu.ExceptionAbortInstruction
}

// MRet returns from a machine-mode trap.
func (e *EmulationModel) MRet(t *emu.Thread) {
	c := e.csr
	status := c.mstatus
	to := MPP(status)

	c.mstatus &^= MStatusMIE
	if c.mstatus&MStatusMPIE != 0 {
		c.mstatus |= MStatusMIE
	}
	c.mstatus |= MStatusMPIE
	c.mstatus &^= MStatusMPP
	if to != emu.RingMachine {
		c.mstatus &^= MStatusMPRV
	}
	c.statusChanged(status)

	t.SetPC(c.mepc)
	t.SetExecutionRing(to)
}

// SRet returns from a supervisor-mode trap.
func (e *EmulationModel) SRet(t *emu.Thread) {
	c := e.csr
	status := c.mstatus
	to := emu.RingUser
	if c.mstatus&MStatusSPP != 0 {
		to = emu.RingSupervisor
	}

	c.mstatus &^= MStatusSIE
	if c.mstatus&MStatusSPIE != 0 {
		c.mstatus |= MStatusSIE
	}
	c.mstatus |= MStatusSPIE
	c.mstatus &^= MStatusSPP | MStatusMPRV
	c.statusChanged(status)

	t.SetPC(c.sepc)
	t.SetExecutionRing(to)
}
