package system

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"

	"github.com/sarchlab/archsim/addr"
	"github.com/sarchlab/archsim/device"
	"github.com/sarchlab/archsim/emu"
	"github.com/sarchlab/archsim/mem"
	"github.com/sarchlab/archsim/riscv"
	"github.com/sarchlab/archsim/smm"
)

// Workload describes a synthetic stream of guest memory accesses.
type Workload struct {
	// Accesses is the total number of accesses across all harts.
	Accesses int

	// DataPages and CodePages size the user working set.
	DataPages int
	CodePages int

	// WriteRatio and FetchRatio split accesses between stores, fetches
	// and loads.
	WriteRatio float64
	FetchRatio float64

	// FenceEvery issues a full SFENCE.VMA every n accesses. 0 disables it.
	FenceEvery int

	Seed uint64
}

// DefaultWorkload returns a small mixed workload.
func DefaultWorkload() Workload {
	return Workload{
		Accesses:   100_000,
		DataPages:  64,
		CodePages:  8,
		WriteRatio: 0.3,
		FetchRatio: 0.4,
		FenceEvery: 10_000,
		Seed:       1,
	}
}

// Report summarizes a workload run.
type Report struct {
	Accesses int
	Faults   int
	Stats    smm.Statistics
	Elapsed  time.Duration
}

// ProgressFunc is called as accesses complete.
type ProgressFunc func(done int)

const (
	tablePool  = 1 << 20
	progressAt = 1000

	userDataVA = 0x4000_0000
	userCodeVA = 0x0040_0000
	consoleVA  = 0x3000_0000
)

// Layout is where a prepared workload lives in the guest address space.
type Layout struct {
	Data    addr.VirtualAddress
	Code    addr.VirtualAddress
	Console addr.VirtualAddress
}

// Prepare maps the workload's working set and the console for every hart
// and drops the harts to user mode. With translation disabled the
// virtual addresses equal the physical ones.
func (p *Platform) Prepare(w Workload) (Layout, error) {
	if w.DataPages < 1 || w.CodePages < 1 {
		return Layout{}, errors.New("workload needs at least one data and one code page")
	}
	if len(p.Config.Memory.RAM) == 0 {
		return Layout{}, errors.New("workload needs a RAM region")
	}

	ram := p.Config.Memory.RAM[0]
	need := uint64(tablePool + (w.DataPages+w.CodePages)*addr.PageSize)
	if ram.Size < need {
		return Layout{}, errors.Errorf("RAM region %q too small for workload: %d < %d", ram.Name, ram.Size, need)
	}

	dataPA := addr.PhysicalAddress(ram.Base + tablePool)
	codePA := dataPA.Add(uint64(w.DataPages * addr.PageSize))

	if err := p.loadCode(codePA, w.CodePages); err != nil {
		return Layout{}, err
	}

	var l Layout
	if p.mode == riscv.ModeBare {
		l = Layout{Data: addr.VirtualAddress(dataPA), Code: addr.VirtualAddress(codePA)}
		if p.UART != nil {
			l.Console = addr.VirtualAddress(p.UART.BaseAddress())
		}
	} else {
		l = Layout{Data: userDataVA, Code: userCodeVA}
		b, err := p.NewPageTableBuilder(addr.PhysicalAddress(ram.Base), tablePool)
		if err != nil {
			return Layout{}, err
		}

		const data = riscv.PTERead | riscv.PTEWrite | riscv.PTEUser | riscv.PTEAccessed | riscv.PTEDirty
		const code = riscv.PTERead | riscv.PTEExecute | riscv.PTEUser | riscv.PTEAccessed
		const mmio = riscv.PTERead | riscv.PTEWrite | riscv.PTEAccessed | riscv.PTEDirty

		for i := 0; i < w.DataPages; i++ {
			off := uint64(i * addr.PageSize)
			if err := b.Map(l.Data.Add(off), dataPA.Add(off), data); err != nil {
				return Layout{}, err
			}
		}
		for i := 0; i < w.CodePages; i++ {
			off := uint64(i * addr.PageSize)
			if err := b.Map(l.Code.Add(off), codePA.Add(off), code); err != nil {
				return Layout{}, err
			}
		}
		if p.UART != nil {
			l.Console = consoleVA
			if err := b.Map(l.Console, p.UART.BaseAddress(), mmio); err != nil {
				return Layout{}, err
			}
		}

		for _, h := range p.Harts {
			h.EnableTranslation(b, uint64(h.Thread.ID()))
		}
	}

	for _, h := range p.Harts {
		h.Thread.SetExecutionRing(emu.RingUser)
	}
	return l, nil
}

// loadCode fills the code pages with NOPs and marks them as translated.
func (p *Platform) loadCode(pa addr.PhysicalAddress, pages int) error {
	const nop = 0x00000013
	for i := 0; i < pages*addr.PageSize/4; i++ {
		if res := p.Physical.Write32(addr.Address(pa.Add(uint64(4*i))), nop); res != mem.MemoryOK {
			return errors.Errorf("load code at %s: %s", pa.Add(uint64(4*i)), res)
		}
	}
	for i := 0; i < pages; i++ {
		p.Code.MarkCode(pa.Add(uint64(i * addr.PageSize)))
	}
	return nil
}

// Run prepares the platform and drives w across the harts in round-robin
// order on the calling goroutine.
func (p *Platform) Run(w Workload, progress ProgressFunc) (Report, error) {
	l, err := p.Prepare(w)
	if err != nil {
		return Report{}, err
	}
	for _, h := range p.Harts {
		h.Memory.ResetStats()
	}

	rng := rand.New(rand.NewPCG(w.Seed, w.Seed^0x9e3779b97f4a7c15))
	start := time.Now()
	report := Report{}

	for i := 0; i < w.Accesses; i++ {
		h := p.Harts[i%len(p.Harts)]

		if err := p.step(h, l, w, rng, uint64(i)); err != nil {
			var fault *smm.Fault
			if !errors.As(err, &fault) {
				return report, errors.Wrapf(err, "access %d on hart %d", i, h.Thread.ID())
			}
			report.Faults++
		}
		report.Accesses++

		if w.FenceEvery > 0 && (i+1)%w.FenceEvery == 0 {
			h.MMU.Fence(0, true)
		}
		if progress != nil && (i+1)%progressAt == 0 {
			progress(progressAt)
		}
	}
	if progress != nil && w.Accesses%progressAt != 0 {
		progress(w.Accesses % progressAt)
	}

	report.Stats = p.Stats()
	report.Elapsed = time.Since(start)

	if err := p.announce(l, report); err != nil {
		return report, err
	}

	p.logger.Debug("workload finished",
		slog.Int("accesses", report.Accesses),
		slog.Int("faults", report.Faults),
		slog.Float64("hit_rate", report.Stats.HitRate()))
	return report, nil
}

func (p *Platform) step(h *Hart, l Layout, w Workload, rng *rand.Rand, seq uint64) error {
	r := rng.Float64()
	switch {
	case r < w.FetchRatio:
		va := l.Code.Add(uint64(rng.IntN(w.CodePages*addr.PageSize/4)) * 4)
		_, err := h.Memory.Fetch32(va)
		return err
	case r < w.FetchRatio+w.WriteRatio:
		return h.Memory.Write64(p.dataAddr(l, w, rng), seq)
	}
	_, err := h.Memory.Read64(p.dataAddr(l, w, rng))
	return err
}

func (p *Platform) dataAddr(l Layout, w Workload, rng *rand.Rand) addr.VirtualAddress {
	page := uint64(rng.IntN(w.DataPages))
	off := uint64(rng.IntN(addr.PageSize/8)) * 8
	return l.Data.Add(page<<addr.PageBits | off)
}

// announce has hart 0 print a summary line on the console from
// supervisor mode.
func (p *Platform) announce(l Layout, r Report) error {
	if p.UART == nil || len(p.Harts) == 0 {
		return nil
	}

	h := p.Harts[0]
	ring := h.Thread.ExecutionRing()
	h.Thread.SetExecutionRing(emu.RingSupervisor)
	defer h.Thread.SetExecutionRing(ring)

	msg := []byte("archsim: workload done\n")
	if r.Faults > 0 {
		msg = []byte("archsim: workload done with faults\n")
	}
	for _, c := range msg {
		if res := h.Data.Write8(addr.Address(l.Console.Add(device.UARTTxData)), c); res != mem.MemoryOK {
			return errors.Errorf("console write failed at %s", l.Console)
		}
	}
	return nil
}
