// Package system assembles a simulated platform from a configuration:
// shared physical memory, devices and code tracking, plus one memory
// model per hart.
package system

import (
	"io"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/sarchlab/archsim/addr"
	"github.com/sarchlab/archsim/coderegion"
	"github.com/sarchlab/archsim/config"
	"github.com/sarchlab/archsim/device"
	"github.com/sarchlab/archsim/emu"
	"github.com/sarchlab/archsim/mem"
	"github.com/sarchlab/archsim/pubsub"
	"github.com/sarchlab/archsim/riscv"
	"github.com/sarchlab/archsim/smm"
)

// Hart is one simulated hardware thread and its memory path.
type Hart struct {
	Thread *emu.Thread
	MMU    *riscv.MMU
	CSR    *riscv.Coprocessor
	Traps  *riscv.EmulationModel
	Memory *smm.Model

	// Data and Fetch are the sized interfaces instruction semantics use.
	Data  *mem.MemoryInterface
	Fetch *mem.MemoryInterface
}

// EnableTranslation points satp at the tables built by b.
func (h *Hart) EnableTranslation(b *riscv.PageTableBuilder, asid uint64) {
	h.CSR.Write64(riscv.CSRSATP, b.SATP(asid))
}

// Platform is a set of harts sharing physical memory and devices.
type Platform struct {
	Config   *config.Config
	Bus      *pubsub.Bus
	Memory   *emu.Memory
	Devices  *device.Manager
	Code     *coderegion.Tracker
	UART     *device.UART
	Physical *mem.MemoryInterface
	Harts    []*Hart

	mode   riscv.Mode
	logger *slog.Logger
}

// Option is a functional option for configuring a Platform.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	console io.Writer
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithConsole sets where UART output goes.
func WithConsole(w io.Writer) Option {
	return func(o *options) {
		o.console = w
	}
}

// New builds a platform from cfg.
func New(cfg *config.Config, opts ...Option) (*Platform, error) {
	o := options{logger: slog.Default(), console: io.Discard}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	mode, err := riscv.ParseMode(cfg.MMU.Mode)
	if err != nil {
		return nil, err
	}

	p := &Platform{
		Config: cfg,
		Bus:    pubsub.NewBus(pubsub.WithLogger(o.logger)),
		Memory: emu.NewMemory(
			emu.WithPageLimit(cfg.Memory.PageLimit),
			emu.WithMemoryLogger(o.logger),
		),
		Devices: device.NewManager(device.WithLogger(o.logger)),
		mode:    mode,
		logger:  o.logger,
	}
	p.Code = coderegion.NewTracker(p.Bus, coderegion.WithLogger(o.logger))
	p.Physical = mem.NewMemoryInterface(mem.NewPhysicalDevice(p.Memory))

	for _, r := range cfg.Memory.RAM {
		if err := p.Memory.MapRegion(addr.PhysicalAddress(r.Base), r.Size, r.Name); err != nil {
			return nil, err
		}
	}

	if cfg.UART.Enabled {
		p.UART = device.NewUART(addr.PhysicalAddress(cfg.UART.Base), o.console)
		if err := p.Devices.Register(p.UART); err != nil {
			return nil, err
		}
	}

	for i := 0; i < cfg.Harts; i++ {
		p.Harts = append(p.Harts, p.newHart(i))
	}

	p.logger.Info("platform ready",
		slog.Int("harts", cfg.Harts),
		slog.String("mode", mode.String()),
		slog.Int("ram_regions", len(cfg.Memory.RAM)))
	return p, nil
}

func (p *Platform) newHart(id int) *Hart {
	cfg := p.Config

	thread := emu.NewThread(id,
		emu.WithBus(p.Bus),
		emu.WithRing(emu.RingMachine),
		emu.WithThreadLogger(p.logger))

	m := riscv.NewMMU(p.Memory,
		riscv.WithXLEN(cfg.MMU.XLEN),
		riscv.WithBus(p.Bus),
		riscv.WithLogger(p.logger))

	csr := riscv.NewCoprocessor(m, id)
	thread.AttachCoprocessor(0, csr)

	traps := riscv.NewEmulationModel(csr, p.logger)
	thread.SetEmulationModel(traps)

	model := smm.New(thread, p.Memory, m,
		smm.WithDeviceManager(p.Devices),
		smm.WithCodeRegions(p.Code),
		smm.WithAlignmentCheck(cfg.Memory.CheckAlignment),
		smm.WithCacheBits(cfg.Memory.CacheBits),
		smm.WithLogger(p.logger))

	data := mem.NewMemoryInterface(mem.NewModelDevice(model))
	data.ConnectTranslationProvider(mem.NewMMUTranslationProvider(m, thread))
	fetch := mem.NewMemoryInterface(mem.NewFetchDevice(model))
	fetch.ConnectTranslationProvider(mem.NewMMUTranslationProvider(m, thread))

	return &Hart{
		Thread: thread,
		MMU:    m,
		CSR:    csr,
		Traps:  traps,
		Memory: model,
		Data:   data,
		Fetch:  fetch,
	}
}

// Mode returns the configured translation mode.
func (p *Platform) Mode() riscv.Mode { return p.mode }

// NewPageTableBuilder allocates page tables for the configured mode from
// the physical pool [base, base+size).
func (p *Platform) NewPageTableBuilder(base addr.PhysicalAddress, size uint64) (*riscv.PageTableBuilder, error) {
	return riscv.NewPageTableBuilder(p.Memory, p.mode, base, size)
}

// Stats sums the memory model counters of every hart.
func (p *Platform) Stats() smm.Statistics {
	var total smm.Statistics
	for _, h := range p.Harts {
		s := h.Memory.Stats()
		total.Reads += s.Reads
		total.Writes += s.Writes
		total.Fetches += s.Fetches
		total.Hits += s.Hits
		total.Misses += s.Misses
		total.FetchMemoHits += s.FetchMemoHits
		total.DeviceAccesses += s.DeviceAccesses
		total.Flushes += s.Flushes
		total.Evictions += s.Evictions
		total.CodeInvalidations += s.CodeInvalidations
		total.Faults += s.Faults
	}
	return total
}

// Close detaches every hart's memory model from the bus.
func (p *Platform) Close() {
	for _, h := range p.Harts {
		h.Memory.Close()
	}
}
