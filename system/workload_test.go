package system_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/archsim/config"
	"github.com/sarchlab/archsim/emu"
	"github.com/sarchlab/archsim/system"
)

var _ = Describe("Workload", func() {
	var (
		cfg     *config.Config
		console *bytes.Buffer
		w       system.Workload
	)

	BeforeEach(func() {
		cfg = config.Default()
		cfg.Harts = 2
		console = &bytes.Buffer{}

		w = system.DefaultWorkload()
		w.Accesses = 4500
		w.DataPages = 16
		w.CodePages = 2
		w.FenceEvery = 1000
	})

	run := func() (*system.Platform, system.Report) {
		p, err := system.New(cfg, system.WithLogger(quiet), system.WithConsole(console))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(p.Close)

		done := 0
		report, err := p.Run(w, func(n int) { done += n })
		Expect(err).NotTo(HaveOccurred())
		Expect(done).To(Equal(w.Accesses))
		return p, report
	}

	expectClean := func(r system.Report) {
		Expect(r.Accesses).To(Equal(4500))
		Expect(r.Faults).To(BeZero())
		Expect(r.Stats.Reads + r.Stats.Writes + r.Stats.Fetches).To(Equal(uint64(4500)))
		Expect(r.Stats.Hits).To(BeNumerically(">", r.Stats.Misses))
		Expect(console.String()).To(Equal("archsim: workload done\n"))
	}

	It("should run under Sv39 in user mode", func() {
		p, r := run()
		expectClean(r)

		Expect(r.Stats.Flushes).To(BeNumerically(">=", 4*2))
		for _, h := range p.Harts {
			Expect(h.Thread.ExecutionRing()).To(Equal(emu.RingUser))
			Expect(h.Thread.ExceptionCount()).To(BeZero())
		}
	})

	It("should run under Sv32", func() {
		cfg.MMU.XLEN = 32
		cfg.MMU.Mode = "sv32"
		_, r := run()
		expectClean(r)
	})

	It("should run without translation", func() {
		cfg.MMU.Mode = "bare"
		_, r := run()
		expectClean(r)
	})

	It("should be deterministic for a seed", func() {
		_, a := run()
		console.Reset()
		_, b := run()
		Expect(b.Stats).To(Equal(a.Stats))
	})

	It("should reject a RAM region too small for the working set", func() {
		cfg.Memory.RAM[0].Size = 1 << 20
		p, err := system.New(cfg, system.WithLogger(quiet))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(p.Close)

		_, err = p.Run(w, nil)
		Expect(err).To(MatchError(ContainSubstring("too small")))
	})

	It("should reject an empty working set", func() {
		p, err := system.New(cfg, system.WithLogger(quiet))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(p.Close)

		w.CodePages = 0
		_, err = p.Prepare(w)
		Expect(err).To(HaveOccurred())
	})
})
