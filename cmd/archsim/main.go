// Package main provides the archsim command, which drives a synthetic
// memory workload through the simulated RISC-V memory system and reports
// translation cache statistics.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/archsim/config"
	"github.com/sarchlab/archsim/system"
)

type simulator struct {
	configPath *string
	saveConfig *string
	harts      *int
	mode       *string
	logLevel   *string
	sweep      *string
	progress   *bool
	verbose    *bool

	accesses   *int
	dataPages  *int
	codePages  *int
	writeRatio *float64
	fetchRatio *float64
	fenceEvery *int
	seed       *uint64

	out io.Writer
}

func newSimulator(fs *flag.FlagSet, out io.Writer) *simulator {
	w := system.DefaultWorkload()
	return &simulator{
		configPath: fs.String("config", "", "Path to a YAML platform configuration"),
		saveConfig: fs.String("save-config", "", "Write the effective configuration to this path and exit"),
		harts:      fs.Int("harts", 0, "Override the number of harts"),
		mode:       fs.String("mode", "", "Override the translation mode (bare, sv32, sv39, sv48)"),
		logLevel:   fs.String("log-level", "", "Override the log level (debug, info, warn, error)"),
		sweep:      fs.String("sweep", "", "Comma separated cache bit widths to compare, run in parallel"),
		progress:   fs.Bool("progress", false, "Show a progress bar"),
		verbose:    fs.Bool("v", false, "Print every statistics counter"),

		accesses:   fs.Int("accesses", w.Accesses, "Number of guest memory accesses"),
		dataPages:  fs.Int("data-pages", w.DataPages, "Size of the data working set in pages"),
		codePages:  fs.Int("code-pages", w.CodePages, "Size of the code working set in pages"),
		writeRatio: fs.Float64("write-ratio", w.WriteRatio, "Fraction of accesses that are stores"),
		fetchRatio: fs.Float64("fetch-ratio", w.FetchRatio, "Fraction of accesses that are instruction fetches"),
		fenceEvery: fs.Int("fence-every", w.FenceEvery, "Issue a full fence every n accesses, 0 to disable"),
		seed:       fs.Uint64("seed", w.Seed, "Random seed for the workload"),

		out: out,
	}
}

func (s *simulator) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *s.configPath != "" {
		var err error
		if cfg, err = config.Load(*s.configPath); err != nil {
			return nil, err
		}
	}

	if *s.harts > 0 {
		cfg.Harts = *s.harts
	}
	if *s.mode != "" {
		cfg.MMU.Mode = *s.mode
		if strings.EqualFold(*s.mode, "sv32") {
			cfg.MMU.XLEN = 32
		}
	}
	if *s.logLevel != "" {
		cfg.Log.Level = *s.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *simulator) workload() system.Workload {
	return system.Workload{
		Accesses:   *s.accesses,
		DataPages:  *s.dataPages,
		CodePages:  *s.codePages,
		WriteRatio: *s.writeRatio,
		FetchRatio: *s.fetchRatio,
		FenceEvery: *s.fenceEvery,
		Seed:       *s.seed,
	}
}

func parseSweep(spec string) ([]int, error) {
	var bits []int
	for _, f := range strings.Split(spec, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		b, err := strconv.Atoi(f)
		if err != nil {
			return nil, errors.Wrapf(err, "bad cache bits %q", f)
		}
		bits = append(bits, b)
	}
	if len(bits) == 0 {
		return nil, errors.New("empty sweep")
	}
	return bits, nil
}

func (s *simulator) run() error {
	cfg, err := s.loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	if *s.saveConfig != "" {
		return cfg.Save(*s.saveConfig)
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	w := s.workload()

	if *s.sweep != "" {
		return s.runSweep(cfg, w, logger)
	}

	var progress system.ProgressFunc
	if *s.progress {
		pb := progressbar.Default(int64(w.Accesses))
		defer pb.Close()
		progress = func(n int) { _ = pb.Add(n) }
	}

	p, err := system.New(cfg, system.WithLogger(logger), system.WithConsole(s.out))
	if err != nil {
		return err
	}
	defer p.Close()

	report, err := p.Run(w, progress)
	if err != nil {
		return err
	}

	s.printReport(cfg, report)
	if report.Faults > 0 {
		return errors.Errorf("%d accesses faulted", report.Faults)
	}
	return nil
}

// runSweep runs one independent platform per cache width. Each platform
// stays on its own goroutine.
func (s *simulator) runSweep(base *config.Config, w system.Workload, logger *slog.Logger) error {
	bits, err := parseSweep(*s.sweep)
	if err != nil {
		return err
	}

	reports := make([]system.Report, len(bits))
	var console sync.Mutex
	g := errgroup.Group{}

	for i, b := range bits {
		g.Go(func() error {
			cfg := base.Clone()
			cfg.Memory.CacheBits = b

			p, err := system.New(cfg,
				system.WithLogger(logger.With(slog.Int("cache_bits", b))),
				system.WithConsole(lockedWriter{w: s.out, mu: &console}))
			if err != nil {
				return errors.Wrapf(err, "cache bits %d", b)
			}
			defer p.Close()

			reports[i], err = p.Run(w, nil)
			return errors.Wrapf(err, "cache bits %d", b)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Fprintf(s.out, "%-10s %12s %12s %10s %12s\n", "cache_bits", "hits", "misses", "hit_rate", "elapsed")
	for i, r := range reports {
		fmt.Fprintf(s.out, "%-10d %12d %12d %9.2f%% %12s\n",
			bits[i], r.Stats.Hits, r.Stats.Misses, 100*r.Stats.HitRate(), r.Elapsed.Round(time.Microsecond))
	}
	return nil
}

func (s *simulator) printReport(cfg *config.Config, r system.Report) {
	st := r.Stats
	fmt.Fprintf(s.out, "harts: %d  mode: %s  cache_bits: %d\n", cfg.Harts, cfg.MMU.Mode, cfg.Memory.CacheBits)
	fmt.Fprintf(s.out, "accesses: %d  faults: %d  elapsed: %s\n", r.Accesses, r.Faults, r.Elapsed)
	fmt.Fprintf(s.out, "hit rate: %.2f%%\n", 100*st.HitRate())

	if *s.verbose {
		fmt.Fprintf(s.out, "  reads:              %d\n", st.Reads)
		fmt.Fprintf(s.out, "  writes:             %d\n", st.Writes)
		fmt.Fprintf(s.out, "  fetches:            %d\n", st.Fetches)
		fmt.Fprintf(s.out, "  hits:               %d\n", st.Hits)
		fmt.Fprintf(s.out, "  misses:             %d\n", st.Misses)
		fmt.Fprintf(s.out, "  fetch memo hits:    %d\n", st.FetchMemoHits)
		fmt.Fprintf(s.out, "  device accesses:    %d\n", st.DeviceAccesses)
		fmt.Fprintf(s.out, "  flushes:            %d\n", st.Flushes)
		fmt.Fprintf(s.out, "  evictions:          %d\n", st.Evictions)
		fmt.Fprintf(s.out, "  code invalidations: %d\n", st.CodeInvalidations)
		fmt.Fprintf(s.out, "  faults:             %d\n", st.Faults)
	}
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func main() {
	s := newSimulator(flag.CommandLine, os.Stdout)
	flag.Parse()

	if err := s.run(); err != nil {
		fmt.Fprintf(os.Stderr, "archsim: %v\n", err)
		os.Exit(1)
	}
}
