package config_test

import (
	"log/slog"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/archsim/config"
)

var _ = Describe("Config", func() {
	Describe("Default", func() {
		It("should be valid", func() {
			Expect(config.Default().Validate()).To(Succeed())
		})

		It("should describe a single-hart Sv39 platform", func() {
			c := config.Default()
			Expect(c.Harts).To(Equal(1))
			Expect(c.MMU.Mode).To(Equal("sv39"))
			Expect(c.Memory.CacheBits).To(Equal(10))
			Expect(c.Memory.RAM).To(HaveLen(1))

			level, err := c.Log.SlogLevel()
			Expect(err).NotTo(HaveOccurred())
			Expect(level).To(Equal(slog.LevelInfo))
		})
	})

	Describe("Load and Save", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
		})

		It("should round-trip through a file", func() {
			c := config.Default()
			c.Harts = 4
			c.Memory.CheckAlignment = true
			path := filepath.Join(dir, "platform.yaml")

			Expect(c.Save(path)).To(Succeed())
			loaded, err := config.Load(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(Equal(c))
		})

		It("should keep defaults for missing fields and accept hex", func() {
			path := filepath.Join(dir, "partial.yaml")
			data := "harts: 2\nuart:\n  enabled: true\n  base: 0x20000000\n"
			Expect(os.WriteFile(path, []byte(data), 0644)).To(Succeed())

			c, err := config.Load(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Harts).To(Equal(2))
			Expect(c.UART.Base).To(Equal(uint64(0x2000_0000)))
			Expect(c.MMU.Mode).To(Equal("sv39"))
		})

		It("should fail for a missing file", func() {
			_, err := config.Load(filepath.Join(dir, "nope.yaml"))
			Expect(err).To(MatchError(ContainSubstring("failed to read config file")))
		})

		It("should fail for malformed YAML", func() {
			path := filepath.Join(dir, "bad.yaml")
			Expect(os.WriteFile(path, []byte("harts: [1"), 0644)).To(Succeed())
			_, err := config.Load(path)
			Expect(err).To(MatchError(ContainSubstring("failed to parse config")))
		})
	})

	DescribeTable("Validate rejects",
		func(mutate func(*config.Config), msg string) {
			c := config.Default()
			mutate(c)
			Expect(c.Validate()).To(MatchError(ContainSubstring(msg)))
		},
		Entry("no harts", func(c *config.Config) { c.Harts = 0 }, "harts"),
		Entry("huge caches", func(c *config.Config) { c.Memory.CacheBits = 30 }, "cache_bits"),
		Entry("misaligned RAM", func(c *config.Config) { c.Memory.RAM[0].Base = 0x8000_0010 }, "page aligned"),
		Entry("overlapping RAM", func(c *config.Config) {
			c.Memory.RAM = append(c.Memory.RAM, config.RegionConfig{Name: "hi", Base: 0x8100_0000, Size: 0x1000})
		}, "overlaps"),
		Entry("bad xlen", func(c *config.Config) { c.MMU.XLEN = 128 }, "xlen"),
		Entry("sv32 on rv64", func(c *config.Config) { c.MMU.Mode = "sv32" }, "requires xlen 32"),
		Entry("unknown mode", func(c *config.Config) { c.MMU.Mode = "sv57" }, "not one of"),
		Entry("uart in RAM", func(c *config.Config) { c.UART.Base = 0x8000_1000 }, "inside RAM"),
		Entry("bad log level", func(c *config.Config) { c.Log.Level = "loud" }, "log.level"),
	)

	It("should clone without sharing regions", func() {
		c := config.Default()
		clone := c.Clone()
		clone.Memory.RAM[0].Size = 0x1000
		Expect(c.Memory.RAM[0].Size).To(Equal(uint64(128 << 20)))
	})
})
