package cmd

import (
	"bytes"
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/dwmmc/datarecording"
	"github.com/sarchlab/dwmmc/host"
	"github.com/sarchlab/dwmmc/hwsim"
	"github.com/sarchlab/dwmmc/tuning"
)

func testConfig() benchConfig {
	return benchConfig{
		BusHz:        200_000_000,
		ClockHz:      50_000_000,
		BusWidth:     4,
		RingCapacity: 128,
	}
}

var _ = Describe("Bench", func() {
	It("should build block requests", func() {
		req := blockRequest(host.Write, 16, 4, writeBuf)

		Expect(req.Cmd.Opcode).To(Equal(host.OpWriteMultipleBlock))
		Expect(req.Cmd.Arg).To(Equal(uint32(16)))
		Expect(req.Data.Len()).To(Equal(uint32(4 * hwsim.BlockSize)))
		Expect(req.Stop.Opcode).To(Equal(host.OpStopTransmission))

		req = blockRequest(host.Read, 3, 1, readBuf)

		Expect(req.Cmd.Opcode).To(Equal(host.OpReadSingleBlock))
		Expect(req.Stop).To(BeNil())
	})

	It("should reject invalid workloads", func() {
		Expect(workload{Transfers: 0, Blocks: 1}.validate(2048)).
			To(HaveOccurred())
		Expect(workload{Transfers: 1, Blocks: 0}.validate(2048)).
			To(HaveOccurred())
		Expect(workload{Transfers: 1, Blocks: maxBlocks + 1}.validate(4096)).
			To(HaveOccurred())
		Expect(workload{Transfers: 1, Blocks: 8}.validate(4)).
			To(HaveOccurred())
		Expect(workload{Transfers: 1, Blocks: 8}.validate(2048)).
			To(Succeed())
	})

	It("should write and read back over DMA", func() {
		sum, err := runWorkload(context.Background(), testConfig(),
			workload{Transfers: 4, Blocks: 4})

		Expect(err).ToNot(HaveOccurred())
		Expect(sum.Requests).To(Equal(8))
		Expect(sum.Failed).To(Equal(0))
		Expect(sum.Mismatches).To(Equal(0))
		Expect(sum.Bytes).To(Equal(uint64(8 * 4 * hwsim.BlockSize)))
		Expect(sum.BusyTime).To(BeNumerically(">", 0))
		Expect(sum.AvgLatency).To(BeNumerically(">", 0))

		names := make([]string, 0, len(sum.Steps))
		for _, s := range sum.Steps {
			names = append(names, s.Name)
		}
		Expect(names).To(ContainElement("data:SendingData"))
	})

	It("should write and read back through the FIFO", func() {
		cfg := testConfig()
		cfg.PIO = true

		sum, err := runWorkload(context.Background(), cfg,
			workload{Transfers: 2, Blocks: 2})

		Expect(err).ToNot(HaveOccurred())
		Expect(sum.Failed).To(Equal(0))
		Expect(sum.Mismatches).To(Equal(0))
	})

	It("should count injected data errors as failures", func() {
		sum, err := runWorkload(context.Background(), testConfig(),
			workload{Transfers: 4, Blocks: 4, FailEvery: 2})

		Expect(err).ToNot(HaveOccurred())
		Expect(sum.Requests).To(Equal(8))
		Expect(sum.Failed).To(Equal(2))
		Expect(sum.Mismatches).To(Equal(0))
	})

	It("should print a summary", func() {
		var buf bytes.Buffer
		summary{Requests: 2, Bytes: 1024, BusyTime: 0.5,
			Steps: []stepCount{{"cmd:SendingCommand", 2}}}.print(&buf)

		Expect(buf.String()).To(ContainSubstring("Requests"))
		Expect(buf.String()).To(ContainSubstring("cmd:SendingCommand"))
		Expect(buf.String()).To(ContainSubstring("Throughput"))
	})

	It("should reject an unknown trace backend", func() {
		b := newBench(testConfig())

		Expect(b.attachTrace(traceConfig{Backend: "csv"})).To(HaveOccurred())
	})

	It("should calibrate the sampling phase", func() {
		cfg := testConfig()
		cfg.Timing = host.TimingUHSSDR104
		cfg.Tuning = tuning.DefaultConfig()

		res, err := runTuning(context.Background(), cfg, tuning.Map(0b0011_1100))

		Expect(err).ToNot(HaveOccurred())
		Expect(res.Phase).To(Equal(3))
		Expect(res.Map).To(Equal(tuning.Map(0b0011_1100)))
	})

	It("should report a recorded trace", func() {
		path := filepath.Join(GinkgoT().TempDir(), "trace")
		cfg := testConfig()
		cfg.Trace = traceConfig{Backend: "sqlite", DBPath: path}

		_, err := runWorkload(context.Background(), cfg,
			workload{Transfers: 2, Blocks: 2})
		Expect(err).ToNot(HaveOccurred())

		r := datarecording.NewReader(path + ".sqlite3")
		defer r.Close()

		var buf bytes.Buffer
		Expect(report(context.Background(), r, &buf)).To(Succeed())

		out := buf.String()
		Expect(out).To(ContainSubstring("Command"))
		Expect(out).To(ContainSubstring("CMD25"))
		Expect(out).To(ContainSubstring("CMD18"))
	})
})
