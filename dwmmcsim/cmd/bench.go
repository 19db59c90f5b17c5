package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"text/tabwriter"
	"time"

	"github.com/sarchlab/dwmmc/datarecording"
	"github.com/sarchlab/dwmmc/host"
	"github.com/sarchlab/dwmmc/hwsim"
	"github.com/sarchlab/dwmmc/idmac"
	"github.com/sarchlab/dwmmc/memory"
	"github.com/sarchlab/dwmmc/monitoring"
	"github.com/sarchlab/dwmmc/regs"
	"github.com/sarchlab/dwmmc/sim"
	"github.com/sarchlab/dwmmc/tracing"
	"github.com/sarchlab/dwmmc/tuning"
)

const (
	memorySize = 1 << 22
	writeBuf   = 0x20_0000
	readBuf    = 0x30_0000
	maxBlocks  = 1024
)

type traceConfig struct {
	Backend      string
	DBPath       string
	ClickHouse   string
	ClickHouseDB string
	Username     string
	Password     string
}

type benchConfig struct {
	BusHz        uint32
	ClockHz      uint32
	BusWidth     int
	Timing       host.Timing
	PIO          bool
	RingCapacity int
	FIFODepth    uint32
	Tuning       tuning.Config
	Trace        traceConfig
}

// A bench is a controller wired to the hardware model, with the tracers that
// produce the run summary.
type bench struct {
	cfg      benchConfig
	clock    *sim.WallClock
	mem      *memory.Storage
	dev      *hwsim.Device
	registry *host.Registry
	ctrl     *host.Controller

	busy    *tracing.BusyTimeTracer
	latency *tracing.AverageTimeTracer
	steps   *tracing.StepCountTracer

	cardBlocks uint32
	closers    []func()
}

func newBench(cfg benchConfig) *bench {
	if cfg.Tuning.Phases == 0 {
		cfg.Tuning = tuning.DefaultConfig()
	}

	hw := hwsim.DefaultConfig()
	if cfg.FIFODepth != 0 {
		hw.FIFODepth = cfg.FIFODepth
	}
	hw.FinePhases = cfg.Tuning.Phases == 16

	b := &bench{
		cfg:        cfg,
		clock:      sim.NewWallClock(),
		mem:        memory.NewStorage(memorySize),
		registry:   host.NewRegistry(),
		cardBlocks: uint32(hw.CardBlocks),
	}
	b.dev = hwsim.New(hw, b.mem)

	spec := host.Defaults()
	spec.BusHz = cfg.BusHz
	spec.UseDMA = !cfg.PIO
	spec.RingCapacity = cfg.RingCapacity
	spec.Tuning = cfg.Tuning
	spec.Caps |= host.CapUHS | host.CapHS200 | host.CapDDR

	builder := host.MakeBuilder().
		WithSpec(spec).
		WithBus(b.dev).
		WithMemory(b.mem).
		WithClock(b.dev).
		WithRegistry(b.registry)
	if cfg.Tuning.DriveLevels > 0 {
		builder = builder.WithDriveControl(b.dev)
	}
	b.ctrl = builder.Build("MMC0")

	b.busy = tracing.NewBusyTimeTracer(b.clock,
		tracing.KindIs(tracing.KindRequest))
	b.latency = tracing.NewAverageTimeTracer(b.clock,
		tracing.KindIs(tracing.KindRequest))
	b.steps = tracing.NewStepCountTracer(nil)

	tracing.CollectTrace(b.ctrl, b.busy)
	tracing.CollectTrace(b.ctrl, b.latency)
	tracing.CollectTrace(b.ctrl, b.steps)

	return b
}

func (b *bench) attachTrace(cfg traceConfig) error {
	switch cfg.Backend {
	case "", "none":
		return nil
	case "json":
		t := tracing.NewJSONTracer(b.clock)
		tracing.CollectTrace(b.ctrl, t)
		b.closers = append(b.closers, t.Close)
	case "sqlite":
		b.addRecorder(datarecording.New(cfg.DBPath))
	case "clickhouse":
		rec, err := datarecording.NewClickHouse(datarecording.ClickHouseConfig{
			Addr:     cfg.ClickHouse,
			Database: cfg.ClickHouseDB,
			Username: cfg.Username,
			Password: cfg.Password,
		})
		if err != nil {
			return fmt.Errorf("connecting to ClickHouse: %w", err)
		}
		b.addRecorder(rec)
	default:
		return fmt.Errorf("unknown trace backend %q", cfg.Backend)
	}

	return nil
}

func (b *bench) addRecorder(rec datarecording.DataRecorder) {
	t := tracing.NewDBTracer(b.clock, rec)
	tracing.CollectTrace(b.ctrl, t)

	b.closers = append(b.closers, t.Terminate, func() {
		if err := rec.Close(); err != nil {
			log.Printf("closing recorder: %v", err)
		}
	})
}

func (b *bench) start(ctx context.Context) error {
	b.dev.SetInterruptHandler(b.ctrl.Interrupt)
	b.dev.Start()

	if err := b.ctrl.Start(ctx); err != nil {
		b.dev.Stop()
		return err
	}

	return b.ctrl.SetIOS(ctx, host.IOS{
		Clock:    b.cfg.ClockHz,
		BusWidth: b.cfg.BusWidth,
		Timing:   b.cfg.Timing,
	})
}

func (b *bench) stop() {
	b.ctrl.Stop()
	b.dev.Stop()

	for _, c := range b.closers {
		c()
	}
	b.closers = nil
}

func (b *bench) do(ctx context.Context, req *host.Request) error {
	done := make(chan *host.Request, 1)
	req.Completer = host.CompleterFunc(func(r *host.Request) { done <- r })

	if err := b.ctrl.Submit(req); err != nil {
		return err
	}

	select {
	case r := <-done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func blockRequest(dir host.Direction, lba, blocks uint32, addr uint64) *host.Request {
	op := host.OpReadSingleBlock
	switch {
	case dir == host.Write && blocks > 1:
		op = host.OpWriteMultipleBlock
	case dir == host.Write:
		op = host.OpWriteBlock
	case blocks > 1:
		op = host.OpReadMultipleBlock
	}

	req := &host.Request{
		Cmd: &host.Command{Opcode: op, Arg: lba, Resp: host.RespR1},
		Data: &host.Data{
			Dir:       dir,
			BlockSize: hwsim.BlockSize,
			Blocks:    blocks,
			Slices: []idmac.Slice{
				{Addr: addr, Len: blocks * hwsim.BlockSize},
			},
		},
	}

	if blocks > 1 {
		req.Stop = &host.Command{Opcode: host.OpStopTransmission, Resp: host.RespR1B}
	}

	return req
}

// A workload writes a pattern to the card and reads it back, Transfers
// times.
type workload struct {
	Transfers int
	Blocks    uint32

	// FailEvery injects a data CRC error into every n-th write. 0 disables
	// injection.
	FailEvery int
}

func (w workload) validate(cardBlocks uint32) error {
	if w.Transfers <= 0 {
		return fmt.Errorf("transfers must be > 0")
	}

	if w.Blocks == 0 || w.Blocks > maxBlocks || w.Blocks > cardBlocks {
		return fmt.Errorf("blocks must be in [1, %d]", min(maxBlocks, cardBlocks))
	}

	if w.FailEvery < 0 {
		return fmt.Errorf("fail-every must be >= 0")
	}

	return nil
}

type stepCount struct {
	Name  string
	Count uint64
}

type summary struct {
	Requests   int
	Failed     int
	Mismatches int
	Bytes      uint64
	Elapsed    time.Duration
	BusyTime   sim.VTimeInSec
	AvgLatency sim.VTimeInSec
	Steps      []stepCount
}

func (b *bench) run(
	ctx context.Context,
	w workload,
	progress *monitoring.ProgressBar,
) (summary, error) {
	var sum summary

	if err := w.validate(b.cardBlocks); err != nil {
		return sum, err
	}

	begin := time.Now()
	span := b.cardBlocks / w.Blocks * w.Blocks
	n := int(w.Blocks * hwsim.BlockSize)

	for i := 0; i < w.Transfers; i++ {
		if ctx.Err() != nil {
			break
		}

		if progress != nil {
			progress.IncrementInProgress(1)
		}

		lba := uint32(i) * w.Blocks % span
		pattern := makePattern(i, n)
		if err := b.mem.Write(writeBuf, pattern); err != nil {
			return sum, err
		}

		if w.FailEvery > 0 && i%w.FailEvery == w.FailEvery-1 {
			b.dev.FailData(int(w.Blocks/2), regs.IntDCRC)
		}

		ok := b.transfer(ctx, &sum, blockRequest(host.Write, lba, w.Blocks, writeBuf))
		ok = b.transfer(ctx, &sum, blockRequest(host.Read, lba, w.Blocks, readBuf)) && ok

		if ok {
			got, err := b.mem.Read(readBuf, uint64(n))
			if err != nil {
				return sum, err
			}

			if !bytes.Equal(got, pattern) {
				sum.Mismatches++
			}
		}

		if progress != nil {
			progress.MoveInProgressToFinished(1)
		}
	}

	b.busy.TerminateAllTasks(b.clock.CurrentTime())

	sum.Elapsed = time.Since(begin)
	sum.BusyTime = b.busy.BusyTime()
	sum.AvgLatency = b.latency.AverageTime()
	for _, name := range b.steps.GetStepNames() {
		sum.Steps = append(sum.Steps, stepCount{name, b.steps.GetStepCount(name)})
	}

	return sum, nil
}

func (b *bench) transfer(ctx context.Context, sum *summary, req *host.Request) bool {
	sum.Requests++

	err := b.do(ctx, req)
	sum.Bytes += uint64(req.Data.BytesXfered)

	if err != nil {
		sum.Failed++
		return false
	}

	return true
}

func makePattern(seed, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(seed*31 + i*7)
	}

	return buf
}

func (s summary) print(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Requests\t%d\n", s.Requests)
	fmt.Fprintf(tw, "Failed\t%d\n", s.Failed)
	fmt.Fprintf(tw, "Mismatches\t%d\n", s.Mismatches)
	fmt.Fprintf(tw, "Bytes\t%d\n", s.Bytes)
	fmt.Fprintf(tw, "Elapsed\t%v\n", s.Elapsed)
	fmt.Fprintf(tw, "Busy time\t%.6fs\n", s.BusyTime)
	fmt.Fprintf(tw, "Average latency\t%.6fs\n", s.AvgLatency)

	if s.BusyTime > 0 {
		fmt.Fprintf(tw, "Throughput\t%.2f MiB/s\n",
			float64(s.Bytes)/float64(s.BusyTime)/(1<<20))
	}

	for _, st := range s.Steps {
		fmt.Fprintf(tw, "  %s\t%d\n", st.Name, st.Count)
	}

	tw.Flush()
}
