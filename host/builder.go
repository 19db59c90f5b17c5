package host

import (
	"log"

	"github.com/sarchlab/dwmmc/clockgate"
	"github.com/sarchlab/dwmmc/idmac"
	"github.com/sarchlab/dwmmc/regs"
	"github.com/sarchlab/dwmmc/sim"
	"github.com/sarchlab/dwmmc/tuning"
)

// Builder can build controllers.
type Builder struct {
	spec     Spec
	bus      regs.Bus
	mem      idmac.Memory
	clock    clockgate.Clock
	drive    DriveControl
	registry *Registry
	ids      sim.IDGenerator
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		spec: Defaults(),
	}
}

// WithSpec replaces all parameters.
func (b Builder) WithSpec(spec Spec) Builder {
	b.spec = spec
	return b
}

// WithBus sets the register window of the controller.
func (b Builder) WithBus(bus regs.Bus) Builder {
	b.bus = bus
	return b
}

// WithMemory sets the memory that holds descriptors and data buffers.
func (b Builder) WithMemory(mem idmac.Memory) Builder {
	b.mem = mem
	return b
}

// WithClock sets the clock the BIU and CIU gates are driven through.
func (b Builder) WithClock(clock clockgate.Clock) Builder {
	b.clock = clock
	return b
}

// WithDriveControl enables drive strength adjustment during tuning.
func (b Builder) WithDriveControl(drive DriveControl) Builder {
	b.drive = drive
	return b
}

// WithRegistry registers the controller when it is built.
func (b Builder) WithRegistry(r *Registry) Builder {
	b.registry = r
	return b
}

// WithIDGenerator sets how request IDs are generated.
func (b Builder) WithIDGenerator(ids sim.IDGenerator) Builder {
	b.ids = ids
	return b
}

// WithQueueDepth sets how many requests may wait for the bus.
func (b Builder) WithQueueDepth(n int) Builder {
	b.spec.QueueDepth = n
	return b
}

// WithDMA selects whether transfers may use the internal DMA controller.
func (b Builder) WithDMA(use bool) Builder {
	b.spec.UseDMA = use
	return b
}

// WithDescFormat sets the descriptor format of the DMA ring.
func (b Builder) WithDescFormat(f idmac.Format) Builder {
	b.spec.DescFormat = f
	return b
}

// WithRingCapacity sets the number of descriptors in the DMA ring.
func (b Builder) WithRingCapacity(n int) Builder {
	b.spec.RingCapacity = n
	return b
}

// WithTuning sets the tuning parameters.
func (b Builder) WithTuning(cfg tuning.Config) Builder {
	b.spec.Tuning = cfg
	return b
}

// WithCaps sets the bus capabilities.
func (b Builder) WithCaps(caps Caps) Builder {
	b.spec.Caps = caps
	return b
}

// WithQuirks sets the quirks of the controller instance.
func (b Builder) WithQuirks(q Quirks) Builder {
	b.spec.Quirks = q
	return b
}

// Build creates a controller. It panics when the parameters are invalid.
func (b Builder) Build(name string) *Controller {
	if err := b.spec.Validate(); err != nil {
		log.Panicf("%s: %v", name, err)
	}

	if b.bus == nil || b.mem == nil {
		log.Panicf("%s: bus and memory are required", name)
	}

	clock := b.clock
	if clock == nil {
		clock = alwaysOn{}
	}

	ids := b.ids
	if ids == nil {
		ids = sim.NewSequentialIDGenerator(name + ".req")
	}

	c := &Controller{
		Spec:   b.spec,
		name:   name,
		handle: NoHandle,
		bus:    b.bus,
		mem:    b.mem,
		drive:  b.drive,
		ids:    ids,
		wake:   make(chan struct{}, 1),
		layout: regs.LayoutFor(b.spec.DescFormat == idmac.Format64),
		gov:    clockgate.NewGovernor(clock),
		queue:  sim.NewBuffer(name+".Queue", b.spec.QueueDepth),
		probes: sim.NewBuffer(name+".Probes", 1),
	}

	if b.spec.UseDMA {
		ring := idmac.NewRing(b.mem, idmac.RingConfig{
			Format:     b.spec.DescFormat,
			Base:       b.spec.RingBase,
			Capacity:   b.spec.RingCapacity,
			MaxSegment: b.spec.MaxSegmentSize,
			Barrier:    b.bus.Barrier,
		})
		c.dma = idmac.NewEngine(b.bus, c.layout, ring)
	}

	cfg := b.spec.Tuning
	if b.drive == nil {
		cfg.DriveLevels = 0
	}

	c.target = &tuningTarget{c: c}
	c.tuner = tuning.NewEngine(c.target, cfg)

	c.AddMiddleware(&eventMiddleware{Controller: c})
	c.AddMiddleware(&cmdMiddleware{Controller: c})
	c.AddMiddleware(&dataMiddleware{Controller: c})
	c.AddMiddleware(&dispatchMiddleware{Controller: c})

	if b.registry != nil {
		c.handle = b.registry.Register(c)
	}

	c.status = Status{
		Name:      name,
		Handle:    c.handle,
		CmdState:  StateIdle.String(),
		DataState: StateIdle.String(),
	}

	return c
}

type alwaysOn struct{}

func (alwaysOn) Enable(clockgate.Domain) error { return nil }
func (alwaysOn) Disable(clockgate.Domain)      {}
