package host

import "github.com/sarchlab/dwmmc/regs"

// RegisterValue is one line of a register dump.
type RegisterValue struct {
	Name   string
	Offset regs.Offset
	Value  uint32
}

// DumpRegisters reads every documented register and logs it. The data
// register is skipped since reading it pops the FIFO.
func (c *Controller) DumpRegisters() []RegisterValue {
	names := regs.Names(c.layout)
	values := make([]RegisterValue, 0, len(names))

	for _, n := range names {
		v := c.bus.Read32(n.Offset)
		values = append(values, RegisterValue{Name: n.Name, Offset: n.Offset, Value: v})
		c.logf("%-9s (0x%03x) = 0x%08x", n.Name, uint32(n.Offset), v)
	}

	return values
}
