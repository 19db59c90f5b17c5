// Package regs describes the register protocol of the DesignWare mobile
// storage host controller.
package regs

// Offset is the byte offset of a register from the controller base.
type Offset uint32

// Core registers. The layout is fixed by the hardware.
const (
	CTRL    Offset = 0x000
	PWREN   Offset = 0x004
	CLKDIV  Offset = 0x008
	CLKSRC  Offset = 0x00c
	CLKENA  Offset = 0x010
	TMOUT   Offset = 0x014
	CTYPE   Offset = 0x018
	BLKSIZ  Offset = 0x01c
	BYTCNT  Offset = 0x020
	INTMASK Offset = 0x024
	CMDARG  Offset = 0x028
	CMD     Offset = 0x02c
	RESP0   Offset = 0x030
	RESP1   Offset = 0x034
	RESP2   Offset = 0x038
	RESP3   Offset = 0x03c
	MINTSTS Offset = 0x040
	RINTSTS Offset = 0x044
	STATUS  Offset = 0x048
	FIFOTH  Offset = 0x04c
	CDETECT Offset = 0x050
	WRTPRT  Offset = 0x054
	TCBCNT  Offset = 0x05c
	TBBCNT  Offset = 0x060
	DEBNCE  Offset = 0x064
	USRID   Offset = 0x068
	VERID   Offset = 0x06c
	HCON    Offset = 0x070
	UHSREG  Offset = 0x074
	RSTN    Offset = 0x078
	BMOD    Offset = 0x080
	PLDMND  Offset = 0x084
)

// Vendor registers behind the IDMAC block.
const (
	DDR200EnableShift Offset = 0x110
	DDR200RdDQSEn     Offset = 0x180
	AsyncFIFOCtrl     Offset = 0x184
	DLineCtrl         Offset = 0x188
	CDTHRCTL          Offset = 0x100
	SectorNumInc      Offset = 0x1f8
)

// Data FIFO locations. Controllers from version 2.40a on moved the FIFO.
const (
	DataLegacy Offset = 0x100
	Data240A   Offset = 0x200

	Version240A = 0x240a
)

// DataOffset returns where the data FIFO lives for the given VERID value.
func DataOffset(verid uint32) Offset {
	if verid&0xffff < Version240A {
		return DataLegacy
	}

	return Data240A
}

// Layout holds the locations of the registers whose offsets differ between
// 32-bit and 64-bit IDMAC addressing.
type Layout struct {
	Addr64   bool
	DBADDRL  Offset
	DBADDRU  Offset
	IDSTS    Offset
	IDINTEN  Offset
	DSCADDRL Offset
	DSCADDRU Offset
	BUFADDRL Offset
	BUFADDRU Offset
	CLKSEL   Offset
}

// LayoutFor returns the IDMAC register layout for 32-bit or 64-bit
// descriptor addressing.
func LayoutFor(addr64 bool) Layout {
	if addr64 {
		return Layout{
			Addr64:   true,
			DBADDRL:  0x088,
			DBADDRU:  0x08c,
			IDSTS:    0x090,
			IDINTEN:  0x094,
			DSCADDRL: 0x098,
			DSCADDRU: 0x09c,
			BUFADDRL: 0x0a0,
			BUFADDRU: 0x0a4,
			CLKSEL:   0x0a8,
		}
	}

	return Layout{
		DBADDRL:  0x088,
		IDSTS:    0x08c,
		IDINTEN:  0x090,
		DSCADDRL: 0x094,
		BUFADDRL: 0x098,
		CLKSEL:   0x09c,
	}
}

// Named pairs a register offset with a printable name.
type Named struct {
	Name   string
	Offset Offset
}

// Names lists the registers included in a register dump.
func Names(l Layout) []Named {
	names := []Named{
		{"CTRL", CTRL}, {"PWREN", PWREN}, {"CLKDIV", CLKDIV},
		{"CLKSRC", CLKSRC}, {"CLKENA", CLKENA}, {"TMOUT", TMOUT},
		{"CTYPE", CTYPE}, {"BLKSIZ", BLKSIZ}, {"BYTCNT", BYTCNT},
		{"INTMASK", INTMASK}, {"CMDARG", CMDARG}, {"CMD", CMD},
		{"RESP0", RESP0}, {"RESP1", RESP1}, {"RESP2", RESP2},
		{"RESP3", RESP3}, {"MINTSTS", MINTSTS}, {"RINTSTS", RINTSTS},
		{"STATUS", STATUS}, {"FIFOTH", FIFOTH}, {"CDETECT", CDETECT},
		{"WRTPRT", WRTPRT}, {"TCBCNT", TCBCNT}, {"TBBCNT", TBBCNT},
		{"DEBNCE", DEBNCE}, {"USRID", USRID}, {"VERID", VERID},
		{"HCON", HCON}, {"UHS_REG", UHSREG}, {"RST_N", RSTN},
		{"BMOD", BMOD}, {"PLDMND", PLDMND},
		{"DBADDR", l.DBADDRL}, {"IDSTS", l.IDSTS},
		{"IDINTEN", l.IDINTEN}, {"DSCADDR", l.DSCADDRL},
		{"BUFADDR", l.BUFADDRL}, {"CLKSEL", l.CLKSEL},
	}

	if l.Addr64 {
		names = append(names,
			Named{"DBADDRU", l.DBADDRU},
			Named{"DSCADDRU", l.DSCADDRU},
			Named{"BUFADDRU", l.BUFADDRU},
		)
	}

	return names
}

// Bus gives access to the controller registers.
//
// Barrier orders every register and memory write issued before it ahead of
// any write issued after it.
type Bus interface {
	Read32(off Offset) uint32
	Write32(off Offset, value uint32)
	Barrier()
}
