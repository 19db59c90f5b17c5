package regs

import (
	"fmt"
	"strings"
)

type flagName struct {
	bit  uint32
	name string
}

func formatFlags(v uint32, names []flagName) string {
	if v == 0 {
		return "0"
	}

	parts := make([]string, 0, len(names))
	for _, n := range names {
		if v&n.bit != 0 {
			parts = append(parts, n.name)
			v &^= n.bit
		}
	}

	if v != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", v))
	}

	return strings.Join(parts, "|")
}

// Ctrl holds the bits of the CTRL register.
type Ctrl uint32

// CTRL bits.
const (
	CtrlReset     Ctrl = 1 << 0
	CtrlFIFOReset Ctrl = 1 << 1
	CtrlDMAReset  Ctrl = 1 << 2
	CtrlIntEnable Ctrl = 1 << 4
	CtrlDMAEnable Ctrl = 1 << 5
	CtrlUseIDMAC  Ctrl = 1 << 25

	CtrlAllReset = CtrlReset | CtrlFIFOReset | CtrlDMAReset
)

var ctrlNames = []flagName{
	{uint32(CtrlReset), "RESET"},
	{uint32(CtrlFIFOReset), "FIFO_RESET"},
	{uint32(CtrlDMAReset), "DMA_RESET"},
	{uint32(CtrlIntEnable), "INT_ENABLE"},
	{uint32(CtrlDMAEnable), "DMA_ENABLE"},
	{uint32(CtrlUseIDMAC), "USE_IDMAC"},
}

// Has reports whether all bits of f are set.
func (c Ctrl) Has(f Ctrl) bool { return c&f == f }

func (c Ctrl) String() string { return formatFlags(uint32(c), ctrlNames) }

// Int holds interrupt status and mask bits shared by INTMASK, MINTSTS and
// RINTSTS.
type Int uint32

// Interrupt bits.
const (
	IntCD       Int = 1 << 0
	IntRespErr  Int = 1 << 1
	IntCmdDone  Int = 1 << 2
	IntDataOver Int = 1 << 3
	IntTXDR     Int = 1 << 4
	IntRXDR     Int = 1 << 5
	IntRCRC     Int = 1 << 6
	IntDCRC     Int = 1 << 7
	IntRTO      Int = 1 << 8
	IntDRTO     Int = 1 << 9
	IntHTO      Int = 1 << 10
	IntFRUN     Int = 1 << 11
	IntHLE      Int = 1 << 12
	IntSBE      Int = 1 << 13
	IntACD      Int = 1 << 14
	IntEBE      Int = 1 << 15

	IntDataError = IntDRTO | IntDCRC | IntHTO | IntSBE | IntEBE
	IntCmdError  = IntRTO | IntRCRC | IntRespErr
	IntError     = IntDataError | IntCmdError | IntHLE
	IntAll       = ^Int(0)
)

// IntSDIO returns the SDIO interrupt bit of the given slot.
func IntSDIO(slot int) Int {
	return Int(1) << (16 + uint(slot))
}

var intNames = []flagName{
	{uint32(IntCD), "CD"},
	{uint32(IntRespErr), "RESP_ERR"},
	{uint32(IntCmdDone), "CMD_DONE"},
	{uint32(IntDataOver), "DATA_OVER"},
	{uint32(IntTXDR), "TXDR"},
	{uint32(IntRXDR), "RXDR"},
	{uint32(IntRCRC), "RCRC"},
	{uint32(IntDCRC), "DCRC"},
	{uint32(IntRTO), "RTO"},
	{uint32(IntDRTO), "DRTO"},
	{uint32(IntHTO), "HTO"},
	{uint32(IntFRUN), "FRUN"},
	{uint32(IntHLE), "HLE"},
	{uint32(IntSBE), "SBE"},
	{uint32(IntACD), "ACD"},
	{uint32(IntEBE), "EBE"},
}

// Has reports whether all bits of f are set.
func (i Int) Has(f Int) bool { return i&f == f }

// Any reports whether any bit of f is set.
func (i Int) Any(f Int) bool { return i&f != 0 }

func (i Int) String() string { return formatFlags(uint32(i), intNames) }

// Cmd holds the bits of the CMD register.
type Cmd uint32

// CMD bits.
const (
	CmdRespExp    Cmd = 1 << 6
	CmdRespLong   Cmd = 1 << 7
	CmdRespCRC    Cmd = 1 << 8
	CmdDatExp     Cmd = 1 << 9
	CmdDatWr      Cmd = 1 << 10
	CmdStrmMode   Cmd = 1 << 11
	CmdSendStop   Cmd = 1 << 12
	CmdPrvDatWait Cmd = 1 << 13
	CmdStop       Cmd = 1 << 14
	CmdInit       Cmd = 1 << 15
	CmdUpdClk     Cmd = 1 << 21
	CmdCEATARd    Cmd = 1 << 22
	CmdCCSExp     Cmd = 1 << 23
	CmdUseHoldReg Cmd = 1 << 29
	CmdStart      Cmd = 1 << 31

	cmdIndexMask = 0x3f
)

var cmdNames = []flagName{
	{uint32(CmdRespExp), "RESP_EXP"},
	{uint32(CmdRespLong), "RESP_LONG"},
	{uint32(CmdRespCRC), "RESP_CRC"},
	{uint32(CmdDatExp), "DAT_EXP"},
	{uint32(CmdDatWr), "DAT_WR"},
	{uint32(CmdStrmMode), "STRM_MODE"},
	{uint32(CmdSendStop), "SEND_STOP"},
	{uint32(CmdPrvDatWait), "PRV_DAT_WAIT"},
	{uint32(CmdStop), "STOP"},
	{uint32(CmdInit), "INIT"},
	{uint32(CmdUpdClk), "UPD_CLK"},
	{uint32(CmdCEATARd), "CEATA_RD"},
	{uint32(CmdCCSExp), "CCS_EXP"},
	{uint32(CmdUseHoldReg), "USE_HOLD_REG"},
	{uint32(CmdStart), "START"},
}

// CmdIndex encodes a command opcode into the index field.
func CmdIndex(opcode uint32) Cmd {
	return Cmd(opcode & cmdIndexMask)
}

// Opcode extracts the command index.
func (c Cmd) Opcode() uint32 { return uint32(c) & cmdIndexMask }

// Has reports whether all bits of f are set.
func (c Cmd) Has(f Cmd) bool { return c&f == f }

func (c Cmd) String() string {
	return fmt.Sprintf("CMD%d[%s]",
		c.Opcode(), formatFlags(uint32(c)&^cmdIndexMask, cmdNames))
}

// ClkEna holds the bits of the CLKENA register.
type ClkEna uint32

// CLKENA bits.
const (
	ClkEnable ClkEna = 1 << 0
	ClkLowPwr ClkEna = 1 << 16
)

// Status wraps the read-only STATUS register.
type Status uint32

// STATUS bits.
const (
	StatusDataBusy Status = 1 << 9
	StatusDMAReq   Status = 1 << 31
)

// FIFOCount returns the number of words in the data FIFO.
func (s Status) FIFOCount() uint32 { return (uint32(s) >> 17) & 0x1fff }

// Busy reports whether the card holds the data line busy.
func (s Status) Busy() bool { return s&StatusDataBusy != 0 }

// BMod holds the bits of the IDMAC bus mode register.
type BMod uint32

// BMOD bits.
const (
	BModSWReset BMod = 1 << 0
	BModFB      BMod = 1 << 1
	BModEnable  BMod = 1 << 7
)

// IDSts holds the bits shared by IDSTS and IDINTEN.
type IDSts uint32

// IDSTS/IDINTEN bits.
const (
	IDStsTI  IDSts = 1 << 0
	IDStsRI  IDSts = 1 << 1
	IDStsFBE IDSts = 1 << 2
	IDStsDU  IDSts = 1 << 4
	IDStsCES IDSts = 1 << 5
	IDStsNI  IDSts = 1 << 8
	IDStsAI  IDSts = 1 << 9
)

var idstsNames = []flagName{
	{uint32(IDStsTI), "TI"},
	{uint32(IDStsRI), "RI"},
	{uint32(IDStsFBE), "FBE"},
	{uint32(IDStsDU), "DU"},
	{uint32(IDStsCES), "CES"},
	{uint32(IDStsNI), "NI"},
	{uint32(IDStsAI), "AI"},
}

// Has reports whether all bits of f are set.
func (s IDSts) Has(f IDSts) bool { return s&f == f }

func (s IDSts) String() string { return formatFlags(uint32(s), idstsNames) }

// FIFOTHValue encodes the FIFO threshold register.
func FIFOTHValue(msize, rxWmark, txWmark uint32) uint32 {
	return (msize&0x7)<<28 | (rxWmark&0xfff)<<16 | txWmark&0xfff
}

// CTYPE values.
const (
	CTypeWidth1 uint32 = 0
	CTypeWidth4 uint32 = 1
	CTypeWidth8 uint32 = 1 << 16
)

// UHS_REG DDR bit for slot 0.
const UHSDDR uint32 = 1 << 16

// HCON fields.
const (
	hconDataWidthShift = 7
	hconDMAIfShift     = 16
)

// HconDataShift returns log2 of the host data width in bytes reported by
// HCON: 1 for 16-bit, 2 for 32-bit, 3 for 64-bit.
func HconDataShift(hcon uint32) uint {
	switch (hcon >> hconDataWidthShift) & 0x7 {
	case 0:
		return 1
	case 2:
		return 3
	default:
		return 2
	}
}

// HconHasIDMAC reports whether the controller was built with the internal
// DMA controller.
func HconHasIDMAC(hcon uint32) bool {
	return (hcon>>hconDMAIfShift)&0x3 == 0
}
