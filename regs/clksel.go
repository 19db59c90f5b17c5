package regs

// ClkSel is the vendor clock-select register. It encodes the sampling phase,
// the drive phase and the divider ratio of the card clock.
type ClkSel uint32

const (
	clkSelSampleMask     = 0x7
	clkSelFineSampleMask = 0xf
	clkSelFineTune       = 1 << 6
	clkSelDriveShift     = 16
	clkSelDriveMask      = 0x7 << clkSelDriveShift
	clkSelFineDriveShift = 22
	clkSelFineDriveMask  = 0x3 << clkSelFineDriveShift
	clkSelDividerShift   = 24
	clkSelDividerMask    = 0x7 << clkSelDividerShift
)

// MakeClkSel builds a CLKSEL value from sample and drive phases and the
// divider field.
func MakeClkSel(sample, drive, divider uint32) ClkSel {
	return ClkSel(sample&clkSelSampleMask |
		(drive<<clkSelDriveShift)&clkSelDriveMask |
		(divider<<clkSelDividerShift)&clkSelDividerMask)
}

// Sample returns the coarse sampling phase.
func (c ClkSel) Sample() uint32 { return uint32(c) & clkSelSampleMask }

// WithSample replaces the coarse sampling phase.
func (c ClkSel) WithSample(phase uint32) ClkSel {
	return c&^clkSelSampleMask | ClkSel(phase&clkSelSampleMask)
}

// FineSample returns the 4-bit sampling field used in fine-tuning mode.
func (c ClkSel) FineSample() uint32 { return uint32(c) & clkSelFineSampleMask }

// FineTune reports whether the fine-tuning delay is engaged.
func (c ClkSel) FineTune() bool { return c&clkSelFineTune != 0 }

// WithFineTune engages or releases the fine-tuning delay.
func (c ClkSel) WithFineTune(on bool) ClkSel {
	if on {
		return c | clkSelFineTune
	}

	return c &^ clkSelFineTune
}

// Drive returns the drive phase.
func (c ClkSel) Drive() uint32 {
	return (uint32(c) & clkSelDriveMask) >> clkSelDriveShift
}

// WithDrive replaces the drive phase.
func (c ClkSel) WithDrive(phase uint32) ClkSel {
	return c&^clkSelDriveMask | ClkSel((phase<<clkSelDriveShift)&clkSelDriveMask)
}

// FineDrive returns the fine drive phase.
func (c ClkSel) FineDrive() uint32 {
	return (uint32(c) & clkSelFineDriveMask) >> clkSelFineDriveShift
}

// DivRatio returns the card clock divider ratio encoded in the register.
func (c ClkSel) DivRatio() uint32 {
	return ((uint32(c) & clkSelDividerMask) >> clkSelDividerShift) + 1
}

// Divider returns the raw divider field.
func (c ClkSel) Divider() uint32 {
	return (uint32(c) & clkSelDividerMask) >> clkSelDividerShift
}
