// Package idmac manages the descriptor ring of the internal DMA controller.
package idmac

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// DescFlags are the control bits in the first word of a descriptor.
type DescFlags uint32

// Descriptor control bits.
const (
	FlagDIC DescFlags = 1 << 1
	FlagLD  DescFlags = 1 << 2
	FlagFD  DescFlags = 1 << 3
	FlagCH  DescFlags = 1 << 4
	FlagER  DescFlags = 1 << 5
	FlagCES DescFlags = 1 << 30
	FlagOWN DescFlags = 1 << 31
)

// Has reports whether all bits of f are set.
func (f DescFlags) Has(flag DescFlags) bool { return f&flag == flag }

func (f DescFlags) String() string {
	names := []struct {
		flag DescFlags
		name string
	}{
		{FlagOWN, "OWN"}, {FlagFD, "FD"}, {FlagLD, "LD"}, {FlagCH, "CH"},
		{FlagDIC, "DIC"}, {FlagER, "ER"}, {FlagCES, "CES"},
	}

	parts := []string{}
	for _, n := range names {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}

	if len(parts) == 0 {
		return "-"
	}

	return strings.Join(parts, "|")
}

// Format selects the binary layout of descriptors.
type Format int

// Supported descriptor layouts.
const (
	// Format32 is the 8-word layout used with 32-bit addressing.
	Format32 Format = iota
	// Format64 is the 32-word layout used with 64-bit addressing. It carries
	// per-sector encryption attributes.
	Format64
)

// MaxBufSize is the largest value the 13-bit buffer size field can hold.
const MaxBufSize = 0x1fff

const (
	des2FKL     = 1 << 26
	des2DKL     = 1 << 27
	des2FASPos  = 28
	des2DASPos  = 30
	sizeMask    = 0x1fff
	firstKey64  = 8
	firstKey32  = 4
	wordsPer32  = 8
	wordsPer64  = 32
	bytesInWord = 4
)

// Security holds the vendor extension fields of a descriptor.
//
// For Format64, Keys holds des8..des31: file IV (4 words), file key
// (8 words), file tweak key (8 words), disk IV (4 words). For Format32,
// Keys holds the sector key and the three application keys.
type Security struct {
	FileKeyLen256 bool
	DiskKeyLen256 bool
	FileAlgo      uint8
	DiskAlgo      uint8
	Keys          []uint32
}

// Encryption algorithms for FileAlgo and DiskAlgo.
const (
	AlgoBypass uint8 = 0
	AlgoAESCBC uint8 = 1
	AlgoAESXTS uint8 = 2
)

// Descriptor is the software view of one hardware descriptor.
type Descriptor struct {
	Flags    DescFlags
	Size     uint32
	BufAddr  uint64
	NextAddr uint64
	Security Security
}

func (d Descriptor) String() string {
	return fmt.Sprintf("[%s] buf=0x%x size=%d next=0x%x",
		d.Flags, d.BufAddr, d.Size, d.NextAddr)
}

// Size returns the number of bytes a descriptor occupies in memory.
func (f Format) Size() uint64 {
	if f == Format64 {
		return wordsPer64 * bytesInWord
	}

	return wordsPer32 * bytesInWord
}

func (f Format) String() string {
	if f == Format64 {
		return "64-bit"
	}

	return "32-bit"
}

// Encode lays a descriptor out as the DMA engine reads it.
func (f Format) Encode(d Descriptor) []byte {
	if f == Format64 {
		return encode64(d)
	}

	return encode32(d)
}

// Decode parses a descriptor from its memory image.
func (f Format) Decode(b []byte) Descriptor {
	if f == Format64 {
		return decode64(b)
	}

	return decode32(b)
}

func putWords(words []uint32) []byte {
	b := make([]byte, len(words)*bytesInWord)
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*bytesInWord:], w)
	}

	return b
}

func getWords(b []byte, n int) []uint32 {
	words := make([]uint32, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*bytesInWord:])
	}

	return words
}

func encode32(d Descriptor) []byte {
	w := make([]uint32, wordsPer32)
	w[0] = uint32(d.Flags)
	w[1] = d.Size & sizeMask
	w[2] = uint32(d.BufAddr)
	w[3] = uint32(d.NextAddr)
	copy(w[firstKey32:], d.Security.Keys)

	return putWords(w)
}

func decode32(b []byte) Descriptor {
	w := getWords(b, wordsPer32)

	return Descriptor{
		Flags:    DescFlags(w[0]),
		Size:     w[1] & sizeMask,
		BufAddr:  uint64(w[2]),
		NextAddr: uint64(w[3]),
		Security: Security{Keys: keysOrNil(w[firstKey32:])},
	}
}

func encode64(d Descriptor) []byte {
	w := make([]uint32, wordsPer64)
	sec := d.Security

	w[0] = uint32(d.Flags)
	w[2] = d.Size & sizeMask
	if sec.FileKeyLen256 {
		w[2] |= des2FKL
	}
	if sec.DiskKeyLen256 {
		w[2] |= des2DKL
	}
	w[2] |= uint32(sec.FileAlgo&0x3) << des2FASPos
	w[2] |= uint32(sec.DiskAlgo&0x3) << des2DASPos
	w[4] = uint32(d.BufAddr)
	w[5] = uint32(d.BufAddr >> 32)
	w[6] = uint32(d.NextAddr)
	w[7] = uint32(d.NextAddr >> 32)
	copy(w[firstKey64:], sec.Keys)

	return putWords(w)
}

func decode64(b []byte) Descriptor {
	w := getWords(b, wordsPer64)

	return Descriptor{
		Flags:    DescFlags(w[0]),
		Size:     w[2] & sizeMask,
		BufAddr:  uint64(w[4]) | uint64(w[5])<<32,
		NextAddr: uint64(w[6]) | uint64(w[7])<<32,
		Security: Security{
			FileKeyLen256: w[2]&des2FKL != 0,
			DiskKeyLen256: w[2]&des2DKL != 0,
			FileAlgo:      uint8(w[2]>>des2FASPos) & 0x3,
			DiskAlgo:      uint8(w[2]>>des2DASPos) & 0x3,
			Keys:          keysOrNil(w[firstKey64:]),
		},
	}
}

func keysOrNil(words []uint32) []uint32 {
	for _, w := range words {
		if w != 0 {
			return words
		}
	}

	return nil
}
