// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"fmt"
)

// Version represents the SD physical layer specification version.
type Version int

// SD physical layer versions, 1.10 shares its ordinal with 2.00 as both are
// handled identically.
const (
	VersionUnknown Version = 0
	SD_V1          Version = 1
	SD_V1_1        Version = 2
	SD_V2          Version = 2
	SD_V3          Version = 3
	SD_V4          Version = 4
	SD_V5          Version = 5
	SD_V6          Version = 6
)

func (v Version) String() string {
	switch v {
	case SD_V1:
		return "1.0x"
	case SD_V2:
		return "2.00"
	case SD_V3:
		return "3.0x"
	case SD_V4:
		return "4.xx"
	case SD_V5:
		return "5.xx"
	case SD_V6:
		return "6.xx"
	default:
		return "unknown"
	}
}

// csd holds the CSD fields relevant to block I/O.
type csd struct {
	blockSize int
	blocks    int
	capacity  int64
}

// decodeCSD parses a CSD register as laid out in the response registers
// (p181, 5.3 CSD Register, SD Specifications Part 1 Physical Layer
// Simplified Specification).
func decodeCSD(r [4]uint32) (c csd, err error) {
	if r[0]&1 != 1 {
		return c, fmt.Errorf("%w, unexpected format (%#x)", ErrUnsupportedCSD, r[0])
	}

	switch version := (r[3] >> 30) & 0b11; version {
	case CSD_STRUCTURE_V2:
		return decodeCSDv2(r)
	case 0:
		return c, fmt.Errorf("%w, CSD version 1.0", ErrUnsupportedCSD)
	default:
		return c, fmt.Errorf("%w, structure %d", ErrUnsupportedCSD, version)
	}
}

// p186, 5.3.3 CSD Register (CSD Version 2.0)
func decodeCSDv2(r [4]uint32) (c csd, err error) {
	readBlockLength := 1 << ((r[2] >> 16) & 0xf)

	if readBlockLength != CSD_V2_READ_BL_LEN {
		return c, fmt.Errorf("%w, READ_BL_LEN %d", ErrUnsupportedCSD, readBlockLength)
	}

	cSize := (r[1]>>16)&0xffff | (r[2]&0x3f)<<16

	c.blockSize = readBlockLength
	c.blocks = int(cSize+1) << 10
	c.capacity = int64(c.blocks) * int64(c.blockSize)

	return
}

// scr holds the decoded SCR fields.
type scr struct {
	version Version
	bus4    bool
}

// decodeSCR parses the most significant SCR word, received first and in
// big-endian order (p212, 5.6 SCR register, SD Specifications Part 1
// Physical Layer Simplified Specification).
func decodeSCR(w uint32) (s scr, err error) {
	structure := (w >> 28) & 0xf
	spec := (w >> 24) & 0xf
	busWidths := (w >> 16) & 0xf
	spec3 := (w >> 15) & 1
	spec4 := (w >> 10) & 1
	specX := (w >> 6) & 0xf

	if structure != 0 {
		return s, fmt.Errorf("%w, structure %d", ErrUnsupportedSCR, structure)
	}

	switch {
	case spec == 0 && spec3 == 0 && spec4 == 0 && specX == 0:
		s.version = SD_V1
	case spec == 1 && spec3 == 0 && spec4 == 0 && specX == 0:
		s.version = SD_V1_1
	case spec == 2 && spec3 == 0 && spec4 == 0 && specX == 0:
		s.version = SD_V2
	case spec == 2 && spec3 == 1 && spec4 == 0 && specX == 0:
		s.version = SD_V3
	case spec == 2 && spec3 == 1 && spec4 == 1 && specX == 0:
		s.version = SD_V4
	case spec == 2 && spec3 == 1 && specX == 1:
		s.version = SD_V5
	case spec == 2 && spec3 == 1 && specX == 2:
		s.version = SD_V6
	default:
		return s, fmt.Errorf("%w, version %d/%d/%d/%d", ErrUnsupportedSCR, spec, spec3, spec4, specX)
	}

	if busWidths&SCR_BUS_WIDTH_1 == 0 {
		return s, ErrBusWidth
	}

	s.bus4 = busWidths&SCR_BUS_WIDTH_4 != 0

	return
}
