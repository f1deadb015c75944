// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sdsim models an Allwinner SD/MMC host controller with an attached
// SD card at register level, it backs driver tests and the host simulator.
package sdsim

import (
	"errors"
	"io"

	"github.com/f-secure-foundry/armory-sdbridge/internal/sdmmc"
)

const (
	blockSize  = 512
	defaultRCA = 0xb368

	// card status, current state tran and ready for data
	statusTransfer = 4<<9 | 1<<8
)

// Storage represents the card memory array.
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

// RAM implements Storage over a byte slice.
type RAM []byte

func (r RAM) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off >= int64(len(r)) {
		return 0, io.EOF
	}

	n = copy(p, r[off:])

	if n < len(p) {
		err = io.EOF
	}

	return
}

func (r RAM) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(p)) > int64(len(r)) {
		return 0, errors.New("write beyond end of storage")
	}

	return copy(r[off:], p), nil
}

// Command is a command received by the card.
type Command struct {
	Index uint32
	Arg   uint32
	App   bool
}

// Response overrides the card answer to a command, bits are reported in the
// raw interrupt status register instead of command completion when non-zero.
type Response struct {
	Resp [4]uint32
	Bits uint32
}

// Card represents a simulated SD card.
type Card struct {
	// Storage holds the card contents
	Storage Storage
	// Size is the card capacity in bytes, a multiple of 512KB
	Size int64
	// HC reports the card as high capacity (CCS)
	HC bool
	// Bus4 advertises 4-bit bus support
	Bus4 bool
	// V1 models a version 1.x card which rejects CMD8
	V1 bool
	// Busy is the number of ACMD41 attempts answered with power up busy
	Busy int
	// SCR overrides the default SCR high word when non-zero
	SCR uint32
	// Override, when set, can replace the answer to any command
	Override func(cmd Command) (r Response, ok bool)

	// Commands records every command received
	Commands []Command

	rca      uint32
	app      bool
	attempts int
	width    int
	blockLen uint32
}

// Width returns the bus width selected by ACMD6.
func (c *Card) Width() int {
	if c.width == 0 {
		return 1
	}

	return c.width
}

func (c *Card) args(index uint32) (args []uint32) {
	for _, cmd := range c.Commands {
		if !cmd.App && cmd.Index == index {
			args = append(args, cmd.Arg)
		}
	}

	return
}

// Reads returns the arguments of every single block read command.
func (c *Card) Reads() []uint32 {
	return c.args(sdmmc.READ_SINGLE_BLOCK)
}

// Writes returns the arguments of every single block write command.
func (c *Card) Writes() []uint32 {
	return c.args(sdmmc.WRITE_BLOCK)
}

// CSD returns the CSD version 2.0 response words describing the card
// capacity, the layout is reported regardless of capacity type.
func (c *Card) CSD() (r [4]uint32) {
	cSize := uint32(c.Size/(blockSize*1024)) - 1

	// CSD_STRUCTURE
	r[3] = sdmmc.CSD_STRUCTURE_V2 << 30
	// READ_BL_LEN 9 (512 bytes), C_SIZE[21:16]
	r[2] = 9<<16 | (cSize>>16)&0x3f
	// C_SIZE[15:0]
	r[1] = (cSize & 0xffff) << 16
	r[0] = 1

	return
}

func (c *Card) scr() uint32 {
	if c.SCR != 0 {
		return c.SCR
	}

	// SD_SPEC 2, SD_SPEC3 1 (version 3.0x)
	scr := uint32(2<<24 | 1<<15 | sdmmc.SCR_BUS_WIDTH_1<<16)

	if c.Bus4 {
		scr |= sdmmc.SCR_BUS_WIDTH_4 << 16
	}

	return scr
}

func (c *Card) override(cmd Command) (r Response, ok bool) {
	if c.Override == nil {
		return
	}

	if r, ok = c.Override(cmd); ok {
		c.app = false
	}

	return
}

// address converts a data command argument to a byte offset.
func (c *Card) address(arg uint32) int64 {
	if c.HC {
		return int64(arg) * blockSize
	}

	return int64(arg)
}

// execute runs a command returning its response, or the raw interrupt error
// bits to report when the command fails.
func (c *Card) execute(index uint32, arg uint32) (resp [4]uint32, errBits uint32) {
	app := c.app
	c.app = false

	switch {
	case app && index == sdmmc.SD_SEND_OP_COND:
		ocr := uint32(sdmmc.OCR_VDD_WINDOW)

		if c.attempts >= c.Busy {
			ocr |= sdmmc.OCR_POWERUP_READY

			if c.HC && arg&(1<<30) != 0 {
				ocr |= sdmmc.OCR_CCS
			}
		}

		c.attempts++
		resp[0] = ocr
	case app && index == sdmmc.SET_BUS_WIDTH:
		if arg&3 == sdmmc.ACMD6_BUS_WIDTH_4 {
			c.width = 4
		} else {
			c.width = 1
		}

		resp[0] = statusTransfer | sdmmc.CARD_STATUS_APP_CMD
	case app && index == sdmmc.SEND_SCR:
		resp[0] = statusTransfer | sdmmc.CARD_STATUS_APP_CMD
	case index == sdmmc.GO_IDLE_STATE:
		c.rca = 0
		c.attempts = 0
		c.width = 1
	case index == sdmmc.SEND_IF_COND:
		if c.V1 {
			// illegal command
			return resp, 1 << sdmmc.RISR_RESPONSE_ERR
		}

		resp[0] = arg & 0xfff
	case index == sdmmc.APP_CMD:
		c.app = true
		resp[0] = statusTransfer | sdmmc.CARD_STATUS_APP_CMD
	case index == sdmmc.ALL_SEND_CID:
		// manufacturer, OEM, product name, revision and serial
		resp = [4]uint32{0x0b000101, 0x11223344, 0x4d434410, 0x03534453}
	case index == sdmmc.SEND_RELATIVE_ADDR:
		c.rca = defaultRCA
		resp[0] = c.rca << 16
	case index == sdmmc.SEND_CSD:
		resp = c.CSD()
	case index == sdmmc.SELECT_CARD, index == sdmmc.SEND_STATUS:
		if arg>>16 != c.rca {
			return resp, 1 << sdmmc.RISR_RESP_TIMEOUT
		}

		resp[0] = statusTransfer
	case index == sdmmc.SET_BLOCKLEN:
		c.blockLen = arg
		resp[0] = statusTransfer
	case index == sdmmc.READ_SINGLE_BLOCK, index == sdmmc.WRITE_BLOCK:
		resp[0] = statusTransfer
	default:
		return resp, 1 << sdmmc.RISR_RESP_TIMEOUT
	}

	return
}
