// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdsim

import (
	"encoding/binary"
	"math/bits"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/f-secure-foundry/armory-sdbridge/internal/reg"
	"github.com/f-secure-foundry/armory-sdbridge/internal/sdmmc"
)

// Host models the controller register block, it implements reg.Bus.
type Host struct {
	reg.Mem

	// Card is the inserted card, nil when the slot is empty
	Card *Card

	// Rates records every module clock request
	Rates []uint32

	mu sync.Mutex

	// pending read data
	fifo []uint32

	// pending write data
	writing bool
	wbuf    []byte
	waddr   int64
}

// New returns a controller model with card inserted.
func New(card *Card) (h *Host) {
	h = &Host{
		Card: card,
	}

	h.ReadHook = h.read
	h.WriteHook = h.write

	return
}

// Clock records module clock changes, it matches sdmmc.Controller.Clock.
func (h *Host) Clock(hz uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.Rates = append(h.Rates, hz)

	return nil
}

func (h *Host) raise(mask uint32) {
	h.Store(sdmmc.SD_RISR, h.Load(sdmmc.SD_RISR)|mask)
}

func (h *Host) read(off uint32, size int) (val uint32, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch off {
	case sdmmc.SD_STAR:
		if len(h.fifo) == 0 {
			val |= 1 << sdmmc.STAR_FIFO_EMPTY
		}

		if h.Card != nil {
			val |= 1 << sdmmc.STAR_CARD_PRESENT
		}

		return val, true
	case sdmmc.SD_FIFO:
		if len(h.fifo) == 0 {
			h.raise(1 << sdmmc.RISR_FIFO_ERR)
			return 0, true
		}

		val = h.fifo[0]
		h.fifo = h.fifo[1:]

		if len(h.fifo) == 0 {
			h.raise(1 << sdmmc.RISR_DATA_TRANSFER_COMPLETE)
		}

		return val, true
	}

	return
}

func (h *Host) write(off uint32, size int, val uint32) (handled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch off {
	case sdmmc.SD_GCTL:
		// resets complete instantly
		if val&(1<<sdmmc.GCTL_FIFO_RST|1<<sdmmc.GCTL_SOFT_RST) != 0 {
			h.fifo = nil
			h.writing = false
		}

		h.Store(off, val&^(1<<sdmmc.GCTL_SOFT_RST|1<<sdmmc.GCTL_FIFO_RST|1<<sdmmc.GCTL_DMA_RST))
	case sdmmc.SD_RISR:
		// write 1 to clear
		h.Store(off, h.Load(off)&^val)
	case sdmmc.SD_FIFO:
		h.push(val)
	case sdmmc.SD_CMDR:
		if val&(1<<sdmmc.CMDR_CMD_LOAD) != 0 && val&(1<<sdmmc.CMDR_PRG_CLK) == 0 {
			h.command(val)
		}

		h.Store(off, val&^(1<<sdmmc.CMDR_CMD_LOAD))
	default:
		return false
	}

	return true
}

func (h *Host) push(val uint32) {
	if !h.writing {
		h.raise(1 << sdmmc.RISR_FIFO_ERR)
		return
	}

	h.wbuf = append(h.wbuf, byte(val), byte(val>>8), byte(val>>16), byte(val>>24))

	if uint32(len(h.wbuf)) < h.Load(sdmmc.SD_BYCR) {
		return
	}

	h.writing = false

	if _, err := h.Card.Storage.WriteAt(h.wbuf, h.waddr); err != nil {
		logrus.Warnf("sdsim: write at %#x failed, %v", h.waddr, err)
		h.raise(1 << sdmmc.RISR_DATA_TIMEOUT)
		return
	}

	h.raise(1 << sdmmc.RISR_DATA_TRANSFER_COMPLETE)
}

func (h *Host) command(cmdr uint32) {
	index := cmdr & 0x3f
	arg := h.Load(sdmmc.SD_CAGR)

	if h.Card == nil {
		if cmdr&(1<<sdmmc.CMDR_RESP_RCV) == 0 {
			h.raise(1 << sdmmc.RISR_COMMAND_COMPLETE)
		} else {
			h.raise(1 << sdmmc.RISR_RESP_TIMEOUT)
		}

		return
	}

	card := h.Card
	cmd := Command{Index: index, Arg: arg, App: card.app}
	card.Commands = append(card.Commands, cmd)

	var resp [4]uint32
	var errBits uint32

	if r, ok := card.override(cmd); ok {
		resp, errBits = r.Resp, r.Bits
	} else {
		resp, errBits = card.execute(index, arg)
	}

	if errBits != 0 {
		h.raise(errBits)
		return
	}

	h.Store(sdmmc.SD_RESP0, resp[0])
	h.Store(sdmmc.SD_RESP1, resp[1])
	h.Store(sdmmc.SD_RESP2, resp[2])
	h.Store(sdmmc.SD_RESP3, resp[3])

	if cmdr&(1<<sdmmc.CMDR_DATA_TRANS) != 0 {
		if !h.data(cmd, cmdr) {
			return
		}
	}

	h.raise(1 << sdmmc.RISR_COMMAND_COMPLETE)
}

// data prepares the data phase of a command.
func (h *Host) data(cmd Command, cmdr uint32) bool {
	card := h.Card

	switch {
	case cmd.App && cmd.Index == sdmmc.SEND_SCR:
		// the FIFO is read as little-endian words of the big-endian register
		h.fifo = []uint32{bits.ReverseBytes32(card.scr()), 0}
	case cmd.Index == sdmmc.READ_SINGLE_BLOCK:
		buf := make([]byte, h.Load(sdmmc.SD_BYCR))

		if _, err := card.Storage.ReadAt(buf, card.address(cmd.Arg)); err != nil {
			logrus.Warnf("sdsim: read at %#x failed, %v", card.address(cmd.Arg), err)
			h.raise(1 << sdmmc.RISR_DATA_TIMEOUT)
			return false
		}

		h.fifo = h.fifo[:0]

		for i := 0; i+4 <= len(buf); i += 4 {
			h.fifo = append(h.fifo, binary.LittleEndian.Uint32(buf[i:]))
		}
	case cmd.Index == sdmmc.WRITE_BLOCK && cmdr&(1<<sdmmc.CMDR_TRANS_DIR) != 0:
		h.writing = true
		h.wbuf = h.wbuf[:0]
		h.waddr = card.address(cmd.Arg)
	default:
		h.raise(1 << sdmmc.RISR_DATA_START_ERR)
		return false
	}

	return true
}
